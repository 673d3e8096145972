package voice

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/lilalabs/voice-gateway/internal/tts"
)

// speakChunk synthesizes one chunk and delivers its audio to the client as
// a single binary message. The session's synthesis lock guarantees at most
// one chunk in flight and strict delivery order; the text echo goes out
// before audio so the client always has the words.
//
// Receive policy: wait for the flush-complete control event, but once any
// audio has arrived, two consecutive silence timeouts end the chunk early.
// That tolerates jitter without ever waiting indefinitely.
func (s *Session) speakChunk(ctx context.Context, text string) error {
	s.logger.Debug().Str("chunk", text).Msg("Synthesizing chunk")

	if err := s.conn.WriteJSON(serverMessage{Response: text + " "}); err != nil {
		return err
	}

	// Acquire the per-session synthesis lock, or bail on cancellation.
	select {
	case s.synth <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.synth }()

	s.metrics.RecordSynthesisStart()

	if err := s.ttsC.Speak(text); err != nil {
		s.metrics.RecordSynthesisEnd("error")
		return err
	}
	if err := s.ttsC.Flush(); err != nil {
		s.metrics.RecordSynthesisEnd("error")
		return err
	}

	silenceTimeout := time.Duration(s.cfg.SilenceTimeoutMs) * time.Millisecond

	var audio bytes.Buffer
	timeouts := 0

receive:
	for timeouts < s.cfg.MaxTimeouts {
		// Cancellation is checked at every suspension point; each receive
		// blocks at most one silence timeout.
		select {
		case <-ctx.Done():
			if err := s.ttsC.Clear(); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to clear mid-chunk")
			}
			s.metrics.RecordSynthesisEnd("error")
			return ctx.Err()
		default:
		}

		msg, err := s.ttsC.Receive(silenceTimeout)
		if err != nil {
			if errors.Is(err, tts.ErrReceiveTimeout) {
				timeouts++
				// Audio has started and gone quiet twice in a row: done.
				if audio.Len() > 0 && timeouts >= 2 {
					break receive
				}
				continue
			}
			s.metrics.RecordSynthesisEnd("error")
			return err
		}

		timeouts = 0
		switch msg.Type {
		case tts.MessageAudio:
			audio.Write(msg.Audio)
		case tts.MessageFlushComplete:
			break receive
		case tts.MessageControl:
			// Metadata and warnings carry no audio.
		}
	}

	if audio.Len() == 0 {
		// Not an error: the client already has the text.
		s.logger.Warn().Str("chunk", text).Msg("No audio received for chunk")
		s.metrics.RecordSynthesisEnd("empty")
		return nil
	}

	if err := s.conn.WriteBinary(audio.Bytes()); err != nil {
		s.metrics.RecordSynthesisEnd("error")
		return err
	}

	s.metrics.RecordAudioBytes("out", int64(audio.Len()))
	s.metrics.RecordSynthesisEnd("success")
	s.logger.Debug().Int("bytes", audio.Len()).Msg("Delivered chunk audio")
	return nil
}
