package voice

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lilalabs/voice-gateway/internal/config"
	"github.com/lilalabs/voice-gateway/internal/llm"
	"github.com/lilalabs/voice-gateway/internal/observability"
	"github.com/lilalabs/voice-gateway/internal/stt"
	"github.com/lilalabs/voice-gateway/internal/store"
	"github.com/lilalabs/voice-gateway/internal/tts"
)

// Session owns one client connection for its lifetime. Three loops run
// concurrently: audio-forward, transcript-consume and keep-alive. The
// transcript-consume loop is the only place reply tasks start, which is
// what makes the cancel-then-await-then-start barge-in rule enforceable.
type Session struct {
	id        string
	userID    string
	createdAt time.Time

	cfg     *config.Config
	conn    Conn
	sttC    stt.Client
	ttsC    tts.Client
	genC    llm.Client
	turns   store.Store
	logger  zerolog.Logger
	metrics *observability.SessionMetrics

	// history seeds the prompt window; sessionTurns is this session's
	// turn list, the unit of persistence. Both are touched only by the
	// transcript-consume loop and the single active reply task, which
	// never overlap.
	history      []store.Turn
	sessionTurns []store.Turn

	// pending is the active utterance accumulator.
	pending     strings.Builder
	lastFinal   string
	lastFinalAt time.Time

	replyMu sync.Mutex
	current *replyTask // in-flight reply, nil when idle

	// synth serializes chunk synthesis within the session. Sessions each
	// own one, so one user's chunks never wait on another's.
	synth chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSession wires a session around an accepted, authenticated connection.
func NewSession(cfg *config.Config, conn Conn, userID string,
	sttC stt.Client, ttsC tts.Client, genC llm.Client, turns store.Store) *Session {

	id := observability.NewSessionID()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:        id,
		userID:    userID,
		createdAt: time.Now(),
		cfg:       cfg,
		conn:      conn,
		sttC:      sttC,
		ttsC:      ttsC,
		genC:      genC,
		turns:     turns,
		logger:    observability.SessionLogger(id, userID),
		metrics:   observability.NewSessionMetrics(id),
		synth:     make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Start opens the external streams and loads prior turns. Any failure here
// aborts session start; the caller reports it and never calls Run.
func (s *Session) Start() error {
	if err := s.ttsC.Connect(); err != nil {
		return err
	}
	if err := s.sttC.Connect(); err != nil {
		_ = s.ttsC.Close()
		return err
	}

	history, err := s.turns.LoadRecentTurns(s.ctx, s.userID)
	if err != nil {
		_ = s.ttsC.Close()
		_ = s.sttC.Close()
		return err
	}
	s.history = history

	s.metrics.RecordSessionStart()
	s.logger.Info().Int("prior_turns", len(history)).Msg("Session started")
	return nil
}

// Run drives the session's loops until the client disconnects or the
// session is shut down, then tears everything down.
func (s *Session) Run() {
	defer s.teardown()

	go s.keepAlive()
	go s.consumeTranscripts()

	// The audio-forward loop runs on this goroutine; a client disconnect
	// surfaces here and ends the session.
	s.forwardAudio()
}

// Shutdown cancels the session from outside (server shutdown).
func (s *Session) Shutdown() {
	s.cancel()
	_ = s.conn.Close()
}

// forwardAudio reads binary frames from the client and forwards each
// verbatim to the transcription stream.
func (s *Session) forwardAudio() {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("Client connection read error")
			} else {
				s.logger.Info().Msg("Client closed audio stream")
			}
			s.cancel()
			return
		}

		if msgType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}

		s.metrics.RecordAudioBytes("in", int64(len(data)))
		if err := s.sttC.SendAudio(data); err != nil {
			// Keep the session alive; transcription errors surface on
			// the event stream.
			s.logger.Error().Err(err).Msg("Failed to forward audio")
			s.metrics.RecordError("stt_send_error", "stt")
		}

		select {
		case <-s.ctx.Done():
			return
		default:
		}
	}
}

// consumeTranscripts drains transcript events, accumulates the pending
// utterance and triggers replies per the configured finalization policy.
func (s *Session) consumeTranscripts() {
	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-s.ctx.Done():
			return

		case ev, ok := <-s.sttC.Events():
			if !ok {
				s.logger.Info().Msg("Transcript stream ended")
				return
			}

			switch ev.Kind {
			case stt.EventError:
				s.logger.Error().Err(ev.Err).Msg("Transcription error")
				s.metrics.RecordError("stt_stream_error", "stt")
				s.sendError("Speech recognition hiccup. Keep talking.")

			case stt.EventPartial:
				// Interim results are informational only.
				s.logger.Debug().Str("text", ev.Text).Msg("Interim transcript")

			case stt.EventFinal:
				text := strings.TrimSpace(ev.Text)
				if text == "" {
					continue
				}
				// The service may re-send a final fragment; don't let a
				// duplicate trigger a second reply. Only suppress inside a
				// short window so a user repeating the same phrase later
				// still gets an answer.
				dupWindow := time.Duration(s.cfg.DuplicateFinalWindowMs) * time.Millisecond
				if text == s.lastFinal && time.Since(s.lastFinalAt) < dupWindow {
					continue
				}
				s.lastFinal = text
				s.lastFinalAt = time.Now()

				if s.pending.Len() > 0 {
					s.pending.WriteString(" ")
				}
				s.pending.WriteString(text)

				switch s.cfg.FinalizePolicy {
				case config.FinalizeOnFragment:
					s.finalizeUtterance()
				case config.FinalizeOnDebounce:
					if debounce != nil {
						debounce.Stop()
					}
					debounce = time.NewTimer(time.Duration(s.cfg.FinalizeDebounceMs) * time.Millisecond)
					debounceC = debounce.C
				}

			case stt.EventUtteranceEnd:
				if s.cfg.FinalizePolicy == config.FinalizeOnEOS && s.pending.Len() > 0 {
					s.finalizeUtterance()
				}
			}

		case <-debounceC:
			debounceC = nil
			if s.pending.Len() > 0 {
				s.finalizeUtterance()
			}
		}
	}
}

// finalizeUtterance seals the pending accumulator into an utterance,
// cancels any in-flight reply and starts the next one. The previous task's
// teardown is fully awaited before the new task exists; two reply tasks
// must never hold the synthesis lock or write to the client concurrently.
func (s *Session) finalizeUtterance() {
	utterance := strings.TrimSpace(s.pending.String())
	s.pending.Reset()
	if utterance == "" {
		return
	}

	s.logger.Info().Str("utterance", utterance).Msg("Utterance finalized")
	s.metrics.RecordUtterance()

	s.replyMu.Lock()
	prev := s.current
	s.replyMu.Unlock()

	if prev != nil && !prev.finished() {
		s.logger.Info().Msg("Barge-in, cancelling in-flight reply")
		s.metrics.RecordBargeIn()
		prev.cancel()
		<-prev.done
	}

	task := newReplyTask(s, utterance)
	s.replyMu.Lock()
	s.current = task
	s.replyMu.Unlock()
	go task.run()
}

// keepAlive pings the client on a fixed interval so intermediaries don't
// drop the idle connection.
func (s *Session) keepAlive() {
	interval := time.Duration(s.cfg.KeepAliveInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteJSON(serverMessage{Type: "ping"}); err != nil {
				s.logger.Debug().Err(err).Msg("Keep-alive write failed")
				return
			}
		}
	}
}

// teardown cancels everything and closes both external streams. Every step
// runs even if earlier ones fail.
func (s *Session) teardown() {
	s.cancel()

	s.replyMu.Lock()
	current := s.current
	s.replyMu.Unlock()
	if current != nil && !current.finished() {
		current.cancel()
		<-current.done
	}

	if err := s.ttsC.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close synthesis stream")
	}
	if err := s.sttC.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close transcription stream")
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("Client connection close")
	}

	s.metrics.RecordSessionEnd()
	s.logger.Info().Msg("Session closed")
}

// sendError reports a short generic notice to the client. Internal error
// detail never crosses the connection.
func (s *Session) sendError(msg string) {
	if err := s.conn.WriteJSON(serverMessage{Error: msg}); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to send error notice")
	}
}
