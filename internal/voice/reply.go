package voice

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lilalabs/voice-gateway/internal/segment"
	"github.com/lilalabs/voice-gateway/internal/store"
)

const interruptedNotice = "[interrupted]"
const apologyNotice = "Sorry, I had a glitch."

// replyTask drives one finalized utterance end to end: generation →
// segmentation → synthesis → delivery. It is cancellable as a unit; its
// done channel closes only after all teardown (including releasing the
// synthesis lock) completes, which is what the barge-in await relies on.
type replyTask struct {
	s         *Session
	utterance string
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// partial accumulates generated text so a cancelled task can still be
	// inspected. It is never persisted through the normal path.
	partial strings.Builder
}

func newReplyTask(s *Session, utterance string) *replyTask {
	ctx, cancel := context.WithCancel(s.ctx)
	return &replyTask{
		s:         s,
		utterance: utterance,
		logger:    s.logger.With().Str("utterance", utterance).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// finished reports whether the task has fully torn down.
func (t *replyTask) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// run executes the task. All exits close done last.
func (t *replyTask) run() {
	defer close(t.done)

	s := t.s

	// The user turn lands in history immediately; the assistant turn only
	// on natural completion.
	userTurn := store.Turn{Role: store.RoleUser, Content: t.utterance}
	s.history = append(s.history, userTurn)
	s.history = store.TrimWindow(s.history, s.cfg.ConversationWindow)
	s.sessionTurns = append(s.sessionTurns, userTurn)

	system := personaPrompt
	if wantsRecall(t.utterance) {
		mem, err := s.turns.LoadMemory(t.ctx, s.userID)
		if err != nil {
			t.logger.Warn().Err(err).Msg("Failed to load memory, continuing without")
		} else if mem != nil {
			system = buildSystemPrompt(mem)
		}
	}

	tokens, err := s.genC.Stream(t.ctx, system, s.history)
	if err != nil {
		t.fail(err)
		return
	}

	var buf segment.Buffer
	for {
		select {
		case <-t.ctx.Done():
			t.interrupted()
			return

		case tok, ok := <-tokens:
			if !ok {
				// Cancellation also closes the stream; don't let that
				// race into a normal completion.
				if t.ctx.Err() != nil {
					t.interrupted()
					return
				}
				t.complete(&buf)
				return
			}
			if tok.Err != nil {
				t.fail(tok.Err)
				return
			}

			t.partial.WriteString(tok.Text)
			chunk, ready := buf.Feed(tok.Text)
			if !ready {
				continue
			}
			if err := s.speakChunk(t.ctx, chunk); err != nil {
				if errors.Is(err, context.Canceled) {
					t.interrupted()
					return
				}
				// Mid-stream synthesis failure is recovered: the client
				// already has the text, the reply keeps flowing.
				t.logger.Error().Err(err).Msg("Chunk synthesis failed")
				s.metrics.RecordError("synthesis_error", "tts")
			}
		}
	}
}

// complete flushes the trailing fragment, records the assistant turn and
// persists this session's turns.
func (t *replyTask) complete(buf *segment.Buffer) {
	s := t.s

	if chunk, ok := buf.Flush(); ok {
		if err := s.speakChunk(t.ctx, chunk); err != nil {
			if errors.Is(err, context.Canceled) {
				t.interrupted()
				return
			}
			t.logger.Error().Err(err).Msg("Final chunk synthesis failed")
			s.metrics.RecordError("synthesis_error", "tts")
		}
	}

	reply := strings.TrimSpace(t.partial.String())
	if reply == "" {
		t.logger.Warn().Msg("Generation produced no text")
		s.metrics.RecordReplyOutcome("completed")
		return
	}

	assistantTurn := store.Turn{Role: store.RoleAssistant, Content: reply}
	s.history = append(s.history, assistantTurn)
	s.history = store.TrimWindow(s.history, s.cfg.ConversationWindow)
	s.sessionTurns = append(s.sessionTurns, assistantTurn)

	// Persistence survives the session closing right behind us.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.turns.PersistTurns(ctx, s.userID, s.id, s.sessionTurns); err != nil {
		t.logger.Error().Err(err).Msg("Failed to persist turns")
		s.metrics.RecordError("persist_error", "store")
	} else {
		t.logger.Info().Int("turns", len(s.sessionTurns)).Msg("Reply completed and persisted")
	}

	s.metrics.RecordReplyOutcome("completed")
}

// dropPendingUserTurn removes this task's user turn from the persisted
// set. The turn stays in model context; only completed exchanges persist.
// Safe without locking: tasks are serialized by cancel-and-await.
func (t *replyTask) dropPendingUserTurn() {
	s := t.s
	n := len(s.sessionTurns)
	if n == 0 {
		return
	}
	last := s.sessionTurns[n-1]
	if last.Role == store.RoleUser && last.Content == t.utterance {
		s.sessionTurns = s.sessionTurns[:n-1]
	}
}

// interrupted handles barge-in teardown: one notice to the client, clear
// the synthesis buffer, never persist.
func (t *replyTask) interrupted() {
	s := t.s

	t.dropPendingUserTurn()
	t.logger.Info().Msg("Reply cancelled")
	if err := s.conn.WriteJSON(serverMessage{Response: interruptedNotice}); err != nil {
		t.logger.Debug().Err(err).Msg("Failed to send interrupted notice")
	}
	if err := s.ttsC.Clear(); err != nil {
		t.logger.Debug().Err(err).Msg("Failed to clear synthesis buffer")
	}
	s.metrics.RecordReplyOutcome("cancelled")
}

// fail handles a generation failure (not cancellation): generic apology,
// no persistence, session continues.
func (t *replyTask) fail(err error) {
	s := t.s

	t.dropPendingUserTurn()
	t.logger.Error().Err(err).Msg("Generation failed")
	s.metrics.RecordError("generation_error", "llm")
	if werr := s.conn.WriteJSON(serverMessage{Response: apologyNotice}); werr != nil {
		t.logger.Debug().Err(werr).Msg("Failed to send apology")
	}
	s.metrics.RecordReplyOutcome("error")
}
