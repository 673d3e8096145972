package voice

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lilalabs/voice-gateway/internal/config"
	"github.com/lilalabs/voice-gateway/internal/store"
)

type sessionEnv struct {
	conn    *fakeConn
	stt     *fakeSTT
	tts     *fakeTTS
	gen     *fakeGen
	store   *store.MemoryStore
	sess    *Session
	runDone chan struct{}
}

func startSession(t *testing.T, cfg *config.Config, gen *fakeGen, st *store.MemoryStore) *sessionEnv {
	t.Helper()

	env := &sessionEnv{
		conn:    newFakeConn(),
		stt:     newFakeSTT(),
		tts:     newFakeTTS(),
		gen:     gen,
		store:   st,
		runDone: make(chan struct{}),
	}
	env.sess = NewSession(cfg, env.conn, "user-1", env.stt, env.tts, gen, st)
	if err := env.sess.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	go func() {
		env.sess.Run()
		close(env.runDone)
	}()
	return env
}

func (env *sessionEnv) close(t *testing.T) {
	t.Helper()
	_ = env.conn.Close()
	select {
	case <-env.runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not shut down")
	}
}

func TestSessionSingleUtterance(t *testing.T) {
	gen := &fakeGen{scripts: []fakeGenScript{
		{tokens: []string{"It's ", "sunny."}},
	}}
	st := store.NewMemoryStore()
	env := startSession(t, testConfig(), gen, st)

	env.stt.emitFinal("what's the weather")

	if !waitFor(2*time.Second, func() bool { return st.PersistCalls() == 1 }) {
		t.Fatal("reply never persisted")
	}

	turns, err := st.LoadRecentTurns(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("LoadRecentTurns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("persisted %d turns, want 2", len(turns))
	}
	if turns[0].Role != store.RoleUser || turns[0].Content != "what's the weather" {
		t.Errorf("unexpected user turn: %+v", turns[0])
	}
	if turns[1].Role != store.RoleAssistant || turns[1].Content != "It's sunny." {
		t.Errorf("unexpected assistant turn: %+v", turns[1])
	}

	if env.conn.binaryCount() < 1 {
		t.Error("no audio delivered to client")
	}
	got := env.conn.responses()
	if len(got) == 0 || got[0] != "It's sunny. " {
		t.Errorf("text echo = %q, want %q first", got, "It's sunny. ")
	}

	env.close(t)
}

func TestSessionBargeIn(t *testing.T) {
	gen := &fakeGen{scripts: []fakeGenScript{
		{tokens: []string{"Once upon a time. "}, hold: true},
		{tokens: []string{"Plan B."}},
	}}
	st := store.NewMemoryStore()
	env := startSession(t, testConfig(), gen, st)

	env.stt.emitFinal("tell me a story")

	// Wait until the first reply has delivered audio, so the barge-in
	// lands while its generation stream is still open.
	if !waitFor(2*time.Second, func() bool { return env.conn.binaryCount() >= 1 }) {
		t.Fatal("first reply never produced audio")
	}

	env.stt.emitFinal("actually stop")

	if !waitFor(2*time.Second, func() bool { return st.PersistCalls() == 1 }) {
		t.Fatal("second reply never persisted")
	}

	responses := env.conn.responses()
	interrupted := false
	for _, r := range responses {
		if r == interruptedNotice {
			interrupted = true
		}
	}
	if !interrupted {
		t.Errorf("client never saw %q, got %q", interruptedNotice, responses)
	}

	// Only the second exchange persists; the cancelled reply's partial
	// text must not appear anywhere.
	turns, _ := st.LoadRecentTurns(context.Background(), "user-1")
	if len(turns) != 2 {
		t.Fatalf("persisted %d turns, want 2: %+v", len(turns), turns)
	}
	if turns[0].Content != "actually stop" || turns[1].Content != "Plan B." {
		t.Errorf("wrong turns persisted: %+v", turns)
	}
	for _, turn := range turns {
		if strings.Contains(turn.Content, "Once upon a time") {
			t.Errorf("cancelled partial leaked into store: %+v", turn)
		}
	}

	// The cancelled task clears the synthesis buffer before the new task
	// speaks, and chunks never overlap.
	log := env.tts.events()
	clearAt, speakBAt := -1, -1
	for i, ev := range log {
		if ev == "clear" && clearAt == -1 {
			clearAt = i
		}
		if ev == "speak:Plan B." {
			speakBAt = i
		}
	}
	if clearAt == -1 || speakBAt == -1 || clearAt > speakBAt {
		t.Errorf("expected clear before new speak, log: %q", log)
	}
	if n := env.tts.overlaps(); n != 0 {
		t.Errorf("%d overlapping chunk syntheses", n)
	}
	if gen.callCount() != 2 {
		t.Errorf("generation called %d times, want 2", gen.callCount())
	}
	if !waitFor(time.Second, func() bool { return len(env.sess.synth) == 0 }) {
		t.Error("synthesis lock left held after replies finished")
	}

	env.close(t)
}

func TestSessionSynthesisSerialized(t *testing.T) {
	gen := &fakeGen{scripts: []fakeGenScript{
		{tokens: []string{"One. ", "Two. ", "Three."}},
	}}
	st := store.NewMemoryStore()
	env := startSession(t, testConfig(), gen, st)

	env.stt.emitFinal("count to three")

	if !waitFor(2*time.Second, func() bool { return st.PersistCalls() == 1 }) {
		t.Fatal("reply never persisted")
	}

	speaks := 0
	for _, ev := range env.tts.events() {
		if strings.HasPrefix(ev, "speak:") {
			speaks++
		}
	}
	if speaks != 3 {
		t.Errorf("spoke %d chunks, want 3: %q", speaks, env.tts.events())
	}
	if n := env.tts.overlaps(); n != 0 {
		t.Errorf("%d overlapping chunk syntheses", n)
	}
	if env.conn.binaryCount() != 3 {
		t.Errorf("delivered %d audio messages, want 3", env.conn.binaryCount())
	}

	env.close(t)
}

func TestSessionDuplicateFinalIgnored(t *testing.T) {
	gen := &fakeGen{scripts: []fakeGenScript{
		{tokens: []string{"Hello."}},
		{tokens: []string{"Again."}},
	}}
	st := store.NewMemoryStore()
	env := startSession(t, testConfig(), gen, st)

	env.stt.emitFinal("hi there")
	env.stt.emitFinal("hi there")

	if !waitFor(2*time.Second, func() bool { return st.PersistCalls() == 1 }) {
		t.Fatal("reply never persisted")
	}
	// Give a re-delivered duplicate time to (wrongly) start a second task.
	time.Sleep(50 * time.Millisecond)
	if gen.callCount() != 1 {
		t.Errorf("generation called %d times for duplicate final, want 1", gen.callCount())
	}

	env.close(t)
}

func TestSessionRepeatedPhraseAfterWindow(t *testing.T) {
	gen := &fakeGen{scripts: []fakeGenScript{
		{tokens: []string{"Okay."}},
		{tokens: []string{"Okay again."}},
	}}
	st := store.NewMemoryStore()
	env := startSession(t, testConfig(), gen, st)

	env.stt.emitFinal("stop")
	if !waitFor(2*time.Second, func() bool { return st.PersistCalls() == 1 }) {
		t.Fatal("first reply never persisted")
	}

	// Past the duplicate window the same phrase is a legitimate new
	// utterance, not a service re-send.
	time.Sleep(80 * time.Millisecond)
	env.stt.emitFinal("stop")
	if !waitFor(2*time.Second, func() bool { return st.PersistCalls() == 2 }) {
		t.Fatal("repeated phrase never produced a second reply")
	}
	if gen.callCount() != 2 {
		t.Errorf("generation called %d times, want 2", gen.callCount())
	}

	env.close(t)
}

func TestSessionFinalizeOnEOS(t *testing.T) {
	cfg := testConfig()
	cfg.FinalizePolicy = config.FinalizeOnEOS

	gen := &fakeGen{scripts: []fakeGenScript{
		{tokens: []string{"Both heard."}},
	}}
	st := store.NewMemoryStore()
	env := startSession(t, cfg, gen, st)

	env.stt.emitFinal("hello")
	env.stt.emitFinal("there")

	// Fragments alone must not trigger a reply under this policy.
	time.Sleep(50 * time.Millisecond)
	if gen.callCount() != 0 {
		t.Fatalf("reply started before utterance end, generation called %d times", gen.callCount())
	}

	env.stt.emitUtteranceEnd()
	if !waitFor(2*time.Second, func() bool { return st.PersistCalls() == 1 }) {
		t.Fatal("utterance end never produced a reply")
	}

	turns, _ := st.LoadRecentTurns(context.Background(), "user-1")
	if len(turns) == 0 || turns[0].Content != "hello there" {
		t.Errorf("utterance not space-joined across fragments: %+v", turns)
	}

	// A bare utterance end with an empty accumulator is a no-op.
	env.stt.emitUtteranceEnd()
	time.Sleep(50 * time.Millisecond)
	if gen.callCount() != 1 {
		t.Errorf("empty utterance end triggered generation, called %d times", gen.callCount())
	}

	env.close(t)
}

func TestSessionFinalizeOnDebounce(t *testing.T) {
	cfg := testConfig()
	cfg.FinalizePolicy = config.FinalizeOnDebounce
	cfg.FinalizeDebounceMs = 30

	gen := &fakeGen{scripts: []fakeGenScript{
		{tokens: []string{"One reply."}},
	}}
	st := store.NewMemoryStore()
	env := startSession(t, cfg, gen, st)

	// A burst of fragments inside the quiet period collapses into a
	// single utterance.
	env.stt.emitFinal("first bit")
	env.stt.emitFinal("second bit")

	if !waitFor(2*time.Second, func() bool { return st.PersistCalls() == 1 }) {
		t.Fatal("debounce never fired a reply")
	}
	if gen.callCount() != 1 {
		t.Errorf("burst produced %d replies, want 1", gen.callCount())
	}

	turns, _ := st.LoadRecentTurns(context.Background(), "user-1")
	if len(turns) == 0 || turns[0].Content != "first bit second bit" {
		t.Errorf("burst not accumulated into one utterance: %+v", turns)
	}

	env.close(t)
}

func TestSessionGenerationErrorApology(t *testing.T) {
	gen := &fakeGen{scripts: []fakeGenScript{
		{tokens: []string{"Par"}, err: errors.New("upstream 500")},
	}}
	st := store.NewMemoryStore()
	env := startSession(t, testConfig(), gen, st)

	env.stt.emitFinal("hello")

	if !waitFor(2*time.Second, func() bool {
		for _, r := range env.conn.responses() {
			if r == apologyNotice {
				return true
			}
		}
		return false
	}) {
		t.Fatalf("client never saw apology, got %q", env.conn.responses())
	}
	if st.PersistCalls() != 0 {
		t.Error("failed reply must not persist")
	}

	env.close(t)
}

func TestSessionTranscriptErrorNotice(t *testing.T) {
	gen := &fakeGen{scripts: []fakeGenScript{
		{tokens: []string{"Still here."}},
	}}
	st := store.NewMemoryStore()
	env := startSession(t, testConfig(), gen, st)

	env.stt.events <- sttErrorEvent(errors.New("stream reset"))

	if !waitFor(2*time.Second, func() bool {
		env.conn.mu.Lock()
		defer env.conn.mu.Unlock()
		for _, m := range env.conn.jsons {
			if m.Error != "" {
				return true
			}
		}
		return false
	}) {
		t.Fatal("client never saw the error notice")
	}

	// The session survives a transcription error.
	env.stt.emitFinal("you still there")
	if !waitFor(2*time.Second, func() bool { return st.PersistCalls() == 1 }) {
		t.Fatal("session did not recover after transcription error")
	}

	env.close(t)
}

func TestSessionHistoryWindow(t *testing.T) {
	cfg := testConfig()
	cfg.ConversationWindow = 3

	st := store.NewMemoryStore()
	seed := []store.Turn{
		{Role: store.RoleUser, Content: "a"},
		{Role: store.RoleAssistant, Content: "b"},
		{Role: store.RoleUser, Content: "c"},
		{Role: store.RoleAssistant, Content: "d"},
		{Role: store.RoleUser, Content: "e"},
	}
	if err := st.PersistTurns(context.Background(), "user-1", "seed", seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	gen := &fakeGen{scripts: []fakeGenScript{
		{tokens: []string{"Noted."}},
	}}
	env := startSession(t, cfg, gen, st)

	env.stt.emitFinal("one more thing")

	if !waitFor(2*time.Second, func() bool { return gen.callCount() == 1 }) {
		t.Fatal("generation never called")
	}

	gen.mu.Lock()
	history := gen.lastHistory
	gen.mu.Unlock()
	if len(history) != 3 {
		t.Fatalf("generation saw %d turns, want window of 3", len(history))
	}
	if history[len(history)-1].Content != "one more thing" {
		t.Errorf("newest turn missing from window: %+v", history)
	}

	env.close(t)
}

func TestSessionMemoryRecall(t *testing.T) {
	st := store.NewMemoryStore()
	st.SetMemory("user-1", &store.Memory{
		LongTermSummary: "Likes hiking and owns a dog named Rex.",
	})

	gen := &fakeGen{scripts: []fakeGenScript{
		{tokens: []string{"You told me about Rex."}},
	}}
	env := startSession(t, testConfig(), gen, st)

	env.stt.emitFinal("do you remember my dog")

	if !waitFor(2*time.Second, func() bool { return gen.callCount() == 1 }) {
		t.Fatal("generation never called")
	}

	gen.mu.Lock()
	system := gen.lastSystem
	gen.mu.Unlock()
	if !strings.Contains(system, "Rex") {
		t.Errorf("system prompt missing recalled memory: %q", system)
	}

	env.close(t)
}
