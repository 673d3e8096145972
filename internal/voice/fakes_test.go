package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lilalabs/voice-gateway/internal/config"
	"github.com/lilalabs/voice-gateway/internal/llm"
	"github.com/lilalabs/voice-gateway/internal/store"
	"github.com/lilalabs/voice-gateway/internal/stt"
	"github.com/lilalabs/voice-gateway/internal/tts"
)

func testConfig() *config.Config {
	return &config.Config{
		FinalizePolicy:        config.FinalizeOnFragment,
		ConversationWindow:    15,
		MaxConcurrentSessions: 2,
		KeepAliveInterval:     30,
		SilenceTimeoutMs:      5,
		MaxTimeouts:           5,
		FinalizeDebounceMs:    20,

		DuplicateFinalWindowMs: 40,
	}
}

var errConnClosed = errors.New("connection closed")

// fakeConn is an in-memory client connection.
type fakeConn struct {
	mu        sync.Mutex
	jsons     []serverMessage
	binaries  [][]byte
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.frames:
		return websocket.BinaryMessage, data, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	msg, ok := v.(serverMessage)
	if !ok {
		return errors.New("unexpected message type")
	}
	c.mu.Lock()
	c.jsons = append(c.jsons, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) WriteBinary(data []byte) error {
	c.mu.Lock()
	c.binaries = append(c.binaries, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) responses() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, m := range c.jsons {
		if m.Response != "" {
			out = append(out, m.Response)
		}
	}
	return out
}

func (c *fakeConn) binaryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.binaries)
}

// fakeSTT is a scriptable transcription client.
type fakeSTT struct {
	events    chan stt.Event
	mu        sync.Mutex
	audioSent int
	closeOnce sync.Once
}

func newFakeSTT() *fakeSTT {
	return &fakeSTT{events: make(chan stt.Event, 16)}
}

func (f *fakeSTT) Connect() error { return nil }

func (f *fakeSTT) SendAudio(data []byte) error {
	f.mu.Lock()
	f.audioSent++
	f.mu.Unlock()
	return nil
}

func (f *fakeSTT) Events() <-chan stt.Event { return f.events }

func (f *fakeSTT) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeSTT) emitFinal(text string) {
	f.events <- stt.Event{Kind: stt.EventFinal, Text: text}
}

func (f *fakeSTT) emitUtteranceEnd() {
	f.events <- stt.Event{Kind: stt.EventUtteranceEnd}
}

func sttErrorEvent(err error) stt.Event {
	return stt.Event{Kind: stt.EventError, Err: err}
}

// fakeTTS simulates the speak stream: each Flush queues one audio frame and
// a flush-complete for the last spoken text. It records an event log and
// flags any overlapping chunk synthesis.
type fakeTTS struct {
	mu         sync.Mutex
	log        []string
	queue      []*tts.Message
	busy       bool
	violations int
}

func newFakeTTS() *fakeTTS { return &fakeTTS{} }

func (f *fakeTTS) Connect() error { return nil }

func (f *fakeTTS) Speak(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		f.violations++
	}
	f.busy = true
	f.log = append(f.log, "speak:"+text)
	return nil
}

func (f *fakeTTS) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, "flush")
	f.queue = append(f.queue,
		&tts.Message{Type: tts.MessageAudio, Audio: []byte{0xAB, 0xCD}},
		&tts.Message{Type: tts.MessageFlushComplete},
	)
	return nil
}

func (f *fakeTTS) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, "clear")
	f.queue = nil
	f.busy = false
	return nil
}

func (f *fakeTTS) Receive(timeout time.Duration) (*tts.Message, error) {
	f.mu.Lock()
	if len(f.queue) > 0 {
		msg := f.queue[0]
		f.queue = f.queue[1:]
		if msg.Type == tts.MessageFlushComplete {
			f.busy = false
		}
		f.mu.Unlock()
		return msg, nil
	}
	f.mu.Unlock()

	time.Sleep(timeout)
	return nil, tts.ErrReceiveTimeout
}

func (f *fakeTTS) Close() error { return nil }

func (f *fakeTTS) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.log))
	copy(out, f.log)
	return out
}

func (f *fakeTTS) overlaps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.violations
}

// fakeGenScript is one scripted generation: emit tokens, then either end
// the stream or hold it open until cancelled.
type fakeGenScript struct {
	tokens []string
	hold   bool
	err    error
}

// fakeGen is a scriptable generation client; call i gets script i.
type fakeGen struct {
	mu          sync.Mutex
	scripts     []fakeGenScript
	calls       int
	lastSystem  string
	lastHistory []store.Turn
}

func (g *fakeGen) Stream(ctx context.Context, system string, history []store.Turn) (<-chan llm.Token, error) {
	g.mu.Lock()
	idx := g.calls
	g.calls++
	g.lastSystem = system
	g.lastHistory = append([]store.Turn(nil), history...)
	var script fakeGenScript
	if idx < len(g.scripts) {
		script = g.scripts[idx]
	}
	g.mu.Unlock()

	out := make(chan llm.Token, 8)
	go func() {
		defer close(out)
		for _, tok := range script.tokens {
			select {
			case out <- llm.Token{Text: tok}:
			case <-ctx.Done():
				return
			}
		}
		if script.err != nil {
			select {
			case out <- llm.Token{Err: script.err}:
			case <-ctx.Done():
			}
			return
		}
		if script.hold {
			<-ctx.Done()
		}
	}()
	return out, nil
}

func (g *fakeGen) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
