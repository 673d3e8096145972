package tts

import (
	"errors"
	"time"
)

// ErrReceiveTimeout is returned by Receive when no message arrives within
// the given timeout. Callers use it to implement the silence policy.
var ErrReceiveTimeout = errors.New("synthesis receive timed out")

// MessageType classifies a message from the synthesis stream.
type MessageType int

const (
	// MessageAudio carries a raw audio byte chunk.
	MessageAudio MessageType = iota
	// MessageFlushComplete signals all text sent before the flush has been
	// fully synthesized.
	MessageFlushComplete
	// MessageControl is any other control event (metadata, warnings).
	MessageControl
)

// Message is one message received from the synthesis stream.
type Message struct {
	Type  MessageType
	Audio []byte
}

// Client is the interface for streaming text-to-speech clients.
type Client interface {
	// Connect opens the synthesis connection using bounded retry; if every
	// attempt fails the session must not start.
	Connect() error

	// Speak submits a chunk of text for synthesis.
	Speak(text string) error

	// Flush tells the service to synthesize everything submitted so far.
	Flush() error

	// Clear aborts in-flight synthesis and drops buffered audio.
	Clear() error

	// Receive returns the next audio chunk or control event, waiting at
	// most timeout. Returns ErrReceiveTimeout on deadline.
	Receive(timeout time.Duration) (*Message, error)

	// Close tears down the connection.
	Close() error
}
