package stt

// EventKind classifies a transcript event.
type EventKind int

const (
	// EventPartial is an interim transcript fragment, subject to revision.
	EventPartial EventKind = iota
	// EventFinal is a finalized transcript fragment.
	EventFinal
	// EventUtteranceEnd signals the service detected end of speech.
	EventUtteranceEnd
	// EventError reports a mid-stream transcription failure.
	EventError
)

// Event is one notification from the transcription stream. Transient:
// consumed once, never stored.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Client is the interface for streaming speech-to-text clients.
type Client interface {
	// Connect opens the streaming session using bounded retry; if every
	// attempt fails the session must not start.
	Connect() error

	// SendAudio forwards one raw audio frame to the service.
	SendAudio(audioData []byte) error

	// Events returns the lazy event stream; it stays open until Close.
	Events() <-chan Event

	// Close tears down the streaming session and releases resources.
	Close() error
}
