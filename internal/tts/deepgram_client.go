package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lilalabs/voice-gateway/internal/config"
	"github.com/lilalabs/voice-gateway/internal/observability"
	"github.com/lilalabs/voice-gateway/internal/resilience"
)

// controlMessage is the JSON control frame of the speak WebSocket protocol.
type controlMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// received pairs a message with a terminal read error for the receive pump.
type received struct {
	msg *Message
	err error
}

// DeepgramSpeakClient implements Client over Deepgram's speak WebSocket.
// One client serves one session. A pump goroutine owns all reads and relays
// them over a channel; per-read deadlines would poison the gorilla
// connection, a channel select does not.
type DeepgramSpeakClient struct {
	config         *config.Config
	logger         zerolog.Logger
	circuitBreaker *resilience.CircuitBreaker

	mu     sync.Mutex // guards conn writes and lifecycle
	conn   *websocket.Conn
	recv   chan received
	closed bool
}

// NewDeepgramSpeakClient creates a synthesis client for one session.
func NewDeepgramSpeakClient(cfg *config.Config, logger zerolog.Logger) *DeepgramSpeakClient {
	return &DeepgramSpeakClient{
		config: cfg,
		logger: logger.With().Str("component", "tts").Logger(),
		circuitBreaker: resilience.NewCircuitBreaker(
			"deepgram-tts",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
	}
}

// Connect dials the speak WebSocket with bounded retry and exponential
// backoff. All attempts failing is fatal to session start.
func (c *DeepgramSpeakClient) Connect() error {
	retryCfg := &resilience.RetryConfig{
		MaxAttempts:    c.config.ConnectMaxAttempts,
		InitialBackoff: time.Duration(c.config.ConnectBackoff) * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}

	err := resilience.Retry(context.Background(), c.dial, retryCfg)
	if err != nil {
		return fmt.Errorf("synthesis connect failed: %w", err)
	}
	return nil
}

func (c *DeepgramSpeakClient) dial() error {
	endpoint, err := speakURL(c.config.DeepgramTTSURL, c.config.DeepgramTTSVoice)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+c.config.DeepgramAPIKey)

	conn, resp, err := websocket.DefaultDialer.Dial(endpoint, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("speak websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("speak websocket dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.recv = make(chan received, 64)
	c.closed = false
	c.mu.Unlock()

	go c.readLoop(conn, c.recv)

	c.logger.Info().Str("voice", c.config.DeepgramTTSVoice).Msg("Synthesis stream connected")
	return nil
}

// readLoop owns all reads on the connection, classifying each message and
// relaying it until the connection dies.
func (c *DeepgramSpeakClient) readLoop(conn *websocket.Conn, recv chan received) {
	defer close(recv)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			recv <- received{err: fmt.Errorf("synthesis read failed: %w", err)}
			return
		}

		if msgType == websocket.BinaryMessage {
			recv <- received{msg: &Message{Type: MessageAudio, Audio: data}}
			continue
		}

		var ctrl controlMessage
		if err := json.Unmarshal(data, &ctrl); err != nil {
			// Malformed control payloads are logged and skipped.
			c.logger.Warn().Err(err).Msg("Malformed synthesis control message")
			continue
		}
		if ctrl.Type == "Flushed" {
			recv <- received{msg: &Message{Type: MessageFlushComplete}}
		} else {
			recv <- received{msg: &Message{Type: MessageControl}}
		}
	}
}

// speakURL appends the voice model to the configured endpoint.
func speakURL(base, voice string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid speak URL: %w", err)
	}
	q := u.Query()
	if voice != "" {
		q.Set("model", voice)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Speak submits a chunk of text for synthesis.
func (c *DeepgramSpeakClient) Speak(text string) error {
	return c.sendControl(controlMessage{Type: "Speak", Text: text})
}

// Flush tells the service to synthesize everything submitted so far.
func (c *DeepgramSpeakClient) Flush() error {
	return c.sendControl(controlMessage{Type: "Flush"})
}

// Clear aborts in-flight synthesis so stale audio is never delivered after
// a barge-in. Any audio already relayed but not yet consumed is drained.
func (c *DeepgramSpeakClient) Clear() error {
	err := c.sendControl(controlMessage{Type: "Clear"})

	c.mu.Lock()
	recv := c.recv
	c.mu.Unlock()

	for {
		select {
		case _, ok := <-recv:
			if !ok {
				return err
			}
		default:
			return err
		}
	}
}

func (c *DeepgramSpeakClient) sendControl(msg controlMessage) error {
	err := c.circuitBreaker.Call(func() error {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.conn == nil || c.closed {
			return fmt.Errorf("synthesis client is not connected")
		}
		if err := c.conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("failed to send %s: %w", msg.Type, err)
		}
		return nil
	})

	observability.UpdateCircuitBreakerState("deepgram-tts", int(c.circuitBreaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures("deepgram-tts")
	}
	return err
}

// Receive returns the next audio chunk or control event, waiting at most
// timeout. Returns ErrReceiveTimeout when nothing arrives in time.
func (c *DeepgramSpeakClient) Receive(timeout time.Duration) (*Message, error) {
	c.mu.Lock()
	recv := c.recv
	c.mu.Unlock()

	if recv == nil {
		return nil, fmt.Errorf("synthesis client is not connected")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r, ok := <-recv:
		if !ok {
			return nil, fmt.Errorf("synthesis stream closed")
		}
		if r.err != nil {
			return nil, r.err
		}
		return r.msg, nil
	case <-timer.C:
		return nil, ErrReceiveTimeout
	}
}

// Close tears down the connection. Safe to call more than once.
func (c *DeepgramSpeakClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.conn == nil {
		return nil
	}
	c.closed = true

	err := c.conn.Close()
	c.logger.Info().Msg("Synthesis stream closed")
	if err != nil {
		return fmt.Errorf("failed to close synthesis stream: %w", err)
	}
	return nil
}
