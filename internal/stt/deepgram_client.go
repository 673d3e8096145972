package stt

import (
	"context"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lilalabs/voice-gateway/internal/config"
	"github.com/lilalabs/voice-gateway/internal/observability"
	"github.com/lilalabs/voice-gateway/internal/resilience"
)

// messageCallbackHandler implements the LiveMessageCallback interface.
// It embeds the default handler and overrides only the methods we need.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	onMessage      func(*msginterfaces.MessageResponse)
	onUtteranceEnd func(*msginterfaces.UtteranceEndResponse)
	onError        func(*msginterfaces.ErrorResponse) error
}

func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.onMessage(message)
	return nil
}

func (m *messageCallbackHandler) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	m.onUtteranceEnd(ur)
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.onError != nil {
		return m.onError(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// DeepgramClient implements Client using Deepgram's streaming listen API.
type DeepgramClient struct {
	config         *config.Config
	logger         zerolog.Logger
	client         *listenClient.WSCallback
	events         chan Event
	circuitBreaker *resilience.CircuitBreaker

	mu        sync.RWMutex
	isActive  bool
	closed    bool
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewDeepgramClient creates a new Deepgram streaming client
func NewDeepgramClient(cfg *config.Config, logger zerolog.Logger) *DeepgramClient {
	ctx, cancel := context.WithCancel(context.Background())

	circuitBreaker := resilience.NewCircuitBreaker(
		"deepgram-stt",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)

	return &DeepgramClient{
		config:         cfg,
		logger:         logger.With().Str("component", "stt").Logger(),
		events:         make(chan Event, 100),
		ctx:            ctx,
		cancel:         cancel,
		circuitBreaker: circuitBreaker,
	}
}

// Connect opens the streaming session with bounded retry and exponential
// backoff. All attempts failing is fatal to session start.
func (d *DeepgramClient) Connect() error {
	retryCfg := &resilience.RetryConfig{
		MaxAttempts:    d.config.ConnectMaxAttempts,
		InitialBackoff: time.Duration(d.config.ConnectBackoff) * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}

	err := resilience.Retry(d.ctx, d.start, retryCfg)
	if err != nil {
		return fmt.Errorf("transcription connect failed: %w", err)
	}
	return nil
}

func (d *DeepgramClient) start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isActive {
		return fmt.Errorf("deepgram client is already active")
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.config.DeepgramModel,
		Language:       d.config.DeepgramLanguage,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     16000,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		onMessage:              d.handleMessage,
		onUtteranceEnd: func(*msginterfaces.UtteranceEndResponse) {
			d.emit(Event{Kind: EventUtteranceEnd})
		},
		onError: func(errorResponse *msginterfaces.ErrorResponse) error {
			d.logger.Error().
				Str("description", errorResponse.Description).
				Msg("Transcription stream error")

			d.circuitBreaker.RecordResult(false)
			observability.UpdateCircuitBreakerState("deepgram-stt", int(d.circuitBreaker.GetState()))
			observability.IncrementCircuitBreakerFailures("deepgram-stt")

			d.emit(Event{
				Kind: EventError,
				Err:  fmt.Errorf("transcription error: %s", errorResponse.Description),
			})
			return nil
		},
	}

	client, err := listenClient.NewWSUsingCallback(
		d.ctx,
		d.config.DeepgramAPIKey,
		nil, // ClientOptions - nil uses defaults
		tOptions,
		callback,
	)
	if err != nil {
		return fmt.Errorf("failed to create deepgram client: %w", err)
	}

	d.client = client
	d.isActive = true

	d.circuitBreaker.RecordResult(true)
	observability.UpdateCircuitBreakerState("deepgram-stt", int(d.circuitBreaker.GetState()))

	d.logger.Info().
		Str("model", d.config.DeepgramModel).
		Str("language", d.config.DeepgramLanguage).
		Msg("Transcription stream connected")
	return nil
}

// handleMessage maps Deepgram transcription results onto transcript events.
// Malformed or empty payloads are skipped, never fatal.
func (d *DeepgramClient) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}

	switch msg.Type {
	case "Metadata", "SpeechStarted":
		// Not transcript content.

	case "Results", "Message":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		text := msg.Channel.Alternatives[0].Transcript
		if text == "" {
			return
		}
		kind := EventPartial
		if msg.IsFinal {
			kind = EventFinal
		}
		d.emit(Event{Kind: kind, Text: text})

	default:
		d.logger.Debug().Str("type", msg.Type).Msg("Unhandled transcription message type")
	}
}

// emit delivers an event without blocking the SDK callback goroutine. The
// closed flag is checked under the same lock that guards the channel close
// so a late SDK callback can never send on a closed channel.
func (d *DeepgramClient) emit(ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return
	}
	select {
	case d.events <- ev:
	default:
		d.logger.Warn().Msg("Transcript event channel full, dropping event")
	}
}

// SendAudio forwards one raw audio frame, guarded by the circuit breaker.
func (d *DeepgramClient) SendAudio(audioData []byte) error {
	err := d.circuitBreaker.Call(func() error {
		d.mu.RLock()
		active := d.isActive
		client := d.client
		d.mu.RUnlock()

		if !active || client == nil {
			return fmt.Errorf("deepgram client is not active")
		}

		if _, err := client.Write(audioData); err != nil {
			return fmt.Errorf("failed to send audio: %w", err)
		}
		return nil
	})

	observability.UpdateCircuitBreakerState("deepgram-stt", int(d.circuitBreaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures("deepgram-stt")
	}
	return err
}

// Events returns the transcript event stream.
func (d *DeepgramClient) Events() <-chan Event {
	return d.events
}

// Close tears down the streaming session and releases resources.
func (d *DeepgramClient) Close() error {
	d.cancel()

	d.mu.Lock()
	if d.isActive && d.client != nil {
		d.client.Finish()
	}
	d.isActive = false
	d.mu.Unlock()

	// Close the event channel after a short delay to allow pending reads.
	d.closeOnce.Do(func() {
		go func() {
			time.Sleep(100 * time.Millisecond)
			d.mu.Lock()
			d.closed = true
			close(d.events)
			d.mu.Unlock()
		}()
	})

	d.logger.Info().Msg("Transcription stream closed")
	return nil
}
