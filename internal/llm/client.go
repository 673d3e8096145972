// Package llm streams chat-completion tokens from an OpenAI-compatible
// generation API.
package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/lilalabs/voice-gateway/internal/config"
	"github.com/lilalabs/voice-gateway/internal/store"
)

// Token is one streamed text increment. A non-nil Err reports a stream
// failure; the channel closes right after it.
type Token struct {
	Text string
	Err  error
}

// Client produces a lazy token stream for a prompt. Abandoning the stream
// (cancelling the context) must not leak resources.
type Client interface {
	Stream(ctx context.Context, system string, history []store.Turn) (<-chan Token, error)
}

// OpenAIClient implements Client against any OpenAI-compatible endpoint
// (Groq by default). The blocking SSE iteration runs on the shared worker
// pool, never on the caller's goroutine.
type OpenAIClient struct {
	client      openai.Client
	pool        *WorkerPool
	model       string
	temperature float64
	maxTokens   int
}

// NewOpenAIClient creates a generation client from config.
func NewOpenAIClient(cfg *config.Config, pool *WorkerPool) *OpenAIClient {
	return &OpenAIClient{
		client: openai.NewClient(
			option.WithAPIKey(cfg.GenerationAPIKey),
			option.WithBaseURL(cfg.GenerationBaseURL),
		),
		pool:        pool,
		model:       cfg.GenerationModel,
		temperature: cfg.GenerationTemperature,
		maxTokens:   cfg.GenerationMaxTokens,
	}
}

// Stream implements Client. Tokens arrive on the returned channel until the
// stream ends, errors, or ctx is cancelled; the channel always closes.
func (c *OpenAIClient) Stream(ctx context.Context, system string, history []store.Turn) (<-chan Token, error) {
	params := openai.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    buildMessages(system, history),
		Temperature: openai.Float(c.temperature),
		MaxTokens:   openai.Int(int64(c.maxTokens)),
	}

	out := make(chan Token, 32)
	err := c.pool.Submit(func() {
		defer close(out)
		c.pull(ctx, params, out)
	})
	if err != nil {
		close(out)
		return nil, fmt.Errorf("failed to start generation: %w", err)
	}
	return out, nil
}

// pull drives the blocking SSE iterator on a pool worker and relays deltas.
func (c *OpenAIClient) pull(ctx context.Context, params openai.ChatCompletionNewParams, out chan<- Token) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		select {
		case out <- Token{Text: delta}:
		case <-ctx.Done():
			return
		}
	}

	if err := stream.Err(); err != nil && ctx.Err() == nil {
		select {
		case out <- Token{Err: fmt.Errorf("generation stream failed: %w", err)}:
		case <-ctx.Done():
		}
	}
}

func buildMessages(system string, history []store.Turn) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	msgs = append(msgs, openai.SystemMessage(system))
	for _, t := range history {
		switch t.Role {
		case store.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		default:
			msgs = append(msgs, openai.UserMessage(t.Content))
		}
	}
	return msgs
}
