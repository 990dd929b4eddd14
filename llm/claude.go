package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ClaudeConfig configures the Anthropic adapter.
type ClaudeConfig struct {
	// APIKey for the Anthropic API. Empty means unconfigured; Complete
	// returns ErrUnavailable so callers can fall back.
	APIKey string

	// Model defaults to claude-sonnet-4-20250514.
	Model string

	// MaxTokens is the default response cap (default 1000).
	MaxTokens int64

	// Temperature is the default sampling temperature (default 0.1,
	// low for analyst-style synthesis).
	Temperature float64
}

// Claude is the production Completer backed by the Anthropic API.
// Calls run through a circuit breaker so a failing provider sheds load
// quickly instead of stalling every conversational turn.
type Claude struct {
	client      *anthropic.Client
	model       anthropic.Model
	maxTokens   int64
	temperature float64
	breaker     *gobreaker.CircuitBreaker
	logger      *zap.Logger
}

var _ Completer = (*Claude)(nil)

// NewClaude creates the Anthropic-backed completer.
func NewClaude(cfg ClaudeConfig, logger *zap.Logger) *Claude {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("llm")

	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1000
	}

	var client *anthropic.Client
	if cfg.APIKey != "" {
		c := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
		client = &c
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "anthropic",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.8
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})

	return &Claude{
		client:      client,
		model:       anthropic.Model(cfg.Model),
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		breaker:     breaker,
		logger:      logger,
	}
}

// Available reports whether the adapter has a configured client.
func (c *Claude) Available() bool {
	return c.client != nil
}

// Complete sends one message exchange and returns the concatenated
// text blocks of the response.
func (c *Claude) Complete(ctx context.Context, req Request) (string, error) {
	if c.client == nil {
		return "", ErrUnavailable
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}
	temperature := c.temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	params := anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	start := time.Now()
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.client.Messages.New(ctx, params)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return "", ErrUnavailable
		}
		return "", fmt.Errorf("claude API error: %w", err)
	}

	resp := result.(*anthropic.Message)

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	c.logger.Debug("completion",
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
		zap.Duration("elapsed", time.Since(start)))

	return text, nil
}
