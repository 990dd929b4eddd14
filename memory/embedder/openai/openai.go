// Package openai provides an embedding provider backed by OpenAI's
// embedding models.
package openai

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/collaborativehq/sage-memory/memory/embedder"
)

// Config configures the OpenAI provider.
type Config struct {
	APIKey  string
	BaseURL string // optional custom base URL
	Model   string // text-embedding-3-large (default) or -small

	// MaxAttempts bounds retries on transient failure (default 3).
	MaxAttempts int
}

// Provider implements embedder.Embedder using the OpenAI API with
// bounded exponential backoff on transient failures.
type Provider struct {
	client      *openai.Client
	model       openai.EmbeddingModel
	maxAttempts int
	logger      *zap.Logger
}

var _ embedder.Embedder = (*Provider)(nil)

// New creates the provider.
func New(cfg Config, logger *zap.Logger) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai embedder: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.LargeEmbedding3)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Provider{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       openai.EmbeddingModel(cfg.Model),
		maxAttempts: cfg.MaxAttempts,
		logger:      logger.Named("embedder"),
	}, nil
}

// Dimensions returns the vector size for the configured model.
func (p *Provider) Dimensions() int {
	switch p.model {
	case openai.LargeEmbedding3:
		return 3072
	case openai.SmallEmbedding3, openai.AdaEmbeddingV2:
		return 1536
	default:
		return 1536
	}
}

// Embed converts text to a vector, retrying transient failures with
// exponential backoff. Exhaustion yields a *embedder.ProviderError.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(200*time.Millisecond),
			backoff.WithMaxInterval(5*time.Second),
		),
		uint64(p.maxAttempts-1),
	), ctx)

	var vector []float32
	attempts := 0
	op := func() error {
		attempts++
		resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: p.model,
		})
		if err != nil {
			p.logger.Debug("embedding attempt failed",
				zap.Int("attempt", attempts), zap.Error(err))
			return err
		}
		if len(resp.Data) == 0 {
			return backoff.Permanent(fmt.Errorf("no embedding returned"))
		}
		vector = resp.Data[0].Embedding
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		return nil, &embedder.ProviderError{Attempts: attempts, Err: err}
	}
	return vector, nil
}
