// Package embedder converts text to fixed-dimension vectors for
// similarity search.
//
// Provider failure is soft: callers leave the item embedding-pending
// and retry later; nothing on the conversational path ever blocks on
// an embedding call.
package embedder

import (
	"context"
	"fmt"
)

// Embedder converts a single text to an embedding vector.
// Implementations: openai (production), mock (tests), onnx (offline,
// build-tagged), Cached (wrapper).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the fixed vector size for this provider.
	Dimensions() int
}

// ProviderError reports a persistent provider failure after retries
// were exhausted. The affected item stays embedding-pending.
type ProviderError struct {
	Attempts int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("embedder: provider failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
