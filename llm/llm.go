// Package llm defines the completion-service contract used by the
// analyzer and the retrieval engines.
//
// Callers must tolerate truncated output: responses that are expected
// to be structured JSON go through the recovery package before use.
package llm

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the provider is not configured or
// the circuit breaker is open. Callers degrade to fallback responses.
var ErrUnavailable = errors.New("llm: completion service unavailable")

// Request describes a single completion call.
type Request struct {
	// System is the system prompt. Optional.
	System string

	// Prompt is the user-turn content.
	Prompt string

	// MaxTokens caps the response length. Zero uses the adapter default.
	MaxTokens int64

	// Temperature overrides the adapter default when non-nil.
	Temperature *float64
}

// Completer generates text completions.
// Implementations: Claude (production), test doubles in package tests.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}
