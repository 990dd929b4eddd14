// Package retrieval answers natural-language questions over a user's
// accumulated memory. Two engines share the same contract: Direct
// ranks every embedded item against the question in one pass, while
// Graph consults the store's per-variant vector indexes. The
// Comparator runs both side by side.
package retrieval

import (
	"context"
	"fmt"
	"time"
)

// Retriever is the contract both engines implement.
type Retriever interface {
	// Query answers a question over the user's memory. An unknown
	// user is the only hard failure; empty memory degrades to a
	// low-confidence fallback result.
	Query(ctx context.Context, userID, question string) (*QueryResult, error)

	// Method names the retrieval strategy (for example
	// "direct_search" or "graph_index").
	Method() string
}

// QueryResult is one engine's answer.
type QueryResult struct {
	Query    string `json:"query"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Response string `json:"response"`

	// Confidence is clipped to [0.1, 0.95]. Exactly 0.1 marks the
	// empty-memory fallback.
	Confidence float64 `json:"confidence"`

	// DataSources lists the memory categories that contributed, in
	// relevance order (for example "emotions", "reflections").
	DataSources []string `json:"data_sources"`

	ProcessingTime   time.Duration `json:"processing_time"`
	RetrievalMethod  string        `json:"retrieval_method"`
	IndexesConsulted []string      `json:"indexes_consulted,omitempty"`
	RetrievedItems   int           `json:"retrieved_items"`
}

// EngineResult is one engine's slot in a comparison: either a result
// or the error that engine produced, never both.
type EngineResult struct {
	Result *QueryResult `json:"result,omitempty"`
	Err    error        `json:"-"`
}

// ComparisonResult holds both engines' outcomes for one question.
type ComparisonResult struct {
	Query     string        `json:"query"`
	UserID    string        `json:"user_id"`
	EngineA   EngineResult  `json:"engine_a"`
	EngineB   EngineResult  `json:"engine_b"`
	TotalTime time.Duration `json:"total_time"`
}

// SynthesisError reports a completion failure during answer
// generation. Engines degrade to a locally assembled summary when
// they hit one, so it surfaces in logs rather than results.
type SynthesisError struct {
	Method string
	Err    error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis failed (%s): %v", e.Method, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

const (
	minConfidence = 0.1
	maxConfidence = 0.95
)

// clipConfidence bounds a score to the reportable confidence range.
func clipConfidence(v float64) float64 {
	if v < minConfidence {
		return minConfidence
	}
	if v > maxConfidence {
		return maxConfidence
	}
	return v
}
