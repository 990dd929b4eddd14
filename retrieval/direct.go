package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/collaborativehq/sage-memory/llm"
	"github.com/collaborativehq/sage-memory/memory"
	"github.com/collaborativehq/sage-memory/memory/embedder"
	"github.com/collaborativehq/sage-memory/recovery"
)

// Config holds tunables shared by both engines.
type Config struct {
	// TopK caps the number of items fed into synthesis (default 10).
	TopK int

	// MinSupportItems is the support floor below which direct-search
	// confidence is penalized (default 3).
	MinSupportItems int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{TopK: 10, MinSupportItems: 3}
}

// Direct answers questions by embedding the question once and
// cosine-ranking every embedded item the user has, regardless of
// variant. One retrieval pass, one synthesis call.
type Direct struct {
	store     memory.Store
	embedder  embedder.Embedder
	completer llm.Completer
	config    Config
	logger    *zap.Logger
}

var _ Retriever = (*Direct)(nil)

// NewDirect creates the direct-search engine.
func NewDirect(store memory.Store, emb embedder.Embedder, completer llm.Completer, config Config, logger *zap.Logger) *Direct {
	if config.TopK <= 0 {
		config.TopK = 10
	}
	if config.MinSupportItems <= 0 {
		config.MinSupportItems = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Direct{
		store:     store,
		embedder:  emb,
		completer: completer,
		config:    config,
		logger:    logger.Named("direct"),
	}
}

// Method implements Retriever.
func (d *Direct) Method() string { return "direct_search" }

// Query implements Retriever.
func (d *Direct) Query(ctx context.Context, userID, question string) (*QueryResult, error) {
	start := time.Now()

	user, err := d.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	items, err := d.store.Items(ctx, userID)
	if err != nil {
		return nil, err
	}
	var embedded []*memory.Item
	for _, it := range items {
		if it.Embedding != nil {
			embedded = append(embedded, it)
		}
	}
	if len(embedded) == 0 {
		return emptyMemoryResult(question, user, d.Method(), start), nil
	}

	// Anchor the question to the user before embedding, matching how
	// stored items were written about them.
	enhanced := fmt.Sprintf("User %s (ID: %s): %s", user.Name, userID, question)
	queryVec, err := d.embedder.Embed(ctx, enhanced)
	if err != nil {
		return nil, fmt.Errorf("direct: embed question: %w", err)
	}

	scored := make([]memory.ScoredItem, 0, len(embedded))
	for _, it := range embedded {
		scored = append(scored, memory.ScoredItem{
			Item:       it,
			Similarity: memory.Cosine(queryVec, it.Embedding),
		})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].Item.CreatedAt.After(scored[j].Item.CreatedAt)
	})
	if len(scored) > d.config.TopK {
		scored = scored[:d.config.TopK]
	}

	sources := sourceLabels(scored)
	confidence := d.confidence(scored, sources)

	response := d.synthesize(ctx, question, user.Name, scored, sources)

	d.logger.Info("direct query answered",
		zap.String("user_id", userID),
		zap.Int("items", len(scored)),
		zap.Float64("confidence", confidence),
		zap.Duration("took", time.Since(start)))

	return &QueryResult{
		Query:           question,
		UserID:          userID,
		UserName:        user.Name,
		Response:        response,
		Confidence:      confidence,
		DataSources:     sources,
		ProcessingTime:  time.Since(start),
		RetrievalMethod: d.Method(),
		RetrievedItems:  len(scored),
	}, nil
}

// confidence grades the ranked evidence: the best match anchors the
// score, breadth across categories raises it, thin support lowers it.
func (d *Direct) confidence(scored []memory.ScoredItem, sources []string) float64 {
	if len(scored) == 0 {
		return minConfidence
	}
	c := scored[0].Similarity
	if extra := len(sources) - 1; extra > 0 {
		c += 0.05 * float64(extra)
	}
	if len(scored) < d.config.MinSupportItems {
		c -= 0.15
	}
	return clipConfidence(c)
}

// synthesize asks the completion service for a structured answer over
// the retrieved context. Any failure degrades to a locally assembled
// summary rather than failing the query.
func (d *Direct) synthesize(ctx context.Context, question, userName string, scored []memory.ScoredItem, sources []string) string {
	var block strings.Builder
	for _, s := range scored {
		block.WriteString("- ")
		block.WriteString(s.Item.Format(300))
		block.WriteString("\n")
	}

	raw, err := d.completer.Complete(ctx, llm.Request{
		Prompt:    fmt.Sprintf(answerPrompt, userName, question, block.String()),
		MaxTokens: 1000,
	})
	if err != nil {
		d.logger.Warn("synthesis degraded to summary",
			zap.Error(&SynthesisError{Method: d.Method(), Err: err}))
		return fallbackSummary(userName, scored, sources)
	}

	if answer, ok := recovery.ParseAnswer(raw); ok {
		return answer
	}
	// The model answered in prose instead of the structured shape;
	// the prose is still a usable answer.
	return strings.TrimSpace(recovery.StripFences(raw))
}

// emptyMemoryResult is the shared zero-data fallback: fixed floor
// confidence, no sources, and no synthesis call.
func emptyMemoryResult(question string, user *memory.User, method string, start time.Time) *QueryResult {
	return &QueryResult{
		Query:           question,
		UserID:          user.UserID,
		UserName:        user.Name,
		Response:        fmt.Sprintf("I don't have any stored memories for %s yet, so I can't answer that from their history.", user.Name),
		Confidence:      minConfidence,
		DataSources:     []string{},
		ProcessingTime:  time.Since(start),
		RetrievalMethod: method,
	}
}

// sourceLabels lists the distinct memory categories present in the
// ranked items, in first-appearance (relevance) order.
func sourceLabels(scored []memory.ScoredItem) []string {
	seen := make(map[string]struct{})
	var labels []string
	for _, s := range scored {
		label := s.Item.Variant.SourceLabel()
		if _, ok := seen[label]; !ok {
			seen[label] = struct{}{}
			labels = append(labels, label)
		}
	}
	return labels
}

// fallbackSummary assembles a plain-text answer from the top items
// when synthesis is unavailable.
func fallbackSummary(userName string, scored []memory.ScoredItem, sources []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Based on %s's stored memories:\n", userName)
	limit := 3
	if len(scored) < limit {
		limit = len(scored)
	}
	for _, s := range scored[:limit] {
		b.WriteString("- ")
		b.WriteString(s.Item.Format(200))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nSources: %s", strings.Join(sources, ", "))
	return b.String()
}
