package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/collaborativehq/sage-memory/llm"
	"github.com/collaborativehq/sage-memory/memory"
	"github.com/collaborativehq/sage-memory/memory/embedder"
	"github.com/collaborativehq/sage-memory/recovery"
)

// Graph answers questions through the store's per-variant vector
// indexes: it first checks which memory categories hold embedded
// content for the user, queries each populated index separately,
// answers per index, then merges the per-index answers into one
// unified response.
type Graph struct {
	store     memory.Store
	embedder  embedder.Embedder
	completer llm.Completer
	config    Config
	logger    *zap.Logger
}

var _ Retriever = (*Graph)(nil)

// NewGraph creates the graph-index engine.
func NewGraph(store memory.Store, emb embedder.Embedder, completer llm.Completer, config Config, logger *zap.Logger) *Graph {
	if config.TopK <= 0 {
		config.TopK = 10
	}
	if config.MinSupportItems <= 0 {
		config.MinSupportItems = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		store:     store,
		embedder:  emb,
		completer: completer,
		config:    config,
		logger:    logger.Named("graph"),
	}
}

// Method implements Retriever.
func (g *Graph) Method() string { return "graph_index" }

// indexAnswer is one populated index's contribution.
type indexAnswer struct {
	variant  memory.Variant
	response string
	items    int
}

// Query implements Retriever.
func (g *Graph) Query(ctx context.Context, userID, question string) (*QueryResult, error) {
	start := time.Now()

	user, err := g.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	counts, err := g.store.EmbeddedCounts(ctx, userID)
	if err != nil {
		return nil, err
	}
	populated := populatedVariants(counts)
	if len(populated) == 0 {
		return emptyMemoryResult(question, user, g.Method(), start), nil
	}

	enhanced := fmt.Sprintf("User %s (ID: %s): %s", user.Name, userID, question)
	queryVec, err := g.embedder.Embed(ctx, enhanced)
	if err != nil {
		return nil, fmt.Errorf("graph: embed question: %w", err)
	}

	var (
		answers   []indexAnswer
		consulted []string
		retrieved int
	)
	for _, variant := range populated {
		scored, err := g.store.VectorQuery(ctx, userID, queryVec, g.config.TopK, variant)
		if err != nil {
			g.logger.Warn("index query failed",
				zap.String("user_id", userID),
				zap.String("index", IndexName(variant)),
				zap.Error(err))
			continue
		}
		consulted = append(consulted, IndexName(variant))
		if len(scored) == 0 {
			continue
		}
		retrieved += len(scored)

		answer := g.answerForIndex(ctx, question, user.Name, variant, scored)
		if answer == "" {
			continue
		}
		answers = append(answers, indexAnswer{
			variant:  variant,
			response: answer,
			items:    len(scored),
		})
	}

	if len(answers) == 0 {
		res := emptyMemoryResult(question, user, g.Method(), start)
		res.Response = fmt.Sprintf("I found memory entries for %s, but couldn't generate specific insights for this question. Try asking about specific aspects like emotions or reflections.", user.Name)
		res.Confidence = 0.25
		res.IndexesConsulted = consulted
		return res, nil
	}

	sources := make([]string, 0, len(answers))
	for _, a := range answers {
		sources = append(sources, a.variant.SourceLabel())
	}

	response := g.unify(ctx, question, user.Name, answers, sources)
	confidence := dynamicConfidence(answers, len(populated), counts)

	g.logger.Info("graph query answered",
		zap.String("user_id", userID),
		zap.Int("indexes", len(answers)),
		zap.Int("items", retrieved),
		zap.Float64("confidence", confidence),
		zap.Duration("took", time.Since(start)))

	return &QueryResult{
		Query:            question,
		UserID:           userID,
		UserName:         user.Name,
		Response:         response,
		Confidence:       confidence,
		DataSources:      sources,
		ProcessingTime:   time.Since(start),
		RetrievalMethod:  g.Method(),
		IndexesConsulted: consulted,
		RetrievedItems:   retrieved,
	}, nil
}

// answerForIndex generates the per-category answer over one index's
// retrieved items. Empty string means the index contributed nothing.
func (g *Graph) answerForIndex(ctx context.Context, question, userName string, variant memory.Variant, scored []memory.ScoredItem) string {
	var block strings.Builder
	limit := 3
	if len(scored) < limit {
		limit = len(scored)
	}
	for _, s := range scored[:limit] {
		block.WriteString("- ")
		block.WriteString(s.Item.Format(300))
		block.WriteString("\n")
	}

	raw, err := g.completer.Complete(ctx, llm.Request{
		Prompt: fmt.Sprintf(indexAnswerPrompt,
			strings.ToLower(IndexName(variant)), userName, question, block.String()),
		MaxTokens: 500,
	})
	if err != nil {
		g.logger.Warn("per-index synthesis failed",
			zap.String("index", IndexName(variant)),
			zap.Error(&SynthesisError{Method: g.Method(), Err: err}))
		return ""
	}
	if answer, ok := recovery.ParseAnswer(raw); ok {
		return answer
	}
	return strings.TrimSpace(recovery.StripFences(raw))
}

// unify merges per-index answers into one response, degrading to a
// local summary when the synthesis call fails.
func (g *Graph) unify(ctx context.Context, question, userName string, answers []indexAnswer, sources []string) string {
	if len(answers) == 1 {
		return answers[0].response
	}

	var insights strings.Builder
	for i, a := range answers {
		fmt.Fprintf(&insights, "Source %d (%s): %s\n", i+1, a.variant.SourceLabel(), a.response)
	}

	raw, err := g.completer.Complete(ctx, llm.Request{
		Prompt: fmt.Sprintf(unifiedSynthesisPrompt,
			userName, question, insights.String(), strings.Join(sources, ", ")),
		MaxTokens: 1000,
	})
	if err != nil {
		g.logger.Warn("unified synthesis degraded to summary",
			zap.Error(&SynthesisError{Method: g.Method(), Err: err}))
		var b strings.Builder
		fmt.Fprintf(&b, "Based on %s's stored memories:\n", userName)
		for _, a := range answers {
			fmt.Fprintf(&b, "- %s\n", a.response)
		}
		fmt.Fprintf(&b, "\nSources: %s", strings.Join(sources, ", "))
		return b.String()
	}
	if answer, ok := recovery.ParseAnswer(raw); ok {
		return answer
	}
	return strings.TrimSpace(recovery.StripFences(raw))
}

// IndexName maps a memory category to its display index name, the way
// analysts see it in results.
func IndexName(v memory.Variant) string {
	switch v {
	case memory.VariantMoment:
		return "Moments"
	case memory.VariantEmotion:
		return "Emotions"
	case memory.VariantReflection:
		return "Reflections"
	case memory.VariantValue:
		return "Values"
	case memory.VariantPattern:
		return "Patterns"
	case memory.VariantContradiction:
		return "Contradictions"
	case memory.VariantNote:
		return "Notes"
	default:
		return string(v)
	}
}

// populatedVariants lists categories holding embedded content, in
// canonical variant order for stable output.
func populatedVariants(counts map[memory.Variant]int) []memory.Variant {
	var out []memory.Variant
	for _, v := range memory.Variants() {
		if counts[v] > 0 {
			out = append(out, v)
		}
	}
	return out
}

// dynamicConfidence grades a graph-index result: coverage of the
// populated indexes sets the base, response quality and retrieval
// depth adjust it.
func dynamicConfidence(answers []indexAnswer, populatedIndexes int, counts map[memory.Variant]int) float64 {
	if len(answers) == 0 {
		return minConfidence
	}

	coverage := float64(len(answers)) / float64(max(populatedIndexes, 1))
	var base float64
	switch {
	case coverage >= 0.8:
		base = 0.85
	case coverage >= 0.6:
		base = 0.75
	case coverage >= 0.4:
		base = 0.65
	default:
		base = 0.55
	}

	var bonus float64

	totalLen := 0
	for _, a := range answers {
		totalLen += len(a.response)
	}
	avgLen := totalLen / len(answers)
	switch {
	case avgLen > 300:
		bonus += 0.1
	case avgLen > 150:
		bonus += 0.05
	case avgLen < 50:
		bonus -= 0.1
	}

	for _, a := range answers {
		if containsGenericIndicator(a.response) {
			bonus -= 0.15
			break
		}
	}

	totalItems := 0
	for _, a := range answers {
		totalItems += a.items
	}
	avgItems := float64(totalItems) / float64(len(answers))
	switch {
	case avgItems >= 3:
		bonus += 0.1
	case avgItems >= 2:
		bonus += 0.05
	case avgItems < 1:
		bonus -= 0.1
	}

	totalContent := 0
	for _, n := range counts {
		totalContent += n
	}
	if totalContent >= 10 {
		bonus += 0.05
	} else if totalContent < 3 {
		bonus -= 0.05
	}

	return clipConfidence(base + bonus)
}

var genericIndicators = []string{
	"no relevant information",
	"not found",
	"insufficient data",
	"no stored memories",
}

func containsGenericIndicator(response string) bool {
	lower := strings.ToLower(response)
	for _, ind := range genericIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}
