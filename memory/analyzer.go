package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/collaborativehq/sage-memory/llm"
	"github.com/collaborativehq/sage-memory/memory/embedder"
	"github.com/collaborativehq/sage-memory/recovery"
)

// ConversationTurn is one user/assistant exchange handed in by the
// chat layer.
type ConversationTurn struct {
	SessionID         string
	UserMessage       string
	AssistantResponse string
}

// AnalyzerConfig holds the analyzer tunables.
type AnalyzerConfig struct {
	// MinContentWords is the quality-gate floor (default 4).
	MinContentWords int

	// SemanticDupThreshold is the cosine similarity at or above which
	// a candidate counts as a semantic duplicate (default 0.92).
	SemanticDupThreshold float64

	// MaxTokens caps the extraction completion (default 1000).
	MaxTokens int64
}

// DefaultAnalyzerConfig returns sensible defaults.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		MinContentWords:      4,
		SemanticDupThreshold: 0.92,
		MaxTokens:            1000,
	}
}

// Analyzer consumes conversation turns, extracts candidate memory
// items through the completion service, validates and deduplicates
// them against the store, persists the survivors as one batch, and
// schedules embedding fill-in.
type Analyzer struct {
	store     Store
	completer llm.Completer
	embedder  embedder.Embedder
	backfill  *Backfiller
	config    AnalyzerConfig
	logger    *zap.Logger

	locks userLocks
}

// NewAnalyzer creates an analyzer. The backfiller may be nil, in which
// case items stay embedding-pending until an external sweep.
func NewAnalyzer(store Store, completer llm.Completer, emb embedder.Embedder, backfill *Backfiller, config AnalyzerConfig, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MinContentWords <= 0 {
		config.MinContentWords = 4
	}
	if config.SemanticDupThreshold <= 0 {
		config.SemanticDupThreshold = 0.92
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 1000
	}
	return &Analyzer{
		store:     store,
		completer: completer,
		embedder:  emb,
		backfill:  backfill,
		config:    config,
		logger:    logger.Named("analyzer"),
	}
}

// Analyze extracts and persists memory items for one conversation
// turn. It is side-effecting only: no memory data flows back to the
// chat layer. Failures leave prior memory untouched.
//
// Calls for the same user are serialized so two concurrent turns
// cannot both pass the dedup check against a stale snapshot; calls
// for different users run in parallel.
func (a *Analyzer) Analyze(ctx context.Context, userID string, turn ConversationTurn) error {
	unlock := a.locks.lock(userID)
	defer unlock()

	raw, err := a.completer.Complete(ctx, llm.Request{
		Prompt:    fmt.Sprintf(extractionPrompt, turn.UserMessage, turn.AssistantResponse),
		MaxTokens: a.config.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("analyze user %s: extraction call: %w", userID, err)
	}

	ext, err := recovery.ParseExtraction(raw)
	if err != nil {
		// Recovery exhausted: abandon the whole cycle rather than
		// store partial or garbage items.
		return fmt.Errorf("analyze user %s: %w", userID, err)
	}
	if !ext.ShouldStore || len(ext.Memories) == 0 {
		a.logger.Debug("nothing worth storing",
			zap.String("user_id", userID), zap.String("reasoning", ext.Reasoning))
		return nil
	}

	var batch []*Item
	batchHashes := make(map[uint64]struct{})

	for _, candidate := range ext.Memories {
		item, reason := a.gate(userID, turn.SessionID, candidate)
		if item == nil {
			a.logger.Debug("quality gate rejected candidate",
				zap.String("user_id", userID), zap.String("reason", reason))
			continue
		}

		dup, err := a.isDuplicate(ctx, item, batch, batchHashes)
		if err != nil {
			return fmt.Errorf("analyze user %s: dedup: %w", userID, err)
		}
		if dup {
			continue
		}

		batch = append(batch, item)
		batchHashes[item.ContentHash] = struct{}{}
	}

	if len(batch) == 0 {
		return nil
	}

	if err := a.store.CreateBatch(ctx, userID, batch); err != nil {
		return fmt.Errorf("analyze user %s: persist: %w", userID, err)
	}

	pending := 0
	for _, it := range batch {
		if it.Embedding == nil && a.backfill != nil {
			a.backfill.Enqueue(it.UserID, it.ID, it.FormatForEmbedding())
			pending++
		}
	}

	a.logger.Info("stored memory items",
		zap.String("user_id", userID),
		zap.Int("stored", len(batch)),
		zap.Int("candidates", len(ext.Memories)),
		zap.Int("embedding_pending", pending))
	return nil
}

// gate applies the quality gate: minimum length, boilerplate
// rejection, and declared-score presence and bounds. A nil item with
// a reason means the candidate was discarded; that is expected
// filtering, not an error.
func (a *Analyzer) gate(userID, sessionID string, c recovery.Candidate) (*Item, string) {
	variant := Variant(strings.ToLower(strings.TrimSpace(c.Variant)))
	if !variant.Valid() {
		return nil, fmt.Sprintf("unknown variant %q", c.Variant)
	}

	content := strings.TrimSpace(c.Content)
	words := strings.Fields(content)
	if len(words) < a.config.MinContentWords {
		return nil, fmt.Sprintf("content too short (%d words)", len(words))
	}
	if isBoilerplate(content) {
		return nil, "boilerplate content"
	}

	item := NewItem(userID, sessionID, variant, content)
	item.Intensity = c.Intensity
	item.Confidence = c.Confidence
	item.DepthLevel = c.DepthLevel
	item.Importance = c.Importance

	switch variant {
	case VariantEmotion:
		if c.Intensity == nil {
			return nil, "emotion missing intensity"
		}
	case VariantReflection:
		if c.Confidence == nil {
			return nil, "reflection missing confidence"
		}
		if c.DepthLevel == nil {
			one := 1
			item.DepthLevel = &one
		}
	case VariantValue:
		if c.Importance == nil {
			return nil, "value missing importance"
		}
	}

	if err := item.Validate(); err != nil {
		return nil, err.Error()
	}
	return item, ""
}

// isDuplicate applies exact then semantic dedup against stored items
// and against earlier survivors of the same batch. A successful inline
// embedding is kept on the item so the store can index it immediately.
func (a *Analyzer) isDuplicate(ctx context.Context, item *Item, batch []*Item, batchHashes map[uint64]struct{}) (bool, error) {
	if _, ok := batchHashes[item.ContentHash]; ok {
		return true, nil
	}
	exact, err := a.store.HasContentHash(ctx, item.UserID, item.ContentHash)
	if err != nil {
		return false, err
	}
	if exact {
		a.logger.Debug("exact duplicate discarded",
			zap.String("user_id", item.UserID), zap.String("variant", string(item.Variant)))
		return true, nil
	}

	// Semantic dedup only makes sense against comparable items that
	// already have embeddings from prior backfill.
	existing, err := a.store.Items(ctx, item.UserID, item.Variant)
	if err != nil {
		return false, err
	}
	var comparable []*Item
	for _, it := range existing {
		if it.Embedding != nil {
			comparable = append(comparable, it)
		}
	}
	for _, it := range batch {
		if it.Variant == item.Variant && it.Embedding != nil {
			comparable = append(comparable, it)
		}
	}
	if len(comparable) == 0 || a.embedder == nil {
		return false, nil
	}

	vec, err := a.embedder.Embed(ctx, item.FormatForEmbedding())
	if err != nil {
		// Soft failure: fall back to hash-only dedup and leave the
		// item embedding-pending.
		var provErr *embedder.ProviderError
		if errors.As(err, &provErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			a.logger.Warn("inline embedding failed, hash-only dedup",
				zap.String("user_id", item.UserID), zap.Error(err))
			return false, nil
		}
		return false, err
	}
	item.Embedding = vec

	for _, it := range comparable {
		if sim := Cosine(vec, it.Embedding); sim >= a.config.SemanticDupThreshold {
			a.logger.Debug("semantic duplicate discarded",
				zap.String("user_id", item.UserID),
				zap.String("variant", string(item.Variant)),
				zap.Float64("similarity", sim))
			return true, nil
		}
	}
	return false, nil
}

// boilerplatePhrases are generic acknowledgments that carry no memory
// value regardless of length.
var boilerplatePhrases = []string{
	"thanks for sharing",
	"thank you for sharing",
	"i understand how you feel",
	"that makes sense",
	"i hear you",
	"i'm here for you",
	"tell me more",
	"how does that make you feel",
}

func isBoilerplate(content string) bool {
	normalized := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	for _, phrase := range boilerplatePhrases {
		if normalized == phrase || strings.HasPrefix(normalized, phrase+".") ||
			strings.HasPrefix(normalized, phrase+",") {
			return true
		}
	}
	return false
}

// userLocks serializes analysis per user without a global lock.
// Entries are never removed; the map is bounded by the user count.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *userLocks) lock(userID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[userID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
