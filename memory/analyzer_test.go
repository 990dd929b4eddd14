package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collaborativehq/sage-memory/llm"
	"github.com/collaborativehq/sage-memory/memory"
	"github.com/collaborativehq/sage-memory/memory/embedder"
	"github.com/collaborativehq/sage-memory/memory/embedder/mock"
	"github.com/collaborativehq/sage-memory/memory/store/chromem"
)

// scriptedCompleter returns canned responses in order, repeating the
// last one, and counts calls.
type scriptedCompleter struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int
}

func (c *scriptedCompleter) Complete(_ context.Context, _ llm.Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	idx := c.calls - 1
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	return c.responses[idx], nil
}

func (c *scriptedCompleter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestAnalyzer(t *testing.T, completer llm.Completer) (*memory.Analyzer, *chromem.Store) {
	t.Helper()
	store := chromem.New(nil)
	analyzer := memory.NewAnalyzer(store, completer, mock.New(64), nil,
		memory.DefaultAnalyzerConfig(), nil)
	return analyzer, store
}

const extractionResponse = `{
  "should_store": true,
  "memories": [
    {"type": "emotion", "content": "feeling very anxious about the new job", "intensity": 0.8},
    {"type": "reflection", "content": "keeps agreeing to things they do not want", "confidence": 0.7, "depth_level": 2}
  ],
  "reasoning": "clear emotion and meaningful insight"
}`

func turn() memory.ConversationTurn {
	return memory.ConversationTurn{
		SessionID:         "s1",
		UserMessage:       "I've been anxious about my new job and I keep saying yes to everything.",
		AssistantResponse: "That sounds like a lot to hold.",
	}
}

func TestAnalyzeStoresExtractedItems(t *testing.T) {
	ctx := context.Background()
	completer := &scriptedCompleter{responses: []string{extractionResponse}}
	analyzer, store := newTestAnalyzer(t, completer)

	_, err := store.EnsureUser(ctx, "u1", "Test User")
	require.NoError(t, err)

	require.NoError(t, analyzer.Analyze(ctx, "u1", turn()))

	items, err := store.Items(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, items, 2)

	emotions, err := store.Items(ctx, "u1", memory.VariantEmotion)
	require.NoError(t, err)
	require.Len(t, emotions, 1)
	require.NotNil(t, emotions[0].Intensity)
	assert.InDelta(t, 0.8, *emotions[0].Intensity, 1e-9)

	has, err := store.HasContentHash(ctx, "u1", memory.HashContent("feeling very anxious about the new job"))
	require.NoError(t, err)
	assert.True(t, has)
}

func TestAnalyzeReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	completer := &scriptedCompleter{responses: []string{extractionResponse}}
	analyzer, store := newTestAnalyzer(t, completer)

	_, err := store.EnsureUser(ctx, "u1", "")
	require.NoError(t, err)

	require.NoError(t, analyzer.Analyze(ctx, "u1", turn()))
	require.NoError(t, analyzer.Analyze(ctx, "u1", turn()))

	items, err := store.Items(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, items, 2, "replaying the same turn must not duplicate items")
}

func TestAnalyzeQualityGate(t *testing.T) {
	ctx := context.Background()
	response := `{
  "should_store": true,
  "memories": [
    {"type": "note", "content": "too short"},
    {"type": "note", "content": "thanks for sharing"},
    {"type": "emotion", "content": "felt deeply sad after the phone call"},
    {"type": "feeling", "content": "some unknown variant with enough words"},
    {"type": "reflection", "content": "understands the pattern behind the avoidance now", "confidence": 1.4},
    {"type": "value", "content": "family matters more than career advancement", "importance": 0.9}
  ],
  "reasoning": "mixed quality"
}`
	completer := &scriptedCompleter{responses: []string{response}}
	analyzer, store := newTestAnalyzer(t, completer)

	_, err := store.EnsureUser(ctx, "u1", "")
	require.NoError(t, err)
	require.NoError(t, analyzer.Analyze(ctx, "u1", turn()))

	// Only the well-formed value survives: the short note, the
	// boilerplate, the emotion without intensity, the unknown variant,
	// and the out-of-bounds confidence are all discarded.
	items, err := store.Items(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, memory.VariantValue, items[0].Variant)
}

func TestAnalyzeShouldStoreFalse(t *testing.T) {
	ctx := context.Background()
	completer := &scriptedCompleter{responses: []string{
		`{"should_store": false, "memories": [], "reasoning": "small talk"}`,
	}}
	analyzer, store := newTestAnalyzer(t, completer)

	_, err := store.EnsureUser(ctx, "u1", "")
	require.NoError(t, err)
	require.NoError(t, analyzer.Analyze(ctx, "u1", turn()))

	items, err := store.Items(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestAnalyzeSemanticDedup(t *testing.T) {
	ctx := context.Background()
	emb := mock.New(64)
	store := chromem.New(nil)
	_, err := store.EnsureUser(ctx, "u1", "")
	require.NoError(t, err)

	// Seed an embedded emotion so the semantic check has something to
	// compare against.
	seeded := memory.NewItem("u1", "s0", memory.VariantEmotion, "anxious about the new job feeling")
	seeded.Intensity = floatPtr(0.8)
	vec, err := emb.Embed(ctx, seeded.FormatForEmbedding())
	require.NoError(t, err)
	seeded.Embedding = vec
	require.NoError(t, store.CreateBatch(ctx, "u1", []*memory.Item{seeded}))

	// Same words, different order: passes the exact-hash guard but the
	// bag-of-words mock embeds it identically, so cosine is 1.0.
	completer := &scriptedCompleter{responses: []string{`{
  "should_store": true,
  "memories": [
    {"type": "emotion", "content": "feeling anxious about the new job", "intensity": 0.7}
  ],
  "reasoning": "near duplicate"
}`}}
	analyzer := memory.NewAnalyzer(store, completer, emb, nil, memory.DefaultAnalyzerConfig(), nil)
	require.NoError(t, analyzer.Analyze(ctx, "u1", turn()))

	items, err := store.Items(ctx, "u1", memory.VariantEmotion)
	require.NoError(t, err)
	assert.Len(t, items, 1, "semantic duplicate must be discarded")
}

// failingEmbedder always reports provider exhaustion.
type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, &embedder.ProviderError{Attempts: 3, Err: context.DeadlineExceeded}
}

func (failingEmbedder) Dimensions() int { return 64 }

func TestAnalyzeEmbedFailureFallsBackToHashDedup(t *testing.T) {
	ctx := context.Background()
	emb := mock.New(64)
	store := chromem.New(nil)
	_, err := store.EnsureUser(ctx, "u1", "")
	require.NoError(t, err)

	// Seed an embedded emotion so the semantic check would normally
	// run for new emotion candidates.
	seeded := memory.NewItem("u1", "s0", memory.VariantEmotion, "calm evening after a long week")
	seeded.Intensity = floatPtr(0.4)
	vec, err := emb.Embed(ctx, seeded.FormatForEmbedding())
	require.NoError(t, err)
	seeded.Embedding = vec
	require.NoError(t, store.CreateBatch(ctx, "u1", []*memory.Item{seeded}))

	completer := &scriptedCompleter{responses: []string{`{
  "should_store": true,
  "memories": [
    {"type": "emotion", "content": "anxious about the looming deadline", "intensity": 0.7}
  ],
  "reasoning": "new emotion"
}`}}
	analyzer := memory.NewAnalyzer(store, completer, failingEmbedder{}, nil,
		memory.DefaultAnalyzerConfig(), nil)

	require.NoError(t, analyzer.Analyze(ctx, "u1", turn()),
		"embedding provider failure must not abort the cycle")

	items, err := store.Items(ctx, "u1", memory.VariantEmotion)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		if it.ID != seeded.ID {
			assert.Nil(t, it.Embedding, "item stays embedding-pending after soft failure")
		}
	}
}

func TestAnalyzeParseFailureLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	completer := &scriptedCompleter{responses: []string{"total garbage, not json"}}
	analyzer, store := newTestAnalyzer(t, completer)

	_, err := store.EnsureUser(ctx, "u1", "")
	require.NoError(t, err)

	err = analyzer.Analyze(ctx, "u1", turn())
	require.Error(t, err)

	items, err := store.Items(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestAnalyzeBackfillFillsEmbeddings(t *testing.T) {
	ctx := context.Background()
	emb := mock.New(64)
	store := chromem.New(nil)
	backfill := memory.NewBackfiller(store, emb, 1, nil)
	defer backfill.Close()

	completer := &scriptedCompleter{responses: []string{extractionResponse}}
	analyzer := memory.NewAnalyzer(store, completer, emb, backfill, memory.DefaultAnalyzerConfig(), nil)

	_, err := store.EnsureUser(ctx, "u1", "")
	require.NoError(t, err)
	require.NoError(t, analyzer.Analyze(ctx, "u1", turn()))

	require.Eventually(t, func() bool {
		counts, err := store.EmbeddedCounts(ctx, "u1")
		if err != nil {
			return false
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		return total == 2
	}, 5*time.Second, 20*time.Millisecond, "backfill should embed both items")
}

func TestBackfillEnqueueAfterCloseDropsJob(t *testing.T) {
	ctx := context.Background()
	store := chromem.New(nil)
	defer store.Close()

	_, err := store.EnsureUser(ctx, "u1", "")
	require.NoError(t, err)

	it := memory.NewItem("u1", "s1", memory.VariantNote, "prefers morning walks by the river")
	require.NoError(t, store.CreateBatch(ctx, "u1", []*memory.Item{it}))

	backfill := memory.NewBackfiller(store, mock.New(64), 1, nil)
	backfill.Close()

	assert.NotPanics(t, func() {
		backfill.Enqueue("u1", it.ID, it.FormatForEmbedding())
	})

	// The dropped job leaves the item pending for a later sweep.
	items, err := store.Items(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Nil(t, items[0].Embedding)
}

func TestAnalyzeSerializesPerUser(t *testing.T) {
	ctx := context.Background()
	completer := &scriptedCompleter{responses: []string{extractionResponse}}
	analyzer, store := newTestAnalyzer(t, completer)

	_, err := store.EnsureUser(ctx, "u1", "")
	require.NoError(t, err)

	// Two concurrent identical turns: serialization plus dedup must
	// leave exactly one copy of each extracted item.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = analyzer.Analyze(ctx, "u1", turn())
		}()
	}
	wg.Wait()

	items, err := store.Items(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, 2, completer.callCount())
}
