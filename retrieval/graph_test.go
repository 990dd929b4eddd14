package retrieval_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collaborativehq/sage-memory/memory"
	"github.com/collaborativehq/sage-memory/memory/embedder/mock"
	"github.com/collaborativehq/sage-memory/memory/store/chromem"
	"github.com/collaborativehq/sage-memory/retrieval"
)

func TestGraphUnknownUserIsHardError(t *testing.T) {
	store := chromem.New(nil)
	defer store.Close()
	engine := retrieval.NewGraph(store, mock.New(64), &answerCompleter{}, retrieval.DefaultConfig(), nil)

	_, err := engine.Query(context.Background(), "nobody", "how are they doing?")
	assert.ErrorIs(t, err, memory.ErrUserNotFound)
}

func TestGraphEmptyMemoryFallback(t *testing.T) {
	ctx := context.Background()
	store := chromem.New(nil)
	defer store.Close()
	completer := &answerCompleter{answer: "unused"}
	engine := retrieval.NewGraph(store, mock.New(64), completer, retrieval.DefaultConfig(), nil)

	_, err := store.EnsureUser(ctx, "u1", "")
	require.NoError(t, err)

	res, err := engine.Query(ctx, "u1", "what do they care about?")
	require.NoError(t, err)
	assert.Equal(t, 0.1, res.Confidence)
	assert.Empty(t, res.DataSources)
	assert.Equal(t, "graph_index", res.RetrievalMethod)
	assert.Equal(t, 0, completer.callCount())
}

func TestGraphEmotionScenario(t *testing.T) {
	ctx := context.Background()
	store := chromem.New(nil)
	defer store.Close()
	emb := mock.New(64)
	completer := &answerCompleter{answer: "They have been feeling anxious and sad lately."}
	engine := retrieval.NewGraph(store, emb, completer, retrieval.DefaultConfig(), nil)

	_, err := store.EnsureUser(ctx, "u1", "Rowan Lee")
	require.NoError(t, err)

	feelings := []string{
		"anxious about the upcoming job interview",
		"sad after the phone call with an old friend",
		"relieved once the difficult week ended",
		"frustrated with the slow commute every morning",
		"hopeful about the new apartment search",
	}
	for _, content := range feelings {
		seedEmbedded(t, store, emb, "u1", memory.VariantEmotion, content)
	}

	res, err := engine.Query(ctx, "u1", "how has this user been feeling recently?")
	require.NoError(t, err)

	assert.Equal(t, []string{"emotions"}, res.DataSources,
		"only the emotions index holds content")
	assert.Contains(t, res.IndexesConsulted, "Emotions")
	assert.Greater(t, res.Confidence, 0.1)
	assert.LessOrEqual(t, res.Confidence, 0.95)
	assert.Equal(t, "graph_index", res.RetrievalMethod)
	assert.Greater(t, res.RetrievedItems, 0)
	assert.Equal(t, "They have been feeling anxious and sad lately.", res.Response)
}

func TestGraphMultipleIndexes(t *testing.T) {
	ctx := context.Background()
	store := chromem.New(nil)
	defer store.Close()
	emb := mock.New(64)
	completer := &answerCompleter{answer: "A unified view across their memories."}
	engine := retrieval.NewGraph(store, emb, completer, retrieval.DefaultConfig(), nil)

	_, err := store.EnsureUser(ctx, "u1", "")
	require.NoError(t, err)
	seedEmbedded(t, store, emb, "u1", memory.VariantEmotion, "anxious about the workload this month")
	seedEmbedded(t, store, emb, "u1", memory.VariantReflection, "notices the workload anxiety fades after planning")
	seedEmbedded(t, store, emb, "u1", memory.VariantValue, "values steady calm work over rushing")

	res, err := engine.Query(ctx, "u1", "how do they handle workload anxiety?")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"emotions", "reflections", "values"}, res.DataSources)
	assert.Len(t, res.IndexesConsulted, 3)
	// Per-index answers plus one unifying call.
	assert.Equal(t, 4, completer.callCount())
}

func TestGraphConfidenceGrowsWithCoverage(t *testing.T) {
	ctx := context.Background()
	emb := mock.New(64)
	completer := &answerCompleter{answer: "An answer of reasonable length for scoring, mentioning several concrete observations about this user."}

	narrow := chromem.New(nil)
	defer narrow.Close()
	_, err := narrow.EnsureUser(ctx, "u1", "")
	require.NoError(t, err)
	seedEmbedded(t, narrow, emb, "u1", memory.VariantEmotion, "anxious about the workload this month")
	// A second populated index the query result will not cover.
	for i := 0; i < 3; i++ {
		seedEmbedded(t, narrow, emb, "u1", memory.VariantMoment, fmt.Sprintf("unrelated errand number %d on tuesday", i))
	}

	// Equivalent content, but every populated index contributes.
	wide := chromem.New(nil)
	defer wide.Close()
	_, err = wide.EnsureUser(ctx, "u1", "")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		seedEmbedded(t, wide, emb, "u1", memory.VariantEmotion, fmt.Sprintf("anxious about the workload in week %d", i))
		seedEmbedded(t, wide, emb, "u1", memory.VariantReflection, fmt.Sprintf("planning helps with the workload stress, attempt %d", i))
	}

	question := "how do they handle workload anxiety?"
	narrowRes, err := retrieval.NewGraph(narrow, emb, completer, retrieval.DefaultConfig(), nil).Query(ctx, "u1", question)
	require.NoError(t, err)
	wideRes, err := retrieval.NewGraph(wide, emb, completer, retrieval.DefaultConfig(), nil).Query(ctx, "u1", question)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, wideRes.Confidence, narrowRes.Confidence)
	for _, res := range []float64{narrowRes.Confidence, wideRes.Confidence} {
		assert.GreaterOrEqual(t, res, 0.1)
		assert.LessOrEqual(t, res, 0.95)
	}
}

func TestIndexName(t *testing.T) {
	assert.Equal(t, "Emotions", retrieval.IndexName(memory.VariantEmotion))
	assert.Equal(t, "Reflections", retrieval.IndexName(memory.VariantReflection))
	assert.Equal(t, "Contradictions", retrieval.IndexName(memory.VariantContradiction))
}
