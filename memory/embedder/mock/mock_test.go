package mock_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collaborativehq/sage-memory/memory"
	"github.com/collaborativehq/sage-memory/memory/embedder/mock"
)

func TestEmbedIsDeterministic(t *testing.T) {
	ctx := context.Background()
	emb := mock.New(64)

	a, err := emb.Embed(ctx, "anxious about the new job")
	require.NoError(t, err)
	b, err := emb.Embed(ctx, "anxious about the new job")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestWordOverlapRaisesSimilarity(t *testing.T) {
	ctx := context.Background()
	emb := mock.New(64)

	base, err := emb.Embed(ctx, "anxious about the new job interview")
	require.NoError(t, err)
	related, err := emb.Embed(ctx, "worried and anxious about the job")
	require.NoError(t, err)
	unrelated, err := emb.Embed(ctx, "sunny hiking weekend with friends")
	require.NoError(t, err)

	assert.Greater(t, memory.Cosine(base, related), memory.Cosine(base, unrelated))
	assert.InDelta(t, 1.0, memory.Cosine(base, base), 1e-6)
}

func TestReorderedWordsEmbedIdentically(t *testing.T) {
	ctx := context.Background()
	emb := mock.New(64)

	a, err := emb.Embed(ctx, "the new job about anxious")
	require.NoError(t, err)
	b, err := emb.Embed(ctx, "anxious about the new job")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, memory.Cosine(a, b), 1e-6)
}
