package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collaborativehq/sage-memory/engine"
	"github.com/collaborativehq/sage-memory/llm"
	"github.com/collaborativehq/sage-memory/memory"
	"github.com/collaborativehq/sage-memory/memory/embedder/mock"
	"github.com/collaborativehq/sage-memory/memory/store/chromem"
)

// fakeCompleter answers persona calls (which carry a system prompt)
// with one response and extraction calls with another.
type fakeCompleter struct {
	mu         sync.Mutex
	persona    string
	extraction string
	err        error
	calls      int
}

func (c *fakeCompleter) Complete(_ context.Context, req llm.Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	if req.System != "" {
		return c.persona, nil
	}
	return c.extraction, nil
}

func TestRunProducesReplyAndUser(t *testing.T) {
	store := chromem.New(nil)
	defer store.Close()
	completer := &fakeCompleter{persona: "That sounds meaningful. What part weighs on you most?"}
	eng := engine.New(completer, store)

	out, err := eng.Run(context.Background(), &engine.Input{
		UserID:      "u1",
		SessionID:   "s1",
		UserName:    "Drew Walker",
		UserMessage: "Work has been intense lately.",
	})
	require.NoError(t, err)
	assert.Equal(t, "That sounds meaningful. What part weighs on you most?", out.Response)
	assert.Equal(t, "Drew Walker", out.User.Name)
}

func TestRunValidatesInput(t *testing.T) {
	store := chromem.New(nil)
	defer store.Close()
	eng := engine.New(&fakeCompleter{}, store)

	_, err := eng.Run(context.Background(), &engine.Input{UserID: "", UserMessage: "hi"})
	assert.Error(t, err)

	_, err = eng.Run(context.Background(), &engine.Input{UserID: "u1", UserMessage: "   "})
	assert.Error(t, err)
}

func TestRunFallsBackWhenCompletionUnavailable(t *testing.T) {
	store := chromem.New(nil)
	defer store.Close()
	completer := &fakeCompleter{err: llm.ErrUnavailable}
	eng := engine.New(completer, store)

	out, err := eng.Run(context.Background(), &engine.Input{
		UserID:      "u1",
		UserMessage: "I'm so anxious about everything right now.",
	})
	require.NoError(t, err, "provider outage must not fail the conversation")
	assert.Contains(t, out.Response, "set one small thing down")
}

func TestRunSoftensDirectiveTone(t *testing.T) {
	store := chromem.New(nil)
	defer store.Close()
	completer := &fakeCompleter{persona: "You should take a break and rest."}
	eng := engine.New(completer, store)

	out, err := eng.Run(context.Background(), &engine.Input{
		UserID:      "u1",
		UserMessage: "I can't stop working.",
	})
	require.NoError(t, err)
	assert.Equal(t, "You might find take a break and rest.", out.Response)
}

func TestRunFeedsAnalyzerInBackground(t *testing.T) {
	ctx := context.Background()
	store := chromem.New(nil)
	defer store.Close()

	completer := &fakeCompleter{
		persona: "I hear how heavy that feels.",
		extraction: `{
  "should_store": true,
  "memories": [
    {"type": "emotion", "content": "feeling anxious about the job change", "intensity": 0.8}
  ],
  "reasoning": "clear emotion"
}`,
	}
	analyzer := memory.NewAnalyzer(store, completer, mock.New(64), nil,
		memory.DefaultAnalyzerConfig(), nil)
	eng := engine.New(completer, store, engine.WithAnalyzer(analyzer))

	_, err := eng.Run(ctx, &engine.Input{
		UserID:      "u1",
		SessionID:   "s1",
		UserMessage: "I'm anxious about changing jobs.",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		items, err := store.Items(ctx, "u1")
		return err == nil && len(items) == 1
	}, 5*time.Second, 20*time.Millisecond, "background analysis should persist the extracted item")
}
