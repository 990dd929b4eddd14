package memory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/collaborativehq/sage-memory/memory/embedder"
)

// Backfiller fills in embeddings for items persisted without one. It
// runs off the conversational path: enqueueing never blocks, and a
// failed job simply leaves the item pending for a later sweep.
type Backfiller struct {
	store    Store
	embedder embedder.Embedder
	logger   *zap.Logger

	jobs    chan backfillJob
	wg      sync.WaitGroup
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

type backfillJob struct {
	userID string
	itemID string
	text   string
}

// NewBackfiller starts workers goroutines consuming the queue.
func NewBackfiller(store Store, emb embedder.Embedder, workers int, logger *zap.Logger) *Backfiller {
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Backfiller{
		store:    store,
		embedder: emb,
		logger:   logger.Named("backfill"),
		jobs:     make(chan backfillJob, 256),
		timeout:  30 * time.Second,
	}
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

// Enqueue schedules an embedding job. When the queue is full or the
// backfiller is closed the job is dropped; the item stays pending and
// Sweep can pick it up later.
func (b *Backfiller) Enqueue(userID, itemID, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.logger.Warn("backfiller closed, leaving item pending",
			zap.String("user_id", userID), zap.String("item_id", itemID))
		return
	}
	select {
	case b.jobs <- backfillJob{userID: userID, itemID: itemID, text: text}:
	default:
		b.logger.Warn("backfill queue full, leaving item pending",
			zap.String("user_id", userID), zap.String("item_id", itemID))
	}
}

// Sweep re-enqueues every embedding-pending item for the user. Useful
// after provider outages or dropped jobs.
func (b *Backfiller) Sweep(ctx context.Context, userID string) error {
	items, err := b.store.Items(ctx, userID)
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.Embedding == nil {
			b.Enqueue(it.UserID, it.ID, it.FormatForEmbedding())
		}
	}
	return nil
}

// Close drains in-flight jobs and stops the workers. Enqueue calls
// after Close drop their jobs.
func (b *Backfiller) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.jobs)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Backfiller) worker() {
	defer b.wg.Done()
	for job := range b.jobs {
		b.run(job)
	}
}

func (b *Backfiller) run(job backfillJob) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	vec, err := b.embedder.Embed(ctx, job.text)
	if err != nil {
		b.logger.Warn("embedding backfill failed",
			zap.String("user_id", job.userID),
			zap.String("item_id", job.itemID),
			zap.Error(err))
		return
	}
	// SetEmbedding is a no-op for items already embedded, so duplicate
	// jobs from a sweep are harmless.
	if err := b.store.SetEmbedding(ctx, job.userID, job.itemID, vec); err != nil {
		b.logger.Warn("embedding persist failed",
			zap.String("user_id", job.userID),
			zap.String("item_id", job.itemID),
			zap.Error(err))
		return
	}
	b.logger.Debug("embedded item",
		zap.String("user_id", job.userID), zap.String("item_id", job.itemID))
}
