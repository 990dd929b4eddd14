package memory

import (
	"context"
	"errors"
	"math"
)

// ErrUserNotFound is the only store error surfaced to callers as a
// rejected request; everything else degrades to a fallback response.
var ErrUserNotFound = errors.New("memory: user not found")

// ScoredItem pairs an item with its similarity to a query vector.
type ScoredItem struct {
	Item       *Item
	Similarity float64
}

// Store is the graph-shaped persistence backend: user and item nodes
// connected by ownership edges, plus a native vector index per user.
//
// Implementations: chromem (embedded, this SDK), or a hosted graph
// database behind the same contract in production.
//
// All reads are idempotent. CreateBatch must not be retried blindly;
// callers rely on the analyzer's dedup pass plus the content-hash
// guard, not on store-level uniqueness.
type Store interface {
	// EnsureUser creates the user node on first interaction and
	// refreshes LastActive on subsequent calls. An empty name gets a
	// generated one.
	EnsureUser(ctx context.Context, userID, name string) (*User, error)

	// GetUser returns ErrUserNotFound for unknown users.
	GetUser(ctx context.Context, userID string) (*User, error)

	// RenameUser updates the display name.
	RenameUser(ctx context.Context, userID, name string) error

	// TouchUser refreshes the activity timestamp.
	TouchUser(ctx context.Context, userID string) error

	// CreateBatch persists all items from one conversation turn
	// atomically with respect to concurrent queries for the same
	// user: no partial batch is ever visible.
	CreateBatch(ctx context.Context, userID string, items []*Item) error

	// Items returns the user's items, optionally filtered by variant.
	Items(ctx context.Context, userID string, variants ...Variant) ([]*Item, error)

	// HasContentHash reports whether the user already has an item
	// with this normalized-content hash.
	HasContentHash(ctx context.Context, userID string, hash uint64) (bool, error)

	// VectorQuery delegates nearest-neighbor search to the store's
	// native vector index, scoped to one user, optionally filtered by
	// variant. Only embedded items participate.
	VectorQuery(ctx context.Context, userID string, vector []float32, k int, variants ...Variant) ([]ScoredItem, error)

	// EmbeddedCounts reports how many embedded items each variant
	// index holds for the user. Engines use it to skip empty indexes.
	EmbeddedCounts(ctx context.Context, userID string) (map[Variant]int, error)

	// SetEmbedding backfills an item's vector. Idempotent: writing
	// the same vector again is a no-op.
	SetEmbedding(ctx context.Context, userID, itemID string, vector []float32) error

	// Close releases resources.
	Close() error
}

// Cosine computes cosine similarity between two vectors. Mismatched
// or zero-length vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
