// Package chromem implements the memory store on chromem-go, a pure
// Go embedded vector database.
//
// Nodes (users and their items) live in an in-process registry with
// append-only ownership edges; one chromem collection per user acts as
// the native vector index. Items enter the index when their embedding
// is backfilled, so pending items stay reachable through plain reads
// while staying out of vector-ranked retrieval.
package chromem

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/collaborativehq/sage-memory/memory"
)

// Store implements memory.Store.
type Store struct {
	db     *chromem.DB
	logger *zap.Logger

	mu          sync.RWMutex
	users       map[string]*userNode
	collections map[string]*chromem.Collection
}

var _ memory.Store = (*Store)(nil)

// userNode is one user's subgraph: the user record plus append-only
// item edges. The per-user lock makes a turn's batch write atomic with
// respect to concurrent queries for the same user while leaving other
// users fully independent.
type userNode struct {
	mu     sync.RWMutex
	user   memory.User
	items  []*memory.Item
	byID   map[string]*memory.Item
	hashes map[uint64]struct{}
}

// New creates an empty store.
func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:          chromem.NewDB(),
		logger:      logger.Named("store"),
		users:       make(map[string]*userNode),
		collections: make(map[string]*chromem.Collection),
	}
}

// EnsureUser creates the user node on first interaction, generating a
// display name when none is given, and refreshes activity otherwise.
// The name is only applied on creation; renames go through RenameUser.
func (s *Store) EnsureUser(_ context.Context, userID, name string) (*memory.User, error) {
	if userID == "" {
		return nil, fmt.Errorf("chromem: empty user id")
	}

	s.mu.Lock()
	node, exists := s.users[userID]
	if !exists {
		if name == "" {
			name = memory.FriendlyName()
		}
		now := time.Now().UTC()
		node = &userNode{
			user: memory.User{
				UserID:     userID,
				Name:       name,
				CreatedAt:  now,
				LastActive: now,
			},
			byID:   make(map[string]*memory.Item),
			hashes: make(map[uint64]struct{}),
		}
		s.users[userID] = node
		s.logger.Info("created user", zap.String("user_id", userID), zap.String("name", name))
	}
	s.mu.Unlock()

	node.mu.Lock()
	node.user.LastActive = time.Now().UTC()
	u := snapshotUser(node)
	node.mu.Unlock()
	return u, nil
}

// GetUser returns the user with a refreshed derived moment count.
func (s *Store) GetUser(_ context.Context, userID string) (*memory.User, error) {
	node, err := s.node(userID)
	if err != nil {
		return nil, err
	}
	node.mu.RLock()
	defer node.mu.RUnlock()
	return snapshotUser(node), nil
}

// RenameUser updates the display name.
func (s *Store) RenameUser(_ context.Context, userID, name string) error {
	node, err := s.node(userID)
	if err != nil {
		return err
	}
	node.mu.Lock()
	node.user.Name = name
	node.mu.Unlock()
	return nil
}

// TouchUser refreshes the activity timestamp.
func (s *Store) TouchUser(_ context.Context, userID string) error {
	node, err := s.node(userID)
	if err != nil {
		return err
	}
	node.mu.Lock()
	node.user.LastActive = time.Now().UTC()
	node.mu.Unlock()
	return nil
}

// CreateBatch persists one turn's items under a single user lock, so
// a concurrent query sees either none or all of the batch. Items that
// already carry an embedding (from inline dedup) enter the vector
// index immediately. The store keeps its own copies; the caller's
// items are never touched again.
func (s *Store) CreateBatch(ctx context.Context, userID string, items []*memory.Item) error {
	if len(items) == 0 {
		return nil
	}
	node, err := s.node(userID)
	if err != nil {
		return err
	}
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return fmt.Errorf("chromem: reject batch: %w", err)
		}
		if it.UserID != userID {
			return fmt.Errorf("chromem: item %s owned by %s, batch for %s", it.ID, it.UserID, userID)
		}
	}

	node.mu.Lock()
	defer node.mu.Unlock()

	for _, it := range items {
		stored := cloneItem(it)
		node.items = append(node.items, stored)
		node.byID[stored.ID] = stored
		node.hashes[stored.ContentHash] = struct{}{}
		if stored.Embedding != nil {
			if err := s.indexItem(ctx, userID, stored); err != nil {
				return err
			}
		}
	}
	s.logger.Debug("persisted batch",
		zap.String("user_id", userID), zap.Int("items", len(items)))
	return nil
}

// Items returns snapshots of the user's items, optionally filtered by
// variant. Copies are taken under the read lock so a concurrent
// embedding backfill never mutates what a caller is reading.
func (s *Store) Items(_ context.Context, userID string, variants ...memory.Variant) ([]*memory.Item, error) {
	node, err := s.node(userID)
	if err != nil {
		return nil, err
	}
	node.mu.RLock()
	defer node.mu.RUnlock()

	var out []*memory.Item
	for _, it := range node.items {
		if matchesVariant(it, variants) {
			out = append(out, cloneItem(it))
		}
	}
	return out, nil
}

// HasContentHash reports an exact-duplicate hash hit for the user.
func (s *Store) HasContentHash(_ context.Context, userID string, hash uint64) (bool, error) {
	node, err := s.node(userID)
	if err != nil {
		return false, err
	}
	node.mu.RLock()
	defer node.mu.RUnlock()
	_, ok := node.hashes[hash]
	return ok, nil
}

// VectorQuery runs nearest-neighbor search on the user's index. With
// multiple variant filters it queries each variant and merges, since
// the index filter is exact-match.
func (s *Store) VectorQuery(ctx context.Context, userID string, vector []float32, k int, variants ...memory.Variant) ([]memory.ScoredItem, error) {
	node, err := s.node(userID)
	if err != nil {
		return nil, err
	}
	col := s.collection(userID, false)
	if col == nil || k <= 0 {
		return nil, nil
	}

	node.mu.RLock()
	defer node.mu.RUnlock()

	var results []chromem.Result
	if len(variants) == 0 {
		results, err = s.queryIndex(ctx, col, vector, k, nil)
		if err != nil {
			return nil, err
		}
	} else {
		for _, v := range variants {
			r, err := s.queryIndex(ctx, col, vector, k, map[string]string{"variant": string(v)})
			if err != nil {
				return nil, err
			}
			results = append(results, r...)
		}
	}

	scored := make([]memory.ScoredItem, 0, len(results))
	for _, r := range results {
		it, ok := node.byID[r.ID]
		if !ok {
			continue
		}
		scored = append(scored, memory.ScoredItem{Item: cloneItem(it), Similarity: float64(r.Similarity)})
	}
	sortScored(scored)
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// EmbeddedCounts reports embedded items per variant for the user.
func (s *Store) EmbeddedCounts(_ context.Context, userID string) (map[memory.Variant]int, error) {
	node, err := s.node(userID)
	if err != nil {
		return nil, err
	}
	node.mu.RLock()
	defer node.mu.RUnlock()

	counts := make(map[memory.Variant]int)
	for _, it := range node.items {
		if it.Embedding != nil {
			counts[it.Variant]++
		}
	}
	return counts, nil
}

// SetEmbedding backfills an item's vector and adds it to the index.
// Re-running with the same vector is a no-op.
func (s *Store) SetEmbedding(ctx context.Context, userID, itemID string, vector []float32) error {
	node, err := s.node(userID)
	if err != nil {
		return err
	}
	node.mu.Lock()
	defer node.mu.Unlock()

	it, ok := node.byID[itemID]
	if !ok {
		return fmt.Errorf("chromem: item %s not found for user %s", itemID, userID)
	}
	if it.Embedding != nil {
		return nil
	}
	it.Embedding = vector
	return s.indexItem(ctx, userID, it)
}

// Close releases resources. chromem keeps everything in memory.
func (s *Store) Close() error {
	return nil
}

func (s *Store) node(userID string) (*userNode, error) {
	s.mu.RLock()
	node, ok := s.users[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, memory.ErrUserNotFound
	}
	return node, nil
}

// collection returns the user's vector index, creating it when create
// is set. Double-checked locking keeps the hot path on the read lock.
func (s *Store) collection(userID string, create bool) *chromem.Collection {
	s.mu.RLock()
	col, ok := s.collections[userID]
	s.mu.RUnlock()
	if ok || !create {
		return col
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[userID]; ok {
		return col
	}
	col, err := s.db.CreateCollection("user_"+userID, nil, nil)
	if err != nil {
		s.logger.Error("create collection", zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	s.collections[userID] = col
	return col
}

func (s *Store) indexItem(ctx context.Context, userID string, it *memory.Item) error {
	col := s.collection(userID, true)
	if col == nil {
		return fmt.Errorf("chromem: no collection for user %s", userID)
	}
	doc := chromem.Document{
		ID:        it.ID,
		Content:   it.Content,
		Embedding: it.Embedding,
		Metadata: map[string]string{
			"variant":      string(it.Variant),
			"content_hash": strconv.FormatUint(it.ContentHash, 10),
			"created_at":   it.CreatedAt.Format(time.RFC3339),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("chromem: index item %s: %w", it.ID, err)
	}
	return nil
}

func (s *Store) queryIndex(ctx context.Context, col *chromem.Collection, vector []float32, k int, where map[string]string) ([]chromem.Result, error) {
	// chromem rejects nResults above the number of (filtered)
	// documents, so walk the limit down until the query fits.
	n := k
	if count := col.Count(); count < n {
		n = count
	}
	for ; n >= 1; n-- {
		results, err := col.QueryEmbedding(ctx, vector, n, where, nil)
		if err == nil {
			return results, nil
		}
		if isInsufficientDocsError(err) {
			continue
		}
		return nil, fmt.Errorf("chromem: vector query: %w", err)
	}
	return nil, nil
}

func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}

func snapshotUser(node *userNode) *memory.User {
	u := node.user
	for _, it := range node.items {
		if it.Variant == memory.VariantMoment {
			u.MomentCount++
		}
	}
	return &u
}

// cloneItem copies the record so callers never share memory with the
// registry. The embedding slice is written once and never mutated, so
// sharing its backing array is safe.
func cloneItem(it *memory.Item) *memory.Item {
	c := *it
	return &c
}

func matchesVariant(it *memory.Item, variants []memory.Variant) bool {
	if len(variants) == 0 {
		return true
	}
	for _, v := range variants {
		if it.Variant == v {
			return true
		}
	}
	return false
}

func sortScored(scored []memory.ScoredItem) {
	// Similarity descending, ties broken by recency.
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].Item.CreatedAt.After(scored[j].Item.CreatedAt)
	})
}
