package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quizforge/quizforge/internal/domain"
)

// stubStore is a minimal stub implementing the methods under test. It
// delegates everything else to an embedded nil Store (those methods panic if
// called unexpectedly, which is exactly what we want in tests).
type stubStore struct {
	Store // embed; uncalled methods panic if exercised

	setCalls     atomic.Int64
	setsCalls    atomic.Int64
	itemCalls    atomic.Int64
	putSetCalls  atomic.Int64
	itemsFetched atomic.Int64

	sets  map[string]*domain.Set
	items map[string]*domain.Item
}

func (s *stubStore) Close() error                 { return nil }
func (s *stubStore) Ping(_ context.Context) error { return nil }

func (s *stubStore) GetSet(_ context.Context, id string) (*domain.Set, error) {
	s.setCalls.Add(1)
	set, ok := s.sets[id]
	if !ok {
		return nil, fmt.Errorf("set %s: %w", id, ErrNotFound)
	}
	return set, nil
}

func (s *stubStore) GetSets(_ context.Context, ids []string) ([]*domain.Set, error) {
	s.setsCalls.Add(1)
	out := make([]*domain.Set, len(ids))
	for i, id := range ids {
		set, ok := s.sets[id]
		if !ok {
			return nil, fmt.Errorf("set %s: %w", id, ErrNotFound)
		}
		out[i] = set
	}
	return out, nil
}

func (s *stubStore) GetItems(_ context.Context, refs []domain.SetRef) ([]*domain.Item, error) {
	s.itemCalls.Add(1)
	s.itemsFetched.Add(int64(len(refs)))
	out := make([]*domain.Item, len(refs))
	for i, r := range refs {
		item, ok := s.items[r.ID]
		if !ok {
			return nil, fmt.Errorf("item %s: %w", r.ID, ErrNotFound)
		}
		if item.Hash != r.Hash {
			return nil, fmt.Errorf("item %s hash mismatch", r.ID)
		}
		out[i] = item
	}
	return out, nil
}

func (s *stubStore) PutSet(_ context.Context, set *domain.Set) error {
	s.putSetCalls.Add(1)
	s.sets[set.ID] = set
	return nil
}

func newStubStore() *stubStore {
	return &stubStore{
		sets:  make(map[string]*domain.Set),
		items: make(map[string]*domain.Item),
	}
}

func stubSet(id, categoryID string, refIDs ...string) *domain.Set {
	refs := make([]domain.SetRef, len(refIDs))
	for i, rid := range refIDs {
		refs[i] = domain.SetRef{ID: rid, Hash: "h-" + rid}
	}
	return &domain.Set{ID: id, CategoryID: categoryID, Refs: refs, Watermark: refIDs[len(refIDs)-1], CreatedAt: time.Now()}
}

func TestCachedStore_GetSet_CacheHit(t *testing.T) {
	stub := newStubStore()
	stub.sets["set-1"] = stubSet("set-1", "math", "i1", "i2")
	cached := NewCachedStore(stub, time.Second)
	ctx := context.Background()

	set, err := cached.GetSet(ctx, "set-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if set.CategoryID != "math" {
		t.Fatalf("expected math, got %s", set.CategoryID)
	}
	if stub.setCalls.Load() != 1 {
		t.Fatalf("expected 1 underlying call, got %d", stub.setCalls.Load())
	}

	set2, err := cached.GetSet(ctx, "set-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if set2.ID != "set-1" {
		t.Fatalf("expected set-1, got %s", set2.ID)
	}
	if stub.setCalls.Load() != 1 {
		t.Fatalf("expected still 1 underlying call (cache hit), got %d", stub.setCalls.Load())
	}
}

func TestCachedStore_GetSet_Expiry(t *testing.T) {
	stub := newStubStore()
	stub.sets["set-1"] = stubSet("set-1", "math", "i1")
	cached := NewCachedStore(stub, 50*time.Millisecond)
	ctx := context.Background()

	_, _ = cached.GetSet(ctx, "set-1")
	if stub.setCalls.Load() != 1 {
		t.Fatal("expected 1 call")
	}

	time.Sleep(80 * time.Millisecond)

	_, _ = cached.GetSet(ctx, "set-1")
	if stub.setCalls.Load() != 2 {
		t.Fatalf("expected 2 calls after expiry, got %d", stub.setCalls.Load())
	}
}

func TestCachedStore_GetSets_PartialHit(t *testing.T) {
	stub := newStubStore()
	stub.sets["set-1"] = stubSet("set-1", "math", "i1")
	stub.sets["set-2"] = stubSet("set-2", "math", "i2")
	stub.sets["set-3"] = stubSet("set-3", "math", "i3")
	cached := NewCachedStore(stub, time.Second)
	ctx := context.Background()

	// Warm set-2 only.
	if _, err := cached.GetSet(ctx, "set-2"); err != nil {
		t.Fatalf("warm: %v", err)
	}

	sets, err := cached.GetSets(ctx, []string{"set-1", "set-2", "set-3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sets) != 3 {
		t.Fatalf("expected 3 sets, got %d", len(sets))
	}
	for i, want := range []string{"set-1", "set-2", "set-3"} {
		if sets[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, sets[i].ID)
		}
	}
	if stub.setsCalls.Load() != 1 {
		t.Fatalf("expected 1 batch call for the misses, got %d", stub.setsCalls.Load())
	}

	// Everything cached now.
	if _, err := cached.GetSets(ctx, []string{"set-3", "set-1"}); err != nil {
		t.Fatalf("cached read: %v", err)
	}
	if stub.setsCalls.Load() != 1 {
		t.Fatalf("expected no further batch calls, got %d", stub.setsCalls.Load())
	}
}

func TestCachedStore_GetItems_OnlyFetchesMisses(t *testing.T) {
	stub := newStubStore()
	stub.items["i1"] = &domain.Item{ID: "i1", Hash: "h-i1", CategoryID: "math"}
	stub.items["i2"] = &domain.Item{ID: "i2", Hash: "h-i2", CategoryID: "math"}
	cached := NewCachedStore(stub, time.Second)
	ctx := context.Background()

	refs := []domain.SetRef{{ID: "i1", Hash: "h-i1"}, {ID: "i2", Hash: "h-i2"}}
	if _, err := cached.GetItems(ctx, refs[:1]); err != nil {
		t.Fatalf("warm: %v", err)
	}

	items, err := cached.GetItems(ctx, refs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if items[0].ID != "i1" || items[1].ID != "i2" {
		t.Fatalf("order not preserved: %s, %s", items[0].ID, items[1].ID)
	}
	if stub.itemsFetched.Load() != 2 {
		t.Fatalf("expected 2 items fetched in total (1 warm + 1 miss), got %d", stub.itemsFetched.Load())
	}
}

func TestCachedStore_GetItems_HashMismatchFallsThrough(t *testing.T) {
	stub := newStubStore()
	stub.items["i1"] = &domain.Item{ID: "i1", Hash: "h-i1", CategoryID: "math"}
	cached := NewCachedStore(stub, time.Second)
	ctx := context.Background()

	if _, err := cached.GetItems(ctx, []domain.SetRef{{ID: "i1", Hash: "h-i1"}}); err != nil {
		t.Fatalf("warm: %v", err)
	}

	// A ref carrying a different hash must not be served from cache.
	_, err := cached.GetItems(ctx, []domain.SetRef{{ID: "i1", Hash: "h-other"}})
	if err == nil {
		t.Fatal("expected hash mismatch error")
	}
	if stub.itemCalls.Load() != 2 {
		t.Fatalf("expected mismatch to reach the underlying store, got %d calls", stub.itemCalls.Load())
	}
}

func TestCachedStore_PutSet_Invalidates(t *testing.T) {
	stub := newStubStore()
	stub.sets["set-1"] = stubSet("set-1", "math", "i1")
	cached := NewCachedStore(stub, 10*time.Second)
	ctx := context.Background()

	_, _ = cached.GetSet(ctx, "set-1")
	if stub.setCalls.Load() != 1 {
		t.Fatal("expected 1 call")
	}

	if err := cached.PutSet(ctx, stubSet("set-1", "math", "i9")); err != nil {
		t.Fatalf("put set: %v", err)
	}

	set, err := cached.GetSet(ctx, "set-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if set.Refs[0].ID != "i9" {
		t.Fatalf("expected refreshed refs, got %s", set.Refs[0].ID)
	}
	if stub.setCalls.Load() != 2 {
		t.Fatalf("expected 2 calls after invalidation, got %d", stub.setCalls.Load())
	}
}

func TestCachedStore_DefaultTTL(t *testing.T) {
	cached := NewCachedStore(nil, 0)
	if cached.ttl != DefaultCacheTTL {
		t.Fatalf("expected default TTL %v, got %v", DefaultCacheTTL, cached.ttl)
	}
}
