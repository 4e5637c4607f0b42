package store

import (
	"context"
	"sync"
	"time"

	"github.com/quizforge/quizforge/internal/domain"
)

// cacheEntry holds a cached value with an expiration time.
type cacheEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e *cacheEntry[T]) expired() bool {
	return time.Now().After(e.expiresAt)
}

// CachedStore wraps a Store and caches the set and item reads on the merge
// hot path. Sets and items are immutable once written, so the TTL bounds
// memory rather than consistency; PutSet still invalidates eagerly so an id
// collision never serves a stale body.
type CachedStore struct {
	Store // underlying store; uncached methods delegate here

	ttl time.Duration

	sets  sync.Map // setID → *cacheEntry[*domain.Set]
	items sync.Map // itemID → *cacheEntry[*domain.Item]
}

// DefaultCacheTTL is the default time-to-live for cache entries.
const DefaultCacheTTL = 5 * time.Minute

// NewCachedStore returns a Store that caches catalog and item reads.
// Pass ttl <= 0 to use the default (5 min).
func NewCachedStore(underlying Store, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedStore{
		Store: underlying,
		ttl:   ttl,
	}
}

func cacheGet[T any](m *sync.Map, key string) (T, bool) {
	v, ok := m.Load(key)
	if !ok {
		var zero T
		return zero, false
	}
	entry := v.(*cacheEntry[T])
	if entry.expired() {
		m.Delete(key)
		var zero T
		return zero, false
	}
	return entry.value, true
}

func cachePut[T any](m *sync.Map, key string, value T, ttl time.Duration) {
	m.Store(key, &cacheEntry[T]{value: value, expiresAt: time.Now().Add(ttl)})
}

func (c *CachedStore) GetSet(ctx context.Context, id string) (*domain.Set, error) {
	if set, ok := cacheGet[*domain.Set](&c.sets, id); ok {
		return set, nil
	}
	set, err := c.Store.GetSet(ctx, id)
	if err != nil {
		return nil, err
	}
	cachePut(&c.sets, id, set, c.ttl)
	return set, nil
}

// GetSets serves what it can from cache and fetches the rest in one
// underlying call, preserving input order.
func (c *CachedStore) GetSets(ctx context.Context, ids []string) ([]*domain.Set, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	out := make([]*domain.Set, len(ids))
	var missing []string
	var missingIdx []int
	for i, id := range ids {
		if set, ok := cacheGet[*domain.Set](&c.sets, id); ok {
			out[i] = set
			continue
		}
		missing = append(missing, id)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := c.Store.GetSets(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, set := range fetched {
		out[missingIdx[j]] = set
		cachePut(&c.sets, set.ID, set, c.ttl)
	}
	return out, nil
}

// GetItems resolves refs through the cache. A cached item only counts when
// its hash matches the ref; a mismatch falls through so the underlying store
// reports the divergence.
func (c *CachedStore) GetItems(ctx context.Context, refs []domain.SetRef) ([]*domain.Item, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	out := make([]*domain.Item, len(refs))
	var missing []domain.SetRef
	var missingIdx []int
	for i, r := range refs {
		if item, ok := cacheGet[*domain.Item](&c.items, r.ID); ok && item.Hash == r.Hash {
			out[i] = item
			continue
		}
		missing = append(missing, r)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := c.Store.GetItems(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, item := range fetched {
		out[missingIdx[j]] = item
		cachePut(&c.items, item.ID, item, c.ttl)
	}
	return out, nil
}

func (c *CachedStore) PutSet(ctx context.Context, set *domain.Set) error {
	err := c.Store.PutSet(ctx, set)
	if err == nil && set != nil {
		c.sets.Delete(set.ID)
	}
	return err
}

func (c *CachedStore) PutSets(ctx context.Context, sets []*domain.Set) error {
	err := c.Store.PutSets(ctx, sets)
	if err == nil {
		for _, set := range sets {
			c.sets.Delete(set.ID)
		}
	}
	return err
}
