package alloc

import (
	"hash/fnv"
	"sync"
)

// stripedLocks serializes allocation per (user, category) pair without
// holding a mutex per pair. Distinct pairs may share a stripe; that costs
// contention, never correctness.
type stripedLocks struct {
	stripes []sync.Mutex
}

func newStripedLocks(n int) *stripedLocks {
	if n <= 0 {
		n = 64
	}
	return &stripedLocks{stripes: make([]sync.Mutex, n)}
}

// lock acquires the stripe for the pair and returns it for unlocking.
func (s *stripedLocks) lock(userID, categoryID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(categoryID))
	mu := &s.stripes[h.Sum32()%uint32(len(s.stripes))]
	mu.Lock()
	return mu
}
