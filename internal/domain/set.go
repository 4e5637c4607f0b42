package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SetRef points at one item by its full identity.
type SetRef struct {
	ID   string `json:"id"`
	Hash string `json:"hash"`
}

// Set is an ordered fixed-size bundle of item references within a single
// category. Refs are fixed at creation; sets are never mutated. Watermark is
// the greatest item id consumed by the batch that produced this set, shared
// by every set of the batch.
type Set struct {
	ID         string    `json:"id"`
	CategoryID string    `json:"category_id"`
	Refs       []SetRef  `json:"refs"`
	Watermark  string    `json:"watermark"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewSetID mints a fresh set id.
func NewSetID() string {
	return "set-" + uuid.New().String()
}

// Validate enforces the set shape invariants.
func (s *Set) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("set id is required")
	}
	if s.CategoryID == "" {
		return fmt.Errorf("set %s has no category", s.ID)
	}
	if len(s.Refs) == 0 {
		return fmt.Errorf("set %s has no refs", s.ID)
	}
	for i, r := range s.Refs {
		if r.ID == "" || r.Hash == "" {
			return fmt.Errorf("set %s ref %d has incomplete identity", s.ID, i)
		}
	}
	return nil
}

// PoolStats is the category metadata kept alongside the pool.
type PoolStats struct {
	Available     int       `json:"available"`
	LastUpdated   time.Time `json:"last_updated"`
	LastBatchSize int       `json:"last_batch_size"`
}
