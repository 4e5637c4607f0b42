package domain

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Item is one unit of content. Identity is (ID, Hash): the id is the primary
// key, the content hash carries the dedupe axis. Items are append-only.
type Item struct {
	ID         string    `json:"id"`
	Hash       string    `json:"hash"`
	CategoryID string    `json:"category_id"`
	Question   Question  `json:"question"`
	CreatedAt  time.Time `json:"created_at"`
}

var itemSeq atomic.Uint64

// NewItemID mints an item id that sorts bytewise after every id minted
// earlier. The builder resumes from the greatest consumed id, so ids must
// grow over time; within one millisecond ordering falls back to the sequence
// and a random fragment.
func NewItemID(now time.Time) string {
	return fmt.Sprintf("itm-%013d-%05d-%s", now.UnixMilli(), itemSeq.Add(1)%100000, uuid.New().String()[:8])
}

// ValidateUserID checks the opaque user identifier. Users are external;
// the only requirement is that the id is present and fits in a key.
func ValidateUserID(id string) error {
	if id == "" {
		return fmt.Errorf("user id is required")
	}
	if len(id) > 512 {
		return fmt.Errorf("user id exceeds 512 bytes")
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x20 || id[i] == 0x7f {
			return fmt.Errorf("user id contains control characters")
		}
	}
	return nil
}
