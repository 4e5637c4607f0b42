package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/quizforge/quizforge/internal/domain"
)

// ErrNotFound marks lookups of ids the store has never seen. Callers map it
// to a 404 or treat it as "start from scratch" depending on the surface.
var ErrNotFound = errors.New("not found")

// IngestResult reports a batch insert: how many items landed and how many
// were dropped because their content hash was already present.
type IngestResult struct {
	Stored  int `json:"stored"`
	Skipped int `json:"skipped_duplicate_by_hash"`
}

// Store is the durable store for content items, the set catalog, runtime
// settings, and run history.
type Store interface {
	Close() error
	Ping(ctx context.Context) error

	// Content items (append-only, hash-deduped)
	PutItems(ctx context.Context, items []*domain.Item) (IngestResult, error)
	GetItems(ctx context.Context, refs []domain.SetRef) ([]*domain.Item, error)
	QueryByCategory(ctx context.Context, categoryID, afterID string, limit int) ([]*domain.Item, error)
	QueryByHash(ctx context.Context, hash string) (*domain.Item, error)
	CountItemsByCategory(ctx context.Context, categoryID string) (int64, error)

	// Set catalog (immutable once written)
	PutSet(ctx context.Context, set *domain.Set) error
	PutSets(ctx context.Context, sets []*domain.Set) error
	GetSet(ctx context.Context, id string) (*domain.Set, error)
	GetSets(ctx context.Context, ids []string) ([]*domain.Set, error)
	LatestWatermark(ctx context.Context, categoryID string) (string, error)
	ListSetIDs(ctx context.Context, categoryID string) ([]string, error)

	// Runtime settings
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error
	AllSettings(ctx context.Context) (map[string]string, error)

	// Build / generation run history
	RecordRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id string, results json.RawMessage, errMsg string, finishedAt time.Time) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, kind string, limit int) ([]*Run, error)

	// Per-category serialization for builders and admin drains
	WithCategoryLock(ctx context.Context, categoryID string, fn func(context.Context) error) error
}
