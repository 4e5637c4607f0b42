// Package pool maintains the per-category FIFO of offerable set-ids in
// Redis, plus the category metadata kept in lockstep with it. Allocation
// never mutates the pool; only the builder appends and administrative
// drains remove.
package pool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quizforge/quizforge/internal/domain"
)

// Key layout, one triple per category.
const (
	queueKeyPrefix = "pool:queue:"
	metaKeyPrefix  = "pool:meta:"
	knownKeyPrefix = "pool:known:"
)

var (
	// ErrUnavailable reports a failed round-trip to the pool store.
	ErrUnavailable = errors.New("pool index unavailable")
	// ErrTimeout reports a pool round-trip that exceeded its deadline.
	ErrTimeout = errors.New("pool index timeout")
)

// enqueueScript appends set-ids that were never pooled before and refreshes
// the category metadata in the same step. The known-set guard makes
// at-least-once enqueue safe: a re-delivered id is skipped, never duplicated.
// Keys: queue, meta, known. Args: now (RFC 3339), set-ids...
var enqueueScript = redis.NewScript(`
local queue = KEYS[1]
local meta = KEYS[2]
local known = KEYS[3]
local added = 0
for i = 2, #ARGV do
    if redis.call("SADD", known, ARGV[i]) == 1 then
        redis.call("RPUSH", queue, ARGV[i])
        added = added + 1
    end
end
if added > 0 then
    redis.call("HSET", meta, "available", redis.call("LLEN", queue), "last_updated", ARGV[1], "last_batch_size", added)
end
return added
`)

// dequeueScript pops the head and keeps the available counter honest.
// Keys: queue, meta. Args: now (RFC 3339).
var dequeueScript = redis.NewScript(`
local queue = KEYS[1]
local meta = KEYS[2]
local id = redis.call("LPOP", queue)
if not id then
    return false
end
redis.call("HSET", meta, "available", redis.call("LLEN", queue), "last_updated", ARGV[1])
return id
`)

// Index is the Redis-backed pool of offerable sets.
type Index struct {
	client    *redis.Client
	opTimeout time.Duration
}

// New creates a pool index. opTimeout bounds every round-trip; zero means
// the caller's context is the only deadline.
func New(client *redis.Client, opTimeout time.Duration) *Index {
	return &Index{client: client, opTimeout: opTimeout}
}

func (x *Index) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if x.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, x.opTimeout)
}

func wrapErr(err error, op, category string) error {
	if err == nil {
		return nil
	}
	kind := ErrUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrTimeout
	}
	return fmt.Errorf("%w: %s %q: %v", kind, op, category, err)
}

// Enqueue appends setIDs to the category's FIFO, skipping ids the pool has
// ever seen, and returns how many were actually appended. Metadata is
// updated atomically with the append; a call that appends nothing leaves
// the metadata untouched.
func (x *Index) Enqueue(ctx context.Context, category string, setIDs []string) (int, error) {
	if len(setIDs) == 0 {
		return 0, nil
	}
	ctx, cancel := x.opCtx(ctx)
	defer cancel()

	args := make([]interface{}, 0, len(setIDs)+1)
	args = append(args, time.Now().UTC().Format(time.RFC3339Nano))
	for _, id := range setIDs {
		args = append(args, id)
	}

	keys := []string{queueKeyPrefix + category, metaKeyPrefix + category, knownKeyPrefix + category}
	added, err := enqueueScript.Run(ctx, x.client, keys, args...).Int()
	if err != nil {
		return 0, wrapErr(err, "enqueue", category)
	}
	return added, nil
}

// PeekAll returns the category's set-ids in FIFO order without consuming
// them. This is the allocator's read path.
func (x *Index) PeekAll(ctx context.Context, category string) ([]string, error) {
	ctx, cancel := x.opCtx(ctx)
	defer cancel()

	ids, err := x.client.LRange(ctx, queueKeyPrefix+category, 0, -1).Result()
	if err != nil {
		return nil, wrapErr(err, "peek", category)
	}
	return ids, nil
}

// DequeueOne destructively pops the pool head. Administrative drains only;
// allocation never goes through here.
func (x *Index) DequeueOne(ctx context.Context, category string) (string, bool, error) {
	ctx, cancel := x.opCtx(ctx)
	defer cancel()

	keys := []string{queueKeyPrefix + category, metaKeyPrefix + category}
	id, err := dequeueScript.Run(ctx, x.client, keys, time.Now().UTC().Format(time.RFC3339Nano)).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, wrapErr(err, "dequeue", category)
	}
	return id, true, nil
}

// Drop clears the category's queue and metadata. The known-set guard is kept
// so dropped sets are not resurrected by a later builder reconcile.
func (x *Index) Drop(ctx context.Context, category string) error {
	ctx, cancel := x.opCtx(ctx)
	defer cancel()

	if err := x.client.Del(ctx, queueKeyPrefix+category, metaKeyPrefix+category).Err(); err != nil {
		return wrapErr(err, "drop", category)
	}
	return nil
}

// Metadata returns the category's pool stats. A category with no pool state
// reads as zero values.
func (x *Index) Metadata(ctx context.Context, category string) (*domain.PoolStats, error) {
	ctx, cancel := x.opCtx(ctx)
	defer cancel()

	fields, err := x.client.HGetAll(ctx, metaKeyPrefix+category).Result()
	if err != nil {
		return nil, wrapErr(err, "metadata", category)
	}

	stats := &domain.PoolStats{}
	if v, ok := fields["available"]; ok {
		stats.Available, _ = strconv.Atoi(v)
	}
	if v, ok := fields["last_batch_size"]; ok {
		stats.LastBatchSize, _ = strconv.Atoi(v)
	}
	if v, ok := fields["last_updated"]; ok {
		if ts, perr := time.Parse(time.RFC3339Nano, v); perr == nil {
			stats.LastUpdated = ts
		}
	}
	return stats, nil
}

// Ping verifies the pool store is reachable.
func (x *Index) Ping(ctx context.Context) error {
	ctx, cancel := x.opCtx(ctx)
	defer cancel()

	if err := x.client.Ping(ctx).Err(); err != nil {
		return wrapErr(err, "ping", "")
	}
	return nil
}
