// Package ledger is the durable per-user allocation record: for every
// (user, category) an ordered list of assigned set-ids, a timestamp per
// assignment, and per-category counters. All writes for one mutation go
// through a single MULTI/EXEC pipeline so no partial state is visible.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout, three keys per user.
const (
	listKeyPrefix = "alloc:"
	metaKeyPrefix = "alloc:meta:"
	tsKeyPrefix   = "alloc:ts:"
)

var (
	// ErrUnavailable reports a failed round-trip to the ledger store.
	ErrUnavailable = errors.New("ledger unavailable")
	// ErrTimeout reports a ledger round-trip that exceeded its deadline.
	ErrTimeout = errors.New("ledger timeout")
	// ErrListCorrupt reports a stored list that breaks the no-duplicate
	// invariant; callers must abort rather than allocate on top of it.
	ErrListCorrupt = errors.New("allocation list corrupt")
)

// timeNow stamps repaired assignments; tests pin it.
var timeNow = func() time.Time { return time.Now().UTC() }

// CategoryRecord is one (user, category) slice of the ledger.
type CategoryRecord struct {
	UserID     string
	CategoryID string
	SetIDs     []string
	// AssignedAt has an entry for every id in SetIDs. Ids whose stored
	// timestamp was missing carry the read time and are listed in Repaired;
	// the next commit writes them back.
	AssignedAt map[string]time.Time
	Repaired   []string
}

// Mutation is one atomic ledger write: the post-apply list plus the
// timestamp and counter deltas that accompany it.
type Mutation struct {
	UserID     string
	CategoryID string
	SetIDs     []string
	Remove     []string
	Assign     string
	RepairTS   map[string]time.Time
	Evicted    int
	Now        time.Time
}

// Ledger is the Redis-backed allocation record.
type Ledger struct {
	client    *redis.Client
	opTimeout time.Duration
}

// New creates a ledger. opTimeout bounds every round-trip; zero means the
// caller's context is the only deadline.
func New(client *redis.Client, opTimeout time.Duration) *Ledger {
	return &Ledger{client: client, opTimeout: opTimeout}
}

func (l *Ledger) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.opTimeout)
}

func wrapErr(err error, op, userID string) error {
	if err == nil {
		return nil
	}
	kind := ErrUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrTimeout
	}
	return fmt.Errorf("%w: %s user %q: %v", kind, op, userID, err)
}

func tsField(categoryID, setID string) string {
	return categoryID + ":" + setID
}

// Category reads the (user, category) record. List entries without a stored
// timestamp read as assigned now and are reported in Repaired.
func (l *Ledger) Category(ctx context.Context, userID, categoryID string) (*CategoryRecord, error) {
	ctx, cancel := l.opCtx(ctx)
	defer cancel()

	var listCmd *redis.StringCmd
	var tsCmd *redis.MapStringStringCmd
	_, err := l.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		listCmd = p.HGet(ctx, listKeyPrefix+userID, categoryID)
		tsCmd = p.HGetAll(ctx, tsKeyPrefix+userID)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrapErr(err, "read", userID)
	}

	rec := &CategoryRecord{
		UserID:     userID,
		CategoryID: categoryID,
		AssignedAt: make(map[string]time.Time),
	}

	raw, err := listCmd.Result()
	if errors.Is(err, redis.Nil) {
		return rec, nil
	}
	if err != nil {
		return nil, wrapErr(err, "read", userID)
	}

	if err := json.Unmarshal([]byte(raw), &rec.SetIDs); err != nil {
		return nil, fmt.Errorf("%w: user %q category %q: %v", ErrListCorrupt, userID, categoryID, err)
	}

	seen := make(map[string]bool, len(rec.SetIDs))
	for _, id := range rec.SetIDs {
		if seen[id] {
			return nil, fmt.Errorf("%w: user %q category %q: duplicate set %q", ErrListCorrupt, userID, categoryID, id)
		}
		seen[id] = true
	}

	stored := tsCmd.Val()
	readNow := timeNow()
	prefix := categoryID + ":"
	for _, id := range rec.SetIDs {
		if v, ok := stored[prefix+id]; ok {
			if ts, perr := time.Parse(time.RFC3339Nano, v); perr == nil {
				rec.AssignedAt[id] = ts
				continue
			}
		}
		rec.AssignedAt[id] = readNow
		rec.Repaired = append(rec.Repaired, id)
	}
	return rec, nil
}

// Categories lists every category the user holds allocations in.
func (l *Ledger) Categories(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := l.opCtx(ctx)
	defer cancel()

	cats, err := l.client.HKeys(ctx, listKeyPrefix+userID).Result()
	if err != nil {
		return nil, wrapErr(err, "categories", userID)
	}
	return cats, nil
}

// Commit applies one mutation atomically: list, timestamps, and counters
// move together or not at all.
func (l *Ledger) Commit(ctx context.Context, m *Mutation) error {
	ctx, cancel := l.opCtx(ctx)
	defer cancel()

	now := m.Now.UTC().Format(time.RFC3339Nano)
	listKey := listKeyPrefix + m.UserID
	metaKey := metaKeyPrefix + m.UserID
	tsKey := tsKeyPrefix + m.UserID

	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if len(m.SetIDs) == 0 {
			p.HDel(ctx, listKey, m.CategoryID)
			p.HDel(ctx, metaKey, "count:"+m.CategoryID)
		} else {
			encoded, err := json.Marshal(m.SetIDs)
			if err != nil {
				return err
			}
			p.HSet(ctx, listKey, m.CategoryID, string(encoded))
			p.HSet(ctx, metaKey, "count:"+m.CategoryID, len(m.SetIDs))
		}

		if len(m.Remove) > 0 {
			fields := make([]string, len(m.Remove))
			for i, id := range m.Remove {
				fields[i] = tsField(m.CategoryID, id)
			}
			p.HDel(ctx, tsKey, fields...)
		}
		if m.Assign != "" {
			p.HSet(ctx, tsKey, tsField(m.CategoryID, m.Assign), now)
			p.HSet(ctx, metaKey, "last_assigned:"+m.CategoryID, now)
		}
		for id, ts := range m.RepairTS {
			p.HSet(ctx, tsKey, tsField(m.CategoryID, id), ts.UTC().Format(time.RFC3339Nano))
		}

		p.HSet(ctx, metaKey, "last_updated", now)
		p.HSet(ctx, metaKey, "last_updated:"+m.CategoryID, now)
		if m.Evicted > 0 {
			p.HIncrBy(ctx, metaKey, "evicted_count:"+m.CategoryID, int64(m.Evicted))
			p.HSet(ctx, metaKey, "evicted_at:"+m.CategoryID, now)
		}
		return nil
	})
	if err != nil {
		return wrapErr(err, "commit", m.UserID)
	}
	return nil
}

// Meta returns the user's counter/timestamp map as stored.
func (l *Ledger) Meta(ctx context.Context, userID string) (map[string]string, error) {
	ctx, cancel := l.opCtx(ctx)
	defer cancel()

	fields, err := l.client.HGetAll(ctx, metaKeyPrefix+userID).Result()
	if err != nil {
		return nil, wrapErr(err, "meta", userID)
	}
	return fields, nil
}

// Reset clears every allocation the user has. Administrative.
func (l *Ledger) Reset(ctx context.Context, userID string) error {
	ctx, cancel := l.opCtx(ctx)
	defer cancel()

	err := l.client.Del(ctx, listKeyPrefix+userID, metaKeyPrefix+userID, tsKeyPrefix+userID).Err()
	if err != nil {
		return wrapErr(err, "reset", userID)
	}
	return nil
}

// Ping verifies the ledger store is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	ctx, cancel := l.opCtx(ctx)
	defer cancel()

	if err := l.client.Ping(ctx).Err(); err != nil {
		return wrapErr(err, "ping", "")
	}
	return nil
}
