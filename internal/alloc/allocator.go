// Package alloc hands out question sets to users. Each draw reads the
// user's allocation record, trims it against the runtime limits, scans the
// category pool front-to-back, and appends the first set the user has never
// held. The pool itself is never mutated by a draw, so every user walks the
// same shared sequence at their own pace.
package alloc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/quizforge/quizforge/internal/config"
	"github.com/quizforge/quizforge/internal/domain"
	"github.com/quizforge/quizforge/internal/evict"
	"github.com/quizforge/quizforge/internal/ledger"
	"github.com/quizforge/quizforge/internal/logging"
	"github.com/quizforge/quizforge/internal/metrics"
	"github.com/quizforge/quizforge/internal/pool"
)

var (
	// ErrInvalidRequest reports caller input that failed validation.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvariantViolation reports ledger state no draw may build on,
	// such as a duplicate set-id inside one allocation list.
	ErrInvariantViolation = errors.New("allocation invariant violation")
)

// FailCode labels a per-category failure inside a batch response.
type FailCode string

const (
	FailNoSetsAvailable    FailCode = "NO_SETS_AVAILABLE"
	FailLedgerUnavailable  FailCode = "LEDGER_UNAVAILABLE"
	FailPoolUnavailable    FailCode = "POOL_UNAVAILABLE"
	FailTimeout            FailCode = "TIMEOUT"
	FailInvariantViolation FailCode = "INVARIANT_VIOLATION"
)

// ClassifyError maps a draw error to its batch failure code.
func ClassifyError(err error) FailCode {
	switch {
	case errors.Is(err, ledger.ErrTimeout), errors.Is(err, pool.ErrTimeout):
		return FailTimeout
	case errors.Is(err, ErrInvariantViolation):
		return FailInvariantViolation
	case errors.Is(err, pool.ErrUnavailable):
		return FailPoolUnavailable
	default:
		return FailLedgerUnavailable
	}
}

// allocNow is the draw clock; tests pin it.
var allocNow = func() time.Time { return time.Now().UTC() }

// EvictedSet is one set removed from a user's list during a draw.
type EvictedSet struct {
	SetID  string `json:"set_id"`
	Reason string `json:"reason"`
}

// Result is the outcome of one draw. SetID is empty when the user already
// holds every pooled set; evictions that happened on the way are still
// reported and already persisted.
type Result struct {
	UserID     string
	CategoryID string
	SetID      string
	AssignedAt time.Time
	Evicted    []EvictedSet
}

// Allocated reports whether the draw assigned a set.
func (r *Result) Allocated() bool {
	return r.SetID != ""
}

// BatchResult aggregates one draw per requested category. A category lands
// in exactly one of Allocated or Failed.
type BatchResult struct {
	UserID    string
	Allocated map[string]string
	Failed    map[string]FailCode
	Evicted   map[string][]EvictedSet
}

// Allocator coordinates draws across the ledger and the category pools.
type Allocator struct {
	ledger   *ledger.Ledger
	pool     *pool.Index
	settings *config.Settings
	locks    *stripedLocks
	audit    *logging.Logger
}

// New creates an allocator. audit may be nil to disable draw logging.
func New(l *ledger.Ledger, p *pool.Index, s *config.Settings, lockStripes int, audit *logging.Logger) *Allocator {
	return &Allocator{
		ledger:   l,
		pool:     p,
		settings: s,
		locks:    newStripedLocks(lockStripes),
		audit:    audit,
	}
}

func (a *Allocator) limits() evict.Limits {
	return evict.Limits{
		MaxSetsPerCategory: a.settings.MaxSetsPerCategory(),
		MaxAgeMonths:       a.settings.MaxAgeMonths(),
	}
}

func (a *Allocator) ageLimits() evict.Limits {
	return evict.Limits{MaxAgeMonths: a.settings.MaxAgeMonths()}
}

func (a *Allocator) capLimits() evict.Limits {
	return evict.Limits{MaxSetsPerCategory: a.settings.MaxSetsPerCategory()}
}

// AllocateNext draws the next unseen set for (user, category). The user's
// list is trimmed first and the trim is committed on its own, so it holds
// even when the draw comes back empty.
func (a *Allocator) AllocateNext(ctx context.Context, userID, categoryID string) (*Result, error) {
	if err := domain.ValidateUserID(userID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if categoryID == "" {
		return nil, fmt.Errorf("%w: category id is required", ErrInvalidRequest)
	}

	start := time.Now()
	mu := a.locks.lock(userID, categoryID)
	res, err := a.allocateLocked(ctx, userID, categoryID)
	mu.Unlock()

	a.observe(ctx, userID, categoryID, res, err, time.Since(start))
	return res, err
}

func (a *Allocator) allocateLocked(ctx context.Context, userID, categoryID string) (*Result, error) {
	now := allocNow()

	rec, err := a.ledger.Category(ctx, userID, categoryID)
	if err != nil {
		if errors.Is(err, ledger.ErrListCorrupt) {
			return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
		}
		return nil, err
	}

	// Expired assignments come off first and are committed on their own, so
	// the trim outlives a draw that finds nothing. An id dropped here goes
	// back into circulation: the pool may hand it to this user again.
	agePlan := evict.Compute(rec.SetIDs, rec.AssignedAt, now, a.ageLimits(), 0)

	res := &Result{UserID: userID, CategoryID: categoryID}
	res.Evicted = appendEvicted(res.Evicted, agePlan)

	if !agePlan.Empty() || len(rec.Repaired) > 0 {
		m := &ledger.Mutation{
			UserID:     userID,
			CategoryID: categoryID,
			SetIDs:     agePlan.Keep,
			Remove:     agePlan.RemovedIDs(),
			RepairTS:   repairsFor(agePlan.Keep, rec),
			Evicted:    len(agePlan.Remove),
			Now:        now,
		}
		if err := a.ledger.Commit(ctx, m); err != nil {
			return nil, err
		}
		a.recordEvictions(categoryID, agePlan)
	}

	queued, err := a.pool.PeekAll(ctx, categoryID)
	if err != nil {
		return nil, err
	}

	held := make(map[string]bool, len(agePlan.Keep))
	for _, id := range agePlan.Keep {
		held[id] = true
	}
	var chosen string
	for _, id := range queued {
		if !held[id] {
			chosen = id
			break
		}
	}

	if chosen == "" {
		// Nothing to assign. The count cap still applies with no slot
		// reserved; it only bites when an operator lowered the cap.
		capPlan := evict.Compute(agePlan.Keep, rec.AssignedAt, now, a.capLimits(), 0)
		if !capPlan.Empty() {
			m := &ledger.Mutation{
				UserID:     userID,
				CategoryID: categoryID,
				SetIDs:     capPlan.Keep,
				Remove:     capPlan.RemovedIDs(),
				Evicted:    len(capPlan.Remove),
				Now:        now,
			}
			if err := a.ledger.Commit(ctx, m); err != nil {
				return nil, err
			}
			a.recordEvictions(categoryID, capPlan)
			res.Evicted = appendEvicted(res.Evicted, capPlan)
		}
		return res, nil
	}

	// One slot is reserved for the chosen set, so an at-cap list rotates
	// out its oldest entry in the same commit that records the draw. The
	// rotated-out id was part of the scan filter above: the draw never
	// hands back the set it is rotating out.
	capPlan := evict.Compute(agePlan.Keep, rec.AssignedAt, now, a.capLimits(), 1)
	list := make([]string, 0, len(capPlan.Keep)+1)
	list = append(list, capPlan.Keep...)
	list = append(list, chosen)
	m := &ledger.Mutation{
		UserID:     userID,
		CategoryID: categoryID,
		SetIDs:     list,
		Remove:     capPlan.RemovedIDs(),
		Assign:     chosen,
		Evicted:    len(capPlan.Remove),
		Now:        now,
	}
	if err := a.ledger.Commit(ctx, m); err != nil {
		return nil, err
	}
	if !capPlan.Empty() {
		a.recordEvictions(categoryID, capPlan)
		res.Evicted = appendEvicted(res.Evicted, capPlan)
	}

	res.SetID = chosen
	res.AssignedAt = now
	return res, nil
}

func appendEvicted(dst []EvictedSet, plan evict.Plan) []EvictedSet {
	for _, rm := range plan.Remove {
		dst = append(dst, EvictedSet{SetID: rm.SetID, Reason: string(rm.Reason)})
	}
	return dst
}

// AllocateBatch draws once per category. Backend trouble in one category
// never fails the others; each failure is reported under its code. Repeated
// category ids collapse to the first occurrence.
func (a *Allocator) AllocateBatch(ctx context.Context, userID string, categories []string) (*BatchResult, error) {
	if err := domain.ValidateUserID(userID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if len(categories) == 0 {
		return nil, fmt.Errorf("%w: categories list is empty", ErrInvalidRequest)
	}

	out := &BatchResult{
		UserID:    userID,
		Allocated: make(map[string]string),
		Failed:    make(map[string]FailCode),
		Evicted:   make(map[string][]EvictedSet),
	}
	seen := make(map[string]bool, len(categories))
	for _, cat := range categories {
		if seen[cat] {
			continue
		}
		seen[cat] = true
		if cat == "" {
			return nil, fmt.Errorf("%w: category id is required", ErrInvalidRequest)
		}

		res, err := a.AllocateNext(ctx, userID, cat)
		if err != nil {
			out.Failed[cat] = ClassifyError(err)
			continue
		}
		if len(res.Evicted) > 0 {
			out.Evicted[cat] = res.Evicted
		}
		if !res.Allocated() {
			out.Failed[cat] = FailNoSetsAvailable
			continue
		}
		out.Allocated[cat] = res.SetID
	}
	return out, nil
}

// EvictUser trims every category the user holds, with no slot reserved for
// an incoming set. Administrative; also the backing for offline cleanups.
func (a *Allocator) EvictUser(ctx context.Context, userID string) (map[string][]EvictedSet, error) {
	if err := domain.ValidateUserID(userID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	cats, err := a.ledger.Categories(ctx, userID)
	if err != nil {
		return nil, err
	}
	sort.Strings(cats)

	out := make(map[string][]EvictedSet)
	for _, cat := range cats {
		removed, err := a.evictCategory(ctx, userID, cat)
		if err != nil {
			return out, err
		}
		if len(removed) > 0 {
			out[cat] = removed
		}
	}
	return out, nil
}

func (a *Allocator) evictCategory(ctx context.Context, userID, categoryID string) ([]EvictedSet, error) {
	mu := a.locks.lock(userID, categoryID)
	defer mu.Unlock()

	now := allocNow()
	rec, err := a.ledger.Category(ctx, userID, categoryID)
	if err != nil {
		if errors.Is(err, ledger.ErrListCorrupt) {
			return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
		}
		return nil, err
	}

	plan := evict.Compute(rec.SetIDs, rec.AssignedAt, now, a.limits(), 0)
	if plan.Empty() && len(rec.Repaired) == 0 {
		return nil, nil
	}

	m := &ledger.Mutation{
		UserID:     userID,
		CategoryID: categoryID,
		SetIDs:     plan.Keep,
		Remove:     plan.RemovedIDs(),
		RepairTS:   repairsFor(plan.Keep, rec),
		Evicted:    len(plan.Remove),
		Now:        now,
	}
	if err := a.ledger.Commit(ctx, m); err != nil {
		return nil, err
	}
	a.recordEvictions(categoryID, plan)

	return appendEvicted(nil, plan), nil
}

// repairsFor returns read-time timestamps for kept ids whose stored
// timestamp was missing, so the next read sees them as real assignments.
func repairsFor(keep []string, rec *ledger.CategoryRecord) map[string]time.Time {
	if len(rec.Repaired) == 0 {
		return nil
	}
	kept := make(map[string]bool, len(keep))
	for _, id := range keep {
		kept[id] = true
	}
	repairs := make(map[string]time.Time)
	for _, id := range rec.Repaired {
		if kept[id] {
			repairs[id] = rec.AssignedAt[id]
		}
	}
	if len(repairs) == 0 {
		return nil
	}
	return repairs
}

func (a *Allocator) recordEvictions(categoryID string, plan evict.Plan) {
	counts := make(map[evict.Reason]int)
	for _, rm := range plan.Remove {
		counts[rm.Reason]++
	}
	for reason, n := range counts {
		metrics.Global().RecordEvictions(categoryID, string(reason), n)
	}
}

func (a *Allocator) observe(ctx context.Context, userID, categoryID string, res *Result, err error, elapsed time.Duration) {
	outcome := metrics.OutcomeAllocated
	switch {
	case err != nil:
		outcome = metrics.OutcomeFailed
	case res == nil || !res.Allocated():
		outcome = metrics.OutcomeExhausted
	}
	metrics.Global().RecordAllocation(categoryID, elapsed.Milliseconds(), outcome)

	if a.audit == nil {
		return
	}
	entry := &logging.AllocationLog{
		RequestID:  logging.RequestIDFrom(ctx),
		UserID:     userID,
		Category:   categoryID,
		DurationMs: elapsed.Milliseconds(),
		Success:    err == nil,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		entry.TraceID = sc.TraceID().String()
	}
	if res != nil {
		entry.SetID = res.SetID
		entry.Evicted = len(res.Evicted)
	}
	if err != nil {
		entry.Error = err.Error()
		entry.Reason = string(ClassifyError(err))
	} else if res != nil && !res.Allocated() {
		entry.Reason = string(FailNoSetsAvailable)
	}
	a.audit.Log(entry)
}
