// Package evict decides which set-ids to drop from a user's per-category
// allocation list. The decision is pure: callers pass a ledger snapshot and
// a clock, the policy returns a plan, and the caller applies it atomically
// with its own writes.
package evict

import "time"

// Reason tags why a set-id was marked for removal.
type Reason string

const (
	ReasonExceededCap Reason = "EXCEEDED_CAP"
	ReasonAgeExpired  Reason = "AGE_EXPIRED"
)

// Limits are the two caps, both runtime-mutable upstream.
type Limits struct {
	MaxSetsPerCategory int
	MaxAgeMonths       int
}

// Removal is one marked set-id.
type Removal struct {
	SetID  string
	Reason Reason
}

// Plan is the outcome of one policy run over one (user, category) list.
type Plan struct {
	Remove []Removal
	Keep   []string
}

// Empty reports whether the plan removes nothing.
func (p Plan) Empty() bool {
	return len(p.Remove) == 0
}

// RemovedIDs returns the marked set-ids in list order.
func (p Plan) RemovedIDs() []string {
	ids := make([]string, len(p.Remove))
	for i, r := range p.Remove {
		ids[i] = r.SetID
	}
	return ids
}

// Horizon returns the age cutoff: assignments strictly older than this are
// expired. The shift is a calendar-month move with time.AddDate semantics
// (month-end overflow normalizes forward).
func Horizon(now time.Time, months int) time.Time {
	return now.AddDate(0, -months, 0)
}

// Compute runs the policy over the ordered list (oldest first) and its
// assignment timestamps.
//
// incoming reserves slots for assignments the caller will append directly
// after applying the plan: the allocate path passes 1 so the list stays
// within the cap after its append, standalone eviction passes 0. Entries
// missing from assignedAt count as assigned now and are never age-expired.
//
// Rules apply in order: the count cap marks the first
// len(setIDs)+incoming-max entries, then the age cap marks any unmarked
// entry with assignedAt before the horizon.
func Compute(setIDs []string, assignedAt map[string]time.Time, now time.Time, lim Limits, incoming int) Plan {
	marked := make([]Reason, len(setIDs))

	if lim.MaxSetsPerCategory > 0 {
		overflow := len(setIDs) + incoming - lim.MaxSetsPerCategory
		if overflow > len(setIDs) {
			overflow = len(setIDs)
		}
		for i := 0; i < overflow; i++ {
			marked[i] = ReasonExceededCap
		}
	}

	if lim.MaxAgeMonths > 0 {
		horizon := Horizon(now, lim.MaxAgeMonths)
		for i, id := range setIDs {
			if marked[i] != "" {
				continue
			}
			ts, ok := assignedAt[id]
			if ok && ts.Before(horizon) {
				marked[i] = ReasonAgeExpired
			}
		}
	}

	var plan Plan
	for i, id := range setIDs {
		if marked[i] != "" {
			plan.Remove = append(plan.Remove, Removal{SetID: id, Reason: marked[i]})
		} else {
			plan.Keep = append(plan.Keep, id)
		}
	}
	return plan
}
