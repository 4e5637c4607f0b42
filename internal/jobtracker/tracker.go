// Package jobtracker keeps in-memory progress for async build and
// generation jobs kicked off over the API. Entries are ephemeral: a restart
// loses them, and the run history table stays the durable record.
package jobtracker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State of a tracked job.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Job kinds.
const (
	KindBuild      = "build"
	KindGeneration = "generation"
)

// Job is the progress record for one async job.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	State      State           `json:"state"`
	Percent    int             `json:"percent"` // 0-100
	Message    string          `json:"message"`
	StartedAt  time.Time       `json:"started_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// abandonedAfter bounds how long a job may sit without an update before the
// cleanup loop assumes its goroutine died and prunes the entry.
const abandonedAfter = 24 * time.Hour

// Tracker maintains in-memory job records with TTL cleanup of finished
// entries.
type Tracker struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	ttl     time.Duration // how long finished entries stay queryable
	maxSize int           // hard cap on tracked entries (0 = unlimited)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a job tracker and starts its cleanup loop.
func New(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	t := &Tracker{
		jobs:    make(map[string]*Job),
		ttl:     ttl,
		maxSize: 10000,
		stopCh:  make(chan struct{}),
	}
	go t.cleanupLoop()
	return t
}

// Start registers a new running job and returns its record.
func (t *Tracker) Start(kind string) *Job {
	now := time.Now()
	job := &Job{
		ID:        "job-" + uuid.NewString()[:8],
		Kind:      kind,
		State:     StateRunning,
		StartedAt: now,
		UpdatedAt: now,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxSize > 0 && len(t.jobs) >= t.maxSize {
		t.evictOldestFinishedLocked()
	}
	if t.maxSize > 0 && len(t.jobs) >= t.maxSize {
		// Every slot holds a running job. Hand the caller its record
		// untracked rather than evicting live progress.
		cp := *job
		return &cp
	}

	t.jobs[job.ID] = job
	cp := *job
	return &cp
}

// Update sets the progress for a running job. Unknown ids are ignored.
func (t *Tracker) Update(jobID string, percent int, message string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[jobID]
	if !ok || j.FinishedAt != nil {
		return
	}
	j.Percent = percent
	j.Message = message
	j.UpdatedAt = time.Now()
}

// Complete marks a job succeeded and attaches its result payload.
func (t *Tracker) Complete(jobID string, result json.RawMessage) {
	t.finish(jobID, StateSucceeded, result, "")
}

// Fail marks a job failed with an error message.
func (t *Tracker) Fail(jobID string, errMsg string) {
	t.finish(jobID, StateFailed, nil, errMsg)
}

func (t *Tracker) finish(jobID string, state State, result json.RawMessage, errMsg string) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[jobID]
	if !ok || j.FinishedAt != nil {
		return
	}
	j.State = state
	j.Result = result
	j.Error = errMsg
	if state == StateSucceeded {
		j.Percent = 100
	}
	j.UpdatedAt = now
	j.FinishedAt = &now
}

// Get returns a copy of the job record, or nil if not tracked.
func (t *Tracker) Get(jobID string) *Job {
	t.mu.RLock()
	defer t.mu.RUnlock()

	j, ok := t.jobs[jobID]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

// List returns copies of all tracked job records.
func (t *Tracker) List() []*Job {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		cp := *j
		out = append(out, &cp)
	}
	return out
}

// Close stops the cleanup loop.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

func (t *Tracker) cleanupLoop() {
	ticker := time.NewTicker(t.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.cleanupOnce(time.Now())
		}
	}
}

// cleanupOnce prunes finished jobs past the TTL and running jobs that
// stopped updating long enough ago to be presumed dead.
func (t *Tracker) cleanupOnce(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, j := range t.jobs {
		switch {
		case j.FinishedAt != nil && now.Sub(*j.FinishedAt) > t.ttl:
			delete(t.jobs, id)
		case j.FinishedAt == nil && now.Sub(j.UpdatedAt) > abandonedAfter:
			delete(t.jobs, id)
		}
	}
}

// evictOldestFinishedLocked frees one slot by dropping the oldest finished
// entry. Caller holds t.mu.
func (t *Tracker) evictOldestFinishedLocked() {
	var oldestID string
	var oldest time.Time
	for id, j := range t.jobs {
		if j.FinishedAt == nil {
			continue
		}
		if oldestID == "" || j.FinishedAt.Before(oldest) {
			oldestID = id
			oldest = *j.FinishedAt
		}
	}
	if oldestID != "" {
		delete(t.jobs, oldestID)
	}
}
