// Package scheduler runs named jobs on cron expressions. The daemon uses it
// for the periodic set build.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quizforge/quizforge/internal/logging"
)

// jobTimeout bounds a single scheduled run. Builds touch Postgres and Redis
// only, so minutes of headroom is plenty.
const jobTimeout = 5 * time.Minute

// Scheduler manages cron-scheduled jobs.
type Scheduler struct {
	cron    *cron.Cron
	entries map[string]cron.EntryID // job name -> cron entry ID
	mu      sync.Mutex
}

// New creates a Scheduler. Expressions use the standard five-field form
// plus descriptors like @hourly and @every.
func New() *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers a named job. Re-adding a name replaces its schedule. The job
// receives a context bounded by jobTimeout.
func (s *Scheduler) Add(name, expr string, job func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[name]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, name)
	}

	entryID, err := s.cron.AddFunc(expr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		start := time.Now()
		job(ctx)
		logging.Op().Debug("scheduled job finished",
			"job", name,
			"duration_ms", time.Since(start).Milliseconds())
	})
	if err != nil {
		return err
	}

	s.entries[name] = entryID
	return nil
}

// Remove unregisters a named job.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[name]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, name)
	}
}

// Start begins scheduling in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()
	logging.Op().Info("scheduler started", "jobs", n)
}

// Stop stops scheduling. The returned context closes once any running jobs
// have finished, so shutdown can wait for an in-flight build.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
