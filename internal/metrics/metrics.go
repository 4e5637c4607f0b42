package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Allocation outcomes.
const (
	OutcomeAllocated = "allocated"
	OutcomeExhausted = "exhausted"
	OutcomeFailed    = "failed"
)

// hourlyBuckets is the width of the rolling time-series window.
const hourlyBuckets = 24

// Metrics collects and exposes quizforge runtime metrics
type Metrics struct {
	TotalAllocations     atomic.Int64
	AllocatedAllocations atomic.Int64
	ExhaustedAllocations atomic.Int64
	FailedAllocations    atomic.Int64

	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	EvictionsCap atomic.Int64
	EvictionsAge atomic.Int64

	SetsBuilt         atomic.Int64
	BuilderShortfalls atomic.Int64
	ItemsStored       atomic.Int64
	ItemsDeduped      atomic.Int64

	catMetrics sync.Map // categoryID -> *CategoryMetrics

	timeSeriesMu sync.RWMutex
	timeSeries   []*TimeSeriesBucket

	startTime time.Time
}

// CategoryMetrics tracks metrics for a single content category
type CategoryMetrics struct {
	Allocations atomic.Int64
	Allocated   atomic.Int64
	Exhausted   atomic.Int64
	Failures    atomic.Int64
	Evictions   atomic.Int64
	SetsBuilt   atomic.Int64
	TotalMs     atomic.Int64
	MinMs       atomic.Int64
	MaxMs       atomic.Int64
}

// TimeSeriesBucket accumulates one hour of allocation activity.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Allocations  int64
	Errors       int64
	TotalLatency int64
	Count        int64
}

var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(math.MaxInt64)
	global.resetBuckets(time.Now().Truncate(time.Hour))
}

// Global returns the global metrics instance
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized
func StartTime() time.Time {
	return global.startTime
}

// RecordAllocation records one allocateNext attempt for a category.
func (m *Metrics) RecordAllocation(categoryID string, durationMs int64, outcome string) {
	m.TotalAllocations.Add(1)
	switch outcome {
	case OutcomeAllocated:
		m.AllocatedAllocations.Add(1)
	case OutcomeExhausted:
		m.ExhaustedAllocations.Add(1)
	default:
		m.FailedAllocations.Add(1)
	}
	m.TotalLatencyMs.Add(durationMs)
	storeMin(&m.MinLatencyMs, durationMs)
	storeMax(&m.MaxLatencyMs, durationMs)

	cm := m.category(categoryID)
	cm.Allocations.Add(1)
	switch outcome {
	case OutcomeAllocated:
		cm.Allocated.Add(1)
	case OutcomeExhausted:
		cm.Exhausted.Add(1)
	default:
		cm.Failures.Add(1)
	}
	cm.TotalMs.Add(durationMs)
	storeMin(&cm.MinMs, durationMs)
	storeMax(&cm.MaxMs, durationMs)

	m.recordTimeSeries(durationMs, outcome == OutcomeFailed)

	RecordPrometheusAllocation(categoryID, outcome, durationMs)
}

// RecordEvictions records set removals from a user's allocation list.
func (m *Metrics) RecordEvictions(categoryID, reason string, count int) {
	if count <= 0 {
		return
	}
	switch reason {
	case "AGE_EXPIRED":
		m.EvictionsAge.Add(int64(count))
	default:
		m.EvictionsCap.Add(int64(count))
	}
	m.category(categoryID).Evictions.Add(int64(count))

	RecordPrometheusEvictions(categoryID, reason, count)
}

// RecordSetsBuilt records question sets assembled by the builder.
func (m *Metrics) RecordSetsBuilt(categoryID string, count int) {
	if count <= 0 {
		return
	}
	m.SetsBuilt.Add(int64(count))
	m.category(categoryID).SetsBuilt.Add(int64(count))
	RecordPrometheusSetsBuilt(categoryID, count)
}

// RecordBuilderShortfall records a build pass that found too few items.
func (m *Metrics) RecordBuilderShortfall(categoryID string) {
	m.BuilderShortfalls.Add(1)
	RecordPrometheusBuilderShortfall(categoryID)
}

// RecordItemsIngested records item writes split into stored vs duplicate.
func (m *Metrics) RecordItemsIngested(categoryID string, stored, deduped int) {
	if stored > 0 {
		m.ItemsStored.Add(int64(stored))
	}
	if deduped > 0 {
		m.ItemsDeduped.Add(int64(deduped))
	}
	RecordPrometheusItemsIngested(categoryID, stored, deduped)
}

func (m *Metrics) category(categoryID string) *CategoryMetrics {
	if v, ok := m.catMetrics.Load(categoryID); ok {
		return v.(*CategoryMetrics)
	}
	cm := &CategoryMetrics{}
	cm.MinMs.Store(math.MaxInt64)
	actual, _ := m.catMetrics.LoadOrStore(categoryID, cm)
	return actual.(*CategoryMetrics)
}

func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	m.rotateLocked(time.Now().Truncate(time.Hour))

	b := m.timeSeries[len(m.timeSeries)-1]
	b.Allocations++
	b.TotalLatency += durationMs
	b.Count++
	if isError {
		b.Errors++
	}
}

// rotateLocked advances the window so the last bucket covers now.
func (m *Metrics) rotateLocked(now time.Time) {
	last := m.timeSeries[len(m.timeSeries)-1].Timestamp
	gap := int(now.Sub(last).Hours())
	switch {
	case gap <= 0:
		return
	case gap >= hourlyBuckets:
		m.resetBuckets(now)
	default:
		m.timeSeries = m.timeSeries[gap:]
		for i := 1; i <= gap; i++ {
			m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
				Timestamp: last.Add(time.Duration(i) * time.Hour),
			})
		}
	}
}

func (m *Metrics) resetBuckets(now time.Time) {
	m.timeSeries = make([]*TimeSeriesBucket, hourlyBuckets)
	for i := range m.timeSeries {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i+1-hourlyBuckets) * time.Hour),
		}
	}
}

// statsSnapshot is the /stats payload.
type statsSnapshot struct {
	UptimeSeconds int64                       `json:"uptime_seconds"`
	Allocations   allocationTotals            `json:"allocations"`
	LatencyMs     latencySummary              `json:"latency_ms"`
	Evictions     evictionTotals              `json:"evictions"`
	Builder       builderTotals               `json:"builder"`
	Categories    map[string]categorySnapshot `json:"categories"`
}

type allocationTotals struct {
	Total     int64 `json:"total"`
	Allocated int64 `json:"allocated"`
	Exhausted int64 `json:"exhausted"`
	Failed    int64 `json:"failed"`
}

type latencySummary struct {
	Avg float64 `json:"avg"`
	Min int64   `json:"min"`
	Max int64   `json:"max"`
}

type evictionTotals struct {
	ExceededCap int64 `json:"exceeded_cap"`
	AgeExpired  int64 `json:"age_expired"`
}

type builderTotals struct {
	SetsBuilt    int64 `json:"sets_built"`
	Shortfalls   int64 `json:"shortfalls"`
	ItemsStored  int64 `json:"items_stored"`
	ItemsDeduped int64 `json:"items_deduped"`
}

type categorySnapshot struct {
	Allocations int64   `json:"allocations"`
	Allocated   int64   `json:"allocated"`
	Exhausted   int64   `json:"exhausted"`
	Failures    int64   `json:"failures"`
	Evictions   int64   `json:"evictions"`
	SetsBuilt   int64   `json:"sets_built"`
	AvgMs       float64 `json:"avg_ms"`
	MinMs       int64   `json:"min_ms"`
	MaxMs       int64   `json:"max_ms"`
}

func (m *Metrics) snapshot() statsSnapshot {
	total := m.TotalAllocations.Load()
	s := statsSnapshot{
		UptimeSeconds: int64(time.Since(m.startTime).Seconds()),
		Allocations: allocationTotals{
			Total:     total,
			Allocated: m.AllocatedAllocations.Load(),
			Exhausted: m.ExhaustedAllocations.Load(),
			Failed:    m.FailedAllocations.Load(),
		},
		LatencyMs: latencySummary{
			Min: m.MinLatencyMs.Load(),
			Max: m.MaxLatencyMs.Load(),
		},
		Evictions: evictionTotals{
			ExceededCap: m.EvictionsCap.Load(),
			AgeExpired:  m.EvictionsAge.Load(),
		},
		Builder: builderTotals{
			SetsBuilt:    m.SetsBuilt.Load(),
			Shortfalls:   m.BuilderShortfalls.Load(),
			ItemsStored:  m.ItemsStored.Load(),
			ItemsDeduped: m.ItemsDeduped.Load(),
		},
		Categories: make(map[string]categorySnapshot),
	}
	if total > 0 {
		s.LatencyMs.Avg = float64(m.TotalLatencyMs.Load()) / float64(total)
	}
	if s.LatencyMs.Min == math.MaxInt64 {
		s.LatencyMs.Min = 0
	}

	m.catMetrics.Range(func(key, value interface{}) bool {
		cm := value.(*CategoryMetrics)
		cs := categorySnapshot{
			Allocations: cm.Allocations.Load(),
			Allocated:   cm.Allocated.Load(),
			Exhausted:   cm.Exhausted.Load(),
			Failures:    cm.Failures.Load(),
			Evictions:   cm.Evictions.Load(),
			SetsBuilt:   cm.SetsBuilt.Load(),
			MinMs:       cm.MinMs.Load(),
			MaxMs:       cm.MaxMs.Load(),
		}
		if cs.Allocations > 0 {
			cs.AvgMs = float64(cm.TotalMs.Load()) / float64(cs.Allocations)
		}
		if cs.MinMs == math.MaxInt64 {
			cs.MinMs = 0
		}
		s.Categories[key.(string)] = cs
		return true
	})

	return s
}

// JSONHandler serves the /stats snapshot.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.snapshot())
	})
}

type bucketSnapshot struct {
	Timestamp   string  `json:"timestamp"`
	Allocations int64   `json:"allocations"`
	Errors      int64   `json:"errors"`
	AvgDuration float64 `json:"avg_duration"`
}

// TimeSeriesHandler serves the rolling hourly allocation counts.
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.timeSeriesMu.RLock()
		out := make([]bucketSnapshot, len(m.timeSeries))
		for i, b := range m.timeSeries {
			out[i] = bucketSnapshot{
				Timestamp:   b.Timestamp.Format(time.RFC3339),
				Allocations: b.Allocations,
				Errors:      b.Errors,
			}
			if b.Count > 0 {
				out[i].AvgDuration = float64(b.TotalLatency) / float64(b.Count)
			}
		}
		m.timeSeriesMu.RUnlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	})
}

func storeMin(v *atomic.Int64, x int64) {
	for cur := v.Load(); x < cur; cur = v.Load() {
		if v.CompareAndSwap(cur, x) {
			return
		}
	}
}

func storeMax(v *atomic.Int64, x int64) {
	for cur := v.Load(); x > cur; cur = v.Load() {
		if v.CompareAndSwap(cur, x) {
			return
		}
	}
}
