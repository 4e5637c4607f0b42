package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for quizforge metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	allocationsTotal       *prometheus.CounterVec
	evictionsTotal         *prometheus.CounterVec
	setsBuiltTotal         *prometheus.CounterVec
	builderShortfallsTotal *prometheus.CounterVec
	itemsIngestedTotal     *prometheus.CounterVec
	generationTokensTotal  *prometheus.CounterVec
	generationCostUSD      *prometheus.CounterVec
	mediaUploadsTotal      *prometheus.CounterVec
	rateLimitedTotal       *prometheus.CounterVec

	// Histograms
	allocationDuration *prometheus.HistogramVec
	buildDuration      *prometheus.HistogramVec
	generationDuration *prometheus.HistogramVec

	// Gauges
	uptime         prometheus.GaugeFunc
	poolAvailable  *prometheus.GaugeVec
	activeRequests prometheus.Gauge
}

// Default histogram buckets for allocation duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	// Register default Go and process collectors
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		allocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "allocations_total",
				Help:      "Total allocateNext attempts by category and outcome",
			},
			[]string{"category", "outcome"},
		),

		evictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evictions_total",
				Help:      "Total set-ids evicted from user allocation lists",
			},
			[]string{"category", "reason"},
		),

		setsBuiltTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sets_built_total",
				Help:      "Total question sets assembled by the builder",
			},
			[]string{"category"},
		),

		builderShortfallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builder_shortfalls_total",
				Help:      "Build passes that found fewer unconsumed items than requested",
			},
			[]string{"category"},
		),

		itemsIngestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_ingested_total",
				Help:      "Question items written to the store by result",
			},
			[]string{"category", "result"}, // stored, duplicate
		),

		generationTokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generation_tokens_total",
				Help:      "LLM tokens consumed by question generation",
			},
			[]string{"model", "kind"}, // prompt, completion
		),

		generationCostUSD: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generation_cost_usd_total",
				Help:      "Estimated question generation spend in USD",
			},
			[]string{"model"},
		),

		mediaUploadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "media_uploads_total",
				Help:      "Media objects uploaded by kind",
			},
			[]string{"kind"}, // audio, image
		),

		rateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the per-user rate limiter",
			},
			[]string{"path"},
		),

		allocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "allocation_duration_milliseconds",
				Help:      "Duration of allocateNext calls in milliseconds",
				Buckets:   buckets,
			},
			[]string{"category", "outcome"},
		),

		buildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "build_duration_milliseconds",
				Help:      "Duration of per-category build passes in milliseconds",
				Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 15000, 60000},
			},
			[]string{"category"},
		),

		generationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generation_duration_milliseconds",
				Help:      "Duration of LLM generation calls in milliseconds",
				Buckets:   []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
			},
			[]string{"model"},
		),

		poolAvailable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_available",
				Help:      "Sets currently queued in each category pool",
			},
			[]string{"category"},
		),

		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_requests",
				Help:      "Number of currently active allocation requests",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since quizforge daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.allocationsTotal,
		pm.evictionsTotal,
		pm.setsBuiltTotal,
		pm.builderShortfallsTotal,
		pm.itemsIngestedTotal,
		pm.generationTokensTotal,
		pm.generationCostUSD,
		pm.mediaUploadsTotal,
		pm.rateLimitedTotal,
		pm.allocationDuration,
		pm.buildDuration,
		pm.generationDuration,
		pm.uptime,
		pm.poolAvailable,
		pm.activeRequests,
	)

	promMetrics = pm
}

// RecordPrometheusAllocation records an allocateNext attempt in Prometheus collectors
func RecordPrometheusAllocation(categoryID, outcome string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.allocationsTotal.WithLabelValues(categoryID, outcome).Inc()
	promMetrics.allocationDuration.WithLabelValues(categoryID, outcome).Observe(float64(durationMs))
}

// RecordPrometheusEvictions records evicted set-ids in Prometheus
func RecordPrometheusEvictions(categoryID, reason string, count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.evictionsTotal.WithLabelValues(categoryID, reason).Add(float64(count))
}

// RecordPrometheusSetsBuilt records assembled sets in Prometheus
func RecordPrometheusSetsBuilt(categoryID string, count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.setsBuiltTotal.WithLabelValues(categoryID).Add(float64(count))
}

// RecordPrometheusBuilderShortfall records an under-filled build pass in Prometheus
func RecordPrometheusBuilderShortfall(categoryID string) {
	if promMetrics == nil {
		return
	}
	promMetrics.builderShortfallsTotal.WithLabelValues(categoryID).Inc()
}

// RecordPrometheusItemsIngested records item writes in Prometheus
func RecordPrometheusItemsIngested(categoryID string, stored, deduped int) {
	if promMetrics == nil {
		return
	}
	if stored > 0 {
		promMetrics.itemsIngestedTotal.WithLabelValues(categoryID, "stored").Add(float64(stored))
	}
	if deduped > 0 {
		promMetrics.itemsIngestedTotal.WithLabelValues(categoryID, "duplicate").Add(float64(deduped))
	}
}

// RecordGenerationUsage records LLM token usage and estimated cost
func RecordGenerationUsage(model string, promptTokens, completionTokens int, costUSD float64, duration time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.generationTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	promMetrics.generationTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	if costUSD > 0 {
		promMetrics.generationCostUSD.WithLabelValues(model).Add(costUSD)
	}
	promMetrics.generationDuration.WithLabelValues(model).Observe(float64(duration.Milliseconds()))
}

// RecordMediaUpload records a media object upload
func RecordMediaUpload(kind string) {
	if promMetrics == nil {
		return
	}
	promMetrics.mediaUploadsTotal.WithLabelValues(kind).Inc()
}

// RecordRateLimited records a request rejected with 429
func RecordRateLimited(path string) {
	if promMetrics == nil {
		return
	}
	promMetrics.rateLimitedTotal.WithLabelValues(path).Inc()
}

// RecordBuildDuration records a per-category build pass duration
func RecordBuildDuration(categoryID string, duration time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.buildDuration.WithLabelValues(categoryID).Observe(float64(duration.Milliseconds()))
}

// SetPoolAvailable sets the queued-set gauge for a category pool
func SetPoolAvailable(categoryID string, available int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolAvailable.WithLabelValues(categoryID).Set(float64(available))
}

// IncActiveRequests increments the active requests counter
func IncActiveRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.Inc()
}

// DecActiveRequests decrements the active requests counter
func DecActiveRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.Dec()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}
