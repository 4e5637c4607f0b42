// Package api exposes the allocation engine over HTTP: the build and
// allocation endpoints, the admin surface, and the health and metrics
// probes.
package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/quizforge/quizforge/internal/alloc"
	"github.com/quizforge/quizforge/internal/builder"
	"github.com/quizforge/quizforge/internal/category"
	"github.com/quizforge/quizforge/internal/config"
	"github.com/quizforge/quizforge/internal/generate"
	"github.com/quizforge/quizforge/internal/jobtracker"
	"github.com/quizforge/quizforge/internal/ledger"
	"github.com/quizforge/quizforge/internal/logging"
	"github.com/quizforge/quizforge/internal/media"
	"github.com/quizforge/quizforge/internal/observability"
	"github.com/quizforge/quizforge/internal/pool"
	"github.com/quizforge/quizforge/internal/ratelimit"
	"github.com/quizforge/quizforge/internal/store"
)

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Store     store.Store
	Pool      *pool.Index
	Ledger    *ledger.Ledger
	Allocator *alloc.Allocator
	Builder   *builder.Builder
	Generate  *generate.Service // optional; nil disables /v1/admin/generate
	Media     *media.Store      // optional; nil skips presigned URLs on merge
	Jobs      *jobtracker.Tracker
	Registry  *category.Registry
	Settings  *config.Settings

	Redis        *redis.Client // rate limit buckets
	RateLimitCfg config.RateLimitConfig
}

// rateLimitedPaths lists the write paths that consume per-user tokens.
// Reads, health probes, and the admin surface stay unmetered.
var rateLimitedPaths = []string{"/v1/allocate", "/v1/merge"}

// StartHTTPServer creates and starts the HTTP server. The returned server is
// already listening; shut it down with (*http.Server).Shutdown.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	mux := http.NewServeMux()

	h := &Handler{
		Store:     cfg.Store,
		Pool:      cfg.Pool,
		Ledger:    cfg.Ledger,
		Allocator: cfg.Allocator,
		Builder:   cfg.Builder,
		Generate:  cfg.Generate,
		Media:     cfg.Media,
		Jobs:      cfg.Jobs,
		Registry:  cfg.Registry,
		Settings:  cfg.Settings,
	}
	h.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = observability.HTTPMiddleware(handler)

	if cfg.RateLimitCfg.Enabled && cfg.Redis != nil {
		backend := ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(cfg.Redis))
		limiter := ratelimit.New(backend, cfg.RateLimitCfg)
		handler = ratelimit.Middleware(limiter, rateLimitedPaths)(handler)
		logging.Op().Info("rate limiting enabled",
			"rate", cfg.RateLimitCfg.Rate,
			"burst", cfg.RateLimitCfg.Burst,
			"paths", rateLimitedPaths,
		)
	}
	handler = withRequestID(handler)

	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()

	return server
}

// withRequestID stamps every request with an id that the allocation audit
// log records, honoring a caller-supplied X-Request-ID.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}
