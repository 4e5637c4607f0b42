package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/quizforge/quizforge/internal/alloc"
	"github.com/quizforge/quizforge/internal/builder"
	"github.com/quizforge/quizforge/internal/category"
	"github.com/quizforge/quizforge/internal/config"
	"github.com/quizforge/quizforge/internal/domain"
	"github.com/quizforge/quizforge/internal/generate"
	"github.com/quizforge/quizforge/internal/jobtracker"
	"github.com/quizforge/quizforge/internal/ledger"
	"github.com/quizforge/quizforge/internal/logging"
	"github.com/quizforge/quizforge/internal/media"
	"github.com/quizforge/quizforge/internal/metrics"
	"github.com/quizforge/quizforge/internal/observability"
	"github.com/quizforge/quizforge/internal/pool"
	"github.com/quizforge/quizforge/internal/store"
)

// asyncJobTimeout bounds one API-triggered build or generation pass.
// Generation waits on an LLM provider per category, so the headroom is
// generous; the scheduler's own builds run under a tighter deadline.
const asyncJobTimeout = 30 * time.Minute

// Handler serves the HTTP API.
type Handler struct {
	Store     store.Store
	Pool      *pool.Index
	Ledger    *ledger.Ledger
	Allocator *alloc.Allocator
	Builder   *builder.Builder
	Generate  *generate.Service
	Media     *media.Store
	Jobs      *jobtracker.Tracker
	Registry  *category.Registry
	Settings  *config.Settings
}

// RegisterRoutes registers all API routes on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sets/generate", h.BuildSets)
	mux.HandleFunc("POST /v1/allocate", h.Allocate)
	mux.HandleFunc("POST /v1/merge", h.Merge)
	mux.HandleFunc("GET /v1/pools", h.PoolList)
	mux.HandleFunc("GET /v1/pools/{category}", h.PoolStats)

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /health/live", h.HealthLive)
	mux.HandleFunc("GET /health/ready", h.HealthReady)
	mux.HandleFunc("GET /health/startup", h.HealthStartup)

	mux.Handle("GET /stats", metrics.Global().JSONHandler())
	mux.Handle("GET /stats/timeseries", metrics.Global().TimeSeriesHandler())
	mux.Handle("GET /metrics", metrics.PrometheusHandler())

	h.registerAdminRoutes(mux)
}

// AllocateSummary totals one batch response.
type AllocateSummary struct {
	Requested  int `json:"requested"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// AllocateResponse is the body of POST /v1/allocate.
type AllocateResponse struct {
	UserID     string                        `json:"user_id"`
	Successful map[string]string             `json:"successful"`
	Failed     map[string]string             `json:"failed"`
	Evicted    map[string][]alloc.EvictedSet `json:"evicted,omitempty"`
	Summary    AllocateSummary               `json:"summary"`
}

// MergeItem is one materialized content item in a merge response.
type MergeItem struct {
	ID         string          `json:"id"`
	CategoryID string          `json:"category_id"`
	Question   domain.Question `json:"question"`
	AudioURL   string          `json:"audio_url,omitempty"`
	ImageURL   string          `json:"image_url,omitempty"`
}

// MergeCategory is the per-category slice of a merge response.
type MergeCategory struct {
	SetID     string      `json:"set_id"`
	ItemCount int         `json:"item_count"`
	Items     []MergeItem `json:"items"`
}

// MergeResponse is the body of POST /v1/merge.
type MergeResponse struct {
	UserID     string                   `json:"user_id"`
	Categories map[string]MergeCategory `json:"categories"`
	Failed     map[string]string        `json:"failed,omitempty"`
	AllItems   []MergeItem              `json:"all_items"`
}

// PoolResponse is the body of GET /v1/pools/{category}.
type PoolResponse struct {
	CategoryID string `json:"category_id"`
	domain.PoolStats
}

// BuildSets handles POST /v1/sets/generate. The pass runs asynchronously;
// the response carries the job id to poll.
func (h *Handler) BuildSets(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NumSetsPerCategory int      `json:"num_sets_per_category"`
		ItemsPerSet        int      `json:"items_per_set"`
		Categories         []string `json:"categories"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.NumSetsPerCategory <= 0 {
		http.Error(w, fmt.Sprintf("num_sets_per_category must be positive, got %d", req.NumSetsPerCategory), http.StatusBadRequest)
		return
	}
	if req.ItemsPerSet <= 0 {
		http.Error(w, fmt.Sprintf("items_per_set must be positive, got %d", req.ItemsPerSet), http.StatusBadRequest)
		return
	}
	for _, id := range req.Categories {
		if !h.Registry.Known(id) {
			http.Error(w, fmt.Sprintf("unknown category %q", id), http.StatusBadRequest)
			return
		}
	}

	params := builder.Params{
		NumSetsPerCategory: req.NumSetsPerCategory,
		ItemsPerSet:        req.ItemsPerSet,
		Categories:         req.Categories,
	}
	job := h.Jobs.Start(jobtracker.KindBuild)
	tc := observability.ExtractTraceContext(r.Context())
	go h.runBuild(tc, job.ID, params)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"accepted": true,
		"params":   params,
		"job_id":   job.ID,
	})
}

// runBuild executes one build pass detached from the request, parented to
// the request span through the carried trace context.
func (h *Handler) runBuild(tc observability.TraceContext, jobID string, params builder.Params) {
	ctx, cancel := context.WithTimeout(context.Background(), asyncJobTimeout)
	defer cancel()
	ctx = observability.InjectTraceContext(ctx, tc)
	ctx, span := observability.StartSpan(ctx, "builder.build_async", observability.AttrJobID.String(jobID))
	defer span.End()

	h.Jobs.Update(jobID, 5, "build running")
	rep, err := h.Builder.BuildAll(ctx, params)
	if err != nil {
		observability.SetSpanError(span, err)
		h.Jobs.Fail(jobID, err.Error())
		return
	}
	span.SetAttributes(observability.AttrRunID.String(rep.RunID))
	observability.SetSpanOK(span)

	result, _ := json.Marshal(rep)
	h.Jobs.Complete(jobID, result)
}

// Allocate handles POST /v1/allocate: one draw per requested category, with
// per-category failures aggregated rather than failing the batch.
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	metrics.IncActiveRequests()
	defer metrics.DecActiveRequests()

	req, ok := h.decodeAllocRequest(w, r)
	if !ok {
		return
	}

	res, err := h.Allocator.AllocateBatch(r.Context(), req.UserID, req.CategoryIDs)
	if err != nil {
		// AllocateBatch only errors on rejected input; backend trouble
		// lands in the per-category failed map.
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := AllocateResponse{
		UserID:     res.UserID,
		Successful: res.Allocated,
		Failed:     make(map[string]string, len(res.Failed)),
		Evicted:    res.Evicted,
		Summary: AllocateSummary{
			Requested:  len(req.CategoryIDs),
			Successful: len(res.Allocated),
			Failed:     len(res.Failed),
		},
	}
	for cat, code := range res.Failed {
		resp.Failed[cat] = string(code)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Merge handles POST /v1/merge: draw one set per category and join it with
// the catalog and the content store so the caller gets the actual items.
func (h *Handler) Merge(w http.ResponseWriter, r *http.Request) {
	metrics.IncActiveRequests()
	defer metrics.DecActiveRequests()

	req, ok := h.decodeAllocRequest(w, r)
	if !ok {
		return
	}

	res, err := h.Allocator.AllocateBatch(r.Context(), req.UserID, req.CategoryIDs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := MergeResponse{
		UserID:     res.UserID,
		Categories: make(map[string]MergeCategory, len(res.Allocated)),
		Failed:     make(map[string]string, len(res.Failed)),
		AllItems:   []MergeItem{},
	}
	for cat, code := range res.Failed {
		resp.Failed[cat] = string(code)
	}
	for cat, setID := range res.Allocated {
		mc, err := h.materializeSet(r.Context(), setID)
		if err != nil {
			// The draw is already committed; report the category as
			// unreadable rather than rolling anything back.
			logging.Op().Warn("merge: materialize set",
				"user_id", req.UserID, "category_id", cat, "set_id", setID, "error", err)
			resp.Failed[cat] = "CONTENT_UNAVAILABLE"
			continue
		}
		resp.Categories[cat] = mc
		resp.AllItems = append(resp.AllItems, mc.Items...)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// materializeSet loads a set's items and attaches presigned media URLs when
// a media store is configured.
func (h *Handler) materializeSet(ctx context.Context, setID string) (MergeCategory, error) {
	set, err := h.Store.GetSet(ctx, setID)
	if err != nil {
		return MergeCategory{}, fmt.Errorf("set catalog: %w", err)
	}
	items, err := h.Store.GetItems(ctx, set.Refs)
	if err != nil {
		return MergeCategory{}, fmt.Errorf("content store: %w", err)
	}

	mc := MergeCategory{
		SetID:     setID,
		ItemCount: len(items),
		Items:     make([]MergeItem, 0, len(items)),
	}
	for _, it := range items {
		mi := MergeItem{
			ID:         it.ID,
			CategoryID: it.CategoryID,
			Question:   it.Question,
		}
		if h.Media != nil {
			mi.AudioURL = h.presign(ctx, it.Question.AudioKey)
			mi.ImageURL = h.presign(ctx, it.Question.ImageKey)
		}
		mc.Items = append(mc.Items, mi)
	}
	return mc, nil
}

// presign returns a presigned GET URL for key, or "" when the key is empty
// or signing fails. Items still merge without their media.
func (h *Handler) presign(ctx context.Context, key string) string {
	if key == "" {
		return ""
	}
	url, err := h.Media.PresignGet(ctx, key)
	if err != nil {
		logging.Op().Warn("presign media", "key", key, "error", err)
		return ""
	}
	return url
}

type allocRequest struct {
	UserID      string   `json:"user_id"`
	CategoryIDs []string `json:"category_ids"`
}

// decodeAllocRequest decodes and validates the shared allocate/merge body,
// writing the 400 itself when the request is rejected.
func (h *Handler) decodeAllocRequest(w http.ResponseWriter, r *http.Request) (allocRequest, bool) {
	var req allocRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return req, false
	}
	if err := domain.ValidateUserID(req.UserID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return req, false
	}
	if len(req.CategoryIDs) == 0 {
		http.Error(w, "category_ids must be a non-empty array", http.StatusBadRequest)
		return req, false
	}
	for _, id := range req.CategoryIDs {
		if !h.Registry.Known(id) {
			http.Error(w, fmt.Sprintf("unknown category %q", id), http.StatusBadRequest)
			return req, false
		}
	}
	return req, true
}

// PoolStats handles GET /v1/pools/{category}.
func (h *Handler) PoolStats(w http.ResponseWriter, r *http.Request) {
	categoryID := r.PathValue("category")
	if !h.Registry.Known(categoryID) {
		http.Error(w, fmt.Sprintf("unknown category %q", categoryID), http.StatusNotFound)
		return
	}

	stats, err := h.Pool.Metadata(r.Context(), categoryID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(PoolResponse{
		CategoryID: categoryID,
		PoolStats:  *stats,
	})
}

// PoolList handles GET /v1/pools: metadata for every registered category.
func (h *Handler) PoolList(w http.ResponseWriter, r *http.Request) {
	pools := make([]PoolResponse, 0, h.Registry.Len())
	for _, categoryID := range h.Registry.IDs() {
		stats, err := h.Pool.Metadata(r.Context(), categoryID)
		if err != nil {
			http.Error(w, fmt.Sprintf("pool %s: %v", categoryID, err), http.StatusInternalServerError)
			return
		}
		pools = append(pools, PoolResponse{
			CategoryID: categoryID,
			PoolStats:  *stats,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"pools": pools,
		"count": len(pools),
	})
}

// Health handles GET /health: a detailed component check.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	pgOK := h.Store.Ping(ctx) == nil
	redisOK := h.Ledger.Ping(ctx) == nil

	status := "ok"
	if !pgOK || !redisOK {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"components": map[string]interface{}{
			"postgres":   pgOK,
			"redis":      redisOK,
			"categories": h.Registry.Len(),
			"generation": h.Generate != nil && h.Generate.Enabled(),
			"media":      h.Media != nil,
		},
		"uptime_seconds": int64(time.Since(metrics.StartTime()).Seconds()),
	})
}

// HealthLive handles GET /health/live - Kubernetes liveness probe
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HealthReady handles GET /health/ready - Kubernetes readiness probe
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.Store.Ping(ctx); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "not_ready",
			"error":  "postgres unavailable: " + err.Error(),
		})
		return
	}

	if err := h.Ledger.Ping(ctx); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "not_ready",
			"error":  "redis unavailable: " + err.Error(),
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HealthStartup handles GET /health/startup - Kubernetes startup probe
func (h *Handler) HealthStartup(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Store.Ping(ctx); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "starting",
			"error":  "waiting for postgres: " + err.Error(),
		})
		return
	}

	if err := h.Ledger.Ping(ctx); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "starting",
			"error":  "waiting for redis: " + err.Error(),
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "started"})
}

// runGeneration executes one generation pass detached from the request.
func (h *Handler) runGeneration(tc observability.TraceContext, jobID string, params generate.Params) {
	ctx, cancel := context.WithTimeout(context.Background(), asyncJobTimeout)
	defer cancel()
	ctx = observability.InjectTraceContext(ctx, tc)
	ctx, span := observability.StartSpan(ctx, "generate.run_async", observability.AttrJobID.String(jobID))
	defer span.End()

	h.Jobs.Update(jobID, 5, "generation running")
	rep, err := h.Generate.GenerateAll(ctx, params)
	if err != nil {
		observability.SetSpanError(span, err)
		h.Jobs.Fail(jobID, err.Error())
		return
	}
	span.SetAttributes(observability.AttrRunID.String(rep.RunID))
	observability.SetSpanOK(span)

	result, _ := json.Marshal(rep)
	h.Jobs.Complete(jobID, result)
}
