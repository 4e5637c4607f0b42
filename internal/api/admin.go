package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/quizforge/quizforge/internal/alloc"
	"github.com/quizforge/quizforge/internal/config"
	"github.com/quizforge/quizforge/internal/domain"
	"github.com/quizforge/quizforge/internal/generate"
	"github.com/quizforge/quizforge/internal/jobtracker"
	"github.com/quizforge/quizforge/internal/logging"
	"github.com/quizforge/quizforge/internal/metrics"
	"github.com/quizforge/quizforge/internal/observability"
	"github.com/quizforge/quizforge/internal/store"
)

func (h *Handler) registerAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/admin/pools/{category}/drain", h.DrainPool)
	mux.HandleFunc("DELETE /v1/admin/pools/{category}", h.DropPool)
	mux.HandleFunc("GET /v1/admin/users/{user}", h.ShowUser)
	mux.HandleFunc("POST /v1/admin/users/{user}/evict", h.EvictUser)
	mux.HandleFunc("DELETE /v1/admin/users/{user}", h.ResetUser)
	mux.HandleFunc("GET /v1/admin/limits", h.GetLimits)
	mux.HandleFunc("PUT /v1/admin/limits", h.PutLimits)
	mux.HandleFunc("POST /v1/admin/generate", h.GenerateQuestions)
	mux.HandleFunc("GET /v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("GET /v1/runs", h.ListRuns)
	mux.HandleFunc("GET /v1/runs/{id}", h.GetRun)
}

// DrainResponse is the body of POST /v1/admin/pools/{category}/drain.
type DrainResponse struct {
	CategoryID string   `json:"category_id"`
	Drained    int      `json:"drained"`
	SetIDs     []string `json:"set_ids"`
}

// UserCategory is one category slice of a user's allocation record. The
// timestamps stay zero for a category whose list is empty.
type UserCategory struct {
	CategoryID string    `json:"category_id"`
	SetIDs     []string  `json:"set_ids"`
	OldestAt   time.Time `json:"oldest_at"`
	NewestAt   time.Time `json:"newest_at"`
}

// UserResponse is the body of GET /v1/admin/users/{user}.
type UserResponse struct {
	UserID     string         `json:"user_id"`
	Categories []UserCategory `json:"categories"`
	TotalSets  int            `json:"total_sets"`
}

// EvictResponse is the body of POST /v1/admin/users/{user}/evict.
type EvictResponse struct {
	UserID       string                        `json:"user_id"`
	Evicted      map[string][]alloc.EvictedSet `json:"evicted"`
	TotalEvicted int                           `json:"total_evicted"`
}

// LimitsResponse is the body of GET and PUT /v1/admin/limits.
type LimitsResponse struct {
	MaxSetsPerCategory int `json:"max_sets_per_category"`
	MaxAgeMonths       int `json:"max_age_months"`
}

// DrainPool handles POST /v1/admin/pools/{category}/drain: dequeue up to
// count set-ids. Runs under the category advisory lock so a concurrent
// builder pass cannot interleave.
func (h *Handler) DrainPool(w http.ResponseWriter, r *http.Request) {
	categoryID := r.PathValue("category")
	if !h.Registry.Known(categoryID) {
		http.Error(w, fmt.Sprintf("unknown category %q", categoryID), http.StatusNotFound)
		return
	}

	var req struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Count <= 0 {
		http.Error(w, fmt.Sprintf("count must be positive, got %d", req.Count), http.StatusBadRequest)
		return
	}

	drained := []string{}
	err := h.Store.WithCategoryLock(r.Context(), categoryID, func(ctx context.Context) error {
		for i := 0; i < req.Count; i++ {
			setID, ok, err := h.Pool.DequeueOne(ctx, categoryID)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			drained = append(drained, setID)
		}
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.refreshPoolGauge(r.Context(), categoryID)
	logging.Op().Info("pool drained", "category_id", categoryID, "requested", req.Count, "drained", len(drained))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(DrainResponse{
		CategoryID: categoryID,
		Drained:    len(drained),
		SetIDs:     drained,
	})
}

// DropPool handles DELETE /v1/admin/pools/{category}.
func (h *Handler) DropPool(w http.ResponseWriter, r *http.Request) {
	categoryID := r.PathValue("category")
	if !h.Registry.Known(categoryID) {
		http.Error(w, fmt.Sprintf("unknown category %q", categoryID), http.StatusNotFound)
		return
	}

	if err := h.Pool.Drop(r.Context(), categoryID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	metrics.SetPoolAvailable(categoryID, 0)
	logging.Op().Info("pool dropped", "category_id", categoryID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":      "dropped",
		"category_id": categoryID,
	})
}

// refreshPoolGauge re-reads pool metadata after an admin mutation so the
// availability gauge tracks the drain.
func (h *Handler) refreshPoolGauge(ctx context.Context, categoryID string) {
	stats, err := h.Pool.Metadata(ctx, categoryID)
	if err != nil {
		return
	}
	metrics.SetPoolAvailable(categoryID, int64(stats.Available))
}

// ShowUser handles GET /v1/admin/users/{user}: the user's full allocation
// record across categories.
func (h *Handler) ShowUser(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	if err := domain.ValidateUserID(userID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cats, err := h.Ledger.Categories(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := UserResponse{UserID: userID, Categories: []UserCategory{}}
	for _, cat := range cats {
		rec, err := h.Ledger.Category(r.Context(), userID, cat)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		uc := UserCategory{CategoryID: cat, SetIDs: rec.SetIDs}
		for _, id := range rec.SetIDs {
			ts := rec.AssignedAt[id]
			if uc.OldestAt.IsZero() || ts.Before(uc.OldestAt) {
				uc.OldestAt = ts
			}
			if ts.After(uc.NewestAt) {
				uc.NewestAt = ts
			}
		}
		resp.TotalSets += len(rec.SetIDs)
		resp.Categories = append(resp.Categories, uc)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// EvictUser handles POST /v1/admin/users/{user}/evict: apply the current
// limits to every category the user holds, with no slot reserved.
func (h *Handler) EvictUser(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")

	evicted, err := h.Allocator.EvictUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, alloc.ErrInvalidRequest) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	total := 0
	for _, sets := range evicted {
		total += len(sets)
	}
	logging.Op().Info("user evicted", "user_id", userID, "evicted", total)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(EvictResponse{
		UserID:       userID,
		Evicted:      evicted,
		TotalEvicted: total,
	})
}

// ResetUser handles DELETE /v1/admin/users/{user}: wipe the user's ledger
// keys entirely.
func (h *Handler) ResetUser(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	if err := domain.ValidateUserID(userID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.Ledger.Reset(r.Context(), userID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	logging.Op().Info("user reset", "user_id", userID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "reset",
		"user_id": userID,
	})
}

// GetLimits handles GET /v1/admin/limits.
func (h *Handler) GetLimits(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(LimitsResponse{
		MaxSetsPerCategory: h.Settings.MaxSetsPerCategory(),
		MaxAgeMonths:       h.Settings.MaxAgeMonths(),
	})
}

// PutLimits handles PUT /v1/admin/limits: update one or both runtime limits.
// Values persist to the settings table first, then swing the in-process
// atomics, so a restart never resurrects a superseded limit.
func (h *Handler) PutLimits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxSetsPerCategory *int `json:"max_sets_per_category"`
		MaxAgeMonths       *int `json:"max_age_months"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.MaxSetsPerCategory == nil && req.MaxAgeMonths == nil {
		http.Error(w, "provide max_sets_per_category and/or max_age_months", http.StatusBadRequest)
		return
	}
	if req.MaxSetsPerCategory != nil && *req.MaxSetsPerCategory <= 0 {
		http.Error(w, fmt.Sprintf("max_sets_per_category must be positive, got %d", *req.MaxSetsPerCategory), http.StatusBadRequest)
		return
	}
	if req.MaxAgeMonths != nil && *req.MaxAgeMonths <= 0 {
		http.Error(w, fmt.Sprintf("max_age_months must be positive, got %d", *req.MaxAgeMonths), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if req.MaxSetsPerCategory != nil {
		n := *req.MaxSetsPerCategory
		if err := h.Store.PutSetting(ctx, config.KeyMaxSetsPerCategory, strconv.Itoa(n)); err != nil {
			http.Error(w, "persist setting: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if err := h.Settings.SetMaxSetsPerCategory(n); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.MaxAgeMonths != nil {
		n := *req.MaxAgeMonths
		if err := h.Store.PutSetting(ctx, config.KeyMaxAgeMonths, strconv.Itoa(n)); err != nil {
			http.Error(w, "persist setting: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if err := h.Settings.SetMaxAgeMonths(n); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	logging.Op().Info("runtime limits updated",
		"max_sets_per_category", h.Settings.MaxSetsPerCategory(),
		"max_age_months", h.Settings.MaxAgeMonths(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(LimitsResponse{
		MaxSetsPerCategory: h.Settings.MaxSetsPerCategory(),
		MaxAgeMonths:       h.Settings.MaxAgeMonths(),
	})
}

// GenerateQuestions handles POST /v1/admin/generate: start an async
// generation run against the configured LLM provider.
func (h *Handler) GenerateQuestions(w http.ResponseWriter, r *http.Request) {
	if h.Generate == nil || !h.Generate.Enabled() {
		http.Error(w, "generation is not configured", http.StatusServiceUnavailable)
		return
	}

	var req struct {
		Categories           []string `json:"categories"`
		QuestionsPerCategory int      `json:"questions_per_category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.QuestionsPerCategory <= 0 {
		http.Error(w, fmt.Sprintf("questions_per_category must be positive, got %d", req.QuestionsPerCategory), http.StatusBadRequest)
		return
	}
	for _, id := range req.Categories {
		if !h.Registry.Known(id) {
			http.Error(w, fmt.Sprintf("unknown category %q", id), http.StatusBadRequest)
			return
		}
	}

	params := generate.Params{
		Categories:           req.Categories,
		QuestionsPerCategory: req.QuestionsPerCategory,
	}
	job := h.Jobs.Start(jobtracker.KindGeneration)
	tc := observability.ExtractTraceContext(r.Context())
	go h.runGeneration(tc, job.ID, params)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"accepted": true,
		"params":   params,
		"job_id":   job.ID,
	})
}

// GetJob handles GET /v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job := h.Jobs.Get(r.PathValue("id"))
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}

// ListRuns handles GET /v1/runs?kind=build|generation&limit=n.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind != "" && kind != store.RunKindBuild && kind != store.RunKindGeneration {
		http.Error(w, fmt.Sprintf("unknown run kind %q", kind), http.StatusBadRequest)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, fmt.Sprintf("invalid limit %q", v), http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit > 100 {
		limit = 100
	}

	runs, err := h.Store.ListRuns(r.Context(), kind, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// Ensure we return an empty array instead of null
	if runs == nil {
		runs = []*store.Run{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun handles GET /v1/runs/{id}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(run)
}
