package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/quizforge/quizforge/internal/config"
	"github.com/quizforge/quizforge/internal/store"
)

func TestDrainPool(t *testing.T) {
	env := newTestEnv(t, "geo")
	env.seedSet(t, "geo", "set-1", "it-1")
	env.seedSet(t, "geo", "set-2", "it-2")
	env.seedSet(t, "geo", "set-3", "it-3")

	rr := env.do(t, http.MethodPost, "/v1/admin/pools/geo/drain", map[string]interface{}{"count": 2})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp DrainResponse
	decodeJSON(t, rr, &resp)
	if resp.Drained != 2 {
		t.Fatalf("expected 2 drained, got %d", resp.Drained)
	}
	if resp.SetIDs[0] != "set-1" || resp.SetIDs[1] != "set-2" {
		t.Fatalf("expected FIFO drain order, got %v", resp.SetIDs)
	}
	if env.store.locksTaken == 0 {
		t.Fatal("expected drain to take the category lock")
	}

	var stats PoolResponse
	rr = env.do(t, http.MethodGet, "/v1/pools/geo", nil)
	decodeJSON(t, rr, &stats)
	if stats.Available != 1 {
		t.Fatalf("expected 1 set left, got %d", stats.Available)
	}
}

func TestDrainPoolStopsAtEmpty(t *testing.T) {
	env := newTestEnv(t, "geo")
	env.seedSet(t, "geo", "set-1", "it-1")

	rr := env.do(t, http.MethodPost, "/v1/admin/pools/geo/drain", map[string]interface{}{"count": 10})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp DrainResponse
	decodeJSON(t, rr, &resp)
	if resp.Drained != 1 || len(resp.SetIDs) != 1 {
		t.Fatalf("expected to drain the single pooled set, got %+v", resp)
	}
}

func TestDrainPoolValidation(t *testing.T) {
	env := newTestEnv(t, "geo")

	rr := env.do(t, http.MethodPost, "/v1/admin/pools/geo/drain", map[string]interface{}{"count": 0})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero count, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodPost, "/v1/admin/pools/nope/drain", map[string]interface{}{"count": 1})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown category, got %d", rr.Code)
	}
}

func TestDropPool(t *testing.T) {
	env := newTestEnv(t, "geo")
	env.seedSet(t, "geo", "set-1", "it-1")
	env.seedSet(t, "geo", "set-2", "it-2")

	rr := env.do(t, http.MethodDelete, "/v1/admin/pools/geo", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["status"] != "dropped" || resp["category_id"] != "geo" {
		t.Fatalf("unexpected drop body: %v", resp)
	}

	ids, err := env.pool.PeekAll(context.Background(), "geo")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty pool after drop, got %v", ids)
	}

	// Dropped ids stay known: a re-enqueue must not resurrect them.
	n, err := env.pool.Enqueue(context.Background(), "geo", []string{"set-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected re-enqueue of dropped set to be skipped, appended %d", n)
	}
}

func TestShowUser(t *testing.T) {
	env := newTestEnv(t, "geo", "math")
	env.seedSet(t, "geo", "set-1", "it-1")
	env.seedSet(t, "math", "set-2", "it-2")

	rr := env.do(t, http.MethodPost, "/v1/allocate", map[string]interface{}{
		"user_id":      "u1",
		"category_ids": []string{"geo", "math"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("allocate: expected 200, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/v1/admin/users/u1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp UserResponse
	decodeJSON(t, rr, &resp)
	if resp.UserID != "u1" || resp.TotalSets != 2 || len(resp.Categories) != 2 {
		t.Fatalf("unexpected user response: %+v", resp)
	}
	for _, uc := range resp.Categories {
		if len(uc.SetIDs) != 1 {
			t.Fatalf("expected one set in %s, got %v", uc.CategoryID, uc.SetIDs)
		}
		if uc.OldestAt.IsZero() || uc.NewestAt.IsZero() {
			t.Fatalf("expected assignment timestamps, got %+v", uc)
		}
	}
}

func TestShowUserEmpty(t *testing.T) {
	env := newTestEnv(t, "geo")

	rr := env.do(t, http.MethodGet, "/v1/admin/users/nobody", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp UserResponse
	decodeJSON(t, rr, &resp)
	if resp.TotalSets != 0 || len(resp.Categories) != 0 {
		t.Fatalf("expected empty record, got %+v", resp)
	}
}

func TestEvictUserAppliesCurrentLimits(t *testing.T) {
	env := newTestEnv(t, "geo")
	env.seedSet(t, "geo", "set-1", "it-1")
	env.seedSet(t, "geo", "set-2", "it-2")
	env.seedSet(t, "geo", "set-3", "it-3")

	for i := 0; i < 3; i++ {
		rr := env.do(t, http.MethodPost, "/v1/allocate", map[string]interface{}{
			"user_id":      "u1",
			"category_ids": []string{"geo"},
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("allocate %d: expected 200, got %d", i, rr.Code)
		}
	}

	// Tighten the cap, then evict: the two oldest assignments must go.
	if err := env.settings.SetMaxSetsPerCategory(1); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	rr := env.do(t, http.MethodPost, "/v1/admin/users/u1/evict", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp EvictResponse
	decodeJSON(t, rr, &resp)
	if resp.TotalEvicted != 2 {
		t.Fatalf("expected 2 evicted, got %+v", resp)
	}

	var user UserResponse
	rr = env.do(t, http.MethodGet, "/v1/admin/users/u1", nil)
	decodeJSON(t, rr, &user)
	if user.TotalSets != 1 {
		t.Fatalf("expected 1 set kept, got %+v", user)
	}
	if user.Categories[0].SetIDs[0] != "set-3" {
		t.Fatalf("expected newest set kept, got %v", user.Categories[0].SetIDs)
	}
}

func TestResetUser(t *testing.T) {
	env := newTestEnv(t, "geo")
	env.seedSet(t, "geo", "set-1", "it-1")

	rr := env.do(t, http.MethodPost, "/v1/allocate", map[string]interface{}{
		"user_id":      "u1",
		"category_ids": []string{"geo"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("allocate: expected 200, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodDelete, "/v1/admin/users/u1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["status"] != "reset" || resp["user_id"] != "u1" {
		t.Fatalf("unexpected reset body: %v", resp)
	}

	var user UserResponse
	rr = env.do(t, http.MethodGet, "/v1/admin/users/u1", nil)
	decodeJSON(t, rr, &user)
	if user.TotalSets != 0 {
		t.Fatalf("expected wiped record, got %+v", user)
	}
}

func TestLimitsRoundTrip(t *testing.T) {
	env := newTestEnv(t, "geo")

	rr := env.do(t, http.MethodGet, "/v1/admin/limits", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var limits LimitsResponse
	decodeJSON(t, rr, &limits)
	if limits.MaxSetsPerCategory != 10 || limits.MaxAgeMonths != 12 {
		t.Fatalf("unexpected defaults: %+v", limits)
	}

	rr = env.do(t, http.MethodPut, "/v1/admin/limits", map[string]interface{}{
		"max_sets_per_category": 5,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	decodeJSON(t, rr, &limits)
	if limits.MaxSetsPerCategory != 5 || limits.MaxAgeMonths != 12 {
		t.Fatalf("unexpected limits after update: %+v", limits)
	}
	if env.settings.MaxSetsPerCategory() != 5 {
		t.Fatalf("expected live setting 5, got %d", env.settings.MaxSetsPerCategory())
	}
	if v := env.store.settings[config.KeyMaxSetsPerCategory]; v != "5" {
		t.Fatalf("expected persisted setting 5, got %q", v)
	}
}

func TestLimitsValidation(t *testing.T) {
	env := newTestEnv(t, "geo")

	rr := env.do(t, http.MethodPut, "/v1/admin/limits", map[string]interface{}{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty update, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodPut, "/v1/admin/limits", map[string]interface{}{"max_age_months": 0})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero age, got %d", rr.Code)
	}
	if env.settings.MaxAgeMonths() != 12 {
		t.Fatalf("rejected update must not apply, got %d", env.settings.MaxAgeMonths())
	}
}

func TestGenerateRequiresConfiguration(t *testing.T) {
	env := newTestEnv(t, "geo")

	rr := env.do(t, http.MethodPost, "/v1/admin/generate", map[string]interface{}{
		"questions_per_category": 5,
	})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a generation service, got %d", rr.Code)
	}
}

func TestGetJobUnknown(t *testing.T) {
	env := newTestEnv(t, "geo")

	rr := env.do(t, http.MethodGet, "/v1/jobs/job-nope", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestListRuns(t *testing.T) {
	env := newTestEnv(t, "geo")
	ctx := context.Background()
	base := time.Now().UTC()
	for i, kind := range []string{store.RunKindBuild, store.RunKindBuild, store.RunKindGeneration} {
		run := &store.Run{
			ID:        "run-" + string(rune('a'+i)),
			Kind:      kind,
			Params:    json.RawMessage(`{}`),
			StartedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := env.store.RecordRun(ctx, run); err != nil {
			t.Fatalf("record run: %v", err)
		}
	}

	rr := env.do(t, http.MethodGet, "/v1/runs", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Runs  []*store.Run `json:"runs"`
		Count int          `json:"count"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Count != 3 {
		t.Fatalf("expected 3 runs, got %d", resp.Count)
	}
	if resp.Runs[0].ID != "run-c" {
		t.Fatalf("expected newest run first, got %s", resp.Runs[0].ID)
	}

	rr = env.do(t, http.MethodGet, "/v1/runs?kind=build", nil)
	decodeJSON(t, rr, &resp)
	if resp.Count != 2 {
		t.Fatalf("expected 2 build runs, got %d", resp.Count)
	}

	rr = env.do(t, http.MethodGet, "/v1/runs?limit=1", nil)
	decodeJSON(t, rr, &resp)
	if resp.Count != 1 {
		t.Fatalf("expected 1 run with limit, got %d", resp.Count)
	}

	rr = env.do(t, http.MethodGet, "/v1/runs?kind=bogus", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", rr.Code)
	}
}

func TestGetRun(t *testing.T) {
	env := newTestEnv(t, "geo")
	run := &store.Run{
		ID:        "run-x",
		Kind:      store.RunKindBuild,
		StartedAt: time.Now().UTC(),
	}
	if err := env.store.RecordRun(context.Background(), run); err != nil {
		t.Fatalf("record run: %v", err)
	}

	rr := env.do(t, http.MethodGet, "/v1/runs/run-x", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got store.Run
	decodeJSON(t, rr, &got)
	if got.ID != "run-x" || got.Kind != store.RunKindBuild {
		t.Fatalf("unexpected run: %+v", got)
	}

	rr = env.do(t, http.MethodGet, "/v1/runs/run-nope", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
