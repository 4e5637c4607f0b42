// Package builder turns newly ingested items into offerable sets. One pass
// per category: re-offer catalog sets the pool has never seen, read items
// past the watermark, partition them into fixed-size sets, write the catalog
// entries, and enqueue the new set ids.
package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quizforge/quizforge/internal/category"
	"github.com/quizforge/quizforge/internal/domain"
	"github.com/quizforge/quizforge/internal/logging"
	"github.com/quizforge/quizforge/internal/metrics"
	"github.com/quizforge/quizforge/internal/pool"
	"github.com/quizforge/quizforge/internal/store"
)

// enqueueChunkSize bounds one pool round-trip during reconcile.
const enqueueChunkSize = 500

var timeNow = func() time.Time { return time.Now().UTC() }

// Params select what one build pass produces. Categories empty means every
// registered category.
type Params struct {
	NumSetsPerCategory int      `json:"num_sets_per_category"`
	ItemsPerSet        int      `json:"items_per_set"`
	Categories         []string `json:"categories,omitempty"`
}

func (p Params) validate(registry *category.Registry) error {
	if p.NumSetsPerCategory <= 0 {
		return fmt.Errorf("num_sets_per_category must be positive, got %d", p.NumSetsPerCategory)
	}
	if p.ItemsPerSet <= 0 {
		return fmt.Errorf("items_per_set must be positive, got %d", p.ItemsPerSet)
	}
	for _, id := range p.Categories {
		if !registry.Known(id) {
			return fmt.Errorf("unknown category %q", id)
		}
	}
	return nil
}

// CategoryReport is the outcome of a build pass for one category.
type CategoryReport struct {
	CategoryID    string `json:"category_id"`
	SetsBuilt     int    `json:"sets_built"`
	ItemsConsumed int    `json:"items_consumed"`
	Requeued      int    `json:"requeued,omitempty"`
	Shortfall     bool   `json:"shortfall,omitempty"`
	Watermark     string `json:"watermark,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Report covers one whole build pass.
type Report struct {
	RunID      string           `json:"run_id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	SetsBuilt  int              `json:"sets_built"`
	Failed     int              `json:"failed_categories"`
	Categories []CategoryReport `json:"categories"`
}

// Builder produces sets from ingested items.
type Builder struct {
	store    store.Store
	pool     *pool.Index
	registry *category.Registry
}

func New(st store.Store, idx *pool.Index, registry *category.Registry) *Builder {
	return &Builder{store: st, pool: idx, registry: registry}
}

// BuildAll runs one pass over the requested categories. Per-category
// failures are logged, counted, and carried in the report; one bad category
// never stops the pass. Only invalid params fail the call itself.
func (b *Builder) BuildAll(ctx context.Context, params Params) (*Report, error) {
	if err := params.validate(b.registry); err != nil {
		return nil, err
	}

	cats := params.Categories
	if len(cats) == 0 {
		cats = b.registry.IDs()
	}

	rep := &Report{
		RunID:     "run-" + uuid.New().String(),
		StartedAt: timeNow(),
	}

	paramsJSON, _ := json.Marshal(params)
	if err := b.store.RecordRun(ctx, &store.Run{
		ID:        rep.RunID,
		Kind:      store.RunKindBuild,
		Params:    paramsJSON,
		StartedAt: rep.StartedAt,
	}); err != nil {
		logging.Op().Warn("record build run", "run_id", rep.RunID, "error", err)
	}

	for _, cat := range cats {
		cr := b.buildCategory(ctx, cat, params)
		if cr.Error != "" {
			rep.Failed++
		}
		rep.SetsBuilt += cr.SetsBuilt
		rep.Categories = append(rep.Categories, cr)
	}
	rep.FinishedAt = timeNow()

	results, _ := json.Marshal(rep)
	var runErr string
	if rep.Failed > 0 {
		runErr = fmt.Sprintf("%d of %d categories failed", rep.Failed, len(cats))
	}
	if err := b.store.FinishRun(ctx, rep.RunID, results, runErr, rep.FinishedAt); err != nil {
		logging.Op().Warn("finish build run", "run_id", rep.RunID, "error", err)
	}

	logging.Op().Info("build pass finished",
		"run_id", rep.RunID,
		"categories", len(cats),
		"sets_built", rep.SetsBuilt,
		"failed", rep.Failed,
		"duration_ms", rep.FinishedAt.Sub(rep.StartedAt).Milliseconds(),
	)
	return rep, nil
}

// buildCategory runs the whole category pass under the advisory lock, so a
// second builder on the same category waits rather than double-consuming
// items past the same watermark.
func (b *Builder) buildCategory(ctx context.Context, categoryID string, params Params) CategoryReport {
	cr := CategoryReport{CategoryID: categoryID}
	start := time.Now()

	err := b.store.WithCategoryLock(ctx, categoryID, func(ctx context.Context) error {
		requeued, err := b.reconcile(ctx, categoryID)
		cr.Requeued = requeued
		if err != nil {
			return err
		}

		watermark, err := b.store.LatestWatermark(ctx, categoryID)
		if err != nil {
			return err
		}
		cr.Watermark = watermark

		items, err := b.store.QueryByCategory(ctx, categoryID, watermark, params.NumSetsPerCategory*params.ItemsPerSet)
		if err != nil {
			return err
		}

		n := len(items) / params.ItemsPerSet
		if n > params.NumSetsPerCategory {
			n = params.NumSetsPerCategory
		}
		if n < params.NumSetsPerCategory {
			cr.Shortfall = true
			metrics.Global().RecordBuilderShortfall(categoryID)
			logging.Op().Warn("builder shortfall",
				"category", categoryID,
				"requested", params.NumSetsPerCategory,
				"built", n,
				"eligible_items", len(items),
			)
		}
		if n == 0 {
			return nil
		}

		// Every set of the batch carries the same watermark: the greatest
		// item id the batch consumed. Leftover items stay past it.
		consumed := items[:n*params.ItemsPerSet]
		batchWatermark := consumed[len(consumed)-1].ID
		now := timeNow()

		sets := make([]*domain.Set, 0, n)
		newSets := make([]string, 0, n)
		for i := 0; i < n; i++ {
			chunk := consumed[i*params.ItemsPerSet : (i+1)*params.ItemsPerSet]
			refs := make([]domain.SetRef, len(chunk))
			for j, item := range chunk {
				refs[j] = domain.SetRef{ID: item.ID, Hash: item.Hash}
			}
			set := &domain.Set{
				ID:         domain.NewSetID(),
				CategoryID: categoryID,
				Refs:       refs,
				Watermark:  batchWatermark,
				CreatedAt:  now,
			}
			sets = append(sets, set)
			newSets = append(newSets, set.ID)
		}

		// The batch lands whole or not at all: a failed write leaves the
		// watermark where it was and the items eligible for the next pass.
		if err := b.store.PutSets(ctx, sets); err != nil {
			return err
		}
		cr.SetsBuilt = n
		cr.ItemsConsumed = len(consumed)
		cr.Watermark = batchWatermark

		if _, err := b.pool.Enqueue(ctx, categoryID, newSets); err != nil {
			// The catalog already has these sets; reconcile picks them up.
			return fmt.Errorf("enqueue built sets: %w", err)
		}
		return nil
	})
	if err != nil {
		cr.Error = err.Error()
		logging.Op().Error("build category failed", "category", categoryID, "error", err)
	}

	if cr.SetsBuilt > 0 {
		metrics.Global().RecordSetsBuilt(categoryID, cr.SetsBuilt)
	}
	metrics.RecordBuildDuration(categoryID, time.Since(start))
	if stats, serr := b.pool.Metadata(ctx, categoryID); serr == nil {
		metrics.SetPoolAvailable(categoryID, int64(stats.Available))
	}
	return cr
}

// reconcile re-offers every catalog set the pool has never seen. The pool's
// known-set guard makes this idempotent, so at-least-once enqueue is safe
// after a crash between catalog write and pool append.
func (b *Builder) reconcile(ctx context.Context, categoryID string) (int, error) {
	ids, err := b.store.ListSetIDs(ctx, categoryID)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for start := 0; start < len(ids); start += enqueueChunkSize {
		end := start + enqueueChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		added, err := b.pool.Enqueue(ctx, categoryID, ids[start:end])
		if err != nil {
			return requeued, fmt.Errorf("reconcile enqueue: %w", err)
		}
		requeued += added
	}
	if requeued > 0 {
		logging.Op().Info("reconciled catalog sets into pool", "category", categoryID, "requeued", requeued)
	}
	return requeued, nil
}
