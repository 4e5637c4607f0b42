// Package generate produces quiz questions through an OpenAI-compatible
// provider and ingests them as items. A run fans out across categories,
// normalizes and dedupes what the model returns, optionally attaches
// synthesized audio, and records token usage and cost in the run history.
package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quizforge/quizforge/internal/category"
	"github.com/quizforge/quizforge/internal/config"
	"github.com/quizforge/quizforge/internal/cost"
	"github.com/quizforge/quizforge/internal/domain"
	"github.com/quizforge/quizforge/internal/logging"
	"github.com/quizforge/quizforge/internal/metrics"
	"github.com/quizforge/quizforge/internal/store"
)

// maxConcurrentCategories caps the provider fan-out of one run.
const maxConcurrentCategories = 4

var timeNow = func() time.Time { return time.Now().UTC() }

// Uploader stores generated media under a caller-chosen key. Implemented by
// the media store; a nil Uploader disables audio attachment.
type Uploader interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

// Service runs question generation against an OpenAI-compatible provider.
type Service struct {
	cfg      config.GenerateConfig
	client   *http.Client
	store    store.Store
	media    Uploader
	registry *category.Registry
	calc     *cost.Calculator
}

// NewService creates the generation service. media may be nil; questions then
// ship without audio even when TTS is enabled.
func NewService(cfg config.GenerateConfig, st store.Store, media Uploader, registry *category.Registry) *Service {
	pricing := cost.Pricing{
		PromptPer1K:     cfg.PromptCostPer1K,
		CompletionPer1K: cfg.CompletionCostPer1K,
		TTSPer1KChars:   cfg.TTSCostPer1KChars,
	}
	if pricing == (cost.Pricing{}) {
		pricing = cost.DefaultPricing
	}
	return &Service{
		cfg: cfg,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		store:    st,
		media:    media,
		registry: registry,
		calc:     cost.NewCalculator(pricing),
	}
}

// Enabled returns whether generation is configured and enabled.
func (s *Service) Enabled() bool {
	return s.cfg.Enabled && s.cfg.APIKey != ""
}

// GetConfig returns the generation configuration with the API key masked.
func (s *Service) GetConfig() config.GenerateConfig {
	c := s.cfg
	if len(c.APIKey) > 8 {
		c.APIKey = c.APIKey[:4] + "****" + c.APIKey[len(c.APIKey)-4:]
	} else if c.APIKey != "" {
		c.APIKey = "****"
	}
	return c
}

// Params controls one generation run.
type Params struct {
	// Categories to generate for; empty means every registered category.
	Categories []string `json:"categories"`
	// QuestionsPerCategory is the target count per category.
	QuestionsPerCategory int `json:"questions_per_category"`
}

func (p *Params) validate(registry *category.Registry) error {
	if p.QuestionsPerCategory <= 0 {
		return fmt.Errorf("questions_per_category must be positive, got %d", p.QuestionsPerCategory)
	}
	for _, id := range p.Categories {
		if !registry.Known(id) {
			return fmt.Errorf("unknown category %q", id)
		}
	}
	return nil
}

// CategoryReport is the per-category outcome of a generation run.
type CategoryReport struct {
	CategoryID       string `json:"category_id"`
	Requested        int    `json:"requested"`
	Generated        int    `json:"generated"`
	Stored           int    `json:"stored"`
	Skipped          int    `json:"skipped_duplicate_by_hash"`
	Rejected         int    `json:"rejected"`
	AudioStored      int    `json:"audio_stored,omitempty"`
	Calls            int64  `json:"calls"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TTSChars         int64  `json:"tts_chars,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Report is the outcome of one generation run across categories.
type Report struct {
	RunID      string               `json:"run_id"`
	Model      string               `json:"model"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Stored     int                  `json:"stored"`
	Skipped    int                  `json:"skipped_duplicate_by_hash"`
	Failed     int                  `json:"failed"`
	Cost       *cost.RunCostSummary `json:"cost"`
	Categories []CategoryReport     `json:"categories"`
}

// GenerateAll runs one generation pass over the requested categories.
// Categories fail independently; the returned report carries the per-category
// outcomes and the run-level usage totals. The error return is reserved for
// rejected parameters and a disabled service.
func (s *Service) GenerateAll(ctx context.Context, p Params) (*Report, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("generation is disabled: set generate.enabled and an api key")
	}
	if err := p.validate(s.registry); err != nil {
		return nil, err
	}

	cats := p.Categories
	if len(cats) == 0 {
		cats = s.registry.IDs()
	}

	rep := &Report{
		RunID:     "gen-" + uuid.New().String(),
		Model:     s.cfg.Model,
		StartedAt: timeNow(),
	}

	params, _ := json.Marshal(p)
	if err := s.store.RecordRun(ctx, &store.Run{
		ID:        rep.RunID,
		Kind:      store.RunKindGeneration,
		Params:    params,
		StartedAt: rep.StartedAt,
	}); err != nil {
		logging.Op().Warn("record generation run", "run_id", rep.RunID, "error", err)
	}

	reports := make([]CategoryReport, len(cats))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentCategories)
	for i, categoryID := range cats {
		g.Go(func() error {
			reports[i] = s.generateCategory(gctx, categoryID, p.QuestionsPerCategory)
			return nil
		})
	}
	// Category failures land in their reports; Wait never sees an error.
	_ = g.Wait()

	var calls, promptTokens, completionTokens, ttsChars int64
	for _, cr := range reports {
		rep.Stored += cr.Stored
		rep.Skipped += cr.Skipped
		calls += cr.Calls
		promptTokens += cr.PromptTokens
		completionTokens += cr.CompletionTokens
		ttsChars += cr.TTSChars
		if cr.Error != "" {
			rep.Failed++
		}
	}
	rep.Categories = reports
	rep.Cost = cost.AggregateRunCost(s.cfg.Model, calls, promptTokens, completionTokens, ttsChars, s.calc.GetPricing())
	rep.FinishedAt = timeNow()

	var runErr string
	if rep.Failed > 0 {
		runErr = fmt.Sprintf("%d of %d categories failed", rep.Failed, len(cats))
	}
	results, _ := json.Marshal(rep)
	if err := s.store.FinishRun(ctx, rep.RunID, results, runErr, rep.FinishedAt); err != nil {
		logging.Op().Warn("finish generation run", "run_id", rep.RunID, "error", err)
	}

	logging.Op().Info("generation run finished",
		"run_id", rep.RunID,
		"model", rep.Model,
		"categories", len(cats),
		"stored", rep.Stored,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
		"cost_usd", rep.Cost.TotalCost,
		"duration_ms", rep.FinishedAt.Sub(rep.StartedAt).Milliseconds(),
	)
	return rep, nil
}

// generateCategory asks the model for questions in batches until the target
// count is reached, then normalizes, dedupes, and stores each batch. The
// first failed call or failed write ends the pass; items stored by earlier
// batches stay stored.
func (s *Service) generateCategory(ctx context.Context, categoryID string, want int) CategoryReport {
	cr := CategoryReport{CategoryID: categoryID, Requested: want}
	name := s.registry.Name(categoryID)
	started := timeNow()

	remaining := want
	for remaining > 0 {
		n := remaining
		if s.cfg.QuestionsPerCall > 0 && n > s.cfg.QuestionsPerCall {
			n = s.cfg.QuestionsPerCall
		}

		callStarted := timeNow()
		raw, usage, err := s.completeQuestions(ctx, name, n)
		cr.Calls++
		cr.PromptTokens += int64(usage.PromptTokens)
		cr.CompletionTokens += int64(usage.CompletionTokens)
		callCost := s.calc.CalcCall(int64(usage.PromptTokens), int64(usage.CompletionTokens), 0)
		metrics.RecordGenerationUsage(s.cfg.Model, usage.PromptTokens, usage.CompletionTokens, callCost.TotalCost, timeNow().Sub(callStarted))
		if err != nil {
			cr.Error = err.Error()
			break
		}
		if len(raw) == 0 {
			cr.Error = "model returned no questions"
			break
		}
		cr.Generated += len(raw)

		items := make([]*domain.Item, 0, len(raw))
		for _, rec := range raw {
			q, err := domain.NormalizeQuestion(rec)
			if err != nil {
				cr.Rejected++
				logging.Op().Warn("rejected generated question", "category_id", categoryID, "error", err)
				continue
			}
			hash := domain.HashQuestion(categoryID, q)
			if s.cfg.TTSEnabled && s.media != nil {
				if chars, ok := s.attachAudio(ctx, categoryID, hash, q); ok {
					cr.AudioStored++
					cr.TTSChars += chars
				}
			}
			now := timeNow()
			items = append(items, &domain.Item{
				ID:         domain.NewItemID(now),
				Hash:       hash,
				CategoryID: categoryID,
				Question:   *q,
				CreatedAt:  now,
			})
		}

		if len(items) > 0 {
			res, err := s.store.PutItems(ctx, items)
			if err != nil {
				cr.Error = fmt.Sprintf("store generated items: %v", err)
				break
			}
			cr.Stored += res.Stored
			cr.Skipped += res.Skipped
			metrics.Global().RecordItemsIngested(categoryID, res.Stored, res.Skipped)
		}

		// Model output counts against the target even when rejected or
		// deduped, so a repetitive model cannot spin the loop forever.
		remaining -= len(raw)
	}

	if cr.Error != "" {
		logging.Op().Error("category generation failed", "category_id", categoryID, "stored", cr.Stored, "error", cr.Error)
	} else {
		logging.Op().Info("category generation finished",
			"category_id", categoryID,
			"requested", want,
			"stored", cr.Stored,
			"skipped", cr.Skipped,
			"rejected", cr.Rejected,
			"duration_ms", timeNow().Sub(started).Milliseconds(),
		)
	}
	return cr
}

// attachAudio synthesizes the prompt and uploads it, setting the question's
// audio key. Audio is cosmetic: on failure the question ships without it.
func (s *Service) attachAudio(ctx context.Context, categoryID, hash string, q *domain.Question) (int64, bool) {
	data, err := s.synthesize(ctx, q.Prompt)
	if err != nil {
		logging.Op().Warn("synthesize question audio", "category_id", categoryID, "error", err)
		return 0, false
	}
	// Keyed by content hash: a regenerated duplicate reuses the same object.
	key := fmt.Sprintf("audio/%s/%s.mp3", categoryID, hash[:16])
	if err := s.media.PutObject(ctx, key, data, "audio/mpeg"); err != nil {
		logging.Op().Warn("store question audio", "category_id", categoryID, "key", key, "error", err)
		return 0, false
	}
	q.AudioKey = key
	metrics.RecordMediaUpload("audio")
	return int64(len(q.Prompt)), true
}
