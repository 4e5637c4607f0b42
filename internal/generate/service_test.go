package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quizforge/quizforge/internal/category"
	"github.com/quizforge/quizforge/internal/config"
	"github.com/quizforge/quizforge/internal/domain"
	"github.com/quizforge/quizforge/internal/store"
)

// fakeStore implements the store surface the generation service touches.
type fakeStore struct {
	store.Store

	mu     sync.Mutex
	items  []*domain.Item
	seen   map[string]bool
	runs   map[string]*store.Run
	putErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{seen: map[string]bool{}, runs: map[string]*store.Run{}}
}

func (f *fakeStore) PutItems(ctx context.Context, items []*domain.Item) (store.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return store.IngestResult{}, f.putErr
	}
	var res store.IngestResult
	for _, it := range items {
		if f.seen[it.Hash] {
			res.Skipped++
			continue
		}
		f.seen[it.Hash] = true
		f.items = append(f.items, it)
		res.Stored++
	}
	return res, nil
}

func (f *fakeStore) RecordRun(ctx context.Context, run *store.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *run
	f.runs[run.ID] = &cp
	return nil
}

func (f *fakeStore) FinishRun(ctx context.Context, id string, results json.RawMessage, errMsg string, finishedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	run.Results = results
	run.Error = errMsg
	run.FinishedAt = &finishedAt
	return nil
}

func (f *fakeStore) storedItems() []*domain.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Item, len(f.items))
	copy(out, f.items)
	return out
}

func (f *fakeStore) run(t *testing.T) *store.Run {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.runs) != 1 {
		t.Fatalf("expected 1 recorded run, got %d", len(f.runs))
	}
	for _, r := range f.runs {
		return r
	}
	return nil
}

// fakeUploader captures media writes.
type fakeUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	err     error
}

func (f *fakeUploader) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
		f.types = map[string]string{}
	}
	f.objects[key] = data
	f.types[key] = contentType
	return nil
}

func testRegistry(t *testing.T) *category.Registry {
	t.Helper()
	reg, err := category.New([]category.Entry{
		{ID: "geo", Name: "Geography"},
		{ID: "hist", Name: "History"},
	})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func newTestService(t *testing.T, handler http.Handler, st store.Store, media Uploader, mutate func(*config.GenerateConfig)) *Service {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := testGenerateConfig(srv.URL)
	if mutate != nil {
		mutate(&cfg)
	}
	return NewService(cfg, st, media, testRegistry(t))
}

// staticQuestions responds to every chat call with the given arguments JSON.
func staticQuestions(argsJSON string, promptTokens, completionTokens int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatResponse(argsJSON, promptTokens, completionTokens))
	})
}

func TestGenerateAllStoresQuestions(t *testing.T) {
	st := newFakeStore()
	args := `{"questions":[
		{"prompt":"Capital of France?","choices":["Paris","Lyon","Nice","Lille"],"correct_answer_index":0,"difficulty":"easy"},
		{"question":"Largest ocean?","options":["Atlantic","Pacific","Indian","Arctic"],"correctAnswerIdx":1,"explanation":"The Pacific is the largest."}
	]}`
	svc := newTestService(t, staticQuestions(args, 100, 50), st, nil, nil)

	rep, err := svc.GenerateAll(context.Background(), Params{Categories: []string{"geo"}, QuestionsPerCategory: 2})
	if err != nil {
		t.Fatalf("GenerateAll: %v", err)
	}
	if rep.Stored != 2 || rep.Skipped != 0 || rep.Failed != 0 {
		t.Fatalf("unexpected report: stored %d skipped %d failed %d", rep.Stored, rep.Skipped, rep.Failed)
	}
	if len(rep.Categories) != 1 {
		t.Fatalf("expected 1 category report, got %d", len(rep.Categories))
	}
	cr := rep.Categories[0]
	if cr.Calls != 1 || cr.Generated != 2 || cr.Rejected != 0 {
		t.Errorf("unexpected category report %+v", cr)
	}
	if cr.PromptTokens != 100 || cr.CompletionTokens != 50 {
		t.Errorf("unexpected usage in category report %+v", cr)
	}

	items := st.storedItems()
	if len(items) != 2 {
		t.Fatalf("expected 2 stored items, got %d", len(items))
	}
	for _, it := range items {
		if it.CategoryID != "geo" {
			t.Errorf("item %s has category %q", it.ID, it.CategoryID)
		}
		if it.Hash != domain.HashQuestion("geo", &it.Question) {
			t.Errorf("item %s hash does not match its content", it.ID)
		}
	}
	// Legacy aliases fold onto canonical fields before storage.
	legacy := items[1]
	if legacy.Question.Prompt != "Largest ocean?" || legacy.Question.CorrectAnswerIndex != 1 {
		t.Errorf("legacy aliases not normalized: %+v", legacy.Question)
	}
	if len(legacy.Question.Choices) != 4 || legacy.Question.Choices[1] != "Pacific" {
		t.Errorf("legacy choices not normalized: %+v", legacy.Question.Choices)
	}

	run := st.run(t)
	if run.Kind != store.RunKindGeneration {
		t.Errorf("expected generation run, got %s", run.Kind)
	}
	if run.FinishedAt == nil || run.Error != "" {
		t.Errorf("run not finished cleanly: finished=%v error=%q", run.FinishedAt, run.Error)
	}
	if rep.Cost == nil || rep.Cost.TotalCost <= 0 {
		t.Errorf("expected positive run cost, got %+v", rep.Cost)
	}
	if rep.Cost.PromptTokens != 100 || rep.Cost.CompletionTokens != 50 {
		t.Errorf("unexpected cost counters %+v", rep.Cost)
	}
}

func TestGenerateAllDedupesByHash(t *testing.T) {
	st := newFakeStore()
	args := `{"questions":[
		{"prompt":"Capital of France?","choices":["Paris","Lyon","Nice","Lille"],"correct_answer_index":0},
		{"prompt":"Capital of France?","choices":["Paris","Lyon","Nice","Lille"],"correct_answer_index":0}
	]}`
	svc := newTestService(t, staticQuestions(args, 80, 40), st, nil, nil)

	rep, err := svc.GenerateAll(context.Background(), Params{Categories: []string{"geo"}, QuestionsPerCategory: 2})
	if err != nil {
		t.Fatalf("GenerateAll: %v", err)
	}
	if rep.Stored != 1 || rep.Skipped != 1 {
		t.Fatalf("expected 1 stored 1 skipped, got %d/%d", rep.Stored, rep.Skipped)
	}
	if len(st.storedItems()) != 1 {
		t.Fatalf("store should hold the single unique item")
	}
}

func TestGenerateAllRejectsUnusableQuestions(t *testing.T) {
	st := newFakeStore()
	args := `{"questions":[
		{"prompt":"Capital of France?","choices":["Paris","Lyon","Nice","Lille"],"correct_answer_index":0},
		{"prompt":"Broken?","choices":["only one"],"correct_answer_index":0},
		{"prompt":"","choices":["a","b"],"correct_answer_index":0}
	]}`
	svc := newTestService(t, staticQuestions(args, 90, 45), st, nil, nil)

	rep, err := svc.GenerateAll(context.Background(), Params{Categories: []string{"geo"}, QuestionsPerCategory: 3})
	if err != nil {
		t.Fatalf("GenerateAll: %v", err)
	}
	cr := rep.Categories[0]
	if cr.Rejected != 2 || cr.Stored != 1 {
		t.Fatalf("expected 2 rejected 1 stored, got %+v", cr)
	}
	if cr.Error != "" {
		t.Errorf("rejections are not a category failure, got error %q", cr.Error)
	}
}

func TestGenerateAllBatchesUntilTarget(t *testing.T) {
	st := newFakeStore()
	var call atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode chat request: %v", err)
		}
		var n int
		if _, err := fmt.Sscanf(req.Messages[1].Content, "Generate %d", &n); err != nil {
			t.Errorf("parse requested count: %v", err)
		}
		seq := call.Add(1)
		qs := make([]string, 0, n)
		for i := 0; i < n; i++ {
			qs = append(qs, fmt.Sprintf(`{"prompt":"Question %d-%d?","choices":["a","b","c","d"],"correct_answer_index":%d}`, seq, i, i%4))
		}
		fmt.Fprint(w, chatResponse(`{"questions":[`+strings.Join(qs, ",")+`]}`, 100, 50))
	})
	svc := newTestService(t, handler, st, nil, func(c *config.GenerateConfig) {
		c.QuestionsPerCall = 2
	})

	rep, err := svc.GenerateAll(context.Background(), Params{Categories: []string{"geo"}, QuestionsPerCategory: 5})
	if err != nil {
		t.Fatalf("GenerateAll: %v", err)
	}
	cr := rep.Categories[0]
	if cr.Calls != 3 {
		t.Errorf("expected 3 calls for 5 questions at 2 per call, got %d", cr.Calls)
	}
	if rep.Stored != 5 {
		t.Errorf("expected 5 stored, got %d", rep.Stored)
	}
	if cr.PromptTokens != 300 {
		t.Errorf("expected summed usage across calls, got %d", cr.PromptTokens)
	}
}

func TestGenerateAllFansOutCategories(t *testing.T) {
	st := newFakeStore()
	var call atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seq := call.Add(1)
		args := fmt.Sprintf(`{"questions":[{"prompt":"Question %d?","choices":["a","b"],"correct_answer_index":0}]}`, seq)
		fmt.Fprint(w, chatResponse(args, 10, 5))
	})
	svc := newTestService(t, handler, st, nil, nil)

	rep, err := svc.GenerateAll(context.Background(), Params{Categories: []string{"geo", "hist"}, QuestionsPerCategory: 1})
	if err != nil {
		t.Fatalf("GenerateAll: %v", err)
	}
	if len(rep.Categories) != 2 {
		t.Fatalf("expected 2 category reports, got %d", len(rep.Categories))
	}
	if rep.Categories[0].CategoryID != "geo" || rep.Categories[1].CategoryID != "hist" {
		t.Errorf("category reports out of order: %+v", rep.Categories)
	}
	if rep.Stored != 2 {
		t.Errorf("expected 1 item per category, got %d stored", rep.Stored)
	}
}

func TestGenerateAllAttachesAudio(t *testing.T) {
	st := newFakeStore()
	up := &fakeUploader{}
	audio := []byte("ID3-fake-mp3")
	mux := http.NewServeMux()
	mux.Handle("/chat/completions", staticQuestions(
		`{"questions":[{"prompt":"Capital of France?","choices":["Paris","Lyon","Nice","Lille"],"correct_answer_index":0}]}`, 50, 25))
	mux.HandleFunc("/audio/speech", func(w http.ResponseWriter, r *http.Request) {
		w.Write(audio)
	})
	svc := newTestService(t, mux, st, up, func(c *config.GenerateConfig) {
		c.TTSEnabled = true
	})

	rep, err := svc.GenerateAll(context.Background(), Params{Categories: []string{"geo"}, QuestionsPerCategory: 1})
	if err != nil {
		t.Fatalf("GenerateAll: %v", err)
	}
	cr := rep.Categories[0]
	if cr.AudioStored != 1 {
		t.Fatalf("expected 1 audio object, got %d", cr.AudioStored)
	}
	if cr.TTSChars != int64(len("Capital of France?")) {
		t.Errorf("expected tts chars to match prompt length, got %d", cr.TTSChars)
	}

	items := st.storedItems()
	if len(items) != 1 {
		t.Fatalf("expected 1 stored item, got %d", len(items))
	}
	it := items[0]
	wantKey := fmt.Sprintf("audio/geo/%s.mp3", it.Hash[:16])
	if it.Question.AudioKey != wantKey {
		t.Errorf("expected audio key %s, got %s", wantKey, it.Question.AudioKey)
	}
	if string(up.objects[wantKey]) != string(audio) {
		t.Errorf("uploader missing audio bytes for %s", wantKey)
	}
	if up.types[wantKey] != "audio/mpeg" {
		t.Errorf("expected audio/mpeg content type, got %s", up.types[wantKey])
	}
}

func TestGenerateAllShipsWithoutAudioOnUploadFailure(t *testing.T) {
	st := newFakeStore()
	up := &fakeUploader{err: fmt.Errorf("bucket offline")}
	mux := http.NewServeMux()
	mux.Handle("/chat/completions", staticQuestions(
		`{"questions":[{"prompt":"Capital of France?","choices":["Paris","Lyon","Nice","Lille"],"correct_answer_index":0}]}`, 50, 25))
	mux.HandleFunc("/audio/speech", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("mp3"))
	})
	svc := newTestService(t, mux, st, up, func(c *config.GenerateConfig) {
		c.TTSEnabled = true
	})

	rep, err := svc.GenerateAll(context.Background(), Params{Categories: []string{"geo"}, QuestionsPerCategory: 1})
	if err != nil {
		t.Fatalf("GenerateAll: %v", err)
	}
	cr := rep.Categories[0]
	if cr.Error != "" {
		t.Errorf("audio failure must not fail the category, got %q", cr.Error)
	}
	if cr.AudioStored != 0 {
		t.Errorf("expected no audio stored, got %d", cr.AudioStored)
	}
	items := st.storedItems()
	if len(items) != 1 || items[0].Question.AudioKey != "" {
		t.Errorf("question should ship without an audio key")
	}
}

func TestGenerateAllProviderFailure(t *testing.T) {
	fastRetries(t)
	st := newFakeStore()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	svc := newTestService(t, handler, st, nil, func(c *config.GenerateConfig) {
		c.MaxAttempts = 1
	})

	rep, err := svc.GenerateAll(context.Background(), Params{Categories: []string{"geo"}, QuestionsPerCategory: 2})
	if err != nil {
		t.Fatalf("category failures belong in the report, got error: %v", err)
	}
	if rep.Failed != 1 {
		t.Fatalf("expected 1 failed category, got %d", rep.Failed)
	}
	if !strings.Contains(rep.Categories[0].Error, "status 500") {
		t.Errorf("expected provider status in category error, got %q", rep.Categories[0].Error)
	}
	run := st.run(t)
	if run.Error != "1 of 1 categories failed" {
		t.Errorf("unexpected run error %q", run.Error)
	}
}

func TestGenerateAllDisabled(t *testing.T) {
	svc := NewService(config.GenerateConfig{Enabled: false}, newFakeStore(), nil, testRegistry(t))

	if _, err := svc.GenerateAll(context.Background(), Params{QuestionsPerCategory: 1}); err == nil {
		t.Fatal("expected error when generation is disabled")
	}
}

func TestGenerateAllValidatesParams(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(t, staticQuestions(`{"questions":[]}`, 1, 1), st, nil, nil)

	if _, err := svc.GenerateAll(context.Background(), Params{Categories: []string{"nope"}, QuestionsPerCategory: 1}); err == nil {
		t.Error("expected error for unknown category")
	}
	if _, err := svc.GenerateAll(context.Background(), Params{Categories: []string{"geo"}, QuestionsPerCategory: 0}); err == nil {
		t.Error("expected error for zero question count")
	}
}

func TestGetConfigMasksAPIKey(t *testing.T) {
	svc := NewService(config.GenerateConfig{APIKey: "sk-test-1234567890"}, nil, nil, nil)

	got := svc.GetConfig()
	if got.APIKey != "sk-t****7890" {
		t.Errorf("unexpected masked key %q", got.APIKey)
	}
	if strings.Contains(got.APIKey, "sk-test-12345") {
		t.Error("api key must not leak through GetConfig")
	}
}
