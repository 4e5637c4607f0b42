package alloc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/quizforge/quizforge/internal/config"
	"github.com/quizforge/quizforge/internal/ledger"
	"github.com/quizforge/quizforge/internal/pool"
)

type testEnv struct {
	alloc  *Allocator
	ledger *ledger.Ledger
	pool   *pool.Index
	mr     *miniredis.Miniredis
	cfg    *config.Settings
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	led := ledger.New(client, 2*time.Second)
	idx := pool.New(client, 2*time.Second)
	settings := config.NewSettings(config.AllocConfig{MaxSetsPerCategory: 10, MaxAgeMonths: 2})
	return &testEnv{
		alloc:  New(led, idx, settings, 8, nil),
		ledger: led,
		pool:   idx,
		mr:     mr,
		cfg:    settings,
	}
}

func pinAllocNow(t *testing.T, fixed time.Time) {
	t.Helper()
	old := allocNow
	allocNow = func() time.Time { return fixed }
	t.Cleanup(func() { allocNow = old })
}

// seedUser records sets as past draws, one commit per set with its timestamp.
func seedUser(t *testing.T, led *ledger.Ledger, userID, categoryID string, sets []string, at []time.Time) {
	t.Helper()
	ctx := context.Background()
	for i, id := range sets {
		err := led.Commit(ctx, &ledger.Mutation{
			UserID:     userID,
			CategoryID: categoryID,
			SetIDs:     append([]string(nil), sets[:i+1]...),
			Assign:     id,
			Now:        at[i],
		})
		if err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
}

func sameTimes(n int, at time.Time) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = at
	}
	return out
}

func mustEnqueue(t *testing.T, idx *pool.Index, categoryID string, ids []string) {
	t.Helper()
	if _, err := idx.Enqueue(context.Background(), categoryID, ids); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func ledgerList(t *testing.T, led *ledger.Ledger, userID, categoryID string) []string {
	t.Helper()
	rec, err := led.Category(context.Background(), userID, categoryID)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	return rec.SetIDs
}

func wantList(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("list = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("list = %v, want %v", got, want)
		}
	}
}

func TestFreshAllocationFromFullPool(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mustEnqueue(t, env.pool, "cat-X", []string{"S1", "S2", "S3"})

	res, err := env.alloc.AllocateNext(ctx, "U", "cat-X")
	if err != nil {
		t.Fatalf("AllocateNext: %v", err)
	}
	if res.SetID != "S1" {
		t.Fatalf("SetID = %q, want S1", res.SetID)
	}
	wantList(t, ledgerList(t, env.ledger, "U", "cat-X"), []string{"S1"})

	queued, err := env.pool.PeekAll(ctx, "cat-X")
	if err != nil {
		t.Fatalf("PeekAll: %v", err)
	}
	wantList(t, queued, []string{"S1", "S2", "S3"})
}

func TestSecondAllocationSkipsHeld(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mustEnqueue(t, env.pool, "cat-X", []string{"S1", "S2", "S3"})
	seedUser(t, env.ledger, "U", "cat-X", []string{"S1"}, sameTimes(1, time.Now().UTC()))

	res, err := env.alloc.AllocateNext(ctx, "U", "cat-X")
	if err != nil {
		t.Fatalf("AllocateNext: %v", err)
	}
	if res.SetID != "S2" {
		t.Fatalf("SetID = %q, want S2", res.SetID)
	}
	wantList(t, ledgerList(t, env.ledger, "U", "cat-X"), []string{"S1", "S2"})
}

func TestCountCapEvictionOnAllocation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.cfg.SetMaxSetsPerCategory(3); err != nil {
		t.Fatal(err)
	}
	mustEnqueue(t, env.pool, "cat-X", []string{"A", "B", "C", "D", "E"})
	seedUser(t, env.ledger, "U", "cat-X", []string{"A", "B", "C"}, sameTimes(3, time.Now().UTC()))

	res, err := env.alloc.AllocateNext(ctx, "U", "cat-X")
	if err != nil {
		t.Fatalf("AllocateNext: %v", err)
	}
	if res.SetID != "D" {
		t.Fatalf("SetID = %q, want D (never the set rotated out this draw)", res.SetID)
	}
	if len(res.Evicted) != 1 || res.Evicted[0].SetID != "A" || res.Evicted[0].Reason != "EXCEEDED_CAP" {
		t.Fatalf("Evicted = %+v, want [{A EXCEEDED_CAP}]", res.Evicted)
	}
	wantList(t, ledgerList(t, env.ledger, "U", "cat-X"), []string{"B", "C", "D"})

	meta, err := env.ledger.Meta(ctx, "U")
	if err != nil {
		t.Fatalf("Meta: %v", err)
	}
	if meta["evicted_count:cat-X"] != "1" {
		t.Fatalf("evicted_count = %q, want 1", meta["evicted_count:cat-X"])
	}
	if meta["count:cat-X"] != "3" {
		t.Fatalf("count = %q, want 3", meta["count:cat-X"])
	}
}

func TestAgeCapEvictionReleasesSetsForRedraw(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	pinAllocNow(t, now)

	mustEnqueue(t, env.pool, "cat-X", []string{"X", "Y", "Z", "W"})
	seedUser(t, env.ledger, "U", "cat-X",
		[]string{"X", "Y", "Z"},
		[]time.Time{now.AddDate(0, -3, 0), now.AddDate(0, -3, 0), now.AddDate(0, 0, -7)})

	res, err := env.alloc.AllocateNext(ctx, "U", "cat-X")
	if err != nil {
		t.Fatalf("AllocateNext: %v", err)
	}
	// X and Y expired and went back into circulation; the FIFO scan finds X
	// before W even though this user held it historically.
	if res.SetID != "X" {
		t.Fatalf("SetID = %q, want X", res.SetID)
	}
	if len(res.Evicted) != 2 {
		t.Fatalf("Evicted = %+v, want X and Y", res.Evicted)
	}
	for _, ev := range res.Evicted {
		if ev.Reason != "AGE_EXPIRED" {
			t.Fatalf("reason = %q, want AGE_EXPIRED", ev.Reason)
		}
	}
	wantList(t, ledgerList(t, env.ledger, "U", "cat-X"), []string{"Z", "X"})

	rec, err := env.ledger.Category(ctx, "U", "cat-X")
	if err != nil {
		t.Fatalf("Category: %v", err)
	}
	if !rec.AssignedAt["X"].Equal(now) {
		t.Fatalf("AssignedAt[X] = %v, want redraw time %v", rec.AssignedAt["X"], now)
	}
}

func TestPoolExhaustedLeavesLedgerUnchanged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mustEnqueue(t, env.pool, "cat-X", []string{"S1", "S2"})
	seedUser(t, env.ledger, "U", "cat-X", []string{"S1", "S2"}, sameTimes(2, time.Now().UTC()))

	res, err := env.alloc.AllocateNext(ctx, "U", "cat-X")
	if err != nil {
		t.Fatalf("AllocateNext: %v", err)
	}
	if res.Allocated() {
		t.Fatalf("SetID = %q, want none", res.SetID)
	}
	if len(res.Evicted) != 0 {
		t.Fatalf("Evicted = %+v, want none", res.Evicted)
	}
	wantList(t, ledgerList(t, env.ledger, "U", "cat-X"), []string{"S1", "S2"})
}

func TestAgeTrimPersistsWhenDrawFindsNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	pinAllocNow(t, now)

	mustEnqueue(t, env.pool, "cat-X", []string{"Y"})
	seedUser(t, env.ledger, "U", "cat-X",
		[]string{"X", "Y"},
		[]time.Time{now.AddDate(0, -3, 0), now.AddDate(0, 0, -7)})

	res, err := env.alloc.AllocateNext(ctx, "U", "cat-X")
	if err != nil {
		t.Fatalf("AllocateNext: %v", err)
	}
	if res.Allocated() {
		t.Fatalf("SetID = %q, want none (only pooled set is already held)", res.SetID)
	}
	if len(res.Evicted) != 1 || res.Evicted[0].SetID != "X" {
		t.Fatalf("Evicted = %+v, want [{X AGE_EXPIRED}]", res.Evicted)
	}
	wantList(t, ledgerList(t, env.ledger, "U", "cat-X"), []string{"Y"})
	if env.mr.HGet("alloc:ts:U", "cat-X:X") != "" {
		t.Fatal("expired assignment kept its timestamp")
	}
}

func TestLoweredCapTrimsOnNullDraw(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sets := []string{"S1", "S2", "S3", "S4", "S5"}
	mustEnqueue(t, env.pool, "cat-X", sets)
	seedUser(t, env.ledger, "U", "cat-X", sets, sameTimes(5, time.Now().UTC()))

	if err := env.cfg.SetMaxSetsPerCategory(3); err != nil {
		t.Fatal(err)
	}

	res, err := env.alloc.AllocateNext(ctx, "U", "cat-X")
	if err != nil {
		t.Fatalf("AllocateNext: %v", err)
	}
	if res.Allocated() {
		t.Fatalf("SetID = %q, want none", res.SetID)
	}
	if len(res.Evicted) != 2 {
		t.Fatalf("Evicted = %+v, want the two oldest", res.Evicted)
	}
	wantList(t, ledgerList(t, env.ledger, "U", "cat-X"), []string{"S3", "S4", "S5"})
}

func TestConcurrentDrawsSameUserCategory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mustEnqueue(t, env.pool, "cat-X", []string{"S1", "S2", "S3", "S4"})

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.alloc.AllocateNext(ctx, "U", "cat-X")
			errs[i] = err
			if err == nil {
				results[i] = res.SetID
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("draw %d: %v", i, err)
		}
	}
	if results[0] == results[1] {
		t.Fatalf("both draws returned %q", results[0])
	}
	list := ledgerList(t, env.ledger, "U", "cat-X")
	if len(list) != 2 {
		t.Fatalf("ledger = %v, want two entries", list)
	}
	if list[0] == list[1] {
		t.Fatalf("duplicate entry in ledger: %v", list)
	}
}

func TestAllocateBatchAggregatesPerCategory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mustEnqueue(t, env.pool, "math", []string{"M1"})
	// science pool left empty

	out, err := env.alloc.AllocateBatch(ctx, "U", []string{"math", "science", "math"})
	if err != nil {
		t.Fatalf("AllocateBatch: %v", err)
	}
	if out.Allocated["math"] != "M1" {
		t.Fatalf("Allocated = %v, want math:M1", out.Allocated)
	}
	if out.Failed["science"] != FailNoSetsAvailable {
		t.Fatalf("Failed = %v, want science:NO_SETS_AVAILABLE", out.Failed)
	}
	// the repeated "math" must not double-draw
	wantList(t, ledgerList(t, env.ledger, "U", "math"), []string{"M1"})
}

func TestAllocateBatchLedgerDown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mr.Close()

	out, err := env.alloc.AllocateBatch(ctx, "U", []string{"math", "science"})
	if err != nil {
		t.Fatalf("batch must not fail as a request: %v", err)
	}
	if len(out.Allocated) != 0 {
		t.Fatalf("Allocated = %v, want none", out.Allocated)
	}
	for _, cat := range []string{"math", "science"} {
		if out.Failed[cat] != FailLedgerUnavailable {
			t.Fatalf("Failed[%s] = %q, want LEDGER_UNAVAILABLE", cat, out.Failed[cat])
		}
	}
}

func TestAllocateBatchPoolDown(t *testing.T) {
	ledgerMR := miniredis.RunT(t)
	poolMR := miniredis.RunT(t)
	ledgerClient := redis.NewClient(&redis.Options{Addr: ledgerMR.Addr()})
	poolClient := redis.NewClient(&redis.Options{Addr: poolMR.Addr()})
	t.Cleanup(func() { ledgerClient.Close(); poolClient.Close() })

	led := ledger.New(ledgerClient, 2*time.Second)
	idx := pool.New(poolClient, 2*time.Second)
	settings := config.NewSettings(config.AllocConfig{MaxSetsPerCategory: 10, MaxAgeMonths: 2})
	a := New(led, idx, settings, 8, nil)

	poolMR.Close()

	out, err := a.AllocateBatch(context.Background(), "U", []string{"math"})
	if err != nil {
		t.Fatalf("AllocateBatch: %v", err)
	}
	if out.Failed["math"] != FailPoolUnavailable {
		t.Fatalf("Failed = %v, want math:POOL_UNAVAILABLE", out.Failed)
	}
}

func TestCorruptListAbortsDraw(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mr.HSet("alloc:U", "cat-X", `["S1","S1"]`)
	mustEnqueue(t, env.pool, "cat-X", []string{"S2"})

	_, err := env.alloc.AllocateNext(ctx, "U", "cat-X")
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("err = %v, want ErrInvariantViolation", err)
	}
	if ClassifyError(err) != FailInvariantViolation {
		t.Fatalf("code = %q, want INVARIANT_VIOLATION", ClassifyError(err))
	}
}

func TestEvictUserSweepsAllCategories(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	pinAllocNow(t, now)

	seedUser(t, env.ledger, "U", "math",
		[]string{"A", "B"},
		[]time.Time{now.AddDate(0, -3, 0), now.AddDate(0, 0, -1)})
	twelve := []string{"C1", "C2", "C3", "C4", "C5", "C6", "C7", "C8", "C9", "C10", "C11", "C12"}
	seedUser(t, env.ledger, "U", "science", twelve, sameTimes(12, now.Add(-time.Hour)))

	removed, err := env.alloc.EvictUser(ctx, "U")
	if err != nil {
		t.Fatalf("EvictUser: %v", err)
	}
	if len(removed["math"]) != 1 || removed["math"][0].SetID != "A" {
		t.Fatalf("math removals = %+v, want [A]", removed["math"])
	}
	sci := removed["science"]
	if len(sci) != 2 || sci[0].SetID != "C1" || sci[1].SetID != "C2" {
		t.Fatalf("science removals = %+v, want oldest two", sci)
	}
	for _, ev := range sci {
		if ev.Reason != "EXCEEDED_CAP" {
			t.Fatalf("reason = %q, want EXCEEDED_CAP", ev.Reason)
		}
	}
	wantList(t, ledgerList(t, env.ledger, "U", "math"), []string{"B"})
	if got := ledgerList(t, env.ledger, "U", "science"); len(got) != 10 {
		t.Fatalf("science len = %d, want 10", len(got))
	}
}

func TestEvictUserAtCapKeepsList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.cfg.SetMaxSetsPerCategory(3); err != nil {
		t.Fatal(err)
	}
	seedUser(t, env.ledger, "U", "cat-X", []string{"A", "B", "C"}, sameTimes(3, time.Now().UTC()))

	removed, err := env.alloc.EvictUser(ctx, "U")
	if err != nil {
		t.Fatalf("EvictUser: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("removed = %+v, want none at exactly the cap", removed)
	}
	wantList(t, ledgerList(t, env.ledger, "U", "cat-X"), []string{"A", "B", "C"})
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.alloc.AllocateNext(ctx, "", "cat-X"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("empty user: %v", err)
	}
	if _, err := env.alloc.AllocateNext(ctx, "U", ""); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("empty category: %v", err)
	}
	if _, err := env.alloc.AllocateBatch(ctx, "U", nil); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("empty batch: %v", err)
	}
	if _, err := env.alloc.EvictUser(ctx, "\x01"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("control chars: %v", err)
	}
}

func TestRepairedTimestampWrittenDuringDraw(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mr.HSet("alloc:U", "cat-X", `["R1"]`)
	mustEnqueue(t, env.pool, "cat-X", []string{"R1", "R2"})

	res, err := env.alloc.AllocateNext(ctx, "U", "cat-X")
	if err != nil {
		t.Fatalf("AllocateNext: %v", err)
	}
	if res.SetID != "R2" {
		t.Fatalf("SetID = %q, want R2", res.SetID)
	}
	if env.mr.HGet("alloc:ts:U", "cat-X:R1") == "" {
		t.Fatal("missing timestamp was not repaired")
	}
	wantList(t, ledgerList(t, env.ledger, "U", "cat-X"), []string{"R1", "R2"})
}
