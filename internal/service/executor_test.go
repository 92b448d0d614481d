package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/odvcencio/assetsync/internal/database"
	"github.com/odvcencio/assetsync/internal/jobs"
	"github.com/odvcencio/assetsync/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	gobreaker "github.com/sony/gobreaker/v2"
)

type fakePlatformClient struct {
	mu         sync.Mutex
	calls      int
	batchCalls int
	err        error
	failures   map[string]string
	remaining  map[string]int
}

func (f *fakePlatformClient) result(params models.Document) *PlatformResult {
	account := params.String("account")
	res := &PlatformResult{Success: true, Data: models.Document{"account": account}, BytesReceived: 10}
	if code, ok := f.failures[account]; ok {
		res = &PlatformResult{ErrorCode: code, ErrorMessage: "platform said no"}
	}
	if n, ok := f.remaining[account]; ok {
		res.RateLimitRemaining = &n
	}
	return res
}

func (f *fakePlatformClient) Execute(_ context.Context, _ models.Platform, _ string, params models.Document) (*PlatformResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result(params), nil
}

type fakeBatchingClient struct {
	fakePlatformClient
}

func (f *fakeBatchingClient) ExecuteBatch(_ context.Context, _ models.Platform, _ string, params []models.Document) ([]*PlatformResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]*PlatformResult, 0, len(params))
	for _, p := range params {
		if p.String("account") == "dropped" {
			out = append(out, nil)
			continue
		}
		out = append(out, f.result(p))
	}
	return out, nil
}

func enqueueAccounts(t *testing.T, env *testEnv, platform models.Platform, conn, requestType string, accounts ...string) {
	t.Helper()
	for _, account := range accounts {
		if _, _, err := env.queue.Enqueue(context.Background(), jobs.EnqueueParams{
			OrgID:        "org-1",
			Platform:     platform,
			ConnectionID: conn,
			RequestType:  requestType,
			Params:       models.Document{"account": account},
		}); err != nil {
			t.Fatal(err)
		}
	}
}

func claimAll(t *testing.T, env *testEnv, platform models.Platform, conn, batchID string) []models.BatchRequest {
	t.Helper()
	reqs, err := env.queue.Claim(context.Background(), platform, conn, batchID, 100)
	if err != nil {
		t.Fatal(err)
	}
	return reqs
}

// wideOpen lifts the meta rate limit out of the way.
var wideOpen = Profiles{models.PlatformMeta: {RequestsPerHour: 1_000_000, Burst: 100}}

func TestExecuteBatchIsolatesRequestFailures(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()
	client := &fakePlatformClient{failures: map[string]string{"a8": models.ErrorCodeTimeout, "a9": models.ErrorCodeTimeout}}
	metrics := NewMetrics(prometheus.NewRegistry())
	exec := NewBatchExecutor(env.queue, env.log, map[models.Platform]PlatformClient{models.PlatformMeta: client},
		ExecutorOptions{Profiles: wideOpen, Metrics: metrics, Now: env.clock.Now})

	enqueueAccounts(t, env, models.PlatformMeta, "conn-1", "get_pages", "a0", "a1", "a2", "a3", "a4", "a5", "a6", "a7", "a8", "a9")
	reqs := claimAll(t, env, models.PlatformMeta, "conn-1", "batch-1")
	if len(reqs) != 10 {
		t.Fatalf("claimed %d, want 10", len(reqs))
	}

	log, err := exec.ExecuteBatch(ctx, models.PlatformMeta, "conn-1", "batch-1", reqs)
	if err != nil {
		t.Fatal(err)
	}
	if log.SuccessCount != 8 || log.FailureCount != 2 || log.SkippedCount != 0 {
		t.Fatalf("counts = %d/%d/%d, want 8/2/0", log.SuccessCount, log.FailureCount, log.SkippedCount)
	}
	if log.SuccessRate() != 80 || log.APICallsMade != 10 || log.BytesReceived != 80 {
		t.Fatalf("log = %+v", log)
	}
	if len(log.Errors) != 2 {
		t.Fatalf("errors = %+v", log.Errors)
	}

	for _, req := range reqs {
		got, err := env.queue.Get(ctx, req.ID)
		if err != nil {
			t.Fatal(err)
		}
		switch req.Params.String("account") {
		case "a8", "a9":
			if got.Status != models.QueuePending || got.Attempts != 1 || got.ErrorCode != models.ErrorCodeTimeout {
				t.Fatalf("failed request = %+v", got)
			}
		default:
			if got.Status != models.QueueCompleted || got.ResponseData.String("account") != req.Params.String("account") {
				t.Fatalf("completed request = %+v", got)
			}
		}
	}

	if got := testutil.ToFloat64(metrics.requests.WithLabelValues("meta", "success")); got != 8 {
		t.Fatalf("success metric = %v, want 8", got)
	}
	if got := testutil.ToFloat64(metrics.requests.WithLabelValues("meta", "failure")); got != 2 {
		t.Fatalf("failure metric = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.apiCalls.WithLabelValues("meta")); got != 10 {
		t.Fatalf("api call metric = %v, want 10", got)
	}
}

func TestExecuteBatchUsesBatchingClient(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()
	client := &fakeBatchingClient{}
	profiles := Profiles{models.PlatformMeta: {MaxBatchSize: 4, RequestsPerHour: 1_000_000, Burst: 100}}
	exec := NewBatchExecutor(env.queue, env.log, map[models.Platform]PlatformClient{models.PlatformMeta: client},
		ExecutorOptions{Profiles: profiles, Now: env.clock.Now})

	enqueueAccounts(t, env, models.PlatformMeta, "conn-1", "get_pages", "p0", "p1", "p2", "p3", "p4", "dropped")
	enqueueAccounts(t, env, models.PlatformMeta, "conn-1", "get_metrics", "m0", "m1")
	reqs := claimAll(t, env, models.PlatformMeta, "conn-1", "batch-1")

	log, err := exec.ExecuteBatch(ctx, models.PlatformMeta, "conn-1", "batch-1", reqs)
	if err != nil {
		t.Fatal(err)
	}
	// get_pages splits into chunks of 4 and 2; get_metrics fits one call.
	if client.batchCalls != 3 || client.calls != 0 {
		t.Fatalf("batch calls = %d, single calls = %d", client.batchCalls, client.calls)
	}
	if log.APICallsMade != 3 || log.BatchType != BatchTypeFieldExpansion {
		t.Fatalf("log = %+v", log)
	}
	if log.SuccessCount != 7 || log.FailureCount != 1 {
		t.Fatalf("counts = %d/%d, want 7/1", log.SuccessCount, log.FailureCount)
	}
	if log.Errors[0].Code != models.ErrorCodeMissingResponse {
		t.Fatalf("errors = %+v", log.Errors)
	}
}

func TestExecuteBatchExpandsBatchCallFailure(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()
	client := &fakeBatchingClient{fakePlatformClient{err: errors.New("502 bad gateway")}}
	exec := NewBatchExecutor(env.queue, env.log, map[models.Platform]PlatformClient{models.PlatformMeta: client},
		ExecutorOptions{Profiles: wideOpen, Now: env.clock.Now})

	enqueueAccounts(t, env, models.PlatformMeta, "conn-1", "get_pages", "a", "b", "c")
	reqs := claimAll(t, env, models.PlatformMeta, "conn-1", "batch-1")

	log, err := exec.ExecuteBatch(ctx, models.PlatformMeta, "conn-1", "batch-1", reqs)
	if err != nil {
		t.Fatal(err)
	}
	if log.FailureCount != 3 || log.SuccessCount != 0 || log.APICallsMade != 1 {
		t.Fatalf("log = %+v", log)
	}
	for _, req := range reqs {
		got, _ := env.queue.Get(ctx, req.ID)
		if got.Status != models.QueuePending || got.ErrorCode != models.ErrorCodeBatchFailed || got.Attempts != 1 {
			t.Fatalf("request = %+v", got)
		}
	}
}

func TestExecuteBatchReleasesWhenBreakerOpens(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()
	client := &fakePlatformClient{err: errors.New("connection reset")}
	metrics := NewMetrics(prometheus.NewRegistry())
	exec := NewBatchExecutor(env.queue, env.log, map[models.Platform]PlatformClient{models.PlatformMeta: client},
		ExecutorOptions{Profiles: wideOpen, Metrics: metrics, BreakerFailures: 1, Now: env.clock.Now})

	enqueueAccounts(t, env, models.PlatformMeta, "conn-1", "get_pages", "a", "b", "c")
	reqs := claimAll(t, env, models.PlatformMeta, "conn-1", "batch-1")

	log, err := exec.ExecuteBatch(ctx, models.PlatformMeta, "conn-1", "batch-1", reqs)
	if err != nil {
		t.Fatal(err)
	}
	if client.calls != 1 {
		t.Fatalf("calls = %d, want 1 before the breaker opened", client.calls)
	}
	if log.FailureCount != 1 || log.SkippedCount != 2 {
		t.Fatalf("counts = %d failed, %d skipped", log.FailureCount, log.SkippedCount)
	}
	if exec.BreakerState(models.PlatformMeta) != gobreaker.StateOpen {
		t.Fatalf("breaker = %v, want open", exec.BreakerState(models.PlatformMeta))
	}
	if got := testutil.ToFloat64(metrics.breakerState.WithLabelValues("meta")); got != 2 {
		t.Fatalf("breaker metric = %v, want 2", got)
	}

	for _, req := range reqs[1:] {
		got, _ := env.queue.Get(ctx, req.ID)
		if got.Status != models.QueuePending || got.Attempts != 0 {
			t.Fatalf("released request = %+v, want pending with no attempt used", got)
		}
	}

	ran, err := exec.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Fatal("RunOnce ran a batch while the breaker was open")
	}
}

func TestExecuteBatchReleasesWhenRateLimited(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()
	client := &fakePlatformClient{}
	profiles := Profiles{models.PlatformMeta: {BatchType: BatchTypeSingle, RequestsPerHour: 1, Burst: 1}}
	exec := NewBatchExecutor(env.queue, env.log, map[models.Platform]PlatformClient{models.PlatformMeta: client},
		ExecutorOptions{Profiles: profiles, Now: env.clock.Now})

	enqueueAccounts(t, env, models.PlatformMeta, "conn-1", "get_pages", "a", "b", "c")
	reqs := claimAll(t, env, models.PlatformMeta, "conn-1", "batch-1")

	log, err := exec.ExecuteBatch(ctx, models.PlatformMeta, "conn-1", "batch-1", reqs)
	if err != nil {
		t.Fatal(err)
	}
	if client.calls != 1 || log.SuccessCount != 1 || log.SkippedCount != 2 {
		t.Fatalf("calls = %d, log = %+v", client.calls, log)
	}
	if !log.RateLimitHit {
		t.Fatal("rate limit hit was not recorded")
	}
	stored, err := env.log.Get(ctx, "batch-1")
	if err != nil {
		t.Fatal(err)
	}
	if !stored.RateLimitHit || stored.Status != models.BatchLogCompleted {
		t.Fatalf("stored log = %+v", stored)
	}
}

func TestExecuteBatchKeepsLowestRemainingQuota(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()
	client := &fakePlatformClient{remaining: map[string]int{"a": 50, "b": 7, "c": 20}}
	exec := NewBatchExecutor(env.queue, env.log, map[models.Platform]PlatformClient{models.PlatformMeta: client},
		ExecutorOptions{Profiles: wideOpen, Now: env.clock.Now})

	enqueueAccounts(t, env, models.PlatformMeta, "conn-1", "get_pages", "a", "b", "c")
	reqs := claimAll(t, env, models.PlatformMeta, "conn-1", "batch-1")
	if _, err := exec.ExecuteBatch(ctx, models.PlatformMeta, "conn-1", "batch-1", reqs); err != nil {
		t.Fatal(err)
	}
	stored, err := env.log.Get(ctx, "batch-1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.RateLimitRemaining == nil || *stored.RateLimitRemaining != 7 || stored.RateLimitHit {
		t.Fatalf("rate limit info = %+v", stored)
	}
}

func TestRunOnceDrainsPlatformsWithClients(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()
	client := &fakePlatformClient{}
	exec := NewBatchExecutor(env.queue, env.log, map[models.Platform]PlatformClient{models.PlatformMeta: client},
		ExecutorOptions{Profiles: wideOpen, Now: env.clock.Now})

	enqueueAccounts(t, env, models.PlatformMeta, "conn-1", "get_pages", "a", "b")
	enqueueAccounts(t, env, models.PlatformPinterest, "conn-2", "get_boards", "x")

	ran, err := exec.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ran || client.calls != 2 {
		t.Fatalf("ran = %v, calls = %d", ran, client.calls)
	}
	ran, err = exec.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Fatal("second RunOnce found work for a platform without a client")
	}

	stats, err := env.queue.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 1 || stats.Processing != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRunOnceHoldsPartialBatches(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()
	client := &fakePlatformClient{}
	exec := NewBatchExecutor(env.queue, env.log, map[models.Platform]PlatformClient{models.PlatformMeta: client},
		ExecutorOptions{Profiles: wideOpen, HoldPartialBatches: true, Now: env.clock.Now})

	enqueueAccounts(t, env, models.PlatformMeta, "conn-1", "get_pages", "a", "b")
	ran, err := exec.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Fatal("partial batch ran before its flush interval")
	}

	env.clock.Advance(DefaultProfile(models.PlatformMeta).FlushInterval)
	ran, err = exec.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ran || client.calls != 2 {
		t.Fatalf("ran = %v, calls = %d after flush interval", ran, client.calls)
	}
}

func TestProfilesOverrideDefaults(t *testing.T) {
	p := Profiles{models.PlatformGoogle: {MaxBatchSize: 10}}
	got := p.For(models.PlatformGoogle)
	if got.MaxBatchSize != 10 || got.BatchType != BatchTypeSearchStream || got.RequestsPerHour != 400 {
		t.Fatalf("google profile = %+v", got)
	}
	unknown := p.For("myspace")
	if unknown.Batches() || unknown.MaxBatchSize != 50 {
		t.Fatalf("unknown profile = %+v", unknown)
	}
	if !DefaultProfile(models.PlatformSnapchat).Batches() {
		t.Fatal("snapchat should batch")
	}
}

func TestGroupByRequestTypeKeepsClaimOrder(t *testing.T) {
	reqs := make([]models.BatchRequest, 0, 5)
	for i, rt := range []string{"get_pages", "get_metrics", "get_pages", "get_insights", "get_metrics"} {
		reqs = append(reqs, models.BatchRequest{ID: int64(i + 1), RequestType: rt})
	}
	groups := groupByRequestType(reqs)
	if len(groups) != 3 {
		t.Fatalf("groups = %d, want 3", len(groups))
	}
	got := fmt.Sprint(groups[0][0].ID, groups[0][1].ID, groups[1][0].ID, groups[1][1].ID, groups[2][0].ID)
	if got != "1 3 2 5 4" {
		t.Fatalf("group order = %s", got)
	}
}

// recordingClient answers every request and remembers the dispatch order.
type recordingClient struct {
	mu      sync.Mutex
	order   []string
	respond func(requestType string, params models.Document) *PlatformResult
}

func (c *recordingClient) Execute(_ context.Context, _ models.Platform, requestType string, params models.Document) (*PlatformResult, error) {
	c.mu.Lock()
	c.order = append(c.order, requestType)
	c.mu.Unlock()
	if c.respond != nil {
		return c.respond(requestType, params), nil
	}
	return &PlatformResult{Success: true, Data: models.Document{}}, nil
}

func TestRunOnceDispatchesHigherPriorityFirst(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()
	client := &recordingClient{}
	exec := NewBatchExecutor(env.queue, env.log, map[models.Platform]PlatformClient{models.PlatformMeta: client},
		ExecutorOptions{Profiles: wideOpen, Now: env.clock.Now})

	for _, r := range []struct {
		requestType string
		account     string
		priority    int
	}{
		{"get_metrics", "m1", 5},
		{"get_insights", "i1", 5},
		{"get_pages", "p1", 1},
		{"get_ad_accounts", "a1", 3},
	} {
		if _, _, err := env.queue.Enqueue(ctx, jobs.EnqueueParams{
			OrgID:        "org-1",
			Platform:     models.PlatformMeta,
			ConnectionID: "conn-1",
			RequestType:  r.requestType,
			Params:       models.Document{"account": r.account},
			Priority:     r.priority,
		}); err != nil {
			t.Fatal(err)
		}
	}

	ran, err := exec.RunOnce(ctx)
	if err != nil || !ran {
		t.Fatalf("RunOnce = %v, %v", ran, err)
	}
	if len(client.order) != 4 {
		t.Fatalf("dispatched %v, want 4 calls", client.order)
	}
	if got := strings.Join(client.order[:2], " "); got != "get_pages get_ad_accounts" {
		t.Fatalf("dispatch order = %v, want priority 1 then 3 before priority 5", client.order)
	}
}

func TestSplitByPriorityOrdersTiers(t *testing.T) {
	base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	reqs := []models.BatchRequest{
		{ID: 1, Priority: 5, ScheduledAt: base},
		{ID: 2, Priority: 1, ScheduledAt: base.Add(time.Minute)},
		{ID: 3, Priority: 5, ScheduledAt: base.Add(-time.Minute)},
		{ID: 4, Priority: 1, ScheduledAt: base},
	}
	tiers := splitByPriority(reqs)
	if len(tiers) != 2 {
		t.Fatalf("tiers = %d, want 2", len(tiers))
	}
	got := fmt.Sprint(tiers[0][0].ID, tiers[0][1].ID, tiers[1][0].ID, tiers[1][1].ID)
	if got != "4 2 3 1" {
		t.Fatalf("tier order = %s", got)
	}
	if reqs[0].ID != 1 {
		t.Fatal("splitByPriority reordered the caller's slice")
	}
}

// failingCompleteDB fails every completion after the first n.
type failingCompleteDB struct {
	database.DB
	mu    sync.Mutex
	n     int
	calls int
}

func (f *failingCompleteDB) CompleteBatchRequest(ctx context.Context, id int64, response models.Document, now time.Time) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls > f.n
	f.mu.Unlock()
	if fail {
		return errors.New("disk I/O error")
	}
	return f.DB.CompleteBatchRequest(ctx, id, response, now)
}

func TestExecuteBatchReleasesRowsAfterWriteFailure(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()
	queue := jobs.NewQueue(&failingCompleteDB{DB: env.db, n: 1}, jobs.QueueOptions{Now: env.clock.Now})
	client := &fakePlatformClient{}
	exec := NewBatchExecutor(queue, env.log, map[models.Platform]PlatformClient{models.PlatformMeta: client},
		ExecutorOptions{Profiles: wideOpen, Now: env.clock.Now})

	enqueueAccounts(t, env, models.PlatformMeta, "conn-1", "get_pages", "a0", "a1", "a2", "a3")
	reqs := claimAll(t, env, models.PlatformMeta, "conn-1", "batch-1")
	if len(reqs) != 4 {
		t.Fatalf("claimed %d, want 4", len(reqs))
	}

	log, err := exec.ExecuteBatch(ctx, models.PlatformMeta, "conn-1", "batch-1", reqs)
	if err == nil {
		t.Fatal("expected the write failure to be returned")
	}
	if log == nil || log.SuccessCount != 1 || log.SkippedCount != 3 {
		t.Fatalf("log = %+v, want 1 success and 3 released", log)
	}
	for i, req := range reqs {
		got, err := env.queue.Get(ctx, req.ID)
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			if got.Status != models.QueueCompleted {
				t.Fatalf("first request = %s, want completed", got.Status)
			}
			continue
		}
		if got.Status != models.QueuePending || got.Attempts != 0 || got.BatchID != "" {
			t.Fatalf("request %d = %s attempts=%d batch=%q, want released", req.ID, got.Status, got.Attempts, got.BatchID)
		}
	}
}
