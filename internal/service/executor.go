package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/odvcencio/assetsync/internal/jobs"
	"github.com/odvcencio/assetsync/internal/models"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const serviceTracerName = "github.com/odvcencio/assetsync/internal/service"

const (
	defaultBreakerTimeout  = time.Minute
	defaultBreakerFailures = 5
	defaultMaxRateWait     = 2 * time.Second
	defaultPartitionScan   = 20
	maxGroupConcurrency    = 4
)

// PlatformResult is a platform's answer to one logical request.
type PlatformResult struct {
	Success            bool
	Data               models.Document
	ErrorCode          string
	ErrorMessage       string
	RateLimitRemaining *int
	RateLimitResetAt   *time.Time
	BytesReceived      int64
}

// PlatformClient executes one request against a platform API. A returned
// error means the call itself failed; request-level failures are reported in
// the result.
type PlatformClient interface {
	Execute(ctx context.Context, platform models.Platform, requestType string, params models.Document) (*PlatformResult, error)
}

// BatchingClient serves several requests of one type with a single network
// call. Results are positional; a missing or nil entry fails its request.
type BatchingClient interface {
	PlatformClient
	ExecuteBatch(ctx context.Context, platform models.Platform, requestType string, params []models.Document) ([]*PlatformResult, error)
}

// ResultSink applies a successful response to local state before its
// request is marked completed. A returned error fails the request with a
// retryable code.
type ResultSink interface {
	ApplyResult(ctx context.Context, req models.BatchRequest, data models.Document) error
}

type ExecutorOptions struct {
	Profiles Profiles
	Metrics  *Metrics
	Sink     ResultSink
	// BreakerFailures consecutive call errors open a platform's breaker for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	// MaxRateWait is the longest a call waits for a limiter token. Longer
	// waits release the requests back to the queue instead.
	MaxRateWait time.Duration
	// HoldPartialBatches keeps a partition that cannot fill a batch waiting
	// until its oldest request is older than the profile's flush interval.
	HoldPartialBatches bool
	PartitionScan      int
	Now                func() time.Time
	Logger             *slog.Logger
}

// BatchExecutor claims queued requests per (platform, connection) and runs
// them through the platform's client.
type BatchExecutor struct {
	queue           *jobs.Queue
	log             *ExecutionLog
	clients         map[models.Platform]PlatformClient
	sink            ResultSink
	profiles        Profiles
	metrics         *Metrics
	breakerFailures uint32
	breakerTimeout  time.Duration
	maxRateWait     time.Duration
	holdPartial     bool
	partitionScan   int
	now             func() time.Time
	logger          *slog.Logger

	mu       sync.Mutex
	limiters map[models.Platform]*rate.Limiter
	breakers map[models.Platform]*gobreaker.CircuitBreaker[any]
}

func NewBatchExecutor(queue *jobs.Queue, log *ExecutionLog, clients map[models.Platform]PlatformClient, opts ExecutorOptions) *BatchExecutor {
	e := &BatchExecutor{
		queue:           queue,
		log:             log,
		clients:         clients,
		sink:            opts.Sink,
		profiles:        opts.Profiles,
		metrics:         opts.Metrics,
		breakerFailures: opts.BreakerFailures,
		breakerTimeout:  opts.BreakerTimeout,
		maxRateWait:     opts.MaxRateWait,
		holdPartial:     opts.HoldPartialBatches,
		partitionScan:   opts.PartitionScan,
		now:             Options{Now: opts.Now}.clock(),
		logger:          Options{Logger: opts.Logger}.logger(),
		limiters:        make(map[models.Platform]*rate.Limiter),
		breakers:        make(map[models.Platform]*gobreaker.CircuitBreaker[any]),
	}
	if e.breakerFailures == 0 {
		e.breakerFailures = defaultBreakerFailures
	}
	if e.breakerTimeout <= 0 {
		e.breakerTimeout = defaultBreakerTimeout
	}
	if e.maxRateWait <= 0 {
		e.maxRateWait = defaultMaxRateWait
	}
	if e.partitionScan <= 0 {
		e.partitionScan = defaultPartitionScan
	}
	return e
}

// RunOnce claims and executes one batch from the most urgent ready partition.
// It reports whether a batch ran.
func (e *BatchExecutor) RunOnce(ctx context.Context) (bool, error) {
	parts, err := e.queue.Partitions(ctx, e.partitionScan)
	if err != nil {
		return false, err
	}
	now := e.now()
	for _, p := range parts {
		if _, ok := e.clients[p.Platform]; !ok {
			continue
		}
		if e.breaker(p.Platform).State() == gobreaker.StateOpen {
			continue
		}
		profile := e.profiles.For(p.Platform)
		if e.holdPartial && p.Ready < int64(profile.MaxBatchSize) && now.Sub(p.OldestAt) < profile.FlushInterval {
			continue
		}
		batchID := uuid.NewString()
		claimed, err := e.queue.Claim(ctx, p.Platform, p.ConnectionID, batchID, profile.MaxBatchSize)
		if err != nil {
			return false, err
		}
		if len(claimed) == 0 {
			continue
		}
		_, err = e.ExecuteBatch(ctx, p.Platform, p.ConnectionID, batchID, claimed)
		return true, err
	}
	return false, nil
}

// Pool runs RunOnce on a worker pool.
func (e *BatchExecutor) Pool(workers int, pollInterval time.Duration) *jobs.WorkerPool {
	return jobs.NewWorkerPool(e.RunOnce, jobs.WorkerPoolOptions{
		Name:         "batch",
		Workers:      workers,
		PollInterval: pollInterval,
		Logger:       e.logger,
	})
}

// ExecuteBatch runs claimed requests and records each outcome on its queue row
// and the aggregate on the execution log. One request's failure never fails
// its siblings; a failed batch call is expanded into per-request failures.
// Priority tiers run in claim order; request types within a tier run
// concurrently.
func (e *BatchExecutor) ExecuteBatch(ctx context.Context, platform models.Platform, connectionID, batchID string, reqs []models.BatchRequest) (*models.BatchExecutionLog, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	client, ok := e.clients[platform]
	if !ok {
		return nil, fmt.Errorf("no client for platform %s", platform)
	}
	profile := e.profiles.For(platform)

	ctx, span := otel.Tracer(serviceTracerName).Start(ctx, "batch.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("platform", string(platform)),
		attribute.String("connection_id", connectionID),
		attribute.String("batch_type", profile.BatchType),
		attribute.Int("request_count", len(reqs)),
	)

	// State writes outlive a cancelled worker context so claimed rows are not stranded.
	writeCtx := context.WithoutCancel(ctx)

	log, err := e.log.StartBatch(writeCtx, BatchStart{
		BatchID:      batchID,
		Platform:     platform,
		BatchType:    profile.BatchType,
		RequestCount: len(reqs),
		ConnectionID: connectionID,
		OrgID:        reqs[0].OrgID,
	})
	if err != nil {
		for _, req := range reqs {
			if relErr := e.queue.Release(writeCtx, req.ID, 0); relErr != nil {
				e.logger.Warn("release request failed", "request_id", req.ID, "error", relErr)
			}
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	run := &batchRun{
		e:        e,
		ctx:      ctx,
		writeCtx: writeCtx,
		platform: platform,
		profile:  profile,
		client:   client,
		tally:    &batchTally{},
		settled:  make(map[int64]bool, len(reqs)),
	}
	var runErr error
	for _, tier := range splitByPriority(reqs) {
		var g errgroup.Group
		g.SetLimit(maxGroupConcurrency)
		for _, group := range groupByRequestType(tier) {
			g.Go(func() error { return run.group(group) })
		}
		if runErr = g.Wait(); runErr != nil {
			break
		}
	}
	if runErr != nil {
		run.releaseUnsettled(reqs)
	}

	t := run.tally
	if t.remaining != nil || t.resetAt != nil || t.rateLimitHit {
		if err := e.log.UpdateRateLimitInfo(writeCtx, log.BatchID, t.remaining, t.resetAt, t.rateLimitHit); err != nil {
			e.logger.Warn("record rate limit failed", "batch_id", log.BatchID, "error", err)
		} else {
			log.RateLimitRemaining = t.remaining
			log.RateLimitResetAt = t.resetAt
			log.RateLimitHit = t.rateLimitHit
		}
	}
	if err := e.log.Complete(writeCtx, log, t.outcome()); err != nil {
		runErr = errors.Join(runErr, err)
	}
	e.metrics.observeBatch(log)

	span.SetAttributes(
		attribute.Int("success_count", log.SuccessCount),
		attribute.Int("failure_count", log.FailureCount),
		attribute.Int("skipped_count", log.SkippedCount),
		attribute.Int("api_calls", log.APICallsMade),
	)
	if runErr != nil {
		span.SetStatus(codes.Error, runErr.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	e.logger.Info("batch executed",
		"batch_id", log.BatchID, "platform", platform, "connection_id", connectionID,
		"requests", log.RequestCount, "success", log.SuccessCount, "failure", log.FailureCount,
		"skipped", log.SkippedCount, "api_calls", log.APICallsMade, "duration_ms", log.DurationMS)
	return log, runErr
}

// BreakerState reports the platform's circuit breaker state.
func (e *BatchExecutor) BreakerState(platform models.Platform) gobreaker.State {
	return e.breaker(platform).State()
}

func (e *BatchExecutor) limiter(platform models.Platform) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.limiters[platform]; ok {
		return l
	}
	profile := e.profiles.For(platform)
	burst := profile.Burst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if profile.RequestsPerHour > 0 {
		limit = rate.Every(time.Hour / time.Duration(profile.RequestsPerHour))
	}
	l := rate.NewLimiter(limit, burst)
	e.limiters[platform] = l
	return l
}

func (e *BatchExecutor) breaker(platform models.Platform) *gobreaker.CircuitBreaker[any] {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.breakers[platform]; ok {
		return cb
	}
	failures := e.breakerFailures
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        string(platform),
		MaxRequests: 1,
		Timeout:     e.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("platform circuit breaker changed state", "platform", name, "from", from.String(), "to", to.String())
			e.metrics.setBreakerState(name, to)
		},
	})
	e.metrics.setBreakerState(string(platform), gobreaker.StateClosed)
	e.breakers[platform] = cb
	return cb
}

// acquire takes a limiter token. When the wait would exceed maxRateWait it
// returns the delay after which the caller should retry instead.
func (e *BatchExecutor) acquire(ctx context.Context, platform models.Platform) (time.Duration, error) {
	r := e.limiter(platform).Reserve()
	if !r.OK() {
		return e.maxRateWait, nil
	}
	delay := r.Delay()
	if delay == 0 {
		return 0, nil
	}
	if delay > e.maxRateWait {
		r.Cancel()
		return delay, nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return 0, ctx.Err()
	case <-timer.C:
		return 0, nil
	}
}

type batchRun struct {
	e        *BatchExecutor
	ctx      context.Context
	writeCtx context.Context
	platform models.Platform
	profile  BatchProfile
	client   PlatformClient
	tally    *batchTally

	mu      sync.Mutex
	settled map[int64]bool
}

func (b *batchRun) group(reqs []models.BatchRequest) error {
	if bc, ok := b.client.(BatchingClient); ok && b.profile.Batches() {
		for start := 0; start < len(reqs); start += b.profile.MaxBatchSize {
			end := min(start+b.profile.MaxBatchSize, len(reqs))
			if err := b.chunk(bc, reqs[start:end]); err != nil {
				return err
			}
		}
		return nil
	}
	for _, req := range reqs {
		if err := b.single(req); err != nil {
			return err
		}
	}
	return nil
}

func (b *batchRun) chunk(client BatchingClient, reqs []models.BatchRequest) error {
	if skip, err := b.gate(reqs); skip || err != nil {
		return err
	}
	params := make([]models.Document, len(reqs))
	for i, req := range reqs {
		params[i] = req.Params
	}
	out, err := b.e.breaker(b.platform).Execute(func() (any, error) {
		return client.ExecuteBatch(b.ctx, b.platform, reqs[0].RequestType, params)
	})
	if skip, err := b.callFailed(reqs, err); skip || err != nil {
		return err
	}
	results, _ := out.([]*PlatformResult)
	for i, req := range reqs {
		var res *PlatformResult
		if i < len(results) {
			res = results[i]
		}
		if res == nil {
			res = &PlatformResult{ErrorCode: models.ErrorCodeMissingResponse, ErrorMessage: "no response for request in batch"}
		}
		if err := b.record(req, res); err != nil {
			return err
		}
	}
	return nil
}

func (b *batchRun) single(req models.BatchRequest) error {
	reqs := []models.BatchRequest{req}
	if skip, err := b.gate(reqs); skip || err != nil {
		return err
	}
	out, err := b.e.breaker(b.platform).Execute(func() (any, error) {
		return b.client.Execute(b.ctx, b.platform, req.RequestType, req.Params)
	})
	if skip, err := b.callFailed(reqs, err); skip || err != nil {
		return err
	}
	res, _ := out.(*PlatformResult)
	if res == nil {
		res = &PlatformResult{ErrorCode: models.ErrorCodeMissingResponse, ErrorMessage: "empty platform response"}
	}
	return b.record(req, res)
}

// gate applies the rate limiter and circuit breaker before a call. Requests
// that cannot go now are released without consuming an attempt.
func (b *batchRun) gate(reqs []models.BatchRequest) (bool, error) {
	if b.ctx.Err() != nil {
		return true, b.release(reqs, 0)
	}
	if b.e.breaker(b.platform).State() == gobreaker.StateOpen {
		return true, b.release(reqs, b.e.breakerTimeout)
	}
	delay, err := b.e.acquire(b.ctx, b.platform)
	if err != nil {
		return true, b.release(reqs, 0)
	}
	if delay > 0 {
		b.tally.hitRateLimit()
		return true, b.release(reqs, delay)
	}
	return false, nil
}

// callFailed handles a call that produced no per-request results.
func (b *batchRun) callFailed(reqs []models.BatchRequest, err error) (bool, error) {
	if err == nil {
		b.tally.apiCall()
		return false, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true, b.release(reqs, b.e.breakerTimeout)
	}
	b.tally.apiCall()
	if b.ctx.Err() != nil {
		return true, b.release(reqs, 0)
	}
	b.tally.batchError(models.BatchError{Code: models.ErrorCodeBatchFailed, Message: err.Error()})
	for _, req := range reqs {
		if err := b.record(req, &PlatformResult{ErrorCode: models.ErrorCodeBatchFailed, ErrorMessage: err.Error()}); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (b *batchRun) record(req models.BatchRequest, res *PlatformResult) error {
	b.tally.observe(res)
	if res.Success && b.e.sink != nil {
		if err := b.e.sink.ApplyResult(b.writeCtx, req, res.Data); err != nil {
			b.e.logger.Warn("apply platform result failed", "request_id", req.ID, "request_type", req.RequestType, "error", err)
			res = &PlatformResult{ErrorCode: models.ErrorCodeApplyFailed, ErrorMessage: "apply result: " + err.Error()}
		}
	}
	var err error
	if res.Success {
		err = b.e.queue.MarkCompleted(b.writeCtx, req.ID, res.Data)
	} else {
		msg := res.ErrorMessage
		if msg == "" {
			msg = "platform request failed"
		}
		_, err = b.e.queue.MarkFailed(b.writeCtx, req.ID, msg, res.ErrorCode)
	}
	if errors.Is(err, jobs.ErrInvalidTransition) {
		// The row was recovered by the sweeper while the call was in flight.
		b.e.logger.Warn("request outcome discarded", "request_id", req.ID, "error", err)
		b.settle(req.ID)
		b.tally.skip(1)
		return nil
	}
	if err != nil {
		return err
	}
	b.settle(req.ID)
	if res.Success {
		b.tally.succeed()
	} else {
		b.tally.fail(models.BatchError{RequestID: req.ID, Code: res.ErrorCode, Message: res.ErrorMessage})
	}
	return nil
}

func (b *batchRun) release(reqs []models.BatchRequest, delay time.Duration) error {
	for _, req := range reqs {
		if err := b.e.queue.Release(b.writeCtx, req.ID, delay); err != nil && !errors.Is(err, jobs.ErrInvalidTransition) {
			return err
		}
		b.settle(req.ID)
		b.tally.skip(1)
	}
	return nil
}

func (b *batchRun) settle(id int64) {
	b.mu.Lock()
	b.settled[id] = true
	b.mu.Unlock()
}

// releaseUnsettled returns every claimed request without a recorded outcome
// to the queue.
func (b *batchRun) releaseUnsettled(reqs []models.BatchRequest) {
	for _, req := range reqs {
		b.mu.Lock()
		done := b.settled[req.ID]
		b.mu.Unlock()
		if done {
			continue
		}
		err := b.e.queue.Release(b.writeCtx, req.ID, 0)
		if err != nil && !errors.Is(err, jobs.ErrInvalidTransition) {
			b.e.logger.Warn("release request failed", "request_id", req.ID, "error", err)
			continue
		}
		b.settle(req.ID)
		b.tally.skip(1)
	}
}

// splitByPriority orders a claim by (priority, scheduled_at, id) and cuts it
// into runs of equal priority.
func splitByPriority(reqs []models.BatchRequest) [][]models.BatchRequest {
	reqs = slices.Clone(reqs)
	sort.SliceStable(reqs, func(i, j int) bool {
		if reqs[i].Priority != reqs[j].Priority {
			return reqs[i].Priority < reqs[j].Priority
		}
		if !reqs[i].ScheduledAt.Equal(reqs[j].ScheduledAt) {
			return reqs[i].ScheduledAt.Before(reqs[j].ScheduledAt)
		}
		return reqs[i].ID < reqs[j].ID
	})
	var tiers [][]models.BatchRequest
	start := 0
	for i := 1; i <= len(reqs); i++ {
		if i == len(reqs) || reqs[i].Priority != reqs[start].Priority {
			tiers = append(tiers, reqs[start:i])
			start = i
		}
	}
	return tiers
}

// groupByRequestType splits a claim by request type, keeping claim order.
func groupByRequestType(reqs []models.BatchRequest) [][]models.BatchRequest {
	index := make(map[string]int)
	var groups [][]models.BatchRequest
	for _, req := range reqs {
		i, ok := index[req.RequestType]
		if !ok {
			i = len(groups)
			index[req.RequestType] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], req)
	}
	return groups
}

type batchTally struct {
	mu           sync.Mutex
	success      int
	failure      int
	skipped      int
	apiCalls     int
	bytes        int64
	errors       []models.BatchError
	remaining    *int
	resetAt      *time.Time
	rateLimitHit bool
}

func (t *batchTally) apiCall() {
	t.mu.Lock()
	t.apiCalls++
	t.mu.Unlock()
}

func (t *batchTally) succeed() {
	t.mu.Lock()
	t.success++
	t.mu.Unlock()
}

func (t *batchTally) fail(e models.BatchError) {
	t.mu.Lock()
	t.failure++
	t.errors = append(t.errors, e)
	t.mu.Unlock()
}

func (t *batchTally) skip(n int) {
	t.mu.Lock()
	t.skipped += n
	t.mu.Unlock()
}

func (t *batchTally) batchError(e models.BatchError) {
	t.mu.Lock()
	t.errors = append(t.errors, e)
	t.mu.Unlock()
}

func (t *batchTally) hitRateLimit() {
	t.mu.Lock()
	t.rateLimitHit = true
	t.mu.Unlock()
}

// observe keeps the lowest remaining quota and the latest reset seen in the batch.
func (t *batchTally) observe(res *PlatformResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytes += res.BytesReceived
	if res.RateLimitRemaining != nil {
		if t.remaining == nil || *res.RateLimitRemaining < *t.remaining {
			v := *res.RateLimitRemaining
			t.remaining = &v
		}
		if *res.RateLimitRemaining <= 0 {
			t.rateLimitHit = true
		}
	}
	if res.RateLimitResetAt != nil && (t.resetAt == nil || res.RateLimitResetAt.After(*t.resetAt)) {
		v := *res.RateLimitResetAt
		t.resetAt = &v
	}
	if res.ErrorCode == models.ErrorCodeRateLimited {
		t.rateLimitHit = true
	}
}

func (t *batchTally) outcome() BatchOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return BatchOutcome{
		Success:       t.success,
		Failure:       t.failure,
		Skipped:       t.skipped,
		APICalls:      t.apiCalls,
		BytesReceived: t.bytes,
		Errors:        t.errors,
		Summary: models.Document{
			"success": t.success,
			"failure": t.failure,
			"skipped": t.skipped,
		},
	}
}
