package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/odvcencio/assetsync/internal/database"
)

const (
	defaultStuckTimeout  = 15 * time.Minute
	defaultSweepInterval = time.Minute
)

type SweeperOptions struct {
	Timeout  time.Duration
	Interval time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// Sweeper recovers queue requests and webhook events left in processing by a crashed worker.
type Sweeper struct {
	db       database.DB
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

type SweepReport struct {
	Requests database.SweepResult
	Webhooks database.SweepResult
}

func NewSweeper(db database.DB, opts SweeperOptions) *Sweeper {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultStuckTimeout
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{db: db, timeout: timeout, interval: interval, now: now, logger: logger}
}

// Sweep runs one recovery pass over both tables.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.now()
	cutoff := now.Add(-s.timeout)

	requests, err := s.db.RequeueStuckBatchRequests(ctx, cutoff, now)
	if err != nil {
		return report, fmt.Errorf("sweep requests: %w", err)
	}
	report.Requests = requests

	webhooks, err := s.db.RequeueStuckWebhookEvents(ctx, cutoff, now)
	if err != nil {
		return report, fmt.Errorf("sweep webhooks: %w", err)
	}
	report.Webhooks = webhooks

	if requests.Requeued+requests.Failed+webhooks.Requeued+webhooks.Failed > 0 {
		s.logger.Warn("recovered stuck rows",
			"requests_requeued", requests.Requeued, "requests_failed", requests.Failed,
			"webhooks_requeued", webhooks.Requeued, "webhooks_failed", webhooks.Failed)
	}
	return report, nil
}

// Pool wraps Sweep in a single-worker pool that runs once per interval.
func (s *Sweeper) Pool() *WorkerPool {
	return NewWorkerPool(func(ctx context.Context) (bool, error) {
		_, err := s.Sweep(ctx)
		return false, err
	}, WorkerPoolOptions{Name: "sweeper", Workers: 1, PollInterval: s.interval, Logger: s.logger})
}
