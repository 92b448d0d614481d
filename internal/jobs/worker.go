package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultWorkerCount  = 2
	defaultPollInterval = 250 * time.Millisecond
)

// Task performs one unit of work. It reports whether any work was found so
// idle workers back off for the poll interval.
type Task func(ctx context.Context) (bool, error)

type WorkerPoolOptions struct {
	Name         string
	Workers      int
	PollInterval time.Duration
	Logger       *slog.Logger
}

// WorkerPool runs Task on a fixed number of goroutines until stopped.
type WorkerPool struct {
	name         string
	task         Task
	workers      int
	pollInterval time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewWorkerPool(task Task, opts WorkerPoolOptions) *WorkerPool {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkerCount
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := opts.Name
	if name == "" {
		name = "worker"
	}
	return &WorkerPool{
		name:         name,
		task:         task,
		workers:      workers,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

func (w *WorkerPool) Start(parent context.Context) error {
	if w == nil || w.task == nil {
		return fmt.Errorf("worker pool is not configured")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	w.started = true

	go w.run(ctx, done)
	return nil
}

func (w *WorkerPool) Stop(ctx context.Context) error {
	if w == nil {
		return nil
	}

	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	w.started = false
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()
	return nil
}

func (w *WorkerPool) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		workerID := i + 1
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runWorker(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (w *WorkerPool) runWorker(ctx context.Context, workerID int) {
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		didWork, err := w.task(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("worker task failed", "pool", w.name, "worker_id", workerID, "error", err)
			if !sleepOrDone(ctx, w.pollInterval) {
				return
			}
			continue
		}
		if !didWork {
			if !sleepOrDone(ctx, w.pollInterval) {
				return
			}
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
