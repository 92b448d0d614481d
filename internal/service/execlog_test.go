package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/odvcencio/assetsync/internal/models"
)

func TestExecutionLogSuccessRate(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()

	log, err := env.log.StartBatch(ctx, BatchStart{Platform: models.PlatformMeta, RequestCount: 10, BatchType: BatchTypeFieldExpansion})
	if err != nil {
		t.Fatal(err)
	}
	if log.BatchID == "" || log.Status != models.BatchLogRunning {
		t.Fatalf("started log = %+v", log)
	}

	env.clock.Advance(1500 * time.Millisecond)
	err = env.log.Complete(ctx, log, BatchOutcome{
		Success:  8,
		Failure:  2,
		APICalls: 2,
		Errors:   []models.BatchError{{RequestID: 7, Code: models.ErrorCodeTimeout, Message: "timeout"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := log.SuccessRate(); got != 80.0 {
		t.Fatalf("success rate = %v, want 80", got)
	}
	if got := log.EfficiencyRatio(); got != 5.0 {
		t.Fatalf("efficiency ratio = %v, want 5", got)
	}
	if log.DurationMS != 1500 {
		t.Fatalf("duration_ms = %d, want 1500", log.DurationMS)
	}

	stored, err := env.log.Get(ctx, log.BatchID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.BatchLogCompleted || stored.SuccessCount != 8 || len(stored.Errors) != 1 {
		t.Fatalf("stored log = %+v", stored)
	}

	if err := env.log.Complete(ctx, log, BatchOutcome{Success: 10}); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("second complete: err = %v, want ErrAlreadyCompleted", err)
	}
}

func TestExecutionLogRejectsOvercount(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()

	log, err := env.log.StartBatch(ctx, BatchStart{Platform: models.PlatformTikTok, RequestCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.log.Complete(ctx, log, BatchOutcome{Success: 2, Failure: 1}); err == nil {
		t.Fatal("expected error for more outcomes than requests")
	}
}

func TestExecutionLogRateLimitInfo(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()

	log, err := env.log.StartBatch(ctx, BatchStart{Platform: models.PlatformMeta, RequestCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	remaining := 12
	reset := env.clock.Now().Add(15 * time.Minute)
	if err := env.log.UpdateRateLimitInfo(ctx, log.BatchID, &remaining, &reset, false); err != nil {
		t.Fatal(err)
	}
	// A later probe without headers keeps what was recorded.
	if err := env.log.UpdateRateLimitInfo(ctx, log.BatchID, nil, nil, true); err != nil {
		t.Fatal(err)
	}
	stored, err := env.log.Get(ctx, log.BatchID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.RateLimitRemaining == nil || *stored.RateLimitRemaining != 12 || !stored.RateLimitHit {
		t.Fatalf("rate limit info = %+v", stored)
	}
	if stored.RateLimitResetAt == nil || !stored.RateLimitResetAt.Equal(reset) {
		t.Fatalf("reset_at = %v, want %v", stored.RateLimitResetAt, reset)
	}
	if err := env.log.UpdateRateLimitInfo(ctx, "missing", nil, nil, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown batch: err = %v, want ErrNotFound", err)
	}

	recent, err := env.log.Recent(ctx, models.PlatformMeta, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].BatchID != log.BatchID {
		t.Fatalf("recent = %+v", recent)
	}
}
