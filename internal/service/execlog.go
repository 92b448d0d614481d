package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/odvcencio/assetsync/internal/database"
	"github.com/odvcencio/assetsync/internal/models"
)

// ExecutionLog writes one audit row per executed batch.
type ExecutionLog struct {
	db  database.DB
	now func() time.Time
}

func NewExecutionLog(db database.DB, opts Options) *ExecutionLog {
	return &ExecutionLog{db: db, now: opts.clock()}
}

type BatchStart struct {
	BatchID      string
	Platform     models.Platform
	BatchType    string
	RequestCount int
	ConnectionID string
	OrgID        string
}

// BatchOutcome is the aggregate result written once when a batch finishes.
type BatchOutcome struct {
	Success       int
	Failure       int
	Skipped       int
	APICalls      int
	BytesReceived int64
	Errors        []models.BatchError
	Summary       models.Document
}

// StartBatch creates a running log row. An empty BatchID is generated.
func (l *ExecutionLog) StartBatch(ctx context.Context, s BatchStart) (*models.BatchExecutionLog, error) {
	if s.Platform == "" {
		return nil, fmt.Errorf("platform is required")
	}
	if s.RequestCount < 0 {
		return nil, fmt.Errorf("request count must not be negative")
	}
	batchID := s.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}
	batchType := s.BatchType
	if batchType == "" {
		batchType = BatchTypeSingle
	}
	log := &models.BatchExecutionLog{
		BatchID:      batchID,
		Platform:     s.Platform,
		BatchType:    batchType,
		ConnectionID: s.ConnectionID,
		OrgID:        s.OrgID,
		Status:       models.BatchLogRunning,
		RequestCount: s.RequestCount,
		StartedAt:    l.now(),
	}
	if err := l.db.CreateBatchLog(ctx, log); err != nil {
		return nil, fmt.Errorf("start batch %s: %w", batchID, err)
	}
	return log, nil
}

// Complete is the single terminal write for a batch; a second call returns
// ErrAlreadyCompleted. log is updated in place.
func (l *ExecutionLog) Complete(ctx context.Context, log *models.BatchExecutionLog, o BatchOutcome) error {
	if o.Success < 0 || o.Failure < 0 || o.Skipped < 0 {
		return fmt.Errorf("batch counts must not be negative")
	}
	if total := o.Success + o.Failure + o.Skipped; total > log.RequestCount {
		return fmt.Errorf("batch %s: %d outcomes for %d requests", log.BatchID, total, log.RequestCount)
	}
	now := l.now()
	duration := now.Sub(log.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	done := *log
	done.Status = models.BatchLogCompleted
	done.SuccessCount = o.Success
	done.FailureCount = o.Failure
	done.SkippedCount = o.Skipped
	done.APICallsMade = o.APICalls
	done.BytesReceived = o.BytesReceived
	done.Errors = o.Errors
	done.ResponseSummary = o.Summary
	done.DurationMS = duration
	done.CompletedAt = &now

	if err := l.db.CompleteBatchLog(ctx, &done); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("batch %s: %w", log.BatchID, ErrAlreadyCompleted)
		}
		return fmt.Errorf("complete batch %s: %w", log.BatchID, err)
	}
	*log = done
	return nil
}

// UpdateRateLimitInfo records rate-limit headers independently of completion.
// Nil values leave the stored values unchanged.
func (l *ExecutionLog) UpdateRateLimitInfo(ctx context.Context, batchID string, remaining *int, resetAt *time.Time, hit bool) error {
	if err := l.db.UpdateBatchLogRateLimit(ctx, batchID, remaining, resetAt, hit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
		}
		return err
	}
	return nil
}

func (l *ExecutionLog) Get(ctx context.Context, batchID string) (*models.BatchExecutionLog, error) {
	log, err := l.db.GetBatchLog(ctx, batchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
		}
		return nil, err
	}
	return log, nil
}

// Recent lists the latest batches, optionally for one platform.
func (l *ExecutionLog) Recent(ctx context.Context, platform models.Platform, limit int) ([]models.BatchExecutionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.db.ListBatchLogs(ctx, platform, limit)
}
