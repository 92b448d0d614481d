package jobs

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/odvcencio/assetsync/internal/database"
	"github.com/odvcencio/assetsync/internal/models"
)

const (
	defaultMaxAttempts = 3
	defaultPriority    = 5
	enqueueRetries     = 3
)

// ErrInvalidTransition is returned when a request is not in a state that allows the operation.
var ErrInvalidTransition = errors.New("invalid request state transition")

// Queue persists outbound platform requests and their status transitions.
type Queue struct {
	db          database.DB
	maxAttempts int
	priority    int
	now         func() time.Time
	logger      *slog.Logger
}

type QueueOptions struct {
	MaxAttempts     int
	DefaultPriority int
	Now             func() time.Time
	Logger          *slog.Logger
}

func NewQueue(db database.DB, opts QueueOptions) *Queue {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	priority := opts.DefaultPriority
	if priority <= 0 {
		priority = defaultPriority
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		db:          db,
		maxAttempts: maxAttempts,
		priority:    priority,
		now:         now,
		logger:      logger,
	}
}

// EnqueueParams describes one unit of outbound work. A zero Priority uses
// the queue default and an empty BatchGroup is inferred from RequestType.
type EnqueueParams struct {
	OrgID        string
	Platform     models.Platform
	ConnectionID string
	RequestType  string
	Params       models.Document
	Priority     int
	BatchGroup   models.BatchGroup
}

// RequestKey is the content hash used for deduplication. Params are encoded
// with sorted keys, so logically equal requests hash equally.
func RequestKey(platform models.Platform, requestType string, params models.Document) (string, error) {
	if params == nil {
		params = models.Document{}
	}
	encoded, err := json.Marshal(map[string]any(params))
	if err != nil {
		return "", fmt.Errorf("encode request params: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(platform))
	h.Write([]byte{0})
	h.Write([]byte(requestType))
	h.Write([]byte{0})
	h.Write(encoded)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Enqueue inserts a pending request, or returns the active request with the
// same content key. The boolean reports whether a new row was created.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (*models.BatchRequest, bool, error) {
	platform := models.NormalizePlatform(string(p.Platform))
	if platform == "" {
		return nil, false, fmt.Errorf("platform is required")
	}
	connectionID := strings.TrimSpace(p.ConnectionID)
	if connectionID == "" {
		return nil, false, fmt.Errorf("connection id is required")
	}
	requestType := strings.TrimSpace(p.RequestType)
	if requestType == "" {
		return nil, false, fmt.Errorf("request type is required")
	}
	priority := p.Priority
	if priority < 0 {
		return nil, false, fmt.Errorf("priority must be positive, got %d", priority)
	}
	if priority == 0 {
		priority = q.priority
	}
	group := p.BatchGroup
	if group == "" {
		group = models.ClassifyRequestType(requestType)
	}
	params := p.Params
	if params == nil {
		params = models.Document{}
	}
	key, err := RequestKey(platform, requestType, params)
	if err != nil {
		return nil, false, err
	}

	now := q.now()
	for attempt := 0; attempt < enqueueRetries; attempt++ {
		req := &models.BatchRequest{
			OrgID:        p.OrgID,
			Platform:     platform,
			ConnectionID: connectionID,
			RequestType:  requestType,
			RequestKey:   key,
			Params:       params,
			BatchGroup:   group,
			Priority:     priority,
			Status:       models.QueuePending,
			MaxAttempts:  q.maxAttempts,
			ScheduledAt:  now,
			CreatedAt:    now,
		}
		created, err := q.db.InsertBatchRequest(ctx, req)
		if errors.Is(err, sql.ErrNoRows) {
			// The conflicting row left the active set between insert and lookup.
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("enqueue %s/%s: %w", platform, requestType, err)
		}
		return req, created, nil
	}
	return nil, false, fmt.Errorf("enqueue %s/%s: retries exhausted", platform, requestType)
}

// SelectBatch returns the claimable requests for a partition without claiming them.
func (q *Queue) SelectBatch(ctx context.Context, platform models.Platform, connectionID string, maxSize int) ([]models.BatchRequest, error) {
	if maxSize <= 0 {
		return nil, nil
	}
	return q.db.PeekBatchRequests(ctx, platform, connectionID, maxSize, q.now())
}

// Claim atomically moves up to maxSize pending requests of one partition to
// processing under batchID. An empty batchID is generated.
func (q *Queue) Claim(ctx context.Context, platform models.Platform, connectionID, batchID string, maxSize int) ([]models.BatchRequest, error) {
	if maxSize <= 0 {
		return nil, nil
	}
	if batchID == "" {
		batchID = uuid.NewString()
	}
	claimed, err := q.db.ClaimBatchRequests(ctx, platform, connectionID, batchID, maxSize, q.now())
	if err != nil {
		return nil, fmt.Errorf("claim %s/%s: %w", platform, connectionID, err)
	}
	return claimed, nil
}

// MarkProcessing claims a single pending request.
func (q *Queue) MarkProcessing(ctx context.Context, id int64, batchID string) (*models.BatchRequest, error) {
	req, err := q.db.MarkBatchRequestProcessing(ctx, id, batchID, q.now())
	if err != nil {
		return nil, q.transitionErr(ctx, id, "mark processing", err)
	}
	return req, nil
}

func (q *Queue) MarkCompleted(ctx context.Context, id int64, response models.Document) error {
	if response == nil {
		response = models.Document{}
	}
	if err := q.db.CompleteBatchRequest(ctx, id, response, q.now()); err != nil {
		return q.transitionErr(ctx, id, "complete", err)
	}
	return nil
}

// MarkFailed records a failed attempt. Permanent error codes fail the request
// immediately; otherwise it is rescheduled on the backoff schedule until its
// attempts are exhausted. The resulting status is returned.
func (q *Queue) MarkFailed(ctx context.Context, id int64, message, code string) (models.QueueStatus, error) {
	if models.IsPermanentErrorCode(code) {
		return q.fail(ctx, id, message, code, true)
	}
	return q.fail(ctx, id, message, code, false)
}

// MarkFailedPermanent fails the request without consuming further retries.
func (q *Queue) MarkFailedPermanent(ctx context.Context, id int64, message, code string) (models.QueueStatus, error) {
	return q.fail(ctx, id, message, code, true)
}

func (q *Queue) fail(ctx context.Context, id int64, message, code string, permanent bool) (models.QueueStatus, error) {
	req, err := q.db.GetBatchRequest(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("fail request %d: %w", id, ErrInvalidTransition)
		}
		return "", err
	}
	if req.Status != models.QueueProcessing {
		return "", fmt.Errorf("fail request %d in status %s: %w", id, req.Status, ErrInvalidTransition)
	}
	now := q.now()
	status, err := q.db.FailBatchRequest(ctx, id, database.Failure{
		Message:   failureMessage(message),
		Code:      code,
		Permanent: permanent,
		RetryAt:   now.Add(models.RetryDelay(req.Attempts - 1)),
		Now:       now,
	})
	if err != nil {
		return "", q.transitionErr(ctx, id, "fail", err)
	}
	if status == models.QueueFailed {
		q.logger.Warn("request failed", "request_id", id, "platform", req.Platform, "request_type", req.RequestType,
			"attempts", req.Attempts, "error_code", code, "error", message)
	}
	return status, nil
}

// Cancel cancels a pending request. Cancelling a request that is already
// processing is advisory: it returns false and the in-flight attempt decides the outcome.
func (q *Queue) Cancel(ctx context.Context, id int64) (bool, error) {
	err := q.db.CancelBatchRequest(ctx, id, q.now())
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	req, getErr := q.db.GetBatchRequest(ctx, id)
	if getErr != nil {
		if errors.Is(getErr, sql.ErrNoRows) {
			return false, fmt.Errorf("cancel request %d: %w", id, ErrInvalidTransition)
		}
		return false, getErr
	}
	if req.Status == models.QueueProcessing {
		q.logger.Info("cancel requested for in-flight request", "request_id", id, "batch_id", req.BatchID)
		return false, nil
	}
	return false, fmt.Errorf("cancel request %d in status %s: %w", id, req.Status, ErrInvalidTransition)
}

// Release returns a claimed request to pending without consuming an attempt.
func (q *Queue) Release(ctx context.Context, id int64, delay time.Duration) error {
	now := q.now()
	if err := q.db.ReleaseBatchRequest(ctx, id, now.Add(delay), now); err != nil {
		return q.transitionErr(ctx, id, "release", err)
	}
	return nil
}

// Retryable lists requests that have failed at least once and are due for another attempt.
func (q *Queue) Retryable(ctx context.Context, limit int) ([]models.BatchRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	return q.db.ListRetryableBatchRequests(ctx, q.now(), limit)
}

// RequeueStuck returns processing requests older than timeout to pending, or
// fails them when no attempts remain.
func (q *Queue) RequeueStuck(ctx context.Context, timeout time.Duration) (database.SweepResult, error) {
	now := q.now()
	result, err := q.db.RequeueStuckBatchRequests(ctx, now.Add(-timeout), now)
	if err != nil {
		return result, fmt.Errorf("requeue stuck requests: %w", err)
	}
	if result.Requeued > 0 || result.Failed > 0 {
		q.logger.Warn("recovered stuck requests", "requeued", result.Requeued, "failed", result.Failed)
	}
	return result, nil
}

// Partitions lists (platform, connection) pairs with claimable work, most urgent first.
func (q *Queue) Partitions(ctx context.Context, limit int) ([]database.QueuePartition, error) {
	return q.db.ListReadyPartitions(ctx, q.now(), limit)
}

// Get returns the request, or nil when it does not exist.
func (q *Queue) Get(ctx context.Context, id int64) (*models.BatchRequest, error) {
	req, err := q.db.GetBatchRequest(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return req, nil
}

func (q *Queue) Stats(ctx context.Context) (database.QueueStats, error) {
	return q.db.BatchQueueStats(ctx)
}

func (q *Queue) transitionErr(ctx context.Context, id int64, op string, err error) error {
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s request %d: %w", op, id, err)
	}
	req, getErr := q.db.GetBatchRequest(ctx, id)
	if getErr != nil {
		return fmt.Errorf("%s request %d: %w", op, id, ErrInvalidTransition)
	}
	return fmt.Errorf("%s request %d in status %s: %w", op, id, req.Status, ErrInvalidTransition)
}

func failureMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "request failed"
	}
	return msg
}
