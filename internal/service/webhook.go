package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odvcencio/assetsync/internal/database"
	"github.com/odvcencio/assetsync/internal/jobs"
	"github.com/odvcencio/assetsync/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultWebhookMaxAttempts = 3
	defaultWebhookBatchSize   = 10
)

type WebhookOptions struct {
	MaxAttempts int
	// Secrets holds the signing secret per platform. Verifiers overrides the
	// HMAC verifier built from a secret.
	Secrets   map[models.Platform]string
	Verifiers map[models.Platform]SignatureVerifier
	// Handlers dispatches by platform; DefaultHandler serves the rest.
	Handlers       map[models.Platform]WebhookHandler
	DefaultHandler WebhookHandler
	BatchSize      int
	Metrics        *Metrics
	Now            func() time.Time
	Logger         *slog.Logger
}

// WebhookPipeline stores inbound platform notifications and processes them
// at most once per platform event id.
type WebhookPipeline struct {
	db          database.DB
	maxAttempts int
	verifiers   map[models.Platform]SignatureVerifier
	handlers    map[models.Platform]WebhookHandler
	fallback    WebhookHandler
	batchSize   int
	metrics     *Metrics
	now         func() time.Time
	logger      *slog.Logger
}

func NewWebhookPipeline(db database.DB, opts WebhookOptions) *WebhookPipeline {
	p := &WebhookPipeline{
		db:          db,
		maxAttempts: opts.MaxAttempts,
		verifiers:   make(map[models.Platform]SignatureVerifier),
		handlers:    opts.Handlers,
		fallback:    opts.DefaultHandler,
		batchSize:   opts.BatchSize,
		metrics:     opts.Metrics,
		now:         Options{Now: opts.Now}.clock(),
		logger:      Options{Logger: opts.Logger}.logger(),
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = defaultWebhookMaxAttempts
	}
	if p.batchSize <= 0 {
		p.batchSize = defaultWebhookBatchSize
	}
	for platform, secret := range opts.Secrets {
		if secret != "" {
			p.verifiers[models.NormalizePlatform(string(platform))] = VerifierFor(platform, secret)
		}
	}
	for platform, v := range opts.Verifiers {
		p.verifiers[models.NormalizePlatform(string(platform))] = v
	}
	return p
}

// IncomingWebhook is a raw delivery as received over HTTP.
type IncomingWebhook struct {
	Platform  models.Platform
	Payload   []byte
	Headers   map[string]string
	Signature string
	SourceIP  string
	UserAgent string
}

// Ingest stores a delivery verbatim in status received. Payloads that are not
// JSON objects are still stored, with event type unknown.
func (p *WebhookPipeline) Ingest(ctx context.Context, in IncomingWebhook) (*models.WebhookEvent, error) {
	platform := models.NormalizePlatform(string(in.Platform))
	if platform == "" {
		return nil, fmt.Errorf("platform is required")
	}
	payload, err := models.ParseDocument(in.Payload)
	if err != nil {
		p.logger.Warn("webhook payload is not a json object", "platform", platform, "error", err)
		payload = models.Document{}
	}
	signature := in.Signature
	if signature == "" {
		signature = headerValue(in.Headers, SignatureHeader(platform))
	}
	event := &models.WebhookEvent{
		Platform:        platform,
		EventType:       ExtractEventType(platform, payload),
		PlatformEventID: ExtractEventID(platform, payload, in.Payload),
		Headers:         in.Headers,
		Payload:         in.Payload,
		Signature:       signature,
		SourceIP:        in.SourceIP,
		UserAgent:       in.UserAgent,
		Status:          models.WebhookReceived,
		MaxAttempts:     p.maxAttempts,
		ReceivedAt:      p.now(),
	}
	if err := p.db.CreateWebhookEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("store webhook event: %w", err)
	}
	p.metrics.observeWebhook(platform, models.WebhookReceived)
	return event, nil
}

// Verify checks the stored signature. Events that fail are kept for audit and
// moved straight to failed with INVALID_SIGNATURE; they are never retried.
func (p *WebhookPipeline) Verify(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	v := p.verifiers[event.Platform]
	if v != nil && v.Verify(event.Payload, event.Signature) {
		if err := p.db.SetWebhookSignatureValid(ctx, event.ID, true); err != nil {
			return false, p.transitionErr(event.ID, "verify", err)
		}
		event.SignatureValid = true
		return true, nil
	}

	reason := "signature mismatch"
	if v == nil {
		reason = "no signing secret configured"
	}
	if err := p.db.RejectWebhookEvent(ctx, event.ID, reason, models.ErrorCodeInvalidSignature, p.now()); err != nil {
		return false, p.transitionErr(event.ID, "reject", err)
	}
	event.SignatureValid = false
	event.Status = models.WebhookFailed
	event.ErrorCode = models.ErrorCodeInvalidSignature
	event.ErrorMessage = reason
	p.metrics.observeWebhook(event.Platform, models.WebhookFailed)
	p.logger.Warn("webhook signature rejected", "platform", event.Platform, "event_id", event.ID, "source_ip", event.SourceIP, "reason", reason)
	return false, nil
}

// MarkProcessing claims a received, verified event. It fails with
// ErrDuplicateEvent while another delivery of the same platform event is
// processing or after one has been processed.
func (p *WebhookPipeline) MarkProcessing(ctx context.Context, id int64) (*models.WebhookEvent, error) {
	event, err := p.db.ClaimWebhookEvent(ctx, id, p.now())
	if err == nil {
		return event, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claim webhook event %d: %w", id, err)
	}
	cur, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == models.WebhookReceived {
		if !cur.SignatureValid {
			return nil, fmt.Errorf("webhook event %d: %w", id, ErrInvalidSignature)
		}
		if cur.PlatformEventID != "" {
			return nil, fmt.Errorf("webhook event %d: %w", id, ErrDuplicateEvent)
		}
	}
	return nil, fmt.Errorf("claim webhook event %d in status %s: %w", id, cur.Status, jobs.ErrInvalidTransition)
}

// MarkProcessed records success along with the org context discovered while processing.
func (p *WebhookPipeline) MarkProcessed(ctx context.Context, id int64, res database.WebhookResolution) error {
	if err := p.db.CompleteWebhookEvent(ctx, id, res, p.now()); err != nil {
		return p.transitionErr(id, "complete", err)
	}
	return nil
}

// MarkFailed records a failed attempt with the same backoff schedule and
// permanent error codes as the request queue.
func (p *WebhookPipeline) MarkFailed(ctx context.Context, id int64, message, code string) (models.WebhookStatus, error) {
	event, err := p.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if event.Status != models.WebhookProcessing {
		return "", fmt.Errorf("fail webhook event %d in status %s: %w", id, event.Status, jobs.ErrInvalidTransition)
	}
	now := p.now()
	if message == "" {
		message = "webhook processing failed"
	}
	status, err := p.db.FailWebhookEvent(ctx, id, database.Failure{
		Message:   message,
		Code:      code,
		Permanent: models.IsPermanentErrorCode(code),
		RetryAt:   now.Add(models.RetryDelay(event.Attempts - 1)),
		Now:       now,
	})
	if err != nil {
		return "", p.transitionErr(id, "fail", err)
	}
	if status == models.WebhookFailed {
		p.logger.Warn("webhook event failed", "platform", event.Platform, "event_id", id, "attempts", event.Attempts, "error_code", code, "error", message)
	}
	return status, nil
}

func (p *WebhookPipeline) MarkIgnored(ctx context.Context, id int64, reason string) error {
	if err := p.db.IgnoreWebhookEvent(ctx, id, reason, p.now()); err != nil {
		return p.transitionErr(id, "ignore", err)
	}
	return nil
}

// MarkDuplicate links a redelivery to the event that already handled it.
func (p *WebhookPipeline) MarkDuplicate(ctx context.Context, id, originalID int64) error {
	if id == originalID {
		return fmt.Errorf("webhook event %d cannot duplicate itself", id)
	}
	if err := p.db.MarkWebhookEventDuplicate(ctx, id, originalID, p.now()); err != nil {
		return p.transitionErr(id, "mark duplicate", err)
	}
	return nil
}

func (p *WebhookPipeline) Get(ctx context.Context, id int64) (*models.WebhookEvent, error) {
	event, err := p.db.GetWebhookEvent(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("webhook event %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return event, nil
}

// Process runs one verified event through its handler. The duplicate check
// happens before any side effect. Handler errors are recorded on the event
// and are not returned.
func (p *WebhookPipeline) Process(ctx context.Context, event *models.WebhookEvent) (models.WebhookStatus, error) {
	if !event.SignatureValid {
		return "", fmt.Errorf("webhook event %d: %w", event.ID, ErrInvalidSignature)
	}
	ctx, span := otel.Tracer(serviceTracerName).Start(ctx, "webhook.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("platform", string(event.Platform)),
		attribute.String("event_type", event.EventType),
		attribute.Int64("event_id", event.ID),
	)

	if original := p.handledBy(ctx, event); original != nil {
		return p.duplicate(ctx, event, original.ID)
	}
	claimed, err := p.MarkProcessing(ctx, event.ID)
	if errors.Is(err, ErrDuplicateEvent) {
		if original := p.handledBy(ctx, event); original != nil {
			return p.duplicate(ctx, event, original.ID)
		}
		// The original is still in flight and may yet fail.
		return p.deferEvent(ctx, event)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	handler := p.handlerFor(claimed.Platform)
	if handler == nil {
		if err := p.MarkIgnored(ctx, claimed.ID, "no handler for platform"); err != nil {
			return "", err
		}
		p.metrics.observeWebhook(claimed.Platform, models.WebhookIgnored)
		return models.WebhookIgnored, nil
	}
	payload, err := models.ParseDocument(claimed.Payload)
	if err != nil {
		if err := p.MarkIgnored(ctx, claimed.ID, "payload is not a json object"); err != nil {
			return "", err
		}
		p.metrics.observeWebhook(claimed.Platform, models.WebhookIgnored)
		return models.WebhookIgnored, nil
	}

	outcome, herr := handler.HandleWebhook(ctx, claimed, payload)
	if herr != nil {
		span.SetStatus(codes.Error, herr.Error())
		status, err := p.MarkFailed(ctx, claimed.ID, herr.Error(), errorCodeOf(herr))
		if err != nil {
			return "", err
		}
		p.metrics.observeWebhook(claimed.Platform, status)
		return status, nil
	}
	if outcome.Ignore {
		if err := p.MarkIgnored(ctx, claimed.ID, outcome.Reason); err != nil {
			return "", err
		}
		p.metrics.observeWebhook(claimed.Platform, models.WebhookIgnored)
		return models.WebhookIgnored, nil
	}
	if err := p.MarkProcessed(ctx, claimed.ID, outcome.Resolution); err != nil {
		return "", err
	}
	span.SetStatus(codes.Ok, "")
	p.metrics.observeWebhook(claimed.Platform, models.WebhookProcessed)
	return models.WebhookProcessed, nil
}

// ProcessReady processes the oldest ready events. It reports whether any
// event was found.
func (p *WebhookPipeline) ProcessReady(ctx context.Context) (bool, error) {
	events, err := p.db.ListReadyWebhookEvents(ctx, p.now(), p.batchSize)
	if err != nil {
		return false, err
	}
	for i := range events {
		if ctx.Err() != nil {
			return true, nil
		}
		_, err := p.Process(ctx, &events[i])
		if errors.Is(err, jobs.ErrInvalidTransition) {
			// Claimed by another worker.
			continue
		}
		if err != nil {
			return true, err
		}
	}
	return len(events) > 0, nil
}

// Pool runs ProcessReady on a worker pool separate from the batch workers.
func (p *WebhookPipeline) Pool(workers int, pollInterval time.Duration) *jobs.WorkerPool {
	return jobs.NewWorkerPool(p.ProcessReady, jobs.WorkerPoolOptions{
		Name:         "webhook",
		Workers:      workers,
		PollInterval: pollInterval,
		Logger:       p.logger,
	})
}

func (p *WebhookPipeline) Stats(ctx context.Context) (database.WebhookStats, error) {
	return p.db.WebhookEventStats(ctx)
}

func (p *WebhookPipeline) handledBy(ctx context.Context, event *models.WebhookEvent) *models.WebhookEvent {
	if event.PlatformEventID == "" {
		return nil
	}
	original, err := p.db.FindHandledWebhookEvent(ctx, event.Platform, event.PlatformEventID, event.ID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			p.logger.Warn("duplicate lookup failed", "event_id", event.ID, "error", err)
		}
		return nil
	}
	return original
}

func (p *WebhookPipeline) deferEvent(ctx context.Context, event *models.WebhookEvent) (models.WebhookStatus, error) {
	retryAt := p.now().Add(models.RetryDelay(0))
	if err := p.db.DeferWebhookEvent(ctx, event.ID, retryAt); err != nil {
		return "", p.transitionErr(event.ID, "defer", err)
	}
	p.logger.Info("webhook redelivery deferred while original is processing",
		"platform", event.Platform, "event_id", event.ID, "platform_event_id", event.PlatformEventID, "retry_at", retryAt)
	return models.WebhookReceived, nil
}

func (p *WebhookPipeline) duplicate(ctx context.Context, event *models.WebhookEvent, originalID int64) (models.WebhookStatus, error) {
	if err := p.MarkDuplicate(ctx, event.ID, originalID); err != nil {
		return "", err
	}
	p.metrics.observeWebhook(event.Platform, models.WebhookDuplicate)
	p.logger.Info("webhook redelivery suppressed", "platform", event.Platform, "event_id", event.ID, "duplicate_of", originalID)
	return models.WebhookDuplicate, nil
}

func (p *WebhookPipeline) handlerFor(platform models.Platform) WebhookHandler {
	if h, ok := p.handlers[platform]; ok {
		return h
	}
	return p.fallback
}

func (p *WebhookPipeline) transitionErr(id int64, op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s webhook event %d: %w", op, id, jobs.ErrInvalidTransition)
	}
	return fmt.Errorf("%s webhook event %d: %w", op, id, err)
}
