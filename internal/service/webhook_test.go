package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/odvcencio/assetsync/internal/jobs"
	"github.com/odvcencio/assetsync/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const metaPageFeed = `{"object":"page","entry":[{"id":"PAGE1","time":1714813200,"changes":[{"field":"feed","value":{"item":"post","verb":"add"}}]}]}`

var testSecrets = map[models.Platform]string{
	models.PlatformMeta:    "meta-secret",
	models.PlatformTikTok:  "tiktok-secret",
	models.PlatformTwitter: "twitter-secret",
	models.PlatformGoogle:  "google-secret",
}

func newTestPipeline(env *testEnv, opts WebhookOptions) *WebhookPipeline {
	opts.Now = env.clock.Now
	if opts.Secrets == nil {
		opts.Secrets = testSecrets
	}
	return NewWebhookPipeline(env.db, opts)
}

func assetHandler(env *testEnv, metrics *Metrics) *AssetSyncHandler {
	return &AssetSyncHandler{
		Assets:   env.assets,
		Access:   env.access,
		Queue:    env.queue,
		FreshFor: time.Hour,
		Metrics:  metrics,
	}
}

func deliver(t *testing.T, p *WebhookPipeline, platform models.Platform, payload string) *models.WebhookEvent {
	t.Helper()
	body := []byte(payload)
	event, err := p.Ingest(context.Background(), IncomingWebhook{
		Platform: platform,
		Payload:  body,
		Headers:  map[string]string{strings.ToLower(SignatureHeader(platform)): Sign(platform, testSecrets[platform], body)},
		SourceIP: "203.0.113.7",
	})
	if err != nil {
		t.Fatal(err)
	}
	ok, err := p.Verify(context.Background(), event)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("signature for %s delivery did not verify", platform)
	}
	return event
}

func TestIngestExtractsEventTypeAndID(t *testing.T) {
	env := setupServiceTest(t)
	p := newTestPipeline(env, WebhookOptions{})

	tests := []struct {
		name      string
		platform  models.Platform
		payload   string
		eventType string
		eventID   string
	}{
		{"meta change field", models.PlatformMeta, metaPageFeed, "feed", ""},
		{"meta object fallback", models.PlatformMeta, `{"object":"instagram","entry":[]}`, "instagram", ""},
		{"google pubsub", models.PlatformGoogle, `{"message":{"messageId":"m-42","attributes":{"event_type":"CAMPAIGN_UPDATED","customer_id":"123"}}}`, "CAMPAIGN_UPDATED", "m-42"},
		{"tiktok event", models.PlatformTikTok, `{"event":"ad.status_change","event_id":"tt-9","advertiser_id":"adv-1"}`, "ad.status_change", "tt-9"},
		{"twitter has no type", models.PlatformTwitter, `{"id":"tw-1"}`, "unknown", "tw-1"},
		{"not json", models.PlatformMeta, `hello`, "unknown", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := p.Ingest(context.Background(), IncomingWebhook{Platform: tt.platform, Payload: []byte(tt.payload)})
			if err != nil {
				t.Fatal(err)
			}
			stored, err := p.Get(context.Background(), event.ID)
			if err != nil {
				t.Fatal(err)
			}
			if stored.Status != models.WebhookReceived || stored.EventType != tt.eventType {
				t.Fatalf("stored = %+v, want type %q", stored, tt.eventType)
			}
			if tt.eventID != "" && stored.PlatformEventID != tt.eventID {
				t.Fatalf("event id = %q, want %q", stored.PlatformEventID, tt.eventID)
			}
			if tt.eventID == "" && !strings.HasPrefix(stored.PlatformEventID, "sha256:") {
				t.Fatalf("event id = %q, want content hash", stored.PlatformEventID)
			}
			if string(stored.Payload) != tt.payload {
				t.Fatalf("payload = %q, want verbatim", stored.Payload)
			}
		})
	}
}

func TestExtractEventIDKeepsLargeNumericIDs(t *testing.T) {
	a, err := models.ParseDocument([]byte(`{"event_id":9007199254740993}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := models.ParseDocument([]byte(`{"event_id":9007199254740992}`))
	if err != nil {
		t.Fatal(err)
	}
	idA := ExtractEventID(models.PlatformTikTok, a, nil)
	idB := ExtractEventID(models.PlatformTikTok, b, nil)
	if idA != "9007199254740993" || idA == idB {
		t.Fatalf("event ids = %q and %q, want distinct exact ids", idA, idB)
	}
}

func TestVerifyRejectsBadSignatures(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()
	metrics := NewMetrics(prometheus.NewRegistry())
	p := newTestPipeline(env, WebhookOptions{Metrics: metrics, DefaultHandler: assetHandler(env, nil)})

	forged, err := p.Ingest(ctx, IncomingWebhook{
		Platform:  models.PlatformMeta,
		Payload:   []byte(metaPageFeed),
		Signature: Sign(models.PlatformMeta, "wrong-secret", []byte(metaPageFeed)),
	})
	if err != nil {
		t.Fatal(err)
	}
	ok, err := p.Verify(ctx, forged)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("forged signature verified")
	}
	stored, _ := p.Get(ctx, forged.ID)
	if stored.Status != models.WebhookFailed || stored.ErrorCode != models.ErrorCodeInvalidSignature || stored.SignatureValid {
		t.Fatalf("rejected event = %+v", stored)
	}
	if _, err := p.Process(ctx, stored); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("process rejected event: err = %v, want ErrInvalidSignature", err)
	}

	unsigned, err := p.Ingest(ctx, IncomingWebhook{Platform: models.PlatformSnapchat, Payload: []byte(`{"id":"s-1"}`), Signature: "abc"})
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := p.Verify(ctx, unsigned); ok {
		t.Fatal("delivery for a platform without a secret verified")
	}
	stored, _ = p.Get(ctx, unsigned.ID)
	if stored.ErrorMessage != "no signing secret configured" {
		t.Fatalf("reason = %q", stored.ErrorMessage)
	}

	ran, err := p.ProcessReady(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Fatal("rejected events must never be processed")
	}
	if got := testutil.ToFloat64(metrics.webhooks.WithLabelValues("meta", "failed")); got != 1 {
		t.Fatalf("failed metric = %v, want 1", got)
	}
}

func TestTikTokSignatureHasNoPrefix(t *testing.T) {
	body := []byte(`{"event":"x"}`)
	sig := Sign(models.PlatformTikTok, "k", body)
	if strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("tiktok signature = %q", sig)
	}
	if !VerifierFor(models.PlatformTikTok, "k").Verify(body, sig) {
		t.Fatal("tiktok signature did not verify")
	}
	if VerifierFor(models.PlatformMeta, "k").Verify(body, sig) {
		t.Fatal("meta verifier accepted an unprefixed signature")
	}
}

func TestRedeliveryIsProcessedOnce(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()
	metrics := NewMetrics(prometheus.NewRegistry())
	p := newTestPipeline(env, WebhookOptions{
		Metrics:  metrics,
		Handlers: map[models.Platform]WebhookHandler{models.PlatformMeta: assetHandler(env, metrics)},
	})

	first := deliver(t, p, models.PlatformMeta, metaPageFeed)
	second := deliver(t, p, models.PlatformMeta, metaPageFeed)
	if first.PlatformEventID != second.PlatformEventID {
		t.Fatalf("event ids differ: %q vs %q", first.PlatformEventID, second.PlatformEventID)
	}

	status, err := p.Process(ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	if status != models.WebhookProcessed {
		t.Fatalf("first status = %s", status)
	}
	status, err = p.Process(ctx, second)
	if err != nil {
		t.Fatal(err)
	}
	if status != models.WebhookDuplicate {
		t.Fatalf("second status = %s, want duplicate", status)
	}

	dup, _ := p.Get(ctx, second.ID)
	if dup.DuplicateOfID == nil || *dup.DuplicateOfID != first.ID {
		t.Fatalf("duplicate_of_id = %v, want %d", dup.DuplicateOfID, first.ID)
	}
	asset, err := env.assets.Lookup(ctx, models.PlatformMeta, "PAGE1", models.AssetTypePage)
	if err != nil {
		t.Fatal(err)
	}
	if asset.SyncCount != 1 {
		t.Fatalf("sync_count = %d, want side effects applied once", asset.SyncCount)
	}
	if asset.PlatformData.String("last_webhook_field") != "feed" || asset.PlatformData.String("verb") != "add" {
		t.Fatalf("platform_data = %v", asset.PlatformData)
	}

	stats, err := p.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Duplicate != 1 || stats.Received != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if got := testutil.ToFloat64(metrics.webhooks.WithLabelValues("meta", "duplicate")); got != 1 {
		t.Fatalf("duplicate metric = %v, want 1", got)
	}
}

func TestRedeliveryDuringProcessingIsRejected(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()
	p := newTestPipeline(env, WebhookOptions{})

	first := deliver(t, p, models.PlatformMeta, metaPageFeed)
	second := deliver(t, p, models.PlatformMeta, metaPageFeed)
	if _, err := p.MarkProcessing(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := p.MarkProcessing(ctx, second.ID); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("claim redelivery: err = %v, want ErrDuplicateEvent", err)
	}
	if _, err := p.MarkProcessing(ctx, first.ID); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("double claim: err = %v, want ErrInvalidTransition", err)
	}
	if err := p.MarkDuplicate(ctx, first.ID, first.ID); err == nil {
		t.Fatal("expected error marking an event a duplicate of itself")
	}
}

func TestRedeliveryWaitsForInFlightOriginal(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()
	handled := 0
	handler := WebhookHandlerFunc(func(context.Context, *models.WebhookEvent, models.Document) (WebhookOutcome, error) {
		handled++
		return WebhookOutcome{}, nil
	})
	p := newTestPipeline(env, WebhookOptions{DefaultHandler: handler})

	first := deliver(t, p, models.PlatformMeta, metaPageFeed)
	second := deliver(t, p, models.PlatformMeta, metaPageFeed)
	if _, err := p.MarkProcessing(ctx, first.ID); err != nil {
		t.Fatal(err)
	}

	status, err := p.Process(ctx, second)
	if err != nil {
		t.Fatal(err)
	}
	if status != models.WebhookReceived {
		t.Fatalf("redelivery status = %s, want received while the original is in flight", status)
	}
	stored, _ := p.Get(ctx, second.ID)
	if stored.DuplicateOfID != nil || stored.Attempts != 0 {
		t.Fatalf("deferred redelivery = %+v", stored)
	}
	if stored.NextRetryAt == nil || !stored.NextRetryAt.Equal(env.clock.Now().Add(time.Minute)) {
		t.Fatalf("next_retry_at = %v, want +1m", stored.NextRetryAt)
	}

	// The original gives up; the redelivery must still be handled.
	if _, err := p.MarkFailed(ctx, first.ID, "token revoked", models.ErrorCodeAuthRevoked); err != nil {
		t.Fatal(err)
	}
	if ran, err := p.ProcessReady(ctx); err != nil || ran {
		t.Fatalf("ProcessReady before backoff = %v, %v", ran, err)
	}
	env.clock.Advance(time.Minute)
	if _, err := p.ProcessReady(ctx); err != nil {
		t.Fatal(err)
	}
	stored, _ = p.Get(ctx, second.ID)
	if stored.Status != models.WebhookProcessed || handled != 1 {
		t.Fatalf("redelivery = %s after %d handler calls, want processed once", stored.Status, handled)
	}
	original, _ := p.Get(ctx, first.ID)
	if original.Status != models.WebhookFailed || original.MaxAttempts != 3 {
		t.Fatalf("original = %s max_attempts=%d, want failed with its budget intact", original.Status, original.MaxAttempts)
	}
}

func TestHandlerFailureSchedulesRetry(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()
	calls := 0
	handler := WebhookHandlerFunc(func(_ context.Context, _ *models.WebhookEvent, _ models.Document) (WebhookOutcome, error) {
		calls++
		if calls == 1 {
			return WebhookOutcome{}, &CodedError{Code: models.ErrorCodeTimeout, Err: errors.New("graph api timed out")}
		}
		return WebhookOutcome{}, nil
	})
	p := newTestPipeline(env, WebhookOptions{DefaultHandler: handler})

	event := deliver(t, p, models.PlatformMeta, metaPageFeed)
	status, err := p.Process(ctx, event)
	if err != nil {
		t.Fatal(err)
	}
	if status != models.WebhookReceived {
		t.Fatalf("status after failure = %s, want received", status)
	}
	stored, _ := p.Get(ctx, event.ID)
	if stored.ErrorCode != models.ErrorCodeTimeout || stored.Attempts != 1 {
		t.Fatalf("failed event = %+v", stored)
	}
	if stored.NextRetryAt == nil || !stored.NextRetryAt.Equal(env.clock.Now().Add(60*time.Second)) {
		t.Fatalf("next_retry_at = %v, want +60s", stored.NextRetryAt)
	}

	ran, err := p.ProcessReady(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Fatal("event retried before its backoff elapsed")
	}

	env.clock.Advance(time.Minute)
	ran, err = p.ProcessReady(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("event was not retried after backoff")
	}
	stored, _ = p.Get(ctx, event.ID)
	if stored.Status != models.WebhookProcessed || stored.Attempts != 2 || stored.ErrorCode != "" {
		t.Fatalf("retried event = %+v", stored)
	}
}

func TestPermanentHandlerFailureIsNotRetried(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()
	handler := WebhookHandlerFunc(func(context.Context, *models.WebhookEvent, models.Document) (WebhookOutcome, error) {
		return WebhookOutcome{}, &CodedError{Code: models.ErrorCodePermissionDenied, Err: errors.New("token lacks pages_read")}
	})
	p := newTestPipeline(env, WebhookOptions{DefaultHandler: handler})

	event := deliver(t, p, models.PlatformMeta, metaPageFeed)
	status, err := p.Process(ctx, event)
	if err != nil {
		t.Fatal(err)
	}
	if status != models.WebhookFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	stored, _ := p.Get(ctx, event.ID)
	if stored.NextRetryAt != nil || stored.ProcessedAt == nil {
		t.Fatalf("permanently failed event = %+v", stored)
	}
}

func TestAssetSyncHandlerAttributesAndRefreshes(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()
	metrics := NewMetrics(prometheus.NewRegistry())
	p := newTestPipeline(env, WebhookOptions{DefaultHandler: assetHandler(env, metrics)})

	page := env.mustAsset(t, "PAGE1", models.AssetTypePage)
	if _, err := env.access.GrantOrRefresh(ctx, "org-a", page.ID, "conn-a", Grant{}); err != nil {
		t.Fatal(err)
	}

	event := deliver(t, p, models.PlatformMeta, metaPageFeed)
	if status, err := p.Process(ctx, event); err != nil || status != models.WebhookProcessed {
		t.Fatalf("status = %s, err = %v", status, err)
	}
	stored, _ := p.Get(ctx, event.ID)
	if stored.OrgID != "org-a" || stored.ConnectionID != "conn-a" {
		t.Fatalf("resolution = %q/%q", stored.OrgID, stored.ConnectionID)
	}
	if stored.RelatedAssetID == nil || *stored.RelatedAssetID != page.ID {
		t.Fatalf("related asset = %v, want %d", stored.RelatedAssetID, page.ID)
	}

	stats, err := env.queue.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 1 {
		t.Fatalf("pending refreshes = %d, want 1", stats.Pending)
	}
	if got := testutil.ToFloat64(metrics.enqueued.WithLabelValues("meta", "true")); got != 1 {
		t.Fatalf("enqueue metric = %v, want 1", got)
	}

	// A fresh asset needs no refresh.
	next := deliver(t, p, models.PlatformMeta, `{"object":"page","entry":[{"id":"PAGE1","time":1714813260,"changes":[{"field":"name","value":{"name":"Renamed"}}]}]}`)
	if status, err := p.Process(ctx, next); err != nil || status != models.WebhookProcessed {
		t.Fatalf("status = %s, err = %v", status, err)
	}
	stats, _ = env.queue.Stats(ctx)
	if stats.Pending != 1 {
		t.Fatalf("pending refreshes = %d after fresh update, want 1", stats.Pending)
	}
	asset, _ := env.assets.Get(ctx, page.ID)
	if asset.Name != "PAGE1" || asset.PlatformData.String("name") != "Renamed" || asset.SyncCount != 2 {
		t.Fatalf("asset = %+v", asset)
	}
}

func TestAssetSyncHandlerRemovesAndIgnores(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()
	p := newTestPipeline(env, WebhookOptions{DefaultHandler: assetHandler(env, nil)})

	gone := deliver(t, p, models.PlatformTwitter, `{"id":"tw-7","asset_id":"acct-9","asset_type":"ad_account","removed":true}`)
	if status, err := p.Process(ctx, gone); err != nil || status != models.WebhookProcessed {
		t.Fatalf("status = %s, err = %v", status, err)
	}
	asset, err := env.assets.Lookup(ctx, models.PlatformTwitter, "acct-9", models.AssetTypeAdAccount)
	if err != nil {
		t.Fatal(err)
	}
	if asset.DeletedAt == nil {
		t.Fatal("removed asset was not soft-deleted")
	}

	noise := deliver(t, p, models.PlatformMeta, `{"object":"user","entry":[{"id":"u-1"}]}`)
	status, err := p.Process(ctx, noise)
	if err != nil {
		t.Fatal(err)
	}
	if status != models.WebhookIgnored {
		t.Fatalf("status = %s, want ignored", status)
	}
}

func TestProcessIgnoresWithoutHandler(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()
	p := newTestPipeline(env, WebhookOptions{})

	event := deliver(t, p, models.PlatformTikTok, `{"event":"ad.review","event_id":"tt-1"}`)
	ran, err := p.ProcessReady(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("ProcessReady found nothing")
	}
	stored, _ := p.Get(ctx, event.ID)
	if stored.Status != models.WebhookIgnored {
		t.Fatalf("status = %s, want ignored", stored.Status)
	}
}
