package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/odvcencio/assetsync/internal/database"
	"github.com/odvcencio/assetsync/internal/jobs"
	"github.com/odvcencio/assetsync/internal/models"
	"github.com/odvcencio/assetsync/internal/service"
	"github.com/prometheus/client_golang/prometheus"
)

var testWebhookSecrets = map[models.Platform]string{
	models.PlatformMeta:   "meta-secret",
	models.PlatformTikTok: "tiktok-secret",
}

type testServer struct {
	*Server
	db       database.DB
	webhooks *service.WebhookPipeline
	queue    *jobs.Queue
	execLog  *service.ExecutionLog
	registry *prometheus.Registry
}

func setupTestServer(t *testing.T, opts ServerOptions) *testServer {
	t.Helper()

	ctx := context.Background()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	if err := db.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	reg := prometheus.NewRegistry()
	if opts.Registerer == nil {
		opts.Registerer = reg
		opts.Gatherer = reg
	}
	webhooks := service.NewWebhookPipeline(db, service.WebhookOptions{Secrets: testWebhookSecrets})
	queue := jobs.NewQueue(db, jobs.QueueOptions{})
	execLog := service.NewExecutionLog(db, service.Options{})
	return &testServer{
		Server:   NewServerWithOptions(db, webhooks, queue, execLog, opts),
		db:       db,
		webhooks: webhooks,
		queue:    queue,
		execLog:  execLog,
		registry: reg,
	}
}

// signedDelivery builds a webhook request carrying a valid platform signature.
func signedDelivery(platform models.Platform, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+string(platform), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(service.SignatureHeader(platform), service.Sign(platform, testWebhookSecrets[platform], body))
	req.RemoteAddr = "198.51.100.20:5000"
	return req
}
