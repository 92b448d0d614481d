package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/odvcencio/assetsync/internal/models"
	"github.com/odvcencio/assetsync/internal/service"
)

func adminGet(t *testing.T, srv *testServer, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "127.0.0.1:4000"
	resp := httptest.NewRecorder()
	srv.ServeHTTP(resp, req)
	return resp
}

func TestAdminBatchEndpoints(t *testing.T) {
	srv := setupTestServer(t, ServerOptions{EnableAdminHealth: true})
	ctx := context.Background()

	meta, err := srv.execLog.StartBatch(ctx, service.BatchStart{Platform: models.PlatformMeta, RequestCount: 4, BatchType: service.BatchTypeFieldExpansion})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.execLog.Complete(ctx, meta, service.BatchOutcome{Success: 3, Failure: 1, APICalls: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.execLog.StartBatch(ctx, service.BatchStart{Platform: models.PlatformTikTok, RequestCount: 1}); err != nil {
		t.Fatal(err)
	}

	resp := adminGet(t, srv, "/admin/batches?platform=meta")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var logs []models.BatchExecutionLog
	if err := json.Unmarshal(resp.Body.Bytes(), &logs); err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].BatchID != meta.BatchID {
		t.Fatalf("meta batches = %+v", logs)
	}

	resp = adminGet(t, srv, "/admin/batches")
	logs = nil
	if err := json.Unmarshal(resp.Body.Bytes(), &logs); err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Fatalf("all batches = %d, want 2", len(logs))
	}

	resp = adminGet(t, srv, "/admin/batches/"+meta.BatchID)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var detail struct {
		BatchID         string  `json:"batch_id"`
		SuccessRate     float64 `json:"success_rate"`
		EfficiencyRatio float64 `json:"efficiency_ratio"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &detail); err != nil {
		t.Fatal(err)
	}
	if detail.BatchID != meta.BatchID || detail.SuccessRate != 75 || detail.EfficiencyRatio != 4 {
		t.Fatalf("detail = %+v", detail)
	}

	assertJSONError(t, adminGet(t, srv, "/admin/batches/missing"), http.StatusNotFound, "not found")
	assertJSONError(t, adminGet(t, srv, "/admin/batches?limit=0"), http.StatusBadRequest, "invalid limit query parameter")
}

func TestAdminBatchListEmpty(t *testing.T) {
	srv := setupTestServer(t, ServerOptions{EnableAdminHealth: true})

	resp := adminGet(t, srv, "/admin/batches")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if got := resp.Body.String(); got != "[]\n" {
		t.Fatalf("body = %q, want empty list", got)
	}
}
