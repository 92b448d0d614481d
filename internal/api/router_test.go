package api

import (
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestChainMiddlewarePreservesOrder(t *testing.T) {
	sequence := make([]string, 0, 5)
	builds := map[string]int{}
	wrap := func(name string) middlewareFunc {
		return func(next http.Handler) http.Handler {
			builds[name]++
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				sequence = append(sequence, "before:"+name)
				next.ServeHTTP(w, r)
				sequence = append(sequence, "after:"+name)
			})
		}
	}

	handler := chainMiddleware(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sequence = append(sequence, "handler")
			w.WriteHeader(http.StatusNoContent)
		}),
		wrap("outer"),
		wrap("inner"),
	)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
		}
	}

	want := []string{
		"before:outer", "before:inner", "handler", "after:inner", "after:outer",
		"before:outer", "before:inner", "handler", "after:inner", "after:outer",
	}
	if !reflect.DeepEqual(sequence, want) {
		t.Fatalf("unexpected middleware order: got %v want %v", sequence, want)
	}
	if builds["outer"] != 1 || builds["inner"] != 1 {
		t.Fatalf("middleware built %v times, want once each", builds)
	}
}

func TestUnknownRoutesAndMethods(t *testing.T) {
	srv := setupTestServer(t, ServerOptions{})

	resp := httptest.NewRecorder()
	srv.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/webhooks/meta", nil))
	if resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /webhooks/meta: expected status 405, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	srv.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/webhooks/", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("POST /webhooks/: expected status 404, got %d", resp.Code)
	}
}
