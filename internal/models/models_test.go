package models

import (
	"testing"
	"time"
)

func TestClassifyRequestType(t *testing.T) {
	tests := []struct {
		requestType string
		want        BatchGroup
	}{
		{requestType: "get_pages", want: BatchGroupAssets},
		{requestType: "get_instagram_accounts", want: BatchGroupAssets},
		{requestType: "get_insights", want: BatchGroupMetrics},
		{requestType: "get_ad_sets", want: BatchGroupCampaigns},
		{requestType: "GET_CREATIVES", want: BatchGroupContent},
		{requestType: "upload_conversions", want: BatchGroupDefault},
		{requestType: "", want: BatchGroupDefault},
	}

	for _, tc := range tests {
		t.Run(tc.requestType, func(t *testing.T) {
			if got := ClassifyRequestType(tc.requestType); got != tc.want {
				t.Fatalf("ClassifyRequestType(%q) = %q, want %q", tc.requestType, got, tc.want)
			}
		})
	}
}

func TestAssetTypeForRequestTypeInvertsRefresh(t *testing.T) {
	for _, assetType := range []AssetType{AssetTypePage, AssetTypeAdAccount, AssetTypePixel, AssetTypeCatalog, AssetTypeInstagramAccount} {
		requestType, ok := RefreshRequestType(assetType)
		if !ok {
			t.Fatalf("no refresh request for %s", assetType)
		}
		if got, ok := AssetTypeForRequestType(requestType); !ok || got != assetType {
			t.Fatalf("AssetTypeForRequestType(%q) = %q, %v", requestType, got, ok)
		}
	}
	if _, ok := AssetTypeForRequestType("get_metrics"); ok {
		t.Fatal("metrics requests do not read assets")
	}
}

func TestRetryDelayClampsToLastStep(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{n: -1, want: 60 * time.Second},
		{n: 0, want: 60 * time.Second},
		{n: 1, want: 300 * time.Second},
		{n: 2, want: 900 * time.Second},
		{n: 3, want: 900 * time.Second},
		{n: 10, want: 900 * time.Second},
	}
	for _, tc := range tests {
		if got := RetryDelay(tc.n); got != tc.want {
			t.Fatalf("RetryDelay(%d) = %s, want %s", tc.n, got, tc.want)
		}
	}
}

func TestDocumentMergeIsShallow(t *testing.T) {
	base := Document{"x": 1, "nested": map[string]any{"a": 1}}
	merged := base.Merge(Document{"y": 2, "nested": map[string]any{"b": 2}})

	if merged["x"] != 1 || merged["y"] != 2 {
		t.Fatalf("merged = %#v, want x and y", merged)
	}
	nested, ok := merged["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested = %#v, want map", merged["nested"])
	}
	if _, ok := nested["a"]; ok {
		t.Fatalf("nested = %#v, want replaced object", nested)
	}
	if _, ok := base["y"]; ok {
		t.Fatal("Merge mutated the receiver")
	}
}

func TestDocumentScanRoundTripsJSON(t *testing.T) {
	var d Document
	if err := d.Scan(`{"account":"123"}`); err != nil {
		t.Fatal(err)
	}
	if d.String("account") != "123" {
		t.Fatalf("account = %q, want 123", d.String("account"))
	}
	if err := d.Scan(nil); err != nil {
		t.Fatal(err)
	}
	if d == nil || len(d) != 0 {
		t.Fatalf("scan nil = %#v, want empty document", d)
	}
}

func TestParseDocumentKeepsNumbersExact(t *testing.T) {
	d, err := ParseDocument([]byte(`{"id":9007199254740993,"spend":12.75,"count":3}`))
	if err != nil {
		t.Fatal(err)
	}
	if got := d.String("id"); got != "9007199254740993" {
		t.Fatalf("id = %q, want every digit kept", got)
	}
	if got := d.String("spend"); got != "12.75" {
		t.Fatalf("spend = %q, want 12.75", got)
	}
	if got := (Document{"n": 3, "f": 0.5}); got.String("n") != "3" || got.String("f") != "0.5" {
		t.Fatalf("go values rendered as %q / %q", got.String("n"), got.String("f"))
	}
	if _, err := ParseDocument([]byte(`{"a":1} {"b":2}`)); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestBatchExecutionLogSuccessRate(t *testing.T) {
	log := &BatchExecutionLog{RequestCount: 10, SuccessCount: 8, FailureCount: 2}
	if got := log.SuccessRate(); got != 80.0 {
		t.Fatalf("SuccessRate = %v, want 80", got)
	}
	if got := (&BatchExecutionLog{}).SuccessRate(); got != 0 {
		t.Fatalf("empty SuccessRate = %v, want 0", got)
	}

	log.APICallsMade = 2
	if got := log.EfficiencyRatio(); got != 5 {
		t.Fatalf("EfficiencyRatio = %v, want 5", got)
	}
}

func TestParseOwnershipType(t *testing.T) {
	if got := ParseOwnershipType(" Client "); got != OwnershipClient {
		t.Fatalf("ParseOwnershipType = %q, want client", got)
	}
	if got := ParseOwnershipType("partner"); got != OwnershipUnknown {
		t.Fatalf("ParseOwnershipType = %q, want unknown", got)
	}
}

func TestNormalizeAccessTypes(t *testing.T) {
	got, err := NormalizeAccessTypes([]AccessType{"READ", "analyze", "read"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != AccessRead || got[1] != AccessAnalyze {
		t.Fatalf("NormalizeAccessTypes = %v", got)
	}
	if _, err := NormalizeAccessTypes([]AccessType{"root"}); err == nil {
		t.Fatal("expected error for unknown access type")
	}
	def, err := NormalizeAccessTypes(nil)
	if err != nil || len(def) != 1 || def[0] != AccessRead {
		t.Fatalf("NormalizeAccessTypes(nil) = %v, %v", def, err)
	}
}

func TestQueueStatusActive(t *testing.T) {
	for _, s := range ActiveQueueStatuses {
		if !s.Active() || s.Terminal() {
			t.Fatalf("%q should be active and non-terminal", s)
		}
	}
	for _, s := range []QueueStatus{QueueCompleted, QueueFailed, QueueCancelled} {
		if s.Active() || !s.Terminal() {
			t.Fatalf("%q should be terminal", s)
		}
	}
}
