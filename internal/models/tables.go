package models

import (
	"strings"
	"time"
)

type BatchGroup string

const (
	BatchGroupAssets    BatchGroup = "assets"
	BatchGroupMetrics   BatchGroup = "metrics"
	BatchGroupCampaigns BatchGroup = "campaigns"
	BatchGroupContent   BatchGroup = "content"
	BatchGroupDefault   BatchGroup = "default"
)

var batchGroupByRequestType = map[string]BatchGroup{
	"get_pages":              BatchGroupAssets,
	"get_ad_accounts":        BatchGroupAssets,
	"get_pixels":             BatchGroupAssets,
	"get_catalogs":           BatchGroupAssets,
	"get_instagram_accounts": BatchGroupAssets,

	"get_metrics":   BatchGroupMetrics,
	"get_insights":  BatchGroupMetrics,
	"get_analytics": BatchGroupMetrics,

	"get_campaigns": BatchGroupCampaigns,
	"get_ad_sets":   BatchGroupCampaigns,
	"get_ads":       BatchGroupCampaigns,

	"get_posts":     BatchGroupContent,
	"get_media":     BatchGroupContent,
	"get_creatives": BatchGroupContent,
}

// ClassifyRequestType returns the batch group for a request type.
// Unlisted types fall into BatchGroupDefault.
func ClassifyRequestType(requestType string) BatchGroup {
	if g, ok := batchGroupByRequestType[strings.ToLower(strings.TrimSpace(requestType))]; ok {
		return g
	}
	return BatchGroupDefault
}

// RefreshRequestType returns the request type that re-reads an asset of the given type.
func RefreshRequestType(assetType AssetType) (string, bool) {
	switch assetType {
	case AssetTypePage:
		return "get_pages", true
	case AssetTypeAdAccount:
		return "get_ad_accounts", true
	case AssetTypePixel:
		return "get_pixels", true
	case AssetTypeCatalog:
		return "get_catalogs", true
	case AssetTypeInstagramAccount:
		return "get_instagram_accounts", true
	}
	return "", false
}

// AssetTypeForRequestType returns the asset type an assets-group request
// reads. It is the inverse of RefreshRequestType.
func AssetTypeForRequestType(requestType string) (AssetType, bool) {
	switch strings.ToLower(strings.TrimSpace(requestType)) {
	case "get_pages":
		return AssetTypePage, true
	case "get_ad_accounts":
		return AssetTypeAdAccount, true
	case "get_pixels":
		return AssetTypePixel, true
	case "get_catalogs":
		return AssetTypeCatalog, true
	case "get_instagram_accounts":
		return AssetTypeInstagramAccount, true
	}
	return "", false
}

// RetrySchedule is shared by the request queue and the webhook pipeline.
var RetrySchedule = []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}

// RetryDelay returns the delay before retry number n (zero-based). Values past
// the end of the schedule are clamped to the last step.
func RetryDelay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n >= len(RetrySchedule) {
		n = len(RetrySchedule) - 1
	}
	return RetrySchedule[n]
}

// Error codes a platform client may report.
const (
	ErrorCodeInvalidParams    = "INVALID_PARAMS"
	ErrorCodeAuthRevoked      = "AUTH_REVOKED"
	ErrorCodePermissionDenied = "PERMISSION_DENIED"
	ErrorCodeNotFound         = "NOT_FOUND"
	ErrorCodeInvalidSignature = "INVALID_SIGNATURE"
	ErrorCodeRateLimited      = "RATE_LIMITED"
	ErrorCodeTimeout          = "TIMEOUT"
	ErrorCodeBatchFailed      = "BATCH_FAILED"
	ErrorCodeMissingResponse  = "MISSING_RESPONSE"
	ErrorCodeStuck            = "PROCESSING_TIMEOUT"
	ErrorCodeApplyFailed      = "APPLY_FAILED"
)

// IsPermanentErrorCode reports whether retrying cannot change the outcome.
func IsPermanentErrorCode(code string) bool {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case ErrorCodeInvalidParams, ErrorCodeAuthRevoked, ErrorCodePermissionDenied, ErrorCodeNotFound, ErrorCodeInvalidSignature:
		return true
	}
	return false
}
