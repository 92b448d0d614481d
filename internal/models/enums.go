package models

import (
	"fmt"
	"strings"
)

type Platform string

const (
	PlatformMeta      Platform = "meta"
	PlatformGoogle    Platform = "google"
	PlatformTikTok    Platform = "tiktok"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformTwitter   Platform = "twitter"
	PlatformSnapchat  Platform = "snapchat"
	PlatformPinterest Platform = "pinterest"
	PlatformWhatsApp  Platform = "whatsapp"
)

// NormalizePlatform lowercases and trims a platform name.
func NormalizePlatform(raw string) Platform {
	return Platform(strings.ToLower(strings.TrimSpace(raw)))
}

type OwnershipType string

const (
	OwnershipOwned    OwnershipType = "owned"
	OwnershipClient   OwnershipType = "client"
	OwnershipPersonal OwnershipType = "personal"
	OwnershipManaged  OwnershipType = "managed"
	OwnershipUnknown  OwnershipType = "unknown"
)

func (o OwnershipType) Valid() bool {
	switch o {
	case OwnershipOwned, OwnershipClient, OwnershipPersonal, OwnershipManaged, OwnershipUnknown:
		return true
	}
	return false
}

// ParseOwnershipType maps unrecognized values to OwnershipUnknown.
func ParseOwnershipType(raw string) OwnershipType {
	o := OwnershipType(strings.ToLower(strings.TrimSpace(raw)))
	if !o.Valid() {
		return OwnershipUnknown
	}
	return o
}

type AssetType string

const (
	AssetTypePage             AssetType = "page"
	AssetTypeAdAccount        AssetType = "ad_account"
	AssetTypePixel            AssetType = "pixel"
	AssetTypeCatalog          AssetType = "catalog"
	AssetTypeInstagramAccount AssetType = "instagram_account"
	AssetTypeBusiness         AssetType = "business"
	AssetTypeYouTubeChannel   AssetType = "youtube_channel"
	AssetTypeAdvertiser       AssetType = "advertiser"
)

type RelationshipType string

const (
	RelPageOwnsInstagram       RelationshipType = "page_owns_instagram"
	RelBusinessOwnsAdAccount   RelationshipType = "business_owns_ad_account"
	RelBusinessOwnsPage        RelationshipType = "business_owns_page"
	RelBusinessOwnsPixel       RelationshipType = "business_owns_pixel"
	RelBusinessOwnsCatalog     RelationshipType = "business_owns_catalog"
	RelAdAccountHasPixel       RelationshipType = "ad_account_has_pixel"
	RelAdAccountUsesPage       RelationshipType = "ad_account_uses_page"
	RelChannelLinkedAdAccount  RelationshipType = "channel_linked_ad_account"
	RelCatalogConnectedToPixel RelationshipType = "catalog_connected_to_pixel"
)

func (r RelationshipType) Valid() bool {
	switch r {
	case RelPageOwnsInstagram, RelBusinessOwnsAdAccount, RelBusinessOwnsPage, RelBusinessOwnsPixel,
		RelBusinessOwnsCatalog, RelAdAccountHasPixel, RelAdAccountUsesPage, RelChannelLinkedAdAccount,
		RelCatalogConnectedToPixel:
		return true
	}
	return false
}

type AccessType string

const (
	AccessRead    AccessType = "read"
	AccessWrite   AccessType = "write"
	AccessAdmin   AccessType = "admin"
	AccessPublish AccessType = "publish"
	AccessAnalyze AccessType = "analyze"
	AccessManage  AccessType = "manage"
)

func (a AccessType) Valid() bool {
	switch a {
	case AccessRead, AccessWrite, AccessAdmin, AccessPublish, AccessAnalyze, AccessManage:
		return true
	}
	return false
}

// NormalizeAccessTypes drops unknown and repeated entries, preserving order.
// An empty result defaults to read.
func NormalizeAccessTypes(in []AccessType) ([]AccessType, error) {
	seen := make(map[AccessType]bool, len(in))
	out := make([]AccessType, 0, len(in))
	for _, a := range in {
		a = AccessType(strings.ToLower(strings.TrimSpace(string(a))))
		if a == "" || seen[a] {
			continue
		}
		if !a.Valid() {
			return nil, fmt.Errorf("unknown access type %q", a)
		}
		seen[a] = true
		out = append(out, a)
	}
	if len(out) == 0 {
		out = append(out, AccessRead)
	}
	return out, nil
}

type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueQueued     QueueStatus = "queued"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// ActiveQueueStatuses are the statuses that hold a request key for deduplication.
var ActiveQueueStatuses = []QueueStatus{QueuePending, QueueQueued, QueueProcessing}

func (s QueueStatus) Valid() bool {
	switch s {
	case QueuePending, QueueQueued, QueueProcessing, QueueCompleted, QueueFailed, QueueCancelled:
		return true
	}
	return false
}

// Active reports whether the request still occupies its dedup key.
func (s QueueStatus) Active() bool {
	switch s {
	case QueuePending, QueueQueued, QueueProcessing:
		return true
	case QueueCompleted, QueueFailed, QueueCancelled:
		return false
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s QueueStatus) Terminal() bool {
	switch s {
	case QueueCompleted, QueueFailed, QueueCancelled:
		return true
	case QueuePending, QueueQueued, QueueProcessing:
		return false
	}
	return false
}

type WebhookStatus string

const (
	WebhookReceived   WebhookStatus = "received"
	WebhookProcessing WebhookStatus = "processing"
	WebhookProcessed  WebhookStatus = "processed"
	WebhookFailed     WebhookStatus = "failed"
	WebhookIgnored    WebhookStatus = "ignored"
	WebhookDuplicate  WebhookStatus = "duplicate"
)

func (s WebhookStatus) Valid() bool {
	switch s {
	case WebhookReceived, WebhookProcessing, WebhookProcessed, WebhookFailed, WebhookIgnored, WebhookDuplicate:
		return true
	}
	return false
}

func (s WebhookStatus) Terminal() bool {
	switch s {
	case WebhookProcessed, WebhookFailed, WebhookIgnored, WebhookDuplicate:
		return true
	case WebhookReceived, WebhookProcessing:
		return false
	}
	return false
}

type BatchLogStatus string

const (
	BatchLogRunning   BatchLogStatus = "running"
	BatchLogCompleted BatchLogStatus = "completed"
)
