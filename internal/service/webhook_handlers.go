package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/assetsync/internal/database"
	"github.com/odvcencio/assetsync/internal/jobs"
	"github.com/odvcencio/assetsync/internal/models"
)

// WebhookOutcome is what a handler reports for a processed event.
type WebhookOutcome struct {
	Resolution database.WebhookResolution
	Ignore     bool
	Reason     string
}

// WebhookHandler applies an event's side effects. Handlers must be safe to
// re-run when a retry follows a partial failure.
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, event *models.WebhookEvent, payload models.Document) (WebhookOutcome, error)
}

type WebhookHandlerFunc func(ctx context.Context, event *models.WebhookEvent, payload models.Document) (WebhookOutcome, error)

func (f WebhookHandlerFunc) HandleWebhook(ctx context.Context, event *models.WebhookEvent, payload models.Document) (WebhookOutcome, error) {
	return f(ctx, event, payload)
}

// CodedError carries a platform error code through a handler failure.
type CodedError struct {
	Code string
	Err  error
}

func (e *CodedError) Error() string { return e.Err.Error() }
func (e *CodedError) Unwrap() error { return e.Err }

func errorCodeOf(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// AssetChange is an asset reference found in a webhook payload.
type AssetChange struct {
	Asset   DiscoveredAsset
	Removed bool
}

// AssetExtractor finds the asset an event is about.
type AssetExtractor func(event *models.WebhookEvent, payload models.Document) (AssetChange, bool)

const defaultRefreshPriority = 3

// AssetSyncHandler upserts the asset an event refers to, attributes the event
// to an org through the access ledger, and enqueues a refresh when the cached
// asset is stale.
type AssetSyncHandler struct {
	Assets          *AssetRegistry
	Access          *AccessLedger
	Queue           *jobs.Queue
	Extract         AssetExtractor
	FreshFor        time.Duration
	RefreshPriority int
	Metrics         *Metrics
}

func (h *AssetSyncHandler) HandleWebhook(ctx context.Context, event *models.WebhookEvent, payload models.Document) (WebhookOutcome, error) {
	extract := h.Extract
	if extract == nil {
		extract = DefaultAssetExtractor
	}
	change, ok := extract(event, payload)
	if !ok {
		return WebhookOutcome{Ignore: true, Reason: "no asset reference in payload"}, nil
	}

	asset, _, err := h.Assets.FindOrCreate(ctx, change.Asset)
	if err != nil {
		return WebhookOutcome{}, err
	}
	res := database.WebhookResolution{RelatedAssetID: &asset.ID}
	holders, err := h.Access.Holders(ctx, asset.ID)
	if err != nil {
		return WebhookOutcome{}, err
	}
	if len(holders) > 0 {
		res.OrgID = holders[0].OrgID
		res.ConnectionID = holders[0].ConnectionID
	}

	if change.Removed {
		if err := h.Assets.MarkRemoved(ctx, asset.ID); err != nil {
			return WebhookOutcome{}, err
		}
		return WebhookOutcome{Resolution: res}, nil
	}

	stale := !h.Assets.IsFresh(asset, h.FreshFor)
	if _, err := h.Assets.ApplySync(ctx, asset.ID, change.Asset.Data, res.ConnectionID); err != nil {
		return WebhookOutcome{}, err
	}
	if stale && len(holders) > 0 && h.Queue != nil {
		if requestType, ok := models.RefreshRequestType(asset.AssetType); ok {
			priority := h.RefreshPriority
			if priority <= 0 {
				priority = defaultRefreshPriority
			}
			_, created, err := h.Queue.Enqueue(ctx, jobs.EnqueueParams{
				OrgID:        res.OrgID,
				Platform:     asset.Platform,
				ConnectionID: res.ConnectionID,
				RequestType:  requestType,
				Params:       models.Document{"asset_id": asset.PlatformAssetID},
				Priority:     priority,
			})
			if err != nil {
				return WebhookOutcome{}, fmt.Errorf("enqueue refresh for asset %d: %w", asset.ID, err)
			}
			h.Metrics.observeEnqueue(asset.Platform, created)
		}
	}
	return WebhookOutcome{Resolution: res}, nil
}

var metaObjectTypes = map[string]models.AssetType{
	"page":                      models.AssetTypePage,
	"instagram":                 models.AssetTypeInstagramAccount,
	"ad_account":                models.AssetTypeAdAccount,
	"business":                  models.AssetTypeBusiness,
	"whatsapp_business_account": models.AssetTypeBusiness,
}

// DefaultAssetExtractor understands Meta change notifications, Google Pub/Sub
// attributes, TikTok advertiser events, and a generic
// {asset_id, asset_type, name, data, removed} shape.
func DefaultAssetExtractor(event *models.WebhookEvent, payload models.Document) (AssetChange, bool) {
	switch event.Platform {
	case models.PlatformMeta, models.PlatformWhatsApp:
		entry := firstObject(payload["entry"])
		assetType, ok := metaObjectTypes[payload.String("object")]
		if entry == nil || !ok || entry.String("id") == "" {
			return AssetChange{}, false
		}
		data := models.Document{}
		if change := firstObject(entry["changes"]); change != nil {
			if value := object(change["value"]); value != nil {
				data = value.Clone()
			}
			if field := change.String("field"); field != "" {
				data["last_webhook_field"] = field
			}
		}
		return AssetChange{Asset: DiscoveredAsset{
			Platform:        event.Platform,
			PlatformAssetID: entry.String("id"),
			AssetType:       assetType,
			Data:            data,
		}}, true
	case models.PlatformGoogle:
		message := object(payload["message"])
		attrs := object(message["attributes"])
		if attrs.String("customer_id") == "" {
			return AssetChange{}, false
		}
		return AssetChange{Asset: DiscoveredAsset{
			Platform:        event.Platform,
			PlatformAssetID: attrs.String("customer_id"),
			AssetType:       models.AssetTypeAdAccount,
			Data:            models.Document{"last_event_type": event.EventType},
		}}, true
	case models.PlatformTikTok:
		if id := payload.String("advertiser_id"); id != "" {
			data := object(payload["content"]).Clone()
			data["last_event_type"] = event.EventType
			return AssetChange{Asset: DiscoveredAsset{
				Platform:        event.Platform,
				PlatformAssetID: id,
				AssetType:       models.AssetTypeAdvertiser,
				Data:            data,
			}}, true
		}
	}

	id := strings.TrimSpace(payload.String("asset_id"))
	assetType := models.AssetType(strings.TrimSpace(payload.String("asset_type")))
	if id == "" || assetType == "" {
		return AssetChange{}, false
	}
	removed, _ := payload["removed"].(bool)
	return AssetChange{
		Asset: DiscoveredAsset{
			Platform:        event.Platform,
			PlatformAssetID: id,
			AssetType:       assetType,
			Name:            payload.String("name"),
			Data:            object(payload["data"]).Clone(),
		},
		Removed: removed,
	}, true
}
