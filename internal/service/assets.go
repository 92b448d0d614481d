package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odvcencio/assetsync/internal/database"
	"github.com/odvcencio/assetsync/internal/models"
)

// AssetRegistry owns the canonical, tenant-shared platform asset rows.
type AssetRegistry struct {
	db     database.DB
	now    func() time.Time
	logger *slog.Logger
}

func NewAssetRegistry(db database.DB, opts Options) *AssetRegistry {
	return &AssetRegistry{db: db, now: opts.clock(), logger: opts.logger()}
}

// DiscoveredAsset is an asset as reported by a platform.
type DiscoveredAsset struct {
	Platform        models.Platform
	PlatformAssetID string
	AssetType       models.AssetType
	Name            string
	Data            models.Document
	Ownership       models.OwnershipType
	ParentAssetID   *int64
	BusinessID      string
	ManagerID       string
}

// FindOrCreate upserts on (platform, platform asset id, asset type). An existing
// row is returned as stored; rediscovering a removed asset restores it.
func (r *AssetRegistry) FindOrCreate(ctx context.Context, d DiscoveredAsset) (*models.PlatformAsset, bool, error) {
	platform := models.NormalizePlatform(string(d.Platform))
	assetID := strings.TrimSpace(d.PlatformAssetID)
	if platform == "" || assetID == "" || d.AssetType == "" {
		return nil, false, fmt.Errorf("platform, platform asset id and asset type are required")
	}
	data := d.Data
	if data == nil {
		data = models.Document{}
	}
	asset := &models.PlatformAsset{
		Platform:        platform,
		PlatformAssetID: assetID,
		AssetType:       d.AssetType,
		Name:            strings.TrimSpace(d.Name),
		PlatformData:    data,
		Ownership:       models.ParseOwnershipType(string(d.Ownership)),
		ParentAssetID:   d.ParentAssetID,
		BusinessID:      d.BusinessID,
		ManagerID:       d.ManagerID,
		FirstSeenAt:     r.now(),
	}
	created, err := r.db.UpsertAsset(ctx, asset)
	if err != nil {
		return nil, false, fmt.Errorf("upsert asset %s/%s: %w", platform, assetID, err)
	}
	if created {
		r.logger.Info("asset discovered", "platform", platform, "asset_type", d.AssetType, "platform_asset_id", assetID, "asset_id", asset.ID)
	}
	return asset, created, nil
}

// ApplySync merges payload over the stored document (top-level keys in payload
// win), stamps last_synced_at and bumps sync_count. Concurrent merges are
// serialized by a compare-and-swap on the row revision.
func (r *AssetRegistry) ApplySync(ctx context.Context, assetID int64, payload models.Document, sourceConnectionID string) (*models.PlatformAsset, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		asset, err := r.Get(ctx, assetID)
		if err != nil {
			return nil, err
		}
		merged := asset.PlatformData.Merge(payload)
		ok, err := r.db.UpdateAssetSync(ctx, asset.ID, asset.Revision, merged, sourceConnectionID, r.now())
		if err != nil {
			return nil, fmt.Errorf("sync asset %d: %w", assetID, err)
		}
		if ok {
			return r.Get(ctx, assetID)
		}
	}
	return nil, fmt.Errorf("sync asset %d: too much contention", assetID)
}

// IsFresh reports whether the asset was synced within threshold.
func (r *AssetRegistry) IsFresh(asset *models.PlatformAsset, threshold time.Duration) bool {
	return asset.IsFresh(threshold, r.now())
}

// MarkRemoved soft-deletes an asset the platform no longer reports. Removing
// an already removed asset is a no-op.
func (r *AssetRegistry) MarkRemoved(ctx context.Context, assetID int64) error {
	err := r.db.SoftDeleteAsset(ctx, assetID, r.now())
	if err == nil {
		r.logger.Info("asset removed", "asset_id", assetID)
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("remove asset %d: %w", assetID, err)
	}
	if _, err := r.Get(ctx, assetID); err != nil {
		return err
	}
	return nil
}

func (r *AssetRegistry) Get(ctx context.Context, assetID int64) (*models.PlatformAsset, error) {
	asset, err := r.db.GetAsset(ctx, assetID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("asset %d: %w", assetID, ErrNotFound)
		}
		return nil, err
	}
	return asset, nil
}

// Lookup finds an asset by its natural key.
func (r *AssetRegistry) Lookup(ctx context.Context, platform models.Platform, platformAssetID string, assetType models.AssetType) (*models.PlatformAsset, error) {
	asset, err := r.db.GetAssetByKey(ctx, models.NormalizePlatform(string(platform)), platformAssetID, assetType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("asset %s/%s: %w", platform, platformAssetID, ErrNotFound)
		}
		return nil, err
	}
	return asset, nil
}
