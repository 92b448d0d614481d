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

// AccessLedger records which orgs may use which shared assets, and through
// which OAuth connection.
type AccessLedger struct {
	db     database.DB
	assets *AssetRegistry
	now    func() time.Time
	logger *slog.Logger
}

func NewAccessLedger(db database.DB, assets *AssetRegistry, opts Options) *AccessLedger {
	return &AccessLedger{db: db, assets: assets, now: opts.clock(), logger: opts.logger()}
}

// Grant is the access an OAuth connection reports for an asset.
type Grant struct {
	AccessTypes     []models.AccessType
	Permissions     models.Document
	Roles           models.Document
	GrantedByUserID string
}

// OrgAsset pairs an active access row with its asset.
type OrgAsset struct {
	Access models.OrgAssetAccess
	Asset  models.PlatformAsset
}

// GrantOrRefresh records or re-verifies access. A repeat grant reactivates the
// row and bumps verification_count; the selection flag is left untouched.
func (l *AccessLedger) GrantOrRefresh(ctx context.Context, orgID string, assetID int64, connectionID string, g Grant) (*models.OrgAssetAccess, error) {
	orgID = strings.TrimSpace(orgID)
	connectionID = strings.TrimSpace(connectionID)
	if orgID == "" || connectionID == "" {
		return nil, fmt.Errorf("org id and connection id are required")
	}
	if _, err := l.assets.Get(ctx, assetID); err != nil {
		return nil, err
	}
	types, err := models.NormalizeAccessTypes(g.AccessTypes)
	if err != nil {
		return nil, err
	}
	access := &models.OrgAssetAccess{
		OrgID:           orgID,
		AssetID:         assetID,
		ConnectionID:    connectionID,
		AccessTypes:     types,
		Permissions:     orEmpty(g.Permissions),
		Roles:           orEmpty(g.Roles),
		GrantedByUserID: g.GrantedByUserID,
		LastVerifiedAt:  l.now(),
	}
	if err := l.db.UpsertAssetAccess(ctx, access); err != nil {
		return nil, fmt.Errorf("grant asset %d to org %s: %w", assetID, orgID, err)
	}
	return access, nil
}

// Revoke deactivates an access row. Rows are kept for audit.
func (l *AccessLedger) Revoke(ctx context.Context, accessID int64) error {
	if err := l.db.SetAssetAccessActive(ctx, accessID, false, l.now()); err != nil {
		return l.notFound(accessID, err)
	}
	l.logger.Info("asset access revoked", "access_id", accessID)
	return nil
}

// Select marks the asset as chosen by the tenant. It does not depend on the
// row being active.
func (l *AccessLedger) Select(ctx context.Context, accessID int64, userID string) error {
	if err := l.db.SetAssetAccessSelected(ctx, accessID, true, userID, l.now()); err != nil {
		return l.notFound(accessID, err)
	}
	return nil
}

func (l *AccessLedger) Deselect(ctx context.Context, accessID int64) error {
	if err := l.db.SetAssetAccessSelected(ctx, accessID, false, "", l.now()); err != nil {
		return l.notFound(accessID, err)
	}
	return nil
}

func (l *AccessLedger) Get(ctx context.Context, accessID int64) (*models.OrgAssetAccess, error) {
	access, err := l.db.GetAssetAccess(ctx, accessID)
	if err != nil {
		return nil, l.notFound(accessID, err)
	}
	return access, nil
}

// Authorize returns the org's active access row for the asset, or ErrAccessDenied.
func (l *AccessLedger) Authorize(ctx context.Context, orgID string, assetID int64) (*models.OrgAssetAccess, error) {
	access, err := l.db.FindActiveAssetAccess(ctx, orgID, assetID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("org %s asset %d: %w", orgID, assetID, ErrAccessDenied)
		}
		return nil, err
	}
	return access, nil
}

// AssetForOrg reads an asset on behalf of an org. Removed assets are reported as not found.
func (l *AccessLedger) AssetForOrg(ctx context.Context, orgID string, assetID int64) (*models.PlatformAsset, error) {
	if _, err := l.Authorize(ctx, orgID, assetID); err != nil {
		return nil, err
	}
	asset, err := l.assets.Get(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if asset.DeletedAt != nil {
		return nil, fmt.Errorf("asset %d: %w", assetID, ErrNotFound)
	}
	return asset, nil
}

// ListOrgAssets lists the org's assets through active access rows only.
func (l *AccessLedger) ListOrgAssets(ctx context.Context, orgID string, selectedOnly bool) ([]OrgAsset, error) {
	rows, err := l.db.ListOrgAssetAccess(ctx, orgID, selectedOnly)
	if err != nil {
		return nil, err
	}
	out := make([]OrgAsset, 0, len(rows))
	for _, access := range rows {
		asset, err := l.assets.Get(ctx, access.AssetID)
		if err != nil {
			return nil, err
		}
		out = append(out, OrgAsset{Access: access, Asset: *asset})
	}
	return out, nil
}

// Holders lists the active access rows for an asset, most recently verified first.
func (l *AccessLedger) Holders(ctx context.Context, assetID int64) ([]models.OrgAssetAccess, error) {
	return l.db.ListAssetAccessByAsset(ctx, assetID)
}

func (l *AccessLedger) notFound(accessID int64, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("access %d: %w", accessID, ErrNotFound)
	}
	return err
}

func orEmpty(d models.Document) models.Document {
	if d == nil {
		return models.Document{}
	}
	return d
}
