package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/odvcencio/assetsync/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresDB struct {
	db *sql.DB
}

var _ DB = (*PostgresDB)(nil)

func OpenPostgres(dsn string) (*PostgresDB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return &PostgresDB{db: db}, nil
}

func (p *PostgresDB) Close() error { return p.db.Close() }

func (p *PostgresDB) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresDB) DBStats() sql.DBStats { return p.db.Stats() }

func (p *PostgresDB) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS platform_assets (
	id BIGSERIAL PRIMARY KEY,
	platform TEXT NOT NULL,
	platform_asset_id TEXT NOT NULL,
	asset_type TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	platform_data JSONB NOT NULL DEFAULT '{}'::jsonb,
	ownership TEXT NOT NULL DEFAULT 'unknown',
	parent_asset_id BIGINT REFERENCES platform_assets(id) ON DELETE SET NULL,
	business_id TEXT NOT NULL DEFAULT '',
	manager_id TEXT NOT NULL DEFAULT '',
	first_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_synced_at TIMESTAMPTZ,
	sync_count BIGINT NOT NULL DEFAULT 0,
	sync_source TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	revision BIGINT NOT NULL DEFAULT 0,
	deleted_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE(platform, platform_asset_id, asset_type)
);
CREATE INDEX IF NOT EXISTS idx_platform_assets_business ON platform_assets(platform, business_id);

CREATE TABLE IF NOT EXISTS asset_relationships (
	id BIGSERIAL PRIMARY KEY,
	parent_asset_id BIGINT NOT NULL REFERENCES platform_assets(id) ON DELETE CASCADE,
	child_asset_id BIGINT NOT NULL REFERENCES platform_assets(id) ON DELETE CASCADE,
	relationship_type TEXT NOT NULL,
	data JSONB NOT NULL DEFAULT '{}'::jsonb,
	discovered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_verified_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	revision BIGINT NOT NULL DEFAULT 0,
	UNIQUE(parent_asset_id, child_asset_id, relationship_type)
);
CREATE INDEX IF NOT EXISTS idx_asset_relationships_child ON asset_relationships(child_asset_id, relationship_type);
CREATE INDEX IF NOT EXISTS idx_asset_relationships_verified ON asset_relationships(last_verified_at);

CREATE TABLE IF NOT EXISTS org_asset_access (
	id BIGSERIAL PRIMARY KEY,
	org_id TEXT NOT NULL,
	asset_id BIGINT NOT NULL REFERENCES platform_assets(id) ON DELETE CASCADE,
	connection_id TEXT NOT NULL,
	access_types TEXT NOT NULL DEFAULT 'read',
	permissions JSONB NOT NULL DEFAULT '{}'::jsonb,
	roles JSONB NOT NULL DEFAULT '{}'::jsonb,
	granted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	granted_by_user_id TEXT NOT NULL DEFAULT '',
	last_verified_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	verification_count BIGINT NOT NULL DEFAULT 1,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	is_selected BOOLEAN NOT NULL DEFAULT FALSE,
	selected_by_user_id TEXT NOT NULL DEFAULT '',
	selected_at TIMESTAMPTZ,
	revoked_at TIMESTAMPTZ,
	UNIQUE(org_id, asset_id, connection_id)
);
CREATE INDEX IF NOT EXISTS idx_org_asset_access_org ON org_asset_access(org_id, is_active, is_selected);
CREATE INDEX IF NOT EXISTS idx_org_asset_access_asset ON org_asset_access(asset_id, is_active);

CREATE TABLE IF NOT EXISTS batch_request_queue (
	id BIGSERIAL PRIMARY KEY,
	org_id TEXT NOT NULL DEFAULT '',
	platform TEXT NOT NULL,
	connection_id TEXT NOT NULL,
	request_type TEXT NOT NULL,
	request_key TEXT NOT NULL,
	request_params JSONB NOT NULL DEFAULT '{}'::jsonb,
	batch_group TEXT NOT NULL DEFAULT 'default',
	batch_id TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 5,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	response_data JSONB NOT NULL DEFAULT '{}'::jsonb,
	error_message TEXT NOT NULL DEFAULT '',
	error_code TEXT NOT NULL DEFAULT '',
	scheduled_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	next_retry_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_batch_request_queue_active_key
	ON batch_request_queue(platform, request_key)
	WHERE status IN ('pending', 'queued', 'processing');
CREATE INDEX IF NOT EXISTS idx_batch_request_queue_claim
	ON batch_request_queue(platform, connection_id, status, priority, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_batch_request_queue_retry ON batch_request_queue(status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_batch_request_queue_batch ON batch_request_queue(batch_id);

CREATE TABLE IF NOT EXISTS batch_execution_logs (
	id BIGSERIAL PRIMARY KEY,
	batch_id TEXT NOT NULL UNIQUE,
	platform TEXT NOT NULL,
	batch_type TEXT NOT NULL DEFAULT '',
	connection_id TEXT NOT NULL DEFAULT '',
	org_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'running',
	request_count INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	skipped_count INTEGER NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	api_calls_made INTEGER NOT NULL DEFAULT 0,
	bytes_received BIGINT NOT NULL DEFAULT 0,
	rate_limit_remaining INTEGER,
	rate_limit_reset_at TIMESTAMPTZ,
	rate_limit_hit BOOLEAN NOT NULL DEFAULT FALSE,
	errors JSONB NOT NULL DEFAULT '[]'::jsonb,
	response_summary JSONB NOT NULL DEFAULT '{}'::jsonb,
	started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_batch_execution_logs_platform ON batch_execution_logs(platform, started_at);

CREATE TABLE IF NOT EXISTS webhook_events (
	id BIGSERIAL PRIMARY KEY,
	platform TEXT NOT NULL,
	event_type TEXT NOT NULL DEFAULT 'unknown',
	platform_event_id TEXT NOT NULL DEFAULT '',
	headers JSONB NOT NULL DEFAULT '{}'::jsonb,
	payload BYTEA,
	signature TEXT NOT NULL DEFAULT '',
	signature_valid BOOLEAN NOT NULL DEFAULT FALSE,
	source_ip TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'received',
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	error_message TEXT NOT NULL DEFAULT '',
	error_code TEXT NOT NULL DEFAULT '',
	org_id TEXT NOT NULL DEFAULT '',
	connection_id TEXT NOT NULL DEFAULT '',
	related_asset_id BIGINT REFERENCES platform_assets(id) ON DELETE SET NULL,
	duplicate_of_id BIGINT REFERENCES webhook_events(id) ON DELETE SET NULL,
	received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at TIMESTAMPTZ,
	processed_at TIMESTAMPTZ,
	next_retry_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_webhook_events_platform_event ON webhook_events(platform, platform_event_id);
CREATE INDEX IF NOT EXISTS idx_webhook_events_ready ON webhook_events(status, next_retry_at);
`

// pgDoc renders a document for a JSONB parameter. pgx sends nil maps as NULL,
// which the NOT NULL document columns reject.
func pgDoc(d models.Document) (string, error) {
	return d.Marshal()
}

// --- Platform assets ---

func (p *PostgresDB) UpsertAsset(ctx context.Context, a *models.PlatformAsset) (bool, error) {
	now := a.FirstSeenAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	ownership := a.Ownership
	if ownership == "" {
		ownership = models.OwnershipUnknown
	}
	data, err := pgDoc(a.PlatformData)
	if err != nil {
		return false, err
	}
	var id int64
	err = p.db.QueryRowContext(ctx,
		`INSERT INTO platform_assets (
			 platform, platform_asset_id, asset_type, name, platform_data, ownership, parent_asset_id,
			 business_id, manager_id, first_seen_at, is_active, created_at, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE, $10, $10)
		 ON CONFLICT(platform, platform_asset_id, asset_type) DO NOTHING
		 RETURNING id`,
		string(a.Platform), a.PlatformAssetID, string(a.AssetType), a.Name, data, string(ownership), a.ParentAssetID,
		a.BusinessID, a.ManagerID, now,
	).Scan(&id)
	created := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	if !created {
		// Rediscovering a removed asset brings it back.
		if _, err := p.db.ExecContext(ctx,
			`UPDATE platform_assets SET deleted_at = NULL, is_active = TRUE, updated_at = $1
			 WHERE platform = $2 AND platform_asset_id = $3 AND asset_type = $4 AND deleted_at IS NOT NULL`,
			now, string(a.Platform), a.PlatformAssetID, string(a.AssetType),
		); err != nil {
			return false, err
		}
	}
	loaded, err := p.GetAssetByKey(ctx, a.Platform, a.PlatformAssetID, a.AssetType)
	if err != nil {
		return false, err
	}
	*a = *loaded
	return created, nil
}

func (p *PostgresDB) GetAsset(ctx context.Context, id int64) (*models.PlatformAsset, error) {
	return scanAsset(p.db.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM platform_assets a WHERE a.id = $1`, id))
}

func (p *PostgresDB) GetAssetByKey(ctx context.Context, platform models.Platform, platformAssetID string, assetType models.AssetType) (*models.PlatformAsset, error) {
	return scanAsset(p.db.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM platform_assets a
		 WHERE a.platform = $1 AND a.platform_asset_id = $2 AND a.asset_type = $3`,
		string(platform), platformAssetID, string(assetType)))
}

func (p *PostgresDB) UpdateAssetSync(ctx context.Context, id, expectedRevision int64, data models.Document, source string, syncedAt time.Time) (bool, error) {
	doc, err := pgDoc(data)
	if err != nil {
		return false, err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE platform_assets
		 SET platform_data = $1,
			 last_synced_at = $2,
			 sync_count = sync_count + 1,
			 sync_source = CASE WHEN $3 = '' THEN sync_source ELSE $3 END,
			 revision = revision + 1,
			 updated_at = $2
		 WHERE id = $4 AND revision = $5`,
		doc, syncedAt, source, id, expectedRevision,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

func (p *PostgresDB) SoftDeleteAsset(ctx context.Context, id int64, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE platform_assets SET deleted_at = $1, is_active = FALSE, updated_at = $1
		 WHERE id = $2 AND deleted_at IS NULL`,
		at, id,
	)
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

// --- Asset relationships ---

func (p *PostgresDB) InsertRelationship(ctx context.Context, rel *models.AssetRelationship) (bool, error) {
	now := rel.DiscoveredAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	data, err := pgDoc(rel.Data)
	if err != nil {
		return false, err
	}
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO asset_relationships (
			 parent_asset_id, child_asset_id, relationship_type, data, discovered_at, last_verified_at
		 ) VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT(parent_asset_id, child_asset_id, relationship_type) DO NOTHING`,
		rel.ParentAssetID, rel.ChildAssetID, string(rel.RelationshipType), data, now,
	)
	if err != nil {
		return false, err
	}
	inserted, _ := res.RowsAffected()
	loaded, err := scanRelationship(p.db.QueryRowContext(ctx,
		`SELECT `+relationshipColumns+` FROM asset_relationships r
		 WHERE r.parent_asset_id = $1 AND r.child_asset_id = $2 AND r.relationship_type = $3`,
		rel.ParentAssetID, rel.ChildAssetID, string(rel.RelationshipType)))
	if err != nil {
		return false, err
	}
	*rel = *loaded
	return inserted > 0, nil
}

func (p *PostgresDB) UpdateRelationshipData(ctx context.Context, id, expectedRevision int64, data models.Document, verifiedAt time.Time) (bool, error) {
	doc, err := pgDoc(data)
	if err != nil {
		return false, err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE asset_relationships
		 SET data = $1, last_verified_at = $2, revision = revision + 1
		 WHERE id = $3 AND revision = $4`,
		doc, verifiedAt, id, expectedRevision,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

func (p *PostgresDB) ListChildAssets(ctx context.Context, parentID int64, relType models.RelationshipType) ([]models.PlatformAsset, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+assetColumns+` FROM asset_relationships r
		 JOIN platform_assets a ON a.id = r.child_asset_id
		 WHERE r.parent_asset_id = $1 AND ($2 = '' OR r.relationship_type = $2) AND a.deleted_at IS NULL
		 ORDER BY a.id`,
		parentID, string(relType))
	if err != nil {
		return nil, err
	}
	return scanAssets(rows)
}

func (p *PostgresDB) ListParentAssets(ctx context.Context, childID int64, relType models.RelationshipType) ([]models.PlatformAsset, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+assetColumns+` FROM asset_relationships r
		 JOIN platform_assets a ON a.id = r.parent_asset_id
		 WHERE r.child_asset_id = $1 AND ($2 = '' OR r.relationship_type = $2) AND a.deleted_at IS NULL
		 ORDER BY a.id`,
		childID, string(relType))
	if err != nil {
		return nil, err
	}
	return scanAssets(rows)
}

func (p *PostgresDB) ListStaleRelationships(ctx context.Context, verifiedBefore time.Time, limit int) ([]models.AssetRelationship, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+relationshipColumns+` FROM asset_relationships r
		 WHERE r.last_verified_at < $1
		 ORDER BY r.last_verified_at ASC, r.id ASC
		 LIMIT $2`,
		verifiedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.AssetRelationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// --- Org asset access ---

func (p *PostgresDB) UpsertAssetAccess(ctx context.Context, a *models.OrgAssetAccess) error {
	now := a.LastVerifiedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	perms, err := pgDoc(a.Permissions)
	if err != nil {
		return err
	}
	roles, err := pgDoc(a.Roles)
	if err != nil {
		return err
	}
	return scanAccessInto(a, p.db.QueryRowContext(ctx,
		`INSERT INTO org_asset_access AS x (
			 org_id, asset_id, connection_id, access_types, permissions, roles, granted_at,
			 granted_by_user_id, last_verified_at, verification_count, is_active
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $7, 1, TRUE)
		 ON CONFLICT(org_id, asset_id, connection_id) DO UPDATE SET
			 access_types = excluded.access_types,
			 permissions = excluded.permissions,
			 roles = excluded.roles,
			 last_verified_at = excluded.last_verified_at,
			 verification_count = x.verification_count + 1,
			 is_active = TRUE,
			 revoked_at = NULL
		 RETURNING `+accessColumns,
		a.OrgID, a.AssetID, a.ConnectionID, accessCSV(a.AccessTypes), perms, roles, now, a.GrantedByUserID,
	))
}

func scanAccessInto(dst *models.OrgAssetAccess, row rowScanner) error {
	loaded, err := scanAccess(row)
	if err != nil {
		return err
	}
	*dst = *loaded
	return nil
}

func (p *PostgresDB) GetAssetAccess(ctx context.Context, id int64) (*models.OrgAssetAccess, error) {
	return scanAccess(p.db.QueryRowContext(ctx,
		`SELECT `+accessColumns+` FROM org_asset_access x WHERE x.id = $1`, id))
}

func (p *PostgresDB) FindActiveAssetAccess(ctx context.Context, orgID string, assetID int64) (*models.OrgAssetAccess, error) {
	return scanAccess(p.db.QueryRowContext(ctx,
		`SELECT `+accessColumns+` FROM org_asset_access x
		 WHERE x.org_id = $1 AND x.asset_id = $2 AND x.is_active = TRUE
		 ORDER BY x.last_verified_at DESC, x.id ASC
		 LIMIT 1`,
		orgID, assetID))
}

func (p *PostgresDB) ListAssetAccessByAsset(ctx context.Context, assetID int64) ([]models.OrgAssetAccess, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+accessColumns+` FROM org_asset_access x
		 WHERE x.asset_id = $1 AND x.is_active = TRUE
		 ORDER BY x.last_verified_at DESC, x.id ASC`,
		assetID)
	if err != nil {
		return nil, err
	}
	return scanAccessRows(rows)
}

func (p *PostgresDB) ListOrgAssetAccess(ctx context.Context, orgID string, selectedOnly bool) ([]models.OrgAssetAccess, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+accessColumns+` FROM org_asset_access x
		 JOIN platform_assets a ON a.id = x.asset_id
		 WHERE x.org_id = $1 AND x.is_active = TRUE AND a.deleted_at IS NULL
		   AND (NOT $2::boolean OR x.is_selected)
		 ORDER BY x.asset_id, x.id`,
		orgID, selectedOnly)
	if err != nil {
		return nil, err
	}
	return scanAccessRows(rows)
}

func (p *PostgresDB) SetAssetAccessActive(ctx context.Context, id int64, active bool, at time.Time) error {
	var res sql.Result
	var err error
	if active {
		res, err = p.db.ExecContext(ctx,
			`UPDATE org_asset_access SET is_active = TRUE, revoked_at = NULL, last_verified_at = $1 WHERE id = $2`,
			at, id)
	} else {
		res, err = p.db.ExecContext(ctx,
			`UPDATE org_asset_access
			 SET is_active = FALSE,
				 revoked_at = CASE WHEN is_active THEN $1 ELSE revoked_at END
			 WHERE id = $2`,
			at, id)
	}
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

func (p *PostgresDB) SetAssetAccessSelected(ctx context.Context, id int64, selected bool, userID string, at time.Time) error {
	var res sql.Result
	var err error
	if selected {
		res, err = p.db.ExecContext(ctx,
			`UPDATE org_asset_access SET is_selected = TRUE, selected_by_user_id = $1, selected_at = $2 WHERE id = $3`,
			userID, at, id)
	} else {
		res, err = p.db.ExecContext(ctx,
			`UPDATE org_asset_access SET is_selected = FALSE, selected_by_user_id = '', selected_at = NULL WHERE id = $1`,
			id)
	}
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

// --- Batch request queue ---

func (p *PostgresDB) InsertBatchRequest(ctx context.Context, req *models.BatchRequest) (bool, error) {
	now := req.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	scheduled := req.ScheduledAt
	if scheduled.IsZero() {
		scheduled = now
	}
	status := req.Status
	if status == "" {
		status = models.QueuePending
	}
	params, err := pgDoc(req.Params)
	if err != nil {
		return false, err
	}
	loaded, err := scanRequest(p.db.QueryRowContext(ctx,
		`INSERT INTO batch_request_queue (
			 org_id, platform, connection_id, request_type, request_key, request_params, batch_group,
			 priority, status, max_attempts, scheduled_at, created_at, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		 ON CONFLICT DO NOTHING
		 RETURNING `+requestReturning,
		req.OrgID, string(req.Platform), req.ConnectionID, req.RequestType, req.RequestKey, params,
		string(req.BatchGroup), req.Priority, string(status), req.MaxAttempts, scheduled, now,
	))
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := p.FindActiveBatchRequest(ctx, req.Platform, req.RequestKey)
		if err != nil {
			return false, err
		}
		*req = *existing
		return false, nil
	}
	if err != nil {
		return false, err
	}
	*req = *loaded
	return true, nil
}

func (p *PostgresDB) GetBatchRequest(ctx context.Context, id int64) (*models.BatchRequest, error) {
	return scanRequest(p.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM batch_request_queue q WHERE q.id = $1`, id))
}

func (p *PostgresDB) FindActiveBatchRequest(ctx context.Context, platform models.Platform, requestKey string) (*models.BatchRequest, error) {
	args := append([]any{string(platform), requestKey}, activeStatusArgs()...)
	return scanRequest(p.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM batch_request_queue q
		 WHERE q.platform = $1 AND q.request_key = $2 AND q.status IN ($3, $4, $5)
		 LIMIT 1`,
		args...))
}

func (p *PostgresDB) PeekBatchRequests(ctx context.Context, platform models.Platform, connectionID string, limit int, now time.Time) ([]models.BatchRequest, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM batch_request_queue q
		 WHERE q.platform = $1 AND q.connection_id = $2 AND q.status = 'pending' AND q.scheduled_at <= $3
		 ORDER BY q.priority ASC, q.scheduled_at ASC, q.id ASC
		 LIMIT $4`,
		string(platform), connectionID, now, limit)
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}

func (p *PostgresDB) ClaimBatchRequests(ctx context.Context, platform models.Platform, connectionID, batchID string, limit int, now time.Time) ([]models.BatchRequest, error) {
	rows, err := p.db.QueryContext(ctx,
		`UPDATE batch_request_queue
		 SET status = 'processing',
			 batch_id = $1,
			 attempts = attempts + 1,
			 started_at = $2,
			 completed_at = NULL,
			 updated_at = $2
		 WHERE id IN (
			 SELECT id FROM batch_request_queue
			 WHERE platform = $3 AND connection_id = $4 AND status = 'pending' AND scheduled_at <= $2
			 ORDER BY priority ASC, scheduled_at ASC, id ASC
			 LIMIT $5
			 FOR UPDATE SKIP LOCKED
		 ) AND status = 'pending'
		 RETURNING `+requestReturning,
		batchID, now, string(platform), connectionID, limit,
	)
	if err != nil {
		return nil, err
	}
	out, err := scanRequests(rows)
	if err != nil {
		return nil, err
	}
	sortClaimed(out)
	return out, nil
}

func (p *PostgresDB) MarkBatchRequestProcessing(ctx context.Context, id int64, batchID string, now time.Time) (*models.BatchRequest, error) {
	return scanRequest(p.db.QueryRowContext(ctx,
		`UPDATE batch_request_queue
		 SET status = 'processing', batch_id = $1, attempts = attempts + 1, started_at = $2, completed_at = NULL, updated_at = $2
		 WHERE id = $3 AND status IN ('pending', 'queued')
		 RETURNING `+requestReturning,
		batchID, now, id,
	))
}

func (p *PostgresDB) CompleteBatchRequest(ctx context.Context, id int64, response models.Document, now time.Time) error {
	doc, err := pgDoc(response)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE batch_request_queue
		 SET status = 'completed', response_data = $1, error_message = '', error_code = '',
			 next_retry_at = NULL, completed_at = $2, updated_at = $2
		 WHERE id = $3 AND status = 'processing'`,
		doc, now, id,
	)
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

func (p *PostgresDB) FailBatchRequest(ctx context.Context, id int64, f Failure) (models.QueueStatus, error) {
	var status string
	err := p.db.QueryRowContext(ctx,
		`UPDATE batch_request_queue
		 SET status = CASE WHEN $1::boolean OR attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
			 error_message = $2,
			 error_code = $3,
			 next_retry_at = CASE WHEN $1::boolean OR attempts >= max_attempts THEN NULL ELSE $4::timestamptz END,
			 scheduled_at = CASE WHEN $1::boolean OR attempts >= max_attempts THEN scheduled_at ELSE $4::timestamptz END,
			 started_at = CASE WHEN $1::boolean OR attempts >= max_attempts THEN started_at ELSE NULL END,
			 batch_id = CASE WHEN $1::boolean OR attempts >= max_attempts THEN batch_id ELSE '' END,
			 completed_at = CASE WHEN $1::boolean OR attempts >= max_attempts THEN $5::timestamptz ELSE NULL END,
			 updated_at = $5::timestamptz
		 WHERE id = $6 AND status = 'processing'
		 RETURNING status`,
		f.Permanent, f.Message, f.Code, f.RetryAt, f.Now, id,
	).Scan(&status)
	if err != nil {
		return "", err
	}
	return models.QueueStatus(status), nil
}

func (p *PostgresDB) CancelBatchRequest(ctx context.Context, id int64, now time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE batch_request_queue
		 SET status = 'cancelled', completed_at = $1, updated_at = $1
		 WHERE id = $2 AND status IN ('pending', 'queued')`,
		now, id,
	)
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

func (p *PostgresDB) ReleaseBatchRequest(ctx context.Context, id int64, scheduledAt, now time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE batch_request_queue
		 SET status = 'pending',
			 attempts = GREATEST(attempts - 1, 0),
			 batch_id = '',
			 started_at = NULL,
			 scheduled_at = $1,
			 updated_at = $2
		 WHERE id = $3 AND status = 'processing'`,
		scheduledAt, now, id,
	)
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

func (p *PostgresDB) RequeueStuckBatchRequests(ctx context.Context, startedBefore, now time.Time) (SweepResult, error) {
	var result SweepResult
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE batch_request_queue
		 SET status = 'failed', error_message = $1, error_code = $2, completed_at = $3, updated_at = $3
		 WHERE status = 'processing' AND started_at < $4 AND attempts >= max_attempts`,
		"processing timed out", models.ErrorCodeStuck, now, startedBefore,
	)
	if err != nil {
		return result, err
	}
	result.Failed, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx,
		`UPDATE batch_request_queue
		 SET status = 'pending', error_message = $1, error_code = $2, batch_id = '', started_at = NULL,
			 scheduled_at = $3, next_retry_at = $3, updated_at = $3
		 WHERE status = 'processing' AND started_at < $4`,
		"processing timed out", models.ErrorCodeStuck, now, startedBefore,
	)
	if err != nil {
		return result, err
	}
	result.Requeued, _ = res.RowsAffected()
	return result, tx.Commit()
}

func (p *PostgresDB) ListRetryableBatchRequests(ctx context.Context, now time.Time, limit int) ([]models.BatchRequest, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM batch_request_queue q
		 WHERE q.status = 'pending' AND q.attempts > 0
		   AND (q.next_retry_at IS NULL OR q.next_retry_at <= $1)
		 ORDER BY q.next_retry_at ASC NULLS FIRST, q.id ASC
		 LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}

func (p *PostgresDB) ListReadyPartitions(ctx context.Context, now time.Time, limit int) ([]QueuePartition, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT platform, connection_id, COUNT(*), MIN(scheduled_at)
		 FROM batch_request_queue
		 WHERE status = 'pending' AND scheduled_at <= $1
		 GROUP BY platform, connection_id
		 ORDER BY MIN(priority) ASC, MIN(scheduled_at) ASC
		 LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueuePartition
	for rows.Next() {
		var qp QueuePartition
		var platform string
		if err := rows.Scan(&platform, &qp.ConnectionID, &qp.Ready, &qp.OldestAt); err != nil {
			return nil, err
		}
		qp.Platform = models.Platform(platform)
		qp.OldestAt = qp.OldestAt.UTC()
		out = append(out, qp)
	}
	return out, rows.Err()
}

func (p *PostgresDB) BatchQueueStats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	var oldest sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT
			 COUNT(*) FILTER (WHERE status = 'pending'),
			 COUNT(*) FILTER (WHERE status = 'processing'),
			 COUNT(*) FILTER (WHERE status = 'failed'),
			 COUNT(*) FILTER (WHERE status = 'pending' AND attempts > 0),
			 MIN(scheduled_at) FILTER (WHERE status = 'pending')
		 FROM batch_request_queue`,
	).Scan(&stats.Pending, &stats.Processing, &stats.Failed, &stats.AwaitingRetry, &oldest)
	if err != nil {
		return stats, err
	}
	stats.OldestPendingAt = nullTimePtr(oldest)
	return stats, nil
}

// --- Batch execution logs ---

func (p *PostgresDB) CreateBatchLog(ctx context.Context, l *models.BatchExecutionLog) error {
	errorsJSON, err := encodeBatchErrors(l.Errors)
	if err != nil {
		return err
	}
	summary, err := pgDoc(l.ResponseSummary)
	if err != nil {
		return err
	}
	if l.Status == "" {
		l.Status = models.BatchLogRunning
	}
	if l.StartedAt.IsZero() {
		l.StartedAt = time.Now().UTC()
	}
	return p.db.QueryRowContext(ctx,
		`INSERT INTO batch_execution_logs (
			 batch_id, platform, batch_type, connection_id, org_id, status, request_count, errors,
			 response_summary, started_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		l.BatchID, string(l.Platform), l.BatchType, l.ConnectionID, l.OrgID, string(l.Status), l.RequestCount,
		errorsJSON, summary, l.StartedAt,
	).Scan(&l.ID)
}

func (p *PostgresDB) CompleteBatchLog(ctx context.Context, l *models.BatchExecutionLog) error {
	errorsJSON, err := encodeBatchErrors(l.Errors)
	if err != nil {
		return err
	}
	summary, err := pgDoc(l.ResponseSummary)
	if err != nil {
		return err
	}
	completedAt := time.Now().UTC()
	if l.CompletedAt != nil {
		completedAt = *l.CompletedAt
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE batch_execution_logs
		 SET status = 'completed', success_count = $1, failure_count = $2, skipped_count = $3,
			 duration_ms = $4, api_calls_made = $5, bytes_received = $6, errors = $7,
			 response_summary = $8, completed_at = $9
		 WHERE batch_id = $10 AND completed_at IS NULL`,
		l.SuccessCount, l.FailureCount, l.SkippedCount, l.DurationMS, l.APICallsMade, l.BytesReceived,
		errorsJSON, summary, completedAt, l.BatchID,
	)
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

func (p *PostgresDB) UpdateBatchLogRateLimit(ctx context.Context, batchID string, remaining *int, resetAt *time.Time, hit bool) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE batch_execution_logs
		 SET rate_limit_remaining = COALESCE($1::integer, rate_limit_remaining),
			 rate_limit_reset_at = COALESCE($2::timestamptz, rate_limit_reset_at),
			 rate_limit_hit = (rate_limit_hit OR $3::boolean)
		 WHERE batch_id = $4`,
		remaining, resetAt, hit, batchID,
	)
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

func (p *PostgresDB) GetBatchLog(ctx context.Context, batchID string) (*models.BatchExecutionLog, error) {
	return scanBatchLog(p.db.QueryRowContext(ctx,
		`SELECT `+batchLogColumns+` FROM batch_execution_logs WHERE batch_id = $1`, batchID))
}

func (p *PostgresDB) ListBatchLogs(ctx context.Context, platform models.Platform, limit int) ([]models.BatchExecutionLog, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+batchLogColumns+` FROM batch_execution_logs
		 WHERE ($1 = '' OR platform = $1)
		 ORDER BY started_at DESC, id DESC
		 LIMIT $2`,
		string(platform), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.BatchExecutionLog
	for rows.Next() {
		l, err := scanBatchLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// --- Webhook events ---

func (p *PostgresDB) CreateWebhookEvent(ctx context.Context, e *models.WebhookEvent) error {
	headersJSON, err := encodeHeaders(e.Headers)
	if err != nil {
		return err
	}
	if e.Status == "" {
		e.Status = models.WebhookReceived
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	return p.db.QueryRowContext(ctx,
		`INSERT INTO webhook_events (
			 platform, event_type, platform_event_id, headers, payload, signature, signature_valid,
			 source_ip, user_agent, status, max_attempts, received_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id`,
		string(e.Platform), e.EventType, e.PlatformEventID, headersJSON, e.Payload, e.Signature, e.SignatureValid,
		e.SourceIP, e.UserAgent, string(e.Status), e.MaxAttempts, e.ReceivedAt,
	).Scan(&e.ID)
}

func (p *PostgresDB) GetWebhookEvent(ctx context.Context, id int64) (*models.WebhookEvent, error) {
	return scanWebhookEvent(p.db.QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events w WHERE w.id = $1`, id))
}

func (p *PostgresDB) SetWebhookSignatureValid(ctx context.Context, id int64, valid bool) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE webhook_events SET signature_valid = $1 WHERE id = $2 AND status = 'received'`,
		valid, id)
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

func (p *PostgresDB) ClaimWebhookEvent(ctx context.Context, id int64, now time.Time) (*models.WebhookEvent, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	// Serialize claims of the same platform event so the NOT EXISTS check sees committed peers.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext(platform || ':' || platform_event_id))
		 FROM webhook_events WHERE id = $1 AND platform_event_id <> ''`, id); err != nil {
		return nil, err
	}
	e, err := scanWebhookEvent(tx.QueryRowContext(ctx,
		`UPDATE webhook_events
		 SET status = 'processing', attempts = attempts + 1, started_at = $1
		 WHERE id = $2 AND status = 'received' AND signature_valid = TRUE
		   AND (platform_event_id = '' OR NOT EXISTS (
			   SELECT 1 FROM webhook_events o
			   WHERE o.platform = webhook_events.platform
				 AND o.platform_event_id = webhook_events.platform_event_id
				 AND o.id <> webhook_events.id
				 AND o.status IN ('processing', 'processed')
		   ))
		 RETURNING `+webhookReturning,
		now, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *PostgresDB) FindHandledWebhookEvent(ctx context.Context, platform models.Platform, platformEventID string, excludeID int64) (*models.WebhookEvent, error) {
	return scanWebhookEvent(p.db.QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events w
		 WHERE w.platform = $1 AND w.platform_event_id = $2 AND w.id <> $3
		   AND w.status = 'processed'
		 ORDER BY w.id ASC
		 LIMIT 1`,
		string(platform), platformEventID, excludeID))
}

// DeferWebhookEvent pushes a received event's next attempt to retryAt
// without consuming an attempt.
func (p *PostgresDB) DeferWebhookEvent(ctx context.Context, id int64, retryAt time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE webhook_events SET next_retry_at = $1 WHERE id = $2 AND status = 'received'`,
		retryAt, id,
	)
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

func (p *PostgresDB) CompleteWebhookEvent(ctx context.Context, id int64, r WebhookResolution, now time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE webhook_events
		 SET status = 'processed', org_id = $1, connection_id = $2, related_asset_id = $3, error_message = '',
			 error_code = '', next_retry_at = NULL, processed_at = $4
		 WHERE id = $5 AND status = 'processing'`,
		r.OrgID, r.ConnectionID, r.RelatedAssetID, now, id,
	)
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

func (p *PostgresDB) FailWebhookEvent(ctx context.Context, id int64, f Failure) (models.WebhookStatus, error) {
	var status string
	err := p.db.QueryRowContext(ctx,
		`UPDATE webhook_events
		 SET status = CASE WHEN $1::boolean OR attempts >= max_attempts THEN 'failed' ELSE 'received' END,
			 error_message = $2,
			 error_code = $3,
			 next_retry_at = CASE WHEN $1::boolean OR attempts >= max_attempts THEN NULL ELSE $4::timestamptz END,
			 started_at = CASE WHEN $1::boolean OR attempts >= max_attempts THEN started_at ELSE NULL END,
			 processed_at = CASE WHEN $1::boolean OR attempts >= max_attempts THEN $5::timestamptz ELSE NULL END
		 WHERE id = $6 AND status = 'processing'
		 RETURNING status`,
		f.Permanent, f.Message, f.Code, f.RetryAt, f.Now, id,
	).Scan(&status)
	if err != nil {
		return "", err
	}
	return models.WebhookStatus(status), nil
}

func (p *PostgresDB) RejectWebhookEvent(ctx context.Context, id int64, message, code string, now time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE webhook_events
		 SET status = 'failed', error_message = $1, error_code = $2, signature_valid = FALSE,
			 processed_at = $3
		 WHERE id = $4 AND status = 'received'`,
		message, code, now, id,
	)
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

func (p *PostgresDB) IgnoreWebhookEvent(ctx context.Context, id int64, reason string, now time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE webhook_events
		 SET status = 'ignored', error_message = $1, next_retry_at = NULL, processed_at = $2
		 WHERE id = $3 AND status IN ('received', 'processing')`,
		reason, now, id,
	)
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

func (p *PostgresDB) MarkWebhookEventDuplicate(ctx context.Context, id, originalID int64, now time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE webhook_events
		 SET status = 'duplicate', duplicate_of_id = $1, next_retry_at = NULL, processed_at = $2
		 WHERE id = $3 AND status IN ('received', 'processing')`,
		originalID, now, id,
	)
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

func (p *PostgresDB) ListReadyWebhookEvents(ctx context.Context, now time.Time, limit int) ([]models.WebhookEvent, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events w
		 WHERE w.status = 'received' AND w.signature_valid = TRUE
		   AND (w.next_retry_at IS NULL OR w.next_retry_at <= $1)
		 ORDER BY w.received_at ASC, w.id ASC
		 LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, err
	}
	return scanWebhookEvents(rows)
}

func (p *PostgresDB) RequeueStuckWebhookEvents(ctx context.Context, startedBefore, now time.Time) (SweepResult, error) {
	var result SweepResult
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE webhook_events
		 SET status = 'failed', error_message = $1, error_code = $2, processed_at = $3
		 WHERE status = 'processing' AND started_at < $4 AND attempts >= max_attempts`,
		"processing timed out", models.ErrorCodeStuck, now, startedBefore,
	)
	if err != nil {
		return result, err
	}
	result.Failed, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx,
		`UPDATE webhook_events
		 SET status = 'received', error_message = $1, error_code = $2, started_at = NULL, next_retry_at = $3
		 WHERE status = 'processing' AND started_at < $4`,
		"processing timed out", models.ErrorCodeStuck, now, startedBefore,
	)
	if err != nil {
		return result, err
	}
	result.Requeued, _ = res.RowsAffected()
	return result, tx.Commit()
}

func (p *PostgresDB) WebhookEventStats(ctx context.Context) (WebhookStats, error) {
	var stats WebhookStats
	err := p.db.QueryRowContext(ctx,
		`SELECT
			 COUNT(*) FILTER (WHERE status = 'received'),
			 COUNT(*) FILTER (WHERE status = 'processing'),
			 COUNT(*) FILTER (WHERE status = 'failed'),
			 COUNT(*) FILTER (WHERE status = 'duplicate')
		 FROM webhook_events`,
	).Scan(&stats.Received, &stats.Processing, &stats.Failed, &stats.Duplicate)
	return stats, err
}
