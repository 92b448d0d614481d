package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/odvcencio/assetsync/internal/models"

	_ "modernc.org/sqlite"
)

type SQLiteDB struct {
	db *sql.DB
}

var _ DB = (*SQLiteDB)(nil)

func OpenSQLite(dsn string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and foreign keys
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}
	// Pragmas are per connection and SQLite has a single writer anyway.
	db.SetMaxOpenConns(1)
	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) Close() error { return s.db.Close() }

func (s *SQLiteDB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteDB) DBStats() sql.DBStats { return s.db.Stats() }

func (s *SQLiteDB) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS platform_assets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	platform TEXT NOT NULL,
	platform_asset_id TEXT NOT NULL,
	asset_type TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	platform_data TEXT NOT NULL DEFAULT '{}',
	ownership TEXT NOT NULL DEFAULT 'unknown',
	parent_asset_id INTEGER REFERENCES platform_assets(id) ON DELETE SET NULL,
	business_id TEXT NOT NULL DEFAULT '',
	manager_id TEXT NOT NULL DEFAULT '',
	first_seen_at DATETIME NOT NULL,
	last_synced_at DATETIME,
	sync_count INTEGER NOT NULL DEFAULT 0,
	sync_source TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	revision INTEGER NOT NULL DEFAULT 0,
	deleted_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE(platform, platform_asset_id, asset_type)
);
CREATE INDEX IF NOT EXISTS idx_platform_assets_business ON platform_assets(platform, business_id);

CREATE TABLE IF NOT EXISTS asset_relationships (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_asset_id INTEGER NOT NULL REFERENCES platform_assets(id) ON DELETE CASCADE,
	child_asset_id INTEGER NOT NULL REFERENCES platform_assets(id) ON DELETE CASCADE,
	relationship_type TEXT NOT NULL,
	data TEXT NOT NULL DEFAULT '{}',
	discovered_at DATETIME NOT NULL,
	last_verified_at DATETIME NOT NULL,
	revision INTEGER NOT NULL DEFAULT 0,
	UNIQUE(parent_asset_id, child_asset_id, relationship_type)
);
CREATE INDEX IF NOT EXISTS idx_asset_relationships_child ON asset_relationships(child_asset_id, relationship_type);
CREATE INDEX IF NOT EXISTS idx_asset_relationships_verified ON asset_relationships(last_verified_at);

CREATE TABLE IF NOT EXISTS org_asset_access (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	org_id TEXT NOT NULL,
	asset_id INTEGER NOT NULL REFERENCES platform_assets(id) ON DELETE CASCADE,
	connection_id TEXT NOT NULL,
	access_types TEXT NOT NULL DEFAULT 'read',
	permissions TEXT NOT NULL DEFAULT '{}',
	roles TEXT NOT NULL DEFAULT '{}',
	granted_at DATETIME NOT NULL,
	granted_by_user_id TEXT NOT NULL DEFAULT '',
	last_verified_at DATETIME NOT NULL,
	verification_count INTEGER NOT NULL DEFAULT 1,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	is_selected BOOLEAN NOT NULL DEFAULT FALSE,
	selected_by_user_id TEXT NOT NULL DEFAULT '',
	selected_at DATETIME,
	revoked_at DATETIME,
	UNIQUE(org_id, asset_id, connection_id)
);
CREATE INDEX IF NOT EXISTS idx_org_asset_access_org ON org_asset_access(org_id, is_active, is_selected);
CREATE INDEX IF NOT EXISTS idx_org_asset_access_asset ON org_asset_access(asset_id, is_active);

CREATE TABLE IF NOT EXISTS batch_request_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	org_id TEXT NOT NULL DEFAULT '',
	platform TEXT NOT NULL,
	connection_id TEXT NOT NULL,
	request_type TEXT NOT NULL,
	request_key TEXT NOT NULL,
	request_params TEXT NOT NULL DEFAULT '{}',
	batch_group TEXT NOT NULL DEFAULT 'default',
	batch_id TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 5,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	response_data TEXT NOT NULL DEFAULT '{}',
	error_message TEXT NOT NULL DEFAULT '',
	error_code TEXT NOT NULL DEFAULT '',
	scheduled_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME,
	next_retry_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_batch_request_queue_active_key
	ON batch_request_queue(platform, request_key)
	WHERE status IN ('pending', 'queued', 'processing');
CREATE INDEX IF NOT EXISTS idx_batch_request_queue_claim
	ON batch_request_queue(platform, connection_id, status, priority, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_batch_request_queue_retry ON batch_request_queue(status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_batch_request_queue_batch ON batch_request_queue(batch_id);

CREATE TABLE IF NOT EXISTS batch_execution_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
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
	duration_ms INTEGER NOT NULL DEFAULT 0,
	api_calls_made INTEGER NOT NULL DEFAULT 0,
	bytes_received INTEGER NOT NULL DEFAULT 0,
	rate_limit_remaining INTEGER,
	rate_limit_reset_at DATETIME,
	rate_limit_hit BOOLEAN NOT NULL DEFAULT FALSE,
	errors TEXT NOT NULL DEFAULT '[]',
	response_summary TEXT NOT NULL DEFAULT '{}',
	started_at DATETIME NOT NULL,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_batch_execution_logs_platform ON batch_execution_logs(platform, started_at);

CREATE TABLE IF NOT EXISTS webhook_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	platform TEXT NOT NULL,
	event_type TEXT NOT NULL DEFAULT 'unknown',
	platform_event_id TEXT NOT NULL DEFAULT '',
	headers TEXT NOT NULL DEFAULT '{}',
	payload BLOB,
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
	related_asset_id INTEGER REFERENCES platform_assets(id) ON DELETE SET NULL,
	duplicate_of_id INTEGER REFERENCES webhook_events(id) ON DELETE SET NULL,
	received_at DATETIME NOT NULL,
	started_at DATETIME,
	processed_at DATETIME,
	next_retry_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_webhook_events_platform_event ON webhook_events(platform, platform_event_id);
CREATE INDEX IF NOT EXISTS idx_webhook_events_ready ON webhook_events(status, next_retry_at);
`

// sqliteTime renders t in a fixed-width UTC layout so DATETIME columns compare lexically.
func sqliteTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05.000000")
}

func sqliteTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return sqliteTime(*t)
}

func parseSQLiteTime(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05.999999999", time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse sqlite time %q", s)
}

func isSQLiteBusyErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "SQLITE_BUSY") || strings.Contains(s, "database is locked")
}

func affectedOrNoRows(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- Platform assets ---

func (s *SQLiteDB) UpsertAsset(ctx context.Context, a *models.PlatformAsset) (bool, error) {
	now := a.FirstSeenAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	ownership := a.Ownership
	if ownership == "" {
		ownership = models.OwnershipUnknown
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO platform_assets (
			 platform, platform_asset_id, asset_type, name, platform_data, ownership, parent_asset_id,
			 business_id, manager_id, first_seen_at, is_active, created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, TRUE, ?, ?)
		 ON CONFLICT(platform, platform_asset_id, asset_type) DO NOTHING`,
		a.Platform, a.PlatformAssetID, a.AssetType, a.Name, a.PlatformData, ownership, a.ParentAssetID,
		a.BusinessID, a.ManagerID, sqliteTime(now), sqliteTime(now), sqliteTime(now),
	)
	if err != nil {
		return false, err
	}
	inserted, _ := res.RowsAffected()
	if inserted == 0 {
		// Rediscovering a removed asset brings it back.
		if _, err := s.db.ExecContext(ctx,
			`UPDATE platform_assets SET deleted_at = NULL, is_active = TRUE, updated_at = ?
			 WHERE platform = ? AND platform_asset_id = ? AND asset_type = ? AND deleted_at IS NOT NULL`,
			sqliteTime(now), a.Platform, a.PlatformAssetID, a.AssetType,
		); err != nil {
			return false, err
		}
	}
	loaded, err := s.GetAssetByKey(ctx, a.Platform, a.PlatformAssetID, a.AssetType)
	if err != nil {
		return false, err
	}
	*a = *loaded
	return inserted > 0, nil
}

func (s *SQLiteDB) GetAsset(ctx context.Context, id int64) (*models.PlatformAsset, error) {
	return scanAsset(s.db.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM platform_assets a WHERE a.id = ?`, id))
}

func (s *SQLiteDB) GetAssetByKey(ctx context.Context, platform models.Platform, platformAssetID string, assetType models.AssetType) (*models.PlatformAsset, error) {
	return scanAsset(s.db.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM platform_assets a
		 WHERE a.platform = ? AND a.platform_asset_id = ? AND a.asset_type = ?`,
		platform, platformAssetID, assetType))
}

func (s *SQLiteDB) UpdateAssetSync(ctx context.Context, id, expectedRevision int64, data models.Document, source string, syncedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE platform_assets
		 SET platform_data = ?,
			 last_synced_at = ?,
			 sync_count = sync_count + 1,
			 sync_source = CASE WHEN ? = '' THEN sync_source ELSE ? END,
			 revision = revision + 1,
			 updated_at = ?
		 WHERE id = ? AND revision = ?`,
		data, sqliteTime(syncedAt), source, source, sqliteTime(syncedAt), id, expectedRevision,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

func (s *SQLiteDB) SoftDeleteAsset(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE platform_assets SET deleted_at = ?, is_active = FALSE, updated_at = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		sqliteTime(at), sqliteTime(at), id,
	)
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

// --- Asset relationships ---

func (s *SQLiteDB) InsertRelationship(ctx context.Context, rel *models.AssetRelationship) (bool, error) {
	now := rel.DiscoveredAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO asset_relationships (
			 parent_asset_id, child_asset_id, relationship_type, data, discovered_at, last_verified_at
		 ) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(parent_asset_id, child_asset_id, relationship_type) DO NOTHING`,
		rel.ParentAssetID, rel.ChildAssetID, rel.RelationshipType, rel.Data, sqliteTime(now), sqliteTime(now),
	)
	if err != nil {
		return false, err
	}
	inserted, _ := res.RowsAffected()
	loaded, err := scanRelationship(s.db.QueryRowContext(ctx,
		`SELECT `+relationshipColumns+` FROM asset_relationships r
		 WHERE r.parent_asset_id = ? AND r.child_asset_id = ? AND r.relationship_type = ?`,
		rel.ParentAssetID, rel.ChildAssetID, rel.RelationshipType))
	if err != nil {
		return false, err
	}
	*rel = *loaded
	return inserted > 0, nil
}

func (s *SQLiteDB) UpdateRelationshipData(ctx context.Context, id, expectedRevision int64, data models.Document, verifiedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE asset_relationships
		 SET data = ?, last_verified_at = ?, revision = revision + 1
		 WHERE id = ? AND revision = ?`,
		data, sqliteTime(verifiedAt), id, expectedRevision,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

func (s *SQLiteDB) ListChildAssets(ctx context.Context, parentID int64, relType models.RelationshipType) ([]models.PlatformAsset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assetColumns+` FROM asset_relationships r
		 JOIN platform_assets a ON a.id = r.child_asset_id
		 WHERE r.parent_asset_id = ? AND (? = '' OR r.relationship_type = ?) AND a.deleted_at IS NULL
		 ORDER BY a.id`,
		parentID, relType, relType)
	if err != nil {
		return nil, err
	}
	return scanAssets(rows)
}

func (s *SQLiteDB) ListParentAssets(ctx context.Context, childID int64, relType models.RelationshipType) ([]models.PlatformAsset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assetColumns+` FROM asset_relationships r
		 JOIN platform_assets a ON a.id = r.parent_asset_id
		 WHERE r.child_asset_id = ? AND (? = '' OR r.relationship_type = ?) AND a.deleted_at IS NULL
		 ORDER BY a.id`,
		childID, relType, relType)
	if err != nil {
		return nil, err
	}
	return scanAssets(rows)
}

func (s *SQLiteDB) ListStaleRelationships(ctx context.Context, verifiedBefore time.Time, limit int) ([]models.AssetRelationship, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+relationshipColumns+` FROM asset_relationships r
		 WHERE r.last_verified_at < ?
		 ORDER BY r.last_verified_at ASC, r.id ASC
		 LIMIT ?`,
		sqliteTime(verifiedBefore), limit)
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

func (s *SQLiteDB) UpsertAssetAccess(ctx context.Context, a *models.OrgAssetAccess) error {
	now := a.LastVerifiedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO org_asset_access (
			 org_id, asset_id, connection_id, access_types, permissions, roles, granted_at,
			 granted_by_user_id, last_verified_at, verification_count, is_active
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, TRUE)
		 ON CONFLICT(org_id, asset_id, connection_id) DO UPDATE SET
			 access_types = excluded.access_types,
			 permissions = excluded.permissions,
			 roles = excluded.roles,
			 last_verified_at = excluded.last_verified_at,
			 verification_count = org_asset_access.verification_count + 1,
			 is_active = TRUE,
			 revoked_at = NULL`,
		a.OrgID, a.AssetID, a.ConnectionID, accessCSV(a.AccessTypes), a.Permissions, a.Roles, sqliteTime(now),
		a.GrantedByUserID, sqliteTime(now),
	); err != nil {
		return err
	}
	loaded, err := scanAccess(s.db.QueryRowContext(ctx,
		`SELECT `+accessColumns+` FROM org_asset_access x
		 WHERE x.org_id = ? AND x.asset_id = ? AND x.connection_id = ?`,
		a.OrgID, a.AssetID, a.ConnectionID))
	if err != nil {
		return err
	}
	*a = *loaded
	return nil
}

func (s *SQLiteDB) GetAssetAccess(ctx context.Context, id int64) (*models.OrgAssetAccess, error) {
	return scanAccess(s.db.QueryRowContext(ctx,
		`SELECT `+accessColumns+` FROM org_asset_access x WHERE x.id = ?`, id))
}

func (s *SQLiteDB) FindActiveAssetAccess(ctx context.Context, orgID string, assetID int64) (*models.OrgAssetAccess, error) {
	return scanAccess(s.db.QueryRowContext(ctx,
		`SELECT `+accessColumns+` FROM org_asset_access x
		 WHERE x.org_id = ? AND x.asset_id = ? AND x.is_active = TRUE
		 ORDER BY x.last_verified_at DESC, x.id ASC
		 LIMIT 1`,
		orgID, assetID))
}

func (s *SQLiteDB) ListAssetAccessByAsset(ctx context.Context, assetID int64) ([]models.OrgAssetAccess, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accessColumns+` FROM org_asset_access x
		 WHERE x.asset_id = ? AND x.is_active = TRUE
		 ORDER BY x.last_verified_at DESC, x.id ASC`,
		assetID)
	if err != nil {
		return nil, err
	}
	return scanAccessRows(rows)
}

func (s *SQLiteDB) ListOrgAssetAccess(ctx context.Context, orgID string, selectedOnly bool) ([]models.OrgAssetAccess, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accessColumns+` FROM org_asset_access x
		 JOIN platform_assets a ON a.id = x.asset_id
		 WHERE x.org_id = ? AND x.is_active = TRUE AND a.deleted_at IS NULL
		   AND (? = FALSE OR x.is_selected = TRUE)
		 ORDER BY x.asset_id, x.id`,
		orgID, selectedOnly)
	if err != nil {
		return nil, err
	}
	return scanAccessRows(rows)
}

func (s *SQLiteDB) SetAssetAccessActive(ctx context.Context, id int64, active bool, at time.Time) error {
	var res sql.Result
	var err error
	if active {
		res, err = s.db.ExecContext(ctx,
			`UPDATE org_asset_access SET is_active = TRUE, revoked_at = NULL, last_verified_at = ? WHERE id = ?`,
			sqliteTime(at), id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE org_asset_access
			 SET is_active = FALSE,
				 revoked_at = CASE WHEN is_active THEN ? ELSE revoked_at END
			 WHERE id = ?`,
			sqliteTime(at), id)
	}
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

func (s *SQLiteDB) SetAssetAccessSelected(ctx context.Context, id int64, selected bool, userID string, at time.Time) error {
	var res sql.Result
	var err error
	if selected {
		res, err = s.db.ExecContext(ctx,
			`UPDATE org_asset_access SET is_selected = TRUE, selected_by_user_id = ?, selected_at = ? WHERE id = ?`,
			userID, sqliteTime(at), id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE org_asset_access SET is_selected = FALSE, selected_by_user_id = '', selected_at = NULL WHERE id = ?`,
			id)
	}
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

// --- Batch request queue ---

func (s *SQLiteDB) InsertBatchRequest(ctx context.Context, req *models.BatchRequest) (bool, error) {
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
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_request_queue (
			 org_id, platform, connection_id, request_type, request_key, request_params, batch_group,
			 priority, status, max_attempts, scheduled_at, created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		req.OrgID, req.Platform, req.ConnectionID, req.RequestType, req.RequestKey, req.Params, req.BatchGroup,
		req.Priority, status, req.MaxAttempts, sqliteTime(scheduled), sqliteTime(now), sqliteTime(now),
	)
	if err != nil {
		return false, err
	}
	inserted, _ := res.RowsAffected()
	if inserted == 0 {
		existing, err := s.FindActiveBatchRequest(ctx, req.Platform, req.RequestKey)
		if err != nil {
			return false, err
		}
		*req = *existing
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, err
	}
	loaded, err := s.GetBatchRequest(ctx, id)
	if err != nil {
		return false, err
	}
	*req = *loaded
	return true, nil
}

func (s *SQLiteDB) GetBatchRequest(ctx context.Context, id int64) (*models.BatchRequest, error) {
	return scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM batch_request_queue q WHERE q.id = ?`, id))
}

func (s *SQLiteDB) FindActiveBatchRequest(ctx context.Context, platform models.Platform, requestKey string) (*models.BatchRequest, error) {
	args := append([]any{platform, requestKey}, activeStatusArgs()...)
	return scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM batch_request_queue q
		 WHERE q.platform = ? AND q.request_key = ? AND q.status IN (?, ?, ?)
		 LIMIT 1`,
		args...))
}

func (s *SQLiteDB) PeekBatchRequests(ctx context.Context, platform models.Platform, connectionID string, limit int, now time.Time) ([]models.BatchRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM batch_request_queue q
		 WHERE q.platform = ? AND q.connection_id = ? AND q.status = ? AND q.scheduled_at <= ?
		 ORDER BY q.priority ASC, q.scheduled_at ASC, q.id ASC
		 LIMIT ?`,
		platform, connectionID, models.QueuePending, sqliteTime(now), limit)
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}

func (s *SQLiteDB) ClaimBatchRequests(ctx context.Context, platform models.Platform, connectionID, batchID string, limit int, now time.Time) ([]models.BatchRequest, error) {
	var out []models.BatchRequest
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		out, err = s.claimBatchRequests(ctx, platform, connectionID, batchID, limit, now)
		if err == nil || !isSQLiteBusyErr(err) {
			break
		}
		time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
	}
	if err != nil {
		return nil, err
	}
	sortClaimed(out)
	return out, nil
}

func (s *SQLiteDB) claimBatchRequests(ctx context.Context, platform models.Platform, connectionID, batchID string, limit int, now time.Time) ([]models.BatchRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE batch_request_queue
		 SET status = ?,
			 batch_id = ?,
			 attempts = attempts + 1,
			 started_at = ?,
			 completed_at = NULL,
			 updated_at = ?
		 WHERE id IN (
			 SELECT id FROM batch_request_queue
			 WHERE platform = ? AND connection_id = ? AND status = ? AND scheduled_at <= ?
			 ORDER BY priority ASC, scheduled_at ASC, id ASC
			 LIMIT ?
		 ) AND status = ?
		 RETURNING `+requestReturning,
		models.QueueProcessing, batchID, sqliteTime(now), sqliteTime(now),
		platform, connectionID, models.QueuePending, sqliteTime(now), limit,
		models.QueuePending,
	)
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}

func (s *SQLiteDB) MarkBatchRequestProcessing(ctx context.Context, id int64, batchID string, now time.Time) (*models.BatchRequest, error) {
	return scanRequest(s.db.QueryRowContext(ctx,
		`UPDATE batch_request_queue
		 SET status = ?, batch_id = ?, attempts = attempts + 1, started_at = ?, completed_at = NULL, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)
		 RETURNING `+requestReturning,
		models.QueueProcessing, batchID, sqliteTime(now), sqliteTime(now), id, models.QueuePending, models.QueueQueued,
	))
}

// sortClaimed restores claim order; RETURNING rows come back in storage order.
func sortClaimed(reqs []models.BatchRequest) {
	sort.SliceStable(reqs, func(i, j int) bool {
		if reqs[i].Priority != reqs[j].Priority {
			return reqs[i].Priority < reqs[j].Priority
		}
		if !reqs[i].ScheduledAt.Equal(reqs[j].ScheduledAt) {
			return reqs[i].ScheduledAt.Before(reqs[j].ScheduledAt)
		}
		return reqs[i].ID < reqs[j].ID
	})
}

func (s *SQLiteDB) CompleteBatchRequest(ctx context.Context, id int64, response models.Document, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_request_queue
		 SET status = ?, response_data = ?, error_message = '', error_code = '',
			 next_retry_at = NULL, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		models.QueueCompleted, response, sqliteTime(now), sqliteTime(now), id, models.QueueProcessing,
	)
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

func (s *SQLiteDB) FailBatchRequest(ctx context.Context, id int64, f Failure) (models.QueueStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`UPDATE batch_request_queue
		 SET status = CASE WHEN ?1 OR attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
			 error_message = ?2,
			 error_code = ?3,
			 next_retry_at = CASE WHEN ?1 OR attempts >= max_attempts THEN NULL ELSE ?4 END,
			 scheduled_at = CASE WHEN ?1 OR attempts >= max_attempts THEN scheduled_at ELSE ?4 END,
			 started_at = CASE WHEN ?1 OR attempts >= max_attempts THEN started_at ELSE NULL END,
			 batch_id = CASE WHEN ?1 OR attempts >= max_attempts THEN batch_id ELSE '' END,
			 completed_at = CASE WHEN ?1 OR attempts >= max_attempts THEN ?5 ELSE NULL END,
			 updated_at = ?5
		 WHERE id = ?6 AND status = 'processing'
		 RETURNING status`,
		f.Permanent, f.Message, f.Code, sqliteTime(f.RetryAt), sqliteTime(f.Now), id,
	).Scan(&status)
	if err != nil {
		return "", err
	}
	return models.QueueStatus(status), nil
}

func (s *SQLiteDB) CancelBatchRequest(ctx context.Context, id int64, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_request_queue
		 SET status = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		models.QueueCancelled, sqliteTime(now), sqliteTime(now), id, models.QueuePending, models.QueueQueued,
	)
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

func (s *SQLiteDB) ReleaseBatchRequest(ctx context.Context, id int64, scheduledAt, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_request_queue
		 SET status = ?,
			 attempts = CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END,
			 batch_id = '',
			 started_at = NULL,
			 scheduled_at = ?,
			 updated_at = ?
		 WHERE id = ? AND status = ?`,
		models.QueuePending, sqliteTime(scheduledAt), sqliteTime(now), id, models.QueueProcessing,
	)
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

func (s *SQLiteDB) RequeueStuckBatchRequests(ctx context.Context, startedBefore, now time.Time) (SweepResult, error) {
	var result SweepResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE batch_request_queue
		 SET status = ?, error_message = ?, error_code = ?, completed_at = ?, updated_at = ?
		 WHERE status = ? AND started_at < ? AND attempts >= max_attempts`,
		models.QueueFailed, "processing timed out", models.ErrorCodeStuck, sqliteTime(now), sqliteTime(now),
		models.QueueProcessing, sqliteTime(startedBefore),
	)
	if err != nil {
		return result, err
	}
	result.Failed, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx,
		`UPDATE batch_request_queue
		 SET status = ?, error_message = ?, error_code = ?, batch_id = '', started_at = NULL,
			 scheduled_at = ?, next_retry_at = ?, updated_at = ?
		 WHERE status = ? AND started_at < ?`,
		models.QueuePending, "processing timed out", models.ErrorCodeStuck,
		sqliteTime(now), sqliteTime(now), sqliteTime(now),
		models.QueueProcessing, sqliteTime(startedBefore),
	)
	if err != nil {
		return result, err
	}
	result.Requeued, _ = res.RowsAffected()
	return result, tx.Commit()
}

func (s *SQLiteDB) ListRetryableBatchRequests(ctx context.Context, now time.Time, limit int) ([]models.BatchRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM batch_request_queue q
		 WHERE q.status = ? AND q.attempts > 0
		   AND (q.next_retry_at IS NULL OR q.next_retry_at <= ?)
		 ORDER BY q.next_retry_at ASC, q.id ASC
		 LIMIT ?`,
		models.QueuePending, sqliteTime(now), limit)
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}

func (s *SQLiteDB) ListReadyPartitions(ctx context.Context, now time.Time, limit int) ([]QueuePartition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT platform, connection_id, COUNT(*), MIN(scheduled_at)
		 FROM batch_request_queue
		 WHERE status = ? AND scheduled_at <= ?
		 GROUP BY platform, connection_id
		 ORDER BY MIN(priority) ASC, MIN(scheduled_at) ASC
		 LIMIT ?`,
		models.QueuePending, sqliteTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueuePartition
	for rows.Next() {
		var p QueuePartition
		var platform, oldest string
		if err := rows.Scan(&platform, &p.ConnectionID, &p.Ready, &oldest); err != nil {
			return nil, err
		}
		p.Platform = models.Platform(platform)
		if p.OldestAt, err = parseSQLiteTime(oldest); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) BatchQueueStats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	var oldest sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT
			 COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			 COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0),
			 COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			 COALESCE(SUM(CASE WHEN status = 'pending' AND attempts > 0 THEN 1 ELSE 0 END), 0),
			 MIN(CASE WHEN status = 'pending' THEN scheduled_at END)
		 FROM batch_request_queue`,
	).Scan(&stats.Pending, &stats.Processing, &stats.Failed, &stats.AwaitingRetry, &oldest)
	if err != nil {
		return stats, err
	}
	if oldest.Valid && oldest.String != "" {
		t, err := parseSQLiteTime(oldest.String)
		if err != nil {
			return stats, err
		}
		stats.OldestPendingAt = &t
	}
	return stats, nil
}

// --- Batch execution logs ---

func (s *SQLiteDB) CreateBatchLog(ctx context.Context, l *models.BatchExecutionLog) error {
	errorsJSON, err := encodeBatchErrors(l.Errors)
	if err != nil {
		return err
	}
	if l.Status == "" {
		l.Status = models.BatchLogRunning
	}
	if l.StartedAt.IsZero() {
		l.StartedAt = time.Now().UTC()
	}
	return s.db.QueryRowContext(ctx,
		`INSERT INTO batch_execution_logs (
			 batch_id, platform, batch_type, connection_id, org_id, status, request_count, errors,
			 response_summary, started_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`,
		l.BatchID, l.Platform, l.BatchType, l.ConnectionID, l.OrgID, l.Status, l.RequestCount, errorsJSON,
		l.ResponseSummary, sqliteTime(l.StartedAt),
	).Scan(&l.ID)
}

func (s *SQLiteDB) CompleteBatchLog(ctx context.Context, l *models.BatchExecutionLog) error {
	errorsJSON, err := encodeBatchErrors(l.Errors)
	if err != nil {
		return err
	}
	completedAt := time.Now().UTC()
	if l.CompletedAt != nil {
		completedAt = *l.CompletedAt
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_execution_logs
		 SET status = ?, success_count = ?, failure_count = ?, skipped_count = ?, duration_ms = ?,
			 api_calls_made = ?, bytes_received = ?, errors = ?, response_summary = ?, completed_at = ?
		 WHERE batch_id = ? AND completed_at IS NULL`,
		models.BatchLogCompleted, l.SuccessCount, l.FailureCount, l.SkippedCount, l.DurationMS,
		l.APICallsMade, l.BytesReceived, errorsJSON, l.ResponseSummary, sqliteTime(completedAt),
		l.BatchID,
	)
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

func (s *SQLiteDB) UpdateBatchLogRateLimit(ctx context.Context, batchID string, remaining *int, resetAt *time.Time, hit bool) error {
	var remainingArg any
	if remaining != nil {
		remainingArg = *remaining
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_execution_logs
		 SET rate_limit_remaining = COALESCE(?, rate_limit_remaining),
			 rate_limit_reset_at = COALESCE(?, rate_limit_reset_at),
			 rate_limit_hit = (rate_limit_hit OR ?)
		 WHERE batch_id = ?`,
		remainingArg, sqliteTimePtr(resetAt), hit, batchID,
	)
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

func (s *SQLiteDB) GetBatchLog(ctx context.Context, batchID string) (*models.BatchExecutionLog, error) {
	return scanBatchLog(s.db.QueryRowContext(ctx,
		`SELECT `+batchLogColumns+` FROM batch_execution_logs WHERE batch_id = ?`, batchID))
}

func (s *SQLiteDB) ListBatchLogs(ctx context.Context, platform models.Platform, limit int) ([]models.BatchExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchLogColumns+` FROM batch_execution_logs
		 WHERE (? = '' OR platform = ?)
		 ORDER BY started_at DESC, id DESC
		 LIMIT ?`,
		platform, platform, limit)
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

func (s *SQLiteDB) CreateWebhookEvent(ctx context.Context, e *models.WebhookEvent) error {
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
	return s.db.QueryRowContext(ctx,
		`INSERT INTO webhook_events (
			 platform, event_type, platform_event_id, headers, payload, signature, signature_valid,
			 source_ip, user_agent, status, max_attempts, received_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`,
		e.Platform, e.EventType, e.PlatformEventID, headersJSON, e.Payload, e.Signature, e.SignatureValid,
		e.SourceIP, e.UserAgent, e.Status, e.MaxAttempts, sqliteTime(e.ReceivedAt),
	).Scan(&e.ID)
}

func (s *SQLiteDB) GetWebhookEvent(ctx context.Context, id int64) (*models.WebhookEvent, error) {
	return scanWebhookEvent(s.db.QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events w WHERE w.id = ?`, id))
}

func (s *SQLiteDB) SetWebhookSignatureValid(ctx context.Context, id int64, valid bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET signature_valid = ? WHERE id = ? AND status = ?`,
		valid, id, models.WebhookReceived)
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

func (s *SQLiteDB) ClaimWebhookEvent(ctx context.Context, id int64, now time.Time) (*models.WebhookEvent, error) {
	return scanWebhookEvent(s.db.QueryRowContext(ctx,
		`UPDATE webhook_events
		 SET status = 'processing', attempts = attempts + 1, started_at = ?
		 WHERE id = ? AND status = 'received' AND signature_valid = TRUE
		   AND (platform_event_id = '' OR NOT EXISTS (
			   SELECT 1 FROM webhook_events o
			   WHERE o.platform = webhook_events.platform
				 AND o.platform_event_id = webhook_events.platform_event_id
				 AND o.id <> webhook_events.id
				 AND o.status IN ('processing', 'processed')
		   ))
		 RETURNING `+webhookReturning,
		sqliteTime(now), id))
}

func (s *SQLiteDB) FindHandledWebhookEvent(ctx context.Context, platform models.Platform, platformEventID string, excludeID int64) (*models.WebhookEvent, error) {
	return scanWebhookEvent(s.db.QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events w
		 WHERE w.platform = ? AND w.platform_event_id = ? AND w.id <> ? AND w.status = ?
		 ORDER BY w.id ASC
		 LIMIT 1`,
		platform, platformEventID, excludeID, models.WebhookProcessed))
}

// DeferWebhookEvent pushes a received event's next attempt to retryAt
// without consuming an attempt.
func (s *SQLiteDB) DeferWebhookEvent(ctx context.Context, id int64, retryAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET next_retry_at = ? WHERE id = ? AND status = ?`,
		sqliteTime(retryAt), id, models.WebhookReceived,
	)
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

func (s *SQLiteDB) CompleteWebhookEvent(ctx context.Context, id int64, r WebhookResolution, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events
		 SET status = ?, org_id = ?, connection_id = ?, related_asset_id = ?, error_message = '',
			 error_code = '', next_retry_at = NULL, processed_at = ?
		 WHERE id = ? AND status = ?`,
		models.WebhookProcessed, r.OrgID, r.ConnectionID, r.RelatedAssetID, sqliteTime(now),
		id, models.WebhookProcessing,
	)
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

func (s *SQLiteDB) FailWebhookEvent(ctx context.Context, id int64, f Failure) (models.WebhookStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`UPDATE webhook_events
		 SET status = CASE WHEN ?1 OR attempts >= max_attempts THEN 'failed' ELSE 'received' END,
			 error_message = ?2,
			 error_code = ?3,
			 next_retry_at = CASE WHEN ?1 OR attempts >= max_attempts THEN NULL ELSE ?4 END,
			 started_at = CASE WHEN ?1 OR attempts >= max_attempts THEN started_at ELSE NULL END,
			 processed_at = CASE WHEN ?1 OR attempts >= max_attempts THEN ?5 ELSE NULL END
		 WHERE id = ?6 AND status = 'processing'
		 RETURNING status`,
		f.Permanent, f.Message, f.Code, sqliteTime(f.RetryAt), sqliteTime(f.Now), id,
	).Scan(&status)
	if err != nil {
		return "", err
	}
	return models.WebhookStatus(status), nil
}

func (s *SQLiteDB) RejectWebhookEvent(ctx context.Context, id int64, message, code string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events
		 SET status = ?, error_message = ?, error_code = ?, signature_valid = FALSE,
			 processed_at = ?
		 WHERE id = ? AND status = ?`,
		models.WebhookFailed, message, code, sqliteTime(now), id, models.WebhookReceived,
	)
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

func (s *SQLiteDB) IgnoreWebhookEvent(ctx context.Context, id int64, reason string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events
		 SET status = ?, error_message = ?, next_retry_at = NULL, processed_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		models.WebhookIgnored, reason, sqliteTime(now), id, models.WebhookReceived, models.WebhookProcessing,
	)
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

func (s *SQLiteDB) MarkWebhookEventDuplicate(ctx context.Context, id, originalID int64, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events
		 SET status = ?, duplicate_of_id = ?, next_retry_at = NULL, processed_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		models.WebhookDuplicate, originalID, sqliteTime(now), id, models.WebhookReceived, models.WebhookProcessing,
	)
	if err != nil {
		return err
	}
	return affectedOrNoRows(res)
}

func (s *SQLiteDB) ListReadyWebhookEvents(ctx context.Context, now time.Time, limit int) ([]models.WebhookEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events w
		 WHERE w.status = ? AND w.signature_valid = TRUE
		   AND (w.next_retry_at IS NULL OR w.next_retry_at <= ?)
		 ORDER BY w.received_at ASC, w.id ASC
		 LIMIT ?`,
		models.WebhookReceived, sqliteTime(now), limit)
	if err != nil {
		return nil, err
	}
	return scanWebhookEvents(rows)
}

func (s *SQLiteDB) RequeueStuckWebhookEvents(ctx context.Context, startedBefore, now time.Time) (SweepResult, error) {
	var result SweepResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE webhook_events
		 SET status = ?, error_message = ?, error_code = ?, processed_at = ?
		 WHERE status = ? AND started_at < ? AND attempts >= max_attempts`,
		models.WebhookFailed, "processing timed out", models.ErrorCodeStuck, sqliteTime(now),
		models.WebhookProcessing, sqliteTime(startedBefore),
	)
	if err != nil {
		return result, err
	}
	result.Failed, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx,
		`UPDATE webhook_events
		 SET status = ?, error_message = ?, error_code = ?, started_at = NULL, next_retry_at = ?
		 WHERE status = ? AND started_at < ?`,
		models.WebhookReceived, "processing timed out", models.ErrorCodeStuck, sqliteTime(now),
		models.WebhookProcessing, sqliteTime(startedBefore),
	)
	if err != nil {
		return result, err
	}
	result.Requeued, _ = res.RowsAffected()
	return result, tx.Commit()
}

func (s *SQLiteDB) WebhookEventStats(ctx context.Context) (WebhookStats, error) {
	var stats WebhookStats
	err := s.db.QueryRowContext(ctx,
		`SELECT
			 COALESCE(SUM(CASE WHEN status = 'received' THEN 1 ELSE 0 END), 0),
			 COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0),
			 COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			 COALESCE(SUM(CASE WHEN status = 'duplicate' THEN 1 ELSE 0 END), 0)
		 FROM webhook_events`,
	).Scan(&stats.Received, &stats.Processing, &stats.Failed, &stats.Duplicate)
	return stats, err
}
