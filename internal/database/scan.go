package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/assetsync/internal/models"
)

type rowScanner interface {
	Scan(dest ...any) error
}

const assetColumns = `a.id, a.platform, a.platform_asset_id, a.asset_type, a.name, a.platform_data, a.ownership,
	a.parent_asset_id, a.business_id, a.manager_id, a.first_seen_at, a.last_synced_at, a.sync_count,
	a.sync_source, a.is_active, a.revision, a.deleted_at, a.created_at, a.updated_at`

func scanAsset(row rowScanner) (*models.PlatformAsset, error) {
	var a models.PlatformAsset
	var platform, assetType, ownership string
	var lastSynced, deletedAt sql.NullTime
	if err := row.Scan(
		&a.ID, &platform, &a.PlatformAssetID, &assetType, &a.Name, &a.PlatformData, &ownership,
		&a.ParentAssetID, &a.BusinessID, &a.ManagerID, &a.FirstSeenAt, &lastSynced, &a.SyncCount,
		&a.SyncSource, &a.IsActive, &a.Revision, &deletedAt, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.Platform = models.Platform(platform)
	a.AssetType = models.AssetType(assetType)
	a.Ownership = models.ParseOwnershipType(ownership)
	a.LastSyncedAt = nullTimePtr(lastSynced)
	a.DeletedAt = nullTimePtr(deletedAt)
	return &a, nil
}

func scanAssets(rows *sql.Rows) ([]models.PlatformAsset, error) {
	defer rows.Close()
	var out []models.PlatformAsset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

const relationshipColumns = `r.id, r.parent_asset_id, r.child_asset_id, r.relationship_type, r.data,
	r.discovered_at, r.last_verified_at, r.revision`

func scanRelationship(row rowScanner) (*models.AssetRelationship, error) {
	var r models.AssetRelationship
	var relType string
	if err := row.Scan(&r.ID, &r.ParentAssetID, &r.ChildAssetID, &relType, &r.Data,
		&r.DiscoveredAt, &r.LastVerifiedAt, &r.Revision); err != nil {
		return nil, err
	}
	r.RelationshipType = models.RelationshipType(relType)
	return &r, nil
}

const accessColumns = `x.id, x.org_id, x.asset_id, x.connection_id, x.access_types, x.permissions, x.roles,
	x.granted_at, x.granted_by_user_id, x.last_verified_at, x.verification_count, x.is_active,
	x.is_selected, x.selected_by_user_id, x.selected_at, x.revoked_at`

func scanAccess(row rowScanner) (*models.OrgAssetAccess, error) {
	var a models.OrgAssetAccess
	var accessCSV string
	var selectedAt, revokedAt sql.NullTime
	if err := row.Scan(
		&a.ID, &a.OrgID, &a.AssetID, &a.ConnectionID, &accessCSV, &a.Permissions, &a.Roles,
		&a.GrantedAt, &a.GrantedByUserID, &a.LastVerifiedAt, &a.VerificationCount, &a.IsActive,
		&a.IsSelected, &a.SelectedByUserID, &selectedAt, &revokedAt,
	); err != nil {
		return nil, err
	}
	a.AccessTypes = parseAccessCSV(accessCSV)
	a.SelectedAt = nullTimePtr(selectedAt)
	a.RevokedAt = nullTimePtr(revokedAt)
	return &a, nil
}

func scanAccessRows(rows *sql.Rows) ([]models.OrgAssetAccess, error) {
	defer rows.Close()
	var out []models.OrgAssetAccess
	for rows.Next() {
		a, err := scanAccess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

const requestColumns = `q.id, q.org_id, q.platform, q.connection_id, q.request_type, q.request_key, q.request_params,
	q.batch_group, q.batch_id, q.priority, q.status, q.attempts, q.max_attempts, q.response_data,
	q.error_message, q.error_code, q.scheduled_at, q.started_at, q.completed_at, q.next_retry_at,
	q.created_at, q.updated_at`

// requestReturning lists the same columns without the table alias, for RETURNING clauses.
var requestReturning = strings.ReplaceAll(requestColumns, "q.", "")

func scanRequest(row rowScanner) (*models.BatchRequest, error) {
	var r models.BatchRequest
	var platform, group, status string
	var started, completed, nextRetry sql.NullTime
	if err := row.Scan(
		&r.ID, &r.OrgID, &platform, &r.ConnectionID, &r.RequestType, &r.RequestKey, &r.Params,
		&group, &r.BatchID, &r.Priority, &status, &r.Attempts, &r.MaxAttempts, &r.ResponseData,
		&r.ErrorMessage, &r.ErrorCode, &r.ScheduledAt, &started, &completed, &nextRetry,
		&r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.Platform = models.Platform(platform)
	r.BatchGroup = models.BatchGroup(group)
	r.Status = models.QueueStatus(status)
	r.StartedAt = nullTimePtr(started)
	r.CompletedAt = nullTimePtr(completed)
	r.NextRetryAt = nullTimePtr(nextRetry)
	return &r, nil
}

func scanRequests(rows *sql.Rows) ([]models.BatchRequest, error) {
	defer rows.Close()
	var out []models.BatchRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

const batchLogColumns = `id, batch_id, platform, batch_type, connection_id, org_id, status, request_count,
	success_count, failure_count, skipped_count, duration_ms, api_calls_made, bytes_received,
	rate_limit_remaining, rate_limit_reset_at, rate_limit_hit, errors, response_summary,
	started_at, completed_at`

func scanBatchLog(row rowScanner) (*models.BatchExecutionLog, error) {
	var l models.BatchExecutionLog
	var platform, status, errorsJSON string
	var remaining sql.NullInt64
	var resetAt, completedAt sql.NullTime
	if err := row.Scan(
		&l.ID, &l.BatchID, &platform, &l.BatchType, &l.ConnectionID, &l.OrgID, &status, &l.RequestCount,
		&l.SuccessCount, &l.FailureCount, &l.SkippedCount, &l.DurationMS, &l.APICallsMade, &l.BytesReceived,
		&remaining, &resetAt, &l.RateLimitHit, &errorsJSON, &l.ResponseSummary,
		&l.StartedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	l.Platform = models.Platform(platform)
	l.Status = models.BatchLogStatus(status)
	if remaining.Valid {
		v := int(remaining.Int64)
		l.RateLimitRemaining = &v
	}
	l.RateLimitResetAt = nullTimePtr(resetAt)
	l.CompletedAt = nullTimePtr(completedAt)
	if strings.TrimSpace(errorsJSON) != "" {
		if err := json.Unmarshal([]byte(errorsJSON), &l.Errors); err != nil {
			return nil, fmt.Errorf("decode batch errors: %w", err)
		}
	}
	return &l, nil
}

const webhookColumns = `w.id, w.platform, w.event_type, w.platform_event_id, w.headers, w.payload, w.signature,
	w.signature_valid, w.source_ip, w.user_agent, w.status, w.attempts, w.max_attempts, w.error_message,
	w.error_code, w.org_id, w.connection_id, w.related_asset_id, w.duplicate_of_id, w.received_at,
	w.started_at, w.processed_at, w.next_retry_at`

var webhookReturning = strings.ReplaceAll(webhookColumns, "w.", "")

func scanWebhookEvent(row rowScanner) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	var platform, status, headersJSON string
	var started, processed, nextRetry sql.NullTime
	if err := row.Scan(
		&e.ID, &platform, &e.EventType, &e.PlatformEventID, &headersJSON, &e.Payload, &e.Signature,
		&e.SignatureValid, &e.SourceIP, &e.UserAgent, &status, &e.Attempts, &e.MaxAttempts, &e.ErrorMessage,
		&e.ErrorCode, &e.OrgID, &e.ConnectionID, &e.RelatedAssetID, &e.DuplicateOfID, &e.ReceivedAt,
		&started, &processed, &nextRetry,
	); err != nil {
		return nil, err
	}
	e.Platform = models.Platform(platform)
	e.Status = models.WebhookStatus(status)
	e.StartedAt = nullTimePtr(started)
	e.ProcessedAt = nullTimePtr(processed)
	e.NextRetryAt = nullTimePtr(nextRetry)
	if strings.TrimSpace(headersJSON) != "" {
		if err := json.Unmarshal([]byte(headersJSON), &e.Headers); err != nil {
			return nil, fmt.Errorf("decode webhook headers: %w", err)
		}
	}
	return &e, nil
}

func scanWebhookEvents(rows *sql.Rows) ([]models.WebhookEvent, error) {
	defer rows.Close()
	var out []models.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func accessCSV(types []models.AccessType) string {
	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, string(t))
	}
	return strings.Join(parts, ",")
}

func parseAccessCSV(csv string) []models.AccessType {
	var out []models.AccessType
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, models.AccessType(part))
	}
	return out
}

func encodeBatchErrors(errs []models.BatchError) (string, error) {
	if len(errs) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(errs)
	if err != nil {
		return "", fmt.Errorf("encode batch errors: %w", err)
	}
	return string(b), nil
}

func encodeHeaders(headers map[string]string) (string, error) {
	if len(headers) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("encode webhook headers: %w", err)
	}
	return string(b), nil
}

func activeStatusArgs() []any {
	out := make([]any, 0, len(models.ActiveQueueStatuses))
	for _, s := range models.ActiveQueueStatuses {
		out = append(out, string(s))
	}
	return out
}
