package models

import "time"

type PlatformAsset struct {
	ID              int64         `json:"id"`
	Platform        Platform      `json:"platform"`
	PlatformAssetID string        `json:"platform_asset_id"`
	AssetType       AssetType     `json:"asset_type"`
	Name            string        `json:"name"`
	PlatformData    Document      `json:"platform_data"`
	Ownership       OwnershipType `json:"ownership"`
	ParentAssetID   *int64        `json:"parent_asset_id,omitempty"`
	BusinessID      string        `json:"business_id,omitempty"`
	ManagerID       string        `json:"manager_id,omitempty"`
	FirstSeenAt     time.Time     `json:"first_seen_at"`
	LastSyncedAt    *time.Time    `json:"last_synced_at,omitempty"`
	SyncCount       int64         `json:"sync_count"`
	SyncSource      string        `json:"sync_source_connection_id,omitempty"`
	IsActive        bool          `json:"is_active"`
	Revision        int64         `json:"-"`
	DeletedAt       *time.Time    `json:"deleted_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// IsFresh reports whether the asset was synced within threshold of now.
func (a *PlatformAsset) IsFresh(threshold time.Duration, now time.Time) bool {
	if a == nil || a.LastSyncedAt == nil {
		return false
	}
	return now.Sub(*a.LastSyncedAt) <= threshold
}

type AssetRelationship struct {
	ID               int64            `json:"id"`
	ParentAssetID    int64            `json:"parent_asset_id"`
	ChildAssetID     int64            `json:"child_asset_id"`
	RelationshipType RelationshipType `json:"relationship_type"`
	Data             Document         `json:"data"`
	DiscoveredAt     time.Time        `json:"discovered_at"`
	LastVerifiedAt   time.Time        `json:"last_verified_at"`
	Revision         int64            `json:"-"`
}

// IsStale reports whether the edge has gone unverified for longer than threshold.
func (r *AssetRelationship) IsStale(threshold time.Duration, now time.Time) bool {
	return now.Sub(r.LastVerifiedAt) > threshold
}

type OrgAssetAccess struct {
	ID                int64        `json:"id"`
	OrgID             string       `json:"org_id"`
	AssetID           int64        `json:"asset_id"`
	ConnectionID      string       `json:"connection_id"`
	AccessTypes       []AccessType `json:"access_types"`
	Permissions       Document     `json:"permissions"`
	Roles             Document     `json:"roles"`
	GrantedAt         time.Time    `json:"granted_at"`
	GrantedByUserID   string       `json:"granted_by_user_id,omitempty"`
	LastVerifiedAt    time.Time    `json:"last_verified_at"`
	VerificationCount int64        `json:"verification_count"`
	IsActive          bool         `json:"is_active"`
	IsSelected        bool         `json:"is_selected"`
	SelectedByUserID  string       `json:"selected_by_user_id,omitempty"`
	SelectedAt        *time.Time   `json:"selected_at,omitempty"`
	RevokedAt         *time.Time   `json:"revoked_at,omitempty"`
}

// HasAccessType reports whether the grant includes t. Admin implies every type.
func (a *OrgAssetAccess) HasAccessType(t AccessType) bool {
	for _, have := range a.AccessTypes {
		if have == t || have == AccessAdmin {
			return true
		}
	}
	return false
}

type BatchRequest struct {
	ID           int64       `json:"id"`
	OrgID        string      `json:"org_id"`
	Platform     Platform    `json:"platform"`
	ConnectionID string      `json:"connection_id"`
	RequestType  string      `json:"request_type"`
	RequestKey   string      `json:"request_key"`
	Params       Document    `json:"params"`
	BatchGroup   BatchGroup  `json:"batch_group"`
	BatchID      string      `json:"batch_id,omitempty"`
	Priority     int         `json:"priority"`
	Status       QueueStatus `json:"status"`
	Attempts     int         `json:"attempts"`
	MaxAttempts  int         `json:"max_attempts"`
	ResponseData Document    `json:"response_data,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	ErrorCode    string      `json:"error_code,omitempty"`
	ScheduledAt  time.Time   `json:"scheduled_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	NextRetryAt  *time.Time  `json:"next_retry_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// AwaitingRetry reports whether a pending request has already failed at least once.
func (r *BatchRequest) AwaitingRetry() bool {
	return r.Status == QueuePending && r.Attempts > 0
}

type BatchError struct {
	RequestID int64  `json:"request_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
}

type BatchExecutionLog struct {
	ID                 int64          `json:"id"`
	BatchID            string         `json:"batch_id"`
	Platform           Platform       `json:"platform"`
	BatchType          string         `json:"batch_type"`
	ConnectionID       string         `json:"connection_id,omitempty"`
	OrgID              string         `json:"org_id,omitempty"`
	Status             BatchLogStatus `json:"status"`
	RequestCount       int            `json:"request_count"`
	SuccessCount       int            `json:"success_count"`
	FailureCount       int            `json:"failure_count"`
	SkippedCount       int            `json:"skipped_count"`
	DurationMS         int64          `json:"duration_ms"`
	APICallsMade       int            `json:"api_calls_made"`
	BytesReceived      int64          `json:"bytes_received"`
	RateLimitRemaining *int           `json:"rate_limit_remaining,omitempty"`
	RateLimitResetAt   *time.Time     `json:"rate_limit_reset_at,omitempty"`
	RateLimitHit       bool           `json:"rate_limit_hit"`
	Errors             []BatchError   `json:"errors,omitempty"`
	ResponseSummary    Document       `json:"response_summary,omitempty"`
	StartedAt          time.Time      `json:"started_at"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
}

// SuccessRate is the percentage of requests that succeeded.
func (l *BatchExecutionLog) SuccessRate() float64 {
	if l == nil || l.RequestCount <= 0 {
		return 0
	}
	return float64(l.SuccessCount) / float64(l.RequestCount) * 100
}

// EfficiencyRatio is logical requests served per network call.
func (l *BatchExecutionLog) EfficiencyRatio() float64 {
	if l == nil || l.APICallsMade <= 0 {
		return 0
	}
	return float64(l.RequestCount) / float64(l.APICallsMade)
}

type WebhookEvent struct {
	ID              int64             `json:"id"`
	Platform        Platform          `json:"platform"`
	EventType       string            `json:"event_type"`
	PlatformEventID string            `json:"platform_event_id,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Payload         []byte            `json:"-"`
	Signature       string            `json:"-"`
	SignatureValid  bool              `json:"signature_valid"`
	SourceIP        string            `json:"source_ip,omitempty"`
	UserAgent       string            `json:"user_agent,omitempty"`
	Status          WebhookStatus     `json:"status"`
	Attempts        int               `json:"attempts"`
	MaxAttempts     int               `json:"max_attempts"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	ErrorCode       string            `json:"error_code,omitempty"`
	OrgID           string            `json:"org_id,omitempty"`
	ConnectionID    string            `json:"connection_id,omitempty"`
	RelatedAssetID  *int64            `json:"related_asset_id,omitempty"`
	DuplicateOfID   *int64            `json:"duplicate_of_id,omitempty"`
	ReceivedAt      time.Time         `json:"received_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	ProcessedAt     *time.Time        `json:"processed_at,omitempty"`
	NextRetryAt     *time.Time        `json:"next_retry_at,omitempty"`
}
