package database

import (
	"context"
	"time"

	"github.com/odvcencio/assetsync/internal/models"
)

// DB defines the data access interface. Implemented by SQLite and PostgreSQL backends.
//
// Lookups return sql.ErrNoRows when the row does not exist. Status transitions
// are guarded by the expected source status and return sql.ErrNoRows when the
// row is not in that status.
type DB interface {
	Close() error
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error

	// Platform assets
	UpsertAsset(ctx context.Context, asset *models.PlatformAsset) (created bool, err error)
	GetAsset(ctx context.Context, id int64) (*models.PlatformAsset, error)
	GetAssetByKey(ctx context.Context, platform models.Platform, platformAssetID string, assetType models.AssetType) (*models.PlatformAsset, error)
	UpdateAssetSync(ctx context.Context, id, expectedRevision int64, data models.Document, source string, syncedAt time.Time) (bool, error)
	SoftDeleteAsset(ctx context.Context, id int64, at time.Time) error

	// Asset relationships
	InsertRelationship(ctx context.Context, rel *models.AssetRelationship) (created bool, err error)
	UpdateRelationshipData(ctx context.Context, id, expectedRevision int64, data models.Document, verifiedAt time.Time) (bool, error)
	ListChildAssets(ctx context.Context, parentID int64, relType models.RelationshipType) ([]models.PlatformAsset, error)
	ListParentAssets(ctx context.Context, childID int64, relType models.RelationshipType) ([]models.PlatformAsset, error)
	ListStaleRelationships(ctx context.Context, verifiedBefore time.Time, limit int) ([]models.AssetRelationship, error)

	// Org asset access
	UpsertAssetAccess(ctx context.Context, access *models.OrgAssetAccess) error
	GetAssetAccess(ctx context.Context, id int64) (*models.OrgAssetAccess, error)
	FindActiveAssetAccess(ctx context.Context, orgID string, assetID int64) (*models.OrgAssetAccess, error)
	ListAssetAccessByAsset(ctx context.Context, assetID int64) ([]models.OrgAssetAccess, error)
	ListOrgAssetAccess(ctx context.Context, orgID string, selectedOnly bool) ([]models.OrgAssetAccess, error)
	SetAssetAccessActive(ctx context.Context, id int64, active bool, at time.Time) error
	SetAssetAccessSelected(ctx context.Context, id int64, selected bool, userID string, at time.Time) error

	// Batch request queue
	InsertBatchRequest(ctx context.Context, req *models.BatchRequest) (created bool, err error)
	GetBatchRequest(ctx context.Context, id int64) (*models.BatchRequest, error)
	FindActiveBatchRequest(ctx context.Context, platform models.Platform, requestKey string) (*models.BatchRequest, error)
	PeekBatchRequests(ctx context.Context, platform models.Platform, connectionID string, limit int, now time.Time) ([]models.BatchRequest, error)
	ClaimBatchRequests(ctx context.Context, platform models.Platform, connectionID, batchID string, limit int, now time.Time) ([]models.BatchRequest, error)
	MarkBatchRequestProcessing(ctx context.Context, id int64, batchID string, now time.Time) (*models.BatchRequest, error)
	CompleteBatchRequest(ctx context.Context, id int64, response models.Document, now time.Time) error
	FailBatchRequest(ctx context.Context, id int64, failure Failure) (models.QueueStatus, error)
	CancelBatchRequest(ctx context.Context, id int64, now time.Time) error
	ReleaseBatchRequest(ctx context.Context, id int64, scheduledAt, now time.Time) error
	RequeueStuckBatchRequests(ctx context.Context, startedBefore, now time.Time) (SweepResult, error)
	ListRetryableBatchRequests(ctx context.Context, now time.Time, limit int) ([]models.BatchRequest, error)
	ListReadyPartitions(ctx context.Context, now time.Time, limit int) ([]QueuePartition, error)
	BatchQueueStats(ctx context.Context) (QueueStats, error)

	// Batch execution logs
	CreateBatchLog(ctx context.Context, log *models.BatchExecutionLog) error
	CompleteBatchLog(ctx context.Context, log *models.BatchExecutionLog) error
	UpdateBatchLogRateLimit(ctx context.Context, batchID string, remaining *int, resetAt *time.Time, hit bool) error
	GetBatchLog(ctx context.Context, batchID string) (*models.BatchExecutionLog, error)
	ListBatchLogs(ctx context.Context, platform models.Platform, limit int) ([]models.BatchExecutionLog, error)

	// Webhook events
	CreateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error
	GetWebhookEvent(ctx context.Context, id int64) (*models.WebhookEvent, error)
	SetWebhookSignatureValid(ctx context.Context, id int64, valid bool) error
	ClaimWebhookEvent(ctx context.Context, id int64, now time.Time) (*models.WebhookEvent, error)
	FindHandledWebhookEvent(ctx context.Context, platform models.Platform, platformEventID string, excludeID int64) (*models.WebhookEvent, error)
	DeferWebhookEvent(ctx context.Context, id int64, retryAt time.Time) error
	CompleteWebhookEvent(ctx context.Context, id int64, resolution WebhookResolution, now time.Time) error
	FailWebhookEvent(ctx context.Context, id int64, failure Failure) (models.WebhookStatus, error)
	RejectWebhookEvent(ctx context.Context, id int64, message, code string, now time.Time) error
	IgnoreWebhookEvent(ctx context.Context, id int64, reason string, now time.Time) error
	MarkWebhookEventDuplicate(ctx context.Context, id, originalID int64, now time.Time) error
	ListReadyWebhookEvents(ctx context.Context, now time.Time, limit int) ([]models.WebhookEvent, error)
	RequeueStuckWebhookEvents(ctx context.Context, startedBefore, now time.Time) (SweepResult, error)
	WebhookEventStats(ctx context.Context) (WebhookStats, error)
}

// Failure describes a failed attempt. When Permanent is set, or the attempt
// budget is exhausted, the row becomes terminal; otherwise it is rescheduled at RetryAt.
type Failure struct {
	Message   string
	Code      string
	Permanent bool
	RetryAt   time.Time
	Now       time.Time
}

// WebhookResolution is the org/connection context discovered while processing an event.
type WebhookResolution struct {
	OrgID          string
	ConnectionID   string
	RelatedAssetID *int64
}

// QueuePartition is a (platform, connection) pair with claimable work.
type QueuePartition struct {
	Platform     models.Platform
	ConnectionID string
	Ready        int64
	OldestAt     time.Time
}

// SweepResult counts rows recovered from a stuck processing state.
type SweepResult struct {
	Requeued int64
	Failed   int64
}
