package service

import (
	"time"

	"github.com/odvcencio/assetsync/internal/models"
)

// Batch types a platform API offers for serving many logical requests.
const (
	BatchTypeFieldExpansion = "field_expansion"
	BatchTypeSearchStream   = "search_stream"
	BatchTypePagination     = "pagination"
	BatchTypeBulk           = "bulk"
	BatchTypeSingle         = "single"
)

// BatchProfile bounds how requests for one platform are grouped and paced.
type BatchProfile struct {
	MaxBatchSize    int
	BatchType       string
	FlushInterval   time.Duration
	RequestsPerHour int
	Burst           int
}

// Batches reports whether one network call can serve several requests.
func (p BatchProfile) Batches() bool {
	return p.BatchType != BatchTypeSingle && p.MaxBatchSize > 1
}

var defaultProfile = BatchProfile{MaxBatchSize: 50, BatchType: BatchTypeSingle, RequestsPerHour: 100, Burst: 5}

var defaultProfiles = map[models.Platform]BatchProfile{
	models.PlatformMeta:     {MaxBatchSize: 50, BatchType: BatchTypeFieldExpansion, FlushInterval: 5 * time.Minute, RequestsPerHour: 200, Burst: 10},
	models.PlatformGoogle:   {MaxBatchSize: 100, BatchType: BatchTypeSearchStream, FlushInterval: 10 * time.Minute, RequestsPerHour: 400, Burst: 10},
	models.PlatformLinkedIn: {MaxBatchSize: 50, BatchType: BatchTypePagination, FlushInterval: 30 * time.Minute, RequestsPerHour: 100, Burst: 5},
	models.PlatformSnapchat: {MaxBatchSize: 200, BatchType: BatchTypeBulk, FlushInterval: 10 * time.Minute, RequestsPerHour: 100, Burst: 5},
	models.PlatformTikTok:   {MaxBatchSize: 100, BatchType: BatchTypeBulk, FlushInterval: 10 * time.Minute, RequestsPerHour: 100, Burst: 5},
	models.PlatformTwitter:  {MaxBatchSize: 100, BatchType: BatchTypeBulk, FlushInterval: 5 * time.Minute, RequestsPerHour: 300, Burst: 10},
}

// DefaultProfile returns the built-in profile for a platform. Unknown
// platforms get single-request execution with a batch size of 50.
func DefaultProfile(platform models.Platform) BatchProfile {
	if p, ok := defaultProfiles[platform]; ok {
		return p
	}
	return defaultProfile
}

// Profiles resolves per-platform overrides over the built-in table.
type Profiles map[models.Platform]BatchProfile

func (p Profiles) For(platform models.Platform) BatchProfile {
	base := DefaultProfile(platform)
	o, ok := p[platform]
	if !ok {
		return base
	}
	if o.MaxBatchSize > 0 {
		base.MaxBatchSize = o.MaxBatchSize
	}
	if o.BatchType != "" {
		base.BatchType = o.BatchType
	}
	if o.FlushInterval > 0 {
		base.FlushInterval = o.FlushInterval
	}
	if o.RequestsPerHour > 0 {
		base.RequestsPerHour = o.RequestsPerHour
	}
	if o.Burst > 0 {
		base.Burst = o.Burst
	}
	return base
}
