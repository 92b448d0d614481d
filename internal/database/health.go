package database

import "time"

// QueueStats summarizes batch request queue status for health and observability endpoints.
type QueueStats struct {
	Pending         int64
	Processing      int64
	Failed          int64
	AwaitingRetry   int64
	OldestPendingAt *time.Time
}

// WebhookStats summarizes webhook ingestion status.
type WebhookStats struct {
	Received   int64
	Processing int64
	Failed     int64
	Duplicate  int64
}
