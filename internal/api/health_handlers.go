package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"
)

type dbStatsProvider interface {
	DBStats() sql.DBStats
}

type adminHealthResponse struct {
	Status    string              `json:"status"`
	Timestamp time.Time           `json:"timestamp"`
	Queue     adminHealthQueue    `json:"queue"`
	Webhooks  adminHealthWebhooks `json:"webhooks"`
	Database  adminHealthDatabase `json:"database"`
	Errors    []string            `json:"errors,omitempty"`
}

type adminHealthQueue struct {
	Pending                int64   `json:"pending"`
	Processing             int64   `json:"processing"`
	Failed                 int64   `json:"failed"`
	AwaitingRetry          int64   `json:"awaiting_retry"`
	OldestPendingAgeSecond float64 `json:"oldest_pending_age_seconds"`
}

type adminHealthWebhooks struct {
	Received   int64 `json:"received"`
	Processing int64 `json:"processing"`
	Failed     int64 `json:"failed"`
	Duplicate  int64 `json:"duplicate"`
}

type adminHealthDatabase struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
	WaitDurationMS  int64 `json:"wait_duration_ms"`
	MaxIdleClosed   int64 `json:"max_idle_closed"`
	MaxLifetime     int64 `json:"max_lifetime_closed"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		s.logger.Error("health check ping", "error", err)
		jsonResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	resp := adminHealthResponse{
		Status:    "ok",
		Timestamp: now,
	}

	if s.queue != nil {
		stats, err := s.queue.Stats(r.Context())
		if err != nil {
			s.logger.Error("admin health queue stats", "error", err)
			resp.Errors = append(resp.Errors, "queue_stats")
		} else {
			resp.Queue = adminHealthQueue{
				Pending:       stats.Pending,
				Processing:    stats.Processing,
				Failed:        stats.Failed,
				AwaitingRetry: stats.AwaitingRetry,
			}
			if stats.OldestPendingAt != nil {
				resp.Queue.OldestPendingAgeSecond = max(now.Sub(stats.OldestPendingAt.UTC()).Seconds(), 0)
			}
		}
	}

	if s.webhooks != nil {
		stats, err := s.webhooks.Stats(r.Context())
		if err != nil {
			s.logger.Error("admin health webhook stats", "error", err)
			resp.Errors = append(resp.Errors, "webhook_stats")
		} else {
			resp.Webhooks = adminHealthWebhooks(stats)
		}
	}

	if poolProvider, ok := s.db.(dbStatsProvider); ok {
		stats := poolProvider.DBStats()
		resp.Database = adminHealthDatabase{
			OpenConnections: stats.OpenConnections,
			InUse:           stats.InUse,
			Idle:            stats.Idle,
			WaitCount:       stats.WaitCount,
			WaitDurationMS:  stats.WaitDuration.Milliseconds(),
			MaxIdleClosed:   stats.MaxIdleClosed,
			MaxLifetime:     stats.MaxLifetimeClosed,
		}
	}

	if len(resp.Errors) > 0 {
		resp.Status = "degraded"
		jsonResponse(w, http.StatusServiceUnavailable, resp)
		return
	}
	jsonResponse(w, http.StatusOK, resp)
}
