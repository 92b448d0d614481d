package api

import (
	"net/http"
	"strings"

	"github.com/odvcencio/assetsync/internal/models"
)

const defaultBatchListLimit = 50

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseOptionalQueryPositiveInt(w, r, "limit", "limit", defaultBatchListLimit)
	if !ok {
		return
	}
	platform := models.NormalizePlatform(r.URL.Query().Get("platform"))
	logs, err := s.execLog.Recent(r.Context(), platform, min(limit, 500))
	if err != nil {
		s.logger.Error("list batch logs", "platform", platform, "error", err)
		serviceError(w, err)
		return
	}
	if logs == nil {
		logs = []models.BatchExecutionLog{}
	}
	jsonResponse(w, http.StatusOK, logs)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := strings.TrimSpace(r.PathValue("batch_id"))
	if batchID == "" {
		jsonError(w, "batch id is required", http.StatusBadRequest)
		return
	}
	log, err := s.execLog.Get(r.Context(), batchID)
	if err != nil {
		serviceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, struct {
		*models.BatchExecutionLog
		SuccessRate     float64 `json:"success_rate"`
		EfficiencyRatio float64 `json:"efficiency_ratio"`
	}{log, log.SuccessRate(), log.EfficiencyRatio()})
}
