package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/odvcencio/assetsync/internal/models"
	"github.com/odvcencio/assetsync/internal/service"
)

var errBodyTooLarge = errors.New("request body too large")

// Headers that are never persisted with a delivery.
var droppedWebhookHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
}

type webhookReceipt struct {
	ID              int64                `json:"id"`
	Platform        models.Platform      `json:"platform"`
	EventType       string               `json:"event_type"`
	PlatformEventID string               `json:"platform_event_id,omitempty"`
	Status          models.WebhookStatus `json:"status"`
}

// handleReceiveWebhook stores and verifies a delivery. Processing happens
// later on the webhook worker pool.
func (s *Server) handleReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	platform := models.NormalizePlatform(r.PathValue("platform"))
	if platform == "" {
		jsonError(w, "platform is required", http.StatusBadRequest)
		return
	}

	body, err := readWebhookBody(r, s.maxWebhookBody)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.Is(err, errBodyTooLarge) || errors.As(err, &maxErr) {
			jsonError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.metrics.observeWebhookBody(string(platform), len(body))

	event, err := s.webhooks.Ingest(r.Context(), service.IncomingWebhook{
		Platform:  platform,
		Payload:   body,
		Headers:   flattenHeaders(r.Header),
		SourceIP:  s.clientIPs.clientIPFromRequest(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		s.logger.Error("ingest webhook", "platform", platform, "error", err)
		jsonError(w, "failed to store webhook", http.StatusInternalServerError)
		return
	}

	valid, err := s.webhooks.Verify(r.Context(), event)
	if err != nil {
		s.logger.Error("verify webhook", "platform", platform, "event_id", event.ID, "error", err)
		jsonError(w, "failed to verify webhook", http.StatusInternalServerError)
		return
	}
	if !valid {
		jsonError(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	jsonResponse(w, http.StatusAccepted, webhookReceipt{
		ID:              event.ID,
		Platform:        event.Platform,
		EventType:       event.EventType,
		PlatformEventID: event.PlatformEventID,
		Status:          event.Status,
	})
}

func (s *Server) handleGetWebhookEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathPositiveInt64(w, r, "id", "webhook id")
	if !ok {
		return
	}
	event, err := s.webhooks.Get(r.Context(), id)
	if err != nil {
		serviceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, event)
}

// readWebhookBody reads at most limit decoded bytes, inflating gzip bodies.
func readWebhookBody(r *http.Request, limit int64) ([]byte, error) {
	var reader io.Reader = r.Body
	if strings.EqualFold(strings.TrimSpace(r.Header.Get("Content-Encoding")), "gzip") {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("open gzip body: %w", err)
		}
		defer zr.Close()
		reader = zr
	}
	body, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		key := strings.ToLower(name)
		if droppedWebhookHeaders[key] || len(values) == 0 {
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}
