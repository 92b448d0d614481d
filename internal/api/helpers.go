package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/odvcencio/assetsync/internal/service"
)

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// serviceError maps service sentinels to a status and writes it.
func serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		jsonError(w, "not found", http.StatusNotFound)
	case errors.Is(err, service.ErrInvalidSignature):
		jsonError(w, "invalid signature", http.StatusUnauthorized)
	default:
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

func parsePathPositiveInt64(w http.ResponseWriter, r *http.Request, key, label string) (int64, bool) {
	raw := strings.TrimSpace(r.PathValue(key))
	if raw == "" {
		jsonError(w, label+" is required", http.StatusBadRequest)
		return 0, false
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		jsonError(w, "invalid "+label, http.StatusBadRequest)
		return 0, false
	}
	return value, true
}

func parseOptionalQueryPositiveInt(w http.ResponseWriter, r *http.Request, key, label string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		jsonError(w, "invalid "+label+" query parameter", http.StatusBadRequest)
		return 0, false
	}
	return value, true
}
