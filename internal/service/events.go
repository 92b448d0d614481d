package service

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/odvcencio/assetsync/internal/models"
)

const unknownEventType = "unknown"

// ExtractEventType derives the event type from a platform payload.
func ExtractEventType(platform models.Platform, payload models.Document) string {
	switch platform {
	case models.PlatformMeta, models.PlatformWhatsApp:
		if entry := firstObject(payload["entry"]); entry != nil {
			if change := firstObject(entry["changes"]); change != nil {
				if field := change.String("field"); field != "" {
					return field
				}
			}
		}
		if object := payload.String("object"); object != "" {
			return object
		}
	case models.PlatformGoogle:
		if message := object(payload["message"]); message != nil {
			if attrs := object(message["attributes"]); attrs != nil {
				if t := attrs.String("event_type"); t != "" {
					return t
				}
			}
		}
	case models.PlatformTikTok:
		if t := payload.String("event"); t != "" {
			return t
		}
	}
	return unknownEventType
}

// ExtractEventID returns the id a platform uses for one logical event, so
// redeliveries can be recognized. Payloads without an id are identified by
// their content hash.
func ExtractEventID(platform models.Platform, payload models.Document, raw []byte) string {
	if platform == models.PlatformGoogle {
		if message := object(payload["message"]); message != nil {
			for _, key := range []string{"messageId", "message_id"} {
				if id := message.String(key); id != "" {
					return id
				}
			}
		}
	}
	for _, key := range []string{"event_id", "id"} {
		if id := strings.TrimSpace(payload.String(key)); id != "" {
			return id
		}
	}
	if len(raw) == 0 {
		return ""
	}
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func object(v any) models.Document {
	switch m := v.(type) {
	case map[string]any:
		return models.Document(m)
	case models.Document:
		return m
	}
	return nil
}

func firstObject(v any) models.Document {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return nil
	}
	return object(list[0])
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
