package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
)

// Document is an opaque platform payload stored as a JSON object.
type Document map[string]any

// Merge returns a copy of d with every top-level key of patch applied over it.
// Nested objects are replaced, not merged.
func (d Document) Merge(patch Document) Document {
	out := make(Document, len(d)+len(patch))
	for k, v := range d {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy.
func (d Document) Clone() Document {
	return Document{}.Merge(d)
}

// String returns the value stored under key as text. Numbers are rendered
// exactly as decoded; other kinds yield "".
func (d Document) String(key string) string {
	if d == nil {
		return ""
	}
	switch v := d[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// Marshal encodes d as a JSON object. A nil document encodes as "{}".
func (d Document) Marshal() (string, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(d))
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}
	return string(b), nil
}

// Value implements driver.Valuer.
func (d Document) Value() (driver.Value, error) {
	return d.Marshal()
}

// Scan implements sql.Scanner for TEXT, BLOB and JSONB columns.
func (d *Document) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*d = Document{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("scan document: unsupported type %T", src)
	}
	parsed, err := ParseDocument(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDocument decodes a JSON object. Empty input yields an empty document.
// Numbers decode as json.Number so large platform ids keep every digit.
func ParseDocument(raw []byte) (Document, error) {
	if len(raw) == 0 {
		return Document{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("parse document: trailing data after object")
	}
	if out == nil {
		return Document{}, nil
	}
	return Document(out), nil
}
