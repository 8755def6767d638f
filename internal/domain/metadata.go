// Package domain defines the persistence models for the application.
// This file provides the JSON-mapped value types used inside those models:
// the typed message metadata bag and a JSON string list.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// MessageMetadata is the typed metadata attached to a message. The minimal
// required subset (model, tokens, processing time) is explicit; everything
// provider-specific goes into Extra so that unknown keys survive a round
// trip without weakening the rest of the schema.
type MessageMetadata struct {
	// Model that produced (or was asked to produce) the content.
	Model string `json:"model,omitempty"`
	// Temperature used for the dispatch, when configured.
	Temperature *float64 `json:"temperature,omitempty"`
	// TokensUsed reported by the processing engine; 0 when unknown.
	TokensUsed int `json:"tokens_used,omitempty"`
	// ProcessingTimeMs is wall-clock dispatch duration in milliseconds.
	ProcessingTimeMs int64 `json:"processing_time_ms,omitempty"`
	// Fallback marks content written by the orchestrator after a dispatch
	// failure rather than by the processing engine.
	Fallback bool `json:"fallback,omitempty"`
	// RegeneratedAt is stamped every time the message is regenerated.
	RegeneratedAt *time.Time `json:"regenerated_at,omitempty"`
	// Extra carries provider-specific values that have no typed field.
	Extra map[string]any `json:"extra,omitempty"`
}

// IsZero reports whether no metadata field is set.
func (m MessageMetadata) IsZero() bool {
	return m.Model == "" && m.Temperature == nil && m.TokensUsed == 0 &&
		m.ProcessingTimeMs == 0 && !m.Fallback && m.RegeneratedAt == nil && len(m.Extra) == 0
}

// Value implements driver.Valuer, serializing the metadata to JSON text.
func (m MessageMetadata) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner, accepting JSON text or bytes. NULL scans to
// the zero value.
func (m *MessageMetadata) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = MessageMetadata{}
		return nil
	case []byte:
		if len(v) == 0 {
			*m = MessageMetadata{}
			return nil
		}
		return json.Unmarshal(v, m)
	case string:
		if v == "" {
			*m = MessageMetadata{}
			return nil
		}
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("domain: unsupported scan type for MessageMetadata")
	}
}

// StringList is an ordered list of strings stored as a JSON array in a TEXT
// column. Used for a conversation's knowledge-base scope and draft KB
// selections.
type StringList []string

// Value implements driver.Valuer. A nil list serializes as "[]" so the
// column never holds SQL NULL.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for JSON text or bytes.
func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		if len(v) == 0 {
			*l = nil
			return nil
		}
		return json.Unmarshal(v, l)
	case string:
		if v == "" {
			*l = nil
			return nil
		}
		return json.Unmarshal([]byte(v), l)
	default:
		return errors.New("domain: unsupported scan type for StringList")
	}
}
