// Package webhook talks to the external workflow engine that computes
// assistant replies, and fans application events out to organization-
// configured automation targets.
//
// This file implements the Dispatcher: a single outbound POST per send or
// regenerate, with a bounded timeout. Whatever happens on the wire, the
// result is normalized into an Outcome. The dispatcher never retries;
// retries are a user-initiated regenerate. Turning a failed Outcome into
// user-facing fallback text is the orchestrator's job, not ours.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/knowflow/kb-chat-backend/internal/config"
	"github.com/knowflow/kb-chat-backend/internal/domain"
)

// Machine-readable failure reasons carried on Outcome.Reason. The
// orchestrator classifies these; clients never see them directly.
const (
	ReasonNotConfigured = "not_configured"
	ReasonTimeout       = "timeout"
	ReasonCancelled     = "cancelled"
	ReasonMalformed     = "malformed_response"
)

// HistoryEntry is one prior turn included for context-window construction.
type HistoryEntry struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ModelConfig is the model selection forwarded with a dispatch.
type ModelConfig struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// Payload is the full processing request sent to the workflow engine.
type Payload struct {
	ConversationID string         `json:"conversation_id"`
	MessageID      string         `json:"message_id"`
	Prompt         string         `json:"prompt"`
	OrgID          string         `json:"org_id"`
	UserID         string         `json:"user_id"`
	KBScope        []string       `json:"kb_scope,omitempty"`
	Model          ModelConfig    `json:"model_config"`
	History        []HistoryEntry `json:"history,omitempty"`
	Regenerate     bool           `json:"regenerate,omitempty"`
}

// Outcome is the normalized result of one dispatch. Exactly one of the two
// shapes is meaningful: OK carries content/sources/metadata; !OK carries a
// machine-readable Reason.
type Outcome struct {
	OK       bool
	Content  string
	Sources  []domain.Source
	Metadata domain.MessageMetadata
	Reason   string
}

// engineResponse is the wire shape the workflow engine replies with.
type engineResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Content  string `json:"content"`
		Sources  []struct {
			DocumentName string  `json:"document_name"`
			Chunk        string  `json:"chunk"`
			Confidence   float64 `json:"confidence"`
			FileID       string  `json:"file_id"`
		} `json:"sources"`
		Metadata map[string]any `json:"metadata"`
	} `json:"data"`
	Error  string `json:"error"`
	Status string `json:"status"`
}

// Dispatcher submits processing requests to the workflow engine.
// Safe for concurrent use.
type Dispatcher struct {
	url    string
	secret string
	client *http.Client
	log    zerolog.Logger
}

// NewDispatcher builds a Dispatcher from configuration. An empty URL is
// allowed: every Submit then fails fast with ReasonNotConfigured so the
// orchestrator's fallback path still runs deterministically.
func NewDispatcher(cfg config.WebhookConfig, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

// Submit sends one processing request and normalizes the result. It never
// returns a Go error: timeouts, transport failures, non-2xx statuses,
// malformed bodies, and engine-reported failures all become a failed
// Outcome with a machine-readable reason.
func (d *Dispatcher) Submit(ctx context.Context, p Payload) Outcome {
	start := time.Now()
	out := d.submit(ctx, p)
	dispatchDuration.Observe(time.Since(start).Seconds())
	if out.OK {
		dispatchTotal.WithLabelValues("success").Inc()
	} else {
		dispatchTotal.WithLabelValues(out.Reason).Inc()
		d.log.Warn().
			Str("conversation_id", p.ConversationID).
			Str("message_id", p.MessageID).
			Str("reason", out.Reason).
			Msg("dispatch failed")
	}
	return out
}

func (d *Dispatcher) submit(ctx context.Context, p Payload) Outcome {
	if strings.TrimSpace(d.url) == "" {
		return Outcome{Reason: ReasonNotConfigured}
	}

	body, err := json.Marshal(p)
	if err != nil {
		return Outcome{Reason: fmt.Sprintf("encode: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return Outcome{Reason: fmt.Sprintf("request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if d.secret != "" {
		req.Header.Set("Authorization", "Bearer "+d.secret)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return Outcome{Reason: ReasonCancelled}
		case errors.Is(err, context.DeadlineExceeded):
			return Outcome{Reason: ReasonTimeout}
		}
		// The http.Client timeout surfaces as a url.Error with Timeout()=true.
		var ue interface{ Timeout() bool }
		if errors.As(err, &ue) && ue.Timeout() {
			return Outcome{Reason: ReasonTimeout}
		}
		return Outcome{Reason: fmt.Sprintf("transport: %v", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Outcome{Reason: fmt.Sprintf("transport: %v", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Outcome{Reason: fmt.Sprintf("http_%d", resp.StatusCode)}
	}

	var er engineResponse
	if err := json.Unmarshal(raw, &er); err != nil {
		return Outcome{Reason: ReasonMalformed}
	}
	if !er.Success {
		reason := er.Error
		if reason == "" {
			reason = er.Status
		}
		if reason == "" {
			reason = "unspecified"
		}
		return Outcome{Reason: "workflow: " + reason}
	}
	if strings.TrimSpace(er.Data.Content) == "" {
		return Outcome{Reason: ReasonMalformed}
	}

	sources := make([]domain.Source, 0, len(er.Data.Sources))
	for _, s := range er.Data.Sources {
		sources = append(sources, domain.Source{
			DocumentName: s.DocumentName,
			Chunk:        s.Chunk,
			Confidence:   clampConfidence(s.Confidence),
			FileID:       s.FileID,
		})
	}

	return Outcome{
		OK:       true,
		Content:  er.Data.Content,
		Sources:  sources,
		Metadata: metadataFromMap(er.Data.Metadata),
	}
}

// Probe checks that the configured endpoint is reachable. It is idempotent
// and side-effect-free: a HEAD request that treats any HTTP response as
// reachable. Used only for administrative diagnostics.
func (d *Dispatcher) Probe(ctx context.Context) error {
	if strings.TrimSpace(d.url) == "" {
		return errors.New("webhook endpoint not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, d.url, nil)
	if err != nil {
		return err
	}
	if d.secret != "" {
		req.Header.Set("Authorization", "Bearer "+d.secret)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook endpoint unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

// metadataFromMap lifts the engine's open metadata map into the typed bag,
// keeping unknown keys in Extra.
func metadataFromMap(m map[string]any) domain.MessageMetadata {
	var md domain.MessageMetadata
	if len(m) == 0 {
		return md
	}
	extra := make(map[string]any)
	for k, v := range m {
		switch k {
		case "model":
			if s, ok := v.(string); ok {
				md.Model = s
				continue
			}
		case "tokens_used":
			if f, ok := v.(float64); ok {
				md.TokensUsed = int(f)
				continue
			}
		case "processing_time_ms":
			if f, ok := v.(float64); ok {
				md.ProcessingTimeMs = int64(f)
				continue
			}
		case "temperature":
			if f, ok := v.(float64); ok {
				md.Temperature = &f
				continue
			}
		}
		extra[k] = v
	}
	if len(extra) > 0 {
		md.Extra = extra
	}
	return md
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
