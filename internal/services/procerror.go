// Processing-error classification.
//
// This file turns the opaque failures that can surface while a message is
// being processed (dispatcher reasons, storage errors) into a structured
// ProcessingError: category, severity, recoverability, and user-facing
// guidance. Classifications are computed fresh per failure and are never
// persisted verbatim; only the resulting user message and the fallback
// flag end up on the Message row.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/knowflow/kb-chat-backend/internal/webhook"
)

// Error categories for processing failures.
const (
	CategoryWebhook   = "webhook"
	CategoryParsing   = "parsing"
	CategoryEmbedding = "embedding"
	CategoryStorage   = "storage"
	CategoryNetwork   = "network"
	CategorySystem    = "system"
)

// Severities, coarse-grained on purpose: they drive log levels and nothing
// else.
const (
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// ProcessingError is the derived classification of a failure surfaced
// during message processing.
type ProcessingError struct {
	Code        string   `json:"code"`
	Category    string   `json:"category"`
	Severity    string   `json:"severity"`
	Recoverable bool     `json:"recoverable"`
	Retryable   bool     `json:"retryable"`
	UserMessage string   `json:"user_message"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// ClassifyDispatchReason maps a dispatcher failure reason to a
// ProcessingError.
func ClassifyDispatchReason(reason string) ProcessingError {
	switch {
	case reason == webhook.ReasonNotConfigured:
		return ProcessingError{
			Code:        "webhook_not_configured",
			Category:    CategoryWebhook,
			Severity:    SeverityWarning,
			Recoverable: true,
			Retryable:   false,
			UserMessage: "The assistant is not fully set up for this workspace yet.",
			Suggestions: []string{"Ask an administrator to configure the processing endpoint."},
		}
	case reason == webhook.ReasonTimeout:
		return ProcessingError{
			Code:        "dispatch_timeout",
			Category:    CategoryNetwork,
			Severity:    SeverityError,
			Recoverable: true,
			Retryable:   true,
			UserMessage: "The assistant took too long to respond.",
			Suggestions: []string{"Try again in a moment."},
		}
	case strings.HasPrefix(reason, "transport:"):
		return ProcessingError{
			Code:        "dispatch_transport",
			Category:    CategoryNetwork,
			Severity:    SeverityError,
			Recoverable: true,
			Retryable:   true,
			UserMessage: "The assistant could not be reached.",
			Suggestions: []string{"Check your connection and try again."},
		}
	case strings.HasPrefix(reason, "http_"):
		return ProcessingError{
			Code:        "dispatch_" + reason,
			Category:    CategoryWebhook,
			Severity:    SeverityError,
			Recoverable: true,
			Retryable:   true,
			UserMessage: "The assistant service returned an error.",
			Suggestions: []string{"Try again; if the problem persists, contact support."},
		}
	case strings.HasPrefix(reason, "workflow:"):
		return ProcessingError{
			Code:        "workflow_failed",
			Category:    CategoryWebhook,
			Severity:    SeverityError,
			Recoverable: true,
			Retryable:   true,
			UserMessage: "The assistant ran into a problem while preparing an answer.",
			Suggestions: []string{"Try rephrasing your question or regenerate the response."},
		}
	case reason == webhook.ReasonMalformed:
		return ProcessingError{
			Code:        "malformed_response",
			Category:    CategoryParsing,
			Severity:    SeverityError,
			Recoverable: false,
			Retryable:   false,
			UserMessage: "The assistant returned an answer that could not be read.",
			Suggestions: []string{"Try asking differently."},
		}
	default:
		return ProcessingError{
			Code:        "dispatch_failed",
			Category:    CategorySystem,
			Severity:    SeverityError,
			Recoverable: true,
			Retryable:   true,
			UserMessage: "Something went wrong while processing your message.",
		}
	}
}

// ClassifyError maps a Go error from a non-dispatch code path (storage,
// context) to a ProcessingError.
func ClassifyError(err error) ProcessingError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ClassifyDispatchReason(webhook.ReasonTimeout)
	case errors.Is(err, context.Canceled):
		return ProcessingError{
			Code:        "cancelled",
			Category:    CategorySystem,
			Severity:    SeverityWarning,
			Recoverable: true,
			Retryable:   true,
			UserMessage: "Generation was stopped.",
		}
	default:
		return ProcessingError{
			Code:        "storage_failed",
			Category:    CategoryStorage,
			Severity:    SeverityCritical,
			Recoverable: false,
			Retryable:   false,
			UserMessage: "Your message could not be saved.",
			Suggestions: []string{"Reload and try again."},
		}
	}
}

// FallbackContent builds the user-legible assistant text written when a
// dispatch fails. It always references the original prompt so the failed
// turn never silently disappears.
func FallbackContent(prompt string, pe ProcessingError) string {
	const maxEcho = 200
	if utf8.RuneCountInString(prompt) > maxEcho {
		prompt = string([]rune(prompt)[:maxEcho]) + "…"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "I couldn't generate a response to %q right now. %s", prompt, pe.UserMessage)
	for _, s := range pe.Suggestions {
		b.WriteString(" ")
		b.WriteString(s)
	}
	return b.String()
}
