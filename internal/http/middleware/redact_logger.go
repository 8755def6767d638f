// Request logging with redaction.
//
// RedactingLogger is the access logger for the chat API. Request metadata in
// a multi-tenant deployment is full of identifiers that must not reach the
// logs verbatim: conversation and message UUIDs in paths and query strings,
// the X-Org-ID / X-User-ID tenancy headers, idempotency keys, and whatever
// PII users paste into prompts that clients then echo into query parameters.
// Bodies are never logged; everything else is scrubbed before emission.
package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Patterns scrubbed from query strings and header values. UUIDs go first so
// the loose phone pattern cannot eat a UUID's digit runs.
var (
	redactUUIDRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	redactEmailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	redactPhoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

func redactText(s string) string {
	if s == "" {
		return s
	}
	out := redactUUIDRE.ReplaceAllString(s, "[REDACTED:id]")
	out = redactEmailRE.ReplaceAllString(out, "[REDACTED:email]")
	return redactPhoneRE.ReplaceAllString(out, "[REDACTED:phone]")
}

// RedactOptions configures extra scrub behavior for RedactingLogger.
//
// MaskHeaders lists additional HTTP header names whose values are replaced
// with "[REDACTED]" wholesale. Matching is case-insensitive and merged with
// the built-in set: Authorization, Cookie, Set-Cookie, the tenancy headers
// (X-Org-ID, X-User-ID), and Idempotency-Key.
type RedactOptions struct {
	MaskHeaders []string
}

// RedactingLogger returns a Gin middleware that logs one structured line per
// request: method, route, scrubbed query, status, response size, latency,
// and the scrubbed header map. Severity follows the status: INFO below 400,
// WARN for 4xx, ERROR for 5xx. The request id emitted by RequestID is
// attached so log lines correlate with traces and error envelopes.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	masked := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
	}
	builtin := []string{HeaderOrgID, HeaderUserID, HeaderIdempotencyKey}
	for _, h := range append(builtin, opts.MaskHeaders...) {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			masked[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		// Prefer the route pattern: "/conversations/:id/messages" carries no
		// tenant data, the concrete URL does.
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		safeQuery := redactText(c.Request.URL.RawQuery)

		safeHeaders := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := masked[strings.ToLower(k)]; ok {
				safeHeaders[k] = "[REDACTED]"
				continue
			}
			safeHeaders[k] = redactText(strings.Join(vv, ", "))
		}

		c.Next()

		status := c.Writer.Status()
		reqID := c.Writer.Header().Get("X-Request-ID")
		if reqID == "" {
			reqID = c.GetHeader("X-Request-ID")
		}

		ev := log.Info()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}
		ev.
			Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", safeQuery).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", safeHeaders).
			Msg("http_request")
	}
}
