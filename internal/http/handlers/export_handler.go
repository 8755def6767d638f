// Export HTTP handler.
//
// This file exposes conversation exports as downloadable artifacts:
//   - GET /conversations/{id}/export?format=json|markdown|txt|html|pdf
//
// Optional query parameters narrow the transcript: from/to (RFC 3339) bound
// the date range, include_system adds system turns, and the include_metadata,
// include_sources, include_timestamps, and title parameters tune the rendered
// output.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/knowflow/kb-chat-backend/internal/export"
	"github.com/knowflow/kb-chat-backend/internal/http/middleware"
)

// ExportConversation godoc
// @ID          exportConversation
// @Summary     Export a conversation
// @Description Renders the transcript in the requested format and serves it as a download.
// @Tags        Conversations
// @Produce     json
// @Produce     text/markdown
// @Produce     text/plain
// @Produce     text/html
// @Produce     application/pdf
//
// @Param       X-Org-ID        header  string  false "Organization ID (demo header)" example(acme)
// @Param       id              path    string  true  "Conversation ID (UUID)"        format(uuid)
// @Param       format          query   string  true  "Export format"                 Enums(json, markdown, txt, html, pdf)
// @Param       from            query   string  false "Include messages at or after this time (RFC 3339)"
// @Param       to              query   string  false "Include messages at or before this time (RFC 3339)"
// @Param       include_system  query   bool    false "Include system messages"       default(false)
// @Param       include_metadata   query bool   false "Include models, token totals, per-message metadata" default(true)
// @Param       include_sources    query bool   false "Include cited source excerpts" default(true)
// @Param       include_timestamps query bool   false "Include per-message timestamps" default(true)
// @Param       title              query string false "Custom document title (defaults to the conversation title)"
//
// @Success     200  {file}   file "Rendered export"
// @Failure     400  {object} handlers.ErrorResponse "Unsupported format or bad range"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /conversations/{id}/export [get]
func (h *Handlers) ExportConversation(c *gin.Context) {
	conversationID := c.Param("id")
	if !mustUUID(c, conversationID, "conversation") {
		return
	}

	opts := export.DefaultOptions(c.Query("format"))
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "from must be RFC 3339")
			return
		}
		opts.From = &t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "to must be RFC 3339")
			return
		}
		opts.To = &t
	}
	if v := c.Query("include_system"); v != "" {
		opts.IncludeSystem, _ = strconv.ParseBool(v)
	}
	if v := c.Query("include_metadata"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			opts.IncludeMetadata = b
		}
	}
	if v := c.Query("include_sources"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			opts.IncludeSources = b
		}
	}
	if v := c.Query("include_timestamps"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			opts.IncludeTimestamps = b
		}
	}
	opts.CustomTitle = c.Query("title")

	artifact, err := h.exporter.Export(c.Request.Context(), middleware.OrgID(c), conversationID, opts)
	if err != nil {
		switch {
		case errors.Is(err, export.ErrUnsupportedFormat):
			fail(c, http.StatusBadRequest, ErrCodeUnsupportedFormat, err.Error())
		case errors.Is(err, export.ErrConversationNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeExportFailed, err.Error())
		}
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+artifact.Filename+`"`)
	c.Data(http.StatusOK, artifact.ContentType, artifact.Data)
}
