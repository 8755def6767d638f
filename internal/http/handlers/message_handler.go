// Message HTTP handlers.
//
// This file exposes REST endpoints for conversation messages:
//   - GET  /conversations/{id}/messages            (list, paginated, ETag)
//   - POST /conversations/{id}/messages            (send; async assistant reply)
//   - POST /conversations/{id}/messages/{mid}/regenerate
//   - POST /conversations/{id}/stop                (abort in-flight generation)
//
// Sending is asynchronous: the handler returns 202 with the persisted user
// message and the assistant placeholder; the completed reply arrives on the
// event stream (see stream_handler.go) or a subsequent list.
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous successful
// result exists for (user, conversation, key), the handler returns the
// recorded messages and sets `Idempotency-Replayed: true`.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/knowflow/kb-chat-backend/internal/domain"
	"github.com/knowflow/kb-chat-backend/internal/http/middleware"
	"github.com/knowflow/kb-chat-backend/internal/repo"
	"github.com/knowflow/kb-chat-backend/internal/services"
)

//
// DTOs
//

// SendMessageRequest is the JSON payload for sending a user message.
//
// Content is normalized by the handler (line endings and excessive blank
// lines) before being passed to the orchestrator, which enforces the maximum
// rune count.
type SendMessageRequest struct {
	// Content is the user prompt. It must be non-empty.
	Content string `json:"content" binding:"required,min=1" example:"What is our parental leave policy?"`
	// SelectedKBIDs restricts retrieval to these knowledge bases for this
	// message only; empty means the conversation's configured scope.
	SelectedKBIDs []string `json:"selected_kb_ids,omitempty" example:"kb1,kb2"`
	// Model overrides the conversation's model for this message only.
	Model string `json:"model,omitempty" example:"gpt-4o"`
	// Temperature overrides the conversation's temperature for this message
	// only.
	Temperature *float64 `json:"temperature,omitempty" example:"0.2"`
}

// SendMessageResponse is the JSON envelope for an accepted send.
type SendMessageResponse struct {
	// UserMessage is the persisted user turn.
	UserMessage *domain.Message `json:"user_message"`
	// AssistantMessage is the placeholder the reply will land on.
	AssistantMessage *domain.Message `json:"assistant_message"`
}

// RegenerateResponse echoes the message flipped back to processing.
type RegenerateResponse struct {
	Message *domain.Message `json:"message"`
}

// StopResponse names the message whose generation was aborted.
type StopResponse struct {
	MessageID string `json:"message_id"`
}

// ListMessagesResponse contains a page of messages and pagination metadata.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

//
// Helpers
//

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes user text for consistent downstream behavior:
//   - converts CRLF/CR to LF,
//   - collapses runs of 3+ LFs to exactly two (paragraph separation),
//   - trims surrounding whitespace.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

//
// Handlers
//

// SendMessage godoc
// @ID          sendMessage
// @Summary     Send a message
// @Description Persists the user message and an assistant placeholder, then processes asynchronously.
// @Description Supports idempotency via the Idempotency-Key header (same key → same result).
// @Tags        Messages
// @Accept      json
// @Produce     json
//
// @Param       X-Org-ID         header  string  false "Organization ID (demo header)" example(acme)
// @Param       X-User-ID        header  string  false "User ID (demo header)"         example(user123)
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)"
// @Param       id               path    string  true  "Conversation ID (UUID)"        format(uuid)
// @Param       body             body    handlers.SendMessageRequest  true  "User message payload"
//
// @Success     202  {object}  handlers.SendMessageResponse  "Accepted"
// @Failure     400  {object}  handlers.ErrorResponse        "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse        "Conversation not found"
// @Failure     409  {object}  handlers.ErrorResponse        "A message is already processing"
// @Failure     500  {object}  handlers.ErrorResponse        "Internal error"
// @Router      /conversations/{id}/messages [post]
func (h *Handlers) SendMessage(c *gin.Context) {
	ctx := c.Request.Context()
	conversationID := c.Param("id")
	if !mustUUID(c, conversationID, "conversation") {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	content := sanitizeContent(req.Content)
	if content == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	maxRunes := h.orch.Cfg.MaxPromptRunes
	if maxRunes > 0 && utf8.RuneCountInString(content) > maxRunes {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", maxRunes))
		return
	}

	org, uid := middleware.OrgID(c), middleware.UserID(c)

	// Idempotency (replay path): read validated key if present.
	idemKey, _ := middleware.GetIdempotencyKey(c)
	if idemKey != "" {
		if rec, err := repo.GetIdempotency(ctx, h.db, uid, conversationID, idemKey, time.Now().UTC()); err == nil && rec != nil {
			if prev, err2 := repo.GetMessage(h.db, rec.MessageID); err2 == nil {
				var userMsg *domain.Message
				if rec.UserMessageID != "" {
					userMsg, _ = repo.GetMessage(h.db, rec.UserMessageID)
				}
				c.Header("Idempotency-Replayed", "true")
				ok(c, http.StatusAccepted, SendMessageResponse{UserMessage: userMsg, AssistantMessage: prev})
				return
			}
		}
	}

	res, err := h.orch.SendMessage(ctx, org, uid, conversationID, content, services.SendOptions{
		KBScope:     req.SelectedKBIDs,
		Model:       req.Model,
		Temperature: req.Temperature,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrConversationNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		case errors.Is(err, services.ErrEmptyPrompt):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		case errors.Is(err, services.ErrPromptTooLong):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", maxRunes))
		case errors.Is(err, services.ErrMessageInFlight):
			fail(c, http.StatusConflict, ErrCodeMessageInFlight, "a message is already being processed for this conversation")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeSendFailed, err.Error())
		}
		return
	}

	// Sending consumes the compose buffer.
	if h.drafts != nil {
		if derr := h.drafts.Clear(ctx, org, uid, conversationID); derr != nil {
			middleware.LoggerFrom(c).Warn().Err(derr).Msg("draft clear after send failed")
		}
	}

	// Idempotency (store path): best effort.
	if idemKey != "" {
		_, _ = repo.CreateIdempotency(ctx, h.db, uid, conversationID, idemKey,
			res.UserMessage.ID, res.AssistantMessage.ID, http.StatusAccepted, 24*time.Hour)
	}

	ok(c, http.StatusAccepted, SendMessageResponse{
		UserMessage:      res.UserMessage,
		AssistantMessage: res.AssistantMessage,
	})
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List messages in a conversation
// @Description Returns a paginated list of messages, oldest first, with sources attached.
// @Tags        Messages
// @Produce     json
//
// @Param       X-Org-ID   header string  false "Organization ID (demo header)" example(acme)
// @Param       id         path   string  true  "Conversation ID (UUID)"        format(uuid)
// @Param       page       query  int     false "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListMessagesResponse
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Router      /conversations/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	conversationID := c.Param("id")
	if !mustUUID(c, conversationID, "conversation") {
		return
	}

	if _, err := h.convSvc.Get(ctx, middleware.OrgID(c), conversationID); err != nil {
		if errors.Is(err, services.ErrConversationNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	// ETag pre-check (best effort).
	if count, maxTS, err := repo.MessagesStats(ctx, h.db, conversationID); err == nil {
		var ts int64
		if maxTS != nil {
			ts = maxTS.Unix()
		}
		etag := fmt.Sprintf(`W/"messages:%s:%d:%d"`, conversationID, count, ts)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	page, pageSize := clampPagination(c)

	total, err := repo.CountMessages(h.db.WithContext(ctx), conversationID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	items, err := repo.ListMessagesPage(h.db.WithContext(ctx), conversationID, (page-1)*pageSize, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// RegenerateMessage godoc
// @ID          regenerateMessage
// @Summary     Regenerate an assistant message
// @Description Re-runs generation for an existing assistant message. The message is reset to an
// @Description empty processing state; on failure it flips to error status and offers a retry.
// @Tags        Messages
// @Produce     json
//
// @Param       X-Org-ID  header  string  false "Organization ID (demo header)" example(acme)
// @Param       id        path    string  true  "Conversation ID (UUID)"        format(uuid)
// @Param       mid       path    string  true  "Message ID (UUID)"             format(uuid)
//
// @Success     202  {object} handlers.RegenerateResponse "Accepted"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Not found"
// @Failure     409  {object} handlers.ErrorResponse "A message is already processing"
// @Failure     422  {object} handlers.ErrorResponse "Message cannot be regenerated"
// @Router      /conversations/{id}/messages/{mid}/regenerate [post]
func (h *Handlers) RegenerateMessage(c *gin.Context) {
	conversationID := c.Param("id")
	messageID := c.Param("mid")
	if !mustUUID(c, conversationID, "conversation") || !mustUUID(c, messageID, "message") {
		return
	}

	m, err := h.orch.Regenerate(c.Request.Context(),
		middleware.OrgID(c), middleware.UserID(c), conversationID, messageID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrConversationNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		case errors.Is(err, services.ErrMessageNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "message not found")
		case errors.Is(err, services.ErrNotAssistantMessage):
			fail(c, http.StatusUnprocessableEntity, ErrCodeBadRequest, "only assistant messages can be regenerated")
		case errors.Is(err, services.ErrRegenerateNotAllowed):
			fail(c, http.StatusUnprocessableEntity, ErrCodeBadRequest, "regeneration is only allowed for the latest assistant message")
		case errors.Is(err, services.ErrMessageInFlight):
			fail(c, http.StatusConflict, ErrCodeMessageInFlight, "a message is already being processed for this conversation")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeRegenerateFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusAccepted, RegenerateResponse{Message: m})
}

// StopGeneration godoc
// @ID          stopGeneration
// @Summary     Stop in-flight generation
// @Description Aborts the active generation of a conversation; the assistant message settles as cancelled.
// @Tags        Messages
// @Produce     json
//
// @Param       X-Org-ID  header  string  false "Organization ID (demo header)" example(acme)
// @Param       id        path    string  true  "Conversation ID (UUID)"        format(uuid)
//
// @Success     200  {object} handlers.StopResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Nothing to stop"
// @Router      /conversations/{id}/stop [post]
func (h *Handlers) StopGeneration(c *gin.Context) {
	conversationID := c.Param("id")
	if !mustUUID(c, conversationID, "conversation") {
		return
	}

	messageID, err := h.orch.Stop(c.Request.Context(), middleware.OrgID(c), conversationID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrConversationNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		case errors.Is(err, services.ErrMessageNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "no generation in progress")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, StopResponse{MessageID: messageID})
}
