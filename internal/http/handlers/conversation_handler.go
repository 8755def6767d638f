// Conversation HTTP handlers.
//
// This file exposes REST endpoints for conversation resources:
//   - POST   /conversations             (create)
//   - GET    /conversations             (list, paginated, ETag support)
//   - GET    /conversations/{id}        (fetch one)
//   - PUT    /conversations/{id}/title  (rename)
//   - DELETE /conversations/{id}        (soft delete)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/knowflow/kb-chat-backend/internal/domain"
	"github.com/knowflow/kb-chat-backend/internal/export"
	"github.com/knowflow/kb-chat-backend/internal/http/middleware"
	"github.com/knowflow/kb-chat-backend/internal/realtime"
	"github.com/knowflow/kb-chat-backend/internal/repo"
	"github.com/knowflow/kb-chat-backend/internal/services"
	"github.com/knowflow/kb-chat-backend/internal/utils"
	"github.com/knowflow/kb-chat-backend/internal/webhook"
)

//
// Handler wiring
//

// Handlers groups the HTTP endpoints of the public API. It depends on the
// concrete service types; transport logic stays thin and the services carry
// the business rules.
type Handlers struct {
	db       *gorm.DB
	convSvc  *services.ConversationService
	orch     *services.Orchestrator
	drafts   *services.DraftStore
	tplSvc   *services.TemplateService
	fbSvc    *services.FeedbackService
	exporter *export.Engine
	hub      *realtime.Hub
	engine   *webhook.Dispatcher
	fanout   *webhook.Fanout
}

// New constructs a Handlers instance bound to the given collaborators.
func New(
	db *gorm.DB,
	convSvc *services.ConversationService,
	orch *services.Orchestrator,
	drafts *services.DraftStore,
	tplSvc *services.TemplateService,
	fbSvc *services.FeedbackService,
	exporter *export.Engine,
	hub *realtime.Hub,
	engine *webhook.Dispatcher,
	fanout *webhook.Fanout,
) *Handlers {
	return &Handlers{
		db:       db,
		convSvc:  convSvc,
		orch:     orch,
		drafts:   drafts,
		tplSvc:   tplSvc,
		fbSvc:    fbSvc,
		exporter: exporter,
		hub:      hub,
		engine:   engine,
		fanout:   fanout,
	}
}

//
// DTOs
//

// CreateConversationRequest is the JSON payload for creating a conversation.
type CreateConversationRequest struct {
	// Title optionally names the conversation; a default is used when empty.
	Title string `json:"title" example:"Q3 report questions"`
	// KBScope restricts retrieval to the given knowledge bases.
	KBScope []string `json:"kb_scope" example:"kb-handbook,kb-policies"`
	// Model optionally overrides the default model.
	Model string `json:"model" example:"gpt-4o-mini"`
	// Temperature optionally tunes generation randomness.
	Temperature float64 `json:"temperature" example:"0.2"`
}

// UpdateConversationTitleRequest is the JSON payload for renaming.
type UpdateConversationTitleRequest struct {
	// Title is the new conversation name (1-100 chars).
	Title string `json:"title" binding:"required,min=1,max=100" example:"Onboarding checklist"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListConversationsResponse wraps a page of conversations and pagination info.
type ListConversationsResponse struct {
	Conversations []domain.Conversation `json:"conversations"`
	Pagination    Pagination            `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiInRange(c.Query("page"), defaultPage, 1, 1<<30)
	pageSize = utils.AtoiInRange(c.Query("page_size"), defaultPageSize, 1, maxPageSize)
	return
}

// mustUUID validates a path id, failing the request when malformed.
func mustUUID(c *gin.Context, id, what string) bool {
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, what+" id must be a UUID")
		return false
	}
	return true
}

//
// Handlers
//

// CreateConversation godoc
// @ID          createConversation
// @Summary     Create a new conversation
// @Description Creates a conversation for the current user and returns the resource.
// @Tags        Conversations
// @Accept      json
// @Produce     json
//
// @Param       X-Org-ID   header  string  false "Organization ID (demo header)" example(acme)
// @Param       X-User-ID  header  string  false "User ID (demo header)"         example(user123)
// @Param       body       body    handlers.CreateConversationRequest  true  "Create payload"
//
// @Success     201  {object}  domain.Conversation
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations [post]
func (h *Handlers) CreateConversation(c *gin.Context) {
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	conv, err := h.convSvc.Create(c.Request.Context(),
		middleware.OrgID(c), middleware.UserID(c),
		strings.TrimSpace(req.Title), req.KBScope, req.Model, req.Temperature)
	if err != nil {
		if errors.Is(err, services.ErrTitleTooLong) {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "title too long: max 100 chars")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		return
	}
	ok(c, http.StatusCreated, conv)
}

// ListConversations godoc
// @ID          listConversations
// @Summary     List conversations (paginated)
// @Description Returns a page of the user's conversations. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-Org-ID       header  string  false "Organization ID (demo header)" example(acme)
// @Param       X-User-ID      header  string  false "User ID (demo header)"         example(user123)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListConversationsResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /conversations [get]
func (h *Handlers) ListConversations(c *gin.Context) {
	ctx := c.Request.Context()
	org, uid := middleware.OrgID(c), middleware.UserID(c)
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort).
	if count, maxTS, err := repo.ConversationsStats(ctx, h.db, org, uid); err == nil {
		var ts int64
		if maxTS != nil {
			ts = maxTS.Unix()
		}
		etag := fmt.Sprintf(`W/"conversations:%s:%s:%d:%d"`, org, uid, count, ts)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	items, total, err := h.convSvc.ListPage(ctx, org, uid, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListConversationsResponse{
		Conversations: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// GetConversation godoc
// @ID          getConversation
// @Summary     Fetch a conversation
// @Tags        Conversations
// @Produce     json
//
// @Param       X-Org-ID  header  string  false "Organization ID (demo header)" example(acme)
// @Param       id        path    string  true  "Conversation ID (UUID)"        format(uuid)
//
// @Success     200  {object} domain.Conversation
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Router      /conversations/{id} [get]
func (h *Handlers) GetConversation(c *gin.Context) {
	id := c.Param("id")
	if !mustUUID(c, id, "conversation") {
		return
	}
	conv, err := h.convSvc.Get(c.Request.Context(), middleware.OrgID(c), id)
	if err != nil {
		if errors.Is(err, services.ErrConversationNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, conv)
}

// UpdateConversationTitle godoc
// @ID          updateConversationTitle
// @Summary     Rename a conversation
// @Tags        Conversations
// @Accept      json
// @Produce     json
//
// @Param       X-Org-ID  header  string  false "Organization ID (demo header)" example(acme)
// @Param       id        path    string  true  "Conversation ID (UUID)"        format(uuid)
// @Param       body      body    handlers.UpdateConversationTitleRequest true "New title"
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Router      /conversations/{id}/title [put]
func (h *Handlers) UpdateConversationTitle(c *gin.Context) {
	id := c.Param("id")
	if !mustUUID(c, id, "conversation") {
		return
	}

	var req UpdateConversationTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "title required (1-100 chars)")
		return
	}

	err := h.convSvc.UpdateTitle(c.Request.Context(), middleware.OrgID(c), id, req.Title)
	switch {
	case err == nil:
		noContent(c)
	case errors.Is(err, services.ErrTitleTooLong):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "title too long: max 100 chars")
	case errors.Is(err, services.ErrConversationNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

// DeleteConversation godoc
// @ID          deleteConversation
// @Summary     Delete a conversation
// @Description Soft-deletes the conversation; history is retained but hidden from all listings.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-Org-ID  header  string  false "Organization ID (demo header)" example(acme)
// @Param       id        path    string  true  "Conversation ID (UUID)"        format(uuid)
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Router      /conversations/{id} [delete]
func (h *Handlers) DeleteConversation(c *gin.Context) {
	id := c.Param("id")
	if !mustUUID(c, id, "conversation") {
		return
	}
	err := h.convSvc.Delete(c.Request.Context(), middleware.OrgID(c), id)
	switch {
	case err == nil:
		noContent(c)
	case errors.Is(err, services.ErrConversationNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}
