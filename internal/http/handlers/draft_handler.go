// Draft HTTP handlers.
//
// This file exposes the server-side compose buffer:
//   - GET    /conversations/{id}/draft  (load; 204 when absent or expired)
//   - PUT    /conversations/{id}/draft  (debounced upsert)
//   - DELETE /conversations/{id}/draft  (clear)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/knowflow/kb-chat-backend/internal/http/middleware"
)

// UpdateDraftRequest is the JSON payload for saving a compose buffer.
type UpdateDraftRequest struct {
	// Text is the current compose box content. Empty or all-whitespace text
	// clears the draft.
	Text string `json:"text" example:"Could you summarize the"`
	// KBScope snapshots the knowledge-base selection alongside the text.
	KBScope []string `json:"kb_scope" example:"kb-handbook"`
}

// DraftResponse is the stored compose buffer.
type DraftResponse struct {
	Text      string   `json:"text"`
	KBScope   []string `json:"kb_scope,omitempty"`
	UpdatedAt string   `json:"updated_at"`
}

// GetDraft godoc
// @ID          getDraft
// @Summary     Load the draft for a conversation
// @Description Returns the compose buffer; 204 when none exists or it has expired.
// @Tags        Drafts
// @Produce     json
//
// @Param       X-Org-ID   header  string  false "Organization ID (demo header)" example(acme)
// @Param       X-User-ID  header  string  false "User ID (demo header)"         example(user123)
// @Param       id         path    string  true  "Conversation ID (UUID)"        format(uuid)
//
// @Success     200  {object} handlers.DraftResponse
// @Success     204  {string} string "No draft"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Router      /conversations/{id}/draft [get]
func (h *Handlers) GetDraft(c *gin.Context) {
	conversationID := c.Param("id")
	if !mustUUID(c, conversationID, "conversation") {
		return
	}

	d, err := h.drafts.Load(c.Request.Context(), middleware.OrgID(c), middleware.UserID(c), conversationID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeDraftFailed, err.Error())
		return
	}
	if d == nil {
		noContent(c)
		return
	}
	ok(c, http.StatusOK, DraftResponse{
		Text:      d.Text,
		KBScope:   d.KBScope,
		UpdatedAt: d.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	})
}

// UpdateDraft godoc
// @ID          updateDraft
// @Summary     Save the draft for a conversation
// @Description Debounced last-write-wins upsert of the compose buffer. Empty text clears it.
// @Tags        Drafts
// @Accept      json
// @Produce     json
//
// @Param       X-Org-ID   header  string  false "Organization ID (demo header)" example(acme)
// @Param       X-User-ID  header  string  false "User ID (demo header)"         example(user123)
// @Param       id         path    string  true  "Conversation ID (UUID)"        format(uuid)
// @Param       body       body    handlers.UpdateDraftRequest  true  "Draft payload"
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Router      /conversations/{id}/draft [put]
func (h *Handlers) UpdateDraft(c *gin.Context) {
	conversationID := c.Param("id")
	if !mustUUID(c, conversationID, "conversation") {
		return
	}

	var req UpdateDraftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	org, uid := middleware.OrgID(c), middleware.UserID(c)
	if req.Text == "" {
		if err := h.drafts.Clear(c.Request.Context(), org, uid, conversationID); err != nil {
			fail(c, http.StatusInternalServerError, ErrCodeDraftFailed, err.Error())
			return
		}
		noContent(c)
		return
	}

	if err := h.drafts.Update(org, uid, conversationID, req.Text, req.KBScope); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeDraftFailed, err.Error())
		return
	}
	noContent(c)
}

// DeleteDraft godoc
// @ID          deleteDraft
// @Summary     Clear the draft for a conversation
// @Tags        Drafts
// @Produce     json
//
// @Param       X-Org-ID   header  string  false "Organization ID (demo header)" example(acme)
// @Param       X-User-ID  header  string  false "User ID (demo header)"         example(user123)
// @Param       id         path    string  true  "Conversation ID (UUID)"        format(uuid)
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Router      /conversations/{id}/draft [delete]
func (h *Handlers) DeleteDraft(c *gin.Context) {
	conversationID := c.Param("id")
	if !mustUUID(c, conversationID, "conversation") {
		return
	}
	if err := h.drafts.Clear(c.Request.Context(), middleware.OrgID(c), middleware.UserID(c), conversationID); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeDraftFailed, err.Error())
		return
	}
	noContent(c)
}
