// Webhook administration HTTP handlers.
//
// This file exposes the organization automation registry:
//   - GET   /webhooks                       (list org endpoints)
//   - POST  /webhooks                       (register an endpoint)
//   - PUT   /webhooks/{id}/enabled          (toggle)
//   - GET   /webhooks/{id}/deliveries       (recent delivery log)
//   - POST  /webhooks/probe                 (check the workflow engine)
//
// The probe targets the primary dispatch endpoint (the workflow engine), not
// the org fan-out targets; it is side-effect-free.
package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/knowflow/kb-chat-backend/internal/domain"
	"github.com/knowflow/kb-chat-backend/internal/http/middleware"
	"github.com/knowflow/kb-chat-backend/internal/repo"
	"github.com/knowflow/kb-chat-backend/internal/utils"
	"github.com/knowflow/kb-chat-backend/internal/webhook"
)

//
// DTOs
//

// CreateWebhookRequest registers an automation target for an event.
type CreateWebhookRequest struct {
	// Event is the trigger, e.g. "chat_message_sent" or "chat_message_completed".
	Event string `json:"event" binding:"required" example:"chat_message_sent"`
	// URL receives a JSON POST per event.
	URL string `json:"url" binding:"required" example:"https://hooks.example.com/chat"`
}

// SetWebhookEnabledRequest toggles an endpoint.
type SetWebhookEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// ListWebhooksResponse wraps an org's configured endpoints.
type ListWebhooksResponse struct {
	Webhooks []domain.WebhookEndpoint `json:"webhooks"`
}

// ListDeliveriesResponse wraps an endpoint's recent delivery attempts.
type ListDeliveriesResponse struct {
	Deliveries []domain.WebhookDelivery `json:"deliveries"`
}

// ProbeResponse reports workflow-engine reachability.
type ProbeResponse struct {
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

// knownEvents guards against typo'd event names at registration time.
var knownEvents = map[string]struct{}{
	webhook.EventChatMessageSent:      {},
	webhook.EventChatMessageCompleted: {},
}

//
// Handlers
//

// ListWebhooks godoc
// @ID          listWebhooks
// @Summary     List organization webhooks
// @Tags        Webhooks
// @Produce     json
//
// @Param       X-Org-ID  header  string  false "Organization ID (demo header)" example(acme)
//
// @Success     200  {object} handlers.ListWebhooksResponse
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /webhooks [get]
func (h *Handlers) ListWebhooks(c *gin.Context) {
	items, err := repo.ListOrgWebhookEndpoints(c.Request.Context(), h.db, middleware.OrgID(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListWebhooksResponse{Webhooks: items})
}

// CreateWebhook godoc
// @ID          createWebhook
// @Summary     Register an organization webhook
// @Tags        Webhooks
// @Accept      json
// @Produce     json
//
// @Param       X-Org-ID  header  string  false "Organization ID (demo header)" example(acme)
// @Param       body      body    handlers.CreateWebhookRequest  true  "Webhook payload"
//
// @Success     201  {object} domain.WebhookEndpoint
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Router      /webhooks [post]
func (h *Handlers) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "event and url required")
		return
	}
	event := strings.TrimSpace(req.Event)
	if _, known := knownEvents[event]; !known {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown event")
		return
	}
	u, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "url must be absolute http(s)")
		return
	}

	ep, err := repo.CreateWebhookEndpoint(c.Request.Context(), h.db, middleware.OrgID(c), event, u.String())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		return
	}
	ok(c, http.StatusCreated, ep)
}

// SetWebhookEnabled godoc
// @ID          setWebhookEnabled
// @Summary     Enable or disable a webhook
// @Tags        Webhooks
// @Accept      json
// @Produce     json
//
// @Param       X-Org-ID  header  string  false "Organization ID (demo header)" example(acme)
// @Param       id        path    string  true  "Webhook ID (UUID)"             format(uuid)
// @Param       body      body    handlers.SetWebhookEnabledRequest  true  "Toggle payload"
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Webhook not found"
// @Router      /webhooks/{id}/enabled [put]
func (h *Handlers) SetWebhookEnabled(c *gin.Context) {
	id := c.Param("id")
	if !mustUUID(c, id, "webhook") {
		return
	}
	var req SetWebhookEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "enabled required")
		return
	}
	err := repo.SetWebhookEndpointEnabled(c.Request.Context(), h.db, id, middleware.OrgID(c), *req.Enabled)
	switch {
	case err == nil:
		noContent(c)
	case errors.Is(err, gorm.ErrRecordNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "webhook not found")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

// ListWebhookDeliveries godoc
// @ID          listWebhookDeliveries
// @Summary     List recent delivery attempts for a webhook
// @Tags        Webhooks
// @Produce     json
//
// @Param       X-Org-ID  header  string  false "Organization ID (demo header)" example(acme)
// @Param       id        path    string  true  "Webhook ID (UUID)"             format(uuid)
// @Param       limit     query   int     false "Max entries"                   default(50)
//
// @Success     200  {object} handlers.ListDeliveriesResponse
// @Failure     404  {object} handlers.ErrorResponse "Webhook not found"
// @Router      /webhooks/{id}/deliveries [get]
func (h *Handlers) ListWebhookDeliveries(c *gin.Context) {
	id := c.Param("id")
	if !mustUUID(c, id, "webhook") {
		return
	}

	// Ownership check: the endpoint must belong to the caller's org.
	owned := false
	eps, err := repo.ListOrgWebhookEndpoints(c.Request.Context(), h.db, middleware.OrgID(c))
	if err == nil {
		for _, ep := range eps {
			if ep.ID == id {
				owned = true
				break
			}
		}
	}
	if !owned {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "webhook not found")
		return
	}

	limit := utils.AtoiInRange(c.Query("limit"), 50, 1, 200)
	items, err := repo.ListWebhookDeliveries(c.Request.Context(), h.db, id, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListDeliveriesResponse{Deliveries: items})
}

// ProbeWebhook godoc
// @ID          probeWebhook
// @Summary     Probe the workflow engine
// @Description Checks that the configured processing endpoint is reachable. Side-effect-free.
// @Tags        Webhooks
// @Produce     json
//
// @Success     200  {object} handlers.ProbeResponse
// @Router      /webhooks/probe [post]
func (h *Handlers) ProbeWebhook(c *gin.Context) {
	if err := h.engine.Probe(c.Request.Context()); err != nil {
		ok(c, http.StatusOK, ProbeResponse{Reachable: false, Error: err.Error()})
		return
	}
	ok(c, http.StatusOK, ProbeResponse{Reachable: true})
}
