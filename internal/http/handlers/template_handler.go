// Template HTTP handlers.
//
// This file exposes message template CRUD and rendering:
//   - GET    /templates              (list visible templates)
//   - POST   /templates              (create user/org template)
//   - GET    /templates/{id}         (fetch)
//   - PUT    /templates/{id}         (edit; built-ins are immutable)
//   - DELETE /templates/{id}
//   - POST   /templates/{id}/render  (substitute variables)
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/knowflow/kb-chat-backend/internal/domain"
	"github.com/knowflow/kb-chat-backend/internal/http/middleware"
	"github.com/knowflow/kb-chat-backend/internal/services"
)

//
// DTOs
//

// CreateTemplateRequest is the JSON payload for creating a template.
type CreateTemplateRequest struct {
	Name     string `json:"name" binding:"required,min=1,max=100" example:"Weekly summary"`
	Category string `json:"category" example:"reporting"`
	// Content may contain {{variable}} placeholders.
	Content string `json:"content" binding:"required,min=1" example:"Summarize {{topic}} for the week of {{week}}."`
	// Scope is "user" (default) or "organization".
	Scope string `json:"scope" example:"user"`
}

// UpdateTemplateRequest is the JSON payload for editing a template.
type UpdateTemplateRequest struct {
	Name     string `json:"name" example:"Weekly summary v2"`
	Category string `json:"category" example:"reporting"`
	Content  string `json:"content" binding:"required,min=1"`
}

// RenderTemplateRequest supplies values for placeholder substitution.
type RenderTemplateRequest struct {
	Values map[string]string `json:"values"`
}

// RenderTemplateResponse is the substituted template body.
type RenderTemplateResponse struct {
	Content string `json:"content"`
	// Missing lists placeholders that had no value; they render as [name]
	// markers in Content.
	Missing []string `json:"missing,omitempty"`
}

// TemplateWithVariables decorates a template with its extracted placeholders.
type TemplateWithVariables struct {
	domain.MessageTemplate
	Variables []string `json:"variables,omitempty"`
}

// ListTemplatesResponse wraps the visible templates.
type ListTemplatesResponse struct {
	Templates []TemplateWithVariables `json:"templates"`
}

func templateError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrTemplateNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "template not found")
	case errors.Is(err, services.ErrTemplateForbidden):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "cannot modify this template")
	case errors.Is(err, services.ErrTemplateEmpty):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeTemplateFailed, err.Error())
	}
}

//
// Handlers
//

// ListTemplates godoc
// @ID          listTemplates
// @Summary     List visible templates
// @Description Returns built-in templates plus the caller's own and their organization's.
// @Tags        Templates
// @Produce     json
//
// @Param       X-Org-ID   header  string  false "Organization ID (demo header)" example(acme)
// @Param       X-User-ID  header  string  false "User ID (demo header)"         example(user123)
//
// @Success     200  {object} handlers.ListTemplatesResponse
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /templates [get]
func (h *Handlers) ListTemplates(c *gin.Context) {
	items, err := h.tplSvc.List(c.Request.Context(), middleware.OrgID(c), middleware.UserID(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	out := make([]TemplateWithVariables, 0, len(items))
	for _, t := range items {
		out = append(out, TemplateWithVariables{
			MessageTemplate: t,
			Variables:       services.ExtractVariables(t.Content),
		})
	}
	ok(c, http.StatusOK, ListTemplatesResponse{Templates: out})
}

// CreateTemplate godoc
// @ID          createTemplate
// @Summary     Create a template
// @Tags        Templates
// @Accept      json
// @Produce     json
//
// @Param       X-Org-ID   header  string  false "Organization ID (demo header)" example(acme)
// @Param       X-User-ID  header  string  false "User ID (demo header)"         example(user123)
// @Param       body       body    handlers.CreateTemplateRequest  true  "Template payload"
//
// @Success     201  {object} handlers.TemplateWithVariables
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Router      /templates [post]
func (h *Handlers) CreateTemplate(c *gin.Context) {
	var req CreateTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "name and content required")
		return
	}
	t, err := h.tplSvc.Create(c.Request.Context(),
		middleware.OrgID(c), middleware.UserID(c),
		req.Name, req.Category, req.Content, req.Scope)
	if err != nil {
		templateError(c, err)
		return
	}
	ok(c, http.StatusCreated, TemplateWithVariables{
		MessageTemplate: *t,
		Variables:       services.ExtractVariables(t.Content),
	})
}

// GetTemplate godoc
// @ID          getTemplate
// @Summary     Fetch a template
// @Tags        Templates
// @Produce     json
//
// @Param       X-Org-ID   header  string  false "Organization ID (demo header)" example(acme)
// @Param       X-User-ID  header  string  false "User ID (demo header)"         example(user123)
// @Param       id         path    string  true  "Template ID (UUID)"            format(uuid)
//
// @Success     200  {object} handlers.TemplateWithVariables
// @Failure     404  {object} handlers.ErrorResponse "Template not found"
// @Router      /templates/{id} [get]
func (h *Handlers) GetTemplate(c *gin.Context) {
	id := c.Param("id")
	if !mustUUID(c, id, "template") {
		return
	}
	t, err := h.tplSvc.Get(c.Request.Context(), middleware.OrgID(c), middleware.UserID(c), id)
	if err != nil {
		templateError(c, err)
		return
	}
	ok(c, http.StatusOK, TemplateWithVariables{
		MessageTemplate: *t,
		Variables:       services.ExtractVariables(t.Content),
	})
}

// UpdateTemplate godoc
// @ID          updateTemplate
// @Summary     Edit a template
// @Description Owners may edit their templates; organization templates are editable org-wide; built-ins never.
// @Tags        Templates
// @Accept      json
// @Produce     json
//
// @Param       X-Org-ID   header  string  false "Organization ID (demo header)" example(acme)
// @Param       X-User-ID  header  string  false "User ID (demo header)"         example(user123)
// @Param       id         path    string  true  "Template ID (UUID)"            format(uuid)
// @Param       body       body    handlers.UpdateTemplateRequest  true  "Template payload"
//
// @Success     200  {object} handlers.TemplateWithVariables
// @Failure     403  {object} handlers.ErrorResponse "Cannot modify this template"
// @Failure     404  {object} handlers.ErrorResponse "Template not found"
// @Router      /templates/{id} [put]
func (h *Handlers) UpdateTemplate(c *gin.Context) {
	id := c.Param("id")
	if !mustUUID(c, id, "template") {
		return
	}
	var req UpdateTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	t, err := h.tplSvc.Update(c.Request.Context(),
		middleware.OrgID(c), middleware.UserID(c), id,
		req.Name, req.Category, req.Content)
	if err != nil {
		templateError(c, err)
		return
	}
	ok(c, http.StatusOK, TemplateWithVariables{
		MessageTemplate: *t,
		Variables:       services.ExtractVariables(t.Content),
	})
}

// DeleteTemplate godoc
// @ID          deleteTemplate
// @Summary     Delete a template
// @Tags        Templates
// @Produce     json
//
// @Param       X-Org-ID   header  string  false "Organization ID (demo header)" example(acme)
// @Param       X-User-ID  header  string  false "User ID (demo header)"         example(user123)
// @Param       id         path    string  true  "Template ID (UUID)"            format(uuid)
//
// @Success     204  {string} string "No Content"
// @Failure     403  {object} handlers.ErrorResponse "Cannot modify this template"
// @Failure     404  {object} handlers.ErrorResponse "Template not found"
// @Router      /templates/{id} [delete]
func (h *Handlers) DeleteTemplate(c *gin.Context) {
	id := c.Param("id")
	if !mustUUID(c, id, "template") {
		return
	}
	if err := h.tplSvc.Delete(c.Request.Context(), middleware.OrgID(c), middleware.UserID(c), id); err != nil {
		templateError(c, err)
		return
	}
	noContent(c)
}

// RenderTemplate godoc
// @ID          renderTemplate
// @Summary     Render a template
// @Description Substitutes values into the template's placeholders. Unresolved placeholders render
// @Description as [name] markers and are listed in the response.
// @Tags        Templates
// @Accept      json
// @Produce     json
//
// @Param       X-Org-ID   header  string  false "Organization ID (demo header)" example(acme)
// @Param       X-User-ID  header  string  false "User ID (demo header)"         example(user123)
// @Param       id         path    string  true  "Template ID (UUID)"            format(uuid)
// @Param       body       body    handlers.RenderTemplateRequest  true  "Variable values"
//
// @Success     200  {object} handlers.RenderTemplateResponse
// @Failure     404  {object} handlers.ErrorResponse "Template not found"
// @Router      /templates/{id}/render [post]
func (h *Handlers) RenderTemplate(c *gin.Context) {
	id := c.Param("id")
	if !mustUUID(c, id, "template") {
		return
	}
	var req RenderTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	content, missing, err := h.tplSvc.Render(c.Request.Context(),
		middleware.OrgID(c), middleware.UserID(c), id, req.Values)
	if err != nil {
		templateError(c, err)
		return
	}
	ok(c, http.StatusOK, RenderTemplateResponse{Content: content, Missing: missing})
}
