// Message templates.
//
// Templates are reusable prompt bodies with named {{variable}} placeholders.
// ExtractVariables discovers placeholders in first-appearance order; Apply
// substitutes the given values and rewrites unresolved placeholders to a
// bracketed [variable] marker so the user sees what is still missing and no
// raw {{variable}} token ever reaches the engine. Visibility follows scope:
// built-ins are global and immutable, user templates belong to their
// creator, and organization templates are shared org-wide.
package services

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"gorm.io/gorm"

	"github.com/knowflow/kb-chat-backend/internal/domain"
	"github.com/knowflow/kb-chat-backend/internal/repo"
)

// Placeholder syntax: {{name}}. Names are word characters.
var templateVarRE = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// ExtractVariables returns the placeholder names of a template body, each
// once, in order of first appearance.
func ExtractVariables(content string) []string {
	matches := templateVarRE.FindAllStringSubmatch(content, -1)
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, dup := seen[m[1]]; dup {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, m[1])
	}
	return out
}

// ApplyTemplate substitutes values into a template body. A placeholder
// whose value was not supplied becomes a bracketed [name] marker; raw
// {{name}} tokens never survive.
func ApplyTemplate(content string, values map[string]string) string {
	return templateVarRE.ReplaceAllStringFunc(content, func(m string) string {
		name := templateVarRE.FindStringSubmatch(m)[1]
		if v, ok := values[name]; ok {
			return v
		}
		return "[" + name + "]"
	})
}

// TemplateService manages template CRUD and rendering with scope-based
// access rules.
type TemplateService struct {
	DB *gorm.DB
}

// NewTemplateService constructs a TemplateService.
func NewTemplateService(db *gorm.DB) *TemplateService {
	return &TemplateService{DB: db}
}

// Create stores a new user- or organization-scoped template. Built-ins are
// seeded at migration time, never created through the API.
func (s *TemplateService) Create(ctx context.Context, orgID, userID, name, category, content, scope string) (*domain.MessageTemplate, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrTemplateEmpty
	}
	if scope != domain.TemplateScopeUser && scope != domain.TemplateScopeOrganization {
		scope = domain.TemplateScopeUser
	}
	t := &domain.MessageTemplate{
		Name:     strings.TrimSpace(name),
		Category: strings.TrimSpace(category),
		Content:  content,
		Scope:    scope,
		OwnerID:  userID,
		OrgID:    orgID,
	}
	return repo.CreateTemplate(ctx, s.DB, t)
}

// Get returns a single template if it is visible to (orgID, userID).
func (s *TemplateService) Get(ctx context.Context, orgID, userID, id string) (*domain.MessageTemplate, error) {
	t, err := repo.GetTemplate(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTemplateNotFound
		}
		return nil, err
	}
	if !s.visible(t, orgID, userID) {
		return nil, ErrTemplateNotFound
	}
	return t, nil
}

// List returns every template visible to the caller: built-ins, their own,
// and their organization's.
func (s *TemplateService) List(ctx context.Context, orgID, userID string) ([]domain.MessageTemplate, error) {
	return repo.ListTemplates(ctx, s.DB, orgID, userID)
}

// Update edits a template's content (and optionally name/category). Only
// the owner may edit a user template; org templates are editable org-wide;
// built-ins never.
func (s *TemplateService) Update(ctx context.Context, orgID, userID, id, name, category, content string) (*domain.MessageTemplate, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrTemplateEmpty
	}
	t, err := s.Get(ctx, orgID, userID, id)
	if err != nil {
		return nil, err
	}
	if !s.editable(t, orgID, userID) {
		return nil, ErrTemplateForbidden
	}

	fields := map[string]any{"content": content}
	if n := strings.TrimSpace(name); n != "" {
		fields["name"] = n
	}
	if c := strings.TrimSpace(category); c != "" {
		fields["category"] = c
	}
	if err := repo.UpdateTemplateContent(ctx, s.DB, id, fields); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTemplateForbidden
		}
		return nil, err
	}
	return repo.GetTemplate(ctx, s.DB, id)
}

// Delete removes a template under the same rules as Update.
func (s *TemplateService) Delete(ctx context.Context, orgID, userID, id string) error {
	t, err := s.Get(ctx, orgID, userID, id)
	if err != nil {
		return err
	}
	if !s.editable(t, orgID, userID) {
		return ErrTemplateForbidden
	}
	if err := repo.DeleteTemplate(ctx, s.DB, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTemplateForbidden
		}
		return err
	}
	return nil
}

// Render resolves a template and substitutes values, reporting which
// placeholders remain unfilled.
func (s *TemplateService) Render(ctx context.Context, orgID, userID, id string, values map[string]string) (string, []string, error) {
	t, err := s.Get(ctx, orgID, userID, id)
	if err != nil {
		return "", nil, err
	}
	rendered := ApplyTemplate(t.Content, values)

	var missing []string
	for _, v := range ExtractVariables(t.Content) {
		if _, ok := values[v]; !ok {
			missing = append(missing, v)
		}
	}
	return rendered, missing, nil
}

func (s *TemplateService) visible(t *domain.MessageTemplate, orgID, userID string) bool {
	switch t.Scope {
	case domain.TemplateScopeBuiltin:
		return true
	case domain.TemplateScopeUser:
		return t.OwnerID == userID
	case domain.TemplateScopeOrganization:
		return t.OrgID == orgID
	}
	return false
}

func (s *TemplateService) editable(t *domain.MessageTemplate, orgID, userID string) bool {
	switch t.Scope {
	case domain.TemplateScopeUser:
		return t.OwnerID == userID
	case domain.TemplateScopeOrganization:
		return t.OrgID == orgID
	}
	return false
}
