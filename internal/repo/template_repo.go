// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// MessageTemplate model.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/knowflow/kb-chat-backend/internal/domain"
)

// CreateTemplate inserts a new message template row.
func CreateTemplate(ctx context.Context, db *gorm.DB, t *domain.MessageTemplate) (*domain.MessageTemplate, error) {
	t.ID = uuid.NewString()
	t.CreatedAt = time.Now().UTC()
	t.UpdatedAt = t.CreatedAt
	if err := db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}

// GetTemplate fetches a template by ID, or ErrNotFound.
func GetTemplate(ctx context.Context, db *gorm.DB, id string) (*domain.MessageTemplate, error) {
	var t domain.MessageTemplate
	if err := db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTemplates returns the templates visible to (orgID, userID): built-ins,
// the user's own, and organization-wide ones, newest first.
func ListTemplates(ctx context.Context, db *gorm.DB, orgID, userID string) ([]domain.MessageTemplate, error) {
	var out []domain.MessageTemplate
	err := db.WithContext(ctx).
		Where("scope = ?", domain.TemplateScopeBuiltin).
		Or("scope = ? AND owner_id = ?", domain.TemplateScopeUser, userID).
		Or("scope = ? AND org_id = ?", domain.TemplateScopeOrganization, orgID).
		Order("created_at desc").
		Find(&out).Error
	return out, err
}

// UpdateTemplateContent replaces the content (and name/category when
// non-empty) of a template. Ownership checks belong to the service layer;
// this function only refuses to touch built-ins.
func UpdateTemplateContent(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.MessageTemplate{}).
		Where("id = ? AND scope <> ?", id, domain.TemplateScopeBuiltin).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SeedBuiltinTemplates inserts the stock templates if they are missing.
// Idempotent; keyed on (name, scope).
func SeedBuiltinTemplates(ctx context.Context, db *gorm.DB) error {
	builtins := []domain.MessageTemplate{
		{Name: "Summarize", Category: "general", Content: "Summarize the following in a few bullet points:\n\n{{text}}"},
		{Name: "Explain simply", Category: "general", Content: "Explain {{topic}} as if I were new to the subject."},
		{Name: "Draft reply", Category: "writing", Content: "Draft a polite reply to this message:\n\n{{message}}"},
		{Name: "Find in docs", Category: "knowledge-base", Content: "Where in our documentation is {{topic}} covered? Cite the sources."},
	}
	now := time.Now().UTC()
	for i := range builtins {
		t := builtins[i]
		t.Scope = domain.TemplateScopeBuiltin
		var existing domain.MessageTemplate
		err := db.WithContext(ctx).
			Where("name = ? AND scope = ?", t.Name, domain.TemplateScopeBuiltin).
			First(&existing).Error
		if err == nil {
			continue
		}
		if err != gorm.ErrRecordNotFound {
			return err
		}
		t.ID = uuid.NewString()
		t.CreatedAt = now
		t.UpdatedAt = now
		if err := db.WithContext(ctx).Create(&t).Error; err != nil {
			return err
		}
	}
	return nil
}

// DeleteTemplate removes a non-builtin template row.
func DeleteTemplate(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).
		Where("id = ? AND scope <> ?", id, domain.TemplateScopeBuiltin).
		Delete(&domain.MessageTemplate{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
