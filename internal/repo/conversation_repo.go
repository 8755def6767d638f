// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a conversation is not found (or inactive), functions return
//     gorm.ErrRecordNotFound (also exported here as ErrNotFound).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
//
// Soft deletion: conversations are deactivated, never removed. Every query
// here filters on active = true so deactivated rows vanish from all
// listings and lookups.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/knowflow/kb-chat-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateConversation inserts a new active Conversation owned by
// (orgID, userID) with the given title, knowledge-base scope, and model
// configuration. The ID is a randomly generated UUID and CreatedAt is UTC.
func CreateConversation(ctx context.Context, db *gorm.DB, orgID, userID, title string, kbScope []string, model string, temperature float64) (*domain.Conversation, error) {
	c := &domain.Conversation{
		ID:          uuid.NewString(),
		OrgID:       orgID,
		UserID:      userID,
		Title:       title,
		KBScope:     kbScope,
		Model:       model,
		Temperature: temperature,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// GetConversation fetches a single active conversation by ID scoped to its
// owning organization. Returns ErrNotFound when missing or deactivated.
func GetConversation(ctx context.Context, db *gorm.DB, id, orgID string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Where("id = ? AND org_id = ? AND active = ?", id, orgID, true).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CountConversations returns the number of active conversations owned by
// (orgID, userID).
func CountConversations(ctx context.Context, db *gorm.DB, orgID, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("org_id = ? AND user_id = ? AND active = ?", orgID, userID, true).
		Count(&total).Error
	return total, err
}

// ListConversationsPage returns a paginated slice of active conversations
// for (orgID, userID), most recently updated first. The caller computes
// offset and limit.
func ListConversationsPage(ctx context.Context, db *gorm.DB, orgID, userID string, offset, limit int) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := db.WithContext(ctx).
		Where("org_id = ? AND user_id = ? AND active = ?", orgID, userID, true).
		Order("updated_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdateConversationTitle updates the title of an active conversation,
// enforcing org ownership. Returns ErrNotFound when no row was affected.
func UpdateConversationTitle(ctx context.Context, db *gorm.DB, id, orgID, title string) error {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND org_id = ? AND active = ?", id, orgID, true).
		Update("title", title)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeactivateConversation soft-deletes a conversation by flipping its active
// flag. Idempotent at the HTTP layer; a second call on an already inactive
// conversation reports ErrNotFound because inactive rows are invisible.
func DeactivateConversation(ctx context.Context, db *gorm.DB, id, orgID string) error {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND org_id = ? AND active = ?", id, orgID, true).
		Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// BumpMessageCount adds delta to the denormalized message counter.
func BumpMessageCount(ctx context.Context, db *gorm.DB, id string, delta int) error {
	return db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		UpdateColumn("message_count", gorm.Expr("message_count + ?", delta)).Error
}
