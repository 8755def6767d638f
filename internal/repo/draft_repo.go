// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Draft
// model: one compose-buffer slot per (org, user, conversation) with
// last-write-wins semantics and time-based expiry.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/knowflow/kb-chat-backend/internal/domain"
)

// UpsertDraft writes the draft slot for (orgID, userID, conversationID),
// replacing any previous text and KB selection. UpdatedAt restarts the
// 24-hour expiry window.
func UpsertDraft(ctx context.Context, db *gorm.DB, orgID, userID, conversationID, text string, kbScope []string, now time.Time) error {
	d := &domain.Draft{
		ID:             uuid.NewString(),
		OrgID:          orgID,
		UserID:         userID,
		ConversationID: conversationID,
		Text:           text,
		KBScope:        kbScope,
		UpdatedAt:      now.UTC(),
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "org_id"}, {Name: "user_id"}, {Name: "conversation_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"text", "kb_scope", "updated_at"}),
	}).Create(d).Error
}

// GetDraft returns the draft slot or ErrNotFound. Expiry is enforced by the
// service layer, which knows the configured TTL.
func GetDraft(ctx context.Context, db *gorm.DB, orgID, userID, conversationID string) (*domain.Draft, error) {
	var d domain.Draft
	err := db.WithContext(ctx).
		Where("org_id = ? AND user_id = ? AND conversation_id = ?", orgID, userID, conversationID).
		First(&d).Error
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// DeleteDraft removes the draft slot. Deleting an absent slot is not an
// error: clearing is idempotent.
func DeleteDraft(ctx context.Context, db *gorm.DB, orgID, userID, conversationID string) error {
	return db.WithContext(ctx).
		Where("org_id = ? AND user_id = ? AND conversation_id = ?", orgID, userID, conversationID).
		Delete(&domain.Draft{}).Error
}

// DeleteExpiredDrafts removes every draft last written at or before cutoff.
// Safe to run at any time; returns the number of rows removed.
func DeleteExpiredDrafts(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("updated_at <= ?", cutoff.UTC()).
		Delete(&domain.Draft{})
	return res.RowsAffected, res.Error
}
