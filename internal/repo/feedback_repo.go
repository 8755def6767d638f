// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Feedback
// model.
//
// Error semantics:
//   - Duplicate feedback (same message_id, user_id) relies on the database
//     unique constraint and is returned as a raw DB error. The service layer
//     translates that into a domain error (ErrDuplicateFeedback).
//   - On other DB errors the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/knowflow/kb-chat-backend/internal/domain"
)

// CreateFeedback inserts a feedback row for the given message and user.
// Value must be -1 or 1; validation happens at higher layers and via the
// DB check constraint.
func CreateFeedback(ctx context.Context, db *gorm.DB, messageID, userID string, value int) error {
	fb := &domain.Feedback{
		ID:        uuid.NewString(),
		MessageID: messageID,
		UserID:    userID,
		Value:     value,
		CreatedAt: time.Now().UTC(),
	}
	return db.WithContext(ctx).Create(fb).Error
}
