// Feedback on assistant messages.
package services

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/knowflow/kb-chat-backend/internal/domain"
	"github.com/knowflow/kb-chat-backend/internal/repo"
)

// FeedbackService records thumbs-up/down ratings on assistant messages.
// One rating per (message, user); ratings are immutable once stored.
type FeedbackService struct {
	DB *gorm.DB
}

// NewFeedbackService constructs a FeedbackService.
func NewFeedbackService(db *gorm.DB) *FeedbackService {
	return &FeedbackService{DB: db}
}

// Leave records a rating on an assistant message. The message must belong
// to the caller's org; only assistant turns are ratable.
func (s *FeedbackService) Leave(ctx context.Context, orgID, userID, messageID string, value int) error {
	if value != -1 && value != 1 {
		return ErrInvalidFeedback
	}

	msg, err := repo.GetMessage(s.DB.WithContext(ctx), messageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrMessageNotFound
		}
		return err
	}
	if msg.OrgID != orgID {
		return ErrMessageNotFound
	}
	if msg.Type != domain.MessageTypeAssistant {
		return ErrForbiddenFeedback
	}

	if err := repo.CreateFeedback(ctx, s.DB, messageID, userID, value); err != nil {
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			return ErrDuplicateFeedback
		}
		return err
	}
	return nil
}
