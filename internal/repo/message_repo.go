// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// model and its attached sources.
package repo

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/knowflow/kb-chat-backend/internal/domain"
)

// CreateMessage inserts a new message row. The caller supplies type, status,
// and metadata; ID and CreatedAt are generated here. Pass a transaction
// handle when the insert must be atomic with sibling writes.
func CreateMessage(db *gorm.DB, conversationID, orgID, msgType, content, status string, meta domain.MessageMetadata) (*domain.Message, error) {
	now := time.Now().UTC()
	m := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		OrgID:          orgID,
		Type:           msgType,
		Content:        content,
		Status:         status,
		Metadata:       meta,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return m, db.Create(m).Error
}

// GetMessage fetches a message by ID with its sources preloaded.
func GetMessage(db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.Preload("Sources", sourceOrder).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns all messages of a conversation ordered
// deterministically (CreatedAt ASC, ID ASC) with sources preloaded.
func ListMessages(db *gorm.DB, conversationID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.Preload("Sources", sourceOrder).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(db *gorm.DB, conversationID string) (int64, error) {
	var total int64
	err := db.Raw("SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID).Scan(&total).Error
	return total, err
}

// ListMessagesPage returns a paginated slice ordered (CreatedAt ASC, ID ASC).
func ListMessagesPage(db *gorm.DB, conversationID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.Preload("Sources", sourceOrder).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdateMessageFields applies a partial update to a message. The updated_at
// stamp is always included so reconciliation can order concurrent writes.
// Returns ErrNotFound when the message does not exist.
func UpdateMessageFields(db *gorm.DB, id string, fields map[string]any) error {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["updated_at"] = time.Now().UTC()
	res := db.Model(&domain.Message{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ReplaceSources deletes any existing sources of a message and inserts the
// given ones, preserving their order. Intended to be called inside the same
// transaction that marks the message completed, so evidence is attached
// atomically with the content.
func ReplaceSources(db *gorm.DB, messageID string, sources []domain.Source) error {
	if err := db.Where("message_id = ?", messageID).Delete(&domain.Source{}).Error; err != nil {
		return err
	}
	if len(sources) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range sources {
		sources[i].ID = uuid.NewString()
		sources[i].MessageID = messageID
		sources[i].Position = i
		sources[i].CreatedAt = now
	}
	return db.Create(&sources).Error
}

// LatestAssistantMessage returns the most recent assistant message of a
// conversation, or ErrNotFound when none exists.
func LatestAssistantMessage(db *gorm.DB, conversationID string) (*domain.Message, error) {
	var m domain.Message
	err := db.Where("conversation_id = ? AND type = ?", conversationID, domain.MessageTypeAssistant).
		Order("created_at DESC, id DESC").
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// sourceOrder keeps preloaded sources in their attachment order.
func sourceOrder(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC")
}
