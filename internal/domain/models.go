// Package domain defines the persistence models for conversations, messages,
// sources, and feedback. These types are mapped with GORM and form the core
// data layer of the knowledge-base chat backend.
package domain

import (
	"time"
)

// Message types. A conversation is a strictly ordered list of turns, each
// authored by one of these roles.
const (
	MessageTypeUser      = "user"
	MessageTypeAssistant = "assistant"
	MessageTypeSystem    = "system"
)

// Processing statuses for assistant messages. User and system messages are
// created directly in StatusCompleted.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
	StatusCancelled  = "cancelled"
)

// Conversation represents a chat session scoped to exactly one organization
// and one user. Conversations are soft-deleted by flipping Active to false;
// inactive conversations are excluded from every listing and are never
// hard-deleted through the service layer.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - OrgID / UserID: owning organization and user; indexed together.
//   - Title: human-readable title, at most 100 runes (auto-generated from
//     the first prompt when left as a placeholder).
//   - KBScope: ordered set of knowledge-base ids the conversation may draw
//     answers from, stored as a JSON array.
//   - Model / Temperature: model configuration used for dispatches.
//   - MessageCount: denormalized message counter, maintained by the repo.
//   - Active: soft-deletion flag.
type Conversation struct {
	ID           string     `json:"id"            gorm:"type:char(36);primaryKey"`
	OrgID        string     `json:"org_id"        gorm:"type:varchar(64);not null;index:idx_org_convs,priority:1"`
	UserID       string     `json:"user_id"       gorm:"type:varchar(64);not null;index:idx_org_convs,priority:2"`
	Title        string     `json:"title"         gorm:"type:varchar(100);not null;default:'New conversation'"`
	KBScope      StringList `json:"kb_scope"      gorm:"type:text"`
	Model        string     `json:"model"         gorm:"type:varchar(128)"`
	Temperature  float64    `json:"temperature"`
	MessageCount int        `json:"message_count" gorm:"not null;default:0"`
	Active       bool       `json:"active"        gorm:"not null;default:true;index"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// Message represents a single turn within a conversation. Type and
// conversation membership are immutable once created; content, status,
// error text, metadata, and sources may be mutated while the message is
// still being processed (and by regeneration, which explicitly resets the
// message back to StatusProcessing).
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - ConversationID: foreign key to the owning conversation (indexed).
//   - OrgID: owning organization, duplicated here for tenancy checks.
//   - Type: "user", "assistant", or "system" (DB constraint).
//   - Content: full text content; empty while an assistant reply is pending.
//   - Status: processing status (DB constraint, see Status* constants).
//   - ErrorMessage: user-legible failure text when Status is "error".
//   - Metadata: typed metadata bag (model, tokens, timing, fallback flag,
//     plus an open "extra" map), stored as JSON.
//   - Sources: evidence rows attached atomically with completion.
type Message struct {
	ID             string          `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string          `json:"conversation_id" gorm:"type:char(36);not null;index:idx_conv_msgs,priority:1"`
	OrgID          string          `json:"org_id"          gorm:"type:varchar(64);not null;index"`
	Type           string          `json:"type"            gorm:"type:varchar(16);not null;check:type IN ('user','assistant','system')"`
	Content        string          `json:"content"         gorm:"type:text;not null"`
	Status         string          `json:"status"          gorm:"type:varchar(16);not null;default:'completed';check:status IN ('pending','processing','completed','error','cancelled')"`
	ErrorMessage   string          `json:"error_message,omitempty" gorm:"type:text"`
	Metadata       MessageMetadata `json:"metadata"        gorm:"type:text"`
	CreatedAt      time.Time       `json:"created_at"      gorm:"index:idx_conv_msgs,priority:2"`
	UpdatedAt      time.Time       `json:"updated_at"`

	// Sources back the assistant's answer. They are cascade-deleted with
	// the message and are read-only once attached.
	Sources []Source `json:"sources,omitempty" gorm:"foreignKey:MessageID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`

	// Conversation is the parent session. Messages are cascade-deleted if
	// their conversation row is ever removed by an operator.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// InFlight reports whether the message is still awaiting a result from the
// processing engine.
func (m *Message) InFlight() bool {
	return m.Status == StatusPending || m.Status == StatusProcessing
}

// Source is one piece of evidence backing an assistant message: the document
// it came from, the excerpted chunk, and a 0-100 confidence score.
type Source struct {
	ID           string    `json:"id"            gorm:"type:char(36);primaryKey"`
	MessageID    string    `json:"-"             gorm:"type:char(36);not null;index"`
	DocumentName string    `json:"document_name" gorm:"type:varchar(255);not null"`
	Chunk        string    `json:"chunk"         gorm:"type:text;not null"`
	Confidence   float64   `json:"confidence"    gorm:"not null;check:confidence >= 0 AND confidence <= 100"`
	FileID       string    `json:"file_id"       gorm:"type:varchar(64)"`
	Position     int       `json:"position"      gorm:"not null;default:0"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName returns the database table name for Source.
func (Source) TableName() string { return "sources" }

// Feedback represents a user-provided rating on a specific assistant message.
// A user can only leave one feedback entry per message (unique index).
type Feedback struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	MessageID string    `json:"message_id" gorm:"type:char(36);not null;index;uniqueIndex:ux_feedback_message_user"`
	UserID    string    `json:"user_id"    gorm:"type:varchar(64);not null;index;uniqueIndex:ux_feedback_message_user"`
	Value     int       `json:"value"      gorm:"not null;check:value IN (-1,1)"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Message is the rated assistant message. Feedback is cascade-deleted
	// if the underlying message is removed.
	Message Message `json:"-" gorm:"foreignKey:MessageID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Feedback.
func (Feedback) TableName() string { return "feedback" }
