// Package domain defines the persistence models for the application.
// This file holds the supporting aggregates around the chat core: drafts,
// message templates, and the organization webhook registry.
package domain

import "time"

// Template scopes (provenance). Built-in templates ship with the product
// and are immutable; user templates belong to their author; organization
// templates are shared across an org.
const (
	TemplateScopeBuiltin      = "builtin"
	TemplateScopeUser         = "user"
	TemplateScopeOrganization = "organization"
)

// Draft is the per-user, per-conversation compose buffer. Exactly one row
// exists per (org, user, conversation); writes are last-write-wins and the
// row expires 24 hours after UpdatedAt.
type Draft struct {
	ID             string     `json:"id"              gorm:"type:char(36);primaryKey"`
	OrgID          string     `json:"org_id"          gorm:"type:varchar(64);not null;uniqueIndex:ux_draft_slot,priority:1"`
	UserID         string     `json:"user_id"         gorm:"type:varchar(64);not null;uniqueIndex:ux_draft_slot,priority:2"`
	ConversationID string     `json:"conversation_id" gorm:"type:char(36);not null;uniqueIndex:ux_draft_slot,priority:3"`
	Text           string     `json:"text"            gorm:"type:text;not null"`
	KBScope        StringList `json:"kb_scope"        gorm:"type:text"`
	UpdatedAt      time.Time  `json:"updated_at"      gorm:"index"`
}

// TableName returns the database table name for Draft.
func (Draft) TableName() string { return "drafts" }

// MessageTemplate is a reusable prompt with {{variable}} placeholders.
// Variables are always derived from Content, never stored separately.
// Content is mutable only by the owner; built-ins are immutable.
type MessageTemplate struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	OrgID     string    `json:"org_id"     gorm:"type:varchar(64);index"`
	OwnerID   string    `json:"owner_id"   gorm:"type:varchar(64);index"`
	Name      string    `json:"name"       gorm:"type:varchar(128);not null"`
	Category  string    `json:"category"   gorm:"type:varchar(64);not null;default:'general'"`
	Content   string    `json:"content"    gorm:"type:text;not null"`
	Scope     string    `json:"scope"      gorm:"type:varchar(16);not null;default:'user';check:scope IN ('builtin','user','organization')"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for MessageTemplate.
func (MessageTemplate) TableName() string { return "message_templates" }

// WebhookEndpoint is one organization-configured automation target for the
// secondary event channel. Fan-out deliveries to these endpoints are
// best-effort and never affect the primary message flow.
type WebhookEndpoint struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	OrgID     string    `json:"org_id"     gorm:"type:varchar(64);not null;index:idx_org_event,priority:1"`
	Event     string    `json:"event"      gorm:"type:varchar(64);not null;index:idx_org_event,priority:2"`
	URL       string    `json:"url"        gorm:"type:varchar(512);not null"`
	Enabled   bool      `json:"enabled"    gorm:"not null;default:true"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for WebhookEndpoint.
func (WebhookEndpoint) TableName() string { return "webhook_endpoints" }

// WebhookDelivery records one fan-out attempt against an endpoint. The log
// exists so failures in the secondary channel are observable without ever
// propagating into the primary request path.
type WebhookDelivery struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	EndpointID  string    `json:"endpoint_id"  gorm:"type:char(36);not null;index"`
	Event       string    `json:"event"        gorm:"type:varchar(64);not null"`
	Success     bool      `json:"success"      gorm:"not null"`
	Error       string    `json:"error,omitempty" gorm:"type:text"`
	AttemptedAt time.Time `json:"attempted_at" gorm:"index"`
}

// TableName returns the database table name for WebhookDelivery.
func (WebhookDelivery) TableName() string { return "webhook_deliveries" }
