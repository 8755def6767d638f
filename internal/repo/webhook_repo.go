// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// organization webhook registry and its delivery log.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/knowflow/kb-chat-backend/internal/domain"
)

// CreateWebhookEndpoint registers a new fan-out target for (orgID, event).
func CreateWebhookEndpoint(ctx context.Context, db *gorm.DB, orgID, event, url string) (*domain.WebhookEndpoint, error) {
	now := time.Now().UTC()
	ep := &domain.WebhookEndpoint{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		Event:     event,
		URL:       url,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(ep).Error; err != nil {
		return nil, err
	}
	return ep, nil
}

// ListWebhookEndpoints returns the enabled targets for (orgID, event).
// Fan-out consults this on every trigger; the set may be empty.
func ListWebhookEndpoints(ctx context.Context, db *gorm.DB, orgID, event string) ([]domain.WebhookEndpoint, error) {
	var out []domain.WebhookEndpoint
	err := db.WithContext(ctx).
		Where("org_id = ? AND event = ? AND enabled = ?", orgID, event, true).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

// ListOrgWebhookEndpoints returns every target configured by an org,
// enabled or not, for the admin surface.
func ListOrgWebhookEndpoints(ctx context.Context, db *gorm.DB, orgID string) ([]domain.WebhookEndpoint, error) {
	var out []domain.WebhookEndpoint
	err := db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

// SetWebhookEndpointEnabled toggles a target. Returns ErrNotFound when the
// endpoint does not belong to the org.
func SetWebhookEndpointEnabled(ctx context.Context, db *gorm.DB, id, orgID string, enabled bool) error {
	res := db.WithContext(ctx).
		Model(&domain.WebhookEndpoint{}).
		Where("id = ? AND org_id = ?", id, orgID).
		Updates(map[string]any{"enabled": enabled, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// RecordWebhookDelivery appends one attempt to the delivery log.
func RecordWebhookDelivery(ctx context.Context, db *gorm.DB, endpointID, event string, success bool, errText string) error {
	rec := &domain.WebhookDelivery{
		ID:          uuid.NewString(),
		EndpointID:  endpointID,
		Event:       event,
		Success:     success,
		Error:       errText,
		AttemptedAt: time.Now().UTC(),
	}
	return db.WithContext(ctx).Create(rec).Error
}

// ListWebhookDeliveries returns the most recent attempts for an endpoint.
func ListWebhookDeliveries(ctx context.Context, db *gorm.DB, endpointID string, limit int) ([]domain.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []domain.WebhookDelivery
	err := db.WithContext(ctx).
		Where("endpoint_id = ?", endpointID).
		Order("attempted_at desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}
