// Package repository defines the persistence contracts for webhook
// registrations and delivery records. The store is the only state shared
// across process instances; everything goes through its atomic
// single-row operations, so no application-level locking exists above it.
package repository

import (
	"context"

	"github.com/cabibbz/koya-caller-sub002/internal/domain"
)

type WebhookRepository interface {
	Create(ctx context.Context, w *domain.Webhook) error
	GetByID(ctx context.Context, id string) (*domain.Webhook, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*domain.Webhook, error)
	// ListActiveForEvent returns the tenant's active webhooks whose event
	// set contains eventType.
	ListActiveForEvent(ctx context.Context, tenantID string, eventType domain.EventType) ([]*domain.Webhook, error)
	Update(ctx context.Context, w *domain.Webhook) error
	Delete(ctx context.Context, id string) error
}

type DeliveryRepository interface {
	Create(ctx context.Context, d *domain.Delivery) error
	GetByID(ctx context.Context, id string) (*domain.Delivery, error)
	ListByWebhook(ctx context.Context, webhookID string, limit int) ([]*domain.Delivery, error)
	Update(ctx context.Context, d *domain.Delivery) error
	// ClaimDue atomically claims up to limit deliveries that are due for
	// an attempt (retrying past their next_retry_at, plus stale pending
	// rows abandoned by a crashed instance), oldest first. Claimed rows
	// are not visible to concurrent claimers.
	ClaimDue(ctx context.Context, limit int) ([]*domain.Delivery, error)
}
