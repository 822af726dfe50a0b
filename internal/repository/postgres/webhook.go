// Package postgres implements the repository contracts on PostgreSQL
// via pgx. Delivery claiming relies on FOR UPDATE SKIP LOCKED so
// multiple sweeper instances never fight over the same row.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cabibbz/koya-caller-sub002/internal/domain"
)

var ErrNotFound = errors.New("not found")

type WebhookRepository struct {
	pool *pgxpool.Pool
}

func NewWebhookRepository(pool *pgxpool.Pool) *WebhookRepository {
	return &WebhookRepository{pool: pool}
}

func (r *WebhookRepository) Create(ctx context.Context, w *domain.Webhook) error {
	const query = `
		INSERT INTO webhooks (id, tenant_id, url, events, secret, active, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.pool.Exec(ctx, query,
		w.ID,
		w.TenantID,
		w.URL,
		eventStrings(w.Events),
		w.Secret,
		w.Active,
		w.Description,
		w.CreatedAt,
	)
	return err
}

func (r *WebhookRepository) GetByID(ctx context.Context, id string) (*domain.Webhook, error) {
	const query = `
		SELECT id, tenant_id, url, events, secret, active, description, created_at
		FROM webhooks
		WHERE id = $1
	`

	w, err := scanWebhook(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

func (r *WebhookRepository) ListByTenant(ctx context.Context, tenantID string) ([]*domain.Webhook, error) {
	const query = `
		SELECT id, tenant_id, url, events, secret, active, description, created_at
		FROM webhooks
		WHERE tenant_id = $1
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWebhooks(rows)
}

func (r *WebhookRepository) ListActiveForEvent(ctx context.Context, tenantID string, eventType domain.EventType) ([]*domain.Webhook, error) {
	const query = `
		SELECT id, tenant_id, url, events, secret, active, description, created_at
		FROM webhooks
		WHERE tenant_id = $1 AND active AND $2 = ANY(events)
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query, tenantID, string(eventType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWebhooks(rows)
}

func (r *WebhookRepository) Update(ctx context.Context, w *domain.Webhook) error {
	const query = `
		UPDATE webhooks
		SET url = $2, events = $3, active = $4, description = $5
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, w.ID, w.URL, eventStrings(w.Events), w.Active, w.Description)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *WebhookRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func eventStrings(events []domain.EventType) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}
	return out
}

func scanWebhook(row pgx.Row) (*domain.Webhook, error) {
	var w domain.Webhook
	var events []string
	err := row.Scan(
		&w.ID,
		&w.TenantID,
		&w.URL,
		&events,
		&w.Secret,
		&w.Active,
		&w.Description,
		&w.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.Events = make([]domain.EventType, len(events))
	for i, e := range events {
		w.Events[i] = domain.EventType(e)
	}
	return &w, nil
}

func collectWebhooks(rows pgx.Rows) ([]*domain.Webhook, error) {
	var webhooks []*domain.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}
