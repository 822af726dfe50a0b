package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cabibbz/koya-caller-sub002/internal/domain"
)

type DeliveryRepository struct {
	pool *pgxpool.Pool
}

func NewDeliveryRepository(pool *pgxpool.Pool) *DeliveryRepository {
	return &DeliveryRepository{pool: pool}
}

const deliveryColumns = `id, webhook_id, event_type, payload, response_code, response_body,
	attempts, max_attempts, last_attempt_at, next_retry_at, status, error_message,
	created_at, updated_at`

func (r *DeliveryRepository) Create(ctx context.Context, d *domain.Delivery) error {
	const query = `
		INSERT INTO deliveries (id, webhook_id, event_type, payload, attempts, max_attempts, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.pool.Exec(ctx, query,
		d.ID,
		d.WebhookID,
		d.EventType,
		d.Payload,
		d.Attempts,
		d.MaxAttempts,
		d.Status,
		d.CreatedAt,
		d.UpdatedAt,
	)
	return err
}

func (r *DeliveryRepository) GetByID(ctx context.Context, id string) (*domain.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = $1`

	d, err := scanDelivery(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (r *DeliveryRepository) ListByWebhook(ctx context.Context, webhookID string, limit int) ([]*domain.Delivery, error) {
	query := `
		SELECT ` + deliveryColumns + `
		FROM deliveries
		WHERE webhook_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, webhookID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeliveries(rows)
}

func (r *DeliveryRepository) Update(ctx context.Context, d *domain.Delivery) error {
	const query = `
		UPDATE deliveries
		SET status = $2, attempts = $3, response_code = $4, response_body = $5,
		    last_attempt_at = $6, next_retry_at = $7, error_message = $8, updated_at = $9
		WHERE id = $1
	`

	_, err := r.pool.Exec(ctx, query,
		d.ID,
		d.Status,
		d.Attempts,
		d.ResponseCode,
		d.ResponseBody,
		d.LastAttemptAt,
		d.NextRetryAt,
		d.ErrorMessage,
		d.UpdatedAt,
	)
	return err
}

// ClaimDue claims due deliveries: retrying rows past their next_retry_at
// and pending rows a crashed instance abandoned over a minute ago.
// SKIP LOCKED makes concurrent sweeps claim disjoint sets; the claim
// itself moves the row back to pending with next_retry_at cleared, so a
// crash mid-flight costs at most one extra retry cycle.
func (r *DeliveryRepository) ClaimDue(ctx context.Context, limit int) ([]*domain.Delivery, error) {
	query := `
		UPDATE deliveries
		SET status = 'pending', next_retry_at = NULL, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM deliveries
			WHERE (status = 'retrying' AND next_retry_at <= NOW())
			   OR (status = 'pending' AND updated_at <= NOW() - INTERVAL '1 minute')
			ORDER BY next_retry_at NULLS FIRST, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING ` + deliveryColumns

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeliveries(rows)
}

func scanDelivery(row pgx.Row) (*domain.Delivery, error) {
	var d domain.Delivery
	err := row.Scan(
		&d.ID,
		&d.WebhookID,
		&d.EventType,
		&d.Payload,
		&d.ResponseCode,
		&d.ResponseBody,
		&d.Attempts,
		&d.MaxAttempts,
		&d.LastAttemptAt,
		&d.NextRetryAt,
		&d.Status,
		&d.ErrorMessage,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func collectDeliveries(rows pgx.Rows) ([]*domain.Delivery, error) {
	var deliveries []*domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}
