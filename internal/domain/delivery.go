package domain

import (
	"encoding/json"
	"time"
)

type DeliveryStatus string

const (
	DeliveryStatusPending  DeliveryStatus = "pending"
	DeliveryStatusRetrying DeliveryStatus = "retrying"
	DeliveryStatusSuccess  DeliveryStatus = "success"
	DeliveryStatusFailed   DeliveryStatus = "failed"
)

// MaxResponseBodyLen bounds the stored response body of a delivery attempt.
const MaxResponseBodyLen = 1000

// Delivery tracks the lifecycle of one outbound notification to one webhook.
//
// State machine:
//
//	pending → success | retrying
//	retrying → success | retrying | failed
//
// success and failed are terminal. NextRetryAt is non-nil iff the status
// is retrying; every transition method maintains that invariant.
type Delivery struct {
	ID            string          `json:"id"`
	WebhookID     string          `json:"webhook_id"`
	EventType     EventType       `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	ResponseCode  *int            `json:"response_code,omitempty"`
	ResponseBody  *string         `json:"response_body,omitempty"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
	Status        DeliveryStatus  `json:"status"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// CanRetry reports whether another attempt is permitted.
func (d *Delivery) CanRetry() bool {
	return d.Attempts < d.MaxAttempts
}

// MarkSucceeded records a 2xx response. Terminal.
func (d *Delivery) MarkSucceeded(now time.Time, statusCode int, body string) {
	d.Status = DeliveryStatusSuccess
	d.Attempts++
	d.ResponseCode = &statusCode
	d.setBody(body)
	d.NextRetryAt = nil
	d.ErrorMessage = nil
	d.LastAttemptAt = &now
	d.UpdatedAt = now
}

// MarkRetrying records a failed attempt with a scheduled retry.
func (d *Delivery) MarkRetrying(now, nextRetry time.Time, statusCode *int, body, errMsg string) {
	d.Status = DeliveryStatusRetrying
	d.Attempts++
	d.ResponseCode = statusCode
	d.setBody(body)
	d.NextRetryAt = &nextRetry
	d.ErrorMessage = &errMsg
	d.LastAttemptAt = &now
	d.UpdatedAt = now
}

// MarkFailed records a terminal failure: retries exhausted or the
// destination rejected the payload permanently.
func (d *Delivery) MarkFailed(now time.Time, statusCode *int, body, errMsg string) {
	d.Status = DeliveryStatusFailed
	d.Attempts++
	d.ResponseCode = statusCode
	d.setBody(body)
	d.NextRetryAt = nil
	d.ErrorMessage = &errMsg
	d.LastAttemptAt = &now
	d.UpdatedAt = now
}

// Throttle reschedules the delivery without consuming an attempt.
// Used when internal backpressure (endpoint throttle, open breaker)
// blocked the attempt before any request was made.
func (d *Delivery) Throttle(now, nextRetry time.Time) {
	d.Status = DeliveryStatusRetrying
	d.NextRetryAt = &nextRetry
	d.UpdatedAt = now
}

func (d *Delivery) setBody(body string) {
	if body == "" {
		d.ResponseBody = nil
		return
	}
	if len(body) > MaxResponseBodyLen {
		body = body[:MaxResponseBodyLen]
	}
	d.ResponseBody = &body
}
