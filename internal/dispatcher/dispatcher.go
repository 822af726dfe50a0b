// Package dispatcher creates delivery records for domain events and
// performs the outbound HTTP attempts.
//
// Dispatch is fire-and-forget: the caller that produced the event never
// sees a delivery error. Created records go onto a bounded in-process
// queue; when the queue is full the job is dropped with a warning and
// the pending row is left for the retry sweeper to reclaim, so the
// caller is never blocked and the notification is never silently lost.
//
// Delivery follows at-least-once semantics. Attempt state is persisted
// by the claim before the HTTP call goes out, so a crash mid-flight
// costs at most one extra retry cycle, never unbounded duplication.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/cabibbz/koya-caller-sub002/internal/clock"
	"github.com/cabibbz/koya-caller-sub002/internal/domain"
	"github.com/cabibbz/koya-caller-sub002/internal/observability"
	"github.com/cabibbz/koya-caller-sub002/internal/repository"
	"github.com/cabibbz/koya-caller-sub002/internal/repository/postgres"
	"github.com/cabibbz/koya-caller-sub002/internal/retry"
	"github.com/cabibbz/koya-caller-sub002/internal/signature"
)

// HTTPClient abstracts HTTP operations for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config defines dispatcher parameters.
type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:   10,
		QueueSize: 1000,
		Timeout:   10 * time.Second,
	}
}

// throttleDelay reschedules internally backpressured deliveries. Short
// on purpose: backpressure is not a destination failure, so it gets no
// exponential backoff and no attempt consumed.
const throttleDelay = time.Second

type job struct {
	delivery *domain.Delivery
	webhook  *domain.Webhook
}

// Dispatcher looks up subscribed webhooks for a domain event, records a
// delivery per webhook, and drives each delivery's state machine through
// signed HTTP POSTs with bounded timeouts.
type Dispatcher struct {
	config     Config
	webhooks   repository.WebhookRepository
	deliveries repository.DeliveryRepository
	httpClient HTTPClient
	clock      clock.Clock
	schedule   retry.Schedule
	guard      *EndpointGuard
	logger     *slog.Logger

	onOutcome  func(status domain.DeliveryStatus)
	onDuration func(seconds float64)
	onAttempt  func()
	onDropped  func()

	queue  chan job
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(
	config Config,
	webhooks repository.WebhookRepository,
	deliveries repository.DeliveryRepository,
	httpClient HTTPClient,
	clk clock.Clock,
	schedule retry.Schedule,
	logger *slog.Logger,
) *Dispatcher {
	if config.Workers <= 0 {
		config.Workers = 10
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Dispatcher{
		config:     config,
		webhooks:   webhooks,
		deliveries: deliveries,
		httpClient: httpClient,
		clock:      clk,
		schedule:   schedule,
		guard:      NewEndpointGuard(DefaultGuardConfig()),
		logger:     logger,
		queue:      make(chan job, config.QueueSize),
	}
}

// WithGuard replaces the default per-endpoint guard.
func (d *Dispatcher) WithGuard(g *EndpointGuard) *Dispatcher {
	d.guard = g
	return d
}

// WithMetrics wires outcome, duration, attempt, and queue-drop hooks.
// The attempt hook fires once per HTTP attempt that actually reaches
// the wire; throttled and breaker-blocked jobs do not count.
func (d *Dispatcher) WithMetrics(
	onOutcome func(status domain.DeliveryStatus),
	onDuration func(seconds float64),
	onAttempt func(),
	onDropped func(),
) *Dispatcher {
	d.onOutcome = onOutcome
	d.onDuration = onDuration
	d.onAttempt = onAttempt
	d.onDropped = onDropped
	return d
}

// Start launches the worker goroutines.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.logger.Info("dispatcher started", "workers", d.config.Workers, "queue_size", d.config.QueueSize)
}

// Stop drains the workers and waits for in-flight attempts.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Dispatch fans a domain event out to the tenant's active subscribed
// webhooks. It returns the created deliveries for observability but no
// error: failures here are logged, never surfaced to the event producer.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID string, eventType domain.EventType, payload json.RawMessage) []*domain.Delivery {
	if !eventType.Valid() {
		d.logger.Error("dropping event with unknown type", "event_type", string(eventType), "tenant_id", tenantID)
		return nil
	}

	webhooks, err := d.webhooks.ListActiveForEvent(ctx, tenantID, eventType)
	if err != nil {
		d.logger.Error("failed to list webhooks for event", "error", err, "tenant_id", tenantID, "event_type", eventType)
		return nil
	}
	if len(webhooks) == 0 {
		return nil
	}

	now := d.clock.Now()
	var created []*domain.Delivery
	for _, w := range webhooks {
		delivery := &domain.Delivery{
			ID:          uuid.NewString(),
			WebhookID:   w.ID,
			EventType:   eventType,
			Payload:     payload,
			Attempts:    0,
			MaxAttempts: d.schedule.MaxAttempts,
			Status:      domain.DeliveryStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := d.deliveries.Create(ctx, delivery); err != nil {
			d.logger.Error("failed to create delivery", "error", err, "webhook_id", w.ID, "event_type", eventType)
			continue
		}
		created = append(created, delivery)

		select {
		case d.queue <- job{delivery: delivery, webhook: w}:
		default:
			// Queue full: drop the job, keep the row. The sweeper picks
			// the stale pending row up on a later pass.
			d.logger.Warn("dispatch queue full, deferring delivery to sweeper",
				"delivery_id", delivery.ID,
				"webhook_id", w.ID,
			)
			if d.onDropped != nil {
				d.onDropped()
			}
		}
	}
	return created
}

// Attempt re-attempts a claimed delivery. It implements the sweeper's
// Attempter contract.
func (d *Dispatcher) Attempt(ctx context.Context, delivery *domain.Delivery) {
	ctx = observability.ContextWithLogger(ctx, d.logger.With(
		"delivery_id", delivery.ID,
		"webhook_id", delivery.WebhookID,
	))
	w, err := d.webhooks.GetByID(ctx, delivery.WebhookID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, postgres.ErrNotFound) {
			// Webhook deleted since the delivery was created: terminal.
			now := d.clock.Now()
			delivery.MarkFailed(now, nil, "", "webhook no longer exists")
			d.persist(ctx, delivery)
			return
		}
		observability.LoggerFromContext(ctx).Error("failed to load webhook for delivery", "error", err)
		return
	}
	d.attempt(ctx, delivery, w)
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			d.attempt(ctx, j.delivery, j.webhook)
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, delivery *domain.Delivery, w *domain.Webhook) {
	ctx = observability.ContextWithLogger(ctx, d.logger.With(
		"delivery_id", delivery.ID,
		"webhook_id", w.ID,
	))
	logger := observability.LoggerFromContext(ctx)
	now := d.clock.Now()

	if !delivery.CanRetry() {
		delivery.MarkFailed(now, delivery.ResponseCode, "", "max attempts exhausted")
		d.persist(ctx, delivery)
		d.observeOutcome(domain.DeliveryStatusFailed)
		return
	}

	if !d.guard.AllowRate(w.ID) {
		delivery.Throttle(now, now.Add(throttleDelay))
		d.persist(ctx, delivery)
		logger.Debug("delivery throttled by endpoint rate")
		return
	}

	start := now
	res, err := d.guard.Execute(w.ID, func() (any, error) {
		return d.post(ctx, delivery, w)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		delivery.Throttle(d.clock.Now(), d.clock.Now().Add(throttleDelay))
		d.persist(ctx, delivery)
		logger.Debug("delivery blocked by open circuit")
		return
	}

	finish := d.clock.Now()
	if d.onAttempt != nil {
		d.onAttempt()
	}
	if d.onDuration != nil {
		d.onDuration(finish.Sub(start).Seconds())
	}

	var outcome postResult
	var statusErr *statusError
	switch {
	case err == nil, errors.As(err, &statusErr):
		// A 5xx response travels back as a statusError so it counts as
		// a breaker failure; the response details are still in res.
		outcome = res.(postResult)
	default:
		// Transport failure: no response at all.
		d.recordFailure(ctx, delivery, finish, nil, "", fmt.Sprintf("request failed: %v", err), false)
		return
	}

	switch {
	case outcome.statusCode >= 200 && outcome.statusCode < 300:
		delivery.MarkSucceeded(finish, outcome.statusCode, outcome.body)
		d.persist(ctx, delivery)
		d.observeOutcome(domain.DeliveryStatusSuccess)
		logger.Debug("delivery succeeded",
			"status_code", outcome.statusCode,
			"attempts", delivery.Attempts,
		)
	case isPermanentFailure(outcome.statusCode):
		// The destination rejected the payload in a way a retry cannot
		// fix; do not burn the remaining attempts.
		code := outcome.statusCode
		d.recordFailure(ctx, delivery, finish, &code, outcome.body,
			fmt.Sprintf("delivery rejected with status %d", outcome.statusCode), true)
	default:
		code := outcome.statusCode
		d.recordFailure(ctx, delivery, finish, &code, outcome.body,
			fmt.Sprintf("delivery failed with status %d", outcome.statusCode), false)
	}
}

type postResult struct {
	statusCode int
	body       string
}

// post performs the signed HTTP POST. Returned errors are transport
// failures; non-2xx responses are returned as values so the breaker can
// distinguish server errors from client errors.
func (d *Dispatcher) post(ctx context.Context, delivery *domain.Delivery, w *domain.Webhook) (postResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return postResult{}, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Koya-Event", string(delivery.EventType))
	req.Header.Set("X-Koya-Delivery-ID", delivery.ID)
	req.Header.Set("X-Koya-Timestamp", strconv.FormatInt(d.clock.Now().Unix(), 10))
	req.Header.Set("X-Koya-Signature", "sha256="+signature.Sign(delivery.Payload, w.Secret))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return postResult{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, domain.MaxResponseBodyLen))
	result := postResult{statusCode: resp.StatusCode, body: string(body)}

	if resp.StatusCode >= 500 {
		// Count 5xx as a breaker failure while still reporting the
		// response to the delivery state machine.
		return result, &statusError{code: resp.StatusCode}
	}
	return result, nil
}

// statusError lets a 5xx response trip the breaker without losing the
// response details.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return "destination returned status " + strconv.Itoa(e.code)
}

func (d *Dispatcher) recordFailure(ctx context.Context, delivery *domain.Delivery, now time.Time, code *int, body, errMsg string, permanent bool) {
	logger := observability.LoggerFromContext(ctx)

	if permanent || delivery.Attempts+1 >= delivery.MaxAttempts {
		delivery.MarkFailed(now, code, body, errMsg)
		d.persist(ctx, delivery)
		d.observeOutcome(domain.DeliveryStatusFailed)
		logger.Warn("delivery failed permanently",
			"attempts", delivery.Attempts,
			"error", errMsg,
		)
		return
	}

	next := d.schedule.NextAttemptTime(now, delivery.Attempts+1)
	delivery.MarkRetrying(now, next, code, body, errMsg)
	d.persist(ctx, delivery)
	d.observeOutcome(domain.DeliveryStatusRetrying)
	logger.Info("delivery scheduled for retry",
		"attempt", delivery.Attempts,
		"next_retry_at", next,
	)
}

func (d *Dispatcher) persist(ctx context.Context, delivery *domain.Delivery) {
	if err := d.deliveries.Update(ctx, delivery); err != nil {
		observability.LoggerFromContext(ctx).Error("failed to update delivery", "error", err, "delivery_id", delivery.ID)
	}
}

func (d *Dispatcher) observeOutcome(status domain.DeliveryStatus) {
	if d.onOutcome != nil {
		d.onOutcome(status)
	}
}

// isPermanentFailure reports whether the status code indicates a client
// error a retry cannot fix. 408 and 429 stay retryable.
func isPermanentFailure(statusCode int) bool {
	switch statusCode {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusMethodNotAllowed,
		http.StatusNotAcceptable,
		http.StatusGone,
		http.StatusRequestEntityTooLarge,
		http.StatusUnsupportedMediaType,
		http.StatusUnprocessableEntity:
		return true
	}
	return false
}
