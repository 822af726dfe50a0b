package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cabibbz/koya-caller-sub002/internal/clock"
	"github.com/cabibbz/koya-caller-sub002/internal/domain"
	"github.com/cabibbz/koya-caller-sub002/internal/retry"
	"github.com/cabibbz/koya-caller-sub002/internal/signature"
)

type mockWebhookRepo struct {
	mu       sync.Mutex
	webhooks []*domain.Webhook
}

func (m *mockWebhookRepo) Create(ctx context.Context, w *domain.Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks = append(m.webhooks, w)
	return nil
}

func (m *mockWebhookRepo) GetByID(ctx context.Context, id string) (*domain.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.webhooks {
		if w.ID == id {
			return w, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockWebhookRepo) ListByTenant(ctx context.Context, tenantID string) ([]*domain.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Webhook
	for _, w := range m.webhooks {
		if w.TenantID == tenantID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *mockWebhookRepo) ListActiveForEvent(ctx context.Context, tenantID string, eventType domain.EventType) ([]*domain.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Webhook
	for _, w := range m.webhooks {
		if w.TenantID == tenantID && w.SubscribesTo(eventType) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *mockWebhookRepo) Update(ctx context.Context, w *domain.Webhook) error { return nil }
func (m *mockWebhookRepo) Delete(ctx context.Context, id string) error         { return nil }

type mockDeliveryRepo struct {
	mu         sync.Mutex
	deliveries map[string]*domain.Delivery
	updates    int
}

func newMockDeliveryRepo() *mockDeliveryRepo {
	return &mockDeliveryRepo{deliveries: make(map[string]*domain.Delivery)}
}

func (m *mockDeliveryRepo) Create(ctx context.Context, d *domain.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deliveries[d.ID] = &cp
	return nil
}

func (m *mockDeliveryRepo) GetByID(ctx context.Context, id string) (*domain.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.deliveries[id]; ok {
		return d, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockDeliveryRepo) ListByWebhook(ctx context.Context, webhookID string, limit int) ([]*domain.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Delivery
	for _, d := range m.deliveries {
		if d.WebhookID == webhookID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *mockDeliveryRepo) Update(ctx context.Context, d *domain.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deliveries[d.ID] = &cp
	m.updates++
	return nil
}

func (m *mockDeliveryRepo) ClaimDue(ctx context.Context, limit int) ([]*domain.Delivery, error) {
	return nil, nil
}

func testWebhook(url string) *domain.Webhook {
	return &domain.Webhook{
		ID:       "wh_1",
		TenantID: "tenant_1",
		URL:      url,
		Events:   []domain.EventType{domain.EventAppointmentCreated},
		Secret:   "whsec_test",
		Active:   true,
	}
}

func newTestDispatcher(webhooks *mockWebhookRepo, deliveries *mockDeliveryRepo) *Dispatcher {
	return New(
		Config{Workers: 1, QueueSize: 10, Timeout: 5 * time.Second},
		webhooks,
		deliveries,
		http.DefaultClient,
		clock.RealClock{},
		retry.DefaultSchedule(),
		nil,
	)
}

// wideOpenGuard avoids rate throttling in tests that hammer one endpoint.
func wideOpenGuard() *EndpointGuard {
	cfg := DefaultGuardConfig()
	cfg.RequestsPerSecond = 10000
	cfg.Burst = 10000
	cfg.BreakerMinRequests = 1000
	return NewEndpointGuard(cfg)
}

func TestDispatcher_SuccessfulDelivery(t *testing.T) {
	payload := json.RawMessage(`{"appointment_id":"apt_1"}`)

	var gotSig string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Koya-Signature")
		if r.Header.Get("X-Koya-Event") != "appointment.created" {
			t.Errorf("X-Koya-Event = %q", r.Header.Get("X-Koya-Event"))
		}
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		gotBody = buf[:n]
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhooks := &mockWebhookRepo{webhooks: []*domain.Webhook{testWebhook(server.URL)}}
	deliveries := newMockDeliveryRepo()
	d := newTestDispatcher(webhooks, deliveries)

	created := d.Dispatch(context.Background(), "tenant_1", domain.EventAppointmentCreated, payload)
	if len(created) != 1 {
		t.Fatalf("created %d deliveries, want 1", len(created))
	}

	d.attempt(context.Background(), created[0], webhooks.webhooks[0])

	if created[0].Status != domain.DeliveryStatusSuccess {
		t.Errorf("status = %s, want success", created[0].Status)
	}
	if created[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", created[0].Attempts)
	}
	if !signature.VerifyHex(gotBody, gotSig, "whsec_test") {
		t.Error("outbound signature should verify against the raw body")
	}
}

func TestDispatcher_EventWithoutSubscribersCreatesNothing(t *testing.T) {
	webhooks := &mockWebhookRepo{webhooks: []*domain.Webhook{testWebhook("http://example.invalid")}}
	deliveries := newMockDeliveryRepo()
	d := newTestDispatcher(webhooks, deliveries)

	created := d.Dispatch(context.Background(), "tenant_1", domain.EventCallStarted, json.RawMessage(`{}`))
	if len(created) != 0 {
		t.Errorf("created %d deliveries for unsubscribed event, want 0", len(created))
	}
}

func TestDispatcher_FailuresExhaustRetriesThenTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	webhooks := &mockWebhookRepo{webhooks: []*domain.Webhook{testWebhook(server.URL)}}
	deliveries := newMockDeliveryRepo()
	d := newTestDispatcher(webhooks, deliveries).WithGuard(wideOpenGuard())

	created := d.Dispatch(context.Background(), "tenant_1", domain.EventAppointmentCreated, json.RawMessage(`{}`))
	delivery := created[0]

	for i := 0; i < 5; i++ {
		if delivery.Status == domain.DeliveryStatusFailed {
			t.Fatalf("terminal before attempt %d", i+1)
		}
		d.attempt(context.Background(), delivery, webhooks.webhooks[0])
	}

	if delivery.Status != domain.DeliveryStatusFailed {
		t.Errorf("status = %s, want failed after max attempts", delivery.Status)
	}
	if delivery.Attempts != 5 {
		t.Errorf("attempts = %d, want 5", delivery.Attempts)
	}
	if delivery.NextRetryAt != nil {
		t.Error("NextRetryAt should be nil in terminal failure")
	}
}

func TestDispatcher_RetryThenSuccess(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 5 {
			http.Error(w, "not yet", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhooks := &mockWebhookRepo{webhooks: []*domain.Webhook{testWebhook(server.URL)}}
	deliveries := newMockDeliveryRepo()
	d := newTestDispatcher(webhooks, deliveries).WithGuard(wideOpenGuard())

	created := d.Dispatch(context.Background(), "tenant_1", domain.EventAppointmentCreated, json.RawMessage(`{}`))
	delivery := created[0]

	for i := 0; i < 5; i++ {
		d.attempt(context.Background(), delivery, webhooks.webhooks[0])
	}

	if delivery.Status != domain.DeliveryStatusSuccess {
		t.Errorf("status = %s, want success on the final attempt", delivery.Status)
	}
	if delivery.Attempts != 5 {
		t.Errorf("attempts = %d, want 5", delivery.Attempts)
	}
}

func TestDispatcher_PermanentRejectionSkipsRemainingRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer server.Close()

	webhooks := &mockWebhookRepo{webhooks: []*domain.Webhook{testWebhook(server.URL)}}
	deliveries := newMockDeliveryRepo()
	d := newTestDispatcher(webhooks, deliveries).WithGuard(wideOpenGuard())

	created := d.Dispatch(context.Background(), "tenant_1", domain.EventAppointmentCreated, json.RawMessage(`{}`))
	d.attempt(context.Background(), created[0], webhooks.webhooks[0])

	if created[0].Status != domain.DeliveryStatusFailed {
		t.Errorf("status = %s, want failed without retries on 400", created[0].Status)
	}
	if created[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", created[0].Attempts)
	}
}

func TestDispatcher_ThrottleDoesNotConsumeAttempt(t *testing.T) {
	webhooks := &mockWebhookRepo{webhooks: []*domain.Webhook{testWebhook("http://example.invalid")}}
	deliveries := newMockDeliveryRepo()

	cfg := DefaultGuardConfig()
	cfg.RequestsPerSecond = 0.001
	cfg.Burst = 0 // every request throttled
	d := newTestDispatcher(webhooks, deliveries).WithGuard(NewEndpointGuard(cfg))

	created := d.Dispatch(context.Background(), "tenant_1", domain.EventAppointmentCreated, json.RawMessage(`{}`))
	d.attempt(context.Background(), created[0], webhooks.webhooks[0])

	if created[0].Attempts != 0 {
		t.Errorf("attempts = %d, want 0 after throttle", created[0].Attempts)
	}
	if created[0].Status != domain.DeliveryStatusRetrying {
		t.Errorf("status = %s, want retrying", created[0].Status)
	}
	if created[0].NextRetryAt == nil {
		t.Error("throttled delivery should carry a retry time")
	}
}

func TestDispatcher_QueueFullDropsJobKeepsRecord(t *testing.T) {
	webhooks := &mockWebhookRepo{webhooks: []*domain.Webhook{testWebhook("http://example.invalid")}}
	deliveries := newMockDeliveryRepo()

	dropped := 0
	d := New(
		Config{Workers: 1, QueueSize: 1, Timeout: time.Second},
		webhooks, deliveries, http.DefaultClient, clock.RealClock{}, retry.DefaultSchedule(), nil,
	).WithMetrics(nil, nil, nil, func() { dropped++ })
	// workers not started, so the queue fills after one job

	d.Dispatch(context.Background(), "tenant_1", domain.EventAppointmentCreated, json.RawMessage(`{}`))
	created := d.Dispatch(context.Background(), "tenant_1", domain.EventAppointmentCreated, json.RawMessage(`{}`))

	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if len(created) != 1 {
		t.Fatal("record should still be created when the queue is full")
	}
	if stored, _ := deliveries.GetByID(context.Background(), created[0].ID); stored.Status != domain.DeliveryStatusPending {
		t.Errorf("dropped job's record status = %s, want pending for the sweeper", stored.Status)
	}
}

func TestDispatcher_AttemptForDeletedWebhookFailsTerminally(t *testing.T) {
	deliveries := newMockDeliveryRepo()
	d := newTestDispatcher(&mockWebhookRepo{}, deliveries)

	delivery := &domain.Delivery{
		ID:          "del_1",
		WebhookID:   "wh_gone",
		EventType:   domain.EventCallEnded,
		Payload:     json.RawMessage(`{}`),
		MaxAttempts: 5,
		Status:      domain.DeliveryStatusPending,
	}
	deliveries.Create(context.Background(), delivery)

	d.Attempt(context.Background(), delivery)

	if delivery.Status != domain.DeliveryStatusFailed {
		t.Errorf("status = %s, want failed when the webhook is gone", delivery.Status)
	}
}

func TestDispatcher_AttemptHookCountsWireAttemptsOnly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhooks := &mockWebhookRepo{webhooks: []*domain.Webhook{testWebhook(server.URL)}}
	deliveries := newMockDeliveryRepo()

	attempts := 0
	d := newTestDispatcher(webhooks, deliveries).WithMetrics(nil, nil, func() { attempts++ }, nil)

	created := d.Dispatch(context.Background(), "tenant_1", domain.EventAppointmentCreated, json.RawMessage(`{}`))
	d.attempt(context.Background(), created[0], webhooks.webhooks[0])
	if attempts != 1 {
		t.Errorf("attempts hook fired %d times, want 1", attempts)
	}

	// A throttled job never reaches the wire, so it must not count.
	cfg := DefaultGuardConfig()
	cfg.RequestsPerSecond = 0.001
	cfg.Burst = 0
	d.WithGuard(NewEndpointGuard(cfg))

	created = d.Dispatch(context.Background(), "tenant_1", domain.EventAppointmentCreated, json.RawMessage(`{}`))
	d.attempt(context.Background(), created[0], webhooks.webhooks[0])
	if attempts != 1 {
		t.Errorf("attempts hook fired %d times after throttle, want still 1", attempts)
	}
}

func TestDispatcher_AttemptLogsCarryDeliveryScope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	webhooks := &mockWebhookRepo{webhooks: []*domain.Webhook{testWebhook(server.URL)}}
	deliveries := newMockDeliveryRepo()
	d := New(
		Config{Workers: 1, QueueSize: 10, Timeout: 5 * time.Second},
		webhooks, deliveries, http.DefaultClient, clock.RealClock{}, retry.DefaultSchedule(), logger,
	)

	created := d.Dispatch(context.Background(), "tenant_1", domain.EventAppointmentCreated, json.RawMessage(`{}`))
	d.attempt(context.Background(), created[0], webhooks.webhooks[0])

	logs := buf.String()
	if !strings.Contains(logs, "delivery_id="+created[0].ID) {
		t.Errorf("attempt logs missing delivery_id scope: %s", logs)
	}
	if !strings.Contains(logs, "webhook_id=wh_1") {
		t.Errorf("attempt logs missing webhook_id scope: %s", logs)
	}
}

func TestDispatcher_StartStop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhooks := &mockWebhookRepo{webhooks: []*domain.Webhook{testWebhook(server.URL)}}
	deliveries := newMockDeliveryRepo()
	d := newTestDispatcher(webhooks, deliveries)

	d.Start(context.Background())
	created := d.Dispatch(context.Background(), "tenant_1", domain.EventAppointmentCreated, json.RawMessage(`{}`))

	deadline := time.After(2 * time.Second)
	for {
		stored, _ := deliveries.GetByID(context.Background(), created[0].ID)
		if stored != nil && stored.Status == domain.DeliveryStatusSuccess {
			break
		}
		select {
		case <-deadline:
			t.Fatal("delivery not completed before deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}

	d.Stop()
}
