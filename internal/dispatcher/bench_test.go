package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cabibbz/koya-caller-sub002/internal/clock"
	"github.com/cabibbz/koya-caller-sub002/internal/domain"
	"github.com/cabibbz/koya-caller-sub002/internal/retry"
)

// BenchmarkAttempt measures one full delivery attempt: signing, the HTTP
// round trip to a local destination, and the state transition.
func BenchmarkAttempt(b *testing.B) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhooks := &mockWebhookRepo{}
	deliveries := newMockDeliveryRepo()
	hook := testWebhook(server.URL)
	webhooks.Create(context.Background(), hook)

	d := New(
		Config{Workers: 1, QueueSize: 10, Timeout: 5 * time.Second},
		webhooks,
		deliveries,
		http.DefaultClient,
		clock.RealClock{},
		retry.DefaultSchedule(),
		nil,
	).WithGuard(wideOpenGuard())

	payload := json.RawMessage(`{"appointment_id":"apt_bench"}`)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		delivery := &domain.Delivery{
			ID:          "d_bench",
			WebhookID:   hook.ID,
			EventType:   domain.EventAppointmentCreated,
			Payload:     payload,
			MaxAttempts: 5,
			Status:      domain.DeliveryStatusPending,
		}
		d.attempt(ctx, delivery, hook)
		if delivery.Status != domain.DeliveryStatusSuccess {
			b.Fatalf("status = %s", delivery.Status)
		}
	}
}

// BenchmarkDispatchFanout measures end-to-end enqueue throughput with
// the worker pool draining against a local destination.
func BenchmarkDispatchFanout(b *testing.B) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhooks := &mockWebhookRepo{}
	deliveries := newMockDeliveryRepo()
	webhooks.Create(context.Background(), testWebhook(server.URL))

	d := New(
		Config{Workers: 4, QueueSize: 1024, Timeout: 5 * time.Second},
		webhooks,
		deliveries,
		http.DefaultClient,
		clock.RealClock{},
		retry.DefaultSchedule(),
		nil,
	).WithGuard(wideOpenGuard())

	ctx := context.Background()
	d.Start(ctx)
	defer d.Stop()

	payload := json.RawMessage(`{"call_sid":"CA_bench"}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.Dispatch(ctx, "tenant_1", domain.EventAppointmentCreated, payload)
	}
}
