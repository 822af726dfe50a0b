package domain

import (
	"strings"
	"testing"
	"time"
)

func TestDelivery_MarkSucceeded(t *testing.T) {
	d := &Delivery{Status: DeliveryStatusPending, MaxAttempts: 5}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := now.Add(time.Minute)
	d.NextRetryAt = &next

	d.MarkSucceeded(now, 200, "ok")

	if d.Status != DeliveryStatusSuccess {
		t.Errorf("status = %s, want success", d.Status)
	}
	if d.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", d.Attempts)
	}
	if d.NextRetryAt != nil {
		t.Error("NextRetryAt should be nil after success")
	}
	if d.ResponseCode == nil || *d.ResponseCode != 200 {
		t.Errorf("ResponseCode = %v, want 200", d.ResponseCode)
	}
}

func TestDelivery_MarkRetrying(t *testing.T) {
	d := &Delivery{Status: DeliveryStatusPending, MaxAttempts: 5}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := now.Add(4 * time.Second)
	code := 503

	d.MarkRetrying(now, next, &code, "unavailable", "delivery failed with status 503")

	if d.Status != DeliveryStatusRetrying {
		t.Errorf("status = %s, want retrying", d.Status)
	}
	if d.NextRetryAt == nil || !d.NextRetryAt.Equal(next) {
		t.Errorf("NextRetryAt = %v, want %v", d.NextRetryAt, next)
	}
	if d.ErrorMessage == nil {
		t.Fatal("ErrorMessage should be set")
	}
}

func TestDelivery_MarkFailed_ClearsNextRetry(t *testing.T) {
	now := time.Now()
	next := now.Add(time.Minute)
	d := &Delivery{Status: DeliveryStatusRetrying, Attempts: 4, MaxAttempts: 5, NextRetryAt: &next}

	d.MarkFailed(now, nil, "", "connection refused")

	if d.Status != DeliveryStatusFailed {
		t.Errorf("status = %s, want failed", d.Status)
	}
	if d.NextRetryAt != nil {
		t.Error("NextRetryAt should be nil after terminal failure")
	}
	if d.Attempts != 5 {
		t.Errorf("attempts = %d, want 5", d.Attempts)
	}
}

func TestDelivery_Throttle_DoesNotConsumeAttempt(t *testing.T) {
	now := time.Now()
	d := &Delivery{Status: DeliveryStatusPending, Attempts: 2, MaxAttempts: 5}

	d.Throttle(now, now.Add(time.Second))

	if d.Attempts != 2 {
		t.Errorf("attempts = %d, want 2 (throttle must not count as an attempt)", d.Attempts)
	}
	if d.Status != DeliveryStatusRetrying {
		t.Errorf("status = %s, want retrying", d.Status)
	}
	if d.NextRetryAt == nil {
		t.Error("NextRetryAt should be set after throttle")
	}
}

func TestDelivery_ResponseBodyTruncated(t *testing.T) {
	d := &Delivery{MaxAttempts: 5}
	body := strings.Repeat("x", MaxResponseBodyLen+500)

	d.MarkSucceeded(time.Now(), 200, body)

	if d.ResponseBody == nil {
		t.Fatal("ResponseBody should be set")
	}
	if len(*d.ResponseBody) != MaxResponseBodyLen {
		t.Errorf("response body length = %d, want %d", len(*d.ResponseBody), MaxResponseBodyLen)
	}
}

func TestDelivery_CanRetry(t *testing.T) {
	tests := []struct {
		attempts, max int
		want          bool
	}{
		{0, 5, true},
		{4, 5, true},
		{5, 5, false},
		{6, 5, false},
	}
	for _, tt := range tests {
		d := &Delivery{Attempts: tt.attempts, MaxAttempts: tt.max}
		if got := d.CanRetry(); got != tt.want {
			t.Errorf("CanRetry() with %d/%d = %v, want %v", tt.attempts, tt.max, got, tt.want)
		}
	}
}

func TestWebhook_SubscribesTo(t *testing.T) {
	w := &Webhook{
		Active: true,
		Events: []EventType{EventCallEnded, EventAppointmentCreated},
	}

	if !w.SubscribesTo(EventCallEnded) {
		t.Error("should subscribe to call.ended")
	}
	if w.SubscribesTo(EventCallStarted) {
		t.Error("should not subscribe to call.started")
	}

	w.Active = false
	if w.SubscribesTo(EventCallEnded) {
		t.Error("inactive webhook should not match any event")
	}
}

func TestEventType_Valid(t *testing.T) {
	for _, e := range EventTypes() {
		if !e.Valid() {
			t.Errorf("%s should be valid", e)
		}
	}
	if EventType("call.missed").Valid() {
		t.Error("unknown event type should be invalid")
	}
}

func TestNewSecret(t *testing.T) {
	a, b := NewSecret(), NewSecret()
	if a == b {
		t.Error("secrets should be unique")
	}
	if !strings.HasPrefix(a, "whsec_") {
		t.Errorf("secret %q should carry the whsec_ prefix", a)
	}
}
