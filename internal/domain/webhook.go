package domain

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Webhook is a tenant-registered endpoint that receives signed event
// notifications. The secret is generated once at creation when the tenant
// does not supply one; it is never rotated automatically.
type Webhook struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id"`
	URL         string      `json:"url"`
	Events      []EventType `json:"events"`
	Secret      string      `json:"secret,omitempty"`
	Active      bool        `json:"active"`
	Description string      `json:"description,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// SubscribesTo reports whether the webhook should receive the given event.
func (w *Webhook) SubscribesTo(eventType EventType) bool {
	if !w.Active {
		return false
	}
	for _, e := range w.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// NewSecret returns a random 32-byte hex secret for outbound signing.
func NewSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return "whsec_" + hex.EncodeToString(buf)
}
