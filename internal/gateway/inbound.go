package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cabibbz/koya-caller-sub002/internal/clock"
	"github.com/cabibbz/koya-caller-sub002/internal/signature"
)

// Signature headers consumed from the three upstream providers.
const (
	HeaderVoiceSignature   = "X-Voice-Signature"
	HeaderBillingSignature = "X-Billing-Signature"
	HeaderCRMSignature     = "X-CRM-Signature"
)

// maxInboundBody caps how much of an inbound webhook body is read.
const maxInboundBody = 1 << 20

// Handler receives the verified raw payload of an inbound webhook.
// The bytes are exactly what the provider sent; re-serializing would
// break any later signature audit.
type Handler func(ctx context.Context, payload []byte) error

// Options configure inbound verification.
type Options struct {
	// Production hard-fails on missing secrets and makes the bypass
	// flag inert.
	Production bool

	// AllowUnverified skips verification. Only honored outside
	// production; the Production field wins unconditionally.
	AllowUnverified bool

	VoiceAuthToken string
	BillingSecret  string
	CRMSecret      string

	// Tolerance for the timestamped scheme; zero means the default.
	Tolerance time.Duration

	// OnVerification, when set, is invoked with the provider name and
	// the outcome ("verified", "rejected", or "bypassed") of every
	// verification attempt. Used to export metrics.
	OnVerification func(provider, outcome string)
}

// Gateway verifies inbound webhook signatures and hands verified
// payloads to domain handlers. Rate limiting is applied as middleware in
// front of these handlers so over-limit traffic never reaches the
// signature work.
type Gateway struct {
	opts   Options
	logger *slog.Logger
	clock  clock.Clock
}

func New(opts Options, logger *slog.Logger, clk clock.Clock) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Gateway{opts: opts, logger: logger, clock: clk}
}

// Voice handles the telephony provider's call-status callbacks:
// form-encoded bodies signed with base64 HMAC-SHA1 over the full URL
// plus the sorted form parameters.
func (g *Gateway) Voice(next Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := g.readBody(w, r)
		if !ok {
			return
		}

		if !g.secretConfigured(w, g.opts.VoiceAuthToken, "voice") {
			return
		}

		if g.bypassed() {
			g.observe("voice", "bypassed")
		} else {
			params, err := url.ParseQuery(string(body))
			if err != nil {
				g.reject(w, "voice")
				return
			}
			flat := make(map[string]string, len(params))
			for k, vs := range params {
				if len(vs) > 0 {
					flat[k] = vs[0]
				}
			}
			if !signature.VerifyCanonical(requestURL(r), flat, r.Header.Get(HeaderVoiceSignature), g.opts.VoiceAuthToken) {
				g.reject(w, "voice")
				return
			}
			g.observe("voice", "verified")
		}

		g.invoke(w, r, next, body)
	}
}

// Billing handles the billing provider's notifications: JSON bodies with
// a timestamped "t=...,v1=..." signature header. Stale timestamps are
// rejected even when the HMAC matches.
func (g *Gateway) Billing(next Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := g.readBody(w, r)
		if !ok {
			return
		}

		if !g.secretConfigured(w, g.opts.BillingSecret, "billing") {
			return
		}

		if g.bypassed() {
			g.observe("billing", "bypassed")
		} else {
			header := r.Header.Get(HeaderBillingSignature)
			if !signature.VerifyTimestamped(body, header, g.opts.BillingSecret, g.clock.Now(), g.opts.Tolerance) {
				g.reject(w, "billing")
				return
			}
			g.observe("billing", "verified")
		}

		g.invoke(w, r, next, body)
	}
}

// CRM handles the CRM integration's notifications: JSON bodies with a
// plain hex HMAC-SHA256 signature over the raw payload.
func (g *Gateway) CRM(next Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := g.readBody(w, r)
		if !ok {
			return
		}

		if !g.secretConfigured(w, g.opts.CRMSecret, "crm") {
			return
		}

		if g.bypassed() {
			g.observe("crm", "bypassed")
		} else {
			if !signature.VerifyHex(body, r.Header.Get(HeaderCRMSignature), g.opts.CRMSecret) {
				g.reject(w, "crm")
				return
			}
			g.observe("crm", "verified")
		}

		g.invoke(w, r, next, body)
	}
}

func (g *Gateway) bypassed() bool {
	return g.opts.AllowUnverified && !g.opts.Production
}

func (g *Gateway) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "unable to read request body"})
		return nil, false
	}
	return body, true
}

// secretConfigured enforces the missing-secret policy: in production an
// unsigned-traffic hole is a hard failure; elsewhere we log and let
// verification fail naturally against the empty secret.
func (g *Gateway) secretConfigured(w http.ResponseWriter, secret, provider string) bool {
	if secret != "" {
		return true
	}
	if g.opts.Production {
		g.logger.Error("webhook secret not configured", "provider", provider)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "webhook secret not configured"})
		return false
	}
	g.logger.Warn("webhook secret not configured, verification will fail", "provider", provider)
	return true
}

// reject answers 401 without detail about which check failed.
func (g *Gateway) reject(w http.ResponseWriter, provider string) {
	g.observe(provider, "rejected")
	respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
}

func (g *Gateway) observe(provider, outcome string) {
	if g.opts.OnVerification != nil {
		g.opts.OnVerification(provider, outcome)
	}
}

func (g *Gateway) invoke(w http.ResponseWriter, r *http.Request, next Handler, body []byte) {
	if err := next(r.Context(), body); err != nil {
		g.logger.Error("inbound webhook handler failed", "error", err, "path", r.URL.Path)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	w.WriteHeader(http.StatusOK)
}

// requestURL reconstructs the externally visible URL the provider
// signed, honoring the proxy's forwarded protocol.
func requestURL(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
