// Package gateway protects inbound endpoints: rate-limit middleware with
// standard reject headers, and the signature-verifying handlers for the
// third-party webhook providers.
package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/cabibbz/koya-caller-sub002/internal/ratelimit"
)

// KeyFunc extracts the rate-limit identifier from a request.
type KeyFunc func(r *http.Request) string

// KeyByIP keys the limit per client IP. Run behind chi's RealIP
// middleware so RemoteAddr already reflects X-Forwarded-For.
func KeyByIP(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

// KeyByUser keys the limit per authenticated user via a hash of the
// bearer token, falling back to the IP for anonymous requests. Hashing
// keeps raw credentials out of counter keys and logs.
func KeyByUser(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok && token != "" {
		sum := sha256.Sum256([]byte(token))
		return "user:" + hex.EncodeToString(sum[:8])
	}
	return KeyByIP(r)
}

// KeyGlobal applies one process-wide budget to every request.
func KeyGlobal(*http.Request) string {
	return ratelimit.IdentifierGlobal
}

type rateLimitBody struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter"`
}

// RateLimit enforces the named policy before the handler runs. Rejected
// requests get a 429 with retry guidance; allowed ones still carry the
// X-RateLimit-* headers. The check happens before the body is touched so
// over-limit traffic is rejected cheaply.
func RateLimit(limiter *ratelimit.Limiter, policy ratelimit.Policy, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := limiter.Check(r.Context(), policy, key(r))

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt, 10))

			if !d.Allowed {
				h.Set("Retry-After", strconv.Itoa(d.RetryAfter))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(rateLimitBody{
					Error:      "Too many requests",
					RetryAfter: d.RetryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
