// Package signature implements HMAC signing and verification for the
// three inbound provider schemes plus the outbound notification
// signature. All comparisons use constant-time equality so a mismatch
// position cannot leak through timing.
package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance bounds how old a timestamped signature may be before
// it is treated as a replay.
const DefaultTolerance = 5 * time.Minute

// Sign computes the outbound signature: hex-encoded HMAC-SHA256 of the
// payload under the webhook's secret. Recipients verify with VerifyHex.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHex checks a plain hex HMAC-SHA256 signature over the raw
// payload. Empty signatures and undecodable hex verify as false; nothing
// is ever propagated to the caller as an error.
func VerifyHex(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// VerifyCanonical checks a canonical-form signature: base64 HMAC-SHA1 of
// the request URL concatenated with every form parameter as key+value,
// sorted by key with no separators. This is the scheme used by the voice
// provider's call-status callbacks.
func VerifyCanonical(url string, params map[string]string, signature, authToken string) bool {
	if signature == "" || authToken == "" {
		return false
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(url)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params[k])
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(want))
}

// VerifyTimestamped checks a header of the form "t=<unix>,v1=<hex hmac>"
// where the HMAC-SHA256 is computed over "<t>.<payload>". Signatures with
// t outside the tolerance are rejected even when the HMAC matches, which
// defeats replay of captured payloads. A tolerance of zero or less uses
// DefaultTolerance.
func VerifyTimestamped(payload []byte, header, secret string, now time.Time, tolerance time.Duration) bool {
	if header == "" || secret == "" {
		return false
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return false
	}

	t, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	age := now.Unix() - t
	if age < 0 {
		age = -age
	}
	if age > int64(tolerance.Seconds()) {
		return false
	}

	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.", ts)
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// SignTimestamped produces a header VerifyTimestamped accepts, used by
// tests and by the local receiver binary.
func SignTimestamped(payload []byte, secret string, now time.Time) string {
	ts := strconv.FormatInt(now.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.", ts)
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}
