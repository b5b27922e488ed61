// Package auth verifies inbound requests: Slack request signatures, Zendesk
// webhook bearer tokens, and single-use OAuth state tokens.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Slack signature headers.
const (
	HeaderSlackTimestamp = "X-Slack-Request-Timestamp"
	HeaderSlackSignature = "X-Slack-Signature"
)

// DefaultMaxSkew is the replay window applied to Slack request timestamps.
const DefaultMaxSkew = 5 * time.Minute

var (
	// ErrInvalidSignature is returned when a signature is missing or does
	// not match the body.
	ErrInvalidSignature = errors.New("auth: invalid signature")
	// ErrStaleTimestamp is returned when a signed request falls outside the
	// replay window.
	ErrStaleTimestamp = errors.New("auth: request timestamp outside replay window")
)

// SlackSignature computes "v0=" + hex(HMAC-SHA256(secret, "v0:ts:body")).
func SlackSignature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySlackSignature checks a Slack request signature. It does not look
// at the timestamp's age; use SlackVerifier for that.
func VerifySlackSignature(secret, timestamp, signature string, body []byte) error {
	if secret == "" {
		return fmt.Errorf("%w: signing secret not configured", ErrInvalidSignature)
	}
	if timestamp == "" || signature == "" {
		return fmt.Errorf("%w: missing signature headers", ErrInvalidSignature)
	}
	if !ConstantTimeEqual(SlackSignature(secret, timestamp, body), signature) {
		return ErrInvalidSignature
	}
	return nil
}

// ConstantTimeEqual compares two strings without short-circuiting on the
// first differing byte. Strings of different length are unequal.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// SlackVerifier verifies signed Slack requests including timestamp freshness.
type SlackVerifier struct {
	Secret string
	// MaxSkew bounds |now - timestamp|. Zero means DefaultMaxSkew; a
	// negative value disables the check.
	MaxSkew time.Duration
	// Now is the clock. Nil means time.Now.
	Now func() time.Time
}

// Verify checks the timestamp window, then the signature.
func (v *SlackVerifier) Verify(timestamp, signature string, body []byte) error {
	skew := v.MaxSkew
	if skew == 0 {
		skew = DefaultMaxSkew
	}
	if skew > 0 {
		secs, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: bad timestamp %q", ErrInvalidSignature, timestamp)
		}
		now := time.Now
		if v.Now != nil {
			now = v.Now
		}
		delta := now().Sub(time.Unix(secs, 0))
		if delta < 0 {
			delta = -delta
		}
		if delta > skew {
			return ErrStaleTimestamp
		}
	}
	return VerifySlackSignature(v.Secret, timestamp, signature, body)
}

// VerifyRequest reads the signature headers from h.
func (v *SlackVerifier) VerifyRequest(h http.Header, body []byte) error {
	return v.Verify(h.Get(HeaderSlackTimestamp), h.Get(HeaderSlackSignature), body)
}
