// Package webhooks verifies and routes inbound payment-provider events.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the provider signature on webhook deliveries.
const SignatureHeader = "Stripe-Signature"

// DefaultTolerance bounds how stale a signed timestamp may be.
const DefaultTolerance = 5 * time.Minute

// Signature verification errors.
var (
	ErrMissingSignature = errors.New("missing signature header")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrStaleTimestamp   = errors.New("signature timestamp outside tolerance")
	ErrMalformedHeader  = errors.New("malformed signature header")
)

// Verifier checks the HMAC signature on raw webhook bodies.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a verifier for the shared webhook secret.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Verify checks a `t=<unix>,v1=<hex>` signature header against the raw body.
// The signed message is `<t>.<body>`; the timestamp must fall inside the
// tolerance window to stop replayed deliveries.
func (v *Verifier) Verify(body []byte, header string) error {
	if header == "" {
		return ErrMissingSignature
	}

	var timestamp int64
	var candidates [][]byte

	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return ErrMalformedHeader
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return ErrMalformedHeader
			}
			timestamp = ts
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				return ErrMalformedHeader
			}
			candidates = append(candidates, sig)
		}
	}

	if timestamp == 0 || len(candidates) == 0 {
		return ErrMalformedHeader
	}

	age := v.now().Sub(time.Unix(timestamp, 0))
	if age > v.tolerance || age < -v.tolerance {
		return ErrStaleTimestamp
	}

	expected := computeSignature(v.secret, timestamp, body)
	for _, candidate := range candidates {
		if hmac.Equal(candidate, expected) {
			return nil
		}
	}

	return ErrInvalidSignature
}

func computeSignature(secret []byte, timestamp int64, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign builds a signature header for the given body. Used by tests and by
// operators replaying captured deliveries.
func Sign(secret string, timestamp time.Time, body []byte) string {
	ts := timestamp.Unix()
	sig := computeSignature([]byte(secret), ts, body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(sig))
}
