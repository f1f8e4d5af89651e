package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMissingSignature means the Stripe-Signature header was absent.
	ErrMissingSignature = errors.New("identity: signature header missing")
	// ErrMalformedSignature means the header had no timestamp or no v1 entry.
	ErrMalformedSignature = errors.New("identity: signature header malformed")
	// ErrInvalidSignature means no v1 entry matched the payload.
	ErrInvalidSignature = errors.New("identity: signature mismatch")
	// ErrStaleSignature means the signed timestamp is outside the tolerance.
	ErrStaleSignature = errors.New("identity: signature timestamp outside tolerance")
)

// SignatureVerifier checks `t=<unix>,v1=<hex>` webhook signatures.
type SignatureVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewSignatureVerifier returns a verifier for secret. A non-positive
// tolerance disables the timestamp check.
func NewSignatureVerifier(secret string, tolerance time.Duration) *SignatureVerifier {
	return &SignatureVerifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

// Verify authenticates payload against header.
func (v *SignatureVerifier) Verify(payload []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingSignature
	}

	var (
		timestamp string
		sigs      [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			sigs = append(sigs, sig)
		}
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil || len(sigs) == 0 {
		return ErrMalformedSignature
	}

	expected := Sign(v.secret, timestamp, payload)
	matched := false
	for _, sig := range sigs {
		if hmac.Equal(sig, expected) {
			matched = true
			break
		}
	}
	if !matched {
		return ErrInvalidSignature
	}

	if v.tolerance > 0 {
		age := v.now().Sub(time.Unix(unix, 0))
		if age > v.tolerance || age < -v.tolerance {
			return ErrStaleSignature
		}
	}
	return nil
}

// Sign computes the v1 signature of payload at timestamp.
func Sign(secret []byte, timestamp string, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignatureHeader formats a header value for payload signed at ts.
func SignatureHeader(secret string, ts time.Time, payload []byte) string {
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + timestamp + ",v1=" + hex.EncodeToString(Sign([]byte(secret), timestamp, payload))
}
