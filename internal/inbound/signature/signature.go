// Package signature authenticates webhook payloads from the mail relay.
package signature

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingSignature means the signature header was absent or blank.
	ErrMissingSignature = errors.New("signature: header missing")
	// ErrMalformedSignature means the header was not valid base64.
	ErrMalformedSignature = errors.New("signature: header is not valid base64")
	// ErrInvalidSignature means the signature did not match the body.
	ErrInvalidSignature = errors.New("signature: verification failed")
)

// Verifier checks RSA PKCS#1 v1.5 / SHA-1 signatures made by the relay.
type Verifier struct {
	key *rsa.PublicKey
}

// NewVerifier returns a verifier for key.
func NewVerifier(key *rsa.PublicKey) *Verifier {
	return &Verifier{key: key}
}

// Verify authenticates body against the base64 signature header value.
func (v *Verifier) Verify(body []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingSignature
	}
	sig, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return ErrMalformedSignature
	}
	digest := sha1.Sum(body)
	if err := rsa.VerifyPKCS1v15(v.key, crypto.SHA1, digest[:], sig); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

// ParsePublicKey accepts a PEM block or bare base64 DER, in either PKIX or
// PKCS#1 form.
func ParsePublicKey(raw string) (*rsa.PublicKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("signature: empty public key")
	}

	var der []byte
	if block, _ := pem.Decode([]byte(raw)); block != nil {
		der = block.Bytes
	} else {
		decoded, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(raw), ""))
		if err != nil {
			return nil, fmt.Errorf("signature: decode public key: %w", err)
		}
		der = decoded
	}

	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("signature: public key is not RSA")
		}
		return key, nil
	}
	key, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("signature: parse public key: %w", err)
	}
	return key, nil
}
