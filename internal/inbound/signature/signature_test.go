package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func sign(t *testing.T, key *rsa.PrivateKey, body []byte) string {
	t.Helper()
	digest := sha1.Sum(body)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

func TestVerify(t *testing.T) {
	key := newKey(t)
	other := newKey(t)
	body := []byte(`{"message":"aGVsbG8="}`)
	v := NewVerifier(&key.PublicKey)

	cases := []struct {
		name   string
		header string
		want   error
	}{
		{"valid", sign(t, key, body), nil},
		{"missing", "", ErrMissingSignature},
		{"blank", "   ", ErrMissingSignature},
		{"not base64", "%%%not-base64%%%", ErrMalformedSignature},
		{"wrong key", sign(t, other, body), ErrInvalidSignature},
		{"other body", sign(t, key, []byte("tampered")), ErrInvalidSignature},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Verify(body, tc.header)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestParsePublicKeyFormats(t *testing.T) {
	key := newKey(t)
	pkix, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pkcs1 := x509.MarshalPKCS1PublicKey(&key.PublicKey)

	inputs := map[string]string{
		"base64 pkix":  base64.StdEncoding.EncodeToString(pkix),
		"base64 pkcs1": base64.StdEncoding.EncodeToString(pkcs1),
		"pem pkix":     string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pkix})),
	}
	for name, raw := range inputs {
		t.Run(name, func(t *testing.T) {
			parsed, err := ParsePublicKey(raw)
			require.NoError(t, err)
			assert.True(t, key.PublicKey.Equal(parsed))
		})
	}

	_, err = ParsePublicKey("")
	assert.Error(t, err)
	_, err = ParsePublicKey("bm90IGEga2V5")
	assert.Error(t, err)
}
