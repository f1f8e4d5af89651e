package pgpenv

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/openpgp"

	"github.com/deskworks/support-desk/internal/domain"
	"github.com/deskworks/support-desk/internal/inbound/mimemsg"
	"github.com/deskworks/support-desk/internal/inbound/pgpenv/pgptest"
)

var (
	fixturesOnce sync.Once
	customerKey  *openpgp.Entity
	strangerKey  *openpgp.Entity
	serviceKey   *openpgp.Entity
)

func fixtures(t *testing.T) {
	fixturesOnce.Do(func() {
		customerKey = pgptest.NewEntity(t, "Customer", "customer@example.com")
		strangerKey = pgptest.NewEntity(t, "Stranger", "stranger@example.com")
		serviceKey = pgptest.NewEntity(t, "Support", "support@example.net")
	})
}

func serviceResolver(t *testing.T) *Resolver {
	t.Helper()
	ring, err := LoadPrivateKeyRing(strings.NewReader(pgptest.ArmoredPrivate(t, serviceKey)), nil)
	require.NoError(t, err)
	return NewResolver(ring)
}

func parse(t *testing.T, raw []byte) *mimemsg.Message {
	t.Helper()
	msg, err := mimemsg.Parse(raw)
	require.NoError(t, err)
	return msg
}

func TestResolvePlainPassesThrough(t *testing.T) {
	fixtures(t)
	raw := []byte(pgptest.Headers("customer@example.com", "<plain@x>") + "Content-Type: text/plain\r\n\r\nhello\r\n")
	msg := parse(t, raw)

	res, err := NewResolver(nil).Resolve(msg, nil)
	require.NoError(t, err)
	assert.Same(t, msg, res.Message)
	assert.False(t, res.Signed)
	assert.False(t, res.Verified)
	assert.Empty(t, res.Fingerprint)
}

func TestResolveTrustOnFirstUse(t *testing.T) {
	fixtures(t)
	entity := pgptest.MixedEntity("signed hello", pgptest.KeyPart(t, customerKey))
	raw := pgptest.Signed(t, customerKey, pgptest.Headers("customer@example.com", "<tofu@x>"), entity)

	res, err := NewResolver(nil).Resolve(parse(t, raw), nil)
	require.NoError(t, err)

	assert.True(t, res.Signed)
	assert.True(t, res.Verified)
	assert.True(t, res.Bootstrapped)
	assert.Equal(t, Fingerprint(customerKey), res.Fingerprint)
	require.Len(t, res.Discovered, 1)
	assert.Equal(t, Fingerprint(customerKey), res.Discovered[0].Fingerprint)

	assert.Equal(t, "multipart/mixed", res.Message.Root.MediaType)
	assert.Equal(t, "<tofu@x>", res.Message.MessageID())
	body := res.Message.Body("text/plain")
	require.NotNil(t, body)
	assert.Equal(t, "signed hello", strings.TrimSpace(string(body.Body)))
}

func TestResolveKnownKeyVerifies(t *testing.T) {
	fixtures(t)
	raw := pgptest.Signed(t, customerKey, pgptest.Headers("customer@example.com", "<known@x>"),
		"Content-Type: text/plain\r\n\r\nhello again")
	known := []domain.CustomerPGPKey{{Fingerprint: Fingerprint(customerKey), ArmoredKey: pgptest.ArmoredPublic(t, customerKey), IsPrimary: true}}

	res, err := NewResolver(nil).Resolve(parse(t, raw), known)
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.False(t, res.Bootstrapped)
	assert.Equal(t, Fingerprint(customerKey), res.Fingerprint)
}

func TestResolveRefusesRebootstrap(t *testing.T) {
	fixtures(t)
	entity := pgptest.MixedEntity("trust me", pgptest.KeyPart(t, strangerKey))
	raw := pgptest.Signed(t, strangerKey, pgptest.Headers("customer@example.com", "<evil@x>"), entity)
	known := []domain.CustomerPGPKey{{Fingerprint: Fingerprint(customerKey), ArmoredKey: pgptest.ArmoredPublic(t, customerKey), IsPrimary: true}}

	res, err := NewResolver(nil).Resolve(parse(t, raw), known)
	require.NoError(t, err)
	assert.True(t, res.Signed)
	assert.False(t, res.Verified)
	assert.False(t, res.Bootstrapped)
	assert.Empty(t, res.Fingerprint)
}

func TestResolveTamperedContentFailsVerification(t *testing.T) {
	fixtures(t)
	raw := pgptest.Signed(t, customerKey, pgptest.Headers("customer@example.com", "<tamper@x>"),
		pgptest.MixedEntity("pay 10 EUR", pgptest.KeyPart(t, customerKey)))
	tampered := []byte(strings.Replace(string(raw), "pay 10 EUR", "pay 99 EUR", 1))

	res, err := NewResolver(nil).Resolve(parse(t, tampered), nil)
	require.NoError(t, err)
	assert.True(t, res.Signed)
	assert.False(t, res.Verified)
	assert.False(t, res.Bootstrapped)
}

func TestResolveMalformedSignedFallsBackToUnsigned(t *testing.T) {
	fixtures(t)
	raw := []byte(pgptest.Headers("customer@example.com", "<broken@x>") +
		"Content-Type: multipart/signed; protocol=\"application/x-other\"; boundary=b\r\n\r\n" +
		"--b\r\nContent-Type: text/plain\r\n\r\nhello\r\n--b\r\nContent-Type: application/pgp-signature\r\n\r\nxx\r\n--b--\r\n")
	msg := parse(t, raw)

	res, err := NewResolver(nil).Resolve(msg, nil)
	require.NoError(t, err)
	assert.Same(t, msg, res.Message)
	assert.False(t, res.Signed)
	assert.False(t, res.Verified)
}

func TestResolveSignedWithThreeSegmentsIsUnsigned(t *testing.T) {
	fixtures(t)
	raw := []byte(pgptest.Headers("customer@example.com", "<three@x>") +
		"Content-Type: multipart/signed; protocol=\"application/pgp-signature\"; boundary=b\r\n\r\n" +
		"--b\r\nContent-Type: text/plain\r\n\r\nhello\r\n--b\r\nContent-Type: text/plain\r\n\r\nmore\r\n" +
		"--b\r\nContent-Type: application/pgp-signature\r\n\r\nxx\r\n--b--\r\n")

	res, err := NewResolver(nil).Resolve(parse(t, raw), nil)
	require.NoError(t, err)
	assert.False(t, res.Signed)
}

func TestResolveEncryptedProtectedHeaders(t *testing.T) {
	fixtures(t)
	plaintext := "Content-Type: text/plain; charset=utf-8; protected-headers=\"v1\"\r\n" +
		"Subject: the real subject\r\n\r\nsecret body\r\n"
	raw := pgptest.Encrypted(t, serviceKey, pgptest.Headers("customer@example.com", "<enc@x>"), plaintext)

	res, err := serviceResolver(t).Resolve(parse(t, raw), nil)
	require.NoError(t, err)

	assert.True(t, res.Signed)
	assert.False(t, res.Verified)
	assert.Equal(t, "the real subject", res.Message.Subject())
	assert.Equal(t, "<enc@x>", res.Message.MessageID())
	assert.Equal(t, "customer@example.com", res.Message.From().Address)
	body := res.Message.Body("text/plain")
	require.NotNil(t, body)
	assert.Equal(t, "secret body", strings.TrimSpace(string(body.Body)))
}

func TestResolveEncryptedWithoutProtectedHeadersKeepsOuter(t *testing.T) {
	fixtures(t)
	plaintext := "Content-Type: text/plain\r\nSubject: ignored\r\n\r\nbody\r\n"
	raw := pgptest.Encrypted(t, serviceKey, pgptest.Headers("customer@example.com", "<enc2@x>"), plaintext)

	res, err := serviceResolver(t).Resolve(parse(t, raw), nil)
	require.NoError(t, err)
	assert.Equal(t, "outer subject", res.Message.Subject())
}

func TestResolveEncryptedThenSigned(t *testing.T) {
	fixtures(t)
	signed := pgptest.Signed(t, customerKey, "", pgptest.MixedEntity("double wrapped", pgptest.KeyPart(t, customerKey)))
	raw := pgptest.Encrypted(t, serviceKey, pgptest.Headers("customer@example.com", "<both@x>"), string(signed))

	res, err := serviceResolver(t).Resolve(parse(t, raw), nil)
	require.NoError(t, err)
	assert.True(t, res.Signed)
	assert.True(t, res.Verified)
	assert.True(t, res.Bootstrapped)
	assert.Equal(t, Fingerprint(customerKey), res.Fingerprint)
	assert.Equal(t, "<both@x>", res.Message.MessageID())
}

func TestResolveDecryptionFailures(t *testing.T) {
	fixtures(t)
	headers := pgptest.Headers("customer@example.com", "<fail@x>")
	plaintext := "Content-Type: text/plain\r\n\r\nbody\r\n"

	cases := map[string][]byte{
		"wrong recipient": pgptest.Encrypted(t, strangerKey, headers, plaintext),
		"bad control":     []byte(headers + pgptest.EncryptedBody("-----BEGIN PGP MESSAGE-----", "Version: 2")),
		"garbage payload": []byte(headers + pgptest.EncryptedBody("not a pgp message", "Version: 1")),
		"wrong protocol": []byte(headers +
			"Content-Type: multipart/encrypted; protocol=\"application/other\"; boundary=e\r\n\r\n" +
			"--e\r\nContent-Type: application/pgp-encrypted\r\n\r\nVersion: 1\r\n--e--\r\n"),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := serviceResolver(t).Resolve(parse(t, raw), nil)
			require.ErrorIs(t, err, ErrDecryptionFailed)
		})
	}

	_, err := NewResolver(nil).Resolve(parse(t, pgptest.Encrypted(t, serviceKey, headers, plaintext)), nil)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}
