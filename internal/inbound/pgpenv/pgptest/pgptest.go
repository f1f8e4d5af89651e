// Package pgptest builds OpenPGP/MIME fixtures for tests.
package pgptest

import (
	"bytes"
	"crypto"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"

	"github.com/deskworks/support-desk/internal/inbound/rawsplit"
)

// NewEntity generates a fresh key pair preferring SHA-256.
func NewEntity(tb testing.TB, name, email string) *openpgp.Entity {
	tb.Helper()
	e, err := openpgp.NewEntity(name, "", email, &packet.Config{DefaultHash: crypto.SHA256})
	require.NoError(tb, err)
	return e
}

// ArmoredPublic returns the armored public key of e.
func ArmoredPublic(tb testing.TB, e *openpgp.Entity) string {
	tb.Helper()
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	require.NoError(tb, err)
	require.NoError(tb, e.Serialize(w))
	require.NoError(tb, w.Close())
	return buf.String()
}

// ArmoredPrivate returns the armored, unencrypted secret key of e.
func ArmoredPrivate(tb testing.TB, e *openpgp.Entity) string {
	tb.Helper()
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PrivateKeyType, nil)
	require.NoError(tb, err)
	require.NoError(tb, e.SerializePrivate(w, nil))
	require.NoError(tb, w.Close())
	return buf.String()
}

func crlf(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\n", "\r\n")
}

// KeyPart renders a MIME part carrying e's public key.
func KeyPart(tb testing.TB, e *openpgp.Entity) string {
	tb.Helper()
	return "Content-Type: application/pgp-keys\r\n" +
		"Content-Disposition: attachment; filename=\"key.asc\"\r\n\r\n" +
		crlf(ArmoredPublic(tb, e))
}

// MixedEntity renders a multipart/mixed entity with a plain text body and
// the extra parts appended.
func MixedEntity(body string, parts ...string) string {
	var b strings.Builder
	b.WriteString("Content-Type: multipart/mixed; boundary=\"inner-boundary\"\r\n\r\n")
	b.WriteString("--inner-boundary\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(crlf(body))
	b.WriteString("\r\n")
	for _, p := range parts {
		b.WriteString("--inner-boundary\r\n")
		b.WriteString(strings.TrimRight(p, "\r\n"))
		b.WriteString("\r\n")
	}
	b.WriteString("--inner-boundary--\r\n")
	return b.String()
}

// Signed wraps entity (a complete MIME entity) in multipart/signed with a
// detached signature by signer. headers are prepended verbatim and must end
// in CRLF.
func Signed(tb testing.TB, signer *openpgp.Entity, headers, entity string) []byte {
	tb.Helper()
	entity = strings.TrimRight(crlf(entity), "\r\n")
	var sig bytes.Buffer
	require.NoError(tb, openpgp.ArmoredDetachSign(&sig, signer, bytes.NewReader(rawsplit.Canonicalize([]byte(entity))), nil))

	return []byte(headers +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/signed; micalg=pgp-sha256; protocol=\"application/pgp-signature\"; boundary=\"sig-boundary\"\r\n" +
		"\r\n" +
		"This is an OpenPGP/MIME signed message.\r\n" +
		"--sig-boundary\r\n" +
		entity + "\r\n" +
		"--sig-boundary\r\n" +
		"Content-Type: application/pgp-signature; name=\"signature.asc\"\r\n\r\n" +
		crlf(sig.String()) + "\r\n" +
		"--sig-boundary--\r\n")
}

// Encrypted encrypts plaintext (a complete MIME entity) to recipient and
// wraps it in multipart/encrypted.
func Encrypted(tb testing.TB, recipient *openpgp.Entity, headers, plaintext string) []byte {
	tb.Helper()
	var ct bytes.Buffer
	aw, err := armor.Encode(&ct, "PGP MESSAGE", nil)
	require.NoError(tb, err)
	pw, err := openpgp.Encrypt(aw, []*openpgp.Entity{recipient}, nil, nil, nil)
	require.NoError(tb, err)
	_, err = pw.Write([]byte(crlf(plaintext)))
	require.NoError(tb, err)
	require.NoError(tb, pw.Close())
	require.NoError(tb, aw.Close())

	return []byte(headers + EncryptedBody(crlf(ct.String()), "Version: 1"))
}

// EncryptedBody renders the multipart/encrypted content headers and body
// around an armored payload with the given control part text.
func EncryptedBody(armored, control string) string {
	return fmt.Sprintf("MIME-Version: 1.0\r\n"+
		"Content-Type: multipart/encrypted; protocol=\"application/pgp-encrypted\"; boundary=\"enc-boundary\"\r\n"+
		"\r\n"+
		"--enc-boundary\r\n"+
		"Content-Type: application/pgp-encrypted\r\n\r\n"+
		"%s\r\n"+
		"--enc-boundary\r\n"+
		"Content-Type: application/octet-stream; name=\"encrypted.asc\"\r\n\r\n"+
		"%s\r\n"+
		"--enc-boundary--\r\n", control, armored)
}

// Headers renders a minimal valid header block.
func Headers(from, messageID string) string {
	return "From: " + from + "\r\n" +
		"To: support@example.net\r\n" +
		"Subject: outer subject\r\n" +
		"Date: Tue, 03 Jan 2023 10:00:00 +0000\r\n" +
		"Message-ID: " + messageID + "\r\n"
}
