package pgpenv

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
)

// LoadPrivateKeyRing reads an armored secret keyring and unlocks every
// encrypted private key with passphrase.
func LoadPrivateKeyRing(r io.Reader, passphrase []byte) (openpgp.EntityList, error) {
	ring, err := openpgp.ReadArmoredKeyRing(r)
	if err != nil {
		return nil, fmt.Errorf("pgpenv: read keyring: %w", err)
	}
	for _, e := range ring {
		if e.PrivateKey == nil {
			return nil, fmt.Errorf("pgpenv: key %s has no private part", Fingerprint(e))
		}
		if e.PrivateKey.Encrypted {
			if err := e.PrivateKey.Decrypt(passphrase); err != nil {
				return nil, fmt.Errorf("pgpenv: unlock key %s: %w", Fingerprint(e), err)
			}
		}
		for _, sub := range e.Subkeys {
			if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
				if err := sub.PrivateKey.Decrypt(passphrase); err != nil {
					return nil, fmt.Errorf("pgpenv: unlock subkey of %s: %w", Fingerprint(e), err)
				}
			}
		}
	}
	return ring, nil
}

// Fingerprint returns the uppercase hex fingerprint of e's primary key.
func Fingerprint(e *openpgp.Entity) string {
	if e == nil || e.PrimaryKey == nil {
		return ""
	}
	return strings.ToUpper(hex.EncodeToString(e.PrimaryKey.Fingerprint[:]))
}

// ArmorPublicKey serializes the public half of e.
func ArmorPublicKey(e *openpgp.Entity) (string, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", err
	}
	if err := e.Serialize(w); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// readKeys parses armored or binary public key material.
func readKeys(data []byte) (openpgp.EntityList, error) {
	if ring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(data)); err == nil {
		return ring, nil
	}
	ring, err := openpgp.ReadKeyRing(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if len(ring) == 0 {
		return nil, errors.New("pgpenv: no keys found")
	}
	return ring, nil
}
