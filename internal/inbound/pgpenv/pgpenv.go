// Package pgpenv unwraps OpenPGP/MIME envelopes (RFC 3156) on inbound mail.
package pgpenv

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"

	"github.com/deskworks/support-desk/internal/domain"
	"github.com/deskworks/support-desk/internal/inbound/mimemsg"
	"github.com/deskworks/support-desk/internal/inbound/rawsplit"
)

// ErrDecryptionFailed is terminal: the sender is told and the message dropped.
var ErrDecryptionFailed = errors.New("pgpenv: decryption failed")

// DiscoveredKey is a public key attached to the message.
type DiscoveredKey struct {
	Fingerprint string
	Armored     string
	entity      *openpgp.Entity
}

// Result is the outcome of resolving an envelope.
type Result struct {
	// Message is the plaintext message to normalize.
	Message     *mimemsg.Message
	Signed      bool
	Verified    bool
	Fingerprint string
	Discovered  []DiscoveredKey
	// Bootstrapped is set when the signature was verified against a key from
	// this message because the customer had none on file. Only then should
	// Discovered be persisted.
	Bootstrapped bool
}

// Resolver decrypts with the service keyring and verifies detached signatures.
type Resolver struct {
	keyring openpgp.EntityList
}

// NewResolver builds a resolver. A nil keyring makes every encrypted
// message fail decryption.
func NewResolver(keyring openpgp.EntityList) *Resolver {
	return &Resolver{keyring: keyring}
}

type state int

const (
	stateClassify state = iota
	stateEncrypted
	stateSigned
	stateDone
)

// envelope is the value threaded through the state transitions.
type envelope struct {
	msg       *mimemsg.Message
	decrypted bool
	signed    bool
	content   []byte
	signature []byte
}

// Resolve runs the envelope state machine over msg. known are the customer's
// stored keys; when empty, keys attached to the message are tried instead.
func (r *Resolver) Resolve(msg *mimemsg.Message, known []domain.CustomerPGPKey) (*Result, error) {
	env := envelope{msg: msg}
	st := stateClassify
	for st != stateDone {
		var err error
		st, env, err = r.step(st, env)
		if err != nil {
			return nil, err
		}
	}

	res := &Result{
		Message:    env.msg,
		Signed:     env.signed,
		Discovered: discoverKeys(env.msg, msg),
	}
	if env.signature == nil {
		return res, nil
	}

	candidates, fromMessage := candidateKeys(known, res.Discovered)
	for _, c := range candidates {
		if checkDetached(c, env.content, env.signature) {
			res.Verified = true
			res.Fingerprint = Fingerprint(c)
			res.Bootstrapped = fromMessage
			break
		}
	}
	return res, nil
}

func (r *Resolver) step(st state, env envelope) (state, envelope, error) {
	switch st {
	case stateClassify:
		return classify(env), env, nil
	case stateEncrypted:
		next, err := r.decrypt(env)
		if err != nil {
			return stateDone, env, err
		}
		return stateClassify, next, nil
	case stateSigned:
		return stateDone, splitSigned(env), nil
	}
	return stateDone, env, nil
}

func classify(env envelope) state {
	switch env.msg.Root.MediaType {
	case "multipart/encrypted":
		if env.decrypted {
			return stateDone
		}
		return stateEncrypted
	case "multipart/signed":
		return stateSigned
	}
	return stateDone
}

func (r *Resolver) decrypt(env envelope) (envelope, error) {
	root := env.msg.Root
	if !strings.EqualFold(root.Params["protocol"], "application/pgp-encrypted") {
		return env, fmt.Errorf("%w: unexpected protocol %q", ErrDecryptionFailed, root.Params["protocol"])
	}
	if len(root.Children) != 2 {
		return env, fmt.Errorf("%w: expected 2 parts, got %d", ErrDecryptionFailed, len(root.Children))
	}
	control, payload := root.Children[0], root.Children[1]
	if control.MediaType != "application/pgp-encrypted" || !hasVersionOne(control.Body) {
		return env, fmt.Errorf("%w: bad control part", ErrDecryptionFailed)
	}
	if payload.MediaType != "application/octet-stream" {
		return env, fmt.Errorf("%w: payload is %s", ErrDecryptionFailed, payload.MediaType)
	}
	if len(r.keyring) == 0 {
		return env, fmt.Errorf("%w: no private key configured", ErrDecryptionFailed)
	}

	plaintext, err := r.readEncrypted(payload.Body)
	if err != nil {
		return env, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	inner, err := mimemsg.Parse(plaintext)
	if err != nil {
		return env, fmt.Errorf("%w: decrypted payload: %v", ErrDecryptionFailed, err)
	}
	inner.Header = mergeHeaders(env.msg, inner)

	return envelope{msg: inner, decrypted: true, signed: true}, nil
}

func (r *Resolver) readEncrypted(data []byte) ([]byte, error) {
	var src io.Reader = bytes.NewReader(data)
	if block, err := armor.Decode(bytes.NewReader(data)); err == nil {
		src = block.Body
	}
	md, err := openpgp.ReadMessage(src, r.keyring, nil, nil)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(md.UnverifiedBody)
}

func hasVersionOne(body []byte) bool {
	for _, line := range strings.Split(string(body), "\n") {
		if strings.TrimSpace(line) == "Version: 1" {
			return true
		}
	}
	return false
}

// splitSigned extracts the signed bytes and detached signature. Any
// structural problem leaves the message as it was, unsigned.
func splitSigned(env envelope) envelope {
	root := env.msg.Root
	if !strings.EqualFold(root.Params["protocol"], "application/pgp-signature") {
		return env
	}
	_, body := rawsplit.HeaderBody(env.msg.Raw)
	segments, err := rawsplit.Split(body, root.Params["boundary"])
	if err != nil || len(segments) != 2 {
		return env
	}

	sigPart, err := mimemsg.ParsePart(segments[1])
	if err != nil || sigPart.MediaType != "application/pgp-signature" || len(bytes.TrimSpace(sigPart.Body)) == 0 {
		return env
	}
	contentPart, err := mimemsg.ParsePart(segments[0])
	if err != nil {
		return env
	}

	inner := &mimemsg.Message{Raw: segments[0], Root: contentPart}
	inner.Header = mergeHeaders(env.msg, inner)
	return envelope{
		msg:       inner,
		decrypted: env.decrypted,
		signed:    true,
		content:   rawsplit.Canonicalize(segments[0]),
		signature: sigPart.Body,
	}
}

func checkDetached(e *openpgp.Entity, content, signature []byte) bool {
	ring := openpgp.EntityList{e}
	if _, err := openpgp.CheckArmoredDetachedSignature(ring, bytes.NewReader(content), bytes.NewReader(signature)); err == nil {
		return true
	}
	_, err := openpgp.CheckDetachedSignature(ring, bytes.NewReader(content), bytes.NewReader(signature))
	return err == nil
}

func candidateKeys(known []domain.CustomerPGPKey, discovered []DiscoveredKey) ([]*openpgp.Entity, bool) {
	if len(known) > 0 {
		var out []*openpgp.Entity
		for _, k := range known {
			ring, err := readKeys([]byte(k.ArmoredKey))
			if err != nil {
				continue
			}
			out = append(out, ring...)
		}
		return out, false
	}
	out := make([]*openpgp.Entity, 0, len(discovered))
	for _, d := range discovered {
		out = append(out, d.entity)
	}
	return out, true
}

// discoverKeys collects application/pgp-keys parts from every given tree,
// deduplicated by fingerprint in first-seen order.
func discoverKeys(msgs ...*mimemsg.Message) []DiscoveredKey {
	seen := make(map[string]bool)
	var out []DiscoveredKey
	for _, m := range msgs {
		for _, leaf := range m.Root.Leaves() {
			if leaf.MediaType != "application/pgp-keys" {
				continue
			}
			ring, err := readKeys(leaf.Body)
			if err != nil {
				continue
			}
			for _, e := range ring {
				fp := Fingerprint(e)
				if fp == "" || seen[fp] {
					continue
				}
				armored, err := ArmorPublicKey(e)
				if err != nil {
					continue
				}
				seen[fp] = true
				out = append(out, DiscoveredKey{Fingerprint: fp, Armored: armored, entity: e})
			}
		}
	}
	return out
}
