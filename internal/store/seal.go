package store

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// sealedMagic prefixes values written by a Sealer.
var sealedMagic = []byte("sb1:")

// ErrSealed is returned when a sealed record is read without a key, or
// with the wrong one.
var ErrSealed = errors.New("credential record is sealed")

// Sealer encrypts credential records with NaCl secretbox
// (XSalsa20-Poly1305) under a fixed 32-byte key.
type Sealer struct {
	key [32]byte
}

// NewSealer returns a Sealer for key.
func NewSealer(key *[32]byte) *Sealer {
	return &Sealer{key: *key}
}

// Seal returns magic || nonce || box.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	out := append([]byte{}, sealedMagic...)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, plain, &nonce, &s.key), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	body, ok := bytes.CutPrefix(sealed, sealedMagic)
	if !ok {
		return nil, errors.New("value is not sealed")
	}
	if len(body) < 24+secretbox.Overhead {
		return nil, fmt.Errorf("%w: truncated", ErrSealed)
	}
	var nonce [24]byte
	copy(nonce[:], body[:24])
	plain, ok := secretbox.Open(nil, body[24:], &nonce, &s.key)
	if !ok {
		return nil, fmt.Errorf("%w: authentication failed", ErrSealed)
	}
	return plain, nil
}

// seal encodes a record value, sealing it when a Sealer is configured.
func (s *Store) seal(plain []byte) ([]byte, error) {
	if s.sealer == nil {
		return plain, nil
	}
	return s.sealer.Seal(plain)
}

// unseal accepts both sealed and plain values so that enabling a key
// does not strand records written before it.
func (s *Store) unseal(raw []byte) ([]byte, error) {
	if !bytes.HasPrefix(raw, sealedMagic) {
		return raw, nil
	}
	if s.sealer == nil {
		return nil, fmt.Errorf("%w: no encryption key configured", ErrSealed)
	}
	return s.sealer.Open(raw)
}
