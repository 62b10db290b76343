// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package crypto provides the per-validator ed25519 identity keys used to
// authenticate proposals, votes and timeouts, plus the threshold signature
// scheme the Pipeline Coordinator uses for execution attestations (see
// threshold.go).
package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
)

// ErrInvalidKeySize is returned when decoding a key of the wrong length.
var ErrInvalidKeySize = errors.New("crypto: invalid key size")

// PublicKey identifies a validator.
type PublicKey struct {
	key    ed25519.PublicKey
	keyStr string
}

// NewPublicKey decodes raw bytes into a PublicKey.
func NewPublicKey(b []byte) (*PublicKey, error) {
	if len(b) != ed25519.PublicKeySize {
		return nil, ErrInvalidKeySize
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return &PublicKey{key: cp, keyStr: base64.StdEncoding.EncodeToString(cp)}, nil
}

// Equal reports whether pub and x hold the same key material.
func (pub *PublicKey) Equal(x *PublicKey) bool {
	if pub == nil || x == nil {
		return pub == x
	}
	return pub.key.Equal(x.key)
}

// Bytes returns the raw key.
func (pub *PublicKey) Bytes() []byte { return pub.key }

// String returns a stable base64 representation, suitable as a map key.
func (pub *PublicKey) String() string { return pub.keyStr }

// PrivateKey signs on behalf of a validator.
type PrivateKey struct {
	key    ed25519.PrivateKey
	pubKey *PublicKey
}

// NewPrivateKey decodes raw bytes into a PrivateKey.
func NewPrivateKey(b []byte) (*PrivateKey, error) {
	if len(b) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKeySize
	}
	priv := &PrivateKey{key: b}
	pub, err := NewPublicKey(priv.key.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	priv.pubKey = pub
	return priv, nil
}

// GeneratePrivateKey creates a fresh random key pair, for genesis/tests.
func GeneratePrivateKey() (*PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	return NewPrivateKey(priv)
}

// Bytes returns the raw key.
func (priv *PrivateKey) Bytes() []byte { return priv.key }

// PublicKey returns the corresponding public key.
func (priv *PrivateKey) PublicKey() *PublicKey { return priv.pubKey }

// Sign signs msg, returning a Signature carrying the signer's public key.
func (priv *PrivateKey) Sign(msg []byte) *Signature {
	return &Signature{
		value:  ed25519.Sign(priv.key, msg),
		pubKey: priv.pubKey,
	}
}

// Signature is an ed25519 signature bound to the signer's public key.
type Signature struct {
	value  []byte
	pubKey *PublicKey
}

// NewSignature builds a Signature from its wire components.
func NewSignature(value []byte, pubKeyBytes []byte) (*Signature, error) {
	pub, err := NewPublicKey(pubKeyBytes)
	if err != nil {
		return nil, err
	}
	return &Signature{value: value, pubKey: pub}, nil
}

// Verify reports whether the signature is valid over msg.
func (sig *Signature) Verify(msg []byte) bool {
	return ed25519.Verify(sig.pubKey.key, msg, sig.value)
}

// PublicKey returns the signer's public key.
func (sig *Signature) PublicKey() *PublicKey { return sig.pubKey }

// Value returns the raw signature bytes.
func (sig *Signature) Value() []byte { return sig.value }

// Signer is the capability to produce signatures, so Safety Rules can be
// backed by an in-process key or (per spec §9, "Safety Rules isolation") by
// an opaque remote/enclave transport implementing the same interface.
type Signer interface {
	PublicKey() *PublicKey
	Sign(msg []byte) *Signature
}

var _ Signer = (*PrivateKey)(nil)
