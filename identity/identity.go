// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package identity holds the Ed25519 key material used to name writers and
// workspaces: a 32-byte public key is both a writer's identity and, for the
// bootstrap writer, the workspace key itself.
package identity

import (
	"crypto/rand"
	"encoding/hex"

	"golang.org/x/crypto/ed25519"

	"github.com/pearsync/pearsync/fault"
)

// PublicKeySize is the length in bytes of a workspace or writer key.
const PublicKeySize = ed25519.PublicKeySize

// PublicKey identifies a writer (and, for the bootstrap writer, the
// workspace itself).
type PublicKey [PublicKeySize]byte

// PrivateKey signs blocks authored by the holder of a PublicKey.
type PrivateKey struct {
	public  PublicKey
	private ed25519.PrivateKey
}

// Generate creates a fresh Ed25519 key pair.
func Generate() (PrivateKey, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PrivateKey{}, err
	}
	var pk PublicKey
	copy(pk[:], public)
	return PrivateKey{public: pk, private: private}, nil
}

// Public returns the public half of the key pair.
func (k PrivateKey) Public() PublicKey { return k.public }

// Sign produces a 64-byte Ed25519 signature over message.
func (k PrivateKey) Sign(message []byte) []byte {
	return ed25519.Sign(k.private, message)
}

// Bytes returns the raw 64-byte Ed25519 private key, seed and public half
// concatenated, for handing to APIs (transport host identity) that expect
// the standard Ed25519 encoding rather than this package's wrapper.
func (k PrivateKey) Bytes() []byte {
	b := make([]byte, len(k.private))
	copy(b, k.private)
	return b
}

// PrivateKeyFromBytes reconstructs a PrivateKey from the raw encoding
// produced by Bytes, for loading a persisted node identity from disk.
func PrivateKeyFromBytes(b []byte) (PrivateKey, error) {
	if len(b) != ed25519.PrivateKeySize {
		return PrivateKey{}, fault.ErrInvalidKey
	}
	private := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(private, b)
	var public PublicKey
	copy(public[:], private.Public().(ed25519.PublicKey))
	return PrivateKey{public: public, private: private}, nil
}

// Verify checks a 64-byte Ed25519 signature over message against pk.
func (pk PublicKey) Verify(message, signature []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pk[:]), message, signature)
}

// String renders the key as 64 lowercase hex characters, per the wire
// format of the workspace key.
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// Bytes returns a copy of the raw key bytes.
func (pk PublicKey) Bytes() []byte {
	b := make([]byte, PublicKeySize)
	copy(b, pk[:])
	return b
}

// ParsePublicKey decodes a 64-character hex string into a PublicKey.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return pk, fault.ErrInvalidKey
	}
	if len(b) != PublicKeySize {
		return pk, fault.ErrInvalidKey
	}
	copy(pk[:], b)
	return pk, nil
}

// PublicKeyFromBytes copies exactly PublicKeySize bytes into a PublicKey.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeySize {
		return pk, fault.ErrInvalidKey
	}
	copy(pk[:], b)
	return pk, nil
}

// MarshalText renders the key as hex, letting PublicKey serve directly as
// a JSON object field or map key.
func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

// UnmarshalText parses a hex-rendered key produced by MarshalText.
func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// Less gives the writer-key-lexicographic order the Linearizer uses as its
// tie-break when no checkpoint is present.
func (pk PublicKey) Less(other PublicKey) bool {
	for i := range pk {
		if pk[i] != other[i] {
			return pk[i] < other[i]
		}
	}
	return false
}
