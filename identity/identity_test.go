// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package identity_test

import (
	"testing"

	"github.com/pearsync/pearsync/identity"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	key, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	message := []byte("block payload")
	signature := key.Sign(message)
	if !key.Public().Verify(message, signature) {
		t.Error("expected signature to verify")
	}
	if key.Public().Verify([]byte("tampered"), signature) {
		t.Error("expected signature to fail over different message")
	}
}

func TestPublicKeyStringRoundTrip(t *testing.T) {
	key, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	s := key.Public().String()
	if len(s) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(s))
	}
	parsed, err := identity.ParsePublicKey(s)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if parsed != key.Public() {
		t.Error("round trip produced a different key")
	}
}

func TestParsePublicKeyInvalid(t *testing.T) {
	if _, err := identity.ParsePublicKey("not-hex"); err == nil {
		t.Error("expected error for non-hex input")
	}
	if _, err := identity.ParsePublicKey("ab"); err == nil {
		t.Error("expected error for short input")
	}
}

func TestLessIsStrictOrder(t *testing.T) {
	a := identity.PublicKey{0x01}
	b := identity.PublicKey{0x02}
	if !a.Less(b) {
		t.Error("expected a < b")
	}
	if b.Less(a) == a.Less(b) {
		t.Error("exactly one direction should hold")
	}
	if a.Less(a) {
		t.Error("key should not be less than itself")
	}
}
