// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire_test

import (
	"testing"

	"github.com/pearsync/pearsync/identity"
	"github.com/pearsync/pearsync/wire"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	key, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	var zeroHash [wire.HashSize]byte
	block := wire.Sign(key, wire.MessageTypePut, 0, []byte("payload bytes"), zeroHash)

	frame := wire.Encode(block)
	decoded, n, err := wire.Decode(frame, zeroHash)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(frame) {
		t.Errorf("expected to consume entire frame, consumed %d of %d", n, len(frame))
	}
	if !decoded.Verify(key.Public()) {
		t.Error("expected decoded block to verify")
	}
	if !decoded.Equal(block) {
		t.Error("decoded block should equal original")
	}
}

func TestDecodeIncompleteFrame(t *testing.T) {
	var zeroHash [wire.HashSize]byte
	block, n, err := wire.Decode([]byte{0x00, 0x00}, zeroHash)
	if err != nil {
		t.Fatalf("expected no error on short buffer, got %v", err)
	}
	if block != nil || n != 0 {
		t.Errorf("expected nil block and 0 consumed for incomplete frame, got %v %d", block, n)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	key, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	var zeroHash [wire.HashSize]byte
	block := wire.Sign(key, wire.MessageTypePut, 0, []byte("original"), zeroHash)
	block.Payload = []byte("tampered")
	if block.Verify(key.Public()) {
		t.Error("expected verification to fail after payload tampering")
	}
}

func TestChainedBlocksUseDistinctHashes(t *testing.T) {
	key, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	var zeroHash [wire.HashSize]byte
	first := wire.Sign(key, wire.MessageTypePut, 0, []byte("one"), zeroHash)
	secondHash := first.NextHash()
	second := wire.Sign(key, wire.MessageTypePut, 1, []byte("two"), secondHash)

	if !first.Verify(key.Public()) || !second.Verify(key.Public()) {
		t.Error("expected both chained blocks to verify")
	}
	if secondHash == zeroHash {
		t.Error("expected chain hash to change after first block")
	}
}
