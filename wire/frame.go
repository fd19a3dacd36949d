// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wire implements the log block frame codec: a length-prefixed,
// Ed25519-signed record chained to its predecessor by hash.
//
//	u32 frame_len | u8 msg_type | varint seq | u32 payload_len | payload | 64 bytes signature
//
// signature = Ed25519 over (prior_block_hash || seq || payload).
package wire

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/pearsync/pearsync/fault"
	"github.com/pearsync/pearsync/identity"
	"github.com/pearsync/pearsync/util"
)

// MessageType tags the operation carried by a block's payload.
type MessageType byte

const (
	MessageTypePut          MessageType = 1
	MessageTypeDelete       MessageType = 2
	MessageTypeAddWriter    MessageType = 3
	MessageTypeRemoveWriter MessageType = 4
	MessageTypePutChunk     MessageType = 5
	MessageTypeCheckpoint   MessageType = 6
)

// SignatureSize is the length in bytes of an Ed25519 signature.
const SignatureSize = 64

// HashSize is the length in bytes of a chained block hash.
const HashSize = sha256.Size

// Block is one decoded frame: a signed, chained log entry.
type Block struct {
	MessageType MessageType
	Seq         uint64
	Payload     []byte
	Signature   [SignatureSize]byte

	// PriorHash is the chained hash this block's signature commits to; it
	// is not carried on the wire but recomputed by the reader from the
	// preceding block and is needed again to verify the next one.
	PriorHash [HashSize]byte
}

// SigningMessage returns the bytes an author signs for this block, given
// the hash of the prior block in the chain (the zero hash for seq 0).
func SigningMessage(priorHash [HashSize]byte, seq uint64, payload []byte) []byte {
	buf := make([]byte, 0, HashSize+8+len(payload))
	buf = append(buf, priorHash[:]...)
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)
	buf = append(buf, seqBytes...)
	buf = append(buf, payload...)
	return buf
}

// ChainHash computes the hash that seeds the *next* block's signing
// message, binding each block to everything before it.
func ChainHash(priorHash [HashSize]byte, seq uint64, payload []byte, signature []byte) [HashSize]byte {
	h := sha256.New()
	h.Write(priorHash[:])
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)
	h.Write(seqBytes)
	h.Write(payload)
	h.Write(signature)
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Sign produces a Block ready for encoding, chained from priorHash.
func Sign(key identity.PrivateKey, msgType MessageType, seq uint64, payload []byte, priorHash [HashSize]byte) Block {
	message := SigningMessage(priorHash, seq, payload)
	signature := key.Sign(message)
	block := Block{MessageType: msgType, Seq: seq, Payload: payload, PriorHash: priorHash}
	copy(block.Signature[:], signature)
	return block
}

// Verify checks the block's signature against the author's public key and
// the chain hash it was signed with.
func (b Block) Verify(author identity.PublicKey) bool {
	message := SigningMessage(b.PriorHash, b.Seq, b.Payload)
	return author.Verify(message, b.Signature[:])
}

// NextHash is the chain hash that seeds the following block.
func (b Block) NextHash() [HashSize]byte {
	return ChainHash(b.PriorHash, b.Seq, b.Payload, b.Signature[:])
}

// Encode serializes a Block into its on-wire frame, including the leading
// frame_len. PriorHash is not part of the frame; it is implicit from chain
// position and must be supplied out-of-band when decoding.
func Encode(b Block) []byte {
	seqBytes := util.ToVarint64(b.Seq)

	body := make([]byte, 0, 1+len(seqBytes)+4+len(b.Payload)+SignatureSize)
	body = append(body, byte(b.MessageType))
	body = append(body, seqBytes...)

	payloadLen := make([]byte, 4)
	binary.BigEndian.PutUint32(payloadLen, uint32(len(b.Payload)))
	body = append(body, payloadLen...)
	body = append(body, b.Payload...)
	body = append(body, b.Signature[:]...)

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame
}

// Decode parses one frame (without the PriorHash, supplied separately by
// the caller from chain state) and reports the number of bytes consumed.
// Returns (nil, 0, nil) if buf does not yet contain a complete frame.
func Decode(buf []byte, priorHash [HashSize]byte) (*Block, int, error) {
	if len(buf) < 4 {
		return nil, 0, nil
	}
	frameLen := binary.BigEndian.Uint32(buf[:4])
	total := 4 + int(frameLen)
	if len(buf) < total {
		return nil, 0, nil
	}

	body := buf[4:total]
	if len(body) < 1 {
		return nil, 0, fault.ErrInvalidOperation
	}
	msgType := MessageType(body[0])

	seq, n := util.FromVarint64(body[1:])
	if n == 0 {
		return nil, 0, fault.ErrInvalidOperation
	}
	rest := body[1+n:]
	if len(rest) < 4 {
		return nil, 0, fault.ErrInvalidOperation
	}
	payloadLen := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	if uint32(len(rest)) < payloadLen+SignatureSize {
		return nil, 0, fault.ErrInvalidOperation
	}
	payload := make([]byte, payloadLen)
	copy(payload, rest[:payloadLen])

	block := &Block{
		MessageType: msgType,
		Seq:         seq,
		Payload:     payload,
		PriorHash:   priorHash,
	}
	copy(block.Signature[:], rest[payloadLen:payloadLen+SignatureSize])

	return block, total, nil
}

// Equal reports whether two blocks carry identical wire representations.
func (b Block) Equal(other Block) bool {
	return bytes.Equal(Encode(b), Encode(other)) && b.PriorHash == other.PriorHash
}
