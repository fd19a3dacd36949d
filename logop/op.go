// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package logop defines the tagged-union operations carried as block
// payloads, and their JSON encoding. JSON is used rather than a bespoke
// binary struct layout because FileMeta's content is opaque bytes
// regardless of framing; a binary encoding would buy nothing but a second
// schema to maintain.
package logop

import (
	"encoding/json"

	"github.com/pearsync/pearsync/fault"
	"github.com/pearsync/pearsync/identity"
	"github.com/pearsync/pearsync/wire"
)

// FileMeta is the value half of a manifest entry.
type FileMeta struct {
	Content []byte            `json:"content"`
	Size    uint64            `json:"size"`
	MtimeMs uint64            `json:"mtime_ms"`
	Mode    uint32            `json:"mode"`
	Hash    [32]byte          `json:"hash"`
	Author  identity.PublicKey `json:"author"`
}

// ChunkedMode bit marks a FileMeta as the terminal record of a chunked
// put-chunk sequence; ChunkCount is then stored in bits 16-30 of Mode.
const ChunkedMode = 1 << 31

// chunkCountShift and chunkCountMask carve the 15 bits below ChunkedMode's
// flag bit out of Mode for the chunk count, leaving the low 16 bits for the
// ordinary file permission bits.
const (
	chunkCountShift = 16
	chunkCountMask  = 0x7FFF
)

// EncodeChunkedMode packs a permission mode and chunk count into the form
// the terminal Put of a chunked sequence carries in FileMeta.Mode.
func EncodeChunkedMode(perm uint32, chunkCount uint32) uint32 {
	return (perm & 0xFFFF) | ChunkedMode | ((chunkCount & chunkCountMask) << chunkCountShift)
}

// DecodeChunkedMode reports whether mode carries ChunkedMode, and if so,
// its permission bits and chunk count.
func DecodeChunkedMode(mode uint32) (perm uint32, chunkCount uint32, chunked bool) {
	if mode&ChunkedMode == 0 {
		return mode, 0, false
	}
	return mode & 0xFFFF, (mode >> chunkCountShift) & chunkCountMask, true
}

// Put upserts a path with its full metadata.
type Put struct {
	Key   string   `json:"key"`
	Value FileMeta `json:"value"`
}

// PutChunk carries one piece of a large file split across several blocks;
// the final block for a file is always a Put naming the total chunk count.
type PutChunk struct {
	Key        string `json:"key"`
	ChunkIndex uint32 `json:"chunk_index"`
	ChunkCount uint32 `json:"chunk_count"`
	Bytes      []byte `json:"bytes"`
}

// Delete removes a path.
type Delete struct {
	Key string `json:"key"`
}

// AddWriter admits a new writer key.
type AddWriter struct {
	WriterKey identity.PublicKey `json:"writer_key"`
}

// RemoveWriter revokes a writer key; must be authored by the subject.
type RemoveWriter struct {
	WriterKey identity.PublicKey `json:"writer_key"`
}

// Checkpoint names, for each writer, the highest seq an indexer has
// observed and is willing to vouch for as a Linearizer tie-break.
type Checkpoint struct {
	Upto map[identity.PublicKey]uint64 `json:"upto"`
}

// Encode serializes op into a block payload tagged with its message type.
func Encode(op interface{}) (wire.MessageType, []byte, error) {
	var msgType wire.MessageType
	switch op.(type) {
	case Put:
		msgType = wire.MessageTypePut
	case PutChunk:
		msgType = wire.MessageTypePutChunk
	case Delete:
		msgType = wire.MessageTypeDelete
	case AddWriter:
		msgType = wire.MessageTypeAddWriter
	case RemoveWriter:
		msgType = wire.MessageTypeRemoveWriter
	case Checkpoint:
		msgType = wire.MessageTypeCheckpoint
	default:
		return 0, nil, fault.ErrInvalidOperation
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return 0, nil, err
	}
	return msgType, payload, nil
}

// Decode parses a block payload back into its typed operation. Malformed
// payloads return ErrInvalidOperation; callers applying ops to the View
// must treat this as "ignore the op", never as a reason to fail the batch.
func Decode(msgType wire.MessageType, payload []byte) (interface{}, error) {
	switch msgType {
	case wire.MessageTypePut:
		var op Put
		if err := json.Unmarshal(payload, &op); err != nil {
			return nil, fault.ErrInvalidOperation
		}
		return op, nil
	case wire.MessageTypePutChunk:
		var op PutChunk
		if err := json.Unmarshal(payload, &op); err != nil {
			return nil, fault.ErrInvalidOperation
		}
		return op, nil
	case wire.MessageTypeDelete:
		var op Delete
		if err := json.Unmarshal(payload, &op); err != nil {
			return nil, fault.ErrInvalidOperation
		}
		return op, nil
	case wire.MessageTypeAddWriter:
		var op AddWriter
		if err := json.Unmarshal(payload, &op); err != nil {
			return nil, fault.ErrInvalidOperation
		}
		return op, nil
	case wire.MessageTypeRemoveWriter:
		var op RemoveWriter
		if err := json.Unmarshal(payload, &op); err != nil {
			return nil, fault.ErrInvalidOperation
		}
		return op, nil
	case wire.MessageTypeCheckpoint:
		var op Checkpoint
		if err := json.Unmarshal(payload, &op); err != nil {
			return nil, fault.ErrInvalidOperation
		}
		return op, nil
	default:
		return nil, fault.ErrInvalidOperation
	}
}
