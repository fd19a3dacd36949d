// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package blockstore implements a single writer's append-only,
// hash-chained log: local persistence, append/get, and verified
// acceptance of blocks received from peers. The block-range replication
// protocol that fetches those blocks lives in package replicate.
package blockstore

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/pearsync/pearsync/fault"
	"github.com/pearsync/pearsync/identity"
	"github.com/pearsync/pearsync/storage"
	"github.com/pearsync/pearsync/wire"
)

const (
	blockPool byte = 'B'
	headPool  byte = 'H'
)

// Store is one writer's log. Writable stores are the local writer's own
// log and accept Append; logs for other writers are replication-only.
type Store struct {
	mu       sync.RWMutex
	db       *storage.Database
	blocks   *storage.Pool
	head     *storage.Pool
	writer   identity.PublicKey
	writable bool
	tipSeq   uint64
	tipHash  [wire.HashSize]byte
	hasTip   bool
}

// Open recovers (or creates) the on-disk log for writer at path. signer is
// non-nil only for the store this process may append to.
func Open(path string, writer identity.PublicKey, signer *identity.PrivateKey) (*Store, error) {
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:       db,
		blocks:   db.Pool(blockPool),
		head:     db.Pool(headPool),
		writer:   writer,
		writable: signer != nil,
	}
	if err := s.recoverTip(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// recoverTip restores the in-memory tip pointer on reopen. The head pool
// always carries the chain hash following the last committed block, so
// recovery never has to replay the log from seq 0.
func (s *Store) recoverTip() error {
	suffix, _, found, err := s.blocks.LastElement()
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	headValue, err := s.head.Get(nil)
	if err != nil || len(headValue) != wire.HashSize {
		return fault.ErrFatal
	}
	copy(s.tipHash[:], headValue)
	s.tipSeq = binary.BigEndian.Uint64(suffix)
	s.hasTip = true
	return nil
}

// storedValue prefixes a frame with the prior-block hash it was signed
// against, so a block can be re-verified on a later Get without walking
// the whole chain from seq 0.
func storedValue(priorHash [wire.HashSize]byte, frame []byte) []byte {
	v := make([]byte, wire.HashSize+len(frame))
	copy(v, priorHash[:])
	copy(v[wire.HashSize:], frame)
	return v
}

func splitStoredValue(v []byte) (priorHash [wire.HashSize]byte, frame []byte) {
	copy(priorHash[:], v[:wire.HashSize])
	return priorHash, v[wire.HashSize:]
}

// Close releases the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Writer is the public key this log is attributed to.
func (s *Store) Writer() identity.PublicKey { return s.writer }

// Length returns one past the highest appended seq (0 if empty).
func (s *Store) Length() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasTip {
		return 0
	}
	return s.tipSeq + 1
}

// Append signs and persists a new block carrying payload, returning its
// seq. Fails with NotWritable if this store is not the local writer's own
// log, or Fatal if the disk write fails.
func (s *Store) Append(signer identity.PrivateKey, msgType wire.MessageType, payload []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.writable {
		return 0, fault.ErrNotWritable
	}

	seq := uint64(0)
	priorHash := [wire.HashSize]byte{}
	if s.hasTip {
		seq = s.tipSeq + 1
		priorHash = s.tipHash
	}

	block := wire.Sign(signer, msgType, seq, payload, priorHash)
	frame := wire.Encode(block)

	if err := s.blocks.Put(seqKey(seq), storedValue(priorHash, frame)); err != nil {
		return 0, fault.ErrFatal
	}
	nextHash := block.NextHash()
	if err := s.head.Put(nil, nextHash[:]); err != nil {
		return 0, fault.ErrFatal
	}

	s.tipSeq = seq
	s.tipHash = nextHash
	s.hasTip = true
	return seq, nil
}

// Get fetches the block at seq from local storage. Replication with peers
// to fill gaps is driven by the Log Set, not by Get itself; Get returns
// NotAvailable if the block is absent locally.
func (s *Store) Get(seq uint64) (wire.Block, [wire.HashSize]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, err := s.blocks.Get(seqKey(seq))
	if err != nil {
		return wire.Block{}, [wire.HashSize]byte{}, fault.ErrBlockNotAvailable
	}
	priorHash, frame := splitStoredValue(stored)
	block, _, err := wire.Decode(frame, priorHash)
	if err != nil {
		return wire.Block{}, [wire.HashSize]byte{}, fault.ErrFatal
	}
	return *block, block.NextHash(), nil
}

// Append verification for a block received over replication: checks the
// signature and chain hash before committing it to storage.
func (s *Store) AppendReplicated(author identity.PublicKey, block wire.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expectedSeq := uint64(0)
	priorHash := [wire.HashSize]byte{}
	if s.hasTip {
		expectedSeq = s.tipSeq + 1
		priorHash = s.tipHash
	}
	if block.Seq != expectedSeq {
		return fault.ErrReplicationVerification
	}
	block.PriorHash = priorHash
	if !block.Verify(author) {
		return fault.ErrReplicationVerification
	}

	frame := wire.Encode(block)
	if err := s.blocks.Put(seqKey(block.Seq), storedValue(priorHash, frame)); err != nil {
		return fault.ErrFatal
	}
	nextHash := block.NextHash()
	if err := s.head.Put(nil, nextHash[:]); err != nil {
		return fault.ErrFatal
	}
	s.tipSeq = block.Seq
	s.tipHash = nextHash
	s.hasTip = true
	return nil
}

// Summary is the (have, length) exchanged at the start of replication.
type Summary struct {
	Writer identity.PublicKey
	Length uint64
}

// Ready blocks until the store has at least upto blocks, or the deadline
// passes and NotAvailable is returned.
func (s *Store) Ready(upto uint64, deadline time.Duration) error {
	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()
	timeout := time.After(deadline)
	for {
		if s.Length() >= upto {
			return nil
		}
		select {
		case <-poll.C:
		case <-timeout:
			return fault.ErrBlockNotAvailable
		}
	}
}
