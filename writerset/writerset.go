// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package writerset tracks the set of admitted writer keys for a workspace
// and the position in the linearized sequence at which each was admitted,
// per the membership protocol: writers are added or removed only through
// linearized add-writer/remove-writer operations.
package writerset

import (
	"encoding/binary"
	"sync"

	"github.com/pearsync/pearsync/identity"
	"github.com/pearsync/pearsync/logop"
	"github.com/pearsync/pearsync/storage"
)

const writersPool byte = 'W'

// Record is one admitted writer's membership state.
type Record struct {
	AdmittedAt uint64 // linearized position at admission
	Removed    bool
}

// Set is the persisted, ordered membership state of a workspace.
type Set struct {
	mu       sync.RWMutex
	db       *storage.Database
	writers  *storage.Pool
	members  map[identity.PublicKey]Record
	local    identity.PublicKey
	hasLocal bool
}

// Open recovers (or creates) the membership database at path. bootstrap is
// the workspace's creator key, always admitted at position 0.
func Open(path string, bootstrap identity.PublicKey) (*Set, error) {
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	s := &Set{
		db:      db,
		writers: db.Pool(writersPool),
		members: make(map[identity.PublicKey]Record),
	}
	if err := s.rebuild(); err != nil {
		db.Close()
		return nil, err
	}
	if _, ok := s.members[bootstrap]; !ok {
		s.members[bootstrap] = Record{AdmittedAt: 0}
		if err := s.persist(bootstrap, s.members[bootstrap]); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Set) rebuild() error {
	cursor := s.writers.Seek(nil)
	return cursor.Map(func(suffix, value []byte) bool {
		key, err := identity.PublicKeyFromBytes(suffix)
		if err != nil || len(value) < 9 {
			return true
		}
		s.members[key] = Record{
			AdmittedAt: binary.BigEndian.Uint64(value[:8]),
			Removed:    value[8] != 0,
		}
		return true
	})
}

func (s *Set) persist(key identity.PublicKey, record Record) error {
	value := make([]byte, 9)
	binary.BigEndian.PutUint64(value[:8], record.AdmittedAt)
	if record.Removed {
		value[8] = 1
	}
	return s.writers.Put(key.Bytes(), value)
}

// Close releases the underlying database.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// SetLocalWriter designates which key's membership drives Writable.
func (s *Set) SetLocalWriter(key identity.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local = key
	s.hasLocal = true
}

// IsMember reports whether key is currently an admitted, non-removed writer.
func (s *Set) IsMember(key identity.PublicKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.members[key]
	return ok && !record.Removed
}

// Writable is true iff the local writer key is a current, non-removed member.
func (s *Set) Writable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasLocal {
		return false
	}
	record, ok := s.members[s.local]
	return ok && !record.Removed
}

// Members lists every writer key ever admitted (including removed ones, so
// callers can distinguish "never seen" from "removed").
func (s *Set) Members() map[identity.PublicKey]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[identity.PublicKey]Record, len(s.members))
	for k, v := range s.members {
		out[k] = v
	}
	return out
}

// Apply folds one linearized op into the membership set. position is the
// op's global linearized index, recorded as the admission point for
// add-writer. remove-writer is honored only when authored by the subject
// itself (self-removal only); author is the writer key that signed the
// block carrying op.
func (s *Set) Apply(op interface{}, author identity.PublicKey, position uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch o := op.(type) {
	case logop.AddWriter:
		if _, ok := s.members[o.WriterKey]; ok {
			return
		}
		record := Record{AdmittedAt: position}
		s.members[o.WriterKey] = record
		_ = s.persist(o.WriterKey, record)
	case logop.RemoveWriter:
		if o.WriterKey != author {
			return // self-removal only
		}
		record, ok := s.members[o.WriterKey]
		if !ok || record.Removed {
			return
		}
		record.Removed = true
		s.members[o.WriterKey] = record
		_ = s.persist(o.WriterKey, record)
	}
}
