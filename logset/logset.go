// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package logset holds one blockstore.Store per known writer key and
// creates new ones on demand as writers are discovered, so the rest of the
// engine can address "the log for key K" without knowing whether K's
// Block Store has been opened yet.
package logset

import (
	"path/filepath"
	"sync"

	"github.com/pearsync/pearsync/blockstore"
	"github.com/pearsync/pearsync/identity"
)

// Set is the sole owner of every Block Store in a workspace.
type Set struct {
	mu       sync.RWMutex
	dir      string
	local    identity.PublicKey
	signer   identity.PrivateKey
	hasLocal bool
	stores   map[identity.PublicKey]*blockstore.Store
}

// New creates an empty set rooted at dir (one subdirectory per writer key).
func New(dir string) *Set {
	return &Set{dir: dir, stores: make(map[identity.PublicKey]*blockstore.Store)}
}

// SetLocalWriter designates which key, if opened, should be writable.
func (s *Set) SetLocalWriter(key identity.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local = key.Public()
	s.signer = key
	s.hasLocal = true
}

// Signer returns the local writer's private key, if this process holds one.
func (s *Set) Signer() (identity.PrivateKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.signer, s.hasLocal
}

// Open returns the Block Store for writer, creating it on first reference.
func (s *Set) Open(writer identity.PublicKey) (*blockstore.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if store, ok := s.stores[writer]; ok {
		return store, nil
	}

	var signer *identity.PrivateKey
	if s.hasLocal && writer == s.local {
		signer = &s.signer
	}

	path := filepath.Join(s.dir, writer.String())
	store, err := blockstore.Open(path, writer, signer)
	if err != nil {
		return nil, err
	}
	s.stores[writer] = store
	return store, nil
}

// Get returns the already-open Block Store for writer, if any.
func (s *Set) Get(writer identity.PublicKey) (*blockstore.Store, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	store, ok := s.stores[writer]
	return store, ok
}

// Writers lists every writer key currently known to the set.
func (s *Set) Writers() []identity.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	writers := make([]identity.PublicKey, 0, len(s.stores))
	for w := range s.stores {
		writers = append(writers, w)
	}
	return writers
}

// Close closes every open Block Store.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, store := range s.stores {
		if err := store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
