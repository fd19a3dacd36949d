// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package view implements the key/value manifest (path -> FileMeta) folded
// from the linearized operation sequence: a leveldb-backed storage.Database
// for durability, fronted by an in-memory avl.Tree for ordered path scans.
package view

import (
	"sync"

	"github.com/pearsync/pearsync/avl"
	"github.com/pearsync/pearsync/logop"
	"github.com/pearsync/pearsync/storage"
)

const (
	manifestPool byte = 'M'
	versionPool  byte = 'V'
)

// pathItem makes a string usable as an avl.Tree key.
type pathItem string

func (p pathItem) Compare(other interface{}) int {
	o := other.(pathItem)
	switch {
	case p < o:
		return -1
	case p > o:
		return +1
	default:
		return 0
	}
}

// View is the materialized path -> FileMeta manifest.
type View struct {
	mu       sync.RWMutex
	db       *storage.Database
	manifest *storage.Pool
	versions *storage.Pool
	index    *avl.Tree
	version  uint64
}

// Open recovers (or creates) the View database at path, rebuilding the
// in-memory ordered index from the persisted manifest pool.
func Open(path string) (*View, error) {
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	v := &View{
		db:       db,
		manifest: db.Pool(manifestPool),
		versions: db.Pool(versionPool),
		index:    avl.New(),
	}
	if err := v.rebuildIndex(); err != nil {
		db.Close()
		return nil, err
	}
	if err := v.recoverVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return v, nil
}

func (v *View) rebuildIndex() error {
	cursor := v.manifest.Seek(nil)
	return cursor.Map(func(suffix, value []byte) bool {
		meta, err := decodeFileMeta(value)
		if err != nil {
			return true // malformed manifest entries are skipped, never fatal
		}
		v.index.Insert(pathItem(suffix), meta)
		return true
	})
}

func (v *View) recoverVersion() error {
	value, err := v.versions.Get(nil)
	if err != nil {
		return nil
	}
	if len(value) == 8 {
		v.version = decodeUint64(value)
	}
	return nil
}

// Close releases the underlying database.
func (v *View) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.db.Close()
}

// Version is the monotonic counter advanced by one per applied put,
// delete, add-writer or remove-writer op.
func (v *View) Version() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.version
}

// Get returns the FileMeta stored at path, if any.
func (v *View) Get(path string) (logop.FileMeta, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	node, index := v.index.Search(pathItem(path))
	if index < 0 {
		return logop.FileMeta{}, false
	}
	return node.Value().(logop.FileMeta), true
}

// Entry pairs a path with its metadata, yielded by Scan in path order.
type Entry struct {
	Path string
	Meta logop.FileMeta
}

// Scan returns every manifest entry ordered by path.
func (v *View) Scan() []Entry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	entries := make([]Entry, 0, v.index.Count())
	for i := 0; i < v.index.Count(); i++ {
		node := v.index.Get(i)
		entries = append(entries, Entry{
			Path: string(node.Key().(pathItem)),
			Meta: node.Value().(logop.FileMeta),
		})
	}
	return entries
}

// Apply folds one decoded operation into the View. Malformed or
// non-manifest ops (add-writer, remove-writer) are a no-op here — the
// Linearizer dispatches those to the Writer Set instead — but every
// state-mutating op, manifest or membership, still advances Version, so
// callers must invoke Apply for every applied op in a batch, not only
// puts and deletes.
func (v *View) Apply(op interface{}) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch o := op.(type) {
	case logop.Put:
		v.putLocked(o.Key, o.Value)
		v.bumpVersionLocked()
	case logop.Delete:
		v.deleteLocked(o.Key)
		v.bumpVersionLocked()
	case logop.AddWriter:
		v.bumpVersionLocked()
	case logop.RemoveWriter:
		v.bumpVersionLocked()
	default:
		// unrecognized op kinds never poison the View
	}
}

func (v *View) putLocked(path string, meta logop.FileMeta) {
	encoded, err := encodeFileMeta(meta)
	if err != nil {
		return
	}
	if err := v.manifest.Put([]byte(path), encoded); err != nil {
		return
	}
	v.index.Insert(pathItem(path), meta)
}

func (v *View) deleteLocked(path string) {
	if err := v.manifest.Delete([]byte(path)); err != nil {
		return
	}
	v.index.Delete(pathItem(path))
}

func (v *View) bumpVersionLocked() {
	v.version++
	_ = v.versions.Put(nil, encodeUint64(v.version))
}
