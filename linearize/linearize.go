// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package linearize merges the blocks of every admitted writer's log into
// one deterministic total order and folds them into the View and Writer
// Set. Two processes holding the same blocks produce byte-identical
// results, because the tie-break among simultaneously ready blocks is a
// pure function of their writer keys (writer-key-lexicographic order),
// with an optional indexer-signed checkpoint overriding it when present.
package linearize

import (
	"sort"
	"sync"

	"github.com/pearsync/pearsync/identity"
	"github.com/pearsync/pearsync/logop"
	"github.com/pearsync/pearsync/logset"
	"github.com/pearsync/pearsync/storage"
	"github.com/pearsync/pearsync/view"
	"github.com/pearsync/pearsync/writerset"
)

const (
	frontierPool byte = 'F'
	positionPool byte = 'P'
)

// Linearizer is a single-threaded actor: Step (and the internals it calls)
// must only ever run on one goroutine at a time, enforced here by mu.
type Linearizer struct {
	mu        sync.Mutex
	db        *storage.Database
	frontiers *storage.Pool
	positions *storage.Pool

	logs    *logset.Set
	view    *view.View
	writers *writerset.Set

	frontier map[identity.PublicKey]uint64
	position uint64
	upto     map[identity.PublicKey]uint64 // most recently observed checkpoint, if any
}

// Open recovers (or creates) the Linearizer's bookkeeping database and
// binds it to the Log Set, View, and Writer Set it folds blocks into.
func Open(path string, logs *logset.Set, v *view.View, writers *writerset.Set) (*Linearizer, error) {
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	l := &Linearizer{
		db:        db,
		frontiers: db.Pool(frontierPool),
		positions: db.Pool(positionPool),
		logs:      logs,
		view:      v,
		writers:   writers,
		frontier:  make(map[identity.PublicKey]uint64),
	}
	if err := l.recover(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Linearizer) recover() error {
	cursor := l.frontiers.Seek(nil)
	if err := cursor.Map(func(suffix, value []byte) bool {
		key, err := identity.PublicKeyFromBytes(suffix)
		if err != nil || len(value) != 8 {
			return true
		}
		l.frontier[key] = decodeUint64(value)
		return true
	}); err != nil {
		return err
	}
	if value, err := l.positions.Get(nil); err == nil && len(value) == 8 {
		l.position = decodeUint64(value)
	}
	return nil
}

// Close releases the underlying database.
func (l *Linearizer) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}

// Position is the global linearized position: the count of ops applied so
// far across every writer's log.
func (l *Linearizer) Position() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.position
}

// candidate is one writer whose next block is locally available.
type candidate struct {
	writer identity.PublicKey
	seq    uint64
}

// Step applies every currently ready block, in deterministic order, until
// none remain ready. It returns the number of blocks applied.
func (l *Linearizer) Step() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	applied := 0
	for {
		candidates, err := l.readyLocked()
		if err != nil {
			return applied, err
		}
		if len(candidates) == 0 {
			return applied, nil
		}
		next := l.chooseLocked(candidates)
		if err := l.applyOneLocked(next); err != nil {
			return applied, err
		}
		applied++
	}
}

// readyLocked collects the next unconsumed block of every currently
// admitted writer's log. A writer whose log this process happens to have
// opened but who is not (yet, or any longer) a member of the Writer Set
// contributes no candidates: its blocks stay pending until an add-writer
// op admits it, and stop being offered the moment its own remove-writer
// op is applied. This is what makes membership monotone (spec.md §3):
// W can only grow through linearized add-writer/remove-writer ops, never
// by a peer simply appending or gossiping blocks under an unadmitted key.
func (l *Linearizer) readyLocked() ([]candidate, error) {
	var candidates []candidate
	for _, writer := range l.logs.Writers() {
		if !l.writers.IsMember(writer) {
			continue
		}
		store, ok := l.logs.Get(writer)
		if !ok {
			continue
		}
		seq := l.frontier[writer]
		if store.Length() > seq {
			candidates = append(candidates, candidate{writer: writer, seq: seq})
		}
	}
	return candidates, nil
}

// chooseLocked picks, in writer-key order, the first candidate whose seq
// the most recently applied checkpoint covers; when no checkpoint has been
// applied or it covers none of the candidates, it falls back to
// writer-key-lexicographic order.
func (l *Linearizer) chooseLocked(candidates []candidate) candidate {
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].writer.Less(candidates[j].writer)
	})
	if l.upto != nil {
		for _, c := range candidates {
			if upto, ok := l.upto[c.writer]; ok && c.seq < upto {
				return c
			}
		}
	}
	return candidates[0]
}

func (l *Linearizer) applyOneLocked(c candidate) error {
	store, ok := l.logs.Get(c.writer)
	if !ok {
		return nil
	}
	block, _, err := store.Get(c.seq)
	if err != nil {
		return err
	}

	op, err := logop.Decode(block.MessageType, block.Payload)
	if err == nil {
		l.view.Apply(op)
		switch o := op.(type) {
		case logop.AddWriter:
			l.writers.Apply(o, c.writer, l.position)
			if _, err := l.logs.Open(o.WriterKey); err != nil {
				return err
			}
		case logop.RemoveWriter:
			l.writers.Apply(o, c.writer, l.position)
		case logop.Checkpoint:
			l.upto = o.Upto
		}
	}
	// malformed ops still advance the frontier and position: a log must
	// never be able to poison or stall the Linearizer.

	l.frontier[c.writer] = c.seq + 1
	l.position++

	if err := l.frontiers.Put(c.writer.Bytes(), encodeUint64(l.frontier[c.writer])); err != nil {
		return err
	}
	return l.positions.Put(nil, encodeUint64(l.position))
}
