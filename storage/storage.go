// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package storage wraps a single goleveldb database with a prefix-scoped
// pool abstraction and a read-through cache. A Block Store (one log) and a
// View (one manifest) each own their own Database; pools within a Database
// are distinguished by a single leading key byte, following the teacher's
// original pool-per-prefix convention but without its reflection-driven
// multi-database setup.
package storage

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Database is a single leveldb store fronted by a go-cache read-through
// cache. Pool carves the keyspace by a one-byte prefix.
type Database struct {
	sync.RWMutex
	db    *leveldb.DB
	cache *cache.Cache
}

// Open creates or opens a leveldb database at path.
func Open(path string) (*Database, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, err
	}
	return &Database{
		db:    db,
		cache: cache.New(5*time.Minute, 10*time.Minute),
	}, nil
}

// Close releases the underlying leveldb handle.
func (d *Database) Close() error {
	d.Lock()
	defer d.Unlock()
	return d.db.Close()
}

// Pool returns a handle scoped to all keys beginning with prefix.
func (d *Database) Pool(prefix byte) *Pool {
	return &Pool{database: d, prefix: prefix}
}

// Pool is a prefix-scoped view of a Database.
type Pool struct {
	database *Database
	prefix   byte
}

func (p *Pool) key(suffix []byte) []byte {
	k := make([]byte, 1+len(suffix))
	k[0] = p.prefix
	copy(k[1:], suffix)
	return k
}

func (p *Pool) cacheKey(suffix []byte) string {
	return string(p.prefix) + string(suffix)
}

// Put writes a value, updating the cache in the same call.
func (p *Pool) Put(suffix []byte, value []byte) error {
	d := p.database
	d.Lock()
	defer d.Unlock()
	if err := d.db.Put(p.key(suffix), value, nil); err != nil {
		return err
	}
	d.cache.Set(p.cacheKey(suffix), value, cache.DefaultExpiration)
	return nil
}

// Delete removes a key and its cache entry. Deletes are cached as tombstones
// so repeated misses on a just-deleted key do not round-trip to leveldb.
func (p *Pool) Delete(suffix []byte) error {
	d := p.database
	d.Lock()
	defer d.Unlock()
	if err := d.db.Delete(p.key(suffix), nil); err != nil {
		return err
	}
	d.cache.Set(p.cacheKey(suffix), nil, cache.DefaultExpiration)
	return nil
}

// Get fetches a value, consulting the cache first.
func (p *Pool) Get(suffix []byte) ([]byte, error) {
	d := p.database
	d.RLock()
	if v, found := d.cache.Get(p.cacheKey(suffix)); found {
		d.RUnlock()
		if v == nil {
			return nil, leveldb.ErrNotFound
		}
		return v.([]byte), nil
	}
	d.RUnlock()

	d.Lock()
	defer d.Unlock()
	value, err := d.db.Get(p.key(suffix), nil)
	if err == leveldb.ErrNotFound {
		d.cache.Set(p.cacheKey(suffix), nil, cache.DefaultExpiration)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	d.cache.Set(p.cacheKey(suffix), value, cache.DefaultExpiration)
	return value, nil
}

// Has reports whether suffix exists in the pool.
func (p *Pool) Has(suffix []byte) (bool, error) {
	_, err := p.Get(suffix)
	if err == leveldb.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Batch accumulates Put/Delete operations for atomic commit via Write.
type Batch struct {
	pool  *Pool
	batch leveldb.Batch
	dirty []string
}

// NewBatch starts an empty batch bound to this pool's prefix.
func (p *Pool) NewBatch() *Batch {
	return &Batch{pool: p}
}

func (b *Batch) Put(suffix []byte, value []byte) {
	b.batch.Put(b.pool.key(suffix), value)
	b.dirty = append(b.dirty, b.pool.cacheKey(suffix))
}

func (b *Batch) Delete(suffix []byte) {
	b.batch.Delete(b.pool.key(suffix))
	b.dirty = append(b.dirty, b.pool.cacheKey(suffix))
}

// Write commits the batch and invalidates the touched cache entries so the
// next Get re-reads from leveldb.
func (b *Batch) Write() error {
	d := b.pool.database
	d.Lock()
	defer d.Unlock()
	if err := d.db.Write(&b.batch, nil); err != nil {
		return err
	}
	for _, k := range b.dirty {
		d.cache.Delete(k)
	}
	return nil
}

// Cursor ranges over a pool in key order, stripping the prefix byte from
// suffixes it yields.
type Cursor struct {
	pool *Pool
	iter iterator.Iterator
}

// Seek positions a cursor at the first key >= prefix+start (start may be
// nil to begin at the first key in the pool).
func (p *Pool) Seek(start []byte) *Cursor {
	d := p.database
	d.RLock()
	defer d.RUnlock()
	rng := util.BytesPrefix([]byte{p.prefix})
	if start != nil {
		rng.Start = p.key(start)
	}
	return &Cursor{pool: p, iter: d.db.NewIterator(rng, nil)}
}

// Fetch returns up to count key/value pairs (suffix stripped) and advances
// the cursor. A short slice indicates exhaustion.
func (c *Cursor) Fetch(count int) ([][]byte, [][]byte, error) {
	d := c.pool.database
	d.RLock()
	defer d.RUnlock()

	keys := make([][]byte, 0, count)
	values := make([][]byte, 0, count)
	for len(keys) < count && c.iter.Next() {
		k := c.iter.Key()
		v := c.iter.Value()
		suffix := make([]byte, len(k)-1)
		copy(suffix, k[1:])
		value := make([]byte, len(v))
		copy(value, v)
		keys = append(keys, suffix)
		values = append(values, value)
	}
	return keys, values, c.iter.Error()
}

// Map invokes f for every remaining key/value pair until f returns false or
// the pool is exhausted.
func (c *Cursor) Map(f func(suffix, value []byte) bool) error {
	for {
		keys, values, err := c.Fetch(64)
		if err != nil {
			return err
		}
		for i := range keys {
			if !f(keys[i], values[i]) {
				c.Release()
				return nil
			}
		}
		if len(keys) == 0 {
			c.Release()
			return nil
		}
	}
}

// Release frees the underlying leveldb iterator.
func (c *Cursor) Release() {
	c.iter.Release()
}

// LastElement returns the highest-keyed suffix/value pair in the pool, used
// by the Block Store to recover the chain tip on startup.
func (p *Pool) LastElement() (suffix []byte, value []byte, found bool, err error) {
	d := p.database
	d.RLock()
	defer d.RUnlock()

	rng := util.BytesPrefix([]byte{p.prefix})
	iter := d.db.NewIterator(rng, nil)
	defer iter.Release()

	if !iter.Last() {
		return nil, nil, false, iter.Error()
	}
	k := iter.Key()
	v := iter.Value()
	s := make([]byte, len(k)-1)
	copy(s, k[1:])
	val := make([]byte, len(v))
	copy(val, v)
	return s, val, true, nil
}
