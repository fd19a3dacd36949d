// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package syncengine reconciles a workspace's local directory against
// its View: push walks disk and turns mismatches into log operations,
// pull walks the View and writes mismatches to disk, and a watcher
// loop debounces filesystem events into pushes the way the teacher's
// recorderd file watcher debounces config-file events, generalized from
// fsnotify.Watcher.Add on one file to a recursively walked directory
// tree.
package syncengine

import (
	"bytes"
	"crypto/sha256"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bitmark-inc/logger"

	"github.com/pearsync/pearsync/background"
	"github.com/pearsync/pearsync/events"
	"github.com/pearsync/pearsync/fault"
	"github.com/pearsync/pearsync/identity"
	"github.com/pearsync/pearsync/ignore"
	"github.com/pearsync/pearsync/linearize"
	"github.com/pearsync/pearsync/logop"
	"github.com/pearsync/pearsync/logset"
	"github.com/pearsync/pearsync/view"
	"github.com/pearsync/pearsync/wire"
	"github.com/pearsync/pearsync/writerset"
)

// chunkThreshold is the content size above which push splits a file into
// PutChunk blocks rather than embedding it whole in a single Put. Set to
// the spec's own suggested large-file threshold of 16 MiB.
const chunkThreshold = 16 * 1024 * 1024

// chunkSize is the size of each PutChunk payload below chunkThreshold.
const chunkSize = 16 * 1024

// mtimeSkew is the minimum difference between remote and local mtime_ms
// that pull treats as a real change rather than filesystem clock noise.
const mtimeSkew = 1000

// watchDebounce is the minimum stability window a burst of filesystem
// events must satisfy before it collapses into a single push.
const watchDebounce = 150 * time.Millisecond

// pollInterval is how often the watcher polls the Linearizer for
// progress made by replication, independent of local filesystem events.
const pollInterval = 3 * time.Second

// Mode reports whether an Engine's local writer key currently has write
// authority, per the Writer Set (writerset.Set.Writable).
type Mode int

const (
	// ReadOnly means the local key holds no admitted write authority: Pull
	// still reconciles disk from the View, but Push is refused.
	ReadOnly Mode = iota
	// Writable means the local key is an admitted, non-removed member and
	// may append operations.
	Writable
)

// String renders a Mode for logging.
func (m Mode) String() string {
	if m == Writable {
		return "writable"
	}
	return "read-only"
}

// Engine is one workspace's reconciliation loop between disk and View.
type Engine struct {
	log  *logger.L
	root string

	local    identity.PublicKey
	signer   identity.PrivateKey
	hasLocal bool
	writers  *writerset.Set

	ignore *ignore.Matcher
	view   *view.View
	logs   *logset.Set
	lin    *linearize.Linearizer
	bus    *events.Bus

	syncDeletes bool
	announce    func(identity.PublicKey, uint64)

	pushMu      sync.Mutex
	pushPending bool
	pushRunning bool

	watcher *fsnotify.Watcher
	bg      *background.T
}

// Config bundles the collaborators an Engine is built from.
type Config struct {
	Root        string
	Signer      identity.PrivateKey
	HasLocal    bool
	Writers     *writerset.Set
	Matcher     *ignore.Matcher
	View        *view.View
	Logs        *logset.Set
	Linearizer  *linearize.Linearizer
	Bus         *events.Bus
	SyncDeletes bool
}

// New builds an Engine; it does not start watching until Start is called.
func New(cfg Config) *Engine {
	e := &Engine{
		log:         logger.New("syncengine"),
		root:        cfg.Root,
		signer:      cfg.Signer,
		hasLocal:    cfg.HasLocal,
		writers:     cfg.Writers,
		ignore:      cfg.Matcher,
		view:        cfg.View,
		logs:        cfg.Logs,
		lin:         cfg.Linearizer,
		bus:         cfg.Bus,
		syncDeletes: cfg.SyncDeletes,
	}
	if cfg.HasLocal {
		e.local = cfg.Signer.Public()
	}
	return e
}

// SetAnnouncer registers fn to be called with the local writer's key and
// new log length after Push appends one or more blocks, so the caller can
// gossip an Announcement to peers (spec.md §4.6). A nil announcer (the
// default, and always the case for a workspace opened without a
// transport) makes Push a pure local operation.
func (e *Engine) SetAnnouncer(fn func(identity.PublicKey, uint64)) {
	e.announce = fn
}

// Mode reports whether this Engine's local key currently holds write
// authority. A workspace opened without a local writer key (HasLocal
// false) is always ReadOnly, as is one whose key has not yet been (or is
// no longer) an admitted member of the Writer Set.
func (e *Engine) Mode() Mode {
	if !e.hasLocal || e.writers == nil || !e.writers.Writable() {
		return ReadOnly
	}
	return Writable
}

// relPath returns path relative to the workspace root, slash-separated.
func (e *Engine) relPath(path string) (string, error) {
	rel, err := filepath.Rel(e.root, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// Push walks the local directory, turning content that differs from the
// View into put/del log operations. Deletions only fire for paths whose
// View author is the local writer, so a joiner's first push cannot erase
// work it has not yet replicated from other writers.
func (e *Engine) Push() (int, error) {
	if e.Mode() != Writable {
		return 0, fault.ErrNotWritable
	}

	e.pushMu.Lock()
	if e.pushRunning {
		e.pushPending = true
		e.pushMu.Unlock()
		return 0, nil
	}
	e.pushRunning = true
	e.pushMu.Unlock()

	defer func() {
		e.pushMu.Lock()
		e.pushRunning = false
		followUp := e.pushPending
		e.pushPending = false
		e.pushMu.Unlock()
		if followUp {
			go e.Push()
		}
	}()

	seen := make(map[string]bool)
	applied := 0

	err := filepath.Walk(e.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := e.relPath(path)
		if err != nil {
			return err
		}
		if e.ignore.Match(rel) {
			return nil
		}
		seen[rel] = true

		content, err := ioutil.ReadFile(path)
		if err != nil {
			e.log.Warnf("push: reading %s: %v", rel, err)
			return nil
		}
		hash := sha256.Sum256(content)

		existing, ok := e.view.Get(rel)
		if ok && existing.Hash == hash {
			return nil
		}

		n, err := e.pushFile(rel, content, hash, info)
		if err != nil {
			e.log.Warnf("push: %s: %v", rel, err)
			return nil
		}
		applied += n
		return nil
	})
	if err != nil {
		return applied, err
	}

	for _, entry := range e.view.Scan() {
		if seen[entry.Path] || e.ignore.Match(entry.Path) {
			continue
		}
		if entry.Meta.Author != e.local {
			continue
		}
		if err := e.appendOp(logop.Delete{Key: entry.Path}); err != nil {
			e.log.Warnf("push: deleting %s: %v", entry.Path, err)
			continue
		}
		applied++
	}

	if applied > 0 {
		if _, err := e.lin.Step(); err != nil {
			return applied, err
		}
		e.bus.Send(events.Event{Kind: events.KindOpApplied, Payload: applied})
		if e.announce != nil {
			if store, ok := e.logs.Get(e.local); ok {
				e.announce(e.local, store.Length())
			}
		}
	}
	return applied, nil
}

func (e *Engine) pushFile(rel string, content []byte, hash [32]byte, info os.FileInfo) (int, error) {
	mtimeMs := uint64(info.ModTime().UnixNano() / int64(time.Millisecond))
	perm := uint32(info.Mode().Perm())

	if len(content) <= chunkThreshold {
		meta := logop.FileMeta{
			Content: content,
			Size:    uint64(len(content)),
			MtimeMs: mtimeMs,
			Mode:    perm,
			Hash:    hash,
			Author:  e.local,
		}
		if err := e.appendOp(logop.Put{Key: rel, Value: meta}); err != nil {
			return 0, err
		}
		return 1, nil
	}

	count := (len(content) + chunkSize - 1) / chunkSize
	for i := 0; i < count; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(content) {
			end = len(content)
		}
		chunk := logop.PutChunk{
			Key:        rel,
			ChunkIndex: uint32(i),
			ChunkCount: uint32(count),
			Bytes:      content[start:end],
		}
		if err := e.appendOp(chunk); err != nil {
			return 0, err
		}
	}

	terminal := logop.FileMeta{
		Size:    uint64(len(content)),
		MtimeMs: mtimeMs,
		Mode:    logop.EncodeChunkedMode(perm, uint32(count)),
		Hash:    hash,
		Author:  e.local,
	}
	if err := e.appendOp(logop.Put{Key: rel, Value: terminal}); err != nil {
		return 0, err
	}
	return count + 1, nil
}

func (e *Engine) appendOp(op interface{}) error {
	store, err := e.logs.Open(e.local)
	if err != nil {
		return err
	}
	msgType, payload, err := logop.Encode(op)
	if err != nil {
		return err
	}
	_, err = store.Append(e.signer, msgType, payload)
	return err
}

// Pull walks the View, writing to disk any entry whose remote mtime_ms
// exceeds the local file's by at least mtimeSkew, or that is absent
// locally, then restoring its mode and mtime. If syncDeletes is set,
// local files no longer present in the View are removed.
func (e *Engine) Pull() (int, error) {
	applied := 0
	present := make(map[string]bool)

	for _, entry := range e.view.Scan() {
		if e.ignore.Match(entry.Path) {
			continue
		}
		present[entry.Path] = true

		perm, chunkCount, chunked := logop.DecodeChunkedMode(entry.Meta.Mode)
		abs := filepath.Join(e.root, filepath.FromSlash(entry.Path))

		localInfo, statErr := os.Stat(abs)
		localMtime := int64(0)
		if statErr == nil {
			localMtime = localInfo.ModTime().UnixNano() / int64(time.Millisecond)
		}

		needsWrite := os.IsNotExist(statErr)
		if statErr == nil && int64(entry.Meta.MtimeMs)-localMtime >= mtimeSkew {
			needsWrite = true
		}
		if !needsWrite {
			continue
		}

		content := entry.Meta.Content
		if chunked {
			reassembled, err := e.reassembleChunks(entry.Meta.Author, entry.Path, chunkCount)
			if err != nil {
				e.log.Warnf("pull: reassembling %s: %v", entry.Path, err)
				continue
			}
			content = reassembled
		}

		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			e.log.Warnf("pull: creating directory for %s: %v", entry.Path, err)
			continue
		}
		if err := ioutil.WriteFile(abs, content, os.FileMode(perm)); err != nil {
			e.log.Warnf("pull: writing %s: %v", entry.Path, err)
			continue
		}
		modTime := time.Unix(0, int64(entry.Meta.MtimeMs)*int64(time.Millisecond))
		if err := os.Chtimes(abs, modTime, modTime); err != nil {
			e.log.Warnf("pull: setting mtime on %s: %v", entry.Path, err)
		}
		applied++
	}

	if e.syncDeletes {
		err := filepath.Walk(e.root, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return nil
			}
			rel, relErr := e.relPath(path)
			if relErr != nil || e.ignore.Match(rel) {
				return nil
			}
			if !present[rel] {
				if err := os.Remove(path); err != nil {
					e.log.Warnf("pull: removing %s: %v", rel, err)
				} else {
					applied++
				}
			}
			return nil
		})
		if err != nil {
			return applied, err
		}
	}

	if applied > 0 {
		e.bus.Send(events.Event{Kind: events.KindOpApplied, Payload: applied})
	}
	return applied, nil
}

// reassembleChunks scans author's log backward from its current tip for
// the most recent run of PutChunk blocks naming key, which always
// immediately precedes the terminal, chunk-counting Put.
func (e *Engine) reassembleChunks(author identity.PublicKey, key string, chunkCount uint32) ([]byte, error) {
	store, ok := e.logs.Get(author)
	if !ok {
		return nil, fault.ErrBlockNotAvailable
	}
	pieces := make([][]byte, chunkCount)
	found := uint32(0)

	length := store.Length()
	for seq := length; seq > 0 && found < chunkCount; {
		seq--
		block, _, err := store.Get(seq)
		if err != nil {
			return nil, err
		}
		if block.MessageType != wire.MessageTypePutChunk {
			continue
		}
		op, err := logop.Decode(block.MessageType, block.Payload)
		if err != nil {
			continue
		}
		chunk, ok := op.(logop.PutChunk)
		if !ok || chunk.Key != key || chunk.ChunkIndex >= chunkCount {
			continue
		}
		if pieces[chunk.ChunkIndex] == nil {
			pieces[chunk.ChunkIndex] = chunk.Bytes
			found++
		}
	}
	if found != chunkCount {
		return nil, fault.ErrBlockNotAvailable
	}

	var buf bytes.Buffer
	for _, p := range pieces {
		buf.Write(p)
	}
	return buf.Bytes(), nil
}

// Start begins watching the workspace tree for filesystem changes (each
// debounced into a Push) and polling the Linearizer for replication
// progress (each advance triggering a Pull).
func (e *Engine) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := filepath.Walk(e.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		rel, relErr := e.relPath(path)
		if relErr == nil && rel != "." && e.ignore.Match(rel) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	}); err != nil {
		watcher.Close()
		return err
	}
	e.watcher = watcher
	e.bg = background.Start(background.Processes{e}, nil)
	return nil
}

// Run implements background.Processor: the debounce loop for filesystem
// events plus the fixed-interval Linearizer poll.
func (e *Engine) Run(args interface{}, shutdown <-chan struct{}) {
	debounce := time.NewTimer(0)
	debounce.Stop()
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-shutdown:
			return
		case event, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			rel, err := e.relPath(event.Name)
			if err == nil && e.ignore.Match(rel) {
				continue
			}
			debounce.Reset(watchDebounce)
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			e.log.Warnf("watcher error: %v", err)
		case <-debounce.C:
			if _, err := e.Push(); err != nil {
				e.log.Warnf("debounced push: %v", err)
			}
		case <-poll.C:
			if _, err := e.lin.Step(); err != nil {
				e.log.Warnf("linearizer step: %v", err)
				continue
			}
			if _, err := e.Pull(); err != nil {
				e.log.Warnf("poll pull: %v", err)
			}
		}
	}
}

// Close stops the watcher and the background poll loop. It does not
// close the Log Set, View, or Linearizer, which outlive the watcher at
// the workspace level.
func (e *Engine) Close() {
	if e.bg != nil {
		e.bg.Stop()
	}
	if e.watcher != nil {
		e.watcher.Close()
	}
}
