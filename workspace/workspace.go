// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package workspace wires the Block Store, Linearizer, View, Writer Set,
// Topic Transport, Writer Exchange Channel and Sync Engine of one
// workspace together into the single long-lived instance the daemon
// holds open, the way the teacher's command/bitmarkd main wires its own
// subsystems (storage, consensus, rpc) from one Configuration.
package workspace

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bitmark-inc/logger"

	"github.com/pearsync/pearsync/config"
	"github.com/pearsync/pearsync/events"
	"github.com/pearsync/pearsync/fault"
	"github.com/pearsync/pearsync/identity"
	"github.com/pearsync/pearsync/ignore"
	"github.com/pearsync/pearsync/linearize"
	"github.com/pearsync/pearsync/logset"
	"github.com/pearsync/pearsync/replicate"
	"github.com/pearsync/pearsync/syncengine"
	"github.com/pearsync/pearsync/transport"
	"github.com/pearsync/pearsync/util"
	"github.com/pearsync/pearsync/view"
	"github.com/pearsync/pearsync/writerexchange"
	"github.com/pearsync/pearsync/writerset"
)

// peerDiscoveryTimeout bounds each replicate.Pull attempt against one peer
// in pullFromAnnouncement. A peer that does not answer within it is skipped
// and the next peer is tried; no Timeout error is returned to the caller.
const peerDiscoveryTimeout = 60 * time.Second

// announceTimeout bounds how long gossiping one Announcement may take.
const announceTimeout = 10 * time.Second

// Workspace is one open instance of a synced directory: every subsystem
// needed to push, pull, watch, and replicate it.
type Workspace struct {
	Name string
	Root string
	Key  identity.PublicKey

	log *logger.L

	logs   *logset.Set
	view   *view.View
	wset   *writerset.Set
	lin    *linearize.Linearizer
	bus    *events.Bus
	engine *syncengine.Engine

	host  *transport.Host
	topic *transport.Topic

	mu       sync.Mutex
	watching bool
	cancel   func()
}

// Options configures how a Workspace is opened.
type Options struct {
	Name        string
	Root        string
	Key         identity.PublicKey
	Signer      identity.PrivateKey
	HasLocal    bool
	SyncDeletes bool
	ListenAddrs []string // empty disables the transport (local-only workspace)
}

// Open brings up every subsystem for one workspace: Block Store set,
// View, Writer Set, Linearizer, ignore matcher, event bus, Sync Engine,
// and — unless opts.ListenAddrs is empty — a transport host joined to
// the workspace's gossip topic with a replicate server attached, plus a
// writerexchange Exchange when the workspace has a local writer key.
func Open(opts Options) (*Workspace, error) {
	if wd, err := os.Getwd(); err == nil {
		opts.Root = util.EnsureAbsolute(wd, opts.Root)
	}

	storeDir, err := config.StoreDir(opts.Key.String())
	if err != nil {
		return nil, err
	}

	logs := logset.New(filepath.Join(storeDir, "logs"))
	if opts.HasLocal {
		logs.SetLocalWriter(opts.Signer)
	}

	v, err := view.Open(filepath.Join(storeDir, "view"))
	if err != nil {
		return nil, err
	}
	wset, err := writerset.Open(filepath.Join(storeDir, "writerset"), opts.Key)
	if err != nil {
		v.Close()
		return nil, err
	}
	if opts.HasLocal {
		wset.SetLocalWriter(opts.Signer.Public())
	}
	lin, err := linearize.Open(filepath.Join(storeDir, "linearize"), logs, v, wset)
	if err != nil {
		wset.Close()
		v.Close()
		return nil, err
	}

	local := opts.Key
	if opts.HasLocal {
		local = opts.Signer.Public()
	}
	if _, err := logs.Open(local); err != nil {
		lin.Close()
		wset.Close()
		v.Close()
		return nil, err
	}

	matcher, err := ignore.Load(opts.Root)
	if err != nil {
		lin.Close()
		wset.Close()
		v.Close()
		return nil, err
	}

	bus := events.New(nil)
	if endpoint, err := config.EventsEndpoint(); err == nil {
		_ = bus.Mirror(endpoint) // best-effort: a busy or missing socket dir just disables mirroring
	}

	engine := syncengine.New(syncengine.Config{
		Root:        opts.Root,
		Signer:      opts.Signer,
		HasLocal:    opts.HasLocal,
		Writers:     wset,
		Matcher:     matcher,
		View:        v,
		Logs:        logs,
		Linearizer:  lin,
		Bus:         bus,
		SyncDeletes: opts.SyncDeletes,
	})

	w := &Workspace{
		Name:   opts.Name,
		Root:   opts.Root,
		Key:    opts.Key,
		log:    logger.New("workspace"),
		logs:   logs,
		view:   v,
		wset:   wset,
		lin:    lin,
		bus:    bus,
		engine: engine,
	}

	if len(opts.ListenAddrs) > 0 {
		if err := w.attachTransport(opts); err != nil {
			w.Close()
			return nil, err
		}
	}

	return w, nil
}

func (w *Workspace) attachTransport(opts Options) error {
	// The libp2p host identity is purely a transport-level concern and is
	// never itself a candidate for writer admission; a read-only observer
	// (!opts.HasLocal) still needs one to dial and be dialed, so it gets a
	// throwaway key distinct from any workspace writer key.
	hostIdentity := opts.Signer
	if !opts.HasLocal {
		var err error
		hostIdentity, err = identity.Generate()
		if err != nil {
			return err
		}
	}

	host, err := transport.New(context.Background(), hostIdentity, opts.ListenAddrs)
	if err != nil {
		return err
	}
	topic, err := host.Join(context.Background(), w.Key)
	if err != nil {
		host.Close()
		return err
	}
	replicate.NewServer(host, w.logs)

	// announce gossips a newly grown local log to the workspace topic so
	// peers know to pull it via replicate; both a Push and a writer-exchange
	// admission grow the local log and need to trigger this.
	announce := func(writer identity.PublicKey, length uint64) {
		ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
		defer cancel()
		if err := topic.Publish(ctx, transport.Announcement{Writer: writer, Length: length}); err != nil {
			w.log.Warnf("publishing announcement: %v", err)
		}
	}
	w.engine.SetAnnouncer(announce)

	if opts.HasLocal {
		writerexchange.New(host, w.wset, w.logs, opts.Signer, func(admitted identity.PublicKey) {
			w.onWriterAdmitted(admitted)
		}, announce)
	}

	w.host = host
	w.topic = topic
	return nil
}

// onWriterAdmitted is the Writer Exchange Channel's admission callback: it
// advances the Linearizer past the add-writer block it just appended, pulls
// so the local filesystem reflects any newly reachable ops, and notifies
// event-bus subscribers of the new member.
func (w *Workspace) onWriterAdmitted(admitted identity.PublicKey) {
	if _, err := w.lin.Step(); err != nil {
		w.log.Warnf("linearizer step after admission: %v", err)
		return
	}
	if _, err := w.engine.Pull(); err != nil {
		w.log.Warnf("pull after admission: %v", err)
	}
	w.bus.Send(events.Event{Workspace: w.Name, Kind: events.KindWriterAdmitted, Payload: admitted})
}

// Push pushes local filesystem changes into the log.
func (w *Workspace) Push() (int, error) { return w.engine.Push() }

// Pull reconciles the View onto the local filesystem.
func (w *Workspace) Pull() (int, error) { return w.engine.Pull() }

// StartWatching begins filesystem watching and, if a transport is
// attached, begins reacting to peer announcements by pulling missing
// blocks with the replicate block-pull protocol.
func (w *Workspace) StartWatching() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watching {
		return fault.ErrAlreadyWatching
	}
	if err := w.engine.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.watching = true

	if w.topic != nil {
		go w.replicationLoop(ctx)
	}
	return nil
}

// replicationLoop reacts to gossip announcements by pulling the named
// writer's missing blocks from whichever peer sent the announcement,
// then advancing the Linearizer and the local disk state.
func (w *Workspace) replicationLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-w.topic.Announcements():
			if !ok {
				return
			}
			w.pullFromAnnouncement(ctx, a)
		}
	}
}

// pullFromAnnouncement pulls the blocks a gossip Announcement claims are
// available. The announcement itself is unauthenticated — anyone on the
// topic can gossip any key — so this is gated on the writer already being
// an admitted member of the Writer Set before a single byte is requested.
// The bootstrap key is always a member (admitted at Open), which is what
// lets a fresh joiner pull the very add-writer block that admits it; any
// other key stays gated until its own add-writer has linearized locally,
// at which point the next announcement (or the periodic Linearizer poll)
// picks its blocks up. This does not relax the Linearizer's own
// membership check (see linearize.readyLocked) — it only avoids doing
// replication I/O for a key this process would refuse to linearize.
func (w *Workspace) pullFromAnnouncement(ctx context.Context, a transport.Announcement) {
	if !w.wset.IsMember(a.Writer) {
		return
	}

	store, err := w.logs.Open(a.Writer)
	if err != nil {
		w.log.Warnf("opening log for announced writer %s: %v", a.Writer, err)
		return
	}
	if store.Length() >= a.Length {
		return
	}

	peers := w.host.Libp2pHost().Peerstore().Peers()
	for _, p := range peers {
		if p == w.host.ID() {
			continue
		}
		pullCtx, cancel := context.WithTimeout(ctx, peerDiscoveryTimeout)
		n, err := replicate.Pull(pullCtx, w.host, p, a.Writer, store.Length(), store)
		cancel()
		if err != nil || n == 0 {
			continue
		}
		break
	}

	if _, err := w.lin.Step(); err != nil {
		w.log.Warnf("linearizer step after replication: %v", err)
		return
	}
	if _, err := w.engine.Pull(); err != nil {
		w.log.Warnf("pull after replication: %v", err)
	}
}

// Status summarizes a Workspace for the daemon's status/list commands.
type Status struct {
	Name     string             `json:"name"`
	Root     string             `json:"root"`
	Key      identity.PublicKey `json:"key"`
	Watching bool               `json:"watching"`
	Version  uint64             `json:"version"`
	Position uint64             `json:"position"`
}

// Status reports this Workspace's current state.
func (w *Workspace) Status() Status {
	w.mu.Lock()
	watching := w.watching
	w.mu.Unlock()

	return Status{
		Name:     w.Name,
		Root:     w.Root,
		Key:      w.Key,
		Watching: watching,
		Version:  w.view.Version(),
		Position: w.lin.Position(),
	}
}

// Close stops watching, leaves the transport, and closes every
// subsystem database in dependency order.
func (w *Workspace) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.watching = false
	w.mu.Unlock()

	w.engine.Close()

	if w.topic != nil {
		w.topic.Close()
	}
	if w.host != nil {
		w.host.Close()
	}

	w.bus.Close()

	var first error
	for _, closer := range []func() error{w.lin.Close, w.wset.Close, w.view.Close, w.logs.Close} {
		if err := closer(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
