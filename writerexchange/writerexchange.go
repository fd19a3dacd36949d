// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package writerexchange implements the Writer Exchange Channel (C7):
// spec.md §4.7's side-protocol, multiplexed onto every peer connection,
// that carries exactly one message type — the remote peer's local writer
// key — so the bootstrap peer (or any currently writable peer) can admit a
// newcomer by appending add-writer{Kp} to its own log. This protocol is
// advisory, not load-bearing for correctness: the membership invariants
// live in package writerset and are enforced by the Linearizer regardless
// of whether this side-channel ever runs; its absence only delays
// admission. Adapted from the teacher's p2p package basicStream handler
// (bufio-framed direct libp2p stream, one handler per protocol ID), with
// limitedset reused here for its documented role of deduplicating gossip
// payloads — this is the second of the two per-connection dedup uses that
// role was generalized to.
package writerexchange

import (
	"context"
	"io"
	"time"

	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"

	"github.com/bitmark-inc/logger"

	"github.com/pearsync/pearsync/identity"
	"github.com/pearsync/pearsync/limitedset"
	"github.com/pearsync/pearsync/logop"
	"github.com/pearsync/pearsync/logset"
	"github.com/pearsync/pearsync/transport"
	"github.com/pearsync/pearsync/writerset"
)

// ProtocolID identifies the writer-exchange sub-channel to libp2p, per
// spec.md §4.7's "pearsync-writer-exchange" sub-channel name.
const ProtocolID = protocol.ID("/pearsync/writer-exchange/1.0.0")

// sendTimeout bounds how long announcing the local key to one newly
// connected peer may take before giving up on that peer.
const sendTimeout = 10 * time.Second

// admitDelay is the "trigger a reconciliation pull 1s later" clause of
// spec.md §4.7 step 3: give the newly appended add-writer block a moment
// to gossip out before pulling, rather than pulling from an empty topic.
const admitDelay = time.Second

// seenSetSize bounds the per-process dedup set of (peer, writer key)
// pairs already acted on, mirroring transport's gossip dedup sizing.
const seenSetSize = 4096

// Exchange runs the writer-exchange protocol on every connection of a
// Host: it advertises the local writer key to each newly connected peer
// and, on receiving a peer's key, admits it if this node is writable.
type Exchange struct {
	log      *logger.L
	host     *transport.Host
	local    identity.PublicKey
	signer   identity.PrivateKey
	wset     *writerset.Set
	logs     *logset.Set
	seen     *limitedset.LimitedSet
	onAdmit  func(identity.PublicKey)
	announce func(identity.PublicKey, uint64)
}

// New attaches a writer-exchange Exchange to host: it registers a stream
// handler for ProtocolID and a connection notifiee that opens an
// outbound exchange stream to every newly connected peer. local is the
// node identity whose public half is advertised (and, only while wset
// reports Writable, whose log receives appended add-writer ops); onAdmit,
// if non-nil, is invoked admitDelay after an admission with the newly
// admitted key, to trigger a reconciliation pull. announce, if non-nil, is
// invoked with the local writer's key and new log length right after an
// admission is appended, so the caller can gossip an Announcement telling
// peers the freshly appended add-writer block is available to pull.
func New(host *transport.Host, wset *writerset.Set, logs *logset.Set, local identity.PrivateKey, onAdmit func(identity.PublicKey), announce func(identity.PublicKey, uint64)) *Exchange {
	e := &Exchange{
		log:      logger.New("writerexchange"),
		host:     host,
		local:    local.Public(),
		signer:   local,
		wset:     wset,
		logs:     logs,
		seen:     limitedset.New(seenSetSize),
		onAdmit:  onAdmit,
		announce: announce,
	}
	host.Libp2pHost().SetStreamHandler(ProtocolID, e.handleStream)
	host.Libp2pHost().Network().Notify(&network.NotifyBundle{
		ConnectedF: e.connected,
	})
	return e
}

// connected is called by libp2p for every newly established connection,
// in either direction; it fires the outbound half of the exchange
// (spec.md §4.7 step 2: "immediately send one message").
func (e *Exchange) connected(_ network.Network, conn network.Conn) {
	go e.sendLocalKey(conn.RemotePeer())
}

func (e *Exchange) sendLocalKey(p peer.ID) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	stream, err := e.host.Libp2pHost().NewStream(ctx, p, ProtocolID)
	if err != nil {
		e.log.Debugf("opening writer-exchange stream to %s: %v", p, err)
		return
	}
	defer stream.Close()

	if _, err := stream.Write(e.local.Bytes()); err != nil {
		e.log.Warnf("sending local writer key to %s: %v", p, err)
	}
}

// handleStream answers the inbound half: read exactly one 32-byte writer
// key, dedupe it, and admit it if this node is currently writable
// (spec.md §4.7 steps 3-4).
func (e *Exchange) handleStream(stream network.Stream) {
	defer stream.Close()

	buf := make([]byte, identity.PublicKeySize)
	if _, err := io.ReadFull(stream, buf); err != nil {
		e.log.Warnf("reading writer key: %v", err)
		return
	}
	remote, err := identity.PublicKeyFromBytes(buf)
	if err != nil {
		return
	}

	dedupeKey := stream.Conn().RemotePeer().String() + ":" + remote.String()
	if e.seen.Exists(dedupeKey) {
		return
	}
	e.seen.Add(dedupeKey)

	if remote == e.local {
		return
	}
	if !e.wset.Writable() {
		return // non-writable receivers take no action; the bootstrap or
		// another admitted writer is the one that admits newcomers.
	}

	length, err := e.admit(remote)
	if err != nil {
		e.log.Warnf("admitting writer %s: %v", remote, err)
		return
	}
	if e.announce != nil {
		e.announce(e.local, length)
	}
	if e.onAdmit != nil {
		time.AfterFunc(admitDelay, func() { e.onAdmit(remote) })
	}
}

// admit appends add-writer{remote} to the local writer's own log,
// returning the log's new length.
func (e *Exchange) admit(remote identity.PublicKey) (uint64, error) {
	store, err := e.logs.Open(e.local)
	if err != nil {
		return 0, err
	}
	msgType, payload, err := logop.Encode(logop.AddWriter{WriterKey: remote})
	if err != nil {
		return 0, err
	}
	if _, err := store.Append(e.signer, msgType, payload); err != nil {
		return 0, err
	}
	return store.Length(), nil
}
