// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package transport carries workspace gossip between peers: one libp2p
// host per daemon, joined to a GossipSub topic per workspace that
// announces newly appended block sequence numbers so peers know when to
// pull. Adapted from the teacher's p2p package (host construction via
// libp2p.New with TLS transport security, GossipSub topic join, the
// subscription-loop pattern of its SubHandler) with the protobuf wire
// format replaced by JSON, since no generated .proto bindings travelled
// with this retrieval pack.
package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	tls "github.com/libp2p/go-libp2p-tls"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/bitmark-inc/logger"

	"github.com/pearsync/pearsync/identity"
	"github.com/pearsync/pearsync/limitedset"
)

const seenSetSize = 4096

// topicPrefix namespaces workspace gossip topics from anything else that
// might share the same GossipSub router in the future.
const topicPrefix = "pearsync/workspace/"

// Announcement is gossiped whenever a writer's log grows locally, telling
// peers a new block is available to pull via package replicate.
type Announcement struct {
	Writer identity.PublicKey `json:"writer"`
	Length uint64             `json:"length"`
}

// Host wraps a libp2p host together with the GossipSub router used for
// per-workspace topics.
type Host struct {
	log    *logger.L
	host   host.Host
	pubsub *pubsub.PubSub
	seen   *limitedset.LimitedSet

	mu     sync.Mutex
	topics map[string]*Topic
}

// Topic is one workspace's gossip channel.
type Topic struct {
	name string
	host *Host

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	announcements chan Announcement
	cancel        func()
}

// New starts a libp2p host listening on listenAddrs (multiaddr strings,
// e.g. "/ip4/0.0.0.0/tcp/4001") identified by signer's key, and attaches
// a GossipSub router to it.
func New(ctx context.Context, signer identity.PrivateKey, listenAddrs []string) (*Host, error) {
	log := logger.New("transport")

	priv, err := libp2pcrypto.UnmarshalEd25519PrivateKey(signer.Bytes())
	if err != nil {
		return nil, err
	}

	addrs := make([]ma.Multiaddr, 0, len(listenAddrs))
	for _, a := range listenAddrs {
		maddr, err := ma.NewMultiaddr(a)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, maddr)
	}

	h, err := libp2p.New(ctx,
		libp2p.Identity(priv),
		libp2p.Security(tls.ID, tls.New),
		libp2p.ListenAddrs(addrs...),
	)
	if err != nil {
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	for _, a := range h.Addrs() {
		log.Infof("listening on %s/p2p/%s", a, h.ID())
	}

	return &Host{
		log:    log,
		host:   h,
		pubsub: ps,
		seen:   limitedset.New(seenSetSize),
		topics: make(map[string]*Topic),
	}, nil
}

// ID returns this host's libp2p peer ID.
func (h *Host) ID() peer.ID { return h.host.ID() }

// Libp2pHost exposes the underlying host for packages (replicate,
// writerexchange) that need to register direct stream protocols or dial
// peers directly, mirroring how the teacher's Node exposes its Host field
// to sibling packages rather than wrapping every libp2p call.
func (h *Host) Libp2pHost() host.Host { return h.host }

// Connect dials a peer at a full "/.../p2p/<id>" multiaddr.
func (h *Host) Connect(ctx context.Context, addr string) (peer.ID, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", err
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return "", err
	}
	if err := h.host.Connect(ctx, *info); err != nil {
		return "", err
	}
	return info.ID, nil
}

// Join subscribes to the gossip topic for workspace (identified by its
// bootstrap writer key) and starts delivering decoded announcements on
// the returned Topic's channel. Join is idempotent: calling it again for
// the same workspace returns the existing Topic.
func (h *Host) Join(ctx context.Context, workspace identity.PublicKey) (*Topic, error) {
	name := topicPrefix + workspace.String()

	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.topics[name]; ok {
		return t, nil
	}

	pst, err := h.pubsub.Join(name)
	if err != nil {
		return nil, err
	}
	sub, err := pst.Subscribe()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &Topic{
		name:          name,
		host:          h,
		topic:         pst,
		sub:           sub,
		announcements: make(chan Announcement, 64),
		cancel:        cancel,
	}
	h.topics[name] = t
	go t.loop(ctx)
	return t, nil
}

// Close shuts down every joined topic and the underlying libp2p host.
func (h *Host) Close() error {
	h.mu.Lock()
	for _, t := range h.topics {
		t.cancel()
	}
	h.topics = make(map[string]*Topic)
	h.mu.Unlock()

	return h.host.Close()
}

// Publish gossips an Announcement to every peer subscribed to this topic.
func (t *Topic) Publish(ctx context.Context, a Announcement) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return t.topic.Publish(ctx, payload)
}

// Announcements returns the channel of announcements received from peers
// (self-published messages and already-seen payloads are filtered out).
func (t *Topic) Announcements() <-chan Announcement {
	return t.announcements
}

// Close leaves the topic and stops delivering announcements.
func (t *Topic) Close() {
	t.cancel()
	t.sub.Cancel()
	t.topic.Close()

	t.host.mu.Lock()
	delete(t.host.topics, t.name)
	t.host.mu.Unlock()
}

func (t *Topic) loop(ctx context.Context) {
	log := t.host.log
	self := t.host.ID()

	defer close(t.announcements)

	for {
		msg, err := t.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == self {
			continue
		}

		key := t.name + ":" + string(msg.Data)
		if t.host.seen.Exists(key) {
			continue
		}
		t.host.seen.Add(key)

		var a Announcement
		if err := json.Unmarshal(msg.Data, &a); err != nil {
			log.Warnf("discarding malformed announcement on %s: %v", t.name, err)
			continue
		}

		select {
		case t.announcements <- a:
		case <-ctx.Done():
			return
		}
	}
}
