// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package events fans workspace activity (ops linearized, writers
// admitted, sync errors) out to in-process subscribers and mirrors the
// same stream onto a zmq PUB socket, generalizing the teacher's
// single-consumer messagebus queue into a multi-subscriber bus and its
// publish package's broadcaster into a local ipc:// rather than a
// CURVE-authenticated tcp:// endpoint, since event consumers here are
// other processes on the same host (the daemon's own CLI and any
// watching tools) rather than remote peers.
package events

import (
	"encoding/json"
	"sync"

	"github.com/bitmark-inc/logger"
	zmq "github.com/pebbe/zmq4"
)

// Kind identifies the category of an Event.
type Kind string

const (
	KindOpApplied     Kind = "op_applied"
	KindWriterAdmitted Kind = "writer_admitted"
	KindSyncError     Kind = "sync_error"
	KindPeerConnected Kind = "peer_connected"
)

// Event is one notification carried on the bus.
type Event struct {
	Workspace string      `json:"workspace"`
	Kind      Kind        `json:"kind"`
	Payload   interface{} `json:"payload,omitempty"`
}

const subscriberQueueSize = 256

// Bus fans a single stream of Events out to any number of subscribers
// and, once Mirror is called, onto a zmq PUB socket as well.
type Bus struct {
	mu   sync.Mutex
	log  *logger.L
	subs map[chan Event]struct{}

	socket *zmq.Socket
}

// New creates an empty Bus. log may be nil, in which case a default
// "events" channel logger is used.
func New(log *logger.L) *Bus {
	if log == nil {
		log = logger.New("events")
	}
	return &Bus{
		log:  log,
		subs: make(map[chan Event]struct{}),
	}
}

// Mirror binds a zmq PUB socket at endpoint (e.g. "ipc:///tmp/pearsync.events")
// and publishes every future Send onto it in addition to in-process
// subscribers. It is safe to call Mirror at most once per Bus.
func (b *Bus) Mirror(endpoint string) error {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return err
	}
	socket.SetLinger(0)
	if err := socket.Bind(endpoint); err != nil {
		socket.Close()
		return err
	}

	b.mu.Lock()
	b.socket = socket
	b.mu.Unlock()
	return nil
}

// Subscribe returns a channel that receives every Event sent after the
// call. The caller must eventually call Unsubscribe to release it.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberQueueSize)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch
}

// Unsubscribe stops delivery to a channel returned by Subscribe and
// closes it.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for c := range b.subs {
		if c == ch {
			delete(b.subs, c)
			close(c)
			return
		}
	}
}

// Send delivers evt to every current subscriber (dropping it for any
// subscriber whose queue is full, so one slow consumer cannot stall the
// linearizer) and, if Mirror was called, onto the zmq socket.
func (b *Bus) Send(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.log.Warnf("dropping event for slow subscriber: %s/%s", evt.Workspace, evt.Kind)
		}
	}

	if b.socket == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		b.log.Errorf("marshal event: %v", err)
		return
	}
	if _, err := b.socket.SendBytes(payload, zmq.DONTWAIT); err != nil {
		b.log.Errorf("publish event: %v", err)
	}
}

// Close releases the zmq socket, if Mirror was called, and closes every
// remaining subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
	if b.socket != nil {
		b.socket.Close()
		b.socket = nil
	}
}
