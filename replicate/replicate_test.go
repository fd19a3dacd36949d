// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package replicate_test

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/pearsync/pearsync/identity"
	"github.com/pearsync/pearsync/logop"
	"github.com/pearsync/pearsync/logset"
	"github.com/pearsync/pearsync/replicate"
	"github.com/pearsync/pearsync/transport"
	"github.com/pearsync/pearsync/wire"
)

func newTestHost(t *testing.T) *transport.Host {
	t.Helper()
	key, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	h, err := transport.New(context.Background(), key, []string{"/ip4/127.0.0.1/tcp/0"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func connect(t *testing.T, a, b *transport.Host) {
	t.Helper()
	addrs := b.Libp2pHost().Addrs()
	if len(addrs) == 0 {
		t.Fatal("peer advertises no addresses")
	}
	addr := fmt.Sprintf("%s/p2p/%s", addrs[0], b.ID())
	if _, err := a.Connect(context.Background(), addr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestPullFetchesBlocksFromServer(t *testing.T) {
	writer, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	serverDir, err := ioutil.TempDir("", "pearsync-replicate-server")
	if err != nil {
		t.Fatalf("TempDir: %v", err)
	}
	defer os.RemoveAll(serverDir)

	serverLogs := logset.New(serverDir)
	serverLogs.SetLocalWriter(writer)
	defer serverLogs.Close()

	store, err := serverLogs.Open(writer.Public())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i, content := range []string{"1", "2", "3"} {
		_, payload, err := logop.Encode(logop.Put{Key: fmt.Sprintf("f%d.txt", i), Value: logop.FileMeta{Content: []byte(content)}})
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if _, err := store.Append(writer, wire.MessageTypePut, payload); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	serverHost := newTestHost(t)
	replicate.NewServer(serverHost, serverLogs)

	clientHost := newTestHost(t)
	connect(t, clientHost, serverHost)

	clientDir, err := ioutil.TempDir("", "pearsync-replicate-client")
	if err != nil {
		t.Fatalf("TempDir: %v", err)
	}
	defer os.RemoveAll(clientDir)

	clientLogs := logset.New(clientDir)
	defer clientLogs.Close()
	clientStore, err := clientLogs.Open(writer.Public())
	if err != nil {
		t.Fatalf("client Open: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := replicate.Pull(ctx, clientHost, serverHost.ID(), writer.Public(), 0, clientStore)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 blocks pulled, got %d", n)
	}
	if clientStore.Length() != 3 {
		t.Errorf("expected client log length 3, got %d", clientStore.Length())
	}
}

func TestPullFromMissingWriterReturnsNothing(t *testing.T) {
	writer, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	unknown, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	serverDir, err := ioutil.TempDir("", "pearsync-replicate-server")
	if err != nil {
		t.Fatalf("TempDir: %v", err)
	}
	defer os.RemoveAll(serverDir)
	serverLogs := logset.New(serverDir)
	defer serverLogs.Close()

	serverHost := newTestHost(t)
	replicate.NewServer(serverHost, serverLogs)

	clientHost := newTestHost(t)
	connect(t, clientHost, serverHost)

	clientDir, err := ioutil.TempDir("", "pearsync-replicate-client")
	if err != nil {
		t.Fatalf("TempDir: %v", err)
	}
	defer os.RemoveAll(clientDir)
	clientLogs := logset.New(clientDir)
	defer clientLogs.Close()
	clientStore, err := clientLogs.Open(unknown.Public())
	if err != nil {
		t.Fatalf("client Open: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := replicate.Pull(ctx, clientHost, serverHost.ID(), writer.Public(), 0, clientStore)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no blocks for an unknown writer, got %d", n)
	}
}
