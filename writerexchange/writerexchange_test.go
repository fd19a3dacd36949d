// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package writerexchange_test

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/pearsync/pearsync/identity"
	"github.com/pearsync/pearsync/logset"
	"github.com/pearsync/pearsync/transport"
	"github.com/pearsync/pearsync/writerexchange"
	"github.com/pearsync/pearsync/writerset"
)

func newTestHost(t *testing.T, signer identity.PrivateKey) *transport.Host {
	t.Helper()
	h, err := transport.New(context.Background(), signer, []string{"/ip4/127.0.0.1/tcp/0"})
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

func newHarness(t *testing.T, bootstrap identity.PublicKey, local identity.PrivateKey) (*writerset.Set, *logset.Set) {
	t.Helper()
	dir, err := ioutil.TempDir("", "pearsync-writerexchange-test")
	if err != nil {
		t.Fatalf("TempDir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	wset, err := writerset.Open(dir+"/writerset", bootstrap)
	if err != nil {
		t.Fatalf("writerset.Open: %v", err)
	}
	t.Cleanup(func() { wset.Close() })
	wset.SetLocalWriter(local.Public())

	logs := logset.New(dir + "/logs")
	logs.SetLocalWriter(local)
	t.Cleanup(func() { logs.Close() })
	if _, err := logs.Open(local.Public()); err != nil {
		t.Fatalf("logs.Open: %v", err)
	}

	return wset, logs
}

func TestWritableNodeAdmitsAnnouncedKey(t *testing.T) {
	bootstrap, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	newcomer, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	admitterWset, admitterLogs := newHarness(t, bootstrap.Public(), bootstrap)
	admitterHost := newTestHost(t, bootstrap)

	admitted := make(chan identity.PublicKey, 1)
	writerexchange.New(admitterHost, admitterWset, admitterLogs, bootstrap, func(key identity.PublicKey) {
		select {
		case admitted <- key:
		default:
		}
	}, nil)

	newcomerHost := newTestHost(t, newcomer)
	_, newcomerLogs := newHarness(t, bootstrap.Public(), newcomer)
	writerexchange.New(newcomerHost, writersetForNewcomer(t, bootstrap.Public()), newcomerLogs, newcomer, nil, nil)

	connect(t, newcomerHost, admitterHost)

	select {
	case key := <-admitted:
		if key != newcomer.Public() {
			t.Fatalf("expected admission of newcomer key, got %s", key)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for admission")
	}

	if !admitterWset.IsMember(bootstrap.Public()) {
		t.Fatal("bootstrap should remain a member")
	}

	store, ok := admitterLogs.Get(bootstrap.Public())
	if !ok {
		t.Fatal("expected bootstrap's log to exist")
	}
	if store.Length() == 0 {
		t.Fatal("expected an add-writer block to have been appended")
	}
}

func writersetForNewcomer(t *testing.T, bootstrap identity.PublicKey) *writerset.Set {
	t.Helper()
	dir, err := ioutil.TempDir("", "pearsync-writerexchange-newcomer")
	if err != nil {
		t.Fatalf("TempDir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	wset, err := writerset.Open(dir, bootstrap)
	if err != nil {
		t.Fatalf("writerset.Open: %v", err)
	}
	t.Cleanup(func() { wset.Close() })
	return wset
}

func TestNonWritableNodeDoesNotAdmit(t *testing.T) {
	bootstrap, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	stranger, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	outsider, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// stranger is not admitted into its own writer set (SetLocalWriter with
	// a key never added via add-writer), so it must never append add-writer
	// on behalf of an outsider announcing itself.
	strangerWset, strangerLogs := newHarness(t, bootstrap.Public(), stranger)
	strangerHost := newTestHost(t, stranger)
	writerexchange.New(strangerHost, strangerWset, strangerLogs, stranger, nil, nil)

	outsiderHost := newTestHost(t, outsider)
	outsiderWset, outsiderLogs := newHarness(t, bootstrap.Public(), outsider)
	writerexchange.New(outsiderHost, outsiderWset, outsiderLogs, outsider, nil, nil)

	connect(t, outsiderHost, strangerHost)

	time.Sleep(500 * time.Millisecond)

	if strangerWset.IsMember(outsider.Public()) {
		t.Fatal("a non-writable node must not admit newcomers")
	}
}
