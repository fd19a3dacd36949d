// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package syncengine_test

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pearsync/pearsync/events"
	"github.com/pearsync/pearsync/fault"
	"github.com/pearsync/pearsync/identity"
	"github.com/pearsync/pearsync/ignore"
	"github.com/pearsync/pearsync/linearize"
	"github.com/pearsync/pearsync/logset"
	"github.com/pearsync/pearsync/syncengine"
	"github.com/pearsync/pearsync/view"
	"github.com/pearsync/pearsync/writerset"
)

type harness struct {
	root   string
	engine *syncengine.Engine
	view   *view.View
	lin    *linearize.Linearizer
	logs   *logset.Set
	wset   *writerset.Set
	bus    *events.Bus
}

func newHarness(t *testing.T, syncDeletes bool) (*harness, identity.PrivateKey) {
	t.Helper()
	base, err := ioutil.TempDir("", "pearsync-syncengine-test")
	if err != nil {
		t.Fatalf("TempDir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(base) })

	root := filepath.Join(base, "workspace")
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	bootstrap, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	logs := logset.New(filepath.Join(base, "logs"))
	logs.SetLocalWriter(bootstrap)
	v, err := view.Open(filepath.Join(base, "view"))
	if err != nil {
		t.Fatalf("view.Open: %v", err)
	}
	wset, err := writerset.Open(filepath.Join(base, "writerset"), bootstrap.Public())
	if err != nil {
		t.Fatalf("writerset.Open: %v", err)
	}
	wset.SetLocalWriter(bootstrap.Public())
	lin, err := linearize.Open(filepath.Join(base, "linearize"), logs, v, wset)
	if err != nil {
		t.Fatalf("linearize.Open: %v", err)
	}
	if _, err := logs.Open(bootstrap.Public()); err != nil {
		t.Fatalf("logs.Open: %v", err)
	}

	matcher := ignore.New(nil)
	bus := events.New(nil)

	engine := syncengine.New(syncengine.Config{
		Root:        root,
		Signer:      bootstrap,
		HasLocal:    true,
		Writers:     wset,
		Matcher:     matcher,
		View:        v,
		Logs:        logs,
		Linearizer:  lin,
		Bus:         bus,
		SyncDeletes: syncDeletes,
	})

	t.Cleanup(func() {
		lin.Close()
		wset.Close()
		v.Close()
		logs.Close()
		bus.Close()
	})

	return &harness{root: root, engine: engine, view: v, lin: lin, logs: logs, wset: wset, bus: bus}, bootstrap
}

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	if err := ioutil.WriteFile(filepath.Join(root, name), []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestPushCreatesPutOpsForNewFiles(t *testing.T) {
	h, _ := newHarness(t, false)
	writeFile(t, h.root, "a.txt", "hello")
	writeFile(t, h.root, "b.txt", "world")

	applied, err := h.engine.Push()
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if applied != 2 {
		t.Errorf("expected 2 ops applied, got %d", applied)
	}
	if _, ok := h.view.Get("a.txt"); !ok {
		t.Error("expected a.txt in view after push")
	}
	if _, ok := h.view.Get("b.txt"); !ok {
		t.Error("expected b.txt in view after push")
	}
}

func TestPushIsIdempotentWithNoChange(t *testing.T) {
	h, _ := newHarness(t, false)
	writeFile(t, h.root, "a.txt", "hello")

	if _, err := h.engine.Push(); err != nil {
		t.Fatalf("first Push: %v", err)
	}
	applied, err := h.engine.Push()
	if err != nil {
		t.Fatalf("second Push: %v", err)
	}
	if applied != 0 {
		t.Errorf("expected second push to be a no-op, got %d ops", applied)
	}
}

func TestPushRespectsIgnorePatterns(t *testing.T) {
	h, _ := newHarness(t, false)
	writeFile(t, h.root, "keep.txt", "hello")
	if err := os.Mkdir(filepath.Join(h.root, "node_modules"), 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	writeFile(t, h.root, "node_modules/pkg.js", "ignored")

	applied, err := h.engine.Push()
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if applied != 1 {
		t.Errorf("expected only keep.txt to be pushed, got %d ops", applied)
	}
	if _, ok := h.view.Get("node_modules/pkg.js"); ok {
		t.Error("did not expect ignored path in view")
	}
}

func TestPullWritesNewViewEntriesToDisk(t *testing.T) {
	h, _ := newHarness(t, false)
	writeFile(t, h.root, "a.txt", "hello")
	if _, err := h.engine.Push(); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if err := os.Remove(filepath.Join(h.root, "a.txt")); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	applied, err := h.engine.Pull()
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if applied != 1 {
		t.Errorf("expected 1 file restored by pull, got %d", applied)
	}
	content, err := ioutil.ReadFile(filepath.Join(h.root, "a.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != "hello" {
		t.Errorf("expected restored content %q, got %q", "hello", content)
	}
}

func TestPushAnnouncesGrownLocalLog(t *testing.T) {
	h, local := newHarness(t, false)

	type call struct {
		writer identity.PublicKey
		length uint64
	}
	calls := make(chan call, 4)
	h.engine.SetAnnouncer(func(writer identity.PublicKey, length uint64) {
		calls <- call{writer: writer, length: length}
	})

	writeFile(t, h.root, "a.txt", "hello")
	if _, err := h.engine.Push(); err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case c := <-calls:
		if c.writer != local.Public() {
			t.Errorf("expected announcement for local writer %s, got %s", local.Public(), c.writer)
		}
		if c.length == 0 {
			t.Error("expected a non-zero announced log length")
		}
	default:
		t.Fatal("expected Push to announce the grown log")
	}
}

func TestPushDoesNotAnnounceWhenNoOpsApplied(t *testing.T) {
	h, _ := newHarness(t, false)
	writeFile(t, h.root, "a.txt", "hello")
	if _, err := h.engine.Push(); err != nil {
		t.Fatalf("first Push: %v", err)
	}

	calls := 0
	h.engine.SetAnnouncer(func(identity.PublicKey, uint64) { calls++ })

	if _, err := h.engine.Push(); err != nil {
		t.Fatalf("second Push: %v", err)
	}
	if calls != 0 {
		t.Errorf("expected no announcement for a no-op push, got %d", calls)
	}
}

func TestPushRefusedForUnadmittedLocalWriter(t *testing.T) {
	base, err := ioutil.TempDir("", "pearsync-syncengine-test")
	if err != nil {
		t.Fatalf("TempDir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(base) })

	root := filepath.Join(base, "workspace")
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	bootstrap, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	joiner, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	logs := logset.New(filepath.Join(base, "logs"))
	logs.SetLocalWriter(joiner)
	v, err := view.Open(filepath.Join(base, "view"))
	if err != nil {
		t.Fatalf("view.Open: %v", err)
	}
	defer v.Close()
	wset, err := writerset.Open(filepath.Join(base, "writerset"), bootstrap.Public())
	if err != nil {
		t.Fatalf("writerset.Open: %v", err)
	}
	defer wset.Close()
	// joiner holds a key of its own but has never been admitted via
	// add-writer, so the Writer Set does not consider it writable.
	wset.SetLocalWriter(joiner.Public())
	lin, err := linearize.Open(filepath.Join(base, "linearize"), logs, v, wset)
	if err != nil {
		t.Fatalf("linearize.Open: %v", err)
	}
	defer lin.Close()

	matcher := ignore.New(nil)
	bus := events.New(nil)
	defer bus.Close()

	engine := syncengine.New(syncengine.Config{
		Root:       root,
		Signer:     joiner,
		HasLocal:   true,
		Writers:    wset,
		Matcher:    matcher,
		View:       v,
		Logs:       logs,
		Linearizer: lin,
		Bus:        bus,
	})

	if engine.Mode() != syncengine.ReadOnly {
		t.Errorf("expected an unadmitted local writer to be ReadOnly, got %s", engine.Mode())
	}

	writeFile(t, root, "a.txt", "hello")
	if _, err := engine.Push(); err != fault.ErrNotWritable {
		t.Errorf("expected ErrNotWritable, got %v", err)
	}
}

func TestPullWithSyncDeletesRemovesUntracked(t *testing.T) {
	h, _ := newHarness(t, true)
	writeFile(t, h.root, "tracked.txt", "hello")
	if _, err := h.engine.Push(); err != nil {
		t.Fatalf("Push: %v", err)
	}
	writeFile(t, h.root, "stray.txt", "untracked")

	if _, err := h.engine.Pull(); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.root, "stray.txt")); !os.IsNotExist(err) {
		t.Error("expected stray.txt to be removed by sync_deletes pull")
	}
	if _, err := os.Stat(filepath.Join(h.root, "tracked.txt")); err != nil {
		t.Errorf("expected tracked.txt to survive sync_deletes pull: %v", err)
	}
}
