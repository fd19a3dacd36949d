// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package workspace_test

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pearsync/pearsync/identity"
	"github.com/pearsync/pearsync/workspace"
)

func newTestOptions(t *testing.T) workspace.Options {
	t.Helper()
	base, err := ioutil.TempDir("", "pearsync-workspace-test")
	if err != nil {
		t.Fatalf("TempDir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(base) })

	root := filepath.Join(base, "root")
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	signer, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	os.Setenv("XDG_DATA_HOME", filepath.Join(base, "data"))
	os.Setenv("XDG_CONFIG_HOME", filepath.Join(base, "config"))

	return workspace.Options{
		Name:     "test",
		Root:     root,
		Key:      signer.Public(),
		Signer:   signer,
		HasLocal: true,
	}
}

func TestOpenAndCloseLocalOnlyWorkspace(t *testing.T) {
	opts := newTestOptions(t)
	ws, err := workspace.Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ws.Close()

	status := ws.Status()
	if status.Name != "test" {
		t.Errorf("expected name %q, got %q", "test", status.Name)
	}
	if status.Watching {
		t.Error("expected a freshly opened workspace to not be watching")
	}
}

func TestPushThenPullRoundTripsAFile(t *testing.T) {
	opts := newTestOptions(t)
	ws, err := workspace.Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ws.Close()

	path := filepath.Join(opts.Root, "hello.txt")
	if err := ioutil.WriteFile(path, []byte("hello world"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	applied, err := ws.Push()
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if applied != 1 {
		t.Errorf("expected 1 op applied, got %d", applied)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	applied, err = ws.Pull()
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if applied != 1 {
		t.Errorf("expected 1 file restored, got %d", applied)
	}
	content, err := ioutil.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != "hello world" {
		t.Errorf("expected %q, got %q", "hello world", content)
	}
}

func TestStartWatchingTwiceReturnsAlreadyWatching(t *testing.T) {
	opts := newTestOptions(t)
	ws, err := workspace.Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ws.Close()

	if err := ws.StartWatching(); err != nil {
		t.Fatalf("first StartWatching: %v", err)
	}
	if err := ws.StartWatching(); err == nil {
		t.Error("expected an error starting to watch a second time")
	}
}
