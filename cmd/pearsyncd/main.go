// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// pearsyncd is the daemon entry point: it loads the workspace registry,
// opens every registered workspace, hosts them behind the Unix-domain
// command socket, and shuts down cleanly on SIGINT/SIGTERM.
package main

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitmark-inc/exitwithstatus"
	"github.com/bitmark-inc/logger"

	"github.com/pearsync/pearsync/config"
	"github.com/pearsync/pearsync/daemon"
	"github.com/pearsync/pearsync/fault"
	"github.com/pearsync/pearsync/getoptions"
	"github.com/pearsync/pearsync/identity"
	"github.com/pearsync/pearsync/workspace"
)

// set by the linker: go build -ldflags "-X main.version=M.N" ./...
var version = "zero"

func main() {
	defer exitwithstatus.Handler()

	program, options, _ := getoptions.GetOS(getoptions.AliasMap{
		"v": "verbose",
		"h": "help",
		"V": "version",
	})

	if len(options["version"]) > 0 {
		fmt.Printf("%s: version %s\n", program, version)
		return
	}
	if len(options["help"]) > 0 {
		fmt.Printf("usage: %s [--verbose] [--version]\n", program)
		return
	}

	logDirectory, err := config.DataDir()
	if err != nil {
		exitwithstatus.Message("%s: could not resolve data directory: %s", program, err)
	}
	if err := os.MkdirAll(logDirectory, 0700); err != nil {
		exitwithstatus.Message("%s: could not create data directory: %s", program, err)
	}
	if err := logger.Initialise(logDirectory+"/pearsyncd.log", 1048576, 10); err != nil {
		exitwithstatus.Message("%s: logger setup failed: %s", program, err)
	}
	defer logger.Finalise()

	log := logger.New("main")
	defer log.Info("finished")
	log.Info("starting…")
	log.Infof("version: %s", version)

	if err := fault.Initialise(); err != nil {
		log.Criticalf("fault initialise error: %s", err)
		exitwithstatus.Message("%s: fault initialise error: %s", program, err)
	}
	defer fault.Finalise()

	signer, err := loadOrCreateIdentity()
	if err != nil {
		log.Criticalf("identity load error: %s", err)
		exitwithstatus.Message("%s: identity load error: %s", program, err)
	}
	log.Infof("node identity: %s", signer.Public())

	configDir, err := config.ConfigDir()
	if err != nil {
		exitwithstatus.Message("%s: could not resolve config directory: %s", program, err)
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		exitwithstatus.Message("%s: could not create config directory: %s", program, err)
	}
	configPath, err := config.FilePath()
	if err != nil {
		exitwithstatus.Message("%s: could not resolve config path: %s", program, err)
	}
	store, err := config.Load(configPath)
	if err != nil {
		log.Criticalf("config load error: %s", err)
		exitwithstatus.Message("%s: config load error: %s", program, err)
	}

	socketPath, err := config.SocketPath()
	if err != nil {
		exitwithstatus.Message("%s: could not resolve socket path: %s", program, err)
	}
	d, err := daemon.New(socketPath)
	if err != nil {
		exitwithstatus.Message("%s: daemon construction failed: %s", program, err)
	}

	for _, name := range store.List() {
		entry, ok := store.Get(name)
		if !ok {
			continue
		}
		ws, err := workspace.Open(workspace.Options{
			Name:        name,
			Root:        entry.Path,
			Key:         entry.Key,
			Signer:      signer,
			HasLocal:    entry.IsWriter,
			SyncDeletes: entry.SyncDeletes,
			ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
		})
		if err != nil {
			log.Errorf("skipping workspace %q: %s", name, err)
			continue
		}
		d.Register(ws)
		if err := ws.StartWatching(); err != nil {
			log.Errorf("workspace %q did not start watching: %s", name, err)
		}
		log.Infof("opened workspace %q at %s", name, entry.Path)
	}

	if err := d.Start(); err != nil {
		log.Criticalf("daemon start error: %s", err)
		exitwithstatus.Message("%s: daemon start error: %s", program, err)
	}
	log.Infof("listening on %s", socketPath)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	log.Infof("received signal: %s", received)

	d.Stop()
}

// loadOrCreateIdentity reads this node's signing key from its fixed
// location under the config directory, generating and persisting one
// on first run.
func loadOrCreateIdentity() (identity.PrivateKey, error) {
	path, err := config.IdentityPath()
	if err != nil {
		return identity.PrivateKey{}, err
	}

	if raw, err := ioutil.ReadFile(path); err == nil {
		return identity.PrivateKeyFromBytes(raw)
	} else if !os.IsNotExist(err) {
		return identity.PrivateKey{}, err
	}

	dir, err := config.ConfigDir()
	if err != nil {
		return identity.PrivateKey{}, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return identity.PrivateKey{}, err
	}

	key, err := identity.Generate()
	if err != nil {
		return identity.PrivateKey{}, err
	}
	if err := ioutil.WriteFile(path, key.Bytes(), 0600); err != nil {
		return identity.PrivateKey{}, err
	}
	return key, nil
}
