// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
)

// ConfigDir returns $XDG_CONFIG_HOME/pearsync, falling back to
// ~/.config/pearsync when the environment variable is unset.
func ConfigDir() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "pearsync"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "pearsync"), nil
}

// DataDir returns $XDG_DATA_HOME/pearsync, falling back to
// ~/.local/share/pearsync when the environment variable is unset.
func DataDir() (string, error) {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "pearsync"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "pearsync"), nil
}

// FilePath returns the path to config.json under ConfigDir.
func FilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// IdentityPath returns the path to this node's persisted Ed25519 key
// pair, generated once on first run and reused as the signer for every
// workspace this node writes to.
func IdentityPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "identity.key"), nil
}

// SocketPath returns the path to the daemon's Unix-domain command socket.
func SocketPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "daemon.sock"), nil
}

// EventsEndpoint returns the ipc:// zmq endpoint the event bus mirrors
// onto, rooted under DataDir so it survives alongside workspace stores.
func EventsEndpoint() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return "ipc://" + filepath.Join(dir, "events.sock"), nil
}

// StoreDir returns the per-workspace log directory for a workspace keyed
// by key, named by the first 16 hex characters of the key per the
// persisted state layout.
func StoreDir(key string) (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	prefix := key
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	return filepath.Join(dir, "stores", prefix, "store"), nil
}
