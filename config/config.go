// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package config manages the on-disk registry of known workspaces
// (config.json), the analogue of the teacher's libucl-backed
// configuration package but reworked onto spf13/viper, the config
// library actually carried in the dependency set, since the
// workspace registry is plain JSON rather than the teacher's UCL
// master configuration file.
package config

import (
	"os"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/pearsync/pearsync/fault"
	"github.com/pearsync/pearsync/identity"
)

// CurrentVersion is the only config.json schema version this build
// understands; Load rejects any other value.
const CurrentVersion = 1

// Workspace is one entry in the registry: a local directory bound to a
// workspace key, plus whether this node is allowed to write to it.
type Workspace struct {
	Key         identity.PublicKey `json:"key" mapstructure:"key"`
	Path        string             `json:"path" mapstructure:"path"`
	IsWriter    bool               `json:"is_writer" mapstructure:"is_writer"`
	Created     time.Time          `json:"created" mapstructure:"created"`
	SyncDeletes bool               `json:"sync_deletes" mapstructure:"sync_deletes"`
}

// Defaults holds registry-wide settings applied to workspaces that do
// not override them individually.
type Defaults struct {
	SyncDeletes bool `json:"sync_deletes" mapstructure:"sync_deletes"`
}

// Store is the in-memory, mutex-guarded view of config.json, flushed to
// disk on every mutation.
type Store struct {
	mu   sync.Mutex
	v    *viper.Viper
	path string

	version    int
	workspaces map[string]Workspace
	defaults   Defaults
}

type onDisk struct {
	Version    int                  `mapstructure:"version"`
	Workspaces map[string]Workspace `mapstructure:"workspaces"`
	Defaults   Defaults             `mapstructure:"defaults"`
}

// Load reads path (creating an empty registry at CurrentVersion if it
// does not yet exist) and returns a Store bound to it.
func Load(path string) (*Store, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	s := &Store{
		v:          v,
		path:       path,
		version:    CurrentVersion,
		workspaces: make(map[string]Workspace),
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok || os.IsNotExist(err) {
			return s, s.flushLocked()
		}
		return nil, err
	}

	var disk onDisk
	if err := v.Unmarshal(&disk); err != nil {
		return nil, err
	}
	if disk.Version == 0 {
		disk.Version = CurrentVersion
	}
	if disk.Version != CurrentVersion {
		return nil, fault.ErrInvalidConfigVersion
	}

	s.version = disk.Version
	s.defaults = disk.Defaults
	if disk.Workspaces != nil {
		s.workspaces = disk.Workspaces
	}
	return s, nil
}

// Put registers or updates a workspace entry and persists the registry.
func (s *Store) Put(name string, ws Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workspaces[name] = ws
	return s.flushLocked()
}

// Remove deletes a workspace entry and persists the registry. Removing
// an entry that does not exist is not an error.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.workspaces, name)
	return s.flushLocked()
}

// Get returns the named workspace entry.
func (s *Store) Get(name string) (Workspace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workspaces[name]
	return ws, ok
}

// List returns every registered workspace name.
func (s *Store) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.workspaces))
	for name := range s.workspaces {
		names = append(names, name)
	}
	return names
}

// Defaults returns the registry-wide default settings.
func (s *Store) Defaults() Defaults {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.defaults
}

// SetDefaults replaces the registry-wide default settings and persists.
func (s *Store) SetDefaults(d Defaults) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.defaults = d
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	s.v.Set("version", s.version)
	s.v.Set("workspaces", s.workspaces)
	s.v.Set("defaults", s.defaults)
	return s.v.WriteConfigAs(s.path)
}
