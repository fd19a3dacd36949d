// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package daemon hosts the long-lived workspace instances and answers
// watch/unwatch/status/list/shutdown commands over a newline-delimited
// JSON Unix-domain socket, the way the teacher's rpc/listeners package
// answers RPC calls over a TLS socket: one accept loop, one goroutine
// per connection, a shared counter of live connections.
package daemon

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"sync"

	"github.com/bitmark-inc/logger"

	"github.com/pearsync/pearsync/background"
	"github.com/pearsync/pearsync/config"
	"github.com/pearsync/pearsync/counter"
	"github.com/pearsync/pearsync/fault"
	"github.com/pearsync/pearsync/workspace"
)

const connectionLimit = 100

// request is one decoded command line from a client connection.
type request struct {
	Command   string `json:"command"`
	Workspace string `json:"workspace"`
}

// response is one encoded reply line. Success carries arbitrary
// command-specific fields via Data; failure carries Error only.
type response struct {
	Success bool        `json:"success,omitempty"`
	Error   string      `json:"error,omitempty"`
	Note    string      `json:"note,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// entry is one workspace the daemon currently holds open, keyed by its
// absolute root path.
type entry struct {
	ws       *workspace.Workspace
	watching bool
}

// Daemon owns zero or more open workspaces and the Unix-domain socket
// accept loop that answers commands about them.
type Daemon struct {
	log      *logger.L
	socket   string
	listener net.Listener
	count    counter.Counter

	mu         sync.Mutex
	workspaces map[string]*entry

	bg *background.T
}

// New constructs a Daemon bound to the given socket path, or the
// default XDG socket path if socketPath is empty.
func New(socketPath string) (*Daemon, error) {
	if socketPath == "" {
		var err error
		socketPath, err = config.SocketPath()
		if err != nil {
			return nil, err
		}
	}
	return &Daemon{
		log:        logger.New("daemon"),
		socket:     socketPath,
		workspaces: make(map[string]*entry),
	}, nil
}

// Register adds an already-open Workspace under the daemon's
// management, keyed by its root path. Use this to pre-populate the
// daemon from workspaces persisted in the config store at startup.
func (d *Daemon) Register(ws *workspace.Workspace) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workspaces[ws.Root] = &entry{ws: ws}
}

// Start removes any stale socket file, binds, and begins accepting
// connections as a background.Processor.
func (d *Daemon) Start() error {
	if err := os.Remove(d.socket); err != nil && !os.IsNotExist(err) {
		return err
	}
	listener, err := net.Listen("unix", d.socket)
	if err != nil {
		return err
	}
	d.listener = listener
	d.bg = background.Start(background.Processes{d}, nil)
	return nil
}

// Run implements background.Processor: it accepts connections until
// shutdown is closed, at which point it stops accepting and returns.
func (d *Daemon) Run(args interface{}, shutdown <-chan struct{}) {
	go func() {
		<-shutdown
		d.listener.Close()
	}()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			d.log.Infof("accept loop terminated: %s", err)
			return
		}
		if d.count.Increment() > connectionLimit {
			d.count.Decrement()
			conn.Close()
			continue
		}
		go d.serve(conn)
	}
}

func (d *Daemon) serve(conn net.Conn) {
	defer func() {
		conn.Close()
		d.count.Decrement()
	}()

	reader := bufio.NewReader(conn)
	encoder := json.NewEncoder(conn)

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			encoder.Encode(d.handle(line))
		}
		if err != nil {
			return
		}
	}
}

func (d *Daemon) handle(line []byte) response {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		return response{Error: "invalid request: " + err.Error()}
	}

	switch req.Command {
	case "status":
		return d.statusAll()
	case "list":
		return d.list()
	case "watch":
		return d.watch(req.Workspace)
	case "unwatch":
		return d.unwatch(req.Workspace)
	case "shutdown":
		go d.Stop()
		return response{Success: true}
	default:
		return response{Error: "unknown command: " + req.Command}
	}
}

func (d *Daemon) statusAll() response {
	d.mu.Lock()
	defer d.mu.Unlock()

	statuses := make([]workspace.Status, 0, len(d.workspaces))
	for _, e := range d.workspaces {
		statuses = append(statuses, e.ws.Status())
	}
	return response{Success: true, Data: statuses}
}

func (d *Daemon) list() response {
	return d.statusAll()
}

func (d *Daemon) watch(root string) response {
	if root == "" {
		return response{Error: "missing workspace"}
	}

	d.mu.Lock()
	e, ok := d.workspaces[root]
	d.mu.Unlock()
	if !ok {
		return response{Error: "workspace not found: " + root}
	}

	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return response{Error: fault.ErrNotADirectory.Error()}
	}

	d.mu.Lock()
	already := e.watching
	d.mu.Unlock()
	if already {
		return response{Success: true, Note: "Already watching"}
	}

	if err := e.ws.StartWatching(); err != nil {
		if fault.IsErrExists(err) {
			return response{Success: true, Note: "Already watching"}
		}
		return response{Error: err.Error()}
	}

	d.mu.Lock()
	e.watching = true
	d.mu.Unlock()
	return response{Success: true}
}

func (d *Daemon) unwatch(root string) response {
	d.mu.Lock()
	e, ok := d.workspaces[root]
	d.mu.Unlock()
	if !ok {
		return response{Error: "workspace not found: " + root}
	}
	if err := e.ws.Close(); err != nil {
		return response{Error: err.Error()}
	}

	d.mu.Lock()
	delete(d.workspaces, root)
	d.mu.Unlock()
	return response{Success: true}
}

// Stop closes every held workspace, stops the accept loop, and
// unlinks the socket file.
func (d *Daemon) Stop() {
	d.mu.Lock()
	entries := make([]*entry, 0, len(d.workspaces))
	for _, e := range d.workspaces {
		entries = append(entries, e)
	}
	d.workspaces = make(map[string]*entry)
	d.mu.Unlock()

	for _, e := range entries {
		if err := e.ws.Close(); err != nil {
			d.log.Warnf("closing workspace %s: %s", e.ws.Root, err)
		}
	}

	if d.bg != nil {
		d.bg.Stop()
	}
	os.Remove(d.socket)
}
