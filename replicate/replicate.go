// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package replicate implements the point-to-point protocol peers use to
// pull the blocks a gossip Announcement told them about: a request naming
// a writer and a starting sequence, answered with a stream of wire-encoded
// blocks. This is the Block Store/Log Set (C1/C2) replication concern —
// distinct from the Writer Exchange Channel (C7, package writerexchange),
// which carries writer keys for admission rather than block content.
// Adapted from the teacher's p2p package basicStream handler (a direct
// libp2p stream framed with bufio) with the ad hoc line protocol replaced
// by the wire package's length-prefixed block frames, since this exchange
// carries signed log blocks rather than free text.
package replicate

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"

	"github.com/bitmark-inc/logger"

	"github.com/pearsync/pearsync/blockstore"
	"github.com/pearsync/pearsync/identity"
	"github.com/pearsync/pearsync/logset"
	"github.com/pearsync/pearsync/transport"
	"github.com/pearsync/pearsync/wire"
)

// ProtocolID identifies this stream protocol to libp2p.
const ProtocolID = protocol.ID("/pearsync/replicate/1.0.0")

// request is the single JSON line a client sends after opening a stream,
// naming the writer log and starting sequence it wants.
type request struct {
	Writer  identity.PublicKey `json:"writer"`
	FromSeq uint64             `json:"from_seq"`
}

// Server answers block-range requests for the logs held by a Set.
type Server struct {
	log  *logger.L
	logs *logset.Set
}

// NewServer registers a stream handler on host for ProtocolID, answering
// requests out of logs.
func NewServer(host *transport.Host, logs *logset.Set) *Server {
	s := &Server{
		log:  logger.New("replicate"),
		logs: logs,
	}
	host.Libp2pHost().SetStreamHandler(ProtocolID, s.handleStream)
	return s
}

func (s *Server) handleStream(stream network.Stream) {
	defer stream.Close()

	reader := bufio.NewReader(stream)
	line, err := reader.ReadString('\n')
	if err != nil {
		s.log.Warnf("reading request: %v", err)
		return
	}

	var req request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		s.log.Warnf("decoding request: %v", err)
		return
	}

	store, ok := s.logs.Get(req.Writer)
	if !ok {
		return
	}

	writer := bufio.NewWriter(stream)
	for seq := req.FromSeq; seq < store.Length(); seq++ {
		block, _, err := store.Get(seq)
		if err != nil {
			s.log.Warnf("fetching block %d of %s: %v", seq, req.Writer, err)
			return
		}
		if _, err := writer.Write(wire.Encode(block)); err != nil {
			s.log.Warnf("writing block %d of %s: %v", seq, req.Writer, err)
			return
		}
	}
	if err := writer.Flush(); err != nil {
		s.log.Warnf("flushing stream: %v", err)
	}
}

// Pull opens a stream to peerID and appends every block of writer's log
// from fromSeq onward that the peer holds directly into store, verifying
// each one's signature and chain position as it arrives.
func Pull(ctx context.Context, host *transport.Host, peerID peer.ID, writer identity.PublicKey, fromSeq uint64, store *blockstore.Store) (int, error) {
	stream, err := host.Libp2pHost().NewStream(ctx, peerID, ProtocolID)
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	req := request{Writer: writer, FromSeq: fromSeq}
	payload, err := json.Marshal(req)
	if err != nil {
		return 0, err
	}
	payload = append(payload, '\n')
	if _, err := stream.Write(payload); err != nil {
		return 0, err
	}

	reader := bufio.NewReader(stream)
	count := 0
	for {
		block, err := readFrame(reader)
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, err
		}
		if err := store.AppendReplicated(writer, *block); err != nil {
			return count, err
		}
		count++
	}
}

// readFrame reads exactly one wire frame from r: the 4-byte frame_len
// header followed by that many body bytes, then decodes it. The
// PriorHash in the returned Block is left zero; AppendReplicated
// recomputes it from local chain state rather than trusting the wire.
func readFrame(r *bufio.Reader) (*wire.Block, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	bodyLen := binary.BigEndian.Uint32(header)
	buf := make([]byte, 4+int(bodyLen))
	copy(buf, header)
	if _, err := io.ReadFull(r, buf[4:]); err != nil {
		return nil, err
	}

	block, _, err := wire.Decode(buf, [wire.HashSize]byte{})
	if err != nil {
		return nil, err
	}
	return block, nil
}
