// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package engine

import (
	"context"
	"fmt"

	"github.com/ograd/torrentengine/core"
	"github.com/ograd/torrentengine/lib/adapters"
	"github.com/ograd/torrentengine/lib/peerconn"
	"github.com/ograd/torrentengine/lib/swarm"
	"github.com/ograd/torrentengine/lib/torrentctl"
	"github.com/ograd/torrentengine/lib/wire"
)

// magnetFetchExtID is the local BEP-10 sub-message id this Engine assigns
// itself for ut_metadata while resolving a magnet link, before any
// torrentctl.Controller (and its own id assignment) exists.
const magnetFetchExtID = 1

// AddMagnet resolves magnet's info dict by dialing ip:port and exchanging
// BEP-9 ut_metadata messages directly over the socket, then adds the
// resulting torrent and attaches the same connection the same way
// AddTorrent/ConnectToPeer do for an already-resolved MetaInfo. If magnet's
// info hash is already managed, the existing Controller is returned and no
// connection is attempted.
func (e *Engine) AddMagnet(
	ctx context.Context,
	magnet *core.MagnetLink,
	ip string,
	port int,
	fs adapters.FileSystem,
	hasher adapters.Hasher) (*torrentctl.Controller, error) {

	e.mu.Lock()
	if existing, ok := e.torrents[magnet.InfoHash]; ok {
		e.mu.Unlock()
		return existing.ctl, nil
	}
	e.mu.Unlock()

	if !e.acquireBudget() {
		return nil, ErrConnectionBudget
	}
	released := false
	release := func() {
		if !released {
			released = true
			e.releaseBudget()
		}
	}
	defer release()

	dialCtx, cancel := context.WithTimeout(ctx, e.config.HandshakeTimeout)
	defer cancel()
	sock, err := e.socketFac.DialTCP(dialCtx, ip, port)
	if err != nil {
		return nil, fmt.Errorf("dial: %s", err)
	}

	out := wire.Handshake{InfoHash: magnet.InfoHash, PeerID: e.localPeerID}
	out.Reserved = out.Reserved.WithExtensionProtocol()
	if err := wire.WriteHandshake(sock, out); err != nil {
		sock.Close()
		return nil, fmt.Errorf("write handshake: %s", err)
	}
	hs, err := wire.ReadHandshake(sock)
	if err != nil {
		sock.Close()
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	if hs.InfoHash != magnet.InfoHash {
		sock.Close()
		return nil, wire.ErrInfoHashMismatch
	}
	if !hs.Reserved.SupportsExtensionProtocol() {
		sock.Close()
		return nil, fmt.Errorf("peer does not support the extension protocol, cannot fetch metadata")
	}

	// Fetch metadata directly over the raw socket: no torrentctl.Controller
	// exists yet to own a peerconn.PeerConnection's event callbacks, and
	// those callbacks are bound permanently at construction, so a
	// PeerConnection is only created below once the real Controller exists
	// to receive them.
	mi, err := fetchMetadata(ctx, sock, magnet)
	if err != nil {
		sock.Close()
		return nil, fmt.Errorf("fetch metadata: %s", err)
	}

	ctl, err := e.AddTorrent(mi, fs, hasher)
	if err != nil {
		sock.Close()
		return nil, err
	}

	e.mu.Lock()
	mt, ok := e.torrents[mi.InfoHash()]
	e.mu.Unlock()
	if !ok {
		sock.Close()
		return nil, ErrTorrentNotFound
	}

	pc, err := peerconn.New(peerconn.Config{}, e.clk, e.stats, e.bandwidth, ctl,
		sock, e.localPeerID, hs.PeerID, mi.InfoHash(), false, e.logger)
	if err != nil {
		sock.Close()
		return nil, err
	}
	pc.Start()

	sp := mt.registry.AddPeer(ip, port, swarm.SourceManual)
	mt.registry.MarkConnected(sp, hs.PeerID)
	if err := ctl.AddPeer(pc, sp); err != nil {
		pc.Close()
		return nil, err
	}

	released = true // Budget now owned by the live connection; released on ConnClosed.
	return ctl, nil
}

// fetchMetadata drives one raw socket through a BEP-10 extension handshake
// and a full ut_metadata piece exchange, verifying the reassembled info
// dict against magnet's info hash before returning it. Operates below
// peerconn.PeerConnection since no torrentctl.Controller exists yet to
// receive its events.
func fetchMetadata(ctx context.Context, sock adapters.Socket, magnet *core.MagnetLink) (*core.MetaInfo, error) {
	handshake := wire.ExtensionHandshake{M: map[string]int{wire.ExtensionMetadata: magnetFetchExtID}}
	payload, err := wire.EncodeExtensionHandshake(handshake)
	if err != nil {
		return nil, fmt.Errorf("encode extension handshake: %s", err)
	}
	if err := wire.WriteMessage(sock, wire.NewExtendedMessage(0, payload)); err != nil {
		return nil, fmt.Errorf("send extension handshake: %s", err)
	}

	var peerMetadataID byte
	var assembler *wire.MetadataAssembler

	requestAllPieces := func() error {
		for pi := 0; pi < assembler.NumPieces(); pi++ {
			req, err := wire.EncodeMetadataMessage(wire.MetadataMessage{MsgType: wire.MetadataRequest, Piece: pi})
			if err != nil {
				return fmt.Errorf("encode metadata request: %s", err)
			}
			if err := wire.WriteMessage(sock, wire.NewExtendedMessage(peerMetadataID, req)); err != nil {
				return fmt.Errorf("send metadata request %d: %s", pi, err)
			}
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := wire.ReadMessage(sock, 0)
		if err != nil {
			return nil, fmt.Errorf("read message: %s", err)
		}
		if msg.IsKeepAlive() || msg.ID != wire.Extended {
			continue
		}

		if msg.ExtendedID == 0 {
			h, err := wire.DecodeExtensionHandshake(msg.Payload)
			if err != nil {
				return nil, fmt.Errorf("decode extension handshake: %s", err)
			}
			id, ok := h.M[wire.ExtensionMetadata]
			if !ok {
				return nil, fmt.Errorf("peer does not advertise ut_metadata support")
			}
			peerMetadataID = byte(id)
			if h.MetadataSize > 0 && assembler == nil {
				assembler = wire.NewMetadataAssembler(h.MetadataSize)
				if err := requestAllPieces(); err != nil {
					return nil, err
				}
			}
			continue
		}

		if assembler == nil {
			// A data/reject message arrived before the handshake told us the
			// metadata size; nothing to do with it yet.
			continue
		}
		m, rest, err := wire.DecodeMetadataMessage(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode ut_metadata message: %s", err)
		}
		switch m.MsgType {
		case wire.MetadataReject:
			return nil, fmt.Errorf("peer rejected metadata request for piece %d", m.Piece)
		case wire.MetadataData:
			if err := assembler.AddPiece(m.Piece, rest); err != nil {
				return nil, fmt.Errorf("assemble metadata piece %d: %s", m.Piece, err)
			}
			if assembler.Complete() {
				raw, err := assembler.Assemble()
				if err != nil {
					return nil, err
				}
				mi, err := core.NewMetaInfoFromInfoBytes(raw)
				if err != nil {
					return nil, fmt.Errorf("parse assembled info dict: %s", err)
				}
				if mi.InfoHash() != magnet.InfoHash {
					return nil, fmt.Errorf("assembled info dict hash does not match magnet info hash")
				}
				return mi, nil
			}
		}
	}
}
