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
package torrentctl

import (
	"fmt"
	"net"

	"github.com/ograd/torrentengine/lib/bandwidth"
	"github.com/ograd/torrentengine/lib/swarm"
	"github.com/ograd/torrentengine/lib/wire"
)

// Local BEP-10 sub-message ids this Controller assigns itself, advertised in
// the "m" dict of our own extension handshake. Fixed rather than dynamic
// since this Controller only ever speaks two extensions.
const (
	localExtMetadata = 1
	localExtPEX      = 2
)

func localExtensionName(id byte) (string, bool) {
	switch id {
	case localExtMetadata:
		return wire.ExtensionMetadata, true
	case localExtPEX:
		return wire.ExtensionPEX, true
	}
	return "", false
}

// sendExtensionHandshake advertises ut_metadata/ut_pex support, and the info
// dict's size per BEP-9. A Controller is always constructed from an
// already-resolved storage.Torrent; magnet-only resolution happens before a
// Controller exists, in engine.Engine.AddMagnet, which hands the torrent to
// AddTorrent once metadata is assembled and verified.
func (c *Controller) sendExtensionHandshake(cp *connectedPeer) {
	h := wire.ExtensionHandshake{
		M: map[string]int{
			wire.ExtensionMetadata: localExtMetadata,
			wire.ExtensionPEX:      localExtPEX,
		},
	}
	if raw := c.torrent.RawInfo(); len(raw) > 0 {
		h.MetadataSize = len(raw)
	}
	payload, err := wire.EncodeExtensionHandshake(h)
	if err != nil {
		c.log("peer", cp.id).Errorf("Error encoding extension handshake: %s", err)
		return
	}
	if err := cp.conn.Send(wire.NewExtendedMessage(0, payload), bandwidth.CategoryProtocol); err != nil {
		c.log("peer", cp.id).Errorf("Error sending extension handshake: %s", err)
	}
}

// handleExtended dispatches one BEP-10 sub-message to its handler.
func (c *Controller) handleExtended(cp *connectedPeer, extID byte, payload []byte) error {
	if extID == 0 {
		return c.handleExtensionHandshake(cp, payload)
	}
	name, ok := localExtensionName(extID)
	if !ok {
		// Peer addressed an id we never advertised; ignore rather than error,
		// the same tolerance spec.md's Unknown passthrough gives unrecognized
		// handshake keys.
		return nil
	}
	switch name {
	case wire.ExtensionMetadata:
		return c.handleMetadataMessage(cp, payload)
	case wire.ExtensionPEX:
		return c.handlePEXMessage(cp, payload)
	}
	return nil
}

func (c *Controller) handleExtensionHandshake(cp *connectedPeer, payload []byte) error {
	h, err := wire.DecodeExtensionHandshake(payload)
	if err != nil {
		return fmt.Errorf("decode extension handshake: %s", err)
	}
	cp.extMu.Lock()
	cp.peerExt = h.M
	cp.extMu.Unlock()
	return nil
}

func (c *Controller) peerExtensionID(cp *connectedPeer, name string) (byte, bool) {
	cp.extMu.Lock()
	defer cp.extMu.Unlock()
	id, ok := cp.peerExt[name]
	return byte(id), ok
}

// handleMetadataMessage serves ut_metadata requests from this Controller's
// already-resolved info dict. The requesting half of BEP-9 — asking a peer
// for pieces of metadata not yet known — runs before a Controller exists,
// in engine.Engine.AddMagnet's fetchMetadata, which uses the same
// wire.MetadataAssembler.
func (c *Controller) handleMetadataMessage(cp *connectedPeer, payload []byte) error {
	m, _, err := wire.DecodeMetadataMessage(payload)
	if err != nil {
		return fmt.Errorf("decode ut_metadata message: %s", err)
	}
	if m.MsgType != wire.MetadataRequest {
		return nil
	}
	return c.serveMetadataRequest(cp, m.Piece)
}

func (c *Controller) serveMetadataRequest(cp *connectedPeer, piece int) error {
	id, ok := c.peerExtensionID(cp, wire.ExtensionMetadata)
	if !ok {
		return nil
	}
	raw := c.torrent.RawInfo()
	start := piece * wire.MetadataChunkSize
	if len(raw) == 0 || start >= len(raw) {
		reject, err := wire.EncodeMetadataMessage(wire.MetadataMessage{MsgType: wire.MetadataReject, Piece: piece})
		if err != nil {
			return err
		}
		return cp.conn.Send(wire.NewExtendedMessage(id, reject), bandwidth.CategoryProtocol)
	}
	end := start + wire.MetadataChunkSize
	if end > len(raw) {
		end = len(raw)
	}
	header, err := wire.EncodeMetadataMessage(wire.MetadataMessage{
		MsgType:   wire.MetadataData,
		Piece:     piece,
		TotalSize: len(raw),
	})
	if err != nil {
		return err
	}
	body := append(header, raw[start:end]...)
	return cp.conn.Send(wire.NewExtendedMessage(id, body), bandwidth.CategoryProtocol)
}

// handlePEXMessage records peers a remote peer has gossiped about (BEP-11),
// feeding the torrent's own swarm.Registry the same way a tracker or DHT
// sighting does.
func (c *Controller) handlePEXMessage(cp *connectedPeer, payload []byte) error {
	m, err := wire.DecodePEXMessage(payload)
	if err != nil {
		return fmt.Errorf("decode ut_pex message: %s", err)
	}
	if c.registry == nil {
		return nil
	}
	for _, p := range m.Added {
		c.registry.AddPeer(p.IP.String(), int(p.Port), swarm.SourcePEX)
	}
	return nil
}

// broadcastPEX periodically advertises the torrent's currently connected
// peers to every other connected peer that negotiated ut_pex, the same
// pacing idiom watchExpiredRequests already uses for its own timer loop.
func (c *Controller) broadcastPEX(runDone chan struct{}) {
	for {
		select {
		case <-c.clk.After(c.config.PEXInterval):
			c.sendPEXRound()
		case <-runDone:
			return
		}
	}
}

func (c *Controller) sendPEXRound() {
	c.mu.Lock()
	peers := make([]*connectedPeer, 0, len(c.peers))
	for _, cp := range c.peers {
		peers = append(peers, cp)
	}
	c.mu.Unlock()

	if len(peers) < 2 {
		return
	}

	for _, target := range peers {
		id, ok := c.peerExtensionID(target, wire.ExtensionPEX)
		if !ok {
			continue
		}
		var added []wire.PEXPeer
		for _, other := range peers {
			if other.id == target.id {
				continue
			}
			ip := net.ParseIP(other.swarmIP())
			if ip == nil {
				continue
			}
			added = append(added, wire.PEXPeer{IP: ip, Port: uint16(other.swarmPort())})
		}
		if len(added) == 0 {
			continue
		}
		payload, err := wire.EncodePEXMessage(wire.PEXMessage{Added: added})
		if err != nil {
			c.log("peer", target.id).Errorf("Error encoding ut_pex message: %s", err)
			continue
		}
		if err := target.conn.Send(wire.NewExtendedMessage(id, payload), bandwidth.CategoryProtocol); err != nil {
			c.log("peer", target.id).Errorf("Error sending ut_pex message: %s", err)
		}
	}
}

// swarmIP/swarmPort expose a connectedPeer's dial-back address for PEX
// gossip; empty/zero if the peer never originated from the swarm registry
// (e.g. a direct magnet-link connection).
func (cp *connectedPeer) swarmIP() string {
	if cp.swarm == nil {
		return ""
	}
	return cp.swarm.IP
}

func (cp *connectedPeer) swarmPort() int {
	if cp.swarm == nil {
		return 0
	}
	return cp.swarm.Port
}
