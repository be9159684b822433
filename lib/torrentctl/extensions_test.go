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
	"context"
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/ograd/torrentengine/core"
	"github.com/ograd/torrentengine/lib/adapters"
	"github.com/ograd/torrentengine/lib/bandwidth"
	"github.com/ograd/torrentengine/lib/peerconn"
	"github.com/ograd/torrentengine/lib/storage"
	"github.com/ograd/torrentengine/lib/swarm"
	"github.com/ograd/torrentengine/lib/wire"
)

// newConnectedPair wires two Controllers over an in-memory net.Pipe,
// mirroring TestControllerDownloadsFromSeeder's harness.
func newConnectedPair(t *testing.T, fixture *core.BlobFixture, clk clock.Clock, cfg Config) (a, b *Controller, aPC, bPC *peerconn.PeerConnection) {
	require := require.New(t)

	aFS := adapters.NewMemFileSystem()
	aTorrent, err := storage.NewTorrent(aFS, adapters.SyncHasher{}, fixture.MetaInfo)
	require.NoError(err)
	bFS := adapters.NewMemFileSystem()
	bTorrent, err := storage.NewTorrent(bFS, adapters.SyncHasher{}, fixture.MetaInfo)
	require.NoError(err)

	aID, bID := core.PeerIDFixture(), core.PeerIDFixture()
	a = New(cfg, tally.NewTestScope("", nil), clk, aID, aTorrent, swarm.NewRegistry(clk), newTestEvents(), zap.NewNop().Sugar())
	b = New(cfg, tally.NewTestScope("", nil), clk, bID, bTorrent, swarm.NewRegistry(clk), newTestEvents(), zap.NewNop().Sugar())

	x, y := net.Pipe()
	bw := bandwidth.NewLimiter(bandwidth.Config{Disable: true}, zap.NewNop().Sugar())

	aPC, err = peerconn.New(peerconn.Config{}, clk, tally.NewTestScope("", nil), bw, a,
		pipeSocket{x}, aID, bID, fixture.MetaInfo.InfoHash(), false, zap.NewNop().Sugar())
	require.NoError(err)
	bPC, err = peerconn.New(peerconn.Config{}, clk, tally.NewTestScope("", nil), bw, b,
		pipeSocket{y}, bID, aID, fixture.MetaInfo.InfoHash(), true, zap.NewNop().Sugar())
	require.NoError(err)

	aPC.Start()
	bPC.Start()
	require.NoError(a.Start(context.Background()))
	require.NoError(b.Start(context.Background()))
	require.NoError(a.AddPeer(aPC, nil))
	require.NoError(b.AddPeer(bPC, nil))

	return a, b, aPC, bPC
}

func TestExtensionHandshakeNegotiatesBothSides(t *testing.T) {
	require := require.New(t)
	fixture := core.SizedBlobFixture(64, 4)
	clk := clock.New()

	a, b, aPC, bPC := newConnectedPair(t, fixture, clk, Config{})
	defer aPC.Close()
	defer bPC.Close()

	require.Eventually(func() bool {
		a.mu.Lock()
		cp, ok := a.peers[bPC.PeerID()]
		a.mu.Unlock()
		if !ok {
			return false
		}
		_, ok = a.peerExtensionID(cp, wire.ExtensionMetadata)
		return ok
	}, 2*time.Second, 10*time.Millisecond, "a never learned b's ut_metadata id")

	require.Eventually(func() bool {
		b.mu.Lock()
		cp, ok := b.peers[aPC.PeerID()]
		b.mu.Unlock()
		if !ok {
			return false
		}
		_, ok = b.peerExtensionID(cp, wire.ExtensionPEX)
		return ok
	}, 2*time.Second, 10*time.Millisecond, "b never learned a's ut_pex id")
}

func TestMetadataRequestToPeerHoldingFullInfoDict(t *testing.T) {
	require := require.New(t)
	fixture := core.SizedBlobFixture(64, 4)
	clk := clock.New()

	a, b, aPC, bPC := newConnectedPair(t, fixture, clk, Config{})
	defer aPC.Close()
	defer bPC.Close()

	require.Eventually(func() bool {
		b.mu.Lock()
		cp, ok := b.peers[aPC.PeerID()]
		b.mu.Unlock()
		if !ok {
			return false
		}
		_, ok = b.peerExtensionID(cp, wire.ExtensionMetadata)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	b.mu.Lock()
	cp := b.peers[aPC.PeerID()]
	b.mu.Unlock()
	id, ok := b.peerExtensionID(cp, wire.ExtensionMetadata)
	require.True(ok)

	req, err := wire.EncodeMetadataMessage(wire.MetadataMessage{MsgType: wire.MetadataRequest, Piece: 0})
	require.NoError(err)
	require.NoError(bPC.Send(wire.NewExtendedMessage(id, req), bandwidth.CategoryProtocol))

	require.Eventually(func() bool {
		raw := b.torrent.RawInfo()
		return len(raw) == len(fixture.MetaInfo.RawInfo())
	}, 2*time.Second, 10*time.Millisecond)

	// b never stores a's reply directly (it has no metadata assembler — this
	// Controller is always already-resolved); what we verify is that a's
	// RawInfo is what it would have sent, and that the round trip produced
	// no dispatch error (AddPeer/feed would have logged one).
	require.Equal(fixture.MetaInfo.RawInfo(), a.torrent.RawInfo())
}

func TestPEXBroadcastGossipsThirdPeer(t *testing.T) {
	require := require.New(t)
	fixture := core.SizedBlobFixture(64, 4)
	mock := clock.NewMock()

	a, b, aPC, bPC := newConnectedPair(t, fixture, mock, Config{PEXInterval: time.Minute})
	defer aPC.Close()
	defer bPC.Close()

	require.Eventually(func() bool {
		a.mu.Lock()
		cp, ok := a.peers[bPC.PeerID()]
		a.mu.Unlock()
		return ok && func() bool { _, ok := a.peerExtensionID(cp, wire.ExtensionPEX); return ok }()
	}, 2*time.Second, 10*time.Millisecond)

	// Attach a third, already-connected peer directly (no real socket needed
	// since it never negotiated ut_pex itself and so is never a broadcast
	// target, only a broadcast subject), then let a's PEX timer fire.
	third := &connectedPeer{id: core.PeerIDFixture(), swarm: &swarm.SwarmPeer{IP: "10.1.2.3", Port: 6881}}
	a.mu.Lock()
	a.peers[third.id] = third
	a.mu.Unlock()

	mock.Add(time.Minute)

	require.Eventually(func() bool {
		_, ok := b.registry.Get("10.1.2.3", 6881)
		return ok
	}, 2*time.Second, 10*time.Millisecond, "b never learned the third peer via ut_pex")
}
