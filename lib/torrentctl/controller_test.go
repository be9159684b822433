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

type pipeSocket struct{ net.Conn }

func (s pipeSocket) RemoteAddr() (string, int) { return "127.0.0.1", 0 }

type testEvents struct {
	complete   chan *Controller
	removed    chan core.PeerID
	violations chan string
}

func newTestEvents() *testEvents {
	return &testEvents{
		complete:   make(chan *Controller, 4),
		removed:    make(chan core.PeerID, 4),
		violations: make(chan string, 4),
	}
}

func (e *testEvents) ControllerComplete(c *Controller)            { e.complete <- c }
func (e *testEvents) PeerRemoved(id core.PeerID, _ core.InfoHash) { e.removed <- id }
func (e *testEvents) InvariantViolation(_ *Controller, detail string) {
	select {
	case e.violations <- detail:
	default:
	}
}

func TestControllerDownloadsFromSeeder(t *testing.T) {
	require := require.New(t)

	fixture := core.SizedBlobFixture(64, 8)

	seederFS := adapters.NewMemFileSystem()
	seederTorrent, err := storage.NewTorrent(seederFS, adapters.SyncHasher{}, fixture.MetaInfo)
	require.NoError(err)
	for pi := 0; pi < seederTorrent.NumPieces(); pi++ {
		start := int64(pi) * fixture.MetaInfo.PieceLength()
		end := start + fixture.MetaInfo.GetPieceLength(pi)
		require.NoError(seederTorrent.WritePiece(context.Background(), pi, fixture.Content[start:end]))
	}
	require.True(seederTorrent.Complete())

	leecherFS := adapters.NewMemFileSystem()
	leecherTorrent, err := storage.NewTorrent(leecherFS, adapters.SyncHasher{}, fixture.MetaInfo)
	require.NoError(err)

	seederEvents := newTestEvents()
	leecherEvents := newTestEvents()

	clk := clock.New()
	seederID, leecherID := core.PeerIDFixture(), core.PeerIDFixture()

	seederCtl := New(Config{}, tally.NewTestScope("", nil), clk, seederID,
		seederTorrent, swarm.NewRegistry(clk), seederEvents, zap.NewNop().Sugar())
	leecherCtl := New(Config{}, tally.NewTestScope("", nil), clk, leecherID,
		leecherTorrent, swarm.NewRegistry(clk), leecherEvents, zap.NewNop().Sugar())

	a, b := net.Pipe()
	bw := bandwidth.NewLimiter(bandwidth.Config{Disable: true}, zap.NewNop().Sugar())

	seederPC, err := peerconn.New(peerconn.Config{}, clk, tally.NewTestScope("", nil), bw, seederCtl,
		pipeSocket{a}, seederID, leecherID, fixture.MetaInfo.InfoHash(), false, zap.NewNop().Sugar())
	require.NoError(err)
	leecherPC, err := peerconn.New(peerconn.Config{}, clk, tally.NewTestScope("", nil), bw, leecherCtl,
		pipeSocket{b}, leecherID, seederID, fixture.MetaInfo.InfoHash(), true, zap.NewNop().Sugar())
	require.NoError(err)

	seederPC.Start()
	leecherPC.Start()

	require.NoError(seederCtl.Start(context.Background()))
	require.NoError(leecherCtl.Start(context.Background()))

	require.NoError(seederCtl.AddPeer(seederPC, nil))
	require.NoError(leecherCtl.AddPeer(leecherPC, nil))

	// Seeder allows serving piece requests; announce it to the leecher so
	// its request pipeline starts filling.
	seederPC.SetAmChoking(false)
	require.NoError(seederPC.Send(wire.Message{ID: wire.Unchoke}, bandwidth.CategoryProtocol))

	select {
	case c := <-leecherEvents.complete:
		require.Same(leecherCtl, c)
	case <-time.After(5 * time.Second):
		t.Fatal("leecher never completed download")
	}

	require.True(leecherTorrent.Complete())

	seederPC.Close()
	leecherPC.Close()
}

func newTestController(t *testing.T, numPieces int) (*Controller, *testEvents) {
	fixture := core.SizedBlobFixture(int64(numPieces*8), 8)
	fs := adapters.NewMemFileSystem()
	tor, err := storage.NewTorrent(fs, adapters.SyncHasher{}, fixture.MetaInfo)
	require.NoError(t, err)
	events := newTestEvents()
	c := New(Config{}, tally.NewTestScope("", nil), clock.New(), core.PeerIDFixture(),
		tor, swarm.NewRegistry(clock.New()), events, zap.NewNop().Sugar())
	return c, events
}

func TestControllerStateMachineThroughStart(t *testing.T) {
	require := require.New(t)

	c, _ := newTestController(t, 4)
	require.Equal(StateInitializing, c.State())

	require.NoError(c.Start(context.Background()))
	require.Equal(StateActive, c.State())

	// Idempotent: calling Start again while Active is a no-op, not an error.
	require.NoError(c.Start(context.Background()))
	require.Equal(StateActive, c.State())
}

func TestControllerStartDiscoversAlreadyCompleteTorrentAndEmitsComplete(t *testing.T) {
	require := require.New(t)

	fixture := core.SizedBlobFixture(32, 8)
	fs := adapters.NewMemFileSystem()
	seed, err := storage.NewTorrent(fs, adapters.SyncHasher{}, fixture.MetaInfo)
	require.NoError(err)
	for pi := 0; pi < fixture.MetaInfo.NumPieces(); pi++ {
		start := int64(pi) * 8
		end := start + 8
		if end > int64(len(fixture.Content)) {
			end = int64(len(fixture.Content))
		}
		require.NoError(seed.WritePiece(context.Background(), pi, fixture.Content[start:end]))
	}

	// A fresh Torrent handle over the same already-fully-written filesystem
	// starts out believing nothing is complete, same as after a restart.
	tor, err := storage.NewTorrent(fs, adapters.SyncHasher{}, fixture.MetaInfo)
	require.NoError(err)
	events := newTestEvents()
	c := New(Config{}, tally.NewTestScope("", nil), clock.New(), core.PeerIDFixture(),
		tor, swarm.NewRegistry(clock.New()), events, zap.NewNop().Sugar())

	require.NoError(c.Start(context.Background()))
	require.Equal(StateComplete, c.State())

	select {
	case got := <-events.complete:
		require.Same(c, got)
	case <-time.After(time.Second):
		t.Fatal("Start never emitted ControllerComplete for an already-complete recheck")
	}
}

func TestControllerStopIsIdempotentAndDisconnectsPeers(t *testing.T) {
	require := require.New(t)

	c, _ := newTestController(t, 4)
	require.NoError(c.Start(context.Background()))

	x, y := net.Pipe()
	bw := bandwidth.NewLimiter(bandwidth.Config{Disable: true}, zap.NewNop().Sugar())
	pc, err := peerconn.New(peerconn.Config{}, clock.New(), tally.NewTestScope("", nil), bw, c,
		pipeSocket{x}, core.PeerIDFixture(), core.PeerIDFixture(), c.InfoHash(), false, zap.NewNop().Sugar())
	require.NoError(err)
	pc.Start()
	require.NoError(c.AddPeer(pc, nil))
	require.Equal(1, c.NumPeers())

	c.Stop()
	require.Equal(StateStopped, c.State())
	require.True(c.Empty())

	// Idempotent: a second Stop must not panic on an already-closed channel.
	c.Stop()
	require.Equal(StateStopped, c.State())

	y.Close()
}

func TestControllerInvariantViolationOnPeerCountDrift(t *testing.T) {
	require := require.New(t)

	c, events := newTestController(t, 4)
	require.NoError(c.Start(context.Background()))

	// Drive the registry far out of sync with the Controller's own peer
	// map without ever calling AddPeer, then call checkInvariants directly so
	// it has something to disagree about.
	for i := 0; i < invariantPeerCountHeadroom+3; i++ {
		sp := c.registry.AddPeer("10.0.0.1", 6881+i, swarm.SourceManual)
		c.registry.MarkConnected(sp, core.PeerIDFixture())
	}
	c.checkInvariants()

	select {
	case <-events.violations:
	case <-time.After(time.Second):
		t.Fatal("expected an invariant violation event")
	}
}
