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
package peerconn

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"

	"github.com/ograd/torrentengine/core"
	"github.com/ograd/torrentengine/lib/bandwidth"
	"github.com/ograd/torrentengine/lib/wire"
)

// pipeSocket adapts a net.Conn (from net.Pipe) to the adapters.Socket
// interface, mirroring the teacher's conn_test.go in-memory socket pairing.
type pipeSocket struct {
	net.Conn
}

func (s pipeSocket) RemoteAddr() (string, int) {
	return "127.0.0.1", 0
}

type noopEvents struct {
	closed chan *PeerConnection
}

func newNoopEvents() *noopEvents {
	return &noopEvents{closed: make(chan *PeerConnection, 8)}
}

func (e *noopEvents) ConnClosed(pc *PeerConnection) {
	e.closed <- pc
}

func newTestPair(t *testing.T) (*PeerConnection, *PeerConnection, *noopEvents, *noopEvents) {
	a, b := net.Pipe()

	localID := core.PeerIDFixture()
	remoteID := core.PeerIDFixture()
	infoHash := core.InfoHashFixture()

	bw := bandwidth.NewLimiter(bandwidth.Config{Disable: true}, zap.NewNop().Sugar())

	eventsA := newNoopEvents()
	eventsB := newNoopEvents()

	pcA, err := New(Config{}, clock.New(), tally.NewTestScope("", nil), bw, eventsA,
		pipeSocket{a}, localID, remoteID, infoHash, false, zap.NewNop().Sugar())
	require.NoError(t, err)

	pcB, err := New(Config{}, clock.New(), tally.NewTestScope("", nil), bw, eventsB,
		pipeSocket{b}, remoteID, localID, infoHash, true, zap.NewNop().Sugar())
	require.NoError(t, err)

	pcA.Start()
	pcB.Start()

	return pcA, pcB, eventsA, eventsB
}

func TestPeerConnectionSendReceive(t *testing.T) {
	require := require.New(t)

	pcA, pcB, _, _ := newTestPair(t)
	defer pcA.Close()
	defer pcB.Close()

	require.NoError(pcA.Send(wire.NewHaveMessage(5), bandwidth.CategoryProtocol))

	select {
	case msg := <-pcB.Receiver():
		require.Equal(wire.Have, msg.ID)
		require.Equal(uint32(5), msg.PieceIndex)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestPeerConnectionRejectsSelfConnection(t *testing.T) {
	require := require.New(t)

	a, _ := net.Pipe()
	id := core.PeerIDFixture()
	infoHash := core.InfoHashFixture()
	bw := bandwidth.NewLimiter(bandwidth.Config{Disable: true}, zap.NewNop().Sugar())

	_, err := New(Config{}, clock.New(), tally.NewTestScope("", nil), bw, newNoopEvents(),
		pipeSocket{a}, id, id, infoHash, false, zap.NewNop().Sugar())
	require.Equal(ErrSelfConnection, err)
}

func TestPeerConnectionCloseNotifiesEvents(t *testing.T) {
	require := require.New(t)

	pcA, pcB, eventsA, eventsB := newTestPair(t)

	pcA.Close()

	select {
	case closed := <-eventsA.closed:
		require.Same(pcA, closed)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close event")
	}
	select {
	case closed := <-eventsB.closed:
		require.Same(pcB, closed)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer's close event")
	}
}

func TestPeerConnectionChokeState(t *testing.T) {
	require := require.New(t)

	pcA, pcB, _, _ := newTestPair(t)
	defer pcA.Close()
	defer pcB.Close()

	require.True(pcA.AmChoking())
	require.True(pcA.SetAmChoking(false))
	require.False(pcA.SetAmChoking(false))
	require.False(pcA.AmChoking())

	pcA.SetPeerChoking(false)
	require.False(pcA.PeerChoking())
}
