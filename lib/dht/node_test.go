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
package dht

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/ograd/torrentengine/lib/adapters"
)

func newTestNode(t *testing.T) (*Node, NodeInfo) {
	conn, err := adapters.NetSocketFactory{}.ListenUDP(context.Background(), 0)
	require.NoError(t, err)

	id, err := NewRandomID()
	require.NoError(t, err)

	n := New(Config{QueryTimeout: 2 * time.Second}, tally.NewTestScope("", nil), clock.New(), zap.NewNop().Sugar(), id, conn)
	n.Start(context.Background())
	t.Cleanup(n.Stop)

	return n, NodeInfo{ID: id, Host: "127.0.0.1", Port: localPort(t, conn)}
}

// localPort extracts the bound UDP port. adapters.PacketConn doesn't surface
// it directly, but the concrete netPacketConn embeds net.PacketConn, whose
// LocalAddr is promoted onto the interface value.
func localPort(t *testing.T, conn adapters.PacketConn) int {
	la, ok := conn.(interface{ LocalAddr() net.Addr })
	require.True(t, ok, "test relies on NetSocketFactory's concrete PacketConn exposing LocalAddr")
	_, portStr, err := net.SplitHostPort(la.LocalAddr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestNodePingBetweenTwoNodes(t *testing.T) {
	require := require.New(t)

	a, aInfo := newTestNode(t)
	b, bInfo := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	gotID, err := a.Ping(ctx, bInfo)
	require.NoError(err)
	require.Equal(b.LocalID(), gotID)

	require.Equal(1, a.RoutingTable().Len())
	_ = aInfo
}

func TestNodeFindNodeReturnsCloserNodes(t *testing.T) {
	require := require.New(t)

	seed, seedInfo := newTestNode(t)
	leaf, leafInfo := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// Populate the seed's table with a few synthetic nodes so find_node has
	// something to return besides the querying leaf.
	for i := 0; i < 3; i++ {
		var id ID
		id[0] = byte(i + 1)
		seed.table.AddNode(NodeInfo{ID: id, Host: "127.0.0.1", Port: 1000 + i})
	}

	target, _ := NewRandomID()
	nodes, err := leaf.FindNode(ctx, seedInfo, target)
	require.NoError(err)
	require.NotEmpty(nodes)
	_ = leafInfo
}

func TestNodeGetPeersAndAnnouncePeerRoundTrip(t *testing.T) {
	require := require.New(t)

	seed, seedInfo := newTestNode(t)
	leecher, _ := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var infoHash ID
	infoHash[0] = 0xaa

	res, err := leecher.GetPeers(ctx, seedInfo, infoHash)
	require.NoError(err)
	require.Empty(res.Peers, "no one has announced yet")
	require.NotEmpty(res.Token)

	err = leecher.AnnouncePeer(ctx, seedInfo, infoHash, 6881, res.Token)
	require.NoError(err)

	res2, err := leecher.GetPeers(ctx, seedInfo, infoHash)
	require.NoError(err)
	require.Len(res2.Peers, 1)
	require.Equal(6881, res2.Peers[0].Port)
}

func TestNodeAnnouncePeerRejectsBadToken(t *testing.T) {
	require := require.New(t)

	seed, seedInfo := newTestNode(t)
	leecher, _ := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var infoHash ID
	infoHash[0] = 0xbb

	err := leecher.AnnouncePeer(ctx, seedInfo, infoHash, 6881, "not-a-real-token")
	require.Error(err)
	_ = seed
}
