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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeMessageRoundTrip(t *testing.T) {
	require := require.New(t)

	id, _ := NewRandomID()
	m := message{
		T: "aa",
		Y: "q",
		Q: QueryFindNode,
		A: &queryArgs{ID: id.Raw(), Target: id.Raw()},
	}

	b, err := encodeMessage(m)
	require.NoError(err)

	got, err := decodeMessage(b)
	require.NoError(err)
	require.Equal(m.T, got.T)
	require.Equal(m.Y, got.Y)
	require.Equal(m.Q, got.Q)
	require.NotNil(got.A)
	require.Equal(m.A.ID, got.A.ID)
	require.Equal(m.A.Target, got.A.Target)
}

func TestEncodeDecodeErrorMessage(t *testing.T) {
	require := require.New(t)

	m := message{T: "bb", Y: "e", E: []interface{}{int64(203), "Protocol Error"}}
	b, err := encodeMessage(m)
	require.NoError(err)

	got, err := decodeMessage(b)
	require.NoError(err)
	require.Equal("e", got.Y)
	err2 := decodeKRPCError(got.E)
	require.EqualError(err2, "krpc error 203: Protocol Error")
}

func TestCompactNodesRoundTrip(t *testing.T) {
	require := require.New(t)

	a, _ := NewRandomID()
	b, _ := NewRandomID()
	nodes := []NodeInfo{
		{ID: a, Host: "1.2.3.4", Port: 6881},
		{ID: b, Host: "5.6.7.8", Port: 51413},
	}

	encoded := encodeCompactNodes(nodes)
	require.Len(encoded, 52)

	decoded, err := decodeCompactNodes(encoded)
	require.NoError(err)
	require.Equal(nodes, decoded)
}

func TestDecodeCompactNodesRejectsMalformedLength(t *testing.T) {
	require := require.New(t)
	_, err := decodeCompactNodes("short")
	require.Error(err)
}

func TestCompactPeerRoundTrip(t *testing.T) {
	require := require.New(t)

	encoded, ok := encodeCompactPeer("192.168.1.1", 6881)
	require.True(ok)
	require.Len(encoded, 6)

	host, port, err := decodeCompactPeer(encoded)
	require.NoError(err)
	require.Equal("192.168.1.1", host)
	require.Equal(6881, port)
}

func TestEncodeCompactPeerRejectsIPv6(t *testing.T) {
	require := require.New(t)
	_, ok := encodeCompactPeer("::1", 6881)
	require.False(ok)
}
