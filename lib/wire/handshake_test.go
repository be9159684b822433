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
package wire

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ograd/torrentengine/core"
)

func TestHandshakeRoundTrip(t *testing.T) {
	require := require.New(t)

	h := Handshake{
		Reserved: Reserved{}.WithExtensionProtocol(),
		InfoHash: core.InfoHashFixture(),
		PeerID:   core.PeerIDFixture(),
	}

	var buf bytes.Buffer
	require.NoError(WriteHandshake(&buf, h))
	require.Equal(68, buf.Len())

	got, err := ReadHandshake(&buf)
	require.NoError(err)
	require.Equal(h.InfoHash, got.InfoHash)
	require.Equal(h.PeerID, got.PeerID)
	require.True(got.Reserved.SupportsExtensionProtocol())
}

func TestHandshakeOverNetPipe(t *testing.T) {
	require := require.New(t)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	want := Handshake{InfoHash: core.InfoHashFixture(), PeerID: core.PeerIDFixture()}

	errCh := make(chan error, 1)
	go func() { errCh <- WriteHandshake(client, want) }()

	got, err := ReadHandshake(server)
	require.NoError(err)
	require.NoError(<-errCh)
	require.Equal(want.InfoHash, got.InfoHash)
	require.Equal(want.PeerID, got.PeerID)
}

func TestReadHandshakeRejectsBadProtocol(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	buf.WriteByte(5)
	buf.WriteString("abcde")

	_, err := ReadHandshake(&buf)
	require.Error(err)
}
