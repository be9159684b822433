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
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPEXMessageRoundTrip(t *testing.T) {
	require := require.New(t)

	m := PEXMessage{
		Added: []PEXPeer{
			{IP: net.IPv4(10, 0, 0, 1), Port: 6881, Flags: PEXFlagSeedOnly},
			{IP: net.IPv4(10, 0, 0, 2), Port: 6882},
		},
		Dropped: []net.TCPAddr{
			{IP: net.IPv4(10, 0, 0, 3), Port: 6883},
		},
	}

	b, err := EncodePEXMessage(m)
	require.NoError(err)

	got, err := DecodePEXMessage(b)
	require.NoError(err)
	require.Len(got.Added, 2)
	require.Equal(uint16(6881), got.Added[0].Port)
	require.Equal(PEXFlagSeedOnly, got.Added[0].Flags)
	require.True(got.Added[0].IP.Equal(net.IPv4(10, 0, 0, 1)))
	require.Len(got.Dropped, 1)
	require.Equal(6883, got.Dropped[0].Port)
}
