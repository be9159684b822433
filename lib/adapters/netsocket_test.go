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
package adapters

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNetSocketFactoryRoundTrip(t *testing.T) {
	require := require.New(t)

	var fac NetSocketFactory
	ctx := context.Background()

	l, err := fac.ListenTCP(ctx, 0)
	require.NoError(err)
	defer l.Close()

	_, port := l.Addr()
	require.NotZero(port)

	accepted := make(chan Socket, 1)
	go func() {
		sock, err := l.Accept()
		require.NoError(err)
		accepted <- sock
	}()

	client, err := fac.DialTCP(ctx, "127.0.0.1", port)
	require.NoError(err)
	defer client.Close()

	var server Socket
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
	defer server.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(err)

	buf := make([]byte, 4)
	_, err = server.Read(buf)
	require.NoError(err)
	require.Equal("ping", string(buf))

	ip, remotePort := server.RemoteAddr()
	require.Equal("127.0.0.1", ip)
	require.NotZero(remotePort)
}
