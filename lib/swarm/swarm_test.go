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
package swarm

import (
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/ograd/torrentengine/core"
)

func TestAddPeerReturnsSameInstance(t *testing.T) {
	require := require.New(t)

	r := NewRegistry(clock.New())
	p1 := r.AddPeer("10.0.0.1", 6881, SourceTracker)
	p2 := r.AddPeer("10.0.0.1", 6881, SourcePEX)

	require.Same(p1, p2)
	require.Equal(SourceTracker, p1.Source())
}

func TestStateTransitions(t *testing.T) {
	require := require.New(t)

	r := NewRegistry(clock.New())
	p := r.AddPeer("10.0.0.1", 6881, SourceTracker)
	require.Equal(Idle, p.State())

	require.True(r.MarkConnecting(p))
	require.Equal(Connecting, p.State())
	require.False(r.MarkConnecting(p)) // already connecting.

	r.MarkConnected(p, core.PeerIDFixture())
	require.Equal(Connected, p.State())

	r.MarkIdle(p)
	require.Equal(Idle, p.State())
}

func TestBanIsSticky(t *testing.T) {
	require := require.New(t)

	r := NewRegistry(clock.New())
	p := r.AddPeer("10.0.0.1", 6881, SourceTracker)
	r.Ban(p, "self connection")

	r.MarkIdle(p)
	require.Equal(Banned, p.State())

	r.MarkConnectFailure(p)
	require.Equal(Banned, p.State())
}

func TestCountByState(t *testing.T) {
	require := require.New(t)

	r := NewRegistry(clock.New())
	r.AddPeer("10.0.0.1", 1, SourceTracker)
	p2 := r.AddPeer("10.0.0.2", 2, SourceTracker)
	r.MarkConnecting(p2)

	require.Equal(1, r.CountByState(Idle))
	require.Equal(1, r.CountByState(Connecting))
}
