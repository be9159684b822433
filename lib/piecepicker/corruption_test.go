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
package piecepicker

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/ograd/torrentengine/core"
)

func TestCorruptionTrackerSoleContributorBannedImmediately(t *testing.T) {
	require := require.New(t)

	ct := NewCorruptionTracker(CorruptionConfig{}, clock.New())
	peer := core.PeerIDFixture()

	banned := ct.RecordFailure(0, []core.PeerID{peer}, 1.0)
	require.Equal([]core.PeerID{peer}, banned)

	ok, reason := ct.IsBanned(peer)
	require.True(ok)
	require.Equal("sole contributor of corrupt piece", reason)
}

func TestCorruptionTrackerMultiContributorRequiresThreshold(t *testing.T) {
	require := require.New(t)

	ct := NewCorruptionTracker(CorruptionConfig{MinFailuresForBan: 3, MaxFailuresForBan: 3}, clock.New())
	a := core.PeerIDFixture()
	b := core.PeerIDFixture()

	for i := 0; i < 2; i++ {
		banned := ct.RecordFailure(i, []core.PeerID{a, b}, 1.0)
		require.Empty(banned)
	}
	banned := ct.RecordFailure(2, []core.PeerID{a, b}, 1.0)
	require.ElementsMatch([]core.PeerID{a, b}, banned)
}

func TestCorruptionTrackerHigherThresholdOnPoorSwarmHealth(t *testing.T) {
	require := require.New(t)

	ct := NewCorruptionTracker(CorruptionConfig{MinFailuresForBan: 1, MaxFailuresForBan: 3}, clock.New())
	a := core.PeerIDFixture()
	b := core.PeerIDFixture()

	// With swarm health 0, effective_min_failures rises to MaxFailuresForBan:
	// a sparse swarm stays lenient, so two shared failures aren't enough.
	banned := ct.RecordFailure(0, []core.PeerID{a, b}, 0.0)
	require.Empty(banned)
	banned = ct.RecordFailure(1, []core.PeerID{a, b}, 0.0)
	require.Empty(banned)
	banned = ct.RecordFailure(2, []core.PeerID{a, b}, 0.0)
	require.ElementsMatch([]core.PeerID{a, b}, banned)
}

func TestCorruptionTrackerLowerThresholdOnHealthySwarm(t *testing.T) {
	require := require.New(t)

	ct := NewCorruptionTracker(CorruptionConfig{MinFailuresForBan: 1, MaxFailuresForBan: 5}, clock.New())
	a := core.PeerIDFixture()
	b := core.PeerIDFixture()

	// With swarm health 1, effective_min_failures collapses to
	// MinFailuresForBan: banned on the first shared failure.
	banned := ct.RecordFailure(0, []core.PeerID{a, b}, 1.0)
	require.ElementsMatch([]core.PeerID{a, b}, banned)
}

func TestCorruptionTrackerFailureWindowPruning(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	ct := NewCorruptionTracker(CorruptionConfig{FailureWindow: time.Minute, MinFailuresForBan: 3, MaxFailuresForBan: 3}, clk)
	a := core.PeerIDFixture()
	b := core.PeerIDFixture()

	ct.RecordFailure(0, []core.PeerID{a, b}, 1.0)
	clk.Add(2 * time.Minute)
	require.Equal(0, ct.FailureCount(a)) // Pruned — outside the window.

	ct.RecordFailure(1, []core.PeerID{a, b}, 1.0)
	require.Equal(1, ct.FailureCount(a))
}
