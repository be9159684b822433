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

	"github.com/stretchr/testify/require"
)

func TestAvailabilityAddBitfieldPerPiece(t *testing.T) {
	require := require.New(t)

	a := NewAvailability(4)
	a.AddBitfield([]bool{true, false, true, false})

	require.Equal(1, a.Effective(0))
	require.Equal(0, a.Effective(1))
	require.Equal(1, a.Effective(2))
	require.Equal(0, a.SeedCount())
}

func TestAvailabilityAddBitfieldSeed(t *testing.T) {
	require := require.New(t)

	a := NewAvailability(4)
	a.AddBitfield([]bool{true, true, true, true})

	require.Equal(1, a.SeedCount())
	// Effective availability includes the seed count for every piece.
	for i := 0; i < 4; i++ {
		require.Equal(1, a.Effective(i))
	}
}

func TestAvailabilityRemoveBitfield(t *testing.T) {
	require := require.New(t)

	a := NewAvailability(4)
	a.AddBitfield([]bool{true, false, false, false})
	a.RemoveBitfield([]bool{true, false, false, false}, false)

	require.Equal(0, a.Effective(0))
}

func TestAvailabilityRemoveSeedBitfield(t *testing.T) {
	require := require.New(t)

	a := NewAvailability(4)
	a.AddBitfield([]bool{true, true, true, true})
	a.RemoveBitfield(nil, true)

	require.Equal(0, a.SeedCount())
}

func TestAvailabilityHave(t *testing.T) {
	require := require.New(t)

	a := NewAvailability(4)
	a.Have(2)
	a.Have(2)

	require.Equal(2, a.Effective(2))
	require.Equal(0, a.Effective(0))
}

func TestAvailabilityPromoteToSeed(t *testing.T) {
	require := require.New(t)

	a := NewAvailability(4)
	bf := []bool{true, false, false, false}
	a.AddBitfield(bf)
	require.Equal(1, a.Effective(0))

	// Peer sends HAVE for the rest, then we learn it's now a seed.
	full := []bool{true, true, true, true}
	a.PromoteToSeed(full)

	require.Equal(1, a.SeedCount())
	require.Equal(1, a.Effective(1)) // Now covered via seed_count, not per-piece.
	require.Equal(1, a.Effective(0)) // per-piece count dropped back to 0, seed_count covers it.
}
