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

func fixedLengthPicker(numPieces int) *Picker {
	return NewPicker(numPieces, 4,
		func(int) int { return 8 },
		func(int) int { return 2 },
	)
}

func TestPartialCapFormula(t *testing.T) {
	require := require.New(t)

	require.Equal(1, PartialCap(0, 4))     // max(1, ...) floor.
	require.Equal(3, PartialCap(2, 4))     // min(2*1.5, 2048/4=512) = 3.
	require.Equal(1, PartialCap(1, 2048))  // min(1.5, 1) = 1.
}

func TestShouldRequestPieceRespectsClassification(t *testing.T) {
	require := require.New(t)

	p := fixedLengthPicker(4)
	require.True(p.ShouldRequestPiece(0))

	p.SetClassification(0, Blacklisted)
	require.False(p.ShouldRequestPiece(0))

	p.MarkOwned(1)
	require.False(p.ShouldRequestPiece(1))
}

func TestNextPiecePrefersRarest(t *testing.T) {
	require := require.New(t)

	p := fixedLengthPicker(3)
	p.Availability().AddBitfield([]bool{true, true, false})  // Seeder for 0,1.
	p.Availability().Have(0)                                  // Piece 0 now more common.

	pi, ok := p.NextPiece([]bool{true, true, false}, 1)
	require.True(ok)
	require.Equal(1, pi) // Piece 1 is rarer than piece 0.
}

func TestNextPieceSkipsBlacklisted(t *testing.T) {
	require := require.New(t)

	p := fixedLengthPicker(2)
	p.SetClassification(0, Blacklisted)

	pi, ok := p.NextPiece([]bool{true, true}, 1)
	require.True(ok)
	require.Equal(1, pi)
}

func TestNextPieceNoneAvailable(t *testing.T) {
	require := require.New(t)

	p := fixedLengthPicker(2)
	_, ok := p.NextPiece([]bool{false, false}, 1)
	require.False(ok)
}

func TestNextPiecePrefersContinuingActivePartial(t *testing.T) {
	require := require.New(t)

	p := fixedLengthPicker(2)
	// Start piece 0 as active+partial by creating it directly.
	p.GetOrCreateActivePiece(0)

	pi, ok := p.NextPiece([]bool{true, true}, 1)
	require.True(ok)
	require.Equal(0, pi)
}

func TestActivePieceLifecycleThroughPicker(t *testing.T) {
	require := require.New(t)

	p := fixedLengthPicker(1)
	ap := p.GetOrCreateActivePiece(0)
	require.Equal(Partial, ap.State())
	require.Equal(1, p.ActiveCount(Partial))

	p.DropActivePiece(0)
	require.Equal(0, p.ActiveCount(Partial))

	p.MarkOwned(0)
	_, ok := p.ActivePiece(0)
	require.False(ok)
}
