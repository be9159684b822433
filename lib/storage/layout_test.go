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
package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ograd/torrentengine/core"
)

func TestLayoutSingleFile(t *testing.T) {
	require := require.New(t)

	fixture := core.SizedBlobFixture(32, 8)
	l := NewLayout(fixture.MetaInfo)

	require.Equal(1, l.NumFiles())
	ranges := l.Ranges(0, 0, 8)
	require.Len(ranges, 1)
	require.Equal(int64(0), ranges[0].fileOffset)
	require.Equal(int64(8), ranges[0].length)
}

func TestLayoutMultifileSpanningRange(t *testing.T) {
	require := require.New(t)

	mi, _ := core.MultifileFixture([]int64{10, 10}, 8)
	l := NewLayout(mi)
	require.Equal(2, l.NumFiles())

	// Piece 1 covers bytes [8,16), spanning the end of file 0 (bytes
	// [8,10)) and the start of file 1 (bytes [0,6) within file 1).
	ranges := l.Ranges(1, 0, 8)
	require.Len(ranges, 2)
	require.Equal(0, ranges[0].fileIndex)
	require.Equal(int64(8), ranges[0].fileOffset)
	require.Equal(int64(2), ranges[0].length)
	require.Equal(1, ranges[1].fileIndex)
	require.Equal(int64(0), ranges[1].fileOffset)
	require.Equal(int64(6), ranges[1].length)
}

func TestLayoutFilesOverlappingPiece(t *testing.T) {
	require := require.New(t)

	mi, _ := core.MultifileFixture([]int64{10, 10}, 8)
	l := NewLayout(mi)

	require.Equal([]int{0}, l.FilesOverlappingPiece(0))
	require.Equal([]int{0, 1}, l.FilesOverlappingPiece(1))
	require.Equal([]int{1}, l.FilesOverlappingPiece(2))
}
