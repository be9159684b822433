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

// Package storage maps a torrent's flat piece/offset space onto the
// multi-file layout described by its MetaInfo, and persists piece bytes
// through a host-supplied adapters.FileSystem.
package storage

import (
	"github.com/ograd/torrentengine/core"
)

// fileRange describes the portion of one file a (piece, begin, length)
// request spans.
type fileRange struct {
	fileIndex  int
	fileOffset int64 // Offset within the file.
	dataOffset int64 // Offset within the requested (piece) buffer.
	length     int64
}

// layoutFile is one file's position in the linear torrent space.
type layoutFile struct {
	path   string
	offset int64 // Start offset within the torrent's linear space.
	length int64
}

// Layout precomputes the mapping from linear torrent offsets to individual
// file byte ranges, per spec.md §4.7.
type Layout struct {
	files       []layoutFile
	totalLength int64
	pieceLength int64
}

// NewLayout builds a Layout from mi's file list (single-file torrents are
// modeled as one layoutFile).
func NewLayout(mi *core.MetaInfo) *Layout {
	var files []layoutFile
	var offset int64
	if mi.Multifile() {
		for _, f := range mi.Files() {
			path := f.Path[len(f.Path)-1]
			if len(f.Path) > 1 {
				path = joinPath(f.Path)
			}
			files = append(files, layoutFile{path: path, offset: offset, length: f.Length})
			offset += f.Length
		}
	} else {
		files = append(files, layoutFile{path: mi.Name(), offset: 0, length: mi.Length()})
	}
	return &Layout{files: files, totalLength: mi.Length(), pieceLength: mi.PieceLength()}
}

func joinPath(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "/" + p
	}
	return out
}

// NumFiles returns the number of files in the layout.
func (l *Layout) NumFiles() int {
	return len(l.files)
}

// FilePath returns file i's path.
func (l *Layout) FilePath(i int) string {
	return l.files[i].path
}

// FileLength returns file i's length.
func (l *Layout) FileLength(i int) int64 {
	return l.files[i].length
}

// Ranges returns the file ranges that (pieceIndex, begin, length) spans in
// linear torrent space, in file order.
func (l *Layout) Ranges(pieceIndex int, begin int64, length int64) []fileRange {
	start := int64(pieceIndex)*l.pieceLength + begin
	end := start + length

	var ranges []fileRange
	for i, f := range l.files {
		fileStart := f.offset
		fileEnd := f.offset + f.length
		if fileEnd <= start || fileStart >= end {
			continue
		}
		rangeStart := max64(start, fileStart)
		rangeEnd := min64(end, fileEnd)
		ranges = append(ranges, fileRange{
			fileIndex:  i,
			fileOffset: rangeStart - fileStart,
			dataOffset: rangeStart - start,
			length:     rangeEnd - rangeStart,
		})
	}
	return ranges
}

// FilesOverlappingPiece returns the indices of every file that piece pi's
// byte range overlaps, used for file-priority piece classification.
func (l *Layout) FilesOverlappingPiece(pi int) []int {
	start := int64(pi) * l.pieceLength
	end := start + l.pieceLength
	if end > l.totalLength {
		end = l.totalLength
	}

	var out []int
	for i, f := range l.files {
		fileStart := f.offset
		fileEnd := f.offset + f.length
		if fileEnd <= start || fileStart >= end {
			continue
		}
		out = append(out, i)
	}
	return out
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
