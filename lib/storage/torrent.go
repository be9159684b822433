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
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/ograd/torrentengine/core"
	"github.com/ograd/torrentengine/lib/adapters"
	"github.com/ograd/torrentengine/lib/piecepicker"
)

// ErrPieceComplete is returned by WritePiece when the piece has already
// been written.
var ErrPieceComplete = errors.New("piece already complete")

var errWritePieceConflict = errors.New("piece is already being written to")

// FilePriority selects whether a file's pieces are downloaded.
type FilePriority int

// File priorities.
const (
	PriorityNormal FilePriority = iota
	PrioritySkip
)

// Torrent persists one torrent's piece data across a multi-file layout,
// through a host-supplied adapters.FileSystem. Concurrent writes to
// distinct pieces are safe; concurrent reads of any piece are always safe.
// Adapted from the teacher's single-blob agentstorage.Torrent, generalized
// to multiple files, file priorities, and the parts-file sidecar of
// spec.md §4.7.
type Torrent struct {
	mu sync.Mutex

	metaInfo *core.MetaInfo
	layout   *Layout
	fs       adapters.FileSystem
	hasher   adapters.Hasher

	pieces      []*piece
	numComplete *atomic.Int32

	priorities map[int]FilePriority // fileIndex -> priority; absent = normal.
	class      []piecepicker.PieceClass

	parts *partsFile
}

// NewTorrent creates a Torrent backed by fs for mi, loading the parts-file
// sidecar if present. Every piece starts classified Wanted and incomplete.
func NewTorrent(fs adapters.FileSystem, hasher adapters.Hasher, mi *core.MetaInfo) (*Torrent, error) {
	layout := NewLayout(mi)
	parts, err := loadPartsFile(fs, mi.InfoHash())
	if err != nil {
		return nil, fmt.Errorf("load parts file: %s", err)
	}

	t := &Torrent{
		metaInfo:    mi,
		layout:      layout,
		fs:          fs,
		hasher:      hasher,
		pieces:      newPieces(mi.NumPieces()),
		numComplete: atomic.NewInt32(0),
		priorities:  make(map[int]FilePriority),
		class:       make([]piecepicker.PieceClass, mi.NumPieces()),
		parts:       parts,
	}
	for pi := range t.class {
		t.class[pi] = piecepicker.Wanted
	}
	return t, nil
}

// InfoHash returns the torrent's info hash.
func (t *Torrent) InfoHash() core.InfoHash {
	return t.metaInfo.InfoHash()
}

// RawInfo returns the exact bencoded info dict bytes, for serving ut_metadata
// requests from peers that only hold this torrent's magnet link.
func (t *Torrent) RawInfo() []byte {
	return t.metaInfo.RawInfo()
}

// NumPieces returns the number of pieces.
func (t *Torrent) NumPieces() int {
	return len(t.pieces)
}

// PieceLength returns the length of piece pi.
func (t *Torrent) PieceLength(pi int) int64 {
	return t.metaInfo.GetPieceLength(pi)
}

// Length returns the torrent's total content length.
func (t *Torrent) Length() int64 {
	return t.metaInfo.Length()
}

// Complete reports whether every piece has been written.
func (t *Torrent) Complete() bool {
	return int(t.numComplete.Load()) == len(t.pieces)
}

// BytesDownloaded estimates bytes downloaded from completed piece count.
func (t *Torrent) BytesDownloaded() int64 {
	n := int64(t.numComplete.Load()) * t.metaInfo.PieceLength()
	if n > t.metaInfo.Length() {
		return t.metaInfo.Length()
	}
	return n
}

// HasPiece reports whether piece pi is complete and written.
func (t *Torrent) HasPiece(pi int) bool {
	if pi < 0 || pi >= len(t.pieces) {
		return false
	}
	return t.pieces[pi].complete()
}

// Bitfield returns the internal bitfield: true for every piece written to
// disk (including parts-file-only boundary pieces).
func (t *Torrent) Bitfield() *core.Bitfield {
	bf := core.NewBitfield(len(t.pieces))
	for i, p := range t.pieces {
		if p.complete() {
			bf.Set(i)
		}
	}
	return bf
}

// AdvertisedBitfield returns internal_bitfield AND NOT parts_pieces: the
// bitfield advertised to peers, since a piece held only in the parts
// sidecar cannot be served whole.
func (t *Torrent) AdvertisedBitfield() *core.Bitfield {
	bf := t.Bitfield()
	for _, pi := range t.parts.Pieces() {
		bf.Clear(pi)
	}
	return bf
}

// CanServePiece implements spec.md §4.7's canServePiece(i) predicate.
func (t *Torrent) CanServePiece(pi int) bool {
	return t.HasPiece(pi) && !t.parts.Has(pi)
}

// MissingPieces returns the indices of all incomplete pieces.
func (t *Torrent) MissingPieces() []int {
	var missing []int
	for i, p := range t.pieces {
		if !p.complete() {
			missing = append(missing, i)
		}
	}
	return missing
}

// Classification returns piece pi's file-priority classification.
func (t *Torrent) Classification(pi int) piecepicker.PieceClass {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.class[pi]
}

// SetFilePriority sets fileIndex's priority and reclassifies every piece it
// overlaps (and their boundary neighbors), returning the number of pieces
// whose classification changed. O(P) per spec.md §4.6.
func (t *Torrent) SetFilePriority(fileIndex int, prio FilePriority) int {
	return t.SetFilePriorities(map[int]FilePriority{fileIndex: prio})
}

// SetFilePriorities applies a batch of file-priority changes and
// reclassifies every piece once.
func (t *Torrent) SetFilePriorities(changes map[int]FilePriority) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	for fi, prio := range changes {
		if prio == PriorityNormal {
			delete(t.priorities, fi)
		} else {
			t.priorities[fi] = prio
		}
	}

	changed := 0
	for pi := range t.class {
		overlapping := t.layout.FilesOverlappingPiece(pi)
		newClass := classify(overlapping, t.priorities)
		if newClass != t.class[pi] {
			t.class[pi] = newClass
			changed++
		}
	}
	return changed
}

func classify(fileIndices []int, priorities map[int]FilePriority) piecepicker.PieceClass {
	sawNormal, sawSkipped := false, false
	for _, fi := range fileIndices {
		if priorities[fi] == PrioritySkip {
			sawSkipped = true
		} else {
			sawNormal = true
		}
	}
	switch {
	case sawNormal && sawSkipped:
		return piecepicker.Boundary
	case sawSkipped:
		return piecepicker.Blacklisted
	default:
		return piecepicker.Wanted
	}
}

func (t *Torrent) getPiece(pi int) (*piece, error) {
	if pi < 0 || pi >= len(t.pieces) {
		return nil, fmt.Errorf("invalid piece index %d: num pieces = %d", pi, len(t.pieces))
	}
	return t.pieces[pi], nil
}

// WritePiece verifies data against the piece's hash (through the
// torrent's adapters.Hasher, so a host may offload hashing to its own
// worker pool) and, on success, writes it across the multi-file layout
// (or into the parts sidecar if the piece is Boundary and its
// skipped-file portion isn't safe to materialize yet).
func (t *Torrent) WritePiece(ctx context.Context, pi int, data []byte) error {
	if int64(len(data)) != t.PieceLength(pi) {
		return fmt.Errorf("invalid piece length: expected %d, got %d", t.PieceLength(pi), len(data))
	}

	p, err := t.getPiece(pi)
	if err != nil {
		return err
	}
	if p.complete() {
		return ErrPieceComplete
	}
	dirty, complete := p.tryMarkDirty()
	if dirty {
		return errWritePieceConflict
	} else if complete {
		return ErrPieceComplete
	}

	sum, err := t.hasher.SHA1(ctx, data)
	if err != nil {
		p.markEmpty()
		return fmt.Errorf("hash piece: %s", err)
	}
	if core.PieceHash(sum) != t.metaInfo.GetPieceHash(pi) {
		p.markEmpty()
		return errors.New("invalid piece hash")
	}

	if t.Classification(pi) == piecepicker.Boundary && !t.skippedPortionWritable(pi) {
		t.parts.Put(pi, data)
		if err := t.parts.Flush(); err != nil {
			p.markEmpty()
			return fmt.Errorf("flush parts file: %s", err)
		}
		p.markComplete()
		t.numComplete.Inc()
		return nil
	}

	if err := t.writeAcrossFiles(pi, data); err != nil {
		p.markEmpty()
		return fmt.Errorf("write piece: %s", err)
	}
	p.markComplete()
	t.numComplete.Inc()
	return nil
}

// skippedPortionWritable reports whether every skipped file piece pi
// overlaps has since become normal priority (so the whole piece may be
// safely materialized into the real files instead of the parts sidecar).
func (t *Torrent) skippedPortionWritable(pi int) bool {
	for _, fi := range t.layout.FilesOverlappingPiece(pi) {
		if t.priorities[fi] == PrioritySkip {
			return false
		}
	}
	return true
}

func (t *Torrent) writeAcrossFiles(pi int, data []byte) error {
	for _, r := range t.layout.Ranges(pi, 0, int64(len(data))) {
		path := t.layout.FilePath(r.fileIndex)
		h, err := t.fs.Open(path, adapters.Create)
		if err != nil {
			return err
		}
		_, err = h.WriteAt(data[r.dataOffset:r.dataOffset+r.length], r.fileOffset)
		h.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadPiece reads piece pi's full content back from disk. Only valid if
// CanServePiece(pi).
func (t *Torrent) ReadPiece(pi int) ([]byte, error) {
	if b, ok := t.parts.Get(pi); ok {
		return b, nil
	}
	p, err := t.getPiece(pi)
	if err != nil {
		return nil, err
	}
	if !p.complete() {
		return nil, errors.New("piece not complete")
	}
	return t.readPieceFromFiles(pi)
}

// readPieceFromFiles reads piece pi's bytes straight off the underlying
// file layout, bypassing the in-memory completion flag entirely. Shared by
// ReadPiece (which checks completion first) and RecheckData (which doesn't
// trust the in-memory flag at all).
func (t *Torrent) readPieceFromFiles(pi int) ([]byte, error) {
	length := t.PieceLength(pi)
	out := make([]byte, length)
	for _, r := range t.layout.Ranges(pi, 0, length) {
		path := t.layout.FilePath(r.fileIndex)
		h, err := t.fs.Open(path, adapters.ReadOnly)
		if err != nil {
			return nil, err
		}
		_, err = h.ReadAt(out[r.dataOffset:r.dataOffset+r.length], r.fileOffset)
		h.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// RecheckData walks every piece not already held in the parts sidecar,
// re-reading it from the file layout and hashing it against the metadata,
// and corrects the in-memory completion bit (and numComplete) to match what
// is actually on disk. Used on startup, since the in-memory completion
// state a freshly constructed Torrent starts with reflects nothing about
// whatever content a host's filesystem already holds from a prior run.
func (t *Torrent) RecheckData(ctx context.Context) error {
	for pi := 0; pi < len(t.pieces); pi++ {
		if t.parts.Has(pi) {
			// Boundary piece held only in the sidecar: trust the sidecar's
			// own bookkeeping, there is nothing further to verify on disk.
			continue
		}

		data, err := t.readPieceFromFiles(pi)
		if err != nil {
			t.markPieceRecheckResult(pi, false)
			continue
		}
		sum, err := t.hasher.SHA1(ctx, data)
		if err != nil {
			return fmt.Errorf("hash piece %d during recheck: %s", pi, err)
		}
		t.markPieceRecheckResult(pi, core.PieceHash(sum) == t.metaInfo.GetPieceHash(pi))
	}
	return nil
}

func (t *Torrent) markPieceRecheckResult(pi int, valid bool) {
	p := t.pieces[pi]
	wasComplete := p.complete()
	switch {
	case valid && !wasComplete:
		p.markComplete()
		t.numComplete.Inc()
	case !valid && wasComplete:
		p.markEmpty()
		t.numComplete.Dec()
	}
}

// FirstNeededPiece returns the lowest-indexed incomplete, non-blacklisted
// piece, recomputed on demand from current completion state (e.g. right
// after RecheckData). The second return is false if every wanted piece is
// already complete.
func (t *Torrent) FirstNeededPiece() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for pi, p := range t.pieces {
		if p.complete() {
			continue
		}
		if t.class[pi] == piecepicker.Blacklisted {
			continue
		}
		return pi, true
	}
	return 0, false
}

func (t *Torrent) String() string {
	pct := 0
	if t.metaInfo.Length() > 0 {
		pct = int(float64(t.BytesDownloaded()) / float64(t.metaInfo.Length()) * 100)
	}
	return fmt.Sprintf("torrent(hash=%s, downloaded=%d%%)", t.InfoHash().Hex(), pct)
}
