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
	"math/rand"
	"sync"
)

// PieceClass is a piece's file-priority classification (spec.md §4.6),
// derived from the priorities of the files it overlaps.
type PieceClass int

// Piece classifications.
const (
	// Wanted pieces overlap only normal-priority files.
	Wanted PieceClass = iota
	// Blacklisted pieces overlap only skipped files; never requested or
	// served.
	Blacklisted
	// Boundary pieces span both a skipped file and a wanted file; treated
	// as wanted for request purposes, but may be partially unservable.
	Boundary
)

// Picker selects which piece to request next, combining rarest-first
// availability ranking with file-priority classification and the
// three-state active-piece model's partial cap.
type Picker struct {
	mu sync.Mutex

	numPieces      int
	blocksPerPiece func(pieceIndex int) int
	blockSize      int
	pieceLength    func(pieceIndex int) int

	class        []PieceClass
	owned        []bool
	availability *Availability

	active map[int]*ActivePiece
}

// NewPicker creates a Picker for a torrent with numPieces pieces. blockSize
// is the wire block size (core.BlockSize in practice); pieceLengthFn and
// blocksPerPieceFn report a given piece's byte length and block count
// (the last piece is commonly shorter than the rest).
func NewPicker(numPieces, blockSize int, pieceLengthFn func(int) int, blocksPerPieceFn func(int) int) *Picker {
	class := make([]PieceClass, numPieces)
	for i := range class {
		class[i] = Wanted
	}
	return &Picker{
		numPieces:      numPieces,
		blocksPerPiece: blocksPerPieceFn,
		blockSize:      blockSize,
		pieceLength:    pieceLengthFn,
		class:          class,
		owned:          make([]bool, numPieces),
		availability:   NewAvailability(numPieces),
		active:         make(map[int]*ActivePiece),
	}
}

// Availability returns the picker's underlying Availability tracker, so
// callers can feed it bitfield/HAVE updates directly.
func (p *Picker) Availability() *Availability {
	return p.availability
}

// SetClassification sets piece pi's file-priority classification. Called by
// the storage layer's reclassification pass on any setFilePriority change.
func (p *Picker) SetClassification(pi int, c PieceClass) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.class[pi] = c
}

// Classification returns piece pi's current classification.
func (p *Picker) Classification(pi int) PieceClass {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.class[pi]
}

// MarkOwned records that piece pi has been verified and written to disk.
// Any active-piece state for it is dropped.
func (p *Picker) MarkOwned(pi int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.owned[pi] = true
	delete(p.active, pi)
}

// shouldRequestPieceLocked implements spec.md §4.5's shouldRequestPiece
// predicate: not already owned, not blacklisted by file priority.
func (p *Picker) shouldRequestPieceLocked(pi int) bool {
	return !p.owned[pi] && p.class[pi] != Blacklisted
}

// ShouldRequestPiece reports whether piece pi is eligible to be requested.
func (p *Picker) ShouldRequestPiece(pi int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shouldRequestPieceLocked(pi)
}

// PartialCap computes the maximum number of simultaneously Partial pieces
// allowed, per spec.md §4.5: max(1, min(peers*1.5, 2048/blocks_per_piece)).
func PartialCap(peers int, blocksPerPiece int) int {
	if blocksPerPiece <= 0 {
		blocksPerPiece = 1
	}
	byPeers := float64(peers) * 1.5
	byBlocks := float64(2048) / float64(blocksPerPiece)
	limit := byPeers
	if byBlocks < limit {
		limit = byBlocks
	}
	if limit < 1 {
		limit = 1
	}
	return int(limit)
}

// partialCount returns the number of currently active pieces in the Partial
// state.
func (p *Picker) partialCount() int {
	n := 0
	for _, ap := range p.active {
		if ap.State() == Partial {
			n++
		}
	}
	return n
}

// NextPiece selects the next piece to request from a peer whose bitfield is
// peerHas (indexed by piece index), given numPeers connected peers overall.
// It favors rarest-first among eligible pieces the peer has, preferring
// already-active Partial pieces over starting new ones once the partial cap
// is reached. Ties are broken by sequential order, then uniformly at
// random among equally rare candidates.
//
// Returns (-1, false) if no eligible piece is available from this peer.
func (p *Picker) NextPiece(peerHas []bool, numPeers int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Prefer continuing an already-active Partial piece the peer has, to
	// avoid fragmenting the partial cap across more pieces than necessary.
	var activeCandidates []int
	for pi, ap := range p.active {
		if ap.State() == Partial && pi < len(peerHas) && peerHas[pi] && p.shouldRequestPieceLocked(pi) {
			activeCandidates = append(activeCandidates, pi)
		}
	}
	if len(activeCandidates) > 0 {
		return p.rarestOf(activeCandidates), true
	}

	if p.partialCount() >= PartialCap(numPeers, p.blocksPerPiece(0)) {
		return -1, false
	}

	var fresh []int
	for pi := 0; pi < len(peerHas) && pi < p.numPieces; pi++ {
		if !peerHas[pi] || !p.shouldRequestPieceLocked(pi) {
			continue
		}
		if _, active := p.active[pi]; active {
			continue
		}
		fresh = append(fresh, pi)
	}
	if len(fresh) == 0 {
		return -1, false
	}
	return p.rarestOf(fresh), true
}

// rarestOf returns the candidate with the lowest effective availability,
// breaking ties uniformly at random among the rarest.
func (p *Picker) rarestOf(candidates []int) int {
	best := candidates[0]
	bestAvail := p.availability.Effective(best)
	var tied []int
	for _, pi := range candidates {
		a := p.availability.Effective(pi)
		if a < bestAvail {
			bestAvail = a
			best = pi
			tied = []int{pi}
		} else if a == bestAvail {
			tied = append(tied, pi)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	return tied[rand.Intn(len(tied))]
}

// GetOrCreateActivePiece returns the ActivePiece for pi, creating it (split
// into blocks) if it does not yet exist.
func (p *Picker) GetOrCreateActivePiece(pi int) *ActivePiece {
	p.mu.Lock()
	defer p.mu.Unlock()
	ap, ok := p.active[pi]
	if !ok {
		ap = newActivePiece(pi, p.pieceLength(pi), p.blockSize)
		p.active[pi] = ap
	}
	return ap
}

// ActivePiece returns the ActivePiece for pi if one exists.
func (p *Picker) ActivePiece(pi int) (*ActivePiece, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ap, ok := p.active[pi]
	return ap, ok
}

// DropActivePiece discards pi's active-piece state, e.g. after a failed
// hash verification requeues it for re-download from scratch.
func (p *Picker) DropActivePiece(pi int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, pi)
}

// ActiveCount returns the number of active pieces in state s.
func (p *Picker) ActiveCount(s PieceState) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ap := range p.active {
		if ap.State() == s {
			n++
		}
	}
	return n
}
