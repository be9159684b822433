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
	"github.com/ograd/torrentengine/core"
)

// PieceState is the three-state model of an in-flight piece (spec.md §4.5,
// Option A, matching libtorrent semantics).
type PieceState int

// Active piece states.
const (
	// Partial: has at least one unrequested block; counts against the
	// partial cap.
	Partial PieceState = iota
	// Full: all blocks requested but not all received; does not count
	// against the partial cap.
	Full
	// Pending: all blocks received, awaiting hash verification and disk
	// write; does not count against the partial cap.
	Pending
)

// block tracks one piece block's request/receipt state.
type block struct {
	begin     int
	length    int
	requested bool
	received  bool
	owner     core.PeerID // Who we requested it from, if requested.
}

// ActivePiece is a piece currently in flight: partially or fully requested,
// or fully received and awaiting verification.
type ActivePiece struct {
	Index int

	blocks []block
	buffer []byte

	state        PieceState
	contributors map[core.PeerID]bool
}

// newActivePiece splits a piece of the given length into BlockSize chunks.
func newActivePiece(index int, pieceLength int, blockSize int) *ActivePiece {
	n := (pieceLength + blockSize - 1) / blockSize
	blocks := make([]block, n)
	for i := 0; i < n; i++ {
		begin := i * blockSize
		length := blockSize
		if begin+length > pieceLength {
			length = pieceLength - begin
		}
		blocks[i] = block{begin: begin, length: length}
	}
	return &ActivePiece{
		Index:        index,
		blocks:       blocks,
		buffer:       make([]byte, pieceLength),
		state:        Partial,
		contributors: make(map[core.PeerID]bool),
	}
}

// State returns the piece's current PieceState.
func (a *ActivePiece) State() PieceState {
	return a.state
}

// NumBlocks returns the number of blocks this piece is split into.
func (a *ActivePiece) NumBlocks() int {
	return len(a.blocks)
}

// NextUnrequestedBlock returns the index of the next block without an
// outstanding request, or -1 if every block has been requested.
func (a *ActivePiece) NextUnrequestedBlock() int {
	for i, b := range a.blocks {
		if !b.requested && !b.received {
			return i
		}
	}
	return -1
}

// BlockRange returns block bi's (begin, length) offsets within the piece.
func (a *ActivePiece) BlockRange(bi int) (begin, length int) {
	b := a.blocks[bi]
	return b.begin, b.length
}

// MarkRequested records that block bi was requested from peer, and
// transitions Partial → Full if that was the last unrequested block.
func (a *ActivePiece) MarkRequested(bi int, peer core.PeerID) {
	a.blocks[bi].requested = true
	a.blocks[bi].owner = peer
	if a.NextUnrequestedBlock() == -1 {
		a.state = Full
	}
}

// CancelRequest reverts block bi to unrequested, e.g. on choke, request
// timeout, or peer disconnect — and transitions Full → Partial since an
// unrequested block has reappeared.
func (a *ActivePiece) CancelRequest(bi int) {
	if a.blocks[bi].received {
		return
	}
	a.blocks[bi].requested = false
	if a.state == Full {
		a.state = Partial
	}
}

// CancelAllRequestsFrom reverts every outstanding (unreceived) request owned
// by peer, returning the block indices that were reverted. Used when a peer
// chokes us or disconnects.
func (a *ActivePiece) CancelAllRequestsFrom(peer core.PeerID) []int {
	var reverted []int
	for i, b := range a.blocks {
		if b.requested && !b.received && b.owner == peer {
			a.CancelRequest(i)
			reverted = append(reverted, i)
		}
	}
	return reverted
}

// ReceiveBlock records bytes for block bi from peer, returning true once
// every block has been received (the piece has transitioned to Pending).
func (a *ActivePiece) ReceiveBlock(bi int, data []byte, peer core.PeerID) bool {
	b := &a.blocks[bi]
	copy(a.buffer[b.begin:b.begin+b.length], data)
	b.received = true
	a.contributors[peer] = true

	for _, bl := range a.blocks {
		if !bl.received {
			return false
		}
	}
	a.state = Pending
	return true
}

// Buffer returns the piece's assembled content. Only meaningful once State()
// is Pending.
func (a *ActivePiece) Buffer() []byte {
	return a.buffer
}

// Contributors returns the set of peers who sent at least one block of this
// piece, used by the corruption tracker on hash-verification failure.
func (a *ActivePiece) Contributors() []core.PeerID {
	out := make([]core.PeerID, 0, len(a.contributors))
	for p := range a.contributors {
		out = append(out, p)
	}
	return out
}

// Reset clears every block's requested/received flags, e.g. after a hash
// verification failure requeues the piece.
func (a *ActivePiece) Reset() {
	for i := range a.blocks {
		a.blocks[i] = block{begin: a.blocks[i].begin, length: a.blocks[i].length}
	}
	a.state = Partial
	a.contributors = make(map[core.PeerID]bool)
}
