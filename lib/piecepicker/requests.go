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
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/ograd/torrentengine/core"
)

// BlockRequest identifies one outstanding block request.
type BlockRequest struct {
	PieceIndex int
	BlockIndex int
	Peer       core.PeerID
	sentAt     time.Time
}

// requestKey uniquely identifies a (peer, piece, block) request.
type requestKey struct {
	peer  core.PeerID
	piece int
	block int
}

// RequestPipeline tracks outstanding block requests per peer, enforcing a
// per-peer pipeline depth and expiring requests that go unanswered too long.
// Grounded on the teacher's dispatch/piecerequest/manager.go Pending/Expired
// lifecycle, generalized from whole-piece to per-block granularity.
type RequestPipeline struct {
	mu sync.Mutex

	clk     clock.Clock
	timeout time.Duration

	pending   map[requestKey]*BlockRequest
	pendingBy map[core.PeerID]int // Outstanding request count per peer.
}

// NewRequestPipeline creates a RequestPipeline with the given per-request
// timeout.
func NewRequestPipeline(clk clock.Clock, timeout time.Duration) *RequestPipeline {
	if clk == nil {
		clk = clock.New()
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &RequestPipeline{
		clk:       clk,
		timeout:   timeout,
		pending:   make(map[requestKey]*BlockRequest),
		pendingBy: make(map[core.PeerID]int),
	}
}

// PendingCount returns the number of outstanding requests sent to peer.
func (rp *RequestPipeline) PendingCount(peer core.PeerID) int {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.pendingBy[peer]
}

// Add records a new outstanding request.
func (rp *RequestPipeline) Add(pieceIndex, blockIndex int, peer core.PeerID) {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	k := requestKey{peer, pieceIndex, blockIndex}
	if _, ok := rp.pending[k]; ok {
		return
	}
	rp.pending[k] = &BlockRequest{
		PieceIndex: pieceIndex,
		BlockIndex: blockIndex,
		Peer:       peer,
		sentAt:     rp.clk.Now(),
	}
	rp.pendingBy[peer]++
}

// Fulfill removes a request upon receiving its block, returning false if no
// such request was outstanding (e.g. an unsolicited/duplicate block).
func (rp *RequestPipeline) Fulfill(pieceIndex, blockIndex int, peer core.PeerID) bool {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	k := requestKey{peer, pieceIndex, blockIndex}
	if _, ok := rp.pending[k]; !ok {
		return false
	}
	delete(rp.pending, k)
	rp.pendingBy[peer]--
	return true
}

// CancelAllFrom removes every outstanding request attributed to peer,
// returning the block requests reverted (e.g. on choke or disconnect).
func (rp *RequestPipeline) CancelAllFrom(peer core.PeerID) []*BlockRequest {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	var reverted []*BlockRequest
	for k, r := range rp.pending {
		if k.peer == peer {
			reverted = append(reverted, r)
			delete(rp.pending, k)
		}
	}
	delete(rp.pendingBy, peer)
	return reverted
}

// Expired returns every request that has exceeded the pipeline timeout
// without a response, without removing them (the caller decides whether to
// cancel and re-request, or extend the deadline).
func (rp *RequestPipeline) Expired() []*BlockRequest {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	var expired []*BlockRequest
	now := rp.clk.Now()
	for _, r := range rp.pending {
		if now.Sub(r.sentAt) >= rp.timeout {
			expired = append(expired, r)
		}
	}
	return expired
}

// Cancel removes a single outstanding request, e.g. once its expiry has been
// handled.
func (rp *RequestPipeline) Cancel(pieceIndex, blockIndex int, peer core.PeerID) {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	k := requestKey{peer, pieceIndex, blockIndex}
	if _, ok := rp.pending[k]; !ok {
		return
	}
	delete(rp.pending, k)
	rp.pendingBy[peer]--
}
