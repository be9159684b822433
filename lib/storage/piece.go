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

import "sync"

type pieceStatus int

const (
	statusEmpty pieceStatus = iota
	statusComplete
	statusDirty
)

// piece tracks one on-disk piece's write status, guarding against
// concurrent writers racing to fill the same piece.
type piece struct {
	mu     sync.RWMutex
	status pieceStatus
}

func (p *piece) complete() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status == statusComplete
}

func (p *piece) dirty() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status == statusDirty
}

// tryMarkDirty claims the piece for writing. If another writer already
// claimed it, dirty is returned true and the caller must back off. If the
// piece is already complete, complete is returned true.
func (p *piece) tryMarkDirty() (dirty, complete bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.status {
	case statusEmpty:
		p.status = statusDirty
	case statusDirty:
		dirty = true
	case statusComplete:
		complete = true
	}
	return
}

func (p *piece) markEmpty() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = statusEmpty
}

func (p *piece) markComplete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = statusComplete
}

func newPieces(numPieces int) []*piece {
	pieces := make([]*piece, numPieces)
	for i := range pieces {
		pieces[i] = &piece{status: statusEmpty}
	}
	return pieces
}
