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

// Package piecepicker implements rarest-first piece selection, the
// three-state active-piece model, the per-peer request pipeline, and the
// corruption tracker described in spec.md §4.5.
package piecepicker

import "sync"

// Availability tracks, per piece, how many connected peers are known to
// have it, plus a single seed_count for peers that hold every piece.
// Effective availability of piece i is availability[i] + seed_count.
type Availability struct {
	mu        sync.Mutex
	counts    []uint16
	seedCount int
}

// NewAvailability creates an Availability tracker for numPieces pieces.
func NewAvailability(numPieces int) *Availability {
	return &Availability{counts: make([]uint16, numPieces)}
}

// AddBitfield increments availability for every piece set in bf, or
// increments seed_count and leaves per-piece counts untouched if bf is
// complete (the peer is a seed).
func (a *Availability) AddBitfield(bf []bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	complete := true
	for _, has := range bf {
		if !has {
			complete = false
			break
		}
	}
	if complete {
		a.seedCount++
		return
	}
	for i, has := range bf {
		if has {
			a.counts[i]++
		}
	}
}

// RemoveBitfield is the inverse of AddBitfield, called on peer disconnect.
func (a *Availability) RemoveBitfield(bf []bool, wasSeed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if wasSeed {
		if a.seedCount > 0 {
			a.seedCount--
		}
		return
	}
	for i, has := range bf {
		if has && a.counts[i] > 0 {
			a.counts[i]--
		}
	}
}

// Have increments a single piece's availability, e.g. on receiving a HAVE
// message.
func (a *Availability) Have(pi int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts[pi]++
}

// PromoteToSeed converts a peer's per-piece contribution into a seed_count
// contribution, once its bitfield becomes complete via HAVE messages.
func (a *Availability) PromoteToSeed(bf []bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, has := range bf {
		if has && a.counts[i] > 0 {
			a.counts[i]--
		}
	}
	a.seedCount++
}

// Effective returns piece i's effective availability: per-piece count plus
// the global seed count.
func (a *Availability) Effective(pi int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.counts[pi]) + a.seedCount
}

// SeedCount returns the number of known seeds.
func (a *Availability) SeedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seedCount
}
