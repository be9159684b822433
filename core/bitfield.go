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
package core

import (
	"sync"

	"github.com/willf/bitset"
)

// Bitfield is a thread-safe wrapper around bitset.BitSet tracking which
// pieces of a torrent are held, either locally or by a remote peer.
type Bitfield struct {
	mu  sync.RWMutex
	set *bitset.BitSet
	n   uint
}

// NewBitfield creates an empty Bitfield sized for n pieces.
func NewBitfield(n int) *Bitfield {
	return &Bitfield{set: bitset.New(uint(n)), n: uint(n)}
}

// NewBitfieldFromBytes parses the BEP-3 wire bitfield encoding (MSB-first,
// one bit per piece) into a Bitfield of n pieces.
func NewBitfieldFromBytes(b []byte, n int) *Bitfield {
	bf := NewBitfield(n)
	for i := 0; i < n; i++ {
		byteIdx := i / 8
		if byteIdx >= len(b) {
			break
		}
		if b[byteIdx]&(0x80>>uint(i%8)) != 0 {
			bf.set.Set(uint(i))
		}
	}
	return bf
}

// Len returns the number of pieces tracked.
func (bf *Bitfield) Len() int {
	return int(bf.n)
}

// Has returns whether piece pi is set.
func (bf *Bitfield) Has(pi int) bool {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.set.Test(uint(pi))
}

// Set marks piece pi as held.
func (bf *Bitfield) Set(pi int) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	bf.set.Set(uint(pi))
}

// Clear unmarks piece pi.
func (bf *Bitfield) Clear(pi int) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	bf.set.Clear(uint(pi))
}

// Count returns the number of set pieces.
func (bf *Bitfield) Count() int {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return int(bf.set.Count())
}

// Complete returns whether every piece is set.
func (bf *Bitfield) Complete() bool {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.set.Count() == bf.n
}

// Bytes encodes the Bitfield in BEP-3 wire format.
func (bf *Bitfield) Bytes() []byte {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	out := make([]byte, (bf.n+7)/8)
	for i := uint(0); i < bf.n; i++ {
		if bf.set.Test(i) {
			out[i/8] |= 0x80 >> (i % 8)
		}
	}
	return out
}

// Missing returns the indices of all unset pieces.
func (bf *Bitfield) Missing() []int {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	var missing []int
	for i := uint(0); i < bf.n; i++ {
		if !bf.set.Test(i) {
			missing = append(missing, int(i))
		}
	}
	return missing
}

// Copy returns an independent copy of bf.
func (bf *Bitfield) Copy() *Bitfield {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return &Bitfield{set: bf.set.Clone(), n: bf.n}
}
