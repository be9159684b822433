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
	"crypto/sha1"
	"encoding/hex"
	"hash"
)

// PieceHash is the 20-byte SHA1 digest of a single piece's content, as
// carried concatenated in the info dict's "pieces" field.
type PieceHash [20]byte

// Hex converts h into a hexadecimal string.
func (h PieceHash) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h PieceHash) String() string {
	return h.Hex()
}

// PieceHasher returns a fresh hash.Hash used to compute a PieceHash while
// streaming piece content, mirroring the io.TeeReader idiom used when
// writing blocks to storage.
func PieceHasher() hash.Hash {
	return sha1.New()
}

// SumPieceHash finalizes h into a PieceHash. h must have been produced by
// PieceHasher.
func SumPieceHash(h hash.Hash) PieceHash {
	var out PieceHash
	copy(out[:], h.Sum(nil))
	return out
}
