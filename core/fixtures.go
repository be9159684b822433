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
	"crypto/rand"
	"fmt"
	mrand "math/rand"
)

// randomBytes returns n cryptographically-insignificant random bytes, for
// fixture content only.
func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// PeerIDFixture returns a randomly generated PeerID.
func PeerIDFixture() PeerID {
	p, err := RandomPeerID()
	if err != nil {
		panic(err)
	}
	return p
}

// PeerContextFixture returns a randomly generated PeerContext.
func PeerContextFixture() PeerContext {
	ip := fmt.Sprintf("10.0.%d.%d", mrand.Intn(256), mrand.Intn(256))
	port := 1024 + mrand.Intn(40000)
	pc, err := NewPeerContext(RandomPeerIDFactory, ip, port)
	if err != nil {
		panic(err)
	}
	return pc
}

// BlobFixture pairs raw content with the single-file MetaInfo describing it,
// for testing convenience.
type BlobFixture struct {
	Content  []byte
	MetaInfo *MetaInfo
}

// SizedBlobFixture creates a randomly generated single-file BlobFixture of
// the given size and piece length.
func SizedBlobFixture(size, pieceLength int64) *BlobFixture {
	content := randomBytes(int(size))
	mi := metaInfoFromContent("fixture", []FileEntry{{Length: size}}, content, pieceLength)
	return &BlobFixture{Content: content, MetaInfo: mi}
}

// NewBlobFixture creates a small, randomly generated single-file BlobFixture.
func NewBlobFixture() *BlobFixture {
	return SizedBlobFixture(256, 8)
}

// MultifileFixture creates a randomly generated multi-file MetaInfo spanning
// the given per-file sizes, plus the concatenated content of every file in
// order.
func MultifileFixture(sizes []int64, pieceLength int64) (*MetaInfo, [][]byte) {
	files := make([]FileEntry, len(sizes))
	contents := make([][]byte, len(sizes))
	var all []byte
	for i, sz := range sizes {
		files[i] = FileEntry{Length: sz, Path: []string{fmt.Sprintf("file-%d.dat", i)}}
		contents[i] = randomBytes(int(sz))
		all = append(all, contents[i]...)
	}
	mi := metaInfoFromContent("fixture-dir", files, all, pieceLength)
	return mi, contents
}

func metaInfoFromContent(name string, files []FileEntry, content []byte, pieceLength int64) *MetaInfo {
	n := (int64(len(content)) + pieceLength - 1) / pieceLength
	pieces := make([]PieceHash, n)
	for i := int64(0); i < n; i++ {
		start := i * pieceLength
		end := start + pieceLength
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		h := PieceHasher()
		h.Write(content[start:end])
		pieces[i] = SumPieceHash(h)
	}
	m := &MetaInfo{
		name:        name,
		pieceLength: pieceLength,
		pieces:      pieces,
		files:       files,
	}
	m.infoHash = NewInfoHashFromBytes(append([]byte(name), content...))
	return m
}

// MetaInfoFixture returns a randomly generated single-file MetaInfo.
func MetaInfoFixture() *MetaInfo {
	return NewBlobFixture().MetaInfo
}

// InfoHashFixture returns a randomly generated InfoHash.
func InfoHashFixture() InfoHash {
	return MetaInfoFixture().InfoHash()
}

// PieceHashFixture returns a randomly generated PieceHash.
func PieceHashFixture() PieceHash {
	var h PieceHash
	copy(h[:], randomBytes(20))
	return h
}
