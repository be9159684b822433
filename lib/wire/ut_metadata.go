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
package wire

import (
	"bytes"
	"fmt"

	bencode "github.com/jackpal/bencode-go"
)

// MetadataChunkSize is the fixed chunk size (16 KiB) ut_metadata splits the
// info dict into, per BEP-9.
const MetadataChunkSize = 16 * 1024

// MetadataMessageType identifies a ut_metadata sub-message.
type MetadataMessageType int

// ut_metadata message types.
const (
	MetadataRequest MetadataMessageType = 0
	MetadataData    MetadataMessageType = 1
	MetadataReject  MetadataMessageType = 2
)

// MetadataMessage is the bencoded dict preceding a metadata piece's raw
// bytes (for MetadataData) on the wire.
type MetadataMessage struct {
	MsgType   MetadataMessageType `bencode:"msg_type"`
	Piece     int                 `bencode:"piece"`
	TotalSize int                 `bencode:"total_size,omitempty"`
}

// EncodeMetadataMessage bencodes the dict header. For MetadataData, the
// caller must append the raw piece bytes after this header on the wire.
func EncodeMetadataMessage(m MetadataMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, m); err != nil {
		return nil, fmt.Errorf("bencode ut_metadata message: %s", err)
	}
	return buf.Bytes(), nil
}

// DecodeMetadataMessage decodes the leading bencoded dict of a ut_metadata
// payload and returns it alongside the remaining bytes (the piece payload,
// for MetadataData messages).
func DecodeMetadataMessage(payload []byte) (MetadataMessage, []byte, error) {
	r := bytes.NewReader(payload)
	var m MetadataMessage
	if err := bencode.Unmarshal(r, &m); err != nil {
		return MetadataMessage{}, nil, fmt.Errorf("bdecode ut_metadata message: %s", err)
	}
	// Whatever Unmarshal didn't consume is the raw piece payload.
	rest := payload[len(payload)-r.Len():]
	return m, rest, nil
}

// MetadataAssembler reassembles an info dict from out-of-order
// MetadataData pieces. It checks piece indices and sizes only; it does not
// verify the assembled bytes against an info hash.
type MetadataAssembler struct {
	totalSize int
	pieces    map[int][]byte
}

// NewMetadataAssembler creates an assembler for a metadata blob of the given
// total size.
func NewMetadataAssembler(totalSize int) *MetadataAssembler {
	return &MetadataAssembler{totalSize: totalSize, pieces: make(map[int][]byte)}
}

// NumPieces returns the number of MetadataChunkSize pieces the metadata
// blob is split into.
func (a *MetadataAssembler) NumPieces() int {
	return (a.totalSize + MetadataChunkSize - 1) / MetadataChunkSize
}

// AddPiece records piece pi's bytes.
func (a *MetadataAssembler) AddPiece(pi int, data []byte) error {
	if pi < 0 || pi >= a.NumPieces() {
		return fmt.Errorf("metadata piece index %d out of range [0, %d)", pi, a.NumPieces())
	}
	expected := MetadataChunkSize
	if pi == a.NumPieces()-1 {
		expected = a.totalSize - pi*MetadataChunkSize
	}
	if len(data) != expected {
		return fmt.Errorf("metadata piece %d: expected %d bytes, got %d", pi, expected, len(data))
	}
	a.pieces[pi] = data
	return nil
}

// Complete returns whether every piece has been received.
func (a *MetadataAssembler) Complete() bool {
	return len(a.pieces) == a.NumPieces()
}

// Assemble concatenates all pieces into the full info dict bytes. Callers
// must check Complete first.
func (a *MetadataAssembler) Assemble() ([]byte, error) {
	if !a.Complete() {
		return nil, fmt.Errorf("metadata assembly incomplete: %d/%d pieces", len(a.pieces), a.NumPieces())
	}
	out := make([]byte, 0, a.totalSize)
	for i := 0; i < a.NumPieces(); i++ {
		out = append(out, a.pieces[i]...)
	}
	return out, nil
}
