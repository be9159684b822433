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

// Package wire implements the BEP-3 peer wire protocol framing: the
// 68-byte handshake, length-prefixed messages, and the BEP-10 extension
// protocol (ut_metadata, ut_pex) layered on top of it.
package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/ograd/torrentengine/core"
)

const protocolString = "BitTorrent protocol"

// reservedExtensionBit marks support for the BEP-10 extension protocol, bit
// 20 from the right of the 8 reserved handshake bytes.
const reservedExtensionBit = 0x10 // byte index 5, bit 0x10 per BEP-10.

// Reserved is the 8-byte reserved field of a handshake, indicating which
// protocol extensions the peer supports.
type Reserved [8]byte

// SupportsExtensionProtocol returns whether the BEP-10 extension bit is set.
func (r Reserved) SupportsExtensionProtocol() bool {
	return r[5]&reservedExtensionBit != 0
}

// WithExtensionProtocol returns a copy of r with the BEP-10 extension bit
// set.
func (r Reserved) WithExtensionProtocol() Reserved {
	r[5] |= reservedExtensionBit
	return r
}

// Handshake is the parsed form of the 68-byte BEP-3 handshake message.
type Handshake struct {
	Reserved Reserved
	InfoHash core.InfoHash
	PeerID   core.PeerID
}

// WriteHandshake writes h to w in the wire format:
//
//	1 byte: pstrlen, always 19
//	19 bytes: "BitTorrent protocol"
//	8 bytes: reserved
//	20 bytes: info hash
//	20 bytes: peer id
func WriteHandshake(w io.Writer, h Handshake) error {
	buf := make([]byte, 0, 68)
	buf = append(buf, byte(len(protocolString)))
	buf = append(buf, protocolString...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash.Bytes()...)
	buf = append(buf, h.PeerID[:]...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and validates a 68-byte BEP-3 handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return Handshake{}, fmt.Errorf("read pstrlen: %s", err)
	}
	pstrlen := int(lenByte[0])
	if pstrlen != len(protocolString) {
		return Handshake{}, fmt.Errorf("unsupported protocol string length: %d", pstrlen)
	}

	pstr := make([]byte, pstrlen)
	if _, err := io.ReadFull(r, pstr); err != nil {
		return Handshake{}, fmt.Errorf("read pstr: %s", err)
	}
	if string(pstr) != protocolString {
		return Handshake{}, fmt.Errorf("unsupported protocol: %q", pstr)
	}

	var h Handshake
	if _, err := io.ReadFull(r, h.Reserved[:]); err != nil {
		return Handshake{}, fmt.Errorf("read reserved: %s", err)
	}

	if _, err := io.ReadFull(r, h.InfoHash[:]); err != nil {
		return Handshake{}, fmt.Errorf("read info hash: %s", err)
	}
	if _, err := io.ReadFull(r, h.PeerID[:]); err != nil {
		return Handshake{}, fmt.Errorf("read peer id: %s", err)
	}

	return h, nil
}

// ErrInfoHashMismatch is returned when a remote peer's handshake carries an
// info hash different from the one expected for the connection.
var ErrInfoHashMismatch = errors.New("wire: info hash mismatch")

// ErrSelfConnection is returned when a remote peer's handshake carries our
// own peer id, indicating we connected to ourselves.
var ErrSelfConnection = errors.New("wire: self connection")
