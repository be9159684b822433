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
	"encoding/binary"
	"fmt"
	"io"
)

// MessageID identifies a BEP-3/BEP-10 peer wire message type.
type MessageID byte

// BEP-3 and BEP-10 message ids.
const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	BitfieldMsg   MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Port          MessageID = 9
	Extended      MessageID = 20
)

// MaxMessageSize bounds the length prefix of any non-piece message to guard
// against a misbehaving peer claiming an enormous length.
const MaxMessageSize = 1 << 20 // 1 MiB, comfortably above any non-piece message.

// BlockSize is the conventional BEP-3 request/piece block size.
const BlockSize = 16 * 1024

// Message is a single parsed peer wire message. KeepAlive messages are
// represented as a Message for which IsKeepAlive reports true; their ID
// field is left at zero and carries no meaning.
type Message struct {
	ID MessageID

	// Have.
	PieceIndex uint32

	// Request / Cancel / Piece block addressing.
	Index  uint32
	Begin  uint32
	Length uint32 // Request/Cancel only.

	// Piece.
	Block []byte

	// Bitfield.
	Bitfield []byte

	// Port (DHT).
	ListenPort uint16

	// Extended (BEP-10): ExtendedID identifies the sub-message
	// (0 == handshake, or a peer-assigned id from the 'm' dict), Payload is
	// the bencoded extension payload following it.
	ExtendedID byte
	Payload    []byte

	keepAlive bool
}

// KeepAliveMessage returns a keep-alive message (zero-length, no id).
func KeepAliveMessage() Message {
	return Message{keepAlive: true}
}

// IsKeepAlive returns whether m is a keep-alive.
func (m Message) IsKeepAlive() bool {
	return m.keepAlive
}

// NewHaveMessage returns a Have message announcing piece pi.
func NewHaveMessage(pi int) Message {
	return Message{ID: Have, PieceIndex: uint32(pi)}
}

// NewBitfieldMessage returns a Bitfield message.
func NewBitfieldMessage(b []byte) Message {
	return Message{ID: BitfieldMsg, Bitfield: b}
}

// NewRequestMessage returns a Request message for the given block.
func NewRequestMessage(index, begin, length int) Message {
	return Message{ID: Request, Index: uint32(index), Begin: uint32(begin), Length: uint32(length)}
}

// NewCancelMessage returns a Cancel message for the given block.
func NewCancelMessage(index, begin, length int) Message {
	return Message{ID: Cancel, Index: uint32(index), Begin: uint32(begin), Length: uint32(length)}
}

// NewPieceMessage returns a Piece message carrying block at (index, begin).
func NewPieceMessage(index, begin int, block []byte) Message {
	return Message{ID: Piece, Index: uint32(index), Begin: uint32(begin), Block: block}
}

// NewPortMessage returns a Port message advertising the sender's DHT port.
func NewPortMessage(port uint16) Message {
	return Message{ID: Port, ListenPort: port}
}

// NewExtendedMessage returns an Extended message wrapping an extension
// sub-message id and its bencoded payload.
func NewExtendedMessage(extendedID byte, payload []byte) Message {
	return Message{ID: Extended, ExtendedID: extendedID, Payload: payload}
}

// WriteMessage writes m to w in length-prefixed wire format.
func WriteMessage(w io.Writer, m Message) error {
	if m.IsKeepAlive() {
		var lenBuf [4]byte
		_, err := w.Write(lenBuf[:])
		return err
	}

	var body []byte
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		// No payload.
	case Have:
		body = make([]byte, 4)
		binary.BigEndian.PutUint32(body, m.PieceIndex)
	case BitfieldMsg:
		body = m.Bitfield
	case Request, Cancel:
		body = make([]byte, 12)
		binary.BigEndian.PutUint32(body[0:4], m.Index)
		binary.BigEndian.PutUint32(body[4:8], m.Begin)
		binary.BigEndian.PutUint32(body[8:12], m.Length)
	case Piece:
		body = make([]byte, 8+len(m.Block))
		binary.BigEndian.PutUint32(body[0:4], m.Index)
		binary.BigEndian.PutUint32(body[4:8], m.Begin)
		copy(body[8:], m.Block)
	case Port:
		body = make([]byte, 2)
		binary.BigEndian.PutUint16(body, m.ListenPort)
	case Extended:
		body = make([]byte, 1+len(m.Payload))
		body[0] = m.ExtendedID
		copy(body[1:], m.Payload)
	default:
		return fmt.Errorf("wire: unknown message id %d", m.ID)
	}

	total := 1 + len(body)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(total))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write length prefix: %s", err)
	}
	if _, err := w.Write([]byte{byte(m.ID)}); err != nil {
		return fmt.Errorf("write message id: %s", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("write message body: %s", err)
		}
	}
	return nil
}

// ReadMessage reads the next message off r. Piece messages may be up to
// maxPieceSize+8 bytes; all other messages are bounded by MaxMessageSize.
func ReadMessage(r io.Reader, maxPieceSize int) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, fmt.Errorf("read length prefix: %s", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return KeepAliveMessage(), nil
	}

	limit := MaxMessageSize
	if maxPieceSize+9 > limit {
		limit = maxPieceSize + 9
	}
	if int(length) > limit {
		return Message{}, fmt.Errorf("message length %d exceeds limit %d", length, limit)
	}

	var idBuf [1]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return Message{}, fmt.Errorf("read message id: %s", err)
	}
	id := MessageID(idBuf[0])

	bodyLen := int(length) - 1
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Message{}, fmt.Errorf("read message body: %s", err)
		}
	}

	m := Message{ID: id}
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		if len(body) != 4 {
			return Message{}, fmt.Errorf("have: invalid body length %d", len(body))
		}
		m.PieceIndex = binary.BigEndian.Uint32(body)
	case BitfieldMsg:
		m.Bitfield = body
	case Request, Cancel:
		if len(body) != 12 {
			return Message{}, fmt.Errorf("request/cancel: invalid body length %d", len(body))
		}
		m.Index = binary.BigEndian.Uint32(body[0:4])
		m.Begin = binary.BigEndian.Uint32(body[4:8])
		m.Length = binary.BigEndian.Uint32(body[8:12])
	case Piece:
		if len(body) < 8 {
			return Message{}, fmt.Errorf("piece: invalid body length %d", len(body))
		}
		m.Index = binary.BigEndian.Uint32(body[0:4])
		m.Begin = binary.BigEndian.Uint32(body[4:8])
		m.Block = body[8:]
	case Port:
		if len(body) != 2 {
			return Message{}, fmt.Errorf("port: invalid body length %d", len(body))
		}
		m.ListenPort = binary.BigEndian.Uint16(body)
	case Extended:
		if len(body) < 1 {
			return Message{}, fmt.Errorf("extended: empty body")
		}
		m.ExtendedID = body[0]
		m.Payload = body[1:]
	default:
		return Message{}, fmt.Errorf("wire: unknown message id %d", id)
	}
	return m, nil
}
