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
	"net"

	bencode "github.com/jackpal/bencode-go"
)

// PEXFlag bits for the "added.f" compact peer flags string, per BEP-11.
const (
	PEXFlagPreferEncryption byte = 1 << 0
	PEXFlagSeedOnly         byte = 1 << 1
	PEXFlagSupportsUTP      byte = 1 << 2
)

// PEXPeer is one peer entry in a ut_pex message.
type PEXPeer struct {
	IP    net.IP
	Port  uint16
	Flags byte
}

// PEXMessage is the bencoded ut_pex payload: peers added since the last
// exchange (with per-peer flags), and peers dropped since the last exchange.
type PEXMessage struct {
	Added   []PEXPeer
	Dropped []net.TCPAddr
}

type pexWire struct {
	Added      string `bencode:"added"`
	AddedF     string `bencode:"added.f,omitempty"`
	Dropped    string `bencode:"dropped,omitempty"`
	Added6     string `bencode:"added6,omitempty"`
	Added6F    string `bencode:"added6.f,omitempty"`
	Dropped6   string `bencode:"dropped6,omitempty"`
}

// EncodePEXMessage bencodes m using BEP-11's compact (4+2 byte, IPv4-only)
// peer encoding.
func EncodePEXMessage(m PEXMessage) ([]byte, error) {
	var added, addedF, dropped bytes.Buffer
	for _, p := range m.Added {
		ip4 := p.IP.To4()
		if ip4 == nil {
			continue // IPv6 peers go in added6; not modeled here.
		}
		added.Write(ip4)
		added.WriteByte(byte(p.Port >> 8))
		added.WriteByte(byte(p.Port))
		addedF.WriteByte(p.Flags)
	}
	for _, a := range m.Dropped {
		ip4 := a.IP.To4()
		if ip4 == nil {
			continue
		}
		dropped.Write(ip4)
		dropped.WriteByte(byte(a.Port >> 8))
		dropped.WriteByte(byte(a.Port))
	}

	w := pexWire{
		Added:   added.String(),
		AddedF:  addedF.String(),
		Dropped: dropped.String(),
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, w); err != nil {
		return nil, fmt.Errorf("bencode ut_pex message: %s", err)
	}
	return buf.Bytes(), nil
}

// DecodePEXMessage parses a bencoded ut_pex payload.
func DecodePEXMessage(payload []byte) (PEXMessage, error) {
	var w pexWire
	if err := bencode.Unmarshal(bytes.NewReader(payload), &w); err != nil {
		return PEXMessage{}, fmt.Errorf("bdecode ut_pex message: %s", err)
	}

	added, err := decodeCompactPeers(w.Added, w.AddedF)
	if err != nil {
		return PEXMessage{}, fmt.Errorf("decode added: %s", err)
	}
	dropped, err := decodeCompactAddrs(w.Dropped)
	if err != nil {
		return PEXMessage{}, fmt.Errorf("decode dropped: %s", err)
	}
	return PEXMessage{Added: added, Dropped: dropped}, nil
}

func decodeCompactPeers(addrs, flags string) ([]PEXPeer, error) {
	if len(addrs)%6 != 0 {
		return nil, fmt.Errorf("compact peer list length %d not a multiple of 6", len(addrs))
	}
	n := len(addrs) / 6
	peers := make([]PEXPeer, n)
	for i := 0; i < n; i++ {
		b := addrs[i*6 : i*6+6]
		peers[i] = PEXPeer{
			IP:   net.IPv4(b[0], b[1], b[2], b[3]),
			Port: uint16(b[4])<<8 | uint16(b[5]),
		}
		if i < len(flags) {
			peers[i].Flags = flags[i]
		}
	}
	return peers, nil
}

func decodeCompactAddrs(addrs string) ([]net.TCPAddr, error) {
	if len(addrs)%6 != 0 {
		return nil, fmt.Errorf("compact addr list length %d not a multiple of 6", len(addrs))
	}
	n := len(addrs) / 6
	out := make([]net.TCPAddr, n)
	for i := 0; i < n; i++ {
		b := addrs[i*6 : i*6+6]
		out[i] = net.TCPAddr{
			IP:   net.IPv4(b[0], b[1], b[2], b[3]),
			Port: int(uint16(b[4])<<8 | uint16(b[5])),
		}
	}
	return out, nil
}
