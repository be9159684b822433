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
package dht

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	bencode "github.com/jackpal/bencode-go"
)

// Query names, per BEP-5.
const (
	QueryPing         = "ping"
	QueryFindNode     = "find_node"
	QueryGetPeers     = "get_peers"
	QueryAnnouncePeer = "announce_peer"
)

// Protocol errors, matching KRPC's standard error codes.
var (
	ErrGenericError  = krpcError{201, "Generic Error"}
	ErrServerError   = krpcError{202, "Server Error"}
	ErrProtocolError = krpcError{203, "Protocol Error"}
	ErrMethodUnknown = krpcError{204, "Method Unknown"}
)

type krpcError struct {
	Code    int
	Message string
}

func (e krpcError) Error() string { return fmt.Sprintf("krpc error %d: %s", e.Code, e.Message) }

// queryArgs is the bencoded "a" dict of an outbound or inbound query. Only
// the fields relevant to the query's type are set; bencode's "omitempty"
// drops the rest.
type queryArgs struct {
	ID         string `bencode:"id"`
	Target     string `bencode:"target,omitempty"`
	InfoHash   string `bencode:"info_hash,omitempty"`
	Port       int    `bencode:"port,omitempty"`
	ImpliedPort int   `bencode:"implied_port,omitempty"`
	Token      string `bencode:"token,omitempty"`
}

// queryResult is the bencoded "r" dict of a response.
type queryResult struct {
	ID     string `bencode:"id"`
	Nodes  string `bencode:"nodes,omitempty"`
	Values []string `bencode:"values,omitempty"`
	Token  string `bencode:"token,omitempty"`
}

// message is the bencoded envelope shared by queries, responses, and
// errors: `{t, y, q, a | r | e}`.
type message struct {
	T string       `bencode:"t"`
	Y string       `bencode:"y"`
	Q string       `bencode:"q,omitempty"`
	A *queryArgs   `bencode:"a,omitempty"`
	R *queryResult `bencode:"r,omitempty"`
	E []interface{} `bencode:"e,omitempty"`
}

func encodeMessage(m message) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMessage(b []byte) (message, error) {
	var m message
	if err := bencode.Unmarshal(bytes.NewReader(b), &m); err != nil {
		return message{}, err
	}
	return m, nil
}

// encodeCompactNodes packs nodes into BEP-5's compact node-info format: 26
// bytes per node, id[20] || ip[4] || port[2].
func encodeCompactNodes(nodes []NodeInfo) string {
	buf := make([]byte, 0, 26*len(nodes))
	for _, n := range nodes {
		ip := net.ParseIP(n.Host).To4()
		if ip == nil {
			continue
		}
		buf = append(buf, n.ID[:]...)
		buf = append(buf, ip...)
		buf = append(buf, byte(n.Port>>8), byte(n.Port))
	}
	return string(buf)
}

// decodeCompactNodes unpacks BEP-5's compact node-info format.
func decodeCompactNodes(s string) ([]NodeInfo, error) {
	const entrySize = 26
	b := []byte(s)
	if len(b)%entrySize != 0 {
		return nil, errors.New("dht: malformed compact nodes")
	}
	nodes := make([]NodeInfo, 0, len(b)/entrySize)
	for i := 0; i < len(b); i += entrySize {
		var id ID
		copy(id[:], b[i:i+IDLength])
		ip := net.IP(b[i+IDLength : i+IDLength+4]).String()
		port := int(binary.BigEndian.Uint16(b[i+IDLength+4 : i+entrySize]))
		nodes = append(nodes, NodeInfo{ID: id, Host: ip, Port: port})
	}
	return nodes, nil
}

// encodeCompactPeer packs one peer endpoint into BEP-5's compact peer
// format: 6 bytes, ip[4] || port[2].
func encodeCompactPeer(host string, port int) (string, bool) {
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return "", false
	}
	buf := make([]byte, 6)
	copy(buf, ip)
	buf[4] = byte(port >> 8)
	buf[5] = byte(port)
	return string(buf), true
}

// decodeCompactPeer unpacks BEP-5's compact peer format.
func decodeCompactPeer(s string) (host string, port int, err error) {
	b := []byte(s)
	if len(b) != 6 {
		return "", 0, errors.New("dht: malformed compact peer")
	}
	return net.IP(b[:4]).String(), int(binary.BigEndian.Uint16(b[4:6])), nil
}
