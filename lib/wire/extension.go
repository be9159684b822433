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

// Well-known BEP-10 extension names this engine negotiates.
const (
	ExtensionMetadata = "ut_metadata"
	ExtensionPEX      = "ut_pex"
)

// ExtensionHandshake is the bencoded payload of extended message id 0, the
// BEP-10 handshake. Known fields are typed; any keys this engine does not
// recognize are preserved verbatim in Unknown so a relaying implementation
// never silently drops peer capabilities it doesn't understand.
type ExtensionHandshake struct {
	M            map[string]int `bencode:"m"`
	MetadataSize int            `bencode:"metadata_size,omitempty"`
	Version      string         `bencode:"v,omitempty"`
	Port         int            `bencode:"p,omitempty"`

	// Unknown holds any bencoded dict keys not named above, round-tripped
	// opaquely so unrecognized extensions degrade gracefully instead of
	// being dropped.
	Unknown map[string]interface{} `bencode:"-"`
}

// extensionHandshakeWire is the raw map form used to marshal/unmarshal
// ExtensionHandshake while preserving unknown keys.
type extensionHandshakeWire map[string]interface{}

// EncodeExtensionHandshake bencodes h, interleaving Unknown's keys alongside
// the typed fields.
func EncodeExtensionHandshake(h ExtensionHandshake) ([]byte, error) {
	wire := extensionHandshakeWire{}
	for k, v := range h.Unknown {
		wire[k] = v
	}
	m := make(map[string]interface{}, len(h.M))
	for k, v := range h.M {
		m[k] = v
	}
	wire["m"] = m
	if h.MetadataSize > 0 {
		wire["metadata_size"] = h.MetadataSize
	}
	if h.Version != "" {
		wire["v"] = h.Version
	}
	if h.Port > 0 {
		wire["p"] = h.Port
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, wire); err != nil {
		return nil, fmt.Errorf("bencode extension handshake: %s", err)
	}
	return buf.Bytes(), nil
}

// DecodeExtensionHandshake parses a bencoded BEP-10 handshake dict, keeping
// any keys beyond "m"/"metadata_size"/"v"/"p" in Unknown.
func DecodeExtensionHandshake(b []byte) (ExtensionHandshake, error) {
	var wire extensionHandshakeWire
	if err := bencode.Unmarshal(bytes.NewReader(b), &wire); err != nil {
		return ExtensionHandshake{}, fmt.Errorf("bdecode extension handshake: %s", err)
	}

	h := ExtensionHandshake{
		M:       make(map[string]int),
		Unknown: make(map[string]interface{}),
	}
	for k, v := range wire {
		switch k {
		case "m":
			mm, ok := v.(map[string]interface{})
			if !ok {
				return ExtensionHandshake{}, fmt.Errorf("extension handshake: 'm' is not a dict")
			}
			for name, id := range mm {
				n, ok := toInt(id)
				if !ok {
					continue
				}
				h.M[name] = n
			}
		case "metadata_size":
			n, _ := toInt(v)
			h.MetadataSize = n
		case "v":
			if s, ok := v.(string); ok {
				h.Version = s
			}
		case "p":
			n, _ := toInt(v)
			h.Port = n
		default:
			h.Unknown[k] = v
		}
	}
	return h, nil
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
