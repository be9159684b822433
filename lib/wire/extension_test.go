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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtensionHandshakeRoundTrip(t *testing.T) {
	require := require.New(t)

	h := ExtensionHandshake{
		M:            map[string]int{ExtensionMetadata: 1, ExtensionPEX: 2},
		MetadataSize: 12345,
		Version:      "torrentengine/1.0",
	}

	b, err := EncodeExtensionHandshake(h)
	require.NoError(err)

	got, err := DecodeExtensionHandshake(b)
	require.NoError(err)
	require.Equal(h.M, got.M)
	require.Equal(h.MetadataSize, got.MetadataSize)
	require.Equal(h.Version, got.Version)
}

func TestExtensionHandshakePreservesUnknownKeys(t *testing.T) {
	require := require.New(t)

	h := ExtensionHandshake{
		M:       map[string]int{ExtensionMetadata: 1},
		Unknown: map[string]interface{}{"reqq": int64(250)},
	}

	b, err := EncodeExtensionHandshake(h)
	require.NoError(err)

	got, err := DecodeExtensionHandshake(b)
	require.NoError(err)
	require.Equal(int64(250), got.Unknown["reqq"])
}
