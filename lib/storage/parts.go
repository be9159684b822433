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
package storage

import (
	"bytes"
	"sort"
	"strconv"
	"sync"

	bencode "github.com/jackpal/bencode-go"

	"github.com/ograd/torrentengine/core"
	"github.com/ograd/torrentengine/lib/adapters"
)

// partsFile is the `<infohash>.parts` sidecar: a bencoded dict of piece
// index (as a decimal string key) to raw piece bytes, holding boundary
// pieces whose wanted portion is complete but whose skipped-file portion
// is not yet safe to write into the real files.
type partsFile struct {
	mu   sync.RWMutex
	path string
	fs   adapters.FileSystem

	pieces map[int][]byte
}

func partsPath(infoHash core.InfoHash) string {
	return infoHash.Hex() + ".parts"
}

// loadPartsFile reads the sidecar from fs if present, or returns an empty
// one.
func loadPartsFile(fs adapters.FileSystem, infoHash core.InfoHash) (*partsFile, error) {
	pf := &partsFile{path: partsPath(infoHash), fs: fs, pieces: make(map[int][]byte)}
	if !fs.Exists(pf.path) {
		return pf, nil
	}
	info, err := fs.Stat(pf.path)
	if err != nil {
		return nil, err
	}
	h, err := fs.Open(pf.path, adapters.ReadOnly)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	buf := make([]byte, info.Size)
	if _, err := h.ReadAt(buf, 0); err != nil && info.Size > 0 {
		return nil, err
	}
	raw := make(map[string]string)
	if len(buf) > 0 {
		if err := bencode.Unmarshal(bytes.NewReader(buf), &raw); err != nil {
			return nil, err
		}
	}
	for k, v := range raw {
		pi, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		pf.pieces[pi] = []byte(v)
	}
	return pf, nil
}

// Put stores piece pi's bytes in the sidecar.
func (pf *partsFile) Put(pi int, data []byte) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	pf.pieces[pi] = cp
}

// Get returns piece pi's bytes from the sidecar, if present.
func (pf *partsFile) Get(pi int) ([]byte, bool) {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	b, ok := pf.pieces[pi]
	return b, ok
}

// Has reports whether piece pi is held in the sidecar.
func (pf *partsFile) Has(pi int) bool {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	_, ok := pf.pieces[pi]
	return ok
}

// Remove deletes piece pi from the sidecar, e.g. once its skipped-file
// portion becomes wanted and the whole piece is flushed to the real files.
func (pf *partsFile) Remove(pi int) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	delete(pf.pieces, pi)
}

// Pieces returns the sorted set of piece indices currently held.
func (pf *partsFile) Pieces() []int {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	out := make([]int, 0, len(pf.pieces))
	for pi := range pf.pieces {
		out = append(out, pi)
	}
	sort.Ints(out)
	return out
}

// Flush serializes the sidecar dict to disk.
func (pf *partsFile) Flush() error {
	pf.mu.RLock()
	raw := make(map[string]string, len(pf.pieces))
	for pi, data := range pf.pieces {
		raw[strconv.Itoa(pi)] = string(data)
	}
	pf.mu.RUnlock()

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, raw); err != nil {
		return err
	}

	h, err := pf.fs.Open(pf.path, adapters.Create)
	if err != nil {
		return err
	}
	defer h.Close()
	if err := h.Truncate(0); err != nil {
		return err
	}
	_, err = h.WriteAt(buf.Bytes(), 0)
	return err
}
