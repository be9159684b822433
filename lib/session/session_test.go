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
package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ograd/torrentengine/lib/dht"
)

// memStore is an in-memory adapters.SessionStore used only by this
// package's tests; a real host would back this with its own KV engine.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[key]
	return b, ok, nil
}

func (m *memStore) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func TestLoadIndexEmptyReturnsVersionedZeroValue(t *testing.T) {
	require := require.New(t)
	s := New(newMemStore())

	idx, err := s.LoadIndex(context.Background())
	require.NoError(err)
	require.Equal(indexVersion, idx.Version)
	require.Empty(idx.Torrents)
}

func TestAddAndRemoveTorrentFromIndex(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s := New(newMemStore())

	entry := TorrentIndexEntry{InfoHash: "aabb", Source: SourceMagnet, MagnetURI: "magnet:?xt=urn:btih:aabb", AddedAt: time.Unix(1000, 0)}
	require.NoError(s.AddTorrent(ctx, entry))

	idx, err := s.LoadIndex(ctx)
	require.NoError(err)
	require.Len(idx.Torrents, 1)
	require.Equal(entry, idx.Torrents[0])

	// Re-adding the same info hash replaces rather than duplicates.
	entry.MagnetURI = "magnet:?xt=urn:btih:aabb&dn=updated"
	require.NoError(s.AddTorrent(ctx, entry))
	idx, err = s.LoadIndex(ctx)
	require.NoError(err)
	require.Len(idx.Torrents, 1)
	require.Equal(entry.MagnetURI, idx.Torrents[0].MagnetURI)

	require.NoError(s.RemoveTorrent(ctx, "aabb"))
	idx, err = s.LoadIndex(ctx)
	require.NoError(err)
	require.Empty(idx.Torrents)
}

func TestSaveAndLoadState(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s := New(newMemStore())

	st := TorrentStateData{
		UserState:     "downloading",
		StorageKey:    "default",
		QueuePosition: 2,
		BitfieldHex:   "ff00",
		Uploaded:      100,
		Downloaded:    200,
		FilePriorities: map[string]int{"0": 1},
		UpdatedAt:     time.Unix(2000, 0),
	}
	require.NoError(s.SaveState(ctx, "aabb", st))

	got, ok, err := s.LoadState(ctx, "aabb")
	require.NoError(err)
	require.True(ok)
	require.Equal(st.UserState, got.UserState)
	require.Equal(st.BitfieldHex, got.BitfieldHex)

	_, ok, err = s.LoadState(ctx, "ccdd")
	require.NoError(err)
	require.False(ok)
}

func TestSaveAndLoadTorrentFileRoundTripsBase64(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	store := newMemStore()
	s := New(store)

	raw := []byte("d8:announce...e")
	require.NoError(s.SaveTorrentFile(ctx, "aabb", raw))

	// The backing store must hold base64 text, per spec.md's wire shape.
	b, ok, err := store.Get(ctx, "torrent:aabb:torrentfile")
	require.NoError(err)
	require.True(ok)
	require.NotContains(string(b), "announce")

	got, ok, err := s.LoadTorrentFile(ctx, "aabb")
	require.NoError(err)
	require.True(ok)
	require.Equal(raw, got)
}

func TestSaveAndLoadInfoDict(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s := New(newMemStore())

	raw := []byte("d4:name5:helloe")
	require.NoError(s.SaveInfoDict(ctx, "aabb", raw))

	got, ok, err := s.LoadInfoDict(ctx, "aabb")
	require.NoError(err)
	require.True(ok)
	require.Equal(raw, got)
}

func TestRemoveTorrentDeletesAllAssociatedKeys(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	store := newMemStore()
	s := New(store)

	require.NoError(s.AddTorrent(ctx, TorrentIndexEntry{InfoHash: "aabb", Source: SourceFile}))
	require.NoError(s.SaveState(ctx, "aabb", TorrentStateData{}))
	require.NoError(s.SaveTorrentFile(ctx, "aabb", []byte("x")))
	require.NoError(s.SaveInfoDict(ctx, "aabb", []byte("y")))

	require.NoError(s.RemoveTorrent(ctx, "aabb"))

	_, ok, _ := s.LoadState(ctx, "aabb")
	require.False(ok)
	_, ok, _ = s.LoadTorrentFile(ctx, "aabb")
	require.False(ok)
	_, ok, _ = s.LoadInfoDict(ctx, "aabb")
	require.False(ok)
}

func TestDHTSnapshotRoundTrip(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s := New(newMemStore())

	localID, err := dht.NewRandomID()
	require.NoError(err)
	rt := dht.NewRoutingTable(localID, nil, nil)

	other, err := dht.NewRandomID()
	require.NoError(err)
	rt.AddNode(dht.NodeInfo{ID: other, Host: "10.0.0.1", Port: 6881})

	require.NoError(s.SaveDHTSnapshot(ctx, localID, rt))

	restoredID, bootstrap, err := s.LoadDHTBootstrap(ctx)
	require.NoError(err)
	require.Equal(localID, restoredID)
	require.Len(bootstrap, 1)
	require.Equal(other, bootstrap[0].ID)
	require.Equal("10.0.0.1", bootstrap[0].Host)
}

func TestLoadDHTBootstrapGeneratesFreshIDWhenAbsent(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s := New(newMemStore())

	id, bootstrap, err := s.LoadDHTBootstrap(ctx)
	require.NoError(err)
	require.NotEqual(dht.ID{}, id)
	require.Empty(bootstrap)
}

func TestNewRequestIDIsUnique(t *testing.T) {
	require := require.New(t)
	require.NotEqual(NewRequestID(), NewRequestID())
}
