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

// Package session persists resume state (the torrent index, per-torrent
// state, raw .torrent/info-dict blobs, and DHT routing-table snapshots)
// through the host-supplied adapters.SessionStore key-value interface. No
// teacher package owns persistence this way (kraken's resume state lives in
// its origin cluster's blob/SQL backends, out of scope here); the key
// schema and JSON shapes follow spec.md §6 directly.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ograd/torrentengine/lib/adapters"
	"github.com/ograd/torrentengine/lib/dht"
)

const indexVersion = 2

// TorrentSource records how a torrent was added, for TorrentIndexEntry.
type TorrentSource string

const (
	SourceFile   TorrentSource = "file"
	SourceMagnet TorrentSource = "magnet"
)

// TorrentIndexEntry is one row of the "torrents" index key.
type TorrentIndexEntry struct {
	InfoHash  string        `json:"infoHash"`
	Source    TorrentSource `json:"source"`
	MagnetURI string        `json:"magnetUri,omitempty"`
	AddedAt   time.Time     `json:"addedAt"`
}

// TorrentIndex is the full "torrents" key value.
type TorrentIndex struct {
	Version  int                 `json:"version"`
	Torrents []TorrentIndexEntry `json:"torrents"`
}

// TorrentStateData is the per-torrent "torrent:<hex>:state" value.
type TorrentStateData struct {
	UserState      string         `json:"user_state"`
	StorageKey     string         `json:"storage_key"`
	QueuePosition  int            `json:"queue_position"`
	BitfieldHex    string         `json:"bitfield_hex"`
	Uploaded       int64          `json:"uploaded"`
	Downloaded     int64          `json:"downloaded"`
	FilePriorities map[string]int `json:"file_priorities"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// DHTNodeRecord is one entry of a persisted DHT routing-table snapshot.
type DHTNodeRecord struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DHTState is the "dht:state" key value.
type DHTState struct {
	NodeID       string `json:"nodeId"`
	RoutingTable struct {
		Nodes []DHTNodeRecord `json:"nodes"`
	} `json:"routingTable"`
}

// Store wraps a host-supplied adapters.SessionStore with the key schema and
// JSON marshaling spec.md §6 describes, plus a request-identifier
// generator (github.com/google/uuid, the same style of random-id minting
// spec.md's DHT transaction IDs use, but for the session layer's own
// bookkeeping, e.g. tagging a resume-load operation in logs).
type Store struct {
	backing adapters.SessionStore
}

// New wraps backing in a Store.
func New(backing adapters.SessionStore) *Store {
	return &Store{backing: backing}
}

// NewRequestID mints an opaque identifier for correlating a session
// operation across log lines.
func NewRequestID() string {
	return uuid.New().String()
}

const indexKey = "torrents"

func stateKey(hex string) string       { return fmt.Sprintf("torrent:%s:state", hex) }
func torrentFileKey(hex string) string { return fmt.Sprintf("torrent:%s:torrentfile", hex) }
func infoDictKey(hex string) string    { return fmt.Sprintf("torrent:%s:infodict", hex) }

const dhtStateKey = "dht:state"

func (s *Store) getJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	b, ok, err := s.backing.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("get %q: %s", key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("unmarshal %q: %s", key, err)
	}
	return true, nil
}

func (s *Store) setJSON(ctx context.Context, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %q: %s", key, err)
	}
	if err := s.backing.Put(ctx, key, b); err != nil {
		return fmt.Errorf("put %q: %s", key, err)
	}
	return nil
}

// LoadIndex returns the persisted torrent index, or an empty (version 2)
// index if none has been saved yet.
func (s *Store) LoadIndex(ctx context.Context) (TorrentIndex, error) {
	var idx TorrentIndex
	ok, err := s.getJSON(ctx, indexKey, &idx)
	if err != nil {
		return TorrentIndex{}, err
	}
	if !ok {
		return TorrentIndex{Version: indexVersion}, nil
	}
	return idx, nil
}

// SaveIndex persists the full torrent index.
func (s *Store) SaveIndex(ctx context.Context, idx TorrentIndex) error {
	idx.Version = indexVersion
	return s.setJSON(ctx, indexKey, idx)
}

// AddTorrent appends entry to the index, replacing any existing entry for
// the same info hash, and persists the result.
func (s *Store) AddTorrent(ctx context.Context, entry TorrentIndexEntry) error {
	idx, err := s.LoadIndex(ctx)
	if err != nil {
		return err
	}
	for i, e := range idx.Torrents {
		if e.InfoHash == entry.InfoHash {
			idx.Torrents[i] = entry
			return s.SaveIndex(ctx, idx)
		}
	}
	idx.Torrents = append(idx.Torrents, entry)
	return s.SaveIndex(ctx, idx)
}

// RemoveTorrent deletes infoHashHex from the index and every per-torrent key
// associated with it.
func (s *Store) RemoveTorrent(ctx context.Context, infoHashHex string) error {
	idx, err := s.LoadIndex(ctx)
	if err != nil {
		return err
	}
	filtered := idx.Torrents[:0]
	for _, e := range idx.Torrents {
		if e.InfoHash != infoHashHex {
			filtered = append(filtered, e)
		}
	}
	idx.Torrents = filtered
	if err := s.SaveIndex(ctx, idx); err != nil {
		return err
	}

	for _, key := range []string{stateKey(infoHashHex), torrentFileKey(infoHashHex), infoDictKey(infoHashHex)} {
		if err := s.backing.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %q: %s", key, err)
		}
	}
	return nil
}

// LoadState returns the persisted state for infoHashHex, if any.
func (s *Store) LoadState(ctx context.Context, infoHashHex string) (TorrentStateData, bool, error) {
	var st TorrentStateData
	ok, err := s.getJSON(ctx, stateKey(infoHashHex), &st)
	return st, ok, err
}

// SaveState persists per-torrent resume state.
func (s *Store) SaveState(ctx context.Context, infoHashHex string, st TorrentStateData) error {
	return s.setJSON(ctx, stateKey(infoHashHex), st)
}

// SaveTorrentFile persists the raw bencoded .torrent bytes, base64-encoded
// per spec.md §6.
func (s *Store) SaveTorrentFile(ctx context.Context, infoHashHex string, raw []byte) error {
	return s.backing.Put(ctx, torrentFileKey(infoHashHex), []byte(base64.StdEncoding.EncodeToString(raw)))
}

// LoadTorrentFile returns the raw .torrent bytes, if persisted.
func (s *Store) LoadTorrentFile(ctx context.Context, infoHashHex string) ([]byte, bool, error) {
	return s.loadBase64(ctx, torrentFileKey(infoHashHex))
}

// SaveInfoDict persists the raw bencoded info-dict bytes, base64-encoded.
func (s *Store) SaveInfoDict(ctx context.Context, infoHashHex string, raw []byte) error {
	return s.backing.Put(ctx, infoDictKey(infoHashHex), []byte(base64.StdEncoding.EncodeToString(raw)))
}

// LoadInfoDict returns the raw info-dict bytes, if persisted.
func (s *Store) LoadInfoDict(ctx context.Context, infoHashHex string) ([]byte, bool, error) {
	return s.loadBase64(ctx, infoDictKey(infoHashHex))
}

func (s *Store) loadBase64(ctx context.Context, key string) ([]byte, bool, error) {
	b, ok, err := s.backing.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %s", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	raw, err := base64.StdEncoding.DecodeString(string(b))
	if err != nil {
		return nil, false, fmt.Errorf("decode %q: %s", key, err)
	}
	return raw, true, nil
}

// LoadDHTState returns the persisted DHT node identity and routing-table
// snapshot, if any.
func (s *Store) LoadDHTState(ctx context.Context) (DHTState, bool, error) {
	var st DHTState
	ok, err := s.getJSON(ctx, dhtStateKey, &st)
	return st, ok, err
}

// SaveDHTState persists the DHT node identity and routing-table snapshot.
func (s *Store) SaveDHTState(ctx context.Context, st DHTState) error {
	return s.setJSON(ctx, dhtStateKey, st)
}

// SaveDHTSnapshot persists a dht.Node's identity and current routing table,
// converting lib/dht's types into the JSON shape spec.md §6 names for
// "dht:state".
func (s *Store) SaveDHTSnapshot(ctx context.Context, localID dht.ID, table *dht.RoutingTable) error {
	var st DHTState
	st.NodeID = localID.String()
	for _, n := range table.All() {
		st.RoutingTable.Nodes = append(st.RoutingTable.Nodes, DHTNodeRecord{
			ID:   n.ID.String(),
			Host: n.Host,
			Port: n.Port,
		})
	}
	return s.SaveDHTState(ctx, st)
}

// LoadDHTBootstrap returns the persisted local node ID (generating a fresh
// one if none was saved) and the bootstrap node list to seed a fresh
// dht.RoutingTable from, restoring a DHT node's identity and peers across a
// restart.
func (s *Store) LoadDHTBootstrap(ctx context.Context) (dht.ID, []dht.NodeInfo, error) {
	st, ok, err := s.LoadDHTState(ctx)
	if err != nil {
		return dht.ID{}, nil, err
	}
	if !ok {
		id, err := dht.NewRandomID()
		return id, nil, err
	}

	id, ok := dht.IDFromHex(st.NodeID)
	if !ok {
		newID, err := dht.NewRandomID()
		return newID, nil, err
	}

	nodes := make([]dht.NodeInfo, 0, len(st.RoutingTable.Nodes))
	for _, rec := range st.RoutingTable.Nodes {
		nodeID, ok := dht.IDFromHex(rec.ID)
		if !ok {
			continue
		}
		nodes = append(nodes, dht.NodeInfo{ID: nodeID, Host: rec.Host, Port: rec.Port})
	}
	return id, nodes, nil
}
