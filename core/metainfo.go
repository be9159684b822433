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
package core

import (
	"bytes"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	bencode "github.com/jackpal/bencode-go"
)

// FileEntry describes one file within a multi-file torrent, relative to the
// info dict's Name directory.
type FileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// infoDict is the bencoded shape of the info dict, shared by single-file and
// multi-file torrents per BEP-3.
type infoDict struct {
	PieceLength int64       `bencode:"piece length"`
	Pieces      string      `bencode:"pieces"`
	Name        string      `bencode:"name"`
	Length      int64       `bencode:"length,omitempty"`
	Files       []FileEntry `bencode:"files,omitempty"`
	Private     int         `bencode:"private,omitempty"`
}

// metaInfoFile is the bencoded shape of a .torrent file.
type metaInfoFile struct {
	Announce     string     `bencode:"announce,omitempty"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
	Info         infoDict   `bencode:"info"`
	Comment      string     `bencode:"comment,omitempty"`
	CreatedBy    string     `bencode:"created by,omitempty"`
}

// MetaInfo is the parsed, validated representation of a torrent's metadata:
// the info dict plus the tracker announce list. It is the authoritative
// description of a torrent's file layout and piece hashes.
type MetaInfo struct {
	name        string
	pieceLength int64
	pieces      []PieceHash
	files       []FileEntry // len == 1 and files[0].Path == nil for single-file torrents.
	announce    string
	announceList [][]string
	infoHash    InfoHash
	rawInfo     []byte
}

// NewMetaInfoFromBytes parses and validates a .torrent file's raw bytes.
func NewMetaInfoFromBytes(b []byte) (*MetaInfo, error) {
	var m metaInfoFile
	if err := bencode.Unmarshal(bytes.NewReader(b), &m); err != nil {
		return nil, fmt.Errorf("bdecode: %s", err)
	}
	return newMetaInfo(&m)
}

// NewMetaInfo reads and validates a .torrent file from r.
func NewMetaInfo(r io.Reader) (*MetaInfo, error) {
	var m metaInfoFile
	if err := bencode.Unmarshal(r, &m); err != nil {
		return nil, fmt.Errorf("bdecode: %s", err)
	}
	return newMetaInfo(&m)
}

func newMetaInfo(m *metaInfoFile) (*MetaInfo, error) {
	if m.Info.PieceLength <= 0 {
		return nil, errors.New("metainfo: missing or invalid piece length")
	}
	if len(m.Info.Pieces)%20 != 0 {
		return nil, errors.New("metainfo: pieces field is not a multiple of 20 bytes")
	}
	if m.Info.Name == "" {
		return nil, errors.New("metainfo: missing name")
	}

	var files []FileEntry
	if len(m.Info.Files) > 0 {
		if m.Info.Length != 0 {
			return nil, errors.New("metainfo: both length and files set")
		}
		files = m.Info.Files
	} else {
		if m.Info.Length <= 0 {
			return nil, errors.New("metainfo: missing length")
		}
		files = []FileEntry{{Length: m.Info.Length}}
	}

	n := len(m.Info.Pieces) / 20
	pieces := make([]PieceHash, n)
	for i := 0; i < n; i++ {
		copy(pieces[i][:], m.Info.Pieces[i*20:(i+1)*20])
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, m.Info); err != nil {
		return nil, fmt.Errorf("re-encode info dict: %s", err)
	}
	infoHash := NewInfoHashFromBytes(buf.Bytes())

	return &MetaInfo{
		name:         m.Info.Name,
		pieceLength:  m.Info.PieceLength,
		pieces:       pieces,
		files:        files,
		announce:     m.Announce,
		announceList: m.AnnounceList,
		infoHash:     infoHash,
		rawInfo:      buf.Bytes(),
	}, nil
}

// NewMetaInfoFromInfoBytes rebuilds a MetaInfo purely from an info dict's raw
// bytes, as reassembled from ut_metadata piece exchange. No announce list is
// known in this case.
func NewMetaInfoFromInfoBytes(infoBytes []byte) (*MetaInfo, error) {
	var info infoDict
	if err := bencode.Unmarshal(bytes.NewReader(infoBytes), &info); err != nil {
		return nil, fmt.Errorf("bdecode info dict: %s", err)
	}
	return newMetaInfo(&metaInfoFile{Info: info})
}

// Name returns the torrent's suggested name, used as the containing
// directory name for multi-file torrents.
func (m *MetaInfo) Name() string { return m.name }

// InfoHash returns the torrent's info hash.
func (m *MetaInfo) InfoHash() InfoHash { return m.infoHash }

// PieceLength returns the nominal length of each piece, except possibly the
// last.
func (m *MetaInfo) PieceLength() int64 { return m.pieceLength }

// NumPieces returns the number of pieces in the torrent.
func (m *MetaInfo) NumPieces() int { return len(m.pieces) }

// GetPieceHash returns the expected SHA1 hash of piece pi.
func (m *MetaInfo) GetPieceHash(pi int) PieceHash { return m.pieces[pi] }

// GetPieceLength returns the length of piece pi, accounting for the final,
// possibly truncated piece.
func (m *MetaInfo) GetPieceLength(pi int) int64 {
	if pi == len(m.pieces)-1 {
		if rem := m.Length() % m.pieceLength; rem != 0 {
			return rem
		}
	}
	return m.pieceLength
}

// Length returns the total byte length of the torrent's content across all
// files.
func (m *MetaInfo) Length() int64 {
	var total int64
	for _, f := range m.files {
		total += f.Length
	}
	return total
}

// Files returns the ordered file list. A single-file torrent returns one
// entry whose Path is empty.
func (m *MetaInfo) Files() []FileEntry { return m.files }

// Multifile returns whether the torrent spans more than one file.
func (m *MetaInfo) Multifile() bool { return len(m.files) > 1 || len(m.files[0].Path) > 0 }

// Announce returns the primary tracker announce URL, if any.
func (m *MetaInfo) Announce() string { return m.announce }

// AnnounceList returns the tiered tracker announce list, if any.
func (m *MetaInfo) AnnounceList() [][]string { return m.announceList }

// Trackers flattens the announce and announce-list fields into a single,
// deduplicated list of tracker URLs.
func (m *MetaInfo) Trackers() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}
	add(m.announce)
	for _, tier := range m.announceList {
		for _, u := range tier {
			add(u)
		}
	}
	return out
}

// RawInfo returns the exact bencoded bytes of the info dict, suitable for
// serving via ut_metadata or re-verifying the info hash.
func (m *MetaInfo) RawInfo() []byte { return m.rawInfo }

// Serialize bencodes m back into a .torrent file.
func (m *MetaInfo) Serialize(w io.Writer) error {
	pieces := make([]byte, 0, len(m.pieces)*20)
	for _, p := range m.pieces {
		pieces = append(pieces, p[:]...)
	}
	info := infoDict{
		PieceLength: m.pieceLength,
		Pieces:      string(pieces),
		Name:        m.name,
	}
	if m.Multifile() {
		info.Files = m.files
	} else {
		info.Length = m.files[0].Length
	}
	mf := metaInfoFile{
		Announce:     m.announce,
		AnnounceList: m.announceList,
		Info:         info,
	}
	return bencode.Marshal(w, mf)
}

// MagnetLink is a parsed "magnet:?xt=urn:btih:..." URI.
type MagnetLink struct {
	InfoHash    InfoHash
	DisplayName string
	Trackers    []string
}

// ParseMagnetLink parses a magnet URI per BEP-9, accepting both hex and
// base32 encoded info hashes.
func ParseMagnetLink(raw string) (*MagnetLink, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse uri: %s", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("not a magnet uri: scheme %q", u.Scheme)
	}
	q := u.Query()

	var infoHash InfoHash
	found := false
	for _, xt := range q["xt"] {
		const prefix = "urn:btih:"
		if !strings.HasPrefix(xt, prefix) {
			continue
		}
		enc := xt[len(prefix):]
		switch len(enc) {
		case 40:
			infoHash, err = NewInfoHashFromHex(enc)
			if err != nil {
				return nil, fmt.Errorf("invalid hex btih: %s", err)
			}
		case 32:
			b, err := base32.StdEncoding.DecodeString(strings.ToUpper(enc))
			if err != nil || len(b) != 20 {
				return nil, fmt.Errorf("invalid base32 btih: %s", enc)
			}
			copy(infoHash[:], b)
		default:
			return nil, fmt.Errorf("invalid btih length: %d", len(enc))
		}
		found = true
		break
	}
	if !found {
		return nil, errors.New("magnet uri missing xt=urn:btih:")
	}

	return &MagnetLink{
		InfoHash:    infoHash,
		DisplayName: q.Get("dn"),
		Trackers:    q["tr"],
	}, nil
}

// String renders m back into a magnet URI.
func (m *MagnetLink) String() string {
	v := url.Values{}
	v.Set("xt", "urn:btih:"+hex.EncodeToString(m.InfoHash.Bytes()))
	if m.DisplayName != "" {
		v.Set("dn", m.DisplayName)
	}
	var b strings.Builder
	b.WriteString("magnet:?xt=")
	b.WriteString(v.Get("xt"))
	if m.DisplayName != "" {
		b.WriteString("&dn=")
		b.WriteString(url.QueryEscape(m.DisplayName))
	}
	for _, tr := range m.Trackers {
		b.WriteString("&tr=")
		b.WriteString(url.QueryEscape(tr))
	}
	return b.String()
}
