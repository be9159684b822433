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
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// BucketSize is the maximum number of entries (k) held by any one bucket.
const BucketSize = 8

// QuestionableAfter is how long a node may go unseen before it is considered
// questionable and must be revalidated before being served as a candidate.
const QuestionableAfter = 15 * time.Minute

// NodeInfo identifies one remote DHT node by ID and UDP endpoint.
type NodeInfo struct {
	ID   ID
	Host string
	Port int
}

// nodeEntry is a routing-table slot: a NodeInfo plus the bookkeeping needed
// to decide staleness and LRU eviction order.
type nodeEntry struct {
	NodeInfo
	lastSeen time.Time
	failures int
}

func (e *nodeEntry) questionable(clk clock.Clock) bool {
	return clk.Now().Sub(e.lastSeen) > QuestionableAfter
}

// bucket covers the ID range [min, max) (as a common-prefix-length depth, not
// literal numeric bounds) and holds up to BucketSize entries in LRU order
// (front = most recently seen).
type bucket struct {
	prefixLen   int // Number of leading bits this bucket's range shares with the owning table's local ID.
	entries     *list.List // of *nodeEntry, most-recently-seen at Front.
	lastChanged time.Time
}

func newBucket(prefixLen int, clk clock.Clock) *bucket {
	return &bucket{prefixLen: prefixLen, entries: list.New(), lastChanged: clk.Now()}
}

func (b *bucket) find(id ID) *list.Element {
	for e := b.entries.Front(); e != nil; e = e.Next() {
		if e.Value.(*nodeEntry).ID == id {
			return e
		}
	}
	return nil
}

func (b *bucket) covers(localID, id ID) bool {
	return localID.CommonPrefixLen(id) >= b.prefixLen
}

// RoutingTable is a Kademlia bucket tree rooted at one bucket covering the
// whole 160-bit space, splitting only along the path that contains the local
// ID, per spec.md's §4.8 addNode algorithm.
type RoutingTable struct {
	localID ID
	clk     clock.Clock

	mu      sync.Mutex
	buckets []*bucket // Ordered by ascending prefixLen; buckets[0] covers the whole space until split.

	// pinger is invoked to revalidate a bucket's stalest entry before it is
	// evicted in favor of a new candidate; returns whether the entry is
	// still reachable.
	pinger func(NodeInfo) bool
}

// NewRoutingTable creates a RoutingTable for localID. pinger, if non-nil, is
// used to revalidate a bucket's stalest entry on eviction pressure; pass nil
// in tests that don't exercise that path (eviction then always honors the
// existing entry).
func NewRoutingTable(localID ID, clk clock.Clock, pinger func(NodeInfo) bool) *RoutingTable {
	if clk == nil {
		clk = clock.New()
	}
	return &RoutingTable{
		localID: localID,
		clk:     clk,
		buckets: []*bucket{newBucket(0, clk)},
		pinger:  pinger,
	}
}

// bucketFor returns the index of the bucket covering id. Caller must hold mu.
func (t *RoutingTable) bucketFor(id ID) int {
	cpl := t.localID.CommonPrefixLen(id)
	// Buckets are ordered by ascending prefixLen; the covering bucket is the
	// last one whose prefixLen is <= cpl.
	idx := 0
	for i, b := range t.buckets {
		if b.prefixLen <= cpl {
			idx = i
		}
	}
	return idx
}

// AddNode inserts or refreshes n in the routing table. Self-entries are
// ignored.
func (t *RoutingTable) AddNode(n NodeInfo) {
	if n.ID == t.localID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addNodeLocked(n)
}

func (t *RoutingTable) addNodeLocked(n NodeInfo) {
	idx := t.bucketFor(n.ID)
	b := t.buckets[idx]

	if el := b.find(n.ID); el != nil {
		entry := el.Value.(*nodeEntry)
		entry.Host, entry.Port = n.Host, n.Port
		entry.lastSeen = t.clk.Now()
		entry.failures = 0
		b.entries.MoveToFront(el)
		b.lastChanged = t.clk.Now()
		return
	}

	if b.entries.Len() < BucketSize {
		b.entries.PushFront(&nodeEntry{NodeInfo: n, lastSeen: t.clk.Now()})
		b.lastChanged = t.clk.Now()
		return
	}

	if idx == t.bucketFor(t.localID) && b.prefixLen < IDLength*8 {
		t.splitLocked(idx)
		t.addNodeLocked(n)
		return
	}

	// Bucket is full and doesn't cover our own ID: ping the stalest entry
	// and only replace it if unreachable.
	stalest := b.entries.Back()
	stale := stalest.Value.(*nodeEntry)
	if t.pinger != nil && t.pinger(stale.NodeInfo) {
		stale.lastSeen = t.clk.Now()
		stale.failures = 0
		b.entries.MoveToFront(stalest)
		return
	}
	b.entries.Remove(stalest)
	b.entries.PushFront(&nodeEntry{NodeInfo: n, lastSeen: t.clk.Now()})
	b.lastChanged = t.clk.Now()
}

// splitLocked replaces buckets[idx], which must cover the local ID, with a
// bucket at prefixLen holding the entries that differ from the local ID at
// bit prefixLen and a bucket at prefixLen+1 covering the local ID, keeping
// buckets ordered by ascending prefixLen.
func (t *RoutingTable) splitLocked(idx int) {
	old := t.buckets[idx]
	left := newBucket(old.prefixLen+1, t.clk)
	right := newBucket(old.prefixLen, t.clk)

	for e := old.entries.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*nodeEntry)
		if left.covers(t.localID, entry.ID) {
			left.entries.PushBack(entry)
		} else {
			right.entries.PushBack(entry)
		}
	}

	t.buckets = append(t.buckets[:idx], append([]*bucket{right, left}, t.buckets[idx+1:]...)...)
}

// RemoveNode deletes id from the routing table, if present.
func (t *RoutingTable) RemoveNode(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buckets[t.bucketFor(id)]
	if el := b.find(id); el != nil {
		b.entries.Remove(el)
	}
}

// RecordFailure increments id's failure count and removes the entry once it
// reaches maxRecordedFailures consecutive failures (a later AddNode of the
// same ID resets the count).
func (t *RoutingTable) RecordFailure(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buckets[t.bucketFor(id)]
	if el := b.find(id); el != nil {
		entry := el.Value.(*nodeEntry)
		entry.failures++
		if entry.failures >= maxRecordedFailures {
			b.entries.Remove(el)
		}
	}
}

// Closest returns up to k NodeInfos ordered by ascending XOR distance from
// target, excluding the local ID.
func (t *RoutingTable) Closest(target ID, k int) []NodeInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := make([]NodeInfo, 0, BucketSize*len(t.buckets))
	for _, b := range t.buckets {
		for e := b.entries.Front(); e != nil; e = e.Next() {
			all = append(all, e.Value.(*nodeEntry).NodeInfo)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return target.Distance(all[i].ID).Less(target.Distance(all[j].ID))
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

// All returns every node currently held in the routing table, in no
// particular order, for session-state snapshotting.
func (t *RoutingTable) All() []NodeInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := make([]NodeInfo, 0, BucketSize*len(t.buckets))
	for _, b := range t.buckets {
		for e := b.entries.Front(); e != nil; e = e.Next() {
			all = append(all, e.Value.(*nodeEntry).NodeInfo)
		}
	}
	return all
}

// Len returns the total number of nodes across every bucket.
func (t *RoutingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, b := range t.buckets {
		n += b.entries.Len()
	}
	return n
}

// StaleBuckets returns the prefixLen of every bucket whose lastChanged
// exceeds staleAfter, so callers can refresh them with a find_node targeted
// at a random ID within range.
func (t *RoutingTable) StaleBuckets(staleAfter time.Duration) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var stale []int
	now := t.clk.Now()
	for _, b := range t.buckets {
		if now.Sub(b.lastChanged) > staleAfter {
			stale = append(stale, b.prefixLen)
		}
	}
	return stale
}
