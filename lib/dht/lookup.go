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
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// endpointKey identifies a node by its dialable address, used to dedup
// candidates that report the same host:port under different or unknown IDs.
type endpointKey string

func keyOf(n NodeInfo) endpointKey {
	return endpointKey(n.Host + ":" + itoaPort(n.Port))
}

// LookupResult is the outcome of an iterative get_peers lookup: any peers
// discovered, a token per responding endpoint (for a follow-up
// announce_peer), the K closest nodes found to the target, and how many
// KRPC queries the lookup issued.
type LookupResult struct {
	Peers        []NodeInfo
	Tokens       map[string]lookupToken
	ClosestNodes []NodeInfo
	QueriedCount int
}

type lookupToken struct {
	Node  NodeInfo
	Token string
}

type lookupCandidate struct {
	NodeInfo
	queried   bool
	responded bool
}

// GetPeersLookup runs BEP-5's iterative get_peers lookup for infoHash: starting
// from the K nodes closest to it in the local routing table, it queries up
// to Alpha nodes in parallel, merging newly discovered nodes into the
// frontier, until no unqueried candidate remains closer than the best K
// responses seen so far. Grounded in the errgroup.WithContext fan-out idiom
// used elsewhere in the retrieved pack for bounded-parallelism worker
// dispatch.
func (n *Node) GetPeersLookup(ctx context.Context, infoHash ID) (LookupResult, error) {
	return n.lookup(ctx, infoHash, true)
}

// FindNodeLookup runs the same iterative algorithm as GetPeersLookup but
// using find_node, for routing-table bootstrap and bucket refresh.
func (n *Node) FindNodeLookup(ctx context.Context, target ID) (LookupResult, error) {
	return n.lookup(ctx, target, false)
}

func (n *Node) lookup(ctx context.Context, target ID, wantPeers bool) (LookupResult, error) {
	var mu sync.Mutex
	seen := make(map[endpointKey]*lookupCandidate)
	var peers []NodeInfo
	seenPeers := make(map[endpointKey]bool)
	tokens := make(map[string]lookupToken)
	queried := 0

	addCandidate := func(ni NodeInfo) {
		k := keyOf(ni)
		if _, ok := seen[k]; !ok {
			c := ni
			seen[k] = &lookupCandidate{NodeInfo: c}
		}
	}

	mu.Lock()
	for _, ni := range n.table.Closest(target, n.config.K) {
		addCandidate(ni)
	}
	mu.Unlock()

	for {
		mu.Lock()
		batch := n.selectUnqueried(seen, target)
		for _, c := range batch {
			c.queried = true
		}
		mu.Unlock()

		if len(batch) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, c := range batch {
			c := c
			g.Go(func() error {
				to := c.NodeInfo
				if wantPeers {
					res, err := n.GetPeers(gctx, to, target)
					mu.Lock()
					queried++
					mu.Unlock()
					if err != nil {
						return nil
					}
					mu.Lock()
					c.responded = true
					if res.Token != "" {
						tokens[string(to.Host)+":"+itoaPort(to.Port)] = lookupToken{Node: to, Token: res.Token}
					}
					for _, p := range res.Peers {
						pk := keyOf(p)
						if !seenPeers[pk] {
							seenPeers[pk] = true
							peers = append(peers, p)
						}
					}
					for _, nd := range res.Nodes {
						addCandidate(nd)
					}
					mu.Unlock()
					return nil
				}

				nodes, err := n.FindNode(gctx, to, target)
				mu.Lock()
				queried++
				mu.Unlock()
				if err != nil {
					return nil
				}
				mu.Lock()
				c.responded = true
				for _, nd := range nodes {
					addCandidate(nd)
				}
				mu.Unlock()
				return nil
			})
		}
		// Errors are swallowed per-query above; g.Wait only waits for
		// completion of this round's fan-out.
		_ = g.Wait()
	}

	mu.Lock()
	defer mu.Unlock()
	return LookupResult{
		Peers:        peers,
		Tokens:       tokens,
		ClosestNodes: n.table.Closest(target, n.config.K),
		QueriedCount: queried,
	}, nil
}

// selectUnqueried picks up to Alpha unqueried candidates that are closer to
// target than the current worst of the best-K responded candidates, per
// BEP-5's iterative lookup termination condition. Caller must hold the
// lookup's mutex.
func (n *Node) selectUnqueried(seen map[endpointKey]*lookupCandidate, target ID) []*lookupCandidate {
	all := make([]*lookupCandidate, 0, len(seen))
	for _, c := range seen {
		all = append(all, c)
	}
	sortCandidatesByDistance(all, target)

	var bound *ID
	responded := 0
	for _, c := range all {
		if c.responded {
			responded++
			if responded == n.config.K {
				d := target.Distance(c.ID)
				bound = &d
				break
			}
		}
	}

	var unqueried []*lookupCandidate
	for _, c := range all {
		if bound != nil && !target.Distance(c.ID).Less(*bound) {
			break
		}
		if !c.queried {
			unqueried = append(unqueried, c)
		}
		if len(unqueried) >= n.config.Alpha {
			break
		}
	}
	return unqueried
}

func sortCandidatesByDistance(cs []*lookupCandidate, target ID) {
	for i := 1; i < len(cs); i++ {
		for j := i; j > 0 && target.Distance(cs[j].ID).Less(target.Distance(cs[j-1].ID)); j-- {
			cs[j], cs[j-1] = cs[j-1], cs[j]
		}
	}
}

func itoaPort(p int) string {
	if p == 0 {
		return "0"
	}
	digits := [6]byte{}
	i := len(digits)
	for p > 0 {
		i--
		digits[i] = byte('0' + p%10)
		p /= 10
	}
	return string(digits[i:])
}

// Announce runs a GetPeers lookup for infoHash and then sends announce_peer
// (carrying the per-node token from the lookup) to each of the responding
// nodes that returned one, advertising the local node as a peer for
// infoHash on port.
func (n *Node) Announce(ctx context.Context, infoHash ID, port int) (LookupResult, error) {
	result, err := n.GetPeersLookup(ctx, infoHash)
	if err != nil {
		return result, err
	}
	var wg sync.WaitGroup
	for _, t := range result.Tokens {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = n.AnnouncePeer(ctx, t.Node, infoHash, port, t.Token)
		}()
	}
	wg.Wait()
	return result, nil
}
