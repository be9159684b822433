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

// Package swarm is the single source of truth for per-endpoint peer state
// within a torrent: the peer registry and the connection manager that scores
// and admits candidates, adapted from the teacher's connstate package to the
// full idle/connecting/connected/banned lifecycle spec.md §4.4 requires.
package swarm

import (
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/ograd/torrentengine/core"
	"github.com/ograd/torrentengine/internal/syncutil"
)

// Source identifies how a peer endpoint was discovered.
type Source string

// Discovery sources, used by connection scoring.
const (
	SourceManual   Source = "manual"
	SourceTracker  Source = "tracker"
	SourcePEX      Source = "pex"
	SourceDHT      Source = "dht"
	SourceIncoming Source = "incoming"
)

// State is a SwarmPeer's lifecycle state.
type State int

// SwarmPeer lifecycle states.
const (
	Idle State = iota
	Connecting
	Connected
	Banned
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Banned:
		return "banned"
	default:
		return "unknown"
	}
}

// key uniquely identifies an endpoint by ip/port/family, per spec.md's
// SwarmPeer uniqueness key.
type key struct {
	ip   string
	port int
}

// SwarmPeer tracks everything the swarm knows about one remote endpoint,
// whether or not a connection to it currently exists.
type SwarmPeer struct {
	IP     string
	Port   int
	PeerID core.PeerID // Zero until a handshake has been completed.

	mu                  sync.Mutex
	state               State
	source              Source
	connectFailures      int
	lastConnectAttempt  time.Time
	lastConnectSuccess  time.Time
	totalDownloaded     int64
	banReason           string

	Counters *syncutil.Counters
}

func newSwarmPeer(ip string, port int, source Source) *SwarmPeer {
	return &SwarmPeer{
		IP:       ip,
		Port:     port,
		source:   source,
		state:    Idle,
		Counters: syncutil.NewCounters(),
	}
}

// State returns the peer's current lifecycle state.
func (p *SwarmPeer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Source returns the peer's discovery source.
func (p *SwarmPeer) Source() Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source
}

func (p *SwarmPeer) String() string {
	return fmt.Sprintf("SwarmPeer(%s:%d, state=%s)", p.IP, p.Port, p.State())
}

// Registry is the swarm's source of truth for a single torrent's known
// endpoints, keyed by ip:port.
type Registry struct {
	clk clock.Clock

	mu    sync.Mutex
	peers map[key]*SwarmPeer
}

// NewRegistry creates an empty Registry.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{clk: clk, peers: make(map[key]*SwarmPeer)}
}

// AddPeer returns the existing SwarmPeer for (ip, port) or creates one with
// the given discovery source. A peer discovered via a higher-trust source
// (manual/tracker) never has its source downgraded by a later pex/dht sighting.
func (r *Registry) AddPeer(ip string, port int, source Source) *SwarmPeer {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{ip, port}
	if p, ok := r.peers[k]; ok {
		return p
	}
	p := newSwarmPeer(ip, port, source)
	r.peers[k] = p
	return p
}

// Get returns the SwarmPeer for (ip, port), if known.
func (r *Registry) Get(ip string, port int) (*SwarmPeer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[key{ip, port}]
	return p, ok
}

// All returns a snapshot of every known SwarmPeer.
func (r *Registry) All() []*SwarmPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*SwarmPeer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// CountByState returns the number of known peers in the given state.
func (r *Registry) CountByState(s State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.peers {
		if p.State() == s {
			n++
		}
	}
	return n
}

// MarkConnecting transitions p from idle to connecting. Returns false if p
// was not idle.
func (r *Registry) MarkConnecting(p *SwarmPeer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Idle {
		return false
	}
	p.state = Connecting
	p.lastConnectAttempt = r.clk.Now()
	return true
}

// MarkConnected transitions p to connected and records its peer id, as
// known once the handshake has completed.
func (r *Registry) MarkConnected(p *SwarmPeer, peerID core.PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = Connected
	p.PeerID = peerID
	p.lastConnectSuccess = r.clk.Now()
	p.connectFailures = 0
}

// MarkIdle transitions p back to idle, e.g. after a connection closes
// cleanly.
func (r *Registry) MarkIdle(p *SwarmPeer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Banned {
		return
	}
	p.state = Idle
}

// MarkConnectFailure records a failed connection attempt and returns p to
// idle.
func (r *Registry) MarkConnectFailure(p *SwarmPeer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Banned {
		return
	}
	p.connectFailures++
	p.state = Idle
}

// Ban permanently marks p as banned, e.g. after self-connection detection
// or a corruption verdict.
func (r *Registry) Ban(p *SwarmPeer, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = Banned
	p.banReason = reason
}

// RecordDownloaded adds n bytes to p's total downloaded tally, used by the
// connection-scoring bonus.
func (r *Registry) RecordDownloaded(p *SwarmPeer, n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalDownloaded += n
}

// Remove deletes a peer from the registry entirely, e.g. on pruning very old
// idle candidates.
func (r *Registry) Remove(p *SwarmPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, key{p.IP, p.Port})
}
