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
package piecepicker

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/ograd/torrentengine/core"
)

// CorruptionConfig configures the CorruptionTracker.
type CorruptionConfig struct {
	// FailureWindow is how long a recorded piece-hash failure stays
	// eligible to contribute toward a peer's ban, before being pruned.
	FailureWindow time.Duration `yaml:"failure_window"`

	// MinFailuresForBan is the number of attributable failures a peer must
	// accrue before being banned in a healthy swarm (abundant alternative
	// sources, so a flaky peer can be cut loose quickly).
	MinFailuresForBan int `yaml:"min_failures_for_ban"`

	// MaxFailuresForBan is the number required in a sparse swarm (few
	// alternative sources, so tolerance is higher before a peer is cut off).
	MaxFailuresForBan int `yaml:"max_failures_for_ban"`
}

func (c CorruptionConfig) applyDefaults() CorruptionConfig {
	if c.FailureWindow == 0 {
		c.FailureWindow = 10 * time.Minute
	}
	if c.MinFailuresForBan == 0 {
		c.MinFailuresForBan = 3
	}
	if c.MaxFailuresForBan == 0 {
		c.MaxFailuresForBan = 3 * c.MinFailuresForBan
	}
	return c
}

// failureRecord is one piece-hash-verification failure attributed to a peer.
type failureRecord struct {
	at time.Time
}

// CorruptionTracker bans peers that repeatedly contribute corrupt piece
// data, per spec.md §4.5. A piece with exactly one contributor is banned
// immediately; pieces with multiple contributors require each contributor
// to accumulate effective_min_failures(swarm_health) failures before ban,
// since blame cannot be attributed to a single peer from one bad piece.
type CorruptionTracker struct {
	mu sync.Mutex

	config CorruptionConfig
	clk    clock.Clock

	failures map[core.PeerID][]failureRecord
	banned   map[core.PeerID]string
}

// NewCorruptionTracker creates a CorruptionTracker.
func NewCorruptionTracker(config CorruptionConfig, clk clock.Clock) *CorruptionTracker {
	if clk == nil {
		clk = clock.New()
	}
	return &CorruptionTracker{
		config:   config.applyDefaults(),
		clk:      clk,
		failures: make(map[core.PeerID][]failureRecord),
		banned:   make(map[core.PeerID]string),
	}
}

// effectiveMinFailures scales the ban threshold from MinFailuresForBan (a
// healthy swarm, many alternative sources, ban quickly) up to
// MaxFailuresForBan (a sparse swarm, few alternative sources, stay lenient)
// as swarm health drops. swarmHealth is in [0, 1], where 1 is maximally
// healthy.
func (ct *CorruptionTracker) effectiveMinFailures(swarmHealth float64) int {
	if swarmHealth < 0 {
		swarmHealth = 0
	}
	if swarmHealth > 1 {
		swarmHealth = 1
	}
	span := float64(ct.config.MaxFailuresForBan - ct.config.MinFailuresForBan)
	threshold := ct.config.MaxFailuresForBan - int(span*swarmHealth)
	if threshold < 1 {
		threshold = 1
	}
	return threshold
}

// RecordFailure attributes a hash-verification failure for pieceIndex to
// every peer in contributors. If there is exactly one contributor, it is
// banned immediately (sole contributor of a bad piece is unambiguously at
// fault). Otherwise each contributor's failure count is incremented, and
// any contributor whose count within FailureWindow reaches
// effective_min_failures(swarmHealth) is banned.
//
// Returns the set of peer IDs newly banned by this call.
func (ct *CorruptionTracker) RecordFailure(pieceIndex int, contributors []core.PeerID, swarmHealth float64) []core.PeerID {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	var newlyBanned []core.PeerID

	if len(contributors) == 1 {
		p := contributors[0]
		if _, already := ct.banned[p]; !already {
			ct.banned[p] = "sole contributor of corrupt piece"
			newlyBanned = append(newlyBanned, p)
		}
		return newlyBanned
	}

	now := ct.clk.Now()
	threshold := ct.effectiveMinFailures(swarmHealth)
	for _, p := range contributors {
		ct.failures[p] = append(pruneOlderThan(ct.failures[p], now, ct.config.FailureWindow), failureRecord{at: now})
		if len(ct.failures[p]) >= threshold {
			if _, already := ct.banned[p]; !already {
				ct.banned[p] = "repeated corrupt piece contributions"
				newlyBanned = append(newlyBanned, p)
			}
		}
	}
	return newlyBanned
}

func pruneOlderThan(records []failureRecord, now time.Time, window time.Duration) []failureRecord {
	kept := records[:0]
	for _, r := range records {
		if now.Sub(r.at) < window {
			kept = append(kept, r)
		}
	}
	return kept
}

// IsBanned reports whether p has been banned by this tracker, and if so,
// the reason.
func (ct *CorruptionTracker) IsBanned(p core.PeerID) (bool, string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	reason, ok := ct.banned[p]
	return ok, reason
}

// FailureCount returns the number of unpruned failures attributed to p.
func (ct *CorruptionTracker) FailureCount(p core.PeerID) int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(pruneOlderThan(ct.failures[p], ct.clk.Now(), ct.config.FailureWindow))
}
