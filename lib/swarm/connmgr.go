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
package swarm

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
)

// Config configures the ConnectionManager.
type Config struct {
	// CoolDownWindow is how recently a connect attempt must have occurred to
	// incur the cool-down penalty.
	CoolDownWindow time.Duration `yaml:"cool_down_window"`

	// MaxFailurePenalty caps how many connect failures count toward the
	// 20-point-per-failure score deduction.
	MaxFailurePenalty int `yaml:"max_failure_penalty"`

	// MinMaintenanceInterval/BaseMaintenanceInterval/MaxMaintenanceInterval
	// set the adaptive maintenance tick cadence of spec.md §4.4.
	MinMaintenanceInterval  time.Duration `yaml:"min_maintenance_interval"`
	BaseMaintenanceInterval time.Duration `yaml:"base_maintenance_interval"`
	MaxMaintenanceInterval  time.Duration `yaml:"max_maintenance_interval"`

	// SlowPeerChokedTimeout is how long a choked peer may go without
	// receiving bytes before being flagged slow.
	SlowPeerChokedTimeout time.Duration `yaml:"slow_peer_choked_timeout"`

	// SlowPeerMinRate is the minimum smoothed download rate (bytes/sec) an
	// unchoked, interested peer must sustain.
	SlowPeerMinRate float64 `yaml:"slow_peer_min_rate"`
}

func (c Config) applyDefaults() Config {
	if c.CoolDownWindow == 0 {
		c.CoolDownWindow = 60 * time.Second
	}
	if c.MaxFailurePenalty == 0 {
		c.MaxFailurePenalty = 100
	}
	if c.MinMaintenanceInterval == 0 {
		c.MinMaintenanceInterval = 500 * time.Millisecond
	}
	if c.BaseMaintenanceInterval == 0 {
		c.BaseMaintenanceInterval = 5 * time.Second
	}
	if c.MaxMaintenanceInterval == 0 {
		c.MaxMaintenanceInterval = 30 * time.Second
	}
	if c.SlowPeerChokedTimeout == 0 {
		c.SlowPeerChokedTimeout = 2 * time.Minute
	}
	if c.SlowPeerMinRate == 0 {
		c.SlowPeerMinRate = 1024 // 1 KB/s.
	}
	return c
}

// ConnectionManager scores and admits candidate peers for a torrent per
// spec.md §4.4.
type ConnectionManager struct {
	config Config
	clk    clock.Clock
	logger *zap.SugaredLogger
	reg    *Registry
}

// NewConnectionManager creates a ConnectionManager over reg.
func NewConnectionManager(config Config, clk clock.Clock, logger *zap.SugaredLogger, reg *Registry) *ConnectionManager {
	if clk == nil {
		clk = clock.New()
	}
	return &ConnectionManager{config: config.applyDefaults(), clk: clk, logger: logger, reg: reg}
}

// Score computes p's connection-attempt desirability per spec.md §4.4.
// Higher is better.
func (m *ConnectionManager) Score(p *SwarmPeer) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var score float64
	if !p.lastConnectSuccess.IsZero() {
		score += 50
	}
	switch p.source {
	case SourceManual:
		score += 20
	case SourceTracker:
		score += 10
	case SourcePEX, SourceDHT, SourceIncoming:
		score += 0
	}

	penalty := p.connectFailures
	if penalty > m.config.MaxFailurePenalty {
		penalty = m.config.MaxFailurePenalty
	}
	score -= 20 * float64(penalty)

	if !p.lastConnectAttempt.IsZero() && m.clk.Now().Sub(p.lastConnectAttempt) < m.config.CoolDownWindow {
		score -= 30
	}

	score += math.Log(1 + float64(p.totalDownloaded))
	score += rand.Float64() * 10

	return score
}

// SelectCandidates returns up to limit non-banned, idle SwarmPeers ranked by
// descending score.
func (m *ConnectionManager) SelectCandidates(limit int) []*SwarmPeer {
	all := m.reg.All()
	candidates := make([]*SwarmPeer, 0, len(all))
	for _, p := range all {
		if p.State() == Idle {
			candidates = append(candidates, p)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return m.Score(candidates[i]) > m.Score(candidates[j])
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// MaintenanceInterval returns the adaptive tick interval given the current
// connected-peer count relative to the torrent's peer cap.
func (m *ConnectionManager) MaintenanceInterval(numConnected, maxPeers int) time.Duration {
	if maxPeers <= 0 {
		return m.config.BaseMaintenanceInterval
	}
	ratio := float64(numConnected) / float64(maxPeers)
	switch {
	case ratio < 0.5:
		return m.config.MinMaintenanceInterval
	case ratio < 0.8:
		return m.config.BaseMaintenanceInterval
	default:
		return m.config.MaxMaintenanceInterval
	}
}

// PeerActivity summarizes a connected peer's recent traffic, used for slow
// peer detection.
type PeerActivity struct {
	Choked             bool
	Interested         bool // Local interest in remote (are we downloading from them).
	TimeSinceLastByte   time.Duration
	SmoothedDownloadBPS float64
}

// IsSlow returns whether a, describing one connected peer, warrants a drop
// per spec.md §4.4's slow-peer detection, plus a human-readable reason.
func (m *ConnectionManager) IsSlow(a PeerActivity) (bool, string) {
	if a.Choked {
		if a.TimeSinceLastByte >= m.config.SlowPeerChokedTimeout {
			return true, "no bytes received while choked"
		}
		return false, ""
	}
	if a.Interested && a.SmoothedDownloadBPS < m.config.SlowPeerMinRate {
		return true, "download rate below minimum while unchoked and interested"
	}
	return false, ""
}
