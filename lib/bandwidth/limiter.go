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

// Package bandwidth provides a token-bucket upload/download limiter shared
// across all peer connections of an Engine, plus per-category byte counters
// readable through Limiter.Counts.
package bandwidth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ograd/torrentengine/internal/memsize"
)

// Config defines Limiter configuration.
type Config struct {
	EgressBitsPerSec  uint64 `yaml:"egress_bits_per_sec"`
	IngressBitsPerSec uint64 `yaml:"ingress_bits_per_sec"`

	// TokenSize defines the granularity of a token in the bucket, avoiding
	// integer overflow that would occur mapping each bit to a token.
	TokenSize uint64 `yaml:"token_size"`

	Disable bool `yaml:"disable"`
}

func (c Config) applyDefaults() Config {
	if c.EgressBitsPerSec == 0 {
		c.EgressBitsPerSec = 100 * memsize.Mbit
	}
	if c.IngressBitsPerSec == 0 {
		c.IngressBitsPerSec = 200 * memsize.Mbit
	}
	if c.TokenSize == 0 {
		c.TokenSize = memsize.Kbit
	}
	return c
}

// Category labels a byte transfer for per-category counting, reported by
// Limiter.Counts.
type Category string

// Transfer categories.
const (
	CategoryPiecePayload Category = "piece_payload"
	CategoryProtocol     Category = "protocol"
	CategoryDHT          Category = "dht"
)

// Limiter limits aggregate egress and ingress bandwidth across all peer
// connections via a token-bucket rate limiter, and tallies bytes transferred
// per Category.
type Limiter struct {
	config  Config
	egress  *rate.Limiter
	ingress *rate.Limiter

	mu     sync.Mutex
	counts map[Category]int64
}

// NewLimiter creates a new Limiter.
func NewLimiter(config Config, logger *zap.SugaredLogger) *Limiter {
	config = config.applyDefaults()

	if config.Disable {
		logger.Warn("Bandwidth limits disabled")
	} else {
		logger.Infof("Setting egress bandwidth to %s/sec", memsize.BitFormat(config.EgressBitsPerSec))
		logger.Infof("Setting ingress bandwidth to %s/sec", memsize.BitFormat(config.IngressBitsPerSec))
	}

	etps := config.EgressBitsPerSec / config.TokenSize
	itps := config.IngressBitsPerSec / config.TokenSize

	return &Limiter{
		config:  config,
		egress:  rate.NewLimiter(rate.Limit(etps), int(etps)),
		ingress: rate.NewLimiter(rate.Limit(itps), int(itps)),
		counts:  make(map[Category]int64),
	}
}

func (l *Limiter) reserve(ctx context.Context, rl *rate.Limiter, nbytes int64) error {
	if l.config.Disable {
		return nil
	}
	tokens := int(uint64(nbytes*8) / l.config.TokenSize)
	if tokens == 0 {
		tokens = 1
	}
	r := rl.ReserveN(time.Now(), tokens)
	if !r.OK() {
		return fmt.Errorf(
			"cannot reserve %s of bandwidth, max is %s",
			memsize.Format(uint64(nbytes)),
			memsize.BitFormat(l.config.TokenSize*uint64(rl.Burst())))
	}
	select {
	case <-time.After(r.Delay()):
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// ReserveEgress blocks until egress bandwidth for nbytes is available and
// records the transfer under category. Returns an error if nbytes exceeds
// the maximum egress bandwidth or ctx is canceled first.
func (l *Limiter) ReserveEgress(ctx context.Context, nbytes int64, category Category) error {
	if err := l.reserve(ctx, l.egress, nbytes); err != nil {
		return err
	}
	l.count(category, nbytes)
	return nil
}

// ReserveIngress blocks until ingress bandwidth for nbytes is available and
// records the transfer under category.
func (l *Limiter) ReserveIngress(ctx context.Context, nbytes int64, category Category) error {
	if err := l.reserve(ctx, l.ingress, nbytes); err != nil {
		return err
	}
	l.count(category, nbytes)
	return nil
}

func (l *Limiter) count(c Category, nbytes int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[c] += nbytes
}

// Counts returns a snapshot of bytes transferred per Category since startup.
func (l *Limiter) Counts() map[Category]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[Category]int64, len(l.counts))
	for c, n := range l.counts {
		out[c] = n
	}
	return out
}
