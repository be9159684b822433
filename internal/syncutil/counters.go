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

// Package syncutil provides small thread-safe counter helpers used for
// peer/piece scoring tallies.
package syncutil

import "sync"

// Counters is a thread-safe map of named int64 counters, used by the swarm
// connection manager to tally per-peer scoring events (pieces received,
// pieces sent, failures, etc).
type Counters struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewCounters creates an empty Counters.
func NewCounters() *Counters {
	return &Counters{values: make(map[string]int64)}
}

// Inc increments the named counter by delta and returns its new value.
func (c *Counters) Inc(name string, delta int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[name] += delta
	return c.values[name]
}

// Get returns the current value of the named counter.
func (c *Counters) Get(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[name]
}

// Snapshot returns a copy of all counters.
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Reset zeroes the named counter.
func (c *Counters) Reset(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, name)
}
