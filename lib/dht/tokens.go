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
	"crypto/rand"
	"crypto/sha1"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// TokenRotationInterval is how often the current secret is rotated.
const TokenRotationInterval = 5 * time.Minute

// TokenExpiry is two rotation windows. TokenStore does not consult it: a
// token validates while its secret is the current or the previous one, and
// rotation runs only on an Issue or Validate call made at least
// TokenRotationInterval after the last rotation, so how long a secret stays
// acceptable is not bounded by wall-clock time.
const TokenExpiry = 10 * time.Minute

// TokenStore issues and validates get_peers tokens per spec.md §4.8: a
// token is `H(ip || secret)`; both the current and previous secret validate,
// so a token handed out just before a rotation still works for the
// announce_peer that follows it.
type TokenStore struct {
	clk clock.Clock

	mu       sync.Mutex
	current  []byte
	previous []byte
	rotated  time.Time
}

// NewTokenStore creates a TokenStore with a freshly generated secret.
func NewTokenStore(clk clock.Clock) *TokenStore {
	if clk == nil {
		clk = clock.New()
	}
	s := &TokenStore{clk: clk}
	s.current = newSecret()
	s.rotated = clk.Now()
	return s
}

func newSecret() []byte {
	b := make([]byte, 20)
	_, _ = rand.Read(b)
	return b
}

// maybeRotateLocked rotates the secret if TokenRotationInterval has elapsed
// since the last rotation. Caller must hold mu.
func (s *TokenStore) maybeRotateLocked() {
	if s.clk.Now().Sub(s.rotated) < TokenRotationInterval {
		return
	}
	s.previous = s.current
	s.current = newSecret()
	s.rotated = s.clk.Now()
}

// Issue returns the token for ip under the current secret.
func (s *TokenStore) Issue(ip string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeRotateLocked()
	return tokenFor(ip, s.current)
}

// Validate reports whether token was issued to ip under the current or
// previous secret.
func (s *TokenStore) Validate(ip string, token []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeRotateLocked()
	if hmacEqual(token, tokenFor(ip, s.current)) {
		return true
	}
	if s.previous != nil && hmacEqual(token, tokenFor(ip, s.previous)) {
		return true
	}
	return false
}

func tokenFor(ip string, secret []byte) []byte {
	h := sha1.New()
	h.Write([]byte(ip))
	h.Write(secret)
	return h.Sum(nil)
}

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
