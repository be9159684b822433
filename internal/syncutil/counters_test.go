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
package syncutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCountersIncGet(t *testing.T) {
	require := require.New(t)

	c := NewCounters()
	require.EqualValues(0, c.Get("pieces_received"))
	require.EqualValues(3, c.Inc("pieces_received", 3))
	require.EqualValues(5, c.Inc("pieces_received", 2))
	require.EqualValues(5, c.Get("pieces_received"))
}

func TestCountersConcurrentInc(t *testing.T) {
	require := require.New(t)

	c := NewCounters()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Inc("x", 1)
		}()
	}
	wg.Wait()
	require.EqualValues(100, c.Get("x"))
}

func TestCountersSnapshotIsIndependent(t *testing.T) {
	require := require.New(t)

	c := NewCounters()
	c.Inc("a", 1)
	snap := c.Snapshot()
	c.Inc("a", 1)

	require.EqualValues(1, snap["a"])
	require.EqualValues(2, c.Get("a"))
}

func TestCountersReset(t *testing.T) {
	require := require.New(t)

	c := NewCounters()
	c.Inc("a", 5)
	c.Reset("a")
	require.EqualValues(0, c.Get("a"))
}
