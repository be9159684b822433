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
package heap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityQueuePopsInAscendingOrder(t *testing.T) {
	require := require.New(t)

	pq := NewPriorityQueue()
	pq.Push("rare", 1)
	pq.Push("common", 10)
	pq.Push("rarest", 0)

	require.Equal("rarest", pq.Pop().Value)
	require.Equal("rare", pq.Pop().Value)
	require.Equal("common", pq.Pop().Value)
	require.Nil(pq.Pop())
}

func TestPriorityQueueUpdate(t *testing.T) {
	require := require.New(t)

	pq := NewPriorityQueue()
	item := pq.Push("piece-5", 5)
	pq.Push("piece-1", 1)

	pq.Update(item, 0)
	require.Equal("piece-5", pq.Pop().Value)
}

func TestPriorityQueueRemove(t *testing.T) {
	require := require.New(t)

	pq := NewPriorityQueue()
	item := pq.Push("drop-me", 0)
	pq.Push("keep-me", 1)

	pq.Remove(item)
	require.Equal(1, pq.Len())
	require.Equal("keep-me", pq.Pop().Value)
}
