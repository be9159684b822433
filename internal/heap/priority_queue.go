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

// Package heap provides a generic min-priority queue suited to ranking
// pieces by rarity. The piece picker does not use it; it ranks candidates
// on its own.
package heap

import "container/heap"

// Item is a single entry in a PriorityQueue.
type Item struct {
	Value    interface{}
	Priority int
	index    int
}

// PriorityQueue is a min-heap of Items ordered by ascending Priority (lower
// priority value is popped first — used for "rarest piece first" selection,
// where Priority is the piece's availability count).
type PriorityQueue struct {
	items []*Item
}

// NewPriorityQueue creates an empty PriorityQueue.
func NewPriorityQueue() *PriorityQueue {
	pq := &PriorityQueue{}
	heap.Init((*innerHeap)(pq))
	return pq
}

// Len returns the number of items in the queue.
func (pq *PriorityQueue) Len() int {
	return len(pq.items)
}

// Push adds value with the given priority.
func (pq *PriorityQueue) Push(value interface{}, priority int) *Item {
	item := &Item{Value: value, Priority: priority}
	heap.Push((*innerHeap)(pq), item)
	return item
}

// Pop removes and returns the lowest-priority item, or nil if empty.
func (pq *PriorityQueue) Pop() *Item {
	if pq.Len() == 0 {
		return nil
	}
	return heap.Pop((*innerHeap)(pq)).(*Item)
}

// Update changes item's priority and fixes the heap.
func (pq *PriorityQueue) Update(item *Item, priority int) {
	item.Priority = priority
	heap.Fix((*innerHeap)(pq), item.index)
}

// Remove removes item from the queue.
func (pq *PriorityQueue) Remove(item *Item) {
	heap.Remove((*innerHeap)(pq), item.index)
}

// innerHeap implements container/heap.Interface over PriorityQueue.items.
type innerHeap PriorityQueue

func (h innerHeap) Len() int { return len(h.items) }

func (h innerHeap) Less(i, j int) bool { return h.items[i].Priority < h.items[j].Priority }

func (h innerHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *innerHeap) Push(x interface{}) {
	item := x.(*Item)
	item.index = len(h.items)
	h.items = append(h.items, item)
}

func (h *innerHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	h.items = old[:n-1]
	return item
}
