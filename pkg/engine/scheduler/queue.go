/*
Copyright 2025 The Malloc Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package scheduler

import (
	"math"
	"sync"
)

// taskQueue is a concurrent-safe priority queue over tasks using a max-min
// heap: for any node on an even level its priority exceeds its whole subtree
// (max level); on an odd level it is below its whole subtree (min level).
// Both the most urgent item (dispatch) and the least urgent item (the
// back-pressure eviction victim) peek in O(1).
//
// The core heap maintenance logic (up, down, and grandchild finding) is
// adapted from the public domain implementation at
// https://github.com/esote/minmaxheap, which is licensed under CC0-1.0.
type taskQueue struct {
	mu    sync.RWMutex
	items []*Task
}

func newTaskQueue() *taskQueue {
	return &taskQueue{items: make([]*Task, 0)}
}

// Len returns the number of queued tasks.
func (q *taskQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// PeekHead returns the most urgent task without removing it.
func (q *taskQueue) PeekHead() *Task {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// PeekTail returns the least urgent task without removing it.
func (q *taskQueue) PeekTail() *Task {
	q.mu.RLock()
	defer q.mu.RUnlock()
	n := len(q.items)
	switch n {
	case 0:
		return nil
	case 1:
		return q.items[0]
	case 2:
		return q.items[1]
	}
	// With three or more items the minimum is one of the root's children.
	if moreUrgent(q.items[1], q.items[2]) {
		return q.items[2]
	}
	return q.items[1]
}

// Add inserts a task. O(log n).
func (q *taskQueue) Add(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t.heapIndex = len(q.items)
	q.items = append(q.items, t)
	q.up(len(q.items) - 1)
}

// PopHead removes and returns the most urgent task, or nil.
func (q *taskQueue) PopHead() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.removeAt(0)
}

// Remove removes a specific queued task. Returns false if the task is not in
// the queue.
func (q *taskQueue) Remove(t *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.heapIndex < 0 || t.heapIndex >= len(q.items) || q.items[t.heapIndex] != t {
		return false
	}
	q.removeAt(t.heapIndex)
	return true
}

// Cleanup removes every queued task satisfying the predicate and returns
// them.
func (q *taskQueue) Cleanup(predicate func(*Task) bool) []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []*Task
	var kept []*Task
	for _, t := range q.items {
		if predicate(t) {
			t.heapIndex = -1
			removed = append(removed, t)
		} else {
			kept = append(kept, t)
		}
	}
	if len(removed) > 0 {
		q.items = kept
		for i, t := range q.items {
			t.heapIndex = i
		}
		// Re-establish the heap property bottom-up.
		for i := len(q.items)/2 - 1; i >= 0; i-- {
			q.down(i)
		}
	}
	return removed
}

// Drain removes and returns all queued tasks.
func (q *taskQueue) Drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.items
	for _, t := range drained {
		t.heapIndex = -1
	}
	q.items = make([]*Task, 0)
	return drained
}

// removeAt removes the task at index i and restores the heap property.
// Callers hold the write lock.
func (q *taskQueue) removeAt(i int) *Task {
	t := q.items[i]
	n := len(q.items) - 1
	if i < n {
		q.swap(i, n)
		q.items = q.items[:n]
		q.down(i)
		q.up(i)
	} else {
		q.items = q.items[:n]
	}
	t.heapIndex = -1
	return t
}

func (q *taskQueue) swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].heapIndex = i
	q.items[j].heapIndex = j
}

// up moves the task at index i up the heap to its correct position.
func (q *taskQueue) up(i int) {
	if i == 0 {
		return
	}
	parent := (i - 1) / 2
	if isMinLevel(i) {
		if moreUrgent(q.items[i], q.items[parent]) {
			q.swap(i, parent)
			q.upMax(parent)
		} else {
			q.upMin(i)
		}
	} else {
		if moreUrgent(q.items[parent], q.items[i]) {
			q.swap(i, parent)
			q.upMin(parent)
		} else {
			q.upMax(i)
		}
	}
}

// upMin bubbles a task up the min levels by comparing with grandparents.
func (q *taskQueue) upMin(i int) {
	for {
		parent := (i - 1) / 2
		if parent == 0 {
			break
		}
		grandparent := (parent - 1) / 2
		if moreUrgent(q.items[grandparent], q.items[i]) {
			q.swap(i, grandparent)
			i = grandparent
		} else {
			break
		}
	}
}

// upMax bubbles a task up the max levels by comparing with grandparents.
func (q *taskQueue) upMax(i int) {
	for {
		parent := (i - 1) / 2
		if parent == 0 {
			break
		}
		grandparent := (parent - 1) / 2
		if moreUrgent(q.items[i], q.items[grandparent]) {
			q.swap(i, grandparent)
			i = grandparent
		} else {
			break
		}
	}
}

// down moves the task at index i down the heap to its correct position.
func (q *taskQueue) down(i int) {
	if isMinLevel(i) {
		q.downMin(i)
	} else {
		q.downMax(i)
	}
}

func (q *taskQueue) downMin(i int) {
	for {
		m := q.findLeastChildOrGrandchild(i)
		if m == -1 {
			break
		}
		if moreUrgent(q.items[i], q.items[m]) {
			q.swap(i, m)
			parentOfM := (m - 1) / 2
			if parentOfM != i && moreUrgent(q.items[m], q.items[parentOfM]) {
				q.swap(m, parentOfM)
			}
			i = m
		} else {
			break
		}
	}
}

func (q *taskQueue) downMax(i int) {
	for {
		m := q.findMostChildOrGrandchild(i)
		if m == -1 {
			break
		}
		if moreUrgent(q.items[m], q.items[i]) {
			q.swap(i, m)
			parentOfM := (m - 1) / 2
			if parentOfM != i && moreUrgent(q.items[parentOfM], q.items[m]) {
				q.swap(m, parentOfM)
			}
			i = m
		} else {
			break
		}
	}
}

// findLeastChildOrGrandchild finds the index of the least urgent child or
// grandchild of i, or -1 when i has no descendants.
func (q *taskQueue) findLeastChildOrGrandchild(i int) int {
	left := 2*i + 1
	if left >= len(q.items) {
		return -1
	}
	m := left
	right := 2*i + 2
	if right < len(q.items) && moreUrgent(q.items[m], q.items[right]) {
		m = right
	}
	grandchildStart := 2*left + 1
	grandchildEnd := grandchildStart + 4
	for j := grandchildStart; j < grandchildEnd && j < len(q.items); j++ {
		if moreUrgent(q.items[m], q.items[j]) {
			m = j
		}
	}
	return m
}

// findMostChildOrGrandchild finds the index of the most urgent child or
// grandchild of i, or -1 when i has no descendants.
func (q *taskQueue) findMostChildOrGrandchild(i int) int {
	left := 2*i + 1
	if left >= len(q.items) {
		return -1
	}
	m := left
	right := 2*i + 2
	if right < len(q.items) && moreUrgent(q.items[right], q.items[m]) {
		m = right
	}
	grandchildStart := 2*left + 1
	grandchildEnd := grandchildStart + 4
	for j := grandchildStart; j < grandchildEnd && j < len(q.items); j++ {
		if moreUrgent(q.items[j], q.items[m]) {
			m = j
		}
	}
	return m
}

// isMinLevel checks whether index i sits on a min level. Levels are
// 0-indexed; even levels are max levels, odd levels are min levels.
func isMinLevel(i int) bool {
	level := int(math.Log2(float64(i + 1)))
	return level%2 != 0
}
