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
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueueTask(session string, urgency Urgency, offset time.Duration) *Task {
	return NewTask(session, urgency, time.Unix(0, 0).Add(offset))
}

func TestTaskQueue_HeadIsMostUrgent(t *testing.T) {
	t.Parallel()

	q := newTaskQueue()
	q.Add(newQueueTask("a", UrgencyBackground, 1))
	q.Add(newQueueTask("b", UrgencyHigh, 2))
	q.Add(newQueueTask("c", UrgencyNormal, 3))
	q.Add(newQueueTask("d", UrgencyHigh, 4))

	assert.Equal(t, "b", q.PeekHead().SessionID())
	assert.Equal(t, "a", q.PeekTail().SessionID())

	// Heads pop in urgency order, FIFO within a class.
	var order []string
	for q.Len() > 0 {
		order = append(order, q.PopHead().SessionID())
	}
	assert.Equal(t, []string{"b", "d", "c", "a"}, order)
}

func TestTaskQueue_TailIsLeastUrgent(t *testing.T) {
	t.Parallel()

	q := newTaskQueue()
	q.Add(newQueueTask("a", UrgencyNormal, 1))
	assert.Equal(t, "a", q.PeekTail().SessionID())

	q.Add(newQueueTask("b", UrgencyBackground, 2))
	assert.Equal(t, "b", q.PeekTail().SessionID())

	// Within a class, FIFO order makes the newest task the least urgent.
	q.Add(newQueueTask("c", UrgencyBackground, 0))
	assert.Equal(t, "b", q.PeekTail().SessionID())
}

func TestTaskQueue_Remove(t *testing.T) {
	t.Parallel()

	q := newTaskQueue()
	keep := newQueueTask("keep", UrgencyNormal, 1)
	middle := newQueueTask("middle", UrgencyNormal, 2)
	q.Add(keep)
	q.Add(middle)
	q.Add(newQueueTask("last", UrgencyBackground, 3))

	require.True(t, q.Remove(middle))
	assert.False(t, q.Remove(middle), "second removal must be a no-op")
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, "keep", q.PopHead().SessionID())
	assert.Equal(t, "last", q.PopHead().SessionID())
}

func TestTaskQueue_Drain(t *testing.T) {
	t.Parallel()

	q := newTaskQueue()
	for i := 0; i < 5; i++ {
		q.Add(newQueueTask(fmt.Sprintf("s%d", i), UrgencyNormal, time.Duration(i)))
	}
	drained := q.Drain()
	assert.Len(t, drained, 5)
	assert.Zero(t, q.Len())
	assert.Nil(t, q.PopHead())
}

// TestTaskQueue_OrderingInvariant fuzzes the max-min property: whatever the
// insertion and removal pattern, popped heads never increase in priority
// order violation and the tail always holds the least urgent task.
func TestTaskQueue_OrderingInvariant(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))
	q := newTaskQueue()
	live := make([]*Task, 0, 256)

	for i := 0; i < 2000; i++ {
		if len(live) == 0 || rng.Intn(3) != 0 {
			task := newQueueTask(fmt.Sprintf("s%d", i), Urgency(rng.Intn(3)), time.Duration(i))
			q.Add(task)
			live = append(live, task)
			continue
		}
		victim := rng.Intn(len(live))
		require.True(t, q.Remove(live[victim]))
		live = append(live[:victim], live[victim+1:]...)

		if head, tail := q.PeekHead(), q.PeekTail(); head != nil {
			assert.False(t, moreUrgent(tail, head))
		}
	}

	prev := q.PopHead()
	for {
		next := q.PopHead()
		if next == nil {
			break
		}
		assert.False(t, moreUrgent(next, prev), "pop order must be monotonically less urgent")
		prev = next
	}
}
