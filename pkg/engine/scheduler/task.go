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
	"sync"
	"sync/atomic"
	"time"
)

// Urgency classes order tasks in the queue. Higher is dispatched first; ties
// break FIFO on enqueue time.
type Urgency int

const (
	// UrgencyBackground marks periodic re-evaluation ticks.
	UrgencyBackground Urgency = iota
	// UrgencyNormal marks evaluations triggered by fresh signal updates.
	UrgencyNormal
	// UrgencyHigh marks assessment-heavy phases and near-stale signals.
	UrgencyHigh
)

// Outcome is the terminal state of a task's lifecycle:
// Queued -> Running -> {Completed, TimedOut, Failed}, with Dropped, Coalesced
// and Cancelled as the queued-side terminals.
type Outcome int

const (
	OutcomeNotYetFinalized Outcome = iota
	OutcomeCompleted
	OutcomeTimedOut
	OutcomeFailed
	// OutcomeDropped marks a task shed under queue back-pressure.
	OutcomeDropped
	// OutcomeCoalesced marks a task merged into an already-queued task for
	// the same session.
	OutcomeCoalesced
	// OutcomeCancelled marks a task whose session closed, or scheduler
	// shutdown, before the task ran.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNotYetFinalized:
		return "NotYetFinalized"
	case OutcomeCompleted:
		return "Completed"
	case OutcomeTimedOut:
		return "TimedOut"
	case OutcomeFailed:
		return "Failed"
	case OutcomeDropped:
		return "Dropped"
	case OutcomeCoalesced:
		return "Coalesced"
	case OutcomeCancelled:
		return "Cancelled"
	}
	return "Unknown"
}

// Task is one queued unit of evaluation work for a session.
//
// # Concurrency
//
// finalize is the only point of concurrency concern: the run loop, the
// workers and the cancellation path may race to finalize the same task. The
// sync.Once makes the terminal state write-once; every other field is set at
// creation (or mutated only by the run loop goroutine while the task sits
// outside the heap) and never touched concurrently.
type Task struct {
	sessionID   string
	urgency     Urgency
	enqueueTime time.Time

	// heapIndex is maintained by the task queue; -1 while not queued.
	heapIndex int

	// done is closed exactly once when the task reaches a terminal outcome.
	done         chan struct{}
	err          atomic.Value // stores error
	outcome      atomic.Value // stores Outcome
	onceFinalize sync.Once
}

// NewTask creates a task in the Queued state.
func NewTask(sessionID string, urgency Urgency, enqueueTime time.Time) *Task {
	t := &Task{
		sessionID:   sessionID,
		urgency:     urgency,
		enqueueTime: enqueueTime,
		heapIndex:   -1,
		done:        make(chan struct{}),
	}
	t.outcome.Store(OutcomeNotYetFinalized)
	return t
}

// SessionID returns the session this task evaluates.
func (t *Task) SessionID() string { return t.sessionID }

// Urgency returns the task's urgency class.
func (t *Task) Urgency() Urgency { return t.urgency }

// EnqueueTime returns when the task was accepted for queuing.
func (t *Task) EnqueueTime() time.Time { return t.enqueueTime }

// Done returns a channel closed when the task is finalized. Use it in a
// select alongside context cancellation.
func (t *Task) Done() <-chan struct{} { return t.done }

// FinalState returns the terminal outcome and error. Only call after Done()
// is closed.
func (t *Task) FinalState() (Outcome, error) {
	outcome, _ := t.outcome.Load().(Outcome)
	err, _ := t.err.Load().(error)
	return outcome, err
}

// finalize sets the terminal state idempotently and closes done.
func (t *Task) finalize(outcome Outcome, err error) {
	t.onceFinalize.Do(func() {
		if err != nil {
			t.err.Store(err)
		}
		t.outcome.Store(outcome)
		close(t.done)
	})
}

// isFinalized checks for a terminal state without blocking.
func (t *Task) isFinalized() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// moreUrgent reports whether a should dispatch before b: higher urgency
// first, FIFO within an urgency class.
func moreUrgent(a, b *Task) bool {
	if a.urgency != b.urgency {
		return a.urgency > b.urgency
	}
	return a.enqueueTime.Before(b.enqueueTime)
}
