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

// Package scheduler implements the concurrent, priority-ordered pipeline
// scheduler: a bounded worker pool executing evaluation tasks across many
// sessions without head-of-line blocking or unbounded queue growth.
//
// # Concurrency model
//
// A single Run goroutine owns all queue state (the heap, the pending/waiting
// maps, the in-flight set). Enqueues, completions and cancellations arrive
// over channels, which makes every check-then-act sequence on that state
// inherently atomic. Workers only ever execute a task handed to them and
// report back; they never touch queue state. Tasks for one session are
// serialized (at most one in flight); tasks for different sessions run fully
// in parallel across the pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/Seth-arc/malloc-sub007/pkg/engine/config"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/metrics"
	errutil "github.com/Seth-arc/malloc-sub007/pkg/engine/util/error"
	logutil "github.com/Seth-arc/malloc-sub007/pkg/engine/util/logging"
)

const loggerName = "PipelineScheduler"

// enqueueChannelBufferSize decouples signal-handling goroutines from the run
// loop so short bursts never block the transport path.
const enqueueChannelBufferSize = 256

// ErrSessionGone tells the scheduler a task's session closed before or during
// execution; the task is cancelled rather than failed.
var ErrSessionGone = errors.New("session gone")

// ErrQueueSaturated marks a task shed because the queue crossed its
// high-water mark.
var ErrQueueSaturated = errors.New("evaluation queue at high-water mark")

// Pipeline executes the full evaluation step for one session: pull fresh
// signals, run the transition equation, interpret the delta and hand the
// command to the streaming handler.
type Pipeline interface {
	Evaluate(ctx context.Context, sessionID string) error
	// ResendLast re-streams the session's previous adaptation command after
	// a deadline overrun, so the client never regresses to an undefined
	// state.
	ResendLast(ctx context.Context, sessionID string)
}

// Scheduler is the pipeline scheduler. Construct with New, start with Run.
type Scheduler struct {
	cfg      config.SchedulerConfig
	pipeline Pipeline
	logger   logr.Logger

	enqueueChan    chan *Task
	cancelChan     chan string
	completionChan chan *Task
	dispatchChan   chan *Task

	// State below is owned exclusively by the Run goroutine.
	queue *taskQueue
	// pending holds the single queued task per session.
	pending map[string]*Task
	// waiting holds the single follow-up task per session that arrived
	// while an evaluation for that session was in flight.
	waiting map[string]*Task
	// inflight marks sessions with a running evaluation.
	inflight    map[string]struct{}
	freeWorkers int

	shuttingDown chan struct{}
}

// New creates a scheduler. The pipeline executes each task's work.
func New(cfg config.SchedulerConfig, pipeline Pipeline, logger logr.Logger) *Scheduler {
	return &Scheduler{
		cfg:            cfg,
		pipeline:       pipeline,
		logger:         logger.WithName(loggerName),
		enqueueChan:    make(chan *Task, enqueueChannelBufferSize),
		cancelChan:     make(chan string, enqueueChannelBufferSize),
		completionChan: make(chan *Task, cfg.Workers),
		dispatchChan:   make(chan *Task, cfg.Workers),
		queue:          newTaskQueue(),
		pending:        make(map[string]*Task),
		waiting:        make(map[string]*Task),
		inflight:       make(map[string]struct{}),
		shuttingDown:   make(chan struct{}),
	}
}

// Enqueue accepts a new evaluation task for the session. It never blocks the
// caller: when the intake buffer is full the task is dropped and the drop is
// counted. The returned task exposes Done/FinalState for observers.
func (s *Scheduler) Enqueue(sessionID string, urgency Urgency) *Task {
	t := NewTask(sessionID, urgency, time.Now())
	select {
	case <-s.shuttingDown:
		t.finalize(OutcomeCancelled, errors.New("scheduler shutting down"))
		return t
	default:
	}
	select {
	case s.enqueueChan <- t:
	default:
		t.finalize(OutcomeDropped, ErrQueueSaturated)
		metrics.RecordDroppedTask("intake_overflow")
	}
	return t
}

// CancelSession discards any queued-but-not-started task for the session. An
// in-flight evaluation completes but its output is discarded by the pipeline.
func (s *Scheduler) CancelSession(sessionID string) {
	select {
	case <-s.shuttingDown:
	case s.cancelChan <- sessionID:
	}
}

// QueueDepth reports the number of queued (not in-flight) tasks.
func (s *Scheduler) QueueDepth() int {
	return s.queue.Len()
}

// Run is the scheduler's main loop. It blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.V(logutil.DEFAULT).Info("Pipeline scheduler starting",
		"workers", s.cfg.Workers,
		"queueHighWaterMark", s.cfg.QueueHighWaterMark,
		"evaluationTimeout", s.cfg.EvaluationTimeout.Duration.String(),
		"dispatchTimeout", s.cfg.DispatchTimeout.Duration.String())
	defer s.logger.V(logutil.DEFAULT).Info("Pipeline scheduler stopped")

	s.freeWorkers = s.cfg.Workers
	workersDone := make(chan struct{})
	go s.runWorkers(ctx, workersDone)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			<-workersDone
			s.drainIntake()
			return
		case t := <-s.enqueueChan:
			s.enqueue(t)
			s.dispatch()
		case t := <-s.completionChan:
			s.complete(t)
			s.dispatch()
		case sessionID := <-s.cancelChan:
			s.cancelSession(sessionID)
		}
	}
}

func (s *Scheduler) runWorkers(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	workerExit := make(chan struct{}, s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		go func() {
			defer func() { workerExit <- struct{}{} }()
			s.worker(ctx)
		}()
	}
	for i := 0; i < s.cfg.Workers; i++ {
		<-workerExit
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.dispatchChan:
			s.runTask(ctx, t)
			// completionChan is buffered to the pool size, so this send
			// cannot block a worker.
			s.completionChan <- t
		}
	}
}

// runTask executes one task under its hard deadline and classifies the
// outcome.
func (s *Scheduler) runTask(ctx context.Context, t *Task) {
	logger := s.logger.WithValues("sessionID", t.sessionID, "urgency", t.urgency)
	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout.Duration)
	defer cancel()

	err := s.pipeline.Evaluate(tctx, t.sessionID)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		metrics.RecordPipelineLatency(elapsed)
		t.finalize(OutcomeCompleted, nil)
		logger.V(logutil.TRACE).Info("Task completed", "elapsed", elapsed.String())
	case errors.Is(err, ErrSessionGone):
		t.finalize(OutcomeCancelled, err)
		logger.V(logutil.DEBUG).Info("Task cancelled, session gone")
	case errors.Is(err, context.DeadlineExceeded) || errutil.CanonicalCode(err) == errutil.Timeout:
		metrics.RecordTimedOutTask()
		t.finalize(OutcomeTimedOut, err)
		logger.V(logutil.DEFAULT).Info("Task exceeded hard deadline, re-streaming previous command",
			"elapsed", elapsed.String(), "deadline", s.cfg.DispatchTimeout.Duration.String())
		// The session falls back to its previous adaptation command rather
		// than an undefined state.
		s.pipeline.ResendLast(context.WithoutCancel(ctx), t.sessionID)
	default:
		t.finalize(OutcomeFailed, err)
		logger.V(logutil.DEFAULT).Info("Task failed", "err", err.Error())
	}
}

// enqueue admits a task into the queue, coalescing per session and shedding
// the least urgent work past the high-water mark. Runs on the loop goroutine.
func (s *Scheduler) enqueue(t *Task) {
	if t.isFinalized() {
		return
	}
	id := t.sessionID

	// A session never has two evaluations running simultaneously. While one
	// is in flight, at most one follow-up waits on the side; further signals
	// coalesce into it.
	if _, running := s.inflight[id]; running {
		if w, ok := s.waiting[id]; ok {
			s.coalesce(w, t, id, s.waiting)
		} else {
			s.waiting[id] = t
		}
		return
	}

	// One queued task per session: a fresh signal supersedes or coalesces.
	if p, ok := s.pending[id]; ok {
		s.coalesce(p, t, id, s.pending)
		s.observeQueueDepth()
		return
	}

	if s.queue.Len() >= s.cfg.QueueHighWaterMark {
		tail := s.queue.PeekTail()
		if tail == nil || !moreUrgent(t, tail) {
			// The newcomer is the least urgent work; shed it.
			t.finalize(OutcomeDropped, ErrQueueSaturated)
			metrics.RecordDroppedTask("backpressure")
			return
		}
		// Evict the least urgent queued task to admit the newcomer.
		s.queue.Remove(tail)
		delete(s.pending, tail.sessionID)
		tail.finalize(OutcomeDropped, ErrQueueSaturated)
		metrics.RecordDroppedTask("backpressure")
	}

	s.pending[id] = t
	s.queue.Add(t)
	s.observeQueueDepth()
}

// coalesce merges the incoming task into the slot's existing task, keeping
// whichever is more urgent. The existing task evaluates the latest stored
// signals either way, so superseding and coalescing are observationally
// identical.
func (s *Scheduler) coalesce(existing, incoming *Task, sessionID string, slot map[string]*Task) {
	if incoming.urgency <= existing.urgency {
		incoming.finalize(OutcomeCoalesced, nil)
		return
	}
	if existing.heapIndex >= 0 {
		s.queue.Remove(existing)
		slot[sessionID] = incoming
		s.queue.Add(incoming)
	} else {
		slot[sessionID] = incoming
	}
	existing.finalize(OutcomeCoalesced, nil)
}

// dispatch fills free workers from the head of the queue. Runs on the loop
// goroutine.
func (s *Scheduler) dispatch() {
	for s.freeWorkers > 0 {
		t := s.queue.PopHead()
		if t == nil {
			break
		}
		delete(s.pending, t.sessionID)
		if t.isFinalized() {
			continue
		}
		s.inflight[t.sessionID] = struct{}{}
		s.freeWorkers--
		// dispatchChan is buffered to the pool size and guarded by the
		// freeWorkers count, so this send cannot block the loop.
		s.dispatchChan <- t
	}
	s.observeQueueDepth()
}

// complete releases the session's in-flight slot and promotes any waiting
// follow-up. Runs on the loop goroutine.
func (s *Scheduler) complete(t *Task) {
	delete(s.inflight, t.sessionID)
	s.freeWorkers++
	if w, ok := s.waiting[t.sessionID]; ok {
		delete(s.waiting, t.sessionID)
		s.enqueue(w)
	}
}

// cancelSession discards the session's queued and waiting tasks. Runs on the
// loop goroutine.
func (s *Scheduler) cancelSession(sessionID string) {
	if p, ok := s.pending[sessionID]; ok {
		s.queue.Remove(p)
		delete(s.pending, sessionID)
		p.finalize(OutcomeCancelled, fmt.Errorf("session %s closed: %w", sessionID, ErrSessionGone))
	}
	if w, ok := s.waiting[sessionID]; ok {
		delete(s.waiting, sessionID)
		w.finalize(OutcomeCancelled, fmt.Errorf("session %s closed: %w", sessionID, ErrSessionGone))
	}
	s.observeQueueDepth()
}

// drainIntake finalizes tasks still buffered in the enqueue and dispatch
// channels once the workers have exited, so no Done channel is left open. A
// task handed to a worker that also reached dispatchChan cannot appear twice:
// finalize is idempotent.
func (s *Scheduler) drainIntake() {
	for {
		select {
		case t := <-s.enqueueChan:
			t.finalize(OutcomeCancelled, errors.New("scheduler shutting down"))
		case t := <-s.dispatchChan:
			t.finalize(OutcomeCancelled, errors.New("scheduler shutting down"))
		default:
			return
		}
	}
}

// shutdown cancels everything still queued. Runs on the loop goroutine.
func (s *Scheduler) shutdown() {
	close(s.shuttingDown)
	for _, t := range s.queue.Drain() {
		t.finalize(OutcomeCancelled, errors.New("scheduler shutting down"))
	}
	for id, w := range s.waiting {
		delete(s.waiting, id)
		w.finalize(OutcomeCancelled, errors.New("scheduler shutting down"))
	}
	s.pending = make(map[string]*Task)
	s.observeQueueDepth()
}

func (s *Scheduler) observeQueueDepth() {
	metrics.SetQueueDepth(s.queue.Len())
}
