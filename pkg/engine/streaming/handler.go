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

// Package streaming fans engine output out to learner connections: immediate
// adaptation pushes as evaluations complete, and periodic state snapshots
// independent of adaptation activity.
//
// Outbound messages queue per connection in a bounded buffer so a slow client
// never stalls the scheduler. On overflow the oldest non-critical message is
// dropped, never the newest: adaptation commands are critical and survive;
// snapshots are shed first.
package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/Seth-arc/malloc-sub007/pkg/engine/config"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/metrics"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/scheduler"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/session"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/types"
	logutil "github.com/Seth-arc/malloc-sub007/pkg/engine/util/logging"
)

const loggerName = "StreamingHandler"

// OutboundKind discriminates the outbound message variants.
type OutboundKind string

const (
	KindAdaptationCommand OutboundKind = "adaptation_command"
	KindStateSnapshot     OutboundKind = "state_snapshot"
	KindErrorNotice       OutboundKind = "error_notice"
)

// Outbound is one message queued toward a learner connection. Exactly one
// payload pointer is set, selected by Kind.
type Outbound struct {
	Kind     OutboundKind
	Command  *types.AdaptationCommand
	Snapshot *types.StateSnapshot
	Notice   *types.ErrorNotice

	// critical messages are never shed by overflow handling.
	critical bool
}

// Enqueuer is the slice of the scheduler the snapshot loop uses for periodic
// background re-evaluation ticks.
type Enqueuer interface {
	Enqueue(sessionID string, urgency scheduler.Urgency) *scheduler.Task
}

// Handler owns the per-session outboxes and the snapshot loop.
type Handler struct {
	cfg             config.StreamingConfig
	signalStaleness time.Duration
	sessions        *session.Manager
	enqueuer        Enqueuer
	logger          logr.Logger
	now             func() time.Time

	mu       sync.RWMutex
	outboxes map[string]*Outbox
}

// NewHandler creates a streaming handler over the given session manager.
func NewHandler(cfg config.StreamingConfig, signalStaleness time.Duration, sessions *session.Manager, logger logr.Logger) *Handler {
	return &Handler{
		cfg:             cfg,
		signalStaleness: signalStaleness,
		sessions:        sessions,
		logger:          logger.WithName(loggerName),
		now:             time.Now,
		outboxes:        make(map[string]*Outbox),
	}
}

// BindScheduler attaches the scheduler for background ticks. Split from the
// constructor because the scheduler's pipeline points back at this handler.
func (h *Handler) BindScheduler(enqueuer Enqueuer) {
	h.enqueuer = enqueuer
}

// Attach returns the session's outbox, creating it on first attach. A
// reconnecting client reattaches to the same outbox and receives anything
// still queued from before the drop.
func (h *Handler) Attach(sessionID string) *Outbox {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ob, ok := h.outboxes[sessionID]; ok {
		return ob
	}
	ob := newOutbox(h.cfg.OutboundBufferSize)
	h.outboxes[sessionID] = ob
	return ob
}

// Remove tears down the session's outbox on session close.
func (h *Handler) Remove(sessionID string) {
	h.mu.Lock()
	ob, ok := h.outboxes[sessionID]
	delete(h.outboxes, sessionID)
	h.mu.Unlock()
	if ok {
		ob.close()
	}
}

// PushCommand queues a completed adaptation command toward its session,
// best-effort and non-blocking. Commands for one session arrive in the order
// their evaluations completed; the outbox FIFO preserves that order.
func (h *Handler) PushCommand(cmd types.AdaptationCommand, phase types.LearningEventPhase) {
	metrics.RecordAdaptationCommand(string(phase), string(cmd.Type))
	h.push(cmd.SessionID, Outbound{Kind: KindAdaptationCommand, Command: &cmd, critical: true})
}

// Notice implements session.Notifier: report a per-session fault to the
// connection without closing it.
func (h *Handler) Notice(sessionID string, notice types.ErrorNotice) {
	h.push(sessionID, Outbound{Kind: KindErrorNotice, Notice: &notice, critical: true})
}

// SessionClosed implements session.Notifier: release the closed session's
// outbox. The write pump observes the close once the outbox drains.
func (h *Handler) SessionClosed(sessionID string) {
	h.Remove(sessionID)
}

func (h *Handler) push(sessionID string, msg Outbound) {
	h.mu.RLock()
	ob, ok := h.outboxes[sessionID]
	h.mu.RUnlock()
	if !ok {
		// No connection was ever attached; nothing to deliver to.
		h.logger.V(logutil.TRACE).Info("Dropping outbound message, no outbox", "sessionID", sessionID, "kind", msg.Kind)
		return
	}
	ob.push(msg)
}

// Run emits a state snapshot per active session every interval, and enqueues
// a background re-evaluation tick for sessions whose signals are still
// fresh. Under sustained back-pressure a session's snapshot is skipped, not
// deferred.
func (h *Handler) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SnapshotInterval.Duration)
	defer ticker.Stop()

	h.logger.V(logutil.DEFAULT).Info("Snapshot loop starting", "interval", h.cfg.SnapshotInterval.Duration.String())
	for {
		select {
		case <-ctx.Done():
			h.logger.V(logutil.DEFAULT).Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			h.snapshotAll()
		}
	}
}

func (h *Handler) snapshotAll() {
	now := h.now()
	for _, sess := range h.sessions.Active() {
		state := sess.State()
		if state != session.StateActive && state != session.StateIdle {
			continue
		}

		h.mu.RLock()
		ob, ok := h.outboxes[sess.ID()]
		h.mu.RUnlock()
		if !ok {
			continue
		}
		if ob.congested() {
			metrics.RecordSnapshotSkipped()
			h.logger.V(logutil.VERBOSE).Info("Skipping snapshot under back-pressure", "sessionID", sess.ID())
			continue
		}

		ob.push(Outbound{
			Kind: KindStateSnapshot,
			Snapshot: &types.StateSnapshot{
				SessionID: sess.ID(),
				State:     sess.TransitionState(),
				Phase:     sess.Phase(),
				Timestamp: now,
			},
		})

		if h.enqueuer != nil {
			if signals, ok := sess.Signals(); ok && !signals.StaleAt(h.signalStaleness, now) {
				h.enqueuer.Enqueue(sess.ID(), scheduler.UrgencyBackground)
			}
		}
	}
}

// Outbox is one session's bounded outbound queue. The transport's write pump
// consumes it; the engine side produces into it without ever blocking.
type Outbox struct {
	mu       sync.Mutex
	buf      []Outbound
	capacity int
	ready    chan struct{}
	closed   bool
}

func newOutbox(capacity int) *Outbox {
	return &Outbox{
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

// push appends a message, shedding the oldest non-critical message when full.
// If every buffered message is critical the oldest one goes anyway: bounding
// memory wins over completeness, and the newest message is never the victim.
func (o *Outbox) push(msg Outbound) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if len(o.buf) >= o.capacity {
		victim := 0
		for i, m := range o.buf {
			if !m.critical {
				victim = i
				break
			}
		}
		o.buf = append(o.buf[:victim], o.buf[victim+1:]...)
		metrics.RecordOutboundDropped()
	}
	o.buf = append(o.buf, msg)
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// Pop blocks for the next message. ok is false once the outbox closes and
// drains, or ctx is cancelled.
func (o *Outbox) Pop(ctx context.Context) (Outbound, bool) {
	for {
		o.mu.Lock()
		if len(o.buf) > 0 {
			msg := o.buf[0]
			o.buf = o.buf[1:]
			o.mu.Unlock()
			return msg, true
		}
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return Outbound{}, false
		}

		select {
		case <-ctx.Done():
			return Outbound{}, false
		case <-o.ready:
		}
	}
}

// Len reports the queued message count.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.buf)
}

// congested reports whether the outbox is past half capacity, the threshold
// at which snapshots are shed.
func (o *Outbox) congested() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.buf)*2 >= o.capacity
}

func (o *Outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	select {
	case o.ready <- struct{}{}:
	default:
	}
}
