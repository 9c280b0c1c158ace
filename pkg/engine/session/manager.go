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

// Package session owns the lifecycle of learner sessions: creation,
// reconnect-resume, signal storage, heartbeat tracking and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/Seth-arc/malloc-sub007/pkg/engine/config"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/metrics"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/scheduler"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/types"
	errutil "github.com/Seth-arc/malloc-sub007/pkg/engine/util/error"
	logutil "github.com/Seth-arc/malloc-sub007/pkg/engine/util/logging"
)

const loggerName = "SessionManager"

// ErrNotFound marks a lookup of a session that does not exist or has closed.
var ErrNotFound = errors.New("session not found")

// Enqueuer is the slice of the pipeline scheduler the manager uses: enqueue
// an evaluation on signal arrival, cancel queued work on close.
type Enqueuer interface {
	Enqueue(sessionID string, urgency scheduler.Urgency) *scheduler.Task
	CancelSession(sessionID string)
}

// Notifier delivers ErrorNotices to a session's connection without closing
// it, and learns of session teardown so per-session delivery state can be
// released. Implemented by the streaming handler.
type Notifier interface {
	Notice(sessionID string, notice types.ErrorNotice)
	SessionClosed(sessionID string)
}

// Manager owns all live sessions.
type Manager struct {
	cfg    config.SessionConfig
	logger logr.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	enqueuer Enqueuer
	notifier Notifier
}

// NewManager creates a session manager. Bind must be called before traffic
// arrives.
func NewManager(cfg config.SessionConfig, logger logr.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger.WithName(loggerName),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Bind attaches the scheduler and the streaming notifier. Split from the
// constructor because the pipeline wiring is circular at startup: the
// scheduler's pipeline reads sessions from this manager.
func (m *Manager) Bind(enqueuer Enqueuer, notifier Notifier) {
	m.enqueuer = enqueuer
	m.notifier = notifier
}

// CreateSession registers a new learner session at the configured baseline
// state, in the onboarding phase.
func (m *Manager) CreateSession() *Session {
	now := m.now()
	sess := newSession(uuid.NewString(), types.TransitionState(m.cfg.BaselineState), types.PhaseOnboarding, m.cfg.HistorySize, now)
	sess.transitionTo(StateActive, now)

	m.mu.Lock()
	m.sessions[sess.ID()] = sess
	count := len(m.sessions)
	m.mu.Unlock()

	metrics.SetActiveSessions(count)
	m.logger.V(logutil.DEFAULT).Info("Session created", "sessionID", sess.ID(), "activeSessions", count)
	return sess
}

// ResumeSession reattaches a reconnecting session inside the grace window,
// preserving its transition state and phase. Outside the window, or for an
// unknown id, it returns ErrNotFound and the caller creates a fresh session.
func (m *Manager) ResumeSession(sessionID string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	now := m.now()
	sess.mu.Lock()
	if sess.state != StateReconnecting || now.Sub(sess.reconnectingSince) > m.cfg.ReconnectGrace.Duration {
		sess.mu.Unlock()
		return nil, ErrNotFound
	}
	sess.state = StateActive
	sess.lastHeartbeat = now
	sess.mu.Unlock()

	m.logger.V(logutil.DEFAULT).Info("Session resumed", "sessionID", sessionID)
	return sess, nil
}

// Get returns a live session by id.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// UpdateSignals validates and stores a fresh model signal reading, then
// enqueues an evaluation. Validation faults are reported to the connection
// as an ErrorNotice; the session keeps its previous state and stays open.
func (m *Manager) UpdateSignals(sessionID string, signals types.ModelSignalSet) error {
	sess, err := m.Get(sessionID)
	if err != nil {
		return err
	}

	now := m.now()
	if verr := signals.Validate(); verr != nil {
		m.reportFault(sessionID, verr)
		return verr
	}
	if signals.StaleAt(m.cfg.SignalStaleness.Duration, now) {
		serr := errutil.Error{
			Code: errutil.InvalidInput,
			Msg:  fmt.Sprintf("signal reading is stale: collected at %s, threshold %s", signals.CollectedAt.Format(time.RFC3339Nano), m.cfg.SignalStaleness.Duration),
		}
		m.reportFault(sessionID, serr)
		return serr
	}

	sess.updateSignals(signals, now)
	m.enqueuer.Enqueue(sessionID, m.urgencyFor(sess, signals, now))
	return nil
}

// ApplyEvaluation commits a completed evaluation's new transition state and
// returns the state it replaced. The scheduler serializes evaluations per
// session, so the read-modify-write here never races with itself.
func (m *Manager) ApplyEvaluation(sessionID string, next types.TransitionState) (types.TransitionState, error) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return 0, err
	}
	return sess.applyEvaluation(next, m.now()), nil
}

// RecordCommand stores the latest emitted adaptation command for replay
// after a timeout or reconnect.
func (m *Manager) RecordCommand(sessionID string, cmd types.AdaptationCommand) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return
	}
	sess.recordCommand(cmd)
}

// Heartbeat resets the session's idle timer.
func (m *Manager) Heartbeat(sessionID string) error {
	sess, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	sess.heartbeat(m.now())
	return nil
}

// MarkReconnecting flags a transport failure. The session survives until the
// grace window expires.
func (m *Manager) MarkReconnecting(sessionID string) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return
	}
	if sess.transitionTo(StateReconnecting, m.now()) {
		metrics.RecordSessionError(errutil.ConnectionError)
		m.logger.V(logutil.DEFAULT).Info("Session reconnecting", "sessionID", sessionID,
			"graceWindow", m.cfg.ReconnectGrace.Duration.String())
	}
}

// CloseSession tears a session down. Idempotent: repeated calls for the same
// id are no-ops. The first close cancels queued work and emits one final
// summary event.
func (m *Manager) CloseSession(sessionID string, reason string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !ok || !sess.close() {
		return
	}

	m.enqueuer.CancelSession(sessionID)
	if m.notifier != nil {
		m.notifier.SessionClosed(sessionID)
	}
	metrics.SetActiveSessions(count)

	evaluations, commands, state, phase := sess.summary()
	m.logger.V(logutil.DEFAULT).Info("Session closed",
		"sessionID", sessionID,
		"reason", reason,
		"phase", phase,
		"finalState", float64(state),
		"evaluations", evaluations,
		"commandsEmitted", commands,
		"activeSessions", count)
}

// Active returns a snapshot of all live sessions, for the snapshot loop.
func (m *Manager) Active() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

// Signals implements types.SignalSource: the freshest stored reading for the
// session, re-checked for staleness at evaluation time.
func (m *Manager) Signals(_ context.Context, sessionID string) (types.ModelSignalSet, error) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return types.ModelSignalSet{}, err
	}
	signals, ok := sess.Signals()
	if !ok {
		return types.ModelSignalSet{}, errutil.Error{
			Code: errutil.InvalidInput,
			Msg:  fmt.Sprintf("session %s has no signal reading yet", sessionID),
		}
	}
	if signals.StaleAt(m.cfg.SignalStaleness.Duration, m.now()) {
		return types.ModelSignalSet{}, errutil.Error{
			Code: errutil.InvalidInput,
			Msg:  fmt.Sprintf("signal reading for session %s went stale before evaluation", sessionID),
		}
	}
	return signals, nil
}

// Run sweeps sessions for missed heartbeats and expired reconnect windows
// until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.HeartbeatTimeout.Duration / 8
	if interval < 250*time.Millisecond {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.V(logutil.DEFAULT).Info("Session sweeper starting", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			m.logger.V(logutil.DEFAULT).Info("Session sweeper stopped")
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep applies the heartbeat and reconnect timeouts once.
func (m *Manager) sweep() {
	now := m.now()
	for _, sess := range m.Active() {
		sess.mu.Lock()
		state := sess.state
		sinceHeartbeat := now.Sub(sess.lastHeartbeat)
		sinceReconnect := now.Sub(sess.reconnectingSince)
		sess.mu.Unlock()

		switch state {
		case StateReconnecting:
			if sinceReconnect > m.cfg.ReconnectGrace.Duration {
				m.CloseSession(sess.ID(), "reconnect grace window expired")
			}
		case StateActive, StateIdle, StateConnecting:
			if sinceHeartbeat > m.cfg.HeartbeatTimeout.Duration {
				m.CloseSession(sess.ID(), "heartbeat timeout")
			} else if state == StateActive && sinceHeartbeat > m.cfg.HeartbeatTimeout.Duration/2 {
				sess.transitionTo(StateIdle, now)
				m.logger.V(logutil.VERBOSE).Info("Session idle", "sessionID", sess.ID())
			}
		}
	}
}

// urgencyFor derives the task urgency class from the session's phase and the
// reading's freshness. Assessment-heavy phases and near-stale readings jump
// the queue.
func (m *Manager) urgencyFor(sess *Session, signals types.ModelSignalSet, now time.Time) scheduler.Urgency {
	switch sess.Phase() {
	case types.PhaseApplication, types.PhaseMastery:
		return scheduler.UrgencyHigh
	}
	if now.Sub(signals.CollectedAt) > m.cfg.SignalStaleness.Duration/2 {
		return scheduler.UrgencyHigh
	}
	return scheduler.UrgencyNormal
}

// reportFault counts the fault and notifies the connection, which stays open.
func (m *Manager) reportFault(sessionID string, err error) {
	code := errutil.CanonicalCode(err)
	metrics.RecordSessionError(code)
	m.logger.V(logutil.VERBOSE).Info("Rejected signal update", "sessionID", sessionID, "code", code, "err", err.Error())
	if m.notifier != nil {
		m.notifier.Notice(sessionID, types.ErrorNotice{
			SessionID: sessionID,
			ErrorKind: code,
			Message:   err.Error(),
		})
	}
}
