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

package session

import (
	"sync"
	"time"

	"github.com/Seth-arc/malloc-sub007/pkg/engine/types"
)

// State is the lifecycle state of a session:
// Connecting -> Active -> {Idle, Reconnecting} -> Closed.
type State string

const (
	StateConnecting   State = "Connecting"
	StateActive       State = "Active"
	StateIdle         State = "Idle"
	StateReconnecting State = "Reconnecting"
	StateClosed       State = "Closed"
)

// historyEntry is one element of the bounded per-session debug window.
type historyEntry struct {
	State   types.TransitionState
	Command types.CommandType
	At      time.Time
}

// Session identifies one learner's live connection and owns that learner's
// transition state. The session manager owns the Session; the scheduler and
// streaming handler only reference it by id lookup.
type Session struct {
	id        string
	createdAt time.Time

	mu                sync.Mutex
	state             State
	phase             types.LearningEventPhase
	transition        types.TransitionState
	signals           types.ModelSignalSet
	hasSignals        bool
	lastSignalAt      time.Time
	lastHeartbeat     time.Time
	reconnectingSince time.Time
	lastCommand       *types.AdaptationCommand

	// history is a fixed-capacity ring of recent states and commands, kept
	// for debugging only. Bounded so per-session memory stays flat no
	// matter how long a session lives.
	history     []historyEntry
	historyNext int
	historyLen  int

	evaluations     uint64
	commandsEmitted uint64
}

func newSession(id string, baseline types.TransitionState, phase types.LearningEventPhase, historySize int, now time.Time) *Session {
	return &Session{
		id:            id,
		createdAt:     now,
		state:         StateConnecting,
		phase:         phase,
		transition:    baseline,
		lastHeartbeat: now,
		history:       make([]historyEntry, historySize),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Phase returns the current learning event phase.
func (s *Session) Phase() types.LearningEventPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// SetPhase advances the learning event phase.
func (s *Session) SetPhase(phase types.LearningEventPhase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phase
}

// TransitionState returns the current transition state.
func (s *Session) TransitionState() types.TransitionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition
}

// Signals returns the latest stored signal reading, if any.
func (s *Session) Signals() (types.ModelSignalSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signals, s.hasSignals
}

// LastCommand returns the most recently emitted adaptation command, if any.
func (s *Session) LastCommand() (types.AdaptationCommand, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastCommand == nil {
		return types.AdaptationCommand{}, false
	}
	return *s.lastCommand, true
}

// LastHeartbeat returns the time of the last heartbeat.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// updateSignals stores a fresh reading and reactivates an idle session.
func (s *Session) updateSignals(signals types.ModelSignalSet, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = signals
	s.hasSignals = true
	s.lastSignalAt = now
	if s.state == StateIdle {
		s.state = StateActive
	}
}

// heartbeat resets the idle timer.
func (s *Session) heartbeat(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = now
	if s.state == StateIdle {
		s.state = StateActive
	}
}

// applyEvaluation commits a new transition state and returns the previous
// one. The scheduler serializes evaluations per session, so there is never a
// concurrent writer.
func (s *Session) applyEvaluation(next types.TransitionState, now time.Time) types.TransitionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.transition
	s.transition = next
	s.evaluations++
	s.pushHistory(historyEntry{State: next, At: now})
	return prev
}

// recordCommand stores the emitted command as the timeout fallback.
func (s *Session) recordCommand(cmd types.AdaptationCommand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cmd
	s.lastCommand = &c
	s.commandsEmitted++
	s.pushHistory(historyEntry{State: cmd.State, Command: cmd.Type, At: cmd.ProducedAt})
}

// pushHistory appends to the ring. Callers hold the lock.
func (s *Session) pushHistory(e historyEntry) {
	if len(s.history) == 0 {
		return
	}
	s.history[s.historyNext] = e
	s.historyNext = (s.historyNext + 1) % len(s.history)
	if s.historyLen < len(s.history) {
		s.historyLen++
	}
}

// transitionTo moves the session to the given lifecycle state if it is not
// closed, and reports whether the move happened.
func (s *Session) transitionTo(state State, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	if state == StateReconnecting {
		s.reconnectingSince = now
	}
	s.state = state
	return true
}

// close marks the session closed and reports whether this call was the first
// close. Closing is terminal and idempotent.
func (s *Session) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	return true
}

// summary captures the counters for the final close event.
func (s *Session) summary() (evaluations, commands uint64, state types.TransitionState, phase types.LearningEventPhase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evaluations, s.commandsEmitted, s.transition, s.phase
}
