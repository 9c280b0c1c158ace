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

// Package types defines the domain types shared by the adaptation engine's
// components: learner phases, model signals, weight sets, transition states
// and adaptation commands.
package types

import (
	"context"
	"fmt"
	"math"
	"time"

	errutil "github.com/Seth-arc/malloc-sub007/pkg/engine/util/error"
)

// TransitionState is the per-learner scalar representing current adaptation
// posture. It is owned by exactly one active session and mutated only by the
// equation evaluator.
type TransitionState float64

// Finite reports whether the state is a usable number.
func (s TransitionState) Finite() bool {
	f := float64(s)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// LearningEventPhase is the discrete stage of a learning session. The phase
// controls which weight set the evaluator uses.
type LearningEventPhase string

const (
	PhaseOnboarding   LearningEventPhase = "onboarding"
	PhaseIntroduction LearningEventPhase = "introduction"
	PhasePractice     LearningEventPhase = "practice"
	PhaseApplication  LearningEventPhase = "application"
	PhaseMastery      LearningEventPhase = "mastery"
)

// AllPhases lists every valid phase in progression order.
var AllPhases = []LearningEventPhase{
	PhaseOnboarding,
	PhaseIntroduction,
	PhasePractice,
	PhaseApplication,
	PhaseMastery,
}

// Valid reports whether the phase is one of the known phases.
func (p LearningEventPhase) Valid() bool {
	switch p {
	case PhaseOnboarding, PhaseIntroduction, PhasePractice, PhaseApplication, PhaseMastery:
		return true
	}
	return false
}

// ParsePhase converts a wire string into a LearningEventPhase.
func ParsePhase(s string) (LearningEventPhase, error) {
	p := LearningEventPhase(s)
	if !p.Valid() {
		return "", errutil.Error{Code: errutil.InvalidInput, Msg: fmt.Sprintf("unknown learning event phase %q", s)}
	}
	return p, nil
}

// ModelSignalSet is one timestamped reading from the four upstream learner
// models. All four scores are normalized to [0, 1].
type ModelSignalSet struct {
	Learner     float64   `json:"learnerScore"`
	Knowledge   float64   `json:"knowledgeScore"`
	Engagement  float64   `json:"engagementScore"`
	Assessment  float64   `json:"assessmentScore"`
	CollectedAt time.Time `json:"timestamp"`
}

// Validate checks that every score is inside [0, 1]. Out-of-range scores are
// an input fault, never silently clamped.
func (s ModelSignalSet) Validate() error {
	for _, v := range []struct {
		name  string
		score float64
	}{
		{"learnerScore", s.Learner},
		{"knowledgeScore", s.Knowledge},
		{"engagementScore", s.Engagement},
		{"assessmentScore", s.Assessment},
	} {
		if math.IsNaN(v.score) || v.score < 0 || v.score > 1 {
			return errutil.Error{
				Code: errutil.InvalidInput,
				Msg:  fmt.Sprintf("%s %v is outside [0, 1]", v.name, v.score),
			}
		}
	}
	return nil
}

// StaleAt reports whether the reading is older than threshold at the given
// instant. Stale signals are a fault; the engine never reuses them silently.
func (s ModelSignalSet) StaleAt(threshold time.Duration, now time.Time) bool {
	return now.Sub(s.CollectedAt) > threshold
}

// WeightSet holds the four non-negative model weights for one phase.
// A valid set sums to 1.0 within WeightSumEpsilon.
type WeightSet struct {
	Learner    float64 `json:"learner"`
	Knowledge  float64 `json:"knowledge"`
	Engagement float64 `json:"engagement"`
	Assessment float64 `json:"assessment"`
}

// WeightSumEpsilon is the tolerance on the sum-to-1.0 invariant.
const WeightSumEpsilon = 1e-6

// Sum returns the total of the four weights.
func (w WeightSet) Sum() float64 {
	return w.Learner + w.Knowledge + w.Engagement + w.Assessment
}

// Validate enforces non-negativity and the sum-to-1.0 invariant.
func (w WeightSet) Validate() error {
	for _, v := range []struct {
		name   string
		weight float64
	}{
		{"learner", w.Learner},
		{"knowledge", w.Knowledge},
		{"engagement", w.Engagement},
		{"assessment", w.Assessment},
	} {
		if math.IsNaN(v.weight) || v.weight < 0 {
			return errutil.Error{
				Code: errutil.BadConfiguration,
				Msg:  fmt.Sprintf("%s weight %v is negative or NaN", v.name, v.weight),
			}
		}
	}
	if sum := w.Sum(); math.Abs(sum-1.0) > WeightSumEpsilon {
		return errutil.Error{
			Code: errutil.BadConfiguration,
			Msg:  fmt.Sprintf("weights sum to %v, want 1.0 within %v", sum, WeightSumEpsilon),
		}
	}
	return nil
}

// Dot returns the dot product of the weights and the four model signals.
func (w WeightSet) Dot(s ModelSignalSet) float64 {
	return w.Learner*s.Learner + w.Knowledge*s.Knowledge + w.Engagement*s.Engagement + w.Assessment*s.Assessment
}

// CommandType discriminates the adaptation command variants.
type CommandType string

const (
	CommandNoOp             CommandType = "no-op"
	CommandDifficultyAdjust CommandType = "difficulty-adjust"
	CommandSupportAdjust    CommandType = "support-adjust"
	CommandPacingAdjust     CommandType = "pacing-adjust"
	CommandContentSwap      CommandType = "content-swap"
)

// AdaptationCommand is the actionable output instructing a client how to
// adjust difficulty, support, pacing, or content. Commands are immutable once
// emitted and consumed exactly once by the streaming handler.
type AdaptationCommand struct {
	SessionID string      `json:"sessionId"`
	Type      CommandType `json:"type"`

	// Exactly one payload field is meaningful, selected by Type.
	DifficultyDelta float64 `json:"difficultyDelta,omitempty"`
	SupportLevel    int     `json:"supportLevel,omitempty"`
	PacingDelta     float64 `json:"pacingDelta,omitempty"`
	ContentID       string  `json:"contentId,omitempty"`

	// Confidence in [0, 1] reflects how far past the relevant threshold the
	// state delta fell; downstream consumers use it to decide urgency.
	Confidence float64         `json:"confidence"`
	State      TransitionState `json:"transitionState"`
	ProducedAt time.Time       `json:"producedAtTimestamp"`
}

// StateSnapshot is the periodic telemetry emission for one session,
// independent of adaptation activity.
type StateSnapshot struct {
	SessionID string             `json:"sessionId"`
	State     TransitionState    `json:"transitionState"`
	Phase     LearningEventPhase `json:"phase"`
	Timestamp time.Time          `json:"timestamp"`
}

// ErrorNotice reports a per-session fault to the originating connection
// without closing it.
type ErrorNotice struct {
	SessionID string `json:"sessionId"`
	ErrorKind string `json:"errorKind"`
	Message   string `json:"message"`
}

// SignalSource produces the freshest model signal reading for a session. The
// four upstream learner models hide behind this single capability so tests
// can stub them trivially.
type SignalSource interface {
	Signals(ctx context.Context, sessionID string) (ModelSignalSet, error)
}
