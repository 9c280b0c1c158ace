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

// Package adaptation interprets transition-state deltas into typed adaptation
// commands using configured threshold bands.
//
// The band layout, from the dead zone outward (delta is next-prev):
//
//	|delta| <= DeadZone                  -> no-op
//	DeadZone < delta <= PacingBand       -> pacing-adjust (faster)
//	-PacingBand <= delta < -DeadZone     -> pacing-adjust (slower)
//	delta > PacingBand                   -> difficulty-adjust (upward)
//	delta < -PacingBand                  -> support-adjust (increase)
//
// Independent of the delta bands, a resulting state whose magnitude crosses
// ContentSwapBound requests a content swap: the learner has drifted past what
// the current content unit can absorb in either direction.
//
// Every command carries a confidence score in [0, 1] reflecting how far past
// the triggering threshold the delta fell; dead-zone no-ops score by their
// distance from the band edge.
package adaptation

import (
	"fmt"
	"math"
	"time"

	"github.com/Seth-arc/malloc-sub007/pkg/engine/types"
	errutil "github.com/Seth-arc/malloc-sub007/pkg/engine/util/error"
)

// Content swap targets. The engine does not own the content catalog; it names
// the direction of the swap and the client resolves the concrete unit.
const (
	ContentTargetAdvanced = "advanced"
	ContentTargetRemedial = "remedial"
)

// Thresholds holds the configured band edges. All values are positive and the
// bands must nest: 0 < DeadZone < PacingBand, 0 < ContentSwapBound.
type Thresholds struct {
	// DeadZone is the delta magnitude below which no adaptation fires.
	DeadZone float64
	// PacingBand is the delta magnitude separating pacing adjustments from
	// the stronger difficulty/support adjustments.
	PacingBand float64
	// ContentSwapBound is the absolute transition state beyond which the
	// current content unit is considered exhausted.
	ContentSwapBound float64
}

// Validate enforces band nesting at startup.
func (t Thresholds) Validate() error {
	if t.DeadZone <= 0 || t.PacingBand <= t.DeadZone || t.ContentSwapBound <= 0 {
		return errutil.Error{
			Code: errutil.BadConfiguration,
			Msg: fmt.Sprintf("adaptation thresholds must nest: 0 < deadZone (%v) < pacingBand (%v), contentSwapBound (%v) > 0",
				t.DeadZone, t.PacingBand, t.ContentSwapBound),
		}
	}
	return nil
}

// SessionContext is the slice of session state Interpret needs. All callers
// are internal; a malformed context is a contract violation, not a retryable
// input error.
type SessionContext struct {
	SessionID string
	Phase     types.LearningEventPhase
}

// Processor converts numeric state deltas into adaptation commands.
type Processor struct {
	thresholds Thresholds
	now        func() time.Time
}

// NewProcessor creates a processor with validated thresholds.
func NewProcessor(thresholds Thresholds) (*Processor, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Processor{thresholds: thresholds, now: time.Now}, nil
}

// Interpret maps the transition from prev to next into exactly one command.
func (p *Processor) Interpret(prev, next types.TransitionState, sctx SessionContext) (types.AdaptationCommand, error) {
	if sctx.SessionID == "" || !sctx.Phase.Valid() {
		return types.AdaptationCommand{}, errutil.Error{
			Code: errutil.ContractViolation,
			Msg:  fmt.Sprintf("malformed session context: id=%q phase=%q", sctx.SessionID, sctx.Phase),
		}
	}
	if !prev.Finite() || !next.Finite() {
		return types.AdaptationCommand{}, errutil.Error{
			Code: errutil.ContractViolation,
			Msg:  fmt.Sprintf("non-finite transition states: prev=%v next=%v", prev, next),
		}
	}

	cmd := types.AdaptationCommand{
		SessionID:  sctx.SessionID,
		State:      next,
		ProducedAt: p.now(),
	}

	// A state past the swap bound overrides the delta bands: the content
	// unit itself is the wrong one, regardless of how gently we got there.
	if abs := math.Abs(float64(next)); abs >= p.thresholds.ContentSwapBound {
		cmd.Type = types.CommandContentSwap
		if next > 0 {
			cmd.ContentID = ContentTargetAdvanced
		} else {
			cmd.ContentID = ContentTargetRemedial
		}
		cmd.Confidence = clamp01((abs - p.thresholds.ContentSwapBound) / math.Max(1e-9, 1-p.thresholds.ContentSwapBound))
		return cmd, nil
	}

	delta := float64(next - prev)
	mag := math.Abs(delta)
	switch {
	case mag <= p.thresholds.DeadZone:
		cmd.Type = types.CommandNoOp
		cmd.Confidence = clamp01((p.thresholds.DeadZone - mag) / p.thresholds.DeadZone)
	case delta > p.thresholds.PacingBand:
		cmd.Type = types.CommandDifficultyAdjust
		cmd.DifficultyDelta = delta
		cmd.Confidence = clamp01((delta - p.thresholds.PacingBand) / p.thresholds.PacingBand)
	case delta < -p.thresholds.PacingBand:
		cmd.Type = types.CommandSupportAdjust
		cmd.SupportLevel = 1
		cmd.Confidence = clamp01((mag - p.thresholds.PacingBand) / p.thresholds.PacingBand)
	default:
		cmd.Type = types.CommandPacingAdjust
		cmd.PacingDelta = delta
		cmd.Confidence = clamp01((mag - p.thresholds.DeadZone) / (p.thresholds.PacingBand - p.thresholds.DeadZone))
	}
	return cmd, nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
