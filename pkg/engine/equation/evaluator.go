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

// Package equation implements the state-transition equation at the core of
// the adaptation engine: the pure evaluator, the per-phase weight table and
// the bounded stochastic exploration term.
package equation

import (
	"fmt"

	"github.com/Seth-arc/malloc-sub007/pkg/engine/types"
	errutil "github.com/Seth-arc/malloc-sub007/pkg/engine/util/error"
)

// Evaluate computes the next transition state:
//
//	next = prev + learningRate*dot(signals, weights) + explorationFactor*stochastic
//
// It is pure and side-effect free. Inputs are validated rather than clamped:
// a signal outside [0, 1] or a weight set violating the sum-to-1.0 invariant
// fails the evaluation. A non-finite result indicates a broken internal
// invariant and is reported as a contract violation.
func Evaluate(
	prev types.TransitionState,
	signals types.ModelSignalSet,
	weights types.WeightSet,
	stochastic float64,
	learningRate float64,
	explorationFactor float64,
) (types.TransitionState, error) {
	if err := signals.Validate(); err != nil {
		return prev, err
	}
	if err := weights.Validate(); err != nil {
		return prev, err
	}
	if !prev.Finite() {
		return prev, errutil.Error{
			Code: errutil.ContractViolation,
			Msg:  fmt.Sprintf("previous transition state %v is not finite", prev),
		}
	}

	next := prev + types.TransitionState(learningRate*weights.Dot(signals)+explorationFactor*stochastic)
	if !next.Finite() {
		return prev, errutil.Error{
			Code: errutil.ContractViolation,
			Msg:  fmt.Sprintf("evaluation produced non-finite state from prev=%v", prev),
		}
	}
	return next, nil
}
