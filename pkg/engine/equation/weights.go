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

package equation

import (
	"fmt"

	"github.com/Seth-arc/malloc-sub007/pkg/engine/types"
	errutil "github.com/Seth-arc/malloc-sub007/pkg/engine/util/error"
)

// WeightTable maps every learning event phase to the weight set the evaluator
// uses during that phase. The table is read-only after construction and safe
// for unsynchronized concurrent lookups.
type WeightTable struct {
	weights map[types.LearningEventPhase]types.WeightSet
}

// NewWeightTable validates the supplied per-phase weights and builds the
// lookup table. Every phase must be present and every set must satisfy the
// sum-to-1.0 invariant; any violation refuses construction so the process
// fails at startup rather than mid-session.
func NewWeightTable(perPhase map[types.LearningEventPhase]types.WeightSet) (*WeightTable, error) {
	weights := make(map[types.LearningEventPhase]types.WeightSet, len(types.AllPhases))
	for _, phase := range types.AllPhases {
		ws, ok := perPhase[phase]
		if !ok {
			return nil, errutil.Error{
				Code: errutil.BadConfiguration,
				Msg:  fmt.Sprintf("weight table is missing phase %q", phase),
			}
		}
		if err := ws.Validate(); err != nil {
			return nil, fmt.Errorf("weight table phase %q: %w", phase, err)
		}
		weights[phase] = ws
	}
	for phase := range perPhase {
		if !phase.Valid() {
			return nil, errutil.Error{
				Code: errutil.BadConfiguration,
				Msg:  fmt.Sprintf("weight table contains unknown phase %q", phase),
			}
		}
	}
	return &WeightTable{weights: weights}, nil
}

// WeightsFor returns the weight set for the given phase.
func (t *WeightTable) WeightsFor(phase types.LearningEventPhase) (types.WeightSet, error) {
	ws, ok := t.weights[phase]
	if !ok {
		return types.WeightSet{}, errutil.Error{
			Code: errutil.InvalidInput,
			Msg:  fmt.Sprintf("no weights for phase %q", phase),
		}
	}
	return ws, nil
}
