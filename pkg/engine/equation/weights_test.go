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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seth-arc/malloc-sub007/pkg/engine/types"
	errutil "github.com/Seth-arc/malloc-sub007/pkg/engine/util/error"
)

func fullWeightMap() map[types.LearningEventPhase]types.WeightSet {
	even := types.WeightSet{Learner: 0.25, Knowledge: 0.25, Engagement: 0.25, Assessment: 0.25}
	m := make(map[types.LearningEventPhase]types.WeightSet, len(types.AllPhases))
	for _, p := range types.AllPhases {
		m[p] = even
	}
	return m
}

func TestNewWeightTable(t *testing.T) {
	t.Parallel()

	t.Run("complete table", func(t *testing.T) {
		t.Parallel()
		table, err := NewWeightTable(fullWeightMap())
		require.NoError(t, err)
		for _, p := range types.AllPhases {
			w, err := table.WeightsFor(p)
			require.NoError(t, err)
			assert.InDelta(t, 1.0, w.Sum(), types.WeightSumEpsilon)
		}
	})

	t.Run("missing phase is fatal", func(t *testing.T) {
		t.Parallel()
		m := fullWeightMap()
		delete(m, types.PhaseMastery)
		_, err := NewWeightTable(m)
		require.Error(t, err)
		assert.Equal(t, errutil.BadConfiguration, errutil.CanonicalCode(err))
	})

	t.Run("unknown phase is fatal", func(t *testing.T) {
		t.Parallel()
		m := fullWeightMap()
		m["cramming"] = m[types.PhasePractice]
		_, err := NewWeightTable(m)
		require.Error(t, err)
		assert.Equal(t, errutil.BadConfiguration, errutil.CanonicalCode(err))
	})

	t.Run("bad weight sum is fatal", func(t *testing.T) {
		t.Parallel()
		m := fullWeightMap()
		m[types.PhasePractice] = types.WeightSet{Learner: 0.5, Knowledge: 0.5, Engagement: 0.5, Assessment: 0.5}
		_, err := NewWeightTable(m)
		require.Error(t, err)
		assert.Equal(t, errutil.BadConfiguration, errutil.CanonicalCode(err))
	})
}

func TestWeightsFor_UnknownPhase(t *testing.T) {
	t.Parallel()

	table, err := NewWeightTable(fullWeightMap())
	require.NoError(t, err)
	_, err = table.WeightsFor("cramming")
	require.Error(t, err)
	assert.Equal(t, errutil.InvalidInput, errutil.CanonicalCode(err))
}
