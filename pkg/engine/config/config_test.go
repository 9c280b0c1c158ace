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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seth-arc/malloc-sub007/pkg/engine/types"
	errutil "github.com/Seth-arc/malloc-sub007/pkg/engine/util/error"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Default().Validate())
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("Unexpected config (-want +got): %v", diff)
	}
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("Unexpected config (-want +got): %v", diff)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
equation:
  learningRate: 0.5
scheduler:
  workers: 4
  dispatchTimeout: 50ms
session:
  heartbeatTimeout: 1m
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.Equation.LearningRate)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 50*time.Millisecond, cfg.Scheduler.DispatchTimeout.Duration)
	assert.Equal(t, time.Minute, cfg.Session.HeartbeatTimeout.Duration)
	// Untouched sections keep their defaults.
	assert.Equal(t, 0.15, cfg.Equation.ExplorationFactor)
	assert.Equal(t, 0.9, cfg.Adaptation.ContentSwapBound)
}

func TestLoad_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "unknown field is rejected",
			content: "equation:\n  learningRatio: 0.5\n",
		},
		{
			name:    "weights must sum to one",
			content: "weights:\n  practice:\n    learner: 0.5\n    knowledge: 0.5\n    engagement: 0.5\n    assessment: 0.5\n",
		},
		{
			name:    "learning rate must be positive",
			content: "equation:\n  learningRate: -0.1\n",
		},
		{
			name:    "dispatch deadline must cover evaluation deadline",
			content: "scheduler:\n  evaluationTimeout: 100ms\n  dispatchTimeout: 10ms\n",
		},
		{
			name:    "workers must be positive",
			content: "scheduler:\n  workers: 0\n",
		},
		{
			name:    "malformed duration",
			content: "session:\n  heartbeatTimeout: soon\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Equal(t, errutil.BadConfiguration, errutil.CanonicalCode(err))
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestConfig_ValidateWeightTable(t *testing.T) {
	t.Parallel()

	cfg := Default()
	delete(cfg.Weights, types.PhaseMastery)
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, errutil.BadConfiguration, errutil.CanonicalCode(err))
}
