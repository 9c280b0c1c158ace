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

// Package config defines the engine's immutable startup configuration.
// Configuration is loaded exactly once at process start and passed by
// reference into each component's constructor; nothing is hot-reloaded
// mid-session. Any validation failure is fatal: the process refuses to serve
// rather than run with a broken weight table or nonsensical timeouts.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/Seth-arc/malloc-sub007/pkg/engine/types"
	errutil "github.com/Seth-arc/malloc-sub007/pkg/engine/util/error"
)

// Duration wraps time.Duration so YAML/JSON configs can say "10ms" or "5s".
type Duration struct {
	time.Duration
}

// MarshalJSON emits the duration in its string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// EquationConfig holds the transition equation constants.
type EquationConfig struct {
	LearningRate      float64 `json:"learningRate"`
	ExplorationFactor float64 `json:"explorationFactor"`
	StochasticSpread  float64 `json:"stochasticSpread"`
	StochasticBound   float64 `json:"stochasticBound"`
}

// AdaptationConfig holds the threshold bands of the adaptation processor.
// See the adaptation package for the band layout these values feed.
type AdaptationConfig struct {
	DeadZone         float64 `json:"deadZone"`
	PacingBand       float64 `json:"pacingBand"`
	ContentSwapBound float64 `json:"contentSwapBound"`
}

// SchedulerConfig bounds the pipeline scheduler.
type SchedulerConfig struct {
	// Workers is the fixed size of the evaluation worker pool.
	Workers int `json:"workers"`
	// QueueHighWaterMark is the queue depth beyond which the lowest-priority
	// task is dropped instead of growing memory unbounded.
	QueueHighWaterMark int `json:"queueHighWaterMark"`
	// EvaluationTimeout is the hard deadline for one equation evaluation.
	EvaluationTimeout Duration `json:"evaluationTimeout"`
	// DispatchTimeout is the hard deadline for the full
	// produce-command-and-dispatch path.
	DispatchTimeout Duration `json:"dispatchTimeout"`
}

// SessionConfig bounds session lifecycle management.
type SessionConfig struct {
	// BaselineState is the transition state every new session starts from.
	BaselineState float64 `json:"baselineState"`
	// HeartbeatTimeout closes sessions missing heartbeats this long.
	// Sessions go idle at half of it.
	HeartbeatTimeout Duration `json:"heartbeatTimeout"`
	// ReconnectGrace is the window within which a dropped connection may
	// resume its session, preserving transition state continuity.
	ReconnectGrace Duration `json:"reconnectGrace"`
	// SignalStaleness is the age beyond which a stored signal reading is a
	// fault rather than an input.
	SignalStaleness Duration `json:"signalStaleness"`
	// HistorySize caps the per-session rolling window of recent states and
	// commands kept for debugging.
	HistorySize int `json:"historySize"`
}

// StreamingConfig bounds the streaming handler.
type StreamingConfig struct {
	// SnapshotInterval is the period of the telemetry state snapshots.
	SnapshotInterval Duration `json:"snapshotInterval"`
	// OutboundBufferSize caps the per-connection outbound message queue.
	OutboundBufferSize int `json:"outboundBufferSize"`
}

// Config is the engine's complete startup configuration.
type Config struct {
	Equation   EquationConfig                              `json:"equation"`
	Weights    map[types.LearningEventPhase]types.WeightSet `json:"weights"`
	Adaptation AdaptationConfig                            `json:"adaptation"`
	Scheduler  SchedulerConfig                             `json:"scheduler"`
	Session    SessionConfig                               `json:"session"`
	Streaming  StreamingConfig                             `json:"streaming"`
}

// Default returns the reference configuration. Deployments normally start
// from this and override the weight table and thresholds per curriculum.
func Default() *Config {
	return &Config{
		Equation: EquationConfig{
			LearningRate:      0.7,
			ExplorationFactor: 0.15,
			StochasticSpread:  0.1,
			StochasticBound:   0.3,
		},
		Weights: map[types.LearningEventPhase]types.WeightSet{
			// Early phases over-weight the learner profile; late phases
			// over-weight assessment.
			types.PhaseOnboarding:   {Learner: 0.40, Knowledge: 0.25, Engagement: 0.20, Assessment: 0.15},
			types.PhaseIntroduction: {Learner: 0.30, Knowledge: 0.30, Engagement: 0.25, Assessment: 0.15},
			types.PhasePractice:     {Learner: 0.27, Knowledge: 0.32, Engagement: 0.18, Assessment: 0.23},
			types.PhaseApplication:  {Learner: 0.20, Knowledge: 0.30, Engagement: 0.20, Assessment: 0.30},
			types.PhaseMastery:      {Learner: 0.15, Knowledge: 0.25, Engagement: 0.15, Assessment: 0.45},
		},
		Adaptation: AdaptationConfig{
			DeadZone:         0.05,
			PacingBand:       0.25,
			ContentSwapBound: 0.9,
		},
		Scheduler: SchedulerConfig{
			Workers:            16,
			QueueHighWaterMark: 256,
			EvaluationTimeout:  Duration{10 * time.Millisecond},
			DispatchTimeout:    Duration{25 * time.Millisecond},
		},
		Session: SessionConfig{
			BaselineState:    0.0,
			HeartbeatTimeout: Duration{30 * time.Second},
			ReconnectGrace:   Duration{5 * time.Second},
			SignalStaleness:  Duration{10 * time.Second},
			HistorySize:      32,
		},
		Streaming: StreamingConfig{
			SnapshotInterval:   Duration{5 * time.Second},
			OutboundBufferSize: 64,
		},
	}
}

// Load reads and validates a YAML config file. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
		return nil, errutil.Error{
			Code: errutil.BadConfiguration,
			Msg:  fmt.Sprintf("config file %q is not valid YAML: %v", path, err),
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every invariant the components rely on.
func (c *Config) Validate() error {
	if c.Equation.LearningRate <= 0 {
		return badConfig(fmt.Sprintf("learningRate %v must be positive", c.Equation.LearningRate))
	}
	if c.Equation.ExplorationFactor < 0 {
		return badConfig(fmt.Sprintf("explorationFactor %v must be non-negative", c.Equation.ExplorationFactor))
	}
	if c.Equation.StochasticSpread < 0 || c.Equation.StochasticBound < 0 {
		return badConfig("stochastic spread and bound must be non-negative")
	}
	for phase, ws := range c.Weights {
		if !phase.Valid() {
			return badConfig(fmt.Sprintf("weights reference unknown phase %q", phase))
		}
		if err := ws.Validate(); err != nil {
			return fmt.Errorf("weights for phase %q: %w", phase, err)
		}
	}
	for _, phase := range types.AllPhases {
		if _, ok := c.Weights[phase]; !ok {
			return badConfig(fmt.Sprintf("weights missing phase %q", phase))
		}
	}
	if c.Adaptation.DeadZone <= 0 || c.Adaptation.PacingBand <= c.Adaptation.DeadZone || c.Adaptation.ContentSwapBound <= 0 {
		return badConfig("adaptation thresholds must satisfy 0 < deadZone < pacingBand and contentSwapBound > 0")
	}
	if c.Scheduler.Workers <= 0 {
		return badConfig(fmt.Sprintf("scheduler workers %d must be positive", c.Scheduler.Workers))
	}
	if c.Scheduler.QueueHighWaterMark <= 0 {
		return badConfig(fmt.Sprintf("queueHighWaterMark %d must be positive", c.Scheduler.QueueHighWaterMark))
	}
	if c.Scheduler.EvaluationTimeout.Duration <= 0 || c.Scheduler.DispatchTimeout.Duration <= 0 {
		return badConfig("scheduler timeouts must be positive")
	}
	if c.Scheduler.DispatchTimeout.Duration < c.Scheduler.EvaluationTimeout.Duration {
		return badConfig("dispatchTimeout must be at least evaluationTimeout")
	}
	if c.Session.HeartbeatTimeout.Duration <= 0 || c.Session.ReconnectGrace.Duration <= 0 || c.Session.SignalStaleness.Duration <= 0 {
		return badConfig("session timeouts must be positive")
	}
	if c.Session.HistorySize <= 0 {
		return badConfig(fmt.Sprintf("historySize %d must be positive", c.Session.HistorySize))
	}
	if c.Streaming.SnapshotInterval.Duration <= 0 {
		return badConfig("snapshotInterval must be positive")
	}
	if c.Streaming.OutboundBufferSize <= 0 {
		return badConfig(fmt.Sprintf("outboundBufferSize %d must be positive", c.Streaming.OutboundBufferSize))
	}
	return nil
}

func badConfig(msg string) error {
	return errutil.Error{Code: errutil.BadConfiguration, Msg: msg}
}
