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

// Package pipeline runs one full evaluation step for a session: pull the
// freshest model signals, advance the transition equation, interpret the
// resulting delta into an adaptation command and stream it out. The scheduler
// serializes steps per session, so a step may assume exclusive ownership of
// its session's transition state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/Seth-arc/malloc-sub007/pkg/engine/adaptation"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/config"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/equation"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/metrics"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/scheduler"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/session"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/types"
	errutil "github.com/Seth-arc/malloc-sub007/pkg/engine/util/error"
	logutil "github.com/Seth-arc/malloc-sub007/pkg/engine/util/logging"
)

const loggerName = "Pipeline"

// Streamer delivers finished commands toward the session's connection.
type Streamer interface {
	PushCommand(cmd types.AdaptationCommand, phase types.LearningEventPhase)
}

// Sessions is the slice of the session manager a pipeline step touches.
type Sessions interface {
	Get(sessionID string) (*session.Session, error)
	ApplyEvaluation(sessionID string, next types.TransitionState) (types.TransitionState, error)
	RecordCommand(sessionID string, cmd types.AdaptationCommand)
	CloseSession(sessionID string, reason string)
}

// Pipeline wires the equation evaluator, the adaptation processor and the
// streaming handler into the scheduler's unit of work.
type Pipeline struct {
	equationCfg config.EquationConfig
	evalTimeout time.Duration
	weights     *equation.WeightTable
	stochastic  *equation.Generator
	processor   *adaptation.Processor
	sessions    Sessions
	signals     types.SignalSource
	streamer    Streamer
	logger      logr.Logger
	now         func() time.Time
}

// New assembles a pipeline from already-validated components.
func New(
	equationCfg config.EquationConfig,
	evalTimeout time.Duration,
	weights *equation.WeightTable,
	stochastic *equation.Generator,
	processor *adaptation.Processor,
	sessions Sessions,
	signals types.SignalSource,
	streamer Streamer,
	logger logr.Logger,
) *Pipeline {
	return &Pipeline{
		equationCfg: equationCfg,
		evalTimeout: evalTimeout,
		weights:     weights,
		stochastic:  stochastic,
		processor:   processor,
		sessions:    sessions,
		signals:     signals,
		streamer:    streamer,
		logger:      logger.WithName(loggerName),
		now:         time.Now,
	}
}

// Evaluate runs one evaluation step end to end. A missing session maps to
// scheduler.ErrSessionGone so the task finalizes as cancelled rather than
// failed. A contract violation from the equation or the processor closes the
// session: its numeric state can no longer be trusted.
func (p *Pipeline) Evaluate(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sess, err := p.sessions.Get(sessionID)
	if err != nil {
		return p.mapNotFound(sessionID, err)
	}

	signals, err := p.signals.Signals(ctx, sessionID)
	if err != nil {
		return p.mapNotFound(sessionID, err)
	}

	phase := sess.Phase()
	weights, err := p.weights.WeightsFor(phase)
	if err != nil {
		return err
	}

	prev := sess.TransitionState()
	start := p.now()
	next, err := equation.Evaluate(prev, signals, weights, p.stochastic.Next(),
		p.equationCfg.LearningRate, p.equationCfg.ExplorationFactor)
	elapsed := p.now().Sub(start)
	metrics.RecordEvaluationLatency(elapsed)
	if err != nil {
		if errutil.CanonicalCode(err) == errutil.ContractViolation {
			p.quarantine(sessionID, err)
		}
		return err
	}
	if elapsed > p.evalTimeout {
		return errutil.Error{
			Code: errutil.Timeout,
			Msg:  fmt.Sprintf("equation evaluation took %s, limit %s", elapsed, p.evalTimeout),
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	prev, err = p.sessions.ApplyEvaluation(sessionID, next)
	if err != nil {
		return p.mapNotFound(sessionID, err)
	}

	cmd, err := p.processor.Interpret(prev, next, adaptation.SessionContext{
		SessionID: sessionID,
		Phase:     phase,
	})
	if err != nil {
		if errutil.CanonicalCode(err) == errutil.ContractViolation {
			p.quarantine(sessionID, err)
		}
		return err
	}

	p.sessions.RecordCommand(sessionID, cmd)
	p.streamer.PushCommand(cmd, phase)
	p.logger.V(logutil.TRACE).Info("Evaluation step complete", "sessionID", sessionID,
		"phase", phase, "prev", prev, "next", next, "command", cmd.Type, "elapsed", elapsed.String())
	return nil
}

// ResendLast re-streams the session's previous adaptation command after a
// deadline overrun. With no prior command there is nothing to replay; the
// client simply keeps its baseline.
func (p *Pipeline) ResendLast(_ context.Context, sessionID string) {
	sess, err := p.sessions.Get(sessionID)
	if err != nil {
		return
	}
	cmd, ok := sess.LastCommand()
	if !ok {
		return
	}
	p.logger.V(logutil.DEBUG).Info("Re-streaming previous command after timeout", "sessionID", sessionID, "command", cmd.Type)
	p.streamer.PushCommand(cmd, sess.Phase())
}

// mapNotFound converts a missing-session error into the scheduler's
// cancellation sentinel and passes every other error through.
func (p *Pipeline) mapNotFound(sessionID string, err error) error {
	if errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("session %s: %w", sessionID, scheduler.ErrSessionGone)
	}
	return err
}

func (p *Pipeline) quarantine(sessionID string, err error) {
	p.logger.Error(err, "Closing session after contract violation", "sessionID", sessionID)
	p.sessions.CloseSession(sessionID, "contract violation")
}
