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

// Package runner wires the adaptive engine together and runs it: config,
// equation components, session manager, scheduler, streaming handler and
// the WebSocket, metrics and health endpoints.
package runner

import (
	"context"
	"flag"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	healthPb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Seth-arc/malloc-sub007/internal/runnable"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/adaptation"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/config"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/equation"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/metrics"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/pipeline"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/scheduler"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/session"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/streaming"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/transport"
	logutil "github.com/Seth-arc/malloc-sub007/pkg/engine/util/logging"
	"github.com/Seth-arc/malloc-sub007/version"
)

var (
	configFile = flag.String("config-file", "", "Path to the engine configuration file. Empty uses the reference defaults.")
	streamPort = flag.Int("stream-port", 9002, "The port serving the learner WebSocket stream endpoint")
	healthPort = flag.Int("grpc-health-port", 9005, "The port used for gRPC liveness and readiness probes")

	metricsPort  = flag.Int("metrics-port", 9090, "The metrics port")
	logVerbosity = flag.Int("v", logutil.DEFAULT, "number for the log level verbosity")
)

// Runner assembles and runs the engine process.
type Runner struct {
	executableName string
}

func NewRunner() *Runner {
	return &Runner{executableName: "adaptive-engine"}
}

// WithExecutableName sets the name used in the version log upon startup.
func (r *Runner) WithExecutableName(name string) *Runner {
	r.executableName = name
	return r
}

func (r *Runner) Run(ctx context.Context) error {
	flag.Parse()

	logger := logutil.NewLogger(*logVerbosity)
	setupLog := logger.WithName("setup")
	setupLog.Info(r.executableName+" build", "commit-sha", version.CommitSHA, "build-ref", version.BuildRef)

	flags := make(map[string]any)
	flag.VisitAll(func(f *flag.Flag) {
		flags[f.Name] = f.Value
	})
	setupLog.Info("Flags processed", "flags", flags)

	cfg, err := config.Load(*configFile)
	if err != nil {
		setupLog.Error(err, "Failed to load configuration", "configFile", *configFile)
		return err
	}

	weights, err := equation.NewWeightTable(cfg.Weights)
	if err != nil {
		setupLog.Error(err, "Failed to build weight table")
		return err
	}
	stochastic := equation.NewGenerator(cfg.Equation.StochasticSpread, cfg.Equation.StochasticBound)
	processor, err := adaptation.NewProcessor(adaptation.Thresholds{
		DeadZone:         cfg.Adaptation.DeadZone,
		PacingBand:       cfg.Adaptation.PacingBand,
		ContentSwapBound: cfg.Adaptation.ContentSwapBound,
	})
	if err != nil {
		setupLog.Error(err, "Failed to build adaptation processor")
		return err
	}

	metrics.Register()

	sessions := session.NewManager(cfg.Session, logger)
	streamer := streaming.NewHandler(cfg.Streaming, cfg.Session.SignalStaleness.Duration, sessions, logger)
	pipe := pipeline.New(cfg.Equation, cfg.Scheduler.EvaluationTimeout.Duration,
		weights, stochastic, processor, sessions, sessions, streamer, logger)
	sched := scheduler.New(cfg.Scheduler, pipe, logger)
	sessions.Bind(sched, streamer)
	streamer.BindScheduler(sched)

	gateway := transport.NewGateway(cfg.Session, sessions, streamer, logger)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	healthSrv := grpc.NewServer()
	healthPb.RegisterHealthServer(healthSrv, &healthServer{logger: logger})

	group := runnable.NewGroup(logger).
		Add("scheduler", runnable.Func(func(ctx context.Context) error {
			sched.Run(ctx)
			return nil
		})).
		Add("session-sweeper", runnable.Func(func(ctx context.Context) error {
			sessions.Run(ctx)
			return nil
		})).
		Add("snapshot-loop", runnable.Func(func(ctx context.Context) error {
			streamer.Run(ctx)
			return nil
		})).
		Add("stream-server", runnable.HTTPServer("stream", &http.Server{
			Addr:    fmt.Sprintf(":%d", *streamPort),
			Handler: gateway.Mux(),
		}, logger)).
		Add("metrics-server", runnable.HTTPServer("metrics", &http.Server{
			Addr:    fmt.Sprintf(":%d", *metricsPort),
			Handler: metricsMux,
		}, logger)).
		Add("health-server", runnable.GRPCServer("health", healthSrv, *healthPort, logger))

	return group.Start(ctx)
}
