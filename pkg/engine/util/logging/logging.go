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

package logging

import (
	"context"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log verbosity levels. Higher values are chattier.
const (
	DEFAULT = 1
	VERBOSE = 2
	DEBUG   = 3
	TRACE   = 4
)

// NewLogger creates the process logger at the given verbosity.
// Verbosity v maps to zap level -v (logr convention).
func NewLogger(verbosity int) logr.Logger {
	cfg := uberzap.NewProductionConfig()
	cfg.Level = uberzap.NewAtomicLevelAt(zapcore.Level(-verbosity))
	zl, err := cfg.Build(uberzap.AddCaller())
	if err != nil {
		// The production config cannot fail to build; keep the signature
		// friendly anyway.
		panic(err)
	}
	return zapr.NewLogger(zl)
}

// NewTestLogger creates a new Zap logger using the dev mode.
func NewTestLogger() logr.Logger {
	cfg := uberzap.NewDevelopmentConfig()
	cfg.Level = uberzap.NewAtomicLevelAt(zapcore.Level(-TRACE))
	zl, err := cfg.Build(uberzap.AddCaller())
	if err != nil {
		panic(err)
	}
	return zapr.NewLogger(zl)
}

// NewTestLoggerIntoContext creates a new dev-mode logger and inserts it into the given context.
func NewTestLoggerIntoContext(ctx context.Context) context.Context {
	return logr.NewContext(ctx, NewTestLogger())
}

// Fatal calls logger.Error followed by os.Exit(1).
//
// This is a utility function and should not be used in production code!
func Fatal(logger logr.Logger, err error, msg string, keysAndValues ...interface{}) {
	logger.Error(err, msg, keysAndValues...)
	os.Exit(1)
}
