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

// Package runnable runs the engine's long-lived components as one group:
// every member starts together, and the first failure or a context cancel
// stops them all.
package runnable

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
)

// Runnable is a long-lived component tied to a context.
type Runnable interface {
	Start(ctx context.Context) error
}

// Func adapts a plain function into a Runnable.
type Func func(ctx context.Context) error

func (f Func) Start(ctx context.Context) error { return f(ctx) }

// Group runs a set of Runnables until the first error or context cancel.
type Group struct {
	logger  logr.Logger
	members []member
}

type member struct {
	name string
	r    Runnable
}

// NewGroup creates an empty group.
func NewGroup(logger logr.Logger) *Group {
	return &Group{logger: logger.WithName("RunnableGroup")}
}

// Add registers a named member. The name is only used for logging.
func (g *Group) Add(name string, r Runnable) *Group {
	g.members = append(g.members, member{name: name, r: r})
	return g
}

// Start runs every member and blocks until all have stopped. The first
// member error cancels the rest and is the group's return value.
func (g *Group) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		groupErr error
	)
	for _, m := range g.members {
		wg.Add(1)
		go func(m member) {
			defer wg.Done()
			g.logger.Info("Runnable starting", "name", m.name)
			if err := m.r.Start(ctx); err != nil {
				g.logger.Error(err, "Runnable failed", "name", m.name)
				errOnce.Do(func() { groupErr = err })
				cancel()
				return
			}
			g.logger.Info("Runnable terminated", "name", m.name)
		}(m)
	}
	wg.Wait()
	return groupErr
}
