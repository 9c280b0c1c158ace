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
	"math"
	"math/rand"
	"sync"
	"time"
)

// Generator draws bounded exploration terms for the transition equation. Each
// term is Gaussian with mean 0 and the configured spread, clamped to the
// symmetric bound so exploration never destabilizes the transition state.
//
// The generator is safe for concurrent use from multiple evaluation workers;
// the shared rand source is mutex-guarded.
type Generator struct {
	mu     sync.Mutex
	rng    *rand.Rand
	spread float64
	bound  float64
}

// NewGenerator creates a generator with the given spread and symmetric bound,
// seeded from the clock.
func NewGenerator(spread, bound float64) *Generator {
	return NewSeededGenerator(spread, bound, time.Now().UnixNano())
}

// NewSeededGenerator creates a deterministic generator for tests.
func NewSeededGenerator(spread, bound float64, seed int64) *Generator {
	return &Generator{
		rng:    rand.New(rand.NewSource(seed)),
		spread: spread,
		bound:  bound,
	}
}

// Bound returns the symmetric clamp applied to every term.
func (g *Generator) Bound() float64 { return g.bound }

// Next draws one stochastic term. The result is always within [-bound, bound].
func (g *Generator) Next() float64 {
	g.mu.Lock()
	v := g.rng.NormFloat64() * g.spread
	g.mu.Unlock()
	return math.Max(-g.bound, math.Min(g.bound, v))
}
