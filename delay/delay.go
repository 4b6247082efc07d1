// Copyright (C) 2017-2021  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

// Package delay builds the environment a probed executable reads at each
// tracepoint invocation to decide how long to artificially sleep before
// continuing - the perturbation harness's actual lever for exploring
// different event interleavings.
package delay

import (
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// HookId names one instrumented tracepoint in the executable under test.
type HookId string

// InvocationCounts records how many times the executable is expected to
// invoke each hook, as discovered by a probe run.
type InvocationCounts map[HookId]int

// Total returns the sum of every hook's invocation count.
func (c InvocationCounts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// Vector is a flat, per-invocation list of delays (in milliseconds),
// ordered the same way EnvironmentUpdate assigns variables: hooks sorted by
// name, invocations within a hook in occurrence order.
type Vector []time.Duration

// EnvironmentUpdate is a set of deterministically-named environment
// variables, one per (hook, invocation index) pair, each holding the delay
// (in milliseconds) that invocation should sleep for before proceeding.
type EnvironmentUpdate struct {
	Vars map[string]string
}

// varName computes the deterministic per-invocation environment variable
// name a probed executable consults to find its delay.
func varName(hook HookId, invocation int) string {
	return fmt.Sprintf("ORDSERV_DELAY_MS_%s_%d", hook, invocation)
}

// VarName is the exported form of varName: the environment variable name
// holding the delay of one hook's invocation-th invocation.
func VarName(hook HookId, invocation int) string {
	return varName(hook, invocation)
}

// NewEnvironmentUpdate builds the environment update for one run: counts
// gives the expected invocation count per hook (from a probe run), and vec
// is a flat delay vector whose length must equal counts.Total(). Hooks are
// walked in sorted name order so that the same (counts, vec) pair always
// produces the same variable assignment, which is what lets a DelayVector be
// replayed deterministically across runs.
func NewEnvironmentUpdate(counts InvocationCounts, vec Vector) (EnvironmentUpdate, error) {
	if total := counts.Total(); total != len(vec) {
		return EnvironmentUpdate{}, errors.Errorf("delay: invocation count total %d does not match delay vector length %d", total, len(vec))
	}

	hooks := make([]HookId, 0, len(counts))
	for h := range counts {
		hooks = append(hooks, h)
	}
	sort.Slice(hooks, func(i, j int) bool { return hooks[i] < hooks[j] })

	vars := make(map[string]string, len(vec))
	pos := 0
	for _, hook := range hooks {
		for inv := 0; inv < counts[hook]; inv++ {
			vars[varName(hook, inv)] = fmt.Sprintf("%d", vec[pos].Milliseconds())
			pos++
		}
	}
	return EnvironmentUpdate{Vars: vars}, nil
}

// Environ renders u as a "KEY=VALUE" slice suitable for exec.Cmd.Env,
// appended to base (which is not mutated).
func (u EnvironmentUpdate) Environ(base []string) []string {
	out := make([]string, 0, len(base)+len(u.Vars))
	out = append(out, base...)
	for k, v := range u.Vars {
		out = append(out, k+"="+v)
	}
	return out
}
