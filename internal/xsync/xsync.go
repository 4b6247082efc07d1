// Copyright (C) 2019-2021  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

// Package xsync complements standard package sync and golang.org/x/sync.
//
//   - WorkGroup spawns a group of goroutines working on a common task and
//     cancels the group's context as soon as the first of them fails.
//
// ordserv uses WorkGroup where golang.org/x/sync/errgroup would otherwise be
// reached for, because it additionally exposes the per-worker context as an
// argument, which both the ordering server's round supervisor and the test
// harness's worker pool need in order to observe round/iteration cancellation.
package xsync

import (
	"context"
	"sync"
)

// WorkGroup represents a group of goroutines working on a common task.
//
// Use .Go() to spawn goroutines, and .Wait() to wait for all of them to
// complete:
//
//	wg := xsync.NewWorkGroup(ctx)
//	wg.Go(f1)
//	wg.Go(f2)
//	err := wg.Wait()
//
// Every spawned function accepts a context derived from the ctx used to
// initialize WorkGroup. Whenever a function returns a non-nil error, the
// work context is canceled so that other spawned goroutines can observe
// that they should stop. .Wait() waits for all spawned goroutines to
// complete and returns the error, if any, of the first failed subtask.
//
// NOTE if a spawned function panics, the panic is currently _not_ recovered
// by WorkGroup and propagates normally, taking down the whole program.
type WorkGroup struct {
	ctx    context.Context
	cancel func()
	waitg  sync.WaitGroup
	mu     sync.Mutex
	err    error
}

// NewWorkGroup creates a new WorkGroup working under ctx.
func NewWorkGroup(ctx context.Context) *WorkGroup {
	g := &WorkGroup{}
	g.ctx, g.cancel = context.WithCancel(ctx)
	return g
}

// Go spawns a new worker under the work group.
func (g *WorkGroup) Go(f func(context.Context) error) {
	g.waitg.Add(1)
	go func() {
		defer g.waitg.Done()

		err := f(g.ctx)
		if err == nil {
			return
		}

		g.mu.Lock()
		defer g.mu.Unlock()

		if g.err == nil {
			g.err = err
			g.cancel()
		}
	}()
}

// Wait waits for all spawned workers to complete.
//
// It returns the error, if any, of the first failed worker.
func (g *WorkGroup) Wait() error {
	g.waitg.Wait()
	g.cancel()
	return g.err
}
