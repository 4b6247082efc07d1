// Copyright (C) 2015-2016  Nexedi SA and Contributors.
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

// Package xerr provides addons for error handling.
package xerr

import (
	"fmt"
	"sync"
)

// Contextf prepends a "prefix: " context to *errp, if *errp is non-nil.
//
// Meant to be called under defer, the same way a caller would use
// errors.Wrapf, but on an error returned via a named return value rather
// than one already in hand:
//
//	func Close() (err error) {
//		defer xerr.Contextf(&err, "closing %s", name)
//		...
//	}
func Contextf(errp *error, format string, args ...interface{}) {
	if *errp == nil {
		return
	}
	*errp = fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), *errp)
}

// Errorv merges multiple errors, e.g. after collecting them from several
// parallel workers.
type Errorv []error

func (errv Errorv) Error() string {
	if len(errv) == 1 {
		return errv[0].Error()
	}

	msg := fmt.Sprintf("%d errors:\n", len(errv))
	for _, e := range errv {
		msg += fmt.Sprintf("\t- %s\n", e)
	}
	return msg
}

// Err returns nil if errv is empty, and errv itself (as error) otherwise.
func (errv Errorv) Err() error {
	if len(errv) == 0 {
		return nil
	}
	return errv
}

// Appendif appends err to errv, if err is non-nil.
func (errv *Errorv) Appendif(err error) {
	if err == nil {
		return
	}
	*errv = append(*errv, err)
}

// Collector gathers errors reported from several goroutines under a mutex.
//
// Used by the test-harness worker pool (pipeline package) to aggregate
// per-worker failures without aborting sibling workers, which - unlike
// xsync.WorkGroup - should keep running after one of them errors.
type Collector struct {
	mu   sync.Mutex
	errv Errorv
}

// Add records err, if non-nil, into the collector.
func (c *Collector) Add(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errv = append(c.errv, err)
}

// Err returns the aggregated error, or nil if nothing was collected.
func (c *Collector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errv.Err()
}
