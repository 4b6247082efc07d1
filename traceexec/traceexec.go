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

// Package traceexec drives one instrumented executable under test: probing
// it to discover its tracepoint invocation counts, and running it under an
// injected delay environment to collect the resulting trace.
package traceexec

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lf-rti-testbed/ordserv/delay"
	"github.com/lf-rti-testbed/ordserv/internal/csvtrace"
	"github.com/lf-rti-testbed/ordserv/internal/metrics"
)

// CrashError reports a probed executable exiting with a non-zero code,
// carrying enough context to diagnose why.
type CrashError struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (c *CrashError) Error() string {
	return fmt.Sprintf("traceexec: process exited %d\nstdout:\n%s\nstderr:\n%s", c.ExitCode, c.Stdout, c.Stderr)
}

// hookMarker matches a probe run's "<<< HookId >>>" stdout lines.
var hookMarker = regexp.MustCompile(`<<<\s*(\S+)\s*>>>`)

// Runner executes one instrumented binary under the probe and run-traces
// protocols, isolating every invocation in its own scratch subdirectory.
type Runner struct {
	Exe         string
	ScratchRoot string
	Log         *zap.Logger

	// TraceToCSV is the external tool invoked as `TraceToCSV <binary-trace-file> <csv-file>`
	// to convert one emitted .lft binary trace file into CSV.
	TraceToCSV string
}

// NewRunner returns a Runner for exe, rooted at scratchRoot (which must
// already exist).
func NewRunner(exe, scratchRoot, traceToCSV string, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{Exe: exe, ScratchRoot: scratchRoot, TraceToCSV: traceToCSV, Log: log}
}

func (r *Runner) newScratchSubdir() (string, error) {
	dir := filepath.Join(r.ScratchRoot, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "traceexec: create scratch subdir")
	}
	return dir, nil
}

// Probe runs the executable in "log trace" mode (environment variable
// ORDSERV_LOG_TRACE=1) and parses "<<< HookId >>>" markers from stdout to
// discover how many times each hook is invoked. The executable is run up to
// maxAttempts times in all until one run exits successfully, with a fresh
// scratch subdirectory for each attempt.
func (r *Runner) Probe(ctx context.Context, maxAttempts uint) (delay.InvocationCounts, error) {
	var counts delay.InvocationCounts

	err := retry.Do(
		func() error {
			dir, err := r.newScratchSubdir()
			if err != nil {
				return retry.Unrecoverable(err)
			}
			defer os.RemoveAll(dir)

			out, crashErr := r.runOnce(ctx, dir, []string{"ORDSERV_LOG_TRACE=1"})
			if crashErr != nil {
				return crashErr
			}

			counts = parseHookMarkers(out)
			return nil
		},
		retry.Attempts(maxAttempts),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			metrics.ProbeRetries.Inc()
			r.Log.Warn("probe attempt failed, retrying", zap.Uint("attempt", n), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "traceexec: probe")
	}
	return counts, nil
}

func parseHookMarkers(stdout string) delay.InvocationCounts {
	counts := make(delay.InvocationCounts)
	sc := bufio.NewScanner(strings.NewReader(stdout))
	for sc.Scan() {
		m := hookMarker.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		counts[delay.HookId(m[1])]++
	}
	return counts
}

// Traces maps a trace file name (excluding any summary file) to its parsed
// records.
type Traces map[string][]csvtrace.TraceRecord

// summaryFileName is excluded from the returned Traces map: it aggregates
// across the federation rather than describing one federate's own events.
const summaryFileName = "summary.csv"

// RunTraces runs the executable with env applied on top of the ambient
// environment, capturing stdout/stderr for diagnosis, then converts every
// emitted .lft binary trace file in the run's scratch subdirectory to CSV
// via TraceToCSV and parses the results.
func (r *Runner) RunTraces(ctx context.Context, env delay.EnvironmentUpdate) (Traces, error) {
	dir, err := r.newScratchSubdir()
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	if _, crashErr := r.runOnce(ctx, dir, env.Environ(nil)); crashErr != nil {
		return nil, crashErr
	}

	ltfFiles, err := r.waitForTraceFiles(ctx, dir)
	if err != nil {
		return nil, err
	}

	traces := make(Traces, len(ltfFiles))
	for _, ltf := range ltfFiles {
		csvPath := strings.TrimSuffix(ltf, filepath.Ext(ltf)) + ".csv"
		if err := r.convertToCSV(ctx, ltf, csvPath); err != nil {
			return nil, err
		}

		name := filepath.Base(csvPath)
		if name == summaryFileName {
			continue
		}

		f, err := os.Open(csvPath)
		if err != nil {
			return nil, errors.Wrapf(err, "traceexec: open %s", csvPath)
		}
		records, err := csvtrace.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "traceexec: parse %s", csvPath)
		}
		traces[name] = records
	}
	return traces, nil
}

// waitForTraceFiles returns dir's .lft trace files at once if there already
// are any. Otherwise it waits using fsnotify instead of a fixed-delay poll:
// it watches dir and returns once no new .lft file has appeared for a short
// quiescence window (a trace-writing process typically closes its last file
// shortly after its final write).
func (r *Runner) waitForTraceFiles(ctx context.Context, dir string) ([]string, error) {
	existing, err := globLFT(dir)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "traceexec: fsnotify watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return nil, errors.Wrap(err, "traceexec: watch scratch dir")
	}

	const quiescence = 200 * time.Millisecond
	timer := time.NewTimer(quiescence)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return globLFT(dir)
			}
			if strings.HasSuffix(ev.Name, ".lft") {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(quiescence)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return globLFT(dir)
			}
			return nil, errors.Wrap(err, "traceexec: fsnotify")
		case <-timer.C:
			return globLFT(dir)
		}
	}
}

func globLFT(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.lft"))
	if err != nil {
		return nil, errors.Wrap(err, "traceexec: glob trace files")
	}
	return matches, nil
}

func (r *Runner) convertToCSV(ctx context.Context, binPath, csvPath string) error {
	cmd := exec.CommandContext(ctx, r.TraceToCSV, binPath, csvPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "traceexec: trace-to-csv %s: %s", binPath, out)
	}
	return nil
}

func (r *Runner) runOnce(ctx context.Context, dir string, extraEnv []string) (string, *CrashError) {
	cmd := exec.CommandContext(ctx, r.Exe)
	cmd.Dir = dir
	cmd.Env = append(append([]string{}, os.Environ()...), extraEnv...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	return stdout.String(), &CrashError{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}
}
