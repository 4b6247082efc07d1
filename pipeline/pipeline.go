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

// Package pipeline drives the perturbation harness's test-discovery and
// trace-accumulation state machine: Initial (source tree known) → Compiled
// (executables built) → KnownCounts (tracepoint counts probed) →
// AccumulatingTraces (a growing table of perturbed runs per test), saving a
// checkpoint after each advance and after each accumulation burst so a
// killed or crashed run resumes close to where it left off.
package pipeline

import (
	"bytes"
	"context"
	"encoding/gob"
	stderrors "errors"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lf-rti-testbed/ordserv/delay"
	"github.com/lf-rti-testbed/ordserv/internal/metrics"
	"github.com/lf-rti-testbed/ordserv/internal/xerr"
	"github.com/lf-rti-testbed/ordserv/internal/xsync"
	"github.com/lf-rti-testbed/ordserv/traceexec"
	"github.com/lf-rti-testbed/ordserv/vector"
)

// DelayParams bounds the artificial per-invocation delays the accumulation
// worker pool draws when perturbing a run.
type DelayParams struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

// draw returns a uniformly random delay in [MinDelay, MaxDelay), or
// MinDelay when MaxDelay <= MinDelay.
func (p DelayParams) draw(rng *rand.Rand) time.Duration {
	if p.MaxDelay <= p.MinDelay {
		return p.MinDelay
	}
	span := p.MaxDelay - p.MinDelay
	return p.MinDelay + time.Duration(rng.Int63n(int64(span)))
}

// Initial is the pipeline's starting state: a source tree at a known
// commit, with test source files discovered and assigned stable TestIds.
type Initial struct {
	SrcDir      string
	ScratchDir  string
	Commit      CommitHash
	DelayParams DelayParams
	SrcFiles    map[TestId]string // TestId -> source path, relative to SrcDir
}

// Discover walks srcDir for test source files (matched by isTestSource) and
// builds the Initial state.
func Discover(srcDir, scratchDir string, delayParams DelayParams, isTestSource func(path string) bool) (*Initial, error) {
	commit, err := GitCommitHash(srcDir)
	if err != nil {
		return nil, err
	}

	srcFiles := make(map[TestId]string)
	err = filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if !isTestSource(path) {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		srcFiles[NewTestId(rel)] = rel
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "pipeline: discover test sources")
	}

	return &Initial{
		SrcDir:      srcDir,
		ScratchDir:  scratchDir,
		Commit:      commit,
		DelayParams: delayParams,
		SrcFiles:    srcFiles,
	}, nil
}

// Compiler builds one test's source (relative to Initial.SrcDir) into an
// executable and returns its absolute path. Supplied by the caller
// (cmd/protocol-test) since the build toolchain for the instrumented
// executables under test is external to this module.
type Compiler func(ctx context.Context, srcDir, relPath string) (exePath string, err error)

// Compiled holds Initial plus one built executable per TestId.
type Compiled struct {
	Initial     Initial
	Executables map[TestId]string
}

// Compile builds every test in st, using up to concurrency workers.
func Compile(ctx context.Context, st Initial, build Compiler, concurrency int, log *zap.Logger) (*Compiled, error) {
	if log == nil {
		log = zap.NewNop()
	}
	type pair struct {
		id  TestId
		rel string
	}
	work := make([]pair, 0, len(st.SrcFiles))
	for id, rel := range st.SrcFiles {
		work = append(work, pair{id, rel})
	}

	exes := make(map[TestId]string, len(work))
	var mu sync.Mutex

	sem := make(chan struct{}, maxInt(concurrency, 1))
	wg := xsync.NewWorkGroup(ctx)
	for _, w := range work {
		w := w
		sem <- struct{}{}
		wg.Go(func(ctx context.Context) error {
			defer func() { <-sem }()
			exe, err := build(ctx, st.SrcDir, w.rel)
			if err != nil {
				return errors.Wrapf(err, "pipeline: compile %s", w.rel)
			}
			mu.Lock()
			exes[w.id] = exe
			mu.Unlock()
			log.Debug("compiled test", zap.String("src", w.rel), zap.String("exe", exe))
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return nil, err
	}

	return &Compiled{Initial: st, Executables: exes}, nil
}

// TestMetadata is the per-test information discovered by probing its
// executable: how many times each hook fires, and the OutputVectorKey
// derived from a canonical reference run.
type TestMetadata struct {
	Counts delay.InvocationCounts
	OVKey  *vector.OutputVectorKey
}

// KnownCounts holds Compiled plus per-test metadata.
type KnownCounts struct {
	Compiled Compiled
	Metadata map[TestId]TestMetadata
}

// referenceTraceName picks the canonical run's trace out of a
// traceexec.Traces map: the RTI's own trace file, named "rti.csv".
const referenceTraceName = "rti.csv"

// Probe discovers each test's invocation counts and output-vector key by
// running it once under traceexec.Probe and once under RunTraces with zero
// injected delay to obtain a canonical reference trace.
func Probe(ctx context.Context, st Compiled, scratchRoot, traceToCSV string, maxAttempts uint, concurrency int, log *zap.Logger) (*KnownCounts, error) {
	if log == nil {
		log = zap.NewNop()
	}
	meta := make(map[TestId]TestMetadata, len(st.Executables))
	var mu sync.Mutex

	sem := make(chan struct{}, maxInt(concurrency, 1))
	wg := xsync.NewWorkGroup(ctx)
	for id, exe := range st.Executables {
		id, exe := id, exe
		sem <- struct{}{}
		wg.Go(func(ctx context.Context) error {
			defer func() { <-sem }()

			runner := traceexec.NewRunner(exe, scratchRoot, traceToCSV, log)
			counts, err := runner.Probe(ctx, maxAttempts)
			if err != nil {
				return errors.Wrapf(err, "pipeline: probe %s", exe)
			}

			zeroDelay, err := delay.NewEnvironmentUpdate(counts, make(delay.Vector, counts.Total()))
			if err != nil {
				return err
			}
			traces, err := runner.RunTraces(ctx, zeroDelay)
			if err != nil {
				return errors.Wrapf(err, "pipeline: reference run %s", exe)
			}
			ref, ok := traces[referenceTraceName]
			if !ok {
				return errors.Errorf("pipeline: %s: no %s in reference run output", exe, referenceTraceName)
			}

			tpis := make([]vector.TracePointId, len(ref))
			for i, tr := range ref {
				tpis[i] = vector.NewTracePointId(tr)
			}

			mu.Lock()
			meta[id] = TestMetadata{Counts: counts, OVKey: vector.NewOutputVectorKey(tpis)}
			mu.Unlock()
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return nil, err
	}

	return &KnownCounts{Compiled: st, Metadata: meta}, nil
}

// SuccessfulRun is the outcome of one perturbed run that completed without
// crashing.
type SuccessfulRun struct {
	OV     vector.OutputVector
	Hash   vector.TraceHash
	Status vector.VectorfyStatus
}

// RunRecord is one row of a test's run table: the delay vector that was
// injected, and whichever of SuccessfulRun/Crash resulted.
type RunRecord struct {
	Delays delay.Vector
	Run    *SuccessfulRun
	Crash  *traceexec.CrashError
}

// testRuns is the per-test run table plus its own lock, so concurrent
// workers accumulating different tests never contend, and workers landing
// on the same test serialize only around the append.
type testRuns struct {
	mu   sync.Mutex
	rows []RunRecord
}

// AccumulatingTraces holds KnownCounts plus a growing run table per TestId.
type AccumulatingTraces struct {
	KnownCounts KnownCounts
	ScratchRoot string
	TraceToCSV  string

	runs map[TestId]*testRuns
}

// BeginAccumulation transitions into AccumulatingTraces with empty run
// tables.
func BeginAccumulation(st KnownCounts, scratchRoot, traceToCSV string) *AccumulatingTraces {
	runs := make(map[TestId]*testRuns, len(st.Metadata))
	for id := range st.Metadata {
		runs[id] = &testRuns{}
	}
	return &AccumulatingTraces{KnownCounts: st, ScratchRoot: scratchRoot, TraceToCSV: traceToCSV, runs: runs}
}

// accumulatingTracesSnapshot is the GobEncode/GobDecode wire shape of
// AccumulatingTraces: runs is unexported (so its mutexes don't leak into the
// checkpoint) and testRuns itself is never serialized directly, so the run
// table is flattened to a plain map here instead.
type accumulatingTracesSnapshot struct {
	KnownCounts KnownCounts
	Runs        map[TestId][]RunRecord
}

// GobEncode serializes the accumulator's state, including every test's full
// run table, but not ScratchRoot/TraceToCSV (runtime configuration supplied
// fresh by Pipeline.Open on every resume, not part of the recorded state).
func (a *AccumulatingTraces) GobEncode() ([]byte, error) {
	snap := accumulatingTracesSnapshot{
		KnownCounts: a.KnownCounts,
		Runs:        make(map[TestId][]RunRecord, len(a.runs)),
	}
	for id, tr := range a.runs {
		tr.mu.Lock()
		rows := make([]RunRecord, len(tr.rows))
		copy(rows, tr.rows)
		tr.mu.Unlock()
		snap.Runs[id] = rows
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode restores an accumulator previously written by GobEncode. Every
// test known to KnownCounts gets a run table, even one with zero
// checkpointed runs, so tests added to the suite after the last checkpoint
// still get accumulated into.
func (a *AccumulatingTraces) GobDecode(data []byte) error {
	var snap accumulatingTracesSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return err
	}

	a.KnownCounts = snap.KnownCounts
	a.runs = make(map[TestId]*testRuns, len(a.KnownCounts.Metadata))
	for id := range a.KnownCounts.Metadata {
		a.runs[id] = &testRuns{}
	}
	for id, rows := range snap.Runs {
		tr, ok := a.runs[id]
		if !ok {
			tr = &testRuns{}
			a.runs[id] = tr
		}
		tr.rows = rows
	}
	return nil
}

// RunCount returns the total number of recorded runs across every test.
func (a *AccumulatingTraces) RunCount() int {
	total := 0
	for _, tr := range a.runs {
		tr.mu.Lock()
		total += len(tr.rows)
		tr.mu.Unlock()
	}
	return total
}

// Rows returns a snapshot copy of one test's run table.
func (a *AccumulatingTraces) Rows(id TestId) []RunRecord {
	tr, ok := a.runs[id]
	if !ok {
		return nil
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]RunRecord, len(tr.rows))
	copy(out, tr.rows)
	return out
}

// Accumulate runs a worker pool of size concurrency, each worker
// repeatedly drawing a random (TestId, executable) pair, building a fresh
// DelayVector, running it, and appending the outcome under that test's
// lock, until budget elapses. It returns the number of runs newly
// recorded, and any errors a Collector gathered from individual workers
// (a worker's run failing does not stop its siblings, unlike xsync.WorkGroup
// semantics elsewhere in this module - an occasional crashing run is
// expected data, not a harness failure).
func (a *AccumulatingTraces) Accumulate(ctx context.Context, concurrency int, budget time.Duration, log *zap.Logger) (int, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ids := make([]TestId, 0, len(a.KnownCounts.Metadata))
	for id := range a.KnownCounts.Metadata {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var recorded int64
	var mu sync.Mutex
	var errs xerr.Collector

	var wg sync.WaitGroup
	for w := 0; w < maxInt(concurrency, 1); w++ {
		wg.Add(1)
		// each worker gets an independently-seeded PRNG; math/rand is used
		// here (rather than an ecosystem generator) because none of the
		// dependency surface supplies one - this is exactly the kind of
		// stdlib-only corner that should be named, not silently taken.
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(w)))
		go func(rng *rand.Rand) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				id := ids[rng.Intn(len(ids))]
				exe := a.KnownCounts.Compiled.Executables[id]
				meta := a.KnownCounts.Metadata[id]

				vec := make(delay.Vector, meta.Counts.Total())
				for i := range vec {
					vec[i] = a.KnownCounts.Compiled.Initial.DelayParams.draw(rng)
				}
				env, err := delay.NewEnvironmentUpdate(meta.Counts, vec)
				if err != nil {
					errs.Add(err)
					return
				}

				runner := traceexec.NewRunner(exe, a.ScratchRoot, a.TraceToCSV, log)
				record := RunRecord{Delays: vec}

				traces, err := runner.RunTraces(ctx, env)
				if err != nil {
					var crashErr *traceexec.CrashError
					if stderrors.As(err, &crashErr) {
						record.Crash = crashErr
						metrics.RunsAccumulated.WithLabelValues("crash").Inc()
					} else {
						errs.Add(errors.Wrapf(err, "pipeline: accumulate %s", exe))
						return
					}
				} else {
					ref, ok := traces[referenceTraceName]
					if !ok {
						errs.Add(errors.Errorf("pipeline: %s: no %s in run output", exe, referenceTraceName))
						return
					}
					ov, hash, status := meta.OVKey.Vectorfy(ref)
					record.Run = &SuccessfulRun{OV: ov, Hash: hash, Status: status}
					metrics.RunsAccumulated.WithLabelValues("success").Inc()
				}

				tr := a.runs[id]
				tr.mu.Lock()
				tr.rows = append(tr.rows, record)
				tr.mu.Unlock()

				mu.Lock()
				recorded++
				mu.Unlock()
			}
		}(rng)
	}
	wg.Wait()

	return int(recorded), errs.Err()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
