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

// Package transpositions discovers, by streaming over many recorded runs of
// the same test, which pairs of original-trace positions were ever observed
// in both relative orders - i.e. which events actually got transposed
// across a large corpus of perturbed executions, as opposed to merely being
// theoretically permutable per the axiom package's static analysis.
//
// Each recorded run contributes only a sliding-window comparison around
// every position (bounded by a search radius) rather than an all-pairs
// comparison, since unrelated far-apart events are never going to show up
// transposed in practice and an all-pairs comparison does not scale to long
// traces.
package transpositions

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/lf-rti-testbed/ordserv/internal/metrics"
)

// OgRank is a position in the reference (untouched) trace.
type OgRank uint32

func (r OgRank) idx() int { return int(r) }

// CurRank is the position a given ogrank ended up at in one particular
// (possibly reordered) recorded run.
type CurRank uint32

// NTraces counts how many runs have been folded into a StreamingTranspositions.
type NTraces uint32

// CumSum is a running total of transposition pairs discovered so far.
type CumSum uint32

// OgRank2CurRank is one recorded run, indexed by ogrank.
type OgRank2CurRank []CurRank

type ogrankCurrank struct {
	ogrank  OgRank
	currank CurRank
}

func (t OgRank2CurRank) unpack() []ogrankCurrank {
	out := make([]ogrankCurrank, len(t))
	for idx, cr := range t {
		out[idx] = ogrankCurrank{OgRank(idx), cr}
	}
	return out
}

// CumSumPoint is one checkpoint of (traces recorded so far, cumulative
// transposition count so far).
type CumSumPoint struct {
	Traces NTraces
	Sum    CumSum
}

// StreamingTranspositions accumulates, across many recorded runs, the set of
// ogranks that have ever been observed out of order relative to each other.
type StreamingTranspositions struct {
	ogTraceLength              int
	searchRadius               int
	tracesRecorded             NTraces
	saveCumsumWhenIncreasesBy  float32
	cumsum                     CumSum
	cumsums                    []CumSumPoint
	beforeAndAfters            []map[OgRank]struct{}

	// metricLabel, when non-empty, identifies this accumulator's test for
	// the ambient TranspositionCumsum gauge.
	metricLabel string
}

// SetMetricLabel names this accumulator's test for the ambient
// TranspositionCumsum gauge; call once after New, before the first Record.
func (st *StreamingTranspositions) SetMetricLabel(test string) {
	st.metricLabel = test
}

// New returns an empty accumulator for traces of length ogTraceLength.
// searchRadius bounds how far apart (in current-run rank) two positions may
// be for a transposition between them to be recorded; saveCumsumWhenCumsumIncreasesBy
// is the fractional growth in cumulative transposition count that triggers
// a new checkpoint being appended to Cumsums.
func New(ogTraceLength, searchRadius int, saveCumsumWhenCumsumIncreasesBy float32) *StreamingTranspositions {
	beforeAndAfters := make([]map[OgRank]struct{}, ogTraceLength)
	for i := range beforeAndAfters {
		beforeAndAfters[i] = make(map[OgRank]struct{})
	}
	return &StreamingTranspositions{
		ogTraceLength:             ogTraceLength,
		searchRadius:              searchRadius,
		saveCumsumWhenIncreasesBy: saveCumsumWhenCumsumIncreasesBy,
		beforeAndAfters:           beforeAndAfters,
	}
}

func (st *StreamingTranspositions) empty() *StreamingTranspositions {
	return New(st.ogTraceLength, st.searchRadius, st.saveCumsumWhenIncreasesBy)
}

// Record folds one more recorded run into the accumulator.
func (st *StreamingTranspositions) Record(trace OgRank2CurRank) {
	pairs := trace.unpack()
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].currank < pairs[j].currank })

	for idx := 0; idx < st.ogTraceLength; idx++ {
		ogrank := pairs[idx].ogrank
		leftBound := idx - st.searchRadius
		if leftBound < 0 {
			leftBound = 0
		}
		for _, other := range pairs[leftBound:idx] {
			if other.ogrank <= ogrank {
				continue
			}
			st.beforeAndAfters[ogrank.idx()][other.ogrank] = struct{}{}
			st.beforeAndAfters[other.ogrank.idx()][ogrank] = struct{}{}
			st.cumsum++
		}
	}

	st.tracesRecorded++
	st.updateCumsumsIfNeeded()
	st.reportMetric()
}

// RecordAll folds every run in traces into the accumulator, in order.
func (st *StreamingTranspositions) RecordAll(traces []OgRank2CurRank) {
	for _, trace := range traces {
		st.Record(trace)
	}
}

// ParallelRecordAll partitions traces into up to concurrency chunks, records
// each chunk into an independent accumulator concurrently (via
// golang.org/x/sync/errgroup - no per-worker context is needed here, unlike
// internal/xsync.WorkGroup's users), and merges the results, in a fraction
// of the wall-clock time for a large corpus. BeforeAndAfters and
// TracesRecorded end up the same as after a sequential RecordAll over the
// same traces; the cumulative sum and its Cumsums checkpoints do not, since
// Merge does not add the chunks' partial cumulative sums.
func (st *StreamingTranspositions) ParallelRecordAll(traces []OgRank2CurRank, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	if len(traces) == 0 {
		return nil
	}
	if concurrency > len(traces) {
		concurrency = len(traces)
	}

	chunks := make([][]OgRank2CurRank, concurrency)
	for i, trace := range traces {
		c := i % concurrency
		chunks[c] = append(chunks[c], trace)
	}

	partials := make([]*StreamingTranspositions, concurrency)
	var g errgroup.Group
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			partial := st.empty()
			partial.RecordAll(chunk)
			partials[i] = partial
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, partial := range partials {
		st.Merge(partial)
	}
	return nil
}

// Merge folds another accumulator's findings into st.
func (st *StreamingTranspositions) Merge(other *StreamingTranspositions) {
	for idx, otherSet := range other.beforeAndAfters {
		for o := range otherSet {
			st.beforeAndAfters[idx][o] = struct{}{}
		}
	}
	st.tracesRecorded += other.tracesRecorded
	st.updateCumsumsIfNeeded()
	st.reportMetric()
}

func (st *StreamingTranspositions) reportMetric() {
	if st.metricLabel == "" {
		return
	}
	metrics.TranspositionCumsum.WithLabelValues(st.metricLabel).Set(float64(st.cumsum))
}

func (st *StreamingTranspositions) updateCumsumsIfNeeded() {
	var lastSum CumSum
	if n := len(st.cumsums); n > 0 {
		lastSum = st.cumsums[n-1].Sum
	}
	threshold := uint32(st.saveCumsumWhenIncreasesBy * float32(lastSum))
	if uint32(st.cumsum)-uint32(lastSum) >= threshold {
		st.cumsums = append(st.cumsums, CumSumPoint{Traces: st.tracesRecorded, Sum: st.cumsum})
	}
}

// BeforeAndAfters returns, per ogrank, every other ogrank ever observed on
// the opposite side of it in some recorded run's current-rank order.
func (st *StreamingTranspositions) BeforeAndAfters() []map[OgRank]struct{} {
	return st.beforeAndAfters
}

// Cumsums returns the recorded (traces, cumulative transposition count)
// checkpoints.
func (st *StreamingTranspositions) Cumsums() []CumSumPoint {
	return st.cumsums
}

// TracesRecorded returns how many runs have been folded in so far.
func (st *StreamingTranspositions) TracesRecorded() NTraces {
	return st.tracesRecorded
}

// CheckInvariantsExpensive verifies that BeforeAndAfters is symmetric: if i
// observed j transposed, j must have observed i transposed too. It is
// O(n * avg set size) and meant for tests/diagnostics, not production use.
func (st *StreamingTranspositions) CheckInvariantsExpensive() error {
	for idx, set := range st.beforeAndAfters {
		for other := range set {
			if _, ok := st.beforeAndAfters[other.idx()][OgRank(idx)]; !ok {
				return fmt.Errorf("transpositions: before_and_afters[%d] contains %d but before_and_afters[%d] does not contain %d", idx, other, other, idx)
			}
		}
	}
	return nil
}

// String renders the before/after sets the way the reference implementation's
// diagnostic dump does, sorted for determinism.
func (st *StreamingTranspositions) String() string {
	var b strings.Builder
	for idx, set := range st.beforeAndAfters {
		fmt.Fprintf(&b, "before_and_afters[%d]: {", idx)
		sorted := make([]OgRank, 0, len(set))
		for o := range set {
			sorted = append(sorted, o)
		}
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		for i, o := range sorted {
			if i != 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "OgRank(%d)", o)
		}
		b.WriteString("}\n")
	}
	return b.String()
}
