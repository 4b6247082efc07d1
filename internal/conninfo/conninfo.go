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

// Package conninfo models the federation's logical-time connection topology:
// which federate is upstream of which, with what delay, as recorded in a
// connection-info file. It is used by the axiom package.
package conninfo

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// FedId identifies a federate (equivalently, a scheduling enclave).
type FedId int32

// Delay is a logical-time connection delay, encoded with two sentinels
// matching the i64 wire encoding used by connection-info files and by the
// original implementation:
//
//	math.MinInt64  ("no_delay")      -> no direct connection
//	0              ("(0, 0)")        -> a zero-delay, microstep-only connection
//	n > 0                            -> an n-nanosecond logical delay
type Delay int64

// NoConnection is the Delay sentinel meaning "no direct connection exists".
const NoConnection Delay = math.MinInt64

// ZeroDelay is the Delay sentinel meaning "connected with a zero logical
// delay", which still advances the microstep by exactly one.
const ZeroDelay Delay = 0

// String renders d the way connection-info files and axiom counterexamples
// do.
func (d Delay) String() string {
	switch {
	case d == NoConnection:
		return "no_delay"
	case d == ZeroDelay:
		return "(0, 0)"
	case d > 0:
		return strconv.FormatInt(int64(d), 10)
	default:
		return fmt.Sprintf("invalid_delay(%d)", int64(d))
	}
}

// ParseDelay parses the textual form used in a connection-info file: a bare
// signed integer, where math.MinInt64 means NoConnection and 0 means
// ZeroDelay.
func ParseDelay(s string) (Delay, error) {
	s = strings.TrimSpace(s)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "conninfo: invalid delay %q", s)
	}
	if n < 0 && Delay(n) != NoConnection {
		return 0, errors.Errorf("conninfo: negative delay %d is not the no-connection sentinel", n)
	}
	return Delay(n), nil
}

// Tag is a logical time: (elapsed_logical_time, microstep).
type Tag struct {
	Time      int64
	Microstep uint64
}

// String renders t as "(time, microstep)", matching the original's Display.
func (t Tag) String() string {
	return fmt.Sprintf("(%d, %d)", t.Time, t.Microstep)
}

// Add returns t advanced by d: Time += d's nanosecond component (0 for the
// ZeroDelay/NoConnection sentinels), Microstep += 1 when d == ZeroDelay.
//
// Add mirrors the original's Tag::add (non-strict): it does not reset the
// microstep when crossing a positive delay.
func (t Tag) Add(d Delay) Tag {
	switch {
	case d == NoConnection:
		return t
	case d == ZeroDelay:
		return Tag{Time: t.Time, Microstep: t.Microstep + 1}
	default:
		return Tag{Time: t.Time + int64(d), Microstep: t.Microstep}
	}
}

// StrictAdd returns t advanced by d the way the original's Tag::strict_add
// does: a positive delay resets the microstep to the "last microstep before
// zero" (represented here as ^uint64(0), mirroring the Rust u64::MAX
// sentinel) one nanosecond short of the target time, so that anything at
// or after (t.Time+d, 0) is strictly greater.
func (t Tag) StrictAdd(d Delay) Tag {
	r := t.Add(d)
	if d > 0 {
		r.Time--
		r.Microstep = math.MaxUint64
	}
	return r
}

// Less reports whether t sorts strictly before o, lexicographically on
// (Time, Microstep).
func (t Tag) Less(o Tag) bool {
	if t.Time != o.Time {
		return t.Time < o.Time
	}
	return t.Microstep < o.Microstep
}

// LessOrEqual reports whether t sorts at or before o.
func (t Tag) LessOrEqual(o Tag) bool {
	return t == o || t.Less(o)
}

// ConnInfo is the federation's upstream/downstream delay graph: for every
// ordered pair (upstream, downstream) that is connected, the logical delay
// of that connection. A federate is always connected to itself with
// ZeroDelay.
type ConnInfo struct {
	delay map[[2]FedId]Delay
}

// New returns an empty ConnInfo.
func New() *ConnInfo {
	return &ConnInfo{delay: make(map[[2]FedId]Delay)}
}

// Set records the delay of the upstream->downstream connection.
func (ci *ConnInfo) Set(upstream, downstream FedId, d Delay) {
	ci.delay[[2]FedId{upstream, downstream}] = d
}

// DelayOf returns the delay from upstream to downstream, and whether that
// connection exists at all (as opposed to existing with NoConnection, which
// this package never stores explicitly).
func (ci *ConnInfo) DelayOf(upstream, downstream FedId) (Delay, bool) {
	d, ok := ci.delay[[2]FedId{upstream, downstream}]
	return d, ok
}

// IsZeroDelayUpstream reports whether upstream is connected to downstream
// with exactly the ZeroDelay sentinel (a microstep-only connection).
func (ci *ConnInfo) IsZeroDelayUpstream(upstream, downstream FedId) bool {
	d, ok := ci.DelayOf(upstream, downstream)
	return ok && d == ZeroDelay
}

// IsDirectlyUpstream reports whether upstream is connected to downstream at
// all (any delay, including ZeroDelay, but not NoConnection).
func (ci *ConnInfo) IsDirectlyUpstream(upstream, downstream FedId) bool {
	_, ok := ci.DelayOf(upstream, downstream)
	return ok
}

// UpstreamOf returns every federate directly upstream of fed, with the
// corresponding delay.
func (ci *ConnInfo) UpstreamOf(fed FedId) map[FedId]Delay {
	out := make(map[FedId]Delay)
	for pair, d := range ci.delay {
		if pair[1] == fed && pair[0] != fed {
			out[pair[0]] = d
		}
	}
	return out
}

// DownstreamOf returns every federate directly downstream of fed, with the
// corresponding delay.
func (ci *ConnInfo) DownstreamOf(fed FedId) map[FedId]Delay {
	out := make(map[FedId]Delay)
	for pair, d := range ci.delay {
		if pair[0] == fed && pair[1] != fed {
			out[pair[1]] = d
		}
	}
	return out
}

// NFederates returns the number of distinct federates seen in ci (those
// that appear at either end of at least one recorded connection, including
// the self-connections Parse records).
func (ci *ConnInfo) NFederates() int {
	feds := make(map[FedId]struct{})
	for pair := range ci.delay {
		feds[pair[0]] = struct{}{}
		feds[pair[1]] = struct{}{}
	}
	return len(feds)
}

// MinDelay returns the smallest delay in m, and whether m was non-empty.
func MinDelay(m map[FedId]Delay) (Delay, bool) {
	first := true
	var best Delay
	for _, d := range m {
		if first || d < best {
			best = d
			first = false
		}
	}
	return best, !first
}

// MaxDelay returns the largest delay in m, and whether m was non-empty.
func MaxDelay(m map[FedId]Delay) (Delay, bool) {
	first := true
	var best Delay
	for _, d := range m {
		if first || d > best {
			best = d
			first = false
		}
	}
	return best, !first
}

// Parse reads the connection-info text format:
//
//	number_of_scheduling_nodes
//	(enclave_id num_upstream (upstream_id delay)*)*
//
// Each enclave line implicitly adds a ZeroDelay self-connection.
func Parse(s string) (*ConnInfo, error) {
	ci := New()
	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !sc.Scan() {
		return nil, errors.New("conninfo: missing node count line")
	}
	numNodes, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
	if err != nil {
		return nil, errors.Wrap(err, "conninfo: invalid node count")
	}

	for i := 0; i < numNodes; i++ {
		if !sc.Scan() {
			return nil, errors.Errorf("conninfo: expected %d node lines, got %d", numNodes, i)
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			return nil, errors.Errorf("conninfo: malformed node line %q", sc.Text())
		}
		enclaveID, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, errors.Wrapf(err, "conninfo: invalid enclave id in %q", sc.Text())
		}
		numUpstream, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, errors.Wrapf(err, "conninfo: invalid upstream count in %q", sc.Text())
		}
		fields = fields[2:]
		if len(fields) != 2*numUpstream {
			return nil, errors.Errorf("conninfo: node line %q declares %d upstream federates but has %d remaining fields", sc.Text(), numUpstream, len(fields))
		}
		for u := 0; u < numUpstream; u++ {
			upstreamID, err := strconv.Atoi(fields[2*u])
			if err != nil {
				return nil, errors.Wrapf(err, "conninfo: invalid upstream federate id in %q", sc.Text())
			}
			delay, err := ParseDelay(fields[2*u+1])
			if err != nil {
				return nil, err
			}
			if delay == NoConnection {
				continue
			}
			ci.Set(FedId(upstreamID), FedId(enclaveID), delay)
		}
		ci.Set(FedId(enclaveID), FedId(enclaveID), ZeroDelay)
	}

	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "conninfo: scan")
	}
	return ci, nil
}

// LoadDir reads conninfo.txt from dir, and additionally merges in any
// conninfo_<k>.txt sibling files it finds (SPEC_FULL.md §12), each parsed
// and merged with Merge.
func LoadDir(dir string) (*ConnInfo, error) {
	root, err := os.ReadFile(filepath.Join(dir, "conninfo.txt"))
	if err != nil {
		return nil, errors.Wrap(err, "conninfo: read conninfo.txt")
	}
	ci, err := Parse(string(root))
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "conninfo: read dir")
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "conninfo_") || !strings.HasSuffix(name, ".txt") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, errors.Wrapf(err, "conninfo: read %s", name)
		}
		side, err := Parse(string(data))
		if err != nil {
			return nil, errors.Wrapf(err, "conninfo: parse %s", name)
		}
		ci.Merge(side)
	}
	return ci, nil
}

// Merge copies every connection from other into ci, overwriting any
// conflicting entry (later files win, matching a last-one-wins overlay of
// per-federate side files onto the root file).
func (ci *ConnInfo) Merge(other *ConnInfo) {
	for pair, d := range other.delay {
		ci.delay[pair] = d
	}
}
