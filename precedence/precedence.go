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

// Package precedence models a precedence graph over named hook invocations:
// a set of (sender invocation -> waiter invocations) edges describing which
// federates should be held back, for one round of testing, until some other
// federate reaches some other named hook.
package precedence

import (
	"bytes"
	"encoding/gob"
	"os"
	"time"

	"github.com/pkg/errors"
)

// HookID names a tracepoint/hook compiled into a federate under test.
type HookID string

// SeqNum disambiguates repeated invocations of the same HookID within one
// federate (e.g. "the 3rd time this hook fires").
type SeqNum uint32

// Invocation identifies one occurrence of a hook.
type Invocation struct {
	HookID HookID
	SeqNum SeqNum
}

// Graph is a precedence graph for one round: for every sender Invocation in
// the map, all of its waiters must be released only once the sender notifies.
type Graph struct {
	NConnections   int
	sender2waiters map[Invocation][]Invocation

	// PerClientTimeout, if non-zero, overrides the ordering server's
	// default per-client wait timeout for this round only. See
	// SPEC_FULL.md §14 (open question: per-round timeout configurability).
	PerClientTimeout time.Duration
}

// Element is a (sender, waiters) pair in the short textual form used by
// tests and by FromElements.
type Element struct {
	Sender  Invocation
	Waiters []Invocation
}

// New builds a Graph from an explicit sender->waiters map.
func New(nConnections int, sender2waiters map[Invocation][]Invocation) *Graph {
	return &Graph{
		NConnections:   nConnections,
		sender2waiters: sender2waiters,
	}
}

// FromElements builds a Graph from a list of (sender, waiters) elements,
// mirroring the original implementation's Precedence::from_list convenience
// constructor.
func FromElements(nConnections int, elems []Element) *Graph {
	m := make(map[Invocation][]Invocation, len(elems))
	for _, e := range elems {
		m[e.Sender] = append(m[e.Sender], e.Waiters...)
	}
	return New(nConnections, m)
}

// Waits returns, for each hook id that appears as a waiter anywhere in the
// graph, the set of sequence numbers at which it waits.
func (g *Graph) Waits() map[HookID][]SeqNum {
	waits := make(map[HookID][]SeqNum)
	for _, waiters := range g.sender2waiters {
		for _, w := range waiters {
			waits[w.HookID] = append(waits[w.HookID], w.SeqNum)
		}
	}
	return waits
}

// Notifies returns, for each hook id that appears as a sender anywhere in
// the graph, the set of sequence numbers at which it notifies.
func (g *Graph) Notifies() map[HookID][]SeqNum {
	notifies := make(map[HookID][]SeqNum)
	for sender := range g.sender2waiters {
		notifies[sender.HookID] = append(notifies[sender.HookID], sender.SeqNum)
	}
	return notifies
}

// WaitersOf returns the invocations that must be blocked until sender fires,
// or nil if sender has no waiters.
func (g *Graph) WaitersOf(sender Invocation) []Invocation {
	return g.sender2waiters[sender]
}

// IsSender reports whether inv appears as a sender anywhere in the graph -
// i.e. whether some other invocation is waiting for it to fire.
func (g *Graph) IsSender(inv Invocation) bool {
	_, ok := g.sender2waiters[inv]
	return ok
}

// IsWaiter reports whether inv appears as a waiter anywhere in the graph -
// i.e. whether inv must block until some sender fires.
func (g *Graph) IsWaiter(inv Invocation) bool {
	for _, waiters := range g.sender2waiters {
		for _, w := range waiters {
			if w == inv {
				return true
			}
		}
	}
	return false
}

// graphSnapshot is the gob wire shape for Graph: sender2waiters is
// unexported (so plain gob would silently drop it), so Graph carries custom
// GobEncode/GobDecode that round-trip it through this exported form - the
// same pattern used by vector.Registry and pipeline.AccumulatingTraces.
type graphSnapshot struct {
	NConnections     int
	Edges            []Element
	PerClientTimeout time.Duration
}

// GobEncode implements gob.GobEncoder.
func (g *Graph) GobEncode() ([]byte, error) {
	edges := make([]Element, 0, len(g.sender2waiters))
	for sender, waiters := range g.sender2waiters {
		edges = append(edges, Element{Sender: sender, Waiters: waiters})
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(graphSnapshot{
		NConnections:     g.NConnections,
		Edges:            edges,
		PerClientTimeout: g.PerClientTimeout,
	}); err != nil {
		return nil, errors.Wrap(err, "precedence: encode graph")
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (g *Graph) GobDecode(data []byte) error {
	var snap graphSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return errors.Wrap(err, "precedence: decode graph")
	}
	*g = *FromElements(snap.NConnections, snap.Edges)
	g.PerClientTimeout = snap.PerClientTimeout
	return nil
}

// SaveGraph gob-encodes g to path. cmd/libordclient loads such a file
// (named by ORDSERV_GRAPH_FILE, next to ORDSERV_PRECEDENCE_ID and
// ORDSERV_PORT) so the ordering client linked into a federate uses the same
// Graph the ordering server is enforcing. Nothing in this module calls
// SaveGraph or sets those environment variables.
func SaveGraph(path string, g *Graph) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "precedence: save graph")
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(g); err != nil {
		return errors.Wrap(err, "precedence: save graph")
	}
	return nil
}

// LoadGraph decodes a Graph previously written by SaveGraph.
func LoadGraph(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "precedence: load graph")
	}
	defer f.Close()
	var g Graph
	if err := gob.NewDecoder(f).Decode(&g); err != nil {
		return nil, errors.Wrap(err, "precedence: load graph")
	}
	return &g, nil
}

// Validate checks internal consistency of the graph: every waiter must be
// distinct from its own sender (no invocation can wait on itself), and
// NConnections must be positive.
func (g *Graph) Validate() error {
	if g.NConnections <= 0 {
		return errors.Errorf("precedence: NConnections must be positive, got %d", g.NConnections)
	}
	for sender, waiters := range g.sender2waiters {
		for _, w := range waiters {
			if w == sender {
				return errors.Errorf("precedence: invocation %+v cannot wait on itself", w)
			}
		}
	}
	return nil
}
