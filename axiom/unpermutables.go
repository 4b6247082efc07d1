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

package axiom

import (
	"fmt"
	"strings"

	"github.com/kylelemons/godebug/pretty"
	"github.com/pkg/errors"

	"github.com/lf-rti-testbed/ordserv/internal/conninfo"
	"github.com/lf-rti-testbed/ordserv/internal/metrics"
)

// Rule says that whenever Event holds for some event e2, every earlier
// event e1 satisfying Preceding(e1, e2) must precede e2 in every correct
// execution of the federation - and, symmetrically, no later event may
// satisfy Preceding(e1=that later event, e2).
type Rule struct {
	Name      string
	Event     UnaryRelation
	Preceding BinaryRelation
}

// Describe renders the rule the way its textual counterexamples do, for
// human (or LLM) consumption (SPEC_FULL.md §12).
func (r Rule) Describe() string {
	return fmt.Sprintf("%s: %s ∧ %s ⇒ e1 ≺ e2", r.Name, r.Preceding, r.Event)
}

// ViolationError reports a trace position where a Rule's counterexample
// condition was observed: an event e2 satisfying Event, immediately
// preceded (in the recorded trace) by other events, but with some later
// event "other" also satisfying Preceding(other, e2) - which is impossible
// in any correct execution since that would require other to both follow
// and precede e2.
type ViolationError struct {
	Rule  Rule
	Event ConcEvent
	Other ConcEvent
}

func (v *ViolationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "axiom violation (%s)\n", v.Rule.Name)
	fmt.Fprintf(&b, "  event:      %s\n", v.Event)
	fmt.Fprintf(&b, "  later peer: %s\n", v.Other)
	fmt.Fprintf(&b, "  rule:       %s\n", v.Rule.Describe())
	fmt.Fprintf(&b, "  diff:\n%s", pretty.Compare(v.Event, v.Other))
	return b.String()
}

// Unpermutables holds, per trace position, the set of other positions that
// axiom evaluation has proven must occur strictly before it.
type Unpermutables struct {
	ImmediatePredecessors []map[OgRank]struct{}
	AlwaysOccurring       map[OgRank]struct{}
}

// RuleUses counts how many (predecessor, event) pairs each rule matched -
// a rule with zero uses across a representative corpus of traces is a
// candidate for removal (SPEC_FULL.md §12, "dead-rule detection").
type RuleUses map[string]int

// FromRealizableTrace evaluates rules against a trace that is assumed to be
// one valid (non-error) execution, returning the immediate-predecessor sets
// it could derive and how many times each rule fired. It returns a
// *ViolationError if any rule's counterexample condition is observed, which
// can only happen if trace itself is not actually realizable (e.g. it was
// hand-constructed for a test, or axiom evaluation uncovered a genuine RTI
// bug).
func FromRealizableTrace(trace []ConcEvent, rules []Rule, alwaysOccurring map[OgRank]struct{}, ci *conninfo.ConnInfo) (RuleUses, *Unpermutables, error) {
	ec := &EvalContext{ConnInfo: ci, Trace: trace}

	uses := make(RuleUses, len(rules))
	for _, r := range rules {
		uses[r.Name] = 0
	}

	ogrank2pred := make([]map[OgRank]struct{}, len(trace))
	for ogrank, e := range trace {
		preds := make(map[OgRank]struct{})
		for _, rule := range rules {
			if !rule.Event.Holds(e, ec) {
				continue
			}

			for after := ogrank + 1; after < len(trace); after++ {
				if rule.Preceding.Holds(trace[after], e, ec) {
					metrics.AxiomViolations.WithLabelValues(rule.Name).Inc()
					return uses, nil, errors.WithStack(&ViolationError{Rule: rule, Event: e, Other: trace[after]})
				}
			}

			before := 0
			for ; before < ogrank; before++ {
				if rule.Preceding.Holds(trace[before], e, ec) {
					preds[OgRank(before)] = struct{}{}
					uses[rule.Name]++
				}
			}
		}
		ogrank2pred[ogrank] = preds
	}

	return uses, &Unpermutables{ImmediatePredecessors: ogrank2pred, AlwaysOccurring: alwaysOccurring}, nil
}

// PrecedingPermutablesByOgRank returns, for every trace position, the set
// of strictly-earlier positions that are NOT forced to precede it - i.e.
// those that could permute across it in some other correct execution.
//
// This implements the dynamic-programming "largest predecessor" algorithm:
// rather than computing a full transitive closure at each position (which
// is quadratic-or-worse in the number of predecessor edges), it reuses the
// already-computed permutable set of one immediate predecessor as a
// starting point and narrows it using the others, exploiting the fact that
// the permutable-set of a rank implicitly includes everything after that
// rank (which is therefore trivially also after the rank being computed,
// wherever that rank is also an immediate predecessor).
func (u *Unpermutables) PrecedingPermutablesByOgRank() []map[OgRank]struct{} {
	n := len(u.ImmediatePredecessors)
	ret := make([]map[OgRank]struct{}, 0, n)

	for ogrank := 0; ogrank < n; ogrank++ {
		ip := u.ImmediatePredecessors[ogrank]

		candidateSize := func(other OgRank) int {
			return len(ret[other]) + ogrank - int(other)
		}

		var ipred0 OgRank
		haveIpred0 := false
		bestSize := 0
		for o := range ip {
			if _, ok := u.AlwaysOccurring[o]; !ok {
				continue
			}
			sz := candidateSize(o)
			if !haveIpred0 || sz < bestSize {
				ipred0, bestSize, haveIpred0 = o, sz, true
			}
		}

		if !haveIpred0 {
			full := make(map[OgRank]struct{}, ogrank)
			for i := 0; i < ogrank; i++ {
				full[OgRank(i)] = struct{}{}
			}
			ret = append(ret, full)
			continue
		}

		running := make(map[OgRank]struct{}, len(ret[ipred0])+ogrank)
		for k := range ret[ipred0] {
			running[k] = struct{}{}
		}
		for k := ipred0 + 1; k < OgRank(ogrank); k++ {
			running[k] = struct{}{}
		}

		for o := range ip {
			if o == ipred0 {
				continue
			}
			if _, ok := u.AlwaysOccurring[o]; !ok {
				continue
			}
			var removeList []OgRank
			for k := range running {
				_, inOtherSet := ret[o][k]
				if !(inOtherSet || k > o) {
					removeList = append(removeList, k)
				}
			}
			for _, k := range removeList {
				delete(running, k)
			}
		}
		ret = append(ret, running)
	}

	return ret
}

// TraceRecordsToString renders trace for a counterexample or diagnostic
// dump, marking entries for which mark returns true.
func TraceRecordsToString(trace []ConcEvent, numbering bool, mark func(ConcEvent) bool) string {
	var b strings.Builder
	for ogr, e := range trace {
		if ogr > 0 {
			b.WriteByte('\n')
		}
		if numbering {
			fmt.Fprintf(&b, "%d ", ogr)
		}
		if mark(e) {
			b.WriteString("▶ ")
		} else {
			b.WriteString("  ")
		}
		b.WriteString(e.String())
	}
	return b.String()
}
