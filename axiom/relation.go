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

	"github.com/lf-rti-testbed/ordserv/internal/conninfo"
)

// EvalContext is the context a relation is evaluated against: federation
// topology (for delay/upstream lookups) plus the trace being evaluated (for
// the IsFirst/IsFirstForFederate quantifiers, which must look back over
// earlier positions).
type EvalContext struct {
	*conninfo.ConnInfo
	Trace []ConcEvent
}

// UnaryRelation is a predicate over a single ConcEvent.
type UnaryRelation interface {
	Holds(e ConcEvent, ec *EvalContext) bool
	String() string
}

// EventIs holds when an event is of the given kind.
type EventIs struct{ Kind EventKind }

func (r EventIs) Holds(e ConcEvent, ec *EvalContext) bool { return e.Event == r.Kind }
func (r EventIs) String() string                          { return fmt.Sprintf("(e is %s)", r.Kind) }

// TagNonzero holds when an event's tag is not the origin (0, 0).
type TagNonzero struct{}

func (TagNonzero) Holds(e ConcEvent, ec *EvalContext) bool {
	return e.Tag != (conninfo.Tag{})
}
func (TagNonzero) String() string { return "(Tag e) ≠ 0" }

// TagFinite holds when an event's tag looks like a real logical time
// (bounded magnitude) rather than a sentinel such as "forever".
type TagFinite struct{}

func (TagFinite) Holds(e ConcEvent, ec *EvalContext) bool {
	t := e.Tag.Time
	if t < 0 {
		t = -t
	}
	return t < 1_000_000_000_000
}
func (TagFinite) String() string { return "(Tag e) finite" }

// FedHasNoUpstreamWithDelayLECurrentTag holds when no federate directly
// upstream of e's federate has a delay small enough to have already been
// able to deliver a message at or before e's tag.
type FedHasNoUpstreamWithDelayLECurrentTag struct{}

func (FedHasNoUpstreamWithDelayLECurrentTag) Holds(e ConcEvent, ec *EvalContext) bool {
	for _, d := range ec.UpstreamOf(e.FedID) {
		if conninfo.Delay(e.Tag.Time) >= d {
			return false
		}
	}
	return true
}
func (FedHasNoUpstreamWithDelayLECurrentTag) String() string {
	return "(Fed e) has no upstream with delay ≤ (Tag e)"
}

// UnaryAnd holds when every relation in the slice holds.
type UnaryAnd []UnaryRelation

func (r UnaryAnd) Holds(e ConcEvent, ec *EvalContext) bool {
	for _, sub := range r {
		if !sub.Holds(e, ec) {
			return false
		}
	}
	return true
}
func (r UnaryAnd) String() string { return joinUnary(r, "∧") }

// UnaryOr holds when any relation in the slice holds.
type UnaryOr []UnaryRelation

func (r UnaryOr) Holds(e ConcEvent, ec *EvalContext) bool {
	for _, sub := range r {
		if sub.Holds(e, ec) {
			return true
		}
	}
	return false
}
func (r UnaryOr) String() string { return joinUnary(r, "∨") }

// UnaryNot negates Rel.
type UnaryNot struct{ Rel UnaryRelation }

func (r UnaryNot) Holds(e ConcEvent, ec *EvalContext) bool { return !r.Rel.Holds(e, ec) }
func (r UnaryNot) String() string                          { return "¬" + r.Rel.String() }

func joinUnary(rs []UnaryRelation, op string) string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.String()
	}
	return "(" + strings.Join(parts, " "+op+" ") + ")"
}

// ---------------------------------------------------------------------

// CompareOp is a Tag comparison operator used by Compare.
type CompareOp int

const (
	LessThan CompareOp = iota
	LessThanOrEqual
	GreaterThanOrEqual
	GreaterThan
	Equal
)

func (op CompareOp) String() string {
	switch op {
	case LessThan:
		return "<"
	case LessThanOrEqual:
		return "≤"
	case GreaterThanOrEqual:
		return "≥"
	case GreaterThan:
		return ">"
	case Equal:
		return "="
	default:
		return "?"
	}
}

func (op CompareOp) eval(a, b conninfo.Tag) bool {
	switch op {
	case LessThan:
		return a.Less(b)
	case LessThanOrEqual:
		return a.LessOrEqual(b)
	case GreaterThanOrEqual:
		return b.LessOrEqual(a)
	case GreaterThan:
		return b.Less(a)
	case Equal:
		return a == b
	default:
		return false
	}
}

// Term evaluates to a Tag given which side of a BinaryRelation pair (the
// predecessor "pred" or the candidate "e") it is bound to.
type Term interface {
	Eval(side Side, pred, e ConcEvent, ec *EvalContext) (conninfo.Tag, bool)
	String() string
}

// Side selects which event of a (pred, e) pair a Term is evaluated against.
type Side int

const (
	Pred Side = iota
	Event
)

// TagTerm evaluates to the bound event's own tag.
type TagTerm struct{}

func (TagTerm) Eval(side Side, pred, e ConcEvent, ec *EvalContext) (conninfo.Tag, bool) {
	if side == Pred {
		return pred.Tag, true
	}
	return e.Tag, true
}
func (TagTerm) String() string { return "(Tag e)" }

// DelayTerm selects which connection delay a PlusDelayTerm should add.
type DelayTerm int

const (
	SmallestDelayBetween DelayTerm = iota
	SmallestDelayFrom
	SmallestDelayFromSomeUpstream
	LargestDelayFrom
	LargestDelayFromSomeUpstream
)

func (d DelayTerm) String() string {
	switch d {
	case SmallestDelayBetween:
		return "(smallest delay between the two federates)"
	case SmallestDelayFrom:
		return "(smallest delay out of the federate)"
	case SmallestDelayFromSomeUpstream:
		return "(smallest delay from some upstream federate)"
	case LargestDelayFrom:
		return "(largest delay out of the federate)"
	case LargestDelayFromSomeUpstream:
		return "(largest delay from some upstream federate)"
	default:
		return "?"
	}
}

func (d DelayTerm) eval(of conninfo.FedId, predFed, eventFed conninfo.FedId, ec *EvalContext) (conninfo.Delay, bool) {
	switch d {
	case SmallestDelayBetween:
		return ec.DelayOf(predFed, eventFed)
	case SmallestDelayFrom:
		return conninfo.MinDelay(ec.DownstreamOf(of))
	case SmallestDelayFromSomeUpstream:
		return conninfo.MinDelay(ec.UpstreamOf(of))
	case LargestDelayFrom:
		return conninfo.MaxDelay(ec.DownstreamOf(of))
	case LargestDelayFromSomeUpstream:
		return conninfo.MaxDelay(ec.UpstreamOf(of))
	default:
		return 0, false
	}
}

// PlusDelayTerm evaluates to a bound event's tag advanced by a connection
// delay selected by Delay. Strict uses Tag.StrictAdd.
type PlusDelayTerm struct {
	Delay  DelayTerm
	Strict bool
}

func (t PlusDelayTerm) Eval(side Side, pred, e ConcEvent, ec *EvalContext) (conninfo.Tag, bool) {
	var tag conninfo.Tag
	var of conninfo.FedId
	if side == Pred {
		tag, of = pred.Tag, pred.FedID
	} else {
		tag, of = e.Tag, e.FedID
	}
	d, ok := t.Delay.eval(of, pred.FedID, e.FedID, ec)
	if !ok {
		return conninfo.Tag{}, false
	}
	if t.Strict {
		return tag.StrictAdd(d), true
	}
	return tag.Add(d), true
}

func (t PlusDelayTerm) String() string {
	op := "+"
	if t.Strict {
		op = "strict+"
	}
	return fmt.Sprintf("(Tag e) %s %s", op, t.Delay)
}

// ---------------------------------------------------------------------

// BinaryRelation is a predicate over a (predecessor, event) pair.
type BinaryRelation interface {
	Holds(pred, e ConcEvent, ec *EvalContext) bool
	String() string
}

// PredSatisfies lifts a UnaryRelation to apply to the predecessor side of a
// BinaryRelation pair.
type PredSatisfies struct{ Rel UnaryRelation }

func (r PredSatisfies) Holds(pred, e ConcEvent, ec *EvalContext) bool {
	return r.Rel.Holds(pred, ec)
}
func (r PredSatisfies) String() string { return strings.ReplaceAll(r.Rel.String(), "e ", "e1 ") }

// FederateEquals holds when pred and e belong to the same federate.
type FederateEquals struct{}

func (FederateEquals) Holds(pred, e ConcEvent, ec *EvalContext) bool { return pred.FedID == e.FedID }
func (FederateEquals) String() string                                { return "Federate(e1) = Federate(e2)" }

// FederateZeroDelayDirectlyUpstreamOf holds when pred's federate is
// connected to e's federate through a zero-delay (microstep-only) link.
type FederateZeroDelayDirectlyUpstreamOf struct{}

func (FederateZeroDelayDirectlyUpstreamOf) Holds(pred, e ConcEvent, ec *EvalContext) bool {
	return ec.IsZeroDelayUpstream(pred.FedID, e.FedID)
}
func (FederateZeroDelayDirectlyUpstreamOf) String() string {
	return "(Federate of e1 is upstream of Federate of e2 via a zero-delay connection)"
}

// FederateDirectlyUpstreamOf holds when pred's federate is directly
// connected (any delay) to e's federate.
type FederateDirectlyUpstreamOf struct{}

func (FederateDirectlyUpstreamOf) Holds(pred, e ConcEvent, ec *EvalContext) bool {
	return ec.IsDirectlyUpstream(pred.FedID, e.FedID)
}
func (FederateDirectlyUpstreamOf) String() string {
	return "(Federate of e1 is directly upstream of Federate of e2)"
}

// Compare holds when Op(T0(pred-or-event), T1(pred-or-event)) holds. T0 is
// always evaluated against the predecessor, T1 against the event, matching
// how every axiom below uses Compare.
type Compare struct {
	Op     CompareOp
	T0, T1 Term
}

func (c Compare) Holds(pred, e ConcEvent, ec *EvalContext) bool {
	t0, ok0 := c.T0.Eval(Pred, pred, e, ec)
	t1, ok1 := c.T1.Eval(Event, pred, e, ec)
	if !ok0 || !ok1 {
		return false
	}
	return c.Op.eval(t0, t1)
}
func (c Compare) String() string { return fmt.Sprintf("%s %s %s", c.T0, c.Op, c.T1) }

// BinaryAnd holds when every relation in the slice holds.
type BinaryAnd []BinaryRelation

func (r BinaryAnd) Holds(pred, e ConcEvent, ec *EvalContext) bool {
	for _, sub := range r {
		if !sub.Holds(pred, e, ec) {
			return false
		}
	}
	return true
}
func (r BinaryAnd) String() string { return joinBinary(r, "∧") }

// BinaryOr holds when any relation in the slice holds.
type BinaryOr []BinaryRelation

func (r BinaryOr) Holds(pred, e ConcEvent, ec *EvalContext) bool {
	for _, sub := range r {
		if sub.Holds(pred, e, ec) {
			return true
		}
	}
	return false
}
func (r BinaryOr) String() string { return joinBinary(r, "∨") }

// BinaryNot negates Rel.
type BinaryNot struct{ Rel BinaryRelation }

func (r BinaryNot) Holds(pred, e ConcEvent, ec *EvalContext) bool {
	return !r.Rel.Holds(pred, e, ec)
}
func (r BinaryNot) String() string { return "¬" + r.Rel.String() }

func joinBinary(rs []BinaryRelation, op string) string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.String()
	}
	return "(" + strings.Join(parts, " "+op+" ") + ")"
}

// IsFirst holds for (pred, e) when Rel holds for (pred, e) and no event
// earlier than pred in the trace (by OgRank) also satisfies Rel for the same
// e: pred must be the very first candidate that qualifies. This is what
// anchors a rule like "you can't send a TAG until you've received a
// qualifying NET" to the first qualifying NET only - a second, later,
// perfectly legal NET must not itself satisfy the relation once an earlier
// one already has.
type IsFirst struct{ Rel BinaryRelation }

func (r IsFirst) Holds(pred, e ConcEvent, ec *EvalContext) bool {
	if !r.Rel.Holds(pred, e, ec) {
		return false
	}
	for _, earlier := range ec.Trace[:pred.OgRank] {
		if r.Rel.Holds(earlier, e, ec) {
			return false
		}
	}
	return true
}
func (r IsFirst) String() string { return "First[" + r.Rel.String() + "]" }

// IsFirstForFederate is IsFirst narrowed to pred's own federate: pred must
// be the first event of that federate (not of any other federate) to
// satisfy Rel w.r.t. e.
type IsFirstForFederate struct{ Rel BinaryRelation }

func (r IsFirstForFederate) Holds(pred, e ConcEvent, ec *EvalContext) bool {
	if !r.Rel.Holds(pred, e, ec) {
		return false
	}
	for _, earlier := range ec.Trace[:pred.OgRank] {
		if earlier.FedID == pred.FedID && r.Rel.Holds(earlier, e, ec) {
			return false
		}
	}
	return true
}
func (r IsFirstForFederate) String() string { return "FirstForFederate[" + r.Rel.String() + "]" }
