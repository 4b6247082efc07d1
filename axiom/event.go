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

// Package axiom applies a declarative set of precedence rules ("axioms")
// over a recorded RTI trace, to discover which event pairs are forced into
// a specific order in every correct execution and which are free to be
// permuted ("transposed") relative to the recorded trace.
//
// The relation algebra below is modeled as tagged-union interfaces with
// small concrete struct implementations (UnaryRelation / BinaryRelation /
// Term), never as an open, generically-parameterized trait hierarchy: that
// keeps every relation's shape visible at a glance and keeps this package
// free of reflection or type assertions beyond a plain switch.
package axiom

import (
	"fmt"
	"strings"

	"github.com/lf-rti-testbed/ordserv/internal/conninfo"
)

// EventKind enumerates the kinds of message exchanged between an RTI and a
// federate that axioms reason about.
type EventKind int

const (
	RecvFedId EventKind = iota
	SendAck
	SendTimestamp
	RecvTimestamp
	RecvNet
	SendPortAbs
	RecvPortAbs
	SendPtag
	SendTaggedMsg
	RecvTaggedMsg
	SendTag
	RecvStopReq
	SendStopReq
	RecvStopReqRep
	SendStopGrn
	RecvLtc
)

var eventKindNames = [...]string{
	RecvFedId:      "Receiving FED_ID",
	SendAck:        "Sending ACK",
	SendTimestamp:  "Sending TIMESTAMP",
	RecvTimestamp:  "Receiving TIMESTAMP",
	RecvNet:        "Receiving NET",
	SendPortAbs:    "Sending PORT_ABS",
	RecvPortAbs:    "Receiving PORT_ABS",
	SendPtag:       "Sending PTAG",
	SendTaggedMsg:  "Sending TAGGED_MSG",
	RecvTaggedMsg:  "Receiving TAGGED_MSG",
	SendTag:        "Sending TAG",
	RecvStopReq:    "Receiving STOP_REQ",
	SendStopReq:    "Sending STOP_REQ",
	RecvStopReqRep: "Receiving STOP_REQ_REP",
	SendStopGrn:    "Sending STOP_GRN",
	RecvLtc:        "Receiving LTC",
}

// String renders k the way trace CSV files spell RTI event names.
func (k EventKind) String() string {
	if int(k) < 0 || int(k) >= len(eventKindNames) {
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
	return eventKindNames[k]
}

// ParseEventKind is the inverse of EventKind.String.
func ParseEventKind(s string) (EventKind, error) {
	s = strings.TrimSpace(s)
	for k, name := range eventKindNames {
		if name == s {
			return EventKind(k), nil
		}
	}
	return 0, fmt.Errorf("axiom: unrecognized event kind %q", s)
}

// OgRank is a position in the original (recorded) trace.
type OgRank uint32

// ConcEvent is one concrete, recorded trace event.
type ConcEvent struct {
	Event  EventKind
	Tag    conninfo.Tag
	FedID  conninfo.FedId
	OgRank OgRank
}

func (e ConcEvent) String() string {
	return fmt.Sprintf("%s %s @ FedId(%d) (src=%d)", e.Event, e.Tag, e.FedID, e.OgRank)
}
