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

// DefaultAxioms returns the built-in rule set describing how an RTI and its
// federates are allowed to order LTC/NET/TAG/PTAG/PortAbsent/TaggedMessage
// traffic, plus the federate startup handshake.
//
// Rules whose precedence is naturally anchored to the *first* qualifying
// predecessor - "you can't send a TAG until you've received a high enough
// NET", not "every time you do" - wrap the relevant part of Preceding in
// IsFirst or IsFirstForFederate. Dropping that quantifier and matching every
// predecessor occurrence instead is NOT a safe over-approximation: a second,
// later, perfectly legal NET received after a federate already sent its TAG
// would otherwise also satisfy the bare (unquantified) relation, tripping
// FromRealizableTrace's counterexample check on a realizable trace.
func DefaultAxioms() []Rule {
	return []Rule{
		{
			Name:      "ltc-monotonic",
			Preceding: BinaryAnd{PredSatisfies{EventIs{RecvLtc}}, FederateEquals{}, Compare{LessThan, TagTerm{}, TagTerm{}}},
			Event:     EventIs{RecvLtc},
		},
		{
			Name: "tag-or-ptag-needs-net-or-ltc-or-stopgrn",
			Preceding: IsFirst{BinaryAnd{
				BinaryOr{
					PredSatisfies{EventIs{SendStopGrn}},
					PredSatisfies{EventIs{RecvLtc}},
					PredSatisfies{UnaryOr{EventIs{RecvNet}, EventIs{SendTaggedMsg}}},
				},
				Compare{Equal, TagTerm{}, TagTerm{}},
				PredSatisfies{UnaryAnd{TagFinite{}, TagNonzero{}}},
			}},
			Event: UnaryOr{EventIs{SendTag}, EventIs{SendPtag}},
		},
		{
			Name:      "ltc-closes-portabs-and-taggedmsg",
			Preceding: BinaryAnd{PredSatisfies{UnaryOr{EventIs{RecvPortAbs}, EventIs{RecvTaggedMsg}}}, FederateEquals{}, Compare{LessThanOrEqual, TagTerm{}, TagTerm{}}},
			Event:     EventIs{RecvLtc},
		},
		{
			Name:      "ltc-closes-net",
			Preceding: BinaryAnd{PredSatisfies{EventIs{RecvNet}}, FederateEquals{}, Compare{LessThanOrEqual, TagTerm{}, TagTerm{}}},
			Event:     UnaryAnd{EventIs{RecvLtc}, TagNonzero{}},
		},
		{
			Name:      "ltc-lower-bounds-portabs-and-taggedmsg",
			Preceding: BinaryAnd{PredSatisfies{EventIs{RecvLtc}}, FederateEquals{}, Compare{LessThan, PlusDelayTerm{Delay: LargestDelayFrom}, TagTerm{}}},
			Event:     UnaryOr{EventIs{RecvPortAbs}, EventIs{RecvTaggedMsg}},
		},
		{
			Name: "tag-or-ptag-lower-bounds-portabs-and-taggedmsg",
			Preceding: IsFirst{BinaryAnd{
				PredSatisfies{UnaryOr{EventIs{SendTag}, EventIs{SendPtag}}},
				FederateEquals{},
				Compare{GreaterThanOrEqual, PlusDelayTerm{Delay: LargestDelayFrom}, TagTerm{}},
			}},
			Event: UnaryAnd{
				UnaryOr{EventIs{RecvPortAbs}, EventIs{RecvTaggedMsg}},
				UnaryNot{FedHasNoUpstreamWithDelayLECurrentTag{}},
			},
		},
		{
			Name:      "tag-and-ptag-monotonic",
			Preceding: BinaryAnd{PredSatisfies{UnaryOr{EventIs{SendPtag}, EventIs{SendTag}}}, FederateEquals{}, Compare{LessThan, TagTerm{}, TagTerm{}}},
			Event:     UnaryOr{EventIs{SendPtag}, EventIs{SendTag}},
		},
		{
			Name:      "ptag-before-tag",
			Preceding: BinaryAnd{PredSatisfies{EventIs{SendPtag}}, FederateEquals{}, Compare{LessThanOrEqual, TagTerm{}, TagTerm{}}},
			Event:     EventIs{SendTag},
		},
		{
			Name: "tag-or-ptag-needs-high-enough-net",
			Preceding: IsFirstForFederate{BinaryAnd{
				PredSatisfies{EventIs{RecvNet}},
				Compare{GreaterThanOrEqual, PlusDelayTerm{Delay: SmallestDelayBetween}, TagTerm{}},
			}},
			Event: UnaryAnd{
				UnaryOr{EventIs{SendPtag}, EventIs{SendTag}},
				TagNonzero{},
				UnaryNot{FedHasNoUpstreamWithDelayLECurrentTag{}},
			},
		},
		{
			Name: "tag-needs-high-enough-ltc-or-granted-tag-upstream",
			Preceding: IsFirstForFederate{BinaryOr{
				BinaryAnd{PredSatisfies{EventIs{RecvLtc}}, FederateZeroDelayDirectlyUpstreamOf{}, Compare{GreaterThanOrEqual, TagTerm{}, TagTerm{}}},
				BinaryAnd{
					PredSatisfies{UnaryOr{EventIs{SendTag}, EventIs{RecvNet}, EventIs{SendStopGrn}}},
					FederateZeroDelayDirectlyUpstreamOf{},
					Compare{GreaterThanOrEqual, TagTerm{}, TagTerm{}},
				},
			}},
			Event: UnaryAnd{EventIs{SendTag}, TagNonzero{}},
		},
		{
			Name: "ptag-needs-equal-ptag-or-net-upstream",
			Preceding: IsFirst{BinaryOr{
				BinaryAnd{PredSatisfies{EventIs{SendPtag}}, FederateZeroDelayDirectlyUpstreamOf{}, Compare{Equal, TagTerm{}, TagTerm{}}},
				BinaryAnd{
					PredSatisfies{UnaryOr{EventIs{RecvNet}, EventIs{SendStopGrn}}},
					BinaryOr{FederateEquals{}, FederateDirectlyUpstreamOf{}},
					Compare{Equal, TagTerm{}, TagTerm{}},
				},
			}},
			Event: UnaryAnd{EventIs{SendPtag}, TagNonzero{}},
		},
		{
			Name:      "recvportabs-upstream-before-sendportabs",
			Preceding: IsFirst{BinaryAnd{PredSatisfies{EventIs{RecvPortAbs}}, FederateZeroDelayDirectlyUpstreamOf{}, Compare{Equal, TagTerm{}, TagTerm{}}}},
			Event:     EventIs{SendPortAbs},
		},
		{
			Name:      "recvtaggedmsg-upstream-before-sendtaggedmsg",
			Preceding: IsFirst{BinaryAnd{PredSatisfies{EventIs{RecvTaggedMsg}}, FederateDirectlyUpstreamOf{}, Compare{Equal, TagTerm{}, TagTerm{}}}},
			Event:     EventIs{SendTaggedMsg},
		},
		{
			Name:      "sendportabs-and-sendtaggedmsg-before-ltc",
			Preceding: BinaryAnd{PredSatisfies{UnaryOr{EventIs{SendPortAbs}, EventIs{SendTaggedMsg}}}, FederateEquals{}, Compare{LessThanOrEqual, TagTerm{}, TagTerm{}}},
			Event:     EventIs{RecvLtc},
		},
		{
			Name:      "recvfedid-before-sendack",
			Preceding: BinaryAnd{PredSatisfies{EventIs{RecvFedId}}, FederateEquals{}},
			Event:     EventIs{SendAck},
		},
		{
			Name:      "sendack-before-recvtimestamp",
			Preceding: BinaryAnd{PredSatisfies{EventIs{SendAck}}, FederateEquals{}},
			Event:     EventIs{RecvTimestamp},
		},
		{
			Name:      "recvtimestamp-before-sendtimestamp",
			Preceding: BinaryAnd{PredSatisfies{EventIs{RecvTimestamp}}, FederateEquals{}},
			Event:     EventIs{SendTimestamp},
		},
		{
			Name:      "sendtimestamp-before-zero-net",
			Preceding: BinaryAnd{PredSatisfies{EventIs{SendTimestamp}}, FederateEquals{}},
			Event:     UnaryAnd{EventIs{RecvNet}, UnaryNot{TagNonzero{}}},
		},
		{
			Name:      "recvtimestamp-before-all-steady-state-events",
			Preceding: PredSatisfies{EventIs{RecvTimestamp}},
			Event: UnaryOr{
				EventIs{RecvLtc}, EventIs{RecvPortAbs}, EventIs{RecvTaggedMsg},
				EventIs{SendTag}, EventIs{SendPtag}, EventIs{SendPortAbs}, EventIs{SendTaggedMsg},
				EventIs{SendStopGrn}, EventIs{SendStopReq}, EventIs{RecvStopReq}, EventIs{RecvStopReqRep},
			},
		},
	}
}
