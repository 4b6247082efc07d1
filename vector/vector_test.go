package vector

import (
	"testing"

	"github.com/lf-rti-testbed/ordserv/internal/csvtrace"
)

func rec(event string, logical int64) csvtrace.TraceRecord {
	return csvtrace.TraceRecord{Event: event, ElapsedLogicalTime: logical}
}

func TestTracePointIdStableAcrossPhysicalTime(t *testing.T) {
	a := rec("Sending TAG", 100)
	b := rec("Sending TAG", 100)
	b.ElapsedPhysicalTime = 99999 // must not affect identity

	if NewTracePointId(a) != NewTracePointId(b) {
		t.Fatal("TracePointId should ignore elapsed physical time")
	}

	c := rec("Sending TAG", 200)
	if NewTracePointId(a) == NewTracePointId(c) {
		t.Fatal("TracePointId should differ when logical time differs")
	}
}

func TestVectorfyOkStatus(t *testing.T) {
	records := []csvtrace.TraceRecord{
		rec("Receiving FED_ID", 0),
		rec("Sending ACK", 0),
		rec("Receiving TIMESTAMP", 0),
	}
	tpis := make([]TracePointId, len(records))
	for i, r := range records {
		tpis[i] = NewTracePointId(r)
	}

	key := NewOutputVectorKey(tpis)
	ov, _, status := key.Vectorfy(records)
	if status != VectorfyOk {
		t.Fatalf("status = %v, want Ok", status)
	}
	if ov.Len != len(records) {
		t.Fatalf("ov.Len = %d, want %d", ov.Len, len(records))
	}
}

func TestVectorfyDetectsExtraTracePoint(t *testing.T) {
	reference := []csvtrace.TraceRecord{rec("Receiving FED_ID", 0)}
	tpis := []TracePointId{NewTracePointId(reference[0])}
	key := NewOutputVectorKey(tpis)

	actual := []csvtrace.TraceRecord{
		rec("Receiving FED_ID", 0),
		rec("Receiving FED_ID", 0), // second occurrence has no slot
	}
	_, _, status := key.Vectorfy(actual)
	if status != VectorfyExtraTracePointId {
		t.Fatalf("status = %v, want ExtraTracePointId", status)
	}
}

func TestVectorfyDetectsMissingTracePoint(t *testing.T) {
	reference := []csvtrace.TraceRecord{rec("Receiving FED_ID", 0)}
	tpis := []TracePointId{NewTracePointId(reference[0])}
	key := NewOutputVectorKey(tpis)

	actual := []csvtrace.TraceRecord{rec("Sending ACK", 0)}
	_, _, status := key.Vectorfy(actual)
	if status != VectorfyMissingTracePointId {
		t.Fatalf("status = %v, want MissingTracePointId", status)
	}
}

func TestOutputVectorDeduplicatesIdenticalChunks(t *testing.T) {
	reg := NewRegistry()
	ov := make([]uint32, ChunkSize)
	for i := range ov {
		ov[i] = uint32(i)
	}

	a := NewOutputVector(ov, reg)
	b := NewOutputVector(ov, reg)
	if a.Root != b.Root {
		t.Fatal("identical vectors should intern to the same root node")
	}
}

func TestOutputVectorLargeTreeSplits(t *testing.T) {
	reg := NewRegistry()
	ov := make([]uint32, 100)
	for i := range ov {
		ov[i] = uint32(i)
	}
	v := NewOutputVector(ov, reg)
	if v.Len != 100 {
		t.Fatalf("Len = %d, want 100", v.Len)
	}
	if _, ok := reg.id2pair[v.Root]; !ok {
		t.Fatal("a 100-element vector should build an interior node, not a leaf")
	}
}
