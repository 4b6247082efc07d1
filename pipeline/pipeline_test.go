package pipeline

import (
	"bytes"
	"encoding/gob"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"

	"github.com/lf-rti-testbed/ordserv/delay"
	"github.com/lf-rti-testbed/ordserv/traceexec"
	"github.com/lf-rti-testbed/ordserv/vector"
)

func TestTestIdStableAndDistinct(t *testing.T) {
	a := NewTestId("tests/a.lf")
	b := NewTestId("tests/a.lf")
	c := NewTestId("tests/b.lf")
	if a != b {
		t.Fatal("NewTestId is not stable for the same path")
	}
	if a == c {
		t.Fatal("NewTestId collided for distinct paths")
	}
}

func TestCheckpointNameFormat(t *testing.T) {
	commit, err := CommitHashFromHex("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatal(err)
	}
	if got := CheckpointName(PhaseKnownCounts, commit, nil); got != "known-counts-0123456789abcdef0123456789abcdef.bin" {
		t.Fatalf("CheckpointName = %q", got)
	}
	n := 42
	if got := CheckpointName(PhaseAccumulatingTraces, commit, &n); got != "accumulating-traces-42-0123456789abcdef0123456789abcdef.bin" {
		t.Fatalf("CheckpointName with run count = %q", got)
	}
}

func TestCommitHashFromHexRejectsShortInput(t *testing.T) {
	if _, err := CommitHashFromHex("abcd"); err == nil {
		t.Fatal("expected an error for a too-short commit hash")
	}
}

func TestSaveAndLoadCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	initial := &Initial{
		SrcDir:     "/src",
		ScratchDir: dir,
		SrcFiles:   map[TestId]string{NewTestId("a.lf"): "a.lf"},
	}
	require.NoError(t, SaveCheckpoint(dir, "initial-deadbeef.bin", initial))

	var got Initial
	require.NoError(t, LoadCheckpoint(dir+"/initial-deadbeef.bin", &got))
	if diff := pretty.Compare(initial, &got); diff != "" {
		t.Fatalf("checkpoint round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestAccumulatingTracesGobRoundTrip(t *testing.T) {
	id := NewTestId("a.lf")
	reg := vector.NewRegistry()
	ov := vector.NewOutputVector([]uint32{0, 1, 2}, reg)

	at := &AccumulatingTraces{
		KnownCounts: KnownCounts{
			Compiled: Compiled{
				Initial:     Initial{SrcFiles: map[TestId]string{id: "a.lf"}},
				Executables: map[TestId]string{id: "/bin/a"},
			},
			Metadata: map[TestId]TestMetadata{
				id: {Counts: delay.InvocationCounts{"net": 1}, OVKey: vector.NewOutputVectorKey([]vector.TracePointId{1, 2, 3})},
			},
		},
		runs: map[TestId]*testRuns{
			id: {rows: []RunRecord{
				{Delays: delay.Vector{5 * time.Millisecond}, Run: &SuccessfulRun{OV: ov, Status: vector.VectorfyOk}},
				{Delays: delay.Vector{7 * time.Millisecond}, Crash: &traceexec.CrashError{ExitCode: 3}},
			}},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(at))

	var got AccumulatingTraces
	require.NoError(t, gob.NewDecoder(&buf).Decode(&got))

	rows := got.Rows(id)
	require.Len(t, rows, 2)
	require.NotNil(t, rows[0].Run)
	require.Equal(t, vector.VectorfyOk, rows[0].Run.Status)
	require.NotNil(t, rows[1].Crash)
	require.Equal(t, 3, rows[1].Crash.ExitCode)
	require.Equal(t, 2, got.RunCount())
}
