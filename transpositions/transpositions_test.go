package transpositions

import "testing"

func TestRecordAllSmoke(t *testing.T) {
	traces := []OgRank2CurRank{
		{0, 1, 2, 3},
		{0, 2, 1, 3},
		{0, 3, 2, 1},
		{0, 1, 3, 2},
	}

	st := New(4, 1, 0.1)
	st.RecordAll(traces)

	want := []map[OgRank]struct{}{
		{},
		{2: {}},
		{1: {}, 3: {}},
		{2: {}},
	}
	got := st.BeforeAndAfters()
	for i := range want {
		if !setsEqual(got[i], want[i]) {
			t.Fatalf("before_and_afters[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if err := st.CheckInvariantsExpensive(); err != nil {
		t.Fatal(err)
	}

	if st.TracesRecorded() != 4 {
		t.Fatalf("TracesRecorded() = %d, want 4", st.TracesRecorded())
	}
}

func setsEqual(a, b map[OgRank]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func TestParallelRecordAllMatchesSequential(t *testing.T) {
	traces := make([]OgRank2CurRank, 0, 20)
	base := []CurRank{0, 1, 2, 3, 4, 5, 6, 7}
	for i := 0; i < 20; i++ {
		trace := make(OgRank2CurRank, len(base))
		copy(trace, base)
		// rotate a small window to create a few transpositions deterministically
		j := i % (len(trace) - 1)
		trace[j], trace[j+1] = trace[j+1], trace[j]
		traces = append(traces, trace)
	}

	seq := New(len(base), 2, 0.1)
	seq.RecordAll(traces)

	par := New(len(base), 2, 0.1)
	if err := par.ParallelRecordAll(traces, 4); err != nil {
		t.Fatal(err)
	}

	seqBA := seq.BeforeAndAfters()
	parBA := par.BeforeAndAfters()
	for i := range seqBA {
		for other := range seqBA[i] {
			if _, ok := parBA[i][other]; !ok {
				t.Fatalf("parallel run missed transposition (%d, %d) sequential found", i, other)
			}
		}
	}
}
