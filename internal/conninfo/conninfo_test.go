package conninfo

import (
	"math"
	"testing"
)

func TestDelaySentinelRoundTrip(t *testing.T) {
	cases := []struct {
		s    string
		want Delay
	}{
		{"no_delay_placeholder_unused", 0}, // not a real parse case, see below
	}
	_ = cases

	if got, err := ParseDelay("-9223372036854775808"); err != nil || got != NoConnection {
		t.Fatalf("ParseDelay(no-connection) = %v, %v", got, err)
	}
	if got, err := ParseDelay("0"); err != nil || got != ZeroDelay {
		t.Fatalf("ParseDelay(zero) = %v, %v", got, err)
	}
	if got, err := ParseDelay("42"); err != nil || got != Delay(42) {
		t.Fatalf("ParseDelay(42) = %v, %v", got, err)
	}
	if _, err := ParseDelay("-5"); err == nil {
		t.Fatal("expected error for invalid negative delay")
	}
	if NoConnection != Delay(math.MinInt64) {
		t.Fatalf("NoConnection sentinel mismatch")
	}
}

func TestTagAddAndStrictAdd(t *testing.T) {
	t0 := Tag{Time: 100, Microstep: 3}

	if got := t0.Add(ZeroDelay); got != (Tag{Time: 100, Microstep: 4}) {
		t.Fatalf("Add(ZeroDelay) = %+v", got)
	}
	if got := t0.Add(NoConnection); got != t0 {
		t.Fatalf("Add(NoConnection) should be identity, got %+v", got)
	}
	if got := t0.Add(Delay(10)); got != (Tag{Time: 110, Microstep: 3}) {
		t.Fatalf("Add(10) = %+v", got)
	}

	if got := t0.StrictAdd(Delay(10)); got != (Tag{Time: 109, Microstep: math.MaxUint64}) {
		t.Fatalf("StrictAdd(10) = %+v", got)
	}
	if got := t0.StrictAdd(ZeroDelay); got != (Tag{Time: 100, Microstep: 4}) {
		t.Fatalf("StrictAdd(ZeroDelay) = %+v", got)
	}
}

func TestTagOrdering(t *testing.T) {
	a := Tag{Time: 1, Microstep: 5}
	b := Tag{Time: 1, Microstep: 6}
	c := Tag{Time: 2, Microstep: 0}

	if !a.Less(b) || !b.Less(c) || a.Less(a) {
		t.Fatal("Tag.Less ordering broken")
	}
	if !a.LessOrEqual(a) {
		t.Fatal("Tag.LessOrEqual should be reflexive")
	}
}

func TestParseConnInfo(t *testing.T) {
	text := "2\n" +
		"0 0\n" +
		"1 1 0 5000\n"

	ci, err := Parse(text)
	if err != nil {
		t.Fatal(err)
	}

	if d, ok := ci.DelayOf(0, 0); !ok || d != ZeroDelay {
		t.Fatalf("self-delay for 0: %v, %v", d, ok)
	}
	if d, ok := ci.DelayOf(1, 1); !ok || d != ZeroDelay {
		t.Fatalf("self-delay for 1: %v, %v", d, ok)
	}
	if d, ok := ci.DelayOf(0, 1); !ok || d != Delay(5000) {
		t.Fatalf("delay 0->1: %v, %v", d, ok)
	}
	if !ci.IsDirectlyUpstream(0, 1) {
		t.Fatal("expected 0 to be directly upstream of 1")
	}
	if ci.IsZeroDelayUpstream(0, 1) {
		t.Fatal("delay 5000 should not be reported as zero-delay")
	}

	up := ci.UpstreamOf(1)
	if d, ok := up[0]; !ok || d != Delay(5000) {
		t.Fatalf("UpstreamOf(1) = %v", up)
	}
}

func TestParseConnInfoMalformed(t *testing.T) {
	if _, err := Parse("not a number\n"); err == nil {
		t.Fatal("expected error for malformed node count")
	}
	if _, err := Parse("1\n"); err == nil {
		t.Fatal("expected error for missing node line")
	}
}
