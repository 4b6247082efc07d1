package delay

import (
	"testing"
	"time"
)

func TestNewEnvironmentUpdateRejectsLengthMismatch(t *testing.T) {
	counts := InvocationCounts{"net": 2, "tag": 1}
	_, err := NewEnvironmentUpdate(counts, Vector{time.Millisecond})
	if err == nil {
		t.Fatal("expected a length-mismatch error")
	}
}

func TestNewEnvironmentUpdateAssignsDeterministicNames(t *testing.T) {
	counts := InvocationCounts{"net": 2, "tag": 1}
	vec := Vector{5 * time.Millisecond, 10 * time.Millisecond, 15 * time.Millisecond}

	u, err := NewEnvironmentUpdate(counts, vec)
	if err != nil {
		t.Fatal(err)
	}
	if len(u.Vars) != 3 {
		t.Fatalf("len(Vars) = %d, want 3", len(u.Vars))
	}
	if u.Vars[VarName("net", 0)] != "5" {
		t.Fatalf("net[0] = %q, want 5", u.Vars[VarName("net", 0)])
	}
	if u.Vars[VarName("net", 1)] != "10" {
		t.Fatalf("net[1] = %q, want 10", u.Vars[VarName("net", 1)])
	}
	if u.Vars[VarName("tag", 0)] != "15" {
		t.Fatalf("tag[0] = %q, want 15", u.Vars[VarName("tag", 0)])
	}
}

func TestEnvironDoesNotMutateBase(t *testing.T) {
	base := []string{"PATH=/bin"}
	u := EnvironmentUpdate{Vars: map[string]string{"X": "1"}}
	out := u.Environ(base)
	if len(base) != 1 {
		t.Fatal("base slice should not be mutated")
	}
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
}
