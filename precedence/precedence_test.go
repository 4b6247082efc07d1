package precedence

import (
	"path/filepath"
	"testing"
)

func TestFromElementsWaitsNotifies(t *testing.T) {
	g := FromElements(2, []Element{
		{
			Sender:  Invocation{HookID: "send_timestamp", SeqNum: 0},
			Waiters: []Invocation{{HookID: "recv_timestamp", SeqNum: 0}},
		},
	})

	waits := g.Waits()
	if got := waits["recv_timestamp"]; len(got) != 1 || got[0] != 0 {
		t.Fatalf("Waits()[recv_timestamp] = %v, want [0]", got)
	}

	notifies := g.Notifies()
	if got := notifies["send_timestamp"]; len(got) != 1 || got[0] != 0 {
		t.Fatalf("Notifies()[send_timestamp] = %v, want [0]", got)
	}

	waiters := g.WaitersOf(Invocation{HookID: "send_timestamp", SeqNum: 0})
	if len(waiters) != 1 || waiters[0].HookID != "recv_timestamp" {
		t.Fatalf("WaitersOf = %v", waiters)
	}
}

func TestValidateRejectsSelfWait(t *testing.T) {
	inv := Invocation{HookID: "x", SeqNum: 0}
	g := New(1, map[Invocation][]Invocation{inv: {inv}})
	if err := g.Validate(); err == nil {
		t.Fatal("expected error for self-waiting invocation")
	}
}

func TestValidateRejectsNonPositiveConnections(t *testing.T) {
	g := New(0, nil)
	if err := g.Validate(); err == nil {
		t.Fatal("expected error for zero NConnections")
	}
}

func TestIsSenderIsWaiter(t *testing.T) {
	sender := Invocation{HookID: "send_timestamp", SeqNum: 0}
	waiter := Invocation{HookID: "recv_timestamp", SeqNum: 0}
	g := FromElements(2, []Element{{Sender: sender, Waiters: []Invocation{waiter}}})

	if !g.IsSender(sender) {
		t.Fatal("expected sender to be reported as a sender")
	}
	if g.IsSender(waiter) {
		t.Fatal("waiter should not be reported as a sender")
	}
	if !g.IsWaiter(waiter) {
		t.Fatal("expected waiter to be reported as a waiter")
	}
	if g.IsWaiter(sender) {
		t.Fatal("sender should not be reported as a waiter")
	}

	unrelated := Invocation{HookID: "other", SeqNum: 5}
	if g.IsSender(unrelated) || g.IsWaiter(unrelated) {
		t.Fatal("unrelated invocation should be neither sender nor waiter")
	}
}

func TestSaveLoadGraphRoundTrip(t *testing.T) {
	sender := Invocation{HookID: "send_timestamp", SeqNum: 0}
	waiter := Invocation{HookID: "recv_timestamp", SeqNum: 0}
	g := FromElements(3, []Element{{Sender: sender, Waiters: []Invocation{waiter}}})
	g.PerClientTimeout = 7

	path := filepath.Join(t.TempDir(), "graph.bin")
	if err := SaveGraph(path, g); err != nil {
		t.Fatal(err)
	}

	got, err := LoadGraph(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.NConnections != 3 || got.PerClientTimeout != 7 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.IsSender(sender) || !got.IsWaiter(waiter) {
		t.Fatalf("round trip lost sender/waiter edges: %+v", got)
	}
}
