package ordclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/lf-rti-testbed/ordserv/precedence"
	"github.com/lf-rti-testbed/ordserv/wire"
)

// fakeServer drains the startup frame from conn and returns a channel of
// every subsequent frame the client writes, letting a test drive releases by
// writing frames back on the same connection.
func fakeServer(t *testing.T, conn net.Conn) <-chan wire.Frame {
	t.Helper()
	reported := make(chan wire.Frame, 16)
	go func() {
		start, err := wire.ReadFrame(conn)
		if err != nil || !start.IsStartup() {
			t.Errorf("fakeServer: expected startup frame, got %+v, err %v", start, err)
			return
		}
		for {
			f, err := wire.ReadFrame(conn)
			if err != nil {
				close(reported)
				return
			}
			reported <- f
		}
	}()
	return reported
}

func newGraph(t *testing.T, sender precedence.Invocation, waiters ...precedence.Invocation) *precedence.Graph {
	t.Helper()
	return precedence.New(1, map[precedence.Invocation][]precedence.Invocation{sender: waiters})
}

func TestMaybeWaitReturnsImmediatelyWhenNotAWaiter(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	fakeServer(t, server)

	sender := precedence.Invocation{HookID: "lf_schedule", SeqNum: 0}
	waiter := precedence.Invocation{HookID: "lf_advance", SeqNum: 0}
	g := newGraph(t, sender, waiter)

	c, err := newClient(client, Config{Graph: g, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	other := precedence.Invocation{HookID: "unrelated", SeqNum: 0}
	if err := c.MaybeWait(context.Background(), other); err != nil {
		t.Fatalf("MaybeWait on a non-waiter invocation should be a no-op, got %v", err)
	}
}

func TestMaybeNotifyIsNoOpForNonSender(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	reported := fakeServer(t, server)

	sender := precedence.Invocation{HookID: "lf_schedule", SeqNum: 0}
	waiter := precedence.Invocation{HookID: "lf_advance", SeqNum: 0}
	g := newGraph(t, sender, waiter)

	c, err := newClient(client, Config{Graph: g, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	other := precedence.Invocation{HookID: "unrelated", SeqNum: 0}
	if err := c.MaybeNotify(other); err != nil {
		t.Fatal(err)
	}

	select {
	case f, ok := <-reported:
		if ok {
			t.Fatalf("MaybeNotify on a non-sender invocation should not write anything, got %+v", f)
		}
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMaybeNotifyWritesFrameForSender(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	reported := fakeServer(t, server)

	sender := precedence.Invocation{HookID: "lf_schedule", SeqNum: 3}
	g := newGraph(t, sender)

	c, err := newClient(client, Config{PrecedenceID: 9, FederateID: 2, Graph: g, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.MaybeNotify(sender); err != nil {
		t.Fatal(err)
	}

	select {
	case f := <-reported:
		if f.HookID() != "lf_schedule" || f.SequenceNumber != 3 || f.FederateID != 2 {
			t.Fatalf("unexpected frame written: %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notify frame")
	}
}

func TestMaybeWaitUnblocksOnRelease(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	fakeServer(t, server)

	sender := precedence.Invocation{HookID: "lf_schedule", SeqNum: 0}
	waiter := precedence.Invocation{HookID: "lf_advance", SeqNum: 1}
	g := newGraph(t, sender, waiter)

	c, err := newClient(client, Config{Graph: g, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		done <- c.MaybeWait(context.Background(), waiter)
	}()

	release, _ := wire.NewFrame(0, 0, "lf_advance", 1)
	if err := wire.WriteFrame(server, release); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("MaybeWait returned error after release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("MaybeWait did not unblock after release frame")
	}
}

func TestMaybeWaitTimesOut(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	fakeServer(t, server)

	sender := precedence.Invocation{HookID: "lf_schedule", SeqNum: 0}
	waiter := precedence.Invocation{HookID: "lf_advance", SeqNum: 0}
	g := newGraph(t, sender, waiter)

	c, err := newClient(client, Config{Graph: g, Timeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.MaybeWait(context.Background(), waiter); err == nil {
		t.Fatal("expected a timeout error")
	}
}

func TestMaybeDoComposesWaitThenNotify(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	reported := fakeServer(t, server)

	upstream := precedence.Invocation{HookID: "lf_schedule", SeqNum: 0}
	mid := precedence.Invocation{HookID: "lf_advance", SeqNum: 0}
	downstream := precedence.Invocation{HookID: "lf_commit", SeqNum: 0}
	g := precedence.New(1, map[precedence.Invocation][]precedence.Invocation{
		upstream: {mid},
		mid:      {downstream},
	})

	c, err := newClient(client, Config{Graph: g, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		done <- c.MaybeDo(context.Background(), mid)
	}()

	release, _ := wire.NewFrame(0, 0, "lf_advance", 0)
	if err := wire.WriteFrame(server, release); err != nil {
		t.Fatal(err)
	}

	if err := <-done; err != nil {
		t.Fatalf("MaybeDo failed: %v", err)
	}

	select {
	case f := <-reported:
		if f.HookID() != "lf_advance" {
			t.Fatalf("unexpected notify frame: %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("MaybeDo did not notify after waiting")
	}
}
