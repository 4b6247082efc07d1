package ordserver

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lf-rti-testbed/ordserv/precedence"
	"github.com/lf-rti-testbed/ordserv/wire"
	"github.com/lf-rti-testbed/ordserv/xnet"
	"github.com/lf-rti-testbed/ordserv/xnet/pipenet"
)

// testListener opens an in-memory, TCP-like listening socket on a fresh
// pipenet network, so tests can drive Server.Serve without binding a real
// port. Every call gets its own Network: pipenet addresses are scoped to
// the network they were created on.
func testListener(t *testing.T) (ln net.Listener, dial func(t *testing.T) net.Conn) {
	t.Helper()
	vnet := pipenet.New("ordservtest")
	srvHost := vnet.Host("ordserver")
	xln, err := srvHost.Listen(context.Background(), ":1")
	if err != nil {
		t.Fatalf("pipenet listen: %v", err)
	}
	ln = xnet.BindCtxL(xln, context.Background())

	cliHost := vnet.Host("federate")
	dial = func(t *testing.T) net.Conn {
		t.Helper()
		conn, err := cliHost.Dial(context.Background(), ln.Addr().String())
		if err != nil {
			t.Fatalf("pipenet dial: %v", err)
		}
		return conn
	}
	return ln, dial
}

// TestRunRoundReleasesInOrder builds a 2-connection round where connection B
// is blocked waiting for connection A to report an invocation, and checks
// that B only unblocks after A's frame is sent.
func TestRunRoundReleasesInOrder(t *testing.T) {
	ln, dial := testListener(t)
	srv := New(ln)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Serve(ctx) }()

	const precedenceID = 1
	sender := precedence.Invocation{HookID: "send_timestamp", SeqNum: 0}
	waiter := precedence.Invocation{HookID: "recv_timestamp", SeqNum: 0}

	g := precedence.FromElements(2, []precedence.Element{
		{Sender: sender, Waiters: []precedence.Invocation{waiter}},
	})

	roundErrCh := make(chan error, 1)
	go func() { roundErrCh <- srv.RunRound(ctx, precedenceID, g) }()

	connA := dial(t)
	connB := dial(t)

	startup := wire.NewStartupFrame(precedenceID)
	if err := wire.WriteFrame(connA, startup); err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteFrame(connB, startup); err != nil {
		t.Fatal(err)
	}

	// connB reports that it has reached the waiter invocation, then blocks
	// reading for its release.
	waiterFrame, err := wire.NewFrame(precedenceID, 2, string(waiter.HookID), uint32(waiter.SeqNum))
	if err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteFrame(connB, waiterFrame); err != nil {
		t.Fatal(err)
	}

	releaseCh := make(chan wire.Frame, 1)
	go func() {
		f, err := wire.ReadFrame(connB)
		if err != nil {
			t.Errorf("connB read release: %v", err)
			return
		}
		releaseCh <- f
	}()

	select {
	case <-releaseCh:
		t.Fatal("connB was released before connA notified")
	case <-time.After(100 * time.Millisecond):
	}

	senderFrame, err := wire.NewFrame(precedenceID, 1, string(sender.HookID), uint32(sender.SeqNum))
	if err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteFrame(connA, senderFrame); err != nil {
		t.Fatal(err)
	}

	select {
	case f := <-releaseCh:
		require.Equal(t, string(waiter.HookID), f.HookID())
	case <-time.After(2 * time.Second):
		t.Fatal("connB was never released")
	}

	connA.Close()
	connB.Close()

	select {
	case err := <-roundErrCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunRound did not return")
	}

	cancel()
	<-serveErrCh
}

// TestRunRoundDoubleDutyRelease checks that an invocation which is both a
// waiter (of some other sender) and a sender (to some other waiter) is only
// treated as fired once its own notification frame arrives - not as soon as
// its wait-registration frame does, which is the same shape of frame on the
// wire. Graph: a -> [b], b -> [c], so b is a double-duty invocation.
func TestRunRoundDoubleDutyRelease(t *testing.T) {
	ln, dial := testListener(t)
	srv := New(ln)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Serve(ctx) }()

	const precedenceID = 42
	a := precedence.Invocation{HookID: "a", SeqNum: 0}
	b := precedence.Invocation{HookID: "b", SeqNum: 0}
	c := precedence.Invocation{HookID: "c", SeqNum: 0}

	g := precedence.FromElements(3, []precedence.Element{
		{Sender: a, Waiters: []precedence.Invocation{b}},
		{Sender: b, Waiters: []precedence.Invocation{c}},
	})

	roundErrCh := make(chan error, 1)
	go func() { roundErrCh <- srv.RunRound(ctx, precedenceID, g) }()

	connA := dial(t)
	connB := dial(t)
	connC := dial(t)

	startup := wire.NewStartupFrame(precedenceID)
	for _, conn := range []net.Conn{connA, connB, connC} {
		if err := wire.WriteFrame(conn, startup); err != nil {
			t.Fatal(err)
		}
	}

	aFrame, err := wire.NewFrame(precedenceID, 1, string(a.HookID), uint32(a.SeqNum))
	if err != nil {
		t.Fatal(err)
	}
	bFrame, err := wire.NewFrame(precedenceID, 2, string(b.HookID), uint32(b.SeqNum))
	if err != nil {
		t.Fatal(err)
	}
	cFrame, err := wire.NewFrame(precedenceID, 3, string(c.HookID), uint32(c.SeqNum))
	if err != nil {
		t.Fatal(err)
	}

	// connC reports c (a waiter only) and blocks reading for its release.
	if err := wire.WriteFrame(connC, cFrame); err != nil {
		t.Fatal(err)
	}
	cReleaseCh := make(chan wire.Frame, 1)
	go func() {
		f, err := wire.ReadFrame(connC)
		if err != nil {
			t.Errorf("connC read release: %v", err)
			return
		}
		cReleaseCh <- f
	}()

	// connB reports b - this is the ambiguous wait-registration frame,
	// identical on the wire to the notification frame it will send later.
	if err := wire.WriteFrame(connB, bFrame); err != nil {
		t.Fatal(err)
	}

	select {
	case <-cReleaseCh:
		t.Fatal("connC was released before b fired - only b's wait registered so far")
	case <-time.After(100 * time.Millisecond):
	}

	// connA fires a, which should release connB's wait on a, but must not
	// (yet) be mistaken for b itself firing.
	if err := wire.WriteFrame(connA, aFrame); err != nil {
		t.Fatal(err)
	}

	bReleaseCh := make(chan wire.Frame, 1)
	go func() {
		f, err := wire.ReadFrame(connB)
		if err != nil {
			t.Errorf("connB read release: %v", err)
			return
		}
		bReleaseCh <- f
	}()

	select {
	case f := <-bReleaseCh:
		require.Equal(t, string(b.HookID), f.HookID())
	case <-time.After(2 * time.Second):
		t.Fatal("connB was never released")
	}

	select {
	case <-cReleaseCh:
		t.Fatal("connC was released before connB's own notification fired")
	case <-time.After(100 * time.Millisecond):
	}

	// connB, now released from its wait, fires its own notification.
	if err := wire.WriteFrame(connB, bFrame); err != nil {
		t.Fatal(err)
	}

	select {
	case f := <-cReleaseCh:
		require.Equal(t, string(c.HookID), f.HookID())
	case <-time.After(2 * time.Second):
		t.Fatal("connC was never released")
	}

	connA.Close()
	connB.Close()
	connC.Close()

	select {
	case err := <-roundErrCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunRound did not return")
	}

	cancel()
	<-serveErrCh
}

// TestRunRoundTimesOutWithoutAllConnections checks that RunRound gives up
// after its client timeout when fewer than NConnections federates dial in.
func TestRunRoundTimesOutWithoutAllConnections(t *testing.T) {
	ln, _ := testListener(t)
	srv := New(ln, WithDefaultClientTimeout(50*time.Millisecond))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	g := precedence.FromElements(2, nil)
	err := srv.RunRound(ctx, 7, g)
	if err != ErrRoundClosed {
		t.Fatalf("err = %v, want ErrRoundClosed", err)
	}
}

// recordingTracer implements xnet.TraceReceiver by appending every event it
// sees to a slice, guarded by a mutex since dial/accept happen on different
// goroutines.
type recordingTracer struct {
	mu      sync.Mutex
	dials   []*xnet.TraceDial
	connects []*xnet.TraceConnect
}

func (r *recordingTracer) TraceNetDial(e *xnet.TraceDial) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dials = append(r.dials, e)
}

func (r *recordingTracer) TraceNetConnect(e *xnet.TraceConnect) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects = append(r.connects, e)
}

func (r *recordingTracer) TraceNetListen(*xnet.TraceListen) {}
func (r *recordingTracer) TraceNetTx(*xnet.TraceTx)         {}

func (r *recordingTracer) snapshot() (dials, connects int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dials), len(r.connects)
}

// TestNetTraceObservesFederateDial wraps the federate-side access point with
// xnet.NetTrace and checks that dialing the ordering server is observed as a
// Dial followed by a Connect event, the same way it would be for a federate
// connecting over real TCP.
func TestNetTraceObservesFederateDial(t *testing.T) {
	vnet := pipenet.New("ordservtrace")
	srvHost := vnet.Host("ordserver")
	ctx := context.Background()
	xln, err := srvHost.Listen(ctx, ":1")
	if err != nil {
		t.Fatalf("pipenet listen: %v", err)
	}
	ln := xnet.BindCtxL(xln, ctx)
	srv := New(ln)
	defer srv.Close()

	serveCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(serveCtx)

	rec := &recordingTracer{}
	cliHost := xnet.NetTrace(vnet.Host("federate"), rec)
	cliHost.TraceOn()

	conn, err := cliHost.Dial(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("traced dial: %v", err)
	}
	defer conn.Close()

	dials, connects := rec.snapshot()
	if dials != 1 || connects != 1 {
		t.Fatalf("dials = %d, connects = %d, want 1, 1", dials, connects)
	}
}
