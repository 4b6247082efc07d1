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

// Package ordserver implements the ordering server: it accepts connections
// from federates under test, and for each round releases blocked federates
// in the order dictated by a precedence.Graph.
//
// Protocol, per connection:
//
//   - the first frame is a startup sentinel (wire.Frame.IsStartup) whose
//     PrecedenceID says which round this connection belongs to;
//   - every subsequent frame a federate writes reports that it has reached
//     some precedence.Invocation. If that invocation never appears as a
//     waiter in the round's Graph, nothing more happens (this is a plain
//     notify). If it does appear as a waiter, the federate additionally
//     performs a blocking read on the same connection and is released only
//     once the server writes a frame back - which happens as soon as the
//     invocation it is waiting behind has itself been reported.
//
// A report frame's wire shape does not by itself say whether the federate
// is now *waiting* on inv (ordclient.Client.MaybeWait, sent before the
// blocking read) or reporting that inv has *fired*
// (ordclient.Client.MaybeNotify, sent after any wait on inv already
// returned) - both write the identical frame for inv. broadcast tells them
// apart from the round's Graph instead of from the wire: an invocation that
// is only ever a sender or only ever a waiter has just one possible origin
// for its frame, and an invocation that is both (it waits on one sender and
// is itself a sender to further waiters) can only have its first report be
// the wait registration, since MaybeNotify for it cannot run until that
// wait has already been released - see broadcast's waitReported bookkeeping.
//
// The server never needs federate-issued acks to know when to release a
// waiter: arrival order of "reached invocation" reports across connections
// is exactly the information the Graph's sender/waiter edges are evaluated
// against, and a single broadcaster goroutine evaluates all of them in
// strict arrival order so no races are possible (see SPEC_FULL.md §14).
package ordserver

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lf-rti-testbed/ordserv/internal/metrics"
	"github.com/lf-rti-testbed/ordserv/internal/xcontext"
	"github.com/lf-rti-testbed/ordserv/internal/xsync"
	"github.com/lf-rti-testbed/ordserv/precedence"
	"github.com/lf-rti-testbed/ordserv/wire"
)

// DefaultClientTimeout bounds how long the server waits, per round, for all
// expected connections to present their startup frame.
const DefaultClientTimeout = 30 * time.Second

// ErrRoundClosed is returned by RunRound when the round's context is
// canceled or its client timeout expires before all connections arrive.
var ErrRoundClosed = errors.New("ordserver: round closed before completion")

// Server accepts ordering-client connections and runs rounds against them.
type Server struct {
	ln     net.Listener
	log    *zap.Logger
	defTmo time.Duration

	shutdownCtx context.Context
	shutdown    context.CancelFunc

	mu     sync.Mutex
	rounds map[uint32]*roundSlot
}

// roundSlot is where Serve's accept loop hands off newly dialed connections
// to the RunRound call waiting for this precedence id.
type roundSlot struct {
	conns chan net.Conn
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the zap logger used by the server (default: zap.NewNop()).
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithDefaultClientTimeout overrides DefaultClientTimeout.
func WithDefaultClientTimeout(d time.Duration) Option {
	return func(s *Server) { s.defTmo = d }
}

// New wraps ln into a Server. Serve must be called to start accepting.
func New(ln net.Listener, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ln:          ln,
		log:         zap.NewNop(),
		defTmo:      DefaultClientTimeout,
		shutdownCtx: ctx,
		shutdown:    cancel,
		rounds:      make(map[uint32]*roundSlot),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close stops accepting new connections and cancels all in-flight rounds.
func (s *Server) Close() error {
	s.shutdown()
	return s.ln.Close()
}

// Serve runs the accept loop until ctx is done or the listener errors.
//
// Each accepted connection is read for its startup frame and then routed to
// the roundSlot matching its PrecedenceID, creating the slot if RunRound has
// not yet been called for that round.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := xcontext.Merge(ctx, s.shutdownCtx)
	defer cancel()

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "ordserver: accept")
		}
		go s.dispatch(ctx, conn)
	}
}

func (s *Server) dispatch(ctx context.Context, conn net.Conn) {
	f, err := wire.ReadFrame(conn)
	if err != nil || !f.IsStartup() {
		s.log.Warn("ordserver: dropping connection without valid startup frame", zap.Error(err))
		conn.Close()
		return
	}

	slot := s.slotFor(f.PrecedenceID)
	select {
	case slot.conns <- conn:
	case <-ctx.Done():
		conn.Close()
	}
}

func (s *Server) slotFor(precedenceID uint32) *roundSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.rounds[precedenceID]
	if !ok {
		slot = &roundSlot{conns: make(chan net.Conn, 1)}
		s.rounds[precedenceID] = slot
	}
	return slot
}

func (s *Server) dropSlot(precedenceID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rounds, precedenceID)
}

// event is one "federate reached this invocation" report, tagged with the
// connection it arrived on so the broadcaster can write a release frame
// back to the right peer.
type event struct {
	conn net.Conn
	inv  precedence.Invocation
}

// RunRound waits for g.NConnections federates to connect under precedenceID,
// then drives one round to completion: every federate that is released
// exactly once it may proceed, per g.
//
// RunRound returns once every connection has closed (the round's test
// programs have run to completion), or ErrRoundClosed if ctx is canceled or
// the round's client timeout elapses first.
func (s *Server) RunRound(ctx context.Context, precedenceID uint32, g *precedence.Graph) error {
	if err := g.Validate(); err != nil {
		return err
	}

	tmo := g.PerClientTimeout
	if tmo == 0 {
		tmo = s.defTmo
	}

	ctx, cancel := xcontext.Merge(ctx, s.shutdownCtx)
	defer cancel()
	defer s.dropSlot(precedenceID)

	slot := s.slotFor(precedenceID)

	conns := make([]net.Conn, 0, g.NConnections)
	tmoCh := time.After(tmo)
collect:
	for len(conns) < g.NConnections {
		select {
		case c := <-slot.conns:
			conns = append(conns, c)
		case <-tmoCh:
			break collect
		case <-ctx.Done():
			break collect
		}
	}
	if len(conns) != g.NConnections {
		for _, c := range conns {
			c.Close()
		}
		return ErrRoundClosed
	}
	metrics.OrderingServerConnections.Add(float64(len(conns)))
	defer metrics.OrderingServerConnections.Sub(float64(len(conns)))

	s.log.Debug("ordserver: round starting", zap.Uint32("precedence_id", precedenceID), zap.Int("n_connections", len(conns)))

	wg := xsync.NewWorkGroup(ctx)
	evCh := make(chan event, 64)

	for _, c := range conns {
		c := c
		wg.Go(func(ctx context.Context) error {
			return s.readConn(ctx, c, evCh)
		})
	}

	done := make(chan struct{})
	go func() {
		s.broadcast(g, evCh)
		close(done)
	}()

	err := wg.Wait()

	close(evCh)
	<-done

	for _, c := range conns {
		c.Close()
	}

	if err != nil && errors.Cause(err) != errConnClosed {
		return errors.Wrap(err, "ordserver: round")
	}
	return nil
}

var errConnClosed = errors.New("ordserver: connection closed")

// readConn reads frames from one federate's connection until it closes,
// publishing each reported invocation to evCh.
func (s *Server) readConn(ctx context.Context, conn net.Conn, evCh chan<- event) error {
	for {
		f, err := wire.ReadFrame(conn)
		if err != nil {
			// io.EOF (clean close) or ErrShortFrame: either way this
			// federate's part of the round has ended. Returning nil keeps
			// the round's context alive for the other connections.
			return nil
		}

		inv := precedence.Invocation{HookID: precedence.HookID(f.HookID()), SeqNum: precedence.SeqNum(f.SequenceNumber)}
		select {
		case evCh <- event{conn: conn, inv: inv}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// broadcast is the single goroutine that decides, for every reported
// invocation, whether to release some other connection. Running this
// serially avoids any need for locking the waiting/satisfied state.
func (s *Server) broadcast(g *precedence.Graph, evCh <-chan event) {
	waitingConn := make(map[precedence.Invocation]net.Conn)
	satisfied := make(map[precedence.Invocation]bool)

	// waitReported tracks, for an invocation that is both a waiter and a
	// sender, whether its wait-registration frame has already been seen.
	// Such an invocation reports exactly twice on the same connection -
	// MaybeWait's registration, then (only once released) MaybeNotify's
	// firing - always in that order, so a single bool disambiguates them.
	waitReported := make(map[precedence.Invocation]bool)

	release := func(inv precedence.Invocation) {
		if c, ok := waitingConn[inv]; ok {
			delete(waitingConn, inv)
			s.writeRelease(c, inv)
			return
		}
		satisfied[inv] = true
	}

	for ev := range evCh {
		fired := g.IsSender(ev.inv)
		if fired && g.IsWaiter(ev.inv) {
			fired = waitReported[ev.inv]
			waitReported[ev.inv] = true
		}

		if !fired {
			// a wait registration: either release it immediately if its
			// sender already fired, or remember where to send the
			// eventual release.
			if satisfied[ev.inv] {
				delete(satisfied, ev.inv)
				s.writeRelease(ev.conn, ev.inv)
			} else {
				waitingConn[ev.inv] = ev.conn
			}
			continue
		}

		delete(waitReported, ev.inv)
		for _, waiter := range g.WaitersOf(ev.inv) {
			release(waiter)
		}
	}
}

func (s *Server) writeRelease(conn net.Conn, inv precedence.Invocation) {
	f, err := wire.NewFrame(0, 0, string(inv.HookID), uint32(inv.SeqNum))
	if err != nil {
		s.log.Error("ordserver: cannot encode release frame", zap.Error(err))
		return
	}
	if err := wire.WriteFrame(conn, f); err != nil {
		s.log.Debug("ordserver: release write failed, peer likely gone", zap.Error(err))
	}
}
