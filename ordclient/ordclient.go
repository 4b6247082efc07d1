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

// Package ordclient is the Go side of the ordering client linked into an
// instrumented federate under test: it dials the ordering server, reports
// every tracepoint invocation the federate reaches, and blocks invocations
// that the round's precedence.Graph says must wait for some other
// federate's invocation to fire first.
//
// cmd/libordclient exports this package's API under a C ABI (via cgo
// //export) so it can be linked directly into a C/C++ federate executable;
// this package itself is plain Go and has no cgo dependency, so it can also
// be exercised directly from Go integration tests.
package ordclient

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lf-rti-testbed/ordserv/precedence"
	"github.com/lf-rti-testbed/ordserv/wire"
)

// ErrTimeout is returned by MaybeWait (and so by MaybeDo) when an invocation
// is not released within the client's timeout - the federate should treat
// this as a fatal, diagnosable failure rather than block forever.
var ErrTimeout = errors.New("ordclient: timed out waiting for release")

// DefaultTimeout is used when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Config configures one Client.
type Config struct {
	PrecedenceID uint32
	FederateID   uint32
	Graph        *precedence.Graph
	Timeout      time.Duration
	Log          func(format string, args ...interface{}) // optional diagnostic sink
}

// Client is one federate's connection to the ordering server for one round.
// All exported methods are safe to call concurrently from multiple threads
// of the federate under test (re-entrancy, per spec.md §4.D): writes to the
// socket are serialized by writeMu, while distinct invocations' waits
// proceed independently of each other and of any in-flight notify.
type Client struct {
	conn         net.Conn
	precedenceID uint32
	federateID   uint32
	timeout      time.Duration
	log          func(string, ...interface{})

	senders map[precedence.Invocation]bool
	waiters map[precedence.Invocation]bool

	writeMu sync.Mutex

	latchMu sync.Mutex
	latches map[precedence.Invocation]chan struct{}

	readerDone chan struct{}
	readerErr  error
}

// Dial connects to addr and starts a Client for cfg, writing the startup
// sentinel frame and launching the background frame-dispatch reader.
func Dial(ctx context.Context, addr string, cfg Config) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "ordclient: dial")
	}
	c, err := newClient(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func newClient(conn net.Conn, cfg Config) (*Client, error) {
	if cfg.Graph == nil {
		return nil, errors.New("ordclient: Config.Graph is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	log := cfg.Log
	if log == nil {
		log = func(string, ...interface{}) {}
	}

	senders := make(map[precedence.Invocation]bool)
	for hook, seqnums := range cfg.Graph.Notifies() {
		for _, sn := range seqnums {
			senders[precedence.Invocation{HookID: hook, SeqNum: sn}] = true
		}
	}
	waiters := make(map[precedence.Invocation]bool)
	for hook, seqnums := range cfg.Graph.Waits() {
		for _, sn := range seqnums {
			waiters[precedence.Invocation{HookID: hook, SeqNum: sn}] = true
		}
	}

	c := &Client{
		conn:         conn,
		precedenceID: cfg.PrecedenceID,
		federateID:   cfg.FederateID,
		timeout:      timeout,
		log:          log,
		senders:      senders,
		waiters:      waiters,
		latches:      make(map[precedence.Invocation]chan struct{}),
		readerDone:   make(chan struct{}),
	}

	start := wire.NewStartupFrame(cfg.PrecedenceID)
	if err := wire.WriteFrame(conn, start); err != nil {
		return nil, errors.Wrap(err, "ordclient: write startup frame")
	}

	go c.readLoop()
	return c, nil
}

// readLoop dispatches every incoming frame to the latch of the invocation it
// names, releasing whichever MaybeWait call (if any) is blocked on it. It
// exits (and records readerErr) once the connection closes or errors.
func (c *Client) readLoop() {
	defer close(c.readerDone)
	for {
		f, err := wire.ReadFrame(c.conn)
		if err != nil {
			c.readerErr = err
			return
		}
		inv := precedence.Invocation{HookID: precedence.HookID(f.HookID()), SeqNum: precedence.SeqNum(f.SequenceNumber)}
		close(c.latchFor(inv))
	}
}

// latchFor returns the channel that will be closed when inv is released,
// creating it if this is the first time inv has been referenced (by either
// the reader or a waiter - whichever gets there first).
func (c *Client) latchFor(inv precedence.Invocation) chan struct{} {
	c.latchMu.Lock()
	defer c.latchMu.Unlock()
	ch, ok := c.latches[inv]
	if !ok {
		ch = make(chan struct{})
		c.latches[inv] = ch
	}
	return ch
}

// MaybeWait reports inv to the server and blocks until it is released, or
// returns immediately if inv is not a waiter in this round. The server
// releases inv as soon as every sender it is waiting behind has itself been
// reported (see ordserver's broadcast loop), which is why the report must be
// written before blocking: it is what lets the server associate this
// connection with inv in the first place. MaybeWait fails with ErrTimeout if
// the release does not arrive within the client's configured timeout.
func (c *Client) MaybeWait(ctx context.Context, inv precedence.Invocation) error {
	if !c.waiters[inv] {
		return nil
	}

	ch := c.latchFor(inv)
	if err := c.writeInvocation(inv); err != nil {
		return err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		c.log("ordclient: timed out waiting for %s/%d", inv.HookID, inv.SeqNum)
		return errors.Wrapf(ErrTimeout, "invocation %s/%d", inv.HookID, inv.SeqNum)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.readerDone:
		return errors.Wrapf(c.readerErr, "ordclient: connection closed while waiting for %s/%d", inv.HookID, inv.SeqNum)
	}
}

// MaybeNotify writes a notification frame for inv if inv is a sender in
// this round's precedence graph, otherwise it is a no-op.
func (c *Client) MaybeNotify(inv precedence.Invocation) error {
	if !c.senders[inv] {
		return nil
	}
	return c.writeInvocation(inv)
}

// writeInvocation reports inv to the server. Writes are serialized so
// concurrent callers (MaybeWait and MaybeNotify from different federate
// threads) never interleave partial frames.
func (c *Client) writeInvocation(inv precedence.Invocation) error {
	f, err := wire.NewFrame(c.precedenceID, c.federateID, string(inv.HookID), uint32(inv.SeqNum))
	if err != nil {
		return errors.Wrap(err, "ordclient: encode frame")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteFrame(c.conn, f)
}

// MaybeDo is the composition MaybeWait then MaybeNotify, matching the
// tracepoint_maybe_do C ABI primitive.
func (c *Client) MaybeDo(ctx context.Context, inv precedence.Invocation) error {
	if err := c.MaybeWait(ctx, inv); err != nil {
		return err
	}
	return c.MaybeNotify(inv)
}

// Close closes the underlying connection and waits for the reader goroutine
// to exit.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.readerDone
	return err
}
