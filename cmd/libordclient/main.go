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

// Command libordclient builds (via `go build -buildmode=c-shared`) the
// shared library a C/C++ federate under test links against. It exports
// exactly the C ABI spec.md §6 names - start_client, drop_join_handle,
// tracepoint_maybe_wait, tracepoint_maybe_notify, tracepoint_maybe_do -
// as a thin cgo shim over the ordclient package.
//
// client* and join_handle* are opaque on the C side; this file hands out
// runtime/cgo.Handle values (uintptr-sized) rather than real Go pointers,
// since a Go pointer stored across the cgo boundary could be moved or
// collected by the Go runtime once control returns to C.
package main

/*
#include <stdint.h>
*/
import "C"

import (
	"context"
	"os"
	"runtime/cgo"
	"strconv"

	"github.com/lf-rti-testbed/ordserv/ordclient"
	"github.com/lf-rti-testbed/ordserv/precedence"
)

// joinHandle is what drop_join_handle releases: ownership of the
// underlying Client's connection, kept separate from the client handle
// itself because the C ABI hands out both independently and a federate
// may pass the client handle to many tracepoint calls before it ever
// drops the join handle.
type joinHandle struct {
	client *ordclient.Client
}

// start_client dials the ordering server for this federate process,
// reading ORDSERV_PORT, ORDSERV_PRECEDENCE_ID and ORDSERV_GRAPH_FILE from
// the environment (set by whatever launched this federate for the
// current round; see precedence.SaveGraph). On any failure it returns
// (0, 0) - a federate must treat a zero client handle as fatal.
//
//export start_client
func start_client(federateID C.int32_t) (C.uintptr_t, C.uintptr_t) {
	graph, err := precedence.LoadGraph(os.Getenv("ORDSERV_GRAPH_FILE"))
	if err != nil {
		return 0, 0
	}
	precedenceID, err := strconv.ParseUint(os.Getenv("ORDSERV_PRECEDENCE_ID"), 10, 32)
	if err != nil {
		return 0, 0
	}
	port := os.Getenv("ORDSERV_PORT")
	if port == "" {
		return 0, 0
	}

	c, err := ordclient.Dial(context.Background(), "127.0.0.1:"+port, ordclient.Config{
		PrecedenceID: uint32(precedenceID),
		FederateID:   uint32(federateID),
		Graph:        graph,
	})
	if err != nil {
		return 0, 0
	}

	clientHandle := cgo.NewHandle(c)
	joinHandleHandle := cgo.NewHandle(&joinHandle{client: c})
	return C.uintptr_t(clientHandle), C.uintptr_t(joinHandleHandle)
}

// drop_join_handle closes the client's connection and releases the
// handle. It is a no-op on an already-dropped or invalid handle.
//
//export drop_join_handle
func drop_join_handle(h C.uintptr_t) {
	if h == 0 {
		return
	}
	defer func() { _ = recover() }()
	handle := cgo.Handle(h)
	defer handle.Delete()
	if jh, ok := handle.Value().(*joinHandle); ok {
		jh.client.Close()
	}
}

func clientFor(h C.uintptr_t) (c *ordclient.Client, ok bool) {
	if h == 0 {
		return nil, false
	}
	defer func() {
		if recover() != nil {
			c, ok = nil, false
		}
	}()
	c, ok = cgo.Handle(h).Value().(*ordclient.Client)
	return c, ok
}

func invocationOf(hookID *C.char, seqnum C.int32_t) precedence.Invocation {
	return precedence.Invocation{HookID: precedence.HookID(C.GoString(hookID)), SeqNum: precedence.SeqNum(seqnum)}
}

// tracepoint_maybe_wait returns 0 on success, -1 on an invalid client
// handle or a failed wait (timeout or connection error).
//
//export tracepoint_maybe_wait
func tracepoint_maybe_wait(clientHandle C.uintptr_t, hookID *C.char, federateID C.int32_t, sequenceNumber C.int32_t) C.int32_t {
	c, ok := clientFor(clientHandle)
	if !ok {
		return -1
	}
	if err := c.MaybeWait(context.Background(), invocationOf(hookID, sequenceNumber)); err != nil {
		return -1
	}
	return 0
}

// tracepoint_maybe_notify returns 0 on success, -1 on an invalid client
// handle or a write failure.
//
//export tracepoint_maybe_notify
func tracepoint_maybe_notify(clientHandle C.uintptr_t, hookID *C.char, federateID C.int32_t, sequenceNumber C.int32_t) C.int32_t {
	c, ok := clientFor(clientHandle)
	if !ok {
		return -1
	}
	if err := c.MaybeNotify(invocationOf(hookID, sequenceNumber)); err != nil {
		return -1
	}
	return 0
}

// tracepoint_maybe_do composes maybe_wait then maybe_notify, per
// spec.md §4.D.
//
//export tracepoint_maybe_do
func tracepoint_maybe_do(clientHandle C.uintptr_t, hookID *C.char, federateID C.int32_t, sequenceNumber C.int32_t) C.int32_t {
	c, ok := clientFor(clientHandle)
	if !ok {
		return -1
	}
	if err := c.MaybeDo(context.Background(), invocationOf(hookID, sequenceNumber)); err != nil {
		return -1
	}
	return 0
}

func main() {}
