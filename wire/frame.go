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

// Package wire implements the fixed-size binary frame used on the wire
// between an ordering client and the ordering server.
//
// A Frame is 44 bytes, little-endian, with no padding:
//
//	precedence_id    uint32
//	federate_id      uint32
//	hook_id          [32]byte (NUL-padded ASCII)
//	sequence_number  uint32
//
// The first frame sent by a client on a freshly-dialed connection is the
// "startup sentinel": hook_id[0] == 'S'. The server uses precedence_id from
// that sentinel to route the new connection to the round that is waiting
// for it; federate_id and sequence_number in the sentinel are otherwise
// unused.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/lf-rti-testbed/ordserv/internal/mem"
	"github.com/lf-rti-testbed/ordserv/internal/xio"
)

// FrameSize is the wire size of a Frame in bytes.
const FrameSize = 4 + 4 + HookIDSize + 4

// HookIDSize is the size in bytes of the hook_id field. Hook ids longer than
// HookIDSize-1 bytes cannot be represented (they would not leave room for the
// NUL terminator used by HookID()).
const HookIDSize = 32

// StartupSentinel is the first byte of a startup frame's hook_id.
const StartupSentinel = 'S'

// Frame is one wire message exchanged between an ordering client and the
// ordering server.
type Frame struct {
	PrecedenceID   uint32
	FederateID     uint32
	HookIDRaw      [HookIDSize]byte
	SequenceNumber uint32
}

// NewFrame builds a Frame from a hook id string, NUL-padding it into the
// fixed-size HookIDRaw field.
//
// NewFrame returns an error if hookID does not fit (including its NUL
// terminator) in HookIDSize bytes.
func NewFrame(precedenceID, federateID uint32, hookID string, seqnum uint32) (Frame, error) {
	var f Frame
	if len(hookID) > HookIDSize-1 {
		return f, errors.Errorf("wire: hook id %q is longer than %d bytes", hookID, HookIDSize-1)
	}
	f.PrecedenceID = precedenceID
	f.FederateID = federateID
	copy(f.HookIDRaw[:], hookID)
	f.SequenceNumber = seqnum
	return f, nil
}

// NewStartupFrame builds the startup sentinel frame for precedenceID.
func NewStartupFrame(precedenceID uint32) Frame {
	var f Frame
	f.PrecedenceID = precedenceID
	f.HookIDRaw[0] = StartupSentinel
	return f
}

// IsStartup reports whether f is a startup sentinel frame.
func (f Frame) IsStartup() bool {
	return f.HookIDRaw[0] == StartupSentinel
}

// HookID returns the hook id as a string, cut at the first NUL byte.
//
// The returned string aliases the HookIDRaw bytes of the receiver, which is
// a copy of the caller's Frame, so later changes to the caller's Frame do
// not change the string.
func (f Frame) HookID() string {
	n := 0
	for n < HookIDSize && f.HookIDRaw[n] != 0 {
		n++
	}
	return mem.String(f.HookIDRaw[:n])
}

// ReadFrame decodes one Frame from r.
//
// On a clean EOF before any byte of the frame is read, ReadFrame returns
// io.EOF unwrapped so callers can distinguish "peer hung up between frames"
// from "peer hung up mid-frame" (an error whose errors.Cause is
// ErrShortFrame, with the underlying read error in its message).
func ReadFrame(r io.Reader) (Frame, error) {
	cr := xio.CountReader(r)
	var buf [FrameSize]byte
	_, err := io.ReadFull(cr, buf[:])
	if err != nil {
		if err == io.EOF && cr.InputOffset() == 0 {
			return Frame{}, io.EOF
		}
		return Frame{}, errors.Wrapf(ErrShortFrame, "read %d/%d bytes: %s", cr.InputOffset(), FrameSize, err)
	}

	var f Frame
	f.PrecedenceID = binary.LittleEndian.Uint32(buf[0:4])
	f.FederateID = binary.LittleEndian.Uint32(buf[4:8])
	copy(f.HookIDRaw[:], buf[8:8+HookIDSize])
	f.SequenceNumber = binary.LittleEndian.Uint32(buf[8+HookIDSize : FrameSize])
	return f, nil
}

// WriteFrame encodes f and writes it to w.
func WriteFrame(w io.Writer, f Frame) error {
	var buf [FrameSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], f.PrecedenceID)
	binary.LittleEndian.PutUint32(buf[4:8], f.FederateID)
	copy(buf[8:8+HookIDSize], f.HookIDRaw[:])
	binary.LittleEndian.PutUint32(buf[8+HookIDSize:FrameSize], f.SequenceNumber)

	_, err := w.Write(buf[:])
	if err != nil {
		return errors.Wrap(err, "wire: write frame")
	}
	return nil
}

// ErrShortFrame is returned (wrapped) by ReadFrame when a connection closes
// or errors after delivering a non-zero, incomplete prefix of a frame.
var ErrShortFrame = errors.New("wire: short frame")
