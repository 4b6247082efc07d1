// Copyright (C) 2017  Nexedi SA and Contributors.
//                     Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

// Package xio provides addons to standard package io.
package xio

import "io"

// CountedReader is an io.Reader that counts total bytes read.
//
// wire.ReadFrame uses it to report how many bytes of a short/partial frame
// were received before a connection closed, which the ordering server logs
// as diagnostic context.
type CountedReader struct {
	r     io.Reader
	nread int64
}

func (cr *CountedReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.nread += int64(n)
	return n, err
}

// InputOffset returns the number of bytes read so far.
func (cr *CountedReader) InputOffset() int64 {
	return cr.nread
}

// CountReader wraps r with a CountedReader.
func CountReader(r io.Reader) *CountedReader {
	return &CountedReader{r: r}
}
