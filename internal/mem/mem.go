// Copyright (C) 2015-2016  Nexedi SA and Contributors.
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

// Package mem allows working with memory as either string or []byte
// without copying.
//
// wire.Frame.HookID uses it to decode the fixed-size hook_id field of a
// frame without allocating on every read.
package mem

import (
	"reflect"
	"unsafe"
)

// Bytes casts s to []byte without copying.
//
// The returned slice aliases s's memory and must not be written to: string
// data is immutable and mutating it through this alias is undefined
// behavior.
func Bytes(s string) []byte {
	var b []byte
	bp := (*reflect.SliceHeader)(unsafe.Pointer(&b))
	bp.Data = (*reflect.StringHeader)(unsafe.Pointer(&s)).Data
	bp.Cap = len(s)
	bp.Len = len(s)
	return b
}

// String casts b to string without copying.
//
// The returned string aliases b's memory; callers must not mutate b after
// calling String, or the string's value changes out from under its holder.
func String(b []byte) string {
	var s string
	sp := (*reflect.StringHeader)(unsafe.Pointer(&s))
	sp.Data = (*reflect.SliceHeader)(unsafe.Pointer(&b)).Data
	sp.Len = len(b)
	return s
}
