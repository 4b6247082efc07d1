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

// Package xmath provides addons to the standard math package.
//
// vector.buildNode uses CeilPow2 to find the split point of an
// OutputVector's binary tree that keeps every left subtree a power of two
// in size, so that two vectors built from a common prefix share the same
// interior node shape and intern to the same Registry entries.
package xmath

import (
	"math/bits"
)

// CeilPow2 returns the minimal y >= x such that y == 2^i.
func CeilPow2(x uint64) uint64 {
	switch bits.OnesCount64(x) {
	case 0, 1:
		return x // either 0 or already a power of two
	default:
		return 1 << uint(bits.Len64(x))
	}
}

// CeilLog2 returns the minimal i such that 2^i >= x.
func CeilLog2(x uint64) int {
	switch bits.OnesCount64(x) {
	case 0:
		return 0
	case 1:
		return bits.Len64(x) - 1
	default:
		return bits.Len64(x)
	}
}

// FloorLog2 returns the maximal i such that 2^i <= x. FloorLog2(0) is -1.
func FloorLog2(x uint64) int {
	switch bits.OnesCount64(x) {
	case 0:
		return -1
	default:
		return bits.Len64(x) - 1
	}
}
