// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package slick

import (
	"math/bits"
	"strings"
	"unsafe"
)

const (
	groupSize = 8

	ctrlEmpty    ctrl = 0b10000000
	ctrlSentinel ctrl = 0b11111111

	bitsetLSB = 0x0101010101010101
	bitsetMSB = 0x8080808080808080
)

// Each slot in a block has a control byte which can have one of three
// states: empty, full and the sentinel. They have the following bit
// patterns:
//
//	   empty: 1 0 0 0 0 0 0 0
//	    full: 0 f f f f f f f  // f represents the fingerprint bits
//	sentinel: 1 1 1 1 1 1 1 1
//
// A block's control bytes are padded with sentinels to a multiple of
// groupSize so that a whole group can be loaded as a single word. Sentinels
// never match a fingerprint and are never considered empty, so padding does
// not need to be special cased by the matching routines.
type ctrl uint8

// ctrlGroup is groupSize control bytes loaded as a single little-endian
// word.
type ctrlGroup uint64

// loadGroup loads the groupSize control bytes starting at ctrls[i].
func loadGroup(ctrls []ctrl, i int) ctrlGroup {
	_ = ctrls[i+groupSize-1]
	return *(*ctrlGroup)(unsafe.Pointer(&ctrls[i]))
}

// matchH2 returns a bitset where each byte is 0x80 if that control byte
// holds fingerprint h.
func (g ctrlGroup) matchH2(h uint8) bitset {
	// NB: This generic matching routine produces false positive matches when
	// h is 2^N and the control bytes have a seq of 2^N followed by 2^N+1. For
	// example: if ctrls==0x0302 and h=02, we'll compute v as 0x0100. When we
	// subtract off 0x0101 the first 2 bytes we'll become 0xffff and both be
	// considered matches of h. The false positive matches are not a problem,
	// just a rare inefficiency. Note that they only occur if there is a real
	// match and never occur on ctrlEmpty or ctrlSentinel. The subsequent key
	// comparisons ensure that there is no correctness issue.
	v := uint64(g) ^ (bitsetLSB * uint64(h))
	return bitset(((v - bitsetLSB) &^ v) & bitsetMSB)
}

// matchEmpty returns a bitset where each byte is 0x80 if that control byte
// indicates an empty slot (and 0x00 otherwise).
func (g ctrlGroup) matchEmpty() bitset {
	// An empty slot is  1000 0000
	// A sentinel slot is 1111 1111
	// A slot is empty iff bit 7 is set and bit 1 is not.
	v := uint64(g)
	return bitset((v &^ (v << 6)) & bitsetMSB)
}

// matchFull returns a bitset where each byte is 0x80 if that control byte
// holds a fingerprint.
func (g ctrlGroup) matchFull() bitset {
	return bitset(^uint64(g) & bitsetMSB)
}

type bitset uint64

// first returns the index of the first set byte.
func (b bitset) first() int {
	return bits.TrailingZeros64(uint64(b)) >> 3
}

// remove clears byte i.
func (b bitset) remove(i int) bitset {
	return b &^ (bitset(0x80) << (i << 3))
}

func (b bitset) String() string {
	var buf strings.Builder
	buf.Grow(groupSize)
	for i := 0; i < groupSize; i++ {
		if (b & (bitset(0x80) << (i << 3))) != 0 {
			buf.WriteString("1")
		} else {
			buf.WriteString("0")
		}
	}
	return buf.String()
}

func unsafeConvertSlice[Dest any, Src any](s []Src) []Dest {
	return unsafe.Slice((*Dest)(unsafe.Pointer(unsafe.SliceData(s))), len(s))
}
