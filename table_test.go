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
	"fmt"
	"math"
	"math/bits"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// homeDigest returns a hash value that a table of numBlocks blocks maps to
// block home.
func homeDigest(home, numBlocks int) uint64 {
	q, _ := bits.Div64(uint64(home), 0, uint64(numBlocks))
	return q + 1
}

func newTestTable(numBlocks, blockSize, hops int) *table[int, int] {
	t := &table[int, int]{}
	t.init(defaultAllocator[int, int]{}, numBlocks, blockSize, hops)
	return t
}

func fingerprint(key int) uint8 {
	return uint8(key & 0x7f)
}

// tableLayout formats the blocks of t, one per line, listing each entry's
// key and, if displaced, its displacement.
func tableLayout[K comparable, V any](t *table[K, V]) string {
	var buf strings.Builder
	for b := 0; b < t.numBlocks; b++ {
		fmt.Fprintf(&buf, "%d:", b)
		for j := 0; j < t.blockSize; j++ {
			if t.ctrls[b*t.stride+j] == ctrlEmpty {
				continue
			}
			fmt.Fprintf(&buf, " %v", t.slot(b, j).key)
			if d := t.disps[b*t.blockSize+j]; d != 0 {
				fmt.Fprintf(&buf, "%+d", d)
			}
		}
		buf.WriteString("\n")
	}
	return buf.String()
}

func TestSplit(t *testing.T) {
	for _, numBlocks := range []int{1, 2, 3, 5, 8, 1000, 1 << 24} {
		t.Run(fmt.Sprint(numBlocks), func(t *testing.T) {
			tb := table[int, int]{numBlocks: numBlocks}
			home, fp := tb.split(0)
			require.Equal(t, 0, home)
			require.EqualValues(t, 0, fp)

			home, fp = tb.split(math.MaxUint64)
			require.Equal(t, numBlocks-1, home)
			require.EqualValues(t, 0x7f, fp)

			for _, h := range []int{0, numBlocks / 2, numBlocks - 1} {
				home, _ := tb.split(homeDigest(h, numBlocks))
				require.Equal(t, h, home)
			}
		})
	}
}

func TestTableInit(t *testing.T) {
	tb := newTestTable(3, 10, 2)
	require.Equal(t, 16, tb.stride)
	require.Equal(t, 30, tb.capacity())
	require.Len(t, tb.ctrls, 48)
	for b := 0; b < 3; b++ {
		for j := 0; j < tb.stride; j++ {
			if j < 10 {
				require.Equal(t, ctrlEmpty, tb.ctrls[b*tb.stride+j])
			} else {
				require.Equal(t, ctrlSentinel, tb.ctrls[b*tb.stride+j])
			}
		}
	}
	// Padding is never handed out.
	for i := 0; i < 10; i++ {
		require.True(t, tb.place(1, fingerprint(i), i, i))
	}
	_, ok := tb.freeSlot(1)
	require.False(t, ok)
}

func TestTableSlide(t *testing.T) {
	tb := newTestTable(4, 2, 1)
	place := func(key, home int) bool {
		return tb.place(home, fingerprint(key), key, key*10)
	}

	require.True(t, place(1, 0))
	require.True(t, place(2, 0))
	require.EqualValues(t, 0, tb.moves)

	// Block 0 is full and nothing can move below it, so the first slot
	// slides up.
	require.True(t, place(3, 0))
	require.Equal(t, "0: 3 2\n1: 1+1\n2:\n3:\n", tableLayout(tb))
	require.EqualValues(t, 1, tb.moves)
	require.EqualValues(t, 1, tb.blocks[0].spilled)

	require.True(t, place(4, 0))
	require.Equal(t, "0: 4 2\n1: 1+1 3+1\n2:\n3:\n", tableLayout(tb))
	require.EqualValues(t, 2, tb.blocks[0].spilled)

	// Freeing block 0 would take two hops.
	require.False(t, place(5, 0))
	require.Equal(t, "0: 4 2\n1: 1+1 3+1\n2:\n3:\n", tableLayout(tb))
	require.EqualValues(t, 2, tb.moves)

	// Entries in block 1 are displaced as far as they may go, and sliding
	// one back to block 0 would take a second hop, so block 1 cannot make
	// room either.
	require.False(t, place(6, 1))
	require.True(t, place(7, 2))
	require.Equal(t, 5, tb.used)

	for _, key := range []int{1, 2, 3, 4, 7} {
		home := 0
		if key == 7 {
			home = 2
		}
		b, j, ok := tb.find(home, fingerprint(key), key)
		require.True(t, ok, "key %d", key)
		require.Equal(t, key*10, tb.slot(b, j).value)
	}
	_, _, ok := tb.find(0, fingerprint(5), 5)
	require.False(t, ok)
	_, _, ok = tb.find(1, fingerprint(6), 6)
	require.False(t, ok)
}

func TestTableSlideChain(t *testing.T) {
	tb := newTestTable(4, 1, 2)
	for _, key := range []int{1, 2, 3} {
		require.True(t, tb.place(0, fingerprint(key), key, key))
	}
	require.Equal(t, "0: 3\n1: 2+1\n2: 1+2\n3:\n", tableLayout(tb))
	require.EqualValues(t, 3, tb.moves)
	require.EqualValues(t, 2, tb.blocks[0].spilled)

	// A third hop would exceed the bound.
	require.False(t, tb.place(0, fingerprint(4), 4, 4))

	v, freed, ok := tb.remove(0, fingerprint(2), 2)
	require.True(t, ok)
	require.Equal(t, 2, v)
	require.Equal(t, 1, freed)
	require.EqualValues(t, 1, tb.blocks[0].spilled)
	require.Equal(t, "0: 3\n1:\n2: 1+2\n3:\n", tableLayout(tb))

	_, _, ok = tb.remove(0, fingerprint(2), 2)
	require.False(t, ok)
}

func TestTableSlideBoundary(t *testing.T) {
	tb := newTestTable(3, 1, 2)
	require.True(t, tb.place(2, fingerprint(1), 1, 1))
	// Nothing can move above the last block, so sliding goes down.
	require.True(t, tb.place(2, fingerprint(2), 2, 2))
	require.Equal(t, "0:\n1: 1-1\n2: 2\n", tableLayout(tb))

	// Down is tried first, and 1 is still within the bound there.
	require.True(t, tb.place(1, fingerprint(3), 3, 3))
	require.Equal(t, "0: 1-2\n1: 3\n2: 2\n", tableLayout(tb))
	require.EqualValues(t, 1, tb.blocks[2].spilled)
	require.EqualValues(t, 0, tb.blocks[1].spilled)

	// Block 0 cannot slide down, so 1 slides back towards its home.
	_, _, ok := tb.remove(1, fingerprint(3), 3)
	require.True(t, ok)
	require.True(t, tb.place(0, fingerprint(5), 5, 5))
	require.Equal(t, "0: 5\n1: 1-1\n2: 2\n", tableLayout(tb))
	require.EqualValues(t, 1, tb.blocks[2].spilled)

	// Once 1 is back home it no longer counts as spilled.
	_, _, ok = tb.remove(2, fingerprint(2), 2)
	require.True(t, ok)
	require.True(t, tb.place(0, fingerprint(6), 6, 6))
	require.Equal(t, "0: 6\n1: 5+1\n2: 1\n", tableLayout(tb))
	require.EqualValues(t, 0, tb.blocks[2].spilled)
	require.EqualValues(t, 1, tb.blocks[0].spilled)
	b, _, ok := tb.find(2, fingerprint(1), 1)
	require.True(t, ok)
	require.Equal(t, 2, b)
	b, _, ok = tb.find(0, fingerprint(5), 5)
	require.True(t, ok)
	require.Equal(t, 1, b)
}

func TestTableNoSliding(t *testing.T) {
	tb := newTestTable(2, 2, 0)
	require.True(t, tb.place(0, fingerprint(1), 1, 1))
	require.True(t, tb.place(0, fingerprint(2), 2, 2))
	require.False(t, tb.place(0, fingerprint(3), 3, 3))
	require.EqualValues(t, 0, tb.moves)
	lo, hi := tb.window(1)
	require.Equal(t, 1, lo)
	require.Equal(t, 1, hi)
}

func TestTableWindow(t *testing.T) {
	tb := newTestTable(10, 1, 3)
	for _, c := range []struct{ home, lo, hi int }{
		{0, 0, 3},
		{1, 0, 4},
		{5, 2, 8},
		{8, 5, 9},
		{9, 6, 9},
	} {
		lo, hi := tb.window(c.home)
		require.Equal(t, c.lo, lo, "home %d", c.home)
		require.Equal(t, c.hi, hi, "home %d", c.home)
	}
}

func TestTableVictim(t *testing.T) {
	tb := newTestTable(5, 4, 2)
	// Fill block 2 with entries homed at 2, 1, 0 and 2.
	put := func(b, j, key, disp int) {
		i := b*tb.blockSize + j
		tb.slots[i] = Slot[int, int]{key: key, value: key}
		tb.ctrls[b*tb.stride+j] = ctrl(fingerprint(key))
		tb.disps[i] = int8(disp)
		tb.blocks[b].used++
	}
	put(2, 0, 10, 0)
	put(2, 1, 11, 1)
	put(2, 2, 12, 2)
	put(2, 3, 13, 0)

	// The entry displaced by 2 is at the bound, so the entry displaced by 1
	// is the most displaced one that may move up.
	j, ok := tb.victim(2, 1)
	require.True(t, ok)
	require.Equal(t, 1, j)

	// Moving down pushes the undisplaced entries further from home, which
	// is preferred over bringing 11 or 12 back.
	j, ok = tb.victim(2, -1)
	require.True(t, ok)
	require.Equal(t, 0, j)

	// Block 1 only holds entries displaced downwards. Moving up brings the
	// most displaced of them closer to home.
	put(1, 0, 20, -1)
	put(1, 1, 21, -2)
	put(1, 2, 22, -2)
	put(1, 3, 23, -1)
	j, ok = tb.victim(1, 1)
	require.True(t, ok)
	require.Equal(t, 1, j)
	j, ok = tb.victim(1, -1)
	require.True(t, ok)
	require.Equal(t, 0, j)

	// Nothing in block 2 is displaced downwards and 12 is at the bound.
	tb.vacate(2, 0)
	tb.vacate(2, 1)
	tb.vacate(2, 3)
	_, ok = tb.victim(2, 1)
	require.False(t, ok)
}

func TestTableAll(t *testing.T) {
	tb := newTestTable(4, 3, 1)
	for key := 0; key < 6; key++ {
		require.True(t, tb.place(key%4, fingerprint(key), key, key))
	}
	var keys []int
	tb.all(func(_, _ int, s *Slot[int, int]) bool {
		keys = append(keys, s.key)
		return true
	})
	require.Equal(t, []int{0, 4, 1, 5, 2, 3}, keys)

	keys = keys[:0]
	require.False(t, tb.all(func(_, _ int, s *Slot[int, int]) bool {
		keys = append(keys, s.key)
		return len(keys) < 2
	}))
	require.Equal(t, []int{0, 4}, keys)
}
