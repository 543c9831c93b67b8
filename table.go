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
	"math/bits"
)

// Slot holds a key and value.
type Slot[K comparable, V any] struct {
	key   K
	value V
}

// blockMeta is the per-block bookkeeping of the main table.
type blockMeta struct {
	// The number of full slots in the block.
	used int32
	// The number of entries homed at this block that currently reside in a
	// neighboring block. Lookups only scan the displacement window when
	// spilled is non-zero.
	spilled int32
}

// table is the main table: numBlocks blocks of blockSize slots each, laid
// out in a single arena and addressed by index. Entries only ever move
// between blocks by sliding, and an entry never ends up more than hops
// blocks away from its home block.
type table[K comparable, V any] struct {
	// ctrls is numBlocks*stride in length. Block b owns
	// ctrls[b*stride:b*stride+blockSize]; the remaining stride-blockSize
	// bytes of the block are always ctrlSentinel.
	ctrls []ctrl
	// slots is numBlocks*blockSize in length. Block b owns
	// slots[b*blockSize:(b+1)*blockSize].
	slots []Slot[K, V]
	// disps parallels slots and records current block minus home block for
	// every full slot (and 0 for empty slots).
	disps  []int8
	blocks []blockMeta

	numBlocks int
	blockSize int
	// stride is blockSize rounded up to a multiple of groupSize.
	stride int
	// hops is the hop bound H.
	hops int
	// The number of full slots across all blocks.
	used int
	// The number of block-to-block moves performed by sliding. Only ever
	// increases.
	moves int64
}

func (t *table[K, V]) init(a Allocator[K, V], numBlocks, blockSize, hops int) {
	t.numBlocks = numBlocks
	t.blockSize = blockSize
	t.stride = (blockSize + groupSize - 1) &^ (groupSize - 1)
	t.hops = hops
	t.slots = a.AllocSlots(numBlocks * blockSize)
	t.ctrls = unsafeConvertSlice[ctrl](a.AllocControls(numBlocks * t.stride))
	t.disps = make([]int8, numBlocks*blockSize)
	t.blocks = make([]blockMeta, numBlocks)
	t.reset()
}

// reset empties every block without releasing memory.
func (t *table[K, V]) reset() {
	for b := 0; b < t.numBlocks; b++ {
		base := b * t.stride
		for j := 0; j < t.stride; j++ {
			if j < t.blockSize {
				t.ctrls[base+j] = ctrlEmpty
			} else {
				t.ctrls[base+j] = ctrlSentinel
			}
		}
	}
	clear(t.slots)
	clear(t.disps)
	clear(t.blocks)
	t.used = 0
}

func (t *table[K, V]) release(a Allocator[K, V]) {
	if t.slots != nil {
		a.FreeSlots(t.slots)
		a.FreeControls(unsafeConvertSlice[uint8](t.ctrls))
	}
	t.slots = nil
	t.ctrls = nil
	t.disps = nil
	t.blocks = nil
	t.numBlocks = 0
	t.used = 0
}

// capacity returns the number of slots in the main table.
func (t *table[K, V]) capacity() int {
	return t.numBlocks * t.blockSize
}

// split divides hash value h into the home block index and the fingerprint.
// The block index is the high word of h*numBlocks, which maps the hash
// space onto [0, numBlocks) in order.
func (t *table[K, V]) split(h uint64) (home int, fp uint8) {
	hi, _ := bits.Mul64(h, uint64(t.numBlocks))
	return int(hi), uint8(h & 0x7f)
}

func (t *table[K, V]) slot(b, j int) *Slot[K, V] {
	return &t.slots[b*t.blockSize+j]
}

// window returns the range of blocks [lo, hi] that can hold an entry homed
// at block home.
func (t *table[K, V]) window(home int) (lo, hi int) {
	return max(home-t.hops, 0), min(home+t.hops, t.numBlocks-1)
}

// find returns the block and slot position of key, which is homed at block
// home and has fingerprint fp.
func (t *table[K, V]) find(home int, fp uint8, key K) (b, j int, ok bool) {
	if j, ok := t.findIn(home, 0, fp, key); ok {
		return home, j, true
	}
	if t.blocks[home].spilled == 0 {
		return 0, 0, false
	}
	for d := 1; d <= t.hops; d++ {
		if b := home - d; b >= 0 {
			if j, ok := t.findIn(b, int8(-d), fp, key); ok {
				return b, j, true
			}
		}
		if b := home + d; b < t.numBlocks {
			if j, ok := t.findIn(b, int8(d), fp, key); ok {
				return b, j, true
			}
		}
	}
	return 0, 0, false
}

// findIn scans block b for key at displacement disp.
func (t *table[K, V]) findIn(b int, disp int8, fp uint8, key K) (int, bool) {
	if t.blocks[b].used == 0 {
		return 0, false
	}
	base := b * t.stride
	for g := 0; g < t.stride; g += groupSize {
		match := loadGroup(t.ctrls, base+g).matchH2(fp)
		for match != 0 {
			bit := match.first()
			j := g + bit
			i := b*t.blockSize + j
			if debug {
				fmt.Printf("find(checking): block=%d index=%d key=%v\n", b, j, t.slots[i].key)
			}
			if t.disps[i] == disp && t.slots[i].key == key {
				return j, true
			}
			match = match.remove(bit)
		}
	}
	return 0, false
}

// freeSlot returns the position of the first empty slot in block b.
func (t *table[K, V]) freeSlot(b int) (int, bool) {
	if int(t.blocks[b].used) == t.blockSize {
		return 0, false
	}
	base := b * t.stride
	for g := 0; g < t.stride; g += groupSize {
		if match := loadGroup(t.ctrls, base+g).matchEmpty(); match != 0 {
			return g + match.first(), true
		}
	}
	panic(fmt.Sprintf("block %d has used=%d but no empty slot", b, t.blocks[b].used))
}

// place stores an entry known not to be in the table in its home block,
// sliding entries out of the home block if it is full. It returns false,
// leaving the table untouched, if no slot could be freed within the hop
// bound.
func (t *table[K, V]) place(home int, fp uint8, key K, value V) bool {
	j, ok := t.freeSlot(home)
	if !ok {
		if !t.slide(home, 0, t.hops) {
			if debug {
				fmt.Printf("place(%v): home=%d no room within %d hops\n", key, home, t.hops)
			}
			return false
		}
		j, _ = t.freeSlot(home)
	}
	i := home*t.blockSize + j
	t.slots[i] = Slot[K, V]{key: key, value: value}
	t.ctrls[home*t.stride+j] = ctrl(fp)
	t.disps[i] = 0
	t.blocks[home].used++
	t.used++
	if debug {
		fmt.Printf("place(%v): block=%d index=%d used=%d\n", key, home, j, t.used)
	}
	return true
}

// slide frees one slot in full block b by moving one of its entries into
// the adjacent block in direction dir (-1, +1, or 0 for either), first
// recursively freeing a slot in the adjacent block if that is full too. At
// most hops moves are chained. Moves are only performed once the whole
// chain is known to succeed, so a false return leaves the table untouched.
//
// Lower indexes are tried first. A direction that would leave the table is
// skipped and the other one attempted.
func (t *table[K, V]) slide(b, dir, hops int) bool {
	if hops == 0 {
		return false
	}
	for _, d := range [2]int{-1, 1} {
		if dir != 0 && d != dir {
			continue
		}
		to := b + d
		if to < 0 || to >= t.numBlocks {
			continue
		}
		j, ok := t.victim(b, d)
		if !ok {
			continue
		}
		if int(t.blocks[to].used) == t.blockSize && !t.slide(to, d, hops-1) {
			continue
		}
		if debug {
			fmt.Printf("slide: block=%d index=%d -> block=%d\n", b, j, to)
		}
		t.move(b, j, to)
		return true
	}
	return false
}

// victim picks the entry in block b to slide in direction d. Entries that
// would move away from their home block are preferred: the most displaced
// one still below the hop bound, with ties broken by slot position. If
// there is none, the most displaced entry that moving in direction d
// brings closer to its home is chosen instead.
func (t *table[K, V]) victim(b, d int) (int, bool) {
	away, awayDist := -1, -1
	back, backDist := -1, 0
	base := b * t.stride
	for g := 0; g < t.stride; g += groupSize {
		match := loadGroup(t.ctrls, base+g).matchFull()
		for match != 0 {
			bit := match.first()
			j := g + bit
			switch dist := int(t.disps[b*t.blockSize+j]) * d; {
			case dist >= 0:
				if dist < t.hops && dist > awayDist {
					away, awayDist = j, dist
				}
			case -dist > backDist:
				back, backDist = j, -dist
			}
			match = match.remove(bit)
		}
	}
	if away >= 0 {
		return away, true
	}
	return back, back >= 0
}

// move transfers the entry at slot j of block from to an empty slot of
// block to. The source slot is cleared.
func (t *table[K, V]) move(from, j, to int) {
	k, ok := t.freeSlot(to)
	if !ok {
		panic(fmt.Sprintf("move: block %d is full", to))
	}
	src := from*t.blockSize + j
	dst := to*t.blockSize + k
	disp := t.disps[src]
	next := disp + int8(to-from)
	home := from - int(disp)
	switch {
	case disp == 0:
		t.blocks[home].spilled++
	case next == 0:
		t.blocks[home].spilled--
	}
	t.slots[dst] = t.slots[src]
	t.ctrls[to*t.stride+k] = t.ctrls[from*t.stride+j]
	t.disps[dst] = next
	t.blocks[to].used++
	t.vacate(from, j)
	t.moves++
}

// vacate clears slot j of block b.
func (t *table[K, V]) vacate(b, j int) {
	i := b*t.blockSize + j
	t.slots[i] = Slot[K, V]{}
	t.ctrls[b*t.stride+j] = ctrlEmpty
	t.disps[i] = 0
	t.blocks[b].used--
}

// remove deletes key from the table, returning its value and the block
// that gained a free slot.
func (t *table[K, V]) remove(home int, fp uint8, key K) (value V, freed int, ok bool) {
	b, j, ok := t.find(home, fp, key)
	if !ok {
		return value, 0, false
	}
	i := b*t.blockSize + j
	value = t.slots[i].value
	if t.disps[i] != 0 {
		t.blocks[home].spilled--
	}
	t.vacate(b, j)
	t.used--
	if debug {
		fmt.Printf("remove(%v): block=%d index=%d used=%d\n", key, b, j, t.used)
	}
	return value, b, true
}

// all calls yield for every entry in block order. If yield returns false,
// iteration stops and all returns false.
func (t *table[K, V]) all(yield func(b, j int, s *Slot[K, V]) bool) bool {
	for b := 0; b < t.numBlocks; b++ {
		if t.blocks[b].used == 0 {
			continue
		}
		base := b * t.stride
		for g := 0; g < t.stride; g += groupSize {
			match := loadGroup(t.ctrls, base+g).matchFull()
			for match != 0 {
				bit := match.first()
				j := g + bit
				if !yield(b, j, t.slot(b, j)) {
					return false
				}
				match = match.remove(bit)
			}
		}
	}
	return true
}
