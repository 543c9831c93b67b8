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
	"cmp"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/swiss"
)

var errBackyardFull = errors.Mark(errors.New("slick: backyard full"), ErrTableFull)

// backyardEntry is an entry the main table could not place. It remembers
// the block it is homed at so that the cleaner can find the entries that a
// freed slot might make room for.
type backyardEntry[K comparable, V any] struct {
	key   K
	value V
	home  uint32
	fp    uint8
	// seq orders entries by insertion across all homes.
	seq uint64
	// Links in the FIFO list of entries sharing the same home.
	prev, next *backyardEntry[K, V]
}

// backyardList is the insertion-ordered list of backyard entries homed at
// a single block.
type backyardList[K comparable, V any] struct {
	head, tail *backyardEntry[K, V]
	len        int
}

func (l *backyardList[K, V]) pushBack(e *backyardEntry[K, V]) {
	e.prev = l.tail
	e.next = nil
	if l.tail != nil {
		l.tail.next = e
	} else {
		l.head = e
	}
	l.tail = e
	l.len++
}

func (l *backyardList[K, V]) unlink(e *backyardEntry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.prev, e.next = nil, nil
	l.len--
}

// backyard is the overflow store. It is a plain associative container
// keyed by the full key, with a secondary index from home block to the
// entries homed there so that cleaning only visits entries near a freed
// slot.
type backyard[K comparable, V any] struct {
	entries *swiss.Map[K, *backyardEntry[K, V]]
	homes   *swiss.Map[uint32, *backyardList[K, V]]
	hash    hashFn[K]
	seq     uint64
}

func (by *backyard[K, V]) init(hash hashFn[K]) {
	by.hash = hash
	by.entries = swiss.New[K, *backyardEntry[K, V]](0,
		swiss.WithHash[K, *backyardEntry[K, V]](func(key *K, seed uintptr) uintptr {
			return uintptr(hash(key, uint64(seed)))
		}))
	by.homes = swiss.New[uint32, *backyardList[K, V]](0,
		swiss.WithHash[uint32, *backyardList[K, V]](func(key *uint32, seed uintptr) uintptr {
			return uintptr(hashUint64(uint64(*key), uint64(seed)))
		}))
}

func (by *backyard[K, V]) close() {
	if by.entries != nil {
		by.entries.Close()
		by.homes.Close()
	}
	by.entries = nil
	by.homes = nil
}

func (by *backyard[K, V]) len() int {
	if by.entries == nil {
		return 0
	}
	return by.entries.Len()
}

// insert adds an entry known not to be present. It fails with
// errBackyardFull if the backyard already holds limit entries; a negative
// limit means unbounded.
func (by *backyard[K, V]) insert(home uint32, fp uint8, key K, value V, limit int) error {
	if by.full(limit) {
		return errBackyardFull
	}
	by.seq++
	e := &backyardEntry[K, V]{key: key, value: value, home: home, fp: fp, seq: by.seq}
	by.entries.Put(key, e)
	l, ok := by.homes.Get(home)
	if !ok {
		l = &backyardList[K, V]{}
		by.homes.Put(home, l)
	}
	l.pushBack(e)
	return nil
}

func (by *backyard[K, V]) full(limit int) bool {
	return limit >= 0 && by.len() >= limit
}

// lookup returns the entry for key, which is homed at home.
func (by *backyard[K, V]) lookup(home uint32, key K) (*backyardEntry[K, V], bool) {
	if by.len() == 0 {
		return nil, false
	}
	e, ok := by.entries.Get(key)
	if ok && e.home != home {
		panic(errors.AssertionFailedf("backyard entry %v homed at %d, looked up at %d", key, e.home, home))
	}
	return e, ok
}

// remove deletes entry e, which must be present.
func (by *backyard[K, V]) remove(e *backyardEntry[K, V]) {
	by.entries.Delete(e.key)
	l, ok := by.homes.Get(e.home)
	if !ok {
		panic(errors.AssertionFailedf("backyard home %d missing for %v", e.home, e.key))
	}
	l.unlink(e)
	if l.len == 0 {
		by.homes.Delete(e.home)
	}
}

// candidates appends to buf the entries homed in [lo, hi], oldest first.
func (by *backyard[K, V]) candidates(lo, hi uint32, buf []*backyardEntry[K, V]) []*backyardEntry[K, V] {
	if by.len() == 0 {
		return buf
	}
	start := len(buf)
	for h := lo; h <= hi; h++ {
		l, ok := by.homes.Get(h)
		if !ok {
			continue
		}
		for e := l.head; e != nil; e = e.next {
			buf = append(buf, e)
		}
	}
	sortBySeq(buf[start:])
	return buf
}

// ordered appends every entry to buf, oldest first.
func (by *backyard[K, V]) ordered(buf []*backyardEntry[K, V]) []*backyardEntry[K, V] {
	if by.len() == 0 {
		return buf
	}
	start := len(buf)
	by.homes.All(func(_ uint32, l *backyardList[K, V]) bool {
		for e := l.head; e != nil; e = e.next {
			buf = append(buf, e)
		}
		return true
	})
	sortBySeq(buf[start:])
	return buf
}

func sortBySeq[K comparable, V any](entries []*backyardEntry[K, V]) {
	slices.SortFunc(entries, func(a, b *backyardEntry[K, V]) int {
		return cmp.Compare(a.seq, b.seq)
	})
}
