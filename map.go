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

// package slick is a Go implementation of sliding block hashing, a hash
// table layout that aims for near-perfect space utilization while keeping
// lookups and insertions close to the cost of a conventional hash map.
//
// # Blocks
//
// The main table is a fixed sequence of B blocks, each holding C slots. The
// high bits of hash(key) pick a key's home block and the low 7 bits are its
// fingerprint. As in Swiss tables, every slot has a control byte holding
// either the fingerprint or an empty marker, and a block's control bytes are
// matched 8 at a time with SWAR bit tricks, so scanning a block rarely
// compares more than one key.
//
// # Sliding
//
// When the home block of a new key is full, an entry of that block is slid
// into an adjacent block to make room. If the adjacent block is full too,
// one of its entries is slid further in the same direction, and so on, for
// at most H hops (see WithHopBound). The entry chosen to move out of a block
// is the one already displaced the most, ties broken by slot position. An
// entry is never pushed more than H blocks away from its home, though it
// may be slid back towards it when nothing else in its block can move,
// such as at the edges of the table. This bounds the window a lookup has
// to scan, and a per-block count of entries living outside their home lets
// lookups skip the window entirely in the common case.
//
//	 home block 0 is full, H=2
//
//	  0       1       2
//	+---+   +---+   +---+
//	|c d| → |e f| → |g  |
//	+---+   +---+   +---+
//	  c moves to 1 after e moved to 2,
//	  the new key takes c's slot
//
// # Backyard
//
// If no slot can be freed within H hops, the new entry is diverted to the
// backyard, a secondary associative store. The backyard is expected to stay
// a small fraction of the table; when it grows past a threshold (see
// WithBackyardThreshold) a warning is logged and the growth is visible in
// metrics, but operations keep working. An entry is never in both the main
// table and the backyard.
//
// # Cleaning
//
// After every deletion from the main table, the backyard entries homed
// within H blocks of the freed slot are retried, oldest first, using the
// same placement as an insertion. Entries that fit move back to the main
// table; the rest wait for a later deletion. Cleaning never fails the
// deletion that triggered it.
//
// # Storage
//
// Full keys are stored alongside values and the fingerprint only filters
// key comparisons, so lookups never return a false positive.
package slick

import (
	"fmt"
	"iter"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

const debug = false

// ErrTableFull is returned when inserting a new key into a Map that already
// holds as many entries as its main table and backyard ceiling allow.
var ErrTableFull = errors.New("slick: table full")

// Map is an unordered map from keys to values with Put, Get, Delete, and All
// operations, laid out as a sliding block hash table. A Map never resizes:
// its main table is sized once by New. By default, a Map[K,V] hashes string
// and integer keys with xxhash and other keys with hash/maphash, though a
// different hash function can be specified using the WithHash option.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	hash hashFn[K]
	seed uint64
	// The allocator to use for the ctrls and slots slices.
	allocator Allocator[K, V]

	table    table[K, V]
	backyard backyard[K, V]

	blockSize int
	hops      int
	slack     float64
	// ceiling bounds the number of entries beyond the main table's capacity.
	// Negative means unbounded.
	ceiling int
	// threshold is the backyard fraction above which we warn. overThreshold
	// is set while the fraction is above it so we warn once per crossing.
	threshold     float64
	overThreshold bool

	name          string
	log           *zap.Logger
	meterProvider metric.MeterProvider
	metrics       metrics

	diversions     int64
	reintegrations int64

	// cleanBuf is scratch space for gathering cleaning candidates.
	cleanBuf []*backyardEntry[K, V]
}

// New constructs a new Map sized to hold capacity entries in its main
// table. Entries that do not fit in the main table overflow into the
// backyard. The zero value for a Map is not usable.
func New[K comparable, V any](capacity int, options ...option[K, V]) *Map[K, V] {
	m := &Map[K, V]{
		hash:          defaultHasher[K](),
		seed:          rand.Uint64(),
		allocator:     defaultAllocator[K, V]{},
		blockSize:     defaultBlockSize,
		hops:          defaultHopBound,
		ceiling:       -1,
		threshold:     defaultBackyardThreshold,
		log:           zap.NewNop(),
		meterProvider: noop.NewMeterProvider(),
	}

	for _, op := range options {
		op.apply(m)
	}

	switch {
	case capacity < 0:
		panic(errors.AssertionFailedf("slick: negative capacity %d", capacity))
	case m.blockSize < 1:
		panic(errors.AssertionFailedf("slick: block size %d must be positive", m.blockSize))
	case m.hops < 0 || m.hops > maxHopBound:
		panic(errors.AssertionFailedf("slick: hop bound %d not in [0, %d]", m.hops, maxHopBound))
	case m.slack < 0 || math.IsNaN(m.slack):
		panic(errors.AssertionFailedf("slick: invalid slack %v", m.slack))
	}

	slots := int(math.Ceil(float64(capacity) * (1 + m.slack)))
	numBlocks := max((slots+m.blockSize-1)/m.blockSize, 1)
	if uint64(numBlocks) > math.MaxUint32 {
		panic(errors.AssertionFailedf("slick: %d blocks exceeds the maximum of %d", numBlocks, uint32(math.MaxUint32)))
	}

	if m.name != "" {
		m.log = m.log.With(zap.String("table", m.name))
	}
	m.table.init(m.allocator, numBlocks, m.blockSize, m.hops)
	m.backyard.init(m.hash)
	m.metrics = newMetrics(m.meterProvider, m.name, m.log)

	m.checkInvariants()
	return m
}

// Close closes the map, releasing any memory back to its configured
// allocator. It is unnecessary to close a map using the default allocator. It
// is invalid to use a Map after it has been closed, though Close itself is
// idempotent.
func (m *Map[K, V]) Close() {
	if m.allocator == nil {
		return
	}
	m.table.release(m.allocator)
	m.backyard.close()
	m.cleanBuf = nil
	m.allocator = nil
}

// Put inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists. It returns an error satisfying
// errors.Is(err, ErrTableFull) if key is new and the map is at its
// backyard ceiling.
func (m *Map[K, V]) Put(key K, value V) error {
	_, _, err := m.put(key, value, true /* overwrite */)
	return err
}

// TryPut inserts an entry into the map if no entry with the same key
// exists. It returns the value now associated with key and whether the
// entry was inserted. An existing value is left untouched.
func (m *Map[K, V]) TryPut(key K, value V) (actual V, inserted bool, err error) {
	return m.put(key, value, false /* overwrite */)
}

// PutAll puts every entry of seq, stopping at the first error.
func (m *Map[K, V]) PutAll(seq iter.Seq2[K, V]) error {
	for k, v := range seq {
		if err := m.Put(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (m *Map[K, V]) put(key K, value V, overwrite bool) (actual V, inserted bool, err error) {
	h := m.hash(&key, m.seed)
	home, fp := m.table.split(h)
	if debug {
		fmt.Printf("put(%v): home=%d fp=%02x\n", key, home, fp)
	}

	if b, j, ok := m.table.find(home, fp, key); ok {
		s := m.table.slot(b, j)
		if overwrite {
			s.value = value
		}
		return s.value, false, nil
	}
	if e, ok := m.backyard.lookup(uint32(home), key); ok {
		if overwrite {
			e.value = value
		}
		return e.value, false, nil
	}

	limit := m.backyardLimit()
	if m.backyard.full(limit) {
		return actual, false, m.tableFull(errBackyardFull)
	}

	moves := m.table.moves
	if m.table.place(home, fp, key, value) {
		m.metrics.inserted(m.table.moves - moves)
		m.observeBackyard()
		m.checkInvariants()
		return value, true, nil
	}

	if err := m.backyard.insert(uint32(home), fp, key, value, limit); err != nil {
		return actual, false, m.tableFull(err)
	}
	if debug {
		fmt.Printf("put(%v): diverted to backyard (%d entries)\n", key, m.backyard.len())
	}
	m.diversions++
	m.metrics.diverted()
	m.observeBackyard()
	m.checkInvariants()
	return value, true, nil
}

// backyardLimit returns the number of entries the backyard may hold given
// the current occupancy of the main table, or -1 if unbounded.
func (m *Map[K, V]) backyardLimit() int {
	if m.ceiling < 0 {
		return -1
	}
	return m.ceiling + m.table.capacity() - m.table.used
}

func (m *Map[K, V]) tableFull(err error) error {
	m.metrics.rejected()
	m.log.Debug("table full",
		zap.Int("entries", m.Len()),
		zap.Int("backyard", m.backyard.len()),
		zap.Int("ceiling", m.ceiling))
	return errors.Wrapf(err, "inserting into table with %d entries (%d in backyard)",
		m.Len(), m.backyard.len())
}

// Get retrieves the value from the map for the specified key, return ok=false
// if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	h := m.hash(&key, m.seed)
	home, fp := m.table.split(h)
	if b, j, ok := m.table.find(home, fp, key); ok {
		return m.table.slot(b, j).value, true
	}
	if e, ok := m.backyard.lookup(uint32(home), key); ok {
		return e.value, true
	}
	return value, false
}

// Delete deletes the entry corresponding to the specified key from the map,
// returning its value. It is a noop to delete a non-existent key. Deleting
// an entry from the main table gives backyard entries homed nearby a chance
// to move back into the main table.
func (m *Map[K, V]) Delete(key K) (value V, ok bool) {
	h := m.hash(&key, m.seed)
	home, fp := m.table.split(h)
	if v, freed, ok := m.table.remove(home, fp, key); ok {
		m.metrics.removed(false /* fromBackyard */)
		m.clean(freed)
		m.observeBackyard()
		m.checkInvariants()
		return v, true
	}
	if e, ok := m.backyard.lookup(uint32(home), key); ok {
		m.backyard.remove(e)
		m.metrics.removed(true /* fromBackyard */)
		m.observeBackyard()
		m.checkInvariants()
		return e.value, true
	}
	return value, false
}

// All calls yield sequentially for each key and value present in the map,
// main table entries in block order first, then backyard entries oldest
// first. If yield returns false, iteration stops. The map must not be
// mutated during iteration.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	if !m.table.all(func(_, _ int, s *Slot[K, V]) bool {
		return yield(s.key, s.value)
	}) {
		return
	}
	for _, e := range m.backyard.ordered(nil) {
		if !yield(e.key, e.value) {
			return
		}
	}
}

// Clear deletes all entries from the map, keeping the main table's memory.
func (m *Map[K, V]) Clear() {
	m.metrics.cleared(m.Len(), m.backyard.len())
	m.table.reset()
	m.backyard.close()
	m.backyard.init(m.hash)
	m.overThreshold = false
	m.checkInvariants()
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.table.used + m.backyard.len()
}

// LoadFactor returns the number of entries per main table slot. It exceeds
// 1 when the backyard holds more entries than the main table has free
// slots.
func (m *Map[K, V]) LoadFactor() float64 {
	if c := m.table.capacity(); c > 0 {
		return float64(m.Len()) / float64(c)
	}
	return 0
}

// BackyardFraction returns the fraction of entries held in the backyard.
// A healthy table keeps this small; a growing fraction indicates the main
// table is too small or H too low for the workload.
func (m *Map[K, V]) BackyardFraction() float64 {
	if n := m.Len(); n > 0 {
		return float64(m.backyard.len()) / float64(n)
	}
	return 0
}

// Stats returns a summary of the map.
func (m *Map[K, V]) Stats() Stats {
	return Stats{
		Entries:         m.Len(),
		BackyardEntries: m.backyard.len(),
		Blocks:          m.table.numBlocks,
		BlockSize:       m.table.blockSize,
		HopBound:        m.table.hops,
		Slides:          m.table.moves,
		Diversions:      m.diversions,
		Reintegrations:  m.reintegrations,
	}
}

// observeBackyard logs when the backyard fraction crosses the threshold.
func (m *Map[K, V]) observeBackyard() {
	frac := m.BackyardFraction()
	switch over := frac > m.threshold; {
	case over && !m.overThreshold:
		m.overThreshold = true
		m.log.Warn("backyard above threshold",
			zap.Float64("fraction", frac),
			zap.Float64("threshold", m.threshold),
			zap.Int("backyard", m.backyard.len()),
			zap.Int("entries", m.Len()))
	case !over && m.overThreshold:
		m.overThreshold = false
		m.log.Info("backyard back below threshold",
			zap.Float64("fraction", frac),
			zap.Float64("threshold", m.threshold))
	}
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if err := m.verify(); err != nil {
			panic(fmt.Sprintf("%v\n%s", err, m.debugString()))
		}
	}
}

// verify checks the structural invariants of the map: per-block counts
// match the control bytes, every main table entry is within the hop bound
// of its home and findable, and the backyard and the main table never hold
// the same key.
func (m *Map[K, V]) verify() error {
	t := &m.table
	var used int
	spilled := make([]int32, t.numBlocks)
	for b := 0; b < t.numBlocks; b++ {
		var blockUsed int32
		for j := 0; j < t.stride; j++ {
			c := t.ctrls[b*t.stride+j]
			if j >= t.blockSize {
				if c != ctrlSentinel {
					return errors.AssertionFailedf("block %d: padding ctrl(%d)=%02x", b, j, c)
				}
				continue
			}
			if c == ctrlEmpty {
				continue
			}
			if c&ctrlEmpty != 0 {
				return errors.AssertionFailedf("block %d: unexpected ctrl(%d)=%02x", b, j, c)
			}
			blockUsed++
			s := t.slot(b, j)
			home, fp := t.split(m.hash(&s.key, m.seed))
			disp := int(t.disps[b*t.blockSize+j])
			if ctrl(fp) != c {
				return errors.AssertionFailedf("block %d: slot %d: %v has fingerprint %02x, ctrl %02x", b, j, s.key, fp, c)
			}
			if b-home != disp {
				return errors.AssertionFailedf("block %d: slot %d: %v homed at %d has displacement %d", b, j, s.key, home, disp)
			}
			if disp < -t.hops || disp > t.hops {
				return errors.AssertionFailedf("block %d: slot %d: %v displaced %d > %d hops", b, j, s.key, disp, t.hops)
			}
			if disp != 0 {
				spilled[home]++
			}
			if _, ok := m.backyard.entries.Get(s.key); ok {
				return errors.AssertionFailedf("%v is in both the main table and the backyard", s.key)
			}
			if fb, fj, ok := t.find(home, fp, s.key); !ok || fb != b || fj != j {
				return errors.AssertionFailedf("block %d: slot %d: %v not found (found=%t at %d/%d)", b, j, s.key, ok, fb, fj)
			}
		}
		if blockUsed != t.blocks[b].used {
			return errors.AssertionFailedf("block %d: found %d used slots, but used count is %d", b, blockUsed, t.blocks[b].used)
		}
		if blockUsed > int32(t.blockSize) {
			return errors.AssertionFailedf("block %d: %d used slots exceeds block size %d", b, blockUsed, t.blockSize)
		}
		used += int(blockUsed)
	}
	if used != t.used {
		return errors.AssertionFailedf("found %d used slots, but used count is %d", used, t.used)
	}
	for b := range spilled {
		if spilled[b] != t.blocks[b].spilled {
			return errors.AssertionFailedf("block %d: found %d spilled entries, but spilled count is %d", b, spilled[b], t.blocks[b].spilled)
		}
	}

	var listed int
	var err error
	m.backyard.homes.All(func(home uint32, l *backyardList[K, V]) bool {
		var n int
		var prev *backyardEntry[K, V]
		for e := l.head; e != nil; e = e.next {
			n++
			if e.prev != prev {
				err = errors.AssertionFailedf("backyard home %d: broken list at %v", home, e.key)
				return false
			}
			if prev != nil && prev.seq >= e.seq {
				err = errors.AssertionFailedf("backyard home %d: %v out of order", home, e.key)
				return false
			}
			if e.home != home {
				err = errors.AssertionFailedf("backyard entry %v homed at %d listed under %d", e.key, e.home, home)
				return false
			}
			if h, fp := t.split(m.hash(&e.key, m.seed)); h != int(e.home) || fp != e.fp {
				err = errors.AssertionFailedf("backyard entry %v recorded at %d/%02x, hashes to %d/%02x", e.key, e.home, e.fp, h, fp)
				return false
			}
			if _, _, ok := t.find(int(e.home), e.fp, e.key); ok {
				err = errors.AssertionFailedf("%v is in both the backyard and the main table", e.key)
				return false
			}
			if ie, ok := m.backyard.entries.Get(e.key); !ok || ie != e {
				err = errors.AssertionFailedf("backyard entry %v missing from the key index", e.key)
				return false
			}
			prev = e
		}
		if n != l.len || l.tail != prev {
			err = errors.AssertionFailedf("backyard home %d: list length %d, counted %d", home, l.len, n)
			return false
		}
		listed += n
		return true
	})
	if err != nil {
		return err
	}
	if listed != m.backyard.len() {
		return errors.AssertionFailedf("backyard lists hold %d entries, key index %d", listed, m.backyard.len())
	}
	if m.ceiling >= 0 && m.Len() > t.capacity()+m.ceiling {
		return errors.AssertionFailedf("%d entries exceeds capacity %d + ceiling %d", m.Len(), t.capacity(), m.ceiling)
	}
	return nil
}

func (m *Map[K, V]) debugString() string {
	t := &m.table
	var buf strings.Builder
	fmt.Fprintf(&buf, "blocks=%d block-size=%d hops=%d used=%d backyard=%d\n",
		t.numBlocks, t.blockSize, t.hops, t.used, m.backyard.len())
	for b := 0; b < t.numBlocks; b++ {
		fmt.Fprintf(&buf, "  %4d: used=%d spilled=%d", b, t.blocks[b].used, t.blocks[b].spilled)
		for j := 0; j < t.blockSize; j++ {
			c := t.ctrls[b*t.stride+j]
			if c == ctrlEmpty {
				buf.WriteString(" _")
				continue
			}
			fmt.Fprintf(&buf, " %v[%02x%+d]", t.slot(b, j).key, c, t.disps[b*t.blockSize+j])
		}
		buf.WriteString("\n")
	}
	for _, e := range m.backyard.ordered(nil) {
		fmt.Fprintf(&buf, "  backyard: %v home=%d seq=%d\n", e.key, e.home, e.seq)
	}
	return buf.String()
}
