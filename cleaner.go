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

	"go.uber.org/zap"
)

// clean is invoked after a deletion freed a slot in block freed. It tries
// to move the backyard entries that could use that slot back into the main
// table and returns the number of entries moved.
//
// Only entries homed within the hop window of the freed block are
// considered: an entry homed further away could not have been placed in
// the freed slot at insertion time. Candidates are visited oldest first and
// each is placed starting from its own home block, exactly as a fresh
// insertion would be. Entries that still do not fit stay in the backyard
// until a later deletion frees room near them.
func (m *Map[K, V]) clean(freed int) int {
	if m.backyard.len() == 0 {
		return 0
	}
	lo, hi := m.table.window(freed)
	m.cleanBuf = m.backyard.candidates(uint32(lo), uint32(hi), m.cleanBuf[:0])
	moved := m.reintegrate(m.cleanBuf)
	if debug {
		fmt.Printf("clean(%d): window=[%d,%d] candidates=%d moved=%d\n",
			freed, lo, hi, len(m.cleanBuf), moved)
	}
	clear(m.cleanBuf)
	return moved
}

// Clean attempts to move every backyard entry back into the main table,
// oldest first, and returns the number of entries moved. Deletions only
// retry the entries homed near the slot they free, while sliding an entry
// back towards its home can occasionally open room further away; Clean
// picks up such entries.
func (m *Map[K, V]) Clean() int {
	if m.backyard.len() == 0 {
		return 0
	}
	before := m.backyard.len()
	m.cleanBuf = m.backyard.ordered(m.cleanBuf[:0])
	moved := m.reintegrate(m.cleanBuf)
	clear(m.cleanBuf)
	m.log.Debug("cleaned backyard",
		zap.Int("before", before),
		zap.Int("moved", moved),
		zap.Int("remaining", m.backyard.len()))
	m.checkInvariants()
	return moved
}

// reintegrate places each of entries into the main table if there is room,
// removing it from the backyard on success.
func (m *Map[K, V]) reintegrate(entries []*backyardEntry[K, V]) int {
	moves := m.table.moves
	moved := 0
	for _, e := range entries {
		if !m.table.place(int(e.home), e.fp, e.key, e.value) {
			continue
		}
		m.backyard.remove(e)
		moved++
	}
	m.reintegrations += int64(moved)
	m.metrics.reintegrated(moved, m.table.moves-moves)
	if moved > 0 {
		m.observeBackyard()
	}
	return moved
}
