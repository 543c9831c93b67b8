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

	"github.com/dustin/go-humanize"
)

// Stats is a point in time summary of a Map's shape and a tally of the work
// it has done since it was created.
type Stats struct {
	// Entries is the number of entries in the Map.
	Entries int
	// BackyardEntries is the number of those entries held in the backyard.
	BackyardEntries int
	// Blocks and BlockSize describe the main table.
	Blocks    int
	BlockSize int
	// HopBound is the configured H.
	HopBound int
	// Slides is the number of block-to-block moves performed.
	Slides int64
	// Diversions is the number of insertions that went to the backyard.
	Diversions int64
	// Reintegrations is the number of backyard entries moved back into the
	// main table.
	Reintegrations int64
}

// LoadFactor returns the number of entries per main table slot.
func (s Stats) LoadFactor() float64 {
	if slots := s.Blocks * s.BlockSize; slots > 0 {
		return float64(s.Entries) / float64(slots)
	}
	return 0
}

func (s Stats) String() string {
	return fmt.Sprintf("entries=%s (backyard %s) blocks=%s×%d load=%.3f H=%d slides=%s diversions=%s reintegrations=%s",
		humanize.Comma(int64(s.Entries)),
		humanize.Comma(int64(s.BackyardEntries)),
		humanize.Comma(int64(s.Blocks)), s.BlockSize,
		s.LoadFactor(), s.HopBound,
		humanize.Comma(s.Slides),
		humanize.Comma(s.Diversions),
		humanize.Comma(s.Reintegrations))
}
