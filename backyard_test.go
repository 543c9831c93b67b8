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
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func newTestBackyard(t *testing.T) *backyard[string, int] {
	by := &backyard[string, int]{}
	by.init(defaultHasher[string]())
	t.Cleanup(by.close)
	return by
}

func entryKeys(entries []*backyardEntry[string, int]) []string {
	var keys []string
	for _, e := range entries {
		keys = append(keys, e.key)
	}
	return keys
}

func TestBackyardFIFO(t *testing.T) {
	by := newTestBackyard(t)
	for i, c := range []struct {
		key  string
		home uint32
	}{
		{"a", 3}, {"b", 1}, {"c", 3}, {"d", 7}, {"e", 1}, {"f", 2},
	} {
		require.NoError(t, by.insert(c.home, 0, c.key, i, -1))
	}
	require.Equal(t, 6, by.len())
	require.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, entryKeys(by.ordered(nil)))
	require.Equal(t, []string{"a", "b", "c", "e", "f"}, entryKeys(by.candidates(1, 3, nil)))
	require.Equal(t, []string{"a", "c"}, entryKeys(by.candidates(3, 6, nil)))
	require.Nil(t, by.candidates(4, 6, nil))

	// Removing from the middle of a home list keeps the order of the rest.
	e, ok := by.lookup(3, "a")
	require.True(t, ok)
	require.Equal(t, 0, e.value)
	by.remove(e)
	_, ok = by.lookup(3, "a")
	require.False(t, ok)
	require.Equal(t, []string{"b", "c", "d", "e", "f"}, entryKeys(by.ordered(nil)))

	e, _ = by.lookup(1, "b")
	by.remove(e)
	e, _ = by.lookup(7, "d")
	by.remove(e)
	_, ok = by.homes.Get(7)
	require.False(t, ok)

	// New entries go to the back of their home list.
	require.NoError(t, by.insert(1, 0, "g", 6, -1))
	require.Equal(t, []string{"c", "e", "f", "g"}, entryKeys(by.ordered(nil)))
	require.Equal(t, []string{"e", "g"}, entryKeys(by.candidates(0, 1, nil)))

	l, ok := by.homes.Get(1)
	require.True(t, ok)
	require.Equal(t, 2, l.len)
	require.Equal(t, "e", l.head.key)
	require.Equal(t, "g", l.tail.key)
}

func TestBackyardCandidatesAppend(t *testing.T) {
	by := newTestBackyard(t)
	require.NoError(t, by.insert(5, 0, "x", 1, -1))
	require.NoError(t, by.insert(4, 0, "y", 2, -1))
	buf := make([]*backyardEntry[string, int], 0, 4)
	buf = by.candidates(4, 5, buf)
	require.Equal(t, []string{"x", "y"}, entryKeys(buf))
}

func TestBackyardLimit(t *testing.T) {
	by := newTestBackyard(t)
	require.False(t, by.full(-1))
	require.True(t, by.full(0))
	require.NoError(t, by.insert(0, 0, "a", 1, 2))
	require.NoError(t, by.insert(0, 0, "b", 2, 2))
	err := by.insert(0, 0, "c", 3, 2)
	require.True(t, errors.Is(err, errBackyardFull))
	require.True(t, errors.Is(err, ErrTableFull))
	require.Equal(t, 2, by.len())
	require.NoError(t, by.insert(0, 0, "c", 3, -1))
}

func TestBackyardHomeMismatch(t *testing.T) {
	by := newTestBackyard(t)
	require.NoError(t, by.insert(2, 0, "a", 1, -1))
	require.Panics(t, func() { by.lookup(3, "a") })
}
