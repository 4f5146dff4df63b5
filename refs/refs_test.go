/*
 *
 * tabfleet - a multi-tenant browser automation broker
 * Copyright (C) 2025 Tabfleet Authors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package refs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCountsPerPartition(t *testing.T) {
	t.Parallel()
	m := NewManager()

	assert.Equal(t, "ref_1", m.Generate("s1", "t1", 10, "button", "a"))
	assert.Equal(t, "ref_2", m.Generate("s1", "t1", 11, "link", "b"))
	// A different target starts its own counter.
	assert.Equal(t, "ref_1", m.Generate("s1", "t2", 12, "link", "c"))
	assert.Equal(t, "ref_1", m.Generate("s2", "t1", 13, "link", "d"))
}

func TestResolveKnownToken(t *testing.T) {
	t.Parallel()
	m := NewManager()
	ref := m.Generate("s1", "t1", 77, "button", "go")

	id, ok := m.Resolve("s1", "t1", ref)
	require.True(t, ok)
	assert.Equal(t, int64(77), id)

	// Tokens do not leak across partitions.
	_, ok = m.Resolve("s1", "t2", ref)
	assert.False(t, ok)
	_, ok = m.Resolve("s2", "t1", ref)
	assert.False(t, ok)
}

func TestResolveRawDecimal(t *testing.T) {
	t.Parallel()
	m := NewManager()

	id, ok := m.Resolve("s1", "t1", "123")
	require.True(t, ok)
	assert.Equal(t, int64(123), id)

	// Upper bound is inclusive at 2^31-1.
	id, ok = m.Resolve("s1", "t1", "2147483647")
	require.True(t, ok)
	assert.Equal(t, int64(2147483647), id)

	for _, bad := range []string{"0", "-5", "+5", "2147483648", "12abc", "abc", "", " 12", "1.5"} {
		_, ok := m.Resolve("s1", "t1", bad)
		assert.False(t, ok, "input %q must not resolve", bad)
	}
}

func TestResolveNodePrefix(t *testing.T) {
	t.Parallel()
	m := NewManager()

	id, ok := m.Resolve("s1", "t1", "node_42")
	require.True(t, ok)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"node_0", "node_-1", "node_", "node_x", "node_2147483648"} {
		_, ok := m.Resolve("s1", "t1", bad)
		assert.False(t, ok, "input %q must not resolve", bad)
	}
}

func TestClearTargetResetsCounter(t *testing.T) {
	t.Parallel()
	m := NewManager()

	ref := m.Generate("s1", "t1", 10, "", "")
	m.Generate("s1", "t2", 11, "", "")
	m.ClearTarget("s1", "t1")

	_, ok := m.Get("s1", "t1", ref)
	assert.False(t, ok)
	// The sibling target keeps its entries.
	assert.Equal(t, 1, m.Count("s1"))
	// Counter restarts in the cleared partition.
	assert.Equal(t, "ref_1", m.Generate("s1", "t1", 12, "", ""))
}

func TestClearSessionDropsAllTargets(t *testing.T) {
	t.Parallel()
	m := NewManager()

	m.Generate("s1", "t1", 1, "", "")
	m.Generate("s1", "t2", 2, "", "")
	other := m.Generate("s2", "t1", 3, "", "")

	m.ClearSession("s1")
	assert.Zero(t, m.Count("s1"))

	_, ok := m.Get("s2", "t1", other)
	assert.True(t, ok, "other sessions are untouched")
}
