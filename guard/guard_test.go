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

package guard

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlocklistMatching(t *testing.T) {
	t.Parallel()
	b := NewBlocklist([]string{"Example.com", " .bank.org ", ""})

	assert.True(t, b.Blocked("example.com"))
	assert.True(t, b.Blocked("EXAMPLE.COM"))
	assert.True(t, b.Blocked("sub.example.com"))
	assert.True(t, b.Blocked("deep.sub.bank.org"))

	assert.False(t, b.Blocked("example.org"))
	assert.False(t, b.Blocked("notexample.com"), "suffix match requires a dot boundary")
	assert.False(t, b.Blocked(""))
}

func TestCheckURL(t *testing.T) {
	t.Parallel()
	b := NewBlocklist([]string{"blocked.test"})

	assert.ErrorIs(t, b.CheckURL("https://blocked.test/path"), ErrDomainBlocked)
	assert.ErrorIs(t, b.CheckURL("http://a.blocked.test:8080"), ErrDomainBlocked)
	assert.NoError(t, b.CheckURL("https://fine.test"))
	assert.NoError(t, b.CheckURL("about:blank"))
}

func TestEmptyBlocklistAllowsEverything(t *testing.T) {
	t.Parallel()
	b := NewBlocklist(nil)
	assert.NoError(t, b.CheckURL("https://anything.example"))
}

func TestPIDRegistryRoundTrip(t *testing.T) {
	t.Parallel()
	r := NewPIDRegistry(t.TempDir())

	require.NoError(t, r.Register(9222))
	pid, err := r.Lookup(9222)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, r.Unregister(9222))
	pid, err = r.Lookup(9222)
	require.NoError(t, err)
	assert.Zero(t, pid)
}

func TestPIDRegistryDistinctPorts(t *testing.T) {
	t.Parallel()
	r := NewPIDRegistry(t.TempDir())

	require.NoError(t, r.Register(9222))
	require.NoError(t, r.Register(9223))

	a, err := r.Lookup(9222)
	require.NoError(t, err)
	b, err := r.Lookup(9223)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), a)
	assert.Equal(t, os.Getpid(), b)
}

func TestPIDRegistrySweepsStaleEntries(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	// Seed the file with a PID that cannot exist.
	path := filepath.Join(dir, "tabfleet-brokers.json")
	data, err := json.Marshal(map[string]int{"9222": 1 << 30})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	r := NewPIDRegistry(dir)
	pid, err := r.Lookup(9222)
	require.NoError(t, err)
	assert.Zero(t, pid, "dead PIDs are swept on access")
}

func TestPIDRegistryToleratesCorruptFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tabfleet-brokers.json"), []byte("garbage"), 0o600))

	r := NewPIDRegistry(dir)
	require.NoError(t, r.Register(9222))
	pid, err := r.Lookup(9222)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}
