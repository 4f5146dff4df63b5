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

package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"
)

func TestDefaults(t *testing.T) {
	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, 9222, cfg.DebugPort)
	assert.Equal(t, 9223, cfg.LightPort)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 60*time.Second, cfg.CleanupInterval)
	assert.True(t, cfg.AutoCleanup)
	assert.Equal(t, 100, cfg.MaxSessions)
	assert.Equal(t, 50, cfg.MaxWorkersPerSession)
	assert.True(t, cfg.UsePagePool)
	assert.True(t, cfg.UseDefaultContext)
	assert.False(t, cfg.UseBrowserPool)
	assert.False(t, cfg.HybridEnabled)
	assert.Equal(t, 3, cfg.CircuitMaxFailures)
	assert.Equal(t, 30*time.Second, cfg.CircuitCooldown)
	assert.Equal(t, 5*time.Second, cfg.CookieSyncInterval)
	assert.False(t, cfg.StorageStateEnabled)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 5, cfg.ReconnectAttempts)
	assert.Equal(t, 3, cfg.PagePoolSize)
	assert.Empty(t, cfg.BlockedDomains)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("TABFLEET_DEBUG_PORT", "9333")
	t.Setenv("TABFLEET_HYBRID_ENABLED", "true")
	t.Setenv("TABFLEET_SESSION_TTL", "5m")
	t.Setenv("TABFLEET_BLOCKED_DOMAINS", "example.com,bank.org")

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, 9333, cfg.DebugPort)
	assert.True(t, cfg.HybridEnabled)
	assert.Equal(t, 5*time.Minute, cfg.SessionTTL)
	assert.Equal(t, []string{"example.com", "bank.org"}, cfg.BlockedDomains)
}

func TestSocketPathDerivedFromDebugPort(t *testing.T) {
	t.Setenv("TABFLEET_DEBUG_PORT", "9444")

	cfg, err := New()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(cfg.SocketPath, "tabfleet-9444.sock"),
		"derived socket path was %q", cfg.SocketPath)
}

func TestExplicitSocketPathWins(t *testing.T) {
	t.Setenv("TABFLEET_SOCKET", "/tmp/custom.sock")

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.sock", cfg.SocketPath)
}

func TestApplyOverrides(t *testing.T) {
	cfg, err := New()
	require.NoError(t, err)

	cfg.Apply(Overrides{
		DebugPort:     null.IntFrom(9555),
		SocketPath:    null.StringFrom("/tmp/flag.sock"),
		HybridEnabled: null.BoolFrom(true),
		UsePagePool:   null.BoolFrom(false),
	})

	assert.Equal(t, 9555, cfg.DebugPort)
	assert.Equal(t, "/tmp/flag.sock", cfg.SocketPath)
	assert.True(t, cfg.HybridEnabled)
	assert.False(t, cfg.UsePagePool)
	// Untouched fields keep their environment-derived values.
	assert.Equal(t, 9223, cfg.LightPort)
}

func TestApplyNullOverridesLeaveConfigAlone(t *testing.T) {
	cfg, err := New()
	require.NoError(t, err)
	before := *cfg

	cfg.Apply(Overrides{})
	assert.Equal(t, before, *cfg)
}

func TestStateDirOverrideEnablesPersistence(t *testing.T) {
	cfg, err := New()
	require.NoError(t, err)
	require.False(t, cfg.StorageStateEnabled)

	cfg.Apply(Overrides{StorageStateDir: null.StringFrom("/var/lib/tabfleet")})
	assert.True(t, cfg.StorageStateEnabled)
	assert.Equal(t, "/var/lib/tabfleet", cfg.StorageStateDir)
}
