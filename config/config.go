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

// Package config holds the broker configuration, sourced from the
// environment and optionally overridden by command-line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mstoykov/envconfig"
	"gopkg.in/guregu/null.v3"
)

// Config is the full broker configuration. Every field has a default
// matching a plain local Chrome setup; the environment prefix is TABFLEET.
type Config struct {
	// Browser endpoints.
	DebugPort int `envconfig:"TABFLEET_DEBUG_PORT" default:"9222"`
	LightPort int `envconfig:"TABFLEET_LIGHT_PORT" default:"9223"`

	// Session lifecycle.
	SessionTTL      time.Duration `envconfig:"TABFLEET_SESSION_TTL" default:"30m"`
	CleanupInterval time.Duration `envconfig:"TABFLEET_CLEANUP_INTERVAL" default:"60s"`
	AutoCleanup     bool          `envconfig:"TABFLEET_AUTO_CLEANUP" default:"true"`

	// Limits.
	MaxSessions          int `envconfig:"TABFLEET_MAX_SESSIONS" default:"100"`
	MaxWorkersPerSession int `envconfig:"TABFLEET_MAX_WORKERS_PER_SESSION" default:"50"`

	// Feature toggles.
	UsePagePool       bool `envconfig:"TABFLEET_USE_PAGE_POOL" default:"true"`
	UseDefaultContext bool `envconfig:"TABFLEET_USE_DEFAULT_CONTEXT" default:"true"`
	UseBrowserPool    bool `envconfig:"TABFLEET_USE_BROWSER_POOL" default:"false"`

	// Hybrid routing.
	HybridEnabled      bool          `envconfig:"TABFLEET_HYBRID_ENABLED" default:"false"`
	CircuitMaxFailures int           `envconfig:"TABFLEET_CIRCUIT_MAX_FAILURES" default:"3"`
	CircuitCooldown    time.Duration `envconfig:"TABFLEET_CIRCUIT_COOLDOWN" default:"30s"`
	CookieSyncInterval time.Duration `envconfig:"TABFLEET_COOKIE_SYNC_INTERVAL" default:"5s"`

	// Storage state persistence.
	StorageStateEnabled  bool          `envconfig:"TABFLEET_STORAGE_STATE_ENABLED" default:"false"`
	StorageStateDir      string        `envconfig:"TABFLEET_STORAGE_STATE_DIR" default:""`
	StorageStateInterval time.Duration `envconfig:"TABFLEET_STORAGE_STATE_INTERVAL" default:"30s"`

	// IPC.
	SocketPath        string        `envconfig:"TABFLEET_SOCKET" default:""`
	RequestTimeout    time.Duration `envconfig:"TABFLEET_REQUEST_TIMEOUT" default:"30s"`
	ConnectTimeout    time.Duration `envconfig:"TABFLEET_CONNECT_TIMEOUT" default:"5s"`
	ReconnectAttempts int           `envconfig:"TABFLEET_RECONNECT_ATTEMPTS" default:"5"`
	ReconnectDelay    time.Duration `envconfig:"TABFLEET_RECONNECT_DELAY" default:"1s"`

	// Browser pool sizing.
	MaxInstancesPerOrigin int           `envconfig:"TABFLEET_MAX_INSTANCES_PER_ORIGIN" default:"2"`
	InstanceIdleTime      time.Duration `envconfig:"TABFLEET_INSTANCE_IDLE_TIME" default:"60s"`
	HealthCheckInterval   time.Duration `envconfig:"TABFLEET_HEALTH_CHECK_INTERVAL" default:"15s"`

	// Page pool sizing.
	PagePoolSize int `envconfig:"TABFLEET_PAGE_POOL_SIZE" default:"3"`

	// Domain blocklist, comma separated.
	BlockedDomains []string `envconfig:"TABFLEET_BLOCKED_DOMAINS"`
}

// Overrides carries command-line flag values. Null fields leave the
// environment-derived value untouched.
type Overrides struct {
	DebugPort         null.Int
	LightPort         null.Int
	SocketPath        null.String
	HybridEnabled     null.Bool
	UsePagePool       null.Bool
	UseBrowserPool    null.Bool
	UseDefaultContext null.Bool
	StorageStateDir   null.String
}

// New loads the configuration from the environment.
func New() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("tabfleet", &cfg); err != nil {
		return nil, fmt.Errorf("unable to process environment config: %w", err)
	}
	cfg.fillDerived()
	return &cfg, nil
}

// Apply merges non-null override values over the receiver.
func (c *Config) Apply(o Overrides) {
	if o.DebugPort.Valid {
		c.DebugPort = int(o.DebugPort.Int64)
	}
	if o.LightPort.Valid {
		c.LightPort = int(o.LightPort.Int64)
	}
	if o.SocketPath.Valid {
		c.SocketPath = o.SocketPath.String
	}
	if o.HybridEnabled.Valid {
		c.HybridEnabled = o.HybridEnabled.Bool
	}
	if o.UsePagePool.Valid {
		c.UsePagePool = o.UsePagePool.Bool
	}
	if o.UseBrowserPool.Valid {
		c.UseBrowserPool = o.UseBrowserPool.Bool
	}
	if o.UseDefaultContext.Valid {
		c.UseDefaultContext = o.UseDefaultContext.Bool
	}
	if o.StorageStateDir.Valid {
		c.StorageStateDir = o.StorageStateDir.String
		c.StorageStateEnabled = c.StorageStateDir != ""
	}
}

func (c *Config) fillDerived() {
	if c.SocketPath == "" {
		c.SocketPath = filepath.Join(os.TempDir(), fmt.Sprintf("tabfleet-%d.sock", c.DebugPort))
	}
	if c.StorageStateDir == "" && c.StorageStateEnabled {
		c.StorageStateDir = filepath.Join(os.TempDir(), "tabfleet-state")
	}
}
