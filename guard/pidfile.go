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
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"
	"github.com/shirou/gopsutil/v4/process"
)

// PIDRegistry tracks live broker processes per debugging port in a
// temp-directory file, so multiple brokers on distinct ports can coexist.
// All mutations hold an advisory file lock.
type PIDRegistry struct {
	path string
	lock *flock.Flock
}

// NewPIDRegistry creates a registry backed by a file in dir (the OS temp
// dir when empty).
func NewPIDRegistry(dir string) *PIDRegistry {
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, "tabfleet-brokers.json")
	return &PIDRegistry{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Register records the calling process as the broker for port. Stale
// entries (dead PIDs) are swept in the same locked section.
func (r *PIDRegistry) Register(port int) error {
	return r.update(func(entries map[string]int) {
		entries[strconv.Itoa(port)] = os.Getpid()
	})
}

// Unregister removes this process's entry for port, if it is still ours.
func (r *PIDRegistry) Unregister(port int) error {
	return r.update(func(entries map[string]int) {
		if entries[strconv.Itoa(port)] == os.Getpid() {
			delete(entries, strconv.Itoa(port))
		}
	})
}

// Lookup returns the registered live PID for port, or 0.
func (r *PIDRegistry) Lookup(port int) (int, error) {
	var pid int
	err := r.update(func(entries map[string]int) {
		pid = entries[strconv.Itoa(port)]
	})
	return pid, err
}

func (r *PIDRegistry) update(mutate func(map[string]int)) error {
	if err := r.lock.Lock(); err != nil {
		return fmt.Errorf("unable to lock PID registry: %w", err)
	}
	defer r.lock.Unlock() //nolint:errcheck

	entries := make(map[string]int)
	if data, err := os.ReadFile(r.path); err == nil {
		_ = json.Unmarshal(data, &entries) // a corrupt file is treated as empty
	}

	sweepStale(entries)
	mutate(entries)

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("unable to marshal PID registry: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o600); err != nil {
		return fmt.Errorf("unable to write PID registry: %w", err)
	}
	return nil
}

func sweepStale(entries map[string]int) {
	for port, pid := range entries {
		alive, err := process.PidExists(int32(pid))
		if err != nil || !alive {
			delete(entries, port)
		}
	}
}
