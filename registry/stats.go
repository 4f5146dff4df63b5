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

package registry

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/tabfleet/tabfleet/pool"
)

// Stats is the registry's operational snapshot.
type Stats struct {
	Sessions    int            `json:"sessions"`
	Workers     int            `json:"workers"`
	Targets     int            `json:"targets"`
	UptimeSec   int64          `json:"uptimeSec"`
	LastCleanup time.Time      `json:"lastCleanup"`
	MemoryRSS   uint64         `json:"memoryRss"`
	PagePool    pool.PageStats `json:"pagePool,omitempty"`
	BrowserPool map[string]int `json:"browserPool,omitempty"`
}

// Stats reports counts across the tree plus process memory.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	st := Stats{
		Sessions:    len(r.sessions),
		Targets:     len(r.owners),
		UptimeSec:   int64(time.Since(r.startedAt).Seconds()),
		LastCleanup: r.lastCleanup,
	}
	for _, s := range r.sessions {
		st.Workers += len(s.Workers)
	}
	r.mu.Unlock()

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := p.MemoryInfo(); err == nil && mem != nil {
			st.MemoryRSS = mem.RSS
		}
	}
	if r.deps.PagePool != nil {
		st.PagePool = r.deps.PagePool.Stats()
	}
	if r.deps.BrowserPool != nil {
		st.BrowserPool = r.deps.BrowserPool.Stats()
	}
	return st
}
