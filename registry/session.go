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

import "time"

// DefaultWorkerName is the id of the worker every session starts with.
// It shares the session's lifetime and cannot be deleted on its own.
const DefaultWorkerName = "default"

// Worker is a pool of tabs sharing one isolation context.
type Worker struct {
	ID             string
	Name           string
	Targets        map[string]struct{}
	ContextID      string // isolation context; empty means the default profile
	Port           int    // bound browser instance; zero means the main browser
	PoolOrigin     string // origin the instance was acquired for
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Session is the client-visible unit of isolation: a named tree of
// workers and their tabs.
type Session struct {
	ID              string
	Name            string
	CreatedAt       time.Time
	LastActivityAt  time.Time
	DefaultWorkerID string
	Workers         map[string]*Worker

	// OwnerConnID is the IPC connection that created the session; its
	// disconnect tears the session down.
	OwnerConnID string
}

// Owner is the reverse pointer from a target to its place in the tree.
type Owner struct {
	SessionID string
	WorkerID  string
}

// TargetCount sums targets across the session's workers.
func (s *Session) TargetCount() int {
	n := 0
	for _, w := range s.Workers {
		n += len(w.Targets)
	}
	return n
}

// SessionInfo is the wire-friendly projection of a session.
type SessionInfo struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	Workers        int       `json:"workers"`
	Targets        int       `json:"targets"`
}

// Info snapshots the session for listing.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:             s.ID,
		Name:           s.Name,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		Workers:        len(s.Workers),
		Targets:        s.TargetCount(),
	}
}
