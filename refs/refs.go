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

// Package refs maps short-lived "ref_N" tokens, handed out to automation
// clients, to backend DOM node ids. Tokens are unique only within one
// (session, target) partition.
package refs

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

const maxNodeID = 1<<31 - 1

// Entry records one handed-out reference.
type Entry struct {
	NodeID    int64
	Role      string
	Name      string
	CreatedAt time.Time
}

type partitionKey struct {
	sessionID string
	targetID  string
}

type partition struct {
	counter int64
	entries map[string]Entry
}

// Manager is the process-wide reference table.
type Manager struct {
	mu         sync.Mutex
	partitions map[partitionKey]*partition
}

// NewManager creates an empty reference manager.
func NewManager() *Manager {
	return &Manager{partitions: make(map[partitionKey]*partition)}
}

// Generate allocates a fresh ref token for a node in (session, target).
func (m *Manager) Generate(sessionID, targetID string, nodeID int64, role, name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := partitionKey{sessionID, targetID}
	p, ok := m.partitions[key]
	if !ok {
		p = &partition{entries: make(map[string]Entry)}
		m.partitions[key] = p
	}
	p.counter++
	token := "ref_" + strconv.FormatInt(p.counter, 10)
	p.entries[token] = Entry{NodeID: nodeID, Role: role, Name: name, CreatedAt: time.Now()}
	return token
}

// Get looks a token up in its partition.
func (m *Manager) Get(sessionID, targetID, token string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.partitions[partitionKey{sessionID, targetID}]
	if !ok {
		return Entry{}, false
	}
	e, ok := p.entries[token]
	return e, ok
}

// Resolve turns client input into a backend node id. Accepted forms, in
// order: a known ref token for this partition; a bare decimal integer in
// (0, 2^31-1]; "node_N" with the same bounds on N. Anything else yields
// ok=false.
func (m *Manager) Resolve(sessionID, targetID, input string) (int64, bool) {
	if e, ok := m.Get(sessionID, targetID, input); ok {
		return e.NodeID, true
	}
	if n, ok := parseNodeID(input); ok {
		return n, true
	}
	if rest, found := strings.CutPrefix(input, "node_"); found {
		if n, ok := parseNodeID(rest); ok {
			return n, true
		}
	}
	return 0, false
}

// ClearTarget drops every entry for one (session, target) partition and
// resets its counter.
func (m *Manager) ClearTarget(sessionID, targetID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.partitions, partitionKey{sessionID, targetID})
}

// ClearSession drops every partition belonging to a session.
func (m *Manager) ClearSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.partitions {
		if key.sessionID == sessionID {
			delete(m.partitions, key)
		}
	}
}

// Count reports the number of entries held for a session, for stats.
func (m *Manager) Count(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, p := range m.partitions {
		if key.sessionID == sessionID {
			n += len(p.entries)
		}
	}
	return n
}

func parseNodeID(s string) (int64, bool) {
	if s == "" || s[0] < '0' || s[0] > '9' {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	if n <= 0 || n > maxNodeID {
		return 0, false
	}
	return n, true
}
