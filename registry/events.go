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

// EventType enumerates registry lifecycle events.
type EventType int

const (
	EventSessionCreated EventType = iota
	EventSessionDeleted
	EventSessionEvicted
	EventWorkerCreated
	EventWorkerDeleted
	EventTargetCreated
	EventTargetRemoved
)

func (t EventType) String() string {
	switch t {
	case EventSessionCreated:
		return "session:created"
	case EventSessionDeleted:
		return "session:deleted"
	case EventSessionEvicted:
		return "session:evicted"
	case EventWorkerCreated:
		return "worker:created"
	case EventWorkerDeleted:
		return "worker:deleted"
	case EventTargetCreated:
		return "target:created"
	case EventTargetRemoved:
		return "target:removed"
	}
	return "unknown"
}

// Event is published synchronously to subscribers registered at
// composition time. Subscribers must not block and must not call back
// into the registry.
type Event struct {
	Type      EventType
	SessionID string
	WorkerID  string
	TargetID  string
}
