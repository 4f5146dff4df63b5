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

// Package queue serializes debug-protocol commands per worker. The
// protocol allows one in-flight command per target, so every command for
// a worker's tabs runs to completion before the next starts. Distinct
// queues run in parallel.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned to tasks that were still queued when their
// queue was deleted.
var ErrQueueClosed = errors.New("command queue closed")

// Task is one unit of work executed on a serial queue.
type Task func(ctx context.Context) (interface{}, error)

type result struct {
	value interface{}
	err   error
}

type pendingTask struct {
	ctx  context.Context
	run  Task
	done chan result
}

type serialQueue struct {
	mu      sync.Mutex
	tasks   []*pendingTask
	running bool
	closed  bool
}

// Manager owns the set of serial queues, keyed by "session:worker" (or
// plain "session" on legacy paths).
type Manager struct {
	mu     sync.Mutex
	queues map[string]*serialQueue
}

// NewManager creates an empty queue manager.
func NewManager() *Manager {
	return &Manager{queues: make(map[string]*serialQueue)}
}

// Key builds a queue key from a session and an optional worker id.
func Key(sessionID, workerID string) string {
	if workerID == "" {
		return sessionID
	}
	return sessionID + ":" + workerID
}

// Submit enqueues task on the queue for key and blocks until the task has
// run. Tasks on the same key complete in submission order.
func (m *Manager) Submit(ctx context.Context, key string, task Task) (interface{}, error) {
	m.mu.Lock()
	q, ok := m.queues[key]
	if !ok {
		q = &serialQueue{}
		m.queues[key] = q
	}
	m.mu.Unlock()

	p := &pendingTask{ctx: ctx, run: task, done: make(chan result, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.tasks = append(q.tasks, p)
	if !q.running {
		q.running = true
		go q.drain()
	}
	q.mu.Unlock()

	res := <-p.done
	return res.value, res.err
}

// Delete closes and removes every queue whose key has the given prefix.
// Queued-but-not-started tasks fail with ErrQueueClosed; the in-flight
// task, if any, runs to completion.
func (m *Manager) Delete(prefix string) {
	m.mu.Lock()
	var doomed []*serialQueue
	for key, q := range m.queues {
		if key == prefix || len(key) > len(prefix) && key[:len(prefix)+1] == prefix+":" {
			doomed = append(doomed, q)
			delete(m.queues, key)
		}
	}
	m.mu.Unlock()

	for _, q := range doomed {
		q.close()
	}
}

// Len reports the number of live queues.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}

func (q *serialQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 || q.closed {
			q.running = false
			q.mu.Unlock()
			return
		}
		p := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		value, err := p.run(p.ctx)
		p.done <- result{value: value, err: err}
	}
}

func (q *serialQueue) close() {
	q.mu.Lock()
	q.closed = true
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()

	for _, p := range tasks {
		p.done <- result{err: ErrQueueClosed}
	}
}
