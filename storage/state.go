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

// Package storage persists per-session browser state (cookies and
// localStorage) to JSON files, and re-applies it when a session's first
// tab opens.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/tabfleet/tabfleet/cdp"
	"github.com/tabfleet/tabfleet/log"
)

// ErrInvalidSessionID is returned before any I/O when a session id is not
// safe to use as a file name.
var ErrInvalidSessionID = errors.New("invalid session id")

var sessionIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// StatePage is the slice of a page handle state persistence needs.
type StatePage interface {
	URL(ctx context.Context) (string, error)
	Cookies(ctx context.Context) ([]cdp.Cookie, error)
	SetCookies(ctx context.Context, cookies []cdp.Cookie) error
	Evaluate(ctx context.Context, expr string) (json.RawMessage, error)
}

// OriginState is one origin's localStorage dump.
type OriginState struct {
	Origin       string            `json:"origin"`
	LocalStorage map[string]string `json:"localStorage"`
}

// State is the persisted form of a session's browser state.
type State struct {
	Cookies []cdp.Cookie  `json:"cookies"`
	Origins []OriginState `json:"origins"`
}

// Collector returns the live pages whose state should be snapshot.
type Collector func(ctx context.Context) []StatePage

type watchdog struct {
	collect Collector
	stop    chan struct{}
	done    chan struct{}
}

// Manager snapshots and restores session state. One watchdog per session
// re-snapshots at a fixed interval until the session is deleted.
type Manager struct {
	dir      string
	interval time.Duration
	logger   *log.Logger

	mu        sync.Mutex
	watchdogs map[string]*watchdog
}

// NewManager creates a manager writing under dir.
func NewManager(dir string, interval time.Duration, logger *log.Logger) *Manager {
	return &Manager{
		dir:       dir,
		interval:  interval,
		logger:    logger,
		watchdogs: make(map[string]*watchdog),
	}
}

// Path validates the session id and derives its state file path.
func (m *Manager) Path(sessionID string) (string, error) {
	if !sessionIDRe.MatchString(sessionID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	return filepath.Join(m.dir, sessionID+".json"), nil
}

// Load reads a session's persisted state. A missing file yields an empty
// state, not an error.
func (m *Manager) Load(sessionID string) (*State, error) {
	path, err := m.Path(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to read state file: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unable to parse state file: %w", err)
	}
	return &st, nil
}

// Save writes a session's state to its file.
func (m *Manager) Save(sessionID string, st *State) error {
	path, err := m.Path(sessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("unable to create state dir: %w", err)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("unable to marshal state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("unable to write state file: %w", err)
	}
	return nil
}

// Restore applies persisted cookies to the page and, when the page sits
// on an origin with a persisted localStorage dump, re-fills that storage.
func (m *Manager) Restore(ctx context.Context, sessionID string, page StatePage) error {
	st, err := m.Load(sessionID)
	if err != nil {
		return err
	}
	if len(st.Cookies) > 0 {
		if err := page.SetCookies(ctx, st.Cookies); err != nil {
			m.logger.Warnf("storage:restore", "cookie restore for %s failed: %v", sessionID, err)
		}
	}
	pageOrigin := originOf(pageURL(ctx, page))
	for _, o := range st.Origins {
		if o.Origin != pageOrigin || len(o.LocalStorage) == 0 {
			continue
		}
		script, err := localStorageSetter(o.LocalStorage)
		if err != nil {
			continue
		}
		if _, err := page.Evaluate(ctx, script); err != nil {
			m.logger.Warnf("storage:restore", "localStorage restore for %s on %s failed: %v", sessionID, o.Origin, err)
		}
	}
	return nil
}

// Snapshot collects cookies and per-origin localStorage from the given
// pages and persists them.
func (m *Manager) Snapshot(ctx context.Context, sessionID string, pages []StatePage) error {
	st := &State{}
	seenOrigins := make(map[string]bool)
	for i, page := range pages {
		if i == 0 {
			cookies, err := page.Cookies(ctx)
			if err == nil {
				st.Cookies = cookies
			} else {
				m.logger.Debugf("storage:snapshot", "cookie read for %s failed: %v", sessionID, err)
			}
		}
		origin := originOf(pageURL(ctx, page))
		if origin == "" || seenOrigins[origin] {
			continue
		}
		raw, err := page.Evaluate(ctx, localStorageDump)
		if err != nil {
			continue
		}
		dump := decodeDump(raw)
		if len(dump) == 0 {
			continue
		}
		seenOrigins[origin] = true
		st.Origins = append(st.Origins, OriginState{Origin: origin, LocalStorage: dump})
	}
	return m.Save(sessionID, st)
}

// StartWatchdog begins periodic snapshots for a session. Starting twice
// is a no-op.
func (m *Manager) StartWatchdog(sessionID string, collect Collector) {
	m.mu.Lock()
	if _, ok := m.watchdogs[sessionID]; ok {
		m.mu.Unlock()
		return
	}
	w := &watchdog{collect: collect, stop: make(chan struct{}), done: make(chan struct{})}
	m.watchdogs[sessionID] = w
	m.mu.Unlock()

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := m.Snapshot(ctx, sessionID, collect(ctx)); err != nil {
					m.logger.Warnf("storage:watchdog", "snapshot for %s failed: %v", sessionID, err)
				}
				cancel()
			case <-w.stop:
				return
			}
		}
	}()
}

// StopWatchdog flushes one final snapshot and stops the session's
// watchdog. It returns after the watchdog goroutine has exited. The
// caller passes the pages to flush from when its own bookkeeping no
// longer reaches them (teardown runs after the session is unlinked);
// with no pages at all the state file is left as the last snapshot
// wrote it rather than overwritten with an empty state.
func (m *Manager) StopWatchdog(ctx context.Context, sessionID string, pages []StatePage) {
	m.mu.Lock()
	w, ok := m.watchdogs[sessionID]
	delete(m.watchdogs, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}
	close(w.stop)
	<-w.done
	if len(pages) == 0 {
		pages = w.collect(ctx)
	}
	if len(pages) == 0 {
		return
	}
	if err := m.Snapshot(ctx, sessionID, pages); err != nil {
		m.logger.Warnf("storage:watchdog", "final snapshot for %s failed: %v", sessionID, err)
	}
}

// Watching reports whether a watchdog is live for the session.
func (m *Manager) Watching(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watchdogs[sessionID]
	return ok
}

const localStorageDump = `JSON.stringify(Object.fromEntries(Object.entries(localStorage)))`

func localStorageSetter(entries map[string]string) (string, error) {
	data, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		`(() => { const d = %s; for (const [k, v] of Object.entries(d)) localStorage.setItem(k, v); return true; })()`,
		data,
	), nil
}

func decodeDump(raw json.RawMessage) map[string]string {
	// Evaluate returns the JSON-encoded string produced by JSON.stringify.
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	var dump map[string]string
	if err := json.Unmarshal([]byte(s), &dump); err != nil {
		return nil
	}
	return dump
}

func pageURL(ctx context.Context, page StatePage) string {
	u, err := page.URL(ctx)
	if err != nil {
		return ""
	}
	return u
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
