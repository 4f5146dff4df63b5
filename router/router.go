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

// Package router decides, per tool call, between the heavy backend (full
// browser) and the light backend (headless DOM engine). A circuit breaker
// stops it from hammering a light backend that keeps failing.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/tabfleet/tabfleet/cdp"
	"github.com/tabfleet/tabfleet/log"
)

// Backend names a routing destination.
type Backend int

const (
	BackendHeavy Backend = iota
	BackendLight
)

func (b Backend) String() string {
	if b == BackendLight {
		return "light"
	}
	return "heavy"
}

// Page is the slice of a page handle the router touches.
type Page interface {
	IsClosed() bool
	URL(ctx context.Context) (string, error)
	Navigate(ctx context.Context, url string) error
	Cookies(ctx context.Context) ([]cdp.Cookie, error)
	SetCookies(ctx context.Context, cookies []cdp.Cookie) error
}

// Tools that must render pixels can never run on the light backend.
var visualOnlyTools = map[string]bool{
	"screenshot": true,
	"pdf":        true,
}

// Options configure the router and its circuit breaker.
type Options struct {
	Enabled     bool
	MaxFailures int
	Cooldown    time.Duration
}

// Stats are monotonic counters; reads see a consistent snapshot because
// every mutation happens under the router lock within one Route call.
type Stats struct {
	LightRoutes  uint64 `json:"lightRoutes"`
	HeavyRoutes  uint64 `json:"heavyRoutes"`
	Fallbacks    uint64 `json:"fallbacks"`
	CircuitTrips uint64 `json:"circuitTrips"`
}

// Decision is the outcome of one routing evaluation.
type Decision struct {
	Backend  Backend
	Fallback bool
}

// Router evaluates the ordered routing rules. All state transitions are
// synchronous within Route.
type Router struct {
	mu     sync.Mutex
	opts   Options
	logger *log.Logger

	failures int
	open     bool
	openedAt time.Time
	stats    Stats

	now func() time.Time // test hook
}

// New creates a router.
func New(opts Options, logger *log.Logger) *Router {
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Router{opts: opts, logger: logger, now: time.Now}
}

// Route applies the routing rules in order; the first match wins.
func (r *Router) Route(tool string, lightPage Page) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.opts.Enabled {
		r.stats.HeavyRoutes++
		return Decision{Backend: BackendHeavy}
	}
	if visualOnlyTools[tool] {
		r.stats.HeavyRoutes++
		return Decision{Backend: BackendHeavy}
	}
	if r.open {
		if r.now().Sub(r.openedAt) < r.opts.Cooldown {
			r.stats.CircuitTrips++
			r.stats.HeavyRoutes++
			return Decision{Backend: BackendHeavy}
		}
		// Cooldown over: close the circuit and retry the light backend
		// optimistically.
		r.open = false
		r.failures = 0
		r.logger.Infof("router:circuit", "cooldown expired, closing circuit")
	}
	if lightPage != nil && lightPageLive(lightPage) {
		r.failures = 0
		r.stats.LightRoutes++
		return Decision{Backend: BackendLight}
	}

	r.recordFailureLocked()
	r.stats.Fallbacks++
	r.stats.HeavyRoutes++
	return Decision{Backend: BackendHeavy, Fallback: true}
}

// lightPageLive runs the closed check, treating a panic as a dead page.
func lightPageLive(p Page) (live bool) {
	defer func() {
		if recover() != nil {
			live = false
		}
	}()
	return !p.IsClosed()
}

func (r *Router) recordFailureLocked() {
	r.failures++
	if r.failures >= r.opts.MaxFailures && !r.open {
		r.open = true
		r.openedAt = r.now()
		r.logger.Warnf("router:circuit", "circuit opened after %d consecutive failures", r.failures)
	}
}

// RecordFailure notes a light-backend failure observed outside Route,
// e.g. a command that died mid-flight.
func (r *Router) RecordFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordFailureLocked()
}

// CircuitOpen reports the breaker state.
func (r *Router) CircuitOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

// Stats returns a copy of the counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// EscalationResult reports what escalation achieved and which backends
// the target moved between.
type EscalationResult struct {
	Success       bool   `json:"success"`
	Previous      string `json:"previous"`
	New           string `json:"new"`
	CookiesSynced bool   `json:"cookiesSynced"`
	URL           string `json:"url"`
}

// Escalate moves work from the light page to the heavy page: cookies are
// reconciled first, then the heavy page is navigated to the light page's
// URL. The navigation is best effort and its failure does not negate the
// cookie sync.
func (r *Router) Escalate(ctx context.Context, light, heavy Page) EscalationResult {
	res := EscalationResult{
		Success:  true,
		Previous: BackendLight.String(),
		New:      BackendHeavy.String(),
	}

	if u, err := light.URL(ctx); err == nil {
		res.URL = u
	} else {
		r.logger.Warnf("router:escalate", "unable to read light page URL: %v", err)
	}

	if _, err := Merge(ctx, light, heavy, r.logger); err == nil {
		res.CookiesSynced = true
	}

	if res.URL != "" {
		if err := heavy.Navigate(ctx, res.URL); err != nil {
			r.logger.Warnf("router:escalate", "heavy navigation to %q failed: %v", res.URL, err)
		}
	}
	return res
}
