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

// Package pool amortizes expensive browser resources: pre-warmed blank
// pages and, optionally, whole browser instances keyed by origin.
package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/tabfleet/tabfleet/log"
)

// Page is the slice of a page handle the pool needs.
type Page interface {
	TargetID() string
	IsClosed() bool
	Navigate(ctx context.Context, url string) error
	Close(ctx context.Context) error
}

// PageFactory synthesizes a fresh blank page when the pool runs dry.
type PageFactory func(ctx context.Context) (Page, error)

// PageStats counts pool traffic.
type PageStats struct {
	Size      int `json:"size"`
	Acquired  int `json:"acquired"`
	Released  int `json:"released"`
	Discarded int `json:"discarded"`
}

// PagePool maintains a bounded queue of pre-navigated blank pages.
type PagePool struct {
	mu      sync.Mutex
	pages   []Page
	pooled  map[string]bool
	max     int
	factory PageFactory
	stats   PageStats
	logger  *log.Logger
}

const blankURL = "about:blank"

// NewPagePool creates a pool holding at most max idle pages.
func NewPagePool(max int, factory PageFactory, logger *log.Logger) *PagePool {
	return &PagePool{
		pooled:  make(map[string]bool),
		max:     max,
		factory: factory,
		logger:  logger,
	}
}

// Warm pre-creates blank pages up to the pool's capacity. Errors stop the
// warm-up but leave already-created pages in place.
func (p *PagePool) Warm(ctx context.Context) error {
	for {
		p.mu.Lock()
		if len(p.pages) >= p.max {
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()

		page, err := p.factory(ctx)
		if err != nil {
			return fmt.Errorf("unable to pre-warm page pool: %w", err)
		}
		p.mu.Lock()
		p.pages = append(p.pages, page)
		p.pooled[page.TargetID()] = true
		p.stats.Size = len(p.pages)
		p.mu.Unlock()
	}
}

// Acquire pops an idle page, skipping any that have closed underneath the
// pool, and synthesizes one when the pool is empty.
func (p *PagePool) Acquire(ctx context.Context) (Page, error) {
	for {
		p.mu.Lock()
		if len(p.pages) == 0 {
			p.mu.Unlock()
			break
		}
		page := p.pages[0]
		p.pages = p.pages[1:]
		delete(p.pooled, page.TargetID())
		p.stats.Size = len(p.pages)
		if page.IsClosed() {
			p.stats.Discarded++
			p.mu.Unlock()
			continue
		}
		p.stats.Acquired++
		p.mu.Unlock()
		return page, nil
	}
	page, err := p.factory(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.stats.Acquired++
	p.mu.Unlock()
	return page, nil
}

// Release resets a page to the blank sentinel and re-enqueues it. Closed
// pages are discarded; a page already in the pool is a double release,
// logged and ignored. When the pool is full the page is closed instead.
func (p *PagePool) Release(ctx context.Context, page Page) {
	if page == nil {
		return
	}

	p.mu.Lock()
	if p.pooled[page.TargetID()] {
		p.mu.Unlock()
		p.logger.Warnf("pool:page", "double release of target %s", page.TargetID())
		return
	}
	if page.IsClosed() {
		p.stats.Discarded++
		p.mu.Unlock()
		return
	}
	full := len(p.pages) >= p.max
	p.mu.Unlock()

	if full {
		_ = page.Close(ctx)
		p.mu.Lock()
		p.stats.Discarded++
		p.mu.Unlock()
		return
	}

	if err := page.Navigate(ctx, blankURL); err != nil {
		p.logger.Debugf("pool:page", "reset of target %s failed, discarding: %v", page.TargetID(), err)
		_ = page.Close(ctx)
		p.mu.Lock()
		p.stats.Discarded++
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.pages = append(p.pages, page)
	p.pooled[page.TargetID()] = true
	p.stats.Released++
	p.stats.Size = len(p.pages)
	p.mu.Unlock()
}

// Contains reports whether a target currently sits idle in the pool.
func (p *PagePool) Contains(targetID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pooled[targetID]
}

// Stats returns a copy of the pool counters.
func (p *PagePool) Stats() PageStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close discards every idle page.
func (p *PagePool) Close(ctx context.Context) {
	p.mu.Lock()
	pages := p.pages
	p.pages = nil
	p.pooled = make(map[string]bool)
	p.stats.Size = 0
	p.mu.Unlock()

	for _, page := range pages {
		_ = page.Close(ctx)
	}
}
