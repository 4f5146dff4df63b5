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

package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tabfleet/tabfleet/cdp"
	"github.com/tabfleet/tabfleet/log"
	"github.com/tabfleet/tabfleet/registry"
)

// LightBackend maintains lightweight mirror pages on the light browser,
// one per broker target, created eagerly at tab creation so routing can
// check liveness without side effects.
type LightBackend interface {
	// Ensure creates the mirror page for a target if absent.
	Ensure(ctx context.Context, sessionID, targetID string) (registry.Page, error)
	// Peek returns the mirror page, or nil when none exists.
	Peek(sessionID, targetID string) registry.Page
	Drop(sessionID, targetID string)
	DropSession(sessionID string)
	Close(ctx context.Context)
}

type cdpLight struct {
	client *cdp.Client
	logger *log.Logger

	mu    sync.Mutex
	pages map[string]registry.Page
}

// NewCDPLightBackend serves mirror pages from a connected light-browser
// client.
func NewCDPLightBackend(client *cdp.Client, logger *log.Logger) LightBackend {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &cdpLight{client: client, logger: logger, pages: make(map[string]registry.Page)}
}

func lightKey(sessionID, targetID string) string {
	return sessionID + "/" + targetID
}

func (l *cdpLight) Ensure(ctx context.Context, sessionID, targetID string) (registry.Page, error) {
	key := lightKey(sessionID, targetID)
	l.mu.Lock()
	if p, ok := l.pages[key]; ok && !p.IsClosed() {
		l.mu.Unlock()
		return p, nil
	}
	l.mu.Unlock()

	page, err := l.client.CreatePage(ctx, cdp.BlankPageURL, "")
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.pages[key] = page
	l.mu.Unlock()
	l.logger.Debugf("dispatch:light", "mirror page %s for %s", page.TargetID(), key)
	return page, nil
}

func (l *cdpLight) Peek(sessionID, targetID string) registry.Page {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pages[lightKey(sessionID, targetID)]
}

func (l *cdpLight) Drop(sessionID, targetID string) {
	l.mu.Lock()
	p, ok := l.pages[lightKey(sessionID, targetID)]
	delete(l.pages, lightKey(sessionID, targetID))
	l.mu.Unlock()
	if ok {
		l.closePage(p)
	}
}

func (l *cdpLight) DropSession(sessionID string) {
	prefix := sessionID + "/"
	l.mu.Lock()
	var victims []registry.Page
	for key, p := range l.pages {
		if strings.HasPrefix(key, prefix) {
			victims = append(victims, p)
			delete(l.pages, key)
		}
	}
	l.mu.Unlock()
	for _, p := range victims {
		l.closePage(p)
	}
}

func (l *cdpLight) Close(ctx context.Context) {
	l.mu.Lock()
	pages := make([]registry.Page, 0, len(l.pages))
	for _, p := range l.pages {
		pages = append(pages, p)
	}
	l.pages = make(map[string]registry.Page)
	l.mu.Unlock()
	for _, p := range pages {
		if err := p.Close(ctx); err != nil {
			l.logger.Debugf("dispatch:light", "mirror close failed: %v", err)
		}
	}
}

func (l *cdpLight) closePage(p registry.Page) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		l.logger.Debugf("dispatch:light", "mirror close failed: %v", err)
	}
}
