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
	"context"
	"encoding/json"

	"github.com/tabfleet/tabfleet/cdp"
)

// Page is the registry's view of a browser tab. *cdp.Page implements it;
// tests substitute fakes.
type Page interface {
	TargetID() string
	IsClosed() bool
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	Evaluate(ctx context.Context, expr string) (json.RawMessage, error)
	Screenshot(ctx context.Context) ([]byte, error)
	PDF(ctx context.Context) ([]byte, error)
	Cookies(ctx context.Context) ([]cdp.Cookie, error)
	SetCookies(ctx context.Context, cookies []cdp.Cookie) error
	ClearOriginStorage(ctx context.Context, origin string) error
	Command(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
	Click(ctx context.Context, selector string) error
	ClickNode(ctx context.Context, backendNodeID int64) error
	Type(ctx context.Context, selector, text string) error
	TypeNode(ctx context.Context, backendNodeID int64, text string) error
	Scroll(ctx context.Context, dx, dy float64) error
	AccessibilityTree(ctx context.Context) (json.RawMessage, error)
	Close(ctx context.Context) error
}

// Driver is the slice of the debug-protocol facade the registry uses.
type Driver interface {
	CreatePage(ctx context.Context, url, contextID string) (Page, error)
	CreateContext(ctx context.Context) (string, error)
	DisposeContext(ctx context.Context, id string) error
	ListPageTargets(ctx context.Context) ([]cdp.TargetInfo, error)
	CloseTarget(ctx context.Context, targetID string) error
	OnTargetDestroyed(fn func(targetID string))
	CollectGarbage(ctx context.Context)
}

// cdpDriver adapts *cdp.Client to the Driver interface.
type cdpDriver struct {
	c *cdp.Client
}

// NewDriver wraps a connected cdp client as a registry Driver.
func NewDriver(c *cdp.Client) Driver {
	return cdpDriver{c: c}
}

func (d cdpDriver) CreatePage(ctx context.Context, url, contextID string) (Page, error) {
	return d.c.CreatePage(ctx, url, contextID)
}

func (d cdpDriver) CreateContext(ctx context.Context) (string, error) {
	return d.c.CreateContext(ctx)
}

func (d cdpDriver) DisposeContext(ctx context.Context, id string) error {
	return d.c.DisposeContext(ctx, id)
}

func (d cdpDriver) ListPageTargets(ctx context.Context) ([]cdp.TargetInfo, error) {
	return d.c.ListPageTargets(ctx)
}

func (d cdpDriver) CloseTarget(ctx context.Context, targetID string) error {
	return d.c.CloseTarget(ctx, targetID)
}

func (d cdpDriver) OnTargetDestroyed(fn func(targetID string)) {
	d.c.OnTargetDestroyed(fn)
}

func (d cdpDriver) CollectGarbage(ctx context.Context) {
	d.c.CollectGarbage(ctx)
}
