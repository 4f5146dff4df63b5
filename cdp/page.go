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

package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	chromedpcdp "github.com/chromedp/cdproto/cdp"
	cdppage "github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
)

// Page is a handle to one page-typed target, reached through its own
// protocol session. A closed page rejects every operation with
// ErrPageClosed.
type Page struct {
	client    *Client
	targetID  string
	sessionID string
	closed    atomic.Bool
}

func newPage(client *Client, targetID, sessionID string) *Page {
	return &Page{client: client, targetID: targetID, sessionID: sessionID}
}

// TargetID returns the driver-assigned target id.
func (p *Page) TargetID() string { return p.targetID }

// IsClosed reports whether the target is gone or the connection lost.
func (p *Page) IsClosed() bool {
	return p.closed.Load() || !p.client.Connected()
}

func (p *Page) markClosed() { p.closed.Store(true) }

func (p *Page) executor() sessionExecutor {
	return p.client.executor(p.sessionID)
}

func (p *Page) check() error {
	if p.IsClosed() {
		return ErrPageClosed
	}
	return nil
}

// Navigate drives the page to url and returns once the navigation has
// been accepted by the browser.
func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.check(); err != nil {
		return err
	}
	_, _, errorText, err := cdppage.Navigate(url).Do(chromedpcdp.WithExecutor(ctx, p.executor()))
	if err != nil {
		return fmt.Errorf("unable to navigate to %q: %w", url, err)
	}
	if errorText != "" {
		return fmt.Errorf("navigation to %q failed: %s", url, errorText)
	}
	return nil
}

// URL returns the page's current URL as the browser reports it.
func (p *Page) URL(ctx context.Context) (string, error) {
	if err := p.check(); err != nil {
		return "", err
	}
	info, err := target.GetTargetInfo().
		WithTargetID(target.ID(p.targetID)).
		Do(chromedpcdp.WithExecutor(ctx, p.client.executor("")))
	if err != nil {
		return "", fmt.Errorf("unable to get target info: %w", err)
	}
	return info.URL, nil
}

// Evaluate runs a JavaScript expression in the page and returns its
// JSON-serialized value.
func (p *Page) Evaluate(ctx context.Context, expr string) (json.RawMessage, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	obj, exc, err := cdpruntime.Evaluate(expr).
		WithReturnByValue(true).
		WithAwaitPromise(true).
		Do(chromedpcdp.WithExecutor(ctx, p.executor()))
	if err != nil {
		return nil, fmt.Errorf("unable to evaluate expression: %w", err)
	}
	if exc != nil {
		return nil, fmt.Errorf("expression threw: %s", exc.Text)
	}
	if obj == nil {
		return nil, nil
	}
	return json.RawMessage(obj.Value), nil
}

// Screenshot captures the page viewport as a PNG.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	buf, err := cdppage.CaptureScreenshot().
		WithFormat(cdppage.CaptureScreenshotFormatPng).
		Do(chromedpcdp.WithExecutor(ctx, p.executor()))
	if err != nil {
		return nil, fmt.Errorf("unable to capture screenshot: %w", err)
	}
	return buf, nil
}

// PDF renders the page to a PDF document.
func (p *Page) PDF(ctx context.Context) ([]byte, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	buf, _, err := cdppage.PrintToPDF().Do(chromedpcdp.WithExecutor(ctx, p.executor()))
	if err != nil {
		return nil, fmt.Errorf("unable to print to PDF: %w", err)
	}
	return buf, nil
}

// Cookies returns the cookies visible to this page.
func (p *Page) Cookies(ctx context.Context) ([]Cookie, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	raw, err := p.client.conn.ExecuteRaw(ctx, p.sessionID, "Network.getCookies", nil)
	if err != nil {
		return nil, fmt.Errorf("unable to get cookies: %w", err)
	}
	return cookiesFromJSON(raw), nil
}

// SetCookies writes cookies into the page's cookie store.
func (p *Page) SetCookies(ctx context.Context, cookies []Cookie) error {
	if err := p.check(); err != nil {
		return err
	}
	if len(cookies) == 0 {
		return nil
	}
	params, err := json.Marshal(map[string]interface{}{"cookies": cookies})
	if err != nil {
		return fmt.Errorf("unable to marshal cookies: %w", err)
	}
	if _, err := p.client.conn.ExecuteRaw(ctx, p.sessionID, "Network.setCookies", params); err != nil {
		return fmt.Errorf("unable to set cookies: %w", err)
	}
	return nil
}

// ClearOriginStorage clears cookies and DOM storage for one origin.
// Used when a pooled page is reset to avoid cross-session leaks.
func (p *Page) ClearOriginStorage(ctx context.Context, origin string) error {
	if err := p.check(); err != nil {
		return err
	}
	action := storage.ClearDataForOrigin(origin, "all")
	if err := action.Do(chromedpcdp.WithExecutor(ctx, p.executor())); err != nil {
		return fmt.Errorf("unable to clear storage for %s: %w", origin, err)
	}
	return nil
}

// Command sends a raw protocol command scoped to this page's session.
func (p *Page) Command(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	return p.client.conn.ExecuteRaw(ctx, p.sessionID, method, params)
}

// Close asks the browser to close the target backing this page.
func (p *Page) Close(ctx context.Context) error {
	if p.closed.Load() {
		return nil
	}
	p.markClosed()
	return p.client.CloseTarget(ctx, p.targetID)
}
