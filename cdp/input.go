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

	chromedpcdp "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	cdpruntime "github.com/chromedp/cdproto/runtime"
)

// Click dispatches a click on the first element matching the CSS
// selector. Missing elements surface as an evaluation error.
func (p *Page) Click(ctx context.Context, selector string) error {
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) { throw new Error("no element matches selector"); }
		el.click();
		return true;
	})()`, selector)
	_, err := p.Evaluate(ctx, expr)
	return err
}

// ClickNode dispatches a click on the element behind a backend node id,
// the form reference tokens resolve to.
func (p *Page) ClickNode(ctx context.Context, backendNodeID int64) error {
	obj, err := p.resolveNode(ctx, backendNodeID)
	if err != nil {
		return err
	}
	return p.callOn(ctx, obj, "function() { this.click(); }")
}

// Type focuses the first element matching the selector and inserts text
// through the browser's input pipeline, so key-derived events fire.
func (p *Page) Type(ctx context.Context, selector, text string) error {
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) { throw new Error("no element matches selector"); }
		el.focus();
		return true;
	})()`, selector)
	if _, err := p.Evaluate(ctx, expr); err != nil {
		return err
	}
	return p.insertText(ctx, text)
}

// TypeNode focuses the element behind a backend node id and inserts text.
func (p *Page) TypeNode(ctx context.Context, backendNodeID int64, text string) error {
	obj, err := p.resolveNode(ctx, backendNodeID)
	if err != nil {
		return err
	}
	if err := p.callOn(ctx, obj, "function() { this.focus(); }"); err != nil {
		return err
	}
	return p.insertText(ctx, text)
}

// Scroll scrolls the page by the given deltas.
func (p *Page) Scroll(ctx context.Context, dx, dy float64) error {
	_, err := p.Evaluate(ctx, fmt.Sprintf("window.scrollBy(%g, %g)", dx, dy))
	return err
}

// AccessibilityTree returns the full accessibility tree as raw JSON.
// Node ids in the result are what reference tokens later resolve to.
func (p *Page) AccessibilityTree(ctx context.Context) (json.RawMessage, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	return p.client.conn.ExecuteRaw(ctx, p.sessionID, "Accessibility.getFullAXTree", nil)
}

func (p *Page) resolveNode(ctx context.Context, backendNodeID int64) (cdpruntime.RemoteObjectID, error) {
	if err := p.check(); err != nil {
		return "", err
	}
	obj, err := dom.ResolveNode().
		WithBackendNodeID(chromedpcdp.BackendNodeID(backendNodeID)).
		Do(chromedpcdp.WithExecutor(ctx, p.executor()))
	if err != nil {
		return "", fmt.Errorf("unable to resolve node %d: %w", backendNodeID, err)
	}
	return obj.ObjectID, nil
}

func (p *Page) callOn(ctx context.Context, objectID cdpruntime.RemoteObjectID, fn string) error {
	_, exc, err := cdpruntime.CallFunctionOn(fn).
		WithObjectID(objectID).
		Do(chromedpcdp.WithExecutor(ctx, p.executor()))
	if err != nil {
		return fmt.Errorf("unable to call function on node: %w", err)
	}
	if exc != nil {
		return fmt.Errorf("node call threw: %s", exc.Text)
	}
	return nil
}

func (p *Page) insertText(ctx context.Context, text string) error {
	if err := input.InsertText(text).Do(chromedpcdp.WithExecutor(ctx, p.executor())); err != nil {
		return fmt.Errorf("unable to insert text: %w", err)
	}
	return nil
}
