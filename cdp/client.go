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
	"fmt"
	"io"
	"net/http"
	"time"

	chromedpcdp "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/tidwall/gjson"

	"github.com/tabfleet/tabfleet/log"
)

// TargetInfo describes one debug-protocol target.
type TargetInfo struct {
	ID    string
	Type  string
	URL   string
	Title string
}

// BlankPageURL is the sentinel URL pre-warmed and reset pages sit on.
const BlankPageURL = "about:blank"

// Client is the driver facade for one browser instance reachable on a
// local debugging port.
type Client struct {
	host   string
	port   int
	http   *http.Client
	conn   *Connection
	logger *log.Logger
}

// NewClient creates an unconnected client for the browser listening on
// the given debugging port.
func NewClient(port int, logger *log.Logger) *Client {
	return &Client{
		host:   "127.0.0.1",
		port:   port,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Port returns the debugging port this client talks to.
func (c *Client) Port() int { return c.port }

// Connect discovers the browser's WebSocket endpoint over its HTTP
// interface and dials it. It also enables target discovery so that
// destroyed targets are reported.
func (c *Client) Connect(ctx context.Context) error {
	body, err := c.httpGet(ctx, "/json/version")
	if err != nil {
		return fmt.Errorf("unable to query browser version endpoint: %w", err)
	}
	wsURL := gjson.GetBytes(body, "webSocketDebuggerUrl").String()
	if wsURL == "" {
		return fmt.Errorf("browser version endpoint returned no webSocketDebuggerUrl")
	}

	conn, err := NewConnection(ctx, wsURL, c.logger)
	if err != nil {
		return err
	}
	c.conn = conn

	action := target.SetDiscoverTargets(true)
	if err := action.Do(chromedpcdp.WithExecutor(ctx, c.executor(""))); err != nil {
		_ = conn.Close()
		c.conn = nil
		return fmt.Errorf("unable to enable target discovery: %w", err)
	}
	c.logger.Infof("cdp:connect", "connected to browser on port %d", c.port)
	return nil
}

// Connected reports whether the client holds a live connection.
func (c *Client) Connected() bool {
	return c.conn != nil && !c.conn.Closed()
}

// Close shuts the WebSocket connection down. The browser process itself
// is left running.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Version returns the browser's product version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	body, err := c.httpGet(ctx, "/json/version")
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(body, "Browser").String(), nil
}

// Healthy probes the browser's HTTP endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.httpGet(ctx, "/json/version")
	return err == nil
}

// CreateContext creates a new isolation context (an incognito profile)
// and returns its id.
func (c *Client) CreateContext(ctx context.Context) (string, error) {
	if !c.Connected() {
		return "", ErrDriverDisconnected
	}
	action := target.CreateBrowserContext().WithDisposeOnDetach(true)
	id, err := action.Do(chromedpcdp.WithExecutor(ctx, c.executor("")))
	if err != nil {
		return "", fmt.Errorf("unable to create browser context: %w", err)
	}
	return string(id), nil
}

// DisposeContext disposes an isolation context and every target in it.
func (c *Client) DisposeContext(ctx context.Context, id string) error {
	if !c.Connected() {
		return ErrDriverDisconnected
	}
	action := target.DisposeBrowserContext(chromedpcdp.BrowserContextID(id))
	if err := action.Do(chromedpcdp.WithExecutor(ctx, c.executor(""))); err != nil {
		return fmt.Errorf("unable to dispose browser context %s: %w", id, err)
	}
	return nil
}

// CreatePage opens a new page-typed target at url, attaches to it, and
// returns a handle. An empty contextID places the page in the browser's
// default profile.
func (c *Client) CreatePage(ctx context.Context, url, contextID string) (*Page, error) {
	if !c.Connected() {
		return nil, ErrDriverDisconnected
	}
	if url == "" {
		url = BlankPageURL
	}
	create := target.CreateTarget(url)
	if contextID != "" {
		create = create.WithBrowserContextID(chromedpcdp.BrowserContextID(contextID))
	}
	targetID, err := create.Do(chromedpcdp.WithExecutor(ctx, c.executor("")))
	if err != nil {
		return nil, fmt.Errorf("unable to create target: %w", err)
	}
	return c.AttachToTarget(ctx, string(targetID))
}

// AttachToTarget opens a protocol session to an existing target.
func (c *Client) AttachToTarget(ctx context.Context, targetID string) (*Page, error) {
	if !c.Connected() {
		return nil, ErrDriverDisconnected
	}
	attach := target.AttachToTarget(target.ID(targetID)).WithFlatten(true)
	sessionID, err := attach.Do(chromedpcdp.WithExecutor(ctx, c.executor("")))
	if err != nil {
		return nil, fmt.Errorf("unable to attach to target %s: %w", targetID, err)
	}
	p := newPage(c, targetID, string(sessionID))
	c.conn.OnTargetDestroyed(func(id string) {
		if id == targetID {
			p.markClosed()
		}
	})
	return p, nil
}

// ListPageTargets enumerates the browser's page-typed targets.
func (c *Client) ListPageTargets(ctx context.Context) ([]TargetInfo, error) {
	if !c.Connected() {
		return nil, ErrDriverDisconnected
	}
	infos, err := target.GetTargets().Do(chromedpcdp.WithExecutor(ctx, c.executor("")))
	if err != nil {
		return nil, fmt.Errorf("unable to list targets: %w", err)
	}
	out := make([]TargetInfo, 0, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		out = append(out, TargetInfo{
			ID:    string(info.TargetID),
			Type:  info.Type,
			URL:   info.URL,
			Title: info.Title,
		})
	}
	return out, nil
}

// CloseTarget asks the browser to close a target. The caller decides
// whether a failure matters; the target may already be gone.
func (c *Client) CloseTarget(ctx context.Context, targetID string) error {
	if !c.Connected() {
		return ErrDriverDisconnected
	}
	action := target.CloseTarget(target.ID(targetID))
	if err := action.Do(chromedpcdp.WithExecutor(ctx, c.executor(""))); err != nil {
		return fmt.Errorf("unable to close target %s: %w", targetID, err)
	}
	return nil
}

// OnTargetDestroyed registers a handler for target-destroyed events.
func (c *Client) OnTargetDestroyed(fn func(targetID string)) {
	if c.conn != nil {
		c.conn.OnTargetDestroyed(fn)
	}
}

// CollectGarbage sends a best-effort heap-collection hint to the browser.
func (c *Client) CollectGarbage(ctx context.Context) {
	if !c.Connected() {
		return
	}
	if _, err := c.conn.ExecuteRaw(ctx, "", "HeapProfiler.collectGarbage", nil); err != nil {
		c.logger.Debugf("cdp:gc", "collect garbage hint failed: %v", err)
	}
}

func (c *Client) executor(sessionID string) sessionExecutor {
	return sessionExecutor{conn: c.conn, sessionID: sessionID}
}

func (c *Client) httpGet(ctx context.Context, path string) ([]byte, error) {
	url := fmt.Sprintf("http://%s:%d%s", c.host, c.port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("browser endpoint %s returned status %d", path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// sessionExecutor adapts a Connection plus protocol session id to the
// executor interface the generated cdproto actions expect.
type sessionExecutor struct {
	conn      *Connection
	sessionID string
}

// Execute implements the cdproto executor contract.
func (e sessionExecutor) Execute(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	return e.conn.Execute(ctx, e.sessionID, method, params, res)
}
