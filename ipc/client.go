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

package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tabfleet/tabfleet/log"
)

// Client errors.
var (
	ErrNotConnected   = errors.New("not connected to broker")
	ErrRequestTimeout = errors.New("request timed out")
	ErrClientClosed   = errors.New("client closed")
)

// EventType classifies client lifecycle notifications.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventReconnected
	EventReconnectFailed
)

func (e EventType) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnected:
		return "reconnected"
	case EventReconnectFailed:
		return "reconnect_failed"
	}
	return "unknown"
}

// Event is delivered to the OnEvent callback, outside any client lock.
type Event struct {
	Type     EventType
	WorkerID string
}

// ClientOptions tune the client's timeouts and reconnect policy.
type ClientOptions struct {
	RequestTimeout    time.Duration
	ReconnectAttempts uint64
	ReconnectDelay    time.Duration
	OnEvent           func(Event)
}

func (o *ClientOptions) fillDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.ReconnectAttempts == 0 {
		o.ReconnectAttempts = 5
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.OnEvent == nil {
		o.OnEvent = func(Event) {}
	}
}

// Client is a single outbound broker connection. Each request gets an
// ever-increasing correlation id; responses are matched back through a
// pending map. A dropped connection fails all in-flight requests and
// triggers a bounded exponential-backoff reconnect.
type Client struct {
	path   string
	opts   ClientOptions
	logger *log.Logger

	nextID int64

	mu       sync.Mutex
	conn     net.Conn
	workerID string
	pending  map[string]chan Response
	closed   bool
}

// NewClient creates a client for the broker socket at path.
func NewClient(socketPath string, opts ClientOptions, logger *log.Logger) *Client {
	opts.fillDefaults()
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Client{
		path:    socketPath,
		opts:    opts,
		logger:  logger,
		pending: make(map[string]chan Response),
	}
}

// Connect dials the broker and waits for the init push carrying the
// assigned worker id.
func (c *Client) Connect(ctx context.Context) error {
	conn, workerID, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClientClosed
	}
	c.conn = conn
	c.workerID = workerID
	c.mu.Unlock()

	go c.readLoop(conn)
	c.opts.OnEvent(Event{Type: EventConnected, WorkerID: workerID})
	c.logger.Infof("ipc:client", "connected as %s", workerID)
	return nil
}

// dial opens the socket and consumes frames until the init response
// arrives.
func (c *Client) dial(ctx context.Context) (net.Conn, string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, "", fmt.Errorf("unable to dial broker at %s: %w", c.path, err)
	}

	deadline := time.Now().Add(c.opts.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	dec := &Decoder{}
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			_ = conn.Close()
			return nil, "", fmt.Errorf("handshake with broker failed: %w", err)
		}
		for _, frame := range dec.Feed(buf[:n]) {
			var resp Response
			if err := json.Unmarshal(frame, &resp); err != nil || resp.ID != InitID {
				continue
			}
			var init InitResult
			if err := json.Unmarshal(resp.Result, &init); err != nil {
				_ = conn.Close()
				return nil, "", fmt.Errorf("malformed init response: %w", err)
			}
			_ = conn.SetReadDeadline(time.Time{})
			return conn, init.WorkerID, nil
		}
	}
}

func (c *Client) readLoop(conn net.Conn) {
	dec := &Decoder{}
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, frame := range dec.Feed(buf[:n]) {
				c.deliver(frame)
			}
		}
		if err != nil {
			c.handleDrop(conn)
			return
		}
	}
}

func (c *Client) deliver(frame []byte) {
	var resp Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		c.logger.Warnf("ipc:client", "discarding malformed frame: %v", err)
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// handleDrop fails every in-flight request, then tries to reconnect
// unless the client was closed deliberately.
func (c *Client) handleDrop(conn net.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closed := c.closed
	c.failPendingLocked()
	c.mu.Unlock()

	if closed {
		return
	}
	c.opts.OnEvent(Event{Type: EventDisconnected})
	c.logger.Warnf("ipc:client", "connection to broker lost")
	c.reconnect()
}

// failPendingLocked rejects every outstanding request. Channels have
// capacity 1 so the sends never block.
func (c *Client) failPendingLocked() {
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- NewErrorResponse(id, NewError(CodeNotConnected, "connection lost"))
	}
}

func (c *Client) reconnect() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.ReconnectDelay
	bo.MaxElapsedTime = 0

	op := func() error {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return backoff.Permanent(ErrClientClosed)
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
		defer cancel()
		conn, workerID, err := c.dial(ctx)
		if err != nil {
			c.logger.Debugf("ipc:client", "reconnect attempt failed: %v", err)
			return err
		}

		c.mu.Lock()
		c.conn = conn
		c.workerID = workerID
		c.mu.Unlock()
		go c.readLoop(conn)
		return nil
	}

	err := backoff.Retry(op, backoff.WithMaxRetries(bo, c.opts.ReconnectAttempts))
	if err != nil {
		if !errors.Is(err, ErrClientClosed) {
			c.logger.Errorf("ipc:client", "reconnect abandoned after %d attempts: %v", c.opts.ReconnectAttempts, err)
			c.opts.OnEvent(Event{Type: EventReconnectFailed})
		}
		return
	}
	c.mu.Lock()
	workerID := c.workerID
	c.mu.Unlock()
	c.opts.OnEvent(Event{Type: EventReconnected, WorkerID: workerID})
	c.logger.Infof("ipc:client", "reconnected as %s", workerID)
}

// WorkerID returns the broker-assigned id, empty before Connect.
func (c *Client) WorkerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workerID
}

// Call sends one request and blocks for its response, the context, or
// the request timeout, whichever comes first. A wire error comes back
// as *Error.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("unable to encode params: %w", err)
		}
		raw = b
	}

	id := fmt.Sprintf("req-%d", atomic.AddInt64(&c.nextID, 1))
	ch := make(chan Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	req := Request{ID: id, Method: method, Params: raw, WorkerID: c.workerID}
	c.pending[id] = ch
	c.mu.Unlock()

	frame, err := EncodeFrame(req)
	if err != nil {
		c.abandon(id)
		return nil, err
	}
	if _, err := conn.Write(frame); err != nil {
		c.abandon(id)
		return nil, ErrNotConnected
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		c.abandon(id)
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		c.abandon(id)
		return nil, ctx.Err()
	}
}

func (c *Client) abandon(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close drops the connection and fails outstanding requests. No
// reconnect follows.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.failPendingLocked()
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
