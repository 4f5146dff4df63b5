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

// Package cdp is a thin facade over the browser's remote debugging
// protocol. It owns the WebSocket connection, multiplexes commands onto
// per-target protocol sessions, and hides the wire types from the rest of
// the broker.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"

	"github.com/tabfleet/tabfleet/log"
)

const wsWriteBufferSize = 1 << 20

// Connection represents the WebSocket connection to one browser process.
// Commands are matched to responses by message id; a non-empty protocol
// session id scopes a command to one attached target.
type Connection struct {
	ctx    context.Context
	wsURL  string
	logger *log.Logger
	conn   *websocket.Conn

	sendCh       chan *cdproto.Message
	done         chan struct{}
	shutdownOnce sync.Once
	msgID        int64

	pendingMu sync.Mutex
	pending   map[int64]chan *cdproto.Message

	handlersMu       sync.RWMutex
	targetDestroyed  []func(targetID string)
	connectionClosed []func()
}

// NewConnection dials the browser's WebSocket endpoint and starts the
// send and receive loops.
func NewConnection(ctx context.Context, wsURL string, logger *log.Logger) (*Connection, error) {
	wsd := websocket.Dialer{
		HandshakeTimeout: 60 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}
	conn, _, err := wsd.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to dial browser WS URL %q: %w", wsURL, err)
	}

	c := &Connection{
		ctx:     ctx,
		wsURL:   wsURL,
		logger:  logger,
		conn:    conn,
		sendCh:  make(chan *cdproto.Message, 32), // avoid blocking in Execute
		done:    make(chan struct{}),
		pending: make(map[int64]chan *cdproto.Message),
	}

	go c.recvLoop()
	go c.sendLoop()

	return c, nil
}

// OnTargetDestroyed registers fn to run whenever the browser reports a
// target as destroyed. Handlers must not block.
func (c *Connection) OnTargetDestroyed(fn func(targetID string)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.targetDestroyed = append(c.targetDestroyed, fn)
}

// OnClose registers fn to run once when the connection shuts down.
func (c *Connection) OnClose(fn func()) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.connectionClosed = append(c.connectionClosed, fn)
}

// Close cleanly closes the WebSocket connection and fails every pending
// command with ErrDriverDisconnected.
func (c *Connection) Close() error {
	var err error
	c.shutdownOnce.Do(func() {
		err = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(10*time.Second),
		)
		_ = c.conn.Close()
		close(c.done)

		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()

		c.handlersMu.RLock()
		handlers := c.connectionClosed
		c.handlersMu.RUnlock()
		for _, fn := range handlers {
			fn()
		}
	})
	return err
}

// Closed reports whether the connection has shut down.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connection) recvLoop() {
	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Errorf("cdp:recv", "unexpected close: %v", err)
			}
			_ = c.Close()
			return
		}

		c.logger.Tracef("cdp:recv", "<- %s", buf)

		var msg cdproto.Message
		dec := jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&dec)
		if err := dec.Error(); err != nil {
			c.logger.Errorf("cdp:recv", "malformed message: %v", err)
			continue
		}

		switch {
		case msg.ID != 0:
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.pendingMu.Unlock()
			if ok {
				ch <- &msg
			}
		case msg.Method != "":
			c.handleEvent(&msg)
		default:
			c.logger.Warnf("cdp:recv", "ignoring message without id or method")
		}
	}
}

func (c *Connection) handleEvent(msg *cdproto.Message) {
	if msg.Method != cdproto.EventTargetTargetDestroyed {
		return
	}
	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		c.logger.Errorf("cdp:event", "%v", err)
		return
	}
	destroyed, ok := ev.(*target.EventTargetDestroyed)
	if !ok {
		return
	}
	c.handlersMu.RLock()
	handlers := c.targetDestroyed
	c.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(string(destroyed.TargetID))
	}
}

func (c *Connection) sendLoop() {
	for {
		select {
		case msg := <-c.sendCh:
			enc := jwriter.Writer{}
			msg.MarshalEasyJSON(&enc)
			if err := enc.Error; err != nil {
				c.logger.Errorf("cdp:send", "encode: %v", err)
				continue
			}
			buf, _ := enc.BuildBytes()
			c.logger.Tracef("cdp:send", "-> %s", buf)
			if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Execute sends a protocol command and blocks until its response arrives,
// the context is done, or the connection closes. An empty session id
// addresses the root browser target.
func (c *Connection) Execute(
	ctx context.Context, sessionID string, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	result, err := c.ExecuteRaw(ctx, sessionID, method, raw)
	if err != nil {
		return err
	}
	if res != nil {
		return easyjson.Unmarshal(result, res)
	}
	return nil
}

// ExecuteRaw is Execute with raw JSON parameters and result, used for the
// passthrough command path.
func (c *Connection) ExecuteRaw(
	ctx context.Context, sessionID string, method string, params json.RawMessage,
) (json.RawMessage, error) {
	if c.Closed() {
		return nil, ErrDriverDisconnected
	}

	id := atomic.AddInt64(&c.msgID, 1)
	ch := make(chan *cdproto.Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	msg := &cdproto.Message{
		ID:        id,
		SessionID: target.SessionID(sessionID),
		Method:    cdproto.MethodType(method),
		Params:    easyjson.RawMessage(params),
	}

	select {
	case c.sendCh <- msg:
	case <-c.done:
		c.forget(id)
		return nil, ErrDriverDisconnected
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}

	select {
	case reply, ok := <-ch:
		if !ok || reply == nil {
			return nil, ErrDriverDisconnected
		}
		if reply.Error != nil {
			return nil, reply.Error
		}
		return json.RawMessage(reply.Result), nil
	case <-c.done:
		c.forget(id)
		return nil, ErrDriverDisconnected
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Connection) forget(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func marshalParams(params easyjson.Marshaler) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	buf, err := easyjson.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal command params: %w", err)
	}
	return buf, nil
}
