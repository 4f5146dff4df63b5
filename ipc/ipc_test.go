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
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabfleet/tabfleet/log"
)

// echoHandler answers every request with its own params and records
// disconnects.
type echoHandler struct {
	mu           sync.Mutex
	disconnected []string
}

func (h *echoHandler) Handle(_ context.Context, workerID string, req Request) Response {
	switch req.Method {
	case "test/echo":
		return NewResult(req.ID, map[string]interface{}{
			"workerId": workerID,
			"params":   req.Params,
		})
	case "test/fail":
		return NewErrorResponse(req.ID, NewError(CodeSessionNotFound, "session not found"))
	default:
		return NewErrorResponse(req.ID, NewError(CodeMethodNotFound, "unknown method %q", req.Method))
	}
}

func (h *echoHandler) OnDisconnect(workerID string) {
	h.mu.Lock()
	h.disconnected = append(h.disconnected, workerID)
	h.mu.Unlock()
}

func (h *echoHandler) disconnects() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.disconnected...)
}

func startTestServer(t *testing.T) (*Server, *echoHandler, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.sock")
	h := &echoHandler{}
	srv := NewServer(path, h, log.NewNullLogger())
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Close() })
	return srv, h, path
}

func connectTestClient(t *testing.T, path string, opts ClientOptions) *Client {
	t.Helper()
	c := NewClient(path, opts, log.NewNullLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientReceivesWorkerID(t *testing.T) {
	t.Parallel()
	_, _, path := startTestServer(t)
	c := connectTestClient(t, path, ClientOptions{})
	assert.NotEmpty(t, c.WorkerID())
}

func TestWorkerIDsAreMonotonicallyUnique(t *testing.T) {
	t.Parallel()
	_, _, path := startTestServer(t)
	a := connectTestClient(t, path, ClientOptions{})
	b := connectTestClient(t, path, ClientOptions{})
	assert.NotEqual(t, a.WorkerID(), b.WorkerID())
}

func TestCallRoundTrip(t *testing.T) {
	t.Parallel()
	_, _, path := startTestServer(t)
	c := connectTestClient(t, path, ClientOptions{})

	raw, err := c.Call(context.Background(), "test/echo", map[string]string{"k": "v"})
	require.NoError(t, err)

	var res struct {
		WorkerID string          `json:"workerId"`
		Params   json.RawMessage `json:"params"`
	}
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, c.WorkerID(), res.WorkerID)
	assert.JSONEq(t, `{"k":"v"}`, string(res.Params))
}

func TestCallPreservesErrorCode(t *testing.T) {
	t.Parallel()
	_, _, path := startTestServer(t)
	c := connectTestClient(t, path, ClientOptions{})

	_, err := c.Call(context.Background(), "test/fail", nil)
	var wire *Error
	require.ErrorAs(t, err, &wire)
	assert.Equal(t, CodeSessionNotFound, wire.Code)
}

func TestUnknownMethod(t *testing.T) {
	t.Parallel()
	_, _, path := startTestServer(t)
	c := connectTestClient(t, path, ClientOptions{})

	_, err := c.Call(context.Background(), "no/such/method", nil)
	var wire *Error
	require.ErrorAs(t, err, &wire)
	assert.Equal(t, CodeMethodNotFound, wire.Code)
}

func TestConcurrentCallsMatchByCorrelationID(t *testing.T) {
	t.Parallel()
	_, _, path := startTestServer(t)
	c := connectTestClient(t, path, ClientOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, err := c.Call(context.Background(), "test/echo", map[string]int{"i": i})
			if assert.NoError(t, err) {
				var res struct {
					Params struct {
						I int `json:"i"`
					} `json:"params"`
				}
				require.NoError(t, json.Unmarshal(raw, &res))
				assert.Equal(t, i, res.Params.I)
			}
		}()
	}
	wg.Wait()
}

func TestDisconnectFiresOncePerConnection(t *testing.T) {
	t.Parallel()
	_, h, path := startTestServer(t)
	c := connectTestClient(t, path, ClientOptions{})
	id := c.WorkerID()

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool {
		d := h.disconnects()
		return len(d) == 1 && d[0] == id
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCallAfterCloseReturnsClientClosed(t *testing.T) {
	t.Parallel()
	_, _, path := startTestServer(t)
	c := connectTestClient(t, path, ClientOptions{})
	require.NoError(t, c.Close())

	_, err := c.Call(context.Background(), "test/echo", nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestCallWithoutConnect(t *testing.T) {
	t.Parallel()
	c := NewClient(filepath.Join(t.TempDir(), "nowhere.sock"), ClientOptions{}, log.NewNullLogger())
	_, err := c.Call(context.Background(), "test/echo", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClientReconnectsAfterServerRestart(t *testing.T) {
	t.Parallel()
	srv, _, path := startTestServer(t)

	events := make(chan Event, 16)
	c := connectTestClient(t, path, ClientOptions{
		RequestTimeout:    2 * time.Second,
		ReconnectAttempts: 10,
		ReconnectDelay:    20 * time.Millisecond,
		OnEvent:           func(ev Event) { events <- ev },
	})
	// Drop every connection; the client should dial back in. A fresh
	// server starts its worker counter over, so the reissued id may
	// equal the old one; what matters is that calls work again.
	require.NoError(t, srv.Close())
	srv2 := NewServer(path, &echoHandler{}, log.NewNullLogger())
	require.NoError(t, srv2.Start())
	t.Cleanup(func() { _ = srv2.Close() })

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == EventReconnected {
				assert.NotEmpty(t, c.WorkerID())
				_, err := c.Call(context.Background(), "test/echo", nil)
				assert.NoError(t, err)
				return
			}
		case <-deadline:
			t.Fatal("client never reconnected")
		}
	}
}

func TestServerRejectsMalformedJSON(t *testing.T) {
	t.Parallel()
	_, _, path := startTestServer(t)

	// Speak the protocol by hand to send garbage.
	raw := rawDial(t, path)
	defer raw.close()
	raw.readInit(t)

	raw.write(t, "this is not json\n")
	resp := raw.readResponse(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)
}

func TestServerRejectsMissingMethod(t *testing.T) {
	t.Parallel()
	_, _, path := startTestServer(t)

	raw := rawDial(t, path)
	defer raw.close()
	raw.readInit(t)

	raw.write(t, `{"id":"req-1","params":{}}`+"\n")
	resp := raw.readResponse(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
	assert.Equal(t, "req-1", resp.ID)
}

// rawConn is a hand-rolled protocol speaker for malformed-input tests.
type rawConn struct {
	conn net.Conn
	dec  *Decoder
}

func rawDial(t *testing.T, path string) *rawConn {
	t.Helper()
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	return &rawConn{conn: conn, dec: &Decoder{}}
}

func (r *rawConn) close() { _ = r.conn.Close() }

func (r *rawConn) write(t *testing.T, s string) {
	t.Helper()
	_, err := r.conn.Write([]byte(s))
	require.NoError(t, err)
}

func (r *rawConn) readResponse(t *testing.T) Response {
	t.Helper()
	require.NoError(t, r.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 4096)
	for {
		n, err := r.conn.Read(buf)
		require.NoError(t, err)
		frames := r.dec.Feed(buf[:n])
		if len(frames) == 0 {
			continue
		}
		var resp Response
		require.NoError(t, json.Unmarshal(frames[0], &resp))
		return resp
	}
}

func (r *rawConn) readInit(t *testing.T) Response {
	t.Helper()
	resp := r.readResponse(t)
	require.Equal(t, InitID, resp.ID)
	return resp
}
