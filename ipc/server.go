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
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tabfleet/tabfleet/log"
)

// Handler processes decoded requests. OnDisconnect fires exactly once
// per connection, after its read loop has ended.
type Handler interface {
	Handle(ctx context.Context, workerID string, req Request) Response
	OnDisconnect(workerID string)
}

// WorkerInfo describes one live connection.
type WorkerInfo struct {
	ID            string    `json:"id"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

type serverConn struct {
	id   string
	conn net.Conn

	writeMu sync.Mutex

	mu            sync.Mutex
	connectedAt   time.Time
	lastHeartbeat time.Time
}

func (sc *serverConn) send(resp Response) error {
	frame, err := EncodeFrame(resp)
	if err != nil {
		return err
	}
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	_, err = sc.conn.Write(frame)
	return err
}

func (sc *serverConn) touch() {
	sc.mu.Lock()
	sc.lastHeartbeat = time.Now()
	sc.mu.Unlock()
}

// Server accepts worker connections on a unix socket. Each connection
// gets a broker-lifetime-unique worker id from a monotonic counter,
// pushed to the client as the init response before any request is read.
type Server struct {
	path    string
	handler Handler
	logger  *log.Logger

	nextWorker int64

	mu     sync.Mutex
	ln     net.Listener
	conns  map[string]*serverConn
	closed bool

	wg sync.WaitGroup
}

// NewServer creates a server bound to the given socket path once
// Start is called.
func NewServer(socketPath string, handler Handler, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Server{
		path:    socketPath,
		handler: handler,
		logger:  logger,
		conns:   make(map[string]*serverConn),
	}
}

// Start binds the socket and begins accepting. A stale socket file from
// a previous run is removed first.
func (s *Server) Start() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("unable to remove stale socket %s: %w", s.path, err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("unable to listen on %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.logger.Infof("ipc:server", "listening on %s", s.path)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.logger.Warnf("ipc:server", "accept failed: %v", err)
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	id := fmt.Sprintf("worker-%d", atomic.AddInt64(&s.nextWorker, 1))
	now := time.Now()
	sc := &serverConn{id: id, conn: conn, connectedAt: now, lastHeartbeat: now}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[id] = sc
	s.mu.Unlock()

	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		s.handler.OnDisconnect(id)
		s.logger.Infof("ipc:server", "worker %s disconnected", id)
	}()

	if err := sc.send(NewResult(InitID, InitResult{WorkerID: id})); err != nil {
		s.logger.Warnf("ipc:server", "init push to %s failed: %v", id, err)
		return
	}
	s.logger.Infof("ipc:server", "worker %s connected", id)

	dec := &Decoder{}
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, frame := range dec.Feed(buf[:n]) {
				sc.touch()
				s.serve(sc, frame)
			}
		}
		if err != nil {
			return
		}
	}
}

// serve decodes and dispatches one frame, writing exactly one response.
func (s *Server) serve(sc *serverConn, frame []byte) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		_ = sc.send(NewErrorResponse("", NewError(CodeParseError, "malformed request: %v", err)))
		return
	}
	if req.Method == "" {
		_ = sc.send(NewErrorResponse(req.ID, NewError(CodeInvalidRequest, "missing method")))
		return
	}

	resp := s.handler.Handle(context.Background(), sc.id, req)
	resp.ID = req.ID
	if err := sc.send(resp); err != nil {
		s.logger.Debugf("ipc:server", "response write to %s failed: %v", sc.id, err)
	}
}

// Workers snapshots the live connections.
func (s *Server) Workers() []WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerInfo, 0, len(s.conns))
	for _, sc := range s.conns {
		sc.mu.Lock()
		out = append(out, WorkerInfo{ID: sc.id, ConnectedAt: sc.connectedAt, LastHeartbeat: sc.lastHeartbeat})
		sc.mu.Unlock()
	}
	return out
}

// Close stops accepting, drops every connection, and waits for all
// per-connection goroutines, including their disconnect callbacks, to
// finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	conns := make([]*serverConn, 0, len(s.conns))
	for _, sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, sc := range conns {
		_ = sc.conn.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.path)
	return err
}
