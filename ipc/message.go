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

// Package ipc carries broker traffic over a unix socket as
// newline-delimited JSON, one message per line on both sides.
package ipc

import (
	"encoding/json"
	"fmt"
)

// Protocol error codes. These are the wire contract and must not change.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	CodeSessionNotFound    = -40001
	CodeTargetNotFound     = -40002
	CodeOwnershipViolation = -40003
	CodeNotConnected       = -40004
	CodeTimeout            = -40005
)

// InitID is the reserved response id the server pushes right after
// accept, carrying the assigned worker id.
const InitID = "init"

// Request is one client call.
type Request struct {
	ID       string          `json:"id"`
	Method   string          `json:"method"`
	Params   json.RawMessage `json:"params,omitempty"`
	WorkerID string          `json:"workerId,omitempty"`
}

// Error is the wire error object. It implements error so dispatch
// results can travel unchanged through client call sites.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("ipc error %d: %s", e.Code, e.Message)
}

// NewError creates a wire error with a formatted message.
func NewError(code int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Response answers a request, or carries a server push when ID is a
// reserved value such as InitID. Exactly one of Result and Error is set.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// NewResult builds a success response, marshaling v as the result.
func NewResult(id string, v interface{}) Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return Response{ID: id, Error: NewError(CodeInternal, "unable to encode result: %v", err)}
	}
	return Response{ID: id, Result: raw}
}

// NewErrorResponse builds a failure response.
func NewErrorResponse(id string, err *Error) Response {
	return Response{ID: id, Error: err}
}

// InitResult is the payload of the init push.
type InitResult struct {
	WorkerID string `json:"workerId"`
}
