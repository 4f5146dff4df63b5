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

// Package mcp exposes the broker as a Model Context Protocol server on
// standard in/out. It is a thin translation layer: every tool call
// becomes one IPC request, and the broker stays oblivious to the MCP
// framing.
package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/tidwall/gjson"

	"github.com/tabfleet/tabfleet/log"
)

// Caller is the slice of the IPC client the server needs; tests
// substitute fakes.
type Caller interface {
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
}

// Server bridges MCP stdio traffic to broker IPC calls.
type Server struct {
	caller Caller
	mcp    *server.MCPServer
	logger *log.Logger
}

// NewServer builds the MCP server with the full tool surface registered.
func NewServer(caller Caller, version string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	s := &Server{
		caller: caller,
		logger: logger,
		mcp: server.NewMCPServer(
			"tabfleet",
			version,
			server.WithToolCapabilities(false),
			server.WithLogging(),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// ServeStdio blocks serving the MCP session until stdin closes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func objectSchema(required []string, props map[string]interface{}) mcp.ToolInputSchema {
	return mcp.ToolInputSchema{Type: "object", Properties: props, Required: required}
}

func strProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

func numProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "number", "description": desc}
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.Tool{
		Name:        "session_create",
		Description: "Create (or fetch) a named browser session",
		InputSchema: objectSchema(nil, map[string]interface{}{
			"sessionId": strProp("Session identifier; generated when omitted"),
			"name":      strProp("Human-readable session name"),
		}),
	}, s.forward("session/create"))

	s.mcp.AddTool(mcp.Tool{
		Name:        "session_list",
		Description: "List live browser sessions",
		InputSchema: objectSchema(nil, map[string]interface{}{}),
	}, s.forward("session/list"))

	s.mcp.AddTool(mcp.Tool{
		Name:        "session_delete",
		Description: "Delete a session and close all of its tabs",
		InputSchema: objectSchema([]string{"sessionId"}, map[string]interface{}{
			"sessionId": strProp("Session identifier"),
		}),
	}, s.forward("session/delete"))

	s.mcp.AddTool(mcp.Tool{
		Name:        "browser_tab_new",
		Description: "Open a new tab in a session, optionally navigating to a URL",
		InputSchema: objectSchema([]string{"sessionId"}, map[string]interface{}{
			"sessionId": strProp("Session identifier"),
			"url":       strProp("URL to open; blank page when omitted"),
			"workerId":  strProp("Sub-browser worker to own the tab"),
		}),
	}, s.forward("tabs/create"))

	s.mcp.AddTool(mcp.Tool{
		Name:        "browser_tab_list",
		Description: "List the tabs of a session",
		InputSchema: objectSchema([]string{"sessionId"}, map[string]interface{}{
			"sessionId": strProp("Session identifier"),
		}),
	}, s.forward("tabs/list"))

	s.mcp.AddTool(mcp.Tool{
		Name:        "browser_tab_close",
		Description: "Close a tab",
		InputSchema: objectSchema([]string{"sessionId", "targetId"}, map[string]interface{}{
			"sessionId": strProp("Session identifier"),
			"targetId":  strProp("Tab target identifier"),
		}),
	}, s.forward("tabs/close"))

	s.mcp.AddTool(mcp.Tool{
		Name:        "browser_navigate",
		Description: "Navigate a tab to a URL",
		InputSchema: objectSchema([]string{"sessionId", "targetId", "url"}, map[string]interface{}{
			"sessionId": strProp("Session identifier"),
			"targetId":  strProp("Tab target identifier"),
			"url":       strProp("Destination URL"),
		}),
	}, s.forward("page/navigate"))

	s.mcp.AddTool(mcp.Tool{
		Name:        "browser_screenshot",
		Description: "Capture a PNG screenshot of a tab",
		InputSchema: objectSchema([]string{"sessionId", "targetId"}, map[string]interface{}{
			"sessionId": strProp("Session identifier"),
			"targetId":  strProp("Tab target identifier"),
		}),
	}, s.screenshot)

	s.mcp.AddTool(mcp.Tool{
		Name:        "browser_evaluate",
		Description: "Evaluate a JavaScript expression in a tab",
		InputSchema: objectSchema([]string{"sessionId", "targetId", "expression"}, map[string]interface{}{
			"sessionId":  strProp("Session identifier"),
			"targetId":   strProp("Tab target identifier"),
			"expression": strProp("JavaScript expression"),
		}),
	}, s.forward("page/evaluate"))

	s.mcp.AddTool(mcp.Tool{
		Name:        "browser_click",
		Description: "Click an element by CSS selector or reference token",
		InputSchema: objectSchema([]string{"sessionId", "targetId"}, map[string]interface{}{
			"sessionId": strProp("Session identifier"),
			"targetId":  strProp("Tab target identifier"),
			"selector":  strProp("CSS selector"),
			"ref":       strProp("Reference token from a snapshot"),
		}),
	}, s.forward("page/click"))

	s.mcp.AddTool(mcp.Tool{
		Name:        "browser_type",
		Description: "Type text into an element by CSS selector or reference token",
		InputSchema: objectSchema([]string{"sessionId", "targetId", "text"}, map[string]interface{}{
			"sessionId": strProp("Session identifier"),
			"targetId":  strProp("Tab target identifier"),
			"selector":  strProp("CSS selector"),
			"ref":       strProp("Reference token from a snapshot"),
			"text":      strProp("Text to type"),
		}),
	}, s.forward("page/type"))

	s.mcp.AddTool(mcp.Tool{
		Name:        "browser_scroll",
		Description: "Scroll a tab by pixel deltas",
		InputSchema: objectSchema([]string{"sessionId", "targetId"}, map[string]interface{}{
			"sessionId": strProp("Session identifier"),
			"targetId":  strProp("Tab target identifier"),
			"dx":        numProp("Horizontal delta in pixels"),
			"dy":        numProp("Vertical delta in pixels"),
		}),
	}, s.forward("page/scroll"))

	s.mcp.AddTool(mcp.Tool{
		Name:        "browser_snapshot",
		Description: "Return the accessibility tree of a tab",
		InputSchema: objectSchema([]string{"sessionId", "targetId"}, map[string]interface{}{
			"sessionId": strProp("Session identifier"),
			"targetId":  strProp("Tab target identifier"),
		}),
	}, s.forward("page/get-a11y-tree"))

	s.mcp.AddTool(mcp.Tool{
		Name:        "cdp_execute",
		Description: "Send a raw debug-protocol command to a tab",
		InputSchema: objectSchema([]string{"sessionId", "targetId", "method"}, map[string]interface{}{
			"sessionId": strProp("Session identifier"),
			"targetId":  strProp("Tab target identifier"),
			"method":    strProp("Protocol method, e.g. Network.getCookies"),
			"params":    map[string]interface{}{"type": "object", "description": "Protocol parameters"},
		}),
	}, s.forward("cdp/execute"))
}

func (s *Server) registerResources() {
	s.mcp.AddResource(mcp.NewResource(
		"tabfleet://sessions",
		"Live sessions",
		mcp.WithResourceDescription("JSON list of live broker sessions"),
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		raw, err := s.caller.Call(ctx, "session/list", nil)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(raw),
		}}, nil
	})
}

// forward produces a handler that passes the tool arguments through to
// one IPC method and relays the JSON result.
func (s *Server) forward(method string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args map[string]interface{}
		if err := request.BindArguments(&args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		raw, err := s.caller.Call(ctx, method, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(raw)), nil
	}
}

// screenshot needs special handling to return image content.
func (s *Server) screenshot(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args map[string]interface{}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	raw, err := s.caller.Call(ctx, "page/screenshot", args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data := gjson.GetBytes(raw, "data").String()
	if data == "" {
		return mcp.NewToolResultError("empty screenshot"), nil
	}
	if _, err := base64.StdEncoding.DecodeString(data); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("malformed screenshot payload: %v", err)), nil
	}
	return mcp.NewToolResultImage("screenshot", data, "image/png"), nil
}
