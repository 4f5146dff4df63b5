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

// Package dispatch maps IPC method names to broker operations and turns
// their tagged errors into stable wire codes.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tabfleet/tabfleet/guard"
	"github.com/tabfleet/tabfleet/ipc"
	"github.com/tabfleet/tabfleet/log"
	"github.com/tabfleet/tabfleet/registry"
	"github.com/tabfleet/tabfleet/router"
)

// handlerFunc runs one decoded request. workerID is the IPC connection's
// broker-assigned id, not a session worker.
type handlerFunc func(ctx context.Context, workerID string, params json.RawMessage) (interface{}, error)

// Dispatcher implements ipc.Handler over the registry, router, and
// safety utilities.
type Dispatcher struct {
	reg    *registry.Registry
	rtr    *router.Router
	light  LightBackend
	guard  *guard.Blocklist
	logger *log.Logger

	cleanupTimeout time.Duration

	handlers map[string]handlerFunc
}

// New wires a dispatcher. rtr and light may be nil when hybrid routing
// is disabled; blocklist may be nil to allow all domains.
func New(reg *registry.Registry, rtr *router.Router, light LightBackend, blocklist *guard.Blocklist, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	d := &Dispatcher{
		reg:            reg,
		rtr:            rtr,
		light:          light,
		guard:          blocklist,
		logger:         logger,
		cleanupTimeout: 30 * time.Second,
	}
	d.handlers = map[string]handlerFunc{
		"session/create": d.sessionCreate,
		"session/get":    d.sessionGet,
		"session/list":   d.sessionList,
		"session/delete": d.sessionDelete,

		"tabs/create": d.tabsCreate,
		"tabs/list":   d.tabsList,
		"tabs/close":  d.tabsClose,

		"page/navigate":      d.pageNavigate,
		"page/screenshot":    d.pageScreenshot,
		"page/pdf":           d.pagePDF,
		"page/evaluate":      d.pageEvaluate,
		"page/click":         d.pageClick,
		"page/type":          d.pageType,
		"page/scroll":        d.pageScroll,
		"page/get-a11y-tree": d.pageA11yTree,
		"page/escalate":      d.pageEscalate,

		"cdp/execute": d.cdpExecute,

		"refs/set":   d.refsSet,
		"refs/get":   d.refsGet,
		"refs/clear": d.refsClear,

		"worker/register":  d.workerRegister,
		"worker/heartbeat": d.workerHeartbeat,

		"broker/status": d.brokerStatus,
	}
	return d
}

// Handle looks up and runs the handler for one request.
func (d *Dispatcher) Handle(ctx context.Context, workerID string, req ipc.Request) ipc.Response {
	h, ok := d.handlers[req.Method]
	if !ok {
		return ipc.NewErrorResponse(req.ID, ipc.NewError(ipc.CodeMethodNotFound, "unknown method %q", req.Method))
	}
	res, err := h(ctx, workerID, req.Params)
	if err != nil {
		d.logger.Debugf("dispatch", "%s failed: %v", req.Method, err)
		return ipc.NewErrorResponse(req.ID, wireError(err))
	}
	return ipc.NewResult(req.ID, res)
}

// OnDisconnect tears down every session owned by the dropped connection.
func (d *Dispatcher) OnDisconnect(workerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cleanupTimeout)
	defer cancel()
	removed := d.reg.CleanupWorker(ctx, workerID)
	if d.light != nil {
		for _, sessionID := range removed {
			d.light.DropSession(sessionID)
		}
	}
	if len(removed) > 0 {
		d.logger.Infof("dispatch", "cleaned up %d sessions after %s disconnected", len(removed), workerID)
	}
}

// decode unmarshals params, treating absence as an empty object.
func decode(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return ipc.NewError(ipc.CodeInvalidParams, "malformed params: %v", err)
	}
	return nil
}
