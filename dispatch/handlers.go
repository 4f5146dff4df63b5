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

package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tabfleet/tabfleet/cdp"
	"github.com/tabfleet/tabfleet/ipc"
	"github.com/tabfleet/tabfleet/registry"
	"github.com/tabfleet/tabfleet/router"
)

// --- sessions ---

func (d *Dispatcher) sessionCreate(ctx context.Context, workerID string, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		Name      string `json:"name"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return d.reg.CreateSession(ctx, registry.CreateSessionOptions{
		ID:          p.SessionID,
		Name:        p.Name,
		OwnerConnID: workerID,
	})
}

func (d *Dispatcher) sessionGet(ctx context.Context, _ string, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return d.reg.GetSession(p.SessionID)
}

func (d *Dispatcher) sessionList(ctx context.Context, _ string, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"sessions": d.reg.ListSessions()}, nil
}

func (d *Dispatcher) sessionDelete(ctx context.Context, _ string, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := d.reg.DeleteSession(ctx, p.SessionID); err != nil {
		return nil, err
	}
	if d.light != nil {
		d.light.DropSession(p.SessionID)
	}
	return map[string]bool{"deleted": true}, nil
}

// --- tabs ---

func (d *Dispatcher) tabsCreate(ctx context.Context, workerID string, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		URL       string `json:"url"`
		WorkerID  string `json:"workerId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.URL != "" && p.URL != cdp.BlankPageURL && d.guard != nil {
		if err := d.guard.CheckURL(p.URL); err != nil {
			return nil, err
		}
	}
	if _, err := d.reg.GetOrCreateSession(ctx, p.SessionID, workerID); err != nil {
		return nil, err
	}
	targetID, tabWorkerID, err := d.reg.CreateTarget(ctx, p.SessionID, p.URL, p.WorkerID)
	if err != nil {
		return nil, err
	}
	if d.light != nil {
		if _, err := d.light.Ensure(ctx, p.SessionID, targetID); err != nil {
			d.logger.Debugf("dispatch", "light mirror for %s unavailable: %v", targetID, err)
		}
	}
	return map[string]string{"targetId": targetID, "workerId": tabWorkerID}, nil
}

func (d *Dispatcher) tabsList(ctx context.Context, _ string, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	targets, err := d.reg.ListTargets(p.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"targets": targets}, nil
}

func (d *Dispatcher) tabsClose(ctx context.Context, _ string, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		TargetID  string `json:"targetId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := d.reg.CloseTarget(ctx, p.SessionID, p.TargetID); err != nil {
		return nil, err
	}
	if d.light != nil {
		d.light.Drop(p.SessionID, p.TargetID)
	}
	return map[string]bool{"closed": true}, nil
}

// --- page operations ---

type pageParams struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId"`
}

// routeLight returns the light mirror page when the router picks the
// light backend for this tool, nil otherwise.
func (d *Dispatcher) routeLight(tool, sessionID, targetID string) registry.Page {
	if d.rtr == nil || d.light == nil {
		return nil
	}
	lp := d.light.Peek(sessionID, targetID)
	var probe router.Page
	if lp != nil {
		probe = lp
	}
	dec := d.rtr.Route(tool, probe)
	if dec.Backend == router.BackendLight {
		return lp
	}
	return nil
}

func (d *Dispatcher) pageNavigate(ctx context.Context, _ string, params json.RawMessage) (interface{}, error) {
	var p struct {
		pageParams
		URL string `json:"url"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if d.guard != nil {
		if err := d.guard.CheckURL(p.URL); err != nil {
			return nil, err
		}
	}

	if lp := d.routeLight("navigate", p.SessionID, p.TargetID); lp != nil {
		if err := lp.Navigate(ctx, p.URL); err == nil {
			return map[string]interface{}{"url": p.URL, "backend": "light"}, nil
		}
		d.rtr.RecordFailure()
	}

	_, err := d.reg.Execute(ctx, p.SessionID, p.TargetID, func(ctx context.Context, page registry.Page) (interface{}, error) {
		return nil, page.Navigate(ctx, p.URL)
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"url": p.URL, "backend": "heavy"}, nil
}

func (d *Dispatcher) pageScreenshot(ctx context.Context, _ string, params json.RawMessage) (interface{}, error) {
	var p pageParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	res, err := d.reg.Execute(ctx, p.SessionID, p.TargetID, func(ctx context.Context, page registry.Page) (interface{}, error) {
		return page.Screenshot(ctx)
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"data": res, "format": "png"}, nil
}

func (d *Dispatcher) pagePDF(ctx context.Context, _ string, params json.RawMessage) (interface{}, error) {
	var p pageParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	res, err := d.reg.Execute(ctx, p.SessionID, p.TargetID, func(ctx context.Context, page registry.Page) (interface{}, error) {
		return page.PDF(ctx)
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"data": res, "format": "pdf"}, nil
}

func (d *Dispatcher) pageEvaluate(ctx context.Context, _ string, params json.RawMessage) (interface{}, error) {
	var p struct {
		pageParams
		Expression string `json:"expression"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Expression == "" {
		return nil, ipc.NewError(ipc.CodeInvalidParams, "missing expression")
	}

	if lp := d.routeLight("evaluate", p.SessionID, p.TargetID); lp != nil {
		if val, err := lp.Evaluate(ctx, p.Expression); err == nil {
			return map[string]interface{}{"value": val, "backend": "light"}, nil
		}
		d.rtr.RecordFailure()
	}

	res, err := d.reg.Execute(ctx, p.SessionID, p.TargetID, func(ctx context.Context, page registry.Page) (interface{}, error) {
		return page.Evaluate(ctx, p.Expression)
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"value": res, "backend": "heavy"}, nil
}

func (d *Dispatcher) pageClick(ctx context.Context, _ string, params json.RawMessage) (interface{}, error) {
	var p struct {
		pageParams
		Selector string `json:"selector"`
		Ref      string `json:"ref"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Selector == "" && p.Ref == "" {
		return nil, ipc.NewError(ipc.CodeInvalidParams, "either selector or ref is required")
	}

	var nodeID int64
	if p.Ref != "" {
		id, ok := d.reg.Refs().Resolve(p.SessionID, p.TargetID, p.Ref)
		if !ok {
			return nil, ipc.NewError(ipc.CodeInvalidParams, "unresolvable reference %q", p.Ref)
		}
		nodeID = id
	}

	_, err := d.reg.Execute(ctx, p.SessionID, p.TargetID, func(ctx context.Context, page registry.Page) (interface{}, error) {
		if nodeID != 0 {
			return nil, page.ClickNode(ctx, nodeID)
		}
		return nil, page.Click(ctx, p.Selector)
	})
	if err != nil {
		return nil, err
	}
	return map[string]bool{"clicked": true}, nil
}

func (d *Dispatcher) pageType(ctx context.Context, _ string, params json.RawMessage) (interface{}, error) {
	var p struct {
		pageParams
		Selector string `json:"selector"`
		Ref      string `json:"ref"`
		Text     string `json:"text"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Selector == "" && p.Ref == "" {
		return nil, ipc.NewError(ipc.CodeInvalidParams, "either selector or ref is required")
	}

	var nodeID int64
	if p.Ref != "" {
		id, ok := d.reg.Refs().Resolve(p.SessionID, p.TargetID, p.Ref)
		if !ok {
			return nil, ipc.NewError(ipc.CodeInvalidParams, "unresolvable reference %q", p.Ref)
		}
		nodeID = id
	}

	_, err := d.reg.Execute(ctx, p.SessionID, p.TargetID, func(ctx context.Context, page registry.Page) (interface{}, error) {
		if nodeID != 0 {
			return nil, page.TypeNode(ctx, nodeID, p.Text)
		}
		return nil, page.Type(ctx, p.Selector, p.Text)
	})
	if err != nil {
		return nil, err
	}
	return map[string]bool{"typed": true}, nil
}

func (d *Dispatcher) pageScroll(ctx context.Context, _ string, params json.RawMessage) (interface{}, error) {
	var p struct {
		pageParams
		DX float64 `json:"dx"`
		DY float64 `json:"dy"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	_, err := d.reg.Execute(ctx, p.SessionID, p.TargetID, func(ctx context.Context, page registry.Page) (interface{}, error) {
		return nil, page.Scroll(ctx, p.DX, p.DY)
	})
	if err != nil {
		return nil, err
	}
	return map[string]bool{"scrolled": true}, nil
}

func (d *Dispatcher) pageA11yTree(ctx context.Context, _ string, params json.RawMessage) (interface{}, error) {
	var p pageParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	res, err := d.reg.Execute(ctx, p.SessionID, p.TargetID, func(ctx context.Context, page registry.Page) (interface{}, error) {
		return page.AccessibilityTree(ctx)
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"tree": res}, nil
}

func (d *Dispatcher) pageEscalate(ctx context.Context, _ string, params json.RawMessage) (interface{}, error) {
	var p pageParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if d.rtr == nil || d.light == nil {
		return nil, ipc.NewError(ipc.CodeInvalidRequest, "hybrid routing is disabled")
	}
	lp := d.light.Peek(p.SessionID, p.TargetID)
	if lp == nil {
		return nil, ipc.NewError(ipc.CodeInvalidParams, "no light page for target %s", p.TargetID)
	}
	heavy, err := d.reg.GetPage(p.SessionID, p.TargetID, "")
	if err != nil {
		return nil, err
	}
	res := d.rtr.Escalate(ctx, lp, heavy)
	d.light.Drop(p.SessionID, p.TargetID)
	return res, nil
}

// --- raw protocol passthrough ---

func (d *Dispatcher) cdpExecute(ctx context.Context, _ string, params json.RawMessage) (interface{}, error) {
	var p struct {
		pageParams
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Method == "" {
		return nil, ipc.NewError(ipc.CodeInvalidParams, "missing method")
	}
	res, err := d.reg.ExecuteCommand(ctx, p.SessionID, p.TargetID, p.Method, p.Params)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"result": res}, nil
}

// --- reference ids ---

func (d *Dispatcher) refsSet(ctx context.Context, _ string, params json.RawMessage) (interface{}, error) {
	var p struct {
		pageParams
		NodeID int64  `json:"nodeId"`
		Role   string `json:"role"`
		Name   string `json:"name"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.NodeID <= 0 {
		return nil, ipc.NewError(ipc.CodeInvalidParams, "nodeId must be positive")
	}
	ref := d.reg.Refs().Generate(p.SessionID, p.TargetID, p.NodeID, p.Role, p.Name)
	return map[string]string{"ref": ref}, nil
}

func (d *Dispatcher) refsGet(ctx context.Context, _ string, params json.RawMessage) (interface{}, error) {
	var p struct {
		pageParams
		Ref string `json:"ref"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	id, ok := d.reg.Refs().Resolve(p.SessionID, p.TargetID, p.Ref)
	if !ok {
		return nil, ipc.NewError(ipc.CodeInvalidParams, "unresolvable reference %q", p.Ref)
	}
	return map[string]int64{"nodeId": id}, nil
}

func (d *Dispatcher) refsClear(ctx context.Context, _ string, params json.RawMessage) (interface{}, error) {
	var p pageParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.TargetID != "" {
		d.reg.Refs().ClearTarget(p.SessionID, p.TargetID)
	} else {
		d.reg.Refs().ClearSession(p.SessionID)
	}
	return map[string]bool{"cleared": true}, nil
}

// --- worker liveness ---

func (d *Dispatcher) workerRegister(ctx context.Context, workerID string, _ json.RawMessage) (interface{}, error) {
	return ipc.InitResult{WorkerID: workerID}, nil
}

func (d *Dispatcher) workerHeartbeat(ctx context.Context, _ string, _ json.RawMessage) (interface{}, error) {
	return map[string]string{"time": time.Now().UTC().Format(time.RFC3339Nano)}, nil
}

// --- status ---

func (d *Dispatcher) brokerStatus(ctx context.Context, _ string, _ json.RawMessage) (interface{}, error) {
	st := map[string]interface{}{"registry": d.reg.Stats()}
	if d.rtr != nil {
		st["router"] = d.rtr.Stats()
		st["circuitOpen"] = d.rtr.CircuitOpen()
	}
	return st, nil
}
