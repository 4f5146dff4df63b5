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

package registry

import (
	"context"
	"time"

	"github.com/tabfleet/tabfleet/cdp"
)

// scheduleReap arms a one-shot sweep for orphan blank pages. Browsers
// under site-isolated renderer swaps can spawn extra blank page targets
// as a side effect of target creation; any blank page that was not there
// before the creation, is not the created target, is unowned, and is not
// sitting in the page pool gets closed.
func (r *Registry) scheduleReap(drv Driver, preExisting map[string]bool, newTargetID string) {
	var timer *time.Timer
	timer = time.AfterFunc(r.opts.OrphanReapDelay, func() {
		defer func() {
			r.reapersMu.Lock()
			delete(r.reapers, timer)
			r.reapersMu.Unlock()
		}()

		select {
		case <-r.stopCh:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.reapOrphans(ctx, drv, preExisting, newTargetID)
	})

	r.reapersMu.Lock()
	r.reapers[timer] = struct{}{}
	r.reapersMu.Unlock()
}

func (r *Registry) reapOrphans(ctx context.Context, drv Driver, preExisting map[string]bool, newTargetID string) {
	targets, err := drv.ListPageTargets(ctx)
	if err != nil {
		r.logger.Debugf("registry:reaper", "target listing failed: %v", err)
		return
	}
	for _, t := range targets {
		if t.URL != cdp.BlankPageURL {
			continue
		}
		if preExisting[t.ID] || t.ID == newTargetID {
			continue
		}
		r.mu.Lock()
		_, owned := r.owners[t.ID]
		r.mu.Unlock()
		if owned {
			continue
		}
		if r.deps.PagePool != nil && r.deps.PagePool.Contains(t.ID) {
			continue
		}
		if err := drv.CloseTarget(ctx, t.ID); err != nil {
			r.logger.Debugf("registry:reaper", "orphan close failed for %s: %v", t.ID, err)
			continue
		}
		r.logger.Infof("registry:reaper", "closed orphan blank page %s", t.ID)
	}
}
