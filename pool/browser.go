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

package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tabfleet/tabfleet/log"
)

// ErrInstanceUnavailable is returned when no instance can be acquired for
// an origin and the per-origin limit is exhausted.
var ErrInstanceUnavailable = errors.New("no browser instance available for origin")

// Spawner starts a browser process with a debugging endpoint on port and
// returns a stop function. The process must be accepting debug-protocol
// connections when Spawner returns.
type Spawner func(ctx context.Context, port int) (stop func(), err error)

// HealthProbe checks whether the instance on port is reachable.
type HealthProbe func(ctx context.Context, port int) bool

// Instance describes one pooled browser process.
type Instance struct {
	Port        int
	Origin      string
	refs        int
	lastRelease time.Time
	stop        func()
}

// BrowserPool maintains browser instances keyed by origin, for
// site-isolation workloads. Instances are reference counted and shut
// down after a minimum idle time at zero refs.
type BrowserPool struct {
	mu        sync.Mutex
	instances map[string][]*Instance

	maxPerOrigin int
	idleTime     time.Duration
	nextPort     int

	spawn  Spawner
	probe  HealthProbe
	logger *log.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewBrowserPool creates a pool that allocates debugging ports upward
// from basePort.
func NewBrowserPool(
	basePort, maxPerOrigin int, idleTime time.Duration,
	spawn Spawner, probe HealthProbe, logger *log.Logger,
) *BrowserPool {
	return &BrowserPool{
		instances:    make(map[string][]*Instance),
		maxPerOrigin: maxPerOrigin,
		idleTime:     idleTime,
		nextPort:     basePort,
		spawn:        spawn,
		probe:        probe,
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
}

// Acquire returns the port of an instance serving origin. An idle
// instance is reused; when every instance is busy a new process is
// spawned up to the per-origin limit, after which the least-referenced
// one is shared.
func (p *BrowserPool) Acquire(ctx context.Context, origin string) (int, error) {
	p.mu.Lock()
	var best *Instance
	for _, inst := range p.instances[origin] {
		if best == nil || inst.refs < best.refs {
			best = inst
		}
	}
	if best != nil && (best.refs == 0 || len(p.instances[origin]) >= p.maxPerOrigin) {
		best.refs++
		port := best.Port
		p.mu.Unlock()
		return port, nil
	}
	if best == nil && len(p.instances[origin]) >= p.maxPerOrigin {
		p.mu.Unlock()
		return 0, ErrInstanceUnavailable
	}
	p.nextPort++
	port := p.nextPort
	p.mu.Unlock()

	stop, err := p.spawn(ctx, port)
	if err != nil {
		return 0, err
	}

	inst := &Instance{Port: port, Origin: origin, refs: 1, stop: stop}
	p.mu.Lock()
	p.instances[origin] = append(p.instances[origin], inst)
	p.mu.Unlock()
	p.logger.Infof("pool:browser", "spawned instance for %s on port %d", origin, port)
	return port, nil
}

// Release decrements the refcount of the instance on port. An instance
// at zero refs is shut down once it has been idle past the minimum.
func (p *BrowserPool) Release(port int, origin string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, inst := range p.instances[origin] {
		if inst.Port != port {
			continue
		}
		if inst.refs > 0 {
			inst.refs--
		}
		if inst.refs == 0 {
			inst.lastRelease = time.Now()
		}
		return
	}
}

// Start launches the periodic health check and idle-shutdown sweep.
func (p *BrowserPool) Start(interval time.Duration) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.sweep()
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the sweep loop and shuts every instance down.
func (p *BrowserPool) Stop() {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	var all []*Instance
	for origin, list := range p.instances {
		all = append(all, list...)
		delete(p.instances, origin)
	}
	p.mu.Unlock()

	for _, inst := range all {
		inst.stop()
	}
}

// Stats reports instance counts per origin.
func (p *BrowserPool) Stats() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.instances))
	for origin, list := range p.instances {
		out[origin] = len(list)
	}
	return out
}

// sweep probes every instance in parallel, removes unreachable ones, and
// shuts down instances idle past the minimum at zero refs. Workers bound
// to a removed instance fail on next use.
func (p *BrowserPool) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p.mu.Lock()
	var candidates []*Instance
	for _, list := range p.instances {
		candidates = append(candidates, list...)
	}
	p.mu.Unlock()

	unhealthy := make(map[int]bool)
	var unhealthyMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range candidates {
		inst := inst
		g.Go(func() error {
			if !p.probe(gctx, inst.Port) {
				unhealthyMu.Lock()
				unhealthy[inst.Port] = true
				unhealthyMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	now := time.Now()
	var doomed []*Instance
	p.mu.Lock()
	for origin, list := range p.instances {
		kept := list[:0]
		for _, inst := range list {
			expired := inst.refs == 0 && !inst.lastRelease.IsZero() && now.Sub(inst.lastRelease) >= p.idleTime
			if unhealthy[inst.Port] || expired {
				doomed = append(doomed, inst)
				continue
			}
			kept = append(kept, inst)
		}
		if len(kept) == 0 {
			delete(p.instances, origin)
		} else {
			p.instances[origin] = kept
		}
	}
	p.mu.Unlock()

	for _, inst := range doomed {
		p.logger.Infof("pool:browser", "removing instance on port %d (origin %s)", inst.Port, inst.Origin)
		inst.stop()
	}
}
