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

// Package registry owns the session → worker → target tree, the global
// target owner map, and every lifecycle rule attached to them: ownership
// validation, TTL eviction, orphan reaping, and resource release.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabfleet/tabfleet/log"
	"github.com/tabfleet/tabfleet/pool"
	"github.com/tabfleet/tabfleet/queue"
	"github.com/tabfleet/tabfleet/refs"
	"github.com/tabfleet/tabfleet/storage"
)

var sessionIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Options tune registry behavior; zero values fall back to the defaults
// below.
type Options struct {
	MaxSessions          int
	MaxWorkersPerSession int
	SessionTTL           time.Duration
	CleanupInterval      time.Duration
	AutoCleanup          bool

	// UseDefaultContext places default workers in the browser's shared
	// profile instead of a fresh isolation context.
	UseDefaultContext bool

	// OrphanReapDelay is how long after target creation the blank-page
	// reaper fires.
	OrphanReapDelay time.Duration
}

func (o *Options) fillDefaults() {
	if o.MaxSessions == 0 {
		o.MaxSessions = 100
	}
	if o.MaxWorkersPerSession == 0 {
		o.MaxWorkersPerSession = 50
	}
	if o.SessionTTL == 0 {
		o.SessionTTL = 30 * time.Minute
	}
	if o.CleanupInterval == 0 {
		o.CleanupInterval = time.Minute
	}
	if o.OrphanReapDelay == 0 {
		o.OrphanReapDelay = 500 * time.Millisecond
	}
}

// Deps are the registry's collaborators, wired at composition time. Only
// Driver is required.
type Deps struct {
	Driver        Driver
	DriverForPort func(port int) (Driver, error)
	PagePool      *pool.PagePool
	BrowserPool   *pool.BrowserPool
	State         *storage.Manager
	Logger        *log.Logger
}

// Registry is safe for concurrent use; one mutex guards the session
// tree, the owner map, and the page handles together so the ownership
// bijection holds at every unlock.
type Registry struct {
	opts   Options
	driver Driver
	deps   Deps
	queues *queue.Manager
	refs   *refs.Manager
	logger *log.Logger

	mu          sync.Mutex
	sessions    map[string]*Session
	owners      map[string]Owner
	pages       map[string]Page
	pooledPages map[string]bool
	portDrivers map[int]Driver
	subs        []func(Event)
	closed      bool
	startedAt   time.Time
	lastCleanup time.Time

	reapersMu sync.Mutex
	reapers   map[*time.Timer]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a registry. The driver's target-destroyed events feed the
// registry so tabs closed behind its back are reaped from the tree.
func New(opts Options, deps Deps) *Registry {
	opts.fillDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = log.NewNullLogger()
	}
	r := &Registry{
		opts:        opts,
		driver:      deps.Driver,
		deps:        deps,
		queues:      queue.NewManager(),
		refs:        refs.NewManager(),
		logger:      logger,
		sessions:    make(map[string]*Session),
		owners:      make(map[string]Owner),
		pages:       make(map[string]Page),
		pooledPages: make(map[string]bool),
		portDrivers: make(map[int]Driver),
		reapers:     make(map[*time.Timer]struct{}),
		startedAt:   time.Now(),
		stopCh:      make(chan struct{}),
	}
	if r.driver != nil {
		r.driver.OnTargetDestroyed(r.handleTargetDestroyed)
	}
	return r
}

// Refs exposes the registry's reference-id manager.
func (r *Registry) Refs() *refs.Manager { return r.refs }

// Subscribe registers a lifecycle event subscriber. Call before the
// registry serves traffic; publishing is synchronous under the registry
// lock.
func (r *Registry) Subscribe(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

func (r *Registry) publishLocked(ev Event) {
	for _, fn := range r.subs {
		fn(ev)
	}
}

// Start launches the periodic TTL cleanup sweep when auto-cleanup is on.
func (r *Registry) Start() {
	if !r.opts.AutoCleanup {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.opts.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				evicted := r.CleanupInactive(ctx, r.opts.SessionTTL)
				cancel()
				if len(evicted) > 0 {
					r.logger.Infof("registry:cleanup", "evicted %d inactive session(s)", len(evicted))
				}
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Close stops background work and tears down every session. No task
// scheduled by the registry runs after Close returns.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var plans []releasePlan
	for id := range r.sessions {
		plans = append(plans, r.removeSessionLocked(id, EventSessionDeleted))
	}
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()

	r.reapersMu.Lock()
	for t := range r.reapers {
		t.Stop()
	}
	r.reapers = make(map[*time.Timer]struct{})
	r.reapersMu.Unlock()

	for _, plan := range plans {
		r.executeRelease(ctx, plan)
	}
}

// --- session operations ---

// CreateSessionOptions name the new session and tie it to its creating
// IPC connection.
type CreateSessionOptions struct {
	ID          string
	Name        string
	OwnerConnID string
}

// CreateSession creates a session with its default worker. When the
// registry is full it runs one eviction sweep; if that frees nothing the
// call fails with ErrSessionLimitReached. Creating an id that already
// exists returns the existing session.
func (r *Registry) CreateSession(ctx context.Context, opts CreateSessionOptions) (SessionInfo, error) {
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	if !sessionIDRe.MatchString(id) {
		return SessionInfo{}, fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return SessionInfo{}, ErrRegistryClosed
	}
	if s, ok := r.sessions[id]; ok {
		r.touchLocked(s)
		info := s.Info()
		r.mu.Unlock()
		return info, nil
	}
	if len(r.sessions) >= r.opts.MaxSessions {
		plans := r.evictInactiveLocked(r.opts.SessionTTL)
		if len(plans) == 0 {
			r.mu.Unlock()
			return SessionInfo{}, ErrSessionLimitReached
		}
		r.mu.Unlock()
		for _, plan := range plans {
			r.executeRelease(ctx, plan)
		}
		r.mu.Lock()
		if len(r.sessions) >= r.opts.MaxSessions {
			r.mu.Unlock()
			return SessionInfo{}, ErrSessionLimitReached
		}
	}

	now := time.Now()
	s := &Session{
		ID:              id,
		Name:            opts.Name,
		CreatedAt:       now,
		LastActivityAt:  now,
		DefaultWorkerID: DefaultWorkerName,
		Workers:         make(map[string]*Worker),
		OwnerConnID:     opts.OwnerConnID,
	}
	s.Workers[DefaultWorkerName] = &Worker{
		ID:             DefaultWorkerName,
		Name:           DefaultWorkerName,
		Targets:        make(map[string]struct{}),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	r.sessions[id] = s
	r.publishLocked(Event{Type: EventSessionCreated, SessionID: id})
	info := s.Info()
	r.mu.Unlock()

	r.logger.Infof("registry:createSession", "id=%s name=%q owner=%s", id, opts.Name, opts.OwnerConnID)
	return info, nil
}

// GetOrCreateSession returns the session, creating it on first sight of
// the id.
func (r *Registry) GetOrCreateSession(ctx context.Context, id, ownerConnID string) (SessionInfo, error) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		r.touchLocked(s)
		info := s.Info()
		r.mu.Unlock()
		return info, nil
	}
	r.mu.Unlock()
	return r.CreateSession(ctx, CreateSessionOptions{ID: id, OwnerConnID: ownerConnID})
}

// GetSession returns the session's info and refreshes its activity.
func (r *Registry) GetSession(id string) (SessionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	r.touchLocked(s)
	return s.Info(), nil
}

// ListSessions snapshots every live session.
func (r *Registry) ListSessions() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	return out
}

// Touch refreshes the session's activity clock.
func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	r.touchLocked(s)
	return nil
}

// DeleteSession removes a session and releases everything it owned. Each
// release step is guarded independently; driver failures during teardown
// are logged, never propagated.
func (r *Registry) DeleteSession(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	plan := r.removeSessionLocked(id, EventSessionDeleted)
	r.mu.Unlock()

	r.executeRelease(ctx, plan)
	r.logger.Infof("registry:deleteSession", "id=%s", id)
	return nil
}

// CleanupWorker deletes every session owned by an IPC connection. Called
// by the dispatcher when the connection drops.
func (r *Registry) CleanupWorker(ctx context.Context, connID string) []string {
	r.mu.Lock()
	var plans []releasePlan
	var ids []string
	for id, s := range r.sessions {
		if s.OwnerConnID == connID {
			plans = append(plans, r.removeSessionLocked(id, EventSessionDeleted))
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, plan := range plans {
		r.executeRelease(ctx, plan)
	}
	if len(ids) > 0 {
		r.logger.Infof("registry:cleanupWorker", "conn=%s removed %d session(s)", connID, len(ids))
	}
	return ids
}

// CleanupInactive evicts every session untouched for longer than maxAge
// and returns their ids. After a sweep that evicted anything it sends a
// single best-effort GC hint to the browser.
func (r *Registry) CleanupInactive(ctx context.Context, maxAge time.Duration) []string {
	r.mu.Lock()
	plans := r.evictInactiveLocked(maxAge)
	r.lastCleanup = time.Now()
	r.mu.Unlock()

	ids := make([]string, 0, len(plans))
	for _, plan := range plans {
		r.executeRelease(ctx, plan)
		ids = append(ids, plan.sessionID)
	}
	if len(ids) > 0 && r.driver != nil {
		r.driver.CollectGarbage(ctx)
	}
	return ids
}

// --- worker operations ---

// WorkerOptions shape a new worker.
type WorkerOptions struct {
	Name string
	// TargetURL, with a configured browser pool, binds the worker to a
	// pooled instance for that URL's origin.
	TargetURL string
}

// CreateWorker adds a worker to a session.
func (r *Registry) CreateWorker(ctx context.Context, sessionID string, opts WorkerOptions) (*Worker, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if len(s.Workers) >= r.opts.MaxWorkersPerSession {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrWorkerLimitReached, sessionID)
	}
	r.touchLocked(s)
	r.mu.Unlock()

	var port int
	var origin string
	if opts.TargetURL != "" && r.deps.BrowserPool != nil {
		origin = originOf(opts.TargetURL)
		if origin != "" {
			p, err := r.deps.BrowserPool.Acquire(ctx, origin)
			if err != nil {
				return nil, fmt.Errorf("unable to acquire browser instance for %s: %w", origin, err)
			}
			port = p
		}
	}

	now := time.Now()
	w := &Worker{
		ID:             uuid.New().String()[:8],
		Name:           opts.Name,
		Targets:        make(map[string]struct{}),
		Port:           port,
		PoolOrigin:     origin,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if w.Name == "" {
		w.Name = w.ID
	}

	r.mu.Lock()
	s, ok = r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		if port != 0 {
			r.deps.BrowserPool.Release(port, origin)
		}
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s.Workers[w.ID] = w
	r.touchLocked(s)
	r.publishLocked(Event{Type: EventWorkerCreated, SessionID: sessionID, WorkerID: w.ID})
	r.mu.Unlock()

	r.logger.Infof("registry:createWorker", "session=%s worker=%s port=%d", sessionID, w.ID, port)
	return w, nil
}

// DeleteWorker removes a non-default worker and releases its resources.
func (r *Registry) DeleteWorker(ctx context.Context, sessionID, workerID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	w, ok := s.Workers[workerID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrWorkerNotFound, sessionID, workerID)
	}
	if workerID == s.DefaultWorkerID {
		r.mu.Unlock()
		return ErrCannotDeleteDefaultWorker
	}
	wr := r.removeWorkerLocked(s, w)
	r.touchLocked(s)
	r.publishLocked(Event{Type: EventWorkerDeleted, SessionID: sessionID, WorkerID: workerID})
	r.mu.Unlock()

	r.releaseWorker(ctx, sessionID, wr)
	r.logger.Infof("registry:deleteWorker", "session=%s worker=%s", sessionID, workerID)
	return nil
}

// --- target operations ---

// CreateTarget opens a tab in the session, resolving the worker (default
// when unspecified). Pooled pages are used for default-profile workers on
// the main browser; driver failures on the pooled path are retried once
// without the pool.
func (r *Registry) CreateTarget(ctx context.Context, sessionID, targetURL, workerID string) (string, string, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return "", "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if workerID == "" {
		workerID = s.DefaultWorkerID
	}
	w, ok := s.Workers[workerID]
	if !ok {
		r.mu.Unlock()
		return "", "", fmt.Errorf("%w: %s/%s", ErrWorkerNotFound, sessionID, workerID)
	}
	r.touchLocked(s)
	firstTarget := s.TargetCount() == 0
	port := w.Port
	contextID := w.ContextID
	needsContext := !r.opts.UseDefaultContext && contextID == ""
	r.mu.Unlock()

	drv, err := r.driverFor(port)
	if err != nil {
		return "", "", err
	}

	// Snapshot existing page targets so the reaper can tell apart blank
	// pages the browser spawns during cross-origin navigation.
	preExisting := make(map[string]bool)
	if targets, err := drv.ListPageTargets(ctx); err == nil {
		for _, t := range targets {
			preExisting[t.ID] = true
		}
	}

	if needsContext {
		id, err := drv.CreateContext(ctx)
		if err != nil {
			return "", "", fmt.Errorf("unable to create isolation context: %w", err)
		}
		contextID = id
		r.mu.Lock()
		if s, ok := r.sessions[sessionID]; ok {
			if w, ok := s.Workers[workerID]; ok {
				w.ContextID = contextID
			}
		}
		r.mu.Unlock()
	}

	page, pooled, err := r.acquirePage(ctx, drv, targetURL, contextID, port)
	if err != nil {
		return "", "", err
	}
	targetID := page.TargetID()

	r.mu.Lock()
	s, ok = r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		_ = page.Close(ctx)
		return "", "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	w, ok = s.Workers[workerID]
	if !ok {
		r.mu.Unlock()
		_ = page.Close(ctx)
		return "", "", fmt.Errorf("%w: %s/%s", ErrWorkerNotFound, sessionID, workerID)
	}
	w.Targets[targetID] = struct{}{}
	w.LastActivityAt = time.Now()
	r.owners[targetID] = Owner{SessionID: sessionID, WorkerID: workerID}
	r.pages[targetID] = page
	if pooled {
		r.pooledPages[targetID] = true
	}
	r.touchLocked(s)
	r.publishLocked(Event{Type: EventTargetCreated, SessionID: sessionID, WorkerID: workerID, TargetID: targetID})
	r.mu.Unlock()

	if r.deps.State != nil && firstTarget {
		if err := r.deps.State.Restore(ctx, sessionID, page); err != nil {
			r.logger.Warnf("registry:createTarget", "state restore for %s failed: %v", sessionID, err)
		}
		r.deps.State.StartWatchdog(sessionID, r.stateCollector(sessionID))
	}

	r.scheduleReap(drv, preExisting, targetID)

	r.logger.Debugf("registry:createTarget", "session=%s worker=%s target=%s pooled=%t", sessionID, workerID, targetID, pooled)
	return targetID, workerID, nil
}

// acquirePage takes a page from the pool when eligible, falling back to a
// driver-created page; a single retry covers pooled-path failures.
func (r *Registry) acquirePage(ctx context.Context, drv Driver, targetURL, contextID string, port int) (Page, bool, error) {
	usePool := r.deps.PagePool != nil && port == 0 && contextID == ""
	if usePool {
		if pp, err := r.deps.PagePool.Acquire(ctx); err == nil {
			if page, ok := pp.(Page); ok {
				if targetURL == "" {
					return page, true, nil
				}
				if err := page.Navigate(ctx, targetURL); err == nil {
					return page, true, nil
				}
				r.logger.Warnf("registry:acquirePage", "pooled page navigation failed, retrying unpooled")
				_ = page.Close(ctx)
			} else {
				r.deps.PagePool.Release(ctx, pp)
			}
		} else {
			r.logger.Warnf("registry:acquirePage", "page pool acquire failed: %v", err)
		}
	}
	page, err := drv.CreatePage(ctx, targetURL, contextID)
	if err != nil {
		return nil, false, fmt.Errorf("unable to create target: %w", err)
	}
	return page, false, nil
}

// CloseTarget closes a tab, clearing its refs and owner entry. The page
// goes back to the pool when it came from there; driver errors during
// closure are swallowed because the page may already be gone.
func (r *Registry) CloseTarget(ctx context.Context, sessionID, targetID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	owner, ok := r.owners[targetID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTargetNotFound, targetID)
	}
	if owner.SessionID != sessionID {
		r.mu.Unlock()
		return fmt.Errorf("%w: target %s", ErrOwnershipViolation, targetID)
	}
	page := r.pages[targetID]
	pooled := r.pooledPages[targetID]
	r.removeTargetLocked(s, owner, targetID)
	r.touchLocked(s)
	r.publishLocked(Event{Type: EventTargetRemoved, SessionID: sessionID, WorkerID: owner.WorkerID, TargetID: targetID})
	r.mu.Unlock()

	r.refs.ClearTarget(sessionID, targetID)
	r.disposePage(ctx, page, pooled)
	return nil
}

// GetPage validates ownership and returns the page handle. A non-empty
// workerID additionally pins the claim to that worker.
func (r *Registry) GetPage(sessionID, targetID, workerID string) (Page, error) {
	page, _, err := r.lookupPage(sessionID, targetID, workerID)
	return page, err
}

func (r *Registry) lookupPage(sessionID, targetID, workerID string) (Page, Owner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, Owner{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	owner, ok := r.owners[targetID]
	if !ok {
		return nil, Owner{}, fmt.Errorf("%w: %s", ErrTargetNotFound, targetID)
	}
	if owner.SessionID != sessionID || (workerID != "" && owner.WorkerID != workerID) {
		return nil, Owner{}, fmt.Errorf("%w: target %s", ErrOwnershipViolation, targetID)
	}
	r.touchLocked(s)
	return r.pages[targetID], owner, nil
}

// ListTargets returns the target ids owned by a session.
func (r *Registry) ListTargets(sessionID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	r.touchLocked(s)
	var out []string
	for _, w := range s.Workers {
		for id := range w.Targets {
			out = append(out, id)
		}
	}
	return out, nil
}

// ExecuteCommand routes a raw protocol command through the owning
// worker's serial queue, preserving the one-in-flight-per-target rule.
func (r *Registry) ExecuteCommand(
	ctx context.Context, sessionID, targetID, method string, params json.RawMessage,
) (json.RawMessage, error) {
	page, owner, err := r.lookupPage(sessionID, targetID, "")
	if err != nil {
		return nil, err
	}
	res, err := r.queues.Submit(ctx, queue.Key(sessionID, owner.WorkerID), func(ctx context.Context) (interface{}, error) {
		return page.Command(ctx, method, params)
	})
	if err != nil {
		return nil, err
	}
	raw, _ := res.(json.RawMessage)
	return raw, nil
}

// Execute runs fn on the owning worker's serial queue with the resolved
// page. Tool handlers use this to keep the per-target ordering guarantee.
func (r *Registry) Execute(
	ctx context.Context, sessionID, targetID string, fn func(ctx context.Context, page Page) (interface{}, error),
) (interface{}, error) {
	page, owner, err := r.lookupPage(sessionID, targetID, "")
	if err != nil {
		return nil, err
	}
	return r.queues.Submit(ctx, queue.Key(sessionID, owner.WorkerID), func(ctx context.Context) (interface{}, error) {
		return fn(ctx, page)
	})
}

// --- internals ---

func (r *Registry) driverFor(port int) (Driver, error) {
	if port == 0 {
		return r.driver, nil
	}
	r.mu.Lock()
	if d, ok := r.portDrivers[port]; ok {
		r.mu.Unlock()
		return d, nil
	}
	r.mu.Unlock()
	if r.deps.DriverForPort == nil {
		return nil, fmt.Errorf("no driver factory for pooled instance on port %d", port)
	}
	d, err := r.deps.DriverForPort(port)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.portDrivers[port] = d
	r.mu.Unlock()
	return d, nil
}

// touchLocked advances the session's activity clock, strictly.
func (r *Registry) touchLocked(s *Session) {
	now := time.Now()
	if !now.After(s.LastActivityAt) {
		now = s.LastActivityAt.Add(time.Nanosecond)
	}
	s.LastActivityAt = now
}

type workerRelease struct {
	workerID  string
	contextID string
	port      int
	origin    string
	targets   []targetRelease
}

type targetRelease struct {
	targetID string
	page     Page
	pooled   bool
}

type releasePlan struct {
	sessionID string
	workers   []workerRelease
}

// removeTargetLocked detaches one target from the tree and the global
// maps, keeping the ownership bijection intact.
func (r *Registry) removeTargetLocked(s *Session, owner Owner, targetID string) {
	if w, ok := s.Workers[owner.WorkerID]; ok {
		delete(w.Targets, targetID)
	}
	delete(r.owners, targetID)
	delete(r.pages, targetID)
	delete(r.pooledPages, targetID)
}

// removeWorkerLocked detaches a worker and returns the release plan for
// its resources.
func (r *Registry) removeWorkerLocked(s *Session, w *Worker) workerRelease {
	wr := workerRelease{
		workerID:  w.ID,
		contextID: w.ContextID,
		port:      w.Port,
		origin:    w.PoolOrigin,
	}
	for targetID := range w.Targets {
		wr.targets = append(wr.targets, targetRelease{
			targetID: targetID,
			page:     r.pages[targetID],
			pooled:   r.pooledPages[targetID],
		})
		delete(r.owners, targetID)
		delete(r.pages, targetID)
		delete(r.pooledPages, targetID)
	}
	delete(s.Workers, w.ID)
	return wr
}

// removeSessionLocked detaches a whole session and returns its release
// plan. evType distinguishes explicit deletion from TTL eviction.
func (r *Registry) removeSessionLocked(id string, evType EventType) releasePlan {
	s := r.sessions[id]
	plan := releasePlan{sessionID: id}
	for _, w := range s.Workers {
		plan.workers = append(plan.workers, r.removeWorkerLocked(s, w))
	}
	delete(r.sessions, id)
	r.publishLocked(Event{Type: evType, SessionID: id})
	return plan
}

func (r *Registry) evictInactiveLocked(maxAge time.Duration) []releasePlan {
	now := time.Now()
	var plans []releasePlan
	for id, s := range r.sessions {
		if now.Sub(s.LastActivityAt) > maxAge {
			plans = append(plans, r.removeSessionLocked(id, EventSessionEvicted))
		}
	}
	return plans
}

// executeRelease runs a session's release plan. Every step is guarded on
// its own so one failure never blocks the rest of the teardown.
func (r *Registry) executeRelease(ctx context.Context, plan releasePlan) {
	if r.deps.State != nil {
		// The session is already unlinked, so the watchdog's own
		// collector sees nothing; flush from the plan's still-open
		// pages instead.
		var pages []storage.StatePage
		for _, wr := range plan.workers {
			for _, tr := range wr.targets {
				if tr.page != nil {
					pages = append(pages, tr.page)
				}
			}
		}
		r.deps.State.StopWatchdog(ctx, plan.sessionID, pages)
	}
	for _, wr := range plan.workers {
		r.releaseWorker(ctx, plan.sessionID, wr)
	}
	r.queues.Delete(plan.sessionID)
	r.refs.ClearSession(plan.sessionID)
}

func (r *Registry) releaseWorker(ctx context.Context, sessionID string, wr workerRelease) {
	for _, tr := range wr.targets {
		r.refs.ClearTarget(sessionID, tr.targetID)
		r.disposePage(ctx, tr.page, tr.pooled)
	}
	r.queues.Delete(queue.Key(sessionID, wr.workerID))
	if wr.contextID != "" {
		drv, err := r.driverFor(wr.port)
		if err == nil {
			if err := drv.DisposeContext(ctx, wr.contextID); err != nil {
				r.logger.Warnf("registry:release", "context dispose failed: %v", err)
			}
		}
	}
	if wr.port != 0 && r.deps.BrowserPool != nil {
		r.deps.BrowserPool.Release(wr.port, wr.origin)
	}
}

// disposePage returns a pooled page to the pool after scrubbing its
// storage, and closes unpooled pages outright. Close failures are
// swallowed; the target may already be gone.
func (r *Registry) disposePage(ctx context.Context, page Page, pooled bool) {
	if page == nil {
		return
	}
	if pooled && r.deps.PagePool != nil {
		r.scrubPage(ctx, page)
		r.deps.PagePool.Release(ctx, page)
		return
	}
	if err := page.Close(ctx); err != nil {
		r.logger.Debugf("registry:release", "page close failed: %v", err)
	}
}

// scrubPage clears per-origin storage before a page re-enters the shared
// pool, so later sessions cannot read the previous tenant's data.
func (r *Registry) scrubPage(ctx context.Context, page Page) {
	u, err := page.URL(ctx)
	if err != nil {
		return
	}
	if origin := originOf(u); origin != "" {
		if err := page.ClearOriginStorage(ctx, origin); err != nil {
			r.logger.Debugf("registry:release", "storage scrub failed: %v", err)
		}
	}
}

// handleTargetDestroyed prunes a target the browser reports as gone.
func (r *Registry) handleTargetDestroyed(targetID string) {
	r.mu.Lock()
	owner, ok := r.owners[targetID]
	if !ok {
		r.mu.Unlock()
		return
	}
	s := r.sessions[owner.SessionID]
	if s != nil {
		r.removeTargetLocked(s, owner, targetID)
		r.publishLocked(Event{Type: EventTargetRemoved, SessionID: owner.SessionID, WorkerID: owner.WorkerID, TargetID: targetID})
	}
	r.mu.Unlock()
	r.refs.ClearTarget(owner.SessionID, targetID)
	r.logger.Debugf("registry:targetDestroyed", "target=%s session=%s", targetID, owner.SessionID)
}

// stateCollector returns the session's live pages for the storage
// watchdog.
func (r *Registry) stateCollector(sessionID string) storage.Collector {
	return func(ctx context.Context) []storage.StatePage {
		r.mu.Lock()
		defer r.mu.Unlock()
		s, ok := r.sessions[sessionID]
		if !ok {
			return nil
		}
		var out []storage.StatePage
		for _, w := range s.Workers {
			for id := range w.Targets {
				if p, ok := r.pages[id]; ok {
					out = append(out, p)
				}
			}
		}
		return out
	}
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
