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
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabfleet/tabfleet/cdp"
	"github.com/tabfleet/tabfleet/log"
	"github.com/tabfleet/tabfleet/storage"
)

type fakePage struct {
	mu      sync.Mutex
	id      string
	url     string
	closed  bool
	cookies []cdp.Cookie
}

func (p *fakePage) TargetID() string { return p.id }

func (p *fakePage) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return cdp.ErrPageClosed
	}
	p.url = url
	return nil
}

func (p *fakePage) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *fakePage) Evaluate(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(`null`), nil
}

func (p *fakePage) Screenshot(context.Context) ([]byte, error) { return []byte{0x89}, nil }
func (p *fakePage) PDF(context.Context) ([]byte, error)        { return []byte("%PDF"), nil }

func (p *fakePage) Cookies(context.Context) ([]cdp.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]cdp.Cookie(nil), p.cookies...), nil
}

func (p *fakePage) SetCookies(_ context.Context, cookies []cdp.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = append(p.cookies, cookies...)
	return nil
}

func (p *fakePage) ClearOriginStorage(context.Context, string) error { return nil }

func (p *fakePage) Command(_ context.Context, method string, _ json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf("{%q:true}", method)), nil
}

func (p *fakePage) Click(context.Context, string) error              { return nil }
func (p *fakePage) ClickNode(context.Context, int64) error           { return nil }
func (p *fakePage) Type(context.Context, string, string) error       { return nil }
func (p *fakePage) TypeNode(context.Context, int64, string) error    { return nil }
func (p *fakePage) Scroll(context.Context, float64, float64) error   { return nil }
func (p *fakePage) AccessibilityTree(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"nodes":[]}`), nil
}

func (p *fakePage) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type fakeDriver struct {
	mu        sync.Mutex
	nextID    int
	pages     map[string]*fakePage
	contexts  int
	destroyed func(string)

	createErrs int // fail this many CreatePage calls
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{pages: make(map[string]*fakePage)}
}

func (d *fakeDriver) CreatePage(_ context.Context, url, _ string) (Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErrs > 0 {
		d.createErrs--
		return nil, fmt.Errorf("driver says no")
	}
	d.nextID++
	if url == "" {
		url = cdp.BlankPageURL
	}
	p := &fakePage{id: fmt.Sprintf("target-%d", d.nextID), url: url}
	d.pages[p.id] = p
	return p, nil
}

func (d *fakeDriver) CreateContext(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contexts++
	return fmt.Sprintf("ctx-%d", d.contexts), nil
}

func (d *fakeDriver) DisposeContext(context.Context, string) error { return nil }

func (d *fakeDriver) ListPageTargets(context.Context) ([]cdp.TargetInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []cdp.TargetInfo
	for _, p := range d.pages {
		if !p.closed {
			out = append(out, cdp.TargetInfo{ID: p.id, Type: "page", URL: p.url})
		}
	}
	return out, nil
}

func (d *fakeDriver) CloseTarget(_ context.Context, targetID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pages[targetID]; ok {
		p.closed = true
	}
	return nil
}

func (d *fakeDriver) OnTargetDestroyed(fn func(string)) { d.destroyed = fn }
func (d *fakeDriver) CollectGarbage(context.Context)    {}

func (d *fakeDriver) openPages() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, p := range d.pages {
		if !p.closed {
			n++
		}
	}
	return n
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *fakeDriver) {
	t.Helper()
	drv := newFakeDriver()
	opts.AutoCleanup = false
	opts.UseDefaultContext = true
	r := New(opts, Deps{Driver: drv})
	t.Cleanup(func() { r.Close(context.Background()) })
	return r, drv
}

func TestCreateSessionDefaultWorker(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t, Options{})

	info, err := r.CreateSession(context.Background(), CreateSessionOptions{ID: "s1", Name: "first"})
	require.NoError(t, err)
	assert.Equal(t, "s1", info.ID)
	assert.Equal(t, 1, info.Workers)
	assert.Equal(t, 0, info.Targets)

	// Same id returns the existing session instead of erroring.
	again, err := r.CreateSession(context.Background(), CreateSessionOptions{ID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, info.CreatedAt, again.CreatedAt)
}

func TestCreateSessionInvalidID(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t, Options{})

	_, err := r.CreateSession(context.Background(), CreateSessionOptions{ID: "../etc/passwd"})
	assert.ErrorIs(t, err, ErrInvalidSessionID)
}

func TestSessionLimit(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t, Options{MaxSessions: 2, SessionTTL: time.Hour})

	for i := 1; i <= 2; i++ {
		_, err := r.CreateSession(context.Background(), CreateSessionOptions{ID: fmt.Sprintf("s%d", i)})
		require.NoError(t, err)
	}
	_, err := r.CreateSession(context.Background(), CreateSessionOptions{ID: "s3"})
	assert.ErrorIs(t, err, ErrSessionLimitReached)
}

func TestCreateTargetAndOwnership(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t, Options{})
	ctx := context.Background()

	_, err := r.CreateSession(ctx, CreateSessionOptions{ID: "s1"})
	require.NoError(t, err)
	_, err = r.CreateSession(ctx, CreateSessionOptions{ID: "s2"})
	require.NoError(t, err)

	targetID, workerID, err := r.CreateTarget(ctx, "s1", "https://example.com", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultWorkerName, workerID)

	// The owning session can fetch the page.
	page, err := r.GetPage("s1", targetID, "")
	require.NoError(t, err)
	assert.Equal(t, targetID, page.TargetID())

	// Another session touching the same target is an ownership violation,
	// never a silent reassignment.
	_, err = r.GetPage("s2", targetID, "")
	assert.ErrorIs(t, err, ErrOwnershipViolation)
	err = r.CloseTarget(ctx, "s2", targetID)
	assert.ErrorIs(t, err, ErrOwnershipViolation)

	// Claiming the wrong worker fails the same way.
	_, err = r.GetPage("s1", targetID, "nonexistent-worker")
	assert.ErrorIs(t, err, ErrOwnershipViolation)
}

func TestCloseTargetRemovesState(t *testing.T) {
	t.Parallel()
	r, drv := newTestRegistry(t, Options{})
	ctx := context.Background()

	_, err := r.CreateSession(ctx, CreateSessionOptions{ID: "s1"})
	require.NoError(t, err)
	targetID, _, err := r.CreateTarget(ctx, "s1", "", "")
	require.NoError(t, err)

	ref := r.Refs().Generate("s1", targetID, 42, "button", "submit")
	require.NoError(t, r.CloseTarget(ctx, "s1", targetID))

	_, ok := r.Refs().Get("s1", targetID, ref)
	assert.False(t, ok, "refs survive target close")
	_, err = r.GetPage("s1", targetID, "")
	assert.ErrorIs(t, err, ErrTargetNotFound)
	assert.Zero(t, drv.openPages())

	// Double close reports the target as gone.
	err = r.CloseTarget(ctx, "s1", targetID)
	assert.ErrorIs(t, err, ErrTargetNotFound)
}

func TestDeleteSessionClosesEverything(t *testing.T) {
	t.Parallel()
	r, drv := newTestRegistry(t, Options{})
	ctx := context.Background()

	_, err := r.CreateSession(ctx, CreateSessionOptions{ID: "s1"})
	require.NoError(t, err)
	w, err := r.CreateWorker(ctx, "s1", WorkerOptions{Name: "aux"})
	require.NoError(t, err)

	_, _, err = r.CreateTarget(ctx, "s1", "", "")
	require.NoError(t, err)
	_, _, err = r.CreateTarget(ctx, "s1", "", w.ID)
	require.NoError(t, err)
	require.Equal(t, 2, drv.openPages())

	require.NoError(t, r.DeleteSession(ctx, "s1"))
	assert.Zero(t, drv.openPages())

	_, err = r.GetSession("s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// A fresh session under the same id starts from scratch.
	info, err := r.CreateSession(ctx, CreateSessionOptions{ID: "s1"})
	require.NoError(t, err)
	assert.Zero(t, info.Targets)
}

func TestDefaultWorkerUndeletable(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t, Options{})
	ctx := context.Background()

	_, err := r.CreateSession(ctx, CreateSessionOptions{ID: "s1"})
	require.NoError(t, err)

	err = r.DeleteWorker(ctx, "s1", DefaultWorkerName)
	assert.ErrorIs(t, err, ErrCannotDeleteDefaultWorker)

	w, err := r.CreateWorker(ctx, "s1", WorkerOptions{})
	require.NoError(t, err)
	assert.NoError(t, r.DeleteWorker(ctx, "s1", w.ID))
}

func TestWorkerLimit(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t, Options{MaxWorkersPerSession: 2})
	ctx := context.Background()

	_, err := r.CreateSession(ctx, CreateSessionOptions{ID: "s1"})
	require.NoError(t, err)

	// The default worker occupies one slot.
	_, err = r.CreateWorker(ctx, "s1", WorkerOptions{})
	require.NoError(t, err)
	_, err = r.CreateWorker(ctx, "s1", WorkerOptions{})
	assert.ErrorIs(t, err, ErrWorkerLimitReached)
}

func TestCleanupWorkerRemovesOwnedSessions(t *testing.T) {
	t.Parallel()
	r, drv := newTestRegistry(t, Options{})
	ctx := context.Background()

	_, err := r.CreateSession(ctx, CreateSessionOptions{ID: "s1", OwnerConnID: "conn-1"})
	require.NoError(t, err)
	_, err = r.CreateSession(ctx, CreateSessionOptions{ID: "s2", OwnerConnID: "conn-2"})
	require.NoError(t, err)
	_, _, err = r.CreateTarget(ctx, "s1", "", "")
	require.NoError(t, err)

	removed := r.CleanupWorker(ctx, "conn-1")
	assert.Equal(t, []string{"s1"}, removed)
	assert.Zero(t, drv.openPages())

	_, err = r.GetSession("s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = r.GetSession("s2")
	assert.NoError(t, err)
}

func TestCleanupInactiveEvictsIdleSessions(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t, Options{})
	ctx := context.Background()

	_, err := r.CreateSession(ctx, CreateSessionOptions{ID: "idle"})
	require.NoError(t, err)

	var evicted []string
	r.Subscribe(func(ev Event) {
		if ev.Type == EventSessionEvicted {
			evicted = append(evicted, ev.SessionID)
		}
	})

	// Nothing young enough gets evicted.
	assert.Empty(t, r.CleanupInactive(ctx, time.Hour))

	time.Sleep(10 * time.Millisecond)
	removed := r.CleanupInactive(ctx, time.Nanosecond)
	assert.Equal(t, []string{"idle"}, removed)
	assert.Equal(t, []string{"idle"}, evicted)
}

func TestTouchKeepsSessionAlive(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t, Options{})
	ctx := context.Background()

	_, err := r.CreateSession(ctx, CreateSessionOptions{ID: "busy"})
	require.NoError(t, err)

	before, err := r.GetSession("busy")
	require.NoError(t, err)
	require.NoError(t, r.Touch("busy"))
	after, err := r.GetSession("busy")
	require.NoError(t, err)
	assert.True(t, after.LastActivityAt.After(before.LastActivityAt))
}

func TestCreateTargetDriverError(t *testing.T) {
	t.Parallel()
	r, drv := newTestRegistry(t, Options{})
	ctx := context.Background()

	_, err := r.CreateSession(ctx, CreateSessionOptions{ID: "s1"})
	require.NoError(t, err)

	drv.createErrs = 1
	_, _, err = r.CreateTarget(ctx, "s1", "", "")
	assert.Error(t, err)

	_, _, err = r.CreateTarget(ctx, "s1", "", "")
	assert.NoError(t, err)
}

func TestTargetDestroyedBehindOurBack(t *testing.T) {
	t.Parallel()
	r, drv := newTestRegistry(t, Options{})
	ctx := context.Background()

	_, err := r.CreateSession(ctx, CreateSessionOptions{ID: "s1"})
	require.NoError(t, err)
	targetID, _, err := r.CreateTarget(ctx, "s1", "", "")
	require.NoError(t, err)

	require.NotNil(t, drv.destroyed)
	drv.destroyed(targetID)

	_, err = r.GetPage("s1", targetID, "")
	assert.ErrorIs(t, err, ErrTargetNotFound)
}

func TestExecuteCommandSerialPerWorker(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t, Options{})
	ctx := context.Background()

	_, err := r.CreateSession(ctx, CreateSessionOptions{ID: "s1"})
	require.NoError(t, err)
	targetID, _, err := r.CreateTarget(ctx, "s1", "", "")
	require.NoError(t, err)

	raw, err := r.ExecuteCommand(ctx, "s1", targetID, "Page.reload", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Page.reload":true}`, string(raw))

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Execute(ctx, "s1", targetID, func(context.Context, Page) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, order, 8)
}

func TestEventsPublishedInOrder(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t, Options{})
	ctx := context.Background()

	var events []EventType
	r.Subscribe(func(ev Event) { events = append(events, ev.Type) })

	_, err := r.CreateSession(ctx, CreateSessionOptions{ID: "s1"})
	require.NoError(t, err)
	targetID, _, err := r.CreateTarget(ctx, "s1", "", "")
	require.NoError(t, err)
	require.NoError(t, r.CloseTarget(ctx, "s1", targetID))
	require.NoError(t, r.DeleteSession(ctx, "s1"))

	assert.Equal(t, []EventType{
		EventSessionCreated,
		EventTargetCreated,
		EventTargetRemoved,
		EventSessionDeleted,
	}, events)
}

func TestStatsCounts(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t, Options{})
	ctx := context.Background()

	_, err := r.CreateSession(ctx, CreateSessionOptions{ID: "s1"})
	require.NoError(t, err)
	_, _, err = r.CreateTarget(ctx, "s1", "", "")
	require.NoError(t, err)

	st := r.Stats()
	assert.Equal(t, 1, st.Sessions)
	assert.Equal(t, 1, st.Workers)
	assert.Equal(t, 1, st.Targets)
}

func TestDeleteSessionFlushesStateFromReleasedPages(t *testing.T) {
	t.Parallel()
	drv := newFakeDriver()
	state := storage.NewManager(t.TempDir(), time.Hour, log.NewNullLogger())
	r := New(Options{AutoCleanup: false, UseDefaultContext: true, OrphanReapDelay: time.Hour},
		Deps{Driver: drv, State: state})
	t.Cleanup(func() { r.Close(context.Background()) })
	ctx := context.Background()

	require.NoError(t, state.Save("s1", &storage.State{
		Cookies: []cdp.Cookie{{Name: "sid", Value: "persisted", Domain: "a.test", Path: "/"}},
	}))

	_, err := r.CreateSession(ctx, CreateSessionOptions{ID: "s1"})
	require.NoError(t, err)
	targetID, _, err := r.CreateTarget(ctx, "s1", "https://a.test", "")
	require.NoError(t, err)

	// Restore put the persisted cookie on the live page.
	page := drv.pages[targetID]
	cookies, err := page.Cookies(ctx)
	require.NoError(t, err)
	require.Len(t, cookies, 1)

	require.NoError(t, r.DeleteSession(ctx, "s1"))

	// The final flush runs after the session is unlinked; it must write
	// the released pages' state, never an empty one.
	st, err := state.Load("s1")
	require.NoError(t, err)
	require.Len(t, st.Cookies, 1)
	assert.Equal(t, "sid", st.Cookies[0].Name)
	assert.Equal(t, "persisted", st.Cookies[0].Value)
}
