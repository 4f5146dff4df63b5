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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabfleet/tabfleet/cdp"
)

// Browsers under site-isolated renderer swaps can spawn stray blank
// pages right after target creation; the reaper must close exactly
// those and nothing else.
func TestOrphanReaperClosesStrayBlankPages(t *testing.T) {
	t.Parallel()
	drv := newFakeDriver()
	r := New(Options{AutoCleanup: false, UseDefaultContext: true, OrphanReapDelay: 20 * time.Millisecond}, Deps{Driver: drv})
	t.Cleanup(func() { r.Close(context.Background()) })
	ctx := context.Background()

	_, err := r.CreateSession(ctx, CreateSessionOptions{ID: "s1"})
	require.NoError(t, err)

	// A pre-existing unowned blank page must survive the sweep.
	preExisting, err := drv.CreatePage(ctx, "", "")
	require.NoError(t, err)

	targetID, _, err := r.CreateTarget(ctx, "s1", "", "")
	require.NoError(t, err)

	// Orphans appearing after creation, before the reaper fires.
	orphan1, err := drv.CreatePage(ctx, "", "")
	require.NoError(t, err)
	orphan2, err := drv.CreatePage(ctx, cdp.BlankPageURL, "")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return orphan1.IsClosed() && orphan2.IsClosed()
	}, time.Second, 10*time.Millisecond)

	assert.False(t, preExisting.IsClosed())
	page, err := r.GetPage("s1", targetID, "")
	require.NoError(t, err)
	assert.False(t, page.IsClosed())
}
