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

package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "s1:w1", Key("s1", "w1"))
	assert.Equal(t, "s1", Key("s1", ""))
}

func TestSubmitReturnsTaskResult(t *testing.T) {
	t.Parallel()
	m := NewManager()

	v, err := m.Submit(context.Background(), "s1:w1", func(context.Context) (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	boom := errors.New("task failed")
	_, err = m.Submit(context.Background(), "s1:w1", func(context.Context) (interface{}, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestTasksOnOneKeyRunInSubmissionOrder(t *testing.T) {
	t.Parallel()
	m := NewManager()

	var mu sync.Mutex
	var order []int
	var inFlight, maxInFlight int

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := m.Submit(context.Background(), "s1:w1", func(context.Context) (interface{}, error) {
				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				order = append(order, i)
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Len(t, order, 20)
	assert.Equal(t, 1, maxInFlight, "serial queue must never overlap tasks")
}

func TestDistinctKeysRunInParallel(t *testing.T) {
	t.Parallel()
	m := NewManager()

	block := make(chan struct{})
	go func() {
		_, _ = m.Submit(context.Background(), "s1:w1", func(context.Context) (interface{}, error) {
			<-block
			return nil, nil
		})
	}()

	done := make(chan struct{})
	go func() {
		_, _ = m.Submit(context.Background(), "s1:w2", func(context.Context) (interface{}, error) {
			return nil, nil
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("independent queue was blocked by another key")
	}
	close(block)
}

func TestDeleteFailsQueuedTasks(t *testing.T) {
	t.Parallel()
	m := NewManager()

	started := make(chan struct{})
	block := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		// The in-flight task runs to completion even through a delete.
		v, err := m.Submit(context.Background(), "s1:w1", func(context.Context) (interface{}, error) {
			close(started)
			<-block
			return "finished", nil
		})
		assert.NoError(t, err)
		assert.Equal(t, "finished", v)
	}()
	<-started

	queued := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := m.Submit(context.Background(), "s1:w1", func(context.Context) (interface{}, error) {
			return nil, nil
		})
		queued <- err
	}()

	// Give the second task time to enqueue behind the blocked one.
	time.Sleep(20 * time.Millisecond)
	m.Delete("s1")
	close(block)
	wg.Wait()

	assert.ErrorIs(t, <-queued, ErrQueueClosed)
	assert.Zero(t, m.Len())
}

func TestDeleteMatchesPrefixExactly(t *testing.T) {
	t.Parallel()
	m := NewManager()
	ctx := context.Background()

	for _, key := range []string{"s1", "s1:w1", "s1:w2", "s10:w1", "s2:w1"} {
		_, err := m.Submit(ctx, key, func(context.Context) (interface{}, error) { return nil, nil })
		require.NoError(t, err)
	}
	require.Equal(t, 5, m.Len())

	m.Delete("s1")
	// "s10:w1" shares the byte prefix but not the session; it survives.
	assert.Equal(t, 2, m.Len())
}

func TestSubmitAfterDeleteCreatesFreshQueue(t *testing.T) {
	t.Parallel()
	m := NewManager()
	ctx := context.Background()

	_, err := m.Submit(ctx, "s1:w1", func(context.Context) (interface{}, error) { return nil, nil })
	require.NoError(t, err)
	m.Delete("s1")

	v, err := m.Submit(ctx, "s1:w1", func(context.Context) (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}
