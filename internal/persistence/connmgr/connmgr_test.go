// Copyright 2021 FerretDB Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connmgr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FerretDB/docstore/internal/docerrors"
	"github.com/FerretDB/docstore/internal/util/testutil"
)

// fakeConnector implements Connector for tests.
type fakeConnector struct {
	openErr error
	opened  atomic.Int32
	closed  atomic.Int32
}

func (c *fakeConnector) Validate(uri string) error {
	if uri == "" {
		return errors.New("empty")
	}

	return nil
}

func (c *fakeConnector) Open(ctx context.Context, uri string) error {
	c.opened.Add(1)
	return c.openErr
}

func (c *fakeConnector) Close(ctx context.Context) error {
	c.closed.Add(1)
	return nil
}

// recorder collects transitions.
type recorder struct {
	m  sync.Mutex
	ts []Transition
}

func (r *recorder) record(t Transition) {
	r.m.Lock()
	defer r.m.Unlock()

	r.ts = append(r.ts, t)
}

func (r *recorder) states() []State {
	r.m.Lock()
	defer r.m.Unlock()

	res := make([]State, len(r.ts))
	for i, t := range r.ts {
		res[i] = t.To
	}

	return res
}

func TestConnect(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	c := new(fakeConnector)
	m := New(c, testutil.Logger(t))

	var r recorder
	unsubscribe := m.Subscribe(r.record)

	ok, err := m.Connect(ctx, "memory://")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, m.IsConnected())
	assert.Equal(t, uint64(1), m.Session())

	// idempotent
	ok, err = m.Connect(ctx, "memory://")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(1), c.opened.Load())

	assert.True(t, m.Disconnect(ctx))
	assert.True(t, m.Disconnect(ctx))
	assert.Equal(t, int32(1), c.closed.Load())

	assert.Equal(t, []State{Connecting, Connected, Disconnected}, r.states())

	unsubscribe()

	ok, err = m.Connect(ctx, "memory://")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), m.Session())
	assert.Len(t, r.states(), 3)
}

func TestConnectFailure(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	openErr := errors.New("host unreachable")
	c := &fakeConnector{openErr: openErr}
	m := New(c, testutil.Logger(t))

	var r recorder
	m.Subscribe(r.record)

	ok, err := m.Connect(ctx, "memory://")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Faulted, m.State())
	assert.Equal(t, openErr, m.Err())

	assert.True(t, m.Disconnect(ctx))
	assert.Equal(t, int32(0), c.closed.Load(), "nothing to close after a failed open")

	assert.Equal(t, []State{Connecting, Faulted, Disconnected}, r.states())
}

func TestConnectInvalid(t *testing.T) {
	t.Parallel()

	m := New(new(fakeConnector), testutil.Logger(t))

	var r recorder
	m.Subscribe(r.record)

	ok, err := m.Connect(testutil.Ctx(t), "")
	assert.False(t, ok)
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeInvalidConfiguration), "%v", err)
	assert.Equal(t, Disconnected, m.State())
	assert.Empty(t, r.states())
}

func TestConcurrentConnectDisconnect(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	m := New(new(fakeConnector), testutil.Logger(t))

	var r recorder
	m.Subscribe(r.record)

	const n = 50

	var wg sync.WaitGroup
	ready := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			<-ready

			if i%2 == 0 {
				_, _ = m.Connect(ctx, "memory://")
				return
			}

			m.Disconnect(ctx)
		}(i)
	}

	close(ready)
	wg.Wait()

	r.m.Lock()
	ts := r.ts
	r.m.Unlock()

	// every notification is a real transition that continues the previous one
	prev := Disconnected
	for _, tr := range ts {
		assert.Equal(t, prev, tr.From)
		assert.NotEqual(t, tr.From, tr.To)
		prev = tr.To
	}

	assert.Equal(t, prev, m.State(), "final state must match the last transition")

	connects := 0
	for _, tr := range ts {
		if tr.To == Connected {
			connects++
		}
	}

	assert.Equal(t, uint64(connects), m.Session())
}
