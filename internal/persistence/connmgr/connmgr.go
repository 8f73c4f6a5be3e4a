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

// Package connmgr provides connection lifecycle management for one vendor driver instance.
package connmgr

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/FerretDB/docstore/internal/docerrors"
)

// State represents a connection state.
type State int

// Connection states.
const (
	Disconnected State = iota
	Connecting
	Connected
	Faulted
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Faulted:
		return "Faulted"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Transition describes a single state change.
type Transition struct {
	// Err is the connectivity failure for transitions to Faulted.
	Err error

	From State
	To   State

	// Session is the connection session number after the transition.
	Session uint64
}

// Connector opens and closes the native client.
type Connector interface {
	// Validate checks the connection string without any I/O.
	Validate(uri string) error

	// Open establishes connectivity. Any error is treated as a connectivity failure.
	// On error, Open must release everything it acquired.
	Open(ctx context.Context, uri string) error

	// Close releases the native client.
	Close(ctx context.Context) error
}

// Manager owns connect/disconnect lifecycle of a single Connector.
//
// All transitions are serialized; subscribers are called synchronously,
// exactly once per transition, in transition order.
// Subscribers must not call Manager methods that change state.
//
//nolint:vet // for readability
type Manager struct {
	c Connector
	l *zap.Logger

	// serializes Connect and Disconnect; subscribers are called while it is held
	opM sync.Mutex

	rw      sync.RWMutex
	state   State
	session uint64
	err     error
	subs    map[uint64]func(Transition)
	nextSub uint64
}

// New creates a new disconnected Manager.
func New(c Connector, l *zap.Logger) *Manager {
	return &Manager{
		c:     c,
		l:     l,
		state: Disconnected,
		subs:  map[uint64]func(Transition){},
	}
}

// Connect connects the Connector using the given connection string.
//
// It returns true without reconnecting if already connected.
// Connectivity failures return (false, nil) and leave the manager in the Faulted state;
// the cause is available from Err.
// Invalid connection strings return (false, error) without any transitions.
func (m *Manager) Connect(ctx context.Context, uri string) (bool, error) {
	m.opM.Lock()
	defer m.opM.Unlock()

	if m.State() == Connected {
		return true, nil
	}

	if err := m.c.Validate(uri); err != nil {
		var e *docerrors.Error
		if errors.As(err, &e) {
			return false, err
		}

		return false, docerrors.Newf(docerrors.ErrorCodeInvalidConfiguration, "invalid connection string: %w", err)
	}

	m.transition(Connecting, nil, false)

	if err := m.c.Open(ctx, uri); err != nil {
		m.l.Warn("Connection failed", zap.Error(err))
		m.transition(Faulted, err, false)

		return false, nil
	}

	m.transition(Connected, nil, true)

	return true, nil
}

// Disconnect closes the Connector.
//
// It is a no-op returning true if already disconnected.
// It always ends in the Disconnected state;
// false is returned if the native client failed to close cleanly.
func (m *Manager) Disconnect(ctx context.Context) bool {
	m.opM.Lock()
	defer m.opM.Unlock()

	var closeErr error

	switch m.State() {
	case Disconnected:
		return true
	case Connected:
		if closeErr = m.c.Close(ctx); closeErr != nil {
			m.l.Warn("Failed to close native client", zap.Error(closeErr))
		}
	}

	m.transition(Disconnected, closeErr, false)

	return closeErr == nil
}

// transition changes the state and notifies subscribers.
//
// It must be called with opM held.
func (m *Manager) transition(to State, err error, newSession bool) {
	m.rw.Lock()

	t := Transition{
		From: m.state,
		To:   to,
		Err:  err,
	}

	m.state = to
	m.err = err

	if newSession {
		m.session++
	}

	t.Session = m.session

	ids := maps.Keys(m.subs)
	slices.Sort(ids)

	subs := make([]func(Transition), len(ids))
	for i, id := range ids {
		subs[i] = m.subs[id]
	}

	m.rw.Unlock()

	m.l.Info("Connection state changed", zap.Stringer("from", t.From), zap.Stringer("to", t.To), zap.Uint64("session", t.Session))

	for _, f := range subs {
		f(t)
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.rw.RLock()
	defer m.rw.RUnlock()

	return m.state
}

// IsConnected returns true if the current state is Connected.
func (m *Manager) IsConnected() bool {
	return m.State() == Connected
}

// Session returns the number of the current connection session.
//
// It is incremented on every successful connect; handles obtained in one session
// are invalid in another.
func (m *Manager) Session() uint64 {
	m.rw.RLock()
	defer m.rw.RUnlock()

	return m.session
}

// Err returns the error of the last transition, if any.
func (m *Manager) Err() error {
	m.rw.RLock()
	defer m.rw.RUnlock()

	return m.err
}

// Subscribe registers a function that is called on every transition.
//
// The returned function unsubscribes it.
func (m *Manager) Subscribe(f func(Transition)) func() {
	m.rw.Lock()
	defer m.rw.Unlock()

	id := m.nextSub
	m.nextSub++
	m.subs[id] = f

	return func() {
		m.rw.Lock()
		defer m.rw.Unlock()

		delete(m.subs, id)
	}
}
