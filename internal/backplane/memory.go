// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

package backplane

import (
	"context"
	"sync"

	"github.com/samber/oops"

	"github.com/campuslink/campuslink/internal/core"
)

// ErrClosed is returned by a Memory backplane after Close.
var ErrClosed = oops.Code("BACKPLANE_CLOSED").Errorf("backplane is closed")

// Memory connects relays running in one process. Like Redis pub/sub, each
// subscriber receives envelopes in publish order on its own goroutine, so
// Publish never runs a handler itself.
type Memory struct {
	mu     sync.Mutex
	subs   map[uint64]*memorySub
	next   uint64
	closed bool
}

// memorySub is an unbounded FIFO drained by one Subscribe call.
type memorySub struct {
	mu    sync.Mutex
	queue []core.Envelope
	wake  chan struct{}
}

func (s *memorySub) push(env core.Envelope) {
	s.mu.Lock()
	s.queue = append(s.queue, env)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySub) drain() []core.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.queue
	s.queue = nil
	return batch
}

var _ core.Backplane = (*Memory)(nil)

// NewMemory creates an in-process backplane.
func NewMemory() *Memory {
	return &Memory{subs: make(map[uint64]*memorySub)}
}

// Publish queues env for every current subscriber, the publisher included.
func (m *Memory) Publish(_ context.Context, env core.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, sub := range m.subs {
		sub.push(env)
	}
	return nil
}

// Subscribe calls handle for each queued envelope until ctx is done.
func (m *Memory) Subscribe(ctx context.Context, handle func(core.Envelope)) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	id := m.next
	m.next++
	sub := &memorySub{wake: make(chan struct{}, 1)}
	m.subs[id] = sub
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.wake:
			for _, env := range sub.drain() {
				handle(env)
			}
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Close rejects further publishes and subscriptions.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
