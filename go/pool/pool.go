// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pool provides a bounded connection pool. Dead connections are
// respawned through the factory on the next acquire; acquires beyond
// capacity wait for a release.
package pool

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrPoolExhausted is returned by TryAcquire when the pool is at
	// capacity with nothing idle.
	ErrPoolExhausted = errors.New("pool exhausted")
)

// Connection is the surface the pool needs from a pooled resource.
type Connection interface {
	// IsClosed reports whether the connection reached its terminal state.
	IsClosed() bool

	// Close releases the connection.
	Close() error
}

// Pool is a bounded pool of connections. Capacity tokens bound the live
// connection count; idle connections are reused before new ones are made.
type Pool[C Connection] struct {
	factory  func(context.Context) (C, error)
	capacity int

	// sem holds one token per live connection.
	sem chan struct{}

	// idle buffers released connections. Never blocks a sender: its
	// capacity equals the pool capacity.
	idle chan C

	active   atomic.Int64
	borrowed atomic.Int64
	closed   atomic.Bool
}

// Config holds pool configuration.
type Config struct {
	// Capacity is the maximum number of live connections.
	Capacity int
}

// New creates a pool. The factory is called whenever the pool needs a fresh
// connection: initial demand, warmup, and respawn after a connection dies.
func New[C Connection](factory func(context.Context) (C, error), cfg Config) *Pool[C] {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10
	}
	return &Pool[C]{
		factory:  factory,
		capacity: cfg.Capacity,
		sem:      make(chan struct{}, cfg.Capacity),
		idle:     make(chan C, cfg.Capacity),
	}
}

// Acquire returns a usable connection, waiting when the pool is at capacity
// with nothing idle. Dead idle connections are discarded and replaced.
func (p *Pool[C]) Acquire(ctx context.Context) (C, error) {
	var zero C
	for {
		if p.closed.Load() {
			return zero, ErrPoolClosed
		}

		// Idle connections first.
		select {
		case conn := <-p.idle:
			if conn.IsClosed() {
				p.discard(conn)
				continue
			}
			p.borrowed.Add(1)
			return conn, nil
		default:
		}

		select {
		case conn := <-p.idle:
			if conn.IsClosed() {
				p.discard(conn)
				continue
			}
			p.borrowed.Add(1)
			return conn, nil
		case p.sem <- struct{}{}:
			conn, err := p.spawn(ctx)
			if err != nil {
				return zero, err
			}
			p.borrowed.Add(1)
			return conn, nil
		case <-ctx.Done():
			return zero, context.Cause(ctx)
		}
	}
}

// TryAcquire is Acquire without waiting: at capacity with nothing idle it
// fails with ErrPoolExhausted.
func (p *Pool[C]) TryAcquire(ctx context.Context) (C, error) {
	var zero C
	for {
		if p.closed.Load() {
			return zero, ErrPoolClosed
		}

		select {
		case conn := <-p.idle:
			if conn.IsClosed() {
				p.discard(conn)
				continue
			}
			p.borrowed.Add(1)
			return conn, nil
		default:
		}

		select {
		case p.sem <- struct{}{}:
			conn, err := p.spawn(ctx)
			if err != nil {
				return zero, err
			}
			p.borrowed.Add(1)
			return conn, nil
		default:
			return zero, ErrPoolExhausted
		}
	}
}

// Release returns a connection to the pool. Dead connections are discarded,
// freeing capacity for a respawn.
func (p *Pool[C]) Release(conn C) {
	p.borrowed.Add(-1)
	if p.closed.Load() || conn.IsClosed() {
		p.discard(conn)
		return
	}
	p.idle <- conn
}

// spawn creates a connection under an already-held capacity token.
func (p *Pool[C]) spawn(ctx context.Context) (C, error) {
	conn, err := p.factory(ctx)
	if err != nil {
		<-p.sem
		var zero C
		return zero, err
	}
	p.active.Add(1)
	return conn, nil
}

// discard closes a connection and frees its capacity token.
func (p *Pool[C]) discard(conn C) {
	if !conn.IsClosed() {
		conn.Close()
	}
	p.active.Add(-1)
	<-p.sem
}

// Warmup pre-establishes n connections concurrently (capped at capacity).
// Already-established connections count toward n.
func (p *Pool[C]) Warmup(ctx context.Context, n int) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if n > p.capacity {
		n = p.capacity
	}

	g, ctx := errgroup.WithContext(ctx)
	for range n {
		select {
		case p.sem <- struct{}{}:
		default:
			continue
		}
		g.Go(func() error {
			conn, err := p.spawn(ctx)
			if err != nil {
				return err
			}
			p.idle <- conn
			return nil
		})
	}
	return g.Wait()
}

// Close closes the pool and every idle connection. Borrowed connections are
// closed as they are released.
func (p *Pool[C]) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrPoolClosed
	}
	for {
		select {
		case conn := <-p.idle:
			p.discard(conn)
		default:
			return nil
		}
	}
}

// Stats reports pool counters.
func (p *Pool[C]) Stats() Stats {
	active := p.active.Load()
	borrowed := p.borrowed.Load()
	return Stats{
		Active:   active,
		Borrowed: borrowed,
		Idle:     active - borrowed,
	}
}

// Stats contains pool counters.
type Stats struct {
	Active   int64 // Live connections
	Borrowed int64 // Connections checked out by callers
	Idle     int64 // Connections waiting in the pool
}
