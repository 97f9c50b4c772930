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

// Package stmtcache caches server-side prepared statements per connection,
// so repeated SQL skips the Parse/Describe round trip. Eviction deallocates
// the statement on the server.
package stmtcache

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pgpipe/pgpipe/go/driver"
)

// evictCloseTimeout bounds the server-side deallocation of an evicted
// statement.
const evictCloseTimeout = 5 * time.Second

// preparer is the connection surface the cache needs. *driver.Conn
// implements it.
type preparer interface {
	Prepare(ctx context.Context, name, sql string, paramOIDs ...uint32) (*driver.Statement, error)
	CloseStatement(ctx context.Context, stmt *driver.Statement) error
}

// Cache is an LRU registry of prepared statements on one connection. Safe
// for concurrent use; concurrent misses on the same fingerprint may both
// prepare, in which case the loser's statement is deallocated and the
// winner's entry is kept.
type Cache struct {
	conn preparer
	lru  *lru.Cache[string, *driver.Statement]

	mu      sync.Mutex
	closing sync.WaitGroup
}

// New creates a cache holding up to capacity statements.
func New(conn preparer, capacity int) (*Cache, error) {
	c := &Cache{conn: conn}
	l, err := lru.NewWithEvict(capacity, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// Key fingerprints a statement: the SQL text plus the declared parameter
// type signature. The same SQL with different declared types prepares
// separately.
func Key(sql string, paramOIDs []uint32) string {
	if len(paramOIDs) == 0 {
		return sql
	}
	var b strings.Builder
	b.WriteString(sql)
	for _, oid := range paramOIDs {
		b.WriteByte(0)
		b.WriteString(strconv.FormatUint(uint64(oid), 10))
	}
	return b.String()
}

// Get returns the cached statement for the sql/paramOIDs fingerprint,
// preparing it on a miss. The declared OIDs go into the Parse message, so
// the same SQL with a different signature prepares separately.
func (c *Cache) Get(ctx context.Context, sql string, paramOIDs ...uint32) (*driver.Statement, error) {
	key := Key(sql, paramOIDs)
	if stmt, ok := c.lru.Get(key); ok {
		return stmt, nil
	}

	stmt, err := c.conn.Prepare(ctx, "", sql, paramOIDs...)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if prev, ok := c.lru.Get(key); ok {
		// Lost a concurrent prepare on the same fingerprint. Add would
		// displace prev without firing the eviction callback, leaking it
		// server-side; keep prev and deallocate ours instead.
		c.mu.Unlock()
		c.closeAsync(stmt)
		return prev, nil
	}
	c.lru.Add(key, stmt)
	c.mu.Unlock()
	return stmt, nil
}

// Invalidate drops the cached statement for the given fingerprint,
// deallocating it on the server. Used when the server reports the statement
// stale (for example "cached plan must not change result type").
func (c *Cache) Invalidate(sql string, paramOIDs ...uint32) {
	c.mu.Lock()
	c.lru.Remove(Key(sql, paramOIDs))
	c.mu.Unlock()
}

// Len reports the number of cached statements.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Clear drops every cached statement and waits for the server-side
// deallocations to finish.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
	c.closing.Wait()
}

// onEvict deallocates the evicted statement. Runs under the LRU's lock, so
// the round trip happens on its own goroutine.
func (c *Cache) onEvict(_ string, stmt *driver.Statement) {
	c.closeAsync(stmt)
}

// closeAsync deallocates stmt on the server without blocking the caller.
// Clear waits for every deallocation in flight.
func (c *Cache) closeAsync(stmt *driver.Statement) {
	c.closing.Add(1)
	go func() {
		defer c.closing.Done()
		ctx, cancel := context.WithTimeout(context.Background(), evictCloseTimeout)
		defer cancel()
		_ = c.conn.CloseStatement(ctx, stmt)
	}()
}
