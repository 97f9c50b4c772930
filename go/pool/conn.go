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

package pool

import (
	"context"
	"fmt"

	"github.com/pgpipe/pgpipe/go/driver"
)

// ConnConfig configures a driver connection pool.
type ConnConfig struct {
	// Conn is the per-connection driver configuration.
	Conn *driver.Config

	// Pool bounds the pool.
	Pool Config

	// WarmStatements is SQL prepared on every connection the pool creates.
	// Because prepared statements are per-connection server state, a
	// respawned connection would otherwise come up without them.
	WarmStatements []string
}

// NewConnPool creates a pool of driver connections. Each connection the pool
// spawns, whether at warmup or as a replacement for a dead one, gets the
// warm statements prepared before it is handed out.
func NewConnPool(cfg ConnConfig) *Pool[*driver.Conn] {
	factory := func(ctx context.Context) (*driver.Conn, error) {
		conn, err := driver.Connect(ctx, cfg.Conn)
		if err != nil {
			return nil, err
		}
		for _, sql := range cfg.WarmStatements {
			if _, err := conn.Prepare(ctx, "", sql); err != nil {
				conn.Close()
				return nil, fmt.Errorf("failed to prepare warm statement: %w", err)
			}
		}
		return conn, nil
	}
	return New(factory, cfg.Pool)
}
