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

// Package bufpool provides size-bucketed byte buffer pooling. Encode paths
// borrow a buffer per message batch and return it after the transport write,
// keeping steady-state allocation flat.
package bufpool

import (
	"math/bits"
	"sync"
)

// sizedPool recycles buffers of one bucket size.
type sizedPool struct {
	size int
	pool sync.Pool
}

func newSizedPool(size int) *sizedPool {
	return &sizedPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				buf := make([]byte, size)
				return &buf
			},
		},
	}
}

// Pool is a set of power-of-2 buckets from minSize to maxSize. Requests
// round up to the nearest bucket; requests beyond maxSize fall through to
// plain allocation.
type Pool struct {
	minSize int
	maxSize int
	pools   []*sizedPool
}

// New creates a pool with buckets [minSize, minSize*2, ..., maxSize].
func New(minSize, maxSize int) *Pool {
	if maxSize < minSize {
		panic("maxSize must be >= minSize")
	}

	var pools []*sizedPool
	curSize := minSize
	for curSize < maxSize {
		pools = append(pools, newSizedPool(curSize))
		curSize *= 2
	}
	pools = append(pools, newSizedPool(maxSize))

	return &Pool{
		minSize: minSize,
		maxSize: maxSize,
		pools:   pools,
	}
}

// findPool returns the smallest bucket holding size bytes, nil when size
// exceeds maxSize.
func (p *Pool) findPool(size int) *sizedPool {
	if size > p.maxSize {
		return nil
	}

	div, rem := bits.Div64(0, uint64(size), uint64(p.minSize))
	idx := bits.Len64(div)
	if rem == 0 && div != 0 && (div&(div-1)) == 0 {
		idx--
	}
	if idx >= len(p.pools) {
		idx = len(p.pools) - 1
	}
	return p.pools[idx]
}

// Get returns a pointer to a slice of length size, capacity possibly larger.
// Return it with Put when done.
func (p *Pool) Get(size int) *[]byte {
	sp := p.findPool(size)
	if sp == nil {
		buf := make([]byte, size)
		return &buf
	}

	buf := sp.pool.Get().(*[]byte)
	*buf = (*buf)[:size]
	return buf
}

// Put returns a buffer for reuse. Buffers whose capacity no longer matches a
// bucket exactly (grown by append, or allocated past maxSize) are discarded;
// pooling an undersized buffer in a larger bucket would hand callers slices
// they cannot extend to the bucket size.
func (p *Pool) Put(buf *[]byte) {
	sp := p.findPool(cap(*buf))
	if sp == nil || sp.size != cap(*buf) {
		return
	}
	*buf = (*buf)[:cap(*buf)]
	sp.pool.Put(buf)
}
