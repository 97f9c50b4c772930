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

package bufpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolGetPut(t *testing.T) {
	pool := New(1024, 16384)

	buf := pool.Get(2048)
	require.NotNil(t, buf)
	assert.Equal(t, 2048, len(*buf), "length should be the requested size")
	assert.Equal(t, 2048, cap(*buf), "capacity should match the 2048 bucket")

	pool.Put(buf)

	buf2 := pool.Get(2048)
	require.NotNil(t, buf2)
	assert.Equal(t, 2048, len(*buf2))
	assert.Equal(t, 2048, cap(*buf2))
}

func TestPoolSizeRoundingUp(t *testing.T) {
	// Buckets: 1024, 2048, 4096, 8192, 16384.
	pool := New(1024, 16384)

	testCases := []struct {
		requestSize    int
		expectedBucket int
	}{
		{1000, 1024},
		{1024, 1024},
		{1025, 2048},
		{1500, 2048},
		{3000, 4096},
		{8192, 8192},
		{16384, 16384},
	}
	for _, tc := range testCases {
		buf := pool.Get(tc.requestSize)
		require.NotNil(t, buf)
		assert.Equal(t, tc.requestSize, len(*buf), "size %d", tc.requestSize)
		assert.Equal(t, tc.expectedBucket, cap(*buf), "size %d", tc.requestSize)
		pool.Put(buf)
	}
}

func TestPoolOversizedAllocation(t *testing.T) {
	pool := New(1024, 4096)

	// Beyond maxSize: allocated directly, never pooled.
	buf := pool.Get(10000)
	require.NotNil(t, buf)
	assert.Equal(t, 10000, len(*buf))
	pool.Put(buf)
}

func TestPoolDiscardsGrownBuffers(t *testing.T) {
	pool := New(1024, 4096)

	buf := pool.Get(1024)
	grown := append(*buf, make([]byte, 5000)...)
	pool.Put(&grown)

	// The next Get must still yield a correctly sized buffer.
	buf2 := pool.Get(2048)
	require.NotNil(t, buf2)
	assert.Equal(t, 2048, len(*buf2))
	assert.GreaterOrEqual(t, cap(*buf2), 2048)
}
