// Copyright 2024 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package malloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestAlignHelpers(t *testing.T) {
	require.True(t, IsPowerOfTwo(uint64(1)))
	require.True(t, IsPowerOfTwo(uint64(4096)))
	require.False(t, IsPowerOfTwo(uint64(0)))
	require.False(t, IsPowerOfTwo(uint64(12)))

	require.Equal(t, uint64(0), AlignUp(uint64(0), 8))
	require.Equal(t, uint64(8), AlignUp(uint64(1), 8))
	require.Equal(t, uint64(16), AlignUp(uint64(9), 8))
	require.Equal(t, uint64(64), AlignUp(uint64(64), 64))

	require.Equal(t, uint64(24), RoundUp(uint64(13), 12))
	require.Equal(t, uint64(12), RoundUp(uint64(12), 12))

	require.True(t, IsPowerOfTwo(OSPageSize()))
}

func testPageAllocator(t *testing.T, allocator PageAllocator) {
	for _, c := range []struct {
		size      uint64
		alignment uint64
	}{
		{4096, 4096},
		{1024, 1024},
		{64 * KB, 64 * KB},
		{1 * MB, 1 * MB},
		{100, 0},
	} {
		ptr, err := allocator.AllocatePage(c.size, c.alignment)
		require.NoError(t, err)
		require.NotNil(t, ptr)
		if c.alignment > 0 {
			require.Zero(t, uintptr(ptr)&uintptr(c.alignment-1))
		}
		// the whole block is writable
		mem := unsafe.Slice((*byte)(ptr), c.size)
		for i := range mem {
			mem[i] = byte(i)
		}
		require.Equal(t, byte((c.size-1)%256), mem[c.size-1])
		allocator.FreePage(ptr, c.size)
	}

	_, err := allocator.AllocatePage(4096, 12)
	require.Error(t, err)
	_, err = allocator.AllocatePage(0, 4096)
	require.Error(t, err)
}

func TestHeapPageAllocator(t *testing.T) {
	allocator := NewHeapPageAllocator()
	testPageAllocator(t, allocator)
	require.Equal(t, 0, allocator.NumPages())

	ptr, err := allocator.AllocatePage(4096, 4096)
	require.NoError(t, err)
	require.Equal(t, 1, allocator.NumPages())
	allocator.FreePage(ptr, 4096)
	// unknown pages are ignored
	allocator.FreePage(ptr, 4096)
	require.Equal(t, 0, allocator.NumPages())
}

func TestDefaultPageAllocator(t *testing.T) {
	testPageAllocator(t, NewDefaultPageAllocator())
}

func BenchmarkHeapPageAllocator(b *testing.B) {
	allocator := NewHeapPageAllocator()
	for i := 0; i < b.N; i++ {
		ptr, err := allocator.AllocatePage(4096, 4096)
		if err != nil {
			b.Fatal(err)
		}
		allocator.FreePage(ptr, 4096)
	}
}

func BenchmarkParallelDefaultPageAllocator(b *testing.B) {
	allocator := NewDefaultPageAllocator()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			ptr, err := allocator.AllocatePage(64*KB, 64*KB)
			if err != nil {
				b.Fatal(err)
			}
			allocator.FreePage(ptr, 64*KB)
		}
	})
}
