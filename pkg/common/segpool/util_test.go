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

package segpool

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/mopool/pkg/common/malloc"
)

type countingAllocator struct {
	*malloc.HeapPageAllocator
	allocated atomic.Int64
	freed     atomic.Int64
}

func newCountingAllocator() *countingAllocator {
	return &countingAllocator{
		HeapPageAllocator: malloc.NewHeapPageAllocator(),
	}
}

func (c *countingAllocator) AllocatePage(size, alignment uint64) (unsafe.Pointer, error) {
	c.allocated.Add(1)
	return c.HeapPageAllocator.AllocatePage(size, alignment)
}

func (c *countingAllocator) FreePage(ptr unsafe.Pointer, size uint64) {
	c.freed.Add(1)
	c.HeapPageAllocator.FreePage(ptr, size)
}

func (c *countingAllocator) live() int64 {
	return c.allocated.Load() - c.freed.Load()
}

// testThreadLocal lets a test decide which thread is calling.
type testThreadLocal struct {
	current int
	data    map[int]*ThreadData
	// misses makes the next Gets return nil, as if the goroutine ran on a
	// processor without data
	misses int
}

func newTestThreadLocal() *testThreadLocal {
	return &testThreadLocal{
		data: make(map[int]*ThreadData),
	}
}

func (l *testThreadLocal) Get() *ThreadData {
	if l.misses > 0 {
		l.misses--
		return nil
	}
	return l.data[l.current]
}

func (l *testThreadLocal) Set(td *ThreadData) *ThreadData {
	if stored, ok := l.data[l.current]; ok {
		return stored
	}
	l.data[l.current] = td
	return td
}

func slotsPerPage(pageSize, elementSize uint64) int {
	return int((pageSize - headerSize) / elementSize)
}

func newTestEngine(t *testing.T, allocator malloc.PageAllocator, config Config) *allocationEngine[localProvider] {
	src := newPageSource(allocator, config.PageSize, nil)
	e, err := newAllocationEngine(newLocalProvider(src), 0, config)
	require.NoError(t, err)
	return e
}

func mustLookup(t *testing.T, e *allocationEngine[localProvider], ptr unsafe.Pointer) *page {
	p, ok := e.lookup(ptr)
	require.True(t, ok)
	return p
}
