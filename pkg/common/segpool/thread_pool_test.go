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
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/lni/goutils/leaktest"
	"github.com/panjf2000/ants/v2"
	"github.com/prashantv/gostub"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/mopool/pkg/common/moerr"
	v2 "github.com/matrixorigin/mopool/pkg/util/metric/v2"
)

func newTestThreadPool(t *testing.T, opts ...Option) (*ThreadPool, *testThreadLocal, *countingAllocator) {
	local := newTestThreadLocal()
	allocator := newCountingAllocator()
	opts = append([]Option{
		WithThreadLocal(local),
		WithPageAllocator(allocator),
	}, opts...)
	pool, err := NewThreadPool(opts...)
	require.NoError(t, err)
	return pool, local, allocator
}

func TestThreadPoolLocalFree(t *testing.T) {
	pool, _, allocator := newTestThreadPool(t)
	defer pool.Destroy()

	addr, err := pool.Allocate(24, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(24), addr.Size)
	require.Equal(t, 1, pool.NumThreads())
	require.Equal(t, uint64(24), pool.GetAllocatedSize(addr.Address, 0))
	require.Equal(t, uint64(24), pool.NumAllocatedBytes())

	require.Equal(t, uint64(24), pool.Deallocate(addr.Address, 24, 0))
	require.Zero(t, pool.NumAllocatedBytes())

	again, err := pool.Allocate(24, 0)
	require.NoError(t, err)
	require.Equal(t, addr.Address, again.Address)
	require.Equal(t, int64(1), allocator.allocated.Load())
}

func TestThreadPoolCrossThreadFree(t *testing.T) {
	pool, local, allocator := newTestThreadPool(t, WithName("thread-cross"), WithMetrics())
	defer pool.Destroy()

	local.current = 0
	addr, err := pool.Allocate(40, 0)
	require.NoError(t, err)
	owner := local.Get()

	// freed by another thread: sized at once, reclaimed later
	local.current = 1
	require.Equal(t, uint64(40), pool.Deallocate(addr.Address, 40, 0))
	require.False(t, owner.remote.empty())
	require.Equal(t, uint64(40), pool.NumAllocatedBytes())
	require.Equal(t, float64(1), testutil.ToFloat64(v2.NewPoolMetrics("thread-cross").CrossThreadFree))

	// the other thread allocates from its own engine and page
	other, err := pool.Allocate(40, 0)
	require.NoError(t, err)
	require.NotEqual(t, addr.Address, other.Address)
	require.Equal(t, 2, pool.NumThreads())
	require.Equal(t, int64(2), allocator.allocated.Load())
	require.Equal(t, uint64(40), pool.Deallocate(other.Address, 40, 0))

	// the owner reclaims on its next allocation and reuses the slot
	local.current = 0
	reused, err := pool.Allocate(40, 0)
	require.NoError(t, err)
	require.True(t, owner.remote.empty())
	require.Equal(t, addr.Address, reused.Address)
	require.Equal(t, uint64(40), pool.NumAllocatedBytes())
	require.Equal(t, uint64(40), pool.Deallocate(reused.Address, 40, 0))
	require.Zero(t, pool.NumAllocatedBytes())
}

func TestThreadPoolCrossThreadDoubleFree(t *testing.T) {
	pool, local, _ := newTestThreadPool(t, WithName("thread-double"), WithMetrics())
	defer pool.Destroy()

	local.current = 0
	addr, err := pool.Allocate(8, 0)
	require.NoError(t, err)
	_, err = pool.Allocate(8, 0)
	require.NoError(t, err)

	// both frees are queued for the owner before it reclaims either
	local.current = 1
	require.Equal(t, uint64(8), pool.Deallocate(addr.Address, 8, 0))
	require.Equal(t, uint64(8), pool.Deallocate(addr.Address, 8, 0))

	local.current = 0
	x, err := pool.Allocate(8, 0)
	require.NoError(t, err)
	y, err := pool.Allocate(8, 0)
	require.NoError(t, err)
	require.Equal(t, addr.Address, x.Address)
	require.NotEqual(t, x.Address, y.Address)
	require.Equal(t, uint64(24), pool.NumAllocatedBytes())
	require.Equal(t, float64(1), testutil.ToFloat64(v2.NewPoolMetrics("thread-double").BadFree))
}

func TestThreadPoolGarbageCollectDrains(t *testing.T) {
	pool, local, allocator := newTestThreadPool(t)
	defer pool.Destroy()

	local.current = 0
	var addrs []AllocateAddress
	for i := 0; i < 1000; i++ {
		addr, err := pool.Allocate(64, 0)
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	require.Greater(t, allocator.live(), int64(10))

	local.current = 1
	for _, addr := range addrs {
		require.Equal(t, uint64(64), pool.Deallocate(addr.Address, 64, 0))
	}
	require.Equal(t, uint64(64000), pool.NumAllocatedBytes())

	pool.GarbageCollect()
	require.Zero(t, pool.NumAllocatedBytes())
	require.Zero(t, allocator.live())
	require.Zero(t, pool.Capacity())

	pool.GarbageCollect()
	require.Zero(t, allocator.live())
}

func TestThreadPoolSharedFreePages(t *testing.T) {
	pool, local, allocator := newTestThreadPool(t)
	defer pool.Destroy()
	n := slotsPerPage(4096, 8)

	// thread 0 retires a page into the shared free pool
	local.current = 0
	for i := 0; i < n; i++ {
		_, err := pool.Allocate(8, 0)
		require.NoError(t, err)
	}
	spill, err := pool.Allocate(8, 0)
	require.NoError(t, err)
	pool.Deallocate(spill.Address, 8, 0)
	require.Equal(t, 1, pool.Stats().NumFreePages)

	// thread 1 picks it up for another size
	local.current = 1
	addr, err := pool.Allocate(256, 0)
	require.NoError(t, err)
	require.Equal(t, int64(2), allocator.allocated.Load())
	require.Zero(t, pool.Stats().NumFreePages)

	// its slots now belong to thread 1
	require.Equal(t, uint64(256), pool.Deallocate(addr.Address, 256, 0))
	require.True(t, local.data[1].remote.empty())
}

func TestThreadPoolBadPointers(t *testing.T) {
	config := DefaultConfig()
	config.AllocationRecords = true
	pool, local, _ := newTestThreadPool(t, WithConfig(config))
	defer pool.Destroy()

	var x int64
	require.Zero(t, pool.Deallocate(unsafe.Pointer(&x), 8, 0))
	require.Zero(t, pool.GetAllocatedSize(unsafe.Pointer(&x), 0))

	addr, err := pool.Allocate(8, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), pool.NumRecords())
	require.Zero(t, pool.Deallocate(unsafe.Add(addr.Address, 3), 8, 0))

	local.current = 1
	require.Equal(t, uint64(8), pool.Deallocate(addr.Address, 8, 0))
	// a second remote free would corrupt the owner's stack, records refuse it
	require.Zero(t, pool.Deallocate(addr.Address, 8, 0))
	require.Zero(t, pool.NumRecords())

	_, err = pool.Reallocate(addr.Address, 16, 0)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrNotSupported))
}

func TestThreadPoolStatsAndDestroy(t *testing.T) {
	pool, local, allocator := newTestThreadPool(t)

	for thread := 0; thread < 3; thread++ {
		local.current = thread
		for i := 0; i < 10; i++ {
			_, err := pool.Allocate(128, 0)
			require.NoError(t, err)
		}
	}
	stats := pool.Stats()
	require.Equal(t, 3, stats.NumThreads)
	require.Equal(t, 3, stats.NumPages)
	require.Len(t, stats.Buckets, 3)
	require.Equal(t, uint64(3*10*128), stats.NumAllocatedBytes)
	require.Equal(t, uint64(3*4096), stats.Capacity)

	pool.Destroy()
	require.Zero(t, allocator.live())
	require.Zero(t, pool.NumAllocatedBytes())
	require.Zero(t, pool.Capacity())
}

func TestThreadPoolDefaultThreadLocal(t *testing.T) {
	local := newTestThreadLocal()
	stubs := gostub.Stub(&defaultThreadLocal, func() ThreadLocal {
		return local
	})
	defer stubs.Reset()

	pool, err := NewThreadPool(WithPageAllocator(newCountingAllocator()))
	require.NoError(t, err)
	defer pool.Destroy()

	_, err = pool.Allocate(8, 0)
	require.NoError(t, err)
	require.NotNil(t, local.data[0])
}

func TestThreadPoolInvalidConfig(t *testing.T) {
	pool, err := NewThreadPool(WithConfig(Config{MinAllocationSize: 16, MaxAllocationSize: 40}))
	require.Nil(t, pool)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrBadConfig))
}

func TestProcLocal(t *testing.T) {
	local := newProcLocal()
	require.Nil(t, local.Get())

	td := &ThreadData{}
	stored := local.Set(td)
	found := false
	for i := range local.slots {
		if local.slots[i].Load() == stored {
			found = true
		}
	}
	require.True(t, found)

	// the first data stored for a processor wins
	single := &procLocal{slots: make([]atomic.Pointer[ThreadData], 1)}
	require.Same(t, td, single.Set(td))
	require.Same(t, td, single.Set(&ThreadData{}))
	require.Same(t, td, single.Get())
}

func TestThreadPoolRegisterLosesToStoredData(t *testing.T) {
	pool, local, allocator := newTestThreadPool(t)
	defer pool.Destroy()

	local.current = 0
	first, err := pool.Allocate(16, 0)
	require.NoError(t, err)
	owner := local.Get()

	// registration finds no data, but the processor already has some by Set
	local.misses = 2
	second, err := pool.Allocate(16, 0)
	require.NoError(t, err)
	require.Zero(t, local.misses)
	require.Equal(t, 1, pool.NumThreads())
	require.Equal(t, int64(1), allocator.allocated.Load())
	require.Same(t, owner, local.Get())

	// both slots belong to the stored data and are freed locally
	require.Equal(t, uint64(16), pool.Deallocate(second.Address, 16, 0))
	require.Equal(t, uint64(16), pool.Deallocate(first.Address, 16, 0))
	require.True(t, owner.remote.empty())
	require.Zero(t, pool.NumAllocatedBytes())
}

// TestThreadPoolConcurrent hands slots between workers so that many frees
// cross threads, then checks every byte is accounted for.
func TestThreadPoolConcurrent(t *testing.T) {
	defer leaktest.AfterTest(t)()

	allocator := newCountingAllocator()
	pool, err := NewThreadPool(WithPageAllocator(allocator), WithName("thread-concurrent"))
	require.NoError(t, err)
	defer pool.Destroy()

	workers, err := ants.NewPool(8)
	require.NoError(t, err)
	defer workers.Release()

	const (
		numTasks       = 64
		allocsPerTask  = 500
		handoffBacklog = 1024
	)
	handoff := make(chan AllocateAddress, handoffBacklog)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures []error

	for i := 0; i < numTasks; i++ {
		wg.Add(1)
		seed := int64(i)
		require.NoError(t, workers.Submit(func() {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for j := 0; j < allocsPerTask; j++ {
				size := uint64(r.Intn(512)) + 1
				addr, err := pool.Allocate(size, 0)
				if err != nil {
					mu.Lock()
					failures = append(failures, err)
					mu.Unlock()
					return
				}
				*(*byte)(addr.Address) = byte(j)

				select {
				case handoff <- addr:
				default:
					pool.Deallocate(addr.Address, size, 0)
				}
				select {
				case other := <-handoff:
					pool.Deallocate(other.Address, other.Size, 0)
				default:
				}
			}
		}))
	}
	wg.Wait()
	close(handoff)
	for addr := range handoff {
		pool.Deallocate(addr.Address, addr.Size, 0)
	}
	require.Empty(t, failures)

	pool.GarbageCollect()
	require.Zero(t, pool.NumAllocatedBytes())
	require.Zero(t, allocator.live())
}

func BenchmarkThreadPoolParallel(b *testing.B) {
	pool, err := NewThreadPool()
	if err != nil {
		b.Fatal(err)
	}
	defer pool.Destroy()
	b.RunParallel(func(pb *testing.PB) {
		for i := 0; pb.Next(); i++ {
			addr, err := pool.Allocate(uint64(i%256)+1, 0)
			if err != nil {
				b.Fatal(err)
			}
			pool.Deallocate(addr.Address, addr.Size, 0)
		}
	})
}
