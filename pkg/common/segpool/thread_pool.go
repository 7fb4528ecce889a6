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
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/matrixorigin/mopool/pkg/common/moerr"
)

// ThreadData is the state a ThreadPool keeps for one thread: its engine and
// the slots other threads freed on its behalf.
type ThreadData struct {
	// serializes the consumers of this thread's engine and remote stack
	mu     sync.Mutex
	index  uint32
	engine *allocationEngine[sharedProvider]
	remote freeStack
}

// ThreadPool is a pool safe for concurrent use. Each thread allocates from its
// own engine; a slot freed by another thread goes back to its owner through a
// lock-free stack.
type ThreadPool struct {
	*pool
	local ThreadLocal

	// guards thread registration and free
	mu       sync.Mutex
	free     pageList
	provider sharedProvider
	threads  atomic.Pointer[[]*ThreadData]
}

func NewThreadPool(opts ...Option) (*ThreadPool, error) {
	base, o, err := newPool("thread", opts)
	if err != nil {
		return nil, err
	}
	t := &ThreadPool{
		pool:  base,
		local: o.local,
	}
	if t.local == nil {
		t.local = defaultThreadLocal()
	}
	t.provider = sharedProvider{
		src:  base.src,
		mu:   &t.mu,
		free: &t.free,
	}
	t.threads.Store(new([]*ThreadData))
	return t, nil
}

var defaultThreadLocal = func() ThreadLocal {
	return newProcLocal()
}

func (t *ThreadPool) loadThreads() []*ThreadData {
	return *t.threads.Load()
}

func (t *ThreadPool) thread(index uint32) *ThreadData {
	threads := t.loadThreads()
	if int(index) >= len(threads) {
		return nil
	}
	return threads[index]
}

// threadData returns the caller's data, registering it on first use.
func (t *ThreadPool) threadData() (*ThreadData, error) {
	if td := t.local.Get(); td != nil {
		return td, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if td := t.local.Get(); td != nil {
		return td, nil
	}
	threads := t.loadThreads()
	engine, err := newAllocationEngine(t.provider, uint32(len(threads)), t.config)
	if err != nil {
		return nil, err
	}
	td := &ThreadData{
		index:  uint32(len(threads)),
		engine: engine,
	}
	// published before Set, so remote frees of its slots always find it
	registered := append(slices.Clip(threads), td)
	t.threads.Store(&registered)
	if stored := t.local.Set(td); stored != td {
		// the goroutine moved to a processor that already has data
		t.threads.Store(&threads)
		return stored, nil
	}
	return td, nil
}

// drain reclaims the slots other threads freed for td. td.mu must be held.
func (t *ThreadPool) drain(td *ThreadData) {
	head := td.remote.popAll()
	n, looped := chainLen(head)
	node := head
	for i := 0; i < n; i++ {
		next := node.next
		ptr := unsafe.Pointer(node)
		// a remote double free of a slot whose page already emptied is dropped
		if p, ok := t.src.lookup(ptr); ok && !p.empty() {
			td.engine.deallocate(p, ptr)
		}
		node = next
	}
	if looped {
		// node is the slot that was pushed twice; it was reclaimed once
		t.badPointer("deallocate", uintptr(unsafe.Pointer(node)),
			moerr.NewDoubleFree(context.Background(), uintptr(unsafe.Pointer(node)), t.name))
	}
}

// Allocate reserves a slot of at least size bytes aligned to alignment from the
// calling thread's engine.
func (t *ThreadPool) Allocate(size, alignment uint64) (AllocateAddress, error) {
	td, err := t.threadData()
	if err != nil {
		return AllocateAddress{}, err
	}
	td.mu.Lock()
	t.drain(td)
	addr, err := td.engine.Allocate(size, alignment)
	td.mu.Unlock()
	if err != nil {
		return addr, err
	}
	t.onAllocate(addr)
	return addr, nil
}

// Deallocate frees the slot at ptr and returns its size. A slot owned by
// another thread is handed to that thread and reclaimed on its next Allocate.
//
// Without allocation records a double free is caught only when its page is
// already empty, or when a non-owner frees a slot twice before the owner
// reclaims it. Freeing a slot again after it was reclaimed corrupts the pool.
func (t *ThreadPool) Deallocate(ptr unsafe.Pointer, size, alignment uint64) uint64 {
	if t.records != nil && !t.records.remove(ptr) {
		t.badPointer("deallocate", uintptr(ptr), t.unrecordedError(ptr))
		return 0
	}
	p, ok := t.src.lookup(ptr)
	if !ok {
		t.badPointer("deallocate", uintptr(ptr), moerr.NewInvalidPointer(context.Background(), uintptr(ptr), t.name))
		return 0
	}
	owner := t.thread(p.owner)
	if owner == nil {
		t.badPointer("deallocate", uintptr(ptr), moerr.NewInvalidPointer(context.Background(), uintptr(ptr), t.name))
		return 0
	}

	var freed uint64
	if t.local.Get() == owner {
		owner.mu.Lock()
		if !p.empty() {
			freed = owner.engine.deallocate(p, ptr)
		}
		owner.mu.Unlock()
		if freed == 0 {
			t.badPointer("deallocate", uintptr(ptr), moerr.NewDoubleFree(context.Background(), uintptr(ptr), t.name))
			return 0
		}
	} else {
		// the slot is live, so its page cannot change size under us
		freed = uint64(p.elementSize)
		owner.remote.push(ptr)
		if t.metrics != nil {
			t.metrics.CrossThreadFree.Inc()
		}
	}
	t.onDeallocate(freed)
	return freed
}

func (t *ThreadPool) unrecordedError(ptr unsafe.Pointer) error {
	if _, ok := t.src.lookup(ptr); ok {
		return moerr.NewDoubleFree(context.Background(), uintptr(ptr), t.name)
	}
	return moerr.NewInvalidPointer(context.Background(), uintptr(ptr), t.name)
}

// Reallocate is not supported by slot pools.
func (t *ThreadPool) Reallocate(ptr unsafe.Pointer, newSize, alignment uint64) (AllocateAddress, error) {
	return AllocateAddress{}, moerr.NewNotSupported(context.Background(), "reallocate in pool %s", t.name)
}

// GetAllocatedSize returns the slot size behind ptr, or 0 if the pool does not
// own ptr.
func (t *ThreadPool) GetAllocatedSize(ptr unsafe.Pointer, alignment uint64) uint64 {
	p, ok := t.src.lookup(ptr)
	if !ok {
		t.badPointer("get allocated size", uintptr(ptr), moerr.NewInvalidPointer(context.Background(), uintptr(ptr), t.name))
		return 0
	}
	return uint64(p.elementSize)
}

// GarbageCollect reclaims pending remote frees of every thread and returns
// every empty page to the page allocator. Slots must not be freed concurrently
// with a pointer that is no longer allocated.
func (t *ThreadPool) GarbageCollect() {
	released := 0
	for _, td := range t.loadThreads() {
		td.mu.Lock()
		t.drain(td)
		released += td.engine.GarbageCollect()
		td.mu.Unlock()
	}
	freed := t.releaseFreePages()
	t.gcDone(released, freed)
}

func (t *ThreadPool) releaseFreePages() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for p := t.free.pop(); p != nil; p = t.free.pop() {
		t.src.releasePage(p)
		n++
	}
	t.src.freePagesChanged(-n)
	return n
}

// NumAllocatedBytes sums the engines of every known thread. Slots freed by a
// non-owner count until their owner reclaims them.
func (t *ThreadPool) NumAllocatedBytes() uint64 {
	var n uint64
	for _, td := range t.loadThreads() {
		n += td.engine.NumAllocatedBytes()
	}
	return n
}

// NumThreads returns the number of threads that have allocated from the pool.
func (t *ThreadPool) NumThreads() int {
	return len(t.loadThreads())
}

func (t *ThreadPool) Stats() Stats {
	threads := t.loadThreads()
	stats := Stats{
		Capacity:     t.Capacity(),
		PeakCapacity: t.src.tracker.Peak().Value,
		NumThreads:   len(threads),
	}
	for _, td := range threads {
		td.mu.Lock()
		td.engine.stats(&stats)
		td.mu.Unlock()
	}
	t.mu.Lock()
	stats.NumFreePages = t.free.size
	t.mu.Unlock()
	return stats
}

// Destroy releases every page of every thread, including pages with live
// slots, which are reported as leaks.
func (t *ThreadPool) Destroy() {
	var released int
	var leaked uint64
	for _, td := range t.loadThreads() {
		td.mu.Lock()
		t.drain(td)
		released += td.engine.GarbageCollect()
		leaked += td.engine.releaseAll()
		td.mu.Unlock()
	}
	freed := t.releaseFreePages()
	t.gcDone(released, freed)
	t.destroyed(leaked)
}
