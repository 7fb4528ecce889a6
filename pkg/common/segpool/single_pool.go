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
	"unsafe"

	"github.com/matrixorigin/mopool/pkg/common/moerr"
)

// SinglePool is a pool for one goroutine at a time. It does no locking.
type SinglePool struct {
	*pool
	provider localProvider
	engine   *allocationEngine[localProvider]
}

func NewSinglePool(opts ...Option) (*SinglePool, error) {
	base, o, err := newPool("single", opts)
	if err != nil {
		return nil, err
	}
	provider := newLocalProvider(base.src)
	engine, err := newAllocationEngine(provider, 0, o.config)
	if err != nil {
		return nil, err
	}
	return &SinglePool{
		pool:     base,
		provider: provider,
		engine:   engine,
	}, nil
}

// Allocate reserves a slot of at least size bytes aligned to alignment.
func (s *SinglePool) Allocate(size, alignment uint64) (AllocateAddress, error) {
	addr, err := s.engine.Allocate(size, alignment)
	if err != nil {
		return addr, err
	}
	s.onAllocate(addr)
	return addr, nil
}

// Deallocate frees the slot at ptr and returns its size. Size and alignment
// are not needed to find the slot. A pointer the pool does not own is logged
// and 0 is returned.
func (s *SinglePool) Deallocate(ptr unsafe.Pointer, size, alignment uint64) uint64 {
	if s.records != nil && !s.records.remove(ptr) {
		s.badPointer("deallocate", uintptr(ptr), s.unrecordedError(ptr))
		return 0
	}
	freed := s.engine.Deallocate(ptr)
	if freed == 0 {
		s.badPointer("deallocate", uintptr(ptr), moerr.NewInvalidPointer(context.Background(), uintptr(ptr), s.name))
		return 0
	}
	s.onDeallocate(freed)
	return freed
}

func (s *SinglePool) unrecordedError(ptr unsafe.Pointer) error {
	if _, ok := s.engine.lookup(ptr); ok {
		return moerr.NewDoubleFree(context.Background(), uintptr(ptr), s.name)
	}
	return moerr.NewInvalidPointer(context.Background(), uintptr(ptr), s.name)
}

// Reallocate is not supported by slot pools.
func (s *SinglePool) Reallocate(ptr unsafe.Pointer, newSize, alignment uint64) (AllocateAddress, error) {
	return AllocateAddress{}, moerr.NewNotSupported(context.Background(), "reallocate in pool %s", s.name)
}

// GetAllocatedSize returns the slot size behind ptr, or 0 if the pool does not
// own ptr.
func (s *SinglePool) GetAllocatedSize(ptr unsafe.Pointer, alignment uint64) uint64 {
	size := s.engine.GetAllocatedSize(ptr)
	if size == 0 {
		s.badPointer("get allocated size", uintptr(ptr), moerr.NewInvalidPointer(context.Background(), uintptr(ptr), s.name))
	}
	return size
}

// GarbageCollect returns every empty page to the page allocator.
func (s *SinglePool) GarbageCollect() {
	released := s.engine.GarbageCollect()
	freed := s.provider.release()
	s.gcDone(released, freed)
}

func (s *SinglePool) NumAllocatedBytes() uint64 {
	return s.engine.NumAllocatedBytes()
}

func (s *SinglePool) Stats() Stats {
	stats := Stats{
		Capacity:     s.Capacity(),
		PeakCapacity: s.src.tracker.Peak().Value,
		NumFreePages: s.provider.free.size,
		NumThreads:   1,
	}
	s.engine.stats(&stats)
	return stats
}

// Destroy releases every page, including pages with live slots, which are
// reported as leaks. The pool may be used again afterwards.
func (s *SinglePool) Destroy() {
	released := s.engine.GarbageCollect()
	freed := s.provider.release()
	s.gcDone(released, freed)
	s.destroyed(s.engine.releaseAll())
}
