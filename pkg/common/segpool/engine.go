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
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/matrixorigin/mopool/pkg/common/malloc"
	"github.com/matrixorigin/mopool/pkg/common/moerr"
)

// allocationEngine serves slots out of per-size buckets. It is not safe for
// concurrent use; pools serialize access to it.
type allocationEngine[P pageProvider] struct {
	provider P
	owner    uint32

	pageSize           uint64
	minAllocationSize  uint64
	maxAllocationSize  uint64
	minAllocationShift uint
	numBuckets         int

	// allocated on first use, dropped when GC leaves every bucket empty
	buckets []bucket

	numBytesAllocated atomic.Uint64
}

func newAllocationEngine[P pageProvider](
	provider P,
	owner uint32,
	config Config,
) (*allocationEngine[P], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	minSize := max(config.MinAllocationSize, minAllocationSizeFloor)
	e := &allocationEngine[P]{
		provider:          provider,
		owner:             owner,
		pageSize:          config.PageSize,
		minAllocationSize: minSize,
		maxAllocationSize: config.MaxAllocationSize,
		numBuckets:        int(config.MaxAllocationSize / minSize),
	}
	if malloc.IsPowerOfTwo(minSize) {
		e.minAllocationShift = uint(bits.TrailingZeros64(minSize))
	}
	return e, nil
}

// slotSize rounds a request up to the slot that serves it.
func (e *allocationEngine[P]) slotSize(size, alignment uint64) (uint64, error) {
	if alignment == 0 {
		alignment = 1
	}
	if !malloc.IsPowerOfTwo(alignment) {
		return 0, moerr.NewInvalidInput(context.Background(), "alignment %d is not a power of two", alignment)
	}
	if size == 0 {
		size = 1
	}
	rounded := malloc.AlignUp(malloc.RoundUp(size, e.minAllocationSize), alignment)
	if rounded > e.maxAllocationSize || rounded < size {
		return 0, moerr.NewInvalidInput(context.Background(),
			"allocation of %d bytes aligned to %d exceeds max allocation size %d", size, alignment, e.maxAllocationSize)
	}
	return rounded, nil
}

func (e *allocationEngine[P]) bucketIndex(slotSize uint64) int {
	if e.numBuckets == 1 {
		return 0
	}
	return int(slotSize>>e.minAllocationShift) - 1
}

func (e *allocationEngine[P]) Allocate(size, alignment uint64) (AllocateAddress, error) {
	slot, err := e.slotSize(size, alignment)
	if err != nil {
		return AllocateAddress{}, err
	}
	if e.buckets == nil {
		e.buckets = make([]bucket, e.numBuckets)
	}
	bin := e.bucketIndex(slot)
	b := &e.buckets[bin]

	p := b.front
	if p == nil || p.full() {
		p, err = e.takePage(uint16(bin), uint32(slot))
		if err != nil {
			return AllocateAddress{}, err
		}
		b.pushFront(p)
		e.provider.source().bucketPagesChanged(1)
	}

	if p.numFree == 1 {
		// the last slot: full pages sink behind pages that still have room
		b.moveToBack(p)
	}
	ptr := p.pop()
	e.numBytesAllocated.Add(slot)

	return AllocateAddress{
		Address: ptr,
		Size:    slot,
	}, nil
}

// takePage reuses a free page, re-carving it if it served another size, or
// creates a new one.
func (e *allocationEngine[P]) takePage(bin uint16, elementSize uint32) (*page, error) {
	p := e.provider.popFreePage()
	if p == nil {
		var err error
		p, err = e.provider.newPage()
		if err != nil {
			return nil, moerr.NewOOM(context.Background()).WithDetail(err.Error())
		}
	}
	if p.bin != bin || p.elementSize != elementSize {
		p.carve(bin, elementSize, e.pageSize)
	}
	p.owner = e.owner
	return p, nil
}

// lookup recovers the page of a slot this engine's pool handed out.
func (e *allocationEngine[P]) lookup(ptr unsafe.Pointer) (*page, bool) {
	return e.provider.source().lookup(ptr)
}

// Deallocate returns the slot size freed, or 0 if ptr is not a live slot of
// this pool.
func (e *allocationEngine[P]) Deallocate(ptr unsafe.Pointer) uint64 {
	p, ok := e.lookup(ptr)
	if !ok || p.empty() {
		return 0
	}
	return e.deallocate(p, ptr)
}

func (e *allocationEngine[P]) deallocate(p *page, ptr unsafe.Pointer) uint64 {
	b := &e.buckets[p.bin]
	wasFull := p.full()
	p.push(ptr)

	switch {
	case wasFull:
		b.moveToFront(p)
	case p.empty() && b.front != p:
		e.retirePage(b, p)
	case p.empty() && p.next != nil && p.next.numFree < p.next.maxNumElements:
		// an empty front page yields to a partially used one behind it
		e.retirePage(b, p)
	}

	size := uint64(p.elementSize)
	e.numBytesAllocated.Add(^(size - 1))
	return size
}

func (e *allocationEngine[P]) retirePage(b *bucket, p *page) {
	b.remove(p)
	e.provider.source().bucketPagesChanged(-1)
	e.provider.pushFreePage(p)
}

// GetAllocatedSize returns the slot size behind ptr, or 0 if ptr is not a slot
// of this pool.
func (e *allocationEngine[P]) GetAllocatedSize(ptr unsafe.Pointer) uint64 {
	p, ok := e.lookup(ptr)
	if !ok {
		return 0
	}
	return uint64(p.elementSize)
}

// GarbageCollect releases every empty bucket page to the page allocator and
// returns how many were released.
func (e *allocationEngine[P]) GarbageCollect() int {
	if e.buckets == nil {
		return 0
	}
	released := 0
	inUse := false
	for i := range e.buckets {
		b := &e.buckets[i]
		for p := b.front; p != nil; {
			next := p.next
			if p.empty() {
				b.remove(p)
				e.provider.source().releasePage(p)
				released++
			}
			p = next
		}
		if b.numPages > 0 {
			inUse = true
		}
	}
	e.provider.source().bucketPagesChanged(-released)
	if !inUse {
		e.buckets = nil
	}
	return released
}

// releaseAll releases every bucket page, live slots included, and returns the
// bytes that were still allocated.
func (e *allocationEngine[P]) releaseAll() uint64 {
	for i := range e.buckets {
		b := &e.buckets[i]
		for p := b.front; p != nil; {
			next := p.next
			b.remove(p)
			e.provider.source().releasePage(p)
			e.provider.source().bucketPagesChanged(-1)
			p = next
		}
	}
	e.buckets = nil
	return e.numBytesAllocated.Swap(0)
}

func (e *allocationEngine[P]) NumAllocatedBytes() uint64 {
	return e.numBytesAllocated.Load()
}

// stats appends the engine's non-empty buckets.
func (e *allocationEngine[P]) stats(s *Stats) {
	for i := range e.buckets {
		b := &e.buckets[i]
		if b.numPages == 0 {
			continue
		}
		numFree := 0
		for p := b.front; p != nil; p = p.next {
			numFree += int(p.numFree)
		}
		s.Buckets = append(s.Buckets, BucketStats{
			ElementSize: uint64(i+1) * e.minAllocationSize,
			NumPages:    b.numPages,
			NumFree:     numFree,
		})
		s.NumPages += b.numPages
	}
	s.NumAllocatedBytes += e.NumAllocatedBytes()
}
