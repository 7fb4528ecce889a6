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
	"sync"
	"unsafe"

	"github.com/RoaringBitmap/roaring/roaring64"
	"go.uber.org/zap"

	"github.com/matrixorigin/mopool/pkg/common/malloc"
)

const maxReportedLeaks = 16

// allocationRecords tracks the live slots of a pool together with the stack
// that allocated each of them.
type allocationRecords struct {
	mu     sync.Mutex
	live   *roaring64.Bitmap
	stacks map[uint64]malloc.StacktraceID
}

func newAllocationRecords() *allocationRecords {
	return &allocationRecords{
		live:   roaring64.New(),
		stacks: make(map[uint64]malloc.StacktraceID),
	}
}

// add records a slot handed out by Allocate, called skip frames below the
// pool's public method.
func (r *allocationRecords) add(ptr unsafe.Pointer, skip int) {
	stack := malloc.GetStacktraceID(skip + 1)
	addr := uint64(uintptr(ptr))
	r.mu.Lock()
	r.live.Add(addr)
	r.stacks[addr] = stack
	r.mu.Unlock()
}

// remove forgets a slot and reports whether it was live.
func (r *allocationRecords) remove(ptr unsafe.Pointer) bool {
	addr := uint64(uintptr(ptr))
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.live.CheckedRemove(addr) {
		return false
	}
	delete(r.stacks, addr)
	return true
}

func (r *allocationRecords) contains(ptr unsafe.Pointer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live.Contains(uint64(uintptr(ptr)))
}

func (r *allocationRecords) len() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live.GetCardinality()
}

// reportLeaks logs the first live slots with their allocation stacks and
// clears the records.
func (r *allocationRecords) reportLeaks(logger *zap.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.live.GetCardinality()
	if n == 0 {
		return
	}
	it := r.live.Iterator()
	for i := 0; i < maxReportedLeaks && it.HasNext(); i++ {
		addr := it.Next()
		logger.Warn("leaked allocation",
			zap.Uint64("addr", addr),
			zap.Stringer("stack", r.stacks[addr]),
		)
	}
	logger.Warn("leaked allocations", zap.Uint64("count", n))
	r.live.Clear()
	clear(r.stacks)
}
