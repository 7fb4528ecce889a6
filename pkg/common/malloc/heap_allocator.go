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
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/matrixorigin/mopool/pkg/common/moerr"
	"github.com/matrixorigin/mopool/pkg/logutil"
)

// HeapPageAllocator carves aligned pages out of Go byte slices. The slices are
// noscan, so page memory may hold pointers into other pages but never into
// other Go objects.
type HeapPageAllocator struct {
	mu    sync.Mutex
	pages map[uintptr][]byte // aligned address -> backing slice
}

var _ PageAllocator = new(HeapPageAllocator)

func NewHeapPageAllocator() *HeapPageAllocator {
	return &HeapPageAllocator{
		pages: make(map[uintptr][]byte),
	}
}

func (h *HeapPageAllocator) AllocatePage(size, alignment uint64) (unsafe.Pointer, error) {
	if alignment == 0 {
		alignment = 1
	}
	if size == 0 || !IsPowerOfTwo(alignment) {
		return nil, moerr.NewInvalidInput(moerr.Context(), "page size %d, alignment %d", size, alignment)
	}

	buf := make([]byte, size+alignment-1)
	base := unsafe.Pointer(unsafe.SliceData(buf))
	addr := uint64(uintptr(base))
	ptr := unsafe.Add(base, AlignUp(addr, alignment)-addr)

	h.mu.Lock()
	h.pages[uintptr(ptr)] = buf
	h.mu.Unlock()
	return ptr, nil
}

func (h *HeapPageAllocator) FreePage(ptr unsafe.Pointer, size uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.pages[uintptr(ptr)]; !ok {
		logutil.Warn("free unknown heap page",
			zap.Uintptr("addr", uintptr(ptr)),
			zap.Uint64("size", size),
		)
		return
	}
	delete(h.pages, uintptr(ptr))
}

// NumPages returns the number of pages not yet freed.
func (h *HeapPageAllocator) NumPages() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pages)
}
