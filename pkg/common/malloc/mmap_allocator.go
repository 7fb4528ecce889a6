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

//go:build linux || darwin

package malloc

import (
	"sync"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/matrixorigin/mopool/pkg/common/moerr"
	"github.com/matrixorigin/mopool/pkg/logutil"
)

// MmapPageAllocator maps pages straight from the operating system.
// Released pages are advised away and kept mapped as standby pages, so a later
// request of the same length skips the mmap syscall.
type MmapPageAllocator struct {
	mu              sync.Mutex
	standby         map[uint64][]unsafe.Pointer // mapped length -> standby pages
	standbyBytes    uint64
	maxStandbyBytes uint64
}

var _ PageAllocator = new(MmapPageAllocator)

func newDefaultPageAllocator() PageAllocator {
	return NewMmapPageAllocator(DefaultMaxStandbyBytes)
}

func NewMmapPageAllocator(maxStandbyBytes uint64) *MmapPageAllocator {
	return &MmapPageAllocator{
		standby:         make(map[uint64][]unsafe.Pointer),
		maxStandbyBytes: maxStandbyBytes,
	}
}

func (m *MmapPageAllocator) AllocatePage(size, alignment uint64) (unsafe.Pointer, error) {
	if alignment == 0 {
		alignment = 1
	}
	if size == 0 || !IsPowerOfTwo(alignment) {
		return nil, moerr.NewInvalidInput(moerr.Context(), "page size %d, alignment %d", size, alignment)
	}
	length := AlignUp(size, osPageSize)

	if ptr := m.takeStandby(length, alignment); ptr != nil {
		return ptr, nil
	}

	ptr, err := mmapAligned(length, alignment)
	if err != nil {
		logutil.Error("mmap page failed",
			zap.Uint64("length", length),
			zap.Uint64("alignment", alignment),
			zap.Error(err),
		)
		return nil, moerr.NewOOM(moerr.Context()).WithDetail(err.Error())
	}
	return ptr, nil
}

func (m *MmapPageAllocator) FreePage(ptr unsafe.Pointer, size uint64) {
	if ptr == nil {
		return
	}
	length := AlignUp(size, osPageSize)

	m.mu.Lock()
	if m.standbyBytes+length <= m.maxStandbyBytes {
		freeMem(ptr, length)
		m.standby[length] = append(m.standby[length], ptr)
		m.standbyBytes += length
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	munmap(ptr, length)
}

// StandbyBytes returns the bytes kept mapped for reuse.
func (m *MmapPageAllocator) StandbyBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.standbyBytes
}

// Close unmaps every standby page.
func (m *MmapPageAllocator) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for length, pages := range m.standby {
		for _, ptr := range pages {
			munmap(ptr, length)
		}
		delete(m.standby, length)
	}
	m.standbyBytes = 0
	return nil
}

func (m *MmapPageAllocator) takeStandby(length, alignment uint64) unsafe.Pointer {
	m.mu.Lock()
	defer m.mu.Unlock()

	pages := m.standby[length]
	for i := len(pages) - 1; i >= 0; i-- {
		ptr := pages[i]
		if uint64(uintptr(ptr))&(alignment-1) != 0 {
			continue
		}
		pages[i] = pages[len(pages)-1]
		m.standby[length] = pages[:len(pages)-1]
		m.standbyBytes -= length
		reuseMem(ptr, length)
		return ptr
	}
	return nil
}

func mmapAligned(length, alignment uint64) (unsafe.Pointer, error) {
	if alignment <= osPageSize {
		return unix.MmapPtr(
			-1, 0, nil,
			uintptr(length),
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANON,
		)
	}

	// over-map, then trim the unaligned head and the tail
	total := length + alignment
	base, err := unix.MmapPtr(
		-1, 0, nil,
		uintptr(total),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON,
	)
	if err != nil {
		return nil, err
	}
	addr := uint64(uintptr(base))
	head := AlignUp(addr, alignment) - addr
	if head > 0 {
		munmap(base, head)
	}
	if tail := total - head - length; tail > 0 {
		munmap(unsafe.Add(base, head+length), tail)
	}
	return unsafe.Add(base, head), nil
}

func munmap(ptr unsafe.Pointer, length uint64) {
	if err := unix.MunmapPtr(ptr, uintptr(length)); err != nil {
		logutil.Error("munmap page failed",
			zap.Uintptr("addr", uintptr(ptr)),
			zap.Uint64("length", length),
			zap.Error(err),
		)
	}
}
