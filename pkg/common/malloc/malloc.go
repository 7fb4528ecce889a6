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
	"os"
	"unsafe"

	"golang.org/x/exp/constraints"
)

const (
	KB = 1 << 10
	MB = 1 << 20
	GB = 1 << 30
)

// DefaultMaxStandbyBytes is how much released page memory the mmap allocator
// keeps mapped for reuse.
const DefaultMaxStandbyBytes = 16 * MB

//go:generate mockgen -source=malloc.go -destination=mock_malloc/mock_malloc.go -package=mock_malloc

// PageAllocator hands out aligned blocks of memory that back pool pages.
// Implementations must be safe for concurrent use.
type PageAllocator interface {
	// AllocatePage returns a block of size bytes whose address is a multiple
	// of alignment.
	AllocatePage(size, alignment uint64) (unsafe.Pointer, error)
	// FreePage returns a block obtained from AllocatePage with the same size.
	FreePage(ptr unsafe.Pointer, size uint64)
}

// NewDefaultPageAllocator returns the page allocator pools use when none is configured.
func NewDefaultPageAllocator() PageAllocator {
	return newDefaultPageAllocator()
}

var osPageSize = uint64(os.Getpagesize())

// OSPageSize returns the page size of the operating system.
func OSPageSize() uint64 {
	return osPageSize
}

func IsPowerOfTwo[T constraints.Unsigned](n T) bool {
	return n != 0 && n&(n-1) == 0
}

// AlignUp rounds n up to a multiple of align, which must be a power of two.
func AlignUp[T constraints.Unsigned](n, align T) T {
	return (n + align - 1) &^ (align - 1)
}

// RoundUp rounds n up to a multiple of m, for any m > 0.
func RoundUp[T constraints.Unsigned](n, m T) T {
	return (n + m - 1) / m * m
}
