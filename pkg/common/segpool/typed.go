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
	"unsafe"
)

// Allocator is the allocation surface shared by SinglePool and ThreadPool.
type Allocator interface {
	Allocate(size, alignment uint64) (AllocateAddress, error)
	Deallocate(ptr unsafe.Pointer, size, alignment uint64) uint64
	GetAllocatedSize(ptr unsafe.Pointer, alignment uint64) uint64
	NumAllocatedBytes() uint64
	GarbageCollect()
	Destroy()
}

var (
	_ Allocator = new(SinglePool)
	_ Allocator = new(ThreadPool)
)

// Alloc reserves a zeroed T from the pool. Pool memory is invisible to the Go
// garbage collector, so T must not hold Go pointers.
func Alloc[T any](a Allocator) (*T, error) {
	var zero T
	addr, err := a.Allocate(uint64(unsafe.Sizeof(zero)), uint64(unsafe.Alignof(zero)))
	if err != nil {
		return nil, err
	}
	v := (*T)(addr.Address)
	*v = zero
	return v, nil
}

// Free returns a T obtained from Alloc.
func Free[T any](a Allocator, v *T) uint64 {
	var zero T
	return a.Deallocate(unsafe.Pointer(v), uint64(unsafe.Sizeof(zero)), uint64(unsafe.Alignof(zero)))
}
