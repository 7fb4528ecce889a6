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

// freeNode overlays an unused slot.
type freeNode struct {
	next *freeNode
}

const noBin = ^uint16(0)

const magicSeed = 0x5e6b0a17

// page is the header of one page. It lives in the last headerSize bytes of
// the page it describes, and may only point into page memory.
type page struct {
	next, prev *page
	freeList   *freeNode
	base       unsafe.Pointer

	numFree        uint32
	maxNumElements uint32
	elementSize    uint32
	magic          uint32
	owner          uint32
	bin            uint16
}

var headerSize = uint64((unsafe.Sizeof(page{}) + 15) &^ 15)

func pageMagic(base uintptr) uint32 {
	return uint32(uint64(base)>>12) ^ uint32(uint64(base)>>44) ^ magicSeed
}

// initPage writes a fresh header into the page at base.
func initPage(base unsafe.Pointer, pageSize uint64) *page {
	p := (*page)(unsafe.Add(base, pageSize-headerSize))
	*p = page{
		base:  base,
		magic: pageMagic(uintptr(base)),
		bin:   noBin,
	}
	return p
}

// carve rebuilds the free list for slots of elementSize. All slots are free
// afterwards and are handed out in ascending address order.
func (p *page) carve(bin uint16, elementSize uint32, pageSize uint64) {
	n := uint32((pageSize - headerSize) / uint64(elementSize))
	var head *freeNode
	for i := n; i > 0; i-- {
		node := (*freeNode)(unsafe.Add(p.base, uintptr(i-1)*uintptr(elementSize)))
		node.next = head
		head = node
	}
	p.freeList = head
	p.numFree = n
	p.maxNumElements = n
	p.elementSize = elementSize
	p.bin = bin
}

func (p *page) pop() unsafe.Pointer {
	node := p.freeList
	p.freeList = node.next
	p.numFree--
	return unsafe.Pointer(node)
}

func (p *page) push(ptr unsafe.Pointer) {
	node := (*freeNode)(ptr)
	node.next = p.freeList
	p.freeList = node
	p.numFree++
}

func (p *page) full() bool {
	return p.numFree == 0
}

func (p *page) empty() bool {
	return p.numFree == p.maxNumElements
}

// contains reports whether addr is the start of one of the page's slots.
func (p *page) contains(addr uintptr) bool {
	if p.elementSize == 0 {
		return false
	}
	offset := addr - uintptr(p.base)
	return offset < uintptr(p.maxNumElements)*uintptr(p.elementSize) &&
		offset%uintptr(p.elementSize) == 0
}

// pageList is a singly linked stack of pages chained through next.
type pageList struct {
	head *page
	size int
}

func (l *pageList) push(p *page) {
	p.prev = nil
	p.next = l.head
	l.head = p
	l.size++
}

func (l *pageList) pop() *page {
	p := l.head
	if p == nil {
		return nil
	}
	l.head = p.next
	p.next = nil
	l.size--
	return p
}
