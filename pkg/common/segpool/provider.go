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
	"sync/atomic"
	"unsafe"

	"github.com/matrixorigin/mopool/pkg/common/malloc"
	v2 "github.com/matrixorigin/mopool/pkg/util/metric/v2"
)

// pageSource owns the page table of a pool and talks to the page allocator.
// It is shared by every engine of the pool.
type pageSource struct {
	allocator malloc.PageAllocator
	pageSize  uint64
	pageMask  uintptr

	// page base address -> header, written once per page lifetime
	table    sync.Map
	numPages atomic.Int64
	tracker  *malloc.PeakInuseTracker
	metrics  *v2.PoolMetrics
}

func newPageSource(
	allocator malloc.PageAllocator,
	pageSize uint64,
	metrics *v2.PoolMetrics,
) *pageSource {
	return &pageSource{
		allocator: allocator,
		pageSize:  pageSize,
		pageMask:  uintptr(pageSize - 1),
		tracker:   malloc.NewPeakInuseTracker(),
		metrics:   metrics,
	}
}

func (s *pageSource) newPage() (*page, error) {
	base, err := s.allocator.AllocatePage(s.pageSize, s.pageSize)
	if err != nil {
		return nil, err
	}
	p := initPage(base, s.pageSize)
	s.table.Store(uintptr(base), p)
	n := s.numPages.Add(1)
	s.tracker.Update(uint64(n) * s.pageSize)
	return p, nil
}

func (s *pageSource) releasePage(p *page) {
	base := p.base
	s.table.Delete(uintptr(base))
	p.magic = 0
	s.numPages.Add(-1)
	s.allocator.FreePage(base, s.pageSize)
}

// lookup maps a slot address to its page. The address is masked down to the
// page base, which must be a page this pool created, carry the magic of that
// base, and ptr must fall on a slot boundary. The masked base is only used as
// a key, never dereferenced.
func (s *pageSource) lookup(ptr unsafe.Pointer) (*page, bool) {
	addr := uintptr(ptr)
	if addr == 0 {
		return nil, false
	}
	base := addr &^ s.pageMask
	v, ok := s.table.Load(base)
	if !ok {
		return nil, false
	}
	p := v.(*page)
	if p.magic != pageMagic(base) {
		return nil, false
	}
	if !p.contains(addr) {
		return nil, false
	}
	return p, true
}

func (s *pageSource) capacity() uint64 {
	return uint64(s.numPages.Load()) * s.pageSize
}

func (s *pageSource) bucketPagesChanged(delta int) {
	if s.metrics != nil {
		s.metrics.BucketPages.Add(float64(delta))
	}
}

func (s *pageSource) freePagesChanged(delta int) {
	if s.metrics != nil {
		s.metrics.FreePages.Add(float64(delta))
	}
}

// pageProvider supplies pages to an allocation engine: fresh ones, and ones
// that became free in some bucket.
type pageProvider interface {
	source() *pageSource
	newPage() (*page, error)
	popFreePage() *page
	pushFreePage(p *page)
}

// localProvider keeps its free pages to itself, without locking.
type localProvider struct {
	src  *pageSource
	free *pageList
}

var _ pageProvider = localProvider{}

func newLocalProvider(src *pageSource) localProvider {
	return localProvider{
		src:  src,
		free: new(pageList),
	}
}

func (l localProvider) source() *pageSource {
	return l.src
}

func (l localProvider) newPage() (*page, error) {
	return l.src.newPage()
}

func (l localProvider) popFreePage() *page {
	p := l.free.pop()
	if p != nil {
		l.src.freePagesChanged(-1)
	}
	return p
}

func (l localProvider) pushFreePage(p *page) {
	l.free.push(p)
	l.src.freePagesChanged(1)
}

// release hands every free page back to the page allocator.
func (l localProvider) release() int {
	n := 0
	for p := l.free.pop(); p != nil; p = l.free.pop() {
		l.src.releasePage(p)
		n++
	}
	l.src.freePagesChanged(-n)
	return n
}

// sharedProvider hands free pages between the engines of a ThreadPool.
type sharedProvider struct {
	src  *pageSource
	mu   *sync.Mutex
	free *pageList
}

var _ pageProvider = sharedProvider{}

func (s sharedProvider) source() *pageSource {
	return s.src
}

func (s sharedProvider) newPage() (*page, error) {
	return s.src.newPage()
}

func (s sharedProvider) popFreePage() *page {
	s.mu.Lock()
	p := s.free.pop()
	s.mu.Unlock()
	if p != nil {
		s.src.freePagesChanged(-1)
	}
	return p
}

func (s sharedProvider) pushFreePage(p *page) {
	s.mu.Lock()
	s.free.push(p)
	s.mu.Unlock()
	s.src.freePagesChanged(1)
}
