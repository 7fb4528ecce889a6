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
	"io"
	"sync/atomic"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsPageAllocator counts the pages flowing through its upstream.
type MetricsPageAllocator[U PageAllocator] struct {
	upstream U

	allocateCounter prometheus.Counter
	freeCounter     prometheus.Counter
	inuseBytesGauge prometheus.Gauge

	inuseBytes atomic.Int64
	tracker    *PeakInuseTracker
}

// NewMetricsPageAllocator wraps upstream. Any collector may be nil, and so may tracker.
func NewMetricsPageAllocator[U PageAllocator](
	upstream U,
	allocateCounter prometheus.Counter,
	freeCounter prometheus.Counter,
	inuseBytesGauge prometheus.Gauge,
	tracker *PeakInuseTracker,
) *MetricsPageAllocator[U] {
	return &MetricsPageAllocator[U]{
		upstream:        upstream,
		allocateCounter: allocateCounter,
		freeCounter:     freeCounter,
		inuseBytesGauge: inuseBytesGauge,
		tracker:         tracker,
	}
}

var _ PageAllocator = new(MetricsPageAllocator[PageAllocator])

func (m *MetricsPageAllocator[U]) AllocatePage(size, alignment uint64) (unsafe.Pointer, error) {
	ptr, err := m.upstream.AllocatePage(size, alignment)
	if err != nil {
		return nil, err
	}
	if m.allocateCounter != nil {
		m.allocateCounter.Inc()
	}
	if m.inuseBytesGauge != nil {
		m.inuseBytesGauge.Add(float64(size))
	}
	n := m.inuseBytes.Add(int64(size))
	if m.tracker != nil {
		m.tracker.Update(uint64(n))
	}
	return ptr, nil
}

func (m *MetricsPageAllocator[U]) FreePage(ptr unsafe.Pointer, size uint64) {
	m.upstream.FreePage(ptr, size)
	if m.freeCounter != nil {
		m.freeCounter.Inc()
	}
	if m.inuseBytesGauge != nil {
		m.inuseBytesGauge.Sub(float64(size))
	}
	m.inuseBytes.Add(-int64(size))
}

// InuseBytes returns the bytes of pages allocated and not yet freed.
func (m *MetricsPageAllocator[U]) InuseBytes() int64 {
	return m.inuseBytes.Load()
}

// Close closes the upstream if it holds resources.
func (m *MetricsPageAllocator[U]) Close() error {
	if c, ok := any(m.upstream).(io.Closer); ok {
		return c.Close()
	}
	return nil
}
