// Copyright 2023 Matrix Origin
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

package v2

import "github.com/prometheus/client_golang/prometheus"

var (
	memPoolAllocatedSizeGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "segpool_allocated_size",
			Help:      "Size of live slots handed out by a segregated pool.",
		}, []string{"pool"})

	memPoolPagesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "segpool_pages",
			Help:      "Number of pages held by a segregated pool.",
		}, []string{"pool", "state"})

	memPoolCrossThreadFreeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "segpool_cross_thread_free_total",
			Help:      "Total number of slots freed by a thread other than their owner.",
		}, []string{"pool"})

	memPoolBadFreeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "segpool_bad_free_total",
			Help:      "Total number of frees or size queries with a pointer the pool does not own.",
		}, []string{"pool"})

	memPoolGCReleasedPagesCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "segpool_gc_released_pages_total",
			Help:      "Total number of pages returned to the page allocator by garbage collection.",
		}, []string{"pool"})
)

var (
	memPageAllocateCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "page_allocate_total",
			Help:      "Total number of pages requested from a page allocator.",
		}, []string{"allocator"})

	memPageFreeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "page_free_total",
			Help:      "Total number of pages returned to a page allocator.",
		}, []string{"allocator"})

	memPageInuseBytesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "page_inuse_bytes",
			Help:      "Bytes of pages currently handed out by a page allocator.",
		}, []string{"allocator"})
)

func initMemMetrics() {
	registry.MustRegister(memPoolAllocatedSizeGauge)
	registry.MustRegister(memPoolPagesGauge)
	registry.MustRegister(memPoolCrossThreadFreeCounter)
	registry.MustRegister(memPoolBadFreeCounter)
	registry.MustRegister(memPoolGCReleasedPagesCounter)

	registry.MustRegister(memPageAllocateCounter)
	registry.MustRegister(memPageFreeCounter)
	registry.MustRegister(memPageInuseBytesGauge)
}

// PoolMetrics groups the collectors of one named pool.
type PoolMetrics struct {
	AllocatedBytes  prometheus.Gauge
	BucketPages     prometheus.Gauge
	FreePages       prometheus.Gauge
	CrossThreadFree prometheus.Counter
	BadFree         prometheus.Counter
	GCReleasedPages prometheus.Counter
}

func NewPoolMetrics(pool string) *PoolMetrics {
	return &PoolMetrics{
		AllocatedBytes:  memPoolAllocatedSizeGauge.WithLabelValues(pool),
		BucketPages:     memPoolPagesGauge.WithLabelValues(pool, "bucket"),
		FreePages:       memPoolPagesGauge.WithLabelValues(pool, "free"),
		CrossThreadFree: memPoolCrossThreadFreeCounter.WithLabelValues(pool),
		BadFree:         memPoolBadFreeCounter.WithLabelValues(pool),
		GCReleasedPages: memPoolGCReleasedPagesCounter.WithLabelValues(pool),
	}
}

// PageAllocatorMetrics groups the collectors of one named page allocator.
type PageAllocatorMetrics struct {
	Allocate   prometheus.Counter
	Free       prometheus.Counter
	InuseBytes prometheus.Gauge
}

func NewPageAllocatorMetrics(allocator string) *PageAllocatorMetrics {
	return &PageAllocatorMetrics{
		Allocate:   memPageAllocateCounter.WithLabelValues(allocator),
		Free:       memPageFreeCounter.WithLabelValues(allocator),
		InuseBytes: memPageInuseBytesGauge.WithLabelValues(allocator),
	}
}
