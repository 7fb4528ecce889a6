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
	"io"

	"go.uber.org/zap"

	"github.com/matrixorigin/mopool/pkg/common/malloc"
	"github.com/matrixorigin/mopool/pkg/logutil"
	v2 "github.com/matrixorigin/mopool/pkg/util/metric/v2"
)

// pool holds what SinglePool and ThreadPool share: identity, page source,
// records and instrumentation.
type pool struct {
	name      string
	config    Config
	logger    *zap.Logger
	src       *pageSource
	records   *allocationRecords
	metrics   *v2.PoolMetrics
	allocator malloc.PageAllocator
	// set when the pool created its allocator and must close it
	ownAllocator bool
}

func newPool(kind string, opts []Option) (*pool, options, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.adjust()
	if err := o.config.Validate(); err != nil {
		return nil, o, err
	}

	p := &pool{
		name:      o.name,
		config:    o.config,
		logger:    logutil.GetPoolLogger(o.name),
		allocator: o.allocator,
	}
	if p.allocator == nil {
		p.allocator = malloc.NewDefaultPageAllocator()
		p.ownAllocator = true
	}
	if o.metrics {
		p.metrics = v2.NewPoolMetrics(o.name)
		pm := v2.NewPageAllocatorMetrics(o.name)
		p.allocator = malloc.NewMetricsPageAllocator(
			p.allocator,
			pm.Allocate,
			pm.Free,
			pm.InuseBytes,
			nil,
		)
	}
	if o.config.AllocationRecords {
		p.records = newAllocationRecords()
	}
	p.src = newPageSource(p.allocator, o.config.PageSize, p.metrics)

	p.logger.Info("pool created",
		zap.String("kind", kind),
		zap.Uint64("page-size", o.config.PageSize),
		zap.Uint64("min-allocation-size", o.config.MinAllocationSize),
		zap.Uint64("max-allocation-size", o.config.MaxAllocationSize),
		zap.Bool("allocation-records", o.config.AllocationRecords),
	)
	return p, o, nil
}

func (p *pool) Name() string {
	return p.name
}

func (p *pool) Config() Config {
	return p.config
}

// Capacity returns the bytes held in pages.
func (p *pool) Capacity() uint64 {
	return p.src.capacity()
}

// NumRecords returns the number of live slots, or 0 without allocation records.
func (p *pool) NumRecords() uint64 {
	if p.records == nil {
		return 0
	}
	return p.records.len()
}

func (p *pool) onAllocate(addr AllocateAddress) {
	if p.records != nil {
		// skip onAllocate and the pool's Allocate
		p.records.add(addr.Address, 2)
	}
	if p.metrics != nil {
		p.metrics.AllocatedBytes.Add(float64(addr.Size))
	}
}

func (p *pool) onDeallocate(size uint64) {
	if p.metrics != nil {
		p.metrics.AllocatedBytes.Sub(float64(size))
	}
}

func (p *pool) badPointer(op string, ptr uintptr, err error) {
	p.logger.Error(op+" with a pointer the pool does not own",
		zap.Uintptr("ptr", ptr),
		zap.Error(err),
	)
	if p.metrics != nil {
		p.metrics.BadFree.Inc()
	}
}

func (p *pool) gcDone(released int, freed int) {
	if p.metrics != nil {
		p.metrics.GCReleasedPages.Add(float64(released + freed))
	}
	p.logger.Debug("garbage collected",
		zap.Int("bucket-pages", released),
		zap.Int("free-pages", freed),
		zap.Uint64("capacity", p.src.capacity()),
	)
}

func (p *pool) destroyed(leaked uint64) {
	if leaked > 0 {
		p.logger.Warn("pool destroyed with live allocations",
			zap.Uint64("leaked-bytes", leaked),
		)
	}
	if p.records != nil {
		p.records.reportLeaks(p.logger)
	}
	if p.metrics != nil {
		p.metrics.AllocatedBytes.Set(0)
	}
	if p.ownAllocator {
		if c, ok := p.allocator.(io.Closer); ok {
			if err := c.Close(); err != nil {
				p.logger.Error("close page allocator", zap.Error(err))
			}
		}
	}
}
