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
	"context"
	"unsafe"

	"github.com/google/uuid"

	"github.com/matrixorigin/mopool/pkg/common/malloc"
	"github.com/matrixorigin/mopool/pkg/common/moerr"
)

const (
	DefaultPageSize          = 4096
	DefaultMinAllocationSize = 8
	DefaultMaxAllocationSize = 512

	minAllocationSizeFloor = 8
	maxNumBuckets          = 65535
)

// AllocateAddress is the result of a successful Allocate. Size is the slot
// size actually reserved, which is the request rounded up.
type AllocateAddress struct {
	Address unsafe.Pointer
	Size    uint64
}

// Config describes the geometry of a pool.
type Config struct {
	// PageSize is the size and the alignment of every page.
	PageSize uint64 `toml:"page-size"`
	// MinAllocationSize is the smallest slot size and the step between buckets.
	MinAllocationSize uint64 `toml:"min-allocation-size"`
	// MaxAllocationSize is the largest slot size.
	MaxAllocationSize uint64 `toml:"max-allocation-size"`
	// AllocationRecords tracks every live slot to catch double and foreign frees.
	AllocationRecords bool `toml:"allocation-records"`
}

func DefaultConfig() Config {
	return Config{
		PageSize:          DefaultPageSize,
		MinAllocationSize: DefaultMinAllocationSize,
		MaxAllocationSize: DefaultMaxAllocationSize,
	}
}

// SetDefaultValues fills the zero fields.
func (c *Config) SetDefaultValues() {
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.MinAllocationSize == 0 {
		c.MinAllocationSize = DefaultMinAllocationSize
	}
	if c.MaxAllocationSize == 0 {
		c.MaxAllocationSize = DefaultMaxAllocationSize
	}
}

// Validate reports whether the geometry can be served. MinAllocationSize below
// 8 is raised to 8 first.
func (c Config) Validate() error {
	ctx := context.Background()

	minSize := max(c.MinAllocationSize, minAllocationSizeFloor)
	maxSize := c.MaxAllocationSize
	switch {
	case !malloc.IsPowerOfTwo(c.PageSize):
		return moerr.NewBadConfig(ctx, "page size %d is not a power of two", c.PageSize)
	case maxSize < minSize:
		return moerr.NewBadConfig(ctx, "max allocation size %d is less than min allocation size %d", maxSize, minSize)
	case minSize != maxSize && !malloc.IsPowerOfTwo(minSize):
		return moerr.NewBadConfig(ctx, "min allocation size %d is not a power of two", minSize)
	case minSize%minAllocationSizeFloor != 0:
		return moerr.NewBadConfig(ctx, "min allocation size %d is not a multiple of %d", minSize, minAllocationSizeFloor)
	case maxSize%minSize != 0:
		return moerr.NewBadConfig(ctx, "max allocation size %d is not a multiple of min allocation size %d", maxSize, minSize)
	case maxSize/minSize > maxNumBuckets:
		return moerr.NewBadConfig(ctx, "%d buckets exceed the limit %d", maxSize/minSize, maxNumBuckets)
	case c.PageSize < 4*maxSize:
		return moerr.NewBadConfig(ctx, "page size %d is less than 4 times max allocation size %d", c.PageSize, maxSize)
	case c.PageSize < headerSize+maxSize:
		return moerr.NewBadConfig(ctx, "page size %d leaves no room for a slot of %d after the page header", c.PageSize, maxSize)
	}
	return nil
}

// Option configures a pool at construction.
type Option func(*options)

type options struct {
	config    Config
	allocator malloc.PageAllocator
	local     ThreadLocal
	name      string
	metrics   bool
}

func defaultOptions() options {
	return options{
		config: DefaultConfig(),
	}
}

// WithConfig sets the pool geometry. Zero fields take their defaults.
func WithConfig(config Config) Option {
	return func(o *options) {
		config.SetDefaultValues()
		o.config = config
	}
}

// WithPageAllocator sets where pages come from. The pool does not close it.
func WithPageAllocator(allocator malloc.PageAllocator) Option {
	return func(o *options) {
		o.allocator = allocator
	}
}

// WithThreadLocal replaces the processor-local lookup of a ThreadPool.
func WithThreadLocal(local ThreadLocal) Option {
	return func(o *options) {
		o.local = local
	}
}

// WithName names the pool in logs and metrics. A random name is used otherwise.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithMetrics exports the pool and its page allocator to prometheus.
func WithMetrics() Option {
	return func(o *options) {
		o.metrics = true
	}
}

func (o *options) adjust() {
	if o.name == "" {
		o.name = uuid.NewString()
	}
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	NumAllocatedBytes uint64
	// Capacity is the bytes held in pages, bucket pages and free pages alike.
	Capacity     uint64
	PeakCapacity uint64
	NumPages     int
	NumFreePages int
	Buckets      []BucketStats
	// NumThreads is always 1 for a SinglePool.
	NumThreads int
}

// BucketStats describes a bucket that holds at least one page.
type BucketStats struct {
	ElementSize uint64
	NumPages    int
	NumFree     int
}
