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

package config

import (
	"context"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/matrixorigin/mopool/pkg/common/moerr"
	"github.com/matrixorigin/mopool/pkg/common/segpool"
	"github.com/matrixorigin/mopool/pkg/logutil"
)

type ConfigurationKeyType int

const (
	ParameterUnitKey ConfigurationKeyType = 1
)

const (
	PoolKindSingle = "single"
	PoolKindThread = "thread"

	PageAllocatorMmap = "mmap"
	PageAllocatorHeap = "heap"
)

var (
	defaultLogLevel  = "info"
	defaultLogFormat = "console"

	defaultBenchWorkers            = 8
	defaultBenchTasks              = 64
	defaultBenchAllocationsPerTask = 10000
	defaultBenchMinSize            = uint64(1)
	defaultBenchCrossFreePercent   = 50
)

// PoolParameters is the configuration file of mo-pool.
type PoolParameters struct {
	// Pool is the geometry of the pool under test.
	Pool segpool.Config `toml:"pool"`

	// Log configures the global logger.
	Log logutil.LogConfig `toml:"log"`

	// Bench configures the stress workload.
	Bench BenchParameters `toml:"bench"`
}

// BenchParameters configures `mo-pool bench`.
type BenchParameters struct {
	//default is "thread". "single" runs one goroutine against a SinglePool
	Kind string `toml:"kind"`

	//default is "mmap". where pages come from, "mmap" or "heap"
	PageAllocator string `toml:"page-allocator"`

	//default is 8. goroutines of the worker pool
	Workers int `toml:"workers"`

	//default is 64. tasks submitted to the worker pool
	Tasks int `toml:"tasks"`

	//default is 10000. allocations made by each task
	AllocationsPerTask int `toml:"allocations-per-task"`

	//default is 1. smallest request size
	MinSize uint64 `toml:"min-size"`

	//default is the max allocation size of the pool. largest request size
	MaxSize uint64 `toml:"max-size"`

	//default is 50. share of allocations handed to another task to free
	CrossFreePercent int `toml:"cross-free-percent"`

	//default is ''. if set, metrics are served at this address under /metrics
	MetricsAddr string `toml:"metrics-addr"`
}

// SetDefaultValues fills the unset parameters.
func (pp *PoolParameters) SetDefaultValues() {
	pp.Pool.SetDefaultValues()

	if pp.Log.Level == "" {
		pp.Log.Level = defaultLogLevel
	}
	if pp.Log.Format == "" {
		pp.Log.Format = defaultLogFormat
	}

	if pp.Bench.Kind == "" {
		pp.Bench.Kind = PoolKindThread
	}
	if pp.Bench.PageAllocator == "" {
		pp.Bench.PageAllocator = PageAllocatorMmap
	}
	if pp.Bench.Workers == 0 {
		pp.Bench.Workers = defaultBenchWorkers
	}
	if pp.Bench.Tasks == 0 {
		pp.Bench.Tasks = defaultBenchTasks
	}
	if pp.Bench.AllocationsPerTask == 0 {
		pp.Bench.AllocationsPerTask = defaultBenchAllocationsPerTask
	}
	if pp.Bench.MinSize == 0 {
		pp.Bench.MinSize = defaultBenchMinSize
	}
	if pp.Bench.MaxSize == 0 {
		pp.Bench.MaxSize = pp.Pool.MaxAllocationSize
	}
	if pp.Bench.CrossFreePercent == 0 {
		pp.Bench.CrossFreePercent = defaultBenchCrossFreePercent
	}
}

// Validate checks the parameters after SetDefaultValues.
func (pp *PoolParameters) Validate() error {
	ctx := context.Background()
	if err := pp.Pool.Validate(); err != nil {
		return err
	}

	switch pp.Bench.Kind {
	case PoolKindSingle, PoolKindThread:
	default:
		return moerr.NewBadConfig(ctx, "unknown pool kind %q", pp.Bench.Kind)
	}
	switch pp.Bench.PageAllocator {
	case PageAllocatorMmap, PageAllocatorHeap:
	default:
		return moerr.NewBadConfig(ctx, "unknown page allocator %q", pp.Bench.PageAllocator)
	}
	if pp.Bench.Workers < 0 || pp.Bench.Tasks < 0 || pp.Bench.AllocationsPerTask < 0 {
		return moerr.NewBadConfig(ctx, "negative bench workers, tasks or allocations")
	}
	if pp.Bench.MinSize > pp.Bench.MaxSize {
		return moerr.NewBadConfig(ctx, "bench min size %d is greater than max size %d", pp.Bench.MinSize, pp.Bench.MaxSize)
	}
	if pp.Bench.MaxSize > pp.Pool.MaxAllocationSize {
		return moerr.NewBadConfig(ctx, "bench max size %d exceeds max allocation size %d", pp.Bench.MaxSize, pp.Pool.MaxAllocationSize)
	}
	if pp.Bench.CrossFreePercent < 0 || pp.Bench.CrossFreePercent > 100 {
		return moerr.NewBadConfig(ctx, "cross free percent %d is out of [0, 100]", pp.Bench.CrossFreePercent)
	}
	return nil
}

// LoadConfigFromFile decodes a toml file into pp. Keys the file does not
// mention keep their current values.
func LoadConfigFromFile(configFile string, pp *PoolParameters) error {
	if _, err := os.Stat(configFile); err != nil {
		return moerr.NewBadConfig(context.Background(), "config file %s: %v", configFile, err)
	}
	meta, err := toml.DecodeFile(configFile, pp)
	if err != nil {
		return moerr.NewBadConfig(context.Background(), "decode %s: %v", configFile, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return moerr.NewBadConfig(context.Background(), "unknown key %s in %s", undecoded[0].String(), configFile)
	}
	return nil
}

// ParameterUnit carries the parameters of one run.
type ParameterUnit struct {
	SV *PoolParameters
}

func NewParameterUnit(sv *PoolParameters) *ParameterUnit {
	return &ParameterUnit{
		SV: sv,
	}
}

// GetParameterUnit gets the configuration from the context.
func GetParameterUnit(ctx context.Context) *ParameterUnit {
	pu, ok := ctx.Value(ParameterUnitKey).(*ParameterUnit)
	if !ok || pu == nil {
		panic("parameter unit is invalid")
	}
	return pu
}

// WithParameterUnit returns a context carrying pu.
func WithParameterUnit(ctx context.Context, pu *ParameterUnit) context.Context {
	return context.WithValue(ctx, ParameterUnitKey, pu)
}
