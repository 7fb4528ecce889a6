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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matrixorigin/mopool/pkg/common/malloc"
	"github.com/matrixorigin/mopool/pkg/common/segpool"
	"github.com/matrixorigin/mopool/pkg/config"
	"github.com/matrixorigin/mopool/pkg/logutil"
	v2 "github.com/matrixorigin/mopool/pkg/util/metric/v2"
)

func benchCommand() *cobra.Command {
	var (
		configFile string
		overrides  config.BenchParameters
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a stress workload against a pool",
		Long: "Allocate and free random sizes from many goroutines, handing part of the " +
			"slots to other goroutines to free, then report throughput and page usage",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pp, err := loadParameters(configFile)
			if err != nil {
				return err
			}
			applyBenchFlags(cmd, &pp.Bench, overrides)
			if err := pp.Validate(); err != nil {
				return err
			}
			logutil.SetupMOLogger(&pp.Log)

			ctx := config.WithParameterUnit(cmd.Context(), config.NewParameterUnit(pp))
			report, err := runBench(ctx)
			if err != nil {
				return err
			}
			report.print(cmd.OutOrStdout())
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&configFile, "cfg", "c", "", "toml configuration file")
	flags.StringVar(&overrides.Kind, "kind", "", "pool kind, single or thread")
	flags.StringVar(&overrides.PageAllocator, "page-allocator", "", "page allocator, mmap or heap")
	flags.IntVar(&overrides.Workers, "workers", 0, "goroutines of the worker pool")
	flags.IntVar(&overrides.Tasks, "tasks", 0, "tasks submitted to the worker pool")
	flags.IntVar(&overrides.AllocationsPerTask, "allocations", 0, "allocations made by each task")
	flags.IntVar(&overrides.CrossFreePercent, "cross-free-percent", 0, "share of slots freed by another task")
	flags.StringVar(&overrides.MetricsAddr, "metrics-addr", "", "serve prometheus metrics at this address")
	return cmd
}

func applyBenchFlags(cmd *cobra.Command, bench *config.BenchParameters, overrides config.BenchParameters) {
	flags := cmd.Flags()
	if flags.Changed("kind") {
		bench.Kind = overrides.Kind
	}
	if flags.Changed("page-allocator") {
		bench.PageAllocator = overrides.PageAllocator
	}
	if flags.Changed("workers") {
		bench.Workers = overrides.Workers
	}
	if flags.Changed("tasks") {
		bench.Tasks = overrides.Tasks
	}
	if flags.Changed("allocations") {
		bench.AllocationsPerTask = overrides.AllocationsPerTask
	}
	if flags.Changed("cross-free-percent") {
		bench.CrossFreePercent = overrides.CrossFreePercent
	}
	if flags.Changed("metrics-addr") {
		bench.MetricsAddr = overrides.MetricsAddr
	}
}

type benchReport struct {
	RunID        string
	Kind         string
	Duration     time.Duration
	Allocations  int64
	Failures     int64
	CrossFrees   int64
	PeakCapacity uint64
	PeakPages    uint64
	Stats        segpool.Stats
	// Leaked is the bytes still allocated after every slot was freed and
	// pending remote frees were reclaimed.
	Leaked uint64
}

func (r *benchReport) opsPerSecond() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Allocations) / r.Duration.Seconds()
}

func (r *benchReport) print(w io.Writer) {
	fmt.Fprintf(w, "run:            %s\n", r.RunID)
	fmt.Fprintf(w, "kind:           %s\n", r.Kind)
	fmt.Fprintf(w, "duration:       %s\n", r.Duration)
	fmt.Fprintf(w, "allocations:    %d (%.0f/s)\n", r.Allocations, r.opsPerSecond())
	fmt.Fprintf(w, "failures:       %d\n", r.Failures)
	fmt.Fprintf(w, "cross frees:    %d\n", r.CrossFrees)
	fmt.Fprintf(w, "threads:        %d\n", r.Stats.NumThreads)
	fmt.Fprintf(w, "peak capacity:  %d bytes (%d pages)\n", r.PeakCapacity, r.PeakPages)
	fmt.Fprintf(w, "end capacity:   %d bytes\n", r.Stats.Capacity)
	fmt.Fprintf(w, "leaked:         %d bytes\n", r.Leaked)
}

func newPageAllocator(kind string) malloc.PageAllocator {
	if kind == config.PageAllocatorHeap {
		return malloc.NewHeapPageAllocator()
	}
	return malloc.NewDefaultPageAllocator()
}

func newBenchPool(kind string, opts ...segpool.Option) (segpool.Allocator, func() segpool.Stats, error) {
	if kind == config.PoolKindSingle {
		pool, err := segpool.NewSinglePool(opts...)
		if err != nil {
			return nil, nil, err
		}
		return pool, pool.Stats, nil
	}
	pool, err := segpool.NewThreadPool(opts...)
	if err != nil {
		return nil, nil, err
	}
	return pool, pool.Stats, nil
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(v2.GetPrometheusGatherer(), promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logutil.Error("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return server
}

func runBench(ctx context.Context) (*benchReport, error) {
	pp := config.GetParameterUnit(ctx).SV
	bench := pp.Bench
	runID := uuid.NewString()
	name := "bench-" + runID[:8]

	if bench.MetricsAddr != "" {
		server := serveMetrics(bench.MetricsAddr)
		defer server.Shutdown(context.Background())
	}

	pageMetrics := v2.NewPageAllocatorMetrics(name)
	tracker := malloc.NewPeakInuseTracker()
	allocator := malloc.NewMetricsPageAllocator(
		newPageAllocator(bench.PageAllocator),
		pageMetrics.Allocate,
		pageMetrics.Free,
		pageMetrics.InuseBytes,
		tracker,
	)
	defer allocator.Close()

	pool, stats, err := newBenchPool(bench.Kind,
		segpool.WithConfig(pp.Pool),
		segpool.WithPageAllocator(allocator),
		segpool.WithName(name),
		segpool.WithMetrics(),
	)
	if err != nil {
		return nil, err
	}
	defer pool.Destroy()

	logger := logutil.GetPoolLogger(name)
	logger.Info("bench started",
		zap.String("run", runID),
		zap.String("kind", bench.Kind),
		zap.Int("workers", bench.Workers),
		zap.Int("tasks", bench.Tasks),
		zap.Int("allocations-per-task", bench.AllocationsPerTask),
	)

	w := &benchWorkload{
		pool:    pool,
		bench:   bench,
		handoff: make(chan segpool.AllocateAddress, 4096),
	}
	start := time.Now()
	if bench.Kind == config.PoolKindSingle {
		w.runSingle()
	} else if err := w.runThreads(); err != nil {
		return nil, err
	}
	duration := time.Since(start)

	pool.GarbageCollect()
	report := &benchReport{
		RunID:        runID,
		Kind:         bench.Kind,
		Duration:     duration,
		Allocations:  w.allocations.Load(),
		Failures:     w.failures.Load(),
		CrossFrees:   w.crossFrees.Load(),
		PeakCapacity: tracker.Peak().Value,
		PeakPages:    tracker.Peak().Value / pp.Pool.PageSize,
		Stats:        stats(),
		Leaked:       pool.NumAllocatedBytes(),
	}
	logger.Info("bench finished",
		zap.String("run", runID),
		zap.Duration("duration", duration),
		zap.Int64("allocations", report.Allocations),
		zap.Int64("failures", report.Failures),
		zap.Uint64("peak-capacity", report.PeakCapacity),
	)
	return report, nil
}

type benchWorkload struct {
	pool    segpool.Allocator
	bench   config.BenchParameters
	handoff chan segpool.AllocateAddress

	allocations atomic.Int64
	failures    atomic.Int64
	crossFrees  atomic.Int64
}

func (w *benchWorkload) size(r *rand.Rand) uint64 {
	return w.bench.MinSize + uint64(r.Int63n(int64(w.bench.MaxSize-w.bench.MinSize+1)))
}

// runThreads spreads the tasks over an ants worker pool. A share of the slots
// goes through the handoff channel so another task frees them.
func (w *benchWorkload) runThreads() error {
	workers, err := ants.NewPool(max(w.bench.Workers, 1))
	if err != nil {
		return err
	}
	defer workers.Release()

	var wg sync.WaitGroup
	for i := 0; i < w.bench.Tasks; i++ {
		wg.Add(1)
		seed := int64(i)
		if err := workers.Submit(func() {
			defer wg.Done()
			w.task(rand.New(rand.NewSource(seed)), true)
		}); err != nil {
			wg.Done()
			return err
		}
	}
	wg.Wait()
	w.drainHandoff()
	return nil
}

// runSingle runs every task on the calling goroutine.
func (w *benchWorkload) runSingle() {
	for i := 0; i < w.bench.Tasks; i++ {
		w.task(rand.New(rand.NewSource(int64(i))), false)
	}
}

func (w *benchWorkload) task(r *rand.Rand, handoff bool) {
	live := make([]segpool.AllocateAddress, 0, 64)
	for j := 0; j < w.bench.AllocationsPerTask; j++ {
		addr, err := w.pool.Allocate(w.size(r), 0)
		if err != nil {
			w.failures.Add(1)
			continue
		}
		w.allocations.Add(1)
		// touch the slot
		*(*byte)(addr.Address) = byte(j)

		if handoff && r.Intn(100) < w.bench.CrossFreePercent {
			select {
			case w.handoff <- addr:
			default:
				live = append(live, addr)
			}
			select {
			case other := <-w.handoff:
				w.pool.Deallocate(other.Address, other.Size, 0)
				w.crossFrees.Add(1)
			default:
			}
		} else {
			live = append(live, addr)
		}

		if len(live) == cap(live) {
			for _, addr := range live {
				w.pool.Deallocate(addr.Address, addr.Size, 0)
			}
			live = live[:0]
		}
	}
	for _, addr := range live {
		w.pool.Deallocate(addr.Address, addr.Size, 0)
	}
}

func (w *benchWorkload) drainHandoff() {
	for {
		select {
		case addr := <-w.handoff:
			w.pool.Deallocate(addr.Address, addr.Size, 0)
		default:
			return
		}
	}
}
