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
	"runtime"
	"sync/atomic"
	_ "unsafe"
)

// ThreadLocal stores the per-thread data of a ThreadPool for the calling
// thread. Get returns nil until Set has been called on the same thread. Set
// keeps data already stored for the thread and returns what the thread ends
// up with.
type ThreadLocal interface {
	Get() *ThreadData
	Set(*ThreadData) *ThreadData
}

// procLocal keys per-thread data by the processor (P) the calling goroutine
// runs on, the way the runtime's sync.Pool shards its caches.
type procLocal struct {
	slots []atomic.Pointer[ThreadData]
}

var _ ThreadLocal = new(procLocal)

func newProcLocal() *procLocal {
	return &procLocal{
		slots: make([]atomic.Pointer[ThreadData], runtime.GOMAXPROCS(0)),
	}
}

func (p *procLocal) slot() *atomic.Pointer[ThreadData] {
	pid := runtime_procPin()
	runtime_procUnpin()
	return &p.slots[pid%len(p.slots)]
}

func (p *procLocal) Get() *ThreadData {
	return p.slot().Load()
}

// Set keeps the first data stored for a processor. Slots are never cleared,
// so a lost swap always finds the winner.
func (p *procLocal) Set(td *ThreadData) *ThreadData {
	slot := p.slot()
	if slot.CompareAndSwap(nil, td) {
		return td
	}
	return slot.Load()
}

//go:linkname runtime_procPin runtime.procPin
func runtime_procPin() int

//go:linkname runtime_procUnpin runtime.procUnpin
func runtime_procUnpin()
