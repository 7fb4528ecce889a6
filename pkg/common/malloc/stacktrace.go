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
	"hash/maphash"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"unsafe"
)

// StacktraceID identifies a deduplicated call stack.
type StacktraceID uint64

const maxStacktraceDepth = 64

// GetStacktraceID captures the caller's stack, skipping skip frames above the
// caller, and interns it.
func GetStacktraceID(skip int) StacktraceID {
	pcs := pcsPool.Get().(*[]uintptr)

	n := runtime.Callers(2+skip, *pcs)
	*pcs = (*pcs)[:n]

	hasher := hasherPool.Get().(*maphash.Hash)
	for _, pc := range *pcs {
		hasher.Write(
			unsafe.Slice((*byte)(unsafe.Pointer(&pc)), unsafe.Sizeof(pc)),
		)
	}
	id := StacktraceID(hasher.Sum64())
	hasher.Reset()
	hasherPool.Put(hasher)

	if _, ok := stackIDToPCs.Load(id); !ok {
		saved := make([]uintptr, n)
		copy(saved, *pcs)
		stackIDToPCs.LoadOrStore(id, saved)
	}

	*pcs = (*pcs)[:cap(*pcs)]
	pcsPool.Put(pcs)
	return id
}

var stackIDToPCs sync.Map // StacktraceID -> []uintptr

var pcsPool = sync.Pool{
	New: func() any {
		slice := make([]uintptr, maxStacktraceDepth)
		return &slice
	},
}

var hashSeed = maphash.MakeSeed()

var hasherPool = sync.Pool{
	New: func() any {
		hasher := new(maphash.Hash)
		hasher.SetSeed(hashSeed)
		return hasher
	},
}

func (s StacktraceID) String() string {
	v, ok := stackIDToPCs.Load(s)
	if !ok {
		return "unknown stacktrace " + strconv.FormatUint(uint64(s), 16)
	}
	return pcsToString(v.([]uintptr))
}

func pcsToString(pcs []uintptr) string {
	buf := new(strings.Builder)

	frames := runtime.CallersFrames(pcs)
	for {
		frame, more := frames.Next()

		buf.WriteString(frame.Function)
		buf.WriteString("\n")
		buf.WriteString("\t")
		buf.WriteString(frame.File)
		buf.WriteString(":")
		buf.WriteString(strconv.Itoa(frame.Line))
		buf.WriteString("\n")

		if !more {
			break
		}
	}

	return buf.String()
}
