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
	"sync/atomic"
	"unsafe"
)

// freeStack collects slots freed by goroutines that do not own them.
//
// Any goroutine may push. Only the owner pops, and it always takes the whole
// chain with a single swap while holding its thread mutex, so a node is never
// popped while another pop is reading it and no ABA tag is needed.
type freeStack struct {
	head atomic.Pointer[freeNode]
}

func (s *freeStack) push(ptr unsafe.Pointer) {
	node := (*freeNode)(ptr)
	for {
		head := s.head.Load()
		node.next = head
		if s.head.CompareAndSwap(head, node) {
			return
		}
	}
}

// popAll detaches and returns every pushed node.
func (s *freeStack) popAll() *freeNode {
	return s.head.Swap(nil)
}

func (s *freeStack) empty() bool {
	return s.head.Load() == nil
}

// chainLen returns the number of distinct nodes reachable from head, and
// whether the chain loops. A slot pushed twice before a drain makes the chain
// loop back to the first push.
func chainLen(head *freeNode) (int, bool) {
	slow, fast := head, head
	for fast != nil && fast.next != nil {
		slow = slow.next
		fast = fast.next.next
		if slow != fast {
			continue
		}
		start := 0
		for slow = head; slow != fast; start++ {
			slow = slow.next
			fast = fast.next
		}
		length := 1
		for fast = slow.next; fast != slow; length++ {
			fast = fast.next
		}
		return start + length, true
	}
	n := 0
	for node := head; node != nil; node = node.next {
		n++
	}
	return n, false
}
