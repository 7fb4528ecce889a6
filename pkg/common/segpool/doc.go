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

// Package segpool implements segregated-size pool allocators.
//
// A pool serves small fixed-size slots out of page-aligned pages. Slots of one
// size form a bucket; the free slots of a page are chained through the slot
// memory itself, and the page header sits at the end of the page, so the page
// of any slot is found by masking the slot address. Pages that become entirely
// free move to a free-page pool and may be re-carved for any other bucket.
//
// SinglePool is unsynchronized. ThreadPool keeps one allocation engine per
// processor; a slot freed by a goroutine running elsewhere is pushed onto a
// lock-free stack of its owner and reclaimed on the owner's next Allocate.
package segpool
