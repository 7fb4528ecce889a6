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

// bucket is a doubly linked list of the pages serving one slot size. Pages
// with free slots are kept ahead of full pages.
type bucket struct {
	front, back *page
	numPages    int
}

func (b *bucket) pushFront(p *page) {
	p.prev = nil
	p.next = b.front
	if b.front != nil {
		b.front.prev = p
	} else {
		b.back = p
	}
	b.front = p
	b.numPages++
}

func (b *bucket) pushBack(p *page) {
	p.next = nil
	p.prev = b.back
	if b.back != nil {
		b.back.next = p
	} else {
		b.front = p
	}
	b.back = p
	b.numPages++
}

func (b *bucket) remove(p *page) {
	if p.prev != nil {
		p.prev.next = p.next
	} else {
		b.front = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	} else {
		b.back = p.prev
	}
	p.next = nil
	p.prev = nil
	b.numPages--
}

func (b *bucket) moveToFront(p *page) {
	if b.front == p {
		return
	}
	b.remove(p)
	b.pushFront(p)
}

func (b *bucket) moveToBack(p *page) {
	if b.back == p {
		return
	}
	b.remove(p)
	b.pushBack(p)
}
