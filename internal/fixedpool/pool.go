// The MIT License (MIT)
//
// Copyright (c) 2019 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package fixedpool is a fixed-capacity block allocator. Blocks live in a
// single slab allocated up front; a block's index is stable until it is
// released, after which it may be handed out again.
package fixedpool

import "sync"

// Pool hands out zeroed blocks of T from a fixed slab.
type Pool[T any] struct {
	mu   sync.Mutex
	slab []T
	used []bool
	free []int // stack of free indices, lowest index on top
}

// New creates a pool with room for n blocks.
func New[T any](n int) *Pool[T] {
	if n <= 0 {
		n = 1
	}
	p := &Pool[T]{
		slab: make([]T, n),
		used: make([]bool, n),
		free: make([]int, n),
	}
	for i := range p.free {
		p.free[i] = n - 1 - i
	}
	return p
}

// Acquire returns a zeroed block and its index. ok is false when the pool
// is exhausted.
func (p *Pool[T]) Acquire() (blk *T, idx int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, -1, false
	}
	idx = p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.used[idx] = true
	return &p.slab[idx], idx, true
}

// Release zeroes the block at idx and returns it to the pool. Releasing a
// free or out-of-range index reports false.
func (p *Pool[T]) Release(idx int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.slab) || !p.used[idx] {
		return false
	}
	var zero T
	p.slab[idx] = zero
	p.used[idx] = false
	p.free = append(p.free, idx)
	return true
}

// Clear zeroes every block and returns them all to the pool. It reports
// how many blocks were still allocated.
func (p *Pool[T]) Clear() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.slab)
	inuse := n - len(p.free)
	clear(p.slab)
	clear(p.used)
	p.free = p.free[:0]
	for i := n - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	return inuse
}

// Get returns the block at idx, or nil when it is not allocated.
func (p *Pool[T]) Get(idx int) *T {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.slab) || !p.used[idx] {
		return nil
	}
	return &p.slab[idx]
}

// Len returns the number of allocated blocks.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slab) - len(p.free)
}

// Cap returns the capacity of the pool.
func (p *Pool[T]) Cap() int { return len(p.slab) }

// Walk calls fn for every allocated block in index order until fn returns
// false. fn must not call back into the pool.
func (p *Pool[T]) Walk(fn func(idx int, blk *T) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slab {
		if p.used[i] && !fn(i, &p.slab[i]) {
			return
		}
	}
}
