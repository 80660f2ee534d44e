// Copyright 2026 The coros Authors
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package stackpool models the stack-allocator contract of spec.md §4.1
// ("Allocates a region sized to the scheduler's stack setting... Returns a
// stack descriptor... Deallocation releases the region including the guard
// page") for a runtime where the actual stack memory is a Go goroutine
// stack, not a raw mmap'd region.
//
// Go's runtime already grows and guards each goroutine's stack; there is no
// supported way (and no need) to hand the scheduler a raw pointer into it.
// What the rest of this module needs from "the stack allocator" is:
//   - a sized descriptor it can hand to Coroutine.Create,
//   - Create/Destroy symmetry so tests can assert every allocation is freed,
//   - a place to carve out the fixed-offset Cls() region spec.md §4.2
//     describes as living "at a fixed offset inside the stack region".
//
// This package provides exactly that, against a tracked byte budget instead
// of a raw memory region, so the rest of the runtime is written exactly as
// if it owned the memory.
package stackpool

import (
	"errors"
	"sync/atomic"
)

// ErrExhausted is returned by Allocate when the pool has no budget left.
// spec.md §7 specifies this as "Resource exhaustion (stack allocation
// fails): Create returns a sentinel null result; no partial state is
// retained."
var ErrExhausted = errors.New("stackpool: exhausted")

// Descriptor is the handle returned by Allocate. It carries the requested
// size and a coroutine-local-storage region carved out for Cls().
type Descriptor struct {
	// Bytes is the size, in bytes, this descriptor was allocated with.
	Bytes int
	// CLS is a zeroed region the coroutine may use as scratch storage for
	// its lifetime (spec.md §4.2 Cls()).
	CLS []byte

	freed atomic.Bool
}

// Pool tracks outstanding stack allocations for one Scheduler. It has no
// upper bound by default (Go goroutine stacks are only bounded by available
// memory) but exposes a Budget so callers matching the source's fixed-size
// guard-paged pools can cap concurrent coroutines deterministically.
type Pool struct {
	budget    int64 // <=0 means unbounded
	clsBytes  int
	allocated atomic.Int64
}

// New creates a Pool. budget <= 0 means unbounded (the default); clsBytes is
// the size of the Cls() region carved out per coroutine.
func New(budget int64, clsBytes int) *Pool {
	return &Pool{budget: budget, clsBytes: clsBytes}
}

// Allocate reserves one stack descriptor of the given size.
func (p *Pool) Allocate(stackBytes int) (*Descriptor, error) {
	if p.budget > 0 {
		for {
			cur := p.allocated.Load()
			if cur+1 > p.budget {
				return nil, ErrExhausted
			}
			if p.allocated.CompareAndSwap(cur, cur+1) {
				break
			}
		}
	} else {
		p.allocated.Add(1)
	}
	var cls []byte
	if p.clsBytes > 0 {
		cls = make([]byte, p.clsBytes)
	}
	return &Descriptor{Bytes: stackBytes, CLS: cls}, nil
}

// Free releases a descriptor. Calling Free twice on the same descriptor is a
// programming error and panics, mirroring a double-free on a real stack
// allocator.
func (p *Pool) Free(d *Descriptor) {
	if d == nil {
		return
	}
	if !d.freed.CompareAndSwap(false, true) {
		panic("stackpool: double free")
	}
	p.allocated.Add(-1)
}

// Outstanding returns the number of descriptors currently allocated.
func (p *Pool) Outstanding() int64 {
	return p.allocated.Load()
}
