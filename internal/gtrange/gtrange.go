// Package gtrange implements a first-fit free-range allocator over a
// contiguous integer address space, the same shape as the GTT aperture.
//
// The node list is a doubly-linked list of free/allocated segments kept in
// address order, the same structure the teacher's kernel heap
// (mazboot/golang/main/heap.go, heapSegment) uses for its bump-and-coalesce
// allocator — carved here into range/offset terms instead of byte pointers,
// and taught alignment, color and range-restricted search on top.
package gtrange

import (
	"fmt"
	"sync"
)

// Slot is an allocated range handed back by GetBlock. Callers hold it until
// PutBlock returns it to the free list.
type Slot struct {
	Start uint64
	Size  uint64
	Color uint32

	node *node
}

// Region is a candidate free range located by SearchFree/SearchFreeInRange.
// It has not been committed to the allocated state yet; GetBlock does that.
type Region struct {
	Start uint64
	Size  uint64

	node *node
}

type node struct {
	start, size uint64
	allocated   bool
	color       uint32
	next, prev  *node
}

// ErrOutOfSpace is returned when no free region satisfies a search.
type ErrOutOfSpace struct {
	Size, Align uint64
}

func (e *ErrOutOfSpace) Error() string {
	return fmt.Sprintf("gtrange: out of space for size=%d align=%d", e.Size, e.Align)
}

// Range manages first-fit allocation over [base, base+total).
type Range struct {
	mu    sync.Mutex
	head  *node
	base  uint64
	total uint64
}

// New creates a Range covering [base, base+total).
func New(base, total uint64) *Range {
	head := &node{start: base, size: total}
	return &Range{head: head, base: base, total: total}
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// usableStart returns the first address within n at which an allocation of
// the given color may start, honoring alignment and the color-abutment rule:
// two adjacent allocations of different nonzero colors may not touch.
func usableStart(n *node, align uint64, color uint32) uint64 {
	start := alignUp(n.start, align)
	if n.prev != nil && n.prev.allocated && n.prev.color != 0 && color != 0 && n.prev.color != color {
		if start == n.prev.start+n.prev.size {
			start = alignUp(start+1, align)
		}
	}
	return start
}

// fits reports whether size bytes of the given color fit in n starting at
// start without crossing into the next allocated neighbor's forbidden edge.
func fits(n *node, start, size uint64, color uint32) bool {
	if start < n.start || start+size > n.start+n.size {
		return false
	}
	if n.next != nil && n.next.allocated && n.next.color != 0 && color != 0 && n.next.color != color {
		if start+size == n.next.start {
			return false
		}
	}
	return true
}

// SearchFree locates, but does not allocate, the first free region able to
// hold size bytes aligned to align with the given color.
func (r *Range) SearchFree(size, align uint64, color uint32) (Region, error) {
	return r.SearchFreeInRange(size, align, color, r.base, r.base+r.total)
}

// SearchFreeInRange is SearchFree restricted to [lo, hi).
func (r *Range) SearchFreeInRange(size, align uint64, color uint32, lo, hi uint64) (Region, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if size == 0 {
		return Region{}, &ErrOutOfSpace{Size: size, Align: align}
	}
	for n := r.head; n != nil; n = n.next {
		if n.allocated {
			continue
		}
		if n.start+n.size <= lo || n.start >= hi {
			continue
		}
		start := usableStart(n, align, color)
		if start < lo {
			start = alignUp(lo, align)
		}
		end := start + size
		if end > hi {
			continue
		}
		if fits(n, start, size, color) {
			return Region{Start: start, Size: size, node: n}, nil
		}
	}
	return Region{}, &ErrOutOfSpace{Size: size, Align: align}
}

// split carves [start,start+size) out of free node n, inserting allocated
// and leftover free nodes around it as needed. n must be free and contain
// the requested range. Caller holds r.mu.
func (r *Range) split(n *node, start, size uint64, color uint32) *node {
	if start > n.start {
		left := &node{start: n.start, size: start - n.start, prev: n.prev, next: n}
		if n.prev != nil {
			n.prev.next = left
		} else {
			r.head = left
		}
		n.prev = left
		n.start = start
		n.size -= left.size
	}
	if size < n.size {
		right := &node{start: n.start + size, size: n.size - size, allocated: false, next: n.next, prev: n}
		if n.next != nil {
			n.next.prev = right
		}
		n.next = right
		n.size = size
	}
	n.allocated = true
	n.color = color
	return n
}

// GetBlock commits a previously located Region, returning the allocated
// Slot. The region must still be free; callers racing against another
// allocator user should retry SearchFree on ErrOutOfSpace-shaped failure
// from a fresh search rather than reusing a stale Region.
func (r *Range) GetBlock(region Region, size, align uint64, color uint32) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := region.node
	if n == nil || n.allocated {
		return nil, &ErrOutOfSpace{Size: size, Align: align}
	}
	start := region.Start
	if start < n.start || start+size > n.start+n.size {
		return nil, &ErrOutOfSpace{Size: size, Align: align}
	}
	allocated := r.split(n, start, size, color)
	return &Slot{Start: start, Size: size, Color: color, node: allocated}, nil
}

// Alloc is SearchFree followed by GetBlock, the common case for callers that
// don't need to inspect the region first. The two steps take the range lock
// separately; they do not run as one critical section.
func (r *Range) Alloc(size, align uint64, color uint32) (*Slot, error) {
	region, err := r.SearchFree(size, align, color)
	if err != nil {
		return nil, err
	}
	return r.GetBlock(region, size, align, color)
}

// PutBlock returns slot to the free list, coalescing with free neighbors.
func (r *Range) PutBlock(slot *Slot) {
	if slot == nil || slot.node == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	n := slot.node
	n.allocated = false
	n.color = 0

	if n.next != nil && !n.next.allocated {
		next := n.next
		n.size += next.size
		n.next = next.next
		if next.next != nil {
			next.next.prev = n
		}
	}
	if n.prev != nil && !n.prev.allocated {
		prev := n.prev
		prev.size += n.size
		prev.next = n.next
		if n.next != nil {
			n.next.prev = prev
		}
	}
	slot.node = nil
}

// FreeBytes returns the total number of unallocated bytes in the range.
func (r *Range) FreeBytes() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var free uint64
	for n := r.head; n != nil; n = n.next {
		if !n.allocated {
			free += n.size
		}
	}
	return free
}

// TotalBytes returns the size of the managed address space.
func (r *Range) TotalBytes() uint64 { return r.total }

// Walk calls fn for every node in address order, reporting whether it is
// allocated, its color, start and size. Used by gttview and tests; fn must
// not call back into r.
func (r *Range) Walk(fn func(start, size uint64, allocated bool, color uint32)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for n := r.head; n != nil; n = n.next {
		fn(n.start, n.size, n.allocated, n.color)
	}
}
