// Package gtt defines the abstract GTT page-table writer collaborator that
// spec.md §1 explicitly keeps out of scope ("the chipset-specific GTT
// page-table writers (an abstract gtt.insert(range, pages) / gtt.clear(range)
// interface)"), plus a software-simulated implementation used by tests and
// by the diagnostic renderer in internal/gttview.
package gtt

import "gem/internal/object"

// Writer inserts and clears page-table entries for a range of the
// aperture. A real build wires this to the chipset's page-table format;
// this package never does so itself.
type Writer interface {
	Insert(start, size uint64, pages []object.Page)
	Clear(start, size uint64)
}

// Simulated is a Writer that just records the ranges it was asked to map,
// for use in tests and the gttview renderer, which have no real hardware to
// drive.
type Simulated struct {
	mapped map[uint64]uint64 // start -> size, for ranges currently inserted
}

// NewSimulated creates an empty simulated GTT writer.
func NewSimulated() *Simulated {
	return &Simulated{mapped: make(map[uint64]uint64)}
}

func (s *Simulated) Insert(start, size uint64, pages []object.Page) {
	s.mapped[start] = size
}

func (s *Simulated) Clear(start, size uint64) {
	delete(s.mapped, start)
}

// IsMapped reports whether [start, start+size) is currently inserted,
// exactly as last requested — used by tests to assert bind/unbind drove the
// writer correctly.
func (s *Simulated) IsMapped(start, size uint64) bool {
	got, ok := s.mapped[start]
	return ok && got == size
}
