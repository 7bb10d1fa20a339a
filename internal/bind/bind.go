// Package bind computes GTT sizing/alignment for an object about to be
// placed in the aperture, and applies the placement bookkeeping that
// results once a slot has been found. It holds no state of its own: the
// search/evict/retry loop and all collaborator calls belong to the caller
// (gem.Manager), the same separation the teacher keeps between its pure
// bitfield math (bitfield/page_flags.go) and the stateful monitors that
// call it.
package bind

import (
	"gem/internal/fence"
	"gem/internal/object"
)

// Generation is the same chipset-generation enum the fence registry uses;
// bind and fence are sized and aligned by the same hardware generation.
type Generation = fence.Generation

const (
	Gen830         = fence.Gen830
	Gen915         = fence.Gen915
	Gen965         = fence.Gen965
	GenSandybridge = fence.GenSandybridge
)

// fenced reports whether gen requires a power-of-two fence region for a
// tiled surface at all. Gen4 and later GTT-map tiled surfaces directly and
// need only a 4k-aligned allocation.
func fenced(gen Generation) bool {
	return gen == Gen830 || gen == Gen915
}

// FenceSize returns the GTT footprint a tiled object of size bytes needs so
// a single fence register can describe it: unchanged on gen4+ or untiled
// objects, else rounded up to a power of two starting from the smallest
// fence region the generation supports.
func FenceSize(gen Generation, size uint64, tiling object.TilingMode) uint64 {
	if !fenced(gen) || tiling == object.TilingNone {
		return size
	}
	start := uint64(512 * 1024)
	if gen == Gen830 {
		start = 1024 * 1024
	}
	gttSize := start
	for gttSize < size {
		gttSize <<= 1
	}
	return gttSize
}

// FenceAlignment returns the GTT alignment a fenced binding of this object
// requires: 4k on gen4+ or untiled objects, else the fence size itself
// (fence registers before gen4 cover power-of-two-aligned regions only).
func FenceAlignment(gen Generation, size uint64, tiling object.TilingMode) uint64 {
	if !fenced(gen) || tiling == object.TilingNone {
		return 4096
	}
	return FenceSize(gen, size, tiling)
}

// UnfencedAlignment returns the GTT alignment needed when the object will
// never be fenced (map_and_fenceable is false): 4k for untiled objects or
// gen4+/G33 hardware, else the same power-of-two rule as FenceSize.
func UnfencedAlignment(gen Generation, size uint64, tiling object.TilingMode) uint64 {
	if tiling == object.TilingNone || !fenced(gen) {
		return 4096
	}
	return FenceSize(gen, size, tiling)
}

// Params are the derived size/alignment/color an allocation request should
// use, computed once per bind attempt.
type Params struct {
	Size            uint64
	Alignment       uint64
	FenceSize       uint64
	FenceAlignment  uint64
	MapAndFenceable bool
}

// Plan derives the GTT allocation parameters for binding obj, applying the
// caller-requested alignment only when it is non-zero and validating it
// against the fence alignment requirement when mapAndFenceable is set.
func Plan(gen Generation, obj *object.Object, alignment uint64, mapAndFenceable bool) (Params, error) {
	fenceSize := FenceSize(gen, obj.Size, obj.Tiling)
	fenceAlign := FenceAlignment(gen, obj.Size, obj.Tiling)
	unfencedAlign := UnfencedAlignment(gen, obj.Size, obj.Tiling)

	if alignment == 0 {
		if mapAndFenceable {
			alignment = fenceAlign
		} else {
			alignment = unfencedAlign
		}
	}
	if mapAndFenceable && alignment%fenceAlign != 0 {
		return Params{}, &ErrInvalidAlignment{Requested: alignment, Required: fenceAlign}
	}

	size := obj.Size
	if mapAndFenceable {
		size = fenceSize
	}

	return Params{
		Size:            size,
		Alignment:       alignment,
		FenceSize:       fenceSize,
		FenceAlignment:  fenceAlign,
		MapAndFenceable: mapAndFenceable,
	}, nil
}

// ErrInvalidAlignment reports a caller-requested alignment incompatible
// with the fence alignment a map-and-fenceable binding requires.
type ErrInvalidAlignment struct {
	Requested uint64
	Required  uint64
}

func (e *ErrInvalidAlignment) Error() string {
	return "bind: requested alignment is not a multiple of the required fence alignment"
}

// Slot is the minimal shape bind needs out of a GTT allocator's result;
// callers copy a gtrange.Slot's fields of the same names into it.
type Slot struct {
	Start uint64
	Size  uint64
	Color uint32
}

// Apply records obj as bound at slot, deriving Fenceable (the slot matches
// the fence-sized, fence-aligned region the generation needs) and Mappable
// (the object's bytes, counted from the slot start, end at or below the
// mappable boundary).
func Apply(obj *object.Object, slot Slot, params Params, mappableEnd uint64) {
	fenceable := slot.Size == params.FenceSize && slot.Start%params.FenceAlignment == 0
	mappable := slot.Start+obj.Size <= mappableEnd

	obj.Placement = object.Placement{
		Bound:     true,
		Start:     slot.Start,
		Size:      slot.Size,
		Color:     slot.Color,
		Fenceable: fenceable,
		Mappable:  mappable,
	}
}

// Clear removes obj's placement, the state a completed unbind leaves
// behind. Callers clear obj.Pages separately once the page provider has
// released them.
func Clear(obj *object.Object) {
	obj.Placement = object.Placement{}
}

// ErrNoPhysBacking is returned by PhysPwrite for an object with no
// attached physically contiguous bounce buffer.
type ErrNoPhysBacking struct{ Handle object.Handle }

func (e *ErrNoPhysBacking) Error() string {
	return "bind: object has no phys backing"
}

// ErrPhysRange is returned by PhysPwrite when [offset, offset+len(data))
// would run past the end of the phys buffer.
type ErrPhysRange struct {
	Handle object.Handle
	Offset uint64
	Len    int
}

func (e *ErrPhysRange) Error() string {
	return "bind: phys write range out of bounds"
}

// PhysPwrite writes data into obj's physically contiguous bounce buffer
// directly, bypassing GTT and CPU/GPU domain tracking entirely: cursor and
// legacy overlay surfaces are read by fixed-function hardware that never
// goes through the aperture, so there is no domain to synchronize.
func PhysPwrite(obj *object.Object, offset uint64, data []byte) error {
	if obj.Phys == nil {
		return &ErrNoPhysBacking{Handle: obj.Handle}
	}
	if offset+uint64(len(data)) > uint64(len(obj.Phys)) {
		return &ErrPhysRange{Handle: obj.Handle, Offset: offset, Len: len(data)}
	}
	copy(obj.Phys[offset:], data)
	return nil
}
