// Package fence implements the bounded, LRU-reclaimed pool of hardware
// fence registers that make a tiled GTT region appear linear to the CPU
// (spec §4.4).
//
// The steal-oldest-unpinned-slot policy mirrors the teacher's virtio GPU
// driver's FenceID field on every command header (virtio_gpu.go,
// VirtIOGPUCtrlHdr.FenceID) — a scarce, numbered synchronization resource
// threaded through command submission exactly like i915's fence registers.
// Generation-specific register encoding is modeled the way the teacher
// enumerates hardware exception classes in exceptions.go (EC_* constants):
// a closed, generation-keyed constant set with one encoder per generation.
package fence

import (
	"fmt"

	"gem/internal/object"
)

// Generation selects which chipset's fence-register encoding to use.
type Generation int

const (
	Gen830 Generation = iota
	Gen915
	Gen965
	GenSandybridge
)

// RegisterWriter is the MMIO/command-stream collaborator that actually
// pokes hardware. It is the out-of-scope "chipset-specific GTT page-table
// writer" class of interface named in spec.md §1, specialized to fences.
type RegisterWriter interface {
	// WriteMMIO writes an encoded fence value directly to register index.
	WriteMMIO(index int, encoded uint64)
	// EmitPipelined emits the same write as a command-stream register load
	// on the given ring, so it serializes with that ring's GPU work.
	EmitPipelined(ring int, index int, encoded uint64)
}

// Slot is one hardware fence register.
type Slot struct {
	Obj        *object.Object
	PinCount   int
	SetupSeqno uint32
}

// ErrDeadlock is returned by FindFreeOrSteal when every slot is pinned.
type ErrDeadlock struct{}

func (ErrDeadlock) Error() string { return "fence: no free or stealable fence register (all pinned)" }

// Registry is the fixed-size fence-register table.
type Registry struct {
	gen   Generation
	hw    RegisterWriter
	slots []Slot
	// lru holds slot indices, front = least-recently-used.
	lru []int
}

// New creates a Registry with n slots (spec: n in {8, 16}, platform
// dependent) driving hw using gen's encoding.
func New(n int, gen Generation, hw RegisterWriter) *Registry {
	r := &Registry{gen: gen, hw: hw, slots: make([]Slot, n)}
	for i := range r.slots {
		r.lru = append(r.lru, i)
	}
	return r
}

// Count returns the number of fence registers.
func (r *Registry) Count() int { return len(r.slots) }

func (r *Registry) removeFromLRU(index int) {
	for i, v := range r.lru {
		if v == index {
			r.lru = append(r.lru[:i], r.lru[i+1:]...)
			return
		}
	}
}

func (r *Registry) touchLRU(index int) {
	r.removeFromLRU(index)
	r.lru = append(r.lru, index)
}

// FindFreeOrSteal returns the index of a slot to use: an empty slot if one
// exists, otherwise the oldest unpinned slot, preferring one whose current
// owner's last-use ring equals preferredRing (a cheap steal requiring no
// cross-ring sync). Returns ErrDeadlock if every slot is pinned.
func (r *Registry) FindFreeOrSteal(preferredRing int) (int, error) {
	for i, s := range r.slots {
		if s.Obj == nil {
			return i, nil
		}
	}

	bestIdx := -1
	bestCheap := false
	for _, idx := range r.lru {
		s := &r.slots[idx]
		if s.PinCount != 0 {
			continue
		}
		cheap := s.Obj != nil && s.Obj.Fence.LastUseRing == preferredRing
		if bestIdx == -1 {
			bestIdx, bestCheap = idx, cheap
			if cheap {
				break
			}
			continue
		}
		if cheap && !bestCheap {
			bestIdx, bestCheap = idx, cheap
			break
		}
	}
	if bestIdx == -1 {
		return 0, ErrDeadlock{}
	}
	return bestIdx, nil
}

// encode produces the generation-specific bit pattern for a tiled GTT
// region. This is not bit-exact to any real chipset datasheet — spec.md's
// open questions explicitly leave the real register layouts out of scope —
// but it is a closed, deterministic, generation-keyed function, which is
// the property callers and tests rely on.
func encode(gen Generation, gttOffset uint64, stride uint32, tiling object.TilingMode, size uint64) uint64 {
	var tilingBit uint64
	if tiling == object.TilingY {
		tilingBit = 1
	}
	switch gen {
	case Gen830:
		pitch := uint64(stride/128) & 0xF
		return (gttOffset &^ 0xFFF) | (pitch << 4) | tilingBit
	case Gen915:
		pitch := uint64(stride/128) & 0x3FF
		return (gttOffset &^ 0xFFF) | (pitch << 2) | tilingBit
	case Gen965:
		pitch := uint64(stride/128) & 0x7FF
		szField := (size >> 20) & 0x3FFF
		return (gttOffset &^ 0xFFF) | (pitch << 32) | (szField << 2) | tilingBit | 1<<63
	case GenSandybridge:
		pitch := uint64(stride/128) & 0x7FF
		szField := (size >> 20) & 0x3FFF
		return (gttOffset &^ 0xFFF) | (pitch << 32) | (szField << 2) | tilingBit | 1<<63
	default:
		return 0
	}
}

// Assign writes obj's fence encoding into slot index, binding it to obj and
// moving it to the back of the LRU (most recently used). If pipelinedRing
// is non-nil, the write is emitted into that ring's command stream instead
// of written directly to MMIO (spec §4.4).
func (r *Registry) Assign(index int, obj *object.Object, pipelinedRing *int) error {
	if index < 0 || index >= len(r.slots) {
		return fmt.Errorf("fence: slot %d out of range", index)
	}
	encoded := encode(r.gen, obj.Placement.Start, obj.Stride, obj.Tiling, obj.Size)
	if pipelinedRing != nil {
		r.hw.EmitPipelined(*pipelinedRing, index, encoded)
	} else {
		r.hw.WriteMMIO(index, encoded)
	}
	r.slots[index] = Slot{Obj: obj, SetupSeqno: obj.Fence.SetupSeqno}
	r.touchLRU(index)
	obj.Fence = object.FenceState{Fenced: true, RegIndex: index, SetupSeqno: obj.Fence.SetupSeqno}
	return nil
}

// Clear zeroes the hardware register and detaches its owner.
func (r *Registry) Clear(index int) {
	if index < 0 || index >= len(r.slots) {
		return
	}
	r.hw.WriteMMIO(index, 0)
	if owner := r.slots[index].Obj; owner != nil {
		owner.Fence = object.FenceState{}
	}
	r.slots[index] = Slot{}
	r.touchLRU(index)
}

// Steal detaches whatever object currently owns index without writing a new
// encoding, per spec.md §4.4's tie-break: "stealing bumps
// obj.last_fenced_seqno=0 and detaches it." Used by the caller just before
// it reassigns the slot to a new object via Assign.
func (r *Registry) Steal(index int) {
	if index < 0 || index >= len(r.slots) {
		return
	}
	if owner := r.slots[index].Obj; owner != nil {
		owner.Fence = object.FenceState{}
	}
	r.slots[index] = Slot{}
}

// Pin increments a slot's pin count so FindFreeOrSteal will never select it.
func (r *Registry) Pin(index int) {
	if index >= 0 && index < len(r.slots) {
		r.slots[index].PinCount++
	}
}

// Unpin decrements a slot's pin count.
func (r *Registry) Unpin(index int) {
	if index >= 0 && index < len(r.slots) && r.slots[index].PinCount > 0 {
		r.slots[index].PinCount--
	}
}

// SlotAt returns a copy of slot index's state, for diagnostics.
func (r *Registry) SlotAt(index int) Slot {
	if index < 0 || index >= len(r.slots) {
		return Slot{}
	}
	return r.slots[index]
}

// LRUOrder returns the slot indices in least-to-most-recently-used order,
// for diagnostics (internal/gttview renders this as the steal queue).
func (r *Registry) LRUOrder() []int {
	return append([]int(nil), r.lru...)
}
