// Package object implements the GEM buffer object: its placement, page,
// activity, pin, tiling, fence and domain sub-states (spec §3), plus the
// handle table that owns the one strong reference to each object.
//
// Objects themselves hold no lock; every field here is documented as
// protected by the caller's device mutex (see package gem), mirroring how
// the teacher's VirtIOGPUDevice (virtio_gpu.go) is a plain struct whose
// fields are only ever touched from the single-threaded command path.
package object

import (
	"fmt"
	"sync"
)

// Handle is a process-scoped identifier returned by create and consumed by
// every other operation in the external interface (spec §6).
type Handle uint32

// MadviseState is userspace's hint about whether an object's pages may be
// discarded under memory pressure.
type MadviseState int

const (
	WillNeed MadviseState = iota
	DontNeed
	Purged
)

func (m MadviseState) String() string {
	switch m {
	case WillNeed:
		return "WillNeed"
	case DontNeed:
		return "DontNeed"
	case Purged:
		return "Purged"
	default:
		return "Unknown"
	}
}

// TilingMode selects the swizzled page layout used for framebuffer-shaped
// objects. Immutable while Bound (spec §3).
type TilingMode int

const (
	TilingNone TilingMode = iota
	TilingX
	TilingY
)

// Domain is a coherency bucket. An object may be readable from several
// domains at once but writable from at most one.
type Domain uint8

const (
	DomainCPU Domain = 1 << iota
	DomainGTT
	DomainGPU
)

func (d Domain) Has(bit Domain) bool { return d&bit != 0 }

func (d Domain) String() string {
	s := ""
	if d.Has(DomainCPU) {
		s += "CPU|"
	}
	if d.Has(DomainGTT) {
		s += "GTT|"
	}
	if d.Has(DomainGPU) {
		s += "GPU|"
	}
	if s == "" {
		return "none"
	}
	return s[:len(s)-1]
}

// ActivityKind is the object's position relative to GPU work.
type ActivityKind int

const (
	Inactive ActivityKind = iota
	Active
	Flushing
)

// Activity records what GPU work, if any, last touched the object.
type Activity struct {
	Kind      ActivityKind
	Ring      int
	LastSeqno uint32
}

// Placement is the object's location in the GTT aperture, or the absence of
// one.
type Placement struct {
	Bound     bool
	Start     uint64
	Size      uint64
	Color     uint32
	Fenceable bool
	Mappable  bool
}

// FenceState tracks the hardware fence register backing a tiled object's
// linear CPU view, if any (spec §4.4).
type FenceState struct {
	Fenced       bool
	RegIndex     int
	SetupSeqno   uint32
	LastUseSeqno uint32
	LastUseRing  int
}

// Page is one backing page, as handed out by a PageProvider.
type Page struct {
	ID      uint64
	Dirty   bool
	Swizzle bool // bit-17 swizzle applies to this page under tiling
}

// ListKind names the single list an object may belong to at a time (spec
// invariant 10).
type ListKind int

const (
	NoList ListKind = iota
	ActiveList
	FlushingList
	InactiveList
	PinnedList
	DeferredFreeList
)

// MaxPin bounds the pin count (spec §8 boundary behavior).
const MaxPin = 1 << 16

// Object is a GEM buffer: a reference-counted region of pages with
// placement, activity, fence and domain metadata. All fields are protected
// by the owning Manager's device mutex; Object itself performs no locking.
type Object struct {
	Handle   Handle
	Size     uint64
	RefCount int32

	Madvise MadviseState

	Placement Placement
	Pages     []Page // nil means "no pages acquired"

	Activity Activity
	PinCount int

	Tiling TilingMode
	Stride uint32

	Fence FenceState

	ReadDomains Domain
	WriteDomain Domain

	FaultMappable bool

	// Phys is the optional physically-contiguous bounce buffer for
	// cursor/legacy use (spec §3, supplemented pwrite path in SPEC_FULL.md §4.4).
	Phys []byte

	CacheLLC bool

	List ListKind

	// cpuValid is the per-page "CPU is up to date" bitmap used by
	// SetCPUReadDomainRange to avoid clflushing pages that are already
	// coherent.
	cpuValid []bool
}

// New creates an Object in its initial state: Unbound, Inactive,
// read={CPU}, write=CPU, madvise=WillNeed (spec §4.2). size must already be
// rounded up to a page multiple and nonzero; callers (gem.Manager.Create)
// enforce that.
func New(handle Handle, size uint64, hasLLC bool) *Object {
	return &Object{
		Handle:      handle,
		Size:        size,
		RefCount:    1,
		Madvise:     WillNeed,
		ReadDomains: DomainCPU,
		WriteDomain: DomainCPU,
		CacheLLC:    hasLLC,
	}
}

// Busy reports whether the object is currently active or flushing, i.e. the
// GPU has rendering outstanding or dirty caches pending a flush.
func (o *Object) Busy() bool {
	return o.Activity.Kind == Active || o.Activity.Kind == Flushing
}

// Destroyable reports whether the object may be freed immediately: refcount
// at zero and not bound (spec §3 Lifecycle).
func (o *Object) Destroyable() bool {
	return o.RefCount == 0 && !o.Placement.Bound
}

// ensureCPUValid grows the per-page CPU-valid bitmap lazily to the object's
// page count.
func (o *Object) ensureCPUValid() {
	pages := int(o.Size / 4096)
	if len(o.cpuValid) >= pages {
		return
	}
	grown := make([]bool, pages)
	copy(grown, o.cpuValid)
	o.cpuValid = grown
}

// MarkCPUValid flags pages [offset, offset+size) as coherent with the CPU
// domain.
func (o *Object) MarkCPUValid(offset, size uint64) {
	o.ensureCPUValid()
	first := int(offset / 4096)
	last := int((offset + size + 4095) / 4096)
	for i := first; i < last && i < len(o.cpuValid); i++ {
		o.cpuValid[i] = true
	}
}

// ClearCPUValid drops every page's CPU-valid bit, used when a GPU or GTT
// write invalidates the whole object's CPU view.
func (o *Object) ClearCPUValid() {
	for i := range o.cpuValid {
		o.cpuValid[i] = false
	}
}

// CPUInvalidRanges returns the [start,end) byte ranges, in page units, that
// are not yet CPU-valid within [offset, offset+size).
func (o *Object) CPUInvalidRanges(offset, size uint64) [][2]uint64 {
	o.ensureCPUValid()
	first := int(offset / 4096)
	last := int((offset + size + 4095) / 4096)
	var ranges [][2]uint64
	runStart := -1
	for i := first; i < last && i < len(o.cpuValid); i++ {
		if !o.cpuValid[i] {
			if runStart == -1 {
				runStart = i
			}
			continue
		}
		if runStart != -1 {
			ranges = append(ranges, [2]uint64{uint64(runStart) * 4096, uint64(i) * 4096})
			runStart = -1
		}
	}
	if runStart != -1 {
		ranges = append(ranges, [2]uint64{uint64(runStart) * 4096, uint64(last) * 4096})
	}
	return ranges
}

// Table is the handle table: it owns the one strong reference an object has
// by virtue of being reachable from userspace (spec §3 Ownership).
type Table struct {
	mu   sync.Mutex
	next Handle
	objs map[Handle]*Object
}

// NewTable creates an empty handle table.
func NewTable() *Table {
	return &Table{next: 1, objs: make(map[Handle]*Object)}
}

// Insert allocates a fresh handle for obj and records the mapping.
func (t *Table) Insert(obj *Object) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.next
	t.next++
	obj.Handle = h
	t.objs[h] = obj
	return h
}

// Lookup returns the object for handle, if it exists.
func (t *Table) Lookup(h Handle) (*Object, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objs[h]
	return obj, ok
}

// Delete removes handle from the table. It does not touch the object's
// refcount; callers drop the handle-table's reference themselves so the
// decrement and the deferred-free decision stay in one place (gem.Manager).
func (t *Table) Delete(h Handle) (*Object, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objs[h]
	if ok {
		delete(t.objs, h)
	}
	return obj, ok
}

// ErrNoSuchHandle describes an unknown handle. Table's own methods report a
// missing handle through their boolean result and do not return it.
type ErrNoSuchHandle struct{ Handle Handle }

func (e *ErrNoSuchHandle) Error() string {
	return fmt.Sprintf("object: no such handle %d", e.Handle)
}
