// Package domain implements DomainMachine: CPU/GTT/GPU domain transitions
// and the flush/invalidate/wait side-effects they require (spec §4.6).
//
// DomainMachine has no state of its own beyond the object it is operating
// on; it is a set of methods over collaborator hooks, the same shape as the
// teacher's virtio GPU command helpers (virtio_gpu.go's
// virtioGPUSendCommand) that drive a device through a fixed protocol
// without owning any long-lived state themselves.
package domain

import (
	"context"
	"fmt"

	"gem/internal/fence"
	"gem/internal/object"
	"gem/internal/ring"
)

// CacheOps is the CPU cache-control collaborator: clflush, sfence, mfence.
// Real cache-control instructions are architecture-specific and out of
// scope per spec.md §1; this is the seam a real build would wire to them.
type CacheOps interface {
	Clflush(pages []object.Page)
	Sfence()
	Mfence()
}

// Hooks bundles every collaborator DomainMachine needs but does not own.
type Hooks struct {
	Cache CacheOps

	// FlushGPUWriteDomain issues a GPU cache flush for obj if it has a
	// pending GPU write domain. It does not wait for completion.
	FlushGPUWriteDomain func(obj *object.Object) error

	// WaitRendering blocks until obj's last rendering seqno has passed on
	// its ring (a no-op if the object is not Active/Flushing).
	WaitRendering func(ctx context.Context, obj *object.Object) error

	// RevokeMmap forces any live userspace mapping of obj to refault.
	RevokeMmap func(obj *object.Object)

	// Fences is the fence register pool get_fence/put_fence drive.
	Fences *fence.Registry

	// RingSeqno returns the given ring's most recently completed seqno.
	RingSeqno func(ringID int) uint32

	// WaitRingSeqno blocks until ringID has passed seqno.
	WaitRingSeqno func(ctx context.Context, ringID int, seqno uint32) error
}

// Machine applies domain transitions using the supplied hooks.
type Machine struct {
	hooks Hooks
}

// New creates a Machine. hooks.Cache must be non-nil; the rest may be left
// nil if the corresponding operation is never invoked by the caller.
func New(hooks Hooks) *Machine {
	return &Machine{hooks: hooks}
}

func (m *Machine) flushGPUWrite(obj *object.Object) error {
	if obj.WriteDomain.Has(object.DomainGPU) && m.hooks.FlushGPUWriteDomain != nil {
		return m.hooks.FlushGPUWriteDomain(obj)
	}
	return nil
}

func (m *Machine) waitRendering(ctx context.Context, obj *object.Object) error {
	if !obj.Busy() || m.hooks.WaitRendering == nil {
		return nil
	}
	return m.hooks.WaitRendering(ctx, obj)
}

// SetToGTTDomain transitions obj so that GTT access (and, if write, GPU
// writes through the aperture) is coherent: flush any pending GPU write,
// wait for rendering if a write is requested or a GPU write is pending,
// then flush the CPU write cache (spec §4.6 table, row "→ GTT").
func (m *Machine) SetToGTTDomain(ctx context.Context, obj *object.Object, write bool) error {
	if err := m.flushGPUWrite(obj); err != nil {
		return err
	}
	if write || obj.WriteDomain.Has(object.DomainGPU) {
		if err := m.waitRendering(ctx, obj); err != nil {
			return err
		}
	}
	m.flushCPUWriteDomain(obj)

	obj.ReadDomains |= object.DomainGTT
	if write {
		obj.WriteDomain = object.DomainGTT
		obj.ReadDomains = object.DomainGTT
		obj.ClearCPUValid()
	}
	return nil
}

// FlushCPUWriteDomain flushes obj's pending CPU write domain, if any. It is
// exported for sw_finish, which (per the original) only flushes when the
// object is pinned, an upstream quirk this module replicates rather than
// silently fixing.
func (m *Machine) FlushCPUWriteDomain(obj *object.Object) {
	m.flushCPUWriteDomain(obj)
}

func (m *Machine) flushCPUWriteDomain(obj *object.Object) {
	if obj.WriteDomain.Has(object.DomainCPU) {
		m.hooks.Cache.Clflush(obj.Pages)
		obj.WriteDomain &^= object.DomainCPU
	}
}

func (m *Machine) flushGTTWriteDomain(obj *object.Object) {
	if obj.WriteDomain.Has(object.DomainGTT) {
		m.hooks.Cache.Sfence()
		obj.WriteDomain &^= object.DomainGTT
	}
}

// SetToCPUDomain transitions obj for CPU access: flush pending GPU write,
// wait for rendering, flush any GTT write (sfence), and clflush any pages
// not already CPU-valid (spec §4.6 table, row "→ CPU").
func (m *Machine) SetToCPUDomain(ctx context.Context, obj *object.Object, write bool) error {
	if err := m.flushGPUWrite(obj); err != nil {
		return err
	}
	if err := m.waitRendering(ctx, obj); err != nil {
		return err
	}
	m.flushGTTWriteDomain(obj)

	if !obj.ReadDomains.Has(object.DomainCPU) {
		for _, r := range obj.CPUInvalidRanges(0, obj.Size) {
			m.hooks.Cache.Clflush(pagesInRange(obj.Pages, r[0], r[1]))
		}
		obj.MarkCPUValid(0, obj.Size)
	}

	obj.ReadDomains |= object.DomainCPU
	if write {
		obj.WriteDomain = object.DomainCPU
		obj.ReadDomains = object.DomainCPU
	}
	return nil
}

func pagesInRange(pages []object.Page, start, end uint64) []object.Page {
	first := int(start / 4096)
	last := int(end / 4096)
	if last > len(pages) {
		last = len(pages)
	}
	if first > last {
		return nil
	}
	return pages[first:last]
}

// SetCPUReadDomainRange flushes only [offset, offset+size) into the CPU
// domain, consulting the per-page CPU-valid bitmap so already-coherent
// pages are not reflushed. Pending GPU writes are flushed and waited for
// first; the write domain is left untouched.
func (m *Machine) SetCPUReadDomainRange(ctx context.Context, obj *object.Object, offset, size uint64) error {
	if err := m.flushGPUWrite(obj); err != nil {
		return err
	}
	if err := m.waitRendering(ctx, obj); err != nil {
		return err
	}
	for _, r := range obj.CPUInvalidRanges(offset, size) {
		m.hooks.Cache.Clflush(pagesInRange(obj.Pages, r[0], r[1]))
	}
	obj.MarkCPUValid(offset, size)
	obj.ReadDomains |= object.DomainCPU
	return nil
}

// SetToGPUDomain transitions obj so ring ringID may consume it: flush
// whatever CPU/GTT write domain currently holds it. No wait is required —
// the ring orders its own work (spec §4.6 table, row "→ GPU"). If write is
// set, the command buffer writes the object, so the GPU becomes the sole
// write domain and retire must route the object through Flushing.
func (m *Machine) SetToGPUDomain(ringID int, obj *object.Object, write bool) {
	m.flushCPUWriteDomain(obj)
	m.flushGTTWriteDomain(obj)
	obj.ReadDomains |= object.DomainGPU
	if write {
		obj.WriteDomain = object.DomainGPU
		obj.ReadDomains = object.DomainGPU
		obj.ClearCPUValid()
	}
}

// FinishGTT issues a full memory fence, revokes any live userspace mmap
// (forcing a refault), and clears GTT from the read/write domains (spec
// §4.6).
func (m *Machine) FinishGTT(obj *object.Object) {
	m.hooks.Cache.Mfence()
	if m.hooks.RevokeMmap != nil {
		m.hooks.RevokeMmap(obj)
	}
	obj.ReadDomains &^= object.DomainGTT
	if obj.WriteDomain == object.DomainGTT {
		obj.WriteDomain = 0
	}
}

// PutFence releases obj's fence register, if any, first flushing it: if the
// ring that last used the fence has not yet passed the fence's last-use
// seqno, this waits for it (spec §4.6).
func (m *Machine) PutFence(ctx context.Context, obj *object.Object) error {
	if !obj.Fence.Fenced {
		return nil
	}
	if err := m.flushFence(ctx, obj); err != nil {
		return err
	}
	m.hooks.Fences.Clear(obj.Fence.RegIndex)
	return nil
}

func (m *Machine) flushFence(ctx context.Context, obj *object.Object) error {
	if obj.Fence.LastUseSeqno == 0 {
		return nil
	}
	if m.hooks.RingSeqno != nil && ring.Passed(m.hooks.RingSeqno(obj.Fence.LastUseRing), obj.Fence.LastUseSeqno) {
		return nil
	}
	if m.hooks.WaitRingSeqno == nil {
		return nil
	}
	return m.hooks.WaitRingSeqno(ctx, obj.Fence.LastUseRing, obj.Fence.LastUseSeqno)
}

// GetFence assigns obj a fence register, stealing the LRU victim if the
// table is full, sequenced the same way PutFence is: if the stolen slot's
// former owner's work has not passed on the matching ring, the acquisition
// waits for it (unless a pipelinedRing is given, letting the write be
// emitted into that ring's command stream instead).
func (m *Machine) GetFence(ctx context.Context, obj *object.Object, preferredRing int, pipelinedRing *int) error {
	if obj.Fence.Fenced {
		return nil
	}
	if obj.Tiling == object.TilingNone {
		return fmt.Errorf("domain: GetFence on untiled object %d", obj.Handle)
	}

	idx, err := m.hooks.Fences.FindFreeOrSteal(preferredRing)
	if err != nil {
		return err
	}
	if victim := m.hooks.Fences.SlotAt(idx).Obj; victim != nil {
		if pipelinedRing == nil {
			if err := m.flushFence(ctx, victim); err != nil {
				return err
			}
		}
		m.hooks.Fences.Steal(idx)
	}
	return m.hooks.Fences.Assign(idx, obj, pipelinedRing)
}
