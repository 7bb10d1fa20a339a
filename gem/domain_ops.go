package gem

import (
	"context"
	"fmt"

	bindpkg "gem/internal/bind"
	"gem/internal/object"
	"gem/internal/pageprovider"
)

// SetDomain drives a CPU or GTT domain transition for handle (spec.md §4.6,
// §6). The GPU domain is never requested through this entry point: it is
// only ever entered as a side effect of command submission.
func (m *Manager) SetDomain(ctx context.Context, handle object.Handle, read object.Domain, write bool) error {
	if err := m.lock.Lock(ctx); err != nil {
		return newError(Interrupted, "set_domain", err)
	}
	defer m.lock.Unlock()

	obj, err := m.lookupLocked(handle)
	if err != nil {
		return err
	}
	switch read {
	case object.DomainCPU:
		if obj.WriteDomain.Has(object.DomainGTT) {
			m.dom.FinishGTT(obj)
			m.fault.Release(obj)
		}
		return m.dom.SetToCPUDomain(ctx, obj, write)
	case object.DomainGTT:
		return m.dom.SetToGTTDomain(ctx, obj, write)
	default:
		return newError(Invalid, "set_domain", fmt.Errorf("unsupported read domain mask %v", read))
	}
}

// SWFinish flushes obj's CPU write domain. It replicates the original's
// pin_count != 0 gate rather than the arguably more correct "flush whenever
// the CPU write domain is dirty" (spec.md §9 open question: "plausibly a
// bug... replicate behavior rather than guess").
func (m *Manager) SWFinish(ctx context.Context, handle object.Handle) error {
	if err := m.lock.Lock(ctx); err != nil {
		return newError(Interrupted, "sw_finish", err)
	}
	defer m.lock.Unlock()

	obj, err := m.lookupLocked(handle)
	if err != nil {
		return err
	}
	if obj.PinCount != 0 {
		m.dom.FlushCPUWriteDomain(obj)
	}
	return nil
}

// Pwrite writes data at offset within handle's object, dispatching on
// placement the way the original's i915_gem_obj_io does (spec.md §6): the
// phys bounce buffer if attached, else a GTT-mapped write if the object is
// bound and not already CPU-dirty, else the slow CPU-domain path (phys path
// per SPEC_FULL.md §4.4).
func (m *Manager) Pwrite(ctx context.Context, handle object.Handle, offset uint64, data []byte) error {
	if err := m.lock.Lock(ctx); err != nil {
		return newError(Interrupted, "pwrite", err)
	}
	defer m.lock.Unlock()

	obj, err := m.lookupLocked(handle)
	if err != nil {
		return err
	}
	if offset+uint64(len(data)) > obj.Size {
		return newError(Invalid, "pwrite", nil)
	}
	if obj.Phys != nil {
		if err := bindpkg.PhysPwrite(obj, offset, data); err != nil {
			return newError(Invalid, "pwrite", err)
		}
		return nil
	}
	if obj.Placement.Bound && obj.WriteDomain != object.DomainCPU {
		return m.pwriteGTTLocked(ctx, obj, offset, data)
	}

	if obj.Pages == nil {
		if err := m.pages.Acquire(obj); err != nil {
			return newError(IoError, "pwrite", err)
		}
	}
	if err := m.dom.SetToCPUDomain(ctx, obj, true); err != nil {
		return err
	}

	first := int(offset / pageprovider.PageSize)
	remaining := data
	pos := offset
	for i := first; len(remaining) > 0 && i < len(obj.Pages); i++ {
		pageStart := uint64(i) * pageprovider.PageSize
		within := pos - pageStart
		n := pageprovider.PageSize - int(within)
		if n > len(remaining) {
			n = len(remaining)
		}
		buf := make([]byte, pageprovider.PageSize)
		m.cfg.Memory.ReadPage(obj.Pages[i].ID, buf)
		copy(buf[within:], remaining[:n])
		m.cfg.Memory.WritePage(obj.Pages[i].ID, buf)
		obj.Pages[i].Dirty = true

		remaining = remaining[n:]
		pos += uint64(n)
	}
	obj.MarkCPUValid(offset, uint64(len(data)))
	return nil
}

// pwriteGTTLocked writes data into obj through its GTT mapping: pin (binding
// it mappable/fenceable if it wasn't already), flush it into the GTT write
// domain, drop any fence covering it, and copy through, mirroring the
// original's pin -> set_to_gtt_domain(write) -> put_fence -> i915_gem_gtt_write
// sequence (_examples/original_source/sys/dev/drm/i915/i915_gem.c:3269-3293).
// Caller holds the device lock.
func (m *Manager) pwriteGTTLocked(ctx context.Context, obj *object.Object, offset uint64, data []byte) error {
	if err := m.pinLocked(ctx, obj, 0, true); err != nil {
		return err
	}
	defer m.unpinLocked(obj)

	if err := m.dom.SetToGTTDomain(ctx, obj, true); err != nil {
		return err
	}
	if err := m.dom.PutFence(ctx, obj); err != nil {
		return err
	}

	first := int(offset / pageprovider.PageSize)
	remaining := data
	pos := offset
	for i := first; len(remaining) > 0 && i < len(obj.Pages); i++ {
		pageStart := uint64(i) * pageprovider.PageSize
		within := pos - pageStart
		n := pageprovider.PageSize - int(within)
		if n > len(remaining) {
			n = len(remaining)
		}
		buf := make([]byte, pageprovider.PageSize)
		m.cfg.Memory.ReadPage(obj.Pages[i].ID, buf)
		copy(buf[within:], remaining[:n])
		m.cfg.Memory.WritePage(obj.Pages[i].ID, buf)
		obj.Pages[i].Dirty = true

		remaining = remaining[n:]
		pos += uint64(n)
	}
	return nil
}

// Pread copies size bytes at offset out of handle's object, symmetric with
// Pwrite (spec.md §6, §8 round-trip property).
func (m *Manager) Pread(ctx context.Context, handle object.Handle, offset, size uint64) ([]byte, error) {
	if err := m.lock.Lock(ctx); err != nil {
		return nil, newError(Interrupted, "pread", err)
	}
	defer m.lock.Unlock()

	obj, err := m.lookupLocked(handle)
	if err != nil {
		return nil, err
	}
	if offset+size > obj.Size {
		return nil, newError(Invalid, "pread", nil)
	}
	if obj.Phys != nil {
		out := make([]byte, size)
		copy(out, obj.Phys[offset:offset+size])
		return out, nil
	}

	if obj.Pages == nil {
		if err := m.pages.Acquire(obj); err != nil {
			return nil, newError(IoError, "pread", err)
		}
	}
	if offset == 0 && size == obj.Size {
		if err := m.dom.SetToCPUDomain(ctx, obj, false); err != nil {
			return nil, err
		}
	} else if err := m.dom.SetCPUReadDomainRange(ctx, obj, offset, size); err != nil {
		return nil, err
	}

	out := make([]byte, size)
	first := int(offset / pageprovider.PageSize)
	pos := offset
	written := 0
	for i := first; written < len(out) && i < len(obj.Pages); i++ {
		pageStart := uint64(i) * pageprovider.PageSize
		within := pos - pageStart
		n := pageprovider.PageSize - int(within)
		if n > len(out)-written {
			n = len(out) - written
		}
		buf := make([]byte, pageprovider.PageSize)
		m.cfg.Memory.ReadPage(obj.Pages[i].ID, buf)
		copy(out[written:written+n], buf[within:])

		written += n
		pos += uint64(n)
	}
	return out, nil
}

// MmapGTT returns the fault-driven fake offset for handle: an opaque token
// the caller passes to its own mmap(2) so later touches land in Fault
// (spec.md §6).
func (m *Manager) MmapGTT(ctx context.Context, handle object.Handle) (uint64, error) {
	if err := m.lock.Lock(ctx); err != nil {
		return 0, newError(Interrupted, "mmap_gtt", err)
	}
	defer m.lock.Unlock()

	if _, err := m.lookupLocked(handle); err != nil {
		return 0, err
	}
	return uint64(handle) << 32, nil
}

// Mmap establishes a shared mapping of handle's pageable backing, returning
// a synthetic address (the real VM mapping is the out-of-scope collaborator
// named in spec.md §1). It ensures the object's pages are resident so a
// subsequent access would not fault into the allocator.
func (m *Manager) Mmap(ctx context.Context, handle object.Handle, offset, size uint64) (uint64, error) {
	if err := m.lock.Lock(ctx); err != nil {
		return 0, newError(Interrupted, "mmap", err)
	}
	defer m.lock.Unlock()

	obj, err := m.lookupLocked(handle)
	if err != nil {
		return 0, err
	}
	if offset+size > obj.Size {
		return 0, newError(Invalid, "mmap", nil)
	}
	if obj.Pages == nil {
		if err := m.pages.Acquire(obj); err != nil {
			return 0, newError(IoError, "mmap", err)
		}
	}
	return uint64(handle)<<32 | offset, nil
}

// Fault resolves a page fault at offset within handle's object (spec.md
// §4.8). It is suspending: binding, domain transitions and fence
// acquisition may all block.
func (m *Manager) Fault(ctx context.Context, handle object.Handle, offset uint64) (uint64, error) {
	if err := m.lock.Lock(ctx); err != nil {
		return 0, newError(Interrupted, "fault", err)
	}
	defer m.lock.Unlock()

	obj, err := m.lookupLocked(handle)
	if err != nil {
		return 0, err
	}
	pageID, err := m.fault.Fault(ctx, obj, offset)
	if err != nil {
		return 0, err
	}
	return pageID, nil
}

// SetTiling changes handle's tiling mode and stride. Tiling is immutable
// while bound (spec.md §3), so the object must be unbound first.
func (m *Manager) SetTiling(ctx context.Context, handle object.Handle, mode object.TilingMode, stride uint32) error {
	if err := m.lock.Lock(ctx); err != nil {
		return newError(Interrupted, "set_tiling", err)
	}
	defer m.lock.Unlock()

	obj, err := m.lookupLocked(handle)
	if err != nil {
		return err
	}
	if obj.Placement.Bound {
		return newError(Invalid, "set_tiling", nil)
	}
	obj.Tiling = mode
	obj.Stride = stride
	return nil
}

// GetTiling reports handle's current tiling mode and stride.
func (m *Manager) GetTiling(ctx context.Context, handle object.Handle) (object.TilingMode, uint32, error) {
	if err := m.lock.Lock(ctx); err != nil {
		return object.TilingNone, 0, newError(Interrupted, "get_tiling", err)
	}
	defer m.lock.Unlock()

	obj, err := m.lookupLocked(handle)
	if err != nil {
		return object.TilingNone, 0, err
	}
	return obj.Tiling, obj.Stride, nil
}

// Madvise sets handle's reclaim hint, reporting whether its contents are
// still retained (false only if it was purged since the last call, spec.md
// §8 round-trip property).
func (m *Manager) Madvise(ctx context.Context, handle object.Handle, advice object.MadviseState) (bool, error) {
	if err := m.lock.Lock(ctx); err != nil {
		return false, newError(Interrupted, "madvise", err)
	}
	defer m.lock.Unlock()

	if advice != object.WillNeed && advice != object.DontNeed {
		return false, newError(Invalid, "madvise", nil)
	}
	obj, err := m.lookupLocked(handle)
	if err != nil {
		return false, err
	}
	wasPurged := obj.Madvise == object.Purged
	obj.Madvise = advice
	return !wasPurged, nil
}

// Pin binds handle if necessary and increments its pin count, unbinding and
// rebinding first if the existing placement is incompatible with the
// requested alignment or mappability (spec.md §4.7).
func (m *Manager) Pin(ctx context.Context, handle object.Handle, alignment uint64, mapAndFenceable bool) error {
	if err := m.lock.Lock(ctx); err != nil {
		return newError(Interrupted, "pin", err)
	}
	defer m.lock.Unlock()

	obj, err := m.lookupLocked(handle)
	if err != nil {
		return err
	}
	return m.pinLocked(ctx, obj, alignment, mapAndFenceable)
}

// pinLocked is Pin's body, factored out so other locked call sites (such as
// Pwrite's GTT-mapped path) can pin without re-entering the non-reentrant
// device lock. Caller holds the device lock.
func (m *Manager) pinLocked(ctx context.Context, obj *object.Object, alignment uint64, mapAndFenceable bool) error {
	if obj.PinCount >= object.MaxPin {
		return newError(Invalid, "pin", nil)
	}

	if obj.Placement.Bound {
		misaligned := alignment != 0 && obj.Placement.Start%alignment != 0
		wantsMap := mapAndFenceable && !obj.Placement.Mappable
		if misaligned || wantsMap {
			if err := m.unbindLocked(ctx, obj); err != nil {
				return err
			}
		}
	}
	if !obj.Placement.Bound {
		if err := m.bindLocked(ctx, obj, alignment, mapAndFenceable); err != nil {
			return err
		}
	}

	obj.PinCount++
	if obj.PinCount == 1 {
		m.moveToPinnedLocked(obj)
		m.dom.FlushCPUWriteDomain(obj)
		m.pinnedBytes += obj.Placement.Size
	}
	return nil
}

// Unpin decrements handle's pin count, returning it to its activity list on
// the 1->0 transition (spec.md §4.7).
func (m *Manager) Unpin(ctx context.Context, handle object.Handle) error {
	if err := m.lock.Lock(ctx); err != nil {
		return newError(Interrupted, "unpin", err)
	}
	defer m.lock.Unlock()

	obj, err := m.lookupLocked(handle)
	if err != nil {
		return err
	}
	return m.unpinLocked(obj)
}

// unpinLocked is Unpin's body, factored out for reuse by other locked call
// sites. Caller holds the device lock.
func (m *Manager) unpinLocked(obj *object.Object) error {
	if obj.PinCount == 0 {
		return newError(Invalid, "unpin", nil)
	}
	obj.PinCount--
	if obj.PinCount == 0 {
		m.pinnedBytes -= obj.Placement.Size
		m.returnToActivityListLocked(obj)
	}
	return nil
}
