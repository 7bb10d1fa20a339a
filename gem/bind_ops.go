package gem

import (
	"context"
	"fmt"

	bindpkg "gem/internal/bind"
	"gem/internal/gtrange"
	"gem/internal/object"
)

// bindLocked places obj in the GTT, evicting other inactive objects as
// needed (spec.md §4.7). Caller must hold the device lock.
func (m *Manager) bindLocked(ctx context.Context, obj *object.Object, alignment uint64, mapAndFenceable bool) error {
	if obj.Madvise != object.WillNeed {
		return newError(Invalid, "bind", nil)
	}

	params, err := bindpkg.Plan(m.cfg.Generation, obj, alignment, mapAndFenceable)
	if err != nil {
		return newError(Invalid, "bind", err)
	}

	apertureBytes := m.aperture.TotalBytes()
	mappableBytes := m.mappableEnd - m.cfg.ApertureBase
	if params.Size > apertureBytes || (mapAndFenceable && params.Size > mappableBytes) {
		return newError(TooBig, "bind", nil)
	}

	lo, hi := m.cfg.ApertureBase, m.cfg.ApertureBase+apertureBytes
	if mapAndFenceable {
		hi = m.mappableEnd
	}

	var lastErr error
	for attempt := 0; attempt < 4; attempt++ {
		region, searchErr := m.aperture.SearchFreeInRange(params.Size, params.Alignment, 0, lo, hi)
		if searchErr == nil {
			slot, getErr := m.aperture.GetBlock(region, params.Size, params.Alignment, 0)
			if getErr == nil {
				return m.finishBindLocked(obj, slot, params)
			}
			searchErr = getErr
		}
		lastErr = searchErr
		if attempt == 3 {
			break
		}
		if evictErr := m.evictSomethingLocked(ctx, params.Size, mapAndFenceable, attempt); evictErr != nil && attempt == 2 {
			lastErr = evictErr
			break
		}
	}
	return newError(NoMemory, "bind", lastErr)
}

func (m *Manager) finishBindLocked(obj *object.Object, slot *gtrange.Slot, params bindpkg.Params) error {
	if err := m.pages.Acquire(obj); err != nil {
		m.aperture.PutBlock(slot)
		return newError(IoError, "bind", err)
	}
	m.cfg.GTT.Insert(slot.Start, slot.Size, obj.Pages)
	bindpkg.Apply(obj, bindpkg.Slot{Start: slot.Start, Size: slot.Size, Color: slot.Color}, params, m.mappableEnd)

	m.slots[obj] = slot
	m.moveToInactiveLocked(obj)
	m.boundBytes += obj.Placement.Size
	m.logBind.Printf("bind obj=%d slot=[%d,%d) fenceable=%v mappable=%v", obj.Handle, slot.Start, slot.Start+slot.Size, obj.Placement.Fenceable, obj.Placement.Mappable)
	return nil
}

// unbindLocked removes obj from the GTT, flushing and waiting as spec.md
// §4.7 requires. It fails Invalid if obj is pinned; it is a no-op if obj is
// already Unbound.
func (m *Manager) unbindLocked(ctx context.Context, obj *object.Object) error {
	if obj.PinCount > 0 {
		return newError(Invalid, "unbind", nil)
	}
	if !obj.Placement.Bound {
		return nil
	}

	if err := m.finishGPULocked(ctx, obj); err != nil {
		return err
	}
	m.dom.FinishGTT(obj)
	if err := m.dom.SetToCPUDomain(ctx, obj, true); err != nil {
		m.cfg.Cache.Clflush(obj.Pages)
		obj.WriteDomain = object.DomainCPU
		obj.ReadDomains = object.DomainCPU
	}
	if err := m.dom.PutFence(ctx, obj); err != nil {
		return err
	}

	m.cfg.GTT.Clear(obj.Placement.Start, obj.Placement.Size)
	if slot, ok := m.slots[obj]; ok {
		m.aperture.PutBlock(slot)
		delete(m.slots, obj)
	}
	m.boundBytes -= obj.Placement.Size
	m.pages.Release(obj)
	bindpkg.Clear(obj)
	m.detachFromListsLocked(obj)

	if obj.Madvise == object.DontNeed {
		obj.Madvise = object.Purged
		m.pages.Purge(obj)
	}
	m.logBind.Printf("unbind obj=%d", obj.Handle)
	return nil
}

// finishGPULocked flushes and waits for any GPU rendering outstanding on
// obj, the first step of unbind (spec.md §4.7's "finish_gpu").
func (m *Manager) finishGPULocked(ctx context.Context, obj *object.Object) error {
	if !obj.Busy() {
		return nil
	}
	if err := m.flushGPUWriteDomain(obj); err != nil {
		return err
	}
	return m.waitRendering(ctx, obj)
}

// evictSomethingLocked implements spec.md §4.7's escalating eviction
// policy: first the inactive-list LRU, then a retire pass followed by a
// second LRU attempt, and finally a full idle-and-unbind-everything.
func (m *Manager) evictSomethingLocked(ctx context.Context, size uint64, mapAndFenceable bool, attempt int) error {
	switch attempt {
	case 0:
		return m.evictInactiveLRULocked(ctx, size, mapAndFenceable)
	case 1:
		m.retireAllLocked()
		return m.evictInactiveLRULocked(ctx, size, mapAndFenceable)
	default:
		return m.evictEverythingLocked(ctx)
	}
}

func (m *Manager) evictInactiveLRULocked(ctx context.Context, size uint64, mapAndFenceable bool) error {
	candidates := append([]*object.Object(nil), m.inactive...)
	var freed uint64
	for _, obj := range candidates {
		if mapAndFenceable && !obj.Placement.Mappable {
			continue
		}
		want := obj.Placement.Size
		if err := m.unbindLocked(ctx, obj); err != nil {
			continue
		}
		freed += want
		if freed >= size {
			return nil
		}
	}
	if freed > 0 {
		return nil
	}
	return fmt.Errorf("bind: no evictable inactive objects")
}

func (m *Manager) evictEverythingLocked(ctx context.Context) error {
	if err := m.idleAllLocked(ctx); err != nil {
		return err
	}
	for _, obj := range append([]*object.Object(nil), m.inactive...) {
		m.unbindLocked(ctx, obj)
	}
	return nil
}
