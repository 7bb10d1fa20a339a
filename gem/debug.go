package gem

import (
	"context"
	"io"

	"gem/internal/gttview"
	"gem/internal/object"
)

// DebugSnapshot gathers aperture and fence state under the device lock for
// internal/gttview to render (SPEC_FULL.md §2 domain-stack wiring). It is a
// diagnostic accessor only: nothing reads the returned Snapshot back into
// bind or eviction decisions.
func (m *Manager) DebugSnapshot(ctx context.Context) (gttview.Snapshot, error) {
	if err := m.lock.Lock(ctx); err != nil {
		return gttview.Snapshot{}, newError(Interrupted, "debug_snapshot", err)
	}
	defer m.lock.Unlock()

	snap := gttview.Snapshot{
		ApertureBase:  m.cfg.ApertureBase,
		ApertureTotal: m.aperture.TotalBytes(),
		MappableEnd:   m.mappableEnd,
		LRU:           m.fences.LRUOrder(),
	}

	m.aperture.Walk(func(start, size uint64, allocated bool, color uint32) {
		entry := gttview.RangeEntry{Start: start, Size: size, Allocated: allocated}
		if allocated {
			entry.Handle = m.handleForSlotLocked(start)
		}
		snap.Ranges = append(snap.Ranges, entry)
	})

	for i := 0; i < m.fences.Count(); i++ {
		slot := m.fences.SlotAt(i)
		fe := gttview.FenceEntry{Index: i, Pinned: slot.PinCount > 0}
		if slot.Obj != nil {
			fe.Handle = slot.Obj.Handle
		}
		snap.Fences = append(snap.Fences, fe)
	}
	return snap, nil
}

// handleForSlotLocked finds the object bound at aperture offset start, for
// DebugSnapshot's labeling; this is the only place the slots map is walked
// by address rather than by object, so it stays a linear scan.
func (m *Manager) handleForSlotLocked(start uint64) object.Handle {
	for obj, slot := range m.slots {
		if slot.Start == start {
			return obj.Handle
		}
	}
	return 0
}

// RenderDebugPNG writes a PNG diagnostic of the current aperture and fence
// state to w (SPEC_FULL.md §2).
func (m *Manager) RenderDebugPNG(ctx context.Context, w io.Writer) error {
	snap, err := m.DebugSnapshot(ctx)
	if err != nil {
		return err
	}
	if err := gttview.Render(snap, w); err != nil {
		return newError(IoError, "render_debug_png", err)
	}
	return nil
}
