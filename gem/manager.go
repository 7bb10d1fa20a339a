package gem

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"gem/internal/domain"
	"gem/internal/fault"
	"gem/internal/fence"
	"gem/internal/gtrange"
	"gem/internal/object"
	"gem/internal/pageprovider"
	"gem/internal/reclaim"
	"gem/internal/ring"
)

// Manager is the facade spec.md §4 names as the tenth component: it owns
// the handle table and every list an Object can belong to, and wires
// GtRange, PageProvider, FenceRegistry, RingTracker, DomainMachine, Binder,
// FaultMapper and Reclaimer behind device_mutex.
//
// Like the teacher wires its VirtIOGPUDevice singleton around a ring,
// fence-ID counter and control virtqueue (virtio_gpu.go), Manager wires
// its collaborators around one handle table and one lock; unlike the
// teacher, every dependency arrives through Config rather than package
// globals (spec.md §9).
type Manager struct {
	cfg  Config
	lock *deviceLock

	table       *object.Table
	aperture    *gtrange.Range
	mappableEnd uint64

	fences    *fence.Registry
	pages     *pageprovider.Provider
	dom       *domain.Machine
	fault     *fault.Mapper
	reclaimer *reclaim.Reclaimer

	rings     []*ring.Tracker
	ringIndex map[string]int

	// slots records the GtRange allocation backing each bound object, kept
	// out of object.Object itself so that package has no dependency on
	// gtrange (spec.md §9 cyclic-reference note, applied one layer up).
	slots map[*object.Object]*gtrange.Slot

	// List membership (spec.md §3 invariant 10: at most one of these per
	// object, tracked redundantly via object.Object.List for O(1) removal).
	active   []*object.Object
	flushing []*object.Object
	inactive []*object.Object
	pinned   []*object.Object

	// pendingDestroy holds objects whose last handle reference was dropped
	// while still bound; drained by retireAllLocked once they become
	// destroyable (spec.md §3 Lifecycle: "the destroy is deferred... and
	// retried at each retire cycle").
	pendingDestroy map[*object.Object]bool

	objectCount int
	boundBytes  uint64
	pinnedBytes uint64

	wedged atomic.Bool

	logBind    *log.Logger
	logFence   *log.Logger
	logRing    *log.Logger
	logDomain  *log.Logger
	logReclaim *log.Logger
}

// Aperture reports the byte accounting behind get_aperture (spec.md §6),
// supplemented per SPEC_FULL.md §4.1 with the pinned-byte count the
// original derives by walking the pinned list.
type Aperture struct {
	Total  uint64
	Free   uint64
	Pinned uint64
}

// Stats is the per-object-info accounting SPEC_FULL.md §4.3 supplements
// from the original's i915_gem_info_add_obj/remove_obj bookkeeping.
type Stats struct {
	ObjectCount int
	BoundBytes  uint64
	PinnedBytes uint64
}

// NewManager wires every collaborator named in Config into a Manager ready
// to serve the external interface in spec.md §6.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.ApertureTotal == 0 {
		return nil, fmt.Errorf("gem: ApertureTotal must be nonzero")
	}
	if cfg.MappableEnd > cfg.ApertureBase+cfg.ApertureTotal {
		return nil, fmt.Errorf("gem: MappableEnd exceeds aperture")
	}
	if cfg.NumFenceRegs != 8 && cfg.NumFenceRegs != 16 {
		return nil, fmt.Errorf("gem: NumFenceRegs must be 8 or 16, got %d", cfg.NumFenceRegs)
	}

	m := &Manager{
		cfg:            cfg,
		lock:           newDeviceLock(),
		table:          object.NewTable(),
		aperture:       gtrange.New(cfg.ApertureBase, cfg.ApertureTotal),
		mappableEnd:    cfg.MappableEnd,
		fences:         fence.New(cfg.NumFenceRegs, cfg.Generation, cfg.FenceHW),
		pages:          pageprovider.New(cfg.BackingStore, cfg.NeedsBit17Swizzle),
		slots:          make(map[*object.Object]*gtrange.Slot),
		ringIndex:      make(map[string]int),
		pendingDestroy: make(map[*object.Object]bool),
		logBind:        log.New(os.Stderr, "gem/bind: ", log.LstdFlags),
		logFence:       log.New(os.Stderr, "gem/fence: ", log.LstdFlags),
		logRing:        log.New(os.Stderr, "gem/ring: ", log.LstdFlags),
		logDomain:      log.New(os.Stderr, "gem/domain: ", log.LstdFlags),
		logReclaim:     log.New(os.Stderr, "gem/reclaim: ", log.LstdFlags),
	}

	for _, rc := range cfg.Rings {
		idx := len(m.rings)
		m.rings = append(m.rings, ring.New(rc.Name, rc.HW))
		m.ringIndex[rc.Name] = idx
	}

	m.dom = domain.New(domain.Hooks{
		Cache:               cfg.Cache,
		FlushGPUWriteDomain: m.flushGPUWriteDomain,
		WaitRendering:       m.waitRendering,
		RevokeMmap:          cfg.RevokeMmap,
		Fences:              m.fences,
		RingSeqno:           m.ringSeqno,
		WaitRingSeqno:       m.waitRingSeqno,
	})

	m.fault = fault.New(fault.Hooks{
		Bind:           func(ctx context.Context, obj *object.Object, mapAndFenceable bool) error { return m.bindLocked(ctx, obj, 0, mapAndFenceable) },
		Unbind:         m.unbindLocked,
		SetToGTTDomain: m.dom.SetToGTTDomain,
		GetFence:       func(ctx context.Context, obj *object.Object) error { return m.wrapFenceErr("get_fence", m.dom.GetFence(ctx, obj, 0, nil)) },
		PutFence:       m.dom.PutFence,
		LookupPhysPage: cfg.LookupPhysPage,
		InsertPage:     cfg.InsertFaultPage,
		Retryable:      isRetryable,
	})

	m.reclaimer = reclaim.New(reclaim.Hooks{
		TryLockDevice:   m.lock.TryLock,
		UnlockDevice:    m.lock.Unlock,
		RetireAllRings:  m.retireAllLocked,
		InactiveObjects: func() []*object.Object { return append([]*object.Object(nil), m.inactive...) },
		Unbind:          func(obj *object.Object) error { return m.unbindLocked(context.Background(), obj) },
		GPUActive:       m.gpuActiveLocked,
		IdleGPU:         func() error { return m.idleAllLocked(context.Background()) },
	})

	return m, nil
}

func isRetryable(err error) bool {
	return Is(err, Again) || Is(err, IoError) || Is(err, Interrupted)
}

// wrapFenceErr maps a fence.Registry error onto the closed Kind set: a
// stolen-nothing-available condition becomes DeadLock (spec.md §6: "no free
// non-pinned fence"), anything else an I/O failure.
func (m *Manager) wrapFenceErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var dl fence.ErrDeadlock
	if errors.As(err, &dl) {
		return newError(DeadLock, op, err)
	}
	if _, ok := err.(*Error); ok {
		return err
	}
	return newError(IoError, op, err)
}

func (m *Manager) lookupLocked(h object.Handle) (*object.Object, error) {
	obj, ok := m.table.Lookup(h)
	if !ok {
		return nil, newError(NoSuchHandle, "lookup", nil)
	}
	return obj, nil
}

func removeFromList(list []*object.Object, obj *object.Object) []*object.Object {
	for i, o := range list {
		if o == obj {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// detachFromListsLocked removes obj from whichever of active/flushing/
// inactive/pinned it currently belongs to (spec.md §3 invariant 10).
func (m *Manager) detachFromListsLocked(obj *object.Object) {
	switch obj.List {
	case object.ActiveList:
		m.active = removeFromList(m.active, obj)
	case object.FlushingList:
		m.flushing = removeFromList(m.flushing, obj)
	case object.InactiveList:
		m.inactive = removeFromList(m.inactive, obj)
	case object.PinnedList:
		m.pinned = removeFromList(m.pinned, obj)
	}
	obj.List = object.NoList
}

func (m *Manager) moveToPinnedLocked(obj *object.Object) {
	m.detachFromListsLocked(obj)
	m.pinned = append(m.pinned, obj)
	obj.List = object.PinnedList
}

func (m *Manager) moveToInactiveLocked(obj *object.Object) {
	m.detachFromListsLocked(obj)
	obj.Activity = object.Activity{Kind: object.Inactive}
	m.inactive = append(m.inactive, obj)
	obj.List = object.InactiveList
}

// returnToActivityListLocked is what unpin does on its 1->0 transition:
// the object goes back to whichever list its (unchanged) activity implies
// (spec.md §4.7).
func (m *Manager) returnToActivityListLocked(obj *object.Object) {
	m.detachFromListsLocked(obj)
	switch obj.Activity.Kind {
	case object.Active:
		m.active = append(m.active, obj)
		obj.List = object.ActiveList
	case object.Flushing:
		m.flushing = append(m.flushing, obj)
		obj.List = object.FlushingList
	default:
		m.inactive = append(m.inactive, obj)
		obj.List = object.InactiveList
	}
}

// Create allocates a new object of the given byte size, rounded up to a
// page multiple, and returns its handle (spec.md §4.2, §6).
func (m *Manager) Create(ctx context.Context, size uint64) (object.Handle, error) {
	if err := m.lock.Lock(ctx); err != nil {
		return 0, newError(Interrupted, "create", err)
	}
	defer m.lock.Unlock()

	if size == 0 {
		return 0, newError(Invalid, "create", nil)
	}
	rounded := (size + pageprovider.PageSize - 1) &^ (pageprovider.PageSize - 1)

	obj := object.New(0, rounded, m.cfg.HasLLC)
	h := m.table.Insert(obj)
	m.objectCount++
	m.logBind.Printf("create handle=%d size=%d", h, rounded)
	return h, nil
}

// Destroy drops the handle table's reference to handle. If the object is
// still bound, destruction is deferred onto pendingDestroy and retried at
// each retire cycle (spec.md §3 Lifecycle).
func (m *Manager) Destroy(ctx context.Context, handle object.Handle) error {
	if err := m.lock.Lock(ctx); err != nil {
		return newError(Interrupted, "destroy", err)
	}
	defer m.lock.Unlock()

	obj, ok := m.table.Delete(handle)
	if !ok {
		return newError(NoSuchHandle, "destroy", nil)
	}
	obj.RefCount--
	if obj.Destroyable() {
		m.destroyLocked(obj)
		return nil
	}
	m.pendingDestroy[obj] = true
	return nil
}

func (m *Manager) destroyLocked(obj *object.Object) {
	m.detachFromListsLocked(obj)
	m.fault.Release(obj)
	m.objectCount--
	m.logBind.Printf("destroy obj=%d", obj.Handle)
}

func (m *Manager) drainDeferredFreeLocked() {
	for obj := range m.pendingDestroy {
		if obj.Destroyable() {
			delete(m.pendingDestroy, obj)
			m.destroyLocked(obj)
		}
	}
}

// GetAperture reports the aperture's total and free byte counts plus the
// currently pinned byte count (spec.md §6; pinned count per SPEC_FULL.md
// §4.1).
func (m *Manager) GetAperture(ctx context.Context) (Aperture, error) {
	if err := m.lock.Lock(ctx); err != nil {
		return Aperture{}, newError(Interrupted, "get_aperture", err)
	}
	defer m.lock.Unlock()
	return Aperture{Total: m.aperture.TotalBytes(), Free: m.aperture.FreeBytes(), Pinned: m.pinnedBytes}, nil
}

// Stats reports the object-count and byte accounting SPEC_FULL.md §4.3
// supplements from the original's /proc-style bookkeeping.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	if err := m.lock.Lock(ctx); err != nil {
		return Stats{}, newError(Interrupted, "stats", err)
	}
	defer m.lock.Unlock()
	return Stats{ObjectCount: m.objectCount, BoundBytes: m.boundBytes, PinnedBytes: m.pinnedBytes}, nil
}
