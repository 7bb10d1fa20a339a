package gem

import (
	"context"
	"sync"
	"testing"
	"time"

	"gem/internal/domain"
	"gem/internal/fence"
	"gem/internal/gtt"
	"gem/internal/object"
	"gem/internal/ring"
)

// fakeHW is a ring.HardwareRing whose completed-seqno counter advances only
// when a test stores to it, modeled on internal/ring/ring_test.go's fakeHW.
type fakeHW struct {
	mu       sync.Mutex
	seqno    uint32
	nextTail uint64
}

func (h *fakeHW) EmitSeqnoWrite(seqno uint32) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextTail++
	return h.nextTail, nil
}

func (h *fakeHW) GetSeqno() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seqno
}

// fakeFenceHW is a fence.RegisterWriter that just counts writes, modeled on
// internal/fence/fence_test.go's fakeHW.
type fakeFenceHW struct {
	mmioWrites      map[int]uint64
	pipelinedWrites map[int]uint64
}

func newFakeFenceHW() *fakeFenceHW {
	return &fakeFenceHW{mmioWrites: make(map[int]uint64), pipelinedWrites: make(map[int]uint64)}
}

func (f *fakeFenceHW) WriteMMIO(index int, encoded uint64)               { f.mmioWrites[index] = encoded }
func (f *fakeFenceHW) EmitPipelined(ring int, index int, encoded uint64) { f.pipelinedWrites[index] = encoded }

// fakeCache is a domain.CacheOps that just counts calls.
type fakeCache struct {
	clflushCalls int
}

func (c *fakeCache) Clflush(pages []object.Page) { c.clflushCalls++ }
func (c *fakeCache) Sfence()                     {}
func (c *fakeCache) Mfence()                     {}

// fakeBackingStore is a pageprovider.BackingStore that wires pages to
// incrementing IDs, unique per (key, index) pair, so fakeMemory can key
// byte storage off the same ID pageprovider hands back.
type fakeBackingStore struct {
	mu        sync.Mutex
	next      uint64
	discarded map[uint64]bool
}

func newFakeBackingStore() *fakeBackingStore {
	return &fakeBackingStore{next: 1, discarded: make(map[uint64]bool)}
}

func (s *fakeBackingStore) WirePage(key uint64, index int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return s.next, nil
}

func (s *fakeBackingStore) UnwirePage(key uint64, index int, pageID uint64) {}
func (s *fakeBackingStore) Writeback(pageID uint64)                        {}
func (s *fakeBackingStore) Discard(key uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discarded[key] = true
}

// fakeMemory is a gem.PageMemory backed by an in-process map, standing in
// for the kmap'd page bytes a real build would read and write.
type fakeMemory struct {
	mu    sync.Mutex
	pages map[uint64][]byte
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{pages: make(map[uint64][]byte)}
}

func (m *fakeMemory) ReadPage(pageID uint64, dst []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if buf, ok := m.pages[pageID]; ok {
		copy(dst, buf)
	}
}

func (m *fakeMemory) WritePage(pageID uint64, src []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(src))
	copy(buf, src)
	m.pages[pageID] = buf
}

const testPageSize = 4096

// testManager builds a Manager wired entirely with fakes, with one ring
// named "render" and an aperture big enough for a handful of small objects.
func testManager(t *testing.T) (*Manager, *fakeHW) {
	t.Helper()
	hw := &fakeHW{}
	cfg := Config{
		ApertureBase:  0,
		ApertureTotal: 1 << 20,
		MappableEnd:   1 << 19,
		NumFenceRegs:  8,
		Generation:    fence.Gen965,
		HasLLC:        false,
		Rings:         []RingConfig{{Name: "render", HW: hw}},
		BackingStore:  newFakeBackingStore(),
		FenceHW:       newFakeFenceHW(),
		GTT:           gtt.NewSimulated(),
		Cache:         &fakeCache{},
		Memory:        newFakeMemory(),
		LookupPhysPage: func(gttAddr uint64) (uint64, error) {
			return gttAddr, nil
		},
		InsertFaultPage: func(obj *object.Object, offset uint64, pageID uint64) {},
		RevokeMmap:      func(obj *object.Object) {},
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, hw
}

func TestNewManagerRejectsBadConfig(t *testing.T) {
	base := Config{ApertureTotal: 1 << 20, MappableEnd: 1 << 19, NumFenceRegs: 8}
	if _, err := NewManager(base); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	zero := base
	zero.ApertureTotal = 0
	if _, err := NewManager(zero); err == nil {
		t.Fatal("expected error for zero ApertureTotal")
	}

	badMappable := base
	badMappable.MappableEnd = base.ApertureTotal + 1
	if _, err := NewManager(badMappable); err == nil {
		t.Fatal("expected error for MappableEnd beyond aperture")
	}

	badFenceCount := base
	badFenceCount.NumFenceRegs = 12
	if _, err := NewManager(badFenceCount); err == nil {
		t.Fatal("expected error for NumFenceRegs not in {8,16}")
	}
}

func TestCreateRejectsZeroSize(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, 0); !Is(err, Invalid) {
		t.Fatalf("Create(0): want Invalid, got %v", err)
	}

	h, err := m.Create(ctx, 100)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if h == 0 {
		t.Fatal("expected nonzero handle")
	}
}

func TestCreateLargerThanApertureSucceedsButBindFails(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, 2<<20) // bigger than the 1MiB aperture
	if err != nil {
		t.Fatalf("Create should succeed regardless of aperture size: %v", err)
	}
	if err := m.Pin(ctx, h, 0, false); !Is(err, TooBig) {
		t.Fatalf("Pin of oversized object: want TooBig, got %v", err)
	}
}

func TestDestroyUnknownHandle(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	if err := m.Destroy(ctx, 9999); !Is(err, NoSuchHandle) {
		t.Fatalf("Destroy(unknown): want NoSuchHandle, got %v", err)
	}
}

func TestPwritePreadRoundTrip(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, testPageSize*2)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	data := make([]byte, 10)
	for i := range data {
		data[i] = byte(i + 1)
	}
	if err := m.Pwrite(ctx, h, 4090, data); err != nil {
		t.Fatalf("Pwrite: %v", err)
	}

	got, err := m.Pread(ctx, h, 4090, uint64(len(data)))
	if err != nil {
		t.Fatalf("Pread: %v", err)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("round trip mismatch at %d: want %d got %d", i, data[i], got[i])
		}
	}
}

// TestMmapGTTFaultBindsAndSetsGTTDomain exercises spec.md §8 scenario 2
// ("GTT mmap fault") at the Manager facade: mmap_gtt followed by a touch
// through Fault must bind the object map-and-fenceable, transition it into
// the GTT write domain, and mark it fault-mappable; a subsequent
// set_domain(CPU) must revoke the mapping so a later touch refaults.
func TestMmapGTTFaultBindsAndSetsGTTDomain(t *testing.T) {
	hw := &fakeHW{}
	var insertCalls int
	cfg := Config{
		ApertureBase:  0,
		ApertureTotal: 1 << 20,
		MappableEnd:   1 << 19,
		NumFenceRegs:  8,
		Generation:    fence.Gen965,
		Rings:         []RingConfig{{Name: "render", HW: hw}},
		BackingStore:  newFakeBackingStore(),
		FenceHW:       newFakeFenceHW(),
		GTT:           gtt.NewSimulated(),
		Cache:         &fakeCache{},
		Memory:        newFakeMemory(),
		LookupPhysPage: func(gttAddr uint64) (uint64, error) {
			return gttAddr + 1, nil
		},
		InsertFaultPage: func(obj *object.Object, offset uint64, pageID uint64) { insertCalls++ },
		RevokeMmap:      func(obj *object.Object) {},
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx := context.Background()

	h, err := m.Create(ctx, testPageSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.MmapGTT(ctx, h); err != nil {
		t.Fatalf("MmapGTT: %v", err)
	}

	pageID, err := m.Fault(ctx, h, 0)
	if err != nil {
		t.Fatalf("Fault: %v", err)
	}
	if pageID == 0 {
		t.Fatal("expected a nonzero physical page id")
	}
	if insertCalls != 1 {
		t.Fatalf("expected exactly one page insertion, got %d", insertCalls)
	}

	obj, err := m.lookupLocked(h)
	if err != nil {
		t.Fatalf("lookupLocked: %v", err)
	}
	if !obj.Placement.Bound {
		t.Fatal("expected object to be Bound after Fault")
	}
	if !obj.Placement.Mappable || !obj.Placement.Fenceable {
		t.Fatalf("expected map_and_fenceable placement, got %+v", obj.Placement)
	}
	if !obj.FaultMappable {
		t.Fatal("expected fault_mappable=true after Fault")
	}
	if !obj.ReadDomains.Has(object.DomainGTT) {
		t.Fatalf("expected read_domains to include GTT, got %v", obj.ReadDomains)
	}
	if obj.WriteDomain != object.DomainGTT {
		t.Fatalf("expected write_domain=GTT, got %v", obj.WriteDomain)
	}

	// A second fault at the same offset before any domain change must reuse
	// the cached page rather than inserting again.
	if _, err := m.Fault(ctx, h, 0); err != nil {
		t.Fatalf("Fault (cached): %v", err)
	}
	if insertCalls != 1 {
		t.Fatalf("expected cached fault to skip reinsertion, got %d calls", insertCalls)
	}

	if err := m.SetDomain(ctx, h, object.DomainCPU, true); err != nil {
		t.Fatalf("SetDomain(CPU): %v", err)
	}
	if obj.ReadDomains.Has(object.DomainGTT) {
		t.Fatal("expected set_domain(CPU) to clear GTT from read_domains")
	}

	// A touch after the CPU transition must refault: the cache was revoked,
	// so InsertFaultPage runs again instead of replaying the stale mapping.
	if _, err := m.Fault(ctx, h, 0); err != nil {
		t.Fatalf("Fault (after revoke): %v", err)
	}
	if insertCalls != 2 {
		t.Fatalf("expected a refault to reinsert the page, got %d calls", insertCalls)
	}
}

func TestPwriteRejectsOutOfBounds(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, testPageSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Pwrite(ctx, h, testPageSize-1, []byte{1, 2, 3}); !Is(err, Invalid) {
		t.Fatalf("Pwrite past end: want Invalid, got %v", err)
	}
}

func TestMadviseRoundTrip(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, testPageSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	retained, err := m.Madvise(ctx, h, object.DontNeed)
	if err != nil {
		t.Fatalf("Madvise(DontNeed): %v", err)
	}
	if !retained {
		t.Fatal("first DontNeed should still report retained (nothing was purged yet)")
	}

	retained, err = m.Madvise(ctx, h, object.WillNeed)
	if err != nil {
		t.Fatalf("Madvise(WillNeed): %v", err)
	}
	if !retained {
		t.Fatal("flipping back to WillNeed without an intervening unbind/purge should stay retained")
	}
}

func TestPinPastMaxPinRejected(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, testPageSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	obj, err := m.lookupLocked(h)
	if err != nil {
		t.Fatalf("lookupLocked: %v", err)
	}
	obj.PinCount = object.MaxPin
	if err := m.Pin(ctx, h, 0, false); !Is(err, Invalid) {
		t.Fatalf("Pin at MaxPin: want Invalid, got %v", err)
	}
}

func TestPinUnpinBindsAndReturnsToInactive(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, testPageSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Pin(ctx, h, 0, true); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	obj, _ := m.lookupLocked(h)
	if !obj.Placement.Bound {
		t.Fatal("Pin should bind the object")
	}
	if obj.List != object.PinnedList {
		t.Fatalf("want PinnedList, got %v", obj.List)
	}

	if err := m.Unpin(ctx, h); err != nil {
		t.Fatalf("Unpin: %v", err)
	}
	if obj.List != object.InactiveList {
		t.Fatalf("after unpin want InactiveList, got %v", obj.List)
	}

	if err := m.Unpin(ctx, h); !Is(err, Invalid) {
		t.Fatalf("double unpin: want Invalid, got %v", err)
	}
}

func TestGetApertureReportsFreeBytes(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	before, err := m.GetAperture(ctx)
	if err != nil {
		t.Fatalf("GetAperture: %v", err)
	}

	h, err := m.Create(ctx, testPageSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Pin(ctx, h, 0, true); err != nil {
		t.Fatalf("Pin: %v", err)
	}

	after, err := m.GetAperture(ctx)
	if err != nil {
		t.Fatalf("GetAperture: %v", err)
	}
	if after.Free >= before.Free {
		t.Fatalf("expected free bytes to shrink after pin: before=%d after=%d", before.Free, after.Free)
	}
	if after.Pinned == 0 {
		t.Fatal("expected nonzero pinned byte count")
	}
}

func TestSubmitWorkMovesObjectOntoActiveListOnCorrectRing(t *testing.T) {
	m, hw := testManager(t)
	ctx := context.Background()
	_ = hw

	h, err := m.Create(ctx, testPageSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Pin(ctx, h, 0, true); err != nil {
		t.Fatalf("Pin: %v", err)
	}

	seqno, err := m.SubmitWork(ctx, h, "render", false)
	if err != nil {
		t.Fatalf("SubmitWork: %v", err)
	}
	if seqno == 0 {
		t.Fatal("expected nonzero seqno")
	}

	obj, _ := m.lookupLocked(h)
	if obj.Activity.Ring != 0 {
		t.Fatalf("expected Activity.Ring to be corrected to ring index 0, got %d", obj.Activity.Ring)
	}

	if _, err := m.SubmitWork(ctx, h, "unknown-ring", false); !Is(err, Invalid) {
		t.Fatalf("SubmitWork(unknown ring): want Invalid, got %v", err)
	}
}

func TestBusyAndRetireLifecycle(t *testing.T) {
	m, hw := testManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, testPageSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Pin(ctx, h, 0, true); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	seqno, err := m.SubmitWork(ctx, h, "render", false)
	if err != nil {
		t.Fatalf("SubmitWork: %v", err)
	}

	busy, err := m.Busy(ctx, h)
	if err != nil {
		t.Fatalf("Busy: %v", err)
	}
	if !busy {
		t.Fatal("object should be busy immediately after submit")
	}

	hw.mu.Lock()
	hw.seqno = seqno
	hw.mu.Unlock()

	busy, err = m.Busy(ctx, h)
	if err != nil {
		t.Fatalf("Busy: %v", err)
	}
	if busy {
		t.Fatal("object should no longer be busy once hardware reports its seqno retired")
	}

	obj, _ := m.lookupLocked(h)
	if obj.Activity.Kind != object.Inactive {
		t.Fatalf("read-only submit should retire straight to Inactive, got %v", obj.Activity.Kind)
	}
}

// TestWriteSubmitRetiresThroughFlushing drives the dirty-retire path at the
// facade: a written object keeps its pending GPU write domain when its
// seqno passes, so retire demotes it to Flushing, and only once the write
// domain has been flushed does the next retire move it to Inactive.
func TestWriteSubmitRetiresThroughFlushing(t *testing.T) {
	m, hw := testManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, testPageSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Pin(ctx, h, 0, true); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	seqno, err := m.SubmitWork(ctx, h, "render", true)
	if err != nil {
		t.Fatalf("SubmitWork: %v", err)
	}

	obj, _ := m.lookupLocked(h)
	if obj.WriteDomain != object.DomainGPU {
		t.Fatalf("written submit should leave write_domain=GPU, got %v", obj.WriteDomain)
	}

	hw.mu.Lock()
	hw.seqno = seqno
	hw.mu.Unlock()

	busy, err := m.Busy(ctx, h)
	if err != nil {
		t.Fatalf("Busy: %v", err)
	}
	if !busy {
		t.Fatal("a retired-but-unflushed write should still report busy (Flushing)")
	}
	if obj.Activity.Kind != object.Flushing || obj.List != object.FlushingList {
		t.Fatalf("expected Flushing after retire with a dirty write domain, got kind=%v list=%v", obj.Activity.Kind, obj.List)
	}

	// Flushing the GPU write domain (here via a read-only GTT transition)
	// lets the next retire pass promote the object to Inactive.
	if err := m.SetDomain(ctx, h, object.DomainGTT, false); err != nil {
		t.Fatalf("SetDomain(GTT): %v", err)
	}
	if err := m.lock.Lock(ctx); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	m.retireAllLocked()
	m.lock.Unlock()

	if obj.Activity.Kind != object.Inactive || obj.List != object.InactiveList {
		t.Fatalf("expected Inactive after the write domain flushed, got kind=%v list=%v", obj.Activity.Kind, obj.List)
	}
}

func TestWaitForErrorAndRecoverFromWedge(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, testPageSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Pin(ctx, h, 0, true); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if _, err := m.SubmitWork(ctx, h, "render", false); err != nil {
		t.Fatalf("SubmitWork: %v", err)
	}

	if err := m.SetWedged(ctx, true); err != nil {
		t.Fatalf("SetWedged(true): %v", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		waitErr <- m.WaitForError(waitCtx)
	}()

	if err := m.RecoverFromWedge(ctx); err != nil {
		t.Fatalf("RecoverFromWedge: %v", err)
	}

	if err := <-waitErr; err != nil {
		t.Fatalf("WaitForError after recovery: %v", err)
	}

	obj, _ := m.lookupLocked(h)
	if obj.List != object.InactiveList {
		t.Fatalf("abandoned request's object should land on InactiveList, got %v", obj.List)
	}
}

func TestWaitOnSeqnoZeroSucceedsImmediately(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	if err := m.waitRingSeqno(ctx, 0, 0); err != nil {
		t.Fatalf("waiting on seqno 0 should succeed trivially: %v", err)
	}
}

func TestPassedIsReflexive(t *testing.T) {
	if !ring.Passed(5, 5) {
		t.Fatal("passed(a, a) must be true (inclusive comparison)")
	}
}

func TestSetDomainRejectsGPUDomain(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	h, err := m.Create(ctx, testPageSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.SetDomain(ctx, h, object.DomainGPU, false); !Is(err, Invalid) {
		t.Fatalf("SetDomain(GPU): want Invalid, got %v", err)
	}
}

func TestSetTilingRejectedWhileBound(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	h, err := m.Create(ctx, testPageSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Pin(ctx, h, 0, true); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if err := m.SetTiling(ctx, h, object.TilingX, 512); !Is(err, Invalid) {
		t.Fatalf("SetTiling while bound: want Invalid, got %v", err)
	}
}

func TestEvictionFreesSpaceForNewBinding(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	// Fill the whole mappable aperture with unpinned (inactive, evictable)
	// bound objects, then bind one more that requires eviction to succeed.
	const chunk = 64 * 1024
	var handles []object.Handle
	for i := 0; i < 8; i++ {
		h, err := m.Create(ctx, chunk)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := m.Pin(ctx, h, 0, true); err != nil {
			t.Fatalf("Pin: %v", err)
		}
		if err := m.Unpin(ctx, h); err != nil {
			t.Fatalf("Unpin: %v", err)
		}
		handles = append(handles, h)
	}

	big, err := m.Create(ctx, chunk)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Pin(ctx, big, 0, true); err != nil {
		t.Fatalf("Pin requiring eviction should succeed: %v", err)
	}
}

func TestConcurrentCreatesAreSerializedByDeviceLock(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	handles := make(chan object.Handle, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := m.Create(ctx, testPageSize)
			if err != nil {
				t.Errorf("Create: %v", err)
				return
			}
			handles <- h
		}()
	}
	wg.Wait()
	close(handles)

	seen := make(map[object.Handle]bool)
	for h := range handles {
		if seen[h] {
			t.Fatalf("duplicate handle %d issued under concurrency", h)
		}
		seen[h] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct handles, got %d", n, len(seen))
	}
}

var _ domain.CacheOps = (*fakeCache)(nil)
var _ fence.RegisterWriter = (*fakeFenceHW)(nil)
var _ ring.HardwareRing = (*fakeHW)(nil)
