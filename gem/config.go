package gem

import (
	"gem/internal/domain"
	"gem/internal/fence"
	"gem/internal/gtt"
	"gem/internal/object"
	"gem/internal/pageprovider"
	"gem/internal/ring"
)

// RingConfig names one GPU command ring and its hardware collaborator.
type RingConfig struct {
	Name string
	HW   ring.HardwareRing
}

// Config is every dependency and tunable Manager needs, passed explicitly
// rather than read from package-level globals (spec.md §9: "global mutable
// state becomes explicit context-passed dependencies").
type Config struct {
	// ApertureBase and ApertureTotal describe the full GTT address range.
	ApertureBase  uint64
	ApertureTotal uint64
	// MappableEnd is the CPU-visible aperture boundary within the GTT
	// (spec.md glossary: "Aperture").
	MappableEnd uint64

	// NumFenceRegs is the platform's fence register count (8 or 16).
	NumFenceRegs int
	// Generation selects the chipset fence encoding and gtt-size rules.
	Generation fence.Generation
	// HasLLC reports whether the platform has a last-level cache shared
	// with the GPU, the initial cache_level new objects are created with.
	HasLLC bool

	Rings []RingConfig

	BackingStore      pageprovider.BackingStore
	NeedsBit17Swizzle func(object.TilingMode) bool
	FenceHW           fence.RegisterWriter
	GTT               gtt.Writer
	Cache             domain.CacheOps

	// LookupPhysPage resolves the physical page backing a GTT address, for
	// the fault path.
	LookupPhysPage func(gttAddr uint64) (pageID uint64, err error)
	// InsertFaultPage hands a resolved page to the faulting VM object.
	InsertFaultPage func(obj *object.Object, offset uint64, pageID uint64)
	// RevokeMmap forces any live userspace mapping of obj to refault.
	RevokeMmap func(obj *object.Object)

	// Memory is the byte-addressable backing for pageprovider page IDs,
	// the seam pread/pwrite copy through. A real build backs this with
	// whatever holds the wired pages (e.g. a kmap'd shmem page); it is
	// kept separate from BackingStore because wiring/unwiring a page is a
	// different concern than reading or writing its bytes.
	Memory PageMemory
}

// PageMemory reads and writes the bytes of a page previously handed out by
// a pageprovider.BackingStore, keyed by the same pageID.
type PageMemory interface {
	ReadPage(pageID uint64, dst []byte)
	WritePage(pageID uint64, src []byte)
}
