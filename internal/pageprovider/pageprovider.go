// Package pageprovider implements lazy acquisition and release of an
// object's backing pages from a pageable source (spec §4.3).
//
// The free-list-of-pages shape this package wires into (BackingStore) is
// grounded on the teacher's page-metadata allocator (mazboot/golang/main/page.go,
// the freePages linked list of *Page nodes with vaddrMapped/flags/next/prev)
// — here abstracted behind an interface because the real pageable source
// (a shmem/swap-backed vm_object in the original) is an out-of-scope
// collaborator per spec.md §1.
package pageprovider

import (
	"fmt"

	"gem/internal/object"
)

const PageSize = 4096

// BackingStore is the pageable source PageProvider pulls pages from and
// returns them to. It stands in for the kernel's swap-backed vm_object,
// which spec.md §1 explicitly keeps out of scope.
type BackingStore interface {
	// WirePage returns a stable page identifier for page index of the
	// object keyed by key, acquiring and wiring it into memory.
	WirePage(key uint64, index int) (pageID uint64, err error)
	// UnwirePage releases the wiring acquired by WirePage.
	UnwirePage(key uint64, index int, pageID uint64)
	// Writeback flags pageID for writeback because it was dirty at release.
	Writeback(pageID uint64)
	// Discard drops all storage for the object keyed by key. Called when
	// madvise has marked the object Purged.
	Discard(key uint64)
}

// ErrIO wraps a BackingStore failure as the spec's IoError kind.
type ErrIO struct {
	Key   uint64
	Index int
	Err   error
}

func (e *ErrIO) Error() string {
	return fmt.Sprintf("pageprovider: IO error acquiring page %d of object %d: %v", e.Index, e.Key, e.Err)
}

func (e *ErrIO) Unwrap() error { return e.Err }

// Provider acquires and releases an object's pages against a BackingStore.
type Provider struct {
	store BackingStore
	// needsBit17Swizzle reports, for a tiling mode, whether CPU access to
	// pages of an object with that tiling must bounce through a bit-17
	// swizzle on this chipset generation.
	needsBit17Swizzle func(object.TilingMode) bool
}

// New creates a Provider backed by store. swizzle may be nil, in which case
// no tiling mode requires bit-17 swizzling (pre-swizzling generations).
func New(store BackingStore, swizzle func(object.TilingMode) bool) *Provider {
	if swizzle == nil {
		swizzle = func(object.TilingMode) bool { return false }
	}
	return &Provider{store: store, needsBit17Swizzle: swizzle}
}

// Acquire pulls in every page of obj, wiring each one. On any failure it
// unwires everything it had already acquired and returns ErrIO: partial
// acquisition is never left behind (spec §4.3).
func (p *Provider) Acquire(obj *object.Object) error {
	n := int(obj.Size / PageSize)
	pages := make([]object.Page, 0, n)
	swizzle := p.needsBit17Swizzle(obj.Tiling)

	key := uint64(obj.Handle)
	for i := 0; i < n; i++ {
		id, err := p.store.WirePage(key, i)
		if err != nil {
			for j, acquired := range pages {
				p.store.UnwirePage(key, j, acquired.ID)
			}
			return &ErrIO{Key: key, Index: i, Err: err}
		}
		pages = append(pages, object.Page{
			ID:      id,
			Swizzle: swizzle && (id>>17)&1 == 1,
		})
	}
	obj.Pages = pages
	return nil
}

// Release unwires every page of obj. Dirty pages are flagged for writeback
// unless madvise is DontNeed, in which case the dirty flag is dropped
// instead. If madvise is Purged, the backing storage itself is discarded.
// Release is total: it is an invariant violation to release only some of an
// object's pages, so this never returns early.
func (p *Provider) Release(obj *object.Object) {
	key := uint64(obj.Handle)
	for i, page := range obj.Pages {
		if page.Dirty {
			if obj.Madvise == object.DontNeed {
				page.Dirty = false
			} else {
				p.store.Writeback(page.ID)
			}
		}
		p.store.UnwirePage(key, i, page.ID)
	}
	if obj.Madvise == object.Purged {
		p.store.Discard(key)
	}
	obj.Pages = nil
}

// Purge discards obj's backing storage directly, used when an unbind
// observes madvise=DontNeed and transitions the object to Purged after
// Release has already run (Release only discards when madvise is already
// Purged at the time it is called).
func (p *Provider) Purge(obj *object.Object) {
	p.store.Discard(uint64(obj.Handle))
}
