// Package fault implements FaultMapper: the page-fault handler that lazily
// binds an object into the GTT on first touch and serves up the backing
// physical page to the caller's VM object.
//
// Like domain.Machine, Mapper owns no long-lived state besides a small
// idempotency cache recording pages already inserted for a given object —
// the same shape as the teacher's command-helper style (drive a fixed
// sequence of collaborator calls, hold nothing else).
package fault

import (
	"context"
	"sync"

	"gem/internal/object"
)

// Hooks bundles every collaborator the fault path drives.
type Hooks struct {
	// Bind places obj in the GTT with the given map-and-fenceable request.
	Bind func(ctx context.Context, obj *object.Object, mapAndFenceable bool) error
	// Unbind removes obj from the GTT.
	Unbind func(ctx context.Context, obj *object.Object) error
	// SetToGTTDomain transitions obj for GTT access.
	SetToGTTDomain func(ctx context.Context, obj *object.Object, write bool) error
	// GetFence acquires a fence register for a tiled obj.
	GetFence func(ctx context.Context, obj *object.Object) error
	// PutFence releases obj's fence register, if any.
	PutFence func(ctx context.Context, obj *object.Object) error
	// LookupPhysPage resolves the physical page backing a GTT address.
	LookupPhysPage func(gttAddr uint64) (pageID uint64, err error)
	// InsertPage hands pageID to the faulting VM object at offset.
	InsertPage func(obj *object.Object, offset uint64, pageID uint64)
	// Retryable reports whether err (Again/IO/Interrupted in caller terms)
	// should cause the fault to be retried from the top rather than
	// propagated. A nil Retryable means never retry internally.
	Retryable func(err error) bool
}

// Mapper drives the fault sequence against the supplied hooks.
type Mapper struct {
	hooks Hooks

	mu       sync.Mutex
	inserted map[*object.Object]map[uint64]uint64
}

// New creates a Mapper.
func New(hooks Hooks) *Mapper {
	return &Mapper{hooks: hooks, inserted: make(map[*object.Object]map[uint64]uint64)}
}

// Fault resolves a page fault at offset within obj: if another fault
// already inserted a page there, it is reused; otherwise obj is bound
// map-and-fenceable if it was not already, transitioned to the GTT write
// domain, given or stripped of a fence register depending on tiling, and
// the physical page at its GTT address is inserted. On success obj's
// fault-mappable flag is set so a later domain change knows to revoke the
// mapping.
func (m *Mapper) Fault(ctx context.Context, obj *object.Object, offset uint64) (uint64, error) {
	for {
		if pageID, ok := m.cached(obj, offset); ok {
			return pageID, nil
		}

		pageID, err := m.attempt(ctx, obj, offset)
		if err == nil {
			return pageID, nil
		}
		if m.hooks.Retryable == nil || !m.hooks.Retryable(err) {
			return 0, err
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
	}
}

func (m *Mapper) cached(obj *object.Object, offset uint64) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pages, ok := m.inserted[obj]
	if !ok {
		return 0, false
	}
	pageID, ok := pages[offset]
	return pageID, ok
}

func (m *Mapper) attempt(ctx context.Context, obj *object.Object, offset uint64) (uint64, error) {
	if !obj.Placement.Mappable || !obj.Placement.Fenceable {
		if obj.Placement.Bound {
			if err := m.hooks.Unbind(ctx, obj); err != nil {
				return 0, err
			}
		}
		if err := m.hooks.Bind(ctx, obj, true); err != nil {
			return 0, err
		}
	}

	if err := m.hooks.SetToGTTDomain(ctx, obj, true); err != nil {
		return 0, err
	}

	if obj.Tiling != object.TilingNone {
		if err := m.hooks.GetFence(ctx, obj); err != nil {
			return 0, err
		}
	} else if err := m.hooks.PutFence(ctx, obj); err != nil {
		return 0, err
	}

	pageID, err := m.hooks.LookupPhysPage(obj.Placement.Start + offset)
	if err != nil {
		return 0, err
	}
	m.hooks.InsertPage(obj, offset, pageID)
	obj.FaultMappable = true

	m.mu.Lock()
	if m.inserted[obj] == nil {
		m.inserted[obj] = make(map[uint64]uint64)
	}
	m.inserted[obj][offset] = pageID
	m.mu.Unlock()

	return pageID, nil
}

// Release forgets every cached page for obj, called when the mmap is
// revoked or the object is destroyed so a later fault reinserts fresh
// pages instead of trusting stale ones.
func (m *Mapper) Release(obj *object.Object) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inserted, obj)
}
