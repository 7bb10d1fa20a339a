// Package ring implements RingTracker: a per-ring monotonically increasing
// sequence-number source, request queue, and waiter notification (spec
// §4.5). The actual GPU ring — command submission and interrupt delivery —
// is the out-of-scope collaborator named in spec.md §1; this package only
// tracks what the ring has promised to do and what it has reported done.
//
// The interrupt-driven wakeup with polling fallback is grounded on the
// teacher's monitor-goroutine idiom (mazboot/golang/main/scavenger_monitor.go,
// gc_monitor.go: a `go xMonitorLoop()` that polls an atomic tick counter)
// and on spec.md §9's explicit instruction to model interrupt delivery as a
// condition-variable notify, here a channel that is closed and replaced on
// every notification (the standard broadcast-without-losing-a-waiter idiom).
package ring

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"gem/internal/object"
)

// PollInterval is the polling fallback period used when no fresh
// notification arrives (spec §4.5: "a 3-second polling fallback").
const PollInterval = 3 * time.Second

// HardwareRing is the opaque ring collaborator: it knows how to emit a
// pipelined seqno write and report the most recently completed seqno.
type HardwareRing interface {
	// EmitSeqnoWrite emits a pipelined write of seqno into the command
	// stream and returns the ring tail position at that point.
	EmitSeqnoWrite(seqno uint32) (tail uint64, err error)
	// GetSeqno returns the most recently completed sequence number.
	GetSeqno() uint32
}

// Client is an open file's outstanding-request list. Requests hold a
// nullable back-pointer to their Client; Client holds the only list of
// which requests are still pending, broken under its own mutex on Close so
// neither side needs the other's lock (spec §9).
type Client struct {
	mu      sync.Mutex
	pending []*Request
}

// NewClient creates an empty, open Client.
func NewClient() *Client { return &Client{} }

func (c *Client) track(r *Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, r)
}

func (c *Client) untrack(r *Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pending {
		if p == r {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// Oldest returns the client's earliest still-pending request, or nil.
func (c *Client) Oldest() *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	return c.pending[0]
}

// Close detaches every pending request from this client. A request whose
// client has been closed is destroyed at retirement regardless of whether
// the client is still alive (spec §7).
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.pending {
		r.client.Store((*Client)(nil))
	}
	c.pending = nil
}

// Request is one submitted, not-yet-retired piece of ring work.
type Request struct {
	Seqno     uint32
	Tail      uint64
	EmittedAt time.Time
	client    atomic.Pointer[Client]
}

// Client returns the submitting client, or nil if it has since closed.
func (r *Request) Client() *Client { return r.client.Load() }

// Sentinel errors surfaced by Wait, matching spec §6/§7's
// closed error-kind list.
var (
	ErrAgain       = errors.New("ring: wedged, retry")
	ErrInterrupted = errors.New("ring: wait interrupted")
	ErrBusy        = errors.New("ring: wait timed out")
)

// passed implements spec §4.5's signed modular seqno comparison: a has
// passed b (inclusive) iff (int32)(a-b) >= 0.
func passed(a, b uint32) bool { return int32(a-b) >= 0 }

// Passed exports the modular comparison for callers outside this package
// (e.g. the domain machine's "has this ring passed the fence's
// last_use_seqno" check).
func Passed(a, b uint32) bool { return passed(a, b) }

// Tracker is one ring's sequence-number and request state.
type Tracker struct {
	name string
	hw   HardwareRing

	mu              sync.Mutex
	nextSeqno       uint32
	outstandingLazy uint32
	activeList      []*object.Object
	requests        []*Request
	lastRetiredTail uint64
	gpuCachesDirty  bool

	notify chan struct{}
	wedged atomic.Bool
}

// New creates a Tracker for a ring named name (e.g. "render", "bsd",
// "blitter"), starting seqno allocation at 1.
func New(name string, hw HardwareRing) *Tracker {
	return &Tracker{name: name, hw: hw, nextSeqno: 1, notify: make(chan struct{})}
}

func (t *Tracker) Name() string { return t.name }

// NextRequestSeqno returns the seqno promised to the next caller, allocating
// one if none is currently outstanding. Repeated calls before the matching
// AddRequest return the same value (spec §4.5).
func (t *Tracker) NextRequestSeqno() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lockedNextRequestSeqno()
}

func (t *Tracker) lockedNextRequestSeqno() uint32 {
	if t.outstandingLazy == 0 {
		seqno := t.nextSeqno
		t.nextSeqno++
		if t.nextSeqno == 0 {
			t.nextSeqno = 1 // wrap, skipping the reserved value 0
		}
		t.outstandingLazy = seqno
	}
	return t.outstandingLazy
}

// AddRequest emits a pipelined seqno write, records the request, and wakes
// any waiter. If client is non-nil the request is tracked on it.
func (t *Tracker) AddRequest(client *Client) (*Request, error) {
	t.mu.Lock()
	seqno := t.lockedNextRequestSeqno()
	t.mu.Unlock()

	tail, err := t.hw.EmitSeqnoWrite(seqno)
	if err != nil {
		return nil, err
	}

	req := &Request{Seqno: seqno, Tail: tail, EmittedAt: time.Now()}
	req.client.Store(client)
	if client != nil {
		client.track(req)
	}

	t.mu.Lock()
	t.requests = append(t.requests, req)
	t.outstandingLazy = 0
	t.mu.Unlock()

	t.NotifySeqnoAdvance()
	return req, nil
}

// AddToActiveList records that obj's most recent GPU work was tagged with
// seqno on this ring. The caller (gem.Manager) is responsible for the extra
// refcount spec §3 assigns to active-list membership.
func (t *Tracker) AddToActiveList(obj *object.Object, seqno uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj.Activity = object.Activity{Kind: object.Active, Ring: 0, LastSeqno: seqno}
	t.activeList = append(t.activeList, obj)
}

// Retire removes every request with seqno <= nowSeqno (modular passed) and
// demotes every active-list object whose last rendering seqno has passed:
// to Flushing if it has a pending write domain, else to Inactive. It
// returns the demoted objects so the caller can release the active-list
// reference and update list membership (spec §4.5).
func (t *Tracker) Retire(nowSeqno uint32) (demoted []*object.Object) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for len(t.requests) > 0 && passed(nowSeqno, t.requests[0].Seqno) {
		req := t.requests[0]
		t.requests = t.requests[1:]
		if c := req.client.Load(); c != nil {
			c.untrack(req)
		}
		t.lastRetiredTail = req.Tail
	}

	remaining := t.activeList[:0:0]
	for _, obj := range t.activeList {
		if passed(nowSeqno, obj.Activity.LastSeqno) {
			if obj.WriteDomain != 0 {
				obj.Activity.Kind = object.Flushing
			} else {
				obj.Activity.Kind = object.Inactive
			}
			demoted = append(demoted, obj)
		} else {
			remaining = append(remaining, obj)
		}
	}
	t.activeList = remaining
	return demoted
}

// Reset discards every outstanding request and active-list membership on
// this ring, as the reset-recovery path does after a wedge: seqno
// accounting is abandoned rather than repaired, and the caller is
// responsible for moving the returned objects onto the inactive list and
// clearing their fence registers.
func (t *Tracker) Reset() (abandoned []*object.Object) {
	t.mu.Lock()
	defer t.mu.Unlock()
	abandoned = t.activeList
	t.activeList = nil
	t.requests = nil
	t.outstandingLazy = 0
	return abandoned
}

// GetSeqno returns the ring's most recently completed sequence number.
func (t *Tracker) GetSeqno() uint32 { return t.hw.GetSeqno() }

// RequestCount reports the number of unretired requests, for tests and
// diagnostics.
func (t *Tracker) RequestCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

// NotifySeqnoAdvance wakes every waiter blocked in Wait. Called whenever the
// hardware ring's completed-seqno counter might have moved (an interrupt, a
// new request, or a wedge).
func (t *Tracker) NotifySeqnoAdvance() {
	t.mu.Lock()
	ch := t.notify
	t.notify = make(chan struct{})
	t.mu.Unlock()
	close(ch)
}

// SetWedged marks the ring wedged or recovered. Wedging wakes every waiter
// immediately with ErrAgain.
func (t *Tracker) SetWedged(wedged bool) {
	t.wedged.Store(wedged)
	t.NotifySeqnoAdvance()
}

// Wedged reports whether the ring is currently considered hung.
func (t *Tracker) Wedged() bool { return t.wedged.Load() }

// Wait blocks until seqno has passed on this ring, the ring is wedged, or
// ctx is done. seqno 0 succeeds immediately (spec §8: "Wait on seqno 0 must
// succeed immediately"). If seqno is the currently outstanding lazy
// request, it is materialized via AddRequest first (spec §4.5).
func (t *Tracker) Wait(ctx context.Context, seqno uint32) error {
	if seqno == 0 {
		return nil
	}

	t.mu.Lock()
	lazy := t.outstandingLazy
	t.mu.Unlock()
	if seqno == lazy {
		if _, err := t.AddRequest(nil); err != nil {
			return err
		}
	}

	for {
		if t.wedged.Load() {
			return ErrAgain
		}
		if passed(t.hw.GetSeqno(), seqno) {
			return nil
		}

		t.mu.Lock()
		ch := t.notify
		t.mu.Unlock()

		timer := time.NewTimer(PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.Canceled) {
				return ErrInterrupted
			}
			return ErrBusy
		case <-ch:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Idle blocks until every request currently outstanding on this ring has
// retired, the wait half of a full "evict everything" pass.
func (t *Tracker) Idle(ctx context.Context) error {
	for {
		t.mu.Lock()
		if len(t.requests) == 0 {
			t.mu.Unlock()
			return nil
		}
		last := t.requests[len(t.requests)-1].Seqno
		t.mu.Unlock()

		if err := t.Wait(ctx, last); err != nil {
			return err
		}
		t.Retire(t.GetSeqno())
	}
}

// Throttle blocks until the client's oldest outstanding request retires,
// but only if that request is older than recentEnough — a fresh client has
// nothing to throttle on (spec §6: "wait for requests older than 20ms from
// this client").
func (t *Tracker) Throttle(ctx context.Context, client *Client, recentEnough time.Duration) error {
	req := client.Oldest()
	if req == nil {
		return nil
	}
	if time.Since(req.EmittedAt) < recentEnough {
		return nil
	}
	return t.Wait(ctx, req.Seqno)
}
