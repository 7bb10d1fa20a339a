// Package reclaim implements Reclaimer: the low-memory event handler that
// unbinds purgeable and, failing that, merely-inactive objects to hand
// GTT space and wired pages back to the system.
package reclaim

import "gem/internal/object"

// Hooks bundles the collaborators a reclaim pass drives. All of them are
// expected to already hold (or internally acquire) whatever locking the
// caller's device state needs; Reclaimer only sequences the calls.
type Hooks struct {
	// TryLockDevice attempts to acquire the device lock without blocking,
	// reporting whether it succeeded. A reclaim pass invoked from an
	// arbitrary allocation site must never sleep for this lock.
	TryLockDevice func() bool
	// UnlockDevice releases a lock acquired by TryLockDevice.
	UnlockDevice func()
	// RetireAllRings retires completed requests on every ring before the
	// inactive list is scanned, so objects finished since the last retire
	// worker tick are eligible.
	RetireAllRings func()
	// InactiveObjects returns a snapshot of the objects currently on the
	// inactive list.
	InactiveObjects func() []*object.Object
	// Unbind removes obj from the GTT. Returning an error counts as a
	// failed unbind for the >1% threshold in Run.
	Unbind func(obj *object.Object) error
	// GPUActive reports whether any ring still has outstanding work.
	GPUActive func() bool
	// IdleGPU blocks until every ring is idle.
	IdleGPU func() error
}

// Purgeable reports whether obj is a reclaim candidate in the first pass:
// objects the client has told the kernel it no longer needs the contents
// of, but that have not yet been discarded.
func Purgeable(obj *object.Object) bool {
	return obj.Madvise == object.DontNeed
}

// Reclaimer drives one low-memory event through Hooks.
type Reclaimer struct {
	hooks Hooks
}

// New creates a Reclaimer.
func New(hooks Hooks) *Reclaimer {
	return &Reclaimer{hooks: hooks}
}

// Stats summarizes one reclaim pass, for diagnostics and the >1% rescan
// decision.
type Stats struct {
	Considered int
	Unbound    int
	Failed     int
	Rescanned  bool
}

// Run executes one low-memory event: try-lock the device (bailing
// immediately on contention), retire every ring, unbind purgeable inactive
// objects, then attempt to unbind every object still inactive. If over 1%
// of that second pass failed and the GPU is still active, it idles the GPU
// and retries the second pass once.
func (r *Reclaimer) Run() Stats {
	if !r.hooks.TryLockDevice() {
		return Stats{}
	}
	defer r.hooks.UnlockDevice()

	r.hooks.RetireAllRings()

	for _, obj := range r.hooks.InactiveObjects() {
		if Purgeable(obj) {
			r.hooks.Unbind(obj)
		}
	}

	stats := r.sweepInactive()
	if rescanNeeded(stats) && r.hooks.GPUActive() {
		if err := r.hooks.IdleGPU(); err == nil {
			rescanned := r.sweepInactive()
			rescanned.Rescanned = true
			return rescanned
		}
	}
	return stats
}

func (r *Reclaimer) sweepInactive() Stats {
	objs := r.hooks.InactiveObjects()
	stats := Stats{Considered: len(objs)}
	for _, obj := range objs {
		if err := r.hooks.Unbind(obj); err != nil {
			stats.Failed++
		} else {
			stats.Unbound++
		}
	}
	return stats
}

// rescanNeeded applies the >1% failure threshold that triggers idling the
// GPU and retrying the sweep once.
func rescanNeeded(s Stats) bool {
	if s.Considered == 0 {
		return false
	}
	return s.Failed*100 > s.Considered
}
