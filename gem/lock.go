package gem

import "context"

// deviceLock is the single exclusive, sleepable lock spec.md §5 calls
// device_mutex. It is a plain mutual-exclusion lock implemented over a
// buffered channel instead of sync.Mutex so that acquisition from
// userspace-facing entry points can be interrupted by context cancellation
// (spec.md §5: "acquired interruptibly at entry from userspace, returning
// Interrupted if a signal is pending before acquisition"); retire-work and
// the reclaimer instead use TryLock and defer on contention.
type deviceLock struct {
	ch chan struct{}
}

func newDeviceLock() *deviceLock {
	return &deviceLock{ch: make(chan struct{}, 1)}
}

// Lock blocks until the lock is free or ctx is done, in which case it
// returns ctx.Err() without acquiring the lock.
func (d *deviceLock) Lock(ctx context.Context) error {
	select {
	case d.ch <- struct{}{}:
		return nil
	default:
	}
	select {
	case d.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock acquires the lock without blocking, reporting whether it
// succeeded. Used by the reclaimer, which must never sleep for this lock
// since it may be invoked from an arbitrary allocation site.
func (d *deviceLock) TryLock() bool {
	select {
	case d.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (d *deviceLock) Unlock() {
	<-d.ch
}
