// Package tmlock implements the non-reentrant "flag" locks spec.md §5
// describes for consolidate/prune/compact: at most one holder at a time,
// and a caller that finds the flag already held does not wait — it skips
// the operation. This is a different contract from the search lock (which
// waits up to a bound), so it is modeled as a trylock rather than
// singleflight.Group.
package tmlock

// Flag is a non-reentrant, non-blocking lock: TryAcquire never blocks and
// reports whether the caller now holds it.
type Flag struct {
	ch chan struct{}
}

// NewFlag returns an unheld flag.
func NewFlag() *Flag {
	f := &Flag{ch: make(chan struct{}, 1)}
	f.ch <- struct{}{}
	return f
}

// TryAcquire attempts to acquire the flag without blocking.
func (f *Flag) TryAcquire() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// Release returns the flag to the unheld state. Releasing a flag that is
// not held is a no-op.
func (f *Flag) Release() {
	select {
	case f.ch <- struct{}{}:
	default:
	}
}
