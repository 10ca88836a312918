package approval

import (
	"context"
	"sync"
)

// Resolution records how an approval request ended.
type Resolution string

const (
	ResolutionApproved  Resolution = "approved"
	ResolutionRejected  Resolution = "rejected"
	ResolutionTimedOut  Resolution = "timed_out"
	ResolutionOffline   Resolution = "offline"
	ResolutionCancelled Resolution = "cancelled"
	// ResolutionDuplicate is returned for a request whose id was already pending.
	ResolutionDuplicate Resolution = "duplicate"
)

// Approved reports whether the resolution allows the operation.
func (r Resolution) Approved() bool {
	return r == ResolutionApproved
}

// Future is a one-shot result for a single approval request. Only the
// goroutine that waits on it blocks; resolution may come from anywhere.
type Future struct {
	ID         string
	done       chan struct{}
	once       sync.Once
	resolution Resolution
}

func newFuture(id string) *Future {
	return &Future{ID: id, done: make(chan struct{})}
}

func resolvedFuture(id string, r Resolution) *Future {
	f := newFuture(id)
	f.resolve(r)
	return f
}

// resolve sets the result. Only the first call has any effect.
func (f *Future) resolve(r Resolution) bool {
	resolved := false
	f.once.Do(func() {
		f.resolution = r
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Resolution returns the outcome, or "" while still pending.
func (f *Future) Resolution() Resolution {
	select {
	case <-f.done:
		return f.resolution
	default:
		return ""
	}
}

// Wait blocks until the future resolves or ctx ends. The boolean is true
// only for an explicit approval.
func (f *Future) Wait(ctx context.Context) (bool, Resolution, error) {
	select {
	case <-f.done:
		return f.resolution.Approved(), f.resolution, nil
	case <-ctx.Done():
		return false, "", ctx.Err()
	}
}
