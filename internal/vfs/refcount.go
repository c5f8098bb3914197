package vfs

import "sync/atomic"

// refCount is a reference count whose transition to zero must be
// confirmed under the lock of the table the object lives in. Lookups that
// find the object in that table increment under the same lock, so an
// object can be revived right up until it is removed.
type refCount struct {
	n atomic.Int64
}

func (r *refCount) load() int64 {
	return r.n.Load()
}

func (r *refCount) inc() {
	r.n.Add(1)
}

// tryInc increments unless the count already reached zero.
func (r *refCount) tryInc() bool {
	for {
		old := r.n.Load()
		if old <= 0 {
			return false
		}
		if r.n.CompareAndSwap(old, old+1) {
			return true
		}
	}
}

// decUnlessLast decrements when that cannot reach zero. A false return
// means the caller holds what may be the last reference and must retry
// under the table lock with decLocked.
func (r *refCount) decUnlessLast() bool {
	for {
		old := r.n.Load()
		if old <= 1 {
			return false
		}
		if r.n.CompareAndSwap(old, old-1) {
			return true
		}
	}
}

// decLocked decrements with the table lock held and reports whether the
// object is now dead and must be removed from the table.
func (r *refCount) decLocked() bool {
	return r.n.Add(-1) == 0
}
