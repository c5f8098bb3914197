package vfs

import (
	"sync"
	"syscall"
	"time"

	"github.com/ajaxzhan/document-portal/internal/logging"
	"github.com/ajaxzhan/document-portal/internal/metrics"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// DefaultInvalidateDelay is how long entries collect before the kernel is
// told to drop them.
const DefaultInvalidateDelay = 10 * time.Millisecond

// Notifier sends entry invalidations to the kernel. *fuse.Server
// implements it.
type Notifier interface {
	EntryNotify(parent uint64, name string) fuse.Status
}

type invalidation struct {
	parent uint64
	name   string
}

// InvalidationQueue batches kernel entry invalidations. Entries are
// deduplicated and flushed together a short delay after the first one
// arrives.
type InvalidationQueue struct {
	delay time.Duration
	flush func([]invalidation)

	mu      sync.Mutex
	pending []invalidation
	seen    map[invalidation]struct{}
	timer   *time.Timer
	stopped bool
}

func newInvalidationQueue(delay time.Duration, flush func([]invalidation)) *InvalidationQueue {
	if delay <= 0 {
		delay = DefaultInvalidateDelay
	}
	return &InvalidationQueue{
		delay: delay,
		flush: flush,
		seen:  make(map[invalidation]struct{}),
	}
}

// Enqueue schedules an invalidation of name in the directory parent.
func (q *InvalidationQueue) Enqueue(parent uint64, name string) {
	inv := invalidation{parent: parent, name: name}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	if _, dup := q.seen[inv]; dup {
		return
	}
	q.seen[inv] = struct{}{}
	q.pending = append(q.pending, inv)
	if len(q.pending) == 1 {
		q.timer = time.AfterFunc(q.delay, q.fire)
	}
}

// Pending returns the number of queued entries.
func (q *InvalidationQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *InvalidationQueue) fire() {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.seen = make(map[invalidation]struct{})
	q.timer = nil
	q.mu.Unlock()

	if len(batch) > 0 {
		q.flush(batch)
	}
}

// Stop cancels a pending flush and drops queued entries.
func (q *InvalidationQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.pending = nil
}

// sendInvalidations runs on the queue timer. It holds the session lock so
// notifications never race mount or unmount.
func (fs *PortalFS) sendInvalidations(batch []invalidation) {
	fs.sessMu.Lock()
	defer fs.sessMu.Unlock()

	if fs.notifier == nil {
		return
	}
	for _, inv := range batch {
		status := fs.notifier.EntryNotify(inv.parent, inv.name)
		// The kernel answers ENOENT for entries it no longer caches.
		if status == fuse.OK || status == fuse.Status(syscall.ENOENT) {
			metrics.Invalidations.WithLabelValues("ok").Inc()
			continue
		}
		metrics.Invalidations.WithLabelValues("error").Inc()
		logging.Debug("Entry invalidation failed",
			logging.Uint64("parent", inv.parent),
			logging.String("name", inv.name),
			logging.String("status", status.String()))
	}
}
