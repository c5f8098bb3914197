package vfs

import (
	"sync"
	"syscall"

	"github.com/ajaxzhan/document-portal/internal/metrics"
	"golang.org/x/sys/unix"
)

// devIno identifies a backing file on the host.
type devIno struct {
	dev uint64
	ino uint64
}

// PhysicalInode is the single O_PATH handle through which all I/O to one
// backing file flows, however many virtual inodes refer to it.
type PhysicalInode struct {
	key  devIno
	fd   int
	refs refCount
}

// Fd returns the O_PATH handle.
func (p *PhysicalInode) Fd() int {
	return p.fd
}

// procPath names the handle through /proc/self/fd, for calls that have no
// fd based variant.
func (p *PhysicalInode) procPath() string {
	return procFdPath(p.fd)
}

// PhysicalTable deduplicates backing files by (device, inode).
type PhysicalTable struct {
	mu    sync.Mutex
	table map[devIno]*PhysicalInode
}

// NewPhysicalTable creates an empty table.
func NewPhysicalTable() *PhysicalTable {
	return &PhysicalTable{table: make(map[devIno]*PhysicalInode)}
}

// Ensure returns the physical inode for the file fd refers to, with a
// reference for the caller. Ownership of fd passes to the table; it is
// closed at once when an entry for the same file already exists.
func (t *PhysicalTable) Ensure(fd int, st *syscall.Stat_t) *PhysicalInode {
	key := devIno{dev: uint64(st.Dev), ino: st.Ino}

	t.mu.Lock()
	if p, ok := t.table[key]; ok {
		p.refs.inc()
		t.mu.Unlock()
		unix.Close(fd)
		return p
	}
	p := &PhysicalInode{key: key, fd: fd}
	p.refs.inc()
	t.table[key] = p
	n := len(t.table)
	t.mu.Unlock()

	metrics.PhysicalInodes.Set(float64(n))
	return p
}

// Release drops a reference, closing the handle with the last one.
func (t *PhysicalTable) Release(p *PhysicalInode) {
	if p.refs.decUnlessLast() {
		return
	}

	t.mu.Lock()
	if !p.refs.decLocked() {
		// Revived by a concurrent Ensure
		t.mu.Unlock()
		return
	}
	delete(t.table, p.key)
	n := len(t.table)
	t.mu.Unlock()

	unix.Close(p.fd)
	metrics.PhysicalInodes.Set(float64(n))
}

// Len returns the number of live entries.
func (t *PhysicalTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.table)
}
