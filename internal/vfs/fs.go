// Package vfs implements the document portal filesystem: the virtual
// inode graph, the physical inode table and the raw FUSE adapter serving
// both.
package vfs

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/ajaxzhan/document-portal/pkg/types"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// DefaultVirtualTTL is the kernel cache lifetime of purely virtual
// directories.
const DefaultVirtualTTL = 60 * time.Second

// Registry is the view of the document registry the filesystem needs.
type Registry interface {
	Document(id string) (*types.Document, error)
	Permissions(id, app string) types.Permissions
	DocumentIDs() []string
	DocumentsForApp(app string) []string
	Apps() []string
}

// Options tunes a PortalFS.
type Options struct {
	VirtualTTL      time.Duration
	InvalidateDelay time.Duration
}

// PortalFS is the raw FUSE filesystem exposing registered documents.
type PortalFS struct {
	fuse.RawFileSystem

	reg     Registry
	graph   *Graph
	phys    *PhysicalTable
	queue   *InvalidationQueue
	handles *handleTable

	virtualTTL time.Duration
	uid        uint32
	gid        uint32
	created    time.Time

	// sessMu guards notifier. It is held while notifications are sent
	// and while the session mounts or unmounts.
	sessMu   sync.Mutex
	notifier Notifier
}

// New creates the filesystem for reg.
func New(reg Registry, opts Options) *PortalFS {
	if opts.VirtualTTL <= 0 {
		opts.VirtualTTL = DefaultVirtualTTL
	}
	phys := NewPhysicalTable()
	fs := &PortalFS{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		reg:           reg,
		graph:         NewGraph(phys),
		phys:          phys,
		handles:       newHandleTable(),
		virtualTTL:    opts.VirtualTTL,
		uid:           uint32(os.Getuid()),
		gid:           uint32(os.Getgid()),
		created:       time.Now(),
	}
	fs.queue = newInvalidationQueue(opts.InvalidateDelay, fs.sendInvalidations)
	return fs
}

func (fs *PortalFS) String() string {
	return "portal"
}

// Init is called by the server before the first request.
func (fs *PortalFS) Init(server *fuse.Server) {
	fs.SetNotifier(server)
}

// SetNotifier sets the target of kernel invalidations.
func (fs *PortalFS) SetNotifier(n Notifier) {
	fs.sessMu.Lock()
	defer fs.sessMu.Unlock()
	fs.notifier = n
}

// Graph returns the inode graph.
func (fs *PortalFS) Graph() *Graph {
	return fs.graph
}

// Physical returns the physical inode table.
func (fs *PortalFS) Physical() *PhysicalTable {
	return fs.phys
}

// Queue returns the invalidation queue.
func (fs *PortalFS) Queue() *InvalidationQueue {
	return fs.queue
}

// Close drops every tempfile and stops pending invalidations.
func (fs *PortalFS) Close() {
	fs.queue.Stop()
	for _, root := range fs.graph.allDocRoots() {
		fs.discardTempfiles(root.dom)
		fs.graph.unref(root)
	}
}

func procFdPath(fd int) string {
	return fmt.Sprintf("/proc/self/fd/%d", fd)
}

// toStatus maps host errors to FUSE status codes.
func toStatus(err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return fuse.Status(errno)
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fuse.ENOENT
	case errors.Is(err, os.ErrPermission):
		return fuse.EACCES
	case errors.Is(err, os.ErrExist):
		return fuse.Status(syscall.EEXIST)
	}
	return fuse.EIO
}

// openDocParent opens the directory holding a document and checks that it
// is still the directory pinned at registration.
func openDocParent(doc *docInfo) (int, error) {
	fd, err := unix.Open(doc.dir, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if uint64(st.Dev) != doc.parentDev || st.Ino != doc.parentIno {
		unix.Close(fd)
		return -1, syscall.ENOENT
	}
	return fd, nil
}

// physicalAt opens name below dirfd without following symlinks and
// returns its inode in the document rooted at docRoot.
func (fs *PortalFS) physicalAt(docRoot *Inode, dirfd int, name string) (*Inode, error) {
	fd, err := unix.Openat(dirfd, name, unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	var st syscall.Stat_t
	if err := syscall.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return fs.graph.physicalInode(docRoot, fd, &st), nil
}

// inode returns the referenced inode for a kernel node id.
func (fs *PortalFS) inode(nodeid uint64) *Inode {
	return fs.graph.get(nodeid)
}

// permissions returns what the app owning n's view may do to it. Virtual
// directories outside documents are read only.
func (fs *PortalFS) permissions(n *Inode) types.Permissions {
	if n.dom.kind != domainDocument {
		return types.PermRead
	}
	return fs.reg.Permissions(n.dom.doc.id, n.dom.appID)
}

func (fs *PortalFS) ttl(n *Inode) time.Duration {
	if n.dom.kind == domainDocument {
		return 0
	}
	return fs.virtualTTL
}

func (fs *PortalFS) fillAttr(n *Inode, out *fuse.Attr) fuse.Status {
	if n.physical == nil {
		fs.virtualAttr(n, out)
		return fuse.OK
	}

	var st syscall.Stat_t
	if err := syscall.Fstat(n.physical.fd, &st); err != nil {
		return toStatus(err)
	}
	out.FromStat(&st)
	out.Ino = n.ino
	out.Mode &^= syscall.S_ISUID | syscall.S_ISGID | syscall.S_ISVTX
	if !fs.permissions(n).Has(types.PermWrite) {
		out.Mode &^= 0o222
	}
	return fuse.OK
}

func (fs *PortalFS) virtualAttr(n *Inode, out *fuse.Attr) {
	perm := uint32(0o500)
	if n.isDocRoot() && !n.dom.doc.isDir && fs.permissions(n).Has(types.PermWrite) {
		perm = 0o700
	}
	*out = fuse.Attr{
		Ino:   n.ino,
		Mode:  syscall.S_IFDIR | perm,
		Nlink: 2,
		Owner: fuse.Owner{Uid: fs.uid, Gid: fs.gid},
	}
	sec, nsec := uint64(fs.created.Unix()), uint32(fs.created.Nanosecond())
	out.Atime, out.Mtime, out.Ctime = sec, sec, sec
	out.Atimensec, out.Mtimensec, out.Ctimensec = nsec, nsec, nsec
}

// replyEntry fills out for n and hands the caller's reference on n to the
// kernel. On failure the reference is dropped.
func (fs *PortalFS) replyEntry(n *Inode, out *fuse.EntryOut) fuse.Status {
	if status := fs.fillAttr(n, &out.Attr); !status.Ok() {
		fs.graph.unref(n)
		return status
	}
	out.NodeId = n.ino
	ttl := fs.ttl(n)
	out.SetEntryTimeout(ttl)
	out.SetAttrTimeout(ttl)
	fs.graph.kernelRef(n)
	return fuse.OK
}

func (fs *PortalFS) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	if name == "." || name == ".." {
		return fuse.Status(syscall.ESTALE)
	}
	parent := fs.inode(header.NodeId)
	if parent == nil {
		return fuse.Status(syscall.ESTALE)
	}
	defer fs.graph.unref(parent)

	child, err := fs.lookupChild(parent, name)
	if err != nil {
		return toStatus(err)
	}
	if interrupted(cancel) {
		// The kernel will not take the entry; keep it from leaking a
		// kernel reference.
		fs.graph.unref(child)
		return fuse.EINTR
	}
	physical := child.physical != nil
	if status := fs.replyEntry(child, out); !status.Ok() {
		return status
	}
	if physical {
		fs.queue.Enqueue(parent.ino, name)
	}
	return fuse.OK
}

// interrupted reports whether the kernel has abandoned the request.
func interrupted(cancel <-chan struct{}) bool {
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

// lookupChild resolves name in parent and returns a referenced inode.
func (fs *PortalFS) lookupChild(parent *Inode, name string) (*Inode, error) {
	switch parent.dom.kind {
	case domainRoot:
		if name == ByAppName {
			fs.graph.ref(fs.graph.byApp)
			return fs.graph.byApp, nil
		}
		return fs.lookupDocument(parent, name)

	case domainByApp:
		if !types.ValidAppID(name) {
			return nil, syscall.ENOENT
		}
		return fs.graph.appInode(name), nil

	case domainApp:
		return fs.lookupDocument(parent, name)

	case domainDocument:
		if !fs.permissions(parent).Has(types.PermRead) {
			return nil, syscall.ENOENT
		}
		if parent.isDocRoot() {
			return fs.lookupInDocRoot(parent, name)
		}
		if !parent.IsDir() {
			return nil, syscall.ENOTDIR
		}
		return fs.physicalAt(parent.docRoot(), parent.physical.fd, name)
	}
	return nil, syscall.ENOENT
}

// lookupDocument resolves a document id in the root or an app directory.
func (fs *PortalFS) lookupDocument(parent *Inode, id string) (*Inode, error) {
	doc, err := fs.reg.Document(id)
	if err != nil {
		return nil, syscall.ENOENT
	}
	if !fs.reg.Permissions(id, parent.dom.appID).Has(types.PermRead) {
		return nil, syscall.ENOENT
	}
	return fs.graph.docInode(parent, newDocInfo(doc)), nil
}

// lookupInDocRoot resolves the main file, the exported directory or a
// tempfile inside a document directory.
func (fs *PortalFS) lookupInDocRoot(root *Inode, name string) (*Inode, error) {
	doc := root.dom.doc
	if name != doc.base {
		if doc.isDir {
			return nil, syscall.ENOENT
		}
		if n := fs.lookupTempfile(root.dom, name); n != nil {
			return n, nil
		}
		return nil, syscall.ENOENT
	}

	pfd, err := openDocParent(doc)
	if err != nil {
		return nil, err
	}
	defer unix.Close(pfd)

	n, err := fs.physicalAt(root, pfd, name)
	if err != nil {
		return nil, err
	}
	want := uint32(syscall.S_IFREG)
	if doc.isDir {
		want = syscall.S_IFDIR
	}
	if n.mode != want {
		fs.graph.unref(n)
		return nil, syscall.ENOENT
	}
	return n, nil
}

func (fs *PortalFS) Forget(nodeid, nlookup uint64) {
	fs.graph.forget(nodeid, nlookup)
}

func (fs *PortalFS) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	n := fs.inode(input.NodeId)
	if n == nil {
		return fuse.Status(syscall.ESTALE)
	}
	defer fs.graph.unref(n)

	if status := fs.fillAttr(n, &out.Attr); !status.Ok() {
		return status
	}
	out.SetTimeout(fs.ttl(n))
	return fuse.OK
}

func (fs *PortalFS) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	n := fs.inode(input.NodeId)
	if n == nil {
		return fuse.Status(syscall.ESTALE)
	}
	defer fs.graph.unref(n)

	if n.physical == nil {
		return fuse.EPERM
	}
	if !fs.permissions(n).Has(types.PermWrite) {
		return fuse.EACCES
	}
	path := n.physical.procPath()

	if size, ok := input.GetSize(); ok {
		var err error
		if f := fs.fileFromSetAttr(input); f != nil {
			err = unix.Ftruncate(f.fd, int64(size))
		} else {
			err = unix.Truncate(path, int64(size))
		}
		if err != nil {
			return toStatus(err)
		}
	}

	if mode, ok := input.GetMode(); ok {
		if err := unix.Fchmodat(unix.AT_FDCWD, path, mode&0o7777, 0); err != nil {
			return toStatus(err)
		}
	}

	uid, uidOK := input.GetUID()
	gid, gidOK := input.GetGID()
	if uidOK || gidOK {
		u, g := -1, -1
		if uidOK {
			u = int(uid)
		}
		if gidOK {
			g = int(gid)
		}
		if err := unix.Fchownat(n.physical.fd, "", u, g, unix.AT_EMPTY_PATH); err != nil {
			return toStatus(err)
		}
	}

	if ts, ok := setAttrTimes(input); ok {
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, 0); err != nil {
			return toStatus(err)
		}
	}

	if status := fs.fillAttr(n, &out.Attr); !status.Ok() {
		return status
	}
	out.SetTimeout(fs.ttl(n))
	return fuse.OK
}

func (fs *PortalFS) fileFromSetAttr(input *fuse.SetAttrIn) *openFile {
	fh, ok := input.GetFh()
	if !ok {
		return nil
	}
	return fs.handles.file(fh)
}

// setAttrTimes converts the time fields of a setattr request.
func setAttrTimes(input *fuse.SetAttrIn) ([]unix.Timespec, bool) {
	omit := unix.Timespec{Nsec: unix.UTIME_OMIT}
	ts := []unix.Timespec{omit, omit}
	set := false

	switch {
	case input.Valid&fuse.FATTR_ATIME_NOW != 0:
		ts[0] = unix.Timespec{Nsec: unix.UTIME_NOW}
		set = true
	case input.Valid&fuse.FATTR_ATIME != 0:
		ts[0] = unix.Timespec{Sec: int64(input.Atime), Nsec: int64(input.Atimensec)}
		set = true
	}
	switch {
	case input.Valid&fuse.FATTR_MTIME_NOW != 0:
		ts[1] = unix.Timespec{Nsec: unix.UTIME_NOW}
		set = true
	case input.Valid&fuse.FATTR_MTIME != 0:
		ts[1] = unix.Timespec{Sec: int64(input.Mtime), Nsec: int64(input.Mtimensec)}
		set = true
	}
	return ts, set
}

func (fs *PortalFS) Access(cancel <-chan struct{}, input *fuse.AccessIn) fuse.Status {
	n := fs.inode(input.NodeId)
	if n == nil {
		return fuse.Status(syscall.ESTALE)
	}
	defer fs.graph.unref(n)

	if input.Mask&unix.W_OK != 0 && !fs.permissions(n).Has(types.PermWrite) {
		return fuse.EACCES
	}
	if n.physical == nil {
		if input.Mask&unix.W_OK != 0 && !(n.isDocRoot() && !n.dom.doc.isDir) {
			return fuse.EACCES
		}
		return fuse.OK
	}
	return toStatus(unix.Faccessat(unix.AT_FDCWD, n.physical.procPath(), input.Mask, 0))
}

func (fs *PortalFS) StatFs(cancel <-chan struct{}, header *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	n := fs.inode(header.NodeId)
	if n == nil {
		return fuse.Status(syscall.ESTALE)
	}
	defer fs.graph.unref(n)

	if n.physical == nil {
		*out = fuse.StatfsOut{Bsize: 4096, Frsize: 4096, NameLen: 255}
		return fuse.OK
	}
	var st syscall.Statfs_t
	if err := syscall.Fstatfs(n.physical.fd, &st); err != nil {
		return toStatus(err)
	}
	out.FromStatfsT(&st)
	return fuse.OK
}

func (fs *PortalFS) Readlink(cancel <-chan struct{}, header *fuse.InHeader) ([]byte, fuse.Status) {
	n := fs.inode(header.NodeId)
	if n == nil {
		return nil, fuse.Status(syscall.ESTALE)
	}
	defer fs.graph.unref(n)

	if n.physical == nil {
		return nil, fuse.EINVAL
	}
	buf := make([]byte, unix.PathMax)
	size, err := unix.Readlinkat(n.physical.fd, "", buf)
	if err != nil {
		return nil, toStatus(err)
	}
	return buf[:size], fuse.OK
}
