package vfs

import (
	"sync"
	"syscall"

	"github.com/ajaxzhan/document-portal/pkg/types"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// lkFlock marks a lock request as coming from flock(2).
const lkFlock = 1

type openFile struct {
	fd       int
	inode    *Inode
	writable bool
}

type openDir struct {
	entries []fuse.DirEntry
}

type handleTable struct {
	mu    sync.Mutex
	next  uint64
	files map[uint64]*openFile
	dirs  map[uint64]*openDir
}

func newHandleTable() *handleTable {
	return &handleTable{
		next:  1,
		files: make(map[uint64]*openFile),
		dirs:  make(map[uint64]*openDir),
	}
}

func (t *handleTable) addFile(f *openFile) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	fh := t.next
	t.next++
	t.files[fh] = f
	return fh
}

func (t *handleTable) file(fh uint64) *openFile {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.files[fh]
}

func (t *handleTable) removeFile(fh uint64) *openFile {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.files[fh]
	delete(t.files, fh)
	return f
}

func (t *handleTable) addDir(d *openDir) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	fh := t.next
	t.next++
	t.dirs[fh] = d
	return fh
}

func (t *handleTable) dir(fh uint64) *openDir {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirs[fh]
}

func (t *handleTable) removeDir(fh uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.dirs, fh)
}

func writeFlags(flags uint32) bool {
	acc := flags & unix.O_ACCMODE
	return acc == unix.O_WRONLY || acc == unix.O_RDWR
}

// checkOpen verifies the app behind n may open it with flags.
func (fs *PortalFS) checkOpen(n *Inode, flags uint32) fuse.Status {
	perms := fs.permissions(n)
	if !perms.Has(types.PermRead) {
		return fuse.EACCES
	}
	if (writeFlags(flags) || flags&unix.O_TRUNC != 0) && !perms.Has(types.PermWrite) {
		return fuse.EACCES
	}
	return fuse.OK
}

// openPhysical reopens the backing file of n with flags. The O_PATH handle
// is followed through /proc/self/fd; with O_NOFOLLOW the link target is
// opened directly so a symlink is not silently followed.
func (fs *PortalFS) openPhysical(n *Inode, flags uint32) (int, error) {
	flags &^= unix.O_CREAT | unix.O_EXCL | unix.O_NOCTTY
	path := n.physical.procPath()
	if flags&unix.O_NOFOLLOW != 0 {
		buf := make([]byte, unix.PathMax)
		size, err := unix.Readlink(path, buf)
		if err != nil {
			return -1, err
		}
		if size >= len(buf) {
			return -1, syscall.ENAMETOOLONG
		}
		path = string(buf[:size])
	}
	return unix.Open(path, int(flags)|unix.O_CLOEXEC, 0)
}

// addHandle registers fd as an open handle of n. The handle takes its own
// reference on n.
func (fs *PortalFS) addHandle(n *Inode, fd int, flags uint32) uint64 {
	fs.graph.ref(n)
	return fs.handles.addFile(&openFile{fd: fd, inode: n, writable: writeFlags(flags)})
}

func (fs *PortalFS) releaseHandle(fh uint64) {
	f := fs.handles.removeFile(fh)
	if f == nil {
		return
	}
	unix.Close(f.fd)
	fs.graph.unref(f.inode)
}

func (fs *PortalFS) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	n := fs.inode(input.NodeId)
	if n == nil {
		return fuse.Status(syscall.ESTALE)
	}
	defer fs.graph.unref(n)

	if n.physical == nil || n.IsDir() {
		return fuse.Status(syscall.EISDIR)
	}
	if status := fs.checkOpen(n, input.Flags); !status.Ok() {
		return status
	}
	fd, err := fs.openPhysical(n, input.Flags)
	if err != nil {
		return toStatus(err)
	}
	out.Fh = fs.addHandle(n, fd, input.Flags)
	return fuse.OK
}

func (fs *PortalFS) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	parent := fs.inode(input.NodeId)
	if parent == nil {
		return fuse.Status(syscall.ESTALE)
	}
	defer fs.graph.unref(parent)

	if parent.dom.kind != domainDocument {
		return fuse.EPERM
	}
	if !fs.permissions(parent).Has(types.PermWrite) {
		return fuse.EACCES
	}

	var (
		n   *Inode
		fd  int
		err error
	)
	switch {
	case parent.isDocRoot() && parent.dom.doc.isDir:
		return fuse.EPERM
	case parent.isDocRoot() && name == parent.dom.doc.base:
		n, fd, err = fs.createMain(parent, input.Flags, input.Mode)
	case parent.isDocRoot():
		n, fd, err = fs.createInTracker(parent, name, input.Flags, input.Mode)
	case parent.IsDir():
		n, fd, err = fs.createAt(parent, name, input.Flags, input.Mode)
	default:
		return fuse.ENOTDIR
	}
	if err != nil {
		return toStatus(err)
	}

	out.Fh = fs.addHandle(n, fd, input.Flags)
	if status := fs.replyEntry(n, &out.EntryOut); !status.Ok() {
		fs.releaseHandle(out.Fh)
		return status
	}
	return fuse.OK
}

// createMain opens or creates the main file of a file document.
func (fs *PortalFS) createMain(root *Inode, flags, mode uint32) (*Inode, int, error) {
	doc := root.dom.doc
	pfd, err := openDocParent(doc)
	if err != nil {
		return nil, -1, err
	}
	defer unix.Close(pfd)

	fd, err := unix.Openat(pfd, doc.base, int(flags)|unix.O_CREAT|unix.O_NOFOLLOW|unix.O_CLOEXEC, mode&0o7777)
	if err != nil {
		return nil, -1, err
	}
	n, err := fs.physicalAt(root, pfd, doc.base)
	if err != nil {
		unix.Close(fd)
		return nil, -1, err
	}
	if n.mode != syscall.S_IFREG {
		unix.Close(fd)
		fs.graph.unref(n)
		return nil, -1, syscall.EISDIR
	}
	return n, fd, nil
}

// createInTracker opens the tempfile visible as name, creating it.
func (fs *PortalFS) createInTracker(root *Inode, name string, flags, mode uint32) (*Inode, int, error) {
	n := fs.lookupTempfile(root.dom, name)
	if n != nil && flags&unix.O_EXCL != 0 {
		fs.graph.unref(n)
		return nil, -1, syscall.EEXIST
	}
	if n == nil {
		var err error
		if n, err = fs.createTempfile(root, name, mode, flags&unix.O_EXCL != 0); err != nil {
			return nil, -1, err
		}
	}
	fd, err := fs.openPhysical(n, flags)
	if err != nil {
		fs.graph.unref(n)
		return nil, -1, err
	}
	return n, fd, nil
}

// createAt creates name inside a directory of a directory document.
func (fs *PortalFS) createAt(parent *Inode, name string, flags, mode uint32) (*Inode, int, error) {
	fd, err := unix.Openat(parent.physical.fd, name, int(flags)|unix.O_CREAT|unix.O_NOFOLLOW|unix.O_CLOEXEC, mode&0o7777)
	if err != nil {
		return nil, -1, err
	}
	n, err := fs.physicalAt(parent.docRoot(), parent.physical.fd, name)
	if err != nil {
		unix.Close(fd)
		return nil, -1, err
	}
	return n, fd, nil
}

func (fs *PortalFS) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	f := fs.handles.file(input.Fh)
	if f == nil {
		return nil, fuse.Status(syscall.EBADF)
	}
	n, err := unix.Pread(f.fd, buf, int64(input.Offset))
	if err != nil {
		return nil, toStatus(err)
	}
	return fuse.ReadResultData(buf[:n]), fuse.OK
}

func (fs *PortalFS) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	f := fs.handles.file(input.Fh)
	if f == nil {
		return 0, fuse.Status(syscall.EBADF)
	}
	// Permissions may have been revoked since the file was opened.
	if !fs.permissions(f.inode).Has(types.PermWrite) {
		return 0, fuse.EACCES
	}
	n, err := unix.Pwrite(f.fd, data, int64(input.Offset))
	if err != nil {
		return 0, toStatus(err)
	}
	return uint32(n), fuse.OK
}

func (fs *PortalFS) Flush(cancel <-chan struct{}, input *fuse.FlushIn) fuse.Status {
	f := fs.handles.file(input.Fh)
	if f == nil {
		return fuse.Status(syscall.EBADF)
	}
	// Closing a duplicate reports deferred write errors without giving up
	// the handle.
	dup, err := unix.Dup(f.fd)
	if err != nil {
		return toStatus(err)
	}
	return toStatus(unix.Close(dup))
}

func (fs *PortalFS) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	fs.releaseHandle(input.Fh)
}

func (fs *PortalFS) Fsync(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	f := fs.handles.file(input.Fh)
	if f == nil {
		return fuse.Status(syscall.EBADF)
	}
	if input.FsyncFlags&1 != 0 {
		return toStatus(unix.Fdatasync(f.fd))
	}
	return toStatus(unix.Fsync(f.fd))
}

func (fs *PortalFS) Fallocate(cancel <-chan struct{}, input *fuse.FallocateIn) fuse.Status {
	f := fs.handles.file(input.Fh)
	if f == nil {
		return fuse.Status(syscall.EBADF)
	}
	if !fs.permissions(f.inode).Has(types.PermWrite) {
		return fuse.EACCES
	}
	return toStatus(unix.Fallocate(f.fd, input.Mode, int64(input.Offset), int64(input.Length)))
}

func (fs *PortalFS) Lseek(cancel <-chan struct{}, input *fuse.LseekIn, out *fuse.LseekOut) fuse.Status {
	f := fs.handles.file(input.Fh)
	if f == nil {
		return fuse.Status(syscall.EBADF)
	}
	off, err := unix.Seek(f.fd, int64(input.Offset), int(input.Whence))
	if err != nil {
		return toStatus(err)
	}
	out.Offset = uint64(off)
	return fuse.OK
}

// Locks map onto open file description locks of the handle so that each
// kernel file keeps its own lock owner.

func (fs *PortalFS) GetLk(cancel <-chan struct{}, input *fuse.LkIn, out *fuse.LkOut) fuse.Status {
	if input.LkFlags&lkFlock != 0 {
		return fuse.ENOSYS
	}
	f := fs.handles.file(input.Fh)
	if f == nil {
		return fuse.Status(syscall.EBADF)
	}
	var lk syscall.Flock_t
	input.Lk.ToFlockT(&lk)
	lk.Pid = 0
	if err := syscall.FcntlFlock(uintptr(f.fd), unix.F_OFD_GETLK, &lk); err != nil {
		return toStatus(err)
	}
	out.Lk.FromFlockT(&lk)
	return fuse.OK
}

func (fs *PortalFS) SetLk(cancel <-chan struct{}, input *fuse.LkIn) fuse.Status {
	return fs.setLk(input, unix.F_OFD_SETLK)
}

func (fs *PortalFS) SetLkw(cancel <-chan struct{}, input *fuse.LkIn) fuse.Status {
	return fs.setLk(input, unix.F_OFD_SETLKW)
}

func (fs *PortalFS) setLk(input *fuse.LkIn, cmd int) fuse.Status {
	if input.LkFlags&lkFlock != 0 {
		return fuse.ENOSYS
	}
	f := fs.handles.file(input.Fh)
	if f == nil {
		return fuse.Status(syscall.EBADF)
	}
	var lk syscall.Flock_t
	input.Lk.ToFlockT(&lk)
	lk.Pid = 0
	return toStatus(syscall.FcntlFlock(uintptr(f.fd), cmd, &lk))
}
