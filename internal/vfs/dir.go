package vfs

import (
	iofs "io/fs"
	"os"
	"sort"
	"syscall"

	"github.com/ajaxzhan/document-portal/pkg/types"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// unknownIno is reported for entries whose inode is not materialized.
const unknownIno = 0xffffffff

// childIno returns the number of a materialized child of a root or app
// directory, or unknownIno.
func (g *Graph) childIno(parent *Inode, name string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n := parent.dom.children[name]; n != nil {
		return n.ino
	}
	return unknownIno
}

func dirEntry(name string, mode uint32, ino uint64) fuse.DirEntry {
	return fuse.DirEntry{Name: name, Mode: mode, Ino: ino}
}

func typeBits(mode iofs.FileMode) uint32 {
	switch {
	case mode&iofs.ModeDir != 0:
		return syscall.S_IFDIR
	case mode&iofs.ModeSymlink != 0:
		return syscall.S_IFLNK
	case mode&iofs.ModeNamedPipe != 0:
		return syscall.S_IFIFO
	case mode&iofs.ModeSocket != 0:
		return syscall.S_IFSOCK
	case mode&iofs.ModeCharDevice != 0:
		return syscall.S_IFCHR
	case mode&iofs.ModeDevice != 0:
		return syscall.S_IFBLK
	}
	return syscall.S_IFREG
}

// listDir snapshots the entries of a directory inode.
func (fs *PortalFS) listDir(n *Inode) ([]fuse.DirEntry, error) {
	entries := []fuse.DirEntry{
		dirEntry(".", syscall.S_IFDIR, n.ino),
		dirEntry("..", syscall.S_IFDIR, unknownIno),
	}

	switch n.dom.kind {
	case domainRoot:
		entries = append(entries, dirEntry(ByAppName, syscall.S_IFDIR, fs.graph.byApp.ino))
		for _, id := range fs.reg.DocumentIDs() {
			entries = append(entries, dirEntry(id, syscall.S_IFDIR, fs.graph.childIno(n, id)))
		}

	case domainByApp:
		apps := append(fs.reg.Apps(), fs.graph.materializedApps()...)
		sort.Strings(apps)
		for i, app := range apps {
			if i > 0 && apps[i-1] == app {
				continue
			}
			entries = append(entries, dirEntry(app, syscall.S_IFDIR, fs.graph.childIno(n, app)))
		}

	case domainApp:
		for _, id := range fs.reg.DocumentsForApp(n.dom.appID) {
			entries = append(entries, dirEntry(id, syscall.S_IFDIR, fs.graph.childIno(n, id)))
		}

	case domainDocument:
		if !fs.permissions(n).Has(types.PermRead) {
			return nil, syscall.EACCES
		}
		if n.isDocRoot() {
			return fs.listDocRoot(n, entries)
		}
		return fs.listPhysical(n, entries)
	}
	return entries, nil
}

func (fs *PortalFS) listDocRoot(root *Inode, entries []fuse.DirEntry) ([]fuse.DirEntry, error) {
	doc := root.dom.doc
	pfd, err := openDocParent(doc)
	if err != nil {
		return nil, err
	}
	defer unix.Close(pfd)

	var st unix.Stat_t
	if err := unix.Fstatat(pfd, doc.base, &st, unix.AT_SYMLINK_NOFOLLOW); err == nil {
		mode := st.Mode & unix.S_IFMT
		if (doc.isDir && mode == unix.S_IFDIR) || (!doc.isDir && mode == unix.S_IFREG) {
			entries = append(entries, dirEntry(doc.base, mode, unknownIno))
		}
	}
	if doc.isDir {
		return entries, nil
	}
	for _, name := range tempfileNames(root.dom) {
		entries = append(entries, dirEntry(name, syscall.S_IFREG, unknownIno))
	}
	return entries, nil
}

func (fs *PortalFS) listPhysical(n *Inode, entries []fuse.DirEntry) ([]fuse.DirEntry, error) {
	fd, err := unix.Open(n.physical.procPath(), unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	dir := os.NewFile(uintptr(fd), n.physical.procPath())
	defer dir.Close()

	children, err := dir.ReadDir(-1)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		entries = append(entries, dirEntry(child.Name(), typeBits(child.Type()), unknownIno))
	}
	return entries, nil
}

func (fs *PortalFS) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	n := fs.inode(input.NodeId)
	if n == nil {
		return fuse.Status(syscall.ESTALE)
	}
	defer fs.graph.unref(n)

	if !n.IsDir() {
		return fuse.ENOTDIR
	}
	entries, err := fs.listDir(n)
	if err != nil {
		return toStatus(err)
	}
	out.Fh = fs.handles.addDir(&openDir{entries: entries})
	return fuse.OK
}

func (fs *PortalFS) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	d := fs.handles.dir(input.Fh)
	if d == nil {
		return fuse.Status(syscall.EBADF)
	}
	for i := int(input.Offset); i < len(d.entries); i++ {
		e := d.entries[i]
		e.Off = uint64(i + 1)
		if !out.AddDirEntry(e) {
			break
		}
	}
	return fuse.OK
}

func (fs *PortalFS) ReleaseDir(input *fuse.ReleaseIn) {
	fs.handles.removeDir(input.Fh)
}

func (fs *PortalFS) FsyncDir(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	n := fs.inode(input.NodeId)
	if n == nil {
		return fuse.Status(syscall.ESTALE)
	}
	defer fs.graph.unref(n)

	if n.physical == nil {
		return fuse.OK
	}
	fd, err := unix.Open(n.physical.procPath(), unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return toStatus(err)
	}
	defer unix.Close(fd)
	return toStatus(unix.Fsync(fd))
}

// writableDir returns the referenced directory nodeid if it lies inside a
// document the app may write to.
func (fs *PortalFS) writableDir(nodeid uint64) (*Inode, fuse.Status) {
	n := fs.inode(nodeid)
	if n == nil {
		return nil, fuse.Status(syscall.ESTALE)
	}
	if n.dom.kind != domainDocument {
		fs.graph.unref(n)
		return nil, fuse.EPERM
	}
	if !fs.permissions(n).Has(types.PermWrite) {
		fs.graph.unref(n)
		return nil, fuse.EACCES
	}
	return n, fuse.OK
}

// physicalDir returns the referenced directory nodeid if it is a writable
// directory inside a directory document.
func (fs *PortalFS) physicalDir(nodeid uint64) (*Inode, fuse.Status) {
	n, status := fs.writableDir(nodeid)
	if !status.Ok() {
		return nil, status
	}
	if n.physical == nil {
		fs.graph.unref(n)
		return nil, fuse.EPERM
	}
	if !n.IsDir() {
		fs.graph.unref(n)
		return nil, fuse.ENOTDIR
	}
	return n, fuse.OK
}

// replyCreated looks up a freshly created name and replies with it.
func (fs *PortalFS) replyCreated(parent *Inode, name string, out *fuse.EntryOut) fuse.Status {
	n, err := fs.physicalAt(parent.docRoot(), parent.physical.fd, name)
	if err != nil {
		return toStatus(err)
	}
	return fs.replyEntry(n, out)
}

func (fs *PortalFS) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	parent, status := fs.physicalDir(input.NodeId)
	if !status.Ok() {
		return status
	}
	defer fs.graph.unref(parent)

	if err := unix.Mkdirat(parent.physical.fd, name, input.Mode&0o7777); err != nil {
		return toStatus(err)
	}
	return fs.replyCreated(parent, name, out)
}

func (fs *PortalFS) Mknod(cancel <-chan struct{}, input *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
	parent, status := fs.physicalDir(input.NodeId)
	if !status.Ok() {
		return status
	}
	defer fs.graph.unref(parent)

	if err := unix.Mknodat(parent.physical.fd, name, input.Mode, int(input.Rdev)); err != nil {
		return toStatus(err)
	}
	return fs.replyCreated(parent, name, out)
}

func (fs *PortalFS) Symlink(cancel <-chan struct{}, header *fuse.InHeader, pointedTo string, linkName string, out *fuse.EntryOut) fuse.Status {
	parent, status := fs.physicalDir(header.NodeId)
	if !status.Ok() {
		return status
	}
	defer fs.graph.unref(parent)

	if err := unix.Symlinkat(pointedTo, parent.physical.fd, linkName); err != nil {
		return toStatus(err)
	}
	return fs.replyCreated(parent, linkName, out)
}

func (fs *PortalFS) Link(cancel <-chan struct{}, input *fuse.LinkIn, filename string, out *fuse.EntryOut) fuse.Status {
	parent, status := fs.physicalDir(input.NodeId)
	if !status.Ok() {
		return status
	}
	defer fs.graph.unref(parent)

	src := fs.inode(input.Oldnodeid)
	if src == nil {
		return fuse.Status(syscall.ESTALE)
	}
	defer fs.graph.unref(src)

	if src.dom != parent.dom {
		return fuse.Status(syscall.EXDEV)
	}
	if src.physical == nil {
		return fuse.EPERM
	}
	if err := unix.Linkat(unix.AT_FDCWD, src.physical.procPath(), parent.physical.fd, filename, unix.AT_SYMLINK_FOLLOW); err != nil {
		return toStatus(err)
	}
	return fs.replyCreated(parent, filename, out)
}

func (fs *PortalFS) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	parent, status := fs.physicalDir(header.NodeId)
	if !status.Ok() {
		return status
	}
	defer fs.graph.unref(parent)

	return toStatus(unix.Unlinkat(parent.physical.fd, name, unix.AT_REMOVEDIR))
}

func (fs *PortalFS) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	parent, status := fs.writableDir(header.NodeId)
	if !status.Ok() {
		return status
	}
	defer fs.graph.unref(parent)

	if !parent.isDocRoot() {
		if !parent.IsDir() {
			return fuse.ENOTDIR
		}
		return toStatus(unix.Unlinkat(parent.physical.fd, name, 0))
	}

	doc := parent.dom.doc
	if doc.isDir {
		return fuse.EPERM
	}
	if name != doc.base {
		if !fs.removeTempfile(parent.dom, name) {
			return fuse.ENOENT
		}
		return fuse.OK
	}

	pfd, err := openDocParent(doc)
	if err != nil {
		return toStatus(err)
	}
	defer unix.Close(pfd)
	return toStatus(unix.Unlinkat(pfd, doc.base, 0))
}

func (fs *PortalFS) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName string, newName string) fuse.Status {
	oldParent := fs.inode(input.NodeId)
	if oldParent == nil {
		return fuse.Status(syscall.ESTALE)
	}
	defer fs.graph.unref(oldParent)

	newParent := fs.inode(input.Newdir)
	if newParent == nil {
		return fuse.Status(syscall.ESTALE)
	}
	defer fs.graph.unref(newParent)

	if oldParent.dom != newParent.dom {
		return fuse.Status(syscall.EXDEV)
	}
	if oldParent.dom.kind != domainDocument {
		return fuse.EPERM
	}
	if !fs.permissions(oldParent).Has(types.PermWrite) {
		return fuse.EACCES
	}

	if oldParent.dom.doc.isDir {
		if oldParent.physical == nil || newParent.physical == nil {
			return fuse.EPERM
		}
		return toStatus(unix.Renameat2(oldParent.physical.fd, oldName, newParent.physical.fd, newName, uint(input.Flags)))
	}
	// A file document has a single directory, its root.
	return toStatus(fs.renameInFileDoc(oldParent, oldName, newName, input.Flags))
}

// renameInFileDoc moves names between the main file and the tempfile
// tracker of a file document. Any other rename is EACCES.
func (fs *PortalFS) renameInFileDoc(root *Inode, oldName, newName string, flags uint32) error {
	base := root.dom.doc.base
	if flags&unix.RENAME_EXCHANGE != 0 || flags&unix.RENAME_WHITEOUT != 0 {
		return syscall.EACCES
	}

	switch {
	case oldName == newName:
		if oldName == base {
			return nil
		}
		if n := fs.lookupTempfile(root.dom, oldName); n != nil {
			fs.graph.unref(n)
			return nil
		}
		return syscall.EACCES

	case oldName == base:
		if flags&unix.RENAME_NOREPLACE != 0 {
			if n := fs.lookupTempfile(root.dom, newName); n != nil {
				fs.graph.unref(n)
				return syscall.EEXIST
			}
		}
		return fs.promoteMain(root, newName)

	case newName == base:
		return fs.demoteTempfile(root, oldName, flags&unix.RENAME_NOREPLACE)

	default:
		return fs.renameTempfile(root.dom, oldName, newName, flags)
	}
}
