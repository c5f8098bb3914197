package vfs

import (
	"math/rand/v2"
	"sort"
	"syscall"

	"github.com/ajaxzhan/document-portal/internal/logging"
	"github.com/ajaxzhan/document-portal/internal/util"
	"golang.org/x/sys/unix"
)

const (
	tempPrefix     = ".xdp-"
	tempSuffixLen  = 6
	tempSuffixPool = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// tempfile is a file shown next to the main file of a file document under
// a visible name while living on disk under a random one. An empty disk
// name means the file was promoted and must not be unlinked.
type tempfile struct {
	visible string
	disk    string
	inode   *Inode
}

func tempDiskName(visible string) string {
	suffix := make([]byte, tempSuffixLen)
	for i := range suffix {
		suffix[i] = tempSuffixPool[rand.IntN(len(tempSuffixPool))]
	}
	return tempPrefix + visible + "-" + string(suffix)
}

// tempfileNames returns the visible tempfile names of a document, sorted.
func tempfileNames(dom *domain) []string {
	dom.tempMu.Lock()
	defer dom.tempMu.Unlock()
	names := make([]string, 0, len(dom.tempfiles))
	for name := range dom.tempfiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// lookupTempfile returns the referenced inode of a tempfile, or nil.
func (fs *PortalFS) lookupTempfile(dom *domain, name string) *Inode {
	dom.tempMu.Lock()
	defer dom.tempMu.Unlock()
	tf := dom.tempfiles[name]
	if tf == nil {
		return nil
	}
	fs.graph.ref(tf.inode)
	return tf.inode
}

// createTempfile creates a fresh randomly named file next to the main
// file and registers it under name. If a concurrent create registered name
// first, its tempfile is returned instead, or EEXIST when excl is set. The
// returned inode carries a reference for the caller.
func (fs *PortalFS) createTempfile(docRoot *Inode, name string, mode uint32, excl bool) (*Inode, error) {
	dom := docRoot.dom
	pfd, err := openDocParent(dom.doc)
	if err != nil {
		return nil, err
	}
	defer unix.Close(pfd)

	disk, err := util.RetryOnCollision(util.MaxTempfileAttempts, func() (string, error) {
		disk := tempDiskName(name)
		fd, err := unix.Openat(pfd, disk, unix.O_CREAT|unix.O_EXCL|unix.O_NOFOLLOW|unix.O_RDONLY|unix.O_CLOEXEC, mode&07777)
		if err != nil {
			return "", err
		}
		unix.Close(fd)
		return disk, nil
	})
	if err != nil {
		return nil, err
	}

	n, err := fs.physicalAt(docRoot, pfd, disk)
	if err != nil {
		unix.Unlinkat(pfd, disk, 0)
		return nil, err
	}

	dom.tempMu.Lock()
	if winner := dom.tempfiles[name]; winner != nil {
		if !excl {
			fs.graph.ref(winner.inode)
		}
		dom.tempMu.Unlock()
		unix.Unlinkat(pfd, disk, 0)
		fs.graph.unref(n)
		if excl {
			return nil, syscall.EEXIST
		}
		return winner.inode, nil
	}
	// One reference for the tracker, one for the caller.
	fs.graph.ref(n)
	dom.tempfiles[name] = &tempfile{visible: name, disk: disk, inode: n}
	dom.tempMu.Unlock()

	fs.queue.Enqueue(docRoot.ino, name)

	logging.Debug("Created tempfile",
		logging.Doc(dom.doc.id),
		logging.String("name", name),
		logging.String("disk", disk))
	return n, nil
}

// destroyTempfile releases a tempfile already removed from the tracker,
// unlinking its disk file unless it was promoted.
func (fs *PortalFS) destroyTempfile(dom *domain, tf *tempfile) {
	if tf.disk != "" {
		if pfd, err := openDocParent(dom.doc); err == nil {
			if err := unix.Unlinkat(pfd, tf.disk, 0); err != nil && err != syscall.ENOENT {
				logging.Warn("Failed to remove tempfile",
					logging.Doc(dom.doc.id),
					logging.String("disk", tf.disk),
					logging.Err(err))
			}
			unix.Close(pfd)
		}
	}
	fs.graph.unref(tf.inode)
}

// removeTempfile drops the tempfile with the given visible name.
func (fs *PortalFS) removeTempfile(dom *domain, name string) bool {
	dom.tempMu.Lock()
	tf := dom.tempfiles[name]
	delete(dom.tempfiles, name)
	dom.tempMu.Unlock()

	if tf == nil {
		return false
	}
	fs.destroyTempfile(dom, tf)
	return true
}

// discardTempfiles drops every tempfile of a document.
func (fs *PortalFS) discardTempfiles(dom *domain) {
	dom.tempMu.Lock()
	all := dom.tempfiles
	dom.tempfiles = make(map[string]*tempfile)
	dom.tempMu.Unlock()

	for _, tf := range all {
		fs.destroyTempfile(dom, tf)
	}
}

// promoteMain moves the main file of a document aside to a fresh disk
// name and tracks it as the tempfile visible as name.
func (fs *PortalFS) promoteMain(docRoot *Inode, name string) error {
	dom := docRoot.dom
	pfd, err := openDocParent(dom.doc)
	if err != nil {
		return err
	}
	defer unix.Close(pfd)

	n, err := fs.physicalAt(docRoot, pfd, dom.doc.base)
	if err != nil {
		return err
	}

	dom.tempMu.Lock()
	disk, err := util.RetryOnCollision(util.MaxTempfileAttempts, func() (string, error) {
		disk := tempDiskName(name)
		if err := unix.Renameat2(pfd, dom.doc.base, pfd, disk, unix.RENAME_NOREPLACE); err != nil {
			return "", err
		}
		return disk, nil
	})
	if err != nil {
		dom.tempMu.Unlock()
		fs.graph.unref(n)
		return err
	}
	displaced := dom.tempfiles[name]
	dom.tempfiles[name] = &tempfile{visible: name, disk: disk, inode: n}
	dom.tempMu.Unlock()

	if displaced != nil {
		fs.destroyTempfile(dom, displaced)
	}
	return nil
}

// demoteTempfile renames the tempfile visible as name over the main file
// and stops tracking it. An untracked name is EACCES.
func (fs *PortalFS) demoteTempfile(docRoot *Inode, name string, flags uint32) error {
	dom := docRoot.dom
	pfd, err := openDocParent(dom.doc)
	if err != nil {
		return err
	}
	defer unix.Close(pfd)

	dom.tempMu.Lock()
	tf := dom.tempfiles[name]
	if tf == nil {
		dom.tempMu.Unlock()
		return syscall.EACCES
	}
	if err := unix.Renameat2(pfd, tf.disk, pfd, dom.doc.base, uint(flags)); err != nil {
		dom.tempMu.Unlock()
		return err
	}
	tf.disk = ""
	delete(dom.tempfiles, name)
	dom.tempMu.Unlock()

	fs.destroyTempfile(dom, tf)
	return nil
}

// renameTempfile changes the visible name of a tempfile without touching
// the disk. A tempfile already visible as to is discarded. An untracked
// from is EACCES.
func (fs *PortalFS) renameTempfile(dom *domain, from, to string, flags uint32) error {
	dom.tempMu.Lock()
	tf := dom.tempfiles[from]
	if tf == nil {
		dom.tempMu.Unlock()
		return syscall.EACCES
	}
	displaced := dom.tempfiles[to]
	if displaced != nil && flags&unix.RENAME_NOREPLACE != 0 {
		dom.tempMu.Unlock()
		return syscall.EEXIST
	}
	delete(dom.tempfiles, from)
	tf.visible = to
	dom.tempfiles[to] = tf
	dom.tempMu.Unlock()

	if displaced != nil {
		fs.destroyTempfile(dom, displaced)
	}
	return nil
}
