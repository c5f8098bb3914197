package vfs

import (
	"syscall"

	"github.com/ajaxzhan/document-portal/pkg/types"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

func (fs *PortalFS) GetXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string, dest []byte) (uint32, fuse.Status) {
	n := fs.inode(header.NodeId)
	if n == nil {
		return 0, fuse.Status(syscall.ESTALE)
	}
	defer fs.graph.unref(n)

	if n.physical == nil {
		return 0, fuse.Status(syscall.ENODATA)
	}
	size, err := unix.Getxattr(n.physical.procPath(), attr, dest)
	if err != nil {
		return 0, toStatus(err)
	}
	return uint32(size), fuse.OK
}

func (fs *PortalFS) ListXAttr(cancel <-chan struct{}, header *fuse.InHeader, dest []byte) (uint32, fuse.Status) {
	n := fs.inode(header.NodeId)
	if n == nil {
		return 0, fuse.Status(syscall.ESTALE)
	}
	defer fs.graph.unref(n)

	if n.physical == nil {
		return 0, fuse.OK
	}
	size, err := unix.Listxattr(n.physical.procPath(), dest)
	if err != nil {
		return 0, toStatus(err)
	}
	return uint32(size), fuse.OK
}

func (fs *PortalFS) SetXAttr(cancel <-chan struct{}, input *fuse.SetXAttrIn, attr string, data []byte) fuse.Status {
	n, status := fs.writablePhysical(input.NodeId)
	if !status.Ok() {
		return status
	}
	defer fs.graph.unref(n)

	return toStatus(unix.Setxattr(n.physical.procPath(), attr, data, int(input.Flags)))
}

func (fs *PortalFS) RemoveXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string) fuse.Status {
	n, status := fs.writablePhysical(header.NodeId)
	if !status.Ok() {
		return status
	}
	defer fs.graph.unref(n)

	return toStatus(unix.Removexattr(n.physical.procPath(), attr))
}

func (fs *PortalFS) writablePhysical(nodeid uint64) (*Inode, fuse.Status) {
	n := fs.inode(nodeid)
	if n == nil {
		return nil, fuse.Status(syscall.ESTALE)
	}
	if n.physical == nil {
		fs.graph.unref(n)
		return nil, fuse.EPERM
	}
	if !fs.permissions(n).Has(types.PermWrite) {
		fs.graph.unref(n)
		return nil, fuse.EACCES
	}
	return n, fuse.OK
}
