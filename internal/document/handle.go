package document

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ajaxzhan/document-portal/pkg/types"
	"golang.org/x/sys/unix"
)

// deletedSuffix is appended by the kernel to fd links of unlinked files.
const deletedSuffix = " (deleted)"

// handleInfo is what registration learns about a caller supplied handle.
type handleInfo struct {
	path      string
	dev       uint64
	ino       uint64
	parentDev uint64
	parentIno uint64
	writable  bool
	// inMount is set when path lies under the portal's own mount point;
	// parent verification is skipped for those.
	inMount bool
}

func procFdPath(fd int) string {
	return fmt.Sprintf("/proc/self/fd/%d", fd)
}

// fdPath resolves fd to the canonical host path through /proc/self/fd.
func fdPath(fd int) (string, error) {
	buf := make([]byte, unix.PathMax+len(deletedSuffix))
	n, err := unix.Readlink(procFdPath(fd), buf)
	if err != nil {
		return "", types.InvalidArgumentf("invalid file handle %d: %v", fd, err)
	}
	path := string(buf[:n])
	if strings.HasSuffix(path, deletedSuffix) {
		return "", types.InvalidArgument("cannot export a deleted file")
	}
	if !strings.HasPrefix(path, "/") {
		// pipes, sockets and anonymous inodes
		return "", types.InvalidArgumentf("file handle does not refer to a filesystem path: %s", path)
	}
	return path, nil
}

// fdWritable reports whether fd grants write access. O_PATH handles carry
// no access mode, so the file itself is checked instead.
func fdWritable(fd int) bool {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return false
	}
	if flags&unix.O_PATH != 0 {
		return unix.Access(procFdPath(fd), unix.W_OK) == nil
	}
	acc := flags & unix.O_ACCMODE
	return acc == unix.O_WRONLY || acc == unix.O_RDWR
}

func statMode(st *unix.Stat_t) uint32 {
	return st.Mode & unix.S_IFMT
}

// inspectHandle validates a handle to an existing file, or directory when
// wantDir is set, and pins its parent directory.
func inspectHandle(fd int, wantDir bool, mountPoint string) (*handleInfo, error) {
	path, err := fdPath(fd)
	if err != nil {
		return nil, err
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, types.InvalidArgumentf("cannot stat file handle: %v", err)
	}
	if wantDir {
		if statMode(&st) != unix.S_IFDIR {
			return nil, types.InvalidArgument("not a directory")
		}
	} else if statMode(&st) != unix.S_IFREG {
		return nil, types.InvalidArgument("not a regular file")
	}

	info := &handleInfo{
		path:     path,
		dev:      uint64(st.Dev),
		ino:      st.Ino,
		writable: fdWritable(fd),
	}
	if underMount(path, mountPoint) {
		info.inMount = true
		return info, nil
	}

	info.parentDev, info.parentIno, err = verifyParent(path, &st)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// inspectNamed validates a parent directory handle plus a child name that
// need not exist yet.
func inspectNamed(parentFd int, name string, mountPoint string) (*handleInfo, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return nil, types.InvalidArgumentf("invalid filename %q", name)
	}

	dir, err := fdPath(parentFd)
	if err != nil {
		return nil, err
	}
	var st unix.Stat_t
	if err := unix.Fstat(parentFd, &st); err != nil {
		return nil, types.InvalidArgumentf("cannot stat parent handle: %v", err)
	}
	if statMode(&st) != unix.S_IFDIR {
		return nil, types.InvalidArgument("parent handle is not a directory")
	}

	path := filepath.Join(dir, name)
	info := &handleInfo{
		path:      path,
		parentDev: uint64(st.Dev),
		parentIno: st.Ino,
		writable:  fdWritable(parentFd),
	}
	if underMount(path, mountPoint) {
		info.inMount = true
	}

	var cst unix.Stat_t
	if err := unix.Fstatat(parentFd, name, &cst, unix.AT_SYMLINK_NOFOLLOW); err == nil {
		info.dev, info.ino = uint64(cst.Dev), cst.Ino
	}
	return info, nil
}

// verifyParent opens the parent directory of path and checks that the
// name in it still refers to the same inode as the caller's handle. A
// mismatch means the path was redirected after the handle was opened.
func verifyParent(path string, st *unix.Stat_t) (uint64, uint64, error) {
	dir, base := filepath.Dir(path), filepath.Base(path)
	if base == "/" || base == "." {
		return 0, 0, types.InvalidArgument("cannot export the filesystem root")
	}

	parentFd, err := unix.Open(dir, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, 0, types.InvalidArgumentf("cannot open parent directory: %v", err)
	}
	defer unix.Close(parentFd)

	var pst unix.Stat_t
	if err := unix.Fstat(parentFd, &pst); err != nil {
		return 0, 0, types.InvalidArgumentf("cannot stat parent directory: %v", err)
	}

	var cst unix.Stat_t
	if err := unix.Fstatat(parentFd, base, &cst, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return 0, 0, types.InvalidArgumentf("cannot stat %s in parent: %v", base, err)
	}
	if uint64(cst.Dev) != uint64(st.Dev) || cst.Ino != st.Ino {
		return 0, 0, types.InvalidArgument("file changed while being exported")
	}
	return uint64(pst.Dev), pst.Ino, nil
}

func underMount(path, mountPoint string) bool {
	if mountPoint == "" {
		return false
	}
	return path == mountPoint || strings.HasPrefix(path, mountPoint+"/")
}

// idFromMountPath extracts the document id and the path below the
// document directory from a path inside the mount.
func idFromMountPath(path, mountPoint string) (id string, rest []string, ok bool) {
	rel := strings.TrimPrefix(path, mountPoint+"/")
	if rel == path {
		return "", nil, false
	}
	parts := strings.Split(rel, "/")
	if len(parts) >= 3 && parts[0] == "by-app" {
		parts = parts[2:]
	} else if parts[0] == "by-app" {
		return "", nil, false
	}
	if len(parts) == 0 || parts[0] == "" {
		return "", nil, false
	}
	return parts[0], parts[1:], true
}
