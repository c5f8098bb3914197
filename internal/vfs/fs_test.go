package vfs

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/ajaxzhan/document-portal/pkg/types"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testApp = "com.example.App"

func TestLookup_DotNamesAreStale(t *testing.T) {
	h := newHarness(t)
	for _, name := range []string{".", ".."} {
		_, status := h.lookup(fuse.FUSE_ROOT_ID, name)
		assert.Equal(t, fuse.Status(syscall.ESTALE), status, name)
	}
}

func TestLookup_UnknownDocument(t *testing.T) {
	h := newHarness(t)
	_, status := h.lookup(fuse.FUSE_ROOT_ID, "nothere")
	assert.Equal(t, fuse.ENOENT, status)
}

func TestLookup_InvalidAppID(t *testing.T) {
	h := newHarness(t)
	byApp := h.walk(ByAppName)
	for _, name := range []string{"noDots", ".com.example", "com.exa-mple.App"} {
		_, status := h.lookup(byApp, name)
		assert.Equal(t, fuse.ENOENT, status, name)
	}
}

func TestRootDocumentVisibility(t *testing.T) {
	h := newHarness(t)
	path := h.writeHostFile("home/report.pdf", "pdf-bytes")
	id := h.reg.add(t, path, types.DocFlagUnique|types.DocFlagTransient)

	file := h.walk(id, "report.pdf")
	assert.Equal(t, "pdf-bytes", h.read(file))

	app := h.walk(ByAppName, testApp)
	_, status := h.lookup(app, id)
	assert.Equal(t, fuse.ENOENT, status, "app has no permission yet")

	h.reg.set(id, testApp, types.PermRead)
	appFile := h.walk(ByAppName, testApp, id, "report.pdf")
	assert.Equal(t, "pdf-bytes", h.read(appFile))
	assert.NotEqual(t, file, appFile, "each view gets its own inode")

	_, status = h.lookup(h.walk(id), "other.pdf")
	assert.Equal(t, fuse.ENOENT, status)
}

func TestAttributes(t *testing.T) {
	h := newHarness(t)
	path := h.writeHostFile("a/file.txt", "x")
	require.NoError(t, os.Chmod(path, 0o4666))
	id := h.reg.add(t, path, 0)

	root := h.attr(fuse.FUSE_ROOT_ID)
	assert.Equal(t, uint32(syscall.S_IFDIR|0o500), root.Mode)

	h.reg.set(id, testApp, types.PermRead)
	docDir := h.walk(ByAppName, testApp, id)
	assert.Equal(t, uint32(syscall.S_IFDIR|0o500), h.attr(docDir).Mode)

	file := h.walk(ByAppName, testApp, id, "file.txt")
	attr := h.attr(file)
	assert.Equal(t, file, attr.Ino)
	assert.Equal(t, uint32(syscall.S_IFREG|0o444), attr.Mode, "setuid and write bits are masked")

	// Permission changes apply on the next getattr.
	h.reg.set(id, testApp, types.PermRead|types.PermWrite)
	assert.Equal(t, uint32(syscall.S_IFDIR|0o700), h.attr(docDir).Mode)
	assert.Equal(t, uint32(syscall.S_IFREG|0o666), h.attr(file).Mode)
}

func TestEntryTimeouts(t *testing.T) {
	h := newHarness(t)
	path := h.writeHostFile("file.txt", "x")
	id := h.reg.add(t, path, 0)

	var out fuse.EntryOut
	require.Equal(t, fuse.OK, h.fs.Lookup(nil, &fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}, ByAppName, &out))
	assert.Equal(t, uint64(DefaultVirtualTTL/time.Second), out.EntryValid)

	out = fuse.EntryOut{}
	require.Equal(t, fuse.OK, h.fs.Lookup(nil, &fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}, id, &out))
	assert.Zero(t, out.EntryValid)
	assert.Zero(t, out.AttrValid)
}

func TestInodeNumberSurvivesForget(t *testing.T) {
	h := newHarness(t)
	path := h.writeHostFile("file.txt", "x")
	id := h.reg.add(t, path, 0)

	docDir := h.walk(id)
	first, status := h.lookup(docDir, "file.txt")
	require.Equal(t, fuse.OK, status)
	assert.Equal(t, 1, h.fs.phys.Len())

	h.fs.Forget(first, 1)
	assert.Nil(t, h.fs.graph.peek(first))
	assert.Equal(t, 0, h.fs.phys.Len())

	second, status := h.lookup(docDir, "file.txt")
	require.Equal(t, fuse.OK, status)
	assert.Equal(t, first, second)
}

func TestRepeatedLookupsShareKernelRef(t *testing.T) {
	h := newHarness(t)
	path := h.writeHostFile("file.txt", "x")
	id := h.reg.add(t, path, 0)

	docDir := h.walk(id)
	first, _ := h.lookup(docDir, "file.txt")
	second, _ := h.lookup(docDir, "file.txt")
	require.Equal(t, first, second)

	h.fs.Forget(first, 1)
	require.NotNil(t, h.fs.graph.peek(first), "one kernel reference remains")
	h.fs.Forget(first, 1)
	assert.Nil(t, h.fs.graph.peek(first))
}

func TestInterruptedLookupDropsReference(t *testing.T) {
	h := newHarness(t)
	id := h.reg.add(t, h.writeHostFile("file.txt", "x"), 0)
	docDir := h.walk(id)

	cancel := make(chan struct{})
	close(cancel)
	var out fuse.EntryOut
	status := h.fs.Lookup(cancel, &fuse.InHeader{NodeId: docDir}, "file.txt", &out)
	assert.Equal(t, fuse.EINTR, status)
	assert.Zero(t, out.NodeId)
	assert.Equal(t, 0, h.fs.phys.Len(), "aborted lookup keeps no backing handle")

	// A later lookup hands out a single kernel reference
	ino, status := h.lookup(docDir, "file.txt")
	require.Equal(t, fuse.OK, status)
	h.fs.Forget(ino, 1)
	assert.Nil(t, h.fs.graph.peek(ino))
	assert.Equal(t, 0, h.fs.phys.Len())
}

func TestPhysicalInodeSharedAcrossDocuments(t *testing.T) {
	h := newHarness(t)
	path := h.writeHostFile("shared.txt", "x")
	d4 := h.reg.add(t, path, types.DocFlagUnique)
	d5 := h.reg.add(t, path, types.DocFlagUnique)

	f4 := h.walk(d4, "shared.txt")
	f5 := h.walk(d5, "shared.txt")
	assert.NotEqual(t, f4, f5)
	assert.Equal(t, 1, h.fs.phys.Len())

	n4 := h.fs.graph.peek(f4)
	n5 := h.fs.graph.peek(f5)
	require.Same(t, n4.physical, n5.physical)
	assert.Equal(t, int64(2), n4.physical.refs.load())

	h.fs.Forget(f4, 1)
	assert.Equal(t, 1, h.fs.phys.Len())
	h.fs.Forget(f5, 1)
	assert.Equal(t, 0, h.fs.phys.Len())
}

func TestWriteAfterRevoke(t *testing.T) {
	h := newHarness(t)
	path := h.writeHostFile("doc.txt", "old")
	id := h.reg.add(t, path, 0)
	h.reg.set(id, testApp, types.PermRead|types.PermWrite)

	file := h.walk(ByAppName, testApp, id, "doc.txt")
	fh, status := h.open(file, syscall.O_WRONLY)
	require.Equal(t, fuse.OK, status)
	defer h.release(file, fh)

	assert.Equal(t, fuse.OK, h.write(file, fh, "new"))

	h.reg.set(id, testApp, types.PermRead)
	assert.Equal(t, fuse.EACCES, h.write(file, fh, "denied"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestOpenForWriteRequiresPermission(t *testing.T) {
	h := newHarness(t)
	path := h.writeHostFile("doc.txt", "x")
	id := h.reg.add(t, path, 0)
	h.reg.set(id, testApp, types.PermRead)

	file := h.walk(ByAppName, testApp, id, "doc.txt")
	_, status := h.open(file, syscall.O_RDWR)
	assert.Equal(t, fuse.EACCES, status)
	_, status = h.open(file, syscall.O_RDONLY|syscall.O_TRUNC)
	assert.Equal(t, fuse.EACCES, status)

	_, status = h.open(h.walk(ByAppName, testApp, id), syscall.O_RDONLY)
	assert.Equal(t, fuse.Status(syscall.EISDIR), status)
}

func TestOpenNoFollow(t *testing.T) {
	h := newHarness(t)
	path := h.writeHostFile("doc.txt", "content")
	id := h.reg.add(t, path, 0)

	file := h.walk(id, "doc.txt")
	fh, status := h.open(file, syscall.O_RDONLY|syscall.O_NOFOLLOW)
	require.Equal(t, fuse.OK, status)
	h.release(file, fh)
}

func TestSetAttr(t *testing.T) {
	h := newHarness(t)
	path := h.writeHostFile("doc.txt", "0123456789")
	id := h.reg.add(t, path, 0)
	file := h.walk(id, "doc.txt")

	in := &fuse.SetAttrIn{}
	in.NodeId = file
	in.Valid = fuse.FATTR_SIZE | fuse.FATTR_MODE
	in.Size = 4
	in.Mode = 0o600
	var out fuse.AttrOut
	require.Equal(t, fuse.OK, h.fs.SetAttr(nil, in, &out))
	assert.Equal(t, uint64(4), out.Size)
	assert.Equal(t, uint32(syscall.S_IFREG|0o600), out.Mode)

	in = &fuse.SetAttrIn{}
	in.NodeId = h.walk(id)
	in.Valid = fuse.FATTR_MODE
	in.Mode = 0o777
	assert.Equal(t, fuse.EPERM, h.fs.SetAttr(nil, in, &out))

	h.reg.set(id, testApp, types.PermRead)
	in = &fuse.SetAttrIn{}
	in.NodeId = h.walk(ByAppName, testApp, id, "doc.txt")
	in.Valid = fuse.FATTR_SIZE
	assert.Equal(t, fuse.EACCES, h.fs.SetAttr(nil, in, &out))
}

func TestAccess(t *testing.T) {
	h := newHarness(t)
	path := h.writeHostFile("doc.txt", "x")
	id := h.reg.add(t, path, 0)
	h.reg.set(id, testApp, types.PermRead)

	access := func(ino uint64, mask uint32) fuse.Status {
		return h.fs.Access(nil, &fuse.AccessIn{InHeader: fuse.InHeader{NodeId: ino}, Mask: mask})
	}
	assert.Equal(t, fuse.OK, access(fuse.FUSE_ROOT_ID, 4))
	assert.Equal(t, fuse.EACCES, access(fuse.FUSE_ROOT_ID, 2))

	file := h.walk(ByAppName, testApp, id, "doc.txt")
	assert.Equal(t, fuse.OK, access(file, 4))
	assert.Equal(t, fuse.EACCES, access(file, 2))
}

func TestReadDir(t *testing.T) {
	h := newHarness(t)
	a := h.reg.add(t, h.writeHostFile("a.txt", "a"), 0)
	b := h.reg.add(t, h.writeHostFile("b.txt", "b"), 0)
	h.reg.set(b, testApp, types.PermRead)
	h.walk(ByAppName, "org.other.Viewer")

	assert.Equal(t, []string{ByAppName, a, b}, h.names(fuse.FUSE_ROOT_ID))
	assert.Equal(t, []string{testApp, "org.other.Viewer"}, h.names(h.walk(ByAppName)))
	assert.Equal(t, []string{b}, h.names(h.walk(ByAppName, testApp)))
	assert.Empty(t, h.names(h.walk(ByAppName, "org.other.Viewer")))
	assert.Equal(t, []string{"a.txt"}, h.names(h.walk(a)))
}

func TestReadDirPaging(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.reg.add(t, h.writeHostFile(filepath.Join("d", string(rune('a'+i))+".txt"), "x"), 0)
	}

	var open fuse.OpenOut
	require.Equal(t, fuse.OK, h.fs.OpenDir(nil, &fuse.OpenIn{InHeader: fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}}, &open))
	defer h.fs.ReleaseDir(&fuse.ReleaseIn{Fh: open.Fh})

	d := h.fs.handles.dir(open.Fh)
	require.NotNil(t, d)
	assert.Len(t, d.entries, 6, "dot, dotdot, by-app and three documents")

	buf := make([]byte, 4096)
	list := fuse.NewDirEntryList(buf, 0)
	assert.Equal(t, fuse.OK, h.fs.ReadDir(nil, &fuse.ReadIn{Fh: open.Fh, Offset: 4}, list))
}

func TestDocumentParentRedirected(t *testing.T) {
	h := newHarness(t)
	path := h.writeHostFile("d/x", "secret")
	id := h.reg.add(t, path, 0)
	docDir := h.walk(id)

	// Replace the directory with another one holding the same name.
	require.NoError(t, os.Rename(filepath.Join(h.dir, "d"), filepath.Join(h.dir, "old")))
	h.writeHostFile("d/x", "forged")

	_, status := h.lookup(docDir, "x")
	assert.Equal(t, fuse.ENOENT, status)
}

func TestLookupSchedulesInvalidation(t *testing.T) {
	h := newHarness(t)
	id := h.reg.add(t, h.writeHostFile("f.txt", "x"), 0)
	docDir := h.walk(id)
	h.walk(id, "f.txt")

	require.Eventually(t, func() bool {
		return h.notifier.has(docDir, "f.txt")
	}, time.Second, time.Millisecond)
}

func TestRevokeInvalidatesCachedEntries(t *testing.T) {
	h := newHarness(t)
	id := h.reg.add(t, h.writeHostFile("file.txt", "x"), 0)
	h.reg.set(id, testApp, types.PermRead)

	app := h.walk(ByAppName, testApp)
	docDir := h.walk(ByAppName, testApp, id)
	h.walk(ByAppName, testApp, id, "file.txt")

	h.reg.set(id, testApp, types.PermNone)
	h.fs.InvalidateDocument(id, []string{testApp})

	require.Eventually(t, func() bool {
		return h.notifier.has(docDir, "file.txt") && h.notifier.has(app, id)
	}, time.Second, time.Millisecond)

	_, status := h.lookup(docDir, "file.txt")
	assert.Equal(t, fuse.ENOENT, status)
	_, status = h.lookup(app, id)
	assert.Equal(t, fuse.ENOENT, status)
}

func TestStatFs(t *testing.T) {
	h := newHarness(t)
	id := h.reg.add(t, h.writeHostFile("f.txt", "x"), 0)

	var out fuse.StatfsOut
	require.Equal(t, fuse.OK, h.fs.StatFs(nil, &fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}, &out))
	assert.Equal(t, uint32(255), out.NameLen)

	out = fuse.StatfsOut{}
	require.Equal(t, fuse.OK, h.fs.StatFs(nil, &fuse.InHeader{NodeId: h.walk(id, "f.txt")}, &out))
	assert.NotZero(t, out.Bsize)
}

func TestLocks(t *testing.T) {
	h := newHarness(t)
	id := h.reg.add(t, h.writeHostFile("f.txt", "x"), 0)
	file := h.walk(id, "f.txt")
	fh, status := h.open(file, syscall.O_RDWR)
	require.Equal(t, fuse.OK, status)
	defer h.release(file, fh)

	in := &fuse.LkIn{InHeader: fuse.InHeader{NodeId: file}, Fh: fh}
	in.Lk.Typ = syscall.F_WRLCK
	in.Lk.End = 10
	assert.Equal(t, fuse.OK, h.fs.SetLk(nil, in))

	in.LkFlags = lkFlock
	assert.Equal(t, fuse.ENOSYS, h.fs.SetLk(nil, in))
}

func TestCloseReleasesEverything(t *testing.T) {
	h := newHarness(t)
	id := h.reg.add(t, h.writeHostFile("f.txt", "x"), 0)
	docDir := h.walk(id)
	_, _, status := h.create(docDir, "scratch", syscall.O_CREAT|syscall.O_WRONLY)
	require.Equal(t, fuse.OK, status)

	h.fs.Close()
	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), tempPrefix), "tempfile %s left behind", e.Name())
	}
}
