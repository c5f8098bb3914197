package vfs

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/ajaxzhan/document-portal/pkg/types"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hostTempfiles lists the on-disk tempfile names in dir.
func hostTempfiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tempPrefix) {
			names = append(names, e.Name())
		}
	}
	return names
}

func (h *harness) docRoot(ino uint64) *Inode {
	h.t.Helper()
	n := h.fs.graph.peek(ino)
	require.NotNil(h.t, n)
	require.True(h.t, n.isDocRoot())
	return n
}

func TestTempfilePromotedOverMain(t *testing.T) {
	h := newHarness(t)
	path := h.writeHostFile("main.txt", "alpha")
	id := h.reg.add(t, path, 0)
	docDir := h.walk(id)

	tmp, fh, status := h.create(docDir, "tmp1", syscall.O_CREAT|syscall.O_WRONLY)
	require.Equal(t, fuse.OK, status)
	require.Equal(t, fuse.OK, h.write(tmp, fh, "beta"))
	h.release(tmp, fh)

	assert.Equal(t, []string{"main.txt", "tmp1"}, h.names(docDir))
	disk := hostTempfiles(t, h.dir)
	require.Len(t, disk, 1)
	assert.True(t, strings.HasPrefix(disk[0], ".xdp-tmp1-"))

	require.Equal(t, fuse.OK, h.rename(docDir, "tmp1", docDir, "main.txt"))

	main := h.walk(id, "main.txt")
	assert.Equal(t, "beta", h.read(main))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "beta", string(data))
	assert.Empty(t, tempfileNames(h.docRoot(docDir).dom))
	assert.Empty(t, hostTempfiles(t, h.dir))
}

func TestRenameMainRoundTrip(t *testing.T) {
	h := newHarness(t)
	path := h.writeHostFile("main.txt", "alpha")
	id := h.reg.add(t, path, 0)
	docDir := h.walk(id)
	mainIno := h.walk(id, "main.txt")

	require.Equal(t, fuse.OK, h.rename(docDir, "main.txt", docDir, "backup"))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "main file moved aside")
	assert.Len(t, hostTempfiles(t, h.dir), 1)

	backup := h.walk(id, "backup")
	assert.Equal(t, mainIno, backup, "the promoted file keeps its inode")
	assert.Equal(t, "alpha", h.read(backup))

	require.Equal(t, fuse.OK, h.rename(docDir, "backup", docDir, "main.txt"))
	assert.Empty(t, tempfileNames(h.docRoot(docDir).dom))
	assert.Empty(t, hostTempfiles(t, h.dir))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
}

func TestRenameBetweenTempfiles(t *testing.T) {
	h := newHarness(t)
	id := h.reg.add(t, h.writeHostFile("main.txt", "m"), 0)
	docDir := h.walk(id)

	x, fh, status := h.create(docDir, "x", syscall.O_CREAT|syscall.O_WRONLY)
	require.Equal(t, fuse.OK, status)
	require.Equal(t, fuse.OK, h.write(x, fh, "from-x"))
	h.release(x, fh)
	_, fh, status = h.create(docDir, "y", syscall.O_CREAT|syscall.O_WRONLY)
	require.Equal(t, fuse.OK, status)
	h.release(0, fh)
	require.Len(t, hostTempfiles(t, h.dir), 2)

	require.Equal(t, fuse.OK, h.rename(docDir, "x", docDir, "y"))
	assert.Equal(t, []string{"main.txt", "y"}, h.names(docDir))
	assert.Len(t, hostTempfiles(t, h.dir), 1, "displaced tempfile is unlinked")
	assert.Equal(t, "from-x", h.read(h.walk(id, "y")))

	// Only the main file and tracked tempfiles can be renamed
	assert.Equal(t, fuse.EACCES, h.rename(docDir, "missing", docDir, "z"))
	assert.Equal(t, fuse.EACCES, h.rename(docDir, "missing", docDir, "main.txt"))
	assert.Equal(t, fuse.EACCES, h.rename(docDir, "missing", docDir, "missing"))
}

func TestCreateExclusiveTempfile(t *testing.T) {
	h := newHarness(t)
	id := h.reg.add(t, h.writeHostFile("main.txt", "m"), 0)
	docDir := h.walk(id)

	_, fh, status := h.create(docDir, "t", syscall.O_CREAT|syscall.O_WRONLY|syscall.O_EXCL)
	require.Equal(t, fuse.OK, status)
	h.release(0, fh)

	_, _, status = h.create(docDir, "t", syscall.O_CREAT|syscall.O_WRONLY|syscall.O_EXCL)
	assert.Equal(t, fuse.Status(syscall.EEXIST), status)

	_, fh, status = h.create(docDir, "t", syscall.O_CREAT|syscall.O_WRONLY)
	assert.Equal(t, fuse.OK, status)
	h.release(0, fh)
	assert.Len(t, hostTempfiles(t, h.dir), 1)
}

func TestConcurrentCreateSharesTempfile(t *testing.T) {
	h := newHarness(t)
	id := h.reg.add(t, h.writeHostFile("main.txt", "m"), 0)
	docDir := h.walk(id)

	for round := 0; round < 50; round++ {
		name := "tmp" + strconv.Itoa(round)
		const workers = 8
		inos := make([]uint64, workers)
		fhs := make([]uint64, workers)
		statuses := make([]fuse.Status, workers)

		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				inos[i], fhs[i], statuses[i] = h.create(docDir, name, syscall.O_CREAT|syscall.O_WRONLY)
			}(i)
		}
		close(start)
		wg.Wait()

		for i := 0; i < workers; i++ {
			require.Equal(t, fuse.OK, statuses[i], "round %d worker %d", round, i)
			assert.Equal(t, inos[0], inos[i], "round %d: creates of %s got different inodes", round, name)
			h.release(inos[i], fhs[i])
		}
		assert.Len(t, hostTempfiles(t, h.dir), round+1, "round %d: one disk file per name", round)
	}
}

func TestCreateRequiresWrite(t *testing.T) {
	h := newHarness(t)
	id := h.reg.add(t, h.writeHostFile("main.txt", "m"), 0)
	h.reg.set(id, testApp, types.PermRead)

	docDir := h.walk(ByAppName, testApp, id)
	_, _, status := h.create(docDir, "t", syscall.O_CREAT|syscall.O_WRONLY)
	assert.Equal(t, fuse.EACCES, status)

	_, _, status = h.create(fuse.FUSE_ROOT_ID, "t", syscall.O_CREAT|syscall.O_WRONLY)
	assert.Equal(t, fuse.EPERM, status)
}

func TestCreateMainFile(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(h.dir, "new.txt")
	id := h.reg.add(t, path, 0)
	docDir := h.walk(id)

	assert.Empty(t, h.names(docDir), "main file does not exist yet")

	ino, fh, status := h.create(docDir, "new.txt", syscall.O_CREAT|syscall.O_WRONLY)
	require.Equal(t, fuse.OK, status)
	require.Equal(t, fuse.OK, h.write(ino, fh, "created"))
	h.release(ino, fh)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "created", string(data))
}

func TestUnlinkInFileDocument(t *testing.T) {
	h := newHarness(t)
	path := h.writeHostFile("main.txt", "m")
	id := h.reg.add(t, path, 0)
	docDir := h.walk(id)

	_, fh, status := h.create(docDir, "t", syscall.O_CREAT|syscall.O_WRONLY)
	require.Equal(t, fuse.OK, status)
	h.release(0, fh)

	unlink := func(name string) fuse.Status {
		return h.fs.Unlink(nil, &fuse.InHeader{NodeId: docDir}, name)
	}
	assert.Equal(t, fuse.OK, unlink("t"))
	assert.Empty(t, hostTempfiles(t, h.dir))
	assert.Equal(t, fuse.ENOENT, unlink("t"))

	assert.Equal(t, fuse.OK, unlink("main.txt"))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestDocumentDeletedDropsTempfiles(t *testing.T) {
	h := newHarness(t)
	id := h.reg.add(t, h.writeHostFile("main.txt", "m"), 0)
	docDir := h.walk(id)

	_, fh, status := h.create(docDir, "t", syscall.O_CREAT|syscall.O_WRONLY)
	require.Equal(t, fuse.OK, status)
	h.release(0, fh)
	require.Len(t, hostTempfiles(t, h.dir), 1)

	h.reg.remove(id)
	h.fs.DocumentDeleted(id)
	assert.Empty(t, hostTempfiles(t, h.dir))
	assert.Empty(t, tempfileNames(h.docRoot(docDir).dom))
}

func TestRenameFlagsInFileDocument(t *testing.T) {
	h := newHarness(t)
	id := h.reg.add(t, h.writeHostFile("main.txt", "m"), 0)
	docDir := h.walk(id)

	in := &fuse.RenameIn{InHeader: fuse.InHeader{NodeId: docDir}, Newdir: docDir, Flags: 2} // RENAME_EXCHANGE
	assert.Equal(t, fuse.EACCES, h.fs.Rename(nil, in, "main.txt", "x"))
	assert.Equal(t, fuse.OK, h.rename(docDir, "main.txt", docDir, "main.txt"))
}
