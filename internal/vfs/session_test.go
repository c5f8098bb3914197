package vfs

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/ajaxzhan/document-portal/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkFUSEAvailable skips tests that need a real mount.
func checkFUSEAvailable(t *testing.T) {
	t.Helper()

	if runtime.GOOS != "linux" {
		t.Skipf("skipping test: FUSE tests not supported on %s", runtime.GOOS)
	}
	if _, err := os.Stat("/dev/fuse"); os.IsNotExist(err) {
		t.Skip("skipping test: FUSE is not available (/dev/fuse not found)")
	}
}

func TestNewSession_InvalidMountPoint(t *testing.T) {
	_, err := NewSession(New(newFakeRegistry(), Options{}), &SessionConfig{})
	assert.ErrorIs(t, err, ErrInvalidMountPoint)
}

func TestPrepareMountPoint_CreatesDirectory(t *testing.T) {
	mnt := filepath.Join(t.TempDir(), "run", "doc")
	require.NoError(t, prepareMountPoint(mnt))

	info, err := os.Stat(mnt)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

// ============================================================================
// Integration Tests (require FUSE)
// ============================================================================

func TestSession_MountServesDocuments(t *testing.T) {
	checkFUSEAvailable(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	reg := newFakeRegistry()
	id := reg.add(t, path, 0)
	reg.set(id, testApp, types.PermRead)

	fs := New(reg, Options{})
	defer fs.Close()

	mnt := filepath.Join(dir, "doc")
	status := filepath.Join(dir, "status")
	session, err := NewSession(fs, &SessionConfig{MountPoint: mnt, StatusFile: status})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- session.Mount(ctx) }()

	require.Eventually(t, session.IsMounted, 5*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(filepath.Join(mnt, id, "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	data, err = os.ReadFile(filepath.Join(mnt, "by-app", testApp, id, "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	err = os.WriteFile(filepath.Join(mnt, "by-app", testApp, id, "report.txt"), []byte("x"), 0o644)
	assert.Error(t, err, "app has no write permission")

	_, err = os.Stat(filepath.Join(mnt, "by-app", "org.other.App", id))
	assert.True(t, os.IsNotExist(err))

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("unmount timed out")
	}
	assert.NoError(t, session.Err())

	got, err := os.ReadFile(status)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(got))
}
