package vfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/ajaxzhan/document-portal/pkg/types"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/require"
)

// fakeRegistry is an in-memory Registry.
type fakeRegistry struct {
	mu    sync.Mutex
	next  int
	docs  map[string]*types.Document
	perms map[string]map[string]types.Permissions
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		docs:  make(map[string]*types.Document),
		perms: make(map[string]map[string]types.Permissions),
	}
}

func (r *fakeRegistry) add(t *testing.T, path string, flags types.DocumentFlags) string {
	t.Helper()
	var st syscall.Stat_t
	require.NoError(t, syscall.Stat(filepath.Dir(path), &st))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := fmt.Sprintf("d%05x", r.next)
	r.docs[id] = &types.Document{
		ID:           id,
		Path:         path,
		ParentDevice: uint64(st.Dev),
		ParentInode:  st.Ino,
		Flags:        flags,
	}
	r.perms[id] = make(map[string]types.Permissions)
	return id
}

func (r *fakeRegistry) set(id, app string, perms types.Permissions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if perms == types.PermNone {
		delete(r.perms[id], app)
		return
	}
	r.perms[id][app] = perms
}

func (r *fakeRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, id)
	delete(r.perms, id)
}

func (r *fakeRegistry) Document(id string) (*types.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, types.ErrDocumentNotFound
	}
	return doc, nil
}

func (r *fakeRegistry) Permissions(id, app string) types.Permissions {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[id]; !ok {
		return types.PermNone
	}
	if app == "" {
		return types.PermAll
	}
	return r.perms[id][app]
}

func (r *fakeRegistry) DocumentIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id := range r.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *fakeRegistry) DocumentsForApp(app string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, perms := range r.perms {
		if perms[app].Has(types.PermRead) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *fakeRegistry) Apps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	var apps []string
	for _, perms := range r.perms {
		for app := range perms {
			if !seen[app] {
				seen[app] = true
				apps = append(apps, app)
			}
		}
	}
	sort.Strings(apps)
	return apps
}

// fakeNotifier records entry invalidations.
type fakeNotifier struct {
	mu      sync.Mutex
	entries []invalidation
}

func (n *fakeNotifier) EntryNotify(parent uint64, name string) fuse.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = append(n.entries, invalidation{parent: parent, name: name})
	return fuse.OK
}

func (n *fakeNotifier) has(parent uint64, name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.entries {
		if e.parent == parent && e.name == name {
			return true
		}
	}
	return false
}

type harness struct {
	t        *testing.T
	fs       *PortalFS
	reg      *fakeRegistry
	notifier *fakeNotifier
	dir      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := newFakeRegistry()
	fs := New(reg, Options{InvalidateDelay: time.Millisecond})
	notifier := &fakeNotifier{}
	fs.SetNotifier(notifier)
	h := &harness{t: t, fs: fs, reg: reg, notifier: notifier, dir: t.TempDir()}
	t.Cleanup(fs.Close)
	return h
}

// writeHostFile creates a file below the harness directory.
func (h *harness) writeHostFile(rel, content string) string {
	h.t.Helper()
	path := filepath.Join(h.dir, rel)
	require.NoError(h.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(h.t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (h *harness) lookup(parent uint64, name string) (uint64, fuse.Status) {
	var out fuse.EntryOut
	status := h.fs.Lookup(nil, &fuse.InHeader{NodeId: parent}, name, &out)
	return out.NodeId, status
}

// walk looks up each name in turn from the root.
func (h *harness) walk(names ...string) uint64 {
	h.t.Helper()
	ino := uint64(fuse.FUSE_ROOT_ID)
	for _, name := range names {
		next, status := h.lookup(ino, name)
		require.Equal(h.t, fuse.OK, status, "lookup %q", name)
		ino = next
	}
	return ino
}

func (h *harness) attr(ino uint64) fuse.Attr {
	h.t.Helper()
	var out fuse.AttrOut
	require.Equal(h.t, fuse.OK, h.fs.GetAttr(nil, &fuse.GetAttrIn{InHeader: fuse.InHeader{NodeId: ino}}, &out))
	return out.Attr
}

func (h *harness) open(ino uint64, flags uint32) (uint64, fuse.Status) {
	var out fuse.OpenOut
	status := h.fs.Open(nil, &fuse.OpenIn{InHeader: fuse.InHeader{NodeId: ino}, Flags: flags}, &out)
	return out.Fh, status
}

func (h *harness) release(ino, fh uint64) {
	h.fs.Release(nil, &fuse.ReleaseIn{InHeader: fuse.InHeader{NodeId: ino}, Fh: fh})
}

func (h *harness) read(ino uint64) string {
	h.t.Helper()
	fh, status := h.open(ino, syscall.O_RDONLY)
	require.Equal(h.t, fuse.OK, status)
	defer h.release(ino, fh)

	buf := make([]byte, 4096)
	res, status := h.fs.Read(nil, &fuse.ReadIn{InHeader: fuse.InHeader{NodeId: ino}, Fh: fh, Size: uint32(len(buf))}, buf)
	require.Equal(h.t, fuse.OK, status)
	data, status := res.Bytes(buf)
	require.Equal(h.t, fuse.OK, status)
	return string(data)
}

func (h *harness) write(ino, fh uint64, data string) fuse.Status {
	_, status := h.fs.Write(nil, &fuse.WriteIn{InHeader: fuse.InHeader{NodeId: ino}, Fh: fh}, []byte(data))
	return status
}

func (h *harness) create(parent uint64, name string, flags uint32) (uint64, uint64, fuse.Status) {
	var out fuse.CreateOut
	status := h.fs.Create(nil, &fuse.CreateIn{InHeader: fuse.InHeader{NodeId: parent}, Flags: flags, Mode: 0o644}, name, &out)
	return out.NodeId, out.Fh, status
}

func (h *harness) rename(oldParent uint64, oldName string, newParent uint64, newName string) fuse.Status {
	return h.fs.Rename(nil, &fuse.RenameIn{InHeader: fuse.InHeader{NodeId: oldParent}, Newdir: newParent}, oldName, newName)
}

func (h *harness) names(ino uint64) []string {
	h.t.Helper()
	n := h.fs.graph.get(ino)
	require.NotNil(h.t, n)
	defer h.fs.graph.unref(n)
	entries, err := h.fs.listDir(n)
	require.NoError(h.t, err)
	var names []string
	for _, e := range entries[2:] {
		names = append(names, e.Name)
	}
	return names
}
