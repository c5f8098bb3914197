package permstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ajaxzhan/document-portal/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "db")
	s, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func TestStore_SetAndLookup(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	perms := types.AppPermissions{"com.example.App": {"read", "write"}}
	require.NoError(t, s.Set(ctx, "documents", true, "abc", perms, []byte("value")))

	e, err := s.Lookup("documents", "abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), e.Data)
	assert.Equal(t, []string{"read", "write"}, e.Permissions["com.example.App"])

	// Returned entries are copies
	e.Permissions["com.example.App"][0] = "delete"
	again, _ := s.Lookup("documents", "abc")
	assert.Equal(t, "read", again.Permissions["com.example.App"][0])
}

func TestStore_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Lookup("documents", "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, types.KindNotFound, types.KindOf(err))

	_, err = s.GetPermission("documents", "missing", "com.example.App")
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.True(t, errors.Is(s.Set(ctx, "documents", false, "missing", nil, nil), ErrNotFound))
	assert.True(t, errors.Is(s.SetValue(ctx, "documents", false, "missing", nil), ErrNotFound))
	assert.True(t, errors.Is(s.SetPermission(ctx, "documents", false, "missing", "a.b", []string{"read"}), ErrNotFound))
	assert.True(t, errors.Is(s.DeletePermission(ctx, "documents", "missing", "a.b"), ErrNotFound))
	assert.True(t, errors.Is(s.Delete(ctx, "documents", "missing"), ErrNotFound))
}

func TestStore_SetPermissionAndDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetPermission(ctx, "devices", true, "camera", "org.app.One", []string{"yes"}))
	require.NoError(t, s.SetPermission(ctx, "devices", false, "camera", "org.app.Two", []string{"no"}))

	perms, err := s.GetPermission("devices", "camera", "org.app.One")
	require.NoError(t, err)
	assert.Equal(t, []string{"yes"}, perms)

	perms, err = s.GetPermission("devices", "camera", "org.app.None")
	require.NoError(t, err)
	assert.Empty(t, perms)

	require.NoError(t, s.DeletePermission(ctx, "devices", "camera", "org.app.One"))
	e, err := s.Lookup("devices", "camera")
	require.NoError(t, err)
	_, ok := e.Permissions["org.app.One"]
	assert.False(t, ok)

	require.NoError(t, s.SetValue(ctx, "devices", false, "camera", []byte{1, 2}))
	e, _ = s.Lookup("devices", "camera")
	assert.Equal(t, []byte{1, 2}, e.Data)
	assert.Equal(t, []string{"no"}, e.Permissions["org.app.Two"])

	ids, err := s.List("devices")
	require.NoError(t, err)
	assert.Equal(t, []string{"camera"}, ids)

	require.NoError(t, s.Delete(ctx, "devices", "camera"))
	ids, _ = s.List("devices")
	assert.Empty(t, ids)
}

func TestStore_Persistence(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	ctx := context.Background()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "documents", true, "a1", types.AppPermissions{"": {"read"}}, []byte("one")))
	require.NoError(t, s.Put(ctx, "documents", true, "t1", Entry{Data: []byte("tmp"), Transient: true}))
	require.NoError(t, s.Close())

	_, err = os.Stat(filepath.Join(dir, "documents"))
	require.NoError(t, err, "table file should exist after a Set returns")

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	e, err := s2.Lookup("documents", "a1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), e.Data)

	_, err = s2.Lookup("documents", "t1")
	assert.True(t, errors.Is(err, ErrNotFound), "transient entries must not survive a restart")
}

func TestStore_SingleInstance(t *testing.T) {
	_, dir := newTestStore(t)

	_, err := Open(dir)
	assert.Error(t, err)
}

func TestStore_InvalidTableName(t *testing.T) {
	s, _ := newTestStore(t)

	for _, name := range []string{"", "..", "a/b", ".lock"} {
		_, err := s.List(name)
		assert.Equal(t, types.KindInvalidArgument, types.KindOf(err), "table %q", name)
	}
}

func TestStore_ChangedIsSynchronous(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var changes []Change
	cancel := s.Subscribe(func(c Change) {
		// The in-memory image already reflects the change
		_, err := s.Lookup(c.Table, c.ID)
		mu.Lock()
		defer mu.Unlock()
		if c.Deleted {
			assert.True(t, errors.Is(err, ErrNotFound))
		} else {
			assert.NoError(t, err)
		}
		changes = append(changes, c)
	})

	require.NoError(t, s.SetPermission(ctx, "documents", true, "x", "org.a.B", []string{"read"}))
	require.NoError(t, s.Delete(ctx, "documents", "x"))
	cancel()
	require.NoError(t, s.SetPermission(ctx, "documents", true, "y", "org.a.B", []string{"read"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 2)
	assert.False(t, changes[0].Deleted)
	assert.Equal(t, []string{"read"}, changes[0].Permissions["org.a.B"])
	assert.True(t, changes[1].Deleted)
}

func TestStore_ConcurrentWritesCoalesce(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a'+i%26)) + string(rune('a'+i/26))
			assert.NoError(t, s.SetValue(ctx, "documents", true, id, []byte{byte(i)}))
		}(i)
	}
	wg.Wait()

	ids, err := s.List("documents")
	require.NoError(t, err)
	assert.Len(t, ids, 50)

	require.NoError(t, s.Close())
	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()
	ids, err = s2.List("documents")
	require.NoError(t, err)
	assert.Len(t, ids, 50)
}

func TestStore_ChangesFollowMutationOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var last []byte
	s.Subscribe(func(c Change) {
		mu.Lock()
		last = c.Data
		mu.Unlock()
	})

	for round := 0; round < 20; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, s.SetValue(ctx, "devices", true, "camera", []byte{byte(round), byte(i)}))
			}(i)
		}
		wg.Wait()

		e, err := s.Lookup("devices", "camera")
		require.NoError(t, err)
		mu.Lock()
		assert.Equal(t, e.Data, last, "round %d: last announced value differs from stored value", round)
		mu.Unlock()
	}
}

func TestStore_TableFileReplacedAtomically(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetValue(ctx, "documents", true, "a", []byte("one")))
	require.NoError(t, s.SetValue(ctx, "documents", true, "a", []byte("two")))

	st, err := os.Stat(filepath.Join(dir, "documents"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), st.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"documents", lockFileName}, names)
}

func TestStore_ClosedRejectsMutations(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Close())

	err := s.SetValue(context.Background(), "documents", true, "a", nil)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestStore_CorruptTable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	require.NoError(t, os.MkdirAll(dir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "documents"), []byte{0xff, 0x00, 0x13}, 0600))

	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	assert.Error(t, s.Load("documents"))
}
