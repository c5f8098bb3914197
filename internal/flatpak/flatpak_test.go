package flatpak

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleInfo = `[Application]
name=org.example.Editor
runtime=runtime/org.gnome.Platform/x86_64/46

[Context]
shared=network;ipc;
filesystems=xdg-documents;~/Projects:ro;
`

func TestAppIDFromInfo(t *testing.T) {
	id, err := AppIDFromInfo([]byte(sampleInfo))
	require.NoError(t, err)
	assert.Equal(t, "org.example.Editor", id)

	_, err = AppIDFromInfo([]byte("[Runtime]\nname=org.gnome.Platform\n"))
	assert.Error(t, err)
}

func TestAppResolver(t *testing.T) {
	proc := t.TempDir()

	sandboxed := filepath.Join(proc, "42", "root")
	require.NoError(t, os.MkdirAll(sandboxed, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sandboxed, InfoFile), []byte(sampleInfo), 0644))

	host := filepath.Join(proc, "7", "root")
	require.NoError(t, os.MkdirAll(host, 0755))

	r := &AppResolver{ProcDir: proc}

	id, err := r.AppIDForPID(42)
	require.NoError(t, err)
	assert.Equal(t, "org.example.Editor", id)

	id, err = r.AppIDForPID(7)
	require.NoError(t, err)
	assert.Equal(t, "", id)

	_, err = r.AppIDForPID(99)
	assert.Error(t, err, "vanished processes must not be treated as the host")

	_, err = r.AppIDForPID(0)
	assert.Error(t, err)
}

func writeMetadata(t *testing.T, inst, app, filesystems string) {
	t.Helper()
	dir := filepath.Join(inst, "app", app, "current", "active")
	require.NoError(t, os.MkdirAll(dir, 0755))
	content := "[Application]\nname=" + app + "\n\n[Context]\nfilesystems=" + filesystems + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata"), []byte(content), 0644))
}

func TestHostAccess(t *testing.T) {
	inst := t.TempDir()
	writeMetadata(t, inst, "org.example.Editor", "xdg-documents;~/Projects:ro;!~/Projects/secret;/srv/data;")
	writeMetadata(t, inst, "org.example.Host", "host;")

	h := &HostAccess{Installations: []string{inst}, Home: "/home/u"}

	tests := []struct {
		app      string
		path     string
		writable bool
		want     bool
	}{
		{"org.example.Editor", "/home/u/Documents/a.txt", true, true},
		{"org.example.Editor", "/home/u/Projects/x/main.go", false, true},
		{"org.example.Editor", "/home/u/Projects/x/main.go", true, false},
		{"org.example.Editor", "/home/u/Projects/secret/key", false, false},
		{"org.example.Editor", "/srv/data/f", true, true},
		{"org.example.Editor", "/srv/database", false, false},
		{"org.example.Editor", "/home/u/Music/song.ogg", false, false},
		{"org.example.Host", "/home/u/anything", true, true},
		{"org.example.Host", "/etc/passwd", false, false},
		{"org.example.Missing", "/home/u/Documents/a.txt", false, false},
		{"", "/etc/passwd", true, true},
	}
	for _, tt := range tests {
		got := h.CanAccess(tt.app, tt.path, tt.writable)
		assert.Equal(t, tt.want, got, "%s %s writable=%v", tt.app, tt.path, tt.writable)
	}
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList("a; b;;"))
	assert.Nil(t, splitList(""))
}
