// Package flatpak reads the keyfiles that describe sandboxed applications:
// the .flatpak-info file inside a running sandbox and the metadata file of
// an installed application.
package flatpak

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

const (
	// InfoFile is the keyfile flatpak places at the root of every sandbox.
	InfoFile = ".flatpak-info"

	groupApplication = "Application"
	groupContext     = "Context"
	keyName          = "name"
	keyFilesystems   = "filesystems"
)

// loadOptions keeps ';' separated list values intact.
var loadOptions = ini.LoadOptions{
	IgnoreInlineComment:     true,
	AllowBooleanKeys:        true,
	SkipUnrecognizableLines: true,
}

// LoadKeyfile parses a keyfile from a path or raw bytes.
func LoadKeyfile(source interface{}) (*ini.File, error) {
	return ini.LoadSources(loadOptions, source)
}

// splitList splits a keyfile list value.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ";") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// AppResolver maps process ids to application ids.
type AppResolver struct {
	// ProcDir is the proc filesystem root, normally /proc.
	ProcDir string
}

// NewAppResolver returns a resolver reading the real /proc.
func NewAppResolver() *AppResolver {
	return &AppResolver{ProcDir: "/proc"}
}

// AppIDForPID returns the application id of the sandbox pid runs in, or
// the empty string for unsandboxed processes.
func (r *AppResolver) AppIDForPID(pid int) (string, error) {
	if pid <= 0 {
		return "", fmt.Errorf("invalid pid %d", pid)
	}
	root := filepath.Join(r.ProcDir, strconv.Itoa(pid), "root")

	path := filepath.Join(root, InfoFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// The root itself must be readable, or the caller may have exited
			if _, serr := os.Stat(root); serr != nil {
				return "", fmt.Errorf("failed to inspect process %d: %w", pid, serr)
			}
			return "", nil
		}
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	return AppIDFromInfo(data)
}

// AppIDFromInfo extracts the application id from .flatpak-info contents.
func AppIDFromInfo(data []byte) (string, error) {
	kf, err := LoadKeyfile(data)
	if err != nil {
		return "", fmt.Errorf("failed to parse %s: %w", InfoFile, err)
	}
	name := kf.Section(groupApplication).Key(keyName).String()
	if name == "" {
		return "", fmt.Errorf("%s has no application name", InfoFile)
	}
	return name, nil
}

// RootForPID returns the directory through which pid's view of the
// filesystem is reachable.
func (r *AppResolver) RootForPID(pid int) string {
	return filepath.Join(r.ProcDir, strconv.Itoa(pid), "root")
}
