package flatpak

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/ajaxzhan/document-portal/internal/logging"
)

// hostReserved are host paths the "host" filesystem permission never
// exposes to a sandbox.
var hostReserved = []string{
	"/app", "/bin", "/dev", "/etc", "/lib", "/lib32", "/lib64",
	"/proc", "/run/flatpak", "/sbin", "/sys", "/usr",
}

// xdgDirs maps the xdg-* filesystem tokens onto home subdirectories.
var xdgDirs = map[string]string{
	"xdg-desktop":      "Desktop",
	"xdg-documents":    "Documents",
	"xdg-download":     "Downloads",
	"xdg-music":        "Music",
	"xdg-pictures":     "Pictures",
	"xdg-public-share": "Public",
	"xdg-templates":    "Templates",
	"xdg-videos":       "Videos",
	"xdg-config":       ".config",
	"xdg-cache":        ".cache",
	"xdg-data":         ".local/share",
}

type accessMode int

const (
	accessNone accessMode = iota
	accessRead
	accessWrite
)

type fsRule struct {
	prefix string
	mode   accessMode
	host   bool
}

// HostAccess answers whether an installed app already has direct access to
// a host path through its static filesystem permissions.
type HostAccess struct {
	// Installations are flatpak installation roots such as /var/lib/flatpak.
	Installations []string
	// Home is the user's home directory used to expand home relative rules.
	Home string
}

// NewHostAccess returns a checker for the given installations and the
// current user's home directory.
func NewHostAccess(installations []string) *HostAccess {
	home, _ := os.UserHomeDir()
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		installations = append(installations, filepath.Join(dataHome, "flatpak"))
	} else if home != "" {
		installations = append(installations, filepath.Join(home, ".local/share/flatpak"))
	}
	return &HostAccess{Installations: installations, Home: home}
}

// metadataPath locates the active metadata of an app, or "".
func (h *HostAccess) metadataPath(appID string) string {
	for _, inst := range h.Installations {
		p := filepath.Join(inst, "app", appID, "current", "active", "metadata")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Filesystems returns the [Context] filesystems entries of an app.
func (h *HostAccess) Filesystems(appID string) []string {
	p := h.metadataPath(appID)
	if p == "" {
		return nil
	}
	kf, err := LoadKeyfile(p)
	if err != nil {
		logging.Warn("Failed to parse app metadata", logging.App(appID), logging.Err(err))
		return nil
	}
	return splitList(kf.Section(groupContext).Key(keyFilesystems).String())
}

// CanAccess reports whether appID can reach path directly, with write
// access when writable is set.
func (h *HostAccess) CanAccess(appID, path string, writable bool) bool {
	if appID == "" {
		return true
	}
	return h.allows(h.Filesystems(appID), path, writable)
}

func (h *HostAccess) allows(entries []string, path string, writable bool) bool {
	path = filepath.Clean(path)

	rules := h.parseRules(entries)
	best := -1
	for i, r := range rules {
		if !under(path, r.prefix) {
			continue
		}
		if r.host && isReserved(path) {
			continue
		}
		// Longest prefix wins; later entries win ties
		if best < 0 || len(r.prefix) >= len(rules[best].prefix) {
			best = i
		}
	}
	if best < 0 {
		return false
	}
	mode := rules[best].mode
	if writable {
		return mode == accessWrite
	}
	return mode >= accessRead
}

func (h *HostAccess) parseRules(entries []string) []fsRule {
	var rules []fsRule
	for _, entry := range entries {
		mode := accessWrite
		if strings.HasPrefix(entry, "!") {
			mode = accessNone
			entry = entry[1:]
		}
		if i := strings.LastIndexByte(entry, ':'); i >= 0 {
			switch entry[i+1:] {
			case "ro":
				if mode != accessNone {
					mode = accessRead
				}
			case "rw", "create":
			default:
				continue
			}
			entry = entry[:i]
		}

		rule := fsRule{mode: mode}
		switch {
		case entry == "host":
			rule.prefix = "/"
			rule.host = true
		case entry == "home" || entry == "~":
			rule.prefix = h.Home
		case strings.HasPrefix(entry, "~/"):
			rule.prefix = filepath.Join(h.Home, entry[2:])
		case strings.HasPrefix(entry, "/"):
			rule.prefix = filepath.Clean(entry)
		default:
			name, rest, _ := strings.Cut(entry, "/")
			sub, ok := xdgDirs[name]
			if !ok {
				continue
			}
			rule.prefix = filepath.Join(h.Home, sub, rest)
		}
		if rule.prefix == "" {
			continue
		}
		rules = append(rules, rule)
	}
	return rules
}

func under(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func isReserved(path string) bool {
	for _, r := range hostReserved {
		if under(path, r) {
			return true
		}
	}
	return false
}
