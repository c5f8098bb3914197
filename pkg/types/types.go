// Package types defines the core domain types for the document portal.
package types

import (
	"fmt"
	"sort"
	"strings"
)

// Permissions is the bit set of rights an app holds on a document.
type Permissions uint32

const (
	PermRead             Permissions = 1 << 0 // Can read the document
	PermWrite            Permissions = 1 << 1 // Can modify the document
	PermGrantPermissions Permissions = 1 << 2 // Can pass its permissions on to other apps
	PermDelete           Permissions = 1 << 3 // Can delete the document
	PermNone             Permissions = 0
	PermAll                          = PermRead | PermWrite | PermGrantPermissions | PermDelete
)

var permNames = []struct {
	perm Permissions
	name string
}{
	{PermRead, "read"},
	{PermWrite, "write"},
	{PermGrantPermissions, "grant-permissions"},
	{PermDelete, "delete"},
}

// Has reports whether every bit of other is present in p.
func (p Permissions) Has(other Permissions) bool {
	return p&other == other
}

// Strings returns the wire names of the set bits, in bit order.
func (p Permissions) Strings() []string {
	out := make([]string, 0, len(permNames))
	for _, pn := range permNames {
		if p&pn.perm != 0 {
			out = append(out, pn.name)
		}
	}
	return out
}

func (p Permissions) String() string {
	if p == PermNone {
		return "none"
	}
	return strings.Join(p.Strings(), ",")
}

// ParsePermissions converts wire names into a bit set.
// Unknown names are rejected with an InvalidArgument error.
func ParsePermissions(names []string) (Permissions, error) {
	var p Permissions
	for _, name := range names {
		found := false
		for _, pn := range permNames {
			if pn.name == name {
				p |= pn.perm
				found = true
				break
			}
		}
		if !found {
			return PermNone, InvalidArgument(fmt.Sprintf("no such permission: %s", name))
		}
	}
	return p, nil
}

// PermissionsFromStrings is ParsePermissions for trusted input, such as
// values read back from the permission store. Unknown names are ignored.
func PermissionsFromStrings(names []string) Permissions {
	var p Permissions
	for _, name := range names {
		for _, pn := range permNames {
			if pn.name == name {
				p |= pn.perm
			}
		}
	}
	return p
}

// DocumentFlags are persisted with each document.
type DocumentFlags uint32

const (
	DocFlagUnique    DocumentFlags = 1 << 0 // Never reused for another registration
	DocFlagTransient DocumentFlags = 1 << 1 // Not persisted across restarts
	DocFlagDirectory DocumentFlags = 1 << 2 // Document is a directory
	DocFlagsAll                    = DocFlagUnique | DocFlagTransient | DocFlagDirectory
)

// AddFlags are accepted by the full registration calls.
type AddFlags uint32

const (
	AddReuseExisting AddFlags = 1 << 0
	AddPersistent    AddFlags = 1 << 1
	AddAsNeededByApp AddFlags = 1 << 2
	AddDirectory     AddFlags = 1 << 3
	AddFlagsAll               = AddReuseExisting | AddPersistent | AddAsNeededByApp | AddDirectory
)

// DocumentFlags converts registration flags into the stored document flags.
func (f AddFlags) DocumentFlags() DocumentFlags {
	var df DocumentFlags
	if f&AddReuseExisting == 0 {
		df |= DocFlagUnique
	}
	if f&AddPersistent == 0 {
		df |= DocFlagTransient
	}
	if f&AddDirectory != 0 {
		df |= DocFlagDirectory
	}
	return df
}

// Document is a registered host file or directory.
type Document struct {
	ID           string        `json:"id" cbor:"1,keyasint"`
	Path         string        `json:"path" cbor:"2,keyasint"`
	ParentDevice uint64        `json:"parent_device" cbor:"3,keyasint"`
	ParentInode  uint64        `json:"parent_inode" cbor:"4,keyasint"`
	Flags        DocumentFlags `json:"flags" cbor:"5,keyasint"`
}

// IsDirectory reports whether the document exposes a whole directory.
func (d *Document) IsDirectory() bool { return d.Flags&DocFlagDirectory != 0 }

// IsTransient reports whether the document must not be persisted.
func (d *Document) IsTransient() bool { return d.Flags&DocFlagTransient != 0 }

// IsUnique reports whether the document may not be reused.
func (d *Document) IsUnique() bool { return d.Flags&DocFlagUnique != 0 }

// DocumentInfo is the result of an Info call.
type DocumentInfo struct {
	Path        string              `json:"path" cbor:"1,keyasint"`
	Permissions map[string][]string `json:"permissions" cbor:"2,keyasint"`
}

// AppPermissions maps app ids to their permission names.
type AppPermissions map[string][]string

// Apps returns the app ids in sorted order.
func (ap AppPermissions) Apps() []string {
	apps := make([]string, 0, len(ap))
	for app := range ap {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	return apps
}

// Clone returns a deep copy.
func (ap AppPermissions) Clone() AppPermissions {
	if ap == nil {
		return nil
	}
	out := make(AppPermissions, len(ap))
	for app, perms := range ap {
		out[app] = append([]string(nil), perms...)
	}
	return out
}

// MaxAppIDLength is the longest accepted application id.
const MaxAppIDLength = 255

// ValidAppID reports whether name is a syntactically valid application id:
// at least two dot separated components of [A-Za-z0-9_], with '-' allowed
// only in the last component, at most 255 bytes, not starting with a dot.
func ValidAppID(name string) bool {
	if name == "" || len(name) > MaxAppIDLength || name[0] == '.' {
		return false
	}
	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return false
	}
	for i, part := range parts {
		if part == "" {
			return false
		}
		last := i == len(parts)-1
		for _, c := range part {
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			case c == '-' && last:
			default:
				return false
			}
		}
	}
	return true
}
