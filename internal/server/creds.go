package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/ajaxzhan/document-portal/internal/flatpak"
	"github.com/ajaxzhan/document-portal/pkg/types"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
)

const peerCredAuthType = "peercred"

// PeerAuthInfo holds the kernel credentials of the connecting process.
type PeerAuthInfo struct {
	credentials.CommonAuthInfo
	PID int32
	UID uint32
	GID uint32
}

// AuthType implements credentials.AuthInfo.
func (PeerAuthInfo) AuthType() string { return peerCredAuthType }

// PeerCredentials are transport credentials for unix sockets that record
// SO_PEERCRED of every accepted connection. They add no encryption.
type PeerCredentials struct{}

func peerCred(conn net.Conn) (*unix.Ucred, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("peer credentials need a unix socket, got %T", conn)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, err
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, err
	}
	if credErr != nil {
		return nil, fmt.Errorf("failed to read peer credentials: %w", credErr)
	}
	return cred, nil
}

func authInfoFor(cred *unix.Ucred) PeerAuthInfo {
	return PeerAuthInfo{
		CommonAuthInfo: credentials.CommonAuthInfo{SecurityLevel: credentials.PrivacyAndIntegrity},
		PID:            cred.Pid,
		UID:            cred.Uid,
		GID:            cred.Gid,
	}
}

// ServerHandshake implements credentials.TransportCredentials.
func (PeerCredentials) ServerHandshake(conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	cred, err := peerCred(conn)
	if err != nil {
		return nil, nil, err
	}
	return conn, authInfoFor(cred), nil
}

// ClientHandshake implements credentials.TransportCredentials.
func (PeerCredentials) ClientHandshake(_ context.Context, _ string, conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	cred, err := peerCred(conn)
	if err != nil {
		return nil, nil, err
	}
	return conn, authInfoFor(cred), nil
}

// Info implements credentials.TransportCredentials.
func (PeerCredentials) Info() credentials.ProtocolInfo {
	return credentials.ProtocolInfo{SecurityProtocol: peerCredAuthType}
}

// Clone implements credentials.TransportCredentials.
func (PeerCredentials) Clone() credentials.TransportCredentials { return PeerCredentials{} }

// OverrideServerName implements credentials.TransportCredentials.
func (PeerCredentials) OverrideServerName(string) error { return nil }

// =============================================================================
// Caller identification
// =============================================================================

// Caller is the process behind a request.
type Caller struct {
	PID int
	// AppID is empty for unsandboxed callers.
	AppID string
	// Root is the directory through which the caller's view of the
	// filesystem is reachable; request paths resolve inside it.
	Root string
}

// IsHost reports whether the caller runs outside any sandbox.
func (c *Caller) IsHost() bool { return c.AppID == "" }

// Identifier determines the caller of an RPC.
type Identifier interface {
	Identify(ctx context.Context) (*Caller, error)
}

// PeerIdentifier identifies callers by their peer credentials and
// .flatpak-info. Only processes of the owning user are served.
type PeerIdentifier struct {
	Apps *flatpak.AppResolver
	UID  uint32
}

// NewPeerIdentifier serves the current user.
func NewPeerIdentifier() *PeerIdentifier {
	return &PeerIdentifier{Apps: flatpak.NewAppResolver(), UID: uint32(os.Getuid())}
}

// Identify implements Identifier.
func (p *PeerIdentifier) Identify(ctx context.Context) (*Caller, error) {
	pr, ok := peer.FromContext(ctx)
	if !ok {
		return nil, types.NotAllowed("unidentified peer")
	}
	info, ok := pr.AuthInfo.(PeerAuthInfo)
	if !ok {
		return nil, types.NotAllowed("peer credentials unavailable")
	}
	if info.UID != p.UID {
		return nil, types.NotAllowed(fmt.Sprintf("uid %d may not use this portal", info.UID))
	}
	app, err := p.Apps.AppIDForPID(int(info.PID))
	if err != nil {
		return nil, types.Failed("identify caller", err)
	}
	return &Caller{
		PID:   int(info.PID),
		AppID: app,
		Root:  p.Apps.RootForPID(int(info.PID)),
	}, nil
}

type callerKey struct{}

// WithCaller attaches a caller to ctx, bypassing the Identifier. Only
// in-process paths such as the REST gateway use it.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func callerFromContext(ctx context.Context) (*Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(*Caller)
	return c, ok
}

// =============================================================================
// Path handles
// =============================================================================

// openInRoot opens path as seen by a process whose root is root. Symlinks
// cannot escape root.
func openInRoot(root, path string, flags int) (int, error) {
	if !filepath.IsAbs(path) {
		return -1, types.InvalidArgumentf("path must be absolute: %q", path)
	}
	rootFd, err := unix.Open(root, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, types.Failed("open caller root", err)
	}
	defer unix.Close(rootFd)

	rel := strings.TrimPrefix(filepath.Clean(path), "/")
	if rel == "" {
		rel = "."
	}
	fd, err := unix.Openat2(rootFd, rel, &unix.OpenHow{
		Flags:   uint64(flags | unix.O_CLOEXEC),
		Resolve: unix.RESOLVE_IN_ROOT | unix.RESOLVE_NO_MAGICLINKS,
	})
	if err != nil {
		return -1, types.InvalidArgumentf("cannot open %s: %v", path, err)
	}
	return fd, nil
}

// reopen upgrades an O_PATH handle to a real open with flags.
func reopen(fd int, flags int) (int, error) {
	return unix.Open(fmt.Sprintf("/proc/self/fd/%d", fd), flags|unix.O_CLOEXEC|unix.O_NOCTTY, 0)
}

// openHandle opens path for registration. The handle carries write access
// only when writable is requested and the caller can actually write, so
// the registry grants write exactly when the caller has it.
func openHandle(c *Caller, path string, writable bool) (int, error) {
	fd, err := openInRoot(c.Root, path, unix.O_PATH)
	if err != nil {
		return -1, err
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return -1, types.Failed("stat handle", err)
	}

	var flags int
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		flags = unix.O_RDONLY
		if writable {
			flags = unix.O_RDWR
		}
	case unix.S_IFDIR:
		if writable {
			// O_PATH directories are writable when access(2) says so
			return fd, nil
		}
		flags = unix.O_RDONLY | unix.O_DIRECTORY
	default:
		// rejected later with a proper message
		return fd, nil
	}

	rfd, err := reopen(fd, flags)
	if err != nil && writable && readOnlyFallback(err) {
		rfd, err = reopen(fd, unix.O_RDONLY)
	}
	unix.Close(fd)
	if err != nil {
		return -1, types.InvalidArgumentf("cannot open %s: %v", path, err)
	}
	return rfd, nil
}

// readOnlyFallback reports whether a failed writable open may still be
// registered read-only: the file is not writable by the caller or sits on a
// read-only mount.
func readOnlyFallback(err error) bool {
	return errors.Is(err, unix.EACCES) || errors.Is(err, unix.EROFS)
}

// openHandles opens every path, closing what was opened on failure.
func openHandles(c *Caller, paths []string, writable bool) ([]int, error) {
	fds := make([]int, 0, len(paths))
	for _, p := range paths {
		fd, err := openHandle(c, p, writable)
		if err != nil {
			closeAll(fds)
			return nil, err
		}
		fds = append(fds, fd)
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
