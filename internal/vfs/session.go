package vfs

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/ajaxzhan/document-portal/internal/logging"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// Errors for Session
var (
	ErrInvalidMountPoint   = errors.New("invalid mount point")
	ErrAlreadyMounted      = errors.New("session already mounted")
	ErrUnmountedExternally = errors.New("filesystem was unmounted externally")
)

// fuseSuperMagic is the statfs type of every FUSE mount.
const fuseSuperMagic = 0x65735546

// SessionConfig holds the configuration for mounting a PortalFS.
type SessionConfig struct {
	MountPoint    string
	Debug         bool
	AutoUnmount   bool
	MaxBackground int
	StatusFile    string // Receives "ok" once the event loop returns
}

// Session mounts a PortalFS and runs its kernel event loop.
type Session struct {
	config *SessionConfig
	fs     *PortalFS

	server     *fuse.Server
	mounted    atomic.Bool
	unmounting atomic.Bool
	done       chan struct{}

	mu  sync.Mutex
	err error
}

// NewSession creates a session for fs.
func NewSession(fs *PortalFS, config *SessionConfig) (*Session, error) {
	if config.MountPoint == "" {
		return nil, ErrInvalidMountPoint
	}
	return &Session{
		config: config,
		fs:     fs,
		done:   make(chan struct{}),
	}, nil
}

// Start mounts the filesystem and serves it in the background. It returns
// once the kernel has accepted the mount.
func (s *Session) Start() error {
	if s.server != nil {
		return ErrAlreadyMounted
	}
	if err := prepareMountPoint(s.config.MountPoint); err != nil {
		return err
	}
	raiseFileLimit()

	opts := &fuse.MountOptions{
		FsName:             "portal",
		Name:               "portal",
		Debug:              s.config.Debug,
		MaxBackground:      s.config.MaxBackground,
		EnableLocks:        true,
		DisableReadDirPlus: true,
	}
	if s.config.AutoUnmount {
		opts.Options = append(opts.Options, "auto_unmount")
	}

	server, err := fuse.NewServer(s.fs, s.config.MountPoint, opts)
	if err != nil {
		return err
	}
	s.server = server

	go s.serve()
	if err := server.WaitMount(); err != nil {
		s.Unmount()
		return err
	}
	s.fs.SetNotifier(server)
	s.mounted.Store(true)

	logging.Info("Document filesystem mounted", logging.String("mount_point", s.config.MountPoint),
		logging.Bool("auto_unmount", s.config.AutoUnmount))
	return nil
}

func (s *Session) serve() {
	s.server.Serve()

	s.mounted.Store(false)
	s.fs.SetNotifier(nil)
	if !s.unmounting.Load() {
		s.setErr(ErrUnmountedExternally)
		logging.Error("Document filesystem unmounted externally",
			logging.String("mount_point", s.config.MountPoint))
	}
	if s.config.StatusFile != "" {
		if err := os.WriteFile(s.config.StatusFile, []byte("ok"), 0o644); err != nil {
			logging.Warn("Failed to write fuse status", logging.Err(err))
		}
	}
	close(s.done)
}

// Mount mounts the filesystem. It blocks until the context is cancelled
// or the filesystem goes away.
func (s *Session) Mount(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		if err := s.Unmount(); err != nil {
			return err
		}
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

// Unmount stops the event loop and waits for it to exit.
func (s *Session) Unmount() error {
	if s.server == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	default:
	}
	s.unmounting.Store(true)

	s.fs.sessMu.Lock()
	err := s.server.Unmount()
	s.fs.sessMu.Unlock()
	if err != nil {
		return err
	}
	<-s.done
	return nil
}

// Done is closed when the event loop has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// IsMounted returns true if the filesystem is currently mounted.
func (s *Session) IsMounted() bool {
	return s.mounted.Load()
}

// Err returns ErrUnmountedExternally if the mount went away without
// Unmount being called.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// prepareMountPoint clears a stale mount left by a previous instance and
// creates the directory.
func prepareMountPoint(path string) error {
	var st unix.Statfs_t
	err := unix.Statfs(path, &st)
	if errors.Is(err, unix.ENOTCONN) || (err == nil && st.Type == fuseSuperMagic) {
		logging.Warn("Removing stale mount", logging.String("mount_point", path))
		if err := unmountStale(path); err != nil {
			return err
		}
	}
	return os.MkdirAll(path, 0o700)
}

func unmountStale(path string) error {
	if err := unix.Unmount(path, unix.MNT_DETACH); err == nil {
		return nil
	}
	var lastErr error
	for _, helper := range []string{"fusermount3", "fusermount"} {
		out, err := exec.Command(helper, "-u", "-z", path).CombinedOutput()
		if err == nil {
			return nil
		}
		lastErr = errors.New(helper + ": " + string(out))
	}
	return lastErr
}

// raiseFileLimit lifts the open file limit to its hard maximum. Every
// physical inode holds a handle.
func raiseFileLimit() {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return
	}
	if lim.Cur >= lim.Max {
		return
	}
	lim.Cur = lim.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		logging.Warn("Failed to raise open file limit", logging.Err(err))
	}
}
