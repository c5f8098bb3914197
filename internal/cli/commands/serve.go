package commands

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ajaxzhan/document-portal/internal/config"
	"github.com/ajaxzhan/document-portal/internal/document"
	"github.com/ajaxzhan/document-portal/internal/flatpak"
	"github.com/ajaxzhan/document-portal/internal/logging"
	"github.com/ajaxzhan/document-portal/internal/permstore"
	"github.com/ajaxzhan/document-portal/internal/server"
	"github.com/ajaxzhan/document-portal/internal/vfs"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	httpAddr   string
	dataDir    string
	mountPoint string
	logLevel   string
	debugFuse  bool
}

func newServeCmd(g *globalOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the portal daemon",
		Long: `Mount the document filesystem and serve the Documents and PermissionStore
services on the portal socket. The daemon exits when the filesystem is
unmounted from outside.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			opts.apply(cmd, cfg)
			if err := cfg.Resolve(); err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().StringVar(&opts.httpAddr, "http-addr", "", "REST gateway and metrics address (overrides config)")
	cmd.Flags().StringVar(&opts.dataDir, "data-dir", "", "Permission store directory (overrides config)")
	cmd.Flags().StringVar(&opts.mountPoint, "mount-point", "", "Document filesystem mount point (overrides config)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	cmd.Flags().BoolVar(&opts.debugFuse, "debug-fuse", false, "Log every FUSE request")
	return cmd
}

// apply copies explicitly set flags over the config values.
func (o *serveOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	if o.httpAddr != "" {
		cfg.Server.HTTPAddr = o.httpAddr
	}
	if o.dataDir != "" {
		cfg.Storage.DataDir = o.dataDir
	}
	if o.mountPoint != "" {
		cfg.Storage.MountPoint = o.mountPoint
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if cmd.Flags().Changed("debug-fuse") {
		cfg.Fuse.Debug = o.debugFuse
	}
}

func runServe(cfg *config.Config) error {
	if err := logging.Init(&logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	}); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Sync()

	logging.Info("Starting document portal...",
		logging.String("socket", cfg.Server.SocketPath),
		logging.String("http_addr", cfg.Server.HTTPAddr),
		logging.String("data_dir", cfg.Storage.DataDir),
		logging.String("mount_point", cfg.Storage.MountPoint),
	)

	store, err := permstore.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open permission store: %w", err)
	}
	defer store.Close()

	access := flatpak.NewHostAccess(cfg.Flatpak.Installations)
	reg, err := document.NewRegistry(store, cfg.Storage.MountPoint, access)
	if err != nil {
		return err
	}
	logging.Info("Document registry loaded", logging.Int("documents", len(reg.DocumentIDs())))

	fs := vfs.New(reg, vfs.Options{
		VirtualTTL:      cfg.Fuse.GetVirtualTTL(),
		InvalidateDelay: cfg.Fuse.GetInvalidateDelay(),
	})
	reg.SetInvalidator(fs)
	defer fs.Close()

	sess, err := vfs.NewSession(fs, &vfs.SessionConfig{
		MountPoint:    cfg.Storage.MountPoint,
		Debug:         cfg.Fuse.Debug,
		AutoUnmount:   cfg.Fuse.AutoUnmount,
		MaxBackground: cfg.Fuse.MaxBackground,
		StatusFile:    cfg.Fuse.StatusFile,
	})
	if err != nil {
		return err
	}
	if err := sess.Start(); err != nil {
		return fmt.Errorf("failed to mount document filesystem: %w", err)
	}

	srv, err := server.New(&server.Config{
		SocketPath: cfg.Server.SocketPath,
		HTTPAddr:   cfg.Server.HTTPAddr,
	}, reg, nil)
	if err != nil {
		sess.Unmount()
		return err
	}

	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.StartWithGateway() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		logging.Info("Shutting down...", logging.String("signal", sig.String()))
	case <-sess.Done():
		// nothing can be served without the mount
		runErr = sess.Err()
		if runErr == nil {
			runErr = vfs.ErrUnmountedExternally
		}
		logging.Error("Document filesystem went away", logging.Err(runErr))
	case err := <-srvErr:
		runErr = err
		if runErr == nil {
			runErr = errors.New("server stopped unexpectedly")
		}
		logging.Error("Server failed", logging.Err(runErr))
	}

	srv.Stop()
	if err := sess.Unmount(); err != nil {
		logging.Warn("Failed to unmount document filesystem", logging.Err(err))
	}
	logging.Info("Document portal stopped")
	return runErr
}
