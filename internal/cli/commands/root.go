// Package commands implements the document-portal command line: the
// serve daemon and client commands talking to its socket.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ajaxzhan/document-portal/internal/config"
	"github.com/ajaxzhan/document-portal/internal/server"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

// SetVersion sets the version info for --version.
func SetVersion(v, c string) {
	version = v
	commit = c
}

// callTimeout bounds a single client command.
const callTimeout = 30 * time.Second

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	socketPath string
}

// loadConfig reads the config file and applies the persistent overrides.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.socketPath != "" {
		cfg.Server.SocketPath = o.socketPath
	}
	return cfg, nil
}

// dial connects to the running portal.
func (o *globalOptions) dial() (*server.Client, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Resolve(); err != nil && cfg.Server.SocketPath == "" {
		return nil, fmt.Errorf("cannot locate portal socket: %w", err)
	}
	return server.Dial(cfg.Server.SocketPath)
}

// withClient runs fn with a connected client and a bounded context.
func (o *globalOptions) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) error) error {
	client, err := o.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()
	return fn(ctx, client)
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "document-portal",
		Short:         "Expose host files to sandboxed applications",
		Long:          `Document portal: registers host files as documents and serves them to sandboxed apps through a FUSE filesystem with per-app permissions.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.SetVersionTemplate("document-portal version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.socketPath, "socket", "", "Portal socket path (overrides config)")

	cmd.AddCommand(
		newServeCmd(opts),
		newAddCmd(opts),
		newAddNamedCmd(opts),
		newGrantCmd(opts),
		newRevokeCmd(opts),
		newDeleteCmd(opts),
		newInfoCmd(opts),
		newListCmd(opts),
		newLookupCmd(opts),
		newMountPointCmd(opts),
		newPermsCmd(opts),
	)
	return cmd
}

// Execute runs the root command. Interrupts cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCommand().ExecuteContext(ctx)
}
