package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ajaxzhan/document-portal/internal/server"
	"github.com/ajaxzhan/document-portal/pkg/types"
	"github.com/spf13/cobra"
)

// absPaths makes command line paths absolute; the portal resolves paths
// in the caller's root, not its working directory.
func absPaths(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for _, a := range args {
		p, err := filepath.Abs(a)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve path %s: %w", a, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// splitPerms accepts both "read,write" and separate arguments.
func splitPerms(args []string) ([]string, error) {
	var out []string
	for _, a := range args {
		for _, p := range strings.Split(a, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	if _, err := types.ParsePermissions(out); err != nil {
		return nil, err
	}
	return out, nil
}

type addOptions struct {
	reuse      bool
	persistent bool
	readOnly   bool
	directory  bool
	asNeeded   bool
	app        string
	perms      []string
}

func (o *addOptions) flags() types.AddFlags {
	var f types.AddFlags
	if o.reuse {
		f |= types.AddReuseExisting
	}
	if o.persistent {
		f |= types.AddPersistent
	}
	if o.directory {
		f |= types.AddDirectory
	}
	if o.asNeeded {
		f |= types.AddAsNeededByApp
	}
	return f
}

func (o *addOptions) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.reuse, "reuse", true, "Reuse an existing document for the same file")
	cmd.Flags().BoolVar(&o.persistent, "persistent", true, "Keep the document across restarts")
	cmd.Flags().BoolVar(&o.readOnly, "readonly", false, "Never grant write access")
	cmd.Flags().StringVar(&o.app, "app", "", "Application to grant permissions to")
	cmd.Flags().StringSliceVar(&o.perms, "perm", []string{"read"}, "Permissions granted to --app")
}

func newAddCmd(g *globalOptions) *cobra.Command {
	opts := &addOptions{}
	cmd := &cobra.Command{
		Use:   "add PATH...",
		Short: "Register files as documents",
		Long: `Register one or more files as documents and print their ids in order.

Examples:
  document-portal add report.pdf
  document-portal add --app org.example.Viewer --perm read,write a.txt b.txt
  document-portal add --dir --app org.example.Editor ~/project`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := absPaths(args)
			if err != nil {
				return err
			}
			return g.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				if opts.app == "" && len(paths) == 1 && !opts.directory && !opts.asNeeded {
					id, err := c.Add(ctx, &server.AddRequest{
						Path:       paths[0],
						Reuse:      opts.reuse,
						Persistent: opts.persistent,
						Writable:   !opts.readOnly,
					})
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), id)
					return nil
				}

				perms, err := splitPerms(opts.perms)
				if err != nil {
					return err
				}
				if opts.app == "" {
					perms = nil
				}
				reply, err := c.AddFull(ctx, &server.AddFullRequest{
					Paths:       paths,
					Flags:       uint32(opts.flags()),
					AppID:       opts.app,
					Permissions: perms,
					Writable:    !opts.readOnly,
				})
				if err != nil {
					return err
				}
				for i, id := range reply.IDs {
					if id == "" {
						// the app reaches the file directly
						id = paths[i]
					}
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
	opts.register(cmd)
	cmd.Flags().BoolVar(&opts.directory, "dir", false, "Register directories instead of files")
	cmd.Flags().BoolVar(&opts.asNeeded, "as-needed", false, "Skip files --app can already access")
	return cmd
}

func newAddNamedCmd(g *globalOptions) *cobra.Command {
	opts := &addOptions{}
	cmd := &cobra.Command{
		Use:   "add-named DIR NAME",
		Short: "Register a file by directory and name; the file need not exist",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parents, err := absPaths(args[:1])
			if err != nil {
				return err
			}
			return g.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				var id string
				if opts.app == "" {
					id, err = c.AddNamed(ctx, &server.AddNamedRequest{
						Parent:     parents[0],
						Name:       args[1],
						Reuse:      opts.reuse,
						Persistent: opts.persistent,
						Writable:   !opts.readOnly,
					})
				} else {
					var perms []string
					if perms, err = splitPerms(opts.perms); err != nil {
						return err
					}
					var reply *server.AddNamedFullReply
					reply, err = c.AddNamedFull(ctx, &server.AddNamedFullRequest{
						Parent:      parents[0],
						Name:        args[1],
						Flags:       uint32(opts.flags()),
						AppID:       opts.app,
						Permissions: perms,
						Writable:    !opts.readOnly,
					})
					if reply != nil {
						id = reply.ID
					}
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	opts.register(cmd)
	return cmd
}

func newGrantCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "grant ID APP PERMISSION...",
		Short: "Grant an application permissions on a document",
		Long: `Grant permissions on a document. Permissions are read, write,
grant-permissions and delete.

Example:
  document-portal grant 3f2a9c1e org.example.Viewer read,write`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			perms, err := splitPerms(args[2:])
			if err != nil {
				return err
			}
			return g.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				return c.GrantPermissions(ctx, args[0], args[1], perms)
			})
		},
	}
}

func newRevokeCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke ID APP PERMISSION...",
		Short: "Revoke permissions of an application on a document",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			perms, err := splitPerms(args[2:])
			if err != nil {
				return err
			}
			return g.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				return c.RevokePermissions(ctx, args[0], args[1], perms)
			})
		},
	}
}

func newDeleteCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				return c.Delete(ctx, args[0])
			})
		},
	}
}

func newInfoCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info ID",
		Short: "Show the path and permissions of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				info, err := c.Info(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Path: %s\n", info.Path)
				apps := make([]string, 0, len(info.Permissions))
				for app := range info.Permissions {
					apps = append(apps, app)
				}
				sort.Strings(apps)
				for _, app := range apps {
					name := app
					if name == "" {
						name = "(host)"
					}
					fmt.Fprintf(out, "%s: %s\n", name, strings.Join(info.Permissions[app], ","))
				}
				return nil
			})
		},
	}
}

func newListCmd(g *globalOptions) *cobra.Command {
	var app string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				docs, err := c.List(ctx, app)
				if err != nil {
					return err
				}
				ids := make([]string, 0, len(docs))
				for id := range docs {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				for _, id := range ids {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, docs[id])
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&app, "app", "", "Only documents this application has permissions on")
	return cmd
}

func newLookupCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup PATH",
		Short: "Print the document id registered for a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := absPaths(args)
			if err != nil {
				return err
			}
			return g.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				id, err := c.Lookup(ctx, paths[0])
				if err != nil {
					return err
				}
				if id == "" {
					return fmt.Errorf("%s is not a document", paths[0])
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
}

func newMountPointCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mountpoint",
		Short: "Print where documents are exposed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				mp, err := c.MountPoint(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), mp)
				return nil
			})
		},
	}
}
