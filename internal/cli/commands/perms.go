package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ajaxzhan/document-portal/internal/server"
	"github.com/spf13/cobra"
)

func newPermsCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "perms",
		Short: "Inspect and edit the permission store",
		Args:  cobra.NoArgs,
	}
	cmd.AddCommand(
		newPermsListCmd(g),
		newPermsLookupCmd(g),
		newPermsSetCmd(g),
		newPermsDeleteCmd(g),
		newPermsWatchCmd(g),
	)
	return cmd
}

func printAppPermissions(cmd *cobra.Command, perms map[string][]string) {
	apps := make([]string, 0, len(perms))
	for app := range perms {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	for _, app := range apps {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", app, strings.Join(perms[app], ","))
	}
}

func newPermsListCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list TABLE",
		Short: "List the entry ids of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				ids, err := c.StoreList(ctx, args[0])
				if err != nil {
					return err
				}
				sort.Strings(ids)
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
}

func newPermsLookupCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup TABLE ID",
		Short: "Show the permissions of an entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				entry, err := c.StoreLookup(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				printAppPermissions(cmd, entry.Permissions)
				return nil
			})
		},
	}
}

func newPermsSetCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set TABLE ID APP [PERMISSION...]",
		Short: "Replace the permissions of an application on an entry",
		Long: `Replace the permissions of an application on an entry, creating the
entry when needed. Without permissions the application is removed.`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var perms []string
			for _, a := range args[3:] {
				for _, p := range strings.Split(a, ",") {
					if p != "" {
						perms = append(perms, p)
					}
				}
			}
			return g.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				return c.StoreSetPermission(ctx, &server.SetPermissionRequest{
					Table:       args[0],
					Create:      true,
					ID:          args[1],
					AppID:       args[2],
					Permissions: perms,
				})
			})
		},
	}
}

func newPermsDeleteCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete TABLE ID [APP]",
		Short: "Delete an entry, or only one application's permissions on it",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				if len(args) == 3 {
					return c.StoreDeletePermission(ctx, args[0], args[1], args[2])
				}
				return c.StoreDelete(ctx, args[0], args[1])
			})
		},
	}
}

func newPermsWatchCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [TABLE]",
		Short: "Print permission store changes as they happen",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table := ""
			if len(args) == 1 {
				table = args[0]
			}
			client, err := g.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			err = client.WatchChanges(cmd.Context(), table, func(ev *server.ChangedEvent) {
				state := "changed"
				if ev.Deleted {
					state = "deleted"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s/%s %s\n", ev.Table, ev.ID, state)
			})
			if err != nil && cmd.Context().Err() == nil {
				return err
			}
			return nil
		},
	}
}
