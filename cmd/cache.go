package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/site-cache/internal/bootstrap"
)

func installCommand() *cobra.Command {
	var activate bool

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Precache every manifest URL into the current cache version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c *bootstrap.Components) error {
				if err := c.Manager.Install(ctx); err != nil {
					return fmt.Errorf("install %s: %w", c.Manager.Version(), err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Installed %s\n", c.Manager.Version())
				if !activate {
					return nil
				}
				return runActivate(ctx, cmd, c)
			})
		},
	}
	cmd.Flags().BoolVar(&activate, "activate", false, "delete stale caches after installing")
	return cmd
}

func activateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "activate",
		Short: "Delete every cache except the current version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c *bootstrap.Components) error {
				return runActivate(ctx, cmd, c)
			})
		},
	}
}

func runActivate(ctx context.Context, cmd *cobra.Command, c *bootstrap.Components) error {
	deleted, err := c.Manager.Activate(ctx)
	if err != nil {
		return fmt.Errorf("activate %s: %w", c.Manager.Version(), err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Activated %s\n", c.Manager.Version())
	for _, name := range deleted {
		fmt.Fprintf(out, "  deleted %s\n", name)
	}
	return nil
}

func cachesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "caches",
		Short: "List cache versions and their entry counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c *bootstrap.Components) error {
				storage := c.Manager.Storage()
				names, err := storage.Keys(ctx)
				if err != nil {
					return fmt.Errorf("list caches: %w", err)
				}
				if len(names) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No caches found")
					return nil
				}

				t := table.NewWriter()
				t.SetOutputMirror(cmd.OutOrStdout())
				t.AppendHeader(table.Row{"Name", "Entries", "Current"})
				for _, name := range names {
					cache, openErr := storage.Open(ctx, name)
					if openErr != nil {
						return fmt.Errorf("open cache %s: %w", name, openErr)
					}
					keys, keysErr := cache.Keys(ctx)
					if keysErr != nil {
						return fmt.Errorf("list cache %s: %w", name, keysErr)
					}
					current := ""
					if name == c.Manager.Version() {
						current = "*"
					}
					t.AppendRow(table.Row{name, strconv.Itoa(len(keys)), current})
				}
				t.Render()
				return nil
			})
		},
	}
}
