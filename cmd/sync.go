package cmd

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/site-cache/internal/backgroundsync"
	"github.com/jonesrussell/site-cache/internal/bootstrap"
)

func syncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [tag]",
		Short: "Replay queued submissions for a tag (default form-submission)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tag := backgroundsync.TagFormSubmission
			if len(args) == 1 {
				tag = args[0]
			}

			return withComponents(cmd.Context(), func(ctx context.Context, c *bootstrap.Components) error {
				if err := c.Syncer.Restore(ctx); err != nil {
					return fmt.Errorf("restore pending syncs: %w", err)
				}
				report, err := c.Syncer.Sync(ctx, tag)
				if err != nil {
					return fmt.Errorf("sync %s: %w", tag, err)
				}

				t := table.NewWriter()
				t.SetOutputMirror(cmd.OutOrStdout())
				t.AppendHeader(table.Row{"Tag", "Delivered", "Failed", "Remaining"})
				t.AppendRow(table.Row{report.Tag, report.Delivered, report.Failed, report.Remaining})
				t.Render()
				return nil
			})
		},
	}
}
