package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/site-cache/internal/bootstrap"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Install the manifest and serve the site cache-first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withComponents(ctx, func(ctx context.Context, c *bootstrap.Components) error {
				return bootstrap.Serve(ctx, c)
			})
		},
	}
}
