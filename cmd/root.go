// Package cmd implements the site-cache command-line interface.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/site-cache/internal/bootstrap"
	"github.com/jonesrussell/site-cache/internal/config"
	"github.com/jonesrussell/site-cache/internal/logger"
)

var (
	// cfgFile overrides CONFIG_PATH and the default config.yml.
	cfgFile string

	// Debug forces debug logging for every command.
	Debug bool

	rootCmd = &cobra.Command{
		Use:   "site-cache",
		Short: "An offline-first caching proxy for a website",
		Long: `site-cache sits in front of a website, precaches a manifest of its
pages and assets, serves them cache-first, falls back to an offline page
when the site is unreachable and replays queued form submissions once it
comes back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is $CONFIG_PATH or ./config.yml)")
	rootCmd.PersistentFlags().BoolVar(&Debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", cfg.Service.Name, cfg.Service.Version)
			return nil
		},
	})

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(installCommand())
	rootCmd.AddCommand(activateCommand())
	rootCmd.AddCommand(cachesCommand())
	rootCmd.AddCommand(syncCommand())
	rootCmd.AddCommand(migrateCommand())
	rootCmd.AddCommand(tokenCommand())
}

func loadConfig() (*config.Config, error) {
	cfg, err := bootstrap.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}
	if Debug {
		cfg.Service.Debug = true
	}
	return cfg, nil
}

// withComponents loads configuration, builds every component and hands them
// to fn, closing them afterwards.
func withComponents(ctx context.Context, fn func(context.Context, *bootstrap.Components) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := bootstrap.CreateLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	c, err := bootstrap.NewComponents(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := c.Close(); closeErr != nil {
			log.Error("Failed to close components", logger.Error(closeErr))
		}
	}()

	return fn(ctx, c)
}
