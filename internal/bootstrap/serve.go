package bootstrap

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonesrussell/site-cache/internal/api"
	"github.com/jonesrussell/site-cache/internal/backgroundsync"
	"github.com/jonesrussell/site-cache/internal/logger"
	"github.com/jonesrussell/site-cache/internal/manifest"
)

const schedulerStopTimeout = 30 * time.Second

// Serve installs and activates the current cache, then serves HTTP until
// ctx is done. Background sync and the manifest watcher run alongside the
// server and stop with it.
func Serve(ctx context.Context, c *Components) error {
	log := c.Log

	// A failed install leaves whatever was cached before in place; requests
	// still fall through to the network.
	if err := c.Manager.Install(ctx); err != nil {
		log.Error("Initial install failed", logger.Error(err))
	} else if deleted, err := c.Manager.Activate(ctx); err != nil {
		log.Error("Initial activate failed", logger.Error(err))
	} else {
		log.Info("Cache activated",
			logger.String("cache_version", c.Manager.Version()),
			logger.Strings("deleted", deleted),
		)
	}

	scheduler, err := backgroundsync.NewScheduler(c.Syncer, c.Config.Sync.Schedule, log)
	if err != nil {
		return err
	}
	if err = scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start sync scheduler: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), schedulerStopTimeout)
		defer cancel()
		if stopErr := scheduler.Stop(stopCtx); stopErr != nil {
			log.Warn("Sync scheduler did not stop cleanly", logger.Error(stopErr))
		}
	}()

	srv := api.NewServer(c.Config, api.Deps{
		Manager:  c.Manager,
		Syncer:   c.Syncer,
		Metrics:  c.Metrics,
		Gatherer: c.Registry,
		Checks:   c.Checks,
	}, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if c.Config.Manifest.Watch {
		w := manifest.NewWatcher(c.Config.Manifest.Path, c.Loader, c.Manager, log)
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	if err = g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	log.Info("Server exited")
	return nil
}
