package manifest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jonesrussell/site-cache/internal/logger"
	"github.com/jonesrussell/site-cache/internal/manager"
)

const defaultDebounce = 250 * time.Millisecond

// Deployer installs and activates a new configuration. *manager.Manager
// satisfies it.
type Deployer interface {
	Version() string
	Deploy(ctx context.Context, cfg manager.Config) ([]string, error)
}

// Watcher redeploys whenever the manifest file changes version.
type Watcher struct {
	path     string
	loader   *Loader
	deployer Deployer
	log      logger.Logger
	debounce time.Duration
}

// NewWatcher watches path. Editors often replace files on save, so the
// containing directory is watched rather than the file itself.
func NewWatcher(path string, loader *Loader, deployer Deployer, log logger.Logger) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		loader:   loader,
		deployer: deployer,
		log:      log.With(logger.Component("manifest-watcher"), logger.String("path", path)),
		debounce: defaultDebounce,
	}
}

// SetDebounce changes how long the watcher waits for writes to settle.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Run blocks until ctx is done, redeploying on every settled change.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err = fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.log.Info("Watching manifest")

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return errors.New("watcher event channel closed")
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)

		case watchErr, ok := <-fw.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}
			w.log.Error("Manifest watcher error", logger.Error(watchErr))

		case <-timer.C:
			w.reload(ctx)
		}
	}
}

// reload deploys the manifest when its version differs from the live one.
// Failures are logged and the current version keeps serving.
func (w *Watcher) reload(ctx context.Context) {
	cfg, err := w.loader.Load(ctx, w.path)
	if err != nil {
		w.log.Warn("Ignoring unreadable manifest", logger.Error(err))
		return
	}

	current := w.deployer.Version()
	if cfg.Version == current {
		w.log.Debug("Manifest version unchanged", logger.String("version", current))
		return
	}

	deleted, err := w.deployer.Deploy(ctx, cfg)
	if err != nil {
		w.log.Error("Deploy failed, keeping current version",
			logger.String("version", cfg.Version),
			logger.String("current", current),
			logger.Error(err),
		)
		return
	}

	w.log.Info("Manifest deployed",
		logger.String("version", cfg.Version),
		logger.Strings("deleted", deleted),
	)
}
