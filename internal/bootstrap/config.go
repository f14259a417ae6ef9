// Package bootstrap builds site-cache's components from configuration and
// runs the service lifecycle.
package bootstrap

import (
	"fmt"

	"github.com/jonesrussell/site-cache/internal/config"
	"github.com/jonesrussell/site-cache/internal/logger"
)

// DefaultConfigPath is used when neither --config nor CONFIG_PATH is set.
const DefaultConfigPath = "config.yml"

// LoadConfig loads and validates the configuration at path. An empty path
// resolves through CONFIG_PATH.
func LoadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.Path(DefaultConfigPath)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// CreateLogger builds the service logger tagged with name and version.
func CreateLogger(cfg *config.Config) (logger.Logger, error) {
	logCfg := cfg.Logging
	if cfg.Service.Debug {
		logCfg.Level = "debug"
		logCfg.Development = true
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return log.With(
		logger.String("service", cfg.Service.Name),
		logger.String("version", cfg.Service.Version),
	), nil
}
