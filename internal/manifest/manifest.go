// Package manifest loads the precache manifest and turns it into manager
// configuration, optionally discovering the offline page's assets.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jonesrussell/site-cache/internal/manager"
)

// ErrInvalid is returned for manifests missing required fields.
var ErrInvalid = errors.New("invalid manifest")

// Manifest is the on-disk precache manifest.
type Manifest struct {
	// Version names the cache. Bump it to roll out new assets.
	Version     string   `yaml:"version"`
	OfflinePage string   `yaml:"offline_page"`
	URLs        []string `yaml:"urls"`
}

// Parse decodes a YAML manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Read loads and parses the manifest at path.
func Read(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return Parse(data)
}

// Validate checks required fields.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalid)
	}
	if m.OfflinePage == "" {
		return fmt.Errorf("%w: offline_page is required", ErrInvalid)
	}
	return nil
}

// Loader builds manager configs from manifest files.
type Loader struct {
	Origin *url.URL
	// Client fetches the offline page when DiscoverAssets is set.
	Client manager.Doer
	// DiscoverAssets adds the offline page's same-origin assets.
	DiscoverAssets bool
}

// Load reads path and resolves it against the origin.
func (l *Loader) Load(ctx context.Context, path string) (manager.Config, error) {
	m, err := Read(path)
	if err != nil {
		return manager.Config{}, err
	}
	return l.Config(ctx, m)
}

// Config converts m into a manager config.
func (l *Loader) Config(ctx context.Context, m *Manifest) (manager.Config, error) {
	urls := append([]string{}, m.URLs...)

	if l.DiscoverAssets {
		page, err := l.Origin.Parse(m.OfflinePage)
		if err != nil {
			return manager.Config{}, fmt.Errorf("%w: offline_page: %w", ErrInvalid, err)
		}
		assets, err := DiscoverAssets(ctx, l.Client, page)
		if err != nil {
			return manager.Config{}, err
		}
		urls = append(urls, assets...)
	}

	return manager.Config{
		Version:     m.Version,
		Origin:      l.Origin,
		Manifest:    urls,
		OfflinePage: m.OfflinePage,
	}, nil
}
