// Package cachestore implements named, versioned response caches modelled
// on the browser cache-storage API. Storage holds caches by name; a Cache
// maps request keys to response snapshots.
package cachestore

import (
	"context"
	"errors"
	"regexp"
)

// ErrInvalidName is returned for cache names that are empty or could escape
// the storage root.
var ErrInvalidName = errors.New("invalid cache name")

// ErrCacheDeleted is returned by Put on a cache whose storage entry was
// deleted after it was opened.
var ErrCacheDeleted = errors.New("cache deleted")

// Storage is the set of named caches.
type Storage interface {
	// Open returns the named cache, creating it when absent.
	Open(ctx context.Context, name string) (Cache, error)
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes the named cache and every entry in it. It reports
	// whether the cache existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Keys lists cache names.
	Keys(ctx context.Context) ([]string, error)
}

// Cache is a single named cache.
type Cache interface {
	Name() string
	// Match returns the snapshot stored under key. A miss is (nil, false, nil).
	Match(ctx context.Context, key string) (*Response, bool, error)
	// Put stores resp under key. It fails with ErrCacheDeleted rather than
	// recreating a deleted cache.
	Put(ctx context.Context, key string, resp *Response) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateName rejects names that are unsafe as directory or key names.
func ValidateName(name string) error {
	if !validName.MatchString(name) || name == "." || name == ".." {
		return ErrInvalidName
	}
	return nil
}
