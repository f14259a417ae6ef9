package cachestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	metadataExt = ".json"
	bodyExt     = ".body"
	dirPerm     = 0o755
	filePerm    = 0o644
)

// entryMetadata is the JSON document stored next to each body file.
type entryMetadata struct {
	Key      string    `json:"key"`
	Response *Response `json:"response"`
}

// FileStorage stores each cache as a directory under baseDir. Every entry is
// a <hash>.json metadata file plus a <hash>.body file.
type FileStorage struct {
	baseDir string
	mu      sync.RWMutex
}

var _ Storage = (*FileStorage)(nil)

// NewFileStorage creates baseDir if needed.
func NewFileStorage(baseDir string) (*FileStorage, error) {
	if err := os.MkdirAll(baseDir, dirPerm); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileStorage{baseDir: baseDir}, nil
}

// BaseDir returns the storage root.
func (s *FileStorage) BaseDir() string {
	return s.baseDir
}

func (s *FileStorage) cacheDir(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, name), nil
}

func (s *FileStorage) Open(_ context.Context, name string) (Cache, error) {
	dir, err := s.cacheDir(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if mkErr := os.MkdirAll(dir, dirPerm); mkErr != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, mkErr)
	}
	return &fileCache{name: name, dir: dir, storage: s}, nil
}

func (s *FileStorage) Has(_ context.Context, name string) (bool, error) {
	dir, err := s.cacheDir(name)
	if err != nil {
		return false, nil //nolint:nilerr // an invalid name can never exist
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *FileStorage) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}

	dir, _ := s.cacheDir(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if rmErr := os.RemoveAll(dir); rmErr != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, rmErr)
	}
	return true, nil
}

func (s *FileStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && ValidateName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

type fileCache struct {
	name    string
	dir     string
	storage *FileStorage
}

func (c *fileCache) Name() string { return c.name }

func (c *fileCache) paths(key string) (meta, body string) {
	h := hashKey(key)
	return filepath.Join(c.dir, h+metadataExt), filepath.Join(c.dir, h+bodyExt)
}

func (c *fileCache) Match(_ context.Context, key string) (*Response, bool, error) {
	c.storage.mu.RLock()
	defer c.storage.mu.RUnlock()

	metaPath, bodyPath := c.paths(key)

	meta, err := readMetadata(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	// Hash collision or a foreign file.
	if meta.Key != key || meta.Response == nil {
		return nil, false, nil
	}

	body, err := os.ReadFile(bodyPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Metadata without a body is an interrupted write.
			return nil, false, nil
		}
		return nil, false, err
	}

	resp := meta.Response
	resp.Body = body
	return resp, true, nil
}

func (c *fileCache) Put(_ context.Context, key string, resp *Response) error {
	c.storage.mu.Lock()
	defer c.storage.mu.Unlock()

	if _, err := os.Stat(c.dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("put %s in %s: %w", key, c.name, ErrCacheDeleted)
		}
		return fmt.Errorf("put %s: %w", key, err)
	}

	metaPath, bodyPath := c.paths(key)

	// Body first: metadata is what makes an entry visible.
	if err := writeAtomic(bodyPath, resp.Body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}

	data, err := json.Marshal(entryMetadata{Key: key, Response: resp})
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if writeErr := writeAtomic(metaPath, data); writeErr != nil {
		return fmt.Errorf("write metadata: %w", writeErr)
	}
	return nil
}

func (c *fileCache) Delete(_ context.Context, key string) (bool, error) {
	c.storage.mu.Lock()
	defer c.storage.mu.Unlock()

	metaPath, bodyPath := c.paths(key)

	meta, err := readMetadata(metaPath)
	if err != nil || meta.Key != key {
		return false, nil //nolint:nilerr // unreadable metadata is treated as absent
	}

	if rmErr := os.Remove(metaPath); rmErr != nil && !os.IsNotExist(rmErr) {
		return false, rmErr
	}
	if rmErr := os.Remove(bodyPath); rmErr != nil && !os.IsNotExist(rmErr) {
		return false, rmErr
	}
	return true, nil
}

func (c *fileCache) Keys(_ context.Context) ([]string, error) {
	c.storage.mu.RLock()
	defer c.storage.mu.RUnlock()

	files, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	metas := make([]*entryMetadata, 0, len(files))
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), metadataExt) {
			continue
		}
		meta, readErr := readMetadata(filepath.Join(c.dir, f.Name()))
		if readErr != nil || meta.Response == nil {
			continue
		}
		metas = append(metas, meta)
	}

	sort.SliceStable(metas, func(i, j int) bool {
		return metas[i].Response.StoredAt.Before(metas[j].Response.StoredAt)
	})

	keys := make([]string, len(metas))
	for i, m := range metas {
		keys[i] = m.Key
	}
	return keys, nil
}

func readMetadata(path string) (*entryMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta entryMetadata
	if unmarshalErr := json.Unmarshal(data, &meta); unmarshalErr != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), unmarshalErr)
	}
	return &meta, nil
}

// writeAtomic writes data to a temp file in the same directory and renames it
// into place so readers never see a partial file.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if err = errors.Join(writeErr, closeErr); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err = os.Chmod(tmpName, filePerm); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
