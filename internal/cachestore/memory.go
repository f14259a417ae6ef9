package cachestore

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemoryStorage keeps every cache in process memory.
type MemoryStorage struct {
	mu     sync.Mutex
	names  []string
	caches map[string]*memoryCache
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{caches: make(map[string]*memoryCache)}
}

func (s *MemoryStorage) Open(_ context.Context, name string) (Cache, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.caches[name]; ok {
		return c, nil
	}
	c := &memoryCache{name: name, entries: make(map[string]*Response)}
	s.caches[name] = c
	s.names = append(s.names, name)
	return c, nil
}

func (s *MemoryStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.caches[name]
	return ok, nil
}

func (s *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.caches[name]; !ok {
		return false, nil
	}
	c := s.caches[name]
	c.mu.Lock()
	c.deleted = true
	c.mu.Unlock()
	delete(s.caches, name)
	s.names = slices.DeleteFunc(s.names, func(n string) bool { return n == name })
	return true, nil
}

func (s *MemoryStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.names), nil
}

type memoryCache struct {
	name    string
	mu      sync.RWMutex
	order   []string
	entries map[string]*Response
	deleted bool
}

func (c *memoryCache) Name() string { return c.name }

func (c *memoryCache) Match(_ context.Context, key string) (*Response, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	resp, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return resp.Clone(), true, nil
}

func (c *memoryCache) Put(_ context.Context, key string, resp *Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deleted {
		return fmt.Errorf("put %s in %s: %w", key, c.name, ErrCacheDeleted)
	}
	if _, ok := c.entries[key]; !ok {
		c.order = append(c.order, key)
	}
	c.entries[key] = resp.Clone()
	return nil
}

func (c *memoryCache) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return false, nil
	}
	delete(c.entries, key)
	c.order = slices.DeleteFunc(c.order, func(k string) bool { return k == key })
	return true, nil
}

func (c *memoryCache) Keys(_ context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.order), nil
}
