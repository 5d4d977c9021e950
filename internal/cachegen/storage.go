package cachegen

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"
)

var (
	ErrStorageUnavailable = errors.New("cache storage unavailable")
	ErrInvalidCacheName   = errors.New("invalid cache name")
)

// Entry is one cached response.
type Entry struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
}

// Storage is the set of named caches available to the app.
type Storage interface {
	Available() bool
	Open(ctx context.Context, name string) (Cache, error)
	Names(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) (bool, error)
}

type Cache interface {
	Put(ctx context.Context, key string, entry Entry) error
	Match(ctx context.Context, key string) (Entry, bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// MemoryStorage keeps caches in process memory. SetAvailable toggles whether
// the storage reports itself present.
type MemoryStorage struct {
	mu          sync.Mutex
	unavailable bool
	caches      map[string]*memoryCache
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{caches: map[string]*memoryCache{}}
}

func (s *MemoryStorage) SetAvailable(available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = !available
}

func (s *MemoryStorage) Available() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.unavailable
}

func (s *MemoryStorage) Open(_ context.Context, name string) (Cache, error) {
	if name == "" {
		return nil, ErrInvalidCacheName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return nil, ErrStorageUnavailable
	}
	cache, ok := s.caches[name]
	if !ok {
		cache = &memoryCache{entries: map[string]Entry{}}
		s.caches[name] = cache
	}
	return cache, nil
}

func (s *MemoryStorage) Names(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return nil, ErrStorageUnavailable
	}
	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return false, ErrStorageUnavailable
	}
	if _, ok := s.caches[name]; !ok {
		return false, nil
	}
	delete(s.caches, name)
	return true, nil
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func (c *memoryCache) Put(_ context.Context, key string, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry.Header = entry.Header.Clone()
	entry.Body = append([]byte(nil), entry.Body...)
	c.entries[key] = entry
	return nil
}

func (c *memoryCache) Match(_ context.Context, key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	entry.Header = entry.Header.Clone()
	entry.Body = append([]byte(nil), entry.Body...)
	return entry, true, nil
}

func (c *memoryCache) Keys(context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
