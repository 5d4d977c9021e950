package kvstore

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound       = errors.New("key not found")
	ErrQuotaExceeded  = errors.New("storage quota exceeded")
	ErrUnavailable    = errors.New("storage unavailable")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Backend is one raw persistence scope. Values are opaque strings; the Store
// layers envelopes, eviction and self-healing on top.
type Backend interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
	Keys() ([]string, error)
}

type backendCloser interface {
	Close() error
}

// MemoryBackend keeps entries in process memory. A positive maxBytes caps the
// summed size of keys and values, which is how session storage behaves in
// browsers and how tests exercise quota recovery.
type MemoryBackend struct {
	mu       sync.Mutex
	maxBytes int
	used     int
	items    map[string]string
}

func NewMemoryBackend(maxBytes int) *MemoryBackend {
	if maxBytes < 0 {
		maxBytes = 0
	}
	return &MemoryBackend{
		maxBytes: maxBytes,
		items:    map[string]string{},
	}
}

func (b *MemoryBackend) Get(key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.items[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (b *MemoryBackend) Set(key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	used := b.used
	if existing, ok := b.items[key]; ok {
		used -= len(key) + len(existing)
	}
	used += len(key) + len(value)
	if b.maxBytes > 0 && used > b.maxBytes {
		return ErrQuotaExceeded
	}
	b.items[key] = value
	b.used = used
	return nil
}

func (b *MemoryBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.items[key]; ok {
		b.used -= len(key) + len(existing)
		delete(b.items, key)
	}
	return nil
}

func (b *MemoryBackend) Keys() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.items))
	for key := range b.items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Used reports the bytes currently accounted against the quota.
func (b *MemoryBackend) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}
