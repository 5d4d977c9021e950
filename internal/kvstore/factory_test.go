package kvstore

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestBuildBackendFromDSNEmptyIsUnavailable(t *testing.T) {
	backend, err := BuildBackendFromDSN("  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend != nil {
		t.Fatalf("expected nil backend for empty dsn")
	}
	store := New(Options{Durable: backend})
	if store.IsAvailable(ScopeDurable) {
		t.Fatalf("expected empty dsn to yield an unavailable scope")
	}
}

func TestBuildBackendFromDSNMemoryWithQuota(t *testing.T) {
	backend, err := BuildBackendFromDSN("memory://?max_bytes=32")
	if err != nil {
		t.Fatalf("build memory backend: %v", err)
	}
	mem, ok := backend.(*MemoryBackend)
	if !ok {
		t.Fatalf("expected *MemoryBackend, got %T", backend)
	}
	if mem.maxBytes != 32 {
		t.Fatalf("expected max_bytes 32, got %d", mem.maxBytes)
	}
}

func TestBuildBackendFromDSNBarePathIsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.json")
	backend, err := BuildBackendFromDSN(path + "?max_bytes=1024")
	if err != nil {
		t.Fatalf("build file backend: %v", err)
	}
	file, ok := backend.(*FileBackend)
	if !ok {
		t.Fatalf("expected *FileBackend, got %T", backend)
	}
	if file.path != path || file.maxBytes != 1024 {
		t.Fatalf("unexpected file backend config: path=%q max=%d", file.path, file.maxBytes)
	}
}

func TestBuildBackendFromDSNRejectsBadInput(t *testing.T) {
	if _, err := BuildBackendFromDSN("memory://?max_bytes=-1"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for negative quota, got %v", err)
	}
	if _, err := BuildBackendFromDSN("redis://localhost:6379"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for redis, got %v", err)
	}
	if _, err := BuildBackendFromDSN("ftp://example.com/kv"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestRegisteredFactoryTakesPrecedence(t *testing.T) {
	called := false
	RegisterBackendFactory("Custom", func(dsn string) (Backend, error) {
		called = true
		return NewMemoryBackend(0), nil
	})
	if _, err := BuildBackendFromDSN("custom://anything"); err != nil {
		t.Fatalf("build custom backend: %v", err)
	}
	if !called {
		t.Fatalf("expected registered factory to be used")
	}
}
