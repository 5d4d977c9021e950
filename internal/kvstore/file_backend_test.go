package kvstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileBackendPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "kv.json")
	backend, err := NewFileBackend(path, 0)
	if err != nil {
		t.Fatalf("open file backend: %v", err)
	}
	if err := backend.Set("profile:id", "user_1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := backend.Set("draft:1", "notes"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := backend.Delete("draft:1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	reopened, err := NewFileBackend(path, 0)
	if err != nil {
		t.Fatalf("reopen file backend: %v", err)
	}
	if got, err := reopened.Get("profile:id"); err != nil || got != "user_1" {
		t.Fatalf("expected persisted value, got %q err=%v", got, err)
	}
	if _, err := reopened.Get("draft:1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted key to stay deleted, got %v", err)
	}
}

func TestFileBackendMovesCorruptSnapshotAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kv.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt snapshot: %v", err)
	}

	backend, err := NewFileBackend(path, 0)
	if err != nil {
		t.Fatalf("expected corrupt snapshot to be tolerated, got %v", err)
	}
	keys, _ := backend.Keys()
	if len(keys) != 0 {
		t.Fatalf("expected empty backend, got %v", keys)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	foundAside := false
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "kv.json.corrupt-") {
			foundAside = true
		}
	}
	if !foundAside {
		t.Fatalf("expected corrupt snapshot to be renamed aside, dir=%v", entries)
	}
}

func TestFileBackendEnforcesQuotaAndReverts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.json")
	backend, err := NewFileBackend(path, 64)
	if err != nil {
		t.Fatalf("open file backend: %v", err)
	}
	if err := backend.Set("a", "small"); err != nil {
		t.Fatalf("set small: %v", err)
	}
	err = backend.Set("b", strings.Repeat("x", 128))
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if _, err := backend.Get("b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected rejected write to be reverted, got %v", err)
	}
	if got, _ := backend.Get("a"); got != "small" {
		t.Fatalf("expected earlier value intact, got %q", got)
	}
}

func TestMemoryBackendAccountsReplacedValues(t *testing.T) {
	backend := NewMemoryBackend(20)
	if err := backend.Set("k", strings.Repeat("a", 15)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := backend.Set("k", strings.Repeat("b", 18)); err != nil {
		t.Fatalf("replace within quota should succeed: %v", err)
	}
	if backend.Used() != 19 {
		t.Fatalf("expected 19 bytes used, got %d", backend.Used())
	}
	if err := backend.Set("k2", "xx"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	_ = backend.Delete("k")
	if backend.Used() != 0 {
		t.Fatalf("expected usage to drop to zero, got %d", backend.Used())
	}
}
