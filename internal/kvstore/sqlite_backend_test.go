package kvstore

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestSQLiteBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	backend, err := OpenSQLiteBackend(path, 0)
	if err != nil {
		t.Fatalf("open sqlite backend: %v", err)
	}
	defer backend.Close()

	if err := backend.Set("b", "2"); err != nil {
		t.Fatalf("set b: %v", err)
	}
	if err := backend.Set("a", "1"); err != nil {
		t.Fatalf("set a: %v", err)
	}
	if err := backend.Set("a", "one"); err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	if got, err := backend.Get("a"); err != nil || got != "one" {
		t.Fatalf("expected upserted value, got %q err=%v", got, err)
	}
	keys, err := backend.Keys()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if strings.Join(keys, ",") != "a,b" {
		t.Fatalf("expected sorted keys a,b, got %v", keys)
	}
	if err := backend.Delete("a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := backend.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSQLiteBackendWorksThroughStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	backend, err := BuildBackendFromDSN("sqlite://" + path)
	if err != nil {
		t.Fatalf("build sqlite backend: %v", err)
	}
	store := New(Options{Durable: backend})
	defer store.Close()

	if !store.IsAvailable(ScopeDurable) {
		t.Fatalf("expected sqlite scope to be available")
	}
	if !store.SetJSON("filters", []string{"open", "urgent"}, ScopeDurable) {
		t.Fatalf("expected SetJSON to succeed")
	}
	got := GetJSONOr(store, "filters", []string(nil), ScopeDurable)
	if len(got) != 2 || got[1] != "urgent" {
		t.Fatalf("unexpected filters: %v", got)
	}
}
