package cachegen

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchManifestInstallsNewVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache-manifest.toml")
	if err := os.WriteFile(path, []byte("version = \"v2\"\n"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	initial, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	manager, _ := newTestManager(NewMemoryStorage(), newFakeFetcher())
	if err := manager.Install(context.Background(), initial); err != nil {
		t.Fatalf("install: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- manager.WatchManifest(ctx, path) }()

	deadline := time.Now().Add(3 * time.Second)
	for manager.PendingVersion() != "v3" {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("timed out waiting for v3 install, state=%s", manager.State())
		}
		// Rewrite until the watcher has registered and observed a write.
		_ = os.WriteFile(path, []byte("version = \"v3\"\n"), 0o644)
		time.Sleep(50 * time.Millisecond)
	}
	if manager.State() != StateInstalled || manager.ActiveVersion() != "v2" {
		t.Fatalf("expected v3 to wait behind v2, state=%s active=%s", manager.State(), manager.ActiveVersion())
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned error: %v", err)
	}
}
