package cachegen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/fieldalert/internal/clock"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

type fakeFetcher struct {
	mu     sync.Mutex
	fail   map[string]bool
	bodies map[string]string
	calls  []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{fail: map[string]bool{}, bodies: map[string]string{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, key string) (Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	if f.fail[key] || f.fail["*"] {
		return Entry{}, ErrFetchFailed
	}
	body, ok := f.bodies[key]
	if !ok {
		body = "body of " + key
	}
	return Entry{Status: 200, Body: []byte(body)}, nil
}

func newTestManager(storage Storage, fetcher Fetcher) (*Manager, *recordingLogger) {
	logger := &recordingLogger{}
	manager := NewManager(storage, Options{
		Fetcher: fetcher,
		Clock:   clock.NewFake(time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)),
		Logger:  logger,
	})
	return manager, logger
}

func mustOpen(t *testing.T, storage Storage, name string) Cache {
	t.Helper()
	cache, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	return cache
}

func TestGenerationNaming(t *testing.T) {
	if got := GenerationName(DefaultNamespace, RoleAppShell, "v2"); got != "srp-app-shell-v2" {
		t.Fatalf("unexpected generation name %q", got)
	}
	gen, ok := ParseGeneration(DefaultNamespace, "srp-runtime-v10")
	if !ok || gen.Role != RoleRuntime || gen.Version != "v10" {
		t.Fatalf("unexpected parse result %+v ok=%v", gen, ok)
	}
	if _, ok := ParseGeneration(DefaultNamespace, "other-runtime-v1"); ok {
		t.Fatalf("expected foreign namespace to be rejected")
	}
}

func TestFirstInstallPrecachesAndActivates(t *testing.T) {
	storage := NewMemoryStorage()
	fetcher := newFakeFetcher()
	manager, _ := newTestManager(storage, fetcher)
	var controlled []string
	manager.OnControl(func(version string) { controlled = append(controlled, version) })

	if err := manager.Install(context.Background(), DefaultManifest()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if manager.State() != StateActive {
		t.Fatalf("expected first install to auto-activate, got %s", manager.State())
	}
	if len(controlled) != 1 || controlled[0] != "v2" {
		t.Fatalf("expected one control signal for v2, got %v", controlled)
	}
	keys, _ := mustOpen(t, storage, "srp-app-shell-v2").Keys(context.Background())
	if strings.Join(keys, ",") != "/,/favicon.ico,/manifest.json,/offline.html" {
		t.Fatalf("unexpected precached keys %v", keys)
	}
	gens := manager.CurrentGenerations()
	if len(gens) != 3 || gens[0].Name != "srp-api-v2" {
		t.Fatalf("unexpected current generations %+v", gens)
	}
}

func TestInstallSwallowsPrecacheFailures(t *testing.T) {
	storage := NewMemoryStorage()
	fetcher := newFakeFetcher()
	fetcher.fail["/manifest.json"] = true
	manager, logger := newTestManager(storage, fetcher)

	if err := manager.Install(context.Background(), DefaultManifest()); err != nil {
		t.Fatalf("expected install to succeed despite precache failure: %v", err)
	}
	if manager.State() != StateActive {
		t.Fatalf("expected active state, got %s", manager.State())
	}
	keys, _ := mustOpen(t, storage, "srp-app-shell-v2").Keys(context.Background())
	if len(keys) != 3 {
		t.Fatalf("expected three precached resources, got %v", keys)
	}
	if !logger.contains("/manifest.json") {
		t.Fatalf("expected precache failure to be logged")
	}
}

func TestActivationPurgesOnlyStaleGenerationsOfNamespace(t *testing.T) {
	storage := NewMemoryStorage()
	// Runtime caches without an app shell do not mark a version as installed.
	for _, name := range []string{"srp-runtime-v1", "srp-api-v1", "other-app-runtime-v1", "other-app-app-shell-v1"} {
		mustOpen(t, storage, name)
	}
	manager, _ := newTestManager(storage, newFakeFetcher())
	mustOpen(t, storage, "srp-runtime-v2")

	if err := manager.Install(context.Background(), DefaultManifest()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if manager.State() != StateActive {
		t.Fatalf("expected first install to activate, got %s", manager.State())
	}
	names, _ := storage.Names(context.Background())
	got := strings.Join(names, ",")
	if got != "other-app-app-shell-v1,other-app-runtime-v1,srp-app-shell-v2,srp-runtime-v2" {
		t.Fatalf("unexpected caches after activation: %s", got)
	}
}

func TestUpdateWaitsForConfirmation(t *testing.T) {
	storage := NewMemoryStorage()
	fetcher := newFakeFetcher()
	reloads := 0
	manager := NewManager(storage, Options{
		Fetcher: fetcher,
		Reload:  func(context.Context) { reloads++ },
	})
	if err := manager.Install(context.Background(), DefaultManifest()); err != nil {
		t.Fatalf("install v2: %v", err)
	}
	mustOpen(t, storage, "srp-runtime-v2")
	mustOpen(t, storage, "unrelated-cache")

	var available []Generation
	manager.OnUpdateAvailable(func(gen Generation) { available = append(available, gen) })
	next := DefaultManifest()
	next.Version = "v3"
	if err := manager.Install(context.Background(), next); err != nil {
		t.Fatalf("install v3: %v", err)
	}
	if manager.State() != StateInstalled {
		t.Fatalf("expected update to wait, got %s", manager.State())
	}
	if manager.ActiveVersion() != "v2" || manager.PendingVersion() != "v3" {
		t.Fatalf("unexpected versions active=%s pending=%s", manager.ActiveVersion(), manager.PendingVersion())
	}
	if len(available) != 1 || available[0].Name != "srp-app-shell-v3" {
		t.Fatalf("expected update-available signal for v3, got %+v", available)
	}

	if err := manager.ConfirmUpdate(context.Background()); err != nil {
		t.Fatalf("confirm update: %v", err)
	}
	if manager.State() != StateActive || manager.ActiveVersion() != "v3" {
		t.Fatalf("expected v3 active, got %s/%s", manager.State(), manager.ActiveVersion())
	}
	if reloads != 1 {
		t.Fatalf("expected one reload, got %d", reloads)
	}
	names, _ := storage.Names(context.Background())
	if strings.Join(names, ",") != "srp-app-shell-v3,unrelated-cache" {
		t.Fatalf("expected wipe plus fresh precache, got %v", names)
	}
	keys, _ := mustOpen(t, storage, "srp-app-shell-v3").Keys(context.Background())
	if len(keys) != 4 {
		t.Fatalf("expected precache to re-run, got %v", keys)
	}
	if err := manager.ConfirmUpdate(context.Background()); !errors.Is(err, ErrNothingWaiting) {
		t.Fatalf("expected ErrNothingWaiting, got %v", err)
	}
}

func TestRestartedManagerKeepsUpdatesWaiting(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	first, err := NewDiskStorage(root)
	if err != nil {
		t.Fatalf("new disk storage: %v", err)
	}
	manager, _ := newTestManager(first, newFakeFetcher())
	v1 := DefaultManifest()
	v1.Version = "v1"
	if err := manager.Install(ctx, v1); err != nil {
		t.Fatalf("install v1: %v", err)
	}

	second, err := NewDiskStorage(root)
	if err != nil {
		t.Fatalf("reopen disk storage: %v", err)
	}
	restarted, logger := newTestManager(second, newFakeFetcher())
	var available []Generation
	restarted.OnUpdateAvailable(func(gen Generation) { available = append(available, gen) })
	if err := restarted.Install(ctx, DefaultManifest()); err != nil {
		t.Fatalf("install v2 after restart: %v", err)
	}
	if restarted.State() != StateInstalled {
		t.Fatalf("expected v2 to wait for confirmation, got %s", restarted.State())
	}
	if restarted.ActiveVersion() != "v1" || restarted.PendingVersion() != "v2" {
		t.Fatalf("unexpected versions active=%s pending=%s", restarted.ActiveVersion(), restarted.PendingVersion())
	}
	if len(available) != 1 || available[0].Version != "v2" {
		t.Fatalf("expected update-available for v2, got %+v", available)
	}
	if !logger.contains("restored active generation v1") {
		t.Fatalf("expected restore to be logged")
	}
	names, _ := second.Names(ctx)
	if strings.Join(names, ",") != "srp-app-shell-v1,srp-app-shell-v2" {
		t.Fatalf("expected v1 to survive until confirmation, got %v", names)
	}

	if err := restarted.ConfirmUpdate(ctx); err != nil {
		t.Fatalf("confirm update: %v", err)
	}
	names, _ = second.Names(ctx)
	if strings.Join(names, ",") != "srp-app-shell-v2" {
		t.Fatalf("expected only v2 after confirmation, got %v", names)
	}
}

func TestRestartedManagerReusesActiveGeneration(t *testing.T) {
	storage := NewMemoryStorage()
	ctx := context.Background()
	manager, _ := newTestManager(storage, newFakeFetcher())
	if err := manager.Install(ctx, DefaultManifest()); err != nil {
		t.Fatalf("install: %v", err)
	}

	fetcher := newFakeFetcher()
	restarted, _ := newTestManager(storage, fetcher)
	var controlled []string
	restarted.OnControl(func(version string) { controlled = append(controlled, version) })
	if err := restarted.Install(ctx, DefaultManifest()); err != nil {
		t.Fatalf("reinstall same version: %v", err)
	}
	if restarted.State() != StateActive || restarted.ActiveVersion() != "v2" {
		t.Fatalf("expected v2 active, got %s/%s", restarted.State(), restarted.ActiveVersion())
	}
	if len(fetcher.calls) != 0 || len(controlled) != 0 {
		t.Fatalf("expected no precache or control signal, got calls=%v control=%v", fetcher.calls, controlled)
	}
}

func TestCompareVersionsUsesNumericOrder(t *testing.T) {
	if compareVersions("v10", "v9") <= 0 {
		t.Fatalf("expected v10 after v9")
	}
	if compareVersions("beta", "alpha") <= 0 {
		t.Fatalf("expected lexical fallback")
	}
	if compareVersions("v2", "v2") != 0 {
		t.Fatalf("expected equal versions")
	}
}

func TestStorageAbsenceDisablesFeature(t *testing.T) {
	storage := NewMemoryStorage()
	storage.SetAvailable(false)
	manager, logger := newTestManager(storage, newFakeFetcher())

	if err := manager.Install(context.Background(), DefaultManifest()); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if manager.State() != StateUninstalled {
		t.Fatalf("expected state to roll back, got %s", manager.State())
	}
	if !logger.contains("unavailable") {
		t.Fatalf("expected unavailability to be logged")
	}

	storage.SetAvailable(true)
	if err := manager.Install(context.Background(), DefaultManifest()); err != nil {
		t.Fatalf("expected install once storage returns: %v", err)
	}
	storage.SetAvailable(false)
	if err := manager.Activate(context.Background()); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected re-check before activation, got %v", err)
	}
}

func TestSkipWaitingRequiresWaitingGeneration(t *testing.T) {
	manager, _ := newTestManager(NewMemoryStorage(), newFakeFetcher())
	if err := manager.SkipWaiting(context.Background()); !errors.Is(err, ErrNothingWaiting) {
		t.Fatalf("expected ErrNothingWaiting, got %v", err)
	}
	if err := manager.Activate(context.Background()); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("expected ErrNotInstalled, got %v", err)
	}
}

func TestParseManifestAppliesDefaults(t *testing.T) {
	manifest, err := ParseManifest([]byte(`
version = "v5"
precache = ["/", "offline.html", "/"]
`))
	if err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	if manifest.Namespace != DefaultNamespace || manifest.Version != "v5" {
		t.Fatalf("unexpected manifest %+v", manifest)
	}
	if strings.Join(manifest.Precache, ",") != "/,/offline.html" {
		t.Fatalf("expected normalized precache list, got %v", manifest.Precache)
	}
	if _, err := ParseManifest([]byte("version = [")); !errors.Is(err, ErrInvalidManifest) {
		t.Fatalf("expected ErrInvalidManifest, got %v", err)
	}
}
