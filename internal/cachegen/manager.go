package cachegen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/fieldalert/internal/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrInstallInProgress = errors.New("cache install already in progress")
	ErrNothingWaiting    = errors.New("no cache generation is waiting")
	ErrNotInstalled      = errors.New("no cache generation installed")
)

var tracer = otel.Tracer("github.com/agentworkforce/fieldalert/internal/cachegen")

type State string

const (
	StateUninstalled State = "uninstalled"
	StateInstalling  State = "installing"
	StateInstalled   State = "installed"
	StateActivating  State = "activating"
	StateActive      State = "active"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Namespace string
	Fetcher   Fetcher
	Clock     clock.Clock
	Logger    Logger
	// Reload runs after ConfirmUpdate has swapped generations.
	Reload func(ctx context.Context)
}

// Manager drives the Uninstalled -> Installing -> Installed (waiting) ->
// Activating -> Active lifecycle over a Storage.
type Manager struct {
	storage   Storage
	fetcher   Fetcher
	namespace string
	clock     clock.Clock
	logger    Logger
	reload    func(ctx context.Context)

	mu              sync.Mutex
	state           State
	activeVersion   string
	activeManifest  Manifest
	pendingVersion  string
	pendingManifest Manifest
	nextListenerID  uint64
	updateListeners map[uint64]func(Generation)
	controlHooks    map[uint64]func(version string)
}

func NewManager(storage Storage, opts Options) *Manager {
	namespace := strings.TrimSpace(opts.Namespace)
	if namespace == "" {
		namespace = DefaultNamespace
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		storage:         storage,
		fetcher:         opts.Fetcher,
		namespace:       namespace,
		clock:           clk,
		logger:          opts.Logger,
		reload:          opts.Reload,
		state:           StateUninstalled,
		updateListeners: map[uint64]func(Generation){},
		controlHooks:    map[uint64]func(string){},
	}
}

// Install pre-populates the app-shell generation for manifest.Version. A
// first install activates immediately; an update waits for ConfirmUpdate.
func (m *Manager) Install(ctx context.Context, manifest Manifest) error {
	ctx, span := tracer.Start(ctx, "cachegen.install")
	defer span.End()

	manifest, err := manifest.normalize()
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("cache.version", manifest.Version))
	m.restoreActive(ctx, manifest)

	m.mu.Lock()
	switch {
	case m.state == StateInstalling || m.state == StateActivating:
		m.mu.Unlock()
		return ErrInstallInProgress
	case m.state == StateActive && m.activeVersion == manifest.Version:
		m.mu.Unlock()
		return nil
	case m.state == StateInstalled && m.pendingVersion == manifest.Version:
		m.mu.Unlock()
		return nil
	}
	previous := m.state
	m.state = StateInstalling
	m.mu.Unlock()

	if !m.storageAvailable("install") {
		m.setState(previous)
		return ErrStorageUnavailable
	}
	m.precache(ctx, manifest)

	m.mu.Lock()
	m.pendingVersion = manifest.Version
	m.pendingManifest = manifest
	m.state = StateInstalled
	firstInstall := m.activeVersion == ""
	listeners := make([]func(Generation), 0, len(m.updateListeners))
	for _, fn := range m.updateListeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	if firstInstall {
		m.logf("cache %s installed; first install skips waiting", manifest.Version)
		return m.SkipWaiting(ctx)
	}
	m.logf("cache %s installed; waiting for confirmation", manifest.Version)
	gen := NewGeneration(m.namespace, RoleAppShell, manifest.Version)
	for _, fn := range listeners {
		fn(gen)
	}
	return nil
}

// SkipWaiting activates the waiting generation without user confirmation.
func (m *Manager) SkipWaiting(ctx context.Context) error {
	m.mu.Lock()
	waiting := m.state == StateInstalled && m.pendingVersion != ""
	m.mu.Unlock()
	if !waiting {
		return ErrNothingWaiting
	}
	return m.Activate(ctx)
}

// Activate promotes the waiting generation, if any, and deletes every cache of
// this namespace outside the current valid set. Other namespaces are left
// alone. Listeners registered with OnControl are told to take control.
func (m *Manager) Activate(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "cachegen.activate")
	defer span.End()

	m.mu.Lock()
	version := m.pendingVersion
	manifest := m.pendingManifest
	if version == "" {
		version = m.activeVersion
		manifest = m.activeManifest
	}
	if version == "" {
		m.mu.Unlock()
		return ErrNotInstalled
	}
	if m.state == StateInstalling || m.state == StateActivating {
		m.mu.Unlock()
		return ErrInstallInProgress
	}
	previous := m.state
	m.state = StateActivating
	m.mu.Unlock()
	span.SetAttributes(attribute.String("cache.version", version))

	if !m.storageAvailable("activate") {
		m.setState(previous)
		return ErrStorageUnavailable
	}
	removed, err := m.purge(ctx, validSet(m.namespace, version))
	if err != nil {
		m.logf("cache activation cleanup failed: %v", err)
	}
	if len(removed) > 0 {
		m.logf("cache activation removed stale generations: %s", strings.Join(removed, ", "))
	}
	m.promote(version, manifest)
	m.fireControl(version)
	return nil
}

// ConfirmUpdate is the deferred, user-confirmed path: it wipes every cache of
// this namespace, activates the waiting version, re-runs precache and invokes
// the reload hook.
func (m *Manager) ConfirmUpdate(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "cachegen.confirm_update")
	defer span.End()

	m.mu.Lock()
	if m.state != StateInstalled || m.pendingVersion == "" {
		m.mu.Unlock()
		return ErrNothingWaiting
	}
	version := m.pendingVersion
	manifest := m.pendingManifest
	m.state = StateActivating
	m.mu.Unlock()
	span.SetAttributes(attribute.String("cache.version", version))

	if !m.storageAvailable("confirm update") {
		m.setState(StateInstalled)
		return ErrStorageUnavailable
	}
	removed, err := m.purge(ctx, nil)
	if err != nil {
		m.logf("cache update wipe failed: %v", err)
	}
	m.logf("cache update to %s wiped %d generations", version, len(removed))
	m.precache(ctx, manifest)
	m.promote(version, manifest)
	m.fireControl(version)
	if m.reload != nil {
		m.reload(ctx)
	}
	return nil
}

// CurrentGenerations lists the valid generation set of the active version.
func (m *Manager) CurrentGenerations() []Generation {
	m.mu.Lock()
	version := m.activeVersion
	m.mu.Unlock()
	if version == "" {
		return nil
	}
	return sortedGenerations(validSet(m.namespace, version))
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PendingVersion returns the version waiting for confirmation, if any.
func (m *Manager) PendingVersion() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingVersion
}

func (m *Manager) ActiveVersion() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeVersion
}

func (m *Manager) Namespace() string {
	return m.namespace
}

// OnUpdateAvailable registers fn for installs that end up waiting.
func (m *Manager) OnUpdateAvailable(fn func(Generation)) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	id := m.nextListenerID
	m.nextListenerID++
	m.updateListeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.updateListeners, id)
	}
}

// OnControl registers fn for the "take control now" signal.
func (m *Manager) OnControl(fn func(version string)) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	id := m.nextListenerID
	m.nextListenerID++
	m.controlHooks[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.controlHooks, id)
	}
}

func (m *Manager) precache(ctx context.Context, manifest Manifest) {
	if m.fetcher == nil {
		m.logf("cache precache skipped: no fetcher configured")
		return
	}
	if !m.storageAvailable("precache") {
		return
	}
	name := GenerationName(m.namespace, RoleAppShell, manifest.Version)
	cache, err := m.storage.Open(ctx, name)
	if err != nil {
		m.logf("cache open %s failed: %v", name, err)
		return
	}
	for _, path := range manifest.Precache {
		entry, err := m.fetcher.Fetch(ctx, path)
		if err != nil {
			m.logf("cache precache %s failed: %v", path, err)
			continue
		}
		if entry.Status != 200 {
			m.logf("cache precache %s returned status %d", path, entry.Status)
			continue
		}
		if entry.StoredAt.IsZero() {
			entry.StoredAt = m.now()
		}
		if err := cache.Put(ctx, path, entry); err != nil {
			m.logf("cache precache %s store failed: %v", path, err)
		}
	}
}

// purge deletes every cache of this namespace not in keep.
func (m *Manager) purge(ctx context.Context, keep map[string]Generation) ([]string, error) {
	names, err := m.storage.Names(ctx)
	if err != nil {
		return nil, err
	}
	removed := make([]string, 0)
	var firstErr error
	for _, name := range names {
		if !strings.HasPrefix(name, m.namespace) {
			continue
		}
		if _, ok := keep[name]; ok {
			continue
		}
		if _, err := m.storage.Delete(ctx, name); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("delete %s: %w", name, err)
			}
			continue
		}
		removed = append(removed, name)
	}
	return removed, firstErr
}

// restoreActive recovers the active version left by an earlier process from
// the app-shell generations in storage. The incoming version only counts as
// active when it is the sole installed one; otherwise it is an update.
func (m *Manager) restoreActive(ctx context.Context, incoming Manifest) {
	m.mu.Lock()
	fresh := m.state == StateUninstalled && m.activeVersion == ""
	m.mu.Unlock()
	if !fresh || m.storage == nil || !m.storage.Available() {
		return
	}
	names, err := m.storage.Names(ctx)
	if err != nil {
		m.logf("cache list generations failed: %v", err)
		return
	}
	restored := ""
	installedIncoming := false
	for _, name := range names {
		gen, ok := ParseGeneration(m.namespace, name)
		if !ok || gen.Role != RoleAppShell {
			continue
		}
		if gen.Version == incoming.Version {
			installedIncoming = true
			continue
		}
		if restored == "" || compareVersions(gen.Version, restored) > 0 {
			restored = gen.Version
		}
	}
	if restored == "" && installedIncoming {
		restored = incoming.Version
	}
	if restored == "" {
		return
	}
	manifest := incoming
	manifest.Version = restored

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateUninstalled || m.activeVersion != "" {
		return
	}
	m.activeVersion = restored
	m.activeManifest = manifest
	m.state = StateActive
	m.logf("cache restored active generation %s from storage", restored)
}

func (m *Manager) promote(version string, manifest Manifest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeVersion = version
	m.activeManifest = manifest
	m.pendingVersion = ""
	m.pendingManifest = Manifest{}
	m.state = StateActive
}

func (m *Manager) fireControl(version string) {
	m.mu.Lock()
	hooks := make([]func(string), 0, len(m.controlHooks))
	for _, fn := range m.controlHooks {
		hooks = append(hooks, fn)
	}
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(version)
	}
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
}

// storageAvailable is checked before every cache operation.
func (m *Manager) storageAvailable(op string) bool {
	if m.storage == nil || !m.storage.Available() {
		m.logf("cache storage unavailable; %s disabled", op)
		return false
	}
	return true
}

func (m *Manager) activeSnapshot() (string, Manifest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeVersion, m.activeManifest
}

func (m *Manager) now() time.Time {
	return m.clock.Now().UTC()
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
