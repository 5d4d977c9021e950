package cachegen

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchManifest installs every new manifest version written to path until ctx
// is done. The parent directory is watched so atomic replacements are seen.
// Updates installed this way wait for ConfirmUpdate.
func (m *Manager) WatchManifest(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logf("manifest watch error: %v", err)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			m.reloadManifest(ctx, path)
		}
	}
}

func (m *Manager) reloadManifest(ctx context.Context, path string) {
	manifest, err := LoadManifest(path)
	if err != nil {
		m.logf("manifest reload %s failed: %v", path, err)
		return
	}
	if manifest.Namespace != m.namespace {
		m.logf("manifest namespace %q ignored; manager owns %q", manifest.Namespace, m.namespace)
		return
	}
	if manifest.Version == m.ActiveVersion() || manifest.Version == m.PendingVersion() {
		return
	}
	m.logf("manifest version %s detected", manifest.Version)
	if err := m.Install(ctx, manifest); err != nil {
		m.logf("manifest install %s failed: %v", manifest.Version, err)
	}
}
