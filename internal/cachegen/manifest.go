package cachegen

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const DefaultOfflinePage = "/offline.html"

var ErrInvalidManifest = errors.New("invalid cache manifest")

// Manifest describes one deployable cache version.
//
//	namespace = "srp-"
//	version = "v3"
//	offline_page = "/offline.html"
//	precache = ["/", "/offline.html", "/manifest.json", "/favicon.ico"]
type Manifest struct {
	Namespace   string   `toml:"namespace"`
	Version     string   `toml:"version"`
	OfflinePage string   `toml:"offline_page"`
	Precache    []string `toml:"precache"`
}

func DefaultPrecache() []string {
	return []string{"/", DefaultOfflinePage, "/manifest.json", "/favicon.ico"}
}

func DefaultManifest() Manifest {
	return Manifest{
		Namespace:   DefaultNamespace,
		Version:     DefaultVersion,
		OfflinePage: DefaultOfflinePage,
		Precache:    DefaultPrecache(),
	}
}

func ParseManifest(data []byte) (Manifest, error) {
	var manifest Manifest
	if err := toml.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return manifest.normalize()
}

func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	return ParseManifest(data)
}

func (m Manifest) normalize() (Manifest, error) {
	m.Namespace = strings.TrimSpace(m.Namespace)
	if m.Namespace == "" {
		m.Namespace = DefaultNamespace
	}
	m.Version = strings.TrimSpace(m.Version)
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	if strings.ContainsAny(m.Version, "/\\") {
		return Manifest{}, fmt.Errorf("%w: version %q", ErrInvalidManifest, m.Version)
	}
	m.OfflinePage = strings.TrimSpace(m.OfflinePage)
	if m.OfflinePage == "" {
		m.OfflinePage = DefaultOfflinePage
	}
	if m.Precache == nil {
		m.Precache = DefaultPrecache()
	}
	paths := make([]string, 0, len(m.Precache))
	seen := map[string]struct{}{}
	for _, path := range m.Precache {
		path = normalizeRequestKey(path)
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		paths = append(paths, path)
	}
	m.Precache = paths
	return m, nil
}

func normalizeRequestKey(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}
