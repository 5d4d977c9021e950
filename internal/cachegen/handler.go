package cachegen

import (
	"context"
	"net/http"
	"strconv"
	"strings"
)

// Handler serves requests with the offline strategies of the app:
//
//   - navigations are network-first, falling back to the cached document and
//     then to the offline page;
//   - /api/ and /rest/ reads are network-first into the api generation;
//   - other reads are cache-first (app-shell, then runtime), filling runtime
//     from the network;
//   - anything else goes to the origin untouched.
//
// A nil fetcher uses the manager's own.
func (m *Manager) Handler(fetcher Fetcher) http.Handler {
	if fetcher == nil {
		fetcher = m.fetcher
	}
	return &offlineHandler{manager: m, fetcher: fetcher}
}

type offlineHandler struct {
	manager *Manager
	fetcher Fetcher
}

func (h *offlineHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		if proxy, ok := h.fetcher.(passthrough); ok {
			proxy.ServeOrigin(w, r)
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := r.URL.RequestURI()
	switch {
	case isNavigation(r):
		h.serveNavigation(w, r, key)
	case isAPIPath(r.URL.Path):
		h.serveNetworkFirst(w, r, key, RoleAPI)
	default:
		h.serveCacheFirst(w, r, key)
	}
}

func (h *offlineHandler) serveNavigation(w http.ResponseWriter, r *http.Request, key string) {
	ctx := r.Context()
	if entry, ok := h.fetch(ctx, key); ok {
		if entry.Status == http.StatusOK {
			h.manager.store(ctx, RoleRuntime, key, entry)
		}
		writeEntry(w, r, entry, "network")
		return
	}
	if entry, ok := h.manager.match(ctx, key, RoleAppShell, RoleRuntime); ok {
		writeEntry(w, r, entry, "cache")
		return
	}
	_, manifest := h.manager.activeSnapshot()
	offline := manifest.OfflinePage
	if offline == "" {
		offline = DefaultOfflinePage
	}
	if entry, ok := h.manager.match(ctx, offline, RoleAppShell); ok {
		writeEntry(w, r, entry, "offline")
		return
	}
	http.Error(w, "offline", http.StatusServiceUnavailable)
}

func (h *offlineHandler) serveNetworkFirst(w http.ResponseWriter, r *http.Request, key string, role Role) {
	ctx := r.Context()
	if entry, ok := h.fetch(ctx, key); ok {
		if entry.Status == http.StatusOK {
			h.manager.store(ctx, role, key, entry)
		}
		writeEntry(w, r, entry, "network")
		return
	}
	if entry, ok := h.manager.match(ctx, key, role); ok {
		writeEntry(w, r, entry, "cache")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(`{"error":"offline"}`))
}

func (h *offlineHandler) serveCacheFirst(w http.ResponseWriter, r *http.Request, key string) {
	ctx := r.Context()
	if entry, ok := h.manager.match(ctx, key, RoleAppShell, RoleRuntime); ok {
		writeEntry(w, r, entry, "cache")
		return
	}
	entry, ok := h.fetch(ctx, key)
	if !ok {
		http.Error(w, "offline", http.StatusGatewayTimeout)
		return
	}
	if entry.Status == http.StatusOK {
		h.manager.store(ctx, RoleRuntime, key, entry)
	}
	writeEntry(w, r, entry, "network")
}

func (h *offlineHandler) fetch(ctx context.Context, key string) (Entry, bool) {
	if h.fetcher == nil {
		return Entry{}, false
	}
	entry, err := h.fetcher.Fetch(ctx, key)
	if err != nil {
		h.manager.logf("network fetch %s failed: %v", key, err)
		return Entry{}, false
	}
	return entry, true
}

// match looks key up in the active generation of each role, in order.
func (m *Manager) match(ctx context.Context, key string, roles ...Role) (Entry, bool) {
	version, _ := m.activeSnapshot()
	if version == "" || !m.storageAvailable("cache match") {
		return Entry{}, false
	}
	for _, role := range roles {
		name := GenerationName(m.namespace, role, version)
		cache, err := m.storage.Open(ctx, name)
		if err != nil {
			m.logf("cache open %s failed: %v", name, err)
			continue
		}
		entry, ok, err := cache.Match(ctx, key)
		if err != nil {
			m.logf("cache match %s in %s failed: %v", key, name, err)
			continue
		}
		if ok {
			return entry, true
		}
	}
	return Entry{}, false
}

func (m *Manager) store(ctx context.Context, role Role, key string, entry Entry) {
	version, _ := m.activeSnapshot()
	if version == "" || !m.storageAvailable("cache put") {
		return
	}
	name := GenerationName(m.namespace, role, version)
	cache, err := m.storage.Open(ctx, name)
	if err != nil {
		m.logf("cache open %s failed: %v", name, err)
		return
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = m.now()
	}
	if err := cache.Put(ctx, key, entry); err != nil {
		m.logf("cache put %s in %s failed: %v", key, name, err)
	}
}

func writeEntry(w http.ResponseWriter, r *http.Request, entry Entry, source string) {
	for name, values := range entry.Header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.Header().Set("X-Fieldalert-Cache", source)
	w.Header().Set("Content-Length", strconv.Itoa(len(entry.Body)))
	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(entry.Body)
}

func isNavigation(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func isAPIPath(path string) bool {
	return strings.HasPrefix(path, "/api/") || strings.HasPrefix(path, "/rest/")
}
