// Package kvstore is a fault-tolerant key-value layer over a durable and a
// session-scoped backend. It survives unavailable backends, quota exhaustion
// and corrupted payloads: every failure degrades to "absent" or "not written".
package kvstore

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Scope selects which backend an operation targets.
type Scope string

const (
	ScopeDurable Scope = "durable"
	ScopeSession Scope = "session"
)

const (
	probeKey      = "__fieldalert_probe__"
	defaultMaxAge = 7 * 24 * time.Hour
)

var defaultTransientPrefixes = []string{"cache:", "cache_", "tmp:", "temp_"}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Durable           Backend
	Session           Backend
	MaxAge            time.Duration
	TransientPrefixes []string
	Logger            Logger
	Clock             func() time.Time
}

type Store struct {
	backends          map[Scope]Backend
	maxAge            time.Duration
	transientPrefixes []string
	logger            Logger
	clock             func() time.Time
}

// envelope wraps every stored value so eviction only depends on metadata.
type envelope struct {
	Value     string `json:"v"`
	StoredAt  int64  `json:"t"`
	ExpiresAt int64  `json:"x,omitempty"`
	Transient bool   `json:"tr,omitempty"`
}

func New(opts Options) *Store {
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	prefixes := opts.TransientPrefixes
	if prefixes == nil {
		prefixes = defaultTransientPrefixes
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	backends := map[Scope]Backend{}
	if opts.Durable != nil {
		backends[ScopeDurable] = opts.Durable
	}
	if opts.Session != nil {
		backends[ScopeSession] = opts.Session
	}
	return &Store{
		backends:          backends,
		maxAge:            maxAge,
		transientPrefixes: append([]string(nil), prefixes...),
		logger:            opts.Logger,
		clock:             clock,
	}
}

// IsAvailable performs a real write/read/delete round trip on the scope.
func (s *Store) IsAvailable(scope Scope) bool {
	backend, ok := s.backend(scope)
	if !ok {
		return false
	}
	marker := "probe"
	if err := backend.Set(probeKey, marker); err != nil {
		s.logf("storage %s unavailable: %v", scope, err)
		return false
	}
	got, err := backend.Get(probeKey)
	_ = backend.Delete(probeKey)
	if err != nil || got != marker {
		s.logf("storage %s failed probe read: %v", scope, err)
		return false
	}
	return true
}

// Get returns the stored string or reports the key absent. It never fails.
func (s *Store) Get(key string, scope Scope) (string, bool) {
	backend, ok := s.backend(scope)
	if !ok {
		return "", false
	}
	raw, err := backend.Get(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logf("storage get %s (%s) failed: %v", key, scope, err)
		}
		return "", false
	}
	env, ok := decodeEnvelope(raw)
	if !ok {
		s.logf("storage entry %s (%s) is corrupted; deleting", key, scope)
		s.deleteQuietly(backend, key, scope)
		return "", false
	}
	if env.ExpiresAt > 0 && !s.now().Before(time.UnixMilli(env.ExpiresAt)) {
		s.deleteQuietly(backend, key, scope)
		return "", false
	}
	return env.Value, true
}

// Set stores value under key. On quota exhaustion it evicts old and transient
// entries and retries exactly once.
func (s *Store) Set(key, value string, scope Scope) bool {
	return s.put(key, value, 0, scope)
}

// SetWithTTL stores value with an explicit expiry.
func (s *Store) SetWithTTL(key, value string, ttl time.Duration, scope Scope) bool {
	return s.put(key, value, ttl, scope)
}

func (s *Store) Delete(key string, scope Scope) bool {
	backend, ok := s.backend(scope)
	if !ok {
		return false
	}
	if err := backend.Delete(key); err != nil {
		s.logf("storage delete %s (%s) failed: %v", key, scope, err)
		return false
	}
	return true
}

// GetJSON decodes the stored value into dst. A value that does not decode is
// deleted and dst is left untouched.
func (s *Store) GetJSON(key string, dst any, scope Scope) bool {
	raw, ok := s.Get(key, scope)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		s.logf("storage entry %s (%s) holds invalid json; deleting: %v", key, scope, err)
		if backend, ok := s.backend(scope); ok {
			s.deleteQuietly(backend, key, scope)
		}
		return false
	}
	return true
}

func (s *Store) SetJSON(key string, value any, scope Scope) bool {
	data, err := json.Marshal(value)
	if err != nil {
		s.logf("storage encode %s failed: %v", key, err)
		return false
	}
	return s.Set(key, string(data), scope)
}

// GetJSONOr returns the decoded value stored under key, or def.
func GetJSONOr[T any](s *Store, key string, def T, scope Scope) T {
	var out T
	if !s.GetJSON(key, &out, scope) {
		return def
	}
	return out
}

// ClearOldData removes entries older than MaxAge, expired entries, corrupted
// envelopes and anything namespaced as transient. It returns how many keys
// were removed.
func (s *Store) ClearOldData(scope Scope) int {
	backend, ok := s.backend(scope)
	if !ok {
		return 0
	}
	keys, err := backend.Keys()
	if err != nil {
		s.logf("storage list %s failed: %v", scope, err)
		return 0
	}
	now := s.now()
	removed := 0
	for _, key := range keys {
		if key == probeKey {
			continue
		}
		evict := s.isTransientKey(key)
		if !evict {
			raw, getErr := backend.Get(key)
			if getErr != nil {
				continue
			}
			env, ok := decodeEnvelope(raw)
			evict = !ok || s.isStale(env, now)
		}
		if !evict {
			continue
		}
		if err := backend.Delete(key); err != nil {
			s.logf("storage evict %s (%s) failed: %v", key, scope, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logf("storage %s evicted %d entries", scope, removed)
	}
	return removed
}

func (s *Store) put(key, value string, ttl time.Duration, scope Scope) bool {
	backend, ok := s.backend(scope)
	if !ok {
		return false
	}
	now := s.now()
	env := envelope{
		Value:     value,
		StoredAt:  now.UnixMilli(),
		Transient: s.isTransientKey(key),
	}
	if ttl > 0 {
		env.ExpiresAt = now.Add(ttl).UnixMilli()
	}
	data, err := json.Marshal(env)
	if err != nil {
		s.logf("storage encode %s failed: %v", key, err)
		return false
	}
	err = backend.Set(key, string(data))
	if err == nil {
		return true
	}
	if !errors.Is(err, ErrQuotaExceeded) {
		s.logf("storage set %s (%s) failed: %v", key, scope, err)
		return false
	}
	s.logf("storage %s quota exceeded writing %s; clearing old data", scope, key)
	s.ClearOldData(scope)
	if err := backend.Set(key, string(data)); err != nil {
		s.logf("storage set %s (%s) failed after eviction: %v", key, scope, err)
		return false
	}
	return true
}

func (s *Store) isStale(env envelope, now time.Time) bool {
	if env.Transient {
		return true
	}
	if env.ExpiresAt > 0 && !now.Before(time.UnixMilli(env.ExpiresAt)) {
		return true
	}
	return now.Sub(time.UnixMilli(env.StoredAt)) > s.maxAge
}

func (s *Store) isTransientKey(key string) bool {
	for _, prefix := range s.transientPrefixes {
		if prefix != "" && strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func (s *Store) backend(scope Scope) (Backend, bool) {
	if s == nil {
		return nil, false
	}
	backend, ok := s.backends[scope]
	return backend, ok && backend != nil
}

func (s *Store) deleteQuietly(backend Backend, key string, scope Scope) {
	if err := backend.Delete(key); err != nil {
		s.logf("storage delete %s (%s) failed: %v", key, scope, err)
	}
}

// Close releases backends that hold resources.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var firstErr error
	for _, backend := range s.backends {
		closer, ok := backend.(backendCloser)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) now() time.Time {
	if s.clock == nil {
		return time.Now()
	}
	return s.clock()
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func decodeEnvelope(raw string) (envelope, bool) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return envelope{}, false
	}
	if env.StoredAt <= 0 {
		return envelope{}, false
	}
	return env, true
}
