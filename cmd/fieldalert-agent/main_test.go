package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentworkforce/fieldalert/internal/alerts"
	"github.com/agentworkforce/fieldalert/internal/config"
	"github.com/agentworkforce/fieldalert/internal/kvstore"
	"github.com/agentworkforce/fieldalert/internal/realtime"
)

func newMemoryStore() *kvstore.Store {
	return kvstore.New(kvstore.Options{Durable: kvstore.NewMemoryBackend(0)})
}

func TestRecentAlertsKeepsNewestFirstUpToLimit(t *testing.T) {
	shown := 0
	recent := newRecentAlerts(alerts.SurfaceFunc(func(context.Context, string, alerts.Descriptor) error {
		shown++
		return nil
	}), newMemoryStore(), 2)

	for _, title := range []string{"a", "b", "c"} {
		if err := recent.ShowAlert(context.Background(), title, alerts.Descriptor{Tag: title}); err != nil {
			t.Fatalf("show %s: %v", title, err)
		}
	}
	if shown != 3 {
		t.Fatalf("expected every alert forwarded, got %d", shown)
	}
	list := recent.List()
	if len(list) != 2 || list[0].Title != "c" || list[1].Title != "b" {
		t.Fatalf("unexpected recent alerts %+v", list)
	}
}

func TestRecentAlertsRecordsFailedRenders(t *testing.T) {
	failure := errors.New("no surface")
	recent := newRecentAlerts(alerts.SurfaceFunc(func(context.Context, string, alerts.Descriptor) error {
		return failure
	}), newMemoryStore(), 5)

	if err := recent.ShowAlert(context.Background(), "x", alerts.Descriptor{}); !errors.Is(err, failure) {
		t.Fatalf("expected render error to propagate, got %v", err)
	}
	if list := recent.List(); len(list) != 1 || list[0].Rendered {
		t.Fatalf("expected unrendered entry, got %+v", list)
	}
}

func TestSurfaceRegistrationRunsOnceAndTrims(t *testing.T) {
	store := newMemoryStore()
	long := newRecentAlerts(alerts.SurfaceFunc(func(context.Context, string, alerts.Descriptor) error {
		return nil
	}), store, 5)
	for _, title := range []string{"a", "b", "c", "d"} {
		_ = long.ShowAlert(context.Background(), title, alerts.Descriptor{})
	}

	shown := 0
	recent := newRecentAlerts(alerts.SurfaceFunc(func(context.Context, string, alerts.Descriptor) error {
		shown++
		return nil
	}), store, 2)
	registrations := 0
	register := registerSurface(recent)
	registry := alerts.NewRegistry(func(ctx context.Context) (alerts.Surface, error) {
		registrations++
		return register(ctx)
	})

	for i := 0; i < 3; i++ {
		if err := registry.ShowAlert(context.Background(), "e", alerts.Descriptor{}); err != nil {
			t.Fatalf("show through registry: %v", err)
		}
	}
	if registrations != 1 {
		t.Fatalf("expected one registration, got %d", registrations)
	}
	if shown != 3 {
		t.Fatalf("expected three rendered alerts, got %d", shown)
	}
	list := recent.List()
	if len(list) != 2 || list[0].Title != "e" || list[1].Title != "e" {
		t.Fatalf("expected list trimmed to limit, got %+v", list)
	}
}

func TestSurfaceRegistrationWithoutRecentFails(t *testing.T) {
	registry := alerts.NewRegistry(registerSurface(nil))
	if err := registry.ShowAlert(context.Background(), "x", alerts.Descriptor{}); !errors.Is(err, alerts.ErrSurfaceUnavailable) {
		t.Fatalf("expected ErrSurfaceUnavailable, got %v", err)
	}
}

func TestRecentAlertsDisabledWithZeroLimit(t *testing.T) {
	recent := newRecentAlerts(alerts.SurfaceFunc(func(context.Context, string, alerts.Descriptor) error {
		return nil
	}), newMemoryStore(), 0)
	_ = recent.ShowAlert(context.Background(), "x", alerts.Descriptor{})
	if list := recent.List(); len(list) != 0 {
		t.Fatalf("expected nothing recorded, got %+v", list)
	}
}

func TestRecentAlertsEndpoint(t *testing.T) {
	recent := newRecentAlerts(alerts.SurfaceFunc(func(context.Context, string, alerts.Descriptor) error {
		return nil
	}), newMemoryStore(), 5)
	_ = recent.ShowAlert(context.Background(), "Nouvelle intervention", alerts.Descriptor{})

	fallbackHit := false
	handler := withRecentAlerts(recent, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackHit = true
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/alerts/recent", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Alerts []recentAlert `json:"alerts"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Alerts) != 1 || body.Alerts[0].Title != "Nouvelle intervention" {
		t.Fatalf("unexpected alerts %+v", body.Alerts)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/alerts/recent", nil))
	if rec.Code != http.StatusNoContent || len(recent.List()) != 0 {
		t.Fatalf("expected cleared list, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/planning", nil))
	if !fallbackHit {
		t.Fatalf("expected other paths to reach the fallback")
	}
}

func TestForwardAlertRendersOnlyAlertFrames(t *testing.T) {
	var titles []string
	receiver, err := alerts.NewReceiver(alerts.SurfaceFunc(func(_ context.Context, title string, _ alerts.Descriptor) error {
		titles = append(titles, title)
		return nil
	}), nil, alerts.ReceiverOptions{})
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	forwardAlert(context.Background(), receiver, realtime.WireMessage{Type: realtime.MessageFocus})
	forwardAlert(context.Background(), receiver, realtime.WireMessage{Type: realtime.MessageAlert})
	forwardAlert(context.Background(), receiver, realtime.WireMessage{Type: realtime.MessageAlert, Alert: json.RawMessage(`{"title":"Urgent"}`)})
	if len(titles) != 1 || titles[0] != "Urgent" {
		t.Fatalf("expected one rendered alert, got %v", titles)
	}
}

func TestApplyFlagOverrides(t *testing.T) {
	cfg := config.Agent{UserID: "env-user", RelayURL: "http://relay:8090", Addr: "127.0.0.1:8091"}
	applyFlagOverrides(&cfg, " tech_1 ", "", "")
	if cfg.UserID != "tech_1" || cfg.RelayURL != "http://relay:8090" || cfg.Addr != "127.0.0.1:8091" {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
}

func TestOriginPatterns(t *testing.T) {
	if got := originPatterns("http://localhost:3000/"); len(got) != 1 || got[0] != "localhost:3000" {
		t.Fatalf("unexpected patterns %v", got)
	}
	if got := originPatterns(""); got != nil {
		t.Fatalf("expected no patterns, got %v", got)
	}
}

func TestBuildStoreUsesProfile(t *testing.T) {
	store, err := buildStore(config.Agent{StorageProfile: "durable-local", DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("build store: %v", err)
	}
	defer store.Close()
	if !store.IsAvailable(kvstore.ScopeDurable) || !store.IsAvailable(kvstore.ScopeSession) {
		t.Fatalf("expected both scopes available")
	}
	if _, err := buildStore(config.Agent{StorageProfile: "floppy"}); err == nil {
		t.Fatalf("expected unknown profile to fail")
	}
}

func TestBuildEngineRejectsBadRelayURL(t *testing.T) {
	cfg := config.Agent{RelayURL: "ftp://relay", TimeZone: "Europe/Paris"}
	if _, err := buildEngine(cfg, alerts.LogSurface{}, nil); err == nil {
		t.Fatalf("expected unsupported scheme to fail")
	}
	cfg = config.Agent{RelayURL: "http://relay:8090", TimeZone: "Europe/Paris", PollInterval: time.Minute}
	engine, err := buildEngine(cfg, alerts.LogSurface{}, nil)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	if engine.Status().State != realtime.StateIdle {
		t.Fatalf("expected idle engine, got %s", engine.Status().State)
	}
}
