package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/fieldalert/internal/alerts"
	"github.com/agentworkforce/fieldalert/internal/cachegen"
	"github.com/agentworkforce/fieldalert/internal/config"
	"github.com/agentworkforce/fieldalert/internal/connectivity"
	"github.com/agentworkforce/fieldalert/internal/httpapi"
	"github.com/agentworkforce/fieldalert/internal/kvstore"
	"github.com/agentworkforce/fieldalert/internal/realtime"
	"github.com/agentworkforce/fieldalert/internal/telemetry"
)

var version = "dev"

const lastConnectivityKey = "connectivity:last"

func main() {
	envFile := flag.String("env-file", ".env", "optional .env file applied before the environment is read")
	userID := flag.String("user", "", "user to watch (overrides FIELDALERT_USER_ID)")
	relayURL := flag.String("relay-url", "", "relay base URL (overrides FIELDALERT_RELAY_URL)")
	addr := flag.String("addr", "", "local listen address (overrides FIELDALERT_AGENT_ADDR)")
	flag.Parse()

	log.SetPrefix("[FIELDALERT-AGENT] ")
	if _, err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("failed to load %s: %v", *envFile, err)
	}
	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	applyFlagOverrides(&cfg, *userID, *relayURL, *addr)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(rootCtx, "fieldalert-agent", version)
	if err != nil {
		log.Printf("tracing disabled: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	store, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("failed to initialize storage: %v", err)
	}
	defer store.Close()

	monitor, err := buildMonitor(cfg)
	if err != nil {
		log.Fatalf("failed to initialize connectivity monitor: %v", err)
	}

	hub := httpapi.NewHub(httpapi.HubOptions{Logger: log.Default()})
	recent := newRecentAlerts(alerts.BroadcastSurface{
		Target:   hub,
		Fallback: alerts.LogSurface{Logger: log.Default()},
	}, store, cfg.RecentAlertsLimit)
	surface := alerts.NewRegistry(registerSurface(recent))
	go func() {
		if _, err := surface.Surface(rootCtx); err != nil {
			log.Printf("alert surface registration failed: %v", err)
		}
	}()
	receiver, err := alerts.NewReceiver(surface, hub, alerts.ReceiverOptions{
		Language: cfg.Language,
		Origin:   cfg.AppOrigin,
		Logger:   log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize alert receiver: %v", err)
	}

	cache, fetcher, err := buildCache(cfg, hub)
	if err != nil {
		log.Fatalf("failed to initialize cache: %v", err)
	}

	engine, err := buildEngine(cfg, surface, receiver)
	if err != nil {
		log.Fatalf("failed to initialize realtime engine: %v", err)
	}

	monitor.OnChange(func(state connectivity.State) {
		store.SetJSON(lastConnectivityKey, state, kvstore.ScopeSession)
		if !state.Online {
			log.Printf("offline; serving from cache")
			return
		}
		log.Printf("back online")
		// Reminders that fell due while offline are caught up at once.
		if engine.Status().State == realtime.StateSubscribed {
			go engine.RunLookahead(rootCtx)
		}
	})
	if err := monitor.Start(rootCtx); err != nil {
		log.Fatalf("failed to start connectivity monitor: %v", err)
	}
	defer monitor.Stop()

	go installCache(rootCtx, cfg, cache)

	if err := engine.Start(rootCtx, cfg.UserID); err != nil {
		if !errors.Is(err, realtime.ErrDisabled) {
			log.Fatalf("failed to start realtime engine: %v", err)
		}
		log.Printf("realtime alerts disabled")
	}
	defer engine.Stop()

	server := httpapi.NewServer(httpapi.Deps{
		Receiver: receiver,
		Hub:      hub,
		Monitor:  monitor,
		Cache:    cache,
		Engine:   engine,
		Fallback: withRecentAlerts(recent, cache.Handler(fetcher)),
	}, httpapi.ServerConfig{
		JWTSecret:          cfg.Security.JWTSecret,
		InternalHMACSecret: cfg.Security.InternalHMACSecret,
		InternalMaxSkew:    cfg.Security.InternalMaxSkew,
		RateLimitMax:       cfg.Security.RateLimitMax,
		RateLimitWindow:    cfg.Security.RateLimitWindow,
		MaxBodyBytes:       cfg.Security.MaxBodyBytes,
		OriginPatterns:     originPatterns(cfg.AppOrigin),
		Logger:             log.Default(),
	})

	httpServer := &http.Server{Addr: cfg.Addr, Handler: server}
	go func() {
		<-rootCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("shutdown failed: %v", err)
		}
	}()

	log.Printf("fieldalert agent for %s listening on %s (relay %s)", cfg.UserID, cfg.Addr, cfg.RelayURL)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
	log.Printf("fieldalert agent stopped")
}

func applyFlagOverrides(cfg *config.Agent, userID, relayURL, addr string) {
	if v := strings.TrimSpace(userID); v != "" {
		cfg.UserID = v
	}
	if v := strings.TrimSpace(relayURL); v != "" {
		cfg.RelayURL = v
	}
	if v := strings.TrimSpace(addr); v != "" {
		cfg.Addr = v
	}
}

func buildStore(cfg config.Agent) (*kvstore.Store, error) {
	durableDSN, sessionDSN, err := cfg.StorageDSNs()
	if err != nil {
		return nil, err
	}
	durable, err := kvstore.BuildBackendFromDSN(durableDSN)
	if err != nil {
		return nil, err
	}
	session, err := kvstore.BuildBackendFromDSN(sessionDSN)
	if err != nil {
		return nil, err
	}
	store := kvstore.New(kvstore.Options{Durable: durable, Session: session, Logger: log.Default()})
	if !store.IsAvailable(kvstore.ScopeDurable) {
		log.Printf("durable storage unavailable; recent alerts are not kept")
	}
	store.ClearOldData(kvstore.ScopeDurable)
	return store, nil
}

func buildMonitor(cfg config.Agent) (*connectivity.Monitor, error) {
	var prober connectivity.Prober = connectivity.InterfaceProber{}
	if probeURL := strings.TrimSpace(cfg.ProbeURL); probeURL != "" {
		prober = connectivity.NewHTTPProber(probeURL, 0)
	}
	return connectivity.NewMonitor(prober, connectivity.Options{
		SampleInterval: cfg.SampleInterval,
		Sources:        []connectivity.EventSource{connectivity.NewNetlinkSource(prober, log.Default())},
		Logger:         log.Default(),
	})
}

func buildCache(cfg config.Agent, hub *httpapi.Hub) (*cachegen.Manager, *cachegen.HTTPFetcher, error) {
	storage, err := cachegen.NewDiskStorage(cfg.CacheDirectory())
	if err != nil {
		return nil, nil, err
	}
	fetcher, err := cachegen.NewHTTPFetcher(cfg.AppOrigin, &http.Client{Timeout: cfg.RequestTimeout})
	if err != nil {
		return nil, nil, err
	}
	cache := cachegen.NewManager(storage, cachegen.Options{
		Fetcher: fetcher,
		Logger:  log.Default(),
		Reload: func(ctx context.Context) {
			reloadWindows(ctx, hub)
		},
	})
	cache.OnUpdateAvailable(func(gen cachegen.Generation) {
		n := hub.Broadcast(realtime.WireMessage{Type: realtime.MessageUpdate, Version: gen.Version})
		log.Printf("cache %s waiting for confirmation; notified %d windows", gen.Version, n)
	})
	return cache, fetcher, nil
}

// reloadWindows navigates every connected window to where it already is so
// it picks up the freshly activated generation.
func reloadWindows(ctx context.Context, hub *httpapi.Hub) {
	windows, err := hub.Windows(ctx)
	if err != nil {
		log.Printf("list windows for reload failed: %v", err)
		return
	}
	for _, window := range windows {
		if window.URL() == "" {
			continue
		}
		if err := window.Navigate(ctx, window.URL()); err != nil {
			log.Printf("reload window failed: %v", err)
		}
	}
}

func installCache(ctx context.Context, cfg config.Agent, cache *cachegen.Manager) {
	manifest := cachegen.DefaultManifest()
	path := strings.TrimSpace(cfg.CacheManifest)
	if path != "" {
		loaded, err := cachegen.LoadManifest(path)
		if err != nil {
			log.Printf("cache manifest %s unusable, using defaults: %v", path, err)
		} else {
			manifest = loaded
		}
	}
	if err := cache.Install(ctx, manifest); err != nil {
		log.Printf("cache install failed: %v", err)
	}
	if path == "" || !cfg.WatchManifest {
		return
	}
	if err := cache.WatchManifest(ctx, path); err != nil {
		log.Printf("cache manifest watch stopped: %v", err)
	}
}

func buildEngine(cfg config.Agent, surface alerts.Surface, receiver *alerts.Receiver) (*realtime.Engine, error) {
	streamURL := strings.TrimRight(cfg.RelayURL, "/") + "/v1/stream"
	assignments, err := realtime.NewWebsocketStream(realtime.WebsocketStreamOptions{
		URL:             streamURL,
		Token:           cfg.RelayToken,
		ReconnectDelay:  cfg.ReconnectDelay,
		ReconnectJitter: cfg.ReconnectJitter,
		ReceiveAlerts:   true,
		OnMessage: func(ctx context.Context, msg realtime.WireMessage) {
			forwardAlert(ctx, receiver, msg)
		},
		Logger: log.Default(),
	})
	if err != nil {
		return nil, err
	}
	updates, err := realtime.NewWebsocketStream(realtime.WebsocketStreamOptions{
		URL:             streamURL,
		Token:           cfg.RelayToken,
		ReconnectDelay:  cfg.ReconnectDelay,
		ReconnectJitter: cfg.ReconnectJitter,
		Logger:          log.Default(),
	})
	if err != nil {
		return nil, err
	}
	location, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, err
	}
	origin := strings.TrimRight(cfg.AppOrigin, "/")
	return realtime.NewEngine(realtime.EngineOptions{
		Assignments:   assignments,
		Updates:       updates,
		Lookup:        realtime.NewHTTPLookup(cfg.RelayURL, cfg.RelayToken, &http.Client{Timeout: cfg.RequestTimeout}),
		Surface:       surface,
		PollInterval:  cfg.PollInterval,
		SweepInterval: cfg.SweepInterval,
		Language:      cfg.Language,
		Location:      location,
		EntityURL:     func(id string) string { return origin + "/interventions/" + id },
		Disabled:      cfg.RealtimeDisabled,
		Logger:        log.Default(),
	})
}

// forwardAlert renders alert frames pushed through the relay.
func forwardAlert(ctx context.Context, receiver *alerts.Receiver, msg realtime.WireMessage) {
	if msg.Type != realtime.MessageAlert || len(msg.Alert) == 0 {
		return
	}
	if _, err := receiver.Receive(ctx, msg.Alert); err != nil {
		log.Printf("relayed alert not rendered: %v", err)
	}
}

func originPatterns(origin string) []string {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return nil
	}
	host := origin
	if idx := strings.Index(host, "://"); idx >= 0 {
		host = host[idx+3:]
	}
	host = strings.TrimRight(host, "/")
	if host == "" {
		return nil
	}
	return []string{host}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
