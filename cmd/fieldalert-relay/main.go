package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentworkforce/fieldalert/internal/config"
	"github.com/agentworkforce/fieldalert/internal/httpapi"
	"github.com/agentworkforce/fieldalert/internal/kvstore"
	"github.com/agentworkforce/fieldalert/internal/realtime"
	"github.com/agentworkforce/fieldalert/internal/telemetry"
)

var version = "dev"

func main() {
	envFile := flag.String("env-file", ".env", "optional .env file applied before the environment is read")
	flag.Parse()

	log.SetPrefix("[FIELDALERT-RELAY] ")
	if _, err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("failed to load %s: %v", *envFile, err)
	}
	cfg, err := config.LoadRelay()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(rootCtx, "fieldalert-relay", version)
	if err != nil {
		log.Printf("tracing disabled: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	store, err := buildDirectoryStore(cfg)
	if err != nil {
		log.Fatalf("failed to initialize directory storage: %v", err)
	}
	defer store.Close()

	broker := realtime.NewBroker()
	defer broker.Close()
	directory := realtime.NewMemoryLookup()
	persist, err := restoreDirectory(rootCtx, store, directory, broker)
	if err != nil {
		log.Fatalf("failed to subscribe directory persistence: %v", err)
	}
	defer persist()

	var mirror *changeMirror
	if cfg.ChangesDSN != "" {
		db, err := sql.Open("postgres", cfg.ChangesDSN)
		if err != nil {
			log.Fatalf("failed to open postgres change mirror: %v", err)
		}
		defer db.Close()
		mirror = newChangeMirror(db, cfg.ChangesChannel)
		changes, err := startPostgresChanges(rootCtx, cfg, mirror, directory, broker)
		if err != nil {
			log.Fatalf("failed to start postgres change stream: %v", err)
		}
		defer changes.Close()
	}

	hub := httpapi.NewHub(httpapi.HubOptions{Logger: log.Default()})
	deps := httpapi.Deps{
		Hub:       hub,
		Broker:    broker,
		Directory: directory,
	}
	if mirror != nil {
		deps.Mirror = mirror.Publish
	}
	server := httpapi.NewServer(deps, httpapi.ServerConfig{
		JWTSecret:          cfg.Security.JWTSecret,
		InternalHMACSecret: cfg.Security.InternalHMACSecret,
		InternalMaxSkew:    cfg.Security.InternalMaxSkew,
		RateLimitMax:       cfg.Security.RateLimitMax,
		RateLimitWindow:    cfg.Security.RateLimitWindow,
		MaxBodyBytes:       cfg.Security.MaxBodyBytes,
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

	log.Printf("fieldalert relay listening on %s", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
	log.Printf("fieldalert relay stopped")
}

// startPostgresChanges feeds pg_notify events into the directory and the
// broker, alongside changes posted to /v1/changes. Notifications this relay
// mirrored itself were already applied and are skipped.
func startPostgresChanges(ctx context.Context, cfg config.Relay, mirror *changeMirror, directory *realtime.MemoryLookup, broker *realtime.Broker) (*realtime.PostgresStream, error) {
	stream, err := realtime.NewPostgresStream(realtime.PostgresStreamOptions{
		DSN:     cfg.ChangesDSN,
		Channel: cfg.ChangesChannel,
		Logger:  log.Default(),
	})
	if err != nil {
		return nil, err
	}
	if err := stream.Start(ctx); err != nil {
		return nil, err
	}
	if _, err := stream.Subscribe(ctx, realtime.Filter{}, applyRemoteChange(mirror, directory, broker)); err != nil {
		_ = stream.Close()
		return nil, err
	}
	log.Printf("listening for postgres changes on %s", cfg.ChangesChannel)
	return stream, nil
}

func applyRemoteChange(mirror *changeMirror, directory *realtime.MemoryLookup, broker *realtime.Broker) func(context.Context, realtime.ChangeEvent) {
	return func(ctx context.Context, event realtime.ChangeEvent) {
		if mirror.Echo(event) {
			return
		}
		directory.Apply(ctx, event)
		broker.Publish(event)
	}
}

func buildDirectoryStore(cfg config.Relay) (*kvstore.Store, error) {
	dsn, err := cfg.DirectoryStorageDSN()
	if err != nil {
		return nil, err
	}
	backend, err := kvstore.BuildBackendFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if backend == nil {
		log.Printf("no directory storage configured; directory is lost on restart")
	}
	return kvstore.New(kvstore.Options{Durable: backend, Logger: log.Default()}), nil
}
