package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nimbusgrid/iotbroker/internal/api"
	"github.com/nimbusgrid/iotbroker/internal/audit"
	"github.com/nimbusgrid/iotbroker/internal/auth"
	"github.com/nimbusgrid/iotbroker/internal/cache"
	"github.com/nimbusgrid/iotbroker/internal/config"
	"github.com/nimbusgrid/iotbroker/internal/controlbus"
	"github.com/nimbusgrid/iotbroker/internal/manager"
	"github.com/nimbusgrid/iotbroker/internal/queue"
	"github.com/nimbusgrid/iotbroker/internal/queue/transport"
	"github.com/nimbusgrid/iotbroker/internal/routing"
	"github.com/nimbusgrid/iotbroker/internal/storage"
	"github.com/nimbusgrid/iotbroker/internal/storage/document"
	"github.com/nimbusgrid/iotbroker/internal/storage/postgres"
	"github.com/nimbusgrid/iotbroker/pkg/logger"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.Setup(cfg.Env)
	log.Info("application_startup", "env", cfg.Env)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN, TracesSampleRate: 1.0, Environment: cfg.Env}); err != nil {
			log.Error("sentry_init_failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx := context.Background()

	repos, ping, closeStore, err := openRepositories(ctx, cfg)
	if err != nil {
		log.Error("storage_open_failed", "error", err)
		os.Exit(1)
	}
	defer closeStore()
	log.Info("storage_connected", "engine", cfg.DBEngine)

	lookupCache := openCache(cfg)

	pool := queue.NewPool(transport.Dial)
	ctrlConn, err := pool.Acquire(ctx, cfg.CtrlURL)
	if err != nil {
		log.Error("control_bus_dial_failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = pool.Release(cfg.CtrlURL) }()

	registry := manager.NewRegistry()
	defer registry.CloseAll()

	lifecycle := &manager.Lifecycle{
		Registry: registry,
		Pool:     pool,
		Repos:    repos,
		Log:      log,
		MQOptions: queue.Options{
			Prefetch:     cfg.MQPrefetch,
			Persistent:   cfg.MQPersistent,
			SharedPrefix: cfg.MQSharedPrefix,
		},
	}

	telemetry, err := routing.NewTelemetry(ctx, ctrlConn, log)
	if err != nil {
		log.Error("telemetry_dial_failed", "error", err)
		os.Exit(1)
	}
	engine := routing.New(repos, lookupCache, registry, telemetry, log, cfg.DlDataBufferTTL, 0)
	lifecycle.OnDlData = engine.OnDlData
	lifecycle.OnUlData = engine.OnUlData
	lifecycle.OnDlDataResult = engine.OnDlDataResult

	bus := controlbus.New(ctrlConn, log, manager.NewControlHandler(lifecycle, repos, lookupCache, log))
	if err := bus.Start(ctx); err != nil {
		log.Error("control_bus_start_failed", "error", err)
		os.Exit(1)
	}

	if err := lifecycle.Reconcile(ctx); err != nil {
		log.Error("manager_reconcile_failed", "error", err)
		os.Exit(1)
	}

	tokenProvider := auth.NewJWTProvider(cfg.JWTSecretPEM, cfg.JWTIssuer, cfg.TokenTTL)
	mfaService := auth.NewMFAService(cfg.JWTIssuer)
	auditSvc := audit.NewJSONLoggerWith(log)
	authService := auth.NewAuthService(repos.User, repos.Client, tokenProvider, mfaService, auditSvc, log)

	server := api.NewServer(repos, lookupCache, bus, authService, tokenProvider, cfg, log, ping, auditSvc)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server_listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("server_startup_failed", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		log.Info("shutdown_signal_received", "signal", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful_shutdown_failed", "error", err)
			if err := srv.Close(); err != nil {
				log.Error("server_force_close_failed", "error", err)
			}
		}
		log.Info("server_shutdown_complete")
	}
}

// openRepositories wires the relational or document backend per
// cfg.DBEngine (spec.md §6.5: db.engine), returning a health-check ping
// function and a close func covering whichever underlying client was
// opened.
func openRepositories(ctx context.Context, cfg config.Config) (storage.Repositories, func(ctx context.Context) error, func(), error) {
	switch cfg.DBEngine {
	case storage.BackendDocument:
		client, err := document.NewClient(ctx, cfg.DBURL)
		if err != nil {
			return storage.Repositories{}, nil, func() {}, err
		}
		db := client.Database(databaseNameFromURI(cfg.DBURL))
		repos := storage.Repositories{
			Unit:         document.NewUnitRepository(db),
			Application:  document.NewApplicationRepository(db),
			Network:      document.NewNetworkRepository(db),
			Device:       document.NewDeviceRepository(db),
			DeviceRoute:  document.NewDeviceRouteRepository(db),
			NetworkRoute: document.NewNetworkRouteRepository(db),
			DlDataBuffer: document.NewDlDataBufferRepository(db),
			User:         document.NewUserRepository(db),
			Client:       document.NewClientRepository(db),
		}
		ping := func(ctx context.Context) error { return client.Ping(ctx, nil) }
		closeFn := func() { _ = client.Disconnect(ctx) }
		return repos, ping, closeFn, nil
	default:
		pool, err := postgres.NewPool(ctx, cfg.DBURL)
		if err != nil {
			return storage.Repositories{}, nil, func() {}, err
		}
		repos := storage.Repositories{
			Unit:         postgres.NewUnitRepository(pool),
			Application:  postgres.NewApplicationRepository(pool),
			Network:      postgres.NewNetworkRepository(pool),
			Device:       postgres.NewDeviceRepository(pool),
			DeviceRoute:  postgres.NewDeviceRouteRepository(pool),
			NetworkRoute: postgres.NewNetworkRouteRepository(pool),
			DlDataBuffer: postgres.NewDlDataBufferRepository(pool),
			User:         postgres.NewUserRepository(pool),
			Client:       postgres.NewClientRepository(pool),
		}
		ping := func(ctx context.Context) error { return pool.Ping(ctx) }
		closeFn := pool.Close
		return repos, ping, closeFn, nil
	}
}

// databaseNameFromURI extracts the database name from a mongodb:// URI's
// path component, e.g. "mongodb://host/iotbroker" -> "iotbroker".
func databaseNameFromURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Path, "/")
}

func openCache(cfg config.Config) *cache.Cache {
	if cfg.CacheEngine == "none" {
		return &cache.Cache{
			Device:       cache.NewNoopDevice(),
			DeviceRoute:  cache.NewNoopRouteCache(),
			NetworkRoute: cache.NewNoopRouteCache(),
		}
	}
	return &cache.Cache{
		Device:       cache.NewMemoryDevice(),
		DeviceRoute:  cache.NewMemoryRouteCache(),
		NetworkRoute: cache.NewMemoryRouteCache(),
	}
}
