// cmd/control runs a control-bus replica that keeps a manager registry
// and lookup cache in sync without serving the HTTP API — e.g. a
// dedicated downlink/uplink worker pool that never needs C7 (spec.md
// §4.5: "every broker replica" consumes the control bus, not just the
// ones fielding HTTP traffic). Grounded on the teacher's cmd/control,
// whose subcommand-dispatch shape is generalized here to "start a
// reconciled manager registry, then block until a shutdown signal".
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nimbusgrid/iotbroker/internal/cache"
	"github.com/nimbusgrid/iotbroker/internal/config"
	"github.com/nimbusgrid/iotbroker/internal/controlbus"
	"github.com/nimbusgrid/iotbroker/internal/manager"
	"github.com/nimbusgrid/iotbroker/internal/queue"
	"github.com/nimbusgrid/iotbroker/internal/queue/transport"
	"github.com/nimbusgrid/iotbroker/internal/routing"
	"github.com/nimbusgrid/iotbroker/internal/storage"
	"github.com/nimbusgrid/iotbroker/internal/storage/postgres"
	"github.com/nimbusgrid/iotbroker/pkg/logger"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.Setup(cfg.Env)
	log.Info("control_replica_startup", "env", cfg.Env)

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		log.Error("database_connect_failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

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

	lookupCache := &cache.Cache{
		Device:       cache.NewMemoryDevice(),
		DeviceRoute:  cache.NewMemoryRouteCache(),
		NetworkRoute: cache.NewMemoryRouteCache(),
	}

	queuePool := queue.NewPool(transport.Dial)
	ctrlConn, err := queuePool.Acquire(ctx, cfg.CtrlURL)
	if err != nil {
		log.Error("control_bus_dial_failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = queuePool.Release(cfg.CtrlURL) }()

	registry := manager.NewRegistry()
	defer registry.CloseAll()

	lifecycle := &manager.Lifecycle{
		Registry: registry,
		Pool:     queuePool,
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
	log.Info("control_replica_ready")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdown
	log.Info("shutdown_signal_received", "signal", sig)
}
