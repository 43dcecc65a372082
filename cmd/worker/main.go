// cmd/worker runs the DlDataBuffer janitor: a ticker-driven sweep that
// deletes expired downlink-correlation buffer entries the routing
// engine's downlink path leaves behind when no matching result ever
// arrives (spec.md §4.6, Open Question "DlDataBuffer sweeper" — resolved
// in DESIGN.md). Grounded on the teacher's cmd/worker janitor shape:
// run once at startup, then on every tick, until a shutdown signal.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/nimbusgrid/iotbroker/internal/config"
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

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		log.Error("database_connect_failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	buffers := postgres.NewDlDataBufferRepository(pool)

	interval := 5 * time.Minute
	log.Info("janitor_started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	runSweep(ctx, buffers, log)

	for {
		select {
		case <-ticker.C:
			runSweep(ctx, buffers, log)
		case <-quit:
			log.Info("janitor_shutdown")
			return
		}
	}
}

func runSweep(ctx context.Context, buffers storage.DlDataBufferRepository, log *slog.Logger) {
	n, err := buffers.DelExpired(ctx)
	if err != nil {
		log.Error("sweep_failed", "error", err)
		return
	}
	if n > 0 {
		log.Info("sweep_complete", "deleted", n)
	}
}
