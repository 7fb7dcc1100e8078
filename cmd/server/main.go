package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gorilla/handlers"

	"github.com/example/driver-presence/internal/config"
	"github.com/example/driver-presence/internal/events"
	"github.com/example/driver-presence/internal/geo"
	httpapi "github.com/example/driver-presence/internal/http"
	"github.com/example/driver-presence/internal/liveness"
	"github.com/example/driver-presence/internal/logging"
	"github.com/example/driver-presence/internal/payouts"
	"github.com/example/driver-presence/internal/presence"
	"github.com/example/driver-presence/internal/profiles"
	"github.com/example/driver-presence/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	loc, err := cfg.ExpiryLocation()
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	// Store backends: Redis in production, in-process for local runs.
	var (
		records storage.RecordStore
		leases  liveness.LeaseStore
		pools   geo.PoolIndex
	)
	if cfg.RedisAddr != "" {
		client := storage.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
		records = storage.NewRedisRecords(client, loc)
		leases = liveness.NewRedisLeases(client)
		pools = geo.NewRedisPools(client)
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process stores")
		records = storage.NewMemoryRecords(loc)
		leases = liveness.NewMemoryLeases()
		pools = geo.NewMemoryPools()
	}

	var sink presence.EventSink
	if len(cfg.KafkaBrokers) > 0 {
		pub := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logging.ForComponent(logger, "events"))
		defer pub.Close()
		sink = pub
	}

	var profileStore profiles.Store
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN, logger)
		}
		ps, err := profiles.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		profileStore = ps
	}

	var linker httpapi.PayoutLinker
	if cfg.StripeAPIKey != "" {
		linker = payouts.NewStripeLinker(cfg.StripeAPIKey, cfg.StripeReturnURL)
	}

	coord := presence.NewCoordinator(records, leases, pools, logging.ForComponent(logger, "presence"), presence.Options{
		IdleLeaseTTL: cfg.IdleLeaseTTL,
		RideLeaseTTL: cfg.RideLeaseTTL,
		Events:       sink,
	})

	api := httpapi.NewServer(coord, profileStore, linker, logging.ForComponent(logger, "http"), httpapi.Config{
		StoreTimeout:       cfg.StoreTimeout,
		NearbyDefaultLimit: cfg.NearbyDefaultLimit,
	})

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      cors(api),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("driver-presence listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("server stopped")
}

func runMigrations(dsn string, logger *slog.Logger) {
	m, err := migrate.New("file://migrations", dsn)
	if err != nil {
		logger.Error("migrate init", "error", err)
		return
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		logger.Error("migrate up", "error", err)
		return
	}
	logger.Info("migrations applied")
}
