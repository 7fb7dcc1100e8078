// The reaper drops drivers whose heartbeat lease has lapsed. It scans
// both pools on an interval and evicts the pool entry and presence
// record of any lapsed driver, idle or mid-ride, so a crashed driver
// does not linger visible to dispatch. Store errors never cause an
// eviction: indeterminate liveness is not lapsed liveness.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/driver-presence/internal/config"
	"github.com/example/driver-presence/internal/events"
	"github.com/example/driver-presence/internal/geo"
	"github.com/example/driver-presence/internal/liveness"
	"github.com/example/driver-presence/internal/logging"
	"github.com/example/driver-presence/internal/observability"
	"github.com/example/driver-presence/internal/storage"
)

// evictionSink is the slice of the event publisher the reaper needs.
type evictionSink interface {
	DriverEvicted(driverID, pool string)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := logging.ForComponent(logging.NewLogger(cfg.LogLevel), "reaper")

	if cfg.RedisAddr == "" {
		logger.Error("REDIS_ADDR is required for the reaper")
		os.Exit(1)
	}
	loc, err := cfg.ExpiryLocation()
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	client := storage.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
	defer client.Close()
	records := storage.NewRedisRecords(client, loc)
	leases := liveness.NewRedisLeases(client)
	pools := geo.NewRedisPools(client)

	var sink evictionSink
	if len(cfg.KafkaBrokers) > 0 {
		pub := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logging.ForComponent(logger, "events"))
		defer pub.Close()
		sink = pub
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := client.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("reaper running", "interval", cfg.ReaperInterval.String())
	ticker := time.NewTicker(cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down reaper")
			return
		case <-ticker.C:
			sweep(ctx, pools, leases, records, sink, cfg.StoreTimeout, logger)
		}
	}
}

func sweep(ctx context.Context, pools geo.PoolIndex, leases liveness.LeaseStore, records storage.RecordStore, sink evictionSink, storeTimeout time.Duration, logger *slog.Logger) {
	for _, p := range []struct {
		pool geo.Pool
		lc   liveness.LeaseContext
	}{
		{geo.PoolIdle, liveness.ContextIdle},
		{geo.PoolRide, liveness.ContextRide},
	} {
		evicted, err := reapPool(ctx, pools, leases, records, sink, p.pool, p.lc, storeTimeout)
		if err != nil {
			logger.Warn("sweep failed", "pool", p.pool.String(), "error", err)
			continue
		}
		if evicted > 0 {
			logger.Info("evicted lapsed drivers", "pool", p.pool.String(), "count", evicted)
		}
	}
}

// reapPool removes every pool member whose lease for the matching
// context has expired. Liveness checks that error out are skipped, not
// treated as lapsed.
func reapPool(ctx context.Context, pools geo.PoolIndex, leases liveness.LeaseStore, records storage.RecordStore, sink evictionSink, pool geo.Pool, lc liveness.LeaseContext, storeTimeout time.Duration) (int, error) {
	opCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	members, err := pools.Members(opCtx, pool)
	cancel()
	if err != nil {
		return 0, err
	}

	evicted := 0
	for _, driverID := range members {
		opCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		alive, err := leases.IsAlive(opCtx, driverID, lc)
		if err != nil {
			cancel()
			continue
		}
		if alive {
			cancel()
			continue
		}
		if err := pools.Remove(opCtx, pool, driverID); err != nil {
			cancel()
			continue
		}
		_ = records.Remove(opCtx, driverID)
		cancel()
		evicted++
		observability.ReaperEvictionsTotal.WithLabelValues(pool.String()).Inc()
		if sink != nil {
			sink.DriverEvicted(driverID, pool.String())
		}
	}
	return evicted, nil
}
