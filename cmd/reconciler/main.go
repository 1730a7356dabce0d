// reconciler — lock-guarded periodic reconciliation of tenant limits.
//
// Usage:
//
//	reconciler [--dev] [--once]
//
// Flags:
//
//	--dev   Dev mode: in-memory stores + in-process miniredis (no external deps)
//	--once  Run a single sweep and exit instead of looping
//
// Environment:
//
//	DATABASE_URL / DB_*     Postgres connection (ignored with --dev)
//	REDIS_ADDR              optional: take the job lock on redis instead of postgres
//	RECONCILE_INTERVAL      sweep cadence (default 5m)
//	RECONCILE_LOCK_TTL      hard upper bound on one sweep (default 10m)
//	METRICS_ADDR            /metrics listen address (default :9090)
//	PLANS_PATH              plan catalog file (default config/plans.yaml)
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quotienthq/quotient/internal/reconcile"
	"github.com/quotienthq/quotient/modules/limits/domain/ports"
	"github.com/quotienthq/quotient/modules/limits/infrastructure/catalog"
	"github.com/quotienthq/quotient/modules/limits/infrastructure/persistence"
)

func main() {
	dev := flag.Bool("dev", false, "dev mode: in-memory stores + in-process miniredis")
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := reconcile.ConfigFromEnv()

	plans, err := catalog.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("plan catalog load failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if *dev {
		log.Warn().Msg("DEV MODE ACTIVE — in-memory stores, nothing persists")
	} else {
		pool, err = pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres pool setup failed")
		}
		defer pool.Close()
	}

	clock := clockwork.NewRealClock()
	locks, closeLocks, err := buildLockStore(cfg.RedisAddr, pool, clock, *dev)
	if err != nil {
		log.Fatal().Err(err).Msg("lock store setup failed")
	}
	defer closeLocks()

	sweeper := reconcile.NewSweeper(
		locks,
		persistence.NewLimitStore(pool),
		catalog.NewCatalog(pool, plans),
		persistence.NewUsageSource(pool),
		cfg.Interval,
		cfg.LockTTL,
		clock,
		log.Logger,
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("metrics server error")
		}
	}()

	log.Info().
		Dur("interval", cfg.Interval).
		Dur("lock_ttl", cfg.LockTTL).
		Str("metrics", cfg.MetricsAddr).
		Bool("dev", *dev).
		Msg("reconciler started")

	if *once {
		if err := sweeper.RunOnce(ctx); err != nil {
			log.Fatal().Err(err).Msg("sweep failed")
		}
	} else {
		sweeper.Run(ctx)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("metrics server shutdown error")
	}
	log.Info().Msg("stopped")
}

// buildLockStore picks where the job lock lives: redis when REDIS_ADDR is
// set (in-process miniredis under --dev), else the postgres job_locks table,
// else the in-memory store for pool-less dev runs.
func buildLockStore(redisAddr string, pool *pgxpool.Pool, clock clockwork.Clock, dev bool) (ports.LockStore, func(), error) {
	if dev && redisAddr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, err
		}
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		return persistence.NewLockRedisStore(rdb), func() { _ = rdb.Close(); mr.Close() }, nil
	}
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		return persistence.NewLockRedisStore(rdb), func() { _ = rdb.Close() }, nil
	}
	return persistence.NewLockStore(pool, clock), func() {}, nil
}
