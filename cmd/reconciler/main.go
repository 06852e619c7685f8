package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/expedition-reservations/internal/adapters/crdb"
	redisadapter "github.com/robertarktes/expedition-reservations/internal/adapters/redis"
	"github.com/robertarktes/expedition-reservations/internal/booking"
	"github.com/robertarktes/expedition-reservations/internal/config"
	"github.com/robertarktes/expedition-reservations/internal/ledger"
	"github.com/robertarktes/expedition-reservations/internal/observability"
	"github.com/robertarktes/expedition-reservations/internal/scheduler"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "expres-reconciler")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel)

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	st := crdb.NewStore(pool)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	locker := redisadapter.NewCache(redisClient)

	policy, err := booking.PolicyByName(cfg.Booking.DeclinePolicy, cfg.Booking.DeclineMaxAttempts)
	if err != nil {
		log.Fatalf("invalid decline policy: %v", err)
	}
	l := ledger.New(logger)
	machine := booking.NewMachine(l, policy, logger)
	sched := scheduler.New(st, machine, l, scheduler.Config{
		Interval:       cfg.Scheduler.Interval,
		BookingTimeout: cfg.Booking.Timeout,
		BatchSize:      cfg.Scheduler.BatchSize,
		LockTTL:        cfg.Scheduler.LockTTL,
	}, logger, scheduler.WithLocker(locker))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(map[string]interface{}{
			"interval":        cfg.Scheduler.Interval.String(),
			"booking_timeout": cfg.Booking.Timeout.String(),
		}).Info("reconciliation scheduler started")
		return sched.Run(ctx)
	})
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("reconciler stopped")
	}
	logger.Info("Shutdown reconciler")
}
