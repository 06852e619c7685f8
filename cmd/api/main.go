package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/expedition-reservations/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/expedition-reservations/internal/adapters/mongo"
	"github.com/robertarktes/expedition-reservations/internal/adapters/payments"
	redisadapter "github.com/robertarktes/expedition-reservations/internal/adapters/redis"
	"github.com/robertarktes/expedition-reservations/internal/booking"
	"github.com/robertarktes/expedition-reservations/internal/config"
	httphandler "github.com/robertarktes/expedition-reservations/internal/http"
	"github.com/robertarktes/expedition-reservations/internal/idempotency"
	"github.com/robertarktes/expedition-reservations/internal/ledger"
	"github.com/robertarktes/expedition-reservations/internal/observability"
	"github.com/robertarktes/expedition-reservations/internal/payment"
	"github.com/robertarktes/expedition-reservations/internal/rateLimit"
	"github.com/robertarktes/expedition-reservations/internal/ticket"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.JWTPublicKey == "" {
		log.Fatal("JWT_PUBLIC_KEY is required")
	}

	shutdown, err := observability.SetupOTel(context.Background(), cfg, "expres-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel)

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	st := crdb.NewStore(pool)

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	mongoDB := mongoClient.Database(cfg.MongoDB)
	catalog := mongoadapter.NewCatalogRepository(mongoDB, logger)
	audit := mongoadapter.NewAuditLogger(mongoDB, logger)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	redisCache := redisadapter.NewCache(redisClient)
	idemp := idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), 24*time.Hour)
	rl := rateLimit.NewRateLimiter(redisCache, logger)

	policy, err := booking.PolicyByName(cfg.Booking.DeclinePolicy, cfg.Booking.DeclineMaxAttempts)
	if err != nil {
		log.Fatalf("invalid decline policy: %v", err)
	}
	signer, err := ticket.NewSigner([]byte(cfg.Ticket.SigningKey))
	if err != nil {
		log.Fatalf("invalid ticket signing key: %v", err)
	}
	verifier, err := httphandler.NewVerifier(cfg.JWTPublicKey)
	if err != nil {
		log.Fatalf("invalid jwt public key: %v", err)
	}

	provider := payments.NewClient(cfg.Payment)
	l := ledger.New(logger)
	machine := booking.NewMachine(l, policy, logger)
	bookings := booking.NewService(st, l, machine, logger,
		booking.WithCatalog(catalog),
		booking.WithCheckout(provider),
		booking.WithAudit(audit),
	)
	issuer := ticket.NewIssuer(st, signer, logger, ticket.WithQRSize(cfg.Ticket.QRSize))
	reconciler := payment.NewReconciler(st, machine, issuer, logger, payment.WithFetcher(provider))

	checks := map[string]httphandler.ReadinessCheck{
		"crdb":  st.Ping,
		"redis": redisCache.Ping,
		"mongo": func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) },
	}
	handlers := httphandler.NewHandlers(bookings, reconciler, issuer, provider, audit, checks, logger)
	r := httphandler.SetupRouter(handlers, httphandler.RouterDeps{
		Logger:      logger,
		Verifier:    verifier,
		RateLimiter: rl,
		Idempotency: idemp,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutdown Server ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("server stopped")
		os.Exit(1)
	}
	logger.Info("Server exiting")
}
