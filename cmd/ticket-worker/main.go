package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/expedition-reservations/internal/adapters/crdb"
	"github.com/robertarktes/expedition-reservations/internal/adapters/kafka"
	"github.com/robertarktes/expedition-reservations/internal/adapters/rabbit"
	"github.com/robertarktes/expedition-reservations/internal/config"
	"github.com/robertarktes/expedition-reservations/internal/domain"
	"github.com/robertarktes/expedition-reservations/internal/observability"
	"github.com/robertarktes/expedition-reservations/internal/ticket"
)

const consumerGroup = "expres.ticket-worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "expres-ticket-worker")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel).WithField("sink", cfg.EventSink)

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()

	signer, err := ticket.NewSigner([]byte(cfg.Ticket.SigningKey))
	if err != nil {
		log.Fatalf("invalid ticket signing key: %v", err)
	}
	issuer := ticket.NewIssuer(crdb.NewStore(pool), signer, logger, ticket.WithQRSize(cfg.Ticket.QRSize))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("ticket worker started")
	switch cfg.EventSink {
	case "kafka":
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, consumerGroup, cfg.KafkaTopic)
		defer consumer.Close()
		err = consumer.Consume(ctx, issuer.HandleEvent)
	default:
		conn, dialErr := amqp.Dial(cfg.RabbitURL)
		if dialErr != nil {
			log.Fatalf("failed to connect to rabbitmq: %v", dialErr)
		}
		defer conn.Close()
		consumer, consErr := rabbit.NewConsumer(conn, consumerGroup, logger, domain.EventBookingConfirmed)
		if consErr != nil {
			log.Fatalf("failed to create consumer: %v", consErr)
		}
		defer consumer.Close()
		err = consumer.Consume(ctx, func(ctx context.Context, d amqp.Delivery) error {
			return issuer.HandleEvent(ctx, d.Type, d.Body)
		})
	}
	if err != nil {
		logger.WithError(err).Error("ticket worker stopped")
	}
	logger.Info("Shutdown ticket worker")
}
