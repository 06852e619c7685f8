package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr     string
	CRDBDSN      string
	MongoURI     string
	MongoDB      string
	RedisAddr    string
	RabbitURL    string
	KafkaBrokers []string
	KafkaTopic   string
	EventSink    string
	JWTPublicKey string
	OTLPEndpoint string
	LogLevel     string

	Booking   BookingConfig
	Scheduler SchedulerConfig
	Payment   PaymentConfig
	Ticket    TicketConfig
}

type BookingConfig struct {
	// Timeout is how long a PENDING booking holds seats before the expiry sweep cancels it.
	Timeout            time.Duration
	DeclinePolicy      string
	DeclineMaxAttempts int
}

type SchedulerConfig struct {
	Interval  time.Duration
	BatchSize int
	LockTTL   time.Duration
}

type PaymentConfig struct {
	APIBaseURL      string
	CheckoutURL     string
	PublicKey       string
	PrivateKey      string
	IntegritySecret string
	EventsSecret    string
	ReturnURL       string
	CheckoutTTL     time.Duration
	// WebhookMaxAge bounds how old a signed event may be. Zero disables the check.
	WebhookMaxAge time.Duration
}

type TicketConfig struct {
	SigningKey string
	QRSize     int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []error
	duration := func(key string, def time.Duration) time.Duration {
		raw := os.Getenv(key)
		if raw == "" {
			return def
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			errs = append(errs, errors.Newf("%s: invalid duration %q", key, raw))
			return def
		}
		return d
	}
	integer := func(key string, def int) int {
		raw := os.Getenv(key)
		if raw == "" {
			return def
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			errs = append(errs, errors.Newf("%s: invalid integer %q", key, raw))
			return def
		}
		return n
	}

	cfg := &Config{
		HTTPAddr:     envOr("HTTP_ADDR", ":8080"),
		CRDBDSN:      os.Getenv("CRDB_DSN"),
		MongoURI:     os.Getenv("MONGO_URI"),
		MongoDB:      envOr("MONGO_DB", "expres"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		RabbitURL:    os.Getenv("RABBIT_URL"),
		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   envOr("KAFKA_TOPIC", "expres.events"),
		EventSink:    envOr("EVENT_SINK", "rabbit"),
		JWTPublicKey: os.Getenv("JWT_PUBLIC_KEY"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:     envOr("LOG_LEVEL", "info"),
		Booking: BookingConfig{
			Timeout:            duration("BOOKING_TIMEOUT", 10*time.Minute),
			DeclinePolicy:      envOr("DECLINE_POLICY", "retry"),
			DeclineMaxAttempts: integer("DECLINE_MAX_ATTEMPTS", 3),
		},
		Scheduler: SchedulerConfig{
			Interval:  duration("SWEEP_INTERVAL", time.Minute),
			BatchSize: integer("SWEEP_BATCH", 100),
			LockTTL:   duration("SWEEP_LOCK_TTL", 50*time.Second),
		},
		Payment: PaymentConfig{
			APIBaseURL:      envOr("PAYMENT_API_URL", "https://sandbox.wompi.co/v1"),
			CheckoutURL:     envOr("PAYMENT_CHECKOUT_URL", "https://checkout.wompi.co/p/"),
			PublicKey:       os.Getenv("PAYMENT_PUBLIC_KEY"),
			PrivateKey:      os.Getenv("PAYMENT_PRIVATE_KEY"),
			IntegritySecret: os.Getenv("PAYMENT_INTEGRITY_SECRET"),
			EventsSecret:    os.Getenv("PAYMENT_EVENTS_SECRET"),
			ReturnURL:       os.Getenv("PAYMENT_RETURN_URL"),
			CheckoutTTL:     duration("PAYMENT_CHECKOUT_TTL", 0),
			WebhookMaxAge:   duration("PAYMENT_WEBHOOK_MAX_AGE", 30*time.Minute),
		},
		Ticket: TicketConfig{
			SigningKey: os.Getenv("TICKET_SIGNING_KEY"),
			QRSize:     integer("TICKET_QR_SIZE", 256),
		},
	}

	switch cfg.Booking.DeclinePolicy {
	case "retry", "cancel-after":
	default:
		errs = append(errs, errors.Newf("DECLINE_POLICY: unknown policy %q", cfg.Booking.DeclinePolicy))
	}
	switch cfg.EventSink {
	case "rabbit":
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required when EVENT_SINK=kafka"))
		}
	default:
		errs = append(errs, errors.Newf("EVENT_SINK: unknown sink %q", cfg.EventSink))
	}
	if cfg.Scheduler.Interval == 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if cfg.Scheduler.BatchSize == 0 {
		errs = append(errs, errors.New("SWEEP_BATCH must be positive"))
	}

	if len(errs) > 0 {
		return nil, errors.Wrap(errors.Join(errs...), "load config")
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
