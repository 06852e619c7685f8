package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CRDB_DSN", "postgresql://root@localhost:26257/expres")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.Booking.Timeout)
	assert.Equal(t, time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 100, cfg.Scheduler.BatchSize)
	assert.Equal(t, "retry", cfg.Booking.DeclinePolicy)
	assert.Equal(t, "rabbit", cfg.EventSink)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 30*time.Minute, cfg.Payment.WebhookMaxAge)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("BOOKING_TIMEOUT", "15m")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("SWEEP_BATCH", "25")
	t.Setenv("DECLINE_POLICY", "cancel-after")
	t.Setenv("DECLINE_MAX_ATTEMPTS", "2")
	t.Setenv("PAYMENT_WEBHOOK_MAX_AGE", "0s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, cfg.Booking.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 25, cfg.Scheduler.BatchSize)
	assert.Equal(t, "cancel-after", cfg.Booking.DeclinePolicy)
	assert.Equal(t, 2, cfg.Booking.DeclineMaxAttempts)
	assert.Zero(t, cfg.Payment.WebhookMaxAge)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("BOOKING_TIMEOUT", "ten minutes")
	t.Setenv("SWEEP_BATCH", "-1")
	t.Setenv("DECLINE_POLICY", "shrug")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BOOKING_TIMEOUT")
	assert.Contains(t, err.Error(), "SWEEP_BATCH")
	assert.Contains(t, err.Error(), "DECLINE_POLICY")
}

func TestLoad_KafkaSinkNeedsBrokers(t *testing.T) {
	t.Setenv("EVENT_SINK", "kafka")
	t.Setenv("KAFKA_BROKERS", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KAFKA_BROKERS")
}
