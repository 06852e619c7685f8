package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expres_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "expres_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expres_reservations_total",
			Help: "Reservation attempts by result",
		},
		[]string{"result"},
	)

	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expres_settlements_total",
			Help: "Payment settlements by provider status and outcome",
		},
		[]string{"status", "outcome"},
	)

	SweepItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expres_sweep_items_total",
			Help: "Items processed by reconciliation tasks",
		},
		[]string{"task", "result"},
	)

	DepartureStatusChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expres_departure_status_changes_total",
			Help: "Departure status changes by new status",
		},
		[]string{"status"},
	)

	OverbookedRecomputes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "expres_overbooked_recomputes_total",
			Help: "Recomputes where confirmed seats exceeded capacity",
		},
	)

	TicketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expres_tickets_total",
			Help: "Ticket operations by result",
		},
		[]string{"op", "result"},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "expres_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	PublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "expres_publish_failures_total",
			Help: "Total failed outbox publishes",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "expres_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)
