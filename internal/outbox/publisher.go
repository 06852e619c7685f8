// Package outbox relays committed outbox records to the event bus.
package outbox

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/expedition-reservations/internal/domain"
	"github.com/robertarktes/expedition-reservations/internal/observability"
	"github.com/robertarktes/expedition-reservations/internal/store"
)

const (
	defaultInterval = 5 * time.Second
	defaultBatch    = 10
)

// Sink delivers one record. Implementations must treat DedupeKey as the
// message id so consumers can drop redeliveries.
type Sink interface {
	Publish(ctx context.Context, rec domain.OutboxRecord) error
}

type Publisher struct {
	source   store.OutboxSource
	sink     Sink
	logger   observability.Logger
	interval time.Duration
	batch    int
	now      func() time.Time
}

type Option func(*Publisher)

func WithInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.batch = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

func NewPublisher(source store.OutboxSource, sink Sink, logger observability.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		source:   source,
		sink:     sink,
		logger:   logger,
		interval: defaultInterval,
		batch:    defaultBatch,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run drains the outbox on every tick until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Drain(ctx); err != nil && ctx.Err() == nil {
				p.logger.WithError(err).Warn("outbox drain stopped early")
			}
		}
	}
}

// Drain publishes one batch in creation order. It stops at the first failed
// publish so per-aggregate ordering survives a broker outage.
func (p *Publisher) Drain(ctx context.Context) (int, error) {
	records, err := p.source.FetchUnpublished(ctx, p.batch)
	if err != nil {
		return 0, errors.Wrap(err, "fetch unpublished outbox")
	}
	if len(records) == 0 {
		observability.OutboxLag.Set(0)
		return 0, nil
	}
	observability.OutboxLag.Set(p.now().Sub(records[0].CreatedAt).Seconds())

	published := 0
	for _, rec := range records {
		log := p.logger.WithFields(map[string]interface{}{
			"event":      rec.EventType,
			"dedupe_key": rec.DedupeKey,
		})
		if err := p.sink.Publish(ctx, rec); err != nil {
			observability.PublishFailures.Inc()
			return published, errors.Wrapf(err, "publish %s", rec.DedupeKey)
		}
		if err := p.source.MarkPublished(ctx, rec.ID, p.now()); err != nil {
			// The record will be sent again; consumers dedupe on the key.
			log.WithError(err).Error("mark outbox record published")
			return published, errors.Wrapf(err, "mark %s published", rec.DedupeKey)
		}
		log.Debug("outbox record published")
		published++
	}
	return published, nil
}
