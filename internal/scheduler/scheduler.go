// Package scheduler runs the periodic reconciliation tasks: expiring abandoned
// bookings and keeping departure status in line with confirmed demand.
package scheduler

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/robertarktes/expedition-reservations/internal/booking"
	"github.com/robertarktes/expedition-reservations/internal/domain"
	"github.com/robertarktes/expedition-reservations/internal/ledger"
	"github.com/robertarktes/expedition-reservations/internal/observability"
	"github.com/robertarktes/expedition-reservations/internal/store"
	"golang.org/x/sync/errgroup"
)

const (
	taskExpire    = "expire_stale"
	taskRecompute = "recompute_status"
)

// Locker keeps two replicas from running the same task at once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type Config struct {
	Interval       time.Duration
	BookingTimeout time.Duration
	BatchSize      int
	LockTTL        time.Duration
}

type Report struct {
	Processed int
	Changed   int
	Failed    int
}

type Scheduler struct {
	store   store.Store
	machine *booking.Machine
	ledger  *ledger.Ledger
	locker  Locker
	cfg     Config
	logger  observability.Logger
	now     func() time.Time
}

type Option func(*Scheduler)

func WithLocker(l Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(st store.Store, m *booking.Machine, l *ledger.Ledger, cfg Config, logger observability.Logger, opts ...Option) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.Interval
	}
	s := &Scheduler{store: st, machine: m, ledger: l, cfg: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs both tasks once, concurrently.
func (s *Scheduler) Tick(ctx context.Context) {
	var g errgroup.Group
	g.Go(func() error {
		s.guarded(ctx, taskExpire, s.ExpireStale)
		return nil
	})
	g.Go(func() error {
		s.guarded(ctx, taskRecompute, s.RecomputeStatuses)
		return nil
	})
	_ = g.Wait()
}

func (s *Scheduler) guarded(ctx context.Context, task string, fn func(context.Context) (Report, error)) {
	log := s.logger.WithField("task", task)
	if s.locker != nil {
		key := "scheduler:" + task
		ok, err := s.locker.Acquire(ctx, key, s.cfg.LockTTL)
		if err != nil {
			log.WithError(err).Warn("failed to acquire task lock")
			return
		}
		if !ok {
			log.Debug("task running elsewhere")
			return
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), key); err != nil {
				log.WithError(err).Warn("failed to release task lock")
			}
		}()
	}

	start := time.Now()
	rep, err := fn(ctx)
	log = log.WithFields(map[string]interface{}{
		"processed": rep.Processed,
		"changed":   rep.Changed,
		"failed":    rep.Failed,
		"took":      time.Since(start).String(),
	})
	if err != nil {
		log.WithError(err).Error("task aborted")
		return
	}
	if rep.Processed > 0 {
		log.Info("task finished")
	}
}

// ExpireStale cancels at most one batch of PENDING bookings created at or
// before now minus the booking timeout; the rest wait for the next tick. Each
// booking is expired in its own unit of work, so one failure does not hold
// back the rest.
func (s *Scheduler) ExpireStale(ctx context.Context) (Report, error) {
	ctx, span := observability.Tracer("scheduler").Start(ctx, "scheduler.ExpireStale")
	defer span.End()

	var rep Report
	cutoff := s.now().Add(-s.cfg.BookingTimeout)
	var batch []domain.Booking
	err := store.WithinTx(ctx, s.store, func(uow store.UnitOfWork) error {
		var err error
		batch, err = uow.Bookings().ListStalePending(ctx, cutoff, s.cfg.BatchSize)
		return err
	})
	if err != nil {
		return rep, errors.Wrap(err, "list stale bookings")
	}

	for _, b := range batch {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Processed++
		done, err := s.expireWithRetry(ctx, b.ID, cutoff)
		switch {
		case err != nil:
			rep.Failed++
			observability.SweepItemsTotal.WithLabelValues(taskExpire, "failed").Inc()
			s.logger.WithError(err).WithField("booking_id", b.ID).Error("failed to expire booking")
		case done:
			rep.Changed++
			observability.SweepItemsTotal.WithLabelValues(taskExpire, "expired").Inc()
		default:
			observability.SweepItemsTotal.WithLabelValues(taskExpire, "skipped").Inc()
		}
	}
	if len(batch) == s.cfg.BatchSize {
		s.logger.WithField("batch_size", s.cfg.BatchSize).Debug("expiry batch full, remainder left for next run")
	}
	return rep, nil
}

func (s *Scheduler) expireWithRetry(ctx context.Context, bookingID int64, cutoff time.Time) (bool, error) {
	var done bool
	op := func() error {
		done = false
		err := store.WithinTx(ctx, s.store, func(uow store.UnitOfWork) error {
			b, err := uow.Bookings().Get(ctx, bookingID)
			if err != nil {
				return err
			}
			// Settled or cancelled since the batch was listed.
			if b.Status != domain.BookingPending || b.CreatedAt.After(cutoff) {
				return nil
			}
			if err := s.machine.Expire(ctx, uow, b, s.now()); err != nil {
				return err
			}
			done = true
			return nil
		})
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidTransition) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx))
	return done, err
}

// RecomputeStatuses walks every non-cancelled departure and re-derives its status
// from confirmed seats and end date. capacity_available is left alone so pending
// holds survive.
func (s *Scheduler) RecomputeStatuses(ctx context.Context) (Report, error) {
	ctx, span := observability.Tracer("scheduler").Start(ctx, "scheduler.RecomputeStatuses")
	defer span.End()

	var rep Report
	var after int64
	for {
		var page []domain.Departure
		err := store.WithinTx(ctx, s.store, func(uow store.UnitOfWork) error {
			var err error
			page, err = uow.Departures().ListActive(ctx, after, s.cfg.BatchSize)
			return err
		})
		if err != nil {
			return rep, errors.Wrap(err, "list departures")
		}

		for _, d := range page {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			after = d.ID
			if d.Status == domain.DepartureCompleted {
				continue
			}
			rep.Processed++
			var changed bool
			var status domain.DepartureStatus
			err := store.WithinTx(ctx, s.store, func(uow store.UnitOfWork) error {
				var err error
				status, changed, err = s.ledger.RecomputeStatus(ctx, uow, d.ID, s.now())
				return err
			})
			switch {
			case err != nil:
				rep.Failed++
				observability.SweepItemsTotal.WithLabelValues(taskRecompute, "failed").Inc()
				s.logger.WithError(err).WithField("departure_id", d.ID).Error("failed to recompute departure status")
			case changed:
				rep.Changed++
				observability.SweepItemsTotal.WithLabelValues(taskRecompute, "changed").Inc()
				s.logger.WithFields(map[string]interface{}{
					"departure_id": d.ID,
					"from":         d.Status,
					"to":           status,
				}).Info("departure status changed")
			default:
				observability.SweepItemsTotal.WithLabelValues(taskRecompute, "unchanged").Inc()
			}
		}
		if len(page) < s.cfg.BatchSize {
			return rep, nil
		}
	}
}
