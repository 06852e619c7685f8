// Package store defines the unit of work the booking core writes through.
// Implementations must give each UnitOfWork serializable isolation.
package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/expedition-reservations/internal/domain"
)

type Departures interface {
	Get(ctx context.Context, id int64) (*domain.Departure, error)
	// GetForUpdate reads the row and locks it for the rest of the unit of work.
	GetForUpdate(ctx context.Context, id int64) (*domain.Departure, error)
	FindByWindow(ctx context.Context, tripID int64, start, end time.Time) (*domain.Departure, error)
	// Create inserts d and fills its ID. It returns ErrConflict when the window already exists.
	Create(ctx context.Context, d *domain.Departure) error
	// Reserve decrements capacity_available by seats in a single guarded write and
	// returns the remaining seats, or ErrCapacityExhausted when the guard fails.
	Reserve(ctx context.Context, id int64, seats int) (int, error)
	UpdateCapacity(ctx context.Context, id int64, available int, status domain.DepartureStatus) error
	UpdateStatus(ctx context.Context, id int64, status domain.DepartureStatus) error
	// ListActive pages through non-cancelled departures by ascending id.
	ListActive(ctx context.Context, afterID int64, limit int) ([]domain.Departure, error)
}

type Bookings interface {
	Create(ctx context.Context, b *domain.Booking) error
	Get(ctx context.Context, id int64) (*domain.Booking, error)
	GetByReference(ctx context.Context, reference string) (*domain.Booking, error)
	// UpdateStatus moves the booking from one status to another. ErrConflict means
	// the booking was no longer in from.
	UpdateStatus(ctx context.Context, id int64, from, to domain.BookingStatus, at time.Time) error
	// AttachTransaction stores txID if none is set. A different stored id yields ErrTransactionMismatch.
	AttachTransaction(ctx context.Context, id int64, txID string) error
	AttachCheckout(ctx context.Context, id int64, checkoutURL string) error
	// RecordDecline remembers txID as the last declined transaction and returns the new decline count.
	RecordDecline(ctx context.Context, id int64, txID string) (int, error)
	ConfirmedSeats(ctx context.Context, departureID int64) (int, error)
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Booking, error)
	HasDiscountedForTrip(ctx context.Context, buyerID, tripID int64) (bool, error)
}

type Discounts interface {
	Create(ctx context.Context, c *domain.DiscountCode) error
	GetByCode(ctx context.Context, code string) (*domain.DiscountCode, error)
	CountUsages(ctx context.Context, codeID, buyerID int64) (int, error)
	// Redeem increments used_count under the max_uses guard and records the usage.
	Redeem(ctx context.Context, usage domain.DiscountUsage) error
}

type Tickets interface {
	// Upsert writes t for its booking unless the existing ticket is claimed.
	Upsert(ctx context.Context, t *domain.Ticket) error
	GetByBooking(ctx context.Context, bookingID int64) (*domain.Ticket, error)
	GetByCode(ctx context.Context, code string) (*domain.Ticket, error)
	Claim(ctx context.Context, code, attendant string, at time.Time) error
}

type Referrals interface {
	// Credit adds the booking to the referral's counters once per booking.
	Credit(ctx context.Context, code string, bookingID, amount int64) error
}

type Outbox interface {
	Append(ctx context.Context, rec domain.OutboxRecord) error
}

type UnitOfWork interface {
	Departures() Departures
	Bookings() Bookings
	Discounts() Discounts
	Tickets() Tickets
	Referrals() Referrals
	Outbox() Outbox
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type Store interface {
	Begin(ctx context.Context) (UnitOfWork, error)
}

// OutboxSource is drained by the outbox relay.
type OutboxSource interface {
	FetchUnpublished(ctx context.Context, limit int) ([]domain.OutboxRecord, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
}

const maxTxRetries = 5

// WithinTx runs fn in a fresh unit of work, committing on success. Serialization
// failures restart fn from scratch, so fn must not leak state between attempts.
func WithinTx(ctx context.Context, s Store, fn func(uow UnitOfWork) error) error {
	op := func() error {
		uow, err := s.Begin(ctx)
		if err != nil {
			return retryable(errors.Wrap(err, "begin unit of work"))
		}
		if err := fn(uow); err != nil {
			_ = uow.Rollback(ctx)
			return retryable(err)
		}
		if err := uow.Commit(ctx); err != nil {
			_ = uow.Rollback(ctx)
			return retryable(errors.Wrap(err, "commit unit of work"))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, maxTxRetries), ctx))
}

func retryable(err error) error {
	if errors.Is(err, domain.ErrSerializationFailure) {
		return err
	}
	return backoff.Permanent(err)
}
