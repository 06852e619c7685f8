package booking

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/expedition-reservations/internal/domain"
	"github.com/robertarktes/expedition-reservations/internal/ledger"
	"github.com/robertarktes/expedition-reservations/internal/observability"
	"github.com/robertarktes/expedition-reservations/internal/store"
)

// Machine applies lifecycle transitions inside a caller's unit of work. Every
// transition recomputes the departure and appends an outbox record, so the
// three writes commit or roll back together.
type Machine struct {
	ledger *ledger.Ledger
	policy DeclinePolicy
	logger observability.Logger
}

func NewMachine(l *ledger.Ledger, policy DeclinePolicy, logger observability.Logger) *Machine {
	if policy == nil {
		policy = RetryPolicy{}
	}
	return &Machine{ledger: l, policy: policy, logger: logger}
}

func (m *Machine) Confirm(ctx context.Context, uow store.UnitOfWork, b *domain.Booking, now time.Time) error {
	return m.move(ctx, uow, b, domain.BookingConfirmed, domain.EventBookingConfirmed, now)
}

// Decline records the failed payment txID and applies the decline policy.
// It returns the status the booking ended in.
func (m *Machine) Decline(ctx context.Context, uow store.UnitOfWork, b *domain.Booking, txID string, now time.Time) (domain.BookingStatus, error) {
	if b.Status != domain.BookingPending {
		return b.Status, errors.Wrapf(domain.ErrInvalidTransition, "booking %d is %s, cannot decline", b.ID, b.Status)
	}
	count, err := uow.Bookings().RecordDecline(ctx, b.ID, txID)
	if err != nil {
		return b.Status, errors.Wrapf(err, "count decline of booking %d", b.ID)
	}
	b.DeclineCount = count
	b.LastDeclinedTx = txID

	if m.policy.AfterDecline(*b) == domain.BookingCancelled {
		if err := m.move(ctx, uow, b, domain.BookingCancelled, domain.EventBookingDeclined, now); err != nil {
			return b.Status, err
		}
		return b.Status, nil
	}

	if _, err := m.ledger.Recompute(ctx, uow, b.DepartureID, now); err != nil {
		return b.Status, err
	}
	if err := m.emit(ctx, uow, domain.EventBookingDeclined, *b, now); err != nil {
		return b.Status, err
	}
	return b.Status, nil
}

func (m *Machine) Expire(ctx context.Context, uow store.UnitOfWork, b *domain.Booking, now time.Time) error {
	return m.move(ctx, uow, b, domain.BookingCancelled, domain.EventBookingExpired, now)
}

func (m *Machine) Cancel(ctx context.Context, uow store.UnitOfWork, b *domain.Booking, now time.Time) error {
	return m.move(ctx, uow, b, domain.BookingCancelled, domain.EventBookingCancelled, now)
}

func (m *Machine) Refund(ctx context.Context, uow store.UnitOfWork, b *domain.Booking, now time.Time) error {
	return m.move(ctx, uow, b, domain.BookingRefunded, domain.EventBookingRefunded, now)
}

func (m *Machine) move(ctx context.Context, uow store.UnitOfWork, b *domain.Booking, to domain.BookingStatus, event string, now time.Time) error {
	if !b.Status.CanTransitionTo(to) {
		return errors.Wrapf(domain.ErrInvalidTransition, "booking %d: %s -> %s", b.ID, b.Status, to)
	}
	if err := uow.Bookings().UpdateStatus(ctx, b.ID, b.Status, to, now); err != nil {
		return errors.Wrapf(err, "move booking %d to %s", b.ID, to)
	}
	from := b.Status
	b.Status = to
	b.UpdatedAt = now

	if _, err := m.ledger.Recompute(ctx, uow, b.DepartureID, now); err != nil {
		return err
	}
	if err := m.emit(ctx, uow, event, *b, now); err != nil {
		return err
	}
	m.logger.WithFields(map[string]interface{}{
		"booking_id": b.ID,
		"from":       from,
		"to":         to,
	}).Debug("booking transitioned")
	return nil
}

func (m *Machine) emit(ctx context.Context, uow store.UnitOfWork, event string, b domain.Booking, now time.Time) error {
	rec, err := domain.NewBookingRecord(event, b, now)
	if err != nil {
		return errors.Wrapf(err, "encode %s", event)
	}
	if err := uow.Outbox().Append(ctx, rec); err != nil {
		return errors.Wrapf(err, "append %s", event)
	}
	return nil
}
