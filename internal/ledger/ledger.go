// Package ledger owns departure capacity. capacity_available changes only through
// Reserve (a guarded decrement) and Recompute (a rebuild from confirmed bookings).
package ledger

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/expedition-reservations/internal/domain"
	"github.com/robertarktes/expedition-reservations/internal/observability"
	"github.com/robertarktes/expedition-reservations/internal/store"
)

// DeriveStatus is the only rule that moves a departure between AVAILABLE, FULL and COMPLETED.
func DeriveStatus(current domain.DepartureStatus, total, confirmed int, end, now time.Time) domain.DepartureStatus {
	switch {
	case current == domain.DepartureCancelled:
		return current
	case !end.IsZero() && now.After(end):
		return domain.DepartureCompleted
	case confirmed >= total:
		return domain.DepartureFull
	default:
		return domain.DepartureAvailable
	}
}

type Ledger struct {
	logger observability.Logger
}

func New(logger observability.Logger) *Ledger {
	return &Ledger{logger: logger}
}

// Reserve takes seats from the departure inside uow. On failure nothing is written.
func (l *Ledger) Reserve(ctx context.Context, uow store.UnitOfWork, dep *domain.Departure, seats int) (int, error) {
	if seats < 1 {
		return 0, domain.Invalidf("seats must be positive, got %d", seats)
	}
	if !dep.Bookable() {
		return 0, errors.Wrapf(domain.ErrDepartureNotBookable, "departure %d is %s", dep.ID, dep.Status)
	}
	remaining, err := uow.Departures().Reserve(ctx, dep.ID, seats)
	if errors.Is(err, domain.ErrCapacityExhausted) {
		return 0, &domain.CapacityExhaustedError{DepartureID: dep.ID, Requested: seats, Available: remaining}
	}
	if err != nil {
		return 0, errors.Wrapf(err, "reserve %d seats on departure %d", seats, dep.ID)
	}
	return remaining, nil
}

// Recompute rebuilds capacity_available and status from CONFIRMED bookings.
// Pending holds on the departure are dropped from the cached value.
func (l *Ledger) Recompute(ctx context.Context, uow store.UnitOfWork, departureID int64, now time.Time) (*domain.Departure, error) {
	dep, err := uow.Departures().GetForUpdate(ctx, departureID)
	if err != nil {
		return nil, errors.Wrapf(err, "load departure %d", departureID)
	}
	confirmed, err := uow.Bookings().ConfirmedSeats(ctx, departureID)
	if err != nil {
		return nil, errors.Wrapf(err, "sum confirmed seats for departure %d", departureID)
	}

	available := dep.CapacityTotal - confirmed
	if available < 0 {
		observability.OverbookedRecomputes.Inc()
		l.logger.WithFields(map[string]interface{}{
			"departure_id": departureID,
			"capacity":     dep.CapacityTotal,
			"confirmed":    confirmed,
		}).Warn("confirmed seats exceed capacity")
		available = 0
	}
	status := DeriveStatus(dep.Status, dep.CapacityTotal, confirmed, dep.EndDate, now)

	if err := uow.Departures().UpdateCapacity(ctx, departureID, available, status); err != nil {
		return nil, errors.Wrapf(err, "update capacity of departure %d", departureID)
	}
	if status != dep.Status {
		observability.DepartureStatusChanges.WithLabelValues(string(status)).Inc()
	}
	dep.CapacityAvailable = available
	dep.Status = status
	return dep, nil
}

// RecomputeStatus rewrites only the status. It reports whether the status changed.
func (l *Ledger) RecomputeStatus(ctx context.Context, uow store.UnitOfWork, departureID int64, now time.Time) (domain.DepartureStatus, bool, error) {
	dep, err := uow.Departures().GetForUpdate(ctx, departureID)
	if err != nil {
		return "", false, errors.Wrapf(err, "load departure %d", departureID)
	}
	confirmed, err := uow.Bookings().ConfirmedSeats(ctx, departureID)
	if err != nil {
		return "", false, errors.Wrapf(err, "sum confirmed seats for departure %d", departureID)
	}
	status := DeriveStatus(dep.Status, dep.CapacityTotal, confirmed, dep.EndDate, now)
	if status == dep.Status {
		return status, false, nil
	}
	if err := uow.Departures().UpdateStatus(ctx, departureID, status); err != nil {
		return "", false, errors.Wrapf(err, "update status of departure %d", departureID)
	}
	observability.DepartureStatusChanges.WithLabelValues(string(status)).Inc()
	return status, true, nil
}
