package booking

import (
	"github.com/cockroachdb/errors"
	"github.com/robertarktes/expedition-reservations/internal/domain"
)

// DeclinePolicy picks the status a PENDING booking ends in after a declined or
// voided payment. b.DeclineCount already includes the current decline.
type DeclinePolicy interface {
	AfterDecline(b domain.Booking) domain.BookingStatus
}

// RetryPolicy keeps the booking PENDING so the buyer can pay again; the expiry
// sweep cancels it if they never do.
type RetryPolicy struct{}

func (RetryPolicy) AfterDecline(domain.Booking) domain.BookingStatus {
	return domain.BookingPending
}

// CancelAfterPolicy cancels once the booking has been declined Attempts times.
type CancelAfterPolicy struct {
	Attempts int
}

func (p CancelAfterPolicy) AfterDecline(b domain.Booking) domain.BookingStatus {
	if b.DeclineCount >= p.Attempts {
		return domain.BookingCancelled
	}
	return domain.BookingPending
}

func PolicyByName(name string, attempts int) (DeclinePolicy, error) {
	switch name {
	case "", "retry":
		return RetryPolicy{}, nil
	case "cancel-after":
		if attempts < 1 {
			return nil, errors.Newf("cancel-after needs at least one attempt, got %d", attempts)
		}
		return CancelAfterPolicy{Attempts: attempts}, nil
	}
	return nil, errors.Newf("unknown decline policy %q", name)
}
