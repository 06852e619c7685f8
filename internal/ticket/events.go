package ticket

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/expedition-reservations/internal/domain"
)

// HandleEvent backfills tickets from booking.confirmed events. Other events are
// ignored, as are bookings that left CONFIRMED before the event arrived.
func (i *Issuer) HandleEvent(ctx context.Context, eventType string, body []byte) error {
	if eventType != domain.EventBookingConfirmed {
		return nil
	}
	var ev domain.BookingEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		i.logger.WithError(err).Warn("dropping malformed booking.confirmed event")
		return nil
	}
	_, err := i.EnsureIssued(ctx, ev.BookingID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrTicketNotConfirmed), errors.Is(err, domain.ErrNotFound):
		i.logger.WithError(err).WithField("booking_id", ev.BookingID).Info("no ticket needed")
		return nil
	}
	return errors.Wrapf(err, "ensure ticket for booking %d", ev.BookingID)
}
