// Package ticket mints QR tickets for confirmed bookings and records their
// single use at the trailhead.
package ticket

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/expedition-reservations/internal/domain"
	"github.com/robertarktes/expedition-reservations/internal/observability"
	"github.com/robertarktes/expedition-reservations/internal/store"
	qrcode "github.com/skip2/go-qrcode"
)

const defaultQRSize = 256

type Issuer struct {
	store   store.Store
	signer  *Signer
	qrSize  int
	logger  observability.Logger
	now     func() time.Time
	newCode func() string
}

type Option func(*Issuer)

func WithQRSize(px int) Option {
	return func(i *Issuer) {
		if px > 0 {
			i.qrSize = px
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

func NewIssuer(st store.Store, signer *Signer, logger observability.Logger, opts ...Option) *Issuer {
	i := &Issuer{
		store:   st,
		signer:  signer,
		qrSize:  defaultQRSize,
		logger:  logger,
		now:     time.Now,
		newCode: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue mints a fresh ticket for a CONFIRMED booking. An unclaimed ticket is
// replaced with a new code; a claimed one is left alone.
func (i *Issuer) Issue(ctx context.Context, bookingID int64) (*domain.Ticket, error) {
	t, err := i.issue(ctx, bookingID, false)
	observability.TicketsTotal.WithLabelValues("issue", resultLabel(err)).Inc()
	return t, err
}

// EnsureIssued mints a ticket only when the booking has none.
func (i *Issuer) EnsureIssued(ctx context.Context, bookingID int64) (*domain.Ticket, error) {
	t, err := i.issue(ctx, bookingID, true)
	observability.TicketsTotal.WithLabelValues("ensure", resultLabel(err)).Inc()
	return t, err
}

func (i *Issuer) issue(ctx context.Context, bookingID int64, keepExisting bool) (*domain.Ticket, error) {
	ctx, span := observability.Tracer("ticket").Start(ctx, "ticket.Issue")
	defer span.End()

	var out *domain.Ticket
	err := store.WithinTx(ctx, i.store, func(uow store.UnitOfWork) error {
		b, err := uow.Bookings().Get(ctx, bookingID)
		if err != nil {
			return err
		}
		if b.Status != domain.BookingConfirmed {
			return errors.Wrapf(domain.ErrTicketNotConfirmed, "booking %d is %s", bookingID, b.Status)
		}
		if keepExisting {
			existing, err := uow.Tickets().GetByBooking(ctx, bookingID)
			if err == nil {
				out = existing
				return nil
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return err
			}
		}

		t, err := i.mint(bookingID)
		if err != nil {
			return err
		}
		if err := uow.Tickets().Upsert(ctx, t); err != nil {
			return errors.Wrapf(err, "store ticket for booking %d", bookingID)
		}
		out = t
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

func (i *Issuer) mint(bookingID int64) (*domain.Ticket, error) {
	now := i.now()
	code := i.newCode()
	payload, err := i.signer.Sign(code, bookingID, now)
	if err != nil {
		return nil, errors.Wrap(err, "sign ticket payload")
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, i.qrSize)
	if err != nil {
		return nil, errors.Wrap(err, "encode qr code")
	}
	return &domain.Ticket{
		BookingID: bookingID,
		ClaimCode: code,
		Payload:   payload,
		QRCode:    png,
		IssuedAt:  now,
	}, nil
}

type View struct {
	Ticket    domain.Ticket
	Booking   domain.Booking
	Departure domain.Departure
	// NotConfirmed is set when the booking left CONFIRMED after the ticket was issued.
	NotConfirmed bool
}

func (i *Issuer) Lookup(ctx context.Context, code string) (*View, error) {
	var v View
	err := store.WithinTx(ctx, i.store, func(uow store.UnitOfWork) error {
		t, err := uow.Tickets().GetByCode(ctx, code)
		if err != nil {
			return err
		}
		b, err := uow.Bookings().Get(ctx, t.BookingID)
		if err != nil {
			return err
		}
		d, err := uow.Departures().Get(ctx, b.DepartureID)
		if err != nil {
			return err
		}
		v = View{Ticket: *t, Booking: *b, Departure: *d, NotConfirmed: b.Status != domain.BookingConfirmed}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ForBuyer returns the ticket of a booking owned by buyerID.
func (i *Issuer) ForBuyer(ctx context.Context, bookingID, buyerID int64) (*domain.Ticket, error) {
	var out *domain.Ticket
	err := store.WithinTx(ctx, i.store, func(uow store.UnitOfWork) error {
		b, err := uow.Bookings().Get(ctx, bookingID)
		if err != nil {
			return err
		}
		if b.BuyerID != buyerID {
			return domain.NotFoundf("booking %d not found", bookingID)
		}
		out, err = uow.Tickets().GetByBooking(ctx, bookingID)
		return err
	})
	return out, err
}

// LookupPayload resolves a scanned QR payload.
func (i *Issuer) LookupPayload(ctx context.Context, payload string) (*View, error) {
	code, err := i.signer.Verify(payload)
	if err != nil {
		return nil, err
	}
	return i.Lookup(ctx, code)
}

// Claim marks the ticket used. It succeeds once per ticket; later attempts
// fail with ErrTicketAlreadyClaimed and leave the claim fields untouched.
func (i *Issuer) Claim(ctx context.Context, code, attendant string) (*domain.Ticket, error) {
	ctx, span := observability.Tracer("ticket").Start(ctx, "ticket.Claim")
	defer span.End()

	var out *domain.Ticket
	err := store.WithinTx(ctx, i.store, func(uow store.UnitOfWork) error {
		t, err := uow.Tickets().GetByCode(ctx, code)
		if err != nil {
			return err
		}
		b, err := uow.Bookings().Get(ctx, t.BookingID)
		if err != nil {
			return err
		}
		if b.Status != domain.BookingConfirmed {
			return errors.Wrapf(domain.ErrTicketNotConfirmed, "booking %d is %s", b.ID, b.Status)
		}
		if t.IsClaimed {
			return domain.ErrTicketAlreadyClaimed
		}
		now := i.now()
		if err := uow.Tickets().Claim(ctx, code, attendant, now); err != nil {
			return err
		}
		t.IsClaimed = true
		t.ClaimedAt = &now
		t.ClaimedBy = attendant
		out = t
		return nil
	})
	observability.TicketsTotal.WithLabelValues("claim", resultLabel(err)).Inc()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	i.logger.WithFields(map[string]interface{}{
		"booking_id": out.BookingID,
		"attendant":  attendant,
	}).Info("ticket claimed")
	return out, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrTicketAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, domain.ErrTicketNotConfirmed):
		return "not_confirmed"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	}
	return "error"
}
