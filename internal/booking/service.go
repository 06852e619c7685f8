// Package booking runs the reservation lifecycle: seat reservation, discount
// redemption, checkout handoff and the buyer-driven transitions.
package booking

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/expedition-reservations/internal/discount"
	"github.com/robertarktes/expedition-reservations/internal/domain"
	"github.com/robertarktes/expedition-reservations/internal/ledger"
	"github.com/robertarktes/expedition-reservations/internal/observability"
	"github.com/robertarktes/expedition-reservations/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Catalog resolves trips for departures that do not exist yet.
type Catalog interface {
	GetTrip(ctx context.Context, tripID int64) (*domain.Trip, error)
}

// CheckoutProvider returns the URL the buyer pays at.
type CheckoutProvider interface {
	Checkout(ctx context.Context, b domain.Booking) (string, error)
}

type AuditLogger interface {
	LogBooking(ctx context.Context, action string, b domain.Booking) error
}

type Service struct {
	store     store.Store
	ledger    *ledger.Ledger
	machine   *Machine
	validator *discount.Validator
	catalog   Catalog
	checkout  CheckoutProvider
	audit     AuditLogger
	logger    observability.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithCatalog(c Catalog) Option {
	return func(s *Service) { s.catalog = c }
}

func WithCheckout(p CheckoutProvider) Option {
	return func(s *Service) { s.checkout = p }
}

func WithAudit(a AuditLogger) Option {
	return func(s *Service) { s.audit = a }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(st store.Store, l *ledger.Ledger, m *Machine, logger observability.Logger, opts ...Option) *Service {
	s := &Service{
		store:     st,
		ledger:    l,
		machine:   m,
		validator: discount.NewValidator(),
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateRequest struct {
	// DepartureID selects an existing departure. When zero, TripID with
	// StartDate and EndDate selects or creates one.
	DepartureID  int64
	TripID       int64
	StartDate    time.Time
	EndDate      time.Time
	BuyerID      int64
	BuyerEmail   string
	Seats        domain.SeatRequest
	DiscountCode string
	ReferralCode string
}

type CreateResult struct {
	Booking   domain.Booking
	Departure domain.Departure
	// Warning is set when the booking exists but the checkout handoff failed.
	Warning string
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	ctx, span := observability.Tracer("booking").Start(ctx, "booking.Create")
	defer span.End()

	if err := req.Seats.Validate(); err != nil {
		return nil, err
	}
	if req.BuyerID == 0 {
		return nil, domain.Invalidf("buyer is required")
	}

	var trip *domain.Trip
	if req.DepartureID == 0 {
		if req.TripID == 0 || req.StartDate.IsZero() || req.EndDate.IsZero() {
			return nil, domain.Invalidf("departure id or trip with start and end dates is required")
		}
		if !req.EndDate.After(req.StartDate) {
			return nil, domain.Invalidf("end date must be after start date")
		}
		if s.catalog == nil {
			return nil, errors.New("no trip catalog configured")
		}
		t, err := s.catalog.GetTrip(ctx, req.TripID)
		if err != nil {
			return nil, errors.Wrapf(err, "load trip %d", req.TripID)
		}
		trip = t
	}

	var res CreateResult
	err := store.WithinTx(ctx, s.store, func(uow store.UnitOfWork) error {
		res = CreateResult{}
		now := s.now()

		dep, err := s.resolveDeparture(ctx, uow, req, trip)
		if err != nil {
			return err
		}
		seats := req.Seats.Total()
		if _, err := s.ledger.Reserve(ctx, uow, dep, seats); err != nil {
			return err
		}
		dep.CapacityAvailable -= seats

		items, subtotal := domain.PriceItems(*dep, req.Seats)
		b := domain.Booking{
			DepartureID:  dep.ID,
			TripID:       dep.TripID,
			BuyerID:      req.BuyerID,
			BuyerEmail:   req.BuyerEmail,
			Reference:    domain.BookingReference(dep.ID, req.BuyerID, now),
			Status:       domain.BookingPending,
			Items:        items,
			Subtotal:     subtotal,
			Total:        subtotal,
			ReferralCode: req.ReferralCode,
			Currency:     dep.Currency,
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		var quote *discount.Quote
		if req.DiscountCode != "" {
			quote, err = s.validator.Validate(ctx, discount.NewReader(uow), discount.Request{
				Code:        req.DiscountCode,
				TripID:      dep.TripID,
				DepartureID: dep.ID,
				AgencyID:    dep.AgencyID,
				BuyerID:     req.BuyerID,
				Seats:       req.Seats,
				Subtotal:    subtotal,
			})
			if err != nil {
				return err
			}
			b.DiscountCode = quote.Code.Code
			b.DiscountAmount = quote.Amount
			b.Total = quote.Total
		}

		if err := uow.Bookings().Create(ctx, &b); err != nil {
			return errors.Wrap(err, "insert booking")
		}
		if quote != nil {
			err := uow.Discounts().Redeem(ctx, domain.DiscountUsage{
				CodeID:    quote.Code.ID,
				BuyerID:   req.BuyerID,
				BookingID: b.ID,
				Amount:    quote.Amount,
				CreatedAt: now,
			})
			if err != nil {
				return errors.Wrapf(err, "redeem discount %q", quote.Code.Code)
			}
		}
		rec, err := domain.NewBookingRecord(domain.EventBookingCreated, b, now)
		if err != nil {
			return errors.Wrap(err, "encode booking.created")
		}
		if err := uow.Outbox().Append(ctx, rec); err != nil {
			return errors.Wrap(err, "append booking.created")
		}

		res.Booking = b
		res.Departure = *dep
		return nil
	})
	if err != nil {
		observability.ReservationsTotal.WithLabelValues(reservationResult(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	observability.ReservationsTotal.WithLabelValues("reserved").Inc()
	span.SetAttributes(
		attribute.Int64("booking.id", res.Booking.ID),
		attribute.Int64("departure.id", res.Departure.ID),
	)

	s.attachCheckout(ctx, &res)
	s.auditBooking(ctx, "booking.created", res.Booking)
	return &res, nil
}

func (s *Service) resolveDeparture(ctx context.Context, uow store.UnitOfWork, req CreateRequest, trip *domain.Trip) (*domain.Departure, error) {
	deps := uow.Departures()
	if req.DepartureID != 0 {
		return deps.GetForUpdate(ctx, req.DepartureID)
	}

	dep, err := deps.FindByWindow(ctx, req.TripID, req.StartDate, req.EndDate)
	if err == nil {
		return dep, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, errors.Wrap(err, "find departure")
	}

	created := domain.NewDeparture(*trip, req.StartDate, req.EndDate)
	created.CreatedAt = s.now()
	created.UpdatedAt = created.CreatedAt
	err = deps.Create(ctx, &created)
	if errors.Is(err, domain.ErrConflict) {
		// Another buyer created the same window first.
		return deps.FindByWindow(ctx, req.TripID, req.StartDate, req.EndDate)
	}
	if err != nil {
		return nil, errors.Wrap(err, "create departure")
	}
	s.logger.WithFields(map[string]interface{}{
		"departure_id": created.ID,
		"trip_id":      trip.ID,
		"capacity":     created.CapacityTotal,
	}).Info("departure created on first booking")
	return &created, nil
}

// attachCheckout is best effort. A booking without a checkout URL stays PENDING
// until the expiry sweep releases it.
func (s *Service) attachCheckout(ctx context.Context, res *CreateResult) {
	if s.checkout == nil {
		return
	}
	log := s.logger.WithField("booking_id", res.Booking.ID)
	url, err := s.checkout.Checkout(ctx, res.Booking)
	if err != nil {
		log.WithError(err).Warn("checkout handoff failed")
		res.Warning = "payment checkout is unavailable, retry payment later"
		return
	}
	err = store.WithinTx(ctx, s.store, func(uow store.UnitOfWork) error {
		return uow.Bookings().AttachCheckout(ctx, res.Booking.ID, url)
	})
	if err != nil {
		log.WithError(err).Warn("failed to store checkout url")
	}
	res.Booking.CheckoutURL = url
}

func (s *Service) auditBooking(ctx context.Context, action string, b domain.Booking) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogBooking(ctx, action, b); err != nil {
		s.logger.WithError(err).WithField("booking_id", b.ID).Warn("audit write failed")
	}
}

func reservationResult(err error) string {
	switch {
	case errors.Is(err, domain.ErrCapacityExhausted):
		return "exhausted"
	case errors.Is(err, domain.ErrInvalidDiscount):
		return "discount_rejected"
	case errors.Is(err, domain.ErrDepartureNotBookable):
		return "not_bookable"
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrNotFound):
		return "rejected"
	}
	return "error"
}

func (s *Service) Get(ctx context.Context, id int64) (*domain.Booking, error) {
	var b *domain.Booking
	err := store.WithinTx(ctx, s.store, func(uow store.UnitOfWork) error {
		var err error
		b, err = uow.Bookings().Get(ctx, id)
		return err
	})
	return b, err
}

// Cancel releases a PENDING booking on the buyer's request.
func (s *Service) Cancel(ctx context.Context, id, buyerID int64) (*domain.Booking, error) {
	return s.transition(ctx, id, "booking.cancelled", func(uow store.UnitOfWork, b *domain.Booking, now time.Time) error {
		if b.BuyerID != buyerID {
			return domain.NotFoundf("booking %d not found", id)
		}
		return s.machine.Cancel(ctx, uow, b, now)
	})
}

// Refund moves a CONFIRMED booking to REFUNDED and frees its seats.
func (s *Service) Refund(ctx context.Context, id int64) (*domain.Booking, error) {
	return s.transition(ctx, id, "booking.refunded", func(uow store.UnitOfWork, b *domain.Booking, now time.Time) error {
		return s.machine.Refund(ctx, uow, b, now)
	})
}

func (s *Service) transition(ctx context.Context, id int64, action string, fn func(store.UnitOfWork, *domain.Booking, time.Time) error) (*domain.Booking, error) {
	var out domain.Booking
	err := store.WithinTx(ctx, s.store, func(uow store.UnitOfWork) error {
		b, err := uow.Bookings().Get(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(uow, b, s.now()); err != nil {
			return err
		}
		out = *b
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.auditBooking(ctx, action, out)
	return &out, nil
}

type DiscountCheck struct {
	DepartureID int64
	BuyerID     int64
	Seats       domain.SeatRequest
	Code        string
}

// QuoteDiscount prices a code against a departure without reserving or redeeming.
func (s *Service) QuoteDiscount(ctx context.Context, req DiscountCheck) (*discount.Quote, error) {
	if err := req.Seats.Validate(); err != nil {
		return nil, err
	}
	var quote *discount.Quote
	err := store.WithinTx(ctx, s.store, func(uow store.UnitOfWork) error {
		dep, err := uow.Departures().Get(ctx, req.DepartureID)
		if err != nil {
			return err
		}
		_, subtotal := domain.PriceItems(*dep, req.Seats)
		quote, err = s.validator.Validate(ctx, discount.NewReader(uow), discount.Request{
			Code:        req.Code,
			TripID:      dep.TripID,
			DepartureID: dep.ID,
			AgencyID:    dep.AgencyID,
			BuyerID:     req.BuyerID,
			Seats:       req.Seats,
			Subtotal:    subtotal,
		})
		return err
	})
	return quote, err
}
