package booking_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/expedition-reservations/internal/adapters/memory"
	"github.com/robertarktes/expedition-reservations/internal/booking"
	"github.com/robertarktes/expedition-reservations/internal/domain"
	"github.com/robertarktes/expedition-reservations/internal/ledger"
	"github.com/robertarktes/expedition-reservations/internal/observability"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeCatalog struct {
	trips map[int64]domain.Trip
}

func (c fakeCatalog) GetTrip(ctx context.Context, id int64) (*domain.Trip, error) {
	t, ok := c.trips[id]
	if !ok {
		return nil, domain.NotFoundf("trip %d not found", id)
	}
	return &t, nil
}

type fakeCheckout struct {
	err error
}

func (c fakeCheckout) Checkout(ctx context.Context, b domain.Booking) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return "https://pay.example/" + b.Reference, nil
}

func newService(st *memory.Store, opts ...booking.Option) *booking.Service {
	logger := observability.NopLogger()
	l := ledger.New(logger)
	m := booking.NewMachine(l, booking.RetryPolicy{}, logger)
	opts = append([]booking.Option{booking.WithClock(func() time.Time { return t0 })}, opts...)
	return booking.NewService(st, l, m, logger, opts...)
}

func seedDeparture(st *memory.Store, capacity int) domain.Departure {
	return st.PutDeparture(domain.Departure{
		TripID:            1,
		AgencyID:          100,
		CapacityTotal:     capacity,
		CapacityAvailable: capacity,
		Status:            domain.DepartureAvailable,
		StartDate:         t0.Add(48 * time.Hour),
		EndDate:           t0.Add(96 * time.Hour),
		AdultPrice:        50,
		ChildPrice:        30,
		Currency:          "COP",
	})
}

func TestCreate_ReservesAndPrices(t *testing.T) {
	st := memory.NewStore()
	dep := seedDeparture(st, 10)
	svc := newService(st)

	res, err := svc.Create(context.Background(), booking.CreateRequest{
		DepartureID: dep.ID,
		BuyerID:     7,
		Seats:       domain.SeatRequest{Adults: 2, Children: 1},
	})
	require.NoError(t, err)

	b := res.Booking
	assert.Equal(t, domain.BookingPending, b.Status)
	assert.Equal(t, 3, b.Seats())
	assert.Equal(t, int64(130), b.Subtotal)
	assert.Equal(t, int64(130), b.Total)
	assert.Equal(t, dep.TripID, b.TripID)
	assert.Empty(t, res.Warning)

	stored, _ := st.Departure(dep.ID)
	assert.Equal(t, 7, stored.CapacityAvailable)

	events := st.Outbox()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventBookingCreated, events[0].EventType)
	assert.Equal(t, b.ID, events[0].AggregateID)
}

func TestCreate_ConcurrentLastSeats(t *testing.T) {
	st := memory.NewStore()
	dep := seedDeparture(st, 2)
	svc := newService(st)

	errs := make([]error, 2)
	var g errgroup.Group
	for i := range errs {
		i := i
		g.Go(func() error {
			_, errs[i] = svc.Create(context.Background(), booking.CreateRequest{
				DepartureID: dep.ID,
				BuyerID:     int64(i + 1),
				Seats:       domain.SeatRequest{Adults: 2},
			})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var ok, exhausted int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrCapacityExhausted):
			exhausted++
			var ce *domain.CapacityExhaustedError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, 2, ce.Requested)
			assert.Equal(t, 0, ce.Available)
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, exhausted)

	stored, _ := st.Departure(dep.ID)
	assert.Equal(t, 0, stored.CapacityAvailable)
	assert.Len(t, st.Bookings(), 1)
}

func TestCreate_DiscountArithmetic(t *testing.T) {
	cases := []struct {
		name      string
		kind      domain.DiscountType
		value     int64
		wantCut   int64
		wantTotal int64
	}{
		{name: "percentage", kind: domain.DiscountPercentage, value: 20, wantCut: 20, wantTotal: 80},
		{name: "fixed above subtotal", kind: domain.DiscountFixed, value: 150, wantCut: 100, wantTotal: 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			st := memory.NewStore()
			dep := seedDeparture(st, 10)
			code := st.PutDiscount(domain.DiscountCode{Code: "TREK", Type: c.kind, Value: decimal.NewFromInt(c.value), Active: true})
			svc := newService(st)

			res, err := svc.Create(context.Background(), booking.CreateRequest{
				DepartureID:  dep.ID,
				BuyerID:      7,
				Seats:        domain.SeatRequest{Adults: 2},
				DiscountCode: "TREK",
			})
			require.NoError(t, err)
			assert.Equal(t, int64(100), res.Booking.Subtotal)
			assert.Equal(t, c.wantCut, res.Booking.DiscountAmount)
			assert.Equal(t, c.wantTotal, res.Booking.Total)

			stored, _ := st.Discount(code.ID)
			assert.Equal(t, 1, stored.UsedCount)
			usages := st.Usages()
			require.Len(t, usages, 1)
			assert.Equal(t, res.Booking.ID, usages[0].BookingID)
			assert.Equal(t, c.wantCut, usages[0].Amount)
		})
	}
}

func TestCreate_MaxUsesAcrossConcurrentBuyers(t *testing.T) {
	st := memory.NewStore()
	dep := seedDeparture(st, 20)
	maxUses := 3
	code := st.PutDiscount(domain.DiscountCode{
		Code: "FIRST3", Type: domain.DiscountFixed, Value: decimal.NewFromInt(10), Active: true, MaxUses: &maxUses,
	})
	svc := newService(st)

	errs := make([]error, 4)
	var g errgroup.Group
	for i := range errs {
		i := i
		g.Go(func() error {
			_, errs[i] = svc.Create(context.Background(), booking.CreateRequest{
				DepartureID:  dep.ID,
				BuyerID:      int64(i + 1),
				Seats:        domain.SeatRequest{Adults: 1},
				DiscountCode: "FIRST3",
			})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		var de *domain.DiscountError
		require.True(t, errors.As(err, &de), "unexpected error: %v", err)
		assert.Equal(t, domain.DiscountGlobalCap, de.Reason)
	}
	assert.Equal(t, 3, ok)

	stored, _ := st.Discount(code.ID)
	assert.Equal(t, 3, stored.UsedCount)
	assert.Len(t, st.Usages(), 3)
}

func TestCreate_RejectedDiscountReleasesSeats(t *testing.T) {
	st := memory.NewStore()
	dep := seedDeparture(st, 5)
	otherTrip := int64(99)
	st.PutDiscount(domain.DiscountCode{
		Code: "ELSEWHERE", Type: domain.DiscountFixed, Value: decimal.NewFromInt(10), Active: true, TripID: &otherTrip,
	})
	svc := newService(st)

	_, err := svc.Create(context.Background(), booking.CreateRequest{
		DepartureID:  dep.ID,
		BuyerID:      7,
		Seats:        domain.SeatRequest{Adults: 2},
		DiscountCode: "ELSEWHERE",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidDiscount))

	stored, _ := st.Departure(dep.ID)
	assert.Equal(t, 5, stored.CapacityAvailable)
	assert.Empty(t, st.Bookings())
	assert.Empty(t, st.Outbox())
}

func TestCreate_SecondDiscountedBookingOnTrip(t *testing.T) {
	st := memory.NewStore()
	dep := seedDeparture(st, 5)
	st.PutDiscount(domain.DiscountCode{Code: "A", Type: domain.DiscountFixed, Value: decimal.NewFromInt(5), Active: true})
	st.PutDiscount(domain.DiscountCode{Code: "B", Type: domain.DiscountFixed, Value: decimal.NewFromInt(5), Active: true})
	svc := newService(st)

	_, err := svc.Create(context.Background(), booking.CreateRequest{
		DepartureID: dep.ID, BuyerID: 7, Seats: domain.SeatRequest{Adults: 1}, DiscountCode: "A",
	})
	require.NoError(t, err)

	svc = newService(st, booking.WithClock(func() time.Time { return t0.Add(time.Second) }))
	_, err = svc.Create(context.Background(), booking.CreateRequest{
		DepartureID: dep.ID, BuyerID: 7, Seats: domain.SeatRequest{Adults: 1}, DiscountCode: "B",
	})
	var de *domain.DiscountError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, domain.DiscountDuplicateTrip, de.Reason)
}

func TestCreate_UnbookableDeparture(t *testing.T) {
	st := memory.NewStore()
	dep := seedDeparture(st, 5)
	dep.Status = domain.DepartureCancelled
	st.PutDeparture(dep)
	svc := newService(st)

	_, err := svc.Create(context.Background(), booking.CreateRequest{
		DepartureID: dep.ID, BuyerID: 7, Seats: domain.SeatRequest{Adults: 1},
	})
	assert.True(t, errors.Is(err, domain.ErrDepartureNotBookable))
}

func TestCreate_InvalidSeats(t *testing.T) {
	svc := newService(memory.NewStore())
	_, err := svc.Create(context.Background(), booking.CreateRequest{DepartureID: 1, BuyerID: 7})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestCreate_AutoCreatesDepartureFromTrip(t *testing.T) {
	st := memory.NewStore()
	catalog := fakeCatalog{trips: map[int64]domain.Trip{
		4: {ID: 4, AgencyID: 100, Name: "Ciudad Perdida", MaxCapacity: 12, AdultPrice: 80, ChildPrice: 40, Currency: "COP"},
	}}
	svc := newService(st, booking.WithCatalog(catalog))

	start := t0.Add(24 * time.Hour)
	end := start.Add(72 * time.Hour)
	req := booking.CreateRequest{TripID: 4, StartDate: start, EndDate: end, BuyerID: 7, Seats: domain.SeatRequest{Adults: 1, Children: 1}}
	first, err := svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 12, first.Departure.CapacityTotal)
	assert.Equal(t, 10, first.Departure.CapacityAvailable)
	assert.Equal(t, int64(120), first.Booking.Total)

	req.BuyerID = 8
	second, err := svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Departure.ID, second.Departure.ID)

	stored, _ := st.Departure(first.Departure.ID)
	assert.Equal(t, 8, stored.CapacityAvailable)
}

func TestCreate_CheckoutFailureKeepsBooking(t *testing.T) {
	st := memory.NewStore()
	dep := seedDeparture(st, 5)
	svc := newService(st, booking.WithCheckout(fakeCheckout{err: errors.New("provider down")}))

	res, err := svc.Create(context.Background(), booking.CreateRequest{
		DepartureID: dep.ID, BuyerID: 7, Seats: domain.SeatRequest{Adults: 1},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Warning)

	stored, ok := st.Booking(res.Booking.ID)
	require.True(t, ok)
	assert.Equal(t, domain.BookingPending, stored.Status)
	assert.Empty(t, stored.CheckoutURL)
}

func TestCreate_AttachesCheckoutURL(t *testing.T) {
	st := memory.NewStore()
	dep := seedDeparture(st, 5)
	svc := newService(st, booking.WithCheckout(fakeCheckout{}))

	res, err := svc.Create(context.Background(), booking.CreateRequest{
		DepartureID: dep.ID, BuyerID: 7, Seats: domain.SeatRequest{Adults: 1},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Warning)

	stored, _ := st.Booking(res.Booking.ID)
	assert.Equal(t, "https://pay.example/"+res.Booking.Reference, stored.CheckoutURL)
	assert.Equal(t, stored.CheckoutURL, res.Booking.CheckoutURL)
}

func TestCancel(t *testing.T) {
	st := memory.NewStore()
	dep := seedDeparture(st, 5)
	svc := newService(st)
	res, err := svc.Create(context.Background(), booking.CreateRequest{
		DepartureID: dep.ID, BuyerID: 7, Seats: domain.SeatRequest{Adults: 2},
	})
	require.NoError(t, err)

	_, err = svc.Cancel(context.Background(), res.Booking.ID, 8)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	cancelled, err := svc.Cancel(context.Background(), res.Booking.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCancelled, cancelled.Status)

	stored, _ := st.Departure(dep.ID)
	assert.Equal(t, 5, stored.CapacityAvailable)

	_, err = svc.Cancel(context.Background(), res.Booking.ID, 7)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}

func TestRefund_OnlyFromConfirmed(t *testing.T) {
	st := memory.NewStore()
	dep := seedDeparture(st, 4)
	pending := st.PutBooking(domain.Booking{
		DepartureID: dep.ID, BuyerID: 7, Status: domain.BookingPending,
		Items: []domain.BookingItem{{Type: domain.ItemAdult, Quantity: 2}},
	})
	confirmed := st.PutBooking(domain.Booking{
		DepartureID: dep.ID, BuyerID: 8, Status: domain.BookingConfirmed,
		Items: []domain.BookingItem{{Type: domain.ItemAdult, Quantity: 4}},
	})
	dep.CapacityAvailable = 0
	dep.Status = domain.DepartureFull
	st.PutDeparture(dep)
	svc := newService(st)

	_, err := svc.Refund(context.Background(), pending.ID)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	refunded, err := svc.Refund(context.Background(), confirmed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingRefunded, refunded.Status)

	stored, _ := st.Departure(dep.ID)
	assert.Equal(t, 4, stored.CapacityAvailable)
	assert.Equal(t, domain.DepartureAvailable, stored.Status)
}

func TestQuoteDiscount(t *testing.T) {
	st := memory.NewStore()
	dep := seedDeparture(st, 5)
	st.PutDiscount(domain.DiscountCode{Code: "PCT", Type: domain.DiscountPercentage, Value: decimal.NewFromInt(10), Active: true})
	svc := newService(st)

	q, err := svc.QuoteDiscount(context.Background(), booking.DiscountCheck{
		DepartureID: dep.ID, BuyerID: 7, Seats: domain.SeatRequest{Adults: 1, Children: 1}, Code: "PCT",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(80), q.Subtotal)
	assert.Equal(t, int64(8), q.Amount)
	assert.Empty(t, st.Usages())
}
