package domain

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookingStatus_CanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to BookingStatus
		ok       bool
	}{
		{BookingPending, BookingConfirmed, true},
		{BookingPending, BookingCancelled, true},
		{BookingConfirmed, BookingRefunded, true},
		{BookingConfirmed, BookingPending, false},
		{BookingConfirmed, BookingCancelled, false},
		{BookingCancelled, BookingConfirmed, false},
		{BookingCancelled, BookingPending, false},
		{BookingRefunded, BookingConfirmed, false},
		{BookingPending, BookingRefunded, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransitionTo(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestDiscountCode_AmountFor(t *testing.T) {
	pct := DiscountCode{Type: DiscountPercentage, Value: decimal.NewFromInt(20)}
	assert.Equal(t, int64(20), pct.AmountFor(100))

	fixed := DiscountCode{Type: DiscountFixed, Value: decimal.NewFromInt(150)}
	assert.Equal(t, int64(100), fixed.AmountFor(100))

	over := DiscountCode{Type: DiscountPercentage, Value: decimal.NewFromInt(250)}
	assert.Equal(t, int64(100), over.AmountFor(100))

	negative := DiscountCode{Type: DiscountFixed, Value: decimal.NewFromInt(-5)}
	assert.Equal(t, int64(0), negative.AmountFor(100))

	rounding := DiscountCode{Type: DiscountPercentage, Value: decimal.NewFromInt(25)}
	assert.Equal(t, int64(3), rounding.AmountFor(10))
	assert.Equal(t, int64(12), DiscountCode{Type: DiscountPercentage, Value: decimal.RequireFromString("12.5")}.AmountFor(99))

	assert.Equal(t, int64(0), pct.AmountFor(0))
}

func TestPriceItems(t *testing.T) {
	d := Departure{AdultPrice: 5000, ChildPrice: 2500}
	items, subtotal := PriceItems(d, SeatRequest{Adults: 2, Children: 1})
	require.Len(t, items, 2)
	assert.Equal(t, ItemAdult, items[0].Type)
	assert.Equal(t, int64(10000), items[0].LineTotal)
	assert.Equal(t, ItemChild, items[1].Type)
	assert.Equal(t, int64(12500), subtotal)

	b := Booking{Items: items}
	assert.Equal(t, 3, b.Seats())
}

func TestSeatRequest_Validate(t *testing.T) {
	assert.True(t, errors.Is(SeatRequest{}.Validate(), ErrInvalidInput))
	assert.True(t, errors.Is(SeatRequest{Adults: -1, Children: 3}.Validate(), ErrInvalidInput))
	assert.NoError(t, SeatRequest{Children: 1}.Validate())
}

func TestErrors_Is(t *testing.T) {
	var err error = &CapacityExhaustedError{Requested: 2, Available: 1}
	assert.True(t, errors.Is(errors.Wrap(err, "reserve"), ErrCapacityExhausted))
	assert.Equal(t, "2 seats requested, 1 available", err.Error())

	err = NewDiscountError("SUMMER", DiscountGlobalCap)
	assert.True(t, errors.Is(err, ErrInvalidDiscount))
	var de *DiscountError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, DiscountGlobalCap, de.Reason)
}

func TestNormalizePaymentStatus(t *testing.T) {
	for raw, want := range map[string]PaymentStatus{
		"APPROVED": PaymentApproved,
		"declined": PaymentDeclined,
		"ERROR":    PaymentDeclined,
		"VOIDED":   PaymentVoided,
		"PENDING":  PaymentPending,
	} {
		got, err := NormalizePaymentStatus(raw)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := NormalizePaymentStatus("REFUNDED?")
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestNewBookingRecord(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b := Booking{ID: 9007199254740993, Status: BookingConfirmed, Items: []BookingItem{{Quantity: 2}}}
	rec, err := NewBookingRecord(EventBookingConfirmed, b, at)
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), rec.AggregateID)
	assert.Contains(t, string(rec.Payload), `"booking_id":"9007199254740993"`)
	assert.Equal(t, "booking.confirmed:9007199254740993:0", rec.DedupeKey)
}
