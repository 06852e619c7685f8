package discount_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/expedition-reservations/internal/discount"
	"github.com/robertarktes/expedition-reservations/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockReader struct {
	mock.Mock
}

func (m *MockReader) GetByCode(ctx context.Context, code string) (*domain.DiscountCode, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.DiscountCode), args.Error(1)
}

func (m *MockReader) CountUsages(ctx context.Context, codeID, buyerID int64) (int, error) {
	args := m.Called(ctx, codeID, buyerID)
	return args.Int(0), args.Error(1)
}

func (m *MockReader) HasDiscountedForTrip(ctx context.Context, buyerID, tripID int64) (bool, error) {
	args := m.Called(ctx, buyerID, tripID)
	return args.Bool(0), args.Error(1)
}

func ptr[T any](v T) *T { return &v }

func baseRequest() discount.Request {
	return discount.Request{
		Code:        "SUMMER",
		TripID:      1,
		DepartureID: 10,
		AgencyID:    100,
		BuyerID:     7,
		Seats:       domain.SeatRequest{Adults: 2},
		Subtotal:    100,
	}
}

func reason(t *testing.T, err error) domain.DiscountReason {
	t.Helper()
	var de *domain.DiscountError
	require.True(t, errors.As(err, &de), "expected discount error, got %v", err)
	return de.Reason
}

func TestValidator_Percentage(t *testing.T) {
	ctx := context.Background()
	r := &MockReader{}
	code := &domain.DiscountCode{ID: 3, Code: "SUMMER", Type: domain.DiscountPercentage, Value: decimal.NewFromInt(20), Active: true}
	r.On("GetByCode", ctx, "SUMMER").Return(code, nil)
	r.On("HasDiscountedForTrip", ctx, int64(7), int64(1)).Return(false, nil)

	q, err := discount.NewValidator().Validate(ctx, r, baseRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(20), q.Amount)
	assert.Equal(t, int64(80), q.Total)
	r.AssertNotCalled(t, "CountUsages", mock.Anything, mock.Anything, mock.Anything)
}

func TestValidator_FixedCappedAtSubtotal(t *testing.T) {
	ctx := context.Background()
	r := &MockReader{}
	code := &domain.DiscountCode{ID: 3, Code: "SUMMER", Type: domain.DiscountFixed, Value: decimal.NewFromInt(150), Active: true}
	r.On("GetByCode", ctx, "SUMMER").Return(code, nil)
	r.On("HasDiscountedForTrip", ctx, int64(7), int64(1)).Return(false, nil)

	q, err := discount.NewValidator().Validate(ctx, r, baseRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(100), q.Amount)
	assert.Equal(t, int64(0), q.Total)
}

func TestValidator_Rejections(t *testing.T) {
	active := func(mut func(c *domain.DiscountCode)) *domain.DiscountCode {
		c := &domain.DiscountCode{ID: 3, Code: "SUMMER", Type: domain.DiscountFixed, Value: decimal.NewFromInt(10), Active: true}
		mut(c)
		return c
	}
	cases := []struct {
		name   string
		code   *domain.DiscountCode
		usages int
		dup    bool
		want   domain.DiscountReason
	}{
		{name: "unknown", code: nil, want: domain.DiscountUnknown},
		{name: "inactive", code: active(func(c *domain.DiscountCode) { c.Active = false }), want: domain.DiscountUnknown},
		{name: "other trip", code: active(func(c *domain.DiscountCode) { c.TripID = ptr(int64(2)) }), want: domain.DiscountScopeMismatch},
		{name: "other departure", code: active(func(c *domain.DiscountCode) { c.DepartureID = ptr(int64(11)) }), want: domain.DiscountScopeMismatch},
		{name: "other agency", code: active(func(c *domain.DiscountCode) { c.AgencyID = ptr(int64(101)) }), want: domain.DiscountScopeMismatch},
		{name: "global cap", code: active(func(c *domain.DiscountCode) { c.MaxUses = ptr(3); c.UsedCount = 3 }), want: domain.DiscountGlobalCap},
		{name: "per user cap", code: active(func(c *domain.DiscountCode) { c.PerUserLimit = ptr(1) }), usages: 1, want: domain.DiscountPerUserCap},
		{name: "duplicate per trip", code: active(func(c *domain.DiscountCode) {}), dup: true, want: domain.DiscountDuplicateTrip},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ctx := context.Background()
			r := &MockReader{}
			if c.code == nil {
				r.On("GetByCode", ctx, "SUMMER").Return(nil, domain.NotFoundf("missing"))
			} else {
				r.On("GetByCode", ctx, "SUMMER").Return(c.code, nil)
			}
			r.On("CountUsages", ctx, int64(3), int64(7)).Return(c.usages, nil)
			r.On("HasDiscountedForTrip", ctx, int64(7), int64(1)).Return(c.dup, nil)

			_, err := discount.NewValidator().Validate(ctx, r, baseRequest())
			assert.True(t, errors.Is(err, domain.ErrInvalidDiscount))
			assert.Equal(t, c.want, reason(t, err))
		})
	}
}

func TestValidator_MatchingScopePasses(t *testing.T) {
	ctx := context.Background()
	r := &MockReader{}
	code := &domain.DiscountCode{
		ID: 3, Code: "SUMMER", Type: domain.DiscountFixed, Value: decimal.NewFromInt(10), Active: true,
		TripID: ptr(int64(1)), DepartureID: ptr(int64(10)), AgencyID: ptr(int64(100)),
		MaxUses: ptr(3), UsedCount: 2, PerUserLimit: ptr(2),
	}
	r.On("GetByCode", ctx, "SUMMER").Return(code, nil)
	r.On("CountUsages", ctx, int64(3), int64(7)).Return(1, nil)
	r.On("HasDiscountedForTrip", ctx, int64(7), int64(1)).Return(false, nil)

	q, err := discount.NewValidator().Validate(ctx, r, baseRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(10), q.Amount)
	r.AssertExpectations(t)
}

func TestValidator_StoreErrorIsNotARejection(t *testing.T) {
	ctx := context.Background()
	r := &MockReader{}
	r.On("GetByCode", ctx, "SUMMER").Return(nil, errors.New("connection reset"))

	_, err := discount.NewValidator().Validate(ctx, r, baseRequest())
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrInvalidDiscount))
}
