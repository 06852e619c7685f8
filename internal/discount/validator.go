// Package discount prices discount codes against a purchase context. Validation
// never writes; redemption belongs to the booking unit of work.
package discount

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/expedition-reservations/internal/domain"
	"github.com/robertarktes/expedition-reservations/internal/store"
)

// Reader is the read side validation needs.
type Reader interface {
	GetByCode(ctx context.Context, code string) (*domain.DiscountCode, error)
	CountUsages(ctx context.Context, codeID, buyerID int64) (int, error)
	HasDiscountedForTrip(ctx context.Context, buyerID, tripID int64) (bool, error)
}

type Request struct {
	Code        string
	TripID      int64
	DepartureID int64
	AgencyID    int64
	BuyerID     int64
	Seats       domain.SeatRequest
	Subtotal    int64
}

type Quote struct {
	Code     domain.DiscountCode
	Amount   int64
	Subtotal int64
	Total    int64
}

type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// Validate runs the checks in a fixed order and returns the first rejection.
func (v *Validator) Validate(ctx context.Context, r Reader, req Request) (*Quote, error) {
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return nil, domain.NewDiscountError(req.Code, domain.DiscountUnknown)
	}

	dc, err := r.GetByCode(ctx, code)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NewDiscountError(code, domain.DiscountUnknown)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load discount %q", code)
	}
	if !dc.Active {
		return nil, domain.NewDiscountError(code, domain.DiscountUnknown)
	}

	if !scopeMatches(dc.TripID, req.TripID) || !scopeMatches(dc.DepartureID, req.DepartureID) || !scopeMatches(dc.AgencyID, req.AgencyID) {
		return nil, domain.NewDiscountError(code, domain.DiscountScopeMismatch)
	}

	if dc.Exhausted() {
		return nil, domain.NewDiscountError(code, domain.DiscountGlobalCap)
	}

	if dc.PerUserLimit != nil {
		used, err := r.CountUsages(ctx, dc.ID, req.BuyerID)
		if err != nil {
			return nil, errors.Wrapf(err, "count usages of %q", code)
		}
		if used >= *dc.PerUserLimit {
			return nil, domain.NewDiscountError(code, domain.DiscountPerUserCap)
		}
	}

	dup, err := r.HasDiscountedForTrip(ctx, req.BuyerID, req.TripID)
	if err != nil {
		return nil, errors.Wrap(err, "check discounted bookings")
	}
	if dup {
		return nil, domain.NewDiscountError(code, domain.DiscountDuplicateTrip)
	}

	amount := dc.AmountFor(req.Subtotal)
	return &Quote{Code: *dc, Amount: amount, Subtotal: req.Subtotal, Total: req.Subtotal - amount}, nil
}

func scopeMatches(scope *int64, actual int64) bool {
	return scope == nil || *scope == actual
}

type uowReader struct {
	uow store.UnitOfWork
}

// NewReader adapts a unit of work so validation reads at its isolation level.
func NewReader(uow store.UnitOfWork) Reader {
	return uowReader{uow: uow}
}

func (r uowReader) GetByCode(ctx context.Context, code string) (*domain.DiscountCode, error) {
	return r.uow.Discounts().GetByCode(ctx, code)
}

func (r uowReader) CountUsages(ctx context.Context, codeID, buyerID int64) (int, error) {
	return r.uow.Discounts().CountUsages(ctx, codeID, buyerID)
}

func (r uowReader) HasDiscountedForTrip(ctx context.Context, buyerID, tripID int64) (bool, error) {
	return r.uow.Bookings().HasDiscountedForTrip(ctx, buyerID, tripID)
}
