package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type DiscountType string

const (
	DiscountPercentage DiscountType = "PERCENTAGE"
	DiscountFixed      DiscountType = "FIXED"
)

var hundred = decimal.NewFromInt(100)

// DiscountCode is a redeemable code. A nil scope field means unrestricted.
type DiscountCode struct {
	ID           int64
	Code         string
	Type         DiscountType
	Value        decimal.Decimal
	TripID       *int64
	DepartureID  *int64
	AgencyID     *int64
	MaxUses      *int
	PerUserLimit *int
	UsedCount    int
	Active       bool
	CreatedAt    time.Time
}

// AmountFor returns the discount on subtotal, always within [0, subtotal].
func (c DiscountCode) AmountFor(subtotal int64) int64 {
	if subtotal <= 0 {
		return 0
	}
	sub := decimal.NewFromInt(subtotal)
	var amount decimal.Decimal
	switch c.Type {
	case DiscountFixed:
		amount = c.Value
	case DiscountPercentage:
		amount = sub.Mul(c.Value).Div(hundred)
	default:
		return 0
	}
	amount = amount.Round(0)
	if amount.IsNegative() {
		return 0
	}
	if amount.GreaterThan(sub) {
		return subtotal
	}
	return amount.IntPart()
}

func (c DiscountCode) Exhausted() bool {
	return c.MaxUses != nil && c.UsedCount >= *c.MaxUses
}

type DiscountUsage struct {
	CodeID    int64
	BuyerID   int64
	BookingID int64
	Amount    int64
	CreatedAt time.Time
}
