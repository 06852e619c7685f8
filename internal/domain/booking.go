package domain

import (
	"fmt"
	"time"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "PENDING"
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingCancelled BookingStatus = "CANCELLED"
	BookingRefunded  BookingStatus = "REFUNDED"
)

var transitions = map[BookingStatus][]BookingStatus{
	BookingPending:   {BookingConfirmed, BookingCancelled},
	BookingConfirmed: {BookingRefunded},
}

// CanTransitionTo reports whether the lifecycle has an edge from s to next.
func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

type ItemType string

const (
	ItemAdult ItemType = "ADULT"
	ItemChild ItemType = "CHILD"
)

type BookingItem struct {
	Type      ItemType
	Quantity  int
	UnitPrice int64
	LineTotal int64
}

type Booking struct {
	ID             int64
	DepartureID    int64
	TripID         int64
	BuyerID        int64
	BuyerEmail     string
	Reference      string
	Status         BookingStatus
	Items          []BookingItem
	Subtotal       int64
	DiscountAmount int64
	DiscountCode   string
	ReferralCode   string
	Total          int64
	Currency       string
	TransactionID  string
	CheckoutURL    string
	DeclineCount   int
	// LastDeclinedTx is the provider transaction of the most recent decline.
	LastDeclinedTx string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (b Booking) Seats() int {
	n := 0
	for _, it := range b.Items {
		n += it.Quantity
	}
	return n
}

func (b Booking) HasDiscount() bool {
	return b.DiscountCode != ""
}

// SeatRequest is the party composition a buyer asks for.
type SeatRequest struct {
	Adults   int
	Children int
}

func (r SeatRequest) Total() int {
	return r.Adults + r.Children
}

func (r SeatRequest) Validate() error {
	if r.Adults < 0 || r.Children < 0 {
		return Invalidf("seat counts must not be negative")
	}
	if r.Total() < 1 {
		return Invalidf("at least one seat is required")
	}
	return nil
}

// PriceItems builds the immutable item list for the request at the departure's prices.
func PriceItems(d Departure, r SeatRequest) ([]BookingItem, int64) {
	var items []BookingItem
	var subtotal int64
	add := func(t ItemType, qty int) {
		if qty == 0 {
			return
		}
		unit := d.PriceFor(t)
		line := unit * int64(qty)
		items = append(items, BookingItem{Type: t, Quantity: qty, UnitPrice: unit, LineTotal: line})
		subtotal += line
	}
	add(ItemAdult, r.Adults)
	add(ItemChild, r.Children)
	return items, subtotal
}

// BookingReference is the merchant reference sent to the payment provider.
func BookingReference(departureID int64, buyerID int64, at time.Time) string {
	return fmt.Sprintf("EXP-%d-%d-%d", departureID, buyerID, at.UnixNano())
}
