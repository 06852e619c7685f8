package domain

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	EventBookingCreated   = "booking.created"
	EventBookingConfirmed = "booking.confirmed"
	EventBookingDeclined  = "booking.declined"
	EventBookingExpired   = "booking.expired"
	EventBookingCancelled = "booking.cancelled"
	EventBookingRefunded  = "booking.refunded"
	EventPaymentOrphaned  = "payment.orphaned"
)

type OutboxRecord struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   int64
	EventType     string
	Payload       []byte
	DedupeKey     string
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

// BookingEvent is the payload of every booking.* outbox record.
type BookingEvent struct {
	BookingID   int64         `json:"booking_id,string"`
	DepartureID int64         `json:"departure_id,string"`
	BuyerID     int64         `json:"buyer_id,string"`
	Status      BookingStatus `json:"status"`
	Seats       int           `json:"seats"`
	Total       int64         `json:"total"`
	Currency    string        `json:"currency"`
	OccurredAt  time.Time     `json:"occurred_at"`
}

// NewBookingRecord builds an outbox record. The dedupe key is stable for a
// (event, booking, decline count) triple so a retried unit of work produces the same key.
func NewBookingRecord(eventType string, b Booking, at time.Time) (OutboxRecord, error) {
	payload, err := json.Marshal(BookingEvent{
		BookingID:   b.ID,
		DepartureID: b.DepartureID,
		BuyerID:     b.BuyerID,
		Status:      b.Status,
		Seats:       b.Seats(),
		Total:       b.Total,
		Currency:    b.Currency,
		OccurredAt:  at,
	})
	if err != nil {
		return OutboxRecord{}, err
	}
	return OutboxRecord{
		ID:            uuid.New(),
		AggregateType: "booking",
		AggregateID:   b.ID,
		EventType:     eventType,
		Payload:       payload,
		DedupeKey:     eventType + ":" + strconv.FormatInt(b.ID, 10) + ":" + strconv.Itoa(b.DeclineCount),
		CreatedAt:     at,
	}, nil
}
