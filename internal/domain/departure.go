package domain

import "time"

type DepartureStatus string

const (
	DepartureAvailable DepartureStatus = "AVAILABLE"
	DepartureFull      DepartureStatus = "FULL"
	DepartureCancelled DepartureStatus = "CANCELLED"
	DepartureCompleted DepartureStatus = "COMPLETED"
)

// Departure is a dated instance of a trip with a fixed seat capacity.
// CapacityAvailable is a cached value owned by the ledger.
type Departure struct {
	ID                int64
	TripID            int64
	AgencyID          int64
	CapacityTotal     int
	CapacityAvailable int
	Status            DepartureStatus
	StartDate         time.Time
	EndDate           time.Time
	AdultPrice        int64
	ChildPrice        int64
	Currency          string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (d Departure) Bookable() bool {
	return d.Status == DepartureAvailable || d.Status == DepartureFull
}

func (d Departure) PriceFor(t ItemType) int64 {
	if t == ItemChild {
		return d.ChildPrice
	}
	return d.AdultPrice
}

// Trip is the catalog projection the booking flow needs. The catalog itself is owned elsewhere.
type Trip struct {
	ID          int64
	AgencyID    int64
	Name        string
	MaxCapacity int
	AdultPrice  int64
	ChildPrice  int64
	Currency    string
}

func NewDeparture(trip Trip, start, end time.Time) Departure {
	return Departure{
		TripID:            trip.ID,
		AgencyID:          trip.AgencyID,
		CapacityTotal:     trip.MaxCapacity,
		CapacityAvailable: trip.MaxCapacity,
		Status:            DepartureAvailable,
		StartDate:         start,
		EndDate:           end,
		AdultPrice:        trip.AdultPrice,
		ChildPrice:        trip.ChildPrice,
		Currency:          trip.Currency,
	}
}
