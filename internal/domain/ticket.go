package domain

import "time"

type Ticket struct {
	BookingID int64
	ClaimCode string
	Payload   string
	QRCode    []byte
	IsClaimed bool
	ClaimedAt *time.Time
	ClaimedBy string
	IssuedAt  time.Time
}
