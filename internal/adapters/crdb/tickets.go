package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/expedition-reservations/internal/domain"
)

const ticketColumns = `booking_id, claim_code, payload, qr_code, is_claimed, claimed_at, COALESCE(claimed_by, ''), issued_at`

type tickets struct {
	tx pgx.Tx
}

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var t domain.Ticket
	err := row.Scan(&t.BookingID, &t.ClaimCode, &t.Payload, &t.QRCode, &t.IsClaimed, &t.ClaimedAt, &t.ClaimedBy, &t.IssuedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

// Upsert resets the claim state of an unclaimed ticket. The WHERE on the
// conflict branch keeps a claimed row untouched.
func (r tickets) Upsert(ctx context.Context, t *domain.Ticket) error {
	tag, err := r.tx.Exec(ctx, `
		INSERT INTO tickets (booking_id, claim_code, payload, qr_code, is_claimed, issued_at)
		VALUES ($1, $2, $3, $4, false, $5)
		ON CONFLICT (booking_id) DO UPDATE SET
			claim_code = excluded.claim_code,
			payload = excluded.payload,
			qr_code = excluded.qr_code,
			is_claimed = false,
			claimed_at = NULL,
			claimed_by = NULL,
			issued_at = excluded.issued_at
		WHERE tickets.is_claimed = false
	`, t.BookingID, t.ClaimCode, t.Payload, t.QRCode, t.IssuedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTicketAlreadyClaimed
	}
	return nil
}

func (r tickets) GetByBooking(ctx context.Context, bookingID int64) (*domain.Ticket, error) {
	t, err := scanTicket(r.tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE booking_id = $1`, bookingID))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NotFoundf("no ticket for booking %d", bookingID)
	}
	return t, err
}

func (r tickets) GetByCode(ctx context.Context, code string) (*domain.Ticket, error) {
	t, err := scanTicket(r.tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE claim_code = $1`, code))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NotFoundf("ticket %q not found", code)
	}
	return t, err
}

func (r tickets) Claim(ctx context.Context, code, attendant string, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE tickets SET is_claimed = true, claimed_at = $3, claimed_by = NULLIF($2, '')
		WHERE claim_code = $1 AND is_claimed = false
	`, code, attendant, at)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.GetByCode(ctx, code); err != nil {
		return err
	}
	return domain.ErrTicketAlreadyClaimed
}
