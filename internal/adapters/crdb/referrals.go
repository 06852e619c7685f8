package crdb

import (
	"context"

	"github.com/jackc/pgx/v5"
)

type referrals struct {
	tx pgx.Tx
}

// Credit is keyed by booking in referral_credits, so a replayed confirmation adds nothing.
func (r referrals) Credit(ctx context.Context, code string, bookingID, amount int64) error {
	tag, err := r.tx.Exec(ctx, `
		INSERT INTO referral_credits (booking_id, code, amount) VALUES ($1, $2, $3)
		ON CONFLICT (booking_id) DO NOTHING
	`, bookingID, code, amount)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	_, err = r.tx.Exec(ctx, `
		INSERT INTO referrals (code, confirmed_bookings, confirmed_amount) VALUES ($1, 1, $2)
		ON CONFLICT (code) DO UPDATE SET
			confirmed_bookings = referrals.confirmed_bookings + 1,
			confirmed_amount = referrals.confirmed_amount + excluded.confirmed_amount,
			updated_at = now()
	`, code, amount)
	return mapErr(err)
}
