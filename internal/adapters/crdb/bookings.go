package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/expedition-reservations/internal/domain"
)

const bookingColumns = `id, departure_id, trip_id, buyer_id, buyer_email, reference, status,
	subtotal, discount_amount, discount_code, referral_code, total, currency,
	COALESCE(transaction_id, ''), checkout_url, decline_count, COALESCE(last_declined_tx, ''), created_at, updated_at`

type bookings struct {
	tx pgx.Tx
}

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	var b domain.Booking
	var status string
	err := row.Scan(&b.ID, &b.DepartureID, &b.TripID, &b.BuyerID, &b.BuyerEmail, &b.Reference, &status,
		&b.Subtotal, &b.DiscountAmount, &b.DiscountCode, &b.ReferralCode, &b.Total, &b.Currency,
		&b.TransactionID, &b.CheckoutURL, &b.DeclineCount, &b.LastDeclinedTx, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	b.Status = domain.BookingStatus(status)
	return &b, nil
}

func (r bookings) Create(ctx context.Context, b *domain.Booking) error {
	err := r.tx.QueryRow(ctx, `
		INSERT INTO bookings (departure_id, trip_id, buyer_id, buyer_email, reference, status,
			subtotal, discount_amount, discount_code, referral_code, total, currency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`, b.DepartureID, b.TripID, b.BuyerID, b.BuyerEmail, b.Reference, string(b.Status),
		b.Subtotal, b.DiscountAmount, b.DiscountCode, b.ReferralCode, b.Total, b.Currency, b.CreatedAt, b.UpdatedAt).Scan(&b.ID)
	if err != nil {
		return mapErr(err)
	}

	batch := &pgx.Batch{}
	for i, it := range b.Items {
		batch.Queue(`
			INSERT INTO booking_items (booking_id, line, item_type, quantity, unit_price, line_total)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, b.ID, i, string(it.Type), it.Quantity, it.UnitPrice, it.LineTotal)
	}
	if batch.Len() == 0 {
		return nil
	}
	return mapErr(r.tx.SendBatch(ctx, batch).Close())
}

func (r bookings) Get(ctx context.Context, id int64) (*domain.Booking, error) {
	b, err := scanBooking(r.tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NotFoundf("booking %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return b, r.loadItems(ctx, b)
}

func (r bookings) GetByReference(ctx context.Context, reference string) (*domain.Booking, error) {
	b, err := scanBooking(r.tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE reference = $1`, reference))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NotFoundf("booking with reference %q not found", reference)
	}
	if err != nil {
		return nil, err
	}
	return b, r.loadItems(ctx, b)
}

func (r bookings) loadItems(ctx context.Context, b *domain.Booking) error {
	rows, err := r.tx.Query(ctx, `
		SELECT item_type, quantity, unit_price, line_total
		FROM booking_items WHERE booking_id = $1 ORDER BY line
	`, b.ID)
	if err != nil {
		return mapErr(err)
	}
	defer rows.Close()

	b.Items = b.Items[:0]
	for rows.Next() {
		var it domain.BookingItem
		var kind string
		if err := rows.Scan(&kind, &it.Quantity, &it.UnitPrice, &it.LineTotal); err != nil {
			return mapErr(err)
		}
		it.Type = domain.ItemType(kind)
		b.Items = append(b.Items, it)
	}
	return mapErr(rows.Err())
}

func (r bookings) UpdateStatus(ctx context.Context, id int64, from, to domain.BookingStatus, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE bookings SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2
	`, id, string(from), string(to), at)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	current, err := r.status(ctx, id)
	if err != nil {
		return err
	}
	return errors.Wrapf(domain.ErrConflict, "booking %d is %s", id, current)
}

func (r bookings) status(ctx context.Context, id int64) (string, error) {
	var status string
	err := r.tx.QueryRow(ctx, `SELECT status FROM bookings WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.NotFoundf("booking %d not found", id)
	}
	return status, mapErr(err)
}

func (r bookings) AttachTransaction(ctx context.Context, id int64, txID string) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE bookings SET transaction_id = $2
		WHERE id = $1 AND (transaction_id IS NULL OR transaction_id = $2)
	`, id, txID)
	if isUniqueViolation(err) {
		return errors.Wrapf(domain.ErrTransactionMismatch, "transaction %s belongs to another booking", txID)
	}
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.status(ctx, id); err != nil {
		return err
	}
	return domain.ErrTransactionMismatch
}

func (r bookings) AttachCheckout(ctx context.Context, id int64, checkoutURL string) error {
	tag, err := r.tx.Exec(ctx, `UPDATE bookings SET checkout_url = $2 WHERE id = $1`, id, checkoutURL)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("booking %d not found", id)
	}
	return nil
}

func (r bookings) RecordDecline(ctx context.Context, id int64, txID string) (int, error) {
	var n int
	err := r.tx.QueryRow(ctx, `
		UPDATE bookings SET decline_count = decline_count + 1, last_declined_tx = $2
		WHERE id = $1
		RETURNING decline_count
	`, id, txID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.NotFoundf("booking %d not found", id)
	}
	return n, mapErr(err)
}

func (r bookings) ConfirmedSeats(ctx context.Context, departureID int64) (int, error) {
	var n int
	err := r.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(i.quantity), 0)::INT8
		FROM booking_items i JOIN bookings b ON b.id = i.booking_id
		WHERE b.departure_id = $1 AND b.status = 'CONFIRMED'
	`, departureID).Scan(&n)
	return n, mapErr(err)
}

func (r bookings) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Booking, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE status = 'PENDING' AND created_at <= $1
		ORDER BY created_at ASC LIMIT $2
	`, createdBefore, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, mapErr(rows.Err())
}

func (r bookings) HasDiscountedForTrip(ctx context.Context, buyerID, tripID int64) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM bookings
			WHERE buyer_id = $1 AND trip_id = $2 AND discount_code != ''
			AND status IN ('PENDING', 'CONFIRMED')
		)
	`, buyerID, tripID).Scan(&exists)
	return exists, mapErr(err)
}
