package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/expedition-reservations/internal/domain"
	"github.com/shopspring/decimal"
)

type discounts struct {
	tx pgx.Tx
}

func (r discounts) Create(ctx context.Context, c *domain.DiscountCode) error {
	err := r.tx.QueryRow(ctx, `
		INSERT INTO discount_codes (code, kind, value, trip_id, departure_id, agency_id,
			max_uses, per_user_limit, used_count, active, created_at)
		VALUES ($1, $2, $3::STRING::DECIMAL, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, c.Code, string(c.Type), c.Value.String(), c.TripID, c.DepartureID, c.AgencyID,
		c.MaxUses, c.PerUserLimit, c.UsedCount, c.Active, c.CreatedAt).Scan(&c.ID)
	return mapErr(err)
}

func (r discounts) GetByCode(ctx context.Context, code string) (*domain.DiscountCode, error) {
	var c domain.DiscountCode
	var kind, value string
	err := r.tx.QueryRow(ctx, `
		SELECT id, code, kind, value::STRING, trip_id, departure_id, agency_id,
			max_uses, per_user_limit, used_count, active, created_at
		FROM discount_codes WHERE code = $1
	`, code).Scan(&c.ID, &c.Code, &kind, &value, &c.TripID, &c.DepartureID, &c.AgencyID,
		&c.MaxUses, &c.PerUserLimit, &c.UsedCount, &c.Active, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFoundf("discount code %q not found", code)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	c.Type = domain.DiscountType(kind)
	if c.Value, err = decimal.NewFromString(value); err != nil {
		return nil, errors.Wrapf(err, "discount code %q has malformed value", code)
	}
	return &c, nil
}

func (r discounts) CountUsages(ctx context.Context, codeID, buyerID int64) (int, error) {
	var n int
	err := r.tx.QueryRow(ctx, `
		SELECT count(*) FROM discount_usages WHERE code_id = $1 AND buyer_id = $2
	`, codeID, buyerID).Scan(&n)
	return n, mapErr(err)
}

func (r discounts) Redeem(ctx context.Context, usage domain.DiscountUsage) error {
	var code string
	err := r.tx.QueryRow(ctx, `
		UPDATE discount_codes SET used_count = used_count + 1
		WHERE id = $1 AND (max_uses IS NULL OR used_count < max_uses)
		RETURNING code
	`, usage.CodeID).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		err = r.tx.QueryRow(ctx, `SELECT code FROM discount_codes WHERE id = $1`, usage.CodeID).Scan(&code)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NotFoundf("discount code %d not found", usage.CodeID)
		}
		if err != nil {
			return mapErr(err)
		}
		return domain.NewDiscountError(code, domain.DiscountGlobalCap)
	}
	if err != nil {
		return mapErr(err)
	}

	_, err = r.tx.Exec(ctx, `
		INSERT INTO discount_usages (code_id, buyer_id, booking_id, amount, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, usage.CodeID, usage.BuyerID, usage.BookingID, usage.Amount, usage.CreatedAt)
	return mapErr(err)
}
