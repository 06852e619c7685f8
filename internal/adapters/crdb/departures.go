package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/expedition-reservations/internal/domain"
)

const departureColumns = `id, trip_id, agency_id, capacity_total, capacity_available, status,
	start_date, end_date, adult_price, child_price, currency, created_at, updated_at`

type departures struct {
	tx pgx.Tx
}

func scanDeparture(row pgx.Row) (*domain.Departure, error) {
	var d domain.Departure
	var status string
	err := row.Scan(&d.ID, &d.TripID, &d.AgencyID, &d.CapacityTotal, &d.CapacityAvailable, &status,
		&d.StartDate, &d.EndDate, &d.AdultPrice, &d.ChildPrice, &d.Currency, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	d.Status = domain.DepartureStatus(status)
	return &d, nil
}

func (r departures) Get(ctx context.Context, id int64) (*domain.Departure, error) {
	d, err := scanDeparture(r.tx.QueryRow(ctx, `SELECT `+departureColumns+` FROM departures WHERE id = $1`, id))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NotFoundf("departure %d not found", id)
	}
	return d, err
}

func (r departures) GetForUpdate(ctx context.Context, id int64) (*domain.Departure, error) {
	d, err := scanDeparture(r.tx.QueryRow(ctx, `SELECT `+departureColumns+` FROM departures WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NotFoundf("departure %d not found", id)
	}
	return d, err
}

func (r departures) FindByWindow(ctx context.Context, tripID int64, start, end time.Time) (*domain.Departure, error) {
	d, err := scanDeparture(r.tx.QueryRow(ctx, `
		SELECT `+departureColumns+` FROM departures
		WHERE trip_id = $1 AND start_date = $2 AND end_date = $3
	`, tripID, start, end))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NotFoundf("no departure for trip %d in window", tripID)
	}
	return d, err
}

func (r departures) Create(ctx context.Context, d *domain.Departure) error {
	err := r.tx.QueryRow(ctx, `
		INSERT INTO departures (trip_id, agency_id, capacity_total, capacity_available, status,
			start_date, end_date, adult_price, child_price, currency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (trip_id, start_date, end_date) DO NOTHING
		RETURNING id
	`, d.TripID, d.AgencyID, d.CapacityTotal, d.CapacityAvailable, string(d.Status),
		d.StartDate, d.EndDate, d.AdultPrice, d.ChildPrice, d.Currency, d.CreatedAt).Scan(&d.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrap(domain.ErrConflict, "departure window exists")
	}
	return mapErr(err)
}

func (r departures) Reserve(ctx context.Context, id int64, seats int) (int, error) {
	var remaining int
	err := r.tx.QueryRow(ctx, `
		UPDATE departures
		SET capacity_available = capacity_available - $2, updated_at = now()
		WHERE id = $1 AND capacity_available >= $2 AND status IN ('AVAILABLE', 'FULL')
		RETURNING capacity_available
	`, id, seats).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, mapErr(err)
	}

	var available int
	err = r.tx.QueryRow(ctx, `SELECT capacity_available FROM departures WHERE id = $1`, id).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.NotFoundf("departure %d not found", id)
	}
	if err != nil {
		return 0, mapErr(err)
	}
	return available, domain.ErrCapacityExhausted
}

func (r departures) UpdateCapacity(ctx context.Context, id int64, available int, status domain.DepartureStatus) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE departures SET capacity_available = $2, status = $3, updated_at = now() WHERE id = $1
	`, id, available, string(status))
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("departure %d not found", id)
	}
	return nil
}

func (r departures) UpdateStatus(ctx context.Context, id int64, status domain.DepartureStatus) error {
	tag, err := r.tx.Exec(ctx, `UPDATE departures SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("departure %d not found", id)
	}
	return nil
}

func (r departures) ListActive(ctx context.Context, afterID int64, limit int) ([]domain.Departure, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT `+departureColumns+` FROM departures
		WHERE id > $1 AND status != 'CANCELLED'
		ORDER BY id ASC LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []domain.Departure
	for rows.Next() {
		d, err := scanDeparture(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, mapErr(rows.Err())
}
