// Package crdb implements the store on CockroachDB. Every unit of work is a
// SERIALIZABLE transaction; retry errors surface as domain.ErrSerializationFailure.
package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/expedition-reservations/internal/domain"
	"github.com/robertarktes/expedition-reservations/internal/observability"
	"github.com/robertarktes/expedition-reservations/internal/store"
)

const (
	SerializationFailureCode = "40001"
	UniqueViolationCode      = "23505"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Begin(ctx context.Context) (store.UnitOfWork, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, mapErr(err)
	}
	return &unitOfWork{tx: tx, started: time.Now()}, nil
}

type unitOfWork struct {
	tx      pgx.Tx
	started time.Time
}

func (u *unitOfWork) Departures() store.Departures { return departures{u.tx} }
func (u *unitOfWork) Bookings() store.Bookings     { return bookings{u.tx} }
func (u *unitOfWork) Discounts() store.Discounts   { return discounts{u.tx} }
func (u *unitOfWork) Tickets() store.Tickets       { return tickets{u.tx} }
func (u *unitOfWork) Referrals() store.Referrals   { return referrals{u.tx} }
func (u *unitOfWork) Outbox() store.Outbox         { return outbox{u.tx} }

func (u *unitOfWork) Commit(ctx context.Context) error {
	defer observability.DBTxDuration.Observe(time.Since(u.started).Seconds())
	return mapErr(u.tx.Commit(ctx))
}

// Rollback after Commit is a no-op.
func (u *unitOfWork) Rollback(ctx context.Context) error {
	err := u.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Mark(err, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case SerializationFailureCode:
			return errors.Mark(err, domain.ErrSerializationFailure)
		case UniqueViolationCode:
			return errors.Mark(err, domain.ErrConflict)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == UniqueViolationCode
}

var (
	_ store.Store        = (*Store)(nil)
	_ store.OutboxSource = (*Store)(nil)
)
