package crdb

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/expedition-reservations/internal/domain"
)

type outbox struct {
	tx pgx.Tx
}

// Append drops records whose dedupe key is already stored.
func (r outbox) Append(ctx context.Context, rec domain.OutboxRecord) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload_json, status, dedupe_key, created_at)
		VALUES ($1, $2, $3, $4, $5, 'NEW', $6, $7)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, rec.ID, rec.AggregateType, rec.AggregateID, rec.EventType, rec.Payload, rec.DedupeKey, rec.CreatedAt)
	return mapErr(err)
}

func (s *Store) FetchUnpublished(ctx context.Context, limit int) ([]domain.OutboxRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload_json, dedupe_key, created_at, published_at
		FROM outbox WHERE status = 'NEW' ORDER BY created_at ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var records []domain.OutboxRecord
	for rows.Next() {
		var rec domain.OutboxRecord
		err := rows.Scan(&rec.ID, &rec.AggregateType, &rec.AggregateID, &rec.EventType, &rec.Payload, &rec.DedupeKey, &rec.CreatedAt, &rec.PublishedAt)
		if err != nil {
			return nil, mapErr(err)
		}
		records = append(records, rec)
	}
	return records, mapErr(rows.Err())
}

func (s *Store) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = 'PUBLISHED', published_at = $2 WHERE id = $1
	`, id, at)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("outbox record %s not found", id)
	}
	return nil
}
