package outbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/expedition-reservations/internal/adapters/memory"
	"github.com/robertarktes/expedition-reservations/internal/domain"
	"github.com/robertarktes/expedition-reservations/internal/observability"
	"github.com/robertarktes/expedition-reservations/internal/outbox"
	"github.com/robertarktes/expedition-reservations/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type recordingSink struct {
	sent   []string
	failOn string
}

func (s *recordingSink) Publish(ctx context.Context, rec domain.OutboxRecord) error {
	if rec.DedupeKey == s.failOn {
		return errors.New("broker unavailable")
	}
	s.sent = append(s.sent, rec.DedupeKey)
	return nil
}

func appendEvents(t *testing.T, st *memory.Store, events ...string) []string {
	t.Helper()
	var keys []string
	err := store.WithinTx(context.Background(), st, func(uow store.UnitOfWork) error {
		keys = keys[:0]
		for i, ev := range events {
			rec, err := domain.NewBookingRecord(ev, domain.Booking{ID: int64(i + 1)}, t0.Add(time.Duration(i)*time.Second))
			if err != nil {
				return err
			}
			if err := uow.Outbox().Append(context.Background(), rec); err != nil {
				return err
			}
			keys = append(keys, rec.DedupeKey)
		}
		return nil
	})
	require.NoError(t, err)
	return keys
}

func TestDrain_PublishesInOrderAndMarks(t *testing.T) {
	st := memory.NewStore()
	keys := appendEvents(t, st, domain.EventBookingCreated, domain.EventBookingConfirmed, domain.EventBookingCancelled)

	sink := &recordingSink{}
	p := outbox.NewPublisher(st, sink, observability.NopLogger(), outbox.WithClock(func() time.Time { return t0.Add(time.Minute) }))

	n, err := p.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, keys, sink.sent)

	for _, rec := range st.Outbox() {
		assert.NotNil(t, rec.PublishedAt)
	}

	n, err = p.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, sink.sent, 3)
}

func TestDrain_StopsAtFirstFailure(t *testing.T) {
	st := memory.NewStore()
	keys := appendEvents(t, st, domain.EventBookingCreated, domain.EventBookingCreated, domain.EventBookingCreated)

	sink := &recordingSink{failOn: keys[1]}
	p := outbox.NewPublisher(st, sink, observability.NopLogger())

	n, err := p.Drain(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, keys[:1], sink.sent)

	sink.failOn = ""
	n, err = p.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, keys, sink.sent)
}

func TestDrain_RespectsBatchSize(t *testing.T) {
	st := memory.NewStore()
	appendEvents(t, st, domain.EventBookingCreated, domain.EventBookingCreated, domain.EventBookingCreated)

	sink := &recordingSink{}
	p := outbox.NewPublisher(st, sink, observability.NopLogger(), outbox.WithBatchSize(2))

	n, err := p.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
