package idempotency_test

import (
	"context"
	"sync"
	"testing"
	"time"

	redisadapter "github.com/robertarktes/expedition-reservations/internal/adapters/redis"
	"github.com/robertarktes/expedition-reservations/internal/idempotency"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	stored  map[string]redisadapter.IdempResponse
	claimed map[string]bool
}

func newMemStore() *memStore {
	return &memStore{stored: map[string]redisadapter.IdempResponse{}, claimed: map[string]bool{}}
}

func (m *memStore) Get(ctx context.Context, key string) (*redisadapter.IdempResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.stored[key]; ok {
		return &r, nil
	}
	return nil, nil
}

func (m *memStore) Set(ctx context.Context, key string, resp redisadapter.IdempResponse, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored[key] = resp
	return nil
}

func (m *memStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimed[key] {
		return false, nil
	}
	m.claimed[key] = true
	return true, nil
}

func (m *memStore) Unclaim(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claimed, key)
	return nil
}

func TestBeginFinishReplay(t *testing.T) {
	ctx := context.Background()
	idem := idempotency.NewIdempotency(newMemStore(), time.Hour)
	key := idempotency.Key("POST /v1/bookings", "7", "abc")

	resp, err := idem.Begin(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, resp)

	_, err = idem.Begin(ctx, key)
	assert.ErrorIs(t, err, idempotency.ErrInFlight)

	require.NoError(t, idem.Finish(ctx, key, idempotency.Response{Status: 201, ContentType: "application/json", Result: []byte(`{}`)}))

	resp, err = idem.Begin(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 201, resp.Status)
}

func TestFinish_ServerErrorIsNotStored(t *testing.T) {
	ctx := context.Background()
	idem := idempotency.NewIdempotency(newMemStore(), time.Hour)
	key := idempotency.Key("POST /v1/bookings", "7", "abc")

	_, err := idem.Begin(ctx, key)
	require.NoError(t, err)
	require.NoError(t, idem.Finish(ctx, key, idempotency.Response{Status: 500}))

	resp, err := idem.Begin(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, resp, "a failed request can be retried with the same key")
}

func TestKey_ScopesByCaller(t *testing.T) {
	assert.NotEqual(t,
		idempotency.Key("POST /v1/bookings", "7", "abc"),
		idempotency.Key("POST /v1/bookings", "8", "abc"))
}
