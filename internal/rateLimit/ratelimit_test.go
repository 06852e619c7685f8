package rateLimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robertarktes/expedition-reservations/internal/observability"
	"github.com/stretchr/testify/assert"
)

type fakeCounter struct {
	hits map[string]int64
	err  error
}

func (f *fakeCounter) Hit(ctx context.Context, key string, period time.Duration) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.hits[key]++
	return f.hits[key], nil
}

func TestAllow(t *testing.T) {
	rl := NewRateLimiter(&fakeCounter{hits: map[string]int64{}}, observability.NopLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(ctx, "ip:1.2.3.4", 3, time.Minute))
	}
	assert.False(t, rl.Allow(ctx, "ip:1.2.3.4", 3, time.Minute))
	assert.True(t, rl.Allow(ctx, "ip:5.6.7.8", 3, time.Minute))
}

func TestAllow_FailsOpen(t *testing.T) {
	rl := NewRateLimiter(&fakeCounter{err: errors.New("connection refused")}, observability.NopLogger())
	assert.True(t, rl.Allow(context.Background(), "ip:1.2.3.4", 1, time.Minute))
}
