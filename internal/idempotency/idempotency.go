// Package idempotency replays stored responses for repeated POSTs that carry
// the same Idempotency-Key.
package idempotency

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	redisadapter "github.com/robertarktes/expedition-reservations/internal/adapters/redis"
)

var ErrInFlight = errors.New("request with this idempotency key is in progress")

// Store is satisfied by the redis adapter.
type Store interface {
	Get(ctx context.Context, key string) (*redisadapter.IdempResponse, error)
	Set(ctx context.Context, key string, resp redisadapter.IdempResponse, ttl time.Duration) error
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unclaim(ctx context.Context, key string) error
}

type Response struct {
	Status      int
	ContentType string
	Result      []byte
}

type Idempotency struct {
	store   Store
	ttl     time.Duration
	lockTTL time.Duration
}

func NewIdempotency(store Store, ttl time.Duration) *Idempotency {
	return &Idempotency{store: store, ttl: ttl, lockTTL: 30 * time.Second}
}

// Key scopes a client key to the route and caller so two buyers reusing a key never collide.
func Key(route, caller, clientKey string) string {
	return route + ":" + caller + ":" + clientKey
}

// Begin returns the stored response for key, or claims key for the caller.
// A nil response with nil error means the caller must run the request and call Finish.
func (i *Idempotency) Begin(ctx context.Context, key string) (*Response, error) {
	if stored, err := i.store.Get(ctx, key); err != nil || stored != nil {
		return toResponse(stored), err
	}
	ok, err := i.store.Claim(ctx, key, i.lockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		// The holder may have finished between Get and Claim.
		stored, err := i.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, ErrInFlight
		}
		return toResponse(stored), nil
	}
	return nil, nil
}

// Finish stores resp when it is final and releases the claim. Server errors are
// not stored so the client may retry with the same key.
func (i *Idempotency) Finish(ctx context.Context, key string, resp Response) error {
	var err error
	if resp.Status < 500 {
		err = i.store.Set(ctx, key, redisadapter.IdempResponse{
			Status:      resp.Status,
			ContentType: resp.ContentType,
			Result:      resp.Result,
		}, i.ttl)
	}
	return errors.CombineErrors(err, i.store.Unclaim(ctx, key))
}

func toResponse(r *redisadapter.IdempResponse) *Response {
	if r == nil {
		return nil
	}
	return &Response{Status: r.Status, ContentType: r.ContentType, Result: r.Result}
}
