package redis

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only while it still holds our token, so a
// replica whose lock expired cannot release one taken over by another.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Cache struct {
	client *redis.Client

	mu     sync.Mutex
	tokens map[string]string
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client, tokens: map[string]string{}}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Acquire takes a best-effort lock for ttl. It reports false when another holder has it.
func (c *Cache) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, "lock:"+key, token, ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "acquire lock %s", key)
	}
	if ok {
		c.mu.Lock()
		c.tokens[key] = token
		c.mu.Unlock()
	}
	return ok, nil
}

func (c *Cache) Release(ctx context.Context, key string) error {
	c.mu.Lock()
	token, ok := c.tokens[key]
	delete(c.tokens, key)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if err := releaseScript.Run(ctx, c.client, []string{"lock:" + key}, token).Err(); err != nil {
		return errors.Wrapf(err, "release lock %s", key)
	}
	return nil
}

// Hit counts one request in the fixed window starting at the first hit.
func (c *Cache) Hit(ctx context.Context, key string, period time.Duration) (int64, error) {
	fullKey := "rl:" + key

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.ExpireNX(ctx, fullKey, period)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrapf(err, "count %s", key)
	}
	return incr.Val(), nil
}
