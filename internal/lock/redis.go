package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "shelfsync:lock:"

// Redis is a cross-process Locker backed by SET NX with a TTL. Releases
// go through a compare-and-delete script so a replica never drops a hold
// that expired and was re-acquired elsewhere.
type Redis struct {
	client *redis.Client
	token  string
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedis creates a Redis locker. The token identifies this process's
// holds; use a unique value per replica.
func NewRedis(client *redis.Client, token string) *Redis {
	return &Redis{client: client, token: token}
}

// Acquire takes the key unless another process holds it.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, keyPrefix+key, r.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return ok, nil
}

// Release drops the hold on the key if this process still owns it.
func (r *Redis) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, r.client, []string{keyPrefix + key}, r.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}
