package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another holder owns the lock
var ErrLockHeld = errors.New("lock held by another process")

// releaseScript deletes the key only if it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a held distributed lock
type Lock struct {
	client *Client
	key    string
	token  string
}

// AcquireLock takes key for ttl. It never blocks: ErrLockHeld means someone else has it.
func (c *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()

	ok, err := c.Redis.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}

	return &Lock{client: c, key: key, token: token}, nil
}

// Release frees the lock if it has not expired and been taken by someone else
func (l *Lock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client.Redis, []string{l.key}, l.token).Err()
}

// Key returns the lock key
func (l *Lock) Key() string {
	return l.key
}
