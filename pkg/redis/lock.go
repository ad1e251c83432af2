package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockNotHeld is returned by unlock when the lock expired or was taken over.
var ErrLockNotHeld = errors.New("redis lock not held")

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a SET NX PX lock shared by every replica relaying for one account.
type Lock struct {
	client *Client
	key    string
	ttl    time.Duration
	poll   time.Duration
}

// NewLock builds the admin lock for account. ttl bounds how long a crashed
// holder can block the others.
func (c *Client) NewLock(account string, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Lock{client: c, key: LockKey(account), ttl: ttl, poll: 100 * time.Millisecond}
}

// Lock blocks until the lock is acquired or ctx is done.
func (l *Lock) Lock(ctx context.Context) (func(context.Context) error, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("lock token: %w", err)
	}
	token := hex.EncodeToString(buf[:])

	for {
		ok, err := l.client.client.SetNX(ctx, l.key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", l.key, err)
		}
		if ok {
			l.client.logger.Debug("Admin lock acquired", zap.String("key", l.key))
			return func(ctx context.Context) error { return l.release(ctx, token) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

func (l *Lock) release(ctx context.Context, token string) error {
	n, err := releaseScript.Run(ctx, l.client.client, []string{l.key}, token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
