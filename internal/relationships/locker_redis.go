package relationships

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vidfriends/relationships/internal/logging"
)

const (
	defaultRedisLockTTL  = 10 * time.Second
	defaultRedisLockPoll = 25 * time.Millisecond
	redisLockPrefix      = "relationships:pair:"
)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker arbitrates pairs across service instances with a Redis lease.
// Each lease carries a random token so a holder never releases a lease that
// expired and was taken over by someone else.
type RedisLocker struct {
	client redis.Cmdable
	ttl    time.Duration
	poll   time.Duration
}

// NewRedisLocker builds a locker whose leases expire after ttl.
func NewRedisLocker(client redis.Cmdable, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultRedisLockTTL
	}
	return &RedisLocker{client: client, ttl: ttl, poll: defaultRedisLockPoll}
}

// Lock implements PairLocker.
func (l *RedisLocker) Lock(ctx context.Context, pair Pair) (func(), error) {
	key := redisLockPrefix + pair.Key()
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire pair lease: %w", err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			logging.FromContext(ctx).Warn("failed to release pair lease", "pair", pair.Key(), "error", err)
		}
	}
	return release, nil
}

var _ PairLocker = (*RedisLocker)(nil)
