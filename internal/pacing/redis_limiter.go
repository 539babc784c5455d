package pacing

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	redisKeyPrefix = "broadcast:inflight:"
	// A token outlives its holder by at most this long. It must exceed the
	// send timeout.
	redisTokenTTL    = 2 * time.Minute
	redisPollBackoff = 200 * time.Millisecond
)

// acquireToken drops expired tokens, then adds one if the set has room.
// KEYS[1] token set; ARGV: now ms, expiry ms, capacity, token id, key ttl ms.
var acquireToken = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) < tonumber(ARGV[3]) then
  redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
  redis.call('PEXPIRE', KEYS[1], ARGV[5])
  return 1
end
return 0
`)

// RedisLimiter shares the per-instance in-flight budget between worker
// processes. Each token is a member of a sorted set scored by its expiry, so
// a token left behind by a crashed worker lapses on its own.
type RedisLimiter struct {
	client   redis.Cmdable
	capacity int64
	clock    Clock
	log      *logrus.Entry
}

func NewRedisLimiter(log *logrus.Entry, client redis.Cmdable, capacity int, clock Clock) *RedisLimiter {
	if capacity < 1 {
		capacity = 1
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &RedisLimiter{
		client:   client,
		capacity: int64(capacity),
		clock:    clock,
		log:      log.WithField("component", "redis_limiter"),
	}
}

func (l *RedisLimiter) Acquire(ctx context.Context, instanceID string) (func(), error) {
	key := redisKeyPrefix + instanceID
	token := uuid.NewString()
	start := l.clock.Now()
	for {
		now := l.clock.Now()
		got, err := acquireToken.Run(ctx, l.client, []string{key},
			now.UnixMilli(), now.Add(redisTokenTTL).UnixMilli(), l.capacity, token, redisTokenTTL.Milliseconds()).Int()
		if err != nil {
			return nil, err
		}
		if got == 1 {
			break
		}
		select {
		case <-l.clock.After(redisPollBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	limiterWait.Observe(l.clock.Now().Sub(start).Seconds())

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := l.client.ZRem(context.Background(), key, token).Err(); err != nil {
				l.log.WithError(err).WithField("instance", instanceID).Warn("release in-flight token")
			}
		})
	}, nil
}

var _ Limiter = (*RedisLimiter)(nil)
