package pacing

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLeaseLost is returned by Renew once another owner may hold the lease.
var ErrLeaseLost = errors.New("campaign lease lost")

// Leaser grants the exclusive right to dispatch a campaign. At most one loop
// across all worker processes holds a campaign's lease.
type Leaser interface {
	TryAcquire(ctx context.Context, campaignID int64) (Lease, bool, error)
	// RenewEvery is how often a holder must renew. Zero means never.
	RenewEvery() time.Duration
}

type Lease interface {
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// LocalLeaser coordinates loops inside one process. It is enough for a
// single worker; run several workers with RedisLeaser.
type LocalLeaser struct {
	mu   sync.Mutex
	held map[int64]string
}

func NewLocalLeaser() *LocalLeaser {
	return &LocalLeaser{held: map[int64]string{}}
}

func (l *LocalLeaser) TryAcquire(ctx context.Context, campaignID int64) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[campaignID]; taken {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.held[campaignID] = token
	return &localLease{owner: l, id: campaignID, token: token}, true, nil
}

func (l *LocalLeaser) RenewEvery() time.Duration { return 0 }

// Held reports whether campaignID is currently leased.
func (l *LocalLeaser) Held(campaignID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[campaignID]
	return ok
}

type localLease struct {
	owner *LocalLeaser
	id    int64
	token string
}

func (l *localLease) Renew(ctx context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if l.owner.held[l.id] != l.token {
		return ErrLeaseLost
	}
	return nil
}

func (l *localLease) Release(ctx context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if l.owner.held[l.id] == l.token {
		delete(l.owner.held, l.id)
	}
	return nil
}

const redisLeasePrefix = "broadcast:lease:"

var renewLease = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseLease = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLeaser holds campaign leases as SET NX PX keys. A worker that dies
// stops renewing and its leases lapse after ttl.
type RedisLeaser struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisLeaser(client redis.Cmdable, ttl time.Duration) *RedisLeaser {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLeaser{client: client, ttl: ttl}
}

func (l *RedisLeaser) TryAcquire(ctx context.Context, campaignID int64) (Lease, bool, error) {
	key := redisLeasePrefix + strconv.FormatInt(campaignID, 10)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return &redisLease{client: l.client, key: key, token: token, ttl: l.ttl}, true, nil
}

func (l *RedisLeaser) RenewEvery() time.Duration { return l.ttl / 3 }

type redisLease struct {
	client redis.Cmdable
	key    string
	token  string
	ttl    time.Duration
}

func (l *redisLease) Renew(ctx context.Context) error {
	n, err := renewLease.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	return releaseLease.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

var (
	_ Leaser = (*LocalLeaser)(nil)
	_ Leaser = (*RedisLeaser)(nil)
)
