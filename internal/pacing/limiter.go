package pacing

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limiter bounds concurrent sends per messaging instance. The returned
// release must be called once the send has finished.
type Limiter interface {
	Acquire(ctx context.Context, instanceID string) (release func(), err error)
}

// InstanceLimiter keeps one token pool per instance inside this process,
// with an optional sends-per-second ceiling on top.
type InstanceLimiter struct {
	mu          sync.Mutex
	concurrency int64
	limit       rate.Limit
	burst       int
	clock       Clock
	pools       map[string]*instancePool
}

type instancePool struct {
	sem  *semaphore.Weighted
	rate *rate.Limiter
}

// NewInstanceLimiter builds a limiter. ratePerSecond <= 0 disables the rate
// ceiling.
func NewInstanceLimiter(concurrency int, ratePerSecond float64, burst int, clock Clock) *InstanceLimiter {
	if concurrency < 1 {
		concurrency = 1
	}
	if burst < 1 {
		burst = 1
	}
	if clock == nil {
		clock = RealClock{}
	}
	l := &InstanceLimiter{
		concurrency: int64(concurrency),
		burst:       burst,
		clock:       clock,
		pools:       map[string]*instancePool{},
	}
	if ratePerSecond > 0 {
		l.limit = rate.Limit(ratePerSecond)
	}
	return l
}

func (l *InstanceLimiter) pool(instanceID string) *instancePool {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pools[instanceID]
	if !ok {
		p = &instancePool{sem: semaphore.NewWeighted(l.concurrency)}
		if l.limit > 0 {
			p.rate = rate.NewLimiter(l.limit, l.burst)
		}
		l.pools[instanceID] = p
	}
	return p
}

func (l *InstanceLimiter) Acquire(ctx context.Context, instanceID string) (func(), error) {
	p := l.pool(instanceID)
	start := l.clock.Now()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if p.rate != nil {
		r := p.rate.ReserveN(l.clock.Now(), 1)
		if !r.OK() {
			p.sem.Release(1)
			return nil, fmt.Errorf("instance %s: rate reservation refused", instanceID)
		}
		if delay := r.DelayFrom(l.clock.Now()); delay > 0 {
			select {
			case <-l.clock.After(delay):
			case <-ctx.Done():
				r.CancelAt(l.clock.Now())
				p.sem.Release(1)
				return nil, ctx.Err()
			}
		}
	}
	limiterWait.Observe(l.clock.Now().Sub(start).Seconds())

	var once sync.Once
	return func() { once.Do(func() { p.sem.Release(1) }) }, nil
}

var _ Limiter = (*InstanceLimiter)(nil)
