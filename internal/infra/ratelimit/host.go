package ratelimit

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// HostLimiter выдаёт по token bucket-у на каждый хост. Ожидание токена
// ограничено интервалом пополнения, бесконечной блокировки нет.
type HostLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rps     float64
}

type bucket struct {
	mu           sync.Mutex
	capacity     float64
	tokens       float64
	refillPerSec float64
	last         time.Time
}

// NewHostLimiter создаёт лимитер с указанным RPS на хост.
func NewHostLimiter(rps float64) *HostLimiter {
	if rps <= 0 {
		rps = 1
	}
	return &HostLimiter{buckets: make(map[string]*bucket), rps: rps}
}

func (l *HostLimiter) bucketFor(host string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[host]
	if !ok {
		cap := math.Max(1, l.rps*2)
		b = &bucket{capacity: cap, tokens: cap, refillPerSec: l.rps, last: time.Now()}
		l.buckets[host] = b
	}
	return b
}

// Wait блокируется, пока для хоста не появится токен, либо пока не отменится контекст.
func (l *HostLimiter) Wait(ctx context.Context, host string) error {
	b := l.bucketFor(host)
	for {
		b.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(b.last).Seconds()
		if elapsed > 0 {
			b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillPerSec)
			b.last = now
		}
		ok := false
		if b.tokens >= 1.0 {
			b.tokens -= 1.0
			ok = true
		}
		b.mu.Unlock()

		if ok {
			return nil
		}
		toNext := time.Duration((1.0/b.refillPerSec)*float64(time.Second)) + jitter()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(toNext):
		}
	}
}

func jitter() time.Duration {
	j := 1 + (rand.Float64()*2-1)*0.1
	return time.Duration(j * float64(30*time.Millisecond))
}
