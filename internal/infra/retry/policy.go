package retry

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy описывает переиспользуемую политику повторов с экспоненциальной
// задержкой. Одна и та же политика обслуживает и выборку страниц, и доставку
// уведомлений.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64
}

// Default возвращает политику с разумными значениями по умолчанию.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}
	return p
}

// Do выполняет fn, повторяя её при ошибках до MaxAttempts+1 раз.
// Ошибки, обёрнутые в Permanent, прекращают повторы немедленно.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	p = p.normalized()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.MaxInterval = p.MaxDelay
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = p.Jitter
	bo.MaxElapsedTime = 0
	return backoff.Retry(fn, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.MaxAttempts)), ctx))
}

// Permanent помечает ошибку как неповторяемую.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Delay возвращает детерминированную задержку перед попыткой attempt (с единицы).
// Используется для вычисления next_retry_at у доставок.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
