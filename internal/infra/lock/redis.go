package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired возвращается, когда блокировку не удалось получить за отведённое время.
var ErrNotAcquired = errors.New("lock: не удалось получить блокировку")

const pollInterval = 200 * time.Millisecond

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLock — распределённая блокировка на SET NX с TTL. Ключом служит
// нормализованный URL; токен защищает от снятия чужой блокировки.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisLock создаёт блокировку с TTL владения и потолком ожидания.
func NewRedisLock(client *redis.Client, ttl, wait time.Duration) *RedisLock {
	return &RedisLock{client: client, ttl: ttl, wait: wait}
}

// Acquire пытается захватить ключ, ожидая не дольше настроенного потолка.
// Возвращает функцию освобождения. При неудаче — ErrNotAcquired: вызывающий
// пропускает выборку, а не падает.
func (l *RedisLock) Acquire(ctx context.Context, key string) (release func(), err error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, "fetchlock:"+key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(relCtx, l.client, []string{"fetchlock:" + key}, token).Err()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
