package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pricewatch/internal/domain"
	"pricewatch/internal/infra/metrics"
)

// RedisIngestQueue реализует очередь задач обхода на базе Redis lists.
// Прочитанная задача перекладывается в processing-список и удаляется оттуда
// только после подтверждения, так что падение воркера задачу не теряет.
type RedisIngestQueue struct {
	client *redis.Client
	key    string
}

// NewRedisIngestQueue создаёт очередь по указанному ключу.
func NewRedisIngestQueue(client *redis.Client, key string) *RedisIngestQueue {
	return &RedisIngestQueue{client: client, key: key}
}

func (q *RedisIngestQueue) processingKey() string {
	return q.key + ":processing"
}

// Enqueue публикует задачу в очередь.
func (q *RedisIngestQueue) Enqueue(ctx context.Context, job domain.IngestJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.client.LPush(ctx, q.key, payload).Err()
	metrics.ObserveNetworkRequest("redis", "enqueue", q.key, start, err)
	if err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	if depth, err := q.client.LLen(ctx, q.key).Result(); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
	return nil
}

// Receive блокирующе читает задачу из очереди и возвращает функцию подтверждения.
func (q *RedisIngestQueue) Receive(ctx context.Context) (domain.IngestJob, domain.IngestAckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.IngestJob{}, nil, err
		}

		raw, err := q.client.BLMove(ctx, q.key, q.processingKey(), "RIGHT", "LEFT", time.Second).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.IngestJob{}, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.IngestJob{}, nil, err
		}

		var job domain.IngestJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			_, _ = q.client.LRem(ctx, q.processingKey(), 1, raw).Result()
			return domain.IngestJob{}, nil, fmt.Errorf("decode job: %w", err)
		}

		ack := func(success bool) error {
			ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := q.client.LRem(ackCtx, q.processingKey(), 1, raw).Result(); err != nil {
				return fmt.Errorf("remove from processing: %w", err)
			}
			if !success {
				if err := q.client.LPush(ackCtx, q.key, raw).Err(); err != nil {
					return fmt.Errorf("requeue job: %w", err)
				}
			}
			return nil
		}
		return job, ack, nil
	}
}
