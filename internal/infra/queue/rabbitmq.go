package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"pricewatch/internal/domain"
	"pricewatch/internal/infra/metrics"
)

// RabbitIngestQueue реализует очередь задач обхода поверх AMQP.
type RabbitIngestQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
}

// NewRabbitIngestQueue подключается к брокеру и декларирует durable-очередь.
func NewRabbitIngestQueue(amqpURL, queue string) (*RabbitIngestQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &RabbitIngestQueue{conn: conn, ch: ch, queue: queue}, nil
}

// Enqueue публикует задачу в очередь.
func (q *RabbitIngestQueue) Enqueue(ctx context.Context, job domain.IngestJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу из очереди и возвращает функцию подтверждения.
func (q *RabbitIngestQueue) Receive(ctx context.Context) (domain.IngestJob, domain.IngestAckFunc, error) {
	deliveries, err := q.consumer(ctx)
	if err != nil {
		return domain.IngestJob{}, nil, err
	}
	select {
	case <-ctx.Done():
		return domain.IngestJob{}, nil, ctx.Err()
	case msg, ok := <-deliveries:
		if !ok {
			return domain.IngestJob{}, nil, errors.New("rabbitmq: канал доставки закрыт")
		}
		var job domain.IngestJob
		if err := json.Unmarshal(msg.Body, &job); err != nil {
			_ = msg.Nack(false, false)
			return domain.IngestJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return msg.Ack(false)
			}
			return msg.Nack(false, true)
		}
		return job, ack, nil
	}
}

// consumer регистрирует потребителя при первом вызове; все последующие
// Receive читают из того же канала доставки. Потребитель на каждый вызов
// заставил бы брокер раскидывать сообщения по заброшенным каналам, и при
// prefetch 1 каждый из них навсегда удерживал бы по неподтверждённому
// сообщению.
func (q *RabbitIngestQueue) consumer(ctx context.Context) (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliveries != nil {
		return q.deliveries, nil
	}
	deliveries, err := q.ch.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	q.deliveries = deliveries
	return deliveries, nil
}

// Close закрывает канал и соединение.
func (q *RabbitIngestQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}
