package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"pricewatch/internal/domain"
)

type stubAcknowledger struct {
	acked   int
	nacked  int
	requeue bool
}

func (s *stubAcknowledger) Ack(_ uint64, _ bool) error { s.acked++; return nil }

func (s *stubAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	s.nacked++
	s.requeue = requeue
	return nil
}

func (s *stubAcknowledger) Reject(_ uint64, _ bool) error { return nil }

func TestRabbitReceiveReusesConsumer(t *testing.T) {
	ack := &stubAcknowledger{}
	deliveries := make(chan amqp.Delivery, 2)
	for i := uint64(1); i <= 2; i++ {
		job := domain.IngestJob{ID: uuid.NewString(), SourceURL: "acme.io/pricing", Cause: domain.IngestCauseScheduled}
		body, err := json.Marshal(job)
		if err != nil {
			t.Fatalf("сериализация задачи: %v", err)
		}
		deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: i, Body: body}
	}

	// ch не задан: повторная регистрация потребителя здесь невозможна,
	// оба чтения обязаны идти из уже существующего канала доставки.
	q := &RabbitIngestQueue{queue: "ingest_jobs", deliveries: deliveries}

	ctx := context.Background()
	first, ackFirst, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("первое чтение: %v", err)
	}
	second, ackSecond, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("второе чтение: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("оба чтения вернули одно сообщение")
	}

	if err := ackFirst(true); err != nil {
		t.Fatalf("подтверждение: %v", err)
	}
	if ack.acked != 1 {
		t.Fatalf("ожидали один ack, получили %d", ack.acked)
	}
	if err := ackSecond(false); err != nil {
		t.Fatalf("возврат в очередь: %v", err)
	}
	if ack.nacked != 1 || !ack.requeue {
		t.Fatalf("неуспех должен возвращать сообщение в очередь: nacked=%d requeue=%v", ack.nacked, ack.requeue)
	}
}

func TestRabbitReceiveNacksMalformedPayload(t *testing.T) {
	ack := &stubAcknowledger{}
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("{broken")}

	q := &RabbitIngestQueue{queue: "ingest_jobs", deliveries: deliveries}

	if _, _, err := q.Receive(context.Background()); err == nil {
		t.Fatalf("битое сообщение должно возвращать ошибку")
	}
	if ack.nacked != 1 || ack.requeue {
		t.Fatalf("битое сообщение отклоняется без возврата в очередь: nacked=%d requeue=%v", ack.nacked, ack.requeue)
	}
}
