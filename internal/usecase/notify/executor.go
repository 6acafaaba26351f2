package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pricewatch/internal/domain"
	"pricewatch/internal/infra/metrics"
	"pricewatch/internal/infra/retry"
)

// ExecutorOptions настраивают цикл выполнения доставок.
type ExecutorOptions struct {
	Tick      time.Duration
	BatchSize int
	Retry     retry.Policy
}

// Executor забирает созревшие доставки, отправляет их по каналам и
// переводит события в терминальные статусы рассылки.
type Executor struct {
	notifications domain.NotificationRepo
	events        domain.EventRepo
	senders       map[domain.ChannelKind]domain.ChannelSender
	opts          ExecutorOptions
	log           zerolog.Logger
	now           func() time.Time
}

// NewExecutor создаёт исполнитель доставок.
func NewExecutor(notifications domain.NotificationRepo, events domain.EventRepo, senders map[domain.ChannelKind]domain.ChannelSender, opts ExecutorOptions, logger zerolog.Logger) *Executor {
	if opts.Tick <= 0 {
		opts.Tick = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Executor{
		notifications: notifications,
		events:        events,
		senders:       senders,
		opts:          opts,
		log:           logger,
		now:           time.Now,
	}
}

// Run крутит цикл обработки до отмены контекста.
func (e *Executor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.opts.Tick)
	defer ticker.Stop()

	e.log.Info().Dur("tick", e.opts.Tick).Msg("notify: исполнитель доставок запущен")
	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("notify: исполнитель доставок остановлен")
			return
		case <-ticker.C:
			if err := e.RunOnce(ctx); err != nil {
				e.log.Error().Err(err).Msg("notify: проход исполнителя завершился ошибкой")
			}
		}
	}
}

// RunOnce обрабатывает одну пачку созревших доставок.
func (e *Executor) RunOnce(ctx context.Context) error {
	due, err := e.notifications.DueDeliveries(ctx, e.now().UTC(), e.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("выборка созревших доставок: %w", err)
	}
	for _, delivery := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.process(ctx, delivery); err != nil {
			e.log.Error().Err(err).Int64("delivery", delivery.ID).
				Msg("notify: доставка не обработана")
		}
	}
	return nil
}

func (e *Executor) process(ctx context.Context, delivery domain.Delivery) error {
	notification, err := e.notifications.GetNotification(ctx, delivery.EventID)
	if err != nil {
		return fmt.Errorf("получение уведомления: %w", err)
	}
	now := e.now().UTC()
	if now.After(notification.ExpiresAt) {
		delivery.Status = domain.DeliveryCancelled
		delivery.LastError = "уведомление истекло"
		delivery.NextRetryAt = nil
		delivery.UpdatedAt = now
		if err := e.notifications.UpdateDelivery(ctx, delivery); err != nil {
			return fmt.Errorf("отмена истёкшей доставки: %w", err)
		}
		return e.rollup(ctx, notification, domain.NotificationExpired)
	}

	channel, err := e.notifications.GetChannel(ctx, delivery.ChannelID)
	if err != nil {
		return fmt.Errorf("получение канала: %w", err)
	}
	sender, ok := e.senders[channel.Kind]
	if !ok {
		return e.fail(ctx, notification, delivery, channel, fmt.Errorf("нет отправителя для канала %s", channel.Kind))
	}

	delivery.Attempt++
	sendErr := sender.Send(ctx, channel.Address, notification.Payload)
	if sendErr != nil {
		if errors.Is(sendErr, context.Canceled) {
			return sendErr
		}
		if delivery.Attempt >= delivery.MaxAttempts {
			return e.fail(ctx, notification, delivery, channel, sendErr)
		}
		next := now.Add(e.opts.Retry.Delay(delivery.Attempt))
		delivery.Status = domain.DeliveryRetrying
		delivery.LastError = sendErr.Error()
		delivery.NextRetryAt = &next
		delivery.UpdatedAt = now
		metrics.ObserveDelivery(string(channel.Kind), string(domain.DeliveryRetrying))
		if err := e.notifications.UpdateDelivery(ctx, delivery); err != nil {
			return fmt.Errorf("перенос доставки: %w", err)
		}
		return nil
	}

	delivery.Status = domain.DeliverySent
	delivery.LastError = ""
	delivery.NextRetryAt = nil
	delivery.UpdatedAt = now
	metrics.ObserveDelivery(string(channel.Kind), string(domain.DeliverySent))
	if err := e.notifications.UpdateDelivery(ctx, delivery); err != nil {
		return fmt.Errorf("фиксация отправленной доставки: %w", err)
	}
	return e.rollup(ctx, notification, domain.NotificationFailed)
}

func (e *Executor) fail(ctx context.Context, notification domain.NotificationEvent, delivery domain.Delivery, channel domain.Channel, cause error) error {
	now := e.now().UTC()
	delivery.Status = domain.DeliveryFailed
	delivery.LastError = cause.Error()
	delivery.NextRetryAt = nil
	delivery.UpdatedAt = now
	metrics.ObserveDelivery(string(channel.Kind), string(domain.DeliveryFailed))
	if err := e.notifications.UpdateDelivery(ctx, delivery); err != nil {
		return fmt.Errorf("фиксация провалившейся доставки: %w", err)
	}
	return e.rollup(ctx, notification, domain.NotificationFailed)
}

// rollup сводит терминальные доставки уведомления в итоговый статус
// уведомления и события изменения. Срабатывает только когда все доставки
// уведомления достигли терминального состояния. noSent задаёт итог без
// единой отправки: failed для провалов, expired для истёкших уведомлений.
func (e *Executor) rollup(ctx context.Context, notification domain.NotificationEvent, noSent domain.NotificationStatus) error {
	deliveries, err := e.notifications.ListEventDeliveries(ctx, notification.ID)
	if err != nil {
		return fmt.Errorf("доставки уведомления: %w", err)
	}
	anySent := false
	for _, d := range deliveries {
		switch d.Status {
		case domain.DeliverySent:
			anySent = true
		case domain.DeliveryFailed, domain.DeliveryCancelled:
		default:
			return nil // остались незавершённые доставки
		}
	}

	status := noSent
	eventStatus := domain.EventNotifyFailed
	if anySent {
		status = domain.NotificationDelivered
		eventStatus = domain.EventNotifySent
	}
	if err := e.notifications.UpdateNotificationStatus(ctx, notification.ID, status); err != nil {
		return fmt.Errorf("итоговый статус уведомления: %w", err)
	}
	if err := e.events.UpdateEventNotificationStatus(ctx, notification.ChangeEventID, eventStatus); err != nil {
		return fmt.Errorf("итоговый статус события: %w", err)
	}
	return nil
}
