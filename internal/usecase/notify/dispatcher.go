// Package notify раздаёт события изменений подписанным пользователям
// и выполняет отложенные доставки по каналам.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pricewatch/internal/domain"
	"pricewatch/internal/infra/cache"
	"pricewatch/internal/infra/metrics"
)

// DispatcherOptions настраивают fan-out уведомлений.
type DispatcherOptions struct {
	DedupTTL    time.Duration
	MaxAttempts int
	SettingsTTL time.Duration
}

// Dispatcher превращает одно событие изменения в уведомления и доставки
// для каждого наблюдателя компании.
type Dispatcher struct {
	watchers      domain.WatcherRepo
	settings      domain.SettingsRepo
	subscriptions domain.SubscriptionRepo
	notifications domain.NotificationRepo
	events        domain.EventRepo

	settingsCache *cache.TTL[int64, domain.NotificationSettings]
	opts          DispatcherOptions
	log           zerolog.Logger
	now           func() time.Time
}

// NewDispatcher создаёт диспетчер уведомлений.
func NewDispatcher(watchers domain.WatcherRepo, settings domain.SettingsRepo, subscriptions domain.SubscriptionRepo, notifications domain.NotificationRepo, events domain.EventRepo, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = 24 * time.Hour
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.SettingsTTL <= 0 {
		opts.SettingsTTL = 5 * time.Minute
	}
	return &Dispatcher{
		watchers:      watchers,
		settings:      settings,
		subscriptions: subscriptions,
		notifications: notifications,
		events:        events,
		settingsCache: cache.NewTTL[int64, domain.NotificationSettings](),
		opts:          opts,
		log:           logger,
		now:           time.Now,
	}
}

// notificationPayload — сериализованное тело уведомления для каналов.
type notificationPayload struct {
	EventID    string `json:"event_id"`
	CompanyID  string `json:"company_id"`
	SourceType string `json:"source_type"`
	DetectedAt string `json:"detected_at"`
	Summary    string `json:"summary"`
}

// Dispatch создаёт уведомления для всех наблюдателей события и ставит
// доставки по их каналам. Возвращает число поставленных доставок.
// Событие без единой доставки переводится в notification_status=skipped:
// roll-up исполнителя по нему никогда не сработает.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.ChangeEvent) (int, error) {
	watchers, err := d.watchers.ListWatchers(ctx, event.CompanyID)
	if err != nil {
		return 0, fmt.Errorf("список наблюдателей: %w", err)
	}
	if len(watchers) == 0 {
		return 0, d.markSkipped(ctx, event.ID)
	}

	eventType := EventType(event.SourceType)
	priority := EventPriority(event)
	payload, err := json.Marshal(notificationPayload{
		EventID:    event.ID.String(),
		CompanyID:  event.CompanyID.String(),
		SourceType: string(event.SourceType),
		DetectedAt: event.DetectedAt.Format(time.RFC3339),
		Summary:    event.Summary,
	})
	if err != nil {
		return 0, fmt.Errorf("сериализация уведомления: %w", err)
	}

	total := 0
	for _, w := range watchers {
		n, err := d.dispatchOne(ctx, event, w.UserID, eventType, priority, payload)
		if err != nil {
			d.log.Error().Err(err).Int64("user_id", w.UserID).
				Str("event", event.ID.String()).Msg("notify: fan-out для пользователя не выполнен")
			continue
		}
		total += n
	}
	if total == 0 {
		return 0, d.markSkipped(ctx, event.ID)
	}
	return total, nil
}

func (d *Dispatcher) markSkipped(ctx context.Context, eventID uuid.UUID) error {
	if err := d.events.UpdateEventNotificationStatus(ctx, eventID, domain.EventNotifySkipped); err != nil {
		return fmt.Errorf("закрытие события без доставок: %w", err)
	}
	return nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, event domain.ChangeEvent, userID int64, eventType string, priority domain.Priority, payload []byte) (int, error) {
	settings, err := d.userSettings(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("настройки пользователя: %w", err)
	}
	if !settings.TypeEnabled(eventType) {
		metrics.NotificationsSuppressed.Inc()
		return 0, nil
	}

	now := d.now().UTC()
	notification := domain.NotificationEvent{
		ID:               uuid.New(),
		UserID:           userID,
		Type:             eventType,
		Priority:         priority,
		Payload:          payload,
		DeduplicationKey: DeduplicationKey(event, userID),
		Status:           domain.NotificationQueued,
		ChangeEventID:    event.ID,
		CreatedAt:        now,
		ExpiresAt:        now.Add(d.opts.DedupTTL),
	}
	created, err := d.notifications.CreateNotification(ctx, notification)
	if err != nil {
		return 0, fmt.Errorf("создание уведомления: %w", err)
	}
	if !created {
		metrics.NotificationsSuppressed.Inc()
		d.log.Debug().Int64("user_id", userID).Str("event", event.ID.String()).
			Msg("notify: дубликат подавлен дедупликацией")
		return 0, nil
	}

	channels, err := d.subscriptions.ListChannels(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("каналы пользователя: %w", err)
	}
	subs, err := d.subscriptions.ListSubscriptions(ctx, userID, eventType)
	if err != nil {
		return 0, fmt.Errorf("подписки пользователя: %w", err)
	}
	subByChannel := make(map[int64]domain.ChannelSubscription, len(subs))
	for _, s := range subs {
		subByChannel[s.ChannelID] = s
	}

	var deliveries []domain.Delivery
	for _, ch := range channels {
		if !ch.Enabled || !ch.Verified {
			continue
		}
		sub, ok := subByChannel[ch.ID]
		if !ok || !sub.Matches(priority, string(event.SourceType), event.CompanyID) {
			continue
		}
		deliveries = append(deliveries, domain.Delivery{
			EventID:     notification.ID,
			ChannelID:   ch.ID,
			Status:      domain.DeliveryPending,
			Attempt:     0,
			MaxAttempts: d.opts.MaxAttempts,
			UpdatedAt:   now,
		})
	}
	if len(deliveries) == 0 {
		metrics.NotificationsSuppressed.Inc()
		if err := d.notifications.UpdateNotificationStatus(ctx, notification.ID, domain.NotificationSuppressed); err != nil {
			return 0, fmt.Errorf("подавление уведомления без каналов: %w", err)
		}
		return 0, nil
	}

	if err := d.notifications.CreateDeliveries(ctx, deliveries); err != nil {
		return 0, fmt.Errorf("создание доставок: %w", err)
	}
	if err := d.notifications.UpdateNotificationStatus(ctx, notification.ID, domain.NotificationDispatched); err != nil {
		return 0, fmt.Errorf("смена статуса уведомления: %w", err)
	}
	return len(deliveries), nil
}

func (d *Dispatcher) userSettings(ctx context.Context, userID int64) (domain.NotificationSettings, error) {
	if cached, ok := d.settingsCache.Get(userID); ok {
		return cached, nil
	}
	settings, err := d.settings.GetSettings(ctx, userID)
	if err != nil {
		return domain.NotificationSettings{}, err
	}
	d.settingsCache.Set(userID, settings, d.opts.SettingsTTL)
	return settings, nil
}

// InvalidateSettings сбрасывает кэш настроек пользователя. Вызывается
// при изменении настроек, чтобы они применились без ожидания TTL.
func (d *Dispatcher) InvalidateSettings(userID int64) {
	d.settingsCache.Delete(userID)
}

// EventType возвращает тип уведомления для события источника.
func EventType(sourceType domain.SourceType) string {
	return string(sourceType) + "_change"
}

// EventPriority вычисляет приоритет события: изменения цен важнее
// перестановок фич и появления тарифов.
func EventPriority(event domain.ChangeEvent) domain.Priority {
	for _, upd := range event.Diff.Updated {
		for _, f := range upd.Fields {
			if f.Field == "price" {
				return domain.PriorityHigh
			}
		}
	}
	if len(event.Diff.Added) > 0 || len(event.Diff.Removed) > 0 {
		return domain.PriorityNormal
	}
	return domain.PriorityLow
}

// DeduplicationKey строит ключ подавления повторов: один пользователь
// получает одно уведомление по событию источника в течение TTL.
func DeduplicationKey(event domain.ChangeEvent, userID int64) string {
	return fmt.Sprintf("%s:%s:%d", event.SourceType, event.ID, userID)
}
