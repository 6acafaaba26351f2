package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound возвращается репозиториями, когда запись отсутствует.
var ErrNotFound = errors.New("запись не найдена")

// FetchResult содержит результат успешной выборки страницы.
type FetchResult struct {
	Body       []byte
	FinalURL   string
	StatusCode int
}

// Fetcher выполняет выборку страницы с ретраями и fallback-ами.
// Второе значение false означает «данные не получены» без жёсткой ошибки.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, companyLabel string) (FetchResult, bool, error)
}

// PlanParser извлекает нормализованные тарифы из HTML. Внешний коллаборатор.
type PlanParser interface {
	Parse(html []byte) (plans []Plan, warnings []string, err error)
	Version() string
}

// ArtifactStore сохраняет контент-адресуемые архивные копии страниц. Запись write-once.
type ArtifactStore interface {
	Store(ctx context.Context, key string, data []byte) (ref string, err error)
}

// ChannelSender отправляет готовое уведомление по одному транспорту.
type ChannelSender interface {
	Send(ctx context.Context, address string, payload []byte) error
}

// Dispatcher раздаёт событие изменения подписанным пользователям.
type Dispatcher interface {
	Dispatch(ctx context.Context, event ChangeEvent) (int, error)
}

// CompanyRepo управляет компаниями.
type CompanyRepo interface {
	GetCompany(ctx context.Context, id uuid.UUID) (Company, error)
}

// SourceRepo хранит состояние здоровья источников.
type SourceRepo interface {
	GetSource(ctx context.Context, companyID uuid.UUID, sourceURL string) (SourceRecord, error)
	UpsertSource(ctx context.Context, record SourceRecord) error
	ListDisabledSources(ctx context.Context, companyID uuid.UUID) ([]SourceRecord, error)
}

// SnapshotRepo хранит срезы тарифов.
type SnapshotRepo interface {
	LatestSnapshot(ctx context.Context, companyID uuid.UUID, sourceURL string) (Snapshot, error)
	// SaveObservation сохраняет срез и событие изменения в одной транзакции.
	SaveObservation(ctx context.Context, snapshot Snapshot, event ChangeEvent) error
}

// EventRepo управляет событиями изменений.
type EventRepo interface {
	GetEvent(ctx context.Context, id uuid.UUID) (ChangeEvent, error)
	UpdateEventNotificationStatus(ctx context.Context, id uuid.UUID, status EventNotificationStatus) error
}

// WatcherRepo возвращает пользователей, следящих за компанией: владельца
// и всех, у кого компания в сохранённом списке с совпадающим владением.
type WatcherRepo interface {
	ListWatchers(ctx context.Context, companyID uuid.UUID) ([]Watcher, error)
}

// SettingsRepo возвращает настройки уведомлений пользователя.
type SettingsRepo interface {
	GetSettings(ctx context.Context, userID int64) (NotificationSettings, error)
}

// SubscriptionRepo управляет каналами и подписками.
type SubscriptionRepo interface {
	ListChannels(ctx context.Context, userID int64) ([]Channel, error)
	ListSubscriptions(ctx context.Context, userID int64, eventType string) ([]ChannelSubscription, error)
}

// NotificationRepo управляет уведомлениями и доставками.
type NotificationRepo interface {
	// CreateNotification сохраняет уведомление, если дедупликационный ключ свободен
	// либо прежняя запись с ним истекла. Возвращает false при подавлении дубликата.
	CreateNotification(ctx context.Context, event NotificationEvent) (bool, error)
	UpdateNotificationStatus(ctx context.Context, id uuid.UUID, status NotificationStatus) error
	CreateDeliveries(ctx context.Context, deliveries []Delivery) error
	UpdateDelivery(ctx context.Context, delivery Delivery) error
	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]Delivery, error)
	ListEventDeliveries(ctx context.Context, eventID uuid.UUID) ([]Delivery, error)
	GetNotification(ctx context.Context, id uuid.UUID) (NotificationEvent, error)
	GetChannel(ctx context.Context, channelID int64) (Channel, error)
}
