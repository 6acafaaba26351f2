package domain

// SourceStatus описывает состояние источника в circuit breaker.
type SourceStatus string

const (
	// SourceHealthy — источник работает, можно выполнять выборку.
	SourceHealthy SourceStatus = "healthy"
	// SourceRecovering — временное отключение истекло, ждём подтверждающего успеха.
	SourceRecovering SourceStatus = "recovering"
	// SourceDisabled — источник отключён (навсегда или до disabled_until).
	SourceDisabled SourceStatus = "disabled"
)

// SourceType описывает тип отслеживаемой страницы.
type SourceType string

const (
	SourcePricing SourceType = "pricing"
	SourceBlog    SourceType = "blog"
	SourcePress   SourceType = "press"
)

// ProcessingStatus описывает результат обработки ингеста.
type ProcessingStatus string

const (
	ProcessingSuccess ProcessingStatus = "success"
	ProcessingSkipped ProcessingStatus = "skipped"
	ProcessingError   ProcessingStatus = "error"
)

// EventNotificationStatus описывает состояние рассылки по событию изменения.
type EventNotificationStatus string

const (
	EventNotifyPending EventNotificationStatus = "pending"
	EventNotifySent    EventNotificationStatus = "sent"
	EventNotifyFailed  EventNotificationStatus = "failed"
	EventNotifySkipped EventNotificationStatus = "skipped"
)

// NotificationStatus описывает жизненный цикл уведомления пользователя.
type NotificationStatus string

const (
	NotificationQueued     NotificationStatus = "queued"
	NotificationDispatched NotificationStatus = "dispatched"
	NotificationDelivered  NotificationStatus = "delivered"
	NotificationFailed     NotificationStatus = "failed"
	NotificationSuppressed NotificationStatus = "suppressed"
	NotificationExpired    NotificationStatus = "expired"
)

// DeliveryStatus описывает одну попытку доставки по каналу.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryRetrying  DeliveryStatus = "retrying"
	DeliveryCancelled DeliveryStatus = "cancelled"
)

// ChannelKind описывает транспорт доставки уведомления.
type ChannelKind string

const (
	ChannelEmail    ChannelKind = "email"
	ChannelTelegram ChannelKind = "telegram"
	ChannelWebhook  ChannelKind = "webhook"
)

// Priority задаёт важность события для фильтрации подписок.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)
