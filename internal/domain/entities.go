package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// CompanyOwner описывает владельца компании: конкретный пользователь или глобальная запись.
type CompanyOwner struct {
	userID int64
	global bool
}

// OwnedBy создаёт владельца-пользователя.
func OwnedBy(userID int64) CompanyOwner {
	return CompanyOwner{userID: userID}
}

// GlobalOwner создаёт глобального владельца (компания видна всем).
func GlobalOwner() CompanyOwner {
	return CompanyOwner{global: true}
}

// IsGlobal сообщает, что компания не привязана к пользователю.
func (o CompanyOwner) IsGlobal() bool { return o.global }

// UserID возвращает идентификатор владельца и признак его наличия.
func (o CompanyOwner) UserID() (int64, bool) {
	if o.global {
		return 0, false
	}
	return o.userID, true
}

// Company описывает отслеживаемую компанию.
type Company struct {
	ID        uuid.UUID
	Label     string
	Owner     CompanyOwner
	CreatedAt time.Time
}

// SourceRecord хранит состояние здоровья одного источника компании.
type SourceRecord struct {
	CompanyID     uuid.UUID
	SourceURL     string // нормализованный ключ
	SourceType    SourceType
	Status        SourceStatus
	FailCount     int
	Permanent     bool
	DisabledUntil *time.Time
	LastSuccess   *time.Time
	LastError     string
}

// PlanFeature описывает одну строку фич тарифа.
type PlanFeature struct {
	Group string `json:"group"`
	Value string `json:"value"`
}

// Plan описывает нормализованный тариф со страницы цен.
type Plan struct {
	Name         string        `json:"name"`
	Price        float64       `json:"price"`
	Currency     string        `json:"currency"`
	BillingCycle string        `json:"billing_cycle"`
	Features     []PlanFeature `json:"features,omitempty"`
}

// Key возвращает идентификатор тарифа: имя в нижнем регистре без пробелов по краям.
func (p Plan) Key() string {
	return strings.ToLower(strings.TrimSpace(p.Name))
}

// Snapshot хранит один нормализованный срез тарифов источника. После создания не изменяется.
type Snapshot struct {
	ID             uuid.UUID
	CompanyID      uuid.UUID
	SourceURL      string
	SourceType     SourceType
	ParserVersion  string
	ExtractedAt    time.Time
	Plans          []Plan
	DataHash       string
	RawSnapshotRef string
	Warnings       []string
	Status         ProcessingStatus
}

// ChangeEvent описывает зафиксированную разницу между двумя срезами источника.
type ChangeEvent struct {
	ID                 uuid.UUID
	CompanyID          uuid.UUID
	SourceType         SourceType
	DetectedAt         time.Time
	CurrentSnapshotID  uuid.UUID
	PreviousSnapshotID *uuid.UUID
	Diff               PlanDiff
	Summary            string
	ChangedFields      []string
	ProcessingStatus   ProcessingStatus
	NotificationStatus EventNotificationStatus
}

// Channel описывает канал доставки пользователя.
type Channel struct {
	ID       int64
	UserID   int64
	Kind     ChannelKind
	Address  string // email, chat id или URL вебхука
	Enabled  bool
	Verified bool
}

// NotificationSettings хранит глобальные настройки уведомлений пользователя.
type NotificationSettings struct {
	UserID        int64
	Enabled       bool
	DisabledTypes []string
}

// TypeEnabled сообщает, разрешён ли пользователю данный тип уведомлений.
func (s NotificationSettings) TypeEnabled(eventType string) bool {
	if !s.Enabled {
		return false
	}
	for _, t := range s.DisabledTypes {
		if strings.EqualFold(t, eventType) {
			return false
		}
	}
	return true
}

// ChannelSubscription описывает подписку пользователя на тип событий в конкретном канале.
type ChannelSubscription struct {
	UserID      int64
	ChannelID   int64
	EventType   string
	Enabled     bool
	MinPriority Priority
	Categories  []string
	CompanyIDs  []uuid.UUID
}

// Matches проверяет, пропускает ли подписка событие с данными приоритетом, категорией и компанией.
func (s ChannelSubscription) Matches(priority Priority, category string, companyID uuid.UUID) bool {
	if !s.Enabled {
		return false
	}
	if priority < s.MinPriority {
		return false
	}
	if len(s.Categories) > 0 {
		found := false
		for _, c := range s.Categories {
			if strings.EqualFold(c, category) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(s.CompanyIDs) > 0 {
		found := false
		for _, id := range s.CompanyIDs {
			if id == companyID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// NotificationEvent — один факт, поставленный в очередь на рассылку пользователю.
type NotificationEvent struct {
	ID               uuid.UUID
	UserID           int64
	Type             string
	Priority         Priority
	Payload          []byte
	DeduplicationKey string
	Status           NotificationStatus
	ChangeEventID    uuid.UUID // обратная ссылка, без владения
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// Delivery — одна попытка доставки уведомления по одному каналу.
type Delivery struct {
	ID          int64
	EventID     uuid.UUID
	ChannelID   int64
	Status      DeliveryStatus
	Attempt     int
	MaxAttempts int
	LastError   string
	NextRetryAt *time.Time
	UpdatedAt   time.Time
}

// Watcher — пользователь, которому положены уведомления об изменениях компании.
type Watcher struct {
	UserID int64
}
