package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// IngestJobCause описывает источник запроса на ингест.
type IngestJobCause string

const (
	// IngestCauseManual — ингест запрошен вручную через API.
	IngestCauseManual IngestJobCause = "manual"
	// IngestCauseScheduled — ингест запланирован по расписанию обхода.
	IngestCauseScheduled IngestJobCause = "scheduled"
)

// IngestJob содержит информацию о задаче обхода одного источника.
type IngestJob struct {
	ID          string         `json:"job_id,omitempty"`
	CompanyID   uuid.UUID      `json:"company_id"`
	SourceURL   string         `json:"source_url"`
	SourceType  SourceType     `json:"source_type"`
	RequestedAt time.Time      `json:"requested_at"`
	Cause       IngestJobCause `json:"cause"`
}

// IngestAckFunc подтверждает успешную обработку или запрашивает повтор доставки задачи.
type IngestAckFunc func(success bool) error

// IngestQueue описывает очередь задач обхода источников.
type IngestQueue interface {
	Enqueue(ctx context.Context, job IngestJob) error
	Receive(ctx context.Context) (IngestJob, IngestAckFunc, error)
}

// CrawlTarget — пара (компания, источник), подлежащая обходу.
type CrawlTarget struct {
	CompanyID  uuid.UUID
	SourceURL  string
	SourceType SourceType
}

// CrawlPlanRepo отвечает за идемпотентное планирование задач обхода.
type CrawlPlanRepo interface {
	ListDueTargets(ctx context.Context, now time.Time) ([]CrawlTarget, error)
	// AcquireCrawlSlot помечает запуск обхода на указанное время и возвращает true,
	// если запись была создана. При конфликте возвращает false без ошибки.
	AcquireCrawlSlot(ctx context.Context, companyID uuid.UUID, sourceURL string, scheduledFor time.Time) (bool, error)
}

// IngestJobStatusRepo отвечает за отслеживание статуса выполнения задач обхода.
type IngestJobStatusRepo interface {
	// EnsureIngestJob регистрирует попытку обработки и возвращает признак успешного
	// завершения и номер текущей попытки.
	EnsureIngestJob(ctx context.Context, jobID string) (done bool, attempt int, err error)
	// MarkIngestJobDone помечает задачу как окончательно выполненную.
	MarkIngestJobDone(ctx context.Context, jobID string) error
}
