// Package ingest реализует единственный путь записи новых наблюдений:
// парсинг, хэш, diff, сохранение среза и события, архив и рассылка.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pricewatch/internal/domain"
	"pricewatch/internal/infra/metrics"
	"pricewatch/internal/usecase/diff"
)

// ErrCompanyNotFound возвращается, когда компании нет.
var ErrCompanyNotFound = errors.New("компания не найдена")

// HealthRecorder получает счётчик извлечённых тарифов после парсинга.
// Пустой результат трекер здоровья засчитывает как транзиентную неудачу.
type HealthRecorder interface {
	RecordSuccess(ctx context.Context, companyID uuid.UUID, sourceURL string, sourceType domain.SourceType, itemsCount int) error
}

// Service координирует полный цикл ингеста одного источника.
type Service struct {
	parser     domain.PlanParser
	companies  domain.CompanyRepo
	snapshots  domain.SnapshotRepo
	artifacts  domain.ArtifactStore
	dispatcher domain.Dispatcher
	health     HealthRecorder
	scope      string
	log        zerolog.Logger
	now        func() time.Time
}

// NewService создаёт оркестратор ингеста. health может быть nil.
func NewService(parser domain.PlanParser, companies domain.CompanyRepo, snapshots domain.SnapshotRepo, artifacts domain.ArtifactStore, dispatcher domain.Dispatcher, health HealthRecorder, scope string, logger zerolog.Logger) *Service {
	if scope == "" {
		scope = "snapshots"
	}
	return &Service{
		parser:     parser,
		companies:  companies,
		snapshots:  snapshots,
		artifacts:  artifacts,
		dispatcher: dispatcher,
		health:     health,
		scope:      scope,
		log:        logger,
		now:        time.Now,
	}
}

// Ingest обрабатывает уже выбранный HTML источника: срез и событие
// сохраняются в одной транзакции, рассылка идёт после коммита и ингест
// не откатывает. Возвращает событие и число поставленных доставок.
func (s *Service) Ingest(ctx context.Context, companyID uuid.UUID, sourceURL string, html []byte, sourceType domain.SourceType) (domain.ChangeEvent, int, error) {
	started := s.now()
	defer func() {
		metrics.IngestDuration.Observe(time.Since(started).Seconds())
	}()

	normalized, err := domain.NormalizeSourceURL(sourceURL)
	if err != nil {
		return domain.ChangeEvent{}, 0, fmt.Errorf("нормализация URL: %w", err)
	}

	company, err := s.companies.GetCompany(ctx, companyID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ChangeEvent{}, 0, ErrCompanyNotFound
		}
		return domain.ChangeEvent{}, 0, fmt.Errorf("получение компании: %w", err)
	}

	plans, warnings, err := s.parser.Parse(html)
	if err != nil {
		metrics.IngestRuns.WithLabelValues(string(domain.ProcessingError)).Inc()
		return domain.ChangeEvent{}, 0, fmt.Errorf("парсинг страницы: %w", err)
	}

	if s.health != nil {
		if err := s.health.RecordSuccess(ctx, companyID, normalized, sourceType, len(plans)); err != nil {
			s.log.Error().Err(err).Str("url", normalized).
				Msg("ingest: не удалось обновить здоровье источника")
		}
	}

	hash, err := diff.ComputeHash(plans)
	if err != nil {
		metrics.IngestRuns.WithLabelValues(string(domain.ProcessingError)).Inc()
		return domain.ChangeEvent{}, 0, fmt.Errorf("хэширование тарифов: %w", err)
	}

	var previousPlans []domain.Plan
	var previousID *uuid.UUID
	sameHash := false
	previous, err := s.snapshots.LatestSnapshot(ctx, companyID, normalized)
	switch {
	case err == nil:
		previousPlans = previous.Plans
		previousID = &previous.ID
		sameHash = previous.DataHash == hash
	case errors.Is(err, domain.ErrNotFound):
		// первое наблюдение источника
	default:
		return domain.ChangeEvent{}, 0, fmt.Errorf("получение последнего среза: %w", err)
	}

	var planDiff domain.PlanDiff
	if !sameHash {
		planDiff = diff.Diff(previousPlans, plans)
	}

	artifactKey := s.artifactKey(company.Label, normalized, sourceURL, html)
	artifactRef, err := s.artifacts.Store(ctx, artifactKey, html)
	if err != nil {
		return domain.ChangeEvent{}, 0, fmt.Errorf("архивирование страницы: %w", err)
	}

	now := s.now().UTC()
	snapshot := domain.Snapshot{
		ID:             uuid.New(),
		CompanyID:      companyID,
		SourceURL:      normalized,
		SourceType:     sourceType,
		ParserVersion:  s.parser.Version(),
		ExtractedAt:    now,
		Plans:          plans,
		DataHash:       hash,
		RawSnapshotRef: artifactRef,
		Warnings:       warnings,
		Status:         domain.ProcessingSuccess,
	}

	event := domain.ChangeEvent{
		ID:                 uuid.New(),
		CompanyID:          companyID,
		SourceType:         sourceType,
		DetectedAt:         now,
		CurrentSnapshotID:  snapshot.ID,
		PreviousSnapshotID: previousID,
		Diff:               planDiff,
		Summary:            diff.BuildSummary(planDiff),
		ChangedFields:      diff.ChangedFields(planDiff),
	}
	if diff.HasChanges(planDiff) {
		event.ProcessingStatus = domain.ProcessingSuccess
		event.NotificationStatus = domain.EventNotifyPending
	} else {
		event.ProcessingStatus = domain.ProcessingSkipped
		event.NotificationStatus = domain.EventNotifySkipped
	}

	if err := s.snapshots.SaveObservation(ctx, snapshot, event); err != nil {
		metrics.IngestRuns.WithLabelValues(string(domain.ProcessingError)).Inc()
		return domain.ChangeEvent{}, 0, fmt.Errorf("сохранение наблюдения: %w", err)
	}
	metrics.IngestRuns.WithLabelValues(string(event.ProcessingStatus)).Inc()

	if event.ProcessingStatus == domain.ProcessingSkipped {
		return event, 0, nil
	}
	metrics.ChangesDetected.WithLabelValues(string(sourceType)).Inc()

	// Рассылка best-effort: её сбой не откатывает уже закоммиченный ингест.
	dispatched, err := s.dispatcher.Dispatch(ctx, event)
	if err != nil {
		s.log.Error().Err(err).Str("event", event.ID.String()).
			Msg("ingest: ошибка рассылки, событие останется для реконсиляции")
		return event, 0, nil
	}
	if dispatched == 0 {
		// Диспетчер уже закрыл событие в БД как skipped.
		event.NotificationStatus = domain.EventNotifySkipped
	}
	return event, dispatched, nil
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(label string) string {
	slug := slugRe.ReplaceAllString(strings.ToLower(label), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "company"
	}
	return slug
}

// artifactKey строит контент-адресуемый ключ архивной копии:
// {scope}/{slug компании}/{id источника}_{sha256(url+html)}.html
func (s *Service) artifactKey(companyLabel, normalizedURL, rawURL string, html []byte) string {
	sourceID := diff.ContentHash(normalizedURL, nil)[:12]
	return fmt.Sprintf("%s/%s/%s_%s.html", s.scope, slugify(companyLabel), sourceID, diff.ContentHash(rawURL, html))
}
