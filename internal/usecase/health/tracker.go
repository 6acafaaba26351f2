// Package health реализует circuit breaker для источников: повторяющиеся
// терминальные ошибки отключают URL навсегда, повторяющиеся пустые выборки —
// на время cooldown-а.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pricewatch/internal/domain"
	"pricewatch/internal/infra/metrics"
)

// DefaultFailThreshold — число подряд идущих неудач до отключения источника.
const DefaultFailThreshold = 5

// DefaultCooldown — окно временного отключения по умолчанию.
const DefaultCooldown = 24 * time.Hour

// Tracker ведёт состояние здоровья источников компании.
type Tracker struct {
	sources   domain.SourceRepo
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

// NewTracker создаёт трекер с указанными порогом и cooldown-ом.
func NewTracker(sources domain.SourceRepo, threshold int, cooldown time.Duration, logger zerolog.Logger) *Tracker {
	if threshold <= 0 {
		threshold = DefaultFailThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Tracker{sources: sources, threshold: threshold, cooldown: cooldown, now: time.Now, log: logger}
}

func (t *Tracker) load(ctx context.Context, companyID uuid.UUID, sourceURL string, sourceType domain.SourceType) (domain.SourceRecord, error) {
	record, err := t.sources.GetSource(ctx, companyID, sourceURL)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.SourceRecord{
			CompanyID:  companyID,
			SourceURL:  sourceURL,
			SourceType: sourceType,
			Status:     domain.SourceHealthy,
		}, nil
	}
	if err != nil {
		return domain.SourceRecord{}, fmt.Errorf("получение источника: %w", err)
	}
	return record, nil
}

// RecordSuccess фиксирует успешную выборку. Непустой результат полностью
// восстанавливает источник, в том числе снимает перманентное отключение.
// Пустой результат засчитывается как транзиентная неудача.
func (t *Tracker) RecordSuccess(ctx context.Context, companyID uuid.UUID, sourceURL string, sourceType domain.SourceType, itemsCount int) error {
	if itemsCount <= 0 {
		return t.recordFailure(ctx, companyID, sourceURL, sourceType, false, "пустой результат выборки")
	}

	record, err := t.load(ctx, companyID, sourceURL, sourceType)
	if err != nil {
		return err
	}
	now := t.now().UTC()
	record.Status = domain.SourceHealthy
	record.FailCount = 0
	record.Permanent = false
	record.DisabledUntil = nil
	record.LastSuccess = &now
	record.LastError = ""
	if err := t.sources.UpsertSource(ctx, record); err != nil {
		return fmt.Errorf("сохранение источника: %w", err)
	}
	return nil
}

// RecordTerminalFailure фиксирует терминальную ошибку выборки (404/410).
func (t *Tracker) RecordTerminalFailure(ctx context.Context, companyID uuid.UUID, sourceURL string, sourceType domain.SourceType, errMsg string) error {
	return t.recordFailure(ctx, companyID, sourceURL, sourceType, true, errMsg)
}

func (t *Tracker) recordFailure(ctx context.Context, companyID uuid.UUID, sourceURL string, sourceType domain.SourceType, terminal bool, errMsg string) error {
	record, err := t.load(ctx, companyID, sourceURL, sourceType)
	if err != nil {
		return err
	}
	record.FailCount++
	record.LastError = errMsg

	if record.FailCount >= t.threshold {
		record.Status = domain.SourceDisabled
		if terminal {
			record.Permanent = true
			record.DisabledUntil = nil
			metrics.SourceDisabled.WithLabelValues("permanent").Inc()
			t.log.Warn().Str("url", sourceURL).Str("company", companyID.String()).
				Msg("health: источник отключён навсегда")
		} else {
			until := t.now().UTC().Add(t.cooldown)
			record.Permanent = false
			record.DisabledUntil = &until
			metrics.SourceDisabled.WithLabelValues("temporary").Inc()
			t.log.Warn().Str("url", sourceURL).Str("company", companyID.String()).
				Time("until", until).Msg("health: источник отключён временно")
		}
	}

	if err := t.sources.UpsertSource(ctx, record); err != nil {
		return fmt.Errorf("сохранение источника: %w", err)
	}
	return nil
}

// DeadURLs возвращает множество нормализованных URL, которые обходчику
// запрещено трогать в этом цикле. Истёкшие временные отключения при чтении
// переводятся в recovering и из множества исключаются.
func (t *Tracker) DeadURLs(ctx context.Context, companyID uuid.UUID) (map[string]struct{}, error) {
	disabled, err := t.sources.ListDisabledSources(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("получение отключённых источников: %w", err)
	}

	dead := make(map[string]struct{}, len(disabled))
	now := t.now().UTC()
	for _, record := range disabled {
		if !record.Permanent && record.DisabledUntil != nil && !now.Before(*record.DisabledUntil) {
			record.Status = domain.SourceRecovering
			record.DisabledUntil = nil
			if err := t.sources.UpsertSource(ctx, record); err != nil {
				return nil, fmt.Errorf("перевод источника в recovering: %w", err)
			}
			continue
		}
		dead[record.SourceURL] = struct{}{}
	}
	return dead, nil
}
