// Package schedule планирует обход источников: выбирает созревшие цели,
// исключает отключённые URL и идемпотентно ставит задачи в очередь.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pricewatch/internal/domain"
)

// SkipSet возвращает множество URL, запрещённых к обходу для компании.
type SkipSet interface {
	DeadURLs(ctx context.Context, companyID uuid.UUID) (map[string]struct{}, error)
}

// Planner превращает расписание обхода в задачи очереди.
type Planner struct {
	plan  domain.CrawlPlanRepo
	skips SkipSet
	queue domain.IngestQueue
	log   zerolog.Logger
	now   func() time.Time
}

// NewPlanner создаёт планировщик обхода.
func NewPlanner(plan domain.CrawlPlanRepo, skips SkipSet, queue domain.IngestQueue, logger zerolog.Logger) *Planner {
	return &Planner{plan: plan, skips: skips, queue: queue, log: logger, now: time.Now}
}

// Run выполняет проходы планирования с указанным интервалом до отмены контекста.
func (p *Planner) Run(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = time.Minute
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	p.log.Info().Dur("tick", tick).Msg("schedule: планировщик запущен")
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("schedule: планировщик остановлен")
			return
		case <-ticker.C:
			enqueued, err := p.PlanOnce(ctx)
			if err != nil {
				p.log.Error().Err(err).Msg("schedule: проход планирования завершился ошибкой")
				continue
			}
			if enqueued > 0 {
				p.log.Info().Int("enqueued", enqueued).Msg("schedule: задачи поставлены в очередь")
			}
		}
	}
}

// PlanOnce ставит в очередь задачи по всем созревшим целям одного прохода.
// Слот на пару (компания, источник) захватывается до постановки, поэтому
// конкурирующие планировщики не дублируют задачи.
func (p *Planner) PlanOnce(ctx context.Context) (int, error) {
	now := p.now().UTC()
	targets, err := p.plan.ListDueTargets(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("выборка созревших целей: %w", err)
	}
	if len(targets) == 0 {
		return 0, nil
	}

	// Множества отключённых URL читаются один раз на компанию за проход.
	deadByCompany := make(map[uuid.UUID]map[string]struct{})
	scheduledFor := now.Truncate(time.Minute)

	enqueued := 0
	for _, target := range targets {
		if ctx.Err() != nil {
			return enqueued, ctx.Err()
		}
		dead, ok := deadByCompany[target.CompanyID]
		if !ok {
			dead, err = p.skips.DeadURLs(ctx, target.CompanyID)
			if err != nil {
				p.log.Error().Err(err).Str("company", target.CompanyID.String()).
					Msg("schedule: не удалось получить отключённые источники")
				continue
			}
			deadByCompany[target.CompanyID] = dead
		}
		if _, skip := dead[target.SourceURL]; skip {
			continue
		}

		acquired, err := p.plan.AcquireCrawlSlot(ctx, target.CompanyID, target.SourceURL, scheduledFor)
		if err != nil {
			p.log.Error().Err(err).Str("url", target.SourceURL).
				Msg("schedule: не удалось захватить слот обхода")
			continue
		}
		if !acquired {
			continue // слот уже занят другим планировщиком
		}

		job := domain.IngestJob{
			ID:          uuid.NewString(),
			CompanyID:   target.CompanyID,
			SourceURL:   target.SourceURL,
			SourceType:  target.SourceType,
			RequestedAt: now,
			Cause:       domain.IngestCauseScheduled,
		}
		if err := p.queue.Enqueue(ctx, job); err != nil {
			p.log.Error().Err(err).Str("url", target.SourceURL).
				Msg("schedule: задача не поставлена в очередь")
			continue
		}
		enqueued++
	}
	return enqueued, nil
}
