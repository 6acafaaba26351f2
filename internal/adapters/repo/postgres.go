// Package repo реализует доменные репозитории поверх PostgreSQL.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pricewatch/internal/domain"
	"pricewatch/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.CompanyRepo         = (*Postgres)(nil)
	_ domain.SourceRepo          = (*Postgres)(nil)
	_ domain.SnapshotRepo        = (*Postgres)(nil)
	_ domain.EventRepo           = (*Postgres)(nil)
	_ domain.WatcherRepo         = (*Postgres)(nil)
	_ domain.SettingsRepo        = (*Postgres)(nil)
	_ domain.SubscriptionRepo    = (*Postgres)(nil)
	_ domain.NotificationRepo    = (*Postgres)(nil)
	_ domain.CrawlPlanRepo       = (*Postgres)(nil)
	_ domain.IngestJobStatusRepo = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), 5*time.Second)
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// GetCompany возвращает компанию по идентификатору.
func (p *Postgres) GetCompany(ctx context.Context, id uuid.UUID) (domain.Company, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var (
		company domain.Company
		ownerID sql.NullInt64
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, label, owner_user_id, created_at
FROM companies WHERE id=$1
`, id).Scan(&company.ID, &company.Label, &ownerID, &company.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "companies_get", "companies", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Company{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Company{}, err
	}
	if ownerID.Valid {
		company.Owner = domain.OwnedBy(ownerID.Int64)
	} else {
		company.Owner = domain.GlobalOwner()
	}
	return company, nil
}

// GetSource возвращает состояние источника компании.
func (p *Postgres) GetSource(ctx context.Context, companyID uuid.UUID, sourceURL string) (domain.SourceRecord, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var (
		record        domain.SourceRecord
		disabledUntil sql.NullTime
		lastSuccess   sql.NullTime
		lastError     sql.NullString
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT company_id, source_url, source_type, status, fail_count, permanent, disabled_until, last_success, last_error
FROM sources WHERE company_id=$1 AND source_url=$2
`, companyID, sourceURL).Scan(&record.CompanyID, &record.SourceURL, &record.SourceType, &record.Status,
		&record.FailCount, &record.Permanent, &disabledUntil, &lastSuccess, &lastError)
	metrics.ObserveNetworkRequest("postgres", "sources_get", "sources", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SourceRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SourceRecord{}, err
	}
	if disabledUntil.Valid {
		ts := disabledUntil.Time
		record.DisabledUntil = &ts
	}
	if lastSuccess.Valid {
		ts := lastSuccess.Time
		record.LastSuccess = &ts
	}
	if lastError.Valid {
		record.LastError = lastError.String
	}
	return record, nil
}

// UpsertSource сохраняет состояние источника.
func (p *Postgres) UpsertSource(ctx context.Context, record domain.SourceRecord) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO sources (company_id, source_url, source_type, status, fail_count, permanent, disabled_until, last_success, last_error, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9,''), now())
ON CONFLICT (company_id, source_url) DO UPDATE SET
	source_type = EXCLUDED.source_type,
	status = EXCLUDED.status,
	fail_count = EXCLUDED.fail_count,
	permanent = EXCLUDED.permanent,
	disabled_until = EXCLUDED.disabled_until,
	last_success = EXCLUDED.last_success,
	last_error = EXCLUDED.last_error,
	updated_at = now()
`, record.CompanyID, record.SourceURL, record.SourceType, record.Status,
		record.FailCount, record.Permanent, record.DisabledUntil, record.LastSuccess, record.LastError)
	metrics.ObserveNetworkRequest("postgres", "sources_upsert", "sources", start, err)
	return err
}

// ListDisabledSources возвращает отключённые источники компании.
func (p *Postgres) ListDisabledSources(ctx context.Context, companyID uuid.UUID) ([]domain.SourceRecord, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT company_id, source_url, source_type, status, fail_count, permanent, disabled_until, last_success, last_error
FROM sources WHERE company_id=$1 AND status=$2
`, companyID, domain.SourceDisabled)
	metrics.ObserveNetworkRequest("postgres", "sources_list_disabled", "sources", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.SourceRecord
	for rows.Next() {
		var (
			record        domain.SourceRecord
			disabledUntil sql.NullTime
			lastSuccess   sql.NullTime
			lastError     sql.NullString
		)
		if err := rows.Scan(&record.CompanyID, &record.SourceURL, &record.SourceType, &record.Status,
			&record.FailCount, &record.Permanent, &disabledUntil, &lastSuccess, &lastError); err != nil {
			return nil, err
		}
		if disabledUntil.Valid {
			ts := disabledUntil.Time
			record.DisabledUntil = &ts
		}
		if lastSuccess.Valid {
			ts := lastSuccess.Time
			record.LastSuccess = &ts
		}
		if lastError.Valid {
			record.LastError = lastError.String
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// LatestSnapshot возвращает последний срез источника компании.
func (p *Postgres) LatestSnapshot(ctx context.Context, companyID uuid.UUID, sourceURL string) (domain.Snapshot, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var (
		snapshot  domain.Snapshot
		plansJSON []byte
		warnJSON  []byte
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, company_id, source_url, source_type, parser_version, extracted_at, plans, data_hash, raw_snapshot_ref, warnings, status
FROM snapshots
WHERE company_id=$1 AND source_url=$2
ORDER BY extracted_at DESC
LIMIT 1
`, companyID, sourceURL).Scan(&snapshot.ID, &snapshot.CompanyID, &snapshot.SourceURL, &snapshot.SourceType,
		&snapshot.ParserVersion, &snapshot.ExtractedAt, &plansJSON, &snapshot.DataHash,
		&snapshot.RawSnapshotRef, &warnJSON, &snapshot.Status)
	metrics.ObserveNetworkRequest("postgres", "snapshots_latest", "snapshots", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Snapshot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Snapshot{}, err
	}
	if len(plansJSON) > 0 {
		if err := json.Unmarshal(plansJSON, &snapshot.Plans); err != nil {
			return domain.Snapshot{}, fmt.Errorf("unmarshal plans: %w", err)
		}
	}
	if len(warnJSON) > 0 {
		if err := json.Unmarshal(warnJSON, &snapshot.Warnings); err != nil {
			return domain.Snapshot{}, fmt.Errorf("unmarshal warnings: %w", err)
		}
	}
	return snapshot, nil
}

// SaveObservation сохраняет срез и событие изменения в одной транзакции.
func (p *Postgres) SaveObservation(ctx context.Context, snapshot domain.Snapshot, event domain.ChangeEvent) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	plansJSON, err := json.Marshal(snapshot.Plans)
	if err != nil {
		return fmt.Errorf("marshal plans: %w", err)
	}
	warnJSON, err := json.Marshal(snapshot.Warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}
	diffJSON, err := json.Marshal(event.Diff)
	if err != nil {
		return fmt.Errorf("marshal diff: %w", err)
	}
	fieldsJSON, err := json.Marshal(event.ChangedFields)
	if err != nil {
		return fmt.Errorf("marshal changed fields: %w", err)
	}

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "snapshots", start, err)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	start = time.Now()
	_, err = tx.Exec(ctx, `
INSERT INTO snapshots (id, company_id, source_url, source_type, parser_version, extracted_at, plans, data_hash, raw_snapshot_ref, warnings, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`, snapshot.ID, snapshot.CompanyID, snapshot.SourceURL, snapshot.SourceType, snapshot.ParserVersion,
		snapshot.ExtractedAt, plansJSON, snapshot.DataHash, snapshot.RawSnapshotRef, warnJSON, snapshot.Status)
	metrics.ObserveNetworkRequest("postgres", "snapshots_insert", "snapshots", start, err)
	if err != nil {
		return err
	}

	start = time.Now()
	_, err = tx.Exec(ctx, `
INSERT INTO change_events (id, company_id, source_type, detected_at, current_snapshot_id, previous_snapshot_id, diff, summary, changed_fields, processing_status, notification_status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`, event.ID, event.CompanyID, event.SourceType, event.DetectedAt, event.CurrentSnapshotID,
		event.PreviousSnapshotID, diffJSON, event.Summary, fieldsJSON, event.ProcessingStatus, event.NotificationStatus)
	metrics.ObserveNetworkRequest("postgres", "change_events_insert", "change_events", start, err)
	if err != nil {
		return err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "snapshots", start, err)
	return err
}

// GetEvent возвращает событие изменения.
func (p *Postgres) GetEvent(ctx context.Context, id uuid.UUID) (domain.ChangeEvent, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var (
		event      domain.ChangeEvent
		prevID     *uuid.UUID
		diffJSON   []byte
		fieldsJSON []byte
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, company_id, source_type, detected_at, current_snapshot_id, previous_snapshot_id, diff, summary, changed_fields, processing_status, notification_status
FROM change_events WHERE id=$1
`, id).Scan(&event.ID, &event.CompanyID, &event.SourceType, &event.DetectedAt, &event.CurrentSnapshotID,
		&prevID, &diffJSON, &event.Summary, &fieldsJSON, &event.ProcessingStatus, &event.NotificationStatus)
	metrics.ObserveNetworkRequest("postgres", "change_events_get", "change_events", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ChangeEvent{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ChangeEvent{}, err
	}
	event.PreviousSnapshotID = prevID
	if len(diffJSON) > 0 {
		if err := json.Unmarshal(diffJSON, &event.Diff); err != nil {
			return domain.ChangeEvent{}, fmt.Errorf("unmarshal diff: %w", err)
		}
	}
	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &event.ChangedFields); err != nil {
			return domain.ChangeEvent{}, fmt.Errorf("unmarshal changed fields: %w", err)
		}
	}
	return event, nil
}

// UpdateEventNotificationStatus переводит событие в новый статус рассылки.
func (p *Postgres) UpdateEventNotificationStatus(ctx context.Context, id uuid.UUID, status domain.EventNotificationStatus) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE change_events SET notification_status=$2 WHERE id=$1
`, id, status)
	metrics.ObserveNetworkRequest("postgres", "change_events_update_status", "change_events", start, err)
	return err
}

// ListWatchers возвращает наблюдателей компании: владельца и пользователей,
// добавивших компанию в свой список. Для приватной компании список
// фильтруется по владению — чужая Owned-компания в watchlist-е не даёт
// уведомлений.
func (p *Postgres) ListWatchers(ctx context.Context, companyID uuid.UUID) ([]domain.Watcher, error) {
	company, err := p.GetCompany(ctx, companyID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT user_id FROM company_watchlist WHERE company_id=$1
`, companyID)
	metrics.ObserveNetworkRequest("postgres", "watchers_list", "company_watchlist", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listed []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		listed = append(listed, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return watchersFor(company.Owner, listed), nil
}

// watchersFor собирает наблюдателей из владельца и watchlist-а. Пользователь
// из списка допускается, только если компания глобальная либо принадлежит ему.
func watchersFor(owner domain.CompanyOwner, listed []int64) []domain.Watcher {
	seen := make(map[int64]struct{}, len(listed)+1)
	var watchers []domain.Watcher
	if id, ok := owner.UserID(); ok {
		watchers = append(watchers, domain.Watcher{UserID: id})
		seen[id] = struct{}{}
	}
	for _, id := range listed {
		if _, dup := seen[id]; dup {
			continue
		}
		if ownerID, ok := owner.UserID(); ok && ownerID != id {
			continue
		}
		watchers = append(watchers, domain.Watcher{UserID: id})
		seen[id] = struct{}{}
	}
	return watchers
}

// GetSettings возвращает настройки уведомлений пользователя. Отсутствие
// записи означает настройки по умолчанию: всё включено.
func (p *Postgres) GetSettings(ctx context.Context, userID int64) (domain.NotificationSettings, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var (
		settings  domain.NotificationSettings
		typesJSON []byte
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT user_id, enabled, disabled_types FROM notification_settings WHERE user_id=$1
`, userID).Scan(&settings.UserID, &settings.Enabled, &typesJSON)
	metrics.ObserveNetworkRequest("postgres", "settings_get", "notification_settings", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NotificationSettings{UserID: userID, Enabled: true}, nil
	}
	if err != nil {
		return domain.NotificationSettings{}, err
	}
	if len(typesJSON) > 0 {
		if err := json.Unmarshal(typesJSON, &settings.DisabledTypes); err != nil {
			return domain.NotificationSettings{}, fmt.Errorf("unmarshal disabled types: %w", err)
		}
	}
	return settings, nil
}

// ListChannels возвращает каналы доставки пользователя.
func (p *Postgres) ListChannels(ctx context.Context, userID int64) ([]domain.Channel, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, kind, address, enabled, verified FROM channels WHERE user_id=$1
`, userID)
	metrics.ObserveNetworkRequest("postgres", "channels_list", "channels", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []domain.Channel
	for rows.Next() {
		var ch domain.Channel
		if err := rows.Scan(&ch.ID, &ch.UserID, &ch.Kind, &ch.Address, &ch.Enabled, &ch.Verified); err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// ListSubscriptions возвращает подписки пользователя на тип событий.
func (p *Postgres) ListSubscriptions(ctx context.Context, userID int64, eventType string) ([]domain.ChannelSubscription, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT user_id, channel_id, event_type, enabled, min_priority, categories, company_ids
FROM channel_subscriptions WHERE user_id=$1 AND event_type=$2
`, userID, eventType)
	metrics.ObserveNetworkRequest("postgres", "subscriptions_list", "channel_subscriptions", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.ChannelSubscription
	for rows.Next() {
		var (
			sub      domain.ChannelSubscription
			catJSON  []byte
			compJSON []byte
		)
		if err := rows.Scan(&sub.UserID, &sub.ChannelID, &sub.EventType, &sub.Enabled, &sub.MinPriority, &catJSON, &compJSON); err != nil {
			return nil, err
		}
		if len(catJSON) > 0 {
			if err := json.Unmarshal(catJSON, &sub.Categories); err != nil {
				return nil, fmt.Errorf("unmarshal categories: %w", err)
			}
		}
		if len(compJSON) > 0 {
			if err := json.Unmarshal(compJSON, &sub.CompanyIDs); err != nil {
				return nil, fmt.Errorf("unmarshal company ids: %w", err)
			}
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// CreateNotification сохраняет уведомление, если дедупликационный ключ
// свободен либо прежняя запись с ним истекла.
func (p *Postgres) CreateNotification(ctx context.Context, event domain.NotificationEvent) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "notifications", start, err)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	start = time.Now()
	_, err = tx.Exec(ctx, `
DELETE FROM notifications WHERE dedup_key=$1 AND expires_at < now()
`, event.DeduplicationKey)
	metrics.ObserveNetworkRequest("postgres", "notifications_expire", "notifications", start, err)
	if err != nil {
		return false, err
	}

	start = time.Now()
	tag, err := tx.Exec(ctx, `
INSERT INTO notifications (id, user_id, type, priority, payload, dedup_key, status, change_event_id, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (dedup_key) DO NOTHING
`, event.ID, event.UserID, event.Type, event.Priority, event.Payload, event.DeduplicationKey,
		event.Status, event.ChangeEventID, event.CreatedAt, event.ExpiresAt)
	metrics.ObserveNetworkRequest("postgres", "notifications_insert", "notifications", start, err)
	if err != nil {
		return false, err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "notifications", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateNotificationStatus переводит уведомление в новый статус.
func (p *Postgres) UpdateNotificationStatus(ctx context.Context, id uuid.UUID, status domain.NotificationStatus) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE notifications SET status=$2, updated_at=now() WHERE id=$1
`, id, status)
	metrics.ObserveNetworkRequest("postgres", "notifications_update_status", "notifications", start, err)
	return err
}

// CreateDeliveries сохраняет пачку доставок уведомления.
func (p *Postgres) CreateDeliveries(ctx context.Context, deliveries []domain.Delivery) error {
	if len(deliveries) == 0 {
		return nil
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, d := range deliveries {
		batch.Queue(`
INSERT INTO deliveries (event_id, channel_id, status, attempt, max_attempts, last_error, next_retry_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), $7, $8)
`, d.EventID, d.ChannelID, d.Status, d.Attempt, d.MaxAttempts, d.LastError, d.NextRetryAt, d.UpdatedAt)
	}

	start := time.Now()
	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range deliveries {
		if _, err := results.Exec(); err != nil {
			metrics.ObserveNetworkRequest("postgres", "deliveries_insert", "deliveries", start, err)
			return err
		}
	}
	metrics.ObserveNetworkRequest("postgres", "deliveries_insert", "deliveries", start, nil)
	return nil
}

// UpdateDelivery сохраняет новое состояние доставки.
func (p *Postgres) UpdateDelivery(ctx context.Context, delivery domain.Delivery) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE deliveries SET status=$2, attempt=$3, last_error=NULLIF($4,''), next_retry_at=$5, updated_at=$6
WHERE id=$1
`, delivery.ID, delivery.Status, delivery.Attempt, delivery.LastError, delivery.NextRetryAt, delivery.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "deliveries_update", "deliveries", start, err)
	return err
}

// deliveryClaimTTL — срок, на который забранная доставка невидима для
// конкурирующих исполнителей. Упавший процесс вернёт её в оборот по таймауту.
const deliveryClaimTTL = 5 * time.Minute

// DueDeliveries забирает пачку доставок, готовых к выполнению: ожидающие и
// созревшие для повтора. Забор идёт в одной транзакции: строки выбираются со
// SKIP LOCKED и там же переводятся в retrying с отодвинутым next_retry_at,
// поэтому второй исполнитель не получит ту же пачку после коммита.
func (p *Postgres) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.Delivery, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "deliveries", start, err)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	start = time.Now()
	rows, err := tx.Query(ctx, `
SELECT id, event_id, channel_id, status, attempt, max_attempts, COALESCE(last_error,''), next_retry_at, updated_at
FROM deliveries
WHERE status=$1 OR (status=$2 AND next_retry_at <= $3)
ORDER BY updated_at
LIMIT $4
FOR UPDATE SKIP LOCKED
`, domain.DeliveryPending, domain.DeliveryRetrying, now, limit)
	metrics.ObserveNetworkRequest("postgres", "deliveries_due", "deliveries", start, err)
	if err != nil {
		return nil, err
	}
	deliveries, err := scanDeliveries(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(deliveries) == 0 {
		return nil, tx.Commit(ctx)
	}

	claimed := claimDeliveries(deliveries, now.Add(deliveryClaimTTL))
	ids := make([]int64, len(claimed))
	for i, d := range claimed {
		ids[i] = d.ID
	}
	start = time.Now()
	_, err = tx.Exec(ctx, `
UPDATE deliveries SET status=$2, next_retry_at=$3 WHERE id = ANY($1)
`, ids, domain.DeliveryRetrying, now.Add(deliveryClaimTTL))
	metrics.ObserveNetworkRequest("postgres", "deliveries_claim", "deliveries", start, err)
	if err != nil {
		return nil, err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "deliveries", start, err)
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// claimDeliveries переводит выбранные доставки в retrying с next_retry_at в
// будущем: до истечения клейма условие выборки их не пропустит.
func claimDeliveries(deliveries []domain.Delivery, until time.Time) []domain.Delivery {
	claimed := make([]domain.Delivery, len(deliveries))
	for i, d := range deliveries {
		ts := until
		d.Status = domain.DeliveryRetrying
		d.NextRetryAt = &ts
		claimed[i] = d
	}
	return claimed
}

// ListEventDeliveries возвращает все доставки уведомления.
func (p *Postgres) ListEventDeliveries(ctx context.Context, eventID uuid.UUID) ([]domain.Delivery, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, event_id, channel_id, status, attempt, max_attempts, COALESCE(last_error,''), next_retry_at, updated_at
FROM deliveries WHERE event_id=$1
`, eventID)
	metrics.ObserveNetworkRequest("postgres", "deliveries_list", "deliveries", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDeliveries(rows)
}

func scanDeliveries(rows pgx.Rows) ([]domain.Delivery, error) {
	var deliveries []domain.Delivery
	for rows.Next() {
		var (
			d         domain.Delivery
			nextRetry sql.NullTime
		)
		if err := rows.Scan(&d.ID, &d.EventID, &d.ChannelID, &d.Status, &d.Attempt, &d.MaxAttempts,
			&d.LastError, &nextRetry, &d.UpdatedAt); err != nil {
			return nil, err
		}
		if nextRetry.Valid {
			ts := nextRetry.Time
			d.NextRetryAt = &ts
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// GetNotification возвращает уведомление по идентификатору.
func (p *Postgres) GetNotification(ctx context.Context, id uuid.UUID) (domain.NotificationEvent, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var event domain.NotificationEvent
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, user_id, type, priority, payload, dedup_key, status, change_event_id, created_at, expires_at
FROM notifications WHERE id=$1
`, id).Scan(&event.ID, &event.UserID, &event.Type, &event.Priority, &event.Payload,
		&event.DeduplicationKey, &event.Status, &event.ChangeEventID, &event.CreatedAt, &event.ExpiresAt)
	metrics.ObserveNetworkRequest("postgres", "notifications_get", "notifications", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NotificationEvent{}, domain.ErrNotFound
	}
	return event, err
}

// GetChannel возвращает канал доставки по идентификатору.
func (p *Postgres) GetChannel(ctx context.Context, channelID int64) (domain.Channel, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var ch domain.Channel
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, user_id, kind, address, enabled, verified FROM channels WHERE id=$1
`, channelID).Scan(&ch.ID, &ch.UserID, &ch.Kind, &ch.Address, &ch.Enabled, &ch.Verified)
	metrics.ObserveNetworkRequest("postgres", "channels_get", "channels", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Channel{}, domain.ErrNotFound
	}
	return ch, err
}

// ListDueTargets возвращает цели обхода, у которых наступило время запуска.
func (p *Postgres) ListDueTargets(ctx context.Context, now time.Time) ([]domain.CrawlTarget, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT company_id, source_url, source_type FROM crawl_targets
WHERE enabled AND next_run_at <= $1
`, now)
	metrics.ObserveNetworkRequest("postgres", "crawl_targets_due", "crawl_targets", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []domain.CrawlTarget
	for rows.Next() {
		var t domain.CrawlTarget
		if err := rows.Scan(&t.CompanyID, &t.SourceURL, &t.SourceType); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// AcquireCrawlSlot идемпотентно занимает слот обхода на указанное время.
// Конкурирующие планировщики получают false на занятом слоте. Вместе со
// слотом сдвигается время следующего запуска цели.
func (p *Postgres) AcquireCrawlSlot(ctx context.Context, companyID uuid.UUID, sourceURL string, scheduledFor time.Time) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "crawl_slots", start, err)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	start = time.Now()
	tag, err := tx.Exec(ctx, `
INSERT INTO crawl_slots (company_id, source_url, scheduled_for)
VALUES ($1, $2, $3)
ON CONFLICT (company_id, source_url, scheduled_for) DO NOTHING
`, companyID, sourceURL, scheduledFor)
	metrics.ObserveNetworkRequest("postgres", "crawl_slots_insert", "crawl_slots", start, err)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	start = time.Now()
	_, err = tx.Exec(ctx, `
UPDATE crawl_targets SET next_run_at = $3 + check_interval
WHERE company_id=$1 AND source_url=$2
`, companyID, sourceURL, scheduledFor)
	metrics.ObserveNetworkRequest("postgres", "crawl_targets_advance", "crawl_targets", start, err)
	if err != nil {
		return false, err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "crawl_slots", start, err)
	if err != nil {
		return false, err
	}
	return true, nil
}

// EnsureIngestJob регистрирует попытку обработки задачи и возвращает признак
// её завершённости вместе с номером текущей попытки.
func (p *Postgres) EnsureIngestJob(ctx context.Context, jobID string) (bool, int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var (
		done    bool
		attempt int
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO ingest_jobs (job_id, done, attempts, updated_at)
VALUES ($1, false, 1, now())
ON CONFLICT (job_id) DO UPDATE SET
	attempts = ingest_jobs.attempts + CASE WHEN ingest_jobs.done THEN 0 ELSE 1 END,
	updated_at = now()
RETURNING done, attempts
`, jobID).Scan(&done, &attempt)
	metrics.ObserveNetworkRequest("postgres", "ingest_jobs_ensure", "ingest_jobs", start, err)
	if err != nil {
		return false, 0, err
	}
	return done, attempt, nil
}

// MarkIngestJobDone помечает задачу обхода выполненной.
func (p *Postgres) MarkIngestJobDone(ctx context.Context, jobID string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE ingest_jobs SET done=true, updated_at=now() WHERE job_id=$1
`, jobID)
	metrics.ObserveNetworkRequest("postgres", "ingest_jobs_done", "ingest_jobs", start, err)
	return err
}
