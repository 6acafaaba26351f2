package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pricewatch/internal/domain"
)

type stubParser struct {
	plans    []domain.Plan
	warnings []string
	err      error
}

func (p *stubParser) Parse(_ []byte) ([]domain.Plan, []string, error) {
	return p.plans, p.warnings, p.err
}

func (p *stubParser) Version() string { return "test-v1" }

type stubCompanyRepo struct {
	company domain.Company
	err     error
}

func (r *stubCompanyRepo) GetCompany(_ context.Context, _ uuid.UUID) (domain.Company, error) {
	if r.err != nil {
		return domain.Company{}, r.err
	}
	return r.company, nil
}

type stubSnapshotRepo struct {
	latest    *domain.Snapshot
	latestErr error
	saveErr   error

	savedSnapshot *domain.Snapshot
	savedEvent    *domain.ChangeEvent
}

func (r *stubSnapshotRepo) LatestSnapshot(_ context.Context, _ uuid.UUID, _ string) (domain.Snapshot, error) {
	if r.latestErr != nil {
		return domain.Snapshot{}, r.latestErr
	}
	if r.latest == nil {
		return domain.Snapshot{}, domain.ErrNotFound
	}
	return *r.latest, nil
}

func (r *stubSnapshotRepo) SaveObservation(_ context.Context, snapshot domain.Snapshot, event domain.ChangeEvent) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	r.savedSnapshot = &snapshot
	r.savedEvent = &event
	return nil
}

type stubArtifactStore struct {
	key string
	err error
}

func (s *stubArtifactStore) Store(_ context.Context, key string, _ []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.key = key
	return "file://" + key, nil
}

type stubDispatcher struct {
	count  int
	err    error
	called int
}

func (d *stubDispatcher) Dispatch(_ context.Context, _ domain.ChangeEvent) (int, error) {
	d.called++
	if d.err != nil {
		return 0, d.err
	}
	return d.count, nil
}

type stubHealth struct {
	url   string
	items int
	calls int
}

func (h *stubHealth) RecordSuccess(_ context.Context, _ uuid.UUID, sourceURL string, _ domain.SourceType, itemsCount int) error {
	h.calls++
	h.url = sourceURL
	h.items = itemsCount
	return nil
}

func newTestService(parser *stubParser, companies *stubCompanyRepo, snapshots *stubSnapshotRepo, artifacts *stubArtifactStore, dispatcher *stubDispatcher) *Service {
	svc := NewService(parser, companies, snapshots, artifacts, dispatcher, nil, "snapshots", zerolog.Nop())
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

func TestIngestFirstObservation(t *testing.T) {
	companyID := uuid.New()
	parser := &stubParser{plans: []domain.Plan{{Name: "Pro", Price: 10, Currency: "USD", BillingCycle: "monthly"}}}
	companies := &stubCompanyRepo{company: domain.Company{ID: companyID, Label: "Acme Corp"}}
	snapshots := &stubSnapshotRepo{}
	artifacts := &stubArtifactStore{}
	dispatcher := &stubDispatcher{count: 2}

	svc := newTestService(parser, companies, snapshots, artifacts, dispatcher)

	event, dispatched, err := svc.Ingest(context.Background(), companyID, "https://acme.io/pricing", []byte("<html>"), domain.SourcePricing)
	if err != nil {
		t.Fatalf("ожидался успех, получили ошибку: %v", err)
	}
	if event.ProcessingStatus != domain.ProcessingSuccess {
		t.Fatalf("первый срез должен дать событие success, получили %s", event.ProcessingStatus)
	}
	if event.PreviousSnapshotID != nil {
		t.Fatalf("у первого события не должно быть предыдущего среза")
	}
	if len(event.Diff.Added) != 1 || event.Diff.Added[0].Name != "Pro" {
		t.Fatalf("diff первого среза должен содержать добавленный тариф, получили %+v", event.Diff)
	}
	if dispatched != 2 {
		t.Fatalf("ожидались 2 доставки, получили %d", dispatched)
	}
	if snapshots.savedSnapshot == nil {
		t.Fatalf("срез не сохранён")
	}
	if snapshots.savedSnapshot.RawSnapshotRef == "" {
		t.Fatalf("ссылка на архив не записана в срез")
	}
	if snapshots.savedSnapshot.ParserVersion != "test-v1" {
		t.Fatalf("версия парсера не зафиксирована в срезе")
	}
}

func TestIngestZeroDeliveriesMarksEventSkipped(t *testing.T) {
	companyID := uuid.New()
	parser := &stubParser{plans: []domain.Plan{{Name: "Pro", Price: 10, Currency: "USD", BillingCycle: "monthly"}}}
	companies := &stubCompanyRepo{company: domain.Company{ID: companyID, Label: "Acme Corp"}}
	dispatcher := &stubDispatcher{count: 0}

	svc := newTestService(parser, companies, &stubSnapshotRepo{}, &stubArtifactStore{}, dispatcher)

	event, dispatched, err := svc.Ingest(context.Background(), companyID, "https://acme.io/pricing", []byte("<html>"), domain.SourcePricing)
	if err != nil {
		t.Fatalf("ожидался успех, получили ошибку: %v", err)
	}
	if dispatched != 0 || dispatcher.called != 1 {
		t.Fatalf("диспетчер должен вызываться и вернуть ноль доставок: dispatched=%d called=%d", dispatched, dispatcher.called)
	}
	if event.ProcessingStatus != domain.ProcessingSuccess {
		t.Fatalf("изменения есть, событие должно быть success, получили %s", event.ProcessingStatus)
	}
	if event.NotificationStatus != domain.EventNotifySkipped {
		t.Fatalf("событие без доставок должно вернуться как skipped, получили %q", event.NotificationStatus)
	}
}

func TestIngestUnchangedHashSkips(t *testing.T) {
	companyID := uuid.New()
	plans := []domain.Plan{{Name: "Pro", Price: 10, Currency: "USD", BillingCycle: "monthly"}}
	parser := &stubParser{plans: plans}

	first := &stubSnapshotRepo{}
	svc := newTestService(parser, &stubCompanyRepo{company: domain.Company{ID: companyID, Label: "Acme"}}, first, &stubArtifactStore{}, &stubDispatcher{})
	if _, _, err := svc.Ingest(context.Background(), companyID, "https://acme.io/pricing", []byte("<html>"), domain.SourcePricing); err != nil {
		t.Fatalf("первый ингест: %v", err)
	}

	snapshots := &stubSnapshotRepo{latest: first.savedSnapshot}
	dispatcher := &stubDispatcher{count: 5}
	svc = newTestService(parser, &stubCompanyRepo{company: domain.Company{ID: companyID, Label: "Acme"}}, snapshots, &stubArtifactStore{}, dispatcher)

	event, dispatched, err := svc.Ingest(context.Background(), companyID, "https://acme.io/pricing", []byte("<html>"), domain.SourcePricing)
	if err != nil {
		t.Fatalf("повторный ингест: %v", err)
	}
	if event.ProcessingStatus != domain.ProcessingSkipped {
		t.Fatalf("при совпадении хэша ожидался статус skipped, получили %s", event.ProcessingStatus)
	}
	if event.NotificationStatus != domain.EventNotifySkipped {
		t.Fatalf("skipped-событие не должно уходить в рассылку")
	}
	if dispatched != 0 || dispatcher.called != 0 {
		t.Fatalf("skipped-событие не должно вызывать диспетчер")
	}
	if snapshots.savedEvent == nil {
		t.Fatalf("событие должно сохраняться даже без изменений")
	}
}

func TestIngestDetectsPriceChange(t *testing.T) {
	companyID := uuid.New()
	prev := domain.Snapshot{
		ID:        uuid.New(),
		CompanyID: companyID,
		Plans:     []domain.Plan{{Name: "Pro", Price: 10, Currency: "USD", BillingCycle: "monthly"}},
		DataHash:  "stale",
	}
	parser := &stubParser{plans: []domain.Plan{{Name: "Pro", Price: 12, Currency: "USD", BillingCycle: "monthly"}}}
	snapshots := &stubSnapshotRepo{latest: &prev}
	dispatcher := &stubDispatcher{count: 1}

	svc := newTestService(parser, &stubCompanyRepo{company: domain.Company{ID: companyID, Label: "Acme"}}, snapshots, &stubArtifactStore{}, dispatcher)

	event, _, err := svc.Ingest(context.Background(), companyID, "https://acme.io/pricing", []byte("<html>"), domain.SourcePricing)
	if err != nil {
		t.Fatalf("ингест с изменением цены: %v", err)
	}
	if len(event.Diff.Updated) != 1 {
		t.Fatalf("ожидалось одно обновление тарифа, получили %+v", event.Diff)
	}
	if event.PreviousSnapshotID == nil || *event.PreviousSnapshotID != prev.ID {
		t.Fatalf("событие должно ссылаться на предыдущий срез")
	}
	if !strings.Contains(event.Summary, "price 10 → 12") {
		t.Fatalf("в сводке нет изменения цены: %q", event.Summary)
	}
	if dispatcher.called != 1 {
		t.Fatalf("диспетчер должен вызываться для события с изменениями")
	}
}

func TestIngestParseErrorNoSnapshot(t *testing.T) {
	companyID := uuid.New()
	parser := &stubParser{err: errors.New("малформат страницы")}
	snapshots := &stubSnapshotRepo{}

	svc := newTestService(parser, &stubCompanyRepo{company: domain.Company{ID: companyID, Label: "Acme"}}, snapshots, &stubArtifactStore{}, &stubDispatcher{})

	if _, _, err := svc.Ingest(context.Background(), companyID, "https://acme.io/pricing", []byte("<html>"), domain.SourcePricing); err == nil {
		t.Fatalf("ошибка парсинга должна быть жёсткой")
	}
	if snapshots.savedSnapshot != nil {
		t.Fatalf("при ошибке парсинга срез не должен сохраняться")
	}
}

func TestIngestDispatchErrorDoesNotFail(t *testing.T) {
	companyID := uuid.New()
	parser := &stubParser{plans: []domain.Plan{{Name: "Pro", Price: 10, Currency: "USD", BillingCycle: "monthly"}}}
	snapshots := &stubSnapshotRepo{}
	dispatcher := &stubDispatcher{err: errors.New("rabbit недоступен")}

	svc := newTestService(parser, &stubCompanyRepo{company: domain.Company{ID: companyID, Label: "Acme"}}, snapshots, &stubArtifactStore{}, dispatcher)

	event, dispatched, err := svc.Ingest(context.Background(), companyID, "https://acme.io/pricing", []byte("<html>"), domain.SourcePricing)
	if err != nil {
		t.Fatalf("сбой рассылки не должен ронять ингест: %v", err)
	}
	if event.ProcessingStatus != domain.ProcessingSuccess {
		t.Fatalf("ингест должен остаться успешным")
	}
	if dispatched != 0 {
		t.Fatalf("при сбое рассылки доставок нет")
	}
}

func TestIngestUnknownCompany(t *testing.T) {
	parser := &stubParser{plans: []domain.Plan{{Name: "Pro"}}}
	companies := &stubCompanyRepo{err: domain.ErrNotFound}

	svc := newTestService(parser, companies, &stubSnapshotRepo{}, &stubArtifactStore{}, &stubDispatcher{})

	_, _, err := svc.Ingest(context.Background(), uuid.New(), "https://acme.io/pricing", []byte("<html>"), domain.SourcePricing)
	if !errors.Is(err, ErrCompanyNotFound) {
		t.Fatalf("ожидалась ErrCompanyNotFound, получили %v", err)
	}
}

func TestIngestReportsPlanCountToHealth(t *testing.T) {
	companyID := uuid.New()
	parser := &stubParser{plans: []domain.Plan{
		{Name: "Free", Price: 0, Currency: "USD", BillingCycle: "monthly"},
		{Name: "Pro", Price: 10, Currency: "USD", BillingCycle: "monthly"},
	}}
	health := &stubHealth{}

	svc := newTestService(parser, &stubCompanyRepo{company: domain.Company{ID: companyID, Label: "Acme"}}, &stubSnapshotRepo{}, &stubArtifactStore{}, &stubDispatcher{})
	svc.health = health

	if _, _, err := svc.Ingest(context.Background(), companyID, "https://acme.io/pricing", []byte("<html>"), domain.SourcePricing); err != nil {
		t.Fatalf("ингест: %v", err)
	}
	if health.calls != 1 || health.items != 2 {
		t.Fatalf("трекер здоровья должен получить число тарифов, получили calls=%d items=%d", health.calls, health.items)
	}
	if health.url != "acme.io/pricing" {
		t.Fatalf("трекер должен получать нормализованный URL, получили %q", health.url)
	}
}

func TestIngestArtifactKeyLayout(t *testing.T) {
	companyID := uuid.New()
	parser := &stubParser{plans: []domain.Plan{{Name: "Pro", Price: 10, Currency: "USD", BillingCycle: "monthly"}}}
	artifacts := &stubArtifactStore{}

	svc := newTestService(parser, &stubCompanyRepo{company: domain.Company{ID: companyID, Label: "Acme Corp"}}, &stubSnapshotRepo{}, artifacts, &stubDispatcher{})

	if _, _, err := svc.Ingest(context.Background(), companyID, "https://acme.io/pricing", []byte("<html>"), domain.SourcePricing); err != nil {
		t.Fatalf("ингест: %v", err)
	}
	if !strings.HasPrefix(artifacts.key, "snapshots/acme-corp/") {
		t.Fatalf("ключ архива должен включать scope и slug компании: %q", artifacts.key)
	}
	if !strings.HasSuffix(artifacts.key, ".html") {
		t.Fatalf("ключ архива должен оканчиваться на .html: %q", artifacts.key)
	}
}
