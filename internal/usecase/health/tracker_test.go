package health

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pricewatch/internal/domain"
)

type stubSourceRepo struct {
	records map[string]domain.SourceRecord
}

func newStubSourceRepo() *stubSourceRepo {
	return &stubSourceRepo{records: make(map[string]domain.SourceRecord)}
}

func (s *stubSourceRepo) key(companyID uuid.UUID, url string) string {
	return companyID.String() + "|" + url
}

func (s *stubSourceRepo) GetSource(_ context.Context, companyID uuid.UUID, url string) (domain.SourceRecord, error) {
	record, ok := s.records[s.key(companyID, url)]
	if !ok {
		return domain.SourceRecord{}, domain.ErrNotFound
	}
	return record, nil
}

func (s *stubSourceRepo) UpsertSource(_ context.Context, record domain.SourceRecord) error {
	s.records[s.key(record.CompanyID, record.SourceURL)] = record
	return nil
}

func (s *stubSourceRepo) ListDisabledSources(_ context.Context, companyID uuid.UUID) ([]domain.SourceRecord, error) {
	var out []domain.SourceRecord
	for _, record := range s.records {
		if record.CompanyID == companyID && record.Status == domain.SourceDisabled {
			out = append(out, record)
		}
	}
	return out, nil
}

const testURL = "example.com/pricing"

func newTestTracker(repo *stubSourceRepo, now time.Time) *Tracker {
	tracker := NewTracker(repo, 5, 24*time.Hour, zerolog.Nop())
	tracker.now = func() time.Time { return now }
	return tracker
}

func TestPermanentDisableAfterRepeatedTerminalFailures(t *testing.T) {
	repo := newStubSourceRepo()
	companyID := uuid.New()
	tracker := newTestTracker(repo, time.Now())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := tracker.RecordTerminalFailure(ctx, companyID, testURL, domain.SourcePricing, "404"); err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
	}

	record, err := repo.GetSource(ctx, companyID, testURL)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if record.Status != domain.SourceDisabled || !record.Permanent {
		t.Fatalf("ожидали перманентное отключение, получили %+v", record)
	}
	if record.DisabledUntil != nil {
		t.Fatalf("перманентное отключение не должно иметь disabled_until")
	}
	if record.FailCount != 5 {
		t.Fatalf("ожидали fail_count=5, получили %d", record.FailCount)
	}
}

func TestSuccessResetsPermanentDisable(t *testing.T) {
	repo := newStubSourceRepo()
	companyID := uuid.New()
	tracker := newTestTracker(repo, time.Now())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = tracker.RecordTerminalFailure(ctx, companyID, testURL, domain.SourcePricing, "410")
	}
	if err := tracker.RecordSuccess(ctx, companyID, testURL, domain.SourcePricing, 3); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	record, _ := repo.GetSource(ctx, companyID, testURL)
	if record.Status != domain.SourceHealthy || record.Permanent || record.FailCount != 0 {
		t.Fatalf("успех с непустым результатом должен полностью восстановить источник: %+v", record)
	}
}

func TestEmptyResultsCauseTemporaryDisable(t *testing.T) {
	repo := newStubSourceRepo()
	companyID := uuid.New()
	now := time.Now()
	tracker := newTestTracker(repo, now)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := tracker.RecordSuccess(ctx, companyID, testURL, domain.SourcePricing, 0); err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
	}

	record, _ := repo.GetSource(ctx, companyID, testURL)
	if record.Status != domain.SourceDisabled || record.Permanent {
		t.Fatalf("ожидали временное отключение, получили %+v", record)
	}
	if record.DisabledUntil == nil {
		t.Fatalf("временное отключение должно иметь disabled_until")
	}
	wantUntil := now.UTC().Add(24 * time.Hour)
	if !record.DisabledUntil.Equal(wantUntil) {
		t.Fatalf("ожидали disabled_until=%v, получили %v", wantUntil, *record.DisabledUntil)
	}
}

func TestDeadURLsFlipsExpiredTemporaryToRecovering(t *testing.T) {
	repo := newStubSourceRepo()
	companyID := uuid.New()
	start := time.Now()
	tracker := newTestTracker(repo, start)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = tracker.RecordSuccess(ctx, companyID, testURL, domain.SourcePricing, 0)
	}

	dead, err := tracker.DeadURLs(ctx, companyID)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if _, ok := dead[testURL]; !ok {
		t.Fatalf("до истечения cooldown источник должен быть в skip-set")
	}

	tracker.now = func() time.Time { return start.Add(25 * time.Hour) }
	dead, err = tracker.DeadURLs(ctx, companyID)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if _, ok := dead[testURL]; ok {
		t.Fatalf("после истечения cooldown источник должен покинуть skip-set")
	}

	record, _ := repo.GetSource(ctx, companyID, testURL)
	if record.Status != domain.SourceRecovering {
		t.Fatalf("ожидали статус recovering, получили %s", record.Status)
	}
	if record.DisabledUntil != nil {
		t.Fatalf("после перехода в recovering disabled_until должен сброситься")
	}
}

func TestPermanentDisableStaysInSkipSet(t *testing.T) {
	repo := newStubSourceRepo()
	companyID := uuid.New()
	start := time.Now()
	tracker := newTestTracker(repo, start)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = tracker.RecordTerminalFailure(ctx, companyID, testURL, domain.SourcePricing, "404")
	}

	tracker.now = func() time.Time { return start.Add(100 * time.Hour) }
	dead, err := tracker.DeadURLs(ctx, companyID)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if _, ok := dead[testURL]; !ok {
		t.Fatalf("перманентно отключённый источник не должен самовосстанавливаться")
	}
}

func TestBelowThresholdStaysHealthy(t *testing.T) {
	repo := newStubSourceRepo()
	companyID := uuid.New()
	tracker := newTestTracker(repo, time.Now())

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_ = tracker.RecordTerminalFailure(ctx, companyID, testURL, domain.SourcePricing, "404")
	}

	record, _ := repo.GetSource(ctx, companyID, testURL)
	if record.Status != domain.SourceHealthy {
		t.Fatalf("до порога источник должен оставаться healthy, получили %s", record.Status)
	}
	if record.FailCount != 4 {
		t.Fatalf("ожидали fail_count=4, получили %d", record.FailCount)
	}
}
