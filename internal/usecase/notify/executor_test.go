package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pricewatch/internal/domain"
	"pricewatch/internal/infra/retry"
)

type stubEventRepo struct {
	statuses map[uuid.UUID]domain.EventNotificationStatus
}

func (r *stubEventRepo) GetEvent(_ context.Context, _ uuid.UUID) (domain.ChangeEvent, error) {
	return domain.ChangeEvent{}, domain.ErrNotFound
}

func (r *stubEventRepo) UpdateEventNotificationStatus(_ context.Context, id uuid.UUID, status domain.EventNotificationStatus) error {
	if r.statuses == nil {
		r.statuses = map[uuid.UUID]domain.EventNotificationStatus{}
	}
	r.statuses[id] = status
	return nil
}

type stubSender struct {
	err   error
	calls int
}

func (s *stubSender) Send(_ context.Context, _ string, _ []byte) error {
	s.calls++
	return s.err
}

func executorFixture(sendErr error) (*Executor, *stubNotificationRepo, *stubEventRepo, uuid.UUID, uuid.UUID) {
	repo := newStubNotificationRepo()
	events := &stubEventRepo{}

	changeEventID := uuid.New()
	notificationID := uuid.New()
	repo.byID[notificationID] = domain.NotificationEvent{
		ID:            notificationID,
		UserID:        1,
		Status:        domain.NotificationDispatched,
		ChangeEventID: changeEventID,
		ExpiresAt:     time.Now().Add(time.Hour),
	}
	repo.channels[10] = domain.Channel{ID: 10, UserID: 1, Kind: domain.ChannelEmail, Address: "user@example.com", Enabled: true, Verified: true}
	repo.due = []domain.Delivery{{
		ID:          100,
		EventID:     notificationID,
		ChannelID:   10,
		Status:      domain.DeliveryPending,
		MaxAttempts: 3,
	}}

	sender := &stubSender{err: sendErr}
	exec := NewExecutor(repo, events, map[domain.ChannelKind]domain.ChannelSender{
		domain.ChannelEmail: sender,
	}, ExecutorOptions{Retry: retry.Policy{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: time.Hour, Multiplier: 2}}, zerolog.Nop())
	return exec, repo, events, notificationID, changeEventID
}

func TestExecutorDeliversAndRollsUp(t *testing.T) {
	exec, repo, events, notificationID, changeEventID := executorFixture(nil)
	repo.listed[notificationID] = []domain.Delivery{{ID: 100, EventID: notificationID, Status: domain.DeliverySent}}

	if err := exec.RunOnce(context.Background()); err != nil {
		t.Fatalf("проход исполнителя: %v", err)
	}
	if len(repo.updated) != 1 || repo.updated[0].Status != domain.DeliverySent {
		t.Fatalf("доставка должна перейти в sent, получили %+v", repo.updated)
	}
	if repo.statuses[notificationID] != domain.NotificationDelivered {
		t.Fatalf("уведомление должно стать delivered")
	}
	if events.statuses[changeEventID] != domain.EventNotifySent {
		t.Fatalf("событие изменения должно стать sent")
	}
}

func TestExecutorSchedulesRetryWithBackoff(t *testing.T) {
	exec, repo, _, _, _ := executorFixture(errors.New("smtp timeout"))
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exec.now = func() time.Time { return fixed }

	if err := exec.RunOnce(context.Background()); err != nil {
		t.Fatalf("проход исполнителя: %v", err)
	}
	if len(repo.updated) != 1 {
		t.Fatalf("ожидалось одно обновление доставки")
	}
	got := repo.updated[0]
	if got.Status != domain.DeliveryRetrying {
		t.Fatalf("первая неудача должна давать retrying, получили %s", got.Status)
	}
	if got.Attempt != 1 {
		t.Fatalf("счётчик попыток должен стать 1, получили %d", got.Attempt)
	}
	if got.NextRetryAt == nil || !got.NextRetryAt.Equal(fixed.Add(time.Minute)) {
		t.Fatalf("next_retry_at должен быть через базовую задержку, получили %v", got.NextRetryAt)
	}
}

func TestExecutorFailsAfterMaxAttempts(t *testing.T) {
	exec, repo, events, notificationID, changeEventID := executorFixture(errors.New("smtp timeout"))
	repo.due[0].Attempt = 2 // третья попытка станет последней
	repo.listed[notificationID] = []domain.Delivery{{ID: 100, EventID: notificationID, Status: domain.DeliveryFailed}}

	if err := exec.RunOnce(context.Background()); err != nil {
		t.Fatalf("проход исполнителя: %v", err)
	}
	if repo.updated[0].Status != domain.DeliveryFailed {
		t.Fatalf("исчерпанные попытки должны давать failed")
	}
	if repo.statuses[notificationID] != domain.NotificationFailed {
		t.Fatalf("уведомление без успешных доставок должно стать failed")
	}
	if events.statuses[changeEventID] != domain.EventNotifyFailed {
		t.Fatalf("событие изменения должно стать failed")
	}
}

func TestExecutorCancelsExpiredNotification(t *testing.T) {
	exec, repo, events, notificationID, changeEventID := executorFixture(nil)
	expired := repo.byID[notificationID]
	expired.ExpiresAt = time.Now().Add(-time.Hour)
	repo.byID[notificationID] = expired
	repo.listed[notificationID] = []domain.Delivery{{ID: 100, EventID: notificationID, Status: domain.DeliveryCancelled}}

	if err := exec.RunOnce(context.Background()); err != nil {
		t.Fatalf("проход исполнителя: %v", err)
	}
	if repo.updated[0].Status != domain.DeliveryCancelled {
		t.Fatalf("истёкшее уведомление должно отменять доставку, получили %s", repo.updated[0].Status)
	}
	if repo.statuses[notificationID] != domain.NotificationExpired {
		t.Fatalf("истёкшее уведомление сводится в expired, получили %s", repo.statuses[notificationID])
	}
	if events.statuses[changeEventID] != domain.EventNotifyFailed {
		t.Fatalf("событие истёкшего уведомления должно закрываться как failed, получили %s", events.statuses[changeEventID])
	}
}

func TestExecutorRollupWaitsForPending(t *testing.T) {
	exec, repo, events, notificationID, changeEventID := executorFixture(nil)
	repo.listed[notificationID] = []domain.Delivery{
		{ID: 100, EventID: notificationID, Status: domain.DeliverySent},
		{ID: 101, EventID: notificationID, Status: domain.DeliveryPending},
	}

	if err := exec.RunOnce(context.Background()); err != nil {
		t.Fatalf("проход исполнителя: %v", err)
	}
	if _, ok := repo.statuses[notificationID]; ok {
		t.Fatalf("статус уведомления не должен сводиться, пока есть незавершённые доставки")
	}
	if _, ok := events.statuses[changeEventID]; ok {
		t.Fatalf("статус события не должен сводиться преждевременно")
	}
}
