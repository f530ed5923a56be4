package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rewardrush/claim-service/internal/domain"
	"github.com/rewardrush/claim-service/internal/store"
)

type schedulerRepoStub struct {
	store.Repository

	mu    sync.Mutex
	drops map[uuid.UUID]*domain.Drop
}

func newSchedulerRepoStub() *schedulerRepoStub {
	return &schedulerRepoStub{drops: make(map[uuid.UUID]*domain.Drop)}
}

func (r *schedulerRepoStub) CreateDrop(ctx context.Context, drop *domain.Drop) (*domain.Drop, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *drop
	r.drops[drop.ID] = &stored
	return drop, nil
}

func (r *schedulerRepoStub) FindDropByID(ctx context.Context, dropID uuid.UUID) (*domain.Drop, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	drop, ok := r.drops[dropID]
	if !ok {
		return nil, store.ErrDropNotFound
	}
	snapshot := *drop
	return &snapshot, nil
}

func (r *schedulerRepoStub) ListDropsByStatus(ctx context.Context, statuses ...domain.DropStatus) ([]domain.Drop, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Drop
	for _, drop := range r.drops {
		for _, status := range statuses {
			if drop.Status == status {
				out = append(out, *drop)
				break
			}
		}
	}
	return out, nil
}

// executorStub signals on channels so tests can wait for timer callbacks.
type executorStub struct {
	performed chan uuid.UUID
	expired   chan uuid.UUID
}

func newExecutorStub() *executorStub {
	return &executorStub{
		performed: make(chan uuid.UUID, 8),
		expired:   make(chan uuid.UUID, 8),
	}
}

func (e *executorStub) PerformDrop(ctx context.Context, dropID uuid.UUID) error {
	e.performed <- dropID
	return nil
}

func (e *executorStub) ExpireDrop(ctx context.Context, dropID uuid.UUID) error {
	e.expired <- dropID
	return nil
}

func (e *executorStub) ReconcileRewards(ctx context.Context) (int, error) {
	return 0, nil
}

func testSchedulerConfig(blackouts []BlackoutWindow) SchedulerConfig {
	return SchedulerConfig{
		WindowStartMin: 6 * 60,
		WindowEndMin:   23 * 60,
		Timezone:       time.UTC,
		ClaimWindow:    15 * time.Minute,
		Blackouts:      blackouts,
		DailySpec:      "0 0 * * *",
		ReconcileSpec:  "*/10 * * * *",
		DefaultReward:  rewardConfig(),
	}
}

func newTestScheduler(repo store.Repository, exec DropExecutor, cfg SchedulerConfig) *DropScheduler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDropScheduler(repo, exec, cfg, logger)
}

func fixedRand(offsetSec int64) func(int64) (int64, error) {
	return func(max int64) (int64, error) { return offsetSec, nil }
}

func TestPickDropTimeInsideWindow(t *testing.T) {
	s := newTestScheduler(newSchedulerRepoStub(), newExecutorStub(), testSchedulerConfig(nil))
	s.randInt = fixedRand(3600) // one hour past the window start

	got, degraded, err := s.PickDropTime(weekday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if degraded {
		t.Fatal("no blackouts configured, must not degrade")
	}
	want := time.Date(2026, time.March, 4, 7, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestPickDropTimeDrawsFromFullWindow(t *testing.T) {
	s := newTestScheduler(newSchedulerRepoStub(), newExecutorStub(), testSchedulerConfig(nil))

	var sawMax int64
	s.randInt = func(max int64) (int64, error) {
		sawMax = max
		return 0, nil
	}
	if _, _, err := s.PickDropTime(weekday); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 06:00-23:00 is 17 hours of seconds.
	if want := int64(17 * 3600); sawMax != want {
		t.Fatalf("expected random draw over %d seconds, got %d", want, sawMax)
	}
}

func TestPickDropTimeProbesPastBlackout(t *testing.T) {
	blackouts, err := ParseBlackoutWindows("07:00-08:00")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := newTestScheduler(newSchedulerRepoStub(), newExecutorStub(), testSchedulerConfig(blackouts))
	s.randInt = fixedRand(5400) // lands at 07:30, inside the blackout

	got, degraded, err := s.PickDropTime(weekday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if degraded {
		t.Fatal("an escapable blackout must not degrade")
	}
	// Two 15-minute probes step 07:30 out to 08:00.
	want := time.Date(2026, time.March, 4, 8, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestPickDropTimeDegradedWhenBlackoutCoversWindow(t *testing.T) {
	blackouts, err := ParseBlackoutWindows("00:00-23:59")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := newTestScheduler(newSchedulerRepoStub(), newExecutorStub(), testSchedulerConfig(blackouts))
	s.randInt = fixedRand(3600)

	got, degraded, err := s.PickDropTime(weekday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !degraded {
		t.Fatal("an inescapable blackout must report degraded scheduling")
	}
	// The original unadjusted candidate is used.
	want := time.Date(2026, time.March, 4, 7, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected fallback to %v, got %v", want, got)
	}
}

func TestPickDropTimeEmptyWindow(t *testing.T) {
	cfg := testSchedulerConfig(nil)
	cfg.WindowEndMin = cfg.WindowStartMin
	s := newTestScheduler(newSchedulerRepoStub(), newExecutorStub(), cfg)

	if _, _, err := s.PickDropTime(weekday); err == nil {
		t.Fatal("expected an error for an empty drop window")
	}
}

func TestParseBlackoutWindows(t *testing.T) {
	windows, err := ParseBlackoutWindows("03:00-04:30, 2026-03-10T00:00:00Z/2026-03-11T00:00:00Z")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(windows))
	}
	if !windows[0].Contains(time.Date(2026, time.March, 4, 3, 30, 0, 0, time.UTC)) {
		t.Error("recurring window should contain 03:30")
	}
	if windows[0].Contains(time.Date(2026, time.March, 4, 4, 30, 0, 0, time.UTC)) {
		t.Error("recurring window end is exclusive")
	}
	if !windows[1].Contains(time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)) {
		t.Error("one-shot window should contain its midpoint")
	}
	if windows[1].Contains(time.Date(2026, time.March, 12, 0, 0, 0, 0, time.UTC)) {
		t.Error("one-shot window should not contain a later day")
	}

	for _, bad := range []string{"7am-8am", "07:00", "2026-03-10T00:00:00Z/not-a-time", "2026-03-11T00:00:00Z/2026-03-10T00:00:00Z"} {
		if _, err := ParseBlackoutWindows(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestBlackoutWindowCrossesMidnight(t *testing.T) {
	windows, err := ParseBlackoutWindows("22:00-02:00")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w := windows[0]

	if !w.Contains(time.Date(2026, time.March, 4, 23, 0, 0, 0, time.UTC)) {
		t.Error("23:00 should be inside a 22:00-02:00 window")
	}
	if !w.Contains(time.Date(2026, time.March, 4, 1, 0, 0, 0, time.UTC)) {
		t.Error("01:00 should be inside a 22:00-02:00 window")
	}
	if w.Contains(time.Date(2026, time.March, 4, 12, 0, 0, 0, time.UTC)) {
		t.Error("12:00 should be outside a 22:00-02:00 window")
	}
}

func TestScheduleDropPastDueFiresImmediately(t *testing.T) {
	repo := newSchedulerRepoStub()
	exec := newExecutorStub()
	s := newTestScheduler(repo, exec, testSchedulerConfig(nil))
	defer s.Stop()

	drop := &domain.Drop{
		ID:            uuid.New(),
		Status:        domain.DropStatusScheduled,
		ScheduledTime: time.Now().Add(-time.Hour),
	}
	repo.CreateDrop(context.Background(), drop)

	s.ScheduleDrop(drop)

	select {
	case fired := <-exec.performed:
		if fired != drop.ID {
			t.Fatalf("expected drop %s to fire, got %s", drop.ID, fired)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("past-due drop did not fire")
	}
}

func TestFireDropArmsExpiry(t *testing.T) {
	repo := newSchedulerRepoStub()
	exec := newExecutorStub()
	s := newTestScheduler(repo, exec, testSchedulerConfig(nil))
	defer s.Stop()

	// The drop is already claimable with a window that is over, so the
	// expiry timer armed after the fire goes off immediately.
	now := time.Now()
	drop := &domain.Drop{
		ID:            uuid.New(),
		Status:        domain.DropStatusDropped,
		ScheduledTime: now.Add(-time.Hour),
		ExpiresAt:     now.Add(-time.Minute),
	}
	repo.CreateDrop(context.Background(), drop)

	s.ScheduleDrop(drop)

	select {
	case <-exec.performed:
	case <-time.After(2 * time.Second):
		t.Fatal("drop did not fire")
	}
	select {
	case expired := <-exec.expired:
		if expired != drop.ID {
			t.Fatalf("expected drop %s to expire, got %s", drop.ID, expired)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expiry was not armed after the fire")
	}
}

func TestRearmFromStore(t *testing.T) {
	repo := newSchedulerRepoStub()
	exec := newExecutorStub()
	s := newTestScheduler(repo, exec, testSchedulerConfig(nil))
	defer s.Stop()

	now := time.Now()
	pastDue := &domain.Drop{
		ID:            uuid.New(),
		Status:        domain.DropStatusScheduled,
		ScheduledTime: now.Add(-time.Hour),
	}
	repo.CreateDrop(context.Background(), pastDue)

	openDrop := &domain.Drop{
		ID:            uuid.New(),
		Status:        domain.DropStatusDropped,
		ScheduledTime: now.Add(-time.Hour),
		ExpiresAt:     now.Add(-time.Minute),
	}
	repo.CreateDrop(context.Background(), openDrop)

	if err := s.RearmFromStore(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case fired := <-exec.performed:
		if fired != pastDue.ID {
			t.Fatalf("expected past-due drop %s to fire, got %s", pastDue.ID, fired)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("past-due drop was not re-armed")
	}
	select {
	case expired := <-exec.expired:
		if expired != openDrop.ID {
			t.Fatalf("expected open drop %s to expire, got %s", openDrop.ID, expired)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("open drop's expiry was not re-armed")
	}
}

func TestScheduleDailyDropPersistsAndArms(t *testing.T) {
	repo := newSchedulerRepoStub()
	exec := newExecutorStub()
	s := newTestScheduler(repo, exec, testSchedulerConfig(nil))
	defer s.Stop()

	// Pin the drop to the window start of a past day so the timer fires
	// right away.
	s.randInt = fixedRand(0)

	drop, err := s.ScheduleDailyDrop(context.Background(), weekday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if drop.Reward.BaseAmount != rewardConfig().BaseAmount {
		t.Fatal("daily drop should carry the default reward config")
	}
	if _, findErr := repo.FindDropByID(context.Background(), drop.ID); findErr != nil {
		t.Fatalf("daily drop was not persisted: %v", findErr)
	}

	select {
	case fired := <-exec.performed:
		if fired != drop.ID {
			t.Fatalf("expected drop %s to fire, got %s", drop.ID, fired)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("daily drop timer did not fire")
	}
}
