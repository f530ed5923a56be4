/**
 * @description
 * This file implements the drop scheduler: the component that decides when
 * each daily drop happens and fires the state transitions at the right
 * moments. Drop times are drawn uniformly at random from the configured
 * daily window using a cryptographically strong source, so claimants cannot
 * predict them. Configured blackout windows are avoided by probing forward
 * in fixed steps; if every probe lands in a blackout the scheduler falls
 * back to the original candidate and logs that it is running degraded.
 *
 * Armed timers live only in memory. The drop rows are the durable record:
 * on startup RearmFromStore rebuilds the timers from the database, and a
 * drop whose moment passed while the service was down fires immediately.
 *
 * @dependencies
 * - crypto/rand: Unpredictable drop time selection.
 * - log/slog: Structured scheduler logging.
 * - github.com/robfig/cron/v3: The daily scheduling and reconcile cadence.
 */

package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rewardrush/claim-service/internal/domain"
	"github.com/rewardrush/claim-service/internal/store"
)

// blackoutProbeStep is how far each probe advances when the candidate drop
// time lands in a blackout window.
const blackoutProbeStep = 15 * time.Minute

// maxBlackoutProbes caps probing at one full day of steps.
const maxBlackoutProbes = 96

// DropExecutor is the slice of the claim service the scheduler drives when
// timers and cron entries fire.
type DropExecutor interface {
	// PerformDrop transitions a scheduled drop to claimable.
	PerformDrop(ctx context.Context, dropID uuid.UUID) error
	// ExpireDrop closes an unclaimed drop's window.
	ExpireDrop(ctx context.Context, dropID uuid.UUID) error
	// ReconcileRewards resolves stale pending reward transactions.
	ReconcileRewards(ctx context.Context) (int, error)
}

// BlackoutWindow is a period during which no drop may fire. A recurring
// window repeats daily between two local times; a one-shot window covers an
// absolute interval.
type BlackoutWindow struct {
	recurring bool
	startMin  int // minutes from local midnight, recurring only
	endMin    int
	from, to  time.Time // one-shot only
}

// Contains reports whether t (in the scheduler's timezone) falls inside the window.
func (w BlackoutWindow) Contains(t time.Time) bool {
	if w.recurring {
		min := t.Hour()*60 + t.Minute()
		if w.startMin <= w.endMin {
			return min >= w.startMin && min < w.endMin
		}
		// Window crosses midnight.
		return min >= w.startMin || min < w.endMin
	}
	return !t.Before(w.from) && t.Before(w.to)
}

// ParseBlackoutWindows parses a comma-separated blackout specification.
// Each entry is either a recurring local window "HH:MM-HH:MM" or a one-shot
// absolute window "RFC3339/RFC3339".
func ParseBlackoutWindows(spec string) ([]BlackoutWindow, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}

	var windows []BlackoutWindow
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			parts := strings.SplitN(entry, "/", 2)
			from, err := time.Parse(time.RFC3339, parts[0])
			if err != nil {
				return nil, fmt.Errorf("invalid blackout window %q: %w", entry, err)
			}
			to, err := time.Parse(time.RFC3339, parts[1])
			if err != nil {
				return nil, fmt.Errorf("invalid blackout window %q: %w", entry, err)
			}
			if !to.After(from) {
				return nil, fmt.Errorf("invalid blackout window %q: end must be after start", entry)
			}
			windows = append(windows, BlackoutWindow{from: from, to: to})
			continue
		}

		parts := strings.SplitN(entry, "-", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid blackout window %q: want HH:MM-HH:MM", entry)
		}
		startMin, err := parseMinuteOfDay(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid blackout window %q: %w", entry, err)
		}
		endMin, err := parseMinuteOfDay(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid blackout window %q: %w", entry, err)
		}
		windows = append(windows, BlackoutWindow{recurring: true, startMin: startMin, endMin: endMin})
	}
	return windows, nil
}

func parseMinuteOfDay(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// SchedulerConfig holds the drop scheduler's knobs.
type SchedulerConfig struct {
	// WindowStartMin and WindowEndMin bound the daily drop window, in
	// minutes from local midnight.
	WindowStartMin int
	WindowEndMin   int
	Timezone       *time.Location
	// ClaimWindow is how long a drop stays claimable after it fires.
	ClaimWindow time.Duration
	Blackouts   []BlackoutWindow
	// DailySpec is the cron expression that plans each day's drop.
	DailySpec string
	// ReconcileSpec is the cron expression for the reward reconcile sweep.
	ReconcileSpec string
	// DefaultReward and DefaultEligibility are applied to drops created by
	// the daily cron.
	DefaultReward      domain.RewardConfig
	DefaultEligibility domain.Eligibility
}

type dropTimers struct {
	drop   *time.Timer
	expiry *time.Timer
}

// DropScheduler owns drop timing: the daily cron entry, the per-drop fire
// and expiry timers, and the random drop time selection.
type DropScheduler struct {
	repo   store.Repository
	exec   DropExecutor
	cfg    SchedulerConfig
	cron   *cron.Cron
	logger *slog.Logger

	// randInt returns a uniform value in [0, max). Swappable in tests.
	randInt func(max int64) (int64, error)

	mu     sync.Mutex
	timers map[uuid.UUID]*dropTimers
}

// NewDropScheduler creates a scheduler driving the given executor.
func NewDropScheduler(repo store.Repository, exec DropExecutor, cfg SchedulerConfig, logger *slog.Logger) *DropScheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(
		cron.WithLocation(cfg.Timezone),
		cron.WithChain(cron.Recover(cronLogger)),
	)
	return &DropScheduler{
		repo:    repo,
		exec:    exec,
		cfg:     cfg,
		cron:    c,
		logger:  logger,
		randInt: cryptoRandInt,
		timers:  make(map[uuid.UUID]*dropTimers),
	}
}

func cryptoRandInt(max int64) (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return 0, err
	}
	return n.Int64(), nil
}

// PickDropTime selects the drop moment for the given day: a uniformly
// random instant inside the daily window, adjusted off blackout windows by
// forward probing. The degraded flag is set when no probe escaped the
// blackouts and the original unadjusted candidate had to be used.
func (s *DropScheduler) PickDropTime(day time.Time) (time.Time, bool, error) {
	day = day.In(s.cfg.Timezone)
	windowStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, s.cfg.Timezone).
		Add(time.Duration(s.cfg.WindowStartMin) * time.Minute)
	span := time.Duration(s.cfg.WindowEndMin-s.cfg.WindowStartMin) * time.Minute
	if span <= 0 {
		return time.Time{}, false, fmt.Errorf("drop window is empty: start=%d end=%d", s.cfg.WindowStartMin, s.cfg.WindowEndMin)
	}

	offsetSec, err := s.randInt(int64(span / time.Second))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to draw random drop offset: %w", err)
	}
	original := windowStart.Add(time.Duration(offsetSec) * time.Second)

	candidate := original
	for probe := 0; probe < maxBlackoutProbes; probe++ {
		if !s.inBlackout(candidate) {
			return candidate, false, nil
		}
		candidate = candidate.Add(blackoutProbeStep)
		// Keep the candidate inside the day's window by wrapping back to
		// the window start.
		if candidate.After(windowStart.Add(span)) {
			candidate = windowStart.Add(candidate.Sub(windowStart.Add(span)))
		}
	}

	s.logger.Warn("every blackout probe failed, scheduling inside a blackout window",
		"candidate", original, "probes", maxBlackoutProbes)
	return original, true, nil
}

func (s *DropScheduler) inBlackout(t time.Time) bool {
	local := t.In(s.cfg.Timezone)
	for _, w := range s.cfg.Blackouts {
		if w.Contains(local) {
			return true
		}
	}
	return false
}

// ScheduleDailyDrop creates and arms a drop for the given day using the
// default reward and eligibility configuration. Called by the daily cron
// entry and by the admin schedule endpoint.
func (s *DropScheduler) ScheduleDailyDrop(ctx context.Context, day time.Time) (*domain.Drop, error) {
	dropTime, degraded, err := s.PickDropTime(day)
	if err != nil {
		return nil, err
	}

	drop := &domain.Drop{
		ID:            uuid.New(),
		Status:        domain.DropStatusScheduled,
		ScheduledTime: dropTime,
		ExpiresAt:     dropTime.Add(s.cfg.ClaimWindow),
		Reward:        s.cfg.DefaultReward,
		Eligibility:   s.cfg.DefaultEligibility,
	}
	drop, err = s.repo.CreateDrop(ctx, drop)
	if err != nil {
		return nil, err
	}

	s.logger.Info("daily drop scheduled",
		"drop_id", drop.ID, "scheduled_time", dropTime, "degraded", degraded)
	s.ScheduleDrop(drop)
	return drop, nil
}

// ScheduleDrop arms the fire timer for a scheduled drop. A drop whose
// moment already passed fires immediately.
func (s *DropScheduler) ScheduleDrop(drop *domain.Drop) {
	delay := time.Until(drop.ScheduledTime)
	if delay < 0 {
		delay = 0
	}

	dropID := drop.ID
	timer := time.AfterFunc(delay, func() {
		s.fireDrop(dropID)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.timers[dropID]; ok && existing.drop != nil {
		existing.drop.Stop()
	}
	if s.timers[dropID] == nil {
		s.timers[dropID] = &dropTimers{}
	}
	s.timers[dropID].drop = timer
}

// ScheduleExpiry arms the expiry timer for a claimable drop.
func (s *DropScheduler) ScheduleExpiry(dropID uuid.UUID, expiresAt time.Time) {
	delay := time.Until(expiresAt)
	if delay < 0 {
		delay = 0
	}

	timer := time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.exec.ExpireDrop(ctx, dropID); err != nil {
			s.logger.Error("drop expiry failed", "drop_id", dropID, "error", err)
		}
		s.clearTimers(dropID)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.timers[dropID]; ok && existing.expiry != nil {
		existing.expiry.Stop()
	}
	if s.timers[dropID] == nil {
		s.timers[dropID] = &dropTimers{}
	}
	s.timers[dropID].expiry = timer
}

func (s *DropScheduler) fireDrop(dropID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.exec.PerformDrop(ctx, dropID); err != nil {
		s.logger.Error("drop fire failed", "drop_id", dropID, "error", err)
		return
	}

	drop, err := s.repo.FindDropByID(ctx, dropID)
	if err != nil {
		s.logger.Error("failed to reload fired drop for expiry arming", "drop_id", dropID, "error", err)
		return
	}
	if drop.Status == domain.DropStatusDropped {
		s.ScheduleExpiry(dropID, drop.ExpiresAt)
	}
}

// CancelTimers stops any armed timers for a drop. Used when an operator
// cancels a drop.
func (s *DropScheduler) CancelTimers(dropID uuid.UUID) {
	s.clearTimers(dropID)
}

func (s *DropScheduler) clearTimers(dropID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[dropID]; ok {
		if t.drop != nil {
			t.drop.Stop()
		}
		if t.expiry != nil {
			t.expiry.Stop()
		}
		delete(s.timers, dropID)
	}
}

// RearmFromStore rebuilds in-memory timers from the durable drop rows.
// Scheduled drops get a fire timer (past-due ones fire immediately) and
// claimable drops get their expiry timer back.
func (s *DropScheduler) RearmFromStore(ctx context.Context) error {
	drops, err := s.repo.ListDropsByStatus(ctx, domain.DropStatusScheduled, domain.DropStatusDropped)
	if err != nil {
		return fmt.Errorf("failed to load drops for re-arming: %w", err)
	}

	for i := range drops {
		drop := drops[i]
		switch drop.Status {
		case domain.DropStatusScheduled:
			s.ScheduleDrop(&drop)
			s.logger.Info("re-armed drop timer", "drop_id", drop.ID, "scheduled_time", drop.ScheduledTime)
		case domain.DropStatusDropped:
			s.ScheduleExpiry(drop.ID, drop.ExpiresAt)
			s.logger.Info("re-armed expiry timer", "drop_id", drop.ID, "expires_at", drop.ExpiresAt)
		}
	}
	return nil
}

// Start registers the cron entries and starts the cron runner.
func (s *DropScheduler) Start() {
	if _, err := s.cron.AddFunc(s.cfg.DailySpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.ScheduleDailyDrop(ctx, time.Now().In(s.cfg.Timezone)); err != nil {
			s.logger.Error("daily drop scheduling failed", "error", err)
		}
	}); err != nil {
		s.logger.Error("failed to register daily drop job", "error", err)
	} else {
		s.logger.Info("registered daily drop job", "schedule", s.cfg.DailySpec)
	}

	if _, err := s.cron.AddFunc(s.cfg.ReconcileSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		resolved, err := s.exec.ReconcileRewards(ctx)
		if err != nil {
			s.logger.Error("reward reconcile sweep failed", "error", err)
			return
		}
		if resolved > 0 {
			s.logger.Info("reward reconcile sweep resolved transactions", "count", resolved)
		}
	}); err != nil {
		s.logger.Error("failed to register reconcile job", "error", err)
	} else {
		s.logger.Info("registered reconcile job", "schedule", s.cfg.ReconcileSpec)
	}

	s.cron.Start()
}

// Stop halts the cron runner and stops all armed timers.
func (s *DropScheduler) Stop() context.Context {
	s.mu.Lock()
	for id, t := range s.timers {
		if t.drop != nil {
			t.drop.Stop()
		}
		if t.expiry != nil {
			t.expiry.Stop()
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()
	return s.cron.Stop()
}
