/**
 * @description
 * This file contains the core business logic of the claim service: the
 * arbitration workflow that resolves racing claim attempts into exactly one
 * winner per drop, and the drop lifecycle operations the scheduler and
 * admin API drive.
 *
 * Every claim attempt, whatever its outcome, produces exactly one finalized
 * claim event row. The workflow holds the drop's distributed lock only for
 * the expensive middle section (risk screening, reward dispatch, winner
 * commit); cheap pre-filters run before the lock so losers are turned away
 * without serializing on it.
 *
 * @dependencies
 * - internal/store: Persistence for drops, claim events, and profiles.
 * - pkg/rabbitmq: Fire-and-forget lifecycle event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/rewardrush/claim-service/internal/domain"
	"github.com/rewardrush/claim-service/internal/store"
	"github.com/rewardrush/claim-service/pkg/rabbitmq"
)

// Service implements claim arbitration and the drop lifecycle.
type Service struct {
	repo       store.Repository
	locker     DropLocker
	limiter    RateLimiter
	screener   *RiskScreener
	dispatcher *Dispatcher
	publisher  rabbitmq.Publisher

	// claimWindow is how long a drop stays claimable after firing.
	claimWindow time.Duration
	// reconcileAfter is how long a pending reward transaction may sit
	// untouched before the sweep resolves it.
	reconcileAfter time.Duration

	// now is swappable in tests.
	now func() time.Time
}

// NewService wires the arbitration workflow together.
func NewService(
	repo store.Repository,
	locker DropLocker,
	limiter RateLimiter,
	screener *RiskScreener,
	dispatcher *Dispatcher,
	publisher rabbitmq.Publisher,
	claimWindow time.Duration,
	reconcileAfter time.Duration,
) *Service {
	return &Service{
		repo:           repo,
		locker:         locker,
		limiter:        limiter,
		screener:       screener,
		dispatcher:     dispatcher,
		publisher:      publisher,
		claimWindow:    claimWindow,
		reconcileAfter: reconcileAfter,
		now:            time.Now,
	}
}

// Claim runs the full arbitration workflow for one claim attempt.
//
// The returned ClaimResult is always usable for an API response; the error
// return is reserved for cases where not even a failure result could be
// produced (e.g. the attempt could not be recorded).
func (s *Service) Claim(ctx context.Context, dropID, claimantID uuid.UUID, claimCtx domain.ClaimContext) (*domain.ClaimResult, error) {
	attemptedAt := s.now()

	event := &domain.ClaimEvent{
		ID:            uuid.New(),
		DropID:        dropID,
		ClaimantID:    claimantID,
		AttemptedAt:   attemptedAt,
		Outcome:       domain.ClaimOutcomeFailure,
		Reason:        domain.ClaimReasonSystemError,
		Fingerprint:   claimCtx.Fingerprint,
		NetworkOrigin: claimCtx.NetworkOrigin,
	}
	if err := s.repo.CreateClaimEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to record claim attempt: %w", err)
	}
	if err := s.repo.IncrementDropAttemptCounters(ctx, dropID, claimantID); err != nil {
		log.Printf("level=warn component=claim_service msg=\"failed to bump drop attempt counters\" drop_id=%s error=%v", dropID, err)
	}

	// Step 1: availability pre-filter. Cheap rejections before any lock
	// or rate-limit state is touched.
	drop, err := s.repo.FindDropByID(ctx, dropID)
	if err != nil {
		if errors.Is(err, store.ErrDropNotFound) {
			return s.finalizeFailure(ctx, event, domain.ClaimReasonNotDropped, "drop does not exist", 0)
		}
		return s.finalizeFailure(ctx, event, domain.ClaimReasonSystemError, "drop lookup failed", 0)
	}
	if reason, msg := availabilityReason(drop, attemptedAt); reason != "" {
		result, err := s.finalizeFailure(ctx, event, reason, msg, 0)
		if err == nil && reason == domain.ClaimReasonNotDropped {
			s.attachNextDropHint(ctx, result)
		}
		return result, err
	}

	latencyMS := attemptLatencyMS(drop, attemptedAt)
	event.LatencyMS = latencyMS

	if err := s.repo.RecordProfileAttempt(ctx, claimantID, latencyMS); err != nil {
		log.Printf("level=warn component=claim_service msg=\"failed to record profile attempt\" claimant_id=%s error=%v", claimantID, err)
	}

	// Step 2: eligibility. All problems are collected so the claimant
	// learns every reason at once.
	profile, err := s.repo.FindClaimantProfile(ctx, claimantID)
	if err != nil {
		return s.finalizeFailure(ctx, event, domain.ClaimReasonSystemError, "claimant profile lookup failed", 0)
	}
	issues, err := s.eligibilityIssues(ctx, drop, claimantID, profile, attemptedAt)
	if err != nil {
		return s.finalizeFailure(ctx, event, domain.ClaimReasonSystemError, "eligibility check failed", 0)
	}
	if len(issues) > 0 {
		result, ferr := s.finalizeFailure(ctx, event, domain.ClaimReasonNotEligible, "claimant is not eligible for this drop", 0)
		if result != nil {
			result.EligibilityIssues = issues
		}
		return result, ferr
	}

	// Step 3: rate limit, then the drop lock. Both fail closed: if the
	// backing store is unreachable the attempt is rejected rather than
	// waved through.
	allowed, retryAfter, err := s.limiter.Allow(ctx, claimantID.String())
	if err != nil {
		log.Printf("level=error component=claim_service msg=\"rate limiter unreachable, failing closed\" claimant_id=%s error=%v", claimantID, err)
		return s.finalizeFailure(ctx, event, domain.ClaimReasonSystemError, "claim processing is temporarily unavailable", 0)
	}
	if !allowed {
		secs := int(retryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		return s.finalizeFailure(ctx, event, domain.ClaimReasonRateLimited, "too many claim attempts", secs)
	}

	lease, acquired, err := s.locker.Acquire(ctx, dropID, claimantID)
	if err != nil {
		log.Printf("level=error component=claim_service msg=\"lock store unreachable, failing closed\" drop_id=%s error=%v", dropID, err)
		return s.finalizeFailure(ctx, event, domain.ClaimReasonSystemError, "claim processing is temporarily unavailable", 0)
	}
	if !acquired {
		// Someone else is mid-claim. By the time they release, the drop
		// is either claimed or still open; the claimant may retry.
		return s.finalizeFailure(ctx, event, domain.ClaimReasonAlreadyClaimed, "another claim is being processed for this drop", 0)
	}
	defer func() {
		if err := s.locker.Release(ctx, lease); err != nil {
			log.Printf("level=warn component=claim_service msg=\"lock release failed, lease will expire\" drop_id=%s error=%v", dropID, err)
		}
	}()

	// Re-check the drop inside the lock: its state may have moved while
	// we raced for the lease.
	drop, err = s.repo.FindDropByID(ctx, dropID)
	if err != nil {
		return s.finalizeFailure(ctx, event, domain.ClaimReasonSystemError, "drop lookup failed", 0)
	}
	if reason, msg := availabilityReason(drop, s.now()); reason != "" {
		return s.finalizeFailure(ctx, event, reason, msg, 0)
	}

	// Step 4: risk screening, inside the lock so a blocked claimant
	// cannot win the race while being screened.
	verdict := s.screener.Screen(ctx, claimantID, latencyMS, claimCtx, profile)
	event.Suspicious = verdict.Review || verdict.Blocked
	event.SuspicionScore = verdict.Score
	if verdict.Blocked {
		log.Printf("level=warn component=claim_service msg=\"claim blocked as suspicious\" drop_id=%s claimant_id=%s score=%.2f", dropID, claimantID, verdict.Score)
		return s.finalizeFailure(ctx, event, domain.ClaimReasonSuspiciousActivity, "claim flagged by risk screening", 0)
	}
	if verdict.Review {
		log.Printf("level=warn component=claim_service msg=\"claim flagged for review\" drop_id=%s claimant_id=%s score=%.2f", dropID, claimantID, verdict.Score)
	}

	// Step 5: compute and dispatch the reward. A dispatch failure leaves
	// the drop unclaimed so the race stays open for other claimants.
	amount := ComputeReward(drop.Reward, latencyMS, profile.CurrentStreak, attemptedAt)
	tx, err := s.dispatcher.Dispatch(ctx, event.ID, claimantID, amount, drop.Reward.Currency)
	if err != nil {
		log.Printf("level=error component=claim_service msg=\"reward dispatch failed, drop remains claimable\" drop_id=%s claimant_id=%s error=%v", dropID, claimantID, err)
		return s.finalizeFailure(ctx, event, domain.ClaimReasonSystemError, "reward could not be dispatched", 0)
	}

	// Step 6: commit the winner. The reward has been submitted; a failure
	// here is an inconsistency that must be surfaced loudly, not rolled
	// into an ordinary claim failure.
	claimedAt := s.now()
	if err := s.repo.CommitDropWinner(ctx, dropID, claimantID, claimedAt); err != nil {
		log.Printf("level=error component=claim_service msg=\"CRITICAL: reward dispatched but winner commit failed\" drop_id=%s claimant_id=%s transaction_id=%s error=%v", dropID, claimantID, tx.ID, err)
		return s.finalizeFailure(ctx, event, domain.ClaimReasonSystemError, "claim could not be completed", 0)
	}

	if err := s.repo.RecordProfileWin(ctx, claimantID, amount, claimedAt); err != nil {
		log.Printf("level=warn component=claim_service msg=\"failed to record profile win\" claimant_id=%s error=%v", claimantID, err)
	}

	event.Outcome = domain.ClaimOutcomeSuccess
	event.Reason = ""
	event.AwardedAmount = &amount
	event.TransactionID = &tx.ID
	if err := s.repo.FinalizeClaimEvent(ctx, event.ID, store.FinalizeClaimEventParams{
		Outcome:        domain.ClaimOutcomeSuccess,
		LatencyMS:      latencyMS,
		AwardedAmount:  &amount,
		TransactionID:  &tx.ID,
		Suspicious:     event.Suspicious,
		SuspicionScore: event.SuspicionScore,
	}); err != nil {
		log.Printf("level=error component=claim_service msg=\"failed to finalize winning claim event\" event_id=%s error=%v", event.ID, err)
	}

	// Notify downstream consumers. Fire-and-forget: the claim is already
	// durable.
	if err := s.publisher.Publish(ctx, rabbitmq.EventsExchange, rabbitmq.RoutingKeyClaimSucceeded, rabbitmq.ClaimSucceededEvent{
		DropID:        dropID,
		ClaimantID:    claimantID,
		AwardedAmount: amount,
		Currency:      drop.Reward.Currency,
		LatencyMS:     latencyMS,
		Timestamp:     claimedAt,
	}); err != nil {
		log.Printf("level=warn component=claim_service msg=\"claim succeeded event publish failed\" drop_id=%s error=%v", dropID, err)
	}

	return &domain.ClaimResult{
		Success:       true,
		Message:       "claim successful",
		AwardedAmount: amount,
		Currency:      drop.Reward.Currency,
		TransactionID: &tx.ID,
		LedgerRef:     tx.LedgerRef,
	}, nil
}

// availabilityReason maps a drop's current state to a claim rejection
// reason, or "" when the drop is claimable.
func availabilityReason(drop *domain.Drop, at time.Time) (domain.ClaimReason, string) {
	switch drop.Status {
	case domain.DropStatusScheduled:
		return domain.ClaimReasonNotDropped, "drop has not happened yet"
	case domain.DropStatusClaimed:
		return domain.ClaimReasonAlreadyClaimed, "drop has already been claimed"
	case domain.DropStatusExpired:
		return domain.ClaimReasonExpired, "drop claim window has closed"
	case domain.DropStatusCancelled:
		return domain.ClaimReasonNotDropped, "drop was cancelled"
	}
	if at.After(drop.ExpiresAt) {
		// The expiry timer has not fired yet but the window is over.
		return domain.ClaimReasonExpired, "drop claim window has closed"
	}
	if drop.WinnerID != nil {
		return domain.ClaimReasonAlreadyClaimed, "drop has already been claimed"
	}
	return "", ""
}

// attemptLatencyMS measures the claimant's reaction time against the
// drop's actual fire time, floored at zero to absorb clock skew.
func attemptLatencyMS(drop *domain.Drop, attemptedAt time.Time) int64 {
	if drop.ActualDropTime == nil {
		return 0
	}
	latency := attemptedAt.Sub(*drop.ActualDropTime).Milliseconds()
	if latency < 0 {
		return 0
	}
	return latency
}

// eligibilityIssues collects every reason the claimant cannot take this drop.
func (s *Service) eligibilityIssues(ctx context.Context, drop *domain.Drop, claimantID uuid.UUID, profile *domain.ClaimantProfile, at time.Time) ([]string, error) {
	var issues []string

	if len(drop.Eligibility.EligibleClaimants) > 0 {
		member := false
		for _, id := range drop.Eligibility.EligibleClaimants {
			if id == claimantID {
				member = true
				break
			}
		}
		if !member {
			issues = append(issues, "claimant is not in this drop's eligible set")
		}
	}

	if cooldown := drop.Eligibility.WinnerCooldownDays; cooldown > 0 && profile.LastWinDate != nil {
		cooldownEnds := profile.LastWinDate.Add(time.Duration(cooldown) * 24 * time.Hour)
		if at.Before(cooldownEnds) {
			issues = append(issues, fmt.Sprintf("winner cooldown active until %s", cooldownEnds.UTC().Format(time.RFC3339)))
		}
	}

	if cap := drop.Eligibility.WeeklyWinCap; cap > 0 {
		wins, err := s.repo.CountClaimantWinsSince(ctx, claimantID, at.Add(-7*24*time.Hour))
		if err != nil {
			return nil, err
		}
		if wins >= cap {
			issues = append(issues, fmt.Sprintf("weekly win cap of %d reached", cap))
		}
	}

	return issues, nil
}

// finalizeFailure writes the attempt's terminal failure state and shapes
// the API-facing result.
func (s *Service) finalizeFailure(ctx context.Context, event *domain.ClaimEvent, reason domain.ClaimReason, message string, retryAfterSec int) (*domain.ClaimResult, error) {
	event.Outcome = domain.ClaimOutcomeFailure
	event.Reason = reason
	if err := s.repo.FinalizeClaimEvent(ctx, event.ID, store.FinalizeClaimEventParams{
		Outcome:        domain.ClaimOutcomeFailure,
		Reason:         reason,
		LatencyMS:      event.LatencyMS,
		Suspicious:     event.Suspicious,
		SuspicionScore: event.SuspicionScore,
	}); err != nil {
		log.Printf("level=error component=claim_service msg=\"failed to finalize claim event\" event_id=%s reason=%s error=%v", event.ID, reason, err)
	}

	return &domain.ClaimResult{
		Success:           false,
		Reason:            reason,
		Message:           message,
		RetryAfterSeconds: retryAfterSec,
	}, nil
}

func (s *Service) attachNextDropHint(ctx context.Context, result *domain.ClaimResult) {
	next, err := s.repo.NextScheduledDropTime(ctx, s.now())
	if err != nil {
		log.Printf("level=warn component=claim_service msg=\"next drop hint lookup failed\" error=%v", err)
		return
	}
	result.NextDropHint = next
}

// CreateDrop validates and persists an operator-defined drop.
func (s *Service) CreateDrop(ctx context.Context, req domain.CreateDropRequest) (*domain.Drop, error) {
	if err := validateRewardConfig(req.Reward); err != nil {
		return nil, err
	}
	if req.ScheduledTime.Before(s.now()) {
		return nil, errors.New("scheduled time must be in the future")
	}
	if req.ExpiryInMinutes < 0 {
		return nil, errors.New("expiry in minutes must not be negative")
	}
	window := s.claimWindow
	if req.ExpiryInMinutes > 0 {
		window = time.Duration(req.ExpiryInMinutes) * time.Minute
	}

	drop := &domain.Drop{
		ID:            uuid.New(),
		Status:        domain.DropStatusScheduled,
		ScheduledTime: req.ScheduledTime,
		ExpiresAt:     req.ScheduledTime.Add(window),
		Reward:        req.Reward,
		Eligibility:   req.Eligibility,
	}
	return s.repo.CreateDrop(ctx, drop)
}

func validateRewardConfig(cfg domain.RewardConfig) error {
	if cfg.BaseAmount <= 0 {
		return errors.New("base amount must be positive")
	}
	if cfg.Currency == "" {
		return errors.New("currency is required")
	}
	if cfg.MinRewardAmount < 0 {
		return errors.New("minimum reward must not be negative")
	}
	if cfg.MaxRewardAmount > 0 && cfg.MaxRewardAmount < cfg.MinRewardAmount {
		return errors.New("maximum reward must not be below the minimum")
	}
	return nil
}

// UpdateDropReward replaces the reward configuration of a pending drop.
func (s *Service) UpdateDropReward(ctx context.Context, dropID uuid.UUID, reward domain.RewardConfig) (*domain.Drop, error) {
	if err := validateRewardConfig(reward); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateDropReward(ctx, dropID, reward); err != nil {
		return nil, err
	}
	return s.repo.FindDropByID(ctx, dropID)
}

// CancelDrop applies the operator cancel override.
func (s *Service) CancelDrop(ctx context.Context, dropID uuid.UUID) (*domain.Drop, error) {
	cancelled, err := s.repo.CancelDrop(ctx, dropID)
	if err != nil {
		return nil, err
	}
	if !cancelled {
		// Either missing or already terminal; distinguish for the caller.
		if _, findErr := s.repo.FindDropByID(ctx, dropID); findErr != nil {
			return nil, findErr
		}
		return nil, store.ErrDropNotClaimable
	}
	return s.repo.FindDropByID(ctx, dropID)
}

// PerformDrop transitions a scheduled drop to claimable and announces it.
// Called by the scheduler when a drop timer fires.
func (s *Service) PerformDrop(ctx context.Context, dropID uuid.UUID) error {
	droppedAt := s.now()

	drop, err := s.repo.FindDropByID(ctx, dropID)
	if err != nil {
		return err
	}
	// Keep the window the drop was created with; operator drops may carry
	// an expiry override longer or shorter than the default.
	window := s.claimWindow
	if w := drop.ExpiresAt.Sub(drop.ScheduledTime); w > 0 {
		window = w
	}
	expiresAt := droppedAt.Add(window)

	fired, err := s.repo.MarkDropDropped(ctx, dropID, droppedAt, expiresAt)
	if err != nil {
		return err
	}
	if !fired {
		// Cancelled or already fired; nothing to announce.
		log.Printf("level=warn component=claim_service msg=\"drop fire skipped, not in scheduled state\" drop_id=%s", dropID)
		return nil
	}

	if err := s.publisher.Publish(ctx, rabbitmq.EventsExchange, rabbitmq.RoutingKeyDropOccurred, rabbitmq.DropOccurredEvent{
		DropID:    dropID,
		ExpiresAt: expiresAt,
		Timestamp: droppedAt,
	}); err != nil {
		log.Printf("level=warn component=claim_service msg=\"drop occurred event publish failed\" drop_id=%s error=%v", dropID, err)
	} else if err := s.repo.IncrementDropNotificationCount(ctx, dropID); err != nil {
		log.Printf("level=warn component=claim_service msg=\"failed to bump notification count\" drop_id=%s error=%v", dropID, err)
	}

	log.Printf("level=info component=claim_service msg=\"drop is live\" drop_id=%s expires_at=%s", dropID, expiresAt.UTC().Format(time.RFC3339))
	return nil
}

// ExpireDrop closes an unclaimed drop's window. Called by the scheduler
// when an expiry timer fires; a drop claimed in the meantime is untouched.
func (s *Service) ExpireDrop(ctx context.Context, dropID uuid.UUID) error {
	expired, err := s.repo.MarkDropExpired(ctx, dropID)
	if err != nil {
		return err
	}
	if !expired {
		return nil
	}

	if err := s.publisher.Publish(ctx, rabbitmq.EventsExchange, rabbitmq.RoutingKeyDropExpired, rabbitmq.DropExpiredEvent{
		DropID:    dropID,
		Timestamp: s.now(),
	}); err != nil {
		log.Printf("level=warn component=claim_service msg=\"drop expired event publish failed\" drop_id=%s error=%v", dropID, err)
	}

	log.Printf("level=info component=claim_service msg=\"drop expired unclaimed\" drop_id=%s", dropID)
	return nil
}

// ReconcileRewards resolves stale pending reward transactions.
func (s *Service) ReconcileRewards(ctx context.Context) (int, error) {
	return s.dispatcher.Reconcile(ctx, s.reconcileAfter)
}

// RetryRewardTransaction resubmits a failed payout.
func (s *Service) RetryRewardTransaction(ctx context.Context, txID uuid.UUID) (*domain.RewardTransaction, error) {
	return s.dispatcher.Retry(ctx, txID)
}

// GetRewardTransaction fetches a dispatch record.
func (s *Service) GetRewardTransaction(ctx context.Context, txID uuid.UUID) (*domain.RewardTransaction, error) {
	return s.repo.FindRewardTransactionByID(ctx, txID)
}

// ResolveClaimant maps an authenticated subject to the internal claimant ID.
func (s *Service) ResolveClaimant(ctx context.Context, authSubject string) (uuid.UUID, error) {
	id, err := s.repo.FindClaimantIDByAuthSubject(ctx, authSubject)
	if err != nil {
		return uuid.Nil, err
	}
	claimantID, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("claimant id %q is not a UUID: %w", id, err)
	}
	return claimantID, nil
}

// GetDrop fetches a single drop.
func (s *Service) GetDrop(ctx context.Context, dropID uuid.UUID) (*domain.Drop, error) {
	return s.repo.FindDropByID(ctx, dropID)
}

// ListDrops lists drops for the admin API.
func (s *Service) ListDrops(ctx context.Context, filter domain.DropListFilter) ([]domain.Drop, error) {
	return s.repo.ListDrops(ctx, filter)
}

// GetClaimantStats returns a claimant's rolling profile.
func (s *Service) GetClaimantStats(ctx context.Context, claimantID uuid.UUID) (*domain.ClaimantProfile, error) {
	return s.repo.FindClaimantProfile(ctx, claimantID)
}

// ListClaimantClaims returns a claimant's attempt history.
func (s *Service) ListClaimantClaims(ctx context.Context, claimantID uuid.UUID, limit, offset int) ([]domain.ClaimEvent, error) {
	return s.repo.ListClaimEventsByClaimant(ctx, claimantID, limit, offset)
}

// GetAggregateStats returns the service-wide summary.
func (s *Service) GetAggregateStats(ctx context.Context) (*domain.AggregateStats, error) {
	return s.repo.GetAggregateStats(ctx)
}
