/**
 * @description
 * This file implements the risk screener that scores every claim attempt
 * before a winner is committed. The score is the mean of the contributing
 * signals, clamped to [0, 1], and maps onto three tiers:
 *
 *   - score <  0.5           allow
 *   - 0.5 <= score < 0.8     review (flagged for audit, claim proceeds)
 *   - score >= 0.8           block (claim denied as suspicious)
 *
 * Signal lookups that need the database degrade gracefully: a failed lookup
 * drops that signal from the mean rather than failing the claim.
 *
 * @dependencies
 * - internal/store: For fingerprint and attempt-history lookups.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/rewardrush/claim-service/internal/domain"
	"github.com/rewardrush/claim-service/internal/store"
)

// Risk tier boundaries.
const (
	RiskReviewThreshold = 0.5
	RiskBlockThreshold  = 0.8
)

// RiskVerdict is the screener's decision for one claim attempt.
type RiskVerdict struct {
	Score   float64
	Review  bool
	Blocked bool
	// Signals holds the per-signal scores that contributed to the mean,
	// keyed by signal name. Kept for audit logging.
	Signals map[string]float64
}

// RiskScreener scores claim attempts using latency, behavioral history,
// device fingerprint sharing, and network origin signals.
type RiskScreener struct {
	repo store.Repository

	// fingerprintLookback bounds how far back the shared-fingerprint
	// signal searches the attempt log.
	fingerprintLookback time.Duration
	// burstLookback bounds the behavioral burst-attempt signal.
	burstLookback time.Duration
}

// NewRiskScreener creates a screener backed by the given repository.
func NewRiskScreener(repo store.Repository) *RiskScreener {
	return &RiskScreener{
		repo:                repo,
		fingerprintLookback: 30 * 24 * time.Hour,
		burstLookback:       10 * time.Minute,
	}
}

// Screen scores one claim attempt. It never returns an error: signals that
// cannot be computed are skipped and the rest carry the decision.
func (s *RiskScreener) Screen(ctx context.Context, claimantID uuid.UUID, latencyMS int64, claimCtx domain.ClaimContext, profile *domain.ClaimantProfile) RiskVerdict {
	signals := map[string]float64{}

	// 1. Reaction latency. Sub-human reaction times are the strongest
	// automation tell: under 100ms is near-impossible for a person
	// responding to a push notification.
	switch {
	case latencyMS < 100:
		signals["latency"] = 0.8
	case latencyMS < 500:
		signals["latency"] = 0.3
	default:
		signals["latency"] = 0.0
	}

	// 2. Behavioral history: a burst of attempts in a short window, or a
	// consistently machine-fast mean latency across past attempts. The
	// profile half stands on its own; a failed burst lookup only drops
	// the burst half.
	behavioral := 0.0
	burstKnown := false
	attempts, err := s.repo.CountRecentAttemptsByClaimant(ctx, claimantID, time.Now().Add(-s.burstLookback))
	if err != nil {
		log.Printf("level=warn component=risk_screener msg=\"burst lookup failed, skipping signal\" claimant_id=%s error=%v", claimantID, err)
	} else {
		burstKnown = true
		if attempts >= 10 {
			behavioral = 0.5
		}
	}
	machineFastProfile := profile != nil && profile.TotalAttempts >= 5 && profile.MeanLatencyMS > 0 && profile.MeanLatencyMS < 300
	if machineFastProfile {
		behavioral += 0.4
	}
	if burstKnown || machineFastProfile {
		if behavioral > 1.0 {
			behavioral = 1.0
		}
		signals["behavioral"] = behavioral
	}

	// 3. Device fingerprint sharing. A fingerprint presented by more than
	// one claimant suggests account farming; more than three is treated
	// as near-certain abuse regardless of the other signals. An absent
	// fingerprint skips the signal entirely.
	nearCertainAbuse := false
	if claimCtx.Fingerprint != "" {
		holders, err := s.repo.CountDistinctClaimantsByFingerprint(ctx, claimCtx.Fingerprint, time.Now().Add(-s.fingerprintLookback))
		if err != nil {
			log.Printf("level=warn component=risk_screener msg=\"fingerprint lookup failed, skipping signal\" claimant_id=%s error=%v", claimantID, err)
		} else {
			switch {
			case holders > 3:
				signals["fingerprint"] = 0.9
				nearCertainAbuse = true
			case holders > 1:
				signals["fingerprint"] = 0.6
			default:
				signals["fingerprint"] = 0.0
			}
		}
	}

	// 4. Network origin. Relays and proxies get a small bump, and missing
	// network data gets a small default rather than a free pass.
	switch claimCtx.NetworkOrigin {
	case domain.NetworkOriginRelay, domain.NetworkOriginProxy:
		signals["network"] = 0.2
	case "":
		signals["network"] = 0.1
	default:
		signals["network"] = 0.0
	}

	verdict := RiskVerdict{Signals: signals}
	if len(signals) == 0 {
		return verdict
	}

	sum := 0.0
	for _, v := range signals {
		sum += v
	}
	score := sum / float64(len(signals))
	if nearCertainAbuse && score < 0.9 {
		// The averaged score would let heavy fingerprint farming slip
		// under the block line when the other signals look clean.
		score = 0.9
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	verdict.Score = score
	verdict.Review = score >= RiskReviewThreshold && score < RiskBlockThreshold
	verdict.Blocked = score >= RiskBlockThreshold
	return verdict
}
