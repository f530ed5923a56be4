/**
 * @description
 * This file defines the ClaimantProfile domain model: the rolling per-claimant
 * aggregate that feeds eligibility checks, risk screening and streak-based
 * reward multipliers.
 *
 * @dependencies
 * - time: Standard Go library.
 * - github.com/google/uuid: For UUID identifiers.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// ClaimantProfile is the per-claimant rolling aggregate read by the
// eligibility checks, the risk screener and the reward multiplier logic.
// It is mutated only as a side effect of a finalized claim event.
type ClaimantProfile struct {
	ClaimantID       uuid.UUID  `json:"claimant_id"`
	TotalAttempts    int64      `json:"total_attempts"`
	SuccessfulClaims int64      `json:"successful_claims"`
	CumulativeReward float64    `json:"cumulative_reward"`
	CurrentStreak    int        `json:"current_streak"`
	LongestStreak    int        `json:"longest_streak"`
	LastWinDate      *time.Time `json:"last_win_date,omitempty"`
	MeanLatencyMS    float64    `json:"mean_latency_ms"`
	WeeklyWinCount   int        `json:"weekly_win_count"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
