/**
 * @description
 * This file contains the reward calculation for a winning claim. The
 * calculation is a pure function of the drop's reward configuration, the
 * claimant's latency and streak, and the claim time; it touches no I/O so
 * the same inputs always produce the same payout.
 *
 * Bonuses multiply the base amount in a fixed order:
 *   base x (1 + speedBonus x speedMultiplier)
 *        x (1 + streak x streakMultiplier)
 *        x specialEventMultiplier
 *        x (1 + weekendBonus)       [Saturday/Sunday only]
 * The result is clamped to the configured [min, max] range and rounded to
 * two decimal places.
 */

package app

import (
	"math"
	"time"

	"github.com/rewardrush/claim-service/internal/domain"
)

// speedBonusWindowMS is the latency range over which the speed bonus decays
// linearly to zero. A claim 10 seconds or more after the drop earns no bonus.
const speedBonusWindowMS = 10_000

// ComputeReward calculates the payout for a winning claim.
//
// A negative latency (clock skew between the drop stamp and the attempt
// stamp) counts as instant, a negative streak counts as zero, and a
// non-positive special event multiplier is treated as 1 so a misconfigured
// drop cannot zero out a payout.
func ComputeReward(cfg domain.RewardConfig, latencyMS int64, streak int, claimedAt time.Time) float64 {
	speedBonus := 1.0 - float64(latencyMS)/float64(speedBonusWindowMS)
	if latencyMS < 0 {
		speedBonus = 1.0
	}
	if speedBonus < 0 {
		speedBonus = 0
	}

	if streak < 0 {
		streak = 0
	}

	special := cfg.SpecialEventMultiplier
	if special <= 0 {
		special = 1.0
	}

	amount := cfg.BaseAmount
	amount *= 1.0 + speedBonus*cfg.SpeedMultiplier
	amount *= 1.0 + float64(streak)*cfg.StreakMultiplier
	amount *= special

	if wd := claimedAt.Weekday(); wd == time.Saturday || wd == time.Sunday {
		amount *= 1.0 + cfg.WeekendBonus
	}

	if cfg.MaxRewardAmount > 0 && amount > cfg.MaxRewardAmount {
		amount = cfg.MaxRewardAmount
	}
	if amount < cfg.MinRewardAmount {
		amount = cfg.MinRewardAmount
	}

	return math.Round(amount*100) / 100
}
