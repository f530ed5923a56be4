/**
 * @description
 * This file defines the Drop domain model: a reward opportunity that becomes
 * claimable at an unpredictable moment and that at most one claimant may win.
 * It also defines the reward configuration and eligibility criteria attached
 * to each drop, plus the request/filter shapes used by the API layer.
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

// DropStatus is the lifecycle state of a Drop.
// Valid transitions: scheduled -> dropped -> claimed | expired,
// and scheduled|dropped -> cancelled via manual override.
type DropStatus string

const (
	DropStatusScheduled DropStatus = "scheduled"
	DropStatusDropped   DropStatus = "dropped"
	DropStatusClaimed   DropStatus = "claimed"
	DropStatusExpired   DropStatus = "expired"
	DropStatusCancelled DropStatus = "cancelled"
)

// Terminal reports whether no further lifecycle transition is allowed.
func (s DropStatus) Terminal() bool {
	return s == DropStatusClaimed || s == DropStatusExpired || s == DropStatusCancelled
}

// RewardConfig holds the parameters the reward calculator applies to a
// winning claim. Amounts are in whole currency units with two decimal places.
type RewardConfig struct {
	BaseAmount             float64 `json:"base_amount"`
	Currency               string  `json:"currency"`
	SpeedMultiplier        float64 `json:"speed_multiplier"`
	StreakMultiplier       float64 `json:"streak_multiplier"`
	WeekendBonus           float64 `json:"weekend_bonus"`
	SpecialEventMultiplier float64 `json:"special_event_multiplier"`
	MinRewardAmount        float64 `json:"min_reward_amount"`
	MaxRewardAmount        float64 `json:"max_reward_amount"`
}

// Eligibility describes who may claim a drop. An empty EligibleClaimants
// slice means the drop is open to every claimant.
type Eligibility struct {
	WinnerCooldownDays int         `json:"winner_cooldown_days"`
	WeeklyWinCap       int         `json:"weekly_win_cap"`
	EligibleClaimants  []uuid.UUID `json:"eligible_claimants,omitempty"`
}

// Drop is one reward opportunity.
//
// Invariants: at most one non-nil winner; ActualDropTime is set if and only
// if the status is dropped, claimed or expired; ClaimedAt implies claimed.
type Drop struct {
	ID                uuid.UUID    `json:"id"`
	SequenceNumber    int64        `json:"sequence_number"`
	Status            DropStatus   `json:"status"`
	ScheduledTime     time.Time    `json:"scheduled_time"`
	ActualDropTime    *time.Time   `json:"actual_drop_time,omitempty"`
	ExpiresAt         time.Time    `json:"expires_at"`
	ClaimedAt         *time.Time   `json:"claimed_at,omitempty"`
	WinnerID          *uuid.UUID   `json:"winner_id,omitempty"`
	Reward            RewardConfig `json:"reward"`
	Eligibility       Eligibility  `json:"eligibility"`
	NotificationCount int          `json:"notification_count"`
	TotalAttempts     int          `json:"total_attempts"`
	UniqueClaimants   int          `json:"unique_claimants"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// CreateDropRequest is the operator payload for creating an ad-hoc drop.
type CreateDropRequest struct {
	ScheduledTime   time.Time    `json:"scheduled_time"`
	ExpiryInMinutes int          `json:"expiry_in_minutes"`
	Reward          RewardConfig `json:"reward"`
	Eligibility     Eligibility  `json:"eligibility"`
}

// DropListFilter narrows admin drop listings.
type DropListFilter struct {
	Status     *DropStatus
	From       *time.Time
	To         *time.Time
	ClaimantID *uuid.UUID
	Limit      int
	Offset     int
}

// AggregateStats is the service-wide reward/claim summary exposed to operators.
type AggregateStats struct {
	TotalDrops       int64   `json:"total_drops"`
	ClaimedDrops     int64   `json:"claimed_drops"`
	ExpiredDrops     int64   `json:"expired_drops"`
	TotalAttempts    int64   `json:"total_attempts"`
	UniqueWinners    int64   `json:"unique_winners"`
	TotalRewardPaid  float64 `json:"total_reward_paid"`
	PendingDispatch  int64   `json:"pending_dispatch"`
	FailedDispatch   int64   `json:"failed_dispatch"`
}
