/**
 * @description
 * This file defines the ClaimEvent model (one claimant's recorded attempt
 * against one drop), the typed reason codes every failed claim carries, the
 * structured result returned to callers, and the reward transaction record
 * that links a winning claim to its ledger transfer.
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

// ClaimReason is the typed outcome code attached to a finished claim attempt.
type ClaimReason string

const (
	ClaimReasonNone               ClaimReason = ""
	ClaimReasonAlreadyClaimed     ClaimReason = "already_claimed"
	ClaimReasonExpired            ClaimReason = "expired"
	ClaimReasonNotDropped         ClaimReason = "not_dropped"
	ClaimReasonNotEligible        ClaimReason = "not_eligible"
	ClaimReasonRateLimited        ClaimReason = "rate_limited"
	ClaimReasonSuspiciousActivity ClaimReason = "suspicious_activity"
	ClaimReasonSystemError        ClaimReason = "system_error"
)

const (
	ClaimOutcomeSuccess = "success"
	ClaimOutcomeFailure = "failure"
)

// Known network origin labels supplied by the transport layer.
const (
	NetworkOriginRelay       = "relay"
	NetworkOriginProxy       = "proxy"
	NetworkOriginResidential = "residential"
)

// ClaimContext carries the per-request signals the risk screener consumes.
type ClaimContext struct {
	Fingerprint   string `json:"fingerprint,omitempty"`
	NetworkOrigin string `json:"network_origin,omitempty"`
}

// ClaimEvent is the immutable audit record of a single claim attempt.
// Latency is measured against the drop's actual drop time, never the
// scheduled time, and is floored at zero.
type ClaimEvent struct {
	ID             uuid.UUID   `json:"id"`
	DropID         uuid.UUID   `json:"drop_id"`
	ClaimantID     uuid.UUID   `json:"claimant_id"`
	AttemptedAt    time.Time   `json:"attempted_at"`
	LatencyMS      int64       `json:"latency_ms"`
	Outcome        string      `json:"outcome"`
	Reason         ClaimReason `json:"reason,omitempty"`
	Fingerprint    string      `json:"fingerprint,omitempty"`
	NetworkOrigin  string      `json:"network_origin,omitempty"`
	AwardedAmount  *float64    `json:"awarded_amount,omitempty"`
	TransactionID  *uuid.UUID  `json:"transaction_id,omitempty"`
	Suspicious     bool        `json:"suspicious"`
	SuspicionScore float64     `json:"suspicion_score"`
}

// ClaimResult is the structured response for every claim attempt. Failures
// are normal results with a reason code, never bare errors.
type ClaimResult struct {
	Success           bool        `json:"success"`
	Reason            ClaimReason `json:"reason,omitempty"`
	Message           string      `json:"message"`
	EligibilityIssues []string    `json:"eligibility_issues,omitempty"`
	RetryAfterSeconds int         `json:"retry_after_seconds,omitempty"`
	AwardedAmount     float64     `json:"awarded_amount,omitempty"`
	Currency          string      `json:"currency,omitempty"`
	TransactionID     *uuid.UUID  `json:"transaction_id,omitempty"`
	LedgerRef         *string     `json:"ledger_ref,omitempty"`
	NextDropHint      *time.Time  `json:"next_drop_hint,omitempty"`
}

// RewardTransactionStatus tracks a dispatched reward through the external ledger.
type RewardTransactionStatus string

const (
	RewardTransactionPending   RewardTransactionStatus = "pending"
	RewardTransactionConfirmed RewardTransactionStatus = "confirmed"
	RewardTransactionFailed    RewardTransactionStatus = "failed"
)

// RewardTransaction is the 1:1 dispatch record for a winning claim event.
// Retries reuse the same record so the ClaimEvent -> transaction lineage
// stays auditable.
type RewardTransaction struct {
	ID            uuid.UUID               `json:"id"`
	ClaimEventID  uuid.UUID               `json:"claim_event_id"`
	ClaimantID    uuid.UUID               `json:"claimant_id"`
	Amount        float64                 `json:"amount"`
	Currency      string                  `json:"currency"`
	LedgerRef     *string                 `json:"ledger_ref,omitempty"`
	Status        RewardTransactionStatus `json:"status"`
	FailureReason *string                 `json:"failure_reason,omitempty"`
	RetryCount    int                     `json:"retry_count"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
}
