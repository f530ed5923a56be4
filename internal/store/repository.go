/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access operations required by the claim service. By defining
 * an interface, we decouple the arbitration logic from the specific database
 * implementation (PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rewardrush/claim-service/internal/domain"
)

var (
	ErrDropNotFound            = errors.New("drop not found")
	ErrClaimantNotFound        = errors.New("claimant not found")
	ErrDropNotClaimable        = errors.New("drop is not claimable")
	ErrWinnerAlreadyRecorded   = errors.New("drop already has a winner")
	ErrTransactionNotFound     = errors.New("reward transaction not found")
	ErrTransactionNotRetryable = errors.New("reward transaction is not in a retryable state")
)

// FinalizeClaimEventParams carries the terminal fields written once a claim
// attempt's workflow has finished.
type FinalizeClaimEventParams struct {
	Outcome        string
	Reason         domain.ClaimReason
	LatencyMS      int64
	AwardedAmount  *float64
	TransactionID  *uuid.UUID
	Suspicious     bool
	SuspicionScore float64
}

// Repository defines the set of methods for interacting with the database.
// Reads performed while a drop's claim lock is held must observe the latest
// committed state; the Postgres implementation satisfies this.
type Repository interface {
	// Claimant methods
	FindClaimantIDByAuthSubject(ctx context.Context, subject string) (string, error)

	// Drop methods
	CreateDrop(ctx context.Context, drop *domain.Drop) (*domain.Drop, error)
	FindDropByID(ctx context.Context, dropID uuid.UUID) (*domain.Drop, error)
	ListDrops(ctx context.Context, filter domain.DropListFilter) ([]domain.Drop, error)
	ListDropsByStatus(ctx context.Context, statuses ...domain.DropStatus) ([]domain.Drop, error)
	UpdateDropReward(ctx context.Context, dropID uuid.UUID, reward domain.RewardConfig) error
	MarkDropDropped(ctx context.Context, dropID uuid.UUID, droppedAt, expiresAt time.Time) (bool, error)
	MarkDropExpired(ctx context.Context, dropID uuid.UUID) (bool, error)
	CancelDrop(ctx context.Context, dropID uuid.UUID) (bool, error)
	CommitDropWinner(ctx context.Context, dropID, claimantID uuid.UUID, claimedAt time.Time) error
	IncrementDropAttemptCounters(ctx context.Context, dropID, claimantID uuid.UUID) error
	IncrementDropNotificationCount(ctx context.Context, dropID uuid.UUID) error
	NextScheduledDropTime(ctx context.Context, after time.Time) (*time.Time, error)

	// Claim event methods
	CreateClaimEvent(ctx context.Context, event *domain.ClaimEvent) error
	FinalizeClaimEvent(ctx context.Context, eventID uuid.UUID, params FinalizeClaimEventParams) error
	ListClaimEventsByClaimant(ctx context.Context, claimantID uuid.UUID, limit, offset int) ([]domain.ClaimEvent, error)
	CountDistinctClaimantsByFingerprint(ctx context.Context, fingerprint string, since time.Time) (int, error)
	CountRecentAttemptsByClaimant(ctx context.Context, claimantID uuid.UUID, since time.Time) (int, error)
	CountClaimantWinsSince(ctx context.Context, claimantID uuid.UUID, since time.Time) (int, error)

	// Claimant profile methods
	FindClaimantProfile(ctx context.Context, claimantID uuid.UUID) (*domain.ClaimantProfile, error)
	RecordProfileAttempt(ctx context.Context, claimantID uuid.UUID, latencyMS int64) error
	RecordProfileWin(ctx context.Context, claimantID uuid.UUID, amount float64, wonAt time.Time) error

	// Reward transaction methods
	CreateRewardTransaction(ctx context.Context, tx *domain.RewardTransaction) error
	FindRewardTransactionByID(ctx context.Context, txID uuid.UUID) (*domain.RewardTransaction, error)
	SetRewardTransactionLedgerRef(ctx context.Context, txID uuid.UUID, ledgerRef string) error
	UpdateRewardTransactionStatus(ctx context.Context, txID uuid.UUID, status domain.RewardTransactionStatus, failureReason *string) error
	MarkRewardTransactionRetrying(ctx context.Context, txID uuid.UUID) (bool, error)
	ListStaleRewardTransactions(ctx context.Context, cutoff time.Time, limit int) ([]domain.RewardTransaction, error)

	// Statistics
	GetAggregateStats(ctx context.Context) (*domain.AggregateStats, error)
}
