/**
 * @description
 * This file implements the `Repository` interface using PostgreSQL as the
 * backing database. It uses the pgx driver and a connection pool for
 * efficient access. The winner commit runs inside a transaction with a row
 * lock so the drop state check and mutation are atomic even if a caller
 * ever reaches it without holding the distributed claim lock.
 *
 * @dependencies
 * - context, errors, fmt, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver and connection pool.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rewardrush/claim-service/internal/domain"
)

// PostgresRepository is the PostgreSQL implementation of the Repository interface.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new repository with a database connection pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const dropColumns = `
	id, sequence_number, status, scheduled_time, actual_drop_time, expires_at,
	claimed_at, winner_id,
	base_amount, currency, speed_multiplier, streak_multiplier, weekend_bonus,
	special_event_multiplier, min_reward_amount, max_reward_amount,
	winner_cooldown_days, weekly_win_cap, eligible_claimants,
	notification_count, total_attempts, unique_claimants,
	created_at, updated_at
`

func scanDrop(row pgx.Row) (*domain.Drop, error) {
	var d domain.Drop
	err := row.Scan(
		&d.ID, &d.SequenceNumber, &d.Status, &d.ScheduledTime, &d.ActualDropTime, &d.ExpiresAt,
		&d.ClaimedAt, &d.WinnerID,
		&d.Reward.BaseAmount, &d.Reward.Currency, &d.Reward.SpeedMultiplier, &d.Reward.StreakMultiplier, &d.Reward.WeekendBonus,
		&d.Reward.SpecialEventMultiplier, &d.Reward.MinRewardAmount, &d.Reward.MaxRewardAmount,
		&d.Eligibility.WinnerCooldownDays, &d.Eligibility.WeeklyWinCap, &d.Eligibility.EligibleClaimants,
		&d.NotificationCount, &d.TotalAttempts, &d.UniqueClaimants,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDropNotFound
		}
		return nil, err
	}
	return &d, nil
}

// FindClaimantIDByAuthSubject resolves an auth provider subject (from a
// validated JWT) into the internal claimant UUID.
func (r *PostgresRepository) FindClaimantIDByAuthSubject(ctx context.Context, subject string) (string, error) {
	var id string
	query := `SELECT id FROM claimants WHERE auth_subject = $1`
	if err := r.db.QueryRow(ctx, query, subject).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrClaimantNotFound
		}
		return "", fmt.Errorf("failed to resolve claimant by auth subject: %w", err)
	}
	return id, nil
}

// CreateDrop inserts a new drop and returns it with its assigned sequence number.
func (r *PostgresRepository) CreateDrop(ctx context.Context, drop *domain.Drop) (*domain.Drop, error) {
	query := `
		INSERT INTO drops (
			id, status, scheduled_time, actual_drop_time, expires_at,
			base_amount, currency, speed_multiplier, streak_multiplier, weekend_bonus,
			special_event_multiplier, min_reward_amount, max_reward_amount,
			winner_cooldown_days, weekly_win_cap, eligible_claimants,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW(), NOW())
		RETURNING sequence_number, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		drop.ID, drop.Status, drop.ScheduledTime, drop.ActualDropTime, drop.ExpiresAt,
		drop.Reward.BaseAmount, drop.Reward.Currency, drop.Reward.SpeedMultiplier, drop.Reward.StreakMultiplier, drop.Reward.WeekendBonus,
		drop.Reward.SpecialEventMultiplier, drop.Reward.MinRewardAmount, drop.Reward.MaxRewardAmount,
		drop.Eligibility.WinnerCooldownDays, drop.Eligibility.WeeklyWinCap, drop.Eligibility.EligibleClaimants,
	).Scan(&drop.SequenceNumber, &drop.CreatedAt, &drop.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create drop: %w", err)
	}
	return drop, nil
}

// FindDropByID retrieves a single drop.
func (r *PostgresRepository) FindDropByID(ctx context.Context, dropID uuid.UUID) (*domain.Drop, error) {
	query := `SELECT ` + dropColumns + ` FROM drops WHERE id = $1`
	return scanDrop(r.db.QueryRow(ctx, query, dropID))
}

// ListDrops returns drops matching the admin filter, newest first.
func (r *PostgresRepository) ListDrops(ctx context.Context, filter domain.DropListFilter) ([]domain.Drop, error) {
	query := `SELECT ` + dropColumns + ` FROM drops WHERE 1=1`
	args := []interface{}{}
	argN := 1
	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, *filter.Status)
		argN++
	}
	if filter.From != nil {
		query += fmt.Sprintf(" AND scheduled_time >= $%d", argN)
		args = append(args, *filter.From)
		argN++
	}
	if filter.To != nil {
		query += fmt.Sprintf(" AND scheduled_time <= $%d", argN)
		args = append(args, *filter.To)
		argN++
	}
	if filter.ClaimantID != nil {
		query += fmt.Sprintf(" AND winner_id = $%d", argN)
		args = append(args, *filter.ClaimantID)
		argN++
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += fmt.Sprintf(" ORDER BY sequence_number DESC LIMIT $%d OFFSET $%d", argN, argN+1)
	args = append(args, limit, filter.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list drops: %w", err)
	}
	defer rows.Close()

	var drops []domain.Drop
	for rows.Next() {
		d, err := scanDrop(rows)
		if err != nil {
			return nil, err
		}
		drops = append(drops, *d)
	}
	return drops, rows.Err()
}

// ListDropsByStatus returns all drops in any of the given states. Used by
// the scheduler to re-arm timers from durable state after a restart.
func (r *PostgresRepository) ListDropsByStatus(ctx context.Context, statuses ...domain.DropStatus) ([]domain.Drop, error) {
	query := `SELECT ` + dropColumns + ` FROM drops WHERE status = ANY($1) ORDER BY scheduled_time ASC`
	states := make([]string, 0, len(statuses))
	for _, s := range statuses {
		states = append(states, string(s))
	}
	rows, err := r.db.Query(ctx, query, states)
	if err != nil {
		return nil, fmt.Errorf("failed to list drops by status: %w", err)
	}
	defer rows.Close()

	var drops []domain.Drop
	for rows.Next() {
		d, err := scanDrop(rows)
		if err != nil {
			return nil, err
		}
		drops = append(drops, *d)
	}
	return drops, rows.Err()
}

// UpdateDropReward replaces the reward configuration of a non-terminal drop.
func (r *PostgresRepository) UpdateDropReward(ctx context.Context, dropID uuid.UUID, reward domain.RewardConfig) error {
	query := `
		UPDATE drops
		SET base_amount = $2, currency = $3, speed_multiplier = $4, streak_multiplier = $5,
			weekend_bonus = $6, special_event_multiplier = $7,
			min_reward_amount = $8, max_reward_amount = $9, updated_at = NOW()
		WHERE id = $1 AND status IN ('scheduled', 'dropped')
	`
	result, err := r.db.Exec(ctx, query, dropID,
		reward.BaseAmount, reward.Currency, reward.SpeedMultiplier, reward.StreakMultiplier,
		reward.WeekendBonus, reward.SpecialEventMultiplier,
		reward.MinRewardAmount, reward.MaxRewardAmount,
	)
	if err != nil {
		return fmt.Errorf("failed to update drop reward: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrDropNotClaimable
	}
	return nil
}

// MarkDropDropped transitions scheduled -> dropped, stamps the actual drop
// time, and fixes the claim window's end. Returns false when the drop was
// not in the scheduled state.
func (r *PostgresRepository) MarkDropDropped(ctx context.Context, dropID uuid.UUID, droppedAt, expiresAt time.Time) (bool, error) {
	query := `
		UPDATE drops
		SET status = 'dropped', actual_drop_time = $2, expires_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled'
	`
	result, err := r.db.Exec(ctx, query, dropID, droppedAt, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to mark drop dropped: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// MarkDropExpired transitions dropped -> expired. A drop that has already
// been claimed or cancelled is left untouched.
func (r *PostgresRepository) MarkDropExpired(ctx context.Context, dropID uuid.UUID) (bool, error) {
	query := `
		UPDATE drops
		SET status = 'expired', updated_at = NOW()
		WHERE id = $1 AND status = 'dropped' AND winner_id IS NULL
	`
	result, err := r.db.Exec(ctx, query, dropID)
	if err != nil {
		return false, fmt.Errorf("failed to mark drop expired: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// CancelDrop applies the manual override transition scheduled|dropped -> cancelled.
func (r *PostgresRepository) CancelDrop(ctx context.Context, dropID uuid.UUID) (bool, error) {
	query := `
		UPDATE drops
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status IN ('scheduled', 'dropped')
	`
	result, err := r.db.Exec(ctx, query, dropID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel drop: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// CommitDropWinner performs the atomic winner commit for a drop.
func (r *PostgresRepository) CommitDropWinner(ctx context.Context, dropID, claimantID uuid.UUID, claimedAt time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin winner commit transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the drop row and validate the transition.
	var status string
	var winnerID *uuid.UUID
	var expiresAt time.Time
	query := `
		SELECT status, winner_id, expires_at
		FROM drops
		WHERE id = $1
		FOR UPDATE
	`
	if err := tx.QueryRow(ctx, query, dropID).Scan(&status, &winnerID, &expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDropNotFound
		}
		return fmt.Errorf("failed to get and lock drop: %w", err)
	}

	if winnerID != nil {
		return ErrWinnerAlreadyRecorded
	}
	if status != string(domain.DropStatusDropped) {
		return ErrDropNotClaimable
	}
	if claimedAt.After(expiresAt) {
		return ErrDropNotClaimable
	}

	// 2. Record the winner and close the drop.
	updateQuery := `
		UPDATE drops
		SET status = 'claimed', winner_id = $2, claimed_at = $3, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, updateQuery, dropID, claimantID, claimedAt); err != nil {
		return fmt.Errorf("failed to record drop winner: %w", err)
	}

	return tx.Commit(ctx)
}

// IncrementDropAttemptCounters bumps the attempt counters on a drop. The
// unique-claimant counter only moves on the claimant's first attempt, which
// is detected from the already-inserted claim event rows.
func (r *PostgresRepository) IncrementDropAttemptCounters(ctx context.Context, dropID, claimantID uuid.UUID) error {
	query := `
		UPDATE drops
		SET total_attempts = total_attempts + 1,
			unique_claimants = unique_claimants + CASE
				WHEN (SELECT COUNT(*) FROM claim_events WHERE drop_id = $1 AND claimant_id = $2) <= 1 THEN 1
				ELSE 0
			END,
			updated_at = NOW()
		WHERE id = $1
	`
	if _, err := r.db.Exec(ctx, query, dropID, claimantID); err != nil {
		return fmt.Errorf("failed to increment drop attempt counters: %w", err)
	}
	return nil
}

// IncrementDropNotificationCount records one delivered drop notification.
func (r *PostgresRepository) IncrementDropNotificationCount(ctx context.Context, dropID uuid.UUID) error {
	query := `UPDATE drops SET notification_count = notification_count + 1, updated_at = NOW() WHERE id = $1`
	if _, err := r.db.Exec(ctx, query, dropID); err != nil {
		return fmt.Errorf("failed to increment drop notification count: %w", err)
	}
	return nil
}

// NextScheduledDropTime returns the earliest scheduled drop time after the
// given instant, used as the next-drop hint in claim responses.
func (r *PostgresRepository) NextScheduledDropTime(ctx context.Context, after time.Time) (*time.Time, error) {
	var next *time.Time
	query := `SELECT MIN(scheduled_time) FROM drops WHERE status = 'scheduled' AND scheduled_time > $1`
	if err := r.db.QueryRow(ctx, query, after).Scan(&next); err != nil {
		return nil, fmt.Errorf("failed to find next scheduled drop: %w", err)
	}
	return next, nil
}

// CreateClaimEvent appends a new attempt record. Every claim attempt creates
// exactly one row, including attempts that fail before the lock is taken.
func (r *PostgresRepository) CreateClaimEvent(ctx context.Context, event *domain.ClaimEvent) error {
	query := `
		INSERT INTO claim_events (
			id, drop_id, claimant_id, attempted_at, latency_ms, outcome, reason,
			fingerprint, network_origin, suspicious, suspicion_score
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.Exec(ctx, query,
		event.ID, event.DropID, event.ClaimantID, event.AttemptedAt, event.LatencyMS,
		event.Outcome, event.Reason, event.Fingerprint, event.NetworkOrigin,
		event.Suspicious, event.SuspicionScore,
	)
	if err != nil {
		return fmt.Errorf("failed to create claim event: %w", err)
	}
	return nil
}

// FinalizeClaimEvent writes the terminal outcome of an attempt.
func (r *PostgresRepository) FinalizeClaimEvent(ctx context.Context, eventID uuid.UUID, params FinalizeClaimEventParams) error {
	query := `
		UPDATE claim_events
		SET outcome = $2, reason = $3, latency_ms = $4, awarded_amount = $5,
			transaction_id = $6, suspicious = $7, suspicion_score = $8
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query, eventID,
		params.Outcome, params.Reason, params.LatencyMS, params.AwardedAmount,
		params.TransactionID, params.Suspicious, params.SuspicionScore,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize claim event: %w", err)
	}
	return nil
}

// ListClaimEventsByClaimant returns a claimant's attempt history, newest first.
func (r *PostgresRepository) ListClaimEventsByClaimant(ctx context.Context, claimantID uuid.UUID, limit, offset int) ([]domain.ClaimEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT id, drop_id, claimant_id, attempted_at, latency_ms, outcome, reason,
			fingerprint, network_origin, awarded_amount, transaction_id, suspicious, suspicion_score
		FROM claim_events
		WHERE claimant_id = $1
		ORDER BY attempted_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, claimantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list claim events: %w", err)
	}
	defer rows.Close()

	var events []domain.ClaimEvent
	for rows.Next() {
		var e domain.ClaimEvent
		if err := rows.Scan(
			&e.ID, &e.DropID, &e.ClaimantID, &e.AttemptedAt, &e.LatencyMS, &e.Outcome, &e.Reason,
			&e.Fingerprint, &e.NetworkOrigin, &e.AwardedAmount, &e.TransactionID, &e.Suspicious, &e.SuspicionScore,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountDistinctClaimantsByFingerprint counts how many distinct claimants have
// presented a device fingerprint since the given time. Used by the risk
// screener's shared-fingerprint signal.
func (r *PostgresRepository) CountDistinctClaimantsByFingerprint(ctx context.Context, fingerprint string, since time.Time) (int, error) {
	var count int
	query := `
		SELECT COUNT(DISTINCT claimant_id)
		FROM claim_events
		WHERE fingerprint = $1 AND attempted_at >= $2
	`
	if err := r.db.QueryRow(ctx, query, fingerprint, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count claimants by fingerprint: %w", err)
	}
	return count, nil
}

// CountRecentAttemptsByClaimant counts a claimant's attempts since the given time.
func (r *PostgresRepository) CountRecentAttemptsByClaimant(ctx context.Context, claimantID uuid.UUID, since time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM claim_events WHERE claimant_id = $1 AND attempted_at >= $2`
	if err := r.db.QueryRow(ctx, query, claimantID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count recent attempts: %w", err)
	}
	return count, nil
}

// CountClaimantWinsSince counts successful claims since the given time.
// Backs the weekly-win-cap eligibility check.
func (r *PostgresRepository) CountClaimantWinsSince(ctx context.Context, claimantID uuid.UUID, since time.Time) (int, error) {
	var count int
	query := `
		SELECT COUNT(*)
		FROM claim_events
		WHERE claimant_id = $1 AND outcome = 'success' AND attempted_at >= $2
	`
	if err := r.db.QueryRow(ctx, query, claimantID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count claimant wins: %w", err)
	}
	return count, nil
}

// FindClaimantProfile returns the rolling profile for a claimant. A claimant
// with no history gets a zero-valued profile rather than an error. The
// weekly win count is derived from the attempt log at read time so the
// window is always current.
func (r *PostgresRepository) FindClaimantProfile(ctx context.Context, claimantID uuid.UUID) (*domain.ClaimantProfile, error) {
	profile := &domain.ClaimantProfile{ClaimantID: claimantID}
	query := `
		SELECT total_attempts, successful_claims, cumulative_reward,
			current_streak, longest_streak, last_win_date, mean_latency_ms, updated_at,
			(SELECT COUNT(*) FROM claim_events
				WHERE claimant_id = $1 AND outcome = 'success'
				AND attempted_at >= NOW() - INTERVAL '7 days') AS weekly_wins
		FROM claimant_profiles
		WHERE claimant_id = $1
	`
	err := r.db.QueryRow(ctx, query, claimantID).Scan(
		&profile.TotalAttempts, &profile.SuccessfulClaims, &profile.CumulativeReward,
		&profile.CurrentStreak, &profile.LongestStreak, &profile.LastWinDate,
		&profile.MeanLatencyMS, &profile.UpdatedAt, &profile.WeeklyWinCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return profile, nil
		}
		return nil, fmt.Errorf("failed to find claimant profile: %w", err)
	}
	return profile, nil
}

// RecordProfileAttempt folds one attempt into the claimant's totals and
// running mean latency.
func (r *PostgresRepository) RecordProfileAttempt(ctx context.Context, claimantID uuid.UUID, latencyMS int64) error {
	query := `
		INSERT INTO claimant_profiles (claimant_id, total_attempts, mean_latency_ms, updated_at)
		VALUES ($1, 1, $2, NOW())
		ON CONFLICT (claimant_id) DO UPDATE SET
			total_attempts = claimant_profiles.total_attempts + 1,
			mean_latency_ms = (claimant_profiles.mean_latency_ms * claimant_profiles.total_attempts + $2)
				/ (claimant_profiles.total_attempts + 1),
			updated_at = NOW()
	`
	if _, err := r.db.Exec(ctx, query, claimantID, float64(latencyMS)); err != nil {
		return fmt.Errorf("failed to record profile attempt: %w", err)
	}
	return nil
}

// RecordProfileWin folds a successful claim into the claimant's win stats.
// The streak continues when the previous win was within the last 48 hours,
// matching the daily drop cadence.
func (r *PostgresRepository) RecordProfileWin(ctx context.Context, claimantID uuid.UUID, amount float64, wonAt time.Time) error {
	query := `
		INSERT INTO claimant_profiles (
			claimant_id, total_attempts, successful_claims, cumulative_reward,
			current_streak, longest_streak, last_win_date, mean_latency_ms, updated_at
		)
		VALUES ($1, 0, 1, $2, 1, 1, $3, 0, NOW())
		ON CONFLICT (claimant_id) DO UPDATE SET
			successful_claims = claimant_profiles.successful_claims + 1,
			cumulative_reward = claimant_profiles.cumulative_reward + $2,
			current_streak = CASE
				WHEN claimant_profiles.last_win_date IS NOT NULL
					AND claimant_profiles.last_win_date >= $3::timestamptz - INTERVAL '48 hours'
				THEN claimant_profiles.current_streak + 1
				ELSE 1
			END,
			longest_streak = GREATEST(claimant_profiles.longest_streak, CASE
				WHEN claimant_profiles.last_win_date IS NOT NULL
					AND claimant_profiles.last_win_date >= $3::timestamptz - INTERVAL '48 hours'
				THEN claimant_profiles.current_streak + 1
				ELSE 1
			END),
			last_win_date = $3,
			updated_at = NOW()
	`
	if _, err := r.db.Exec(ctx, query, claimantID, amount, wonAt); err != nil {
		return fmt.Errorf("failed to record profile win: %w", err)
	}
	return nil
}

// CreateRewardTransaction inserts a new dispatch record in the pending state.
func (r *PostgresRepository) CreateRewardTransaction(ctx context.Context, tx *domain.RewardTransaction) error {
	query := `
		INSERT INTO reward_transactions (
			id, claim_event_id, claimant_id, amount, currency, ledger_ref,
			status, failure_reason, retry_count, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
	`
	_, err := r.db.Exec(ctx, query,
		tx.ID, tx.ClaimEventID, tx.ClaimantID, tx.Amount, tx.Currency, tx.LedgerRef,
		tx.Status, tx.FailureReason, tx.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("failed to create reward transaction: %w", err)
	}
	return nil
}

// FindRewardTransactionByID retrieves a dispatch record.
func (r *PostgresRepository) FindRewardTransactionByID(ctx context.Context, txID uuid.UUID) (*domain.RewardTransaction, error) {
	var t domain.RewardTransaction
	query := `
		SELECT id, claim_event_id, claimant_id, amount, currency, ledger_ref,
			status, failure_reason, retry_count, created_at, updated_at
		FROM reward_transactions
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, txID).Scan(
		&t.ID, &t.ClaimEventID, &t.ClaimantID, &t.Amount, &t.Currency, &t.LedgerRef,
		&t.Status, &t.FailureReason, &t.RetryCount, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to find reward transaction: %w", err)
	}
	return &t, nil
}

// SetRewardTransactionLedgerRef records the external ledger reference.
func (r *PostgresRepository) SetRewardTransactionLedgerRef(ctx context.Context, txID uuid.UUID, ledgerRef string) error {
	query := `UPDATE reward_transactions SET ledger_ref = $2, updated_at = NOW() WHERE id = $1`
	if _, err := r.db.Exec(ctx, query, txID, ledgerRef); err != nil {
		return fmt.Errorf("failed to set ledger ref: %w", err)
	}
	return nil
}

// UpdateRewardTransactionStatus transitions a dispatch record.
func (r *PostgresRepository) UpdateRewardTransactionStatus(ctx context.Context, txID uuid.UUID, status domain.RewardTransactionStatus, failureReason *string) error {
	query := `
		UPDATE reward_transactions
		SET status = $2, failure_reason = $3, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := r.db.Exec(ctx, query, txID, status, failureReason); err != nil {
		return fmt.Errorf("failed to update reward transaction status: %w", err)
	}
	return nil
}

// MarkRewardTransactionRetrying moves a failed transaction back to pending
// for resubmission. The status guard makes concurrent retries safe: only
// one caller observes a row transition.
func (r *PostgresRepository) MarkRewardTransactionRetrying(ctx context.Context, txID uuid.UUID) (bool, error) {
	query := `
		UPDATE reward_transactions
		SET status = 'pending', failure_reason = NULL, retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'failed'
	`
	result, err := r.db.Exec(ctx, query, txID)
	if err != nil {
		return false, fmt.Errorf("failed to mark reward transaction retrying: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ListStaleRewardTransactions returns pending transactions that have not
// moved since the cutoff, oldest first. Used by the reconcile sweep.
func (r *PostgresRepository) ListStaleRewardTransactions(ctx context.Context, cutoff time.Time, limit int) ([]domain.RewardTransaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT id, claim_event_id, claimant_id, amount, currency, ledger_ref,
			status, failure_reason, retry_count, created_at, updated_at
		FROM reward_transactions
		WHERE status = 'pending' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale reward transactions: %w", err)
	}
	defer rows.Close()

	var txs []domain.RewardTransaction
	for rows.Next() {
		var t domain.RewardTransaction
		if err := rows.Scan(
			&t.ID, &t.ClaimEventID, &t.ClaimantID, &t.Amount, &t.Currency, &t.LedgerRef,
			&t.Status, &t.FailureReason, &t.RetryCount, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// GetAggregateStats computes the service-wide summary in one round trip.
func (r *PostgresRepository) GetAggregateStats(ctx context.Context) (*domain.AggregateStats, error) {
	var stats domain.AggregateStats
	query := `
		SELECT
			(SELECT COUNT(*) FROM drops),
			(SELECT COUNT(*) FROM drops WHERE status = 'claimed'),
			(SELECT COUNT(*) FROM drops WHERE status = 'expired'),
			(SELECT COUNT(*) FROM claim_events),
			(SELECT COUNT(DISTINCT winner_id) FROM drops WHERE winner_id IS NOT NULL),
			(SELECT COALESCE(SUM(amount), 0) FROM reward_transactions WHERE status = 'confirmed'),
			(SELECT COUNT(*) FROM reward_transactions WHERE status = 'pending'),
			(SELECT COUNT(*) FROM reward_transactions WHERE status = 'failed')
	`
	err := r.db.QueryRow(ctx, query).Scan(
		&stats.TotalDrops, &stats.ClaimedDrops, &stats.ExpiredDrops,
		&stats.TotalAttempts, &stats.UniqueWinners, &stats.TotalRewardPaid,
		&stats.PendingDispatch, &stats.FailedDispatch,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute aggregate stats: %w", err)
	}
	return &stats, nil
}
