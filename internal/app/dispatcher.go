/**
 * @description
 * This file implements the reward dispatcher: the component that turns a
 * computed reward amount into a ledger transfer. Every dispatch is tracked
 * by a reward transaction record that starts Pending and moves to Confirmed
 * or Failed; a Failed record can be resubmitted, reusing the same record
 * rather than creating a new one.
 *
 * A dispatch only counts as submitted once the ledger accepted the
 * transfer. A submit that the ledger explicitly rejects, or that fails
 * validation up front, turns the record Failed immediately; a transfer
 * whose fate is unknown stays Pending for the reconcile sweep to resolve.
 *
 * @dependencies
 * - internal/store: Transaction record persistence.
 * - pkg/ledgerclient: The external ledger HTTP client.
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
	"github.com/rewardrush/claim-service/pkg/ledgerclient"
)

// ErrInvalidRewardAmount is returned when a dispatch is requested for a
// non-positive amount.
var ErrInvalidRewardAmount = errors.New("reward amount must be positive")

// ErrInsufficientFunding is returned when the funding account cannot cover
// the reward.
var ErrInsufficientFunding = errors.New("funding account balance is insufficient")

// Dispatcher submits reward transfers to the external ledger and tracks
// their lifecycle through reward transaction records.
type Dispatcher struct {
	repo             store.Repository
	ledger           *ledgerclient.Client
	fundingAccountID string
}

// NewDispatcher creates a dispatcher paying out of the given funding account.
func NewDispatcher(repo store.Repository, ledger *ledgerclient.Client, fundingAccountID string) *Dispatcher {
	return &Dispatcher{repo: repo, ledger: ledger, fundingAccountID: fundingAccountID}
}

// Dispatch creates a pending reward transaction for the claim event and
// submits the transfer to the ledger. On success the transaction stays
// Pending with its ledger reference recorded; confirmation arrives later
// via the reconcile sweep. Any error means the reward was not delivered
// and the caller must treat the claim as unpaid.
func (d *Dispatcher) Dispatch(ctx context.Context, claimEventID, claimantID uuid.UUID, amount float64, currency string) (*domain.RewardTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidRewardAmount
	}

	balance, err := d.ledger.GetAccountBalance(ctx, d.fundingAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to check funding balance: %w", err)
	}
	if balance.AvailableBalance < amount {
		log.Printf("level=error component=dispatcher msg=\"funding account cannot cover reward\" available=%.2f amount=%.2f", balance.AvailableBalance, amount)
		return nil, ErrInsufficientFunding
	}

	tx := &domain.RewardTransaction{
		ID:           uuid.New(),
		ClaimEventID: claimEventID,
		ClaimantID:   claimantID,
		Amount:       amount,
		Currency:     currency,
		Status:       domain.RewardTransactionPending,
	}
	if err := d.repo.CreateRewardTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to create reward transaction: %w", err)
	}

	if err := d.submit(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Retry resubmits a failed reward transaction, reusing the existing record.
// Only transactions in the Failed state are retryable.
func (d *Dispatcher) Retry(ctx context.Context, txID uuid.UUID) (*domain.RewardTransaction, error) {
	moved, err := d.repo.MarkRewardTransactionRetrying(ctx, txID)
	if err != nil {
		return nil, err
	}
	if !moved {
		// Distinguish a missing record from one in the wrong state.
		if _, findErr := d.repo.FindRewardTransactionByID(ctx, txID); findErr != nil {
			return nil, findErr
		}
		return nil, store.ErrTransactionNotRetryable
	}

	tx, err := d.repo.FindRewardTransactionByID(ctx, txID)
	if err != nil {
		return nil, err
	}

	if tx.Amount <= 0 {
		reason := ErrInvalidRewardAmount.Error()
		if updErr := d.repo.UpdateRewardTransactionStatus(ctx, tx.ID, domain.RewardTransactionFailed, &reason); updErr != nil {
			log.Printf("level=error component=dispatcher msg=\"failed to mark invalid retry failed\" transaction_id=%s error=%v", tx.ID, updErr)
		}
		return nil, ErrInvalidRewardAmount
	}

	if err := d.submit(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// submit sends the transfer to the ledger and records the outcome on the
// transaction record.
func (d *Dispatcher) submit(ctx context.Context, tx *domain.RewardTransaction) error {
	transfer, err := d.ledger.SubmitTransfer(ctx, ledgerclient.TransferRequest{
		SourceAccountID: d.fundingAccountID,
		DestinationID:   tx.ClaimantID.String(),
		Amount:          tx.Amount,
		Currency:        tx.Currency,
		Reference:       fmt.Sprintf("reward-%s-%d", tx.ID, tx.RetryCount),
		Reason:          "reward drop payout",
	})
	if err != nil {
		if ledgerclient.IsExplicitRejection(err) {
			reason := err.Error()
			if updErr := d.repo.UpdateRewardTransactionStatus(ctx, tx.ID, domain.RewardTransactionFailed, &reason); updErr != nil {
				log.Printf("level=error component=dispatcher msg=\"failed to mark rejected dispatch failed\" transaction_id=%s error=%v", tx.ID, updErr)
			}
			tx.Status = domain.RewardTransactionFailed
		}
		return fmt.Errorf("ledger transfer submission failed: %w", err)
	}

	if err := d.repo.SetRewardTransactionLedgerRef(ctx, tx.ID, transfer.ID); err != nil {
		// The transfer went through; losing the ref is recoverable via
		// reconciliation, not a dispatch failure.
		log.Printf("level=error component=dispatcher msg=\"transfer submitted but ledger ref not recorded\" transaction_id=%s ledger_ref=%s error=%v", tx.ID, transfer.ID, err)
	} else {
		ref := transfer.ID
		tx.LedgerRef = &ref
	}

	if transfer.Status == "completed" {
		if err := d.repo.UpdateRewardTransactionStatus(ctx, tx.ID, domain.RewardTransactionConfirmed, nil); err != nil {
			log.Printf("level=error component=dispatcher msg=\"failed to confirm completed transfer\" transaction_id=%s error=%v", tx.ID, err)
		} else {
			tx.Status = domain.RewardTransactionConfirmed
		}
	}
	return nil
}

// Reconcile resolves pending transactions that have not moved since the
// cutoff. A transaction with a ledger reference is polled for its final
// status; one without a reference never reached the ledger and is failed
// so it becomes retryable.
func (d *Dispatcher) Reconcile(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := d.repo.ListStaleRewardTransactions(ctx, time.Now().Add(-olderThan), 100)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, tx := range stale {
		if tx.LedgerRef == nil {
			reason := "transfer was never submitted to the ledger"
			if err := d.repo.UpdateRewardTransactionStatus(ctx, tx.ID, domain.RewardTransactionFailed, &reason); err != nil {
				log.Printf("level=error component=dispatcher msg=\"reconcile failed to mark unsubmitted transaction\" transaction_id=%s error=%v", tx.ID, err)
				continue
			}
			resolved++
			continue
		}

		transfer, err := d.ledger.GetTransferStatus(ctx, *tx.LedgerRef)
		if err != nil {
			log.Printf("level=warn component=dispatcher msg=\"reconcile status poll failed\" transaction_id=%s ledger_ref=%s error=%v", tx.ID, *tx.LedgerRef, err)
			continue
		}

		switch transfer.Status {
		case "completed":
			if err := d.repo.UpdateRewardTransactionStatus(ctx, tx.ID, domain.RewardTransactionConfirmed, nil); err != nil {
				log.Printf("level=error component=dispatcher msg=\"reconcile failed to confirm transaction\" transaction_id=%s error=%v", tx.ID, err)
				continue
			}
			resolved++
		case "failed", "rejected":
			reason := fmt.Sprintf("ledger reported transfer %s", transfer.Status)
			if err := d.repo.UpdateRewardTransactionStatus(ctx, tx.ID, domain.RewardTransactionFailed, &reason); err != nil {
				log.Printf("level=error component=dispatcher msg=\"reconcile failed to fail transaction\" transaction_id=%s error=%v", tx.ID, err)
				continue
			}
			resolved++
		default:
			// Still in flight at the ledger; leave it pending.
		}
	}
	return resolved, nil
}
