package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rewardrush/claim-service/internal/domain"
	"github.com/rewardrush/claim-service/internal/store"
	"github.com/rewardrush/claim-service/pkg/ledgerclient"
)

// dispatchRepoStub tracks reward transactions in memory.
type dispatchRepoStub struct {
	store.Repository

	mu  sync.Mutex
	txs map[uuid.UUID]*domain.RewardTransaction
}

func newDispatchRepoStub() *dispatchRepoStub {
	return &dispatchRepoStub{txs: make(map[uuid.UUID]*domain.RewardTransaction)}
}

func (r *dispatchRepoStub) CreateRewardTransaction(ctx context.Context, tx *domain.RewardTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *tx
	r.txs[tx.ID] = &stored
	return nil
}

func (r *dispatchRepoStub) FindRewardTransactionByID(ctx context.Context, txID uuid.UUID) (*domain.RewardTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[txID]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	snapshot := *tx
	return &snapshot, nil
}

func (r *dispatchRepoStub) SetRewardTransactionLedgerRef(ctx context.Context, txID uuid.UUID, ledgerRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tx, ok := r.txs[txID]; ok {
		tx.LedgerRef = &ledgerRef
	}
	return nil
}

func (r *dispatchRepoStub) UpdateRewardTransactionStatus(ctx context.Context, txID uuid.UUID, status domain.RewardTransactionStatus, failureReason *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tx, ok := r.txs[txID]; ok {
		tx.Status = status
		tx.FailureReason = failureReason
	}
	return nil
}

func (r *dispatchRepoStub) MarkRewardTransactionRetrying(ctx context.Context, txID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[txID]
	if !ok || tx.Status != domain.RewardTransactionFailed {
		return false, nil
	}
	tx.Status = domain.RewardTransactionPending
	tx.RetryCount++
	return true, nil
}

func (r *dispatchRepoStub) ListStaleRewardTransactions(ctx context.Context, cutoff time.Time, limit int) ([]domain.RewardTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []domain.RewardTransaction
	for _, tx := range r.txs {
		if tx.Status == domain.RewardTransactionPending {
			stale = append(stale, *tx)
		}
	}
	return stale, nil
}

func (r *dispatchRepoStub) get(txID uuid.UUID) domain.RewardTransaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.txs[txID]
}

// ledgerStubConfig shapes the fake ledger's responses.
type ledgerStubConfig struct {
	balance          float64
	submitStatusCode int // 0 means 200
	submitStatus     string
	transferStatuses map[string]string // ledger ref -> status for polls
}

func newLedgerStub(cfg ledgerStubConfig) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/transfers":
			if cfg.submitStatusCode >= 400 {
				w.WriteHeader(cfg.submitStatusCode)
				json.NewEncoder(w).Encode(map[string]interface{}{"errors": []map[string]string{{"title": "rejected", "detail": "transfer rejected"}}})
				return
			}
			status := cfg.submitStatus
			if status == "" {
				status = "processing"
			}
			json.NewEncoder(w).Encode(map[string]string{"id": "lref-1", "status": status})
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/v1/transfers/"):
			ref := strings.TrimPrefix(r.URL.Path, "/api/v1/transfers/")
			status, ok := cfg.transferStatuses[ref]
			if !ok {
				status = "processing"
			}
			json.NewEncoder(w).Encode(map[string]string{"id": ref, "status": status})
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/balance"):
			json.NewEncoder(w).Encode(map[string]interface{}{"available_balance": cfg.balance, "currency": "USD"})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestDispatchSubmitsAndStaysPending(t *testing.T) {
	repo := newDispatchRepoStub()
	server := newLedgerStub(ledgerStubConfig{balance: 1000})
	defer server.Close()
	d := NewDispatcher(repo, ledgerclient.NewClient(server.URL, "key"), "funding-acct")

	tx, err := d.Dispatch(context.Background(), uuid.New(), uuid.New(), 11.60, "USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.Status != domain.RewardTransactionPending {
		t.Fatalf("an in-flight transfer should stay pending, got %s", tx.Status)
	}
	if tx.LedgerRef == nil || *tx.LedgerRef != "lref-1" {
		t.Fatalf("expected ledger ref recorded, got %v", tx.LedgerRef)
	}
	if stored := repo.get(tx.ID); stored.LedgerRef == nil {
		t.Fatal("ledger ref must be persisted on the record")
	}
}

func TestDispatchImmediateCompletionConfirms(t *testing.T) {
	repo := newDispatchRepoStub()
	server := newLedgerStub(ledgerStubConfig{balance: 1000, submitStatus: "completed"})
	defer server.Close()
	d := NewDispatcher(repo, ledgerclient.NewClient(server.URL, "key"), "funding-acct")

	tx, err := d.Dispatch(context.Background(), uuid.New(), uuid.New(), 11.60, "USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.Status != domain.RewardTransactionConfirmed {
		t.Fatalf("a completed transfer should confirm immediately, got %s", tx.Status)
	}
	if stored := repo.get(tx.ID); stored.Status != domain.RewardTransactionConfirmed {
		t.Fatalf("persisted status should be confirmed, got %s", stored.Status)
	}
}

func TestDispatchRejectsNonPositiveAmount(t *testing.T) {
	repo := newDispatchRepoStub()
	server := newLedgerStub(ledgerStubConfig{balance: 1000})
	defer server.Close()
	d := NewDispatcher(repo, ledgerclient.NewClient(server.URL, "key"), "funding-acct")

	if _, err := d.Dispatch(context.Background(), uuid.New(), uuid.New(), 0, "USD"); !errors.Is(err, ErrInvalidRewardAmount) {
		t.Fatalf("expected ErrInvalidRewardAmount, got %v", err)
	}
	if len(repo.txs) != 0 {
		t.Fatal("invalid amount must not create a transaction record")
	}
}

func TestDispatchInsufficientFunding(t *testing.T) {
	repo := newDispatchRepoStub()
	server := newLedgerStub(ledgerStubConfig{balance: 5})
	defer server.Close()
	d := NewDispatcher(repo, ledgerclient.NewClient(server.URL, "key"), "funding-acct")

	if _, err := d.Dispatch(context.Background(), uuid.New(), uuid.New(), 11.60, "USD"); !errors.Is(err, ErrInsufficientFunding) {
		t.Fatalf("expected ErrInsufficientFunding, got %v", err)
	}
	if len(repo.txs) != 0 {
		t.Fatal("underfunded dispatch must not create a transaction record")
	}
}

func TestDispatchExplicitRejectionFailsRecord(t *testing.T) {
	repo := newDispatchRepoStub()
	server := newLedgerStub(ledgerStubConfig{balance: 1000, submitStatusCode: http.StatusUnprocessableEntity})
	defer server.Close()
	d := NewDispatcher(repo, ledgerclient.NewClient(server.URL, "key"), "funding-acct")

	_, err := d.Dispatch(context.Background(), uuid.New(), uuid.New(), 11.60, "USD")
	if err == nil {
		t.Fatal("expected dispatch to fail on ledger rejection")
	}

	if len(repo.txs) != 1 {
		t.Fatalf("expected one transaction record, got %d", len(repo.txs))
	}
	for id := range repo.txs {
		if got := repo.get(id); got.Status != domain.RewardTransactionFailed {
			t.Fatalf("rejected dispatch should fail the record, got %s", got.Status)
		}
	}
}

func TestRetryOnlyFailedTransactions(t *testing.T) {
	repo := newDispatchRepoStub()
	server := newLedgerStub(ledgerStubConfig{balance: 1000})
	defer server.Close()
	d := NewDispatcher(repo, ledgerclient.NewClient(server.URL, "key"), "funding-acct")

	if _, err := d.Retry(context.Background(), uuid.New()); !errors.Is(err, store.ErrTransactionNotFound) {
		t.Fatalf("retry of unknown transaction: expected ErrTransactionNotFound, got %v", err)
	}

	pending := &domain.RewardTransaction{ID: uuid.New(), ClaimantID: uuid.New(), Amount: 10, Currency: "USD", Status: domain.RewardTransactionPending}
	repo.CreateRewardTransaction(context.Background(), pending)
	if _, err := d.Retry(context.Background(), pending.ID); !errors.Is(err, store.ErrTransactionNotRetryable) {
		t.Fatalf("retry of pending transaction: expected ErrTransactionNotRetryable, got %v", err)
	}

	failed := &domain.RewardTransaction{ID: uuid.New(), ClaimantID: uuid.New(), Amount: 10, Currency: "USD", Status: domain.RewardTransactionFailed}
	repo.CreateRewardTransaction(context.Background(), failed)
	tx, err := d.Retry(context.Background(), failed.ID)
	if err != nil {
		t.Fatalf("retry of failed transaction: unexpected error %v", err)
	}
	if tx.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", tx.RetryCount)
	}
	if tx.LedgerRef == nil {
		t.Fatal("retried transaction should carry the new ledger ref")
	}
}

func TestReconcileResolvesStaleTransactions(t *testing.T) {
	repo := newDispatchRepoStub()

	unsubmitted := &domain.RewardTransaction{ID: uuid.New(), Amount: 10, Currency: "USD", Status: domain.RewardTransactionPending}
	repo.CreateRewardTransaction(context.Background(), unsubmitted)

	completedRef := "lref-done"
	completed := &domain.RewardTransaction{ID: uuid.New(), Amount: 10, Currency: "USD", Status: domain.RewardTransactionPending, LedgerRef: &completedRef}
	repo.CreateRewardTransaction(context.Background(), completed)

	rejectedRef := "lref-bad"
	rejected := &domain.RewardTransaction{ID: uuid.New(), Amount: 10, Currency: "USD", Status: domain.RewardTransactionPending, LedgerRef: &rejectedRef}
	repo.CreateRewardTransaction(context.Background(), rejected)

	inFlightRef := "lref-wip"
	inFlight := &domain.RewardTransaction{ID: uuid.New(), Amount: 10, Currency: "USD", Status: domain.RewardTransactionPending, LedgerRef: &inFlightRef}
	repo.CreateRewardTransaction(context.Background(), inFlight)

	server := newLedgerStub(ledgerStubConfig{transferStatuses: map[string]string{
		completedRef: "completed",
		rejectedRef:  "failed",
		inFlightRef:  "processing",
	}})
	defer server.Close()
	d := NewDispatcher(repo, ledgerclient.NewClient(server.URL, "key"), "funding-acct")

	resolved, err := d.Reconcile(context.Background(), 15*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved != 3 {
		t.Fatalf("expected 3 resolved transactions, got %d", resolved)
	}

	if got := repo.get(unsubmitted.ID); got.Status != domain.RewardTransactionFailed {
		t.Fatalf("unsubmitted transaction should fail, got %s", got.Status)
	}
	if got := repo.get(completed.ID); got.Status != domain.RewardTransactionConfirmed {
		t.Fatalf("completed transfer should confirm, got %s", got.Status)
	}
	if got := repo.get(rejected.ID); got.Status != domain.RewardTransactionFailed {
		t.Fatalf("ledger-failed transfer should fail, got %s", got.Status)
	}
	if got := repo.get(inFlight.ID); got.Status != domain.RewardTransactionPending {
		t.Fatalf("in-flight transfer should stay pending, got %s", got.Status)
	}
}
