package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rewardrush/claim-service/internal/domain"
	"github.com/rewardrush/claim-service/internal/store"
	"github.com/rewardrush/claim-service/pkg/ledgerclient"
)

// claimRaceRepo is an in-memory repository covering everything the claim
// workflow touches, guarded by one mutex so concurrent attempts exercise
// real interleavings.
type claimRaceRepo struct {
	store.Repository

	mu        sync.Mutex
	drop      domain.Drop
	profiles  map[uuid.UUID]*domain.ClaimantProfile
	finalized map[uuid.UUID]store.FinalizeClaimEventParams
	txs       map[uuid.UUID]*domain.RewardTransaction

	fingerprintHolders int
	recentAttempts     int
	weeklyWins         int
	nextDrop           *time.Time
}

func newClaimRaceRepo(drop domain.Drop) *claimRaceRepo {
	return &claimRaceRepo{
		drop:      drop,
		profiles:  make(map[uuid.UUID]*domain.ClaimantProfile),
		finalized: make(map[uuid.UUID]store.FinalizeClaimEventParams),
		txs:       make(map[uuid.UUID]*domain.RewardTransaction),
	}
}

func (r *claimRaceRepo) CreateClaimEvent(ctx context.Context, event *domain.ClaimEvent) error {
	return nil
}

func (r *claimRaceRepo) IncrementDropAttemptCounters(ctx context.Context, dropID, claimantID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drop.TotalAttempts++
	return nil
}

func (r *claimRaceRepo) FindDropByID(ctx context.Context, dropID uuid.UUID) (*domain.Drop, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dropID != r.drop.ID {
		return nil, store.ErrDropNotFound
	}
	snapshot := r.drop
	return &snapshot, nil
}

func (r *claimRaceRepo) RecordProfileAttempt(ctx context.Context, claimantID uuid.UUID, latencyMS int64) error {
	return nil
}

func (r *claimRaceRepo) FindClaimantProfile(ctx context.Context, claimantID uuid.UUID) (*domain.ClaimantProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.profiles[claimantID]; ok {
		snapshot := *p
		return &snapshot, nil
	}
	return &domain.ClaimantProfile{ClaimantID: claimantID}, nil
}

func (r *claimRaceRepo) CountClaimantWinsSince(ctx context.Context, claimantID uuid.UUID, since time.Time) (int, error) {
	return r.weeklyWins, nil
}

func (r *claimRaceRepo) CountRecentAttemptsByClaimant(ctx context.Context, claimantID uuid.UUID, since time.Time) (int, error) {
	return r.recentAttempts, nil
}

func (r *claimRaceRepo) CountDistinctClaimantsByFingerprint(ctx context.Context, fingerprint string, since time.Time) (int, error) {
	return r.fingerprintHolders, nil
}

func (r *claimRaceRepo) FinalizeClaimEvent(ctx context.Context, eventID uuid.UUID, params store.FinalizeClaimEventParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized[eventID] = params
	return nil
}

func (r *claimRaceRepo) CommitDropWinner(ctx context.Context, dropID, claimantID uuid.UUID, claimedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dropID != r.drop.ID {
		return store.ErrDropNotFound
	}
	if r.drop.WinnerID != nil {
		return store.ErrWinnerAlreadyRecorded
	}
	if r.drop.Status != domain.DropStatusDropped {
		return store.ErrDropNotClaimable
	}
	if claimedAt.After(r.drop.ExpiresAt) {
		return store.ErrDropNotClaimable
	}
	winner := claimantID
	r.drop.Status = domain.DropStatusClaimed
	r.drop.WinnerID = &winner
	r.drop.ClaimedAt = &claimedAt
	return nil
}

func (r *claimRaceRepo) RecordProfileWin(ctx context.Context, claimantID uuid.UUID, amount float64, wonAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[claimantID]
	if !ok {
		p = &domain.ClaimantProfile{ClaimantID: claimantID}
		r.profiles[claimantID] = p
	}
	p.SuccessfulClaims++
	p.CumulativeReward += amount
	win := wonAt
	p.LastWinDate = &win
	return nil
}

func (r *claimRaceRepo) NextScheduledDropTime(ctx context.Context, after time.Time) (*time.Time, error) {
	return r.nextDrop, nil
}

func (r *claimRaceRepo) CreateRewardTransaction(ctx context.Context, tx *domain.RewardTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *tx
	r.txs[tx.ID] = &stored
	return nil
}

func (r *claimRaceRepo) SetRewardTransactionLedgerRef(ctx context.Context, txID uuid.UUID, ledgerRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tx, ok := r.txs[txID]; ok {
		tx.LedgerRef = &ledgerRef
	}
	return nil
}

func (r *claimRaceRepo) UpdateRewardTransactionStatus(ctx context.Context, txID uuid.UUID, status domain.RewardTransactionStatus, failureReason *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tx, ok := r.txs[txID]; ok {
		tx.Status = status
		tx.FailureReason = failureReason
	}
	return nil
}

func (r *claimRaceRepo) FindRewardTransactionByID(ctx context.Context, txID uuid.UUID) (*domain.RewardTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[txID]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	snapshot := *tx
	return &snapshot, nil
}

func (r *claimRaceRepo) CreateDrop(ctx context.Context, drop *domain.Drop) (*domain.Drop, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drop = *drop
	stored := r.drop
	return &stored, nil
}

func (r *claimRaceRepo) MarkDropDropped(ctx context.Context, dropID uuid.UUID, droppedAt, expiresAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dropID != r.drop.ID || r.drop.Status != domain.DropStatusScheduled {
		return false, nil
	}
	at := droppedAt
	r.drop.Status = domain.DropStatusDropped
	r.drop.ActualDropTime = &at
	r.drop.ExpiresAt = expiresAt
	return true, nil
}

func (r *claimRaceRepo) IncrementDropNotificationCount(ctx context.Context, dropID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drop.NotificationCount++
	return nil
}

func (r *claimRaceRepo) snapshotDrop() domain.Drop {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drop
}

// nopPublisher swallows lifecycle events in tests.
type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}
func (nopPublisher) Close() {}

// fakeLedger is an httptest ledger with a switchable transfer outcome.
type fakeLedger struct {
	server  *httptest.Server
	failing atomic.Bool
	balance float64
}

func newFakeLedger(balance float64) *fakeLedger {
	f := &fakeLedger{balance: balance}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/transfers", func(w http.ResponseWriter, r *http.Request) {
		if f.failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]interface{}{"errors": []map[string]string{{"title": "unavailable", "detail": "ledger down"}}})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "lref-" + uuid.NewString(), "status": "processing"})
	})
	mux.HandleFunc("GET /api/v1/accounts/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"available_balance": f.balance, "currency": "USD"})
	})
	f.server = httptest.NewServer(mux)
	return f
}

func droppedDrop(now time.Time) domain.Drop {
	dropTime := now.Add(-2 * time.Second)
	return domain.Drop{
		ID:             uuid.New(),
		Status:         domain.DropStatusDropped,
		ScheduledTime:  dropTime,
		ActualDropTime: &dropTime,
		ExpiresAt:      now.Add(10 * time.Minute),
		Reward:         rewardConfig(),
	}
}

func newClaimService(repo *claimRaceRepo, ledgerURL string) *Service {
	ledger := ledgerclient.NewClient(ledgerURL, "test-key")
	dispatcher := NewDispatcher(repo, ledger, "funding-acct")
	svc := NewService(
		repo,
		NewMemoryDropLocker(5*time.Second),
		NewMemoryRateLimiter(3, time.Minute),
		NewRiskScreener(repo),
		dispatcher,
		nopPublisher{},
		15*time.Minute,
		15*time.Minute,
	)
	svc.now = func() time.Time { return weekday }
	return svc
}

func TestClaimExactlyOneWinner(t *testing.T) {
	repo := newClaimRaceRepo(droppedDrop(weekday))
	ledger := newFakeLedger(100000)
	defer ledger.server.Close()
	svc := newClaimService(repo, ledger.server.URL)

	const racers = 12
	dropID := repo.snapshotDrop().ID
	results := make([]*domain.ClaimResult, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := svc.Claim(context.Background(), dropID, uuid.New(), domain.ClaimContext{
				NetworkOrigin: domain.NetworkOriginResidential,
			})
			if err != nil {
				t.Errorf("racer %d: unexpected error %v", i, err)
				return
			}
			results[i] = result
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, result := range results {
		if result == nil {
			continue
		}
		if result.Success {
			successes++
			// 2s latency on a weekday with no streak: 10 * 1.16 = 11.60
			if result.AwardedAmount != 11.60 {
				t.Errorf("expected award 11.60, got %v", result.AwardedAmount)
			}
			if result.TransactionID == nil {
				t.Error("winning result must carry a transaction reference")
			}
		} else if result.Reason != domain.ClaimReasonAlreadyClaimed {
			t.Errorf("loser should see already_claimed, got %q", result.Reason)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one winner, got %d", successes)
	}

	drop := repo.snapshotDrop()
	if drop.Status != domain.DropStatusClaimed {
		t.Fatalf("drop should be claimed, got %s", drop.Status)
	}
	if drop.WinnerID == nil {
		t.Fatal("winner must be recorded")
	}
	if len(repo.finalized) != racers {
		t.Fatalf("every attempt must finalize exactly one claim event, got %d of %d", len(repo.finalized), racers)
	}
}

func TestClaimDispatchFailureLeavesDropOpen(t *testing.T) {
	repo := newClaimRaceRepo(droppedDrop(weekday))
	ledger := newFakeLedger(100000)
	defer ledger.server.Close()
	svc := newClaimService(repo, ledger.server.URL)

	ledger.failing.Store(true)
	result, err := svc.Claim(context.Background(), repo.drop.ID, uuid.New(), domain.ClaimContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success || result.Reason != domain.ClaimReasonSystemError {
		t.Fatalf("dispatch failure should yield system_error, got %+v", result)
	}

	drop := repo.snapshotDrop()
	if drop.Status != domain.DropStatusDropped || drop.WinnerID != nil {
		t.Fatal("dispatch failure must leave the drop claimable")
	}

	// A different claimant can still legitimately win.
	ledger.failing.Store(false)
	result, err = svc.Claim(context.Background(), repo.drop.ID, uuid.New(), domain.ClaimContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("claim after recovered ledger should win, got %+v", result)
	}
}

func TestClaimRateLimited(t *testing.T) {
	repo := newClaimRaceRepo(droppedDrop(weekday))
	ledger := newFakeLedger(100000)
	defer ledger.server.Close()
	svc := newClaimService(repo, ledger.server.URL)

	// Dispatch keeps failing, so the same claimant can burn attempts
	// without ending the race.
	ledger.failing.Store(true)
	claimantID := uuid.New()

	for i := 0; i < 3; i++ {
		result, err := svc.Claim(context.Background(), repo.drop.ID, claimantID, domain.ClaimContext{})
		if err != nil {
			t.Fatalf("attempt %d: unexpected error %v", i+1, err)
		}
		if result.Reason != domain.ClaimReasonSystemError {
			t.Fatalf("attempt %d: expected system_error, got %q", i+1, result.Reason)
		}
	}

	result, err := svc.Claim(context.Background(), repo.drop.ID, claimantID, domain.ClaimContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reason != domain.ClaimReasonRateLimited {
		t.Fatalf("fourth attempt should be rate limited, got %q", result.Reason)
	}
	if result.RetryAfterSeconds < 1 {
		t.Fatalf("rate limited result must carry a retry-after, got %d", result.RetryAfterSeconds)
	}
	if len(repo.finalized) != 4 {
		t.Fatalf("all four attempts must finalize claim events, got %d", len(repo.finalized))
	}
}

func TestClaimBlockedSuspiciousActivity(t *testing.T) {
	repo := newClaimRaceRepo(droppedDrop(weekday))
	repo.fingerprintHolders = 5
	ledger := newFakeLedger(100000)
	defer ledger.server.Close()
	svc := newClaimService(repo, ledger.server.URL)

	result, err := svc.Claim(context.Background(), repo.drop.ID, uuid.New(), domain.ClaimContext{
		Fingerprint: "farm-device",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success || result.Reason != domain.ClaimReasonSuspiciousActivity {
		t.Fatalf("expected suspicious_activity, got %+v", result)
	}

	drop := repo.snapshotDrop()
	if drop.Status != domain.DropStatusDropped || drop.WinnerID != nil {
		t.Fatal("blocked claim must not mutate drop state")
	}

	// The lock was released, so a clean claimant can win immediately.
	repo.fingerprintHolders = 0
	result, err = svc.Claim(context.Background(), repo.drop.ID, uuid.New(), domain.ClaimContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("clean claimant after a blocked one should win, got %+v", result)
	}
}

func TestClaimNotDroppedYet(t *testing.T) {
	drop := droppedDrop(weekday)
	drop.Status = domain.DropStatusScheduled
	drop.ActualDropTime = nil
	repo := newClaimRaceRepo(drop)
	hint := weekday.Add(3 * time.Hour)
	repo.nextDrop = &hint
	ledger := newFakeLedger(100000)
	defer ledger.server.Close()
	svc := newClaimService(repo, ledger.server.URL)

	result, err := svc.Claim(context.Background(), drop.ID, uuid.New(), domain.ClaimContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reason != domain.ClaimReasonNotDropped {
		t.Fatalf("expected not_dropped, got %q", result.Reason)
	}
	if result.NextDropHint == nil || !result.NextDropHint.Equal(hint) {
		t.Fatalf("expected next drop hint %v, got %v", hint, result.NextDropHint)
	}
}

func TestClaimExpiredWindow(t *testing.T) {
	drop := droppedDrop(weekday)
	drop.ExpiresAt = weekday.Add(-time.Minute)
	repo := newClaimRaceRepo(drop)
	ledger := newFakeLedger(100000)
	defer ledger.server.Close()
	svc := newClaimService(repo, ledger.server.URL)

	result, err := svc.Claim(context.Background(), drop.ID, uuid.New(), domain.ClaimContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reason != domain.ClaimReasonExpired {
		t.Fatalf("expected expired, got %q", result.Reason)
	}
}

func TestClaimMissingDrop(t *testing.T) {
	repo := newClaimRaceRepo(droppedDrop(weekday))
	ledger := newFakeLedger(100000)
	defer ledger.server.Close()
	svc := newClaimService(repo, ledger.server.URL)

	result, err := svc.Claim(context.Background(), uuid.New(), uuid.New(), domain.ClaimContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reason != domain.ClaimReasonNotDropped {
		t.Fatalf("unknown drop should read as not_dropped, got %q", result.Reason)
	}
}

func TestClaimNotEligibleCollectsAllReasons(t *testing.T) {
	drop := droppedDrop(weekday)
	drop.Eligibility = domain.Eligibility{
		WinnerCooldownDays: 2,
		WeeklyWinCap:       3,
		EligibleClaimants:  []uuid.UUID{uuid.New()},
	}
	repo := newClaimRaceRepo(drop)
	repo.weeklyWins = 3
	claimantID := uuid.New()
	lastWin := weekday.Add(-12 * time.Hour)
	repo.profiles[claimantID] = &domain.ClaimantProfile{ClaimantID: claimantID, LastWinDate: &lastWin}

	ledger := newFakeLedger(100000)
	defer ledger.server.Close()
	svc := newClaimService(repo, ledger.server.URL)

	result, err := svc.Claim(context.Background(), drop.ID, claimantID, domain.ClaimContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reason != domain.ClaimReasonNotEligible {
		t.Fatalf("expected not_eligible, got %q", result.Reason)
	}
	if len(result.EligibilityIssues) != 3 {
		t.Fatalf("expected all three eligibility issues, got %v", result.EligibilityIssues)
	}
}

func TestClaimInsufficientFundingIsSystemError(t *testing.T) {
	repo := newClaimRaceRepo(droppedDrop(weekday))
	ledger := newFakeLedger(0.50)
	defer ledger.server.Close()
	svc := newClaimService(repo, ledger.server.URL)

	result, err := svc.Claim(context.Background(), repo.drop.ID, uuid.New(), domain.ClaimContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success || result.Reason != domain.ClaimReasonSystemError {
		t.Fatalf("underfunded dispatch should yield system_error, got %+v", result)
	}
	if drop := repo.snapshotDrop(); drop.Status != domain.DropStatusDropped {
		t.Fatal("drop must stay claimable when funding is short")
	}
}

func TestCreateDropHonorsExpiryOverride(t *testing.T) {
	repo := newClaimRaceRepo(domain.Drop{})
	ledger := newFakeLedger(100000)
	defer ledger.server.Close()
	svc := newClaimService(repo, ledger.server.URL)

	scheduled := weekday.Add(2 * time.Hour)
	drop, err := svc.CreateDrop(context.Background(), domain.CreateDropRequest{
		ScheduledTime:   scheduled,
		ExpiryInMinutes: 60,
		Reward:          rewardConfig(),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if want := scheduled.Add(60 * time.Minute); !drop.ExpiresAt.Equal(want) {
		t.Fatalf("expires at %v, want %v", drop.ExpiresAt, want)
	}

	if _, err := svc.CreateDrop(context.Background(), domain.CreateDropRequest{
		ScheduledTime:   scheduled,
		ExpiryInMinutes: -5,
		Reward:          rewardConfig(),
	}); err == nil {
		t.Fatal("negative expiry must be rejected")
	}
}

func TestCreateDropDefaultsClaimWindow(t *testing.T) {
	repo := newClaimRaceRepo(domain.Drop{})
	ledger := newFakeLedger(100000)
	defer ledger.server.Close()
	svc := newClaimService(repo, ledger.server.URL)

	scheduled := weekday.Add(2 * time.Hour)
	drop, err := svc.CreateDrop(context.Background(), domain.CreateDropRequest{
		ScheduledTime: scheduled,
		Reward:        rewardConfig(),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if want := scheduled.Add(15 * time.Minute); !drop.ExpiresAt.Equal(want) {
		t.Fatalf("expires at %v, want the default window end %v", drop.ExpiresAt, want)
	}
}

func TestPerformDropKeepsConfiguredWindow(t *testing.T) {
	repo := newClaimRaceRepo(domain.Drop{})
	ledger := newFakeLedger(100000)
	defer ledger.server.Close()
	svc := newClaimService(repo, ledger.server.URL)

	drop, err := svc.CreateDrop(context.Background(), domain.CreateDropRequest{
		ScheduledTime:   weekday.Add(time.Hour),
		ExpiryInMinutes: 60,
		Reward:          rewardConfig(),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := svc.PerformDrop(context.Background(), drop.ID); err != nil {
		t.Fatalf("fire failed: %v", err)
	}

	fired := repo.snapshotDrop()
	if fired.Status != domain.DropStatusDropped {
		t.Fatalf("expected dropped status, got %q", fired.Status)
	}
	if want := weekday.Add(60 * time.Minute); !fired.ExpiresAt.Equal(want) {
		t.Fatalf("fired drop expires at %v, want %v", fired.ExpiresAt, want)
	}
}
