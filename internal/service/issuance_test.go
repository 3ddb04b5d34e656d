package service

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"byorlhub-license-api/internal/catalog"
	"byorlhub-license-api/internal/ledger"
	"byorlhub-license-api/internal/match"
	"byorlhub-license-api/internal/model"
	"byorlhub-license-api/internal/pending"
	"byorlhub-license-api/internal/repository"
	"byorlhub-license-api/internal/roblox"
	"byorlhub-license-api/internal/store"
)

const (
	testMerchantID = int64(500)
	testBuyerID    = int64(900)
)

type fakeOracle struct {
	mu          sync.Mutex
	userID      int64
	identityErr error
	owns        bool
	ownsErr     error
	sales       []model.Transaction
	purchases   []model.Transaction
	txErr       error
}

func (f *fakeOracle) ResolveIdentity(ctx context.Context, username string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.identityErr != nil {
		return 0, f.identityErr
	}
	return f.userID, nil
}

func (f *fakeOracle) HasEntitlement(ctx context.Context, userID, entitlementID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ownsErr != nil {
		return false, f.ownsErr
	}
	return f.owns, nil
}

func (f *fakeOracle) RecentTransactions(ctx context.Context, userID int64, kind model.TransactionKind, limit int) ([]model.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.txErr != nil {
		return nil, f.txErr
	}
	if kind == model.TransactionSale {
		return append([]model.Transaction(nil), f.sales...), nil
	}
	return append([]model.Transaction(nil), f.purchases...), nil
}

type fixture struct {
	issuer  *Issuer
	store   *store.MemoryClient
	oracle  *fakeOracle
	tracker *pending.Tracker
	ledger  *ledger.Ledger
}

func newFixture(t *testing.T, mod func(*IssuerConfig)) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	cat, err := catalog.New([]model.Product{
		{ID: "7d", Name: "Weekly Key", GamepassID: 42, DurationDays: 7, StockPath: "stock/7d.json", BoughtPath: "bought/7d.txt"},
		{ID: "lifetime", Name: "Lifetime Key", GamepassID: 77, DurationDays: 0},
	})
	require.NoError(t, err)

	cfg := IssuerConfig{
		UserDataPath:        "user_data.json",
		MerchantID:          testMerchantID,
		TxFetchLimit:        100,
		TxPollAttempts:      1,
		TxPollDelay:         time.Millisecond,
		PreStartGrace:       300 * time.Second,
		StoreMaxRetries:     10,
		StoreRetryBackoff:   time.Millisecond,
		GraceOverridesOrder: true,
	}
	if mod != nil {
		mod(&cfg)
	}

	memory := store.NewMemoryClient()
	claimLedger := ledger.New(memory, "claimed.txt", cfg.StoreMaxRetries, cfg.StoreRetryBackoff, log)
	tracker := pending.NewTracker(time.Hour)
	matcher := match.New(cat, match.Config{ClaimWindow: 12 * time.Hour, Loose: true}, log)
	oracle := &fakeOracle{userID: testBuyerID, owns: true}

	issuer := NewIssuer(cfg, cat, oracle, memory, claimLedger, tracker, matcher,
		NewLockManager(), NewKeyGenerator("ByorlHub"), nil, nil, log)

	return &fixture{issuer: issuer, store: memory, oracle: oracle, tracker: tracker, ledger: claimLedger}
}

func (f *fixture) userRecord(t *testing.T, username, productID string) *model.ProductRecord {
	t.Helper()
	data, err := store.DecodeUserData(f.store.Snapshot("user_data.json"))
	require.NoError(t, err)
	return data.Record(username, productID)
}

func saleTx(id string, created time.Time) model.Transaction {
	return model.Transaction{ID: id, CreatedAt: created, DetailsID: 42, BuyerID: testBuyerID, Amount: 99}
}

func TestCheckNeedsStart(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.issuer.CheckAndIssue(context.Background(), CheckRequest{
		AccountID: 1, Username: "alice", ProductID: "7d",
	})
	require.NoError(t, err)
	assert.True(t, result.NeedStart)
	assert.False(t, result.KeyIssued)
	assert.Equal(t, ReasonNeedStart, result.Reason)
}

func TestCheckUnknownProduct(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.issuer.CheckAndIssue(context.Background(), CheckRequest{
		AccountID: 1, Username: "alice", ProductID: "nope",
	})
	assert.ErrorIs(t, err, ErrUnknownProduct)
}

func TestIssueHappyPath(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.Put(ctx, "stock/7d.json", `["s1","s2"]`, ""))

	startedAt, err := f.issuer.StartPurchase(ctx, 1, "alice", "7d")
	require.NoError(t, err)

	f.oracle.sales = []model.Transaction{saleTx("tx-1", startedAt.Add(time.Second))}

	result, err := f.issuer.CheckAndIssue(ctx, CheckRequest{AccountID: 1, Username: "alice", ProductID: "7d"})
	require.NoError(t, err)

	assert.True(t, result.HasGamepass)
	assert.True(t, result.KeyIssued)
	assert.True(t, result.IsNewKey)
	assert.True(t, strings.HasPrefix(result.Key, "ByorlHub7D_"), result.Key)
	assert.Equal(t, "tx-1", result.TransactionID)
	require.NotNil(t, result.ExpiryDate)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 7), *result.ExpiryDate, time.Minute)

	record := f.userRecord(t, "alice", "7d")
	require.NotNil(t, record)
	require.Len(t, record.Keys, 1)
	assert.Equal(t, result.Key, record.Keys[0].Key)
	assert.Equal(t, model.ClaimMethodStandard, record.Keys[0].ClaimMethod)

	claimed, err := f.ledger.IsClaimed(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, claimed)

	// Window is closed after issuance.
	entry, _ := f.tracker.Get(1, "7d", "alice")
	assert.Nil(t, entry)

	// Bookkeeping runs asynchronously.
	require.Eventually(t, func() bool {
		return len(store.ParseList(f.store.Snapshot("stock/7d.json"))) == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return strings.Contains(f.store.Snapshot("bought/7d.txt"), result.Key)
	}, time.Second, 5*time.Millisecond)
}

func TestIssueIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	startedAt, err := f.issuer.StartPurchase(ctx, 1, "alice", "7d")
	require.NoError(t, err)
	f.oracle.sales = []model.Transaction{saleTx("tx-1", startedAt.Add(time.Second))}

	first, err := f.issuer.CheckAndIssue(ctx, CheckRequest{AccountID: 1, Username: "alice", ProductID: "7d"})
	require.NoError(t, err)
	require.True(t, first.IsNewKey)

	// Same transaction still in the oracle feed; a fresh window and a
	// second check must not mint a second key.
	_, err = f.issuer.StartPurchase(ctx, 1, "alice", "7d")
	require.NoError(t, err)

	second, err := f.issuer.CheckAndIssue(ctx, CheckRequest{AccountID: 1, Username: "alice", ProductID: "7d"})
	require.NoError(t, err)
	assert.False(t, second.IsNewKey)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, ReasonExistingKey, second.Reason)

	record := f.userRecord(t, "alice", "7d")
	require.Len(t, record.Keys, 1)
}

func TestConcurrentChecksIssueOneKey(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	startedAt, err := f.issuer.StartPurchase(ctx, 1, "alice", "7d")
	require.NoError(t, err)
	f.oracle.sales = []model.Transaction{saleTx("tx-1", startedAt.Add(time.Second))}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	newKeys := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.issuer.CheckAndIssue(ctx, CheckRequest{AccountID: 1, Username: "alice", ProductID: "7d"})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if result.IsNewKey {
				newKeys++
			} else {
				assert.Contains(t, []string{ReasonBusy, ReasonNeedStart, ReasonNoTransaction, ReasonExistingKey}, result.Reason)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, newKeys)
	assert.Equal(t, 1, strings.Count(f.store.Snapshot("claimed.txt"), "tx-1"))
}

func TestWindowBoundary(t *testing.T) {
	ctx := context.Background()

	t.Run("just outside grace", func(t *testing.T) {
		f := newFixture(t, nil)
		startedAt, err := f.issuer.StartPurchase(ctx, 1, "alice", "7d")
		require.NoError(t, err)
		f.oracle.sales = []model.Transaction{saleTx("tx-out", startedAt.Add(-301 * time.Second))}

		result, err := f.issuer.CheckAndIssue(ctx, CheckRequest{AccountID: 1, Username: "alice", ProductID: "7d"})
		require.NoError(t, err)
		assert.False(t, result.KeyIssued)
		assert.Equal(t, ReasonNoTransaction, result.Reason)
	})

	t.Run("just inside grace", func(t *testing.T) {
		f := newFixture(t, nil)
		startedAt, err := f.issuer.StartPurchase(ctx, 1, "alice", "7d")
		require.NoError(t, err)
		f.oracle.sales = []model.Transaction{saleTx("tx-in", startedAt.Add(-299 * time.Second))}

		result, err := f.issuer.CheckAndIssue(ctx, CheckRequest{AccountID: 1, Username: "alice", ProductID: "7d"})
		require.NoError(t, err)
		assert.True(t, result.KeyIssued)

		record := f.userRecord(t, "alice", "7d")
		require.Len(t, record.Keys, 1)
		assert.Equal(t, model.ClaimMethodGrace, record.Keys[0].ClaimMethod)
	})
}

func TestPreStartTransactionSkippedForNewerOne(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	startedAt, err := f.issuer.StartPurchase(ctx, 1, "alice", "7d")
	require.NoError(t, err)

	// A is 400s before start, outside the 300s grace; B is after start.
	f.oracle.sales = []model.Transaction{
		saleTx("A", startedAt.Add(-400*time.Second)),
		saleTx("B", startedAt.Add(10*time.Second)),
	}

	result, err := f.issuer.CheckAndIssue(ctx, CheckRequest{AccountID: 1, Username: "alice", ProductID: "7d"})
	require.NoError(t, err)
	require.True(t, result.KeyIssued)
	assert.Equal(t, "B", result.TransactionID)

	claimedA, err := f.ledger.IsClaimed(ctx, "A")
	require.NoError(t, err)
	assert.False(t, claimedA)
}

func TestClaimExclusivity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.ledger.Claim(ctx, "T1"))

	startedAt, err := f.issuer.StartPurchase(ctx, 2, "bob", "7d")
	require.NoError(t, err)
	f.oracle.sales = []model.Transaction{saleTx("T1", startedAt.Add(time.Second))}

	result, err := f.issuer.CheckAndIssue(ctx, CheckRequest{AccountID: 2, Username: "bob", ProductID: "7d"})
	require.NoError(t, err)
	assert.False(t, result.KeyIssued)
	assert.Equal(t, ReasonNoTransaction, result.Reason)
	assert.True(t, result.ShouldRetry)
}

func TestMonotonicTransactionTimes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	startedAt, err := f.issuer.StartPurchase(ctx, 1, "alice", "7d")
	require.NoError(t, err)
	f.oracle.sales = []model.Transaction{saleTx("tx-1", startedAt.Add(time.Second))}

	_, err = f.issuer.CheckAndIssue(ctx, CheckRequest{AccountID: 1, Username: "alice", ProductID: "7d"})
	require.NoError(t, err)

	_, err = f.issuer.StartPurchase(ctx, 1, "alice", "7d")
	require.NoError(t, err)
	f.oracle.sales = append(f.oracle.sales, saleTx("tx-2", startedAt.Add(2*time.Second)))

	_, err = f.issuer.CheckAndIssue(ctx, CheckRequest{AccountID: 1, Username: "alice", ProductID: "7d"})
	require.NoError(t, err)

	record := f.userRecord(t, "alice", "7d")
	require.Len(t, record.Keys, 2)
	assert.False(t, record.Keys[1].TransactionCreatedAt.Before(record.Keys[0].TransactionCreatedAt))
}

func TestGraceOrderOverrideToggle(t *testing.T) {
	ctx := context.Background()

	run := func(t *testing.T, override bool) *IssuanceResult {
		f := newFixture(t, func(cfg *IssuerConfig) { cfg.GraceOverridesOrder = override })

		startedAt, err := f.issuer.StartPurchase(ctx, 1, "alice", "7d")
		require.NoError(t, err)

		// An older key record sits at the window anchor, and the only new
		// transaction is inside the grace window before it.
		seed := make(model.UserData)
		seed.Append("alice", "7d", model.IssuedKeyRecord{
			Key:                  "ByorlHub7D_202501_existing00000000",
			IssuedAt:             startedAt.Add(-time.Hour),
			TransactionID:        "tx-old",
			TransactionCreatedAt: startedAt,
			ClaimMethod:          model.ClaimMethodStandard,
		})
		encoded, err := store.EncodeUserData(seed)
		require.NoError(t, err)
		require.NoError(t, f.store.Put(ctx, "user_data.json", encoded, ""))

		f.oracle.sales = []model.Transaction{saleTx("tx-grace", startedAt.Add(-100 * time.Second))}

		result, err := f.issuer.CheckAndIssue(ctx, CheckRequest{AccountID: 1, Username: "alice", ProductID: "7d"})
		require.NoError(t, err)
		return result
	}

	t.Run("override on claims the grace transaction", func(t *testing.T) {
		result := run(t, true)
		assert.True(t, result.IsNewKey)
		assert.Equal(t, "tx-grace", result.TransactionID)
	})

	t.Run("override off falls back to the existing key", func(t *testing.T) {
		result := run(t, false)
		assert.False(t, result.IsNewKey)
		assert.Equal(t, ReasonExistingKey, result.Reason)
		assert.Equal(t, "tx-old", result.TransactionID)
	})
}

func TestGuestGetsNoGrace(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Guest windows are stamped at check time, so a transaction from a
	// minute ago is behind the floor.
	f.oracle.sales = []model.Transaction{saleTx("tx-past", time.Now().Add(-time.Minute))}

	result, err := f.issuer.CheckAndIssue(ctx, CheckRequest{AccountID: 0, Username: "guest1", ProductID: "7d"})
	require.NoError(t, err)
	assert.False(t, result.KeyIssued)
	assert.Equal(t, ReasonNoTransaction, result.Reason)
}

func TestPurchaseExpired(t *testing.T) {
	f := newFixture(t, nil)
	// Swap in a tracker whose windows expire almost immediately.
	f.issuer.pending = pending.NewTracker(time.Millisecond)

	ctx := context.Background()
	_, err := f.issuer.StartPurchase(ctx, 1, "alice", "7d")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	result, err := f.issuer.CheckAndIssue(ctx, CheckRequest{AccountID: 1, Username: "alice", ProductID: "7d"})
	require.NoError(t, err)
	assert.True(t, result.PurchaseExpired)
	assert.True(t, result.NeedStart)
	assert.Equal(t, ReasonPurchaseExpired, result.Reason)
}

func TestUserNotFound(t *testing.T) {
	f := newFixture(t, nil)
	f.oracle.identityErr = roblox.ErrUserNotFound

	ctx := context.Background()
	_, err := f.issuer.StartPurchase(ctx, 1, "ghost", "7d")
	require.NoError(t, err)

	result, err := f.issuer.CheckAndIssue(ctx, CheckRequest{AccountID: 1, Username: "ghost", ProductID: "7d"})
	require.NoError(t, err)
	assert.Equal(t, ReasonUserNotFound, result.Reason)
	assert.False(t, result.ShouldRetry)
}

func TestOracleRateLimited(t *testing.T) {
	f := newFixture(t, nil)
	f.oracle.identityErr = roblox.ErrRateLimited

	ctx := context.Background()
	_, err := f.issuer.StartPurchase(ctx, 1, "alice", "7d")
	require.NoError(t, err)

	result, err := f.issuer.CheckAndIssue(ctx, CheckRequest{AccountID: 1, Username: "alice", ProductID: "7d"})
	require.NoError(t, err)
	assert.True(t, result.ShouldRetry)
	assert.Equal(t, ReasonRateLimited, result.Reason)
	assert.NotZero(t, result.RetryAfter)
}

func TestOwnershipFastpath(t *testing.T) {
	f := newFixture(t, func(cfg *IssuerConfig) { cfg.OwnershipFastpath = true })
	ctx := context.Background()

	_, err := f.issuer.StartPurchase(ctx, 1, "alice", "7d")
	require.NoError(t, err)

	result, err := f.issuer.CheckAndIssue(ctx, CheckRequest{AccountID: 1, Username: "alice", ProductID: "7d"})
	require.NoError(t, err)
	require.True(t, result.KeyIssued)
	assert.True(t, result.IsNewKey)
	assert.Empty(t, result.TransactionID)

	record := f.userRecord(t, "alice", "7d")
	require.Len(t, record.Keys, 1)
	assert.Equal(t, model.ClaimMethodOwnership, record.Keys[0].ClaimMethod)

	claimed, err := f.ledger.IsClaimed(ctx, "gamepass:900:42")
	require.NoError(t, err)
	assert.True(t, claimed)

	// The fastpath only fires once: the synthetic claim blocks repeats.
	_, err = f.issuer.StartPurchase(ctx, 1, "alice", "7d")
	require.NoError(t, err)
	second, err := f.issuer.CheckAndIssue(ctx, CheckRequest{AccountID: 1, Username: "alice", ProductID: "7d"})
	require.NoError(t, err)
	assert.False(t, second.IsNewKey)
	assert.Equal(t, result.Key, second.Key)
}

func TestMerchantFeedFiltersBuyers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	startedAt, err := f.issuer.StartPurchase(ctx, 1, "alice", "7d")
	require.NoError(t, err)

	other := saleTx("tx-other", startedAt.Add(time.Second))
	other.BuyerID = 901
	f.oracle.sales = []model.Transaction{other, saleTx("tx-mine", startedAt.Add(2*time.Second))}

	result, err := f.issuer.CheckAndIssue(ctx, CheckRequest{AccountID: 1, Username: "alice", ProductID: "7d"})
	require.NoError(t, err)
	require.True(t, result.KeyIssued)
	assert.Equal(t, "tx-mine", result.TransactionID)
}

func TestLifetimeKeyHasNoExpiry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	startedAt, err := f.issuer.StartPurchase(ctx, 1, "alice", "lifetime")
	require.NoError(t, err)
	tx := saleTx("tx-lt", startedAt.Add(time.Second))
	tx.DetailsID = 77
	f.oracle.sales = []model.Transaction{tx}

	result, err := f.issuer.CheckAndIssue(ctx, CheckRequest{AccountID: 1, Username: "alice", ProductID: "lifetime"})
	require.NoError(t, err)
	require.True(t, result.KeyIssued)
	assert.Nil(t, result.ExpiryDate)
	assert.True(t, strings.HasPrefix(result.Key, "ByorlHubLT_"), result.Key)
}

type fakeAccounts struct {
	account *model.Account
	err     error
}

func (f *fakeAccounts) GetAccountByID(ctx context.Context, id int64) (*model.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.account, nil
}

func (f *fakeAccounts) Close() error { return nil }

var _ repository.AccountRepository = (*fakeAccounts)(nil)

func TestStartPurchaseAccountChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown product", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.issuer.StartPurchase(ctx, 1, "alice", "nope")
		assert.ErrorIs(t, err, ErrUnknownProduct)
	})

	t.Run("linked username mismatch", func(t *testing.T) {
		f := newFixture(t, nil)
		f.issuer.accounts = &fakeAccounts{account: &model.Account{ID: 1, Username: "alice", RobloxUsername: "someoneelse"}}

		_, err := f.issuer.StartPurchase(ctx, 1, "alice", "7d")
		assert.ErrorIs(t, err, ErrAccountMismatch)
	})

	t.Run("linked username match is case-insensitive", func(t *testing.T) {
		f := newFixture(t, nil)
		f.issuer.accounts = &fakeAccounts{account: &model.Account{ID: 1, Username: "alice", RobloxUsername: "Alice"}}

		_, err := f.issuer.StartPurchase(ctx, 1, "alice", "7d")
		assert.NoError(t, err)
	})
}

func TestCheckOtherUsernameNeedsStart(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	startedAt, err := f.issuer.StartPurchase(ctx, 1, "alice", "7d")
	require.NoError(t, err)
	f.oracle.sales = []model.Transaction{saleTx("tx-1", startedAt.Add(-100 * time.Second))}

	// bob never declared intent; alice's window and its grace period
	// must not anchor his check.
	result, err := f.issuer.CheckAndIssue(ctx, CheckRequest{AccountID: 1, Username: "bob", ProductID: "7d"})
	require.NoError(t, err)
	assert.True(t, result.NeedStart)
	assert.False(t, result.KeyIssued)
	assert.Equal(t, ReasonNeedStart, result.Reason)

	// alice's own check still claims the grace transaction.
	result, err = f.issuer.CheckAndIssue(ctx, CheckRequest{AccountID: 1, Username: "alice", ProductID: "7d"})
	require.NoError(t, err)
	assert.True(t, result.IsNewKey)
	assert.Equal(t, "tx-1", result.TransactionID)
}

func TestEqualTimestampTie(t *testing.T) {
	ctx := context.Background()

	seedLastTx := func(t *testing.T, f *fixture, at time.Time) {
		seed := make(model.UserData)
		seed.Append("alice", "7d", model.IssuedKeyRecord{
			Key:                  "ByorlHub7D_202501_existing00000000",
			IssuedAt:             at.Add(-time.Hour),
			TransactionID:        "tx-old",
			TransactionCreatedAt: at,
			ClaimMethod:          model.ClaimMethodStandard,
		})
		encoded, err := store.EncodeUserData(seed)
		require.NoError(t, err)
		require.NoError(t, f.store.Put(ctx, "user_data.json", encoded, ""))
	}

	t.Run("accepted with a live window", func(t *testing.T) {
		f := newFixture(t, nil)

		startedAt, err := f.issuer.StartPurchase(ctx, 1, "alice", "7d")
		require.NoError(t, err)

		txAt := startedAt.Add(10 * time.Second)
		seedLastTx(t, f, txAt)
		f.oracle.sales = []model.Transaction{saleTx("tx-tie", txAt)}

		result, err := f.issuer.CheckAndIssue(ctx, CheckRequest{AccountID: 1, Username: "alice", ProductID: "7d"})
		require.NoError(t, err)
		assert.True(t, result.IsNewKey)
		assert.Equal(t, "tx-tie", result.TransactionID)
	})

	t.Run("rejected for guests", func(t *testing.T) {
		f := newFixture(t, nil)

		// Guest windows anchor at check time, so place the tie slightly
		// in the future to keep it above the window floor.
		txAt := time.Now().Add(5 * time.Second)
		seedLastTx(t, f, txAt)
		f.oracle.sales = []model.Transaction{saleTx("tx-tie", txAt)}

		result, err := f.issuer.CheckAndIssue(ctx, CheckRequest{AccountID: 0, Username: "alice", ProductID: "7d"})
		require.NoError(t, err)
		assert.False(t, result.IsNewKey)
		assert.Equal(t, ReasonExistingKey, result.Reason)
		assert.Equal(t, "tx-old", result.TransactionID)
	})
}

func TestIssueWhileOwnershipLags(t *testing.T) {
	f := newFixture(t, nil)
	f.oracle.owns = false
	ctx := context.Background()

	startedAt, err := f.issuer.StartPurchase(ctx, 1, "alice", "7d")
	require.NoError(t, err)
	f.oracle.sales = []model.Transaction{saleTx("tx-1", startedAt.Add(time.Second))}

	// The sale feed can confirm a purchase before the ownership lookup
	// catches up; the key is issued but hasGamepass reports the oracle.
	result, err := f.issuer.CheckAndIssue(ctx, CheckRequest{AccountID: 1, Username: "alice", ProductID: "7d"})
	require.NoError(t, err)
	assert.True(t, result.KeyIssued)
	assert.True(t, result.IsNewKey)
	assert.False(t, result.HasGamepass)
}

func TestPurchaseHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	seed := make(model.UserData)
	seed.Append("alice", "7d", model.IssuedKeyRecord{
		Key:           "ByorlHub7D_202506_aaaaaaaaaaaaaaaa",
		IssuedAt:      base,
		ExpiryDate:    base.AddDate(0, 0, 7),
		TransactionID: "tx-1",
		ClaimMethod:   model.ClaimMethodStandard,
	})
	seed.Append("alice", "lifetime", model.IssuedKeyRecord{
		Key:           "ByorlHubLT_202506_bbbbbbbbbbbbbbbb",
		IssuedAt:      base.Add(time.Hour),
		TransactionID: "tx-2",
		ClaimMethod:   model.ClaimMethodStandard,
	})
	seed.Append("carol", "7d", model.IssuedKeyRecord{
		Key:      "ByorlHub7D_202506_cccccccccccccccc",
		IssuedAt: base,
	})
	encoded, err := store.EncodeUserData(seed)
	require.NoError(t, err)
	require.NoError(t, f.store.Put(ctx, "user_data.json", encoded, ""))

	entries, err := f.issuer.PurchaseHistory(ctx, 1, "alice")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first, with catalog names resolved.
	assert.Equal(t, "ByorlHubLT_202506_bbbbbbbbbbbbbbbb", entries[0].Key)
	assert.Equal(t, "Lifetime Key", entries[0].ProductName)
	assert.True(t, entries[0].ExpiryDate.IsZero())
	assert.Equal(t, "ByorlHub7D_202506_aaaaaaaaaaaaaaaa", entries[1].Key)
	assert.Equal(t, "Weekly Key", entries[1].ProductName)
	assert.Equal(t, "alice", entries[1].RobloxUsername)
	assert.False(t, entries[1].ExpiryDate.IsZero())

	t.Run("empty for unknown user", func(t *testing.T) {
		entries, err := f.issuer.PurchaseHistory(ctx, 1, "nobody")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("linked username mismatch", func(t *testing.T) {
		f.issuer.accounts = &fakeAccounts{account: &model.Account{ID: 1, Username: "alice", RobloxUsername: "someoneelse"}}
		_, err := f.issuer.PurchaseHistory(ctx, 1, "alice")
		assert.ErrorIs(t, err, ErrAccountMismatch)
	})
}
