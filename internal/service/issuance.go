package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"byorlhub-license-api/internal/catalog"
	"byorlhub-license-api/internal/ledger"
	"byorlhub-license-api/internal/match"
	"byorlhub-license-api/internal/model"
	"byorlhub-license-api/internal/pending"
	"byorlhub-license-api/internal/repository"
	"byorlhub-license-api/internal/roblox"
	"byorlhub-license-api/internal/store"
	"byorlhub-license-api/pkg/backoff"
)

var (
	// ErrUnknownProduct means the requested product id is not configured.
	ErrUnknownProduct = errors.New("service: unknown product")
	// ErrStoreUnavailable means the remote store could not complete the
	// issuance write, including retry exhaustion on conflicts.
	ErrStoreUnavailable = errors.New("service: remote store unavailable")
	// ErrAccountMismatch means the authenticated account is linked to a
	// different Roblox username than the one sent with the request.
	ErrAccountMismatch = errors.New("service: account linked to a different roblox user")

	errNoEligible = errors.New("service: no eligible transaction")
)

// Oracle is the slice of the Roblox client the issuer depends on.
type Oracle interface {
	ResolveIdentity(ctx context.Context, username string) (int64, error)
	HasEntitlement(ctx context.Context, userID, entitlementID int64) (bool, error)
	RecentTransactions(ctx context.Context, userID int64, kind model.TransactionKind, limit int) ([]model.Transaction, error)
}

// IssuerConfig carries the issuance policy knobs.
type IssuerConfig struct {
	UserDataPath      string
	MerchantID        int64
	TxFetchLimit      int
	TxPollAttempts    int
	TxPollDelay       time.Duration
	PreStartGrace     time.Duration
	StoreMaxRetries   int
	StoreRetryBackoff time.Duration

	// GraceOverridesOrder lets a transaction inside the pre-start grace
	// window be claimed even when it is not newer than the last issued
	// one. Without it the grace window only relaxes the start boundary.
	GraceOverridesOrder bool

	// OwnershipFastpath issues a first key on proven gamepass ownership
	// alone when no transaction can be attributed. Off by default: it
	// trusts the ownership oracle over the payment trail.
	OwnershipFastpath bool
}

// CheckRequest is one issuance check. AccountID 0 marks a guest request,
// which gets a synthetic purchase window with no pre-start grace.
type CheckRequest struct {
	AccountID    int64
	Username     string
	ProductID    string
	ForceRefresh bool
}

// IssuanceResult is the service surface consumed by the HTTP layer. The
// field set mirrors the historical wire contract.
type IssuanceResult struct {
	HasGamepass     bool       `json:"hasGamepass"`
	KeyIssued       bool       `json:"keyIssued"`
	IsNewKey        bool       `json:"isNewKey"`
	Key             string     `json:"key,omitempty"`
	ExpiryDate      *time.Time `json:"expiryDate,omitempty"`
	TransactionID   string     `json:"transactionId,omitempty"`
	NeedStart       bool       `json:"needStart,omitempty"`
	PurchaseExpired bool       `json:"purchaseExpired,omitempty"`
	HadPreviousKeys bool       `json:"hadPreviousKeys,omitempty"`
	PriorKeyCount   int        `json:"priorKeyCount,omitempty"`
	ShouldRetry     bool       `json:"shouldRetry,omitempty"`
	RetryAfter      int        `json:"retryAfter,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	Message         string     `json:"message,omitempty"`
}

// Result reasons.
const (
	ReasonBusy            = "busy"
	ReasonNeedStart       = "need_start"
	ReasonPurchaseExpired = "purchase_expired"
	ReasonUserNotFound    = "user_not_found"
	ReasonRateLimited     = "rate_limited"
	ReasonNoTransaction   = "no_eligible_transaction"
	ReasonKeyIssued       = "key_issued"
	ReasonExistingKey     = "existing_key"
)

// Issuer orchestrates the whole check-and-issue flow: lock, pending
// window, oracle lookups, transaction matching, claim, record append and
// the trailing bookkeeping.
type Issuer struct {
	cfg      IssuerConfig
	catalog  *catalog.Catalog
	oracle   Oracle
	store    store.Client
	ledger   *ledger.Ledger
	pending  *pending.Tracker
	matcher  *match.Matcher
	locks    *LockManager
	keygen   *KeyGenerator
	accounts repository.AccountRepository
	audit    repository.AuditLogRepository
	log      *logrus.Logger
	now      func() time.Time
}

// NewIssuer wires the orchestrator. accounts and audit may be nil; the
// corresponding steps are skipped.
func NewIssuer(
	cfg IssuerConfig,
	cat *catalog.Catalog,
	oracle Oracle,
	storeClient store.Client,
	claimLedger *ledger.Ledger,
	tracker *pending.Tracker,
	matcher *match.Matcher,
	locks *LockManager,
	keygen *KeyGenerator,
	accounts repository.AccountRepository,
	audit repository.AuditLogRepository,
	log *logrus.Logger,
) *Issuer {
	return &Issuer{
		cfg:      cfg,
		catalog:  cat,
		oracle:   oracle,
		store:    storeClient,
		ledger:   claimLedger,
		pending:  tracker,
		matcher:  matcher,
		locks:    locks,
		keygen:   keygen,
		accounts: accounts,
		audit:    audit,
		log:      log,
		now:      time.Now,
	}
}

// StartPurchase opens a purchase window for an authenticated account and
// returns its anchor timestamp. When an account repository is wired the
// account must exist, and a linked Roblox username must match the one in
// the request.
func (s *Issuer) StartPurchase(ctx context.Context, accountID int64, username, productID string) (time.Time, error) {
	if s.catalog.ByID(productID) == nil {
		return time.Time{}, ErrUnknownProduct
	}

	if s.accounts != nil {
		account, err := s.accounts.GetAccountByID(ctx, accountID)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to verify account %d: %w", accountID, err)
		}
		if account.RobloxUsername != "" && !strings.EqualFold(account.RobloxUsername, username) {
			return time.Time{}, ErrAccountMismatch
		}
	}

	entry := s.pending.Start(accountID, productID, username)
	s.log.Infof("[Issuer] Purchase window opened for %s/%s (account %d)", username, productID, accountID)
	return entry.StartedAt, nil
}

// CheckAndIssue runs one issuance check. Domain outcomes (busy, not
// owned, nothing claimable yet) come back inside the result; errors are
// reserved for infrastructure failures and unknown products.
func (s *Issuer) CheckAndIssue(ctx context.Context, req CheckRequest) (*IssuanceResult, error) {
	product := s.catalog.ByID(req.ProductID)
	if product == nil {
		return nil, ErrUnknownProduct
	}

	release, ok := s.locks.Acquire(req.Username, req.ProductID)
	if !ok {
		return &IssuanceResult{
			ShouldRetry: true,
			RetryAfter:  2,
			Reason:      ReasonBusy,
			Message:     "Another check for this user is in progress. Try again shortly.",
		}, nil
	}
	defer release()

	pend, result := s.resolvePending(req)
	if result != nil {
		return result, nil
	}

	if req.ForceRefresh {
		if err := s.ledger.Refresh(ctx, true); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	userID, err := s.oracle.ResolveIdentity(ctx, req.Username)
	if err != nil {
		if errors.Is(err, roblox.ErrUserNotFound) {
			return &IssuanceResult{
				Reason:  ReasonUserNotFound,
				Message: fmt.Sprintf("Roblox user %q was not found.", req.Username),
			}, nil
		}
		if errors.Is(err, roblox.ErrRateLimited) {
			return rateLimitedResult(), nil
		}
		return nil, fmt.Errorf("failed to resolve identity: %w", err)
	}

	hasGamepass, err := s.oracle.HasEntitlement(ctx, userID, product.GamepassID)
	if err != nil {
		if errors.Is(err, roblox.ErrRateLimited) {
			return rateLimitedResult(), nil
		}
		return nil, fmt.Errorf("failed to check ownership: %w", err)
	}

	userData, err := s.loadUserData(ctx)
	if err != nil {
		return nil, err
	}
	record := userData.Record(req.Username, req.ProductID)
	priorCount := len(recordKeys(record))
	lastTx := record.LastTransactionTime()

	selected, method, err := s.findEligible(ctx, userID, product, pend, lastTx)
	if err != nil && !errors.Is(err, errNoEligible) {
		if errors.Is(err, roblox.ErrRateLimited) {
			return rateLimitedResult(), nil
		}
		return nil, err
	}

	if errors.Is(err, errNoEligible) {
		if s.cfg.OwnershipFastpath && hasGamepass && priorCount == 0 {
			return s.issue(ctx, req, product, issueParams{
				claimID: fmt.Sprintf("gamepass:%d:%d", userID, product.GamepassID),
				method:  model.ClaimMethodOwnership,
			}, priorCount, hasGamepass)
		}
		return s.noTransactionResult(hasGamepass, record, priorCount), nil
	}

	return s.issue(ctx, req, product, issueParams{
		claimID:   selected.ID,
		txCreated: selected.CreatedAt,
		method:    method,
	}, priorCount, hasGamepass)
}

// resolvePending validates the purchase window. A non-nil result is a
// terminal answer for the caller.
func (s *Issuer) resolvePending(req CheckRequest) (*model.PendingPurchase, *IssuanceResult) {
	if req.AccountID == 0 {
		return s.pending.GuestRecord(req.ProductID, req.Username), nil
	}

	entry, expired := s.pending.Get(req.AccountID, req.ProductID, req.Username)
	if expired {
		return nil, &IssuanceResult{
			PurchaseExpired: true,
			NeedStart:       true,
			Reason:          ReasonPurchaseExpired,
			Message:         "Your purchase window expired. Start the purchase again.",
		}
	}
	if entry == nil {
		return nil, &IssuanceResult{
			NeedStart: true,
			Reason:    ReasonNeedStart,
			Message:   "Start the purchase before checking.",
		}
	}
	return entry, nil
}

// findEligible polls the oracle for a claimable transaction. It returns
// errNoEligible when the poll budget runs out without a match.
func (s *Issuer) findEligible(ctx context.Context, userID int64, product *model.Product, pend *model.PendingPurchase, lastTx time.Time) (model.Transaction, string, error) {
	var (
		selected model.Transaction
		method   string
	)

	err := backoff.Retry(ctx, s.cfg.TxPollAttempts, s.cfg.TxPollDelay, func() error {
		txs, err := s.fetchTransactions(ctx, userID)
		if err != nil {
			return err
		}

		eligible := s.matcher.Eligible(txs, product, func(id string) bool {
			claimed, cerr := s.ledger.IsClaimed(ctx, id)
			return cerr == nil && claimed
		})

		tx, m, found := s.selectTransaction(eligible, pend, lastTx)
		if !found {
			return errNoEligible
		}
		selected, method = tx, m
		return nil
	}, func(err error) bool {
		return errors.Is(err, errNoEligible)
	})

	return selected, method, err
}

// fetchTransactions merges the merchant sale feed (filtered to the buyer)
// with the buyer's own purchase feed. Either feed alone is enough; both
// failing surfaces the error.
func (s *Issuer) fetchTransactions(ctx context.Context, buyerID int64) ([]model.Transaction, error) {
	var merged []model.Transaction
	seen := make(map[string]struct{})
	add := func(txs []model.Transaction) {
		for _, tx := range txs {
			if _, dup := seen[tx.ID]; dup {
				continue
			}
			seen[tx.ID] = struct{}{}
			merged = append(merged, tx)
		}
	}

	var saleErr error
	if s.cfg.MerchantID != 0 {
		sales, err := s.oracle.RecentTransactions(ctx, s.cfg.MerchantID, model.TransactionSale, s.cfg.TxFetchLimit)
		if err != nil {
			saleErr = err
			s.log.Warnf("[Issuer] Merchant sale feed unavailable: %v", err)
		} else {
			var mine []model.Transaction
			for _, tx := range sales {
				if tx.BuyerID == buyerID {
					mine = append(mine, tx)
				}
			}
			add(mine)
		}
	}

	purchases, err := s.oracle.RecentTransactions(ctx, buyerID, model.TransactionPurchase, s.cfg.TxFetchLimit)
	if err != nil {
		if len(merged) > 0 {
			s.log.Warnf("[Issuer] Purchase feed unavailable, using sale feed only: %v", err)
			return merged, nil
		}
		if saleErr != nil && errors.Is(saleErr, roblox.ErrRateLimited) {
			return nil, saleErr
		}
		return nil, err
	}
	add(purchases)

	return merged, nil
}

// selectTransaction applies the ordering rules to the eligible list,
// oldest first. A transaction must sit inside the purchase window floor
// (startedAt minus the grace period; guests get no grace) and must be
// newer than the last issued transaction, with two carve-outs: an exact
// tie is accepted for a live authenticated window, and a grace-window
// transaction may override the ordering when configured.
func (s *Issuer) selectTransaction(eligible []model.Transaction, pend *model.PendingPurchase, lastTx time.Time) (model.Transaction, string, bool) {
	floor := pend.StartedAt
	if !pend.Guest {
		floor = floor.Add(-s.cfg.PreStartGrace)
	}

	for _, tx := range eligible {
		if tx.CreatedAt.Before(floor) {
			continue
		}

		inGrace := tx.CreatedAt.Before(pend.StartedAt)
		switch {
		case tx.CreatedAt.After(lastTx):
		case tx.CreatedAt.Equal(lastTx) && !pend.Guest:
		case inGrace && s.cfg.GraceOverridesOrder:
		default:
			continue
		}

		method := model.ClaimMethodStandard
		if inGrace {
			method = model.ClaimMethodGrace
		}
		return tx, method, true
	}

	return model.Transaction{}, "", false
}

type issueParams struct {
	claimID   string
	txCreated time.Time
	method    string
}

// issue claims the transaction, mints the key and appends the durable
// record. The claim is the point of no return: a failed record append is
// logged and the key still returned, never unclaimed. hasGamepass is the
// oracle's answer, which can lag behind a matched transaction.
func (s *Issuer) issue(ctx context.Context, req CheckRequest, product *model.Product, p issueParams, priorCount int, hasGamepass bool) (*IssuanceResult, error) {
	if err := s.ledger.Claim(ctx, p.claimID); err != nil {
		if errors.Is(err, ledger.ErrAlreadyClaimed) {
			// Lost the cross-process race for this transaction.
			s.log.Warnf("[Issuer] Transaction %s claimed elsewhere mid-flight", p.claimID)
			return &IssuanceResult{
				HasGamepass: hasGamepass,
				ShouldRetry: true,
				RetryAfter:  int(s.cfg.TxPollDelay / time.Second),
				Reason:      ReasonNoTransaction,
				Message:     "Purchase was processed by another request. Try again shortly.",
			}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	key, err := s.keygen.Generate(product)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	issuedAt := s.now().UTC()
	rec := model.IssuedKeyRecord{
		Key:         key,
		IssuedAt:    issuedAt,
		ClaimMethod: p.method,
	}
	if p.method != model.ClaimMethodOwnership {
		rec.TransactionID = p.claimID
		rec.TransactionCreatedAt = p.txCreated
	}
	if product.DurationDays > 0 {
		rec.ExpiryDate = issuedAt.AddDate(0, 0, product.DurationDays)
	}

	if err := s.appendRecord(ctx, req.Username, req.ProductID, rec); err != nil {
		// The claim is durable; losing the record append must not mint a
		// second key for the same transaction. Hand the key out and shout.
		s.log.Errorf("[Issuer] Record append failed after claim of %s: %v", p.claimID, err)
	}

	s.afterIssue(req, product, rec)

	result := &IssuanceResult{
		HasGamepass:     hasGamepass,
		KeyIssued:       true,
		IsNewKey:        true,
		Key:             key,
		TransactionID:   rec.TransactionID,
		HadPreviousKeys: priorCount > 0,
		PriorKeyCount:   priorCount,
		Reason:          ReasonKeyIssued,
		Message:         "Key issued successfully.",
	}
	if !rec.ExpiryDate.IsZero() {
		expiry := rec.ExpiryDate
		result.ExpiryDate = &expiry
	}

	s.log.Infof("[Issuer] Issued %s key to %s (method=%s, tx=%s)", product.ID, req.Username, p.method, p.claimID)
	return result, nil
}

// noTransactionResult answers the poll-exhausted case: idempotent replay
// of the latest key when one exists, otherwise a retry hint.
func (s *Issuer) noTransactionResult(hasGamepass bool, record *model.ProductRecord, priorCount int) *IssuanceResult {
	if latest := record.Latest(); latest != nil {
		result := &IssuanceResult{
			HasGamepass:     hasGamepass,
			KeyIssued:       true,
			IsNewKey:        false,
			Key:             latest.Key,
			TransactionID:   latest.TransactionID,
			HadPreviousKeys: true,
			PriorKeyCount:   priorCount,
			Reason:          ReasonExistingKey,
			Message:         "No new purchase found. Returning your most recent key.",
		}
		if !latest.ExpiryDate.IsZero() {
			expiry := latest.ExpiryDate
			result.ExpiryDate = &expiry
		}
		return result
	}

	return &IssuanceResult{
		HasGamepass: hasGamepass,
		ShouldRetry: true,
		RetryAfter:  int(s.cfg.TxPollDelay / time.Second),
		Reason:      ReasonNoTransaction,
		Message:     "Purchase not detected yet. If you just bought it, try again shortly.",
	}
}

func (s *Issuer) loadUserData(ctx context.Context) (model.UserData, error) {
	content, _, err := s.store.Get(ctx, s.cfg.UserDataPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	data, err := store.DecodeUserData(content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode user data: %w", err)
	}
	return data, nil
}

// appendRecord appends rec to the user's record list atomically. Ordering
// is enforced at selection time; a regression observed against fresher
// remote data is logged, not dropped, because the claim already happened.
func (s *Issuer) appendRecord(ctx context.Context, username, productID string, rec model.IssuedKeyRecord) error {
	err := store.AtomicUpdate(ctx, s.store, s.cfg.UserDataPath, func(current string) (string, bool) {
		data, derr := store.DecodeUserData(current)
		if derr != nil {
			s.log.Errorf("[Issuer] User data document is corrupt, rebuilding: %v", derr)
			data = make(model.UserData)
		}

		if rec.ClaimMethod == model.ClaimMethodStandard {
			if last := data.Record(username, productID).LastTransactionTime(); rec.TransactionCreatedAt.Before(last) {
				s.log.Warnf("[Issuer] Transaction %s is older than the newest record for %s/%s", rec.TransactionID, username, productID)
			}
		}

		data.Append(username, productID, rec)
		encoded, eerr := store.EncodeUserData(data)
		if eerr != nil {
			s.log.Errorf("[Issuer] Failed to encode user data: %v", eerr)
			return "", false
		}
		return encoded, true
	}, s.cfg.StoreMaxRetries, s.cfg.StoreRetryBackoff)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func rateLimitedResult() *IssuanceResult {
	return &IssuanceResult{
		ShouldRetry: true,
		RetryAfter:  30,
		Reason:      ReasonRateLimited,
		Message:     "Rate limited by the platform. Try again in a moment.",
	}
}

func recordKeys(r *model.ProductRecord) []model.IssuedKeyRecord {
	if r == nil {
		return nil
	}
	return r.Keys
}
