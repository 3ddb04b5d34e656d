// Package pending tracks in-flight purchase windows. A window opens when
// a user signals purchase intent and closes when a key is issued or the
// window times out; while open it anchors which transactions are eligible
// for that user and product.
package pending

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"byorlhub-license-api/internal/model"
)

// Tracker is an in-process registry of open purchase windows keyed by
// account, product and username. Entries expire lazily on read; there is
// no sweeper because the set is small and reads are frequent.
type Tracker struct {
	expiry time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*model.PendingPurchase
}

// NewTracker creates a tracker whose windows expire after the given
// duration.
func NewTracker(expiry time.Duration) *Tracker {
	return &Tracker{
		expiry:  expiry,
		now:     time.Now,
		entries: make(map[string]*model.PendingPurchase),
	}
}

func key(accountID int64, productID, username string) string {
	return strings.ToLower(productID) + "#" + strconv.FormatInt(accountID, 10) + "#" + strings.ToLower(username)
}

// Start opens a purchase window. If a live window already exists for the
// same account, product and username it is kept, so repeated start calls
// do not move the anchor timestamp. The username is part of the window
// identity: the anchor must belong to the identity being checked.
func (t *Tracker) Start(accountID int64, productID, username string) *model.PendingPurchase {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(accountID, productID, username)
	if existing, ok := t.entries[k]; ok && !t.expired(existing) {
		return existing
	}

	entry := &model.PendingPurchase{
		AccountID: accountID,
		ProductID: productID,
		Username:  username,
		StartedAt: t.now(),
	}
	t.entries[k] = entry
	return entry
}

// Get returns the window for the account, product and username. expired
// reports a window that existed but timed out; it is evicted on the way
// out.
func (t *Tracker) Get(accountID int64, productID, username string) (entry *model.PendingPurchase, expired bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(accountID, productID, username)
	e, ok := t.entries[k]
	if !ok {
		return nil, false
	}
	if t.expired(e) {
		delete(t.entries, k)
		return nil, true
	}
	return e, false
}

// Pop removes the window for the account, product and username, if any.
func (t *Tracker) Pop(accountID int64, productID, username string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key(accountID, productID, username))
}

// GuestRecord builds a synthetic window for callers without an account.
// It is stamped with the current time and never stored, so guests get no
// pre-start grace and no persistence between requests.
func (t *Tracker) GuestRecord(productID, username string) *model.PendingPurchase {
	return &model.PendingPurchase{
		ProductID: productID,
		Username:  username,
		StartedAt: t.now(),
		Guest:     true,
	}
}

func (t *Tracker) expired(e *model.PendingPurchase) bool {
	return t.now().Sub(e.StartedAt) > t.expiry
}
