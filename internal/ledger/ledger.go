// Package ledger maintains the claim ledger: the monotonically growing
// remote set of transaction ids that have already produced a key. Entries
// are never removed; the ledger is what prevents double issuance across
// processes and restarts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"byorlhub-license-api/internal/store"
)

// ErrAlreadyClaimed is returned by Claim when the transaction id is
// already present in the remote set.
var ErrAlreadyClaimed = errors.New("ledger: transaction already claimed")

// Ledger is a deduplication set backed by a remote line document. Reads
// are served from an in-process snapshot loaded on demand; the snapshot
// has no TTL because a stale negative is compensated by the claim write,
// which is authoritative and atomic. False positives cannot occur: ids
// only enter the snapshot after they exist remotely.
type Ledger struct {
	client  store.Client
	path    string
	retries int
	backoff time.Duration
	now     func() time.Time
	log     *logrus.Logger

	mu     sync.RWMutex
	cached map[string]struct{}
	loaded bool
}

// New creates a ledger over the given remote document path.
func New(client store.Client, path string, retries int, backoff time.Duration, log *logrus.Logger) *Ledger {
	return &Ledger{
		client:  client,
		path:    path,
		retries: retries,
		backoff: backoff,
		now:     time.Now,
		log:     log,
	}
}

// IsClaimed reports whether id has already produced a key. The answer is
// advisory: it comes from the snapshot, which is loaded on first use and
// refreshed only on demand.
func (l *Ledger) IsClaimed(ctx context.Context, id string) (bool, error) {
	if err := l.ensureLoaded(ctx); err != nil {
		return false, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	_, claimed := l.cached[id]
	return claimed, nil
}

// Refresh reloads the snapshot from the remote store. With force=false it
// only loads when no snapshot exists yet.
func (l *Ledger) Refresh(ctx context.Context, force bool) error {
	l.mu.RLock()
	loaded := l.loaded
	l.mu.RUnlock()
	if loaded && !force {
		return nil
	}

	content, _, err := l.client.Get(ctx, l.path)
	if err != nil {
		return fmt.Errorf("failed to load claim ledger: %w", err)
	}

	set := store.ParseClaimSet(content)
	l.mu.Lock()
	l.cached = set
	l.loaded = true
	l.mu.Unlock()

	l.log.Debugf("[ClaimLedger] Snapshot refreshed, %d claims", len(set))
	return nil
}

// Claim atomically appends id to the remote set. The append only happens
// when the id is absent from the freshly read remote content; if another
// process claimed it first, ErrAlreadyClaimed is returned. The snapshot
// is updated after the authoritative write succeeds.
func (l *Ledger) Claim(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("ledger: empty transaction id")
	}

	alreadyClaimed := false
	err := store.AtomicUpdate(ctx, l.client, l.path, func(current string) (string, bool) {
		set := store.ParseClaimSet(current)
		if _, ok := set[id]; ok {
			alreadyClaimed = true
			return "", false
		}
		alreadyClaimed = false
		return store.AppendClaim(current, id, l.now()), true
	}, l.retries, l.backoff)
	if err != nil {
		return fmt.Errorf("failed to claim %s: %w", id, err)
	}

	l.mu.Lock()
	if l.cached == nil {
		l.cached = make(map[string]struct{})
	}
	l.cached[id] = struct{}{}
	l.mu.Unlock()

	if alreadyClaimed {
		return ErrAlreadyClaimed
	}

	l.log.Infof("[ClaimLedger] Claimed transaction %s", id)
	return nil
}

func (l *Ledger) ensureLoaded(ctx context.Context) error {
	return l.Refresh(ctx, false)
}
