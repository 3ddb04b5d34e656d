// Package roblox implements the identity & ownership oracle client: it
// resolves usernames to stable numeric identities, reports entitlement
// ownership, and lists recent purchase/sale events. Results that are safe
// to reuse are cached; outbound calls are throttled per key so one noisy
// user cannot burn the oracle's rate budget for everyone.
package roblox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"byorlhub-license-api/internal/cache"
	"byorlhub-license-api/internal/model"
)

var (
	// ErrRateLimited means the oracle answered 429 or the local throttle
	// refused the call. Callers should retry after a short delay.
	ErrRateLimited = errors.New("roblox: rate limited")

	// ErrUserNotFound means identity resolution found no matching user.
	ErrUserNotFound = errors.New("roblox: user not found")
)

// Config holds oracle client settings.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RetryMax          int
	IdentityCacheTTL  time.Duration // default 5m
	OwnershipCacheTTL time.Duration // default 30s
	IdentityInterval  time.Duration // min spacing between lookups per username, default 15s
	OwnershipInterval time.Duration // min spacing between checks per (user, entitlement), default 10s
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.IdentityCacheTTL <= 0 {
		c.IdentityCacheTTL = 5 * time.Minute
	}
	if c.OwnershipCacheTTL <= 0 {
		c.OwnershipCacheTTL = 30 * time.Second
	}
	if c.IdentityInterval <= 0 {
		c.IdentityInterval = 15 * time.Second
	}
	if c.OwnershipInterval <= 0 {
		c.OwnershipInterval = 10 * time.Second
	}
}

// Client talks to the oracle over HTTP.
type Client struct {
	http    *retryablehttp.Client
	baseURL string
	cfg     Config
	cache   cache.Cache
	group   singleflight.Group
	log     *logrus.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates an oracle client. cache stores identity and ownership
// lookups and may be shared across instances (Redis) or process-local.
func NewClient(cfg Config, cacheImpl cache.Cache, log *logrus.Logger) *Client {
	cfg.applyDefaults()

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = nil
	// 429 carries meaning here; surface it instead of retrying blind
	// while the issuance lock is held.
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	return &Client{
		http:     rc,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		cfg:      cfg,
		cache:    cacheImpl,
		log:      log,
		limiters: make(map[string]*rate.Limiter),
	}
}

// ResolveIdentity maps a username to its stable numeric identity.
// Lookups are cached and deduplicated so concurrent checks for the same
// name produce a single oracle call.
func (c *Client) ResolveIdentity(ctx context.Context, username string) (int64, error) {
	cacheKey := "user_id_" + strings.ToLower(username)
	if value, err := c.cache.Get(ctx, cacheKey); err == nil {
		return strconv.ParseInt(string(value), 10, 64)
	}

	result, err, _ := c.group.Do(cacheKey, func() (interface{}, error) {
		if !c.allow("user_fetch_"+strings.ToLower(username), c.cfg.IdentityInterval) {
			return int64(0), ErrRateLimited
		}

		var resp userSearchResponse
		searchURL := fmt.Sprintf("%s/identity/search?name=%s", c.baseURL, url.QueryEscape(username))
		if err := c.getJSON(ctx, searchURL, &resp); err != nil {
			return int64(0), err
		}
		if len(resp.Data) == 0 {
			c.log.Warnf("[Oracle] No identity match for %q", username)
			return int64(0), ErrUserNotFound
		}

		id := resp.Data[0].ID
		if err := c.cache.Set(ctx, cacheKey, []byte(strconv.FormatInt(id, 10)), c.cfg.IdentityCacheTTL); err != nil {
			c.log.Warnf("[Oracle] Failed to cache identity for %q: %v", username, err)
		}
		return id, nil
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

// HasEntitlement reports whether the identity currently holds the
// entitlement. Results are cached briefly; ownership can change at any
// moment when the user deletes and rebuys the gamepass.
func (c *Client) HasEntitlement(ctx context.Context, userID, entitlementID int64) (bool, error) {
	cacheKey := fmt.Sprintf("gamepass_%d_%d", userID, entitlementID)
	if value, err := c.cache.Get(ctx, cacheKey); err == nil {
		return string(value) == "1", nil
	}

	if !c.allow(cacheKey, c.cfg.OwnershipInterval) {
		return false, ErrRateLimited
	}

	var resp ownershipResponse
	checkURL := fmt.Sprintf("%s/ownership/%d/%d", c.baseURL, userID, entitlementID)
	if err := c.getJSON(ctx, checkURL, &resp); err != nil {
		return false, err
	}

	owns := len(resp.Data) > 0
	cached := "0"
	if owns {
		cached = "1"
	}
	if err := c.cache.Set(ctx, cacheKey, []byte(cached), c.cfg.OwnershipCacheTTL); err != nil {
		c.log.Warnf("[Oracle] Failed to cache ownership for %d/%d: %v", userID, entitlementID, err)
	}
	return owns, nil
}

// RecentTransactions lists the identity's recent trades of the given kind,
// newest first as reported by the oracle. Never cached: the whole point of
// the call is seeing the purchase that just happened.
func (c *Client) RecentTransactions(ctx context.Context, userID int64, kind model.TransactionKind, limit int) ([]model.Transaction, error) {
	var resp transactionsResponse
	txURL := fmt.Sprintf("%s/transactions/%d?type=%s&limit=%d", c.baseURL, userID, kind, limit)
	if err := c.getJSON(ctx, txURL, &resp); err != nil {
		return nil, err
	}

	txs := make([]model.Transaction, 0, len(resp.Data))
	for _, rec := range resp.Data {
		created, err := time.Parse(time.RFC3339Nano, rec.Created)
		if err != nil {
			c.log.Warnf("[Oracle] Skipping transaction %s with bad timestamp %q", rec.transactionID(), rec.Created)
			continue
		}
		txs = append(txs, model.Transaction{
			ID:          rec.transactionID(),
			CreatedAt:   created,
			DetailsID:   rec.Details.ID,
			DetailsName: rec.Details.Name,
			BuyerID:     rec.Agent.ID,
			BuyerName:   rec.Agent.Name,
			Amount:      rec.Currency.Amount,
		})
	}
	return txs, nil
}

// ClearCaches drops cached identity and ownership lookups.
func (c *Client) ClearCaches(ctx context.Context) error {
	return c.cache.Clear(ctx)
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build oracle request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("oracle request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.log.Warnf("[Oracle] Rate limit reached for %s", rawURL)
		return ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oracle returned status %d for %s", resp.StatusCode, rawURL)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode oracle response: %w", err)
	}
	return nil
}

// allow reports whether a call under key may go out now. Each key gets its
// own limiter admitting one call per interval.
func (c *Client) allow(key string, interval time.Duration) bool {
	c.mu.Lock()
	limiter, ok := c.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
		c.limiters[key] = limiter
	}
	c.mu.Unlock()

	return limiter.Allow()
}
