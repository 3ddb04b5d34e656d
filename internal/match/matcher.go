// Package match filters raw oracle transactions down to the ordered
// eligible subset for one product. Attribution is best effort: the oracle
// does not reliably expose a structured gamepass id on every transaction,
// so strict id matching degrades to tokenized name matching when enabled.
package match

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"byorlhub-license-api/internal/catalog"
	"byorlhub-license-api/internal/model"
)

// Config controls attribution strictness.
type Config struct {
	// ClaimWindow drops transactions older than now-ClaimWindow.
	ClaimWindow time.Duration
	// Loose enables tokenized name attribution when the strict gamepass
	// id does not match.
	Loose bool
	// LooseAny accepts otherwise unattributable transactions when only
	// one product is configured. Permissive; off unless explicitly asked
	// for.
	LooseAny bool
}

// Matcher selects eligible transactions for a target product.
type Matcher struct {
	catalog *catalog.Catalog
	cfg     Config
	now     func() time.Time
	log     *logrus.Logger
}

// New creates a matcher over the given catalog.
func New(cat *catalog.Catalog, cfg Config, log *logrus.Logger) *Matcher {
	return &Matcher{catalog: cat, cfg: cfg, now: time.Now, log: log}
}

// Eligible returns the transactions attributable to product, oldest
// first. claimed holds transaction ids already in the claim ledger;
// those are dropped, as is anything outside the claim window.
func (m *Matcher) Eligible(txs []model.Transaction, product *model.Product, claimed func(id string) bool) []model.Transaction {
	cutoff := m.now().Add(-m.cfg.ClaimWindow)

	var eligible []model.Transaction
	for _, tx := range txs {
		if tx.ID == "" || claimed(tx.ID) {
			continue
		}
		if tx.CreatedAt.Before(cutoff) {
			continue
		}
		if !m.attributable(tx, product) {
			continue
		}
		eligible = append(eligible, tx)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	return eligible
}

// attributable decides whether tx belongs to product. Strict gamepass id
// match wins; loose matching tokenizes the transaction's details name and
// accepts only when exactly one configured product's token set intersects
// it and that product is the target.
func (m *Matcher) attributable(tx model.Transaction, product *model.Product) bool {
	if tx.DetailsID != 0 && tx.DetailsID == product.GamepassID {
		return true
	}

	if m.cfg.Loose && tx.DetailsName != "" {
		txTokens := catalog.Tokenize(tx.DetailsName)
		if len(txTokens) > 0 {
			matched := m.singleTokenMatch(txTokens)
			if matched != nil {
				return matched.ID == product.ID
			}
		}
	}

	if m.cfg.LooseAny && m.catalog.Len() == 1 {
		m.log.Warnf("[Matcher] Loose-any attribution of transaction %s to sole product %s", tx.ID, product.ID)
		return true
	}

	return false
}

// singleTokenMatch returns the one product whose token set intersects the
// transaction tokens, or nil when zero or several products match.
func (m *Matcher) singleTokenMatch(txTokens []string) *model.Product {
	var matched *model.Product
	for _, p := range m.catalog.All() {
		set := m.catalog.Tokens(p.ID)
		for _, tok := range txTokens {
			if _, ok := set[tok]; ok {
				if matched != nil && matched.ID != p.ID {
					return nil
				}
				matched = m.catalog.ByID(p.ID)
				break
			}
		}
	}
	return matched
}
