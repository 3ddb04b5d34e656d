package match

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"byorlhub-license-api/internal/catalog"
	"byorlhub-license-api/internal/model"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testCatalog(t *testing.T, products ...model.Product) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(products)
	require.NoError(t, err)
	return cat
}

func newTestMatcher(t *testing.T, cfg Config, products ...model.Product) *Matcher {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	m := New(testCatalog(t, products...), cfg, log)
	m.now = func() time.Time { return testNow }
	return m
}

func notClaimed(string) bool { return false }

func tx(id string, created time.Time, detailsID int64, detailsName string) model.Transaction {
	return model.Transaction{ID: id, CreatedAt: created, DetailsID: detailsID, DetailsName: detailsName}
}

func ids(txs []model.Transaction) []string {
	out := make([]string, 0, len(txs))
	for _, t := range txs {
		out = append(out, t.ID)
	}
	return out
}

func TestStrictMatch(t *testing.T) {
	m := newTestMatcher(t, Config{ClaimWindow: 12 * time.Hour},
		model.Product{ID: "7d", Name: "7 Day Key", GamepassID: 42},
		model.Product{ID: "30d", Name: "30 Day Key", GamepassID: 43},
	)
	product := m.catalog.ByID("7d")

	eligible := m.Eligible([]model.Transaction{
		tx("t1", testNow.Add(-time.Hour), 42, ""),
		tx("t2", testNow.Add(-time.Hour), 43, ""),
		tx("t3", testNow.Add(-time.Hour), 99, ""),
	}, product, notClaimed)

	assert.Equal(t, []string{"t1"}, ids(eligible))
}

func TestClaimedDropped(t *testing.T) {
	m := newTestMatcher(t, Config{ClaimWindow: 12 * time.Hour},
		model.Product{ID: "7d", Name: "7 Day Key", GamepassID: 42})
	product := m.catalog.ByID("7d")

	claimed := func(id string) bool { return id == "t1" }
	eligible := m.Eligible([]model.Transaction{
		tx("t1", testNow.Add(-time.Hour), 42, ""),
		tx("t2", testNow.Add(-time.Hour), 42, ""),
	}, product, claimed)

	assert.Equal(t, []string{"t2"}, ids(eligible))
}

func TestClaimWindowCutoff(t *testing.T) {
	m := newTestMatcher(t, Config{ClaimWindow: 12 * time.Hour},
		model.Product{ID: "7d", Name: "7 Day Key", GamepassID: 42})
	product := m.catalog.ByID("7d")

	eligible := m.Eligible([]model.Transaction{
		tx("old", testNow.Add(-13*time.Hour), 42, ""),
		tx("edge", testNow.Add(-12*time.Hour), 42, ""),
		tx("fresh", testNow.Add(-time.Minute), 42, ""),
	}, product, notClaimed)

	assert.Equal(t, []string{"edge", "fresh"}, ids(eligible))
}

func TestAscendingOrder(t *testing.T) {
	m := newTestMatcher(t, Config{ClaimWindow: 12 * time.Hour},
		model.Product{ID: "7d", Name: "7 Day Key", GamepassID: 42})
	product := m.catalog.ByID("7d")

	eligible := m.Eligible([]model.Transaction{
		tx("c", testNow.Add(-1*time.Hour), 42, ""),
		tx("a", testNow.Add(-3*time.Hour), 42, ""),
		tx("b", testNow.Add(-2*time.Hour), 42, ""),
	}, product, notClaimed)

	assert.Equal(t, []string{"a", "b", "c"}, ids(eligible))
}

func TestLooseSingleMatch(t *testing.T) {
	m := newTestMatcher(t, Config{ClaimWindow: 12 * time.Hour, Loose: true},
		model.Product{ID: "weekly", Name: "Weekly Key", GamepassID: 42},
		model.Product{ID: "monthly", Name: "Monthly Key", GamepassID: 43},
	)
	product := m.catalog.ByID("weekly")

	// No details id; "weekly" intersects exactly one product's tokens.
	eligible := m.Eligible([]model.Transaction{
		tx("t1", testNow.Add(-time.Hour), 0, "ByorlHub Weekly Access"),
	}, product, notClaimed)
	assert.Equal(t, []string{"t1"}, ids(eligible))

	// Same transaction is not attributable to the other product.
	other := m.catalog.ByID("monthly")
	eligible = m.Eligible([]model.Transaction{
		tx("t1", testNow.Add(-time.Hour), 0, "ByorlHub Weekly Access"),
	}, other, notClaimed)
	assert.Empty(t, eligible)
}

func TestLooseAmbiguousRejected(t *testing.T) {
	m := newTestMatcher(t, Config{ClaimWindow: 12 * time.Hour, Loose: true},
		model.Product{ID: "7d", Name: "7 Day Key", GamepassID: 42},
		model.Product{ID: "30d", Name: "30 Day Key", GamepassID: 43},
	)
	product := m.catalog.ByID("7d")

	// "key" intersects both products' token sets, so attribution is
	// ambiguous and the transaction is rejected.
	eligible := m.Eligible([]model.Transaction{
		tx("t1", testNow.Add(-time.Hour), 0, "Key"),
	}, product, notClaimed)
	assert.Empty(t, eligible)
}

func TestLooseDisabled(t *testing.T) {
	m := newTestMatcher(t, Config{ClaimWindow: 12 * time.Hour},
		model.Product{ID: "7d", Name: "7 Day Key", GamepassID: 42})
	product := m.catalog.ByID("7d")

	eligible := m.Eligible([]model.Transaction{
		tx("t1", testNow.Add(-time.Hour), 0, "7 Day Key"),
	}, product, notClaimed)
	assert.Empty(t, eligible)
}

func TestLooseAnySingleProduct(t *testing.T) {
	cfg := Config{ClaimWindow: 12 * time.Hour, Loose: true, LooseAny: true}
	m := newTestMatcher(t, cfg,
		model.Product{ID: "7d", Name: "7 Day Key", GamepassID: 42})
	product := m.catalog.ByID("7d")

	eligible := m.Eligible([]model.Transaction{
		tx("t1", testNow.Add(-time.Hour), 0, "Something Unrelated"),
	}, product, notClaimed)
	assert.Equal(t, []string{"t1"}, ids(eligible))
}

func TestLooseAnyNeedsSoleProduct(t *testing.T) {
	cfg := Config{ClaimWindow: 12 * time.Hour, Loose: true, LooseAny: true}
	m := newTestMatcher(t, cfg,
		model.Product{ID: "7d", Name: "7 Day Key", GamepassID: 42},
		model.Product{ID: "30d", Name: "30 Day Key", GamepassID: 43},
	)
	product := m.catalog.ByID("7d")

	eligible := m.Eligible([]model.Transaction{
		tx("t1", testNow.Add(-time.Hour), 0, "Something Unrelated"),
	}, product, notClaimed)
	assert.Empty(t, eligible)
}

func TestMissingIDDropped(t *testing.T) {
	m := newTestMatcher(t, Config{ClaimWindow: 12 * time.Hour},
		model.Product{ID: "7d", Name: "7 Day Key", GamepassID: 42})
	product := m.catalog.ByID("7d")

	eligible := m.Eligible([]model.Transaction{
		tx("", testNow.Add(-time.Hour), 42, ""),
	}, product, notClaimed)
	assert.Empty(t, eligible)
}
