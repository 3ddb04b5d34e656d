// Package catalog loads the product configuration and builds the token
// index used for loose transaction attribution.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"byorlhub-license-api/internal/model"
)

// Catalog is the immutable set of configured products.
type Catalog struct {
	products   []model.Product
	byID       map[string]*model.Product
	byGamepass map[int64]*model.Product
	tokens     map[string]map[string]struct{} // productID -> token set
}

type productsFile struct {
	Products []model.Product `json:"products"`
}

// Load reads the products configuration file and builds the catalog.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read products config: %w", err)
	}

	var file productsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse products config: %w", err)
	}
	if len(file.Products) == 0 {
		return nil, fmt.Errorf("products config %s contains no products", path)
	}

	return New(file.Products)
}

// New builds a catalog from an explicit product list.
func New(products []model.Product) (*Catalog, error) {
	c := &Catalog{
		products:   products,
		byID:       make(map[string]*model.Product, len(products)),
		byGamepass: make(map[int64]*model.Product, len(products)),
		tokens:     make(map[string]map[string]struct{}, len(products)),
	}

	for i := range c.products {
		p := &c.products[i]
		if p.ID == "" {
			return nil, fmt.Errorf("product at index %d has no id", i)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate product id %q", p.ID)
		}
		c.byID[p.ID] = p
		c.byGamepass[p.GamepassID] = p

		set := make(map[string]struct{})
		for _, tok := range Tokenize(p.Name) {
			set[tok] = struct{}{}
		}
		for _, tok := range Tokenize(p.GamepassURL) {
			set[tok] = struct{}{}
		}
		c.tokens[p.ID] = set
	}

	return c, nil
}

// ByID returns the product with the given id, or nil.
func (c *Catalog) ByID(id string) *model.Product {
	return c.byID[id]
}

// ByGamepass returns the product gated by the given gamepass, or nil.
func (c *Catalog) ByGamepass(gamepassID int64) *model.Product {
	return c.byGamepass[gamepassID]
}

// All returns the configured products.
func (c *Catalog) All() []model.Product {
	return c.products
}

// Len returns the number of configured products.
func (c *Catalog) Len() int {
	return len(c.products)
}

// Tokens returns the attribution token set for a product id.
func (c *Catalog) Tokens(productID string) map[string]struct{} {
	return c.tokens[productID]
}

// Tokenize splits s into lowercase alphanumeric tokens. Everything that is
// not a letter or digit acts as a separator.
func Tokenize(s string) []string {
	var tokens []string
	var b strings.Builder

	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}

	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			flush()
		}
	}
	flush()

	return tokens
}
