package model

import "fmt"

// Product describes one purchasable license plan. Products are loaded from
// configuration at startup and never mutated at runtime.
type Product struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	GamepassID    int64  `json:"gamepassId"`
	GamepassURL   string `json:"gamepassUrl"`
	Price         int64  `json:"price"`
	DurationDays  int    `json:"durationDays"` // 0 means lifetime
	StockPath     string `json:"stockPath"`
	BoughtPath    string `json:"boughtPath"`
}

// DurationClass returns the short tag embedded in generated keys.
func (p *Product) DurationClass() string {
	if p.DurationDays <= 0 {
		return "LT"
	}
	return fmt.Sprintf("%dD", p.DurationDays)
}

// PurchaseURL returns the gamepass page the buyer is sent to.
func (p *Product) PurchaseURL() string {
	if p.GamepassURL != "" {
		return p.GamepassURL
	}
	return fmt.Sprintf("https://www.roblox.com/game-pass/%d", p.GamepassID)
}
