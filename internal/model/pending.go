package model

import "time"

// PendingPurchase records that a user declared intent to buy a product.
// It bounds which transactions are eligible for claiming and for how long.
// Guest records are synthetic: they are stamped with "now" and disable the
// pre-start grace window, so only transactions at or after the check
// instant are accepted.
type PendingPurchase struct {
	AccountID int64     `json:"accountId"`
	ProductID string    `json:"productId"`
	Username  string    `json:"robloxUsername"`
	StartedAt time.Time `json:"startedAt"`
	Guest     bool      `json:"guest"`
}
