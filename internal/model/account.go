package model

import "time"

// Account is a registered site account as stored in MySQL. Registration
// and login live upstream; the issuance engine only reads the linked
// Roblox username for authenticated purchase-start validation.
type Account struct {
	ID             int64     `json:"id"`
	Username       string    `json:"username"`
	RobloxUsername string    `json:"roblox_username"`
	CreatedAt      time.Time `json:"created_at"`
}
