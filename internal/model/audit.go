package model

import "time"

// IssuanceAudit is one row of the local issuance audit trail. The audit
// database is advisory: the remote user record document stays the source
// of truth, the audit trail exists for operator queries.
type IssuanceAudit struct {
	ID            int64     `json:"id"`
	Key           string    `json:"key"`
	Username      string    `json:"username"`
	ProductID     string    `json:"productId"`
	TransactionID string    `json:"transactionId"`
	ClaimMethod   string    `json:"claimMethod"`
	IssuedAt      time.Time `json:"issuedAt"`
	ExpiryDate    time.Time `json:"expiryDate,omitzero"`
}
