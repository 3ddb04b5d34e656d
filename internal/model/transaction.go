package model

import "time"

// TransactionKind selects which side of a trade the oracle reports.
type TransactionKind string

const (
	// TransactionSale lists trades where the identity was the seller.
	TransactionSale TransactionKind = "sale"
	// TransactionPurchase lists trades where the identity was the buyer.
	TransactionPurchase TransactionKind = "purchase"
)

// Transaction is one purchase event reported by the ownership oracle.
// Records are produced remotely and never mutated here.
type Transaction struct {
	ID          string    `json:"transactionId"`
	CreatedAt   time.Time `json:"createdAt"`
	DetailsID   int64     `json:"detailsId"`
	DetailsName string    `json:"detailsName"`
	BuyerID     int64     `json:"buyerId"`
	BuyerName   string    `json:"buyerName"`
	Amount      int64     `json:"amount"`
}
