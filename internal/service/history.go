package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// HistoryEntry is one issued key in a user's purchase history.
type HistoryEntry struct {
	ProductID      string    `json:"productId"`
	ProductName    string    `json:"productName"`
	Key            string    `json:"key"`
	RobloxUsername string    `json:"robloxUsername"`
	TransactionID  string    `json:"transactionId,omitempty"`
	ClaimMethod    string    `json:"claimMethod"`
	IssuedAt       time.Time `json:"issuedAt"`
	ExpiryDate     time.Time `json:"expiryDate,omitzero"`
}

// PurchaseHistory returns every key issued to the username, newest first.
// The account link is verified the same way StartPurchase verifies it.
func (s *Issuer) PurchaseHistory(ctx context.Context, accountID int64, username string) ([]HistoryEntry, error) {
	if s.accounts != nil {
		account, err := s.accounts.GetAccountByID(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("failed to verify account %d: %w", accountID, err)
		}
		if account.RobloxUsername != "" && !strings.EqualFold(account.RobloxUsername, username) {
			return nil, ErrAccountMismatch
		}
	}

	userData, err := s.loadUserData(ctx)
	if err != nil {
		return nil, err
	}

	entries := []HistoryEntry{}
	for productID, record := range userData.ByUser(username) {
		name := productID
		if p := s.catalog.ByID(productID); p != nil {
			name = p.Name
		}
		for _, rec := range recordKeys(record) {
			entries = append(entries, HistoryEntry{
				ProductID:      productID,
				ProductName:    name,
				Key:            rec.Key,
				RobloxUsername: username,
				TransactionID:  rec.TransactionID,
				ClaimMethod:    rec.ClaimMethod,
				IssuedAt:       rec.IssuedAt,
				ExpiryDate:     rec.ExpiryDate,
			})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].IssuedAt.After(entries[j].IssuedAt)
	})
	return entries, nil
}
