package service

import (
	"context"
	"encoding/json"
	"time"

	"byorlhub-license-api/internal/model"
	"byorlhub-license-api/internal/store"
)

// boughtLine is one bought-log entry, written one JSON object per line.
type boughtLine struct {
	Key           string `json:"key"`
	Username      string `json:"username"`
	ProductID     string `json:"productId"`
	TransactionID string `json:"transactionId,omitempty"`
	IssuedAt      string `json:"issuedAt"`
}

// afterIssue runs the post-issuance bookkeeping: close the purchase
// window, then asynchronously decrement stock, append the bought log and
// record the audit row. All of it is advisory; failures are logged and
// never affect the already-returned key.
func (s *Issuer) afterIssue(req CheckRequest, product *model.Product, rec model.IssuedKeyRecord) {
	if req.AccountID != 0 {
		s.pending.Pop(req.AccountID, req.ProductID, req.Username)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s.decrementStock(ctx, product)
		s.appendBoughtLog(ctx, req, product, rec)

		if s.audit != nil {
			err := s.audit.RecordIssuance(ctx, model.IssuanceAudit{
				Key:           rec.Key,
				Username:      req.Username,
				ProductID:     product.ID,
				TransactionID: rec.TransactionID,
				ClaimMethod:   rec.ClaimMethod,
				IssuedAt:      rec.IssuedAt,
				ExpiryDate:    rec.ExpiryDate,
			})
			if err != nil {
				s.log.Warnf("[Issuer] Audit insert failed for %s: %v", rec.Key, err)
			}
		}
	}()
}

// decrementStock removes one entry from the product's stock document.
// An empty or missing stock file is left alone; stock is a display
// counter, not an issuance gate.
func (s *Issuer) decrementStock(ctx context.Context, product *model.Product) {
	if product.StockPath == "" {
		return
	}

	err := store.AtomicUpdate(ctx, s.store, product.StockPath, func(current string) (string, bool) {
		items := store.ParseList(current)
		if len(items) == 0 {
			return "", false
		}
		return store.EncodeList(items[1:]), true
	}, s.cfg.StoreMaxRetries, s.cfg.StoreRetryBackoff)
	if err != nil {
		s.log.Warnf("[Issuer] Stock decrement failed for %s: %v", product.ID, err)
	}
}

func (s *Issuer) appendBoughtLog(ctx context.Context, req CheckRequest, product *model.Product, rec model.IssuedKeyRecord) {
	if product.BoughtPath == "" {
		return
	}

	line, err := json.Marshal(boughtLine{
		Key:           rec.Key,
		Username:      req.Username,
		ProductID:     product.ID,
		TransactionID: rec.TransactionID,
		IssuedAt:      rec.IssuedAt.Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	err = store.AtomicUpdate(ctx, s.store, product.BoughtPath, func(current string) (string, bool) {
		return store.AppendLine(current, string(line)), true
	}, s.cfg.StoreMaxRetries, s.cfg.StoreRetryBackoff)
	if err != nil {
		s.log.Warnf("[Issuer] Bought log append failed for %s: %v", product.ID, err)
	}
}
