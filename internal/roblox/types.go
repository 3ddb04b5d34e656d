package roblox

import (
	"bytes"
	"encoding/json"
)

// Wire types for the oracle API. Transaction identifiers arrive as numbers
// or strings depending on endpoint age, so they decode through flexID.

// flexID is an opaque identifier that accepts both JSON numbers and
// JSON strings.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type userSearchResponse struct {
	Data []userSearchResult `json:"data"`
}

type userSearchResult struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type ownershipResponse struct {
	Data []json.RawMessage `json:"data"`
}

type transactionsResponse struct {
	Data []transactionRecord `json:"data"`
}

type transactionRecord struct {
	ID            flexID             `json:"id"`
	TransactionID flexID             `json:"transactionId"`
	Created       string             `json:"created"`
	Details       transactionDetails `json:"details"`
	Agent         transactionAgent   `json:"agent"`
	Currency      transactionAmount  `json:"currency"`
}

type transactionDetails struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type transactionAgent struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type transactionAmount struct {
	Amount int64 `json:"amount"`
}

func (r *transactionRecord) transactionID() string {
	if r.TransactionID != "" {
		return string(r.TransactionID)
	}
	return string(r.ID)
}
