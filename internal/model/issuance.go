package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Claim methods recorded on issued keys.
const (
	ClaimMethodStandard  = "standard"
	ClaimMethodGrace     = "grace"
	ClaimMethodOwnership = "ownership-fastpath"
	// ClaimMethodLegacy marks records migrated from the old boolean and
	// bare-key-list document shapes, which carried no transaction details.
	ClaimMethodLegacy = "legacy"
)

// IssuedKeyRecord is the durable record of one minted key. Records are
// write-once and append-only.
type IssuedKeyRecord struct {
	Key                  string    `json:"key"`
	IssuedAt             time.Time `json:"issuedAt"`
	ExpiryDate           time.Time `json:"expiryDate,omitzero"`
	TransactionID        string    `json:"transactionId,omitempty"`
	TransactionCreatedAt time.Time `json:"transactionCreatedAt,omitzero"`
	ClaimMethod          string    `json:"claimMethod"`
}

// ProductRecord is the ordered list of keys issued to one user for one
// product. Historical documents stored this in three shapes: a bare
// boolean "claimed" flag, a single record object, or a list of key
// strings. All of them normalize to the current list-of-records shape
// when the document is loaded, so every read and write site sees one
// schema.
type ProductRecord struct {
	Keys []IssuedKeyRecord
}

// Latest returns the most recently appended record, or nil.
func (r *ProductRecord) Latest() *IssuedKeyRecord {
	if r == nil || len(r.Keys) == 0 {
		return nil
	}
	return &r.Keys[len(r.Keys)-1]
}

// LastTransactionTime returns the newest transactionCreatedAt across the
// record list. Legacy records without timestamps contribute the zero time.
func (r *ProductRecord) LastTransactionTime() time.Time {
	var last time.Time
	if r == nil {
		return last
	}
	for _, k := range r.Keys {
		if k.TransactionCreatedAt.After(last) {
			last = k.TransactionCreatedAt
		}
	}
	return last
}

// UnmarshalJSON normalizes every historical document shape into Keys.
func (r *ProductRecord) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		r.Keys = nil
		return nil
	}

	switch trimmed[0] {
	case 't', 'f':
		var claimed bool
		if err := json.Unmarshal(trimmed, &claimed); err != nil {
			return err
		}
		if claimed {
			r.Keys = []IssuedKeyRecord{{ClaimMethod: ClaimMethodLegacy}}
		} else {
			r.Keys = nil
		}
		return nil

	case '{':
		var single IssuedKeyRecord
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return err
		}
		if single.ClaimMethod == "" {
			single.ClaimMethod = ClaimMethodLegacy
		}
		r.Keys = []IssuedKeyRecord{single}
		return nil

	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return err
		}
		keys := make([]IssuedKeyRecord, 0, len(elems))
		for _, elem := range elems {
			e := bytes.TrimSpace(elem)
			if len(e) == 0 {
				continue
			}
			if e[0] == '"' {
				var key string
				if err := json.Unmarshal(e, &key); err != nil {
					return err
				}
				keys = append(keys, IssuedKeyRecord{Key: key, ClaimMethod: ClaimMethodLegacy})
				continue
			}
			var rec IssuedKeyRecord
			if err := json.Unmarshal(e, &rec); err != nil {
				return err
			}
			if rec.ClaimMethod == "" {
				rec.ClaimMethod = ClaimMethodLegacy
			}
			keys = append(keys, rec)
		}
		r.Keys = keys
		return nil
	}

	return fmt.Errorf("unrecognized product record shape: %.20s", string(trimmed))
}

// MarshalJSON always writes the current list-of-records shape.
func (r ProductRecord) MarshalJSON() ([]byte, error) {
	if r.Keys == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.Keys)
}

// UserData maps lowercased username -> productId -> issued key records.
// The whole structure is persisted as a single remote JSON document.
type UserData map[string]map[string]*ProductRecord

// Record returns the record list for (username, productID), or nil.
func (u UserData) Record(username, productID string) *ProductRecord {
	products, ok := u[strings.ToLower(username)]
	if !ok {
		return nil
	}
	return products[productID]
}

// ByUser returns every product record held by the username, or nil.
func (u UserData) ByUser(username string) map[string]*ProductRecord {
	return u[strings.ToLower(username)]
}

// Append adds an issued key record for (username, productID).
func (u UserData) Append(username, productID string, rec IssuedKeyRecord) {
	name := strings.ToLower(username)
	products, ok := u[name]
	if !ok {
		products = make(map[string]*ProductRecord)
		u[name] = products
	}
	pr, ok := products[productID]
	if !ok {
		pr = &ProductRecord{}
		products[productID] = pr
	}
	pr.Keys = append(pr.Keys, rec)
}
