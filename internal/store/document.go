package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"byorlhub-license-api/internal/model"
)

// Document codecs for the three remote formats in use: JSON string arrays
// (stock files), newline-separated entries that are either bare tokens or
// one JSON object per line (claim ledger, bought-key log), and single JSON
// object documents (user records). Line-file format is auto-detected from
// the first non-whitespace character of the existing content so mixed
// historical files keep working.

// ParseList decodes a stock-style document: a JSON array of strings, or
// one entry per line for older files. Malformed content degrades to the
// line interpretation, matching how the documents were historically read.
func ParseList(content string) []string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil
	}

	if trimmed[0] == '[' {
		var items []string
		if err := json.Unmarshal([]byte(trimmed), &items); err == nil {
			return items
		}
	}

	var items []string
	for _, line := range strings.Split(trimmed, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			items = append(items, line)
		}
	}
	return items
}

// EncodeList encodes a stock-style document as an indented JSON array,
// the canonical write format.
func EncodeList(items []string) string {
	if items == nil {
		items = []string{}
	}
	data, _ := json.MarshalIndent(items, "", "  ")
	return string(data)
}

// claimLine is the structured form of one claim ledger entry.
type claimLine struct {
	ID            string `json:"id,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	ClaimedAt     string `json:"claimedAt,omitempty"`
}

func (l claimLine) id() string {
	if l.ID != "" {
		return l.ID
	}
	return l.TransactionID
}

// ParseClaimSet decodes a claim ledger document into a set of transaction
// ids. Entries may be bare tokens or JSON objects carrying an "id" (or
// legacy "transactionId") field; both forms can appear in one file.
func ParseClaimSet(content string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line[0] == '{' {
			var entry claimLine
			if err := json.Unmarshal([]byte(line), &entry); err == nil && entry.id() != "" {
				set[entry.id()] = struct{}{}
			}
			continue
		}
		set[line] = struct{}{}
	}
	return set
}

// AppendClaim appends a transaction id to a claim ledger document in the
// format the document already uses; empty documents start as bare tokens.
func AppendClaim(content, id string, now time.Time) string {
	trimmed := strings.TrimSpace(content)

	var entry string
	if trimmed != "" && trimmed[0] == '{' {
		data, _ := json.Marshal(claimLine{ID: id, ClaimedAt: now.UTC().Format(time.RFC3339)})
		entry = string(data)
	} else {
		entry = id
	}

	if trimmed == "" {
		return entry + "\n"
	}
	return trimmed + "\n" + entry + "\n"
}

// AppendLine appends one bare line to a line-oriented document.
func AppendLine(content, line string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return line + "\n"
	}
	return trimmed + "\n" + line + "\n"
}

// DecodeUserData decodes the user record document. Absence decodes to an
// empty record set; legacy per-product shapes are normalized by the model
// layer during decoding.
func DecodeUserData(content string) (model.UserData, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return make(model.UserData), nil
	}

	var data model.UserData
	if err := json.Unmarshal([]byte(trimmed), &data); err != nil {
		return nil, fmt.Errorf("failed to decode user data: %w", err)
	}
	if data == nil {
		data = make(model.UserData)
	}
	return data, nil
}

// EncodeUserData encodes the user record document as a single JSON object.
func EncodeUserData(data model.UserData) (string, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode user data: %w", err)
	}
	return string(encoded), nil
}
