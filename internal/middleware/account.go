package middleware

import (
	"context"
	"net/http"
	"strconv"
)

// AccountIDKey is the context key for the authenticated account id.
const AccountIDKey contextKey = "account_id"

// AccountContext reads the X-Account-ID header set by the upstream auth
// gateway and stores it in the request context. The header is trusted:
// session validation happens at the edge, not here. Absence of the
// header (or a zero id) marks the request as a guest.
func AccountContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var accountID int64
		if raw := r.Header.Get("X-Account-ID"); raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
				accountID = id
			}
		}

		ctx := context.WithValue(r.Context(), AccountIDKey, accountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAccountID retrieves the account id from context; 0 means guest.
func GetAccountID(ctx context.Context) int64 {
	if id, ok := ctx.Value(AccountIDKey).(int64); ok {
		return id
	}
	return 0
}
