package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	// UserIDKey is the context key for the authenticated user ID.
	UserIDKey contextKey = "user_id"
	// OrgIDKey is the context key for the organization ID.
	OrgIDKey contextKey = "org_id"
)

// Identity extracts the caller's user and organization from the request.
// It checks the X-User-Id / X-Org-Id headers first, then query
// parameters, and falls back to "default". Upstream auth proxies set the
// headers in production.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
		if userID == "" {
			userID = strings.TrimSpace(r.URL.Query().Get("user"))
		}
		if userID == "" {
			userID = "default"
		}

		orgID := strings.TrimSpace(r.Header.Get("X-Org-Id"))
		if orgID == "" {
			orgID = strings.TrimSpace(r.URL.Query().Get("org"))
		}
		if orgID == "" {
			orgID = "default"
		}

		ctx := context.WithValue(r.Context(), UserIDKey, userID)
		ctx = context.WithValue(ctx, OrgIDKey, orgID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserID retrieves the user ID from the request context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return "default"
}

// GetOrgID retrieves the organization ID from the request context.
func GetOrgID(ctx context.Context) string {
	if v, ok := ctx.Value(OrgIDKey).(string); ok {
		return v
	}
	return "default"
}
