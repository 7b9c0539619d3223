package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

type contextKey string

const (
	organizationIDKey contextKey = "organizationID"
	userIDKey         contextKey = "userID"
)

// Request headers carrying the caller identity. Token verification happens
// upstream of this service.
const (
	OrganizationHeader = "X-Organization-ID"
	UserHeader         = "X-User-ID"
)

// ContextWithOrganizationID returns a new context that carries the authenticated organization scope.
func ContextWithOrganizationID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, organizationIDKey, id)
}

// OrganizationIDFromContext retrieves the authenticated organization scope from the context, if any.
func OrganizationIDFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, organizationIDKey)
}

// ContextWithUserID returns a new context that carries the calling user.
func ContextWithUserID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFromContext returns the calling user, if any.
func UserIDFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, userIDKey)
}

func stringValue(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(key).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// EnforceOrganizationScope ensures the provided organization matches the authenticated scope when present.
func EnforceOrganizationScope(ctx context.Context, organizationID string) error {
	if organizationID == "" {
		return nil
	}
	scopedID, ok := OrganizationIDFromContext(ctx)
	if !ok {
		return nil
	}
	if scopedID != organizationID {
		return fmt.Errorf("organization %s does not match authenticated scope", organizationID)
	}
	return nil
}

// Middleware copies the identity headers into the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if org := strings.TrimSpace(r.Header.Get(OrganizationHeader)); org != "" {
			ctx = ContextWithOrganizationID(ctx, org)
		}
		if user := strings.TrimSpace(r.Header.Get(UserHeader)); user != "" {
			ctx = ContextWithUserID(ctx, user)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
