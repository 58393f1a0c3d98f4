// Package requestctx carries authenticated caller identity through request
// contexts so handlers and domain services agree on who is acting.
package requestctx

import (
	"context"
	"strings"
)

type userIDContextKey struct{}

type roleContextKey struct{}

// Roles that may call operator endpoints.
const (
	RoleService  = "service"
	RoleOperator = "operator"
)

// WithUserID stores a user identifier in context.
func WithUserID(ctx context.Context, userID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, userIDContextKey{}, strings.TrimSpace(userID))
}

// UserIDFromContext returns the user identifier stored in context.
func UserIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(userIDContextKey{}).(string)
	return value
}

// WithRole stores the caller role claim in context.
func WithRole(ctx context.Context, role string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, roleContextKey{}, strings.ToLower(strings.TrimSpace(role)))
}

// RoleFromContext returns the caller role stored in context.
func RoleFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(roleContextKey{}).(string)
	return value
}

// IsOperator reports whether the caller may use operator endpoints.
func IsOperator(ctx context.Context) bool {
	switch RoleFromContext(ctx) {
	case RoleService, RoleOperator:
		return true
	default:
		return false
	}
}
