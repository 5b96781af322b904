package storage

import "context"

type tenantKey struct{}

// WithTenant scopes the runs saved and read through ctx to tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// Tenant returns the tenant ctx is scoped to, or "" in single-tenant mode.
func Tenant(ctx context.Context) string {
	tenantID, _ := ctx.Value(tenantKey{}).(string)
	return tenantID
}

// Visible reports whether a run owned by owner may be read through ctx.
// Unscoped contexts see every run.
func Visible(ctx context.Context, owner string) bool {
	tenantID := Tenant(ctx)
	return tenantID == "" || tenantID == owner
}
