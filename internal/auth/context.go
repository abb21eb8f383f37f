package auth

import (
	"context"
	"sort"
	"time"
)

// RequestContext is the resolved identity of one request: who is calling,
// which organization the request is pinned to and what the caller may do
// there. It is built once by the Binder and passed down explicitly.
type RequestContext struct {
	UserID string
	// Membership is the bound membership, or the default one when the token
	// carries no tenant. Nil when the user belongs to no organization.
	Membership *Membership
	// TenantBound is set only when the token itself named the organization.
	TenantBound bool
	Roles       []RoleName
	Permissions map[string]struct{}
	TokenID     string
	ExpiresAt   time.Time
}

// OrganizationID returns the organization every tenant-scoped query of this
// request must be filtered by. It is empty unless the token pinned one.
func (rc *RequestContext) OrganizationID() string {
	if rc == nil || !rc.TenantBound || rc.Membership == nil {
		return ""
	}
	return rc.Membership.OrganizationID
}

// HasPermission reports whether perm is granted in the bound organization.
// A request without a tenant never holds any permission.
func (rc *RequestContext) HasPermission(perm string) bool {
	if rc == nil || !rc.TenantBound {
		return false
	}
	_, ok := rc.Permissions[perm]
	return ok
}

// RequirePermission returns a *PermissionError naming perm when it is not
// granted.
func (rc *RequestContext) RequirePermission(perm string) error {
	if !rc.HasPermission(perm) {
		return &PermissionError{Permission: perm}
	}
	return nil
}

// CanCreateOrganization reports whether the caller belongs to no
// organization yet.
func (rc *RequestContext) CanCreateOrganization() bool {
	return rc != nil && rc.Membership == nil
}

// PermissionList returns the granted permissions in sorted order.
func (rc *RequestContext) PermissionList() []string {
	if rc == nil {
		return nil
	}
	out := make([]string, 0, len(rc.Permissions))
	for p := range rc.Permissions {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

type requestContextKey struct{}

// ContextWithRequest attaches rc to ctx.
func ContextWithRequest(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestFromContext extracts the request context attached by the
// authentication middleware.
func RequestFromContext(ctx context.Context) (*RequestContext, bool) {
	if ctx == nil {
		return nil, false
	}
	rc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	if !ok || rc == nil {
		return nil, false
	}
	return rc, true
}
