package auth

import (
	"context"
	"errors"
)

// Binder turns decoded claims into a RequestContext. It only reads
// memberships; roles and permissions come from the token.
type Binder struct {
	memberships MembershipStore
}

// NewBinder constructs a Binder over memberships.
func NewBinder(memberships MembershipStore) *Binder {
	return &Binder{memberships: memberships}
}

// Bind resolves the organization a request operates in. A tenant claim must
// match a live membership of the subject, otherwise ErrForbidden; there is no
// fallback to another organization. Without a tenant claim the default
// membership is attached for display but the request stays unbound, so no
// permission check can pass.
func (b *Binder) Bind(ctx context.Context, claims *Claims) (*RequestContext, error) {
	if claims == nil || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	rc := &RequestContext{
		UserID:      claims.Subject,
		TokenID:     claims.ID,
		Permissions: map[string]struct{}{},
	}
	if claims.ExpiresAt != nil {
		rc.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}

	if !claims.HasTenant() {
		list, err := b.memberships.ListForUser(ctx, claims.Subject)
		if err != nil {
			return nil, err
		}
		rc.Membership = DefaultMembership(list)
		return rc, nil
	}

	m, err := b.memberships.Find(ctx, claims.Subject, claims.TenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrForbidden
		}
		return nil, err
	}
	rc.Membership = m
	rc.TenantBound = true
	rc.Roles = append([]RoleName(nil), claims.Roles...)
	for _, p := range claims.Permissions {
		rc.Permissions[p] = struct{}{}
	}
	return rc, nil
}
