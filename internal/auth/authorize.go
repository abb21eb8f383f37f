package auth

import (
	"context"
	"errors"
	"sort"
)

// Resolve computes an effective permission set. Unrestricted roles
// contribute the whole catalog. Overrides apply after the role union: an
// allow adds, a deny removes, and a deny beats an allow for the same
// permission. The result is sorted and does not depend on input order.
func Resolve(grants []RoleGrant, overrides []PermissionOverride, catalog []string) []string {
	set := make(map[string]struct{})
	for _, g := range grants {
		if g.Unrestricted {
			for _, p := range catalog {
				set[p] = struct{}{}
			}
			continue
		}
		for _, p := range g.Permissions {
			set[p] = struct{}{}
		}
	}
	denied := make(map[string]struct{})
	for _, o := range overrides {
		if o.Allow {
			set[o.Permission] = struct{}{}
		} else {
			denied[o.Permission] = struct{}{}
		}
	}
	for p := range denied {
		delete(set, p)
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Resolution is the outcome of resolving a user inside one organization.
// Membership is nil when the user belongs to none.
type Resolution struct {
	Membership  *Membership
	Roles       []RoleName
	Permissions []string
}

// OrganizationID returns the resolved tenant, or "".
func (r *Resolution) OrganizationID() string {
	if r == nil || r.Membership == nil {
		return ""
	}
	return r.Membership.OrganizationID
}

// Resolver loads memberships, role grants and overrides from storage and
// feeds them through Resolve.
type Resolver struct {
	repos Repos
}

// NewResolver binds a Resolver to repos, which may be a transaction.
func NewResolver(repos Repos) *Resolver {
	return &Resolver{repos: repos}
}

// Effective resolves userID inside orgID. With an empty orgID the default
// membership is used; a user without memberships resolves to an empty,
// tenantless Resolution. A non-empty orgID the user is not a live member of
// yields ErrForbidden.
func (r *Resolver) Effective(ctx context.Context, userID, orgID string) (*Resolution, error) {
	var m *Membership
	if orgID != "" {
		found, err := r.repos.Memberships().Find(ctx, userID, orgID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, ErrForbidden
			}
			return nil, err
		}
		m = found
	} else {
		list, err := r.repos.Memberships().ListForUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		m = DefaultMembership(list)
	}
	if m == nil {
		return &Resolution{}, nil
	}

	grants, err := r.repos.Roles().Grants(ctx, m.Roles)
	if err != nil {
		return nil, err
	}
	overrides, err := r.repos.Overrides().List(ctx, userID, m.OrganizationID)
	if err != nil {
		return nil, err
	}
	var catalog []string
	for _, g := range grants {
		if g.Unrestricted {
			perms, err := r.repos.Permissions().List(ctx)
			if err != nil {
				return nil, err
			}
			catalog = permissionNames(perms)
			break
		}
	}
	roles := make([]RoleName, 0, len(grants))
	for _, g := range grants {
		roles = append(roles, g.Name)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return &Resolution{
		Membership:  m,
		Roles:       roles,
		Permissions: Resolve(grants, overrides, catalog),
	}, nil
}

// DefaultMembership picks the oldest live membership, breaking ties by id.
// It returns nil for an empty list.
func DefaultMembership(list []*Membership) *Membership {
	var best *Membership
	for _, m := range list {
		if m == nil || m.DeletedAt != nil {
			continue
		}
		if best == nil || m.CreatedAt.Before(best.CreatedAt) ||
			(m.CreatedAt.Equal(best.CreatedAt) && m.ID < best.ID) {
			best = m
		}
	}
	return best
}
