package memory

import (
	"context"
	"sort"
	"time"

	"paddock.org/internal/auth"
	"paddock.org/internal/ids"
	"paddock.org/internal/riders"
	"paddock.org/internal/softdelete"
)

type userStore struct{ v view }

func (s *userStore) Create(_ context.Context, u *auth.User) error {
	return s.v.write(func(st *state) error {
		if _, ok := st.emails[u.Email]; ok {
			return auth.ErrConflict
		}
		if _, ok := st.users[u.ID]; ok {
			return auth.ErrConflict
		}
		row := *u
		row.CreatedAt, row.UpdatedAt = row.CreatedAt.UTC(), row.UpdatedAt.UTC()
		st.users[u.ID] = row
		st.emails[u.Email] = u.ID
		return nil
	})
}

func (s *userStore) Find(_ context.Context, id string) (*auth.User, error) {
	var out *auth.User
	err := s.v.read(func(st *state) error {
		u, ok := st.users[id]
		if !ok {
			return auth.ErrNotFound
		}
		out = &u
		return nil
	})
	return out, err
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	var id string
	err := s.v.read(func(st *state) error {
		var ok bool
		if id, ok = st.emails[email]; !ok {
			return auth.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Find(ctx, id)
}

type orgStore struct{ v view }

func (s *orgStore) Create(_ context.Context, org *auth.Organization) error {
	return s.v.write(func(st *state) error {
		if _, ok := st.slugs[org.Slug]; ok {
			return auth.ErrConflict
		}
		row := *org
		row.CreatedAt, row.UpdatedAt = row.CreatedAt.UTC(), row.UpdatedAt.UTC()
		st.orgs[org.ID] = row
		st.slugs[org.Slug] = org.ID
		return nil
	})
}

func (s *orgStore) Find(_ context.Context, id string, opts ...softdelete.Option) (*auth.Organization, error) {
	mode := softdelete.Resolve(opts...)
	var out *auth.Organization
	err := s.v.read(func(st *state) error {
		org, ok := st.orgs[id]
		if !ok || !mode.Visible(org.DeletedAt) {
			return auth.ErrNotFound
		}
		out = &org
		return nil
	})
	return out, err
}

func (s *orgStore) SlugTaken(_ context.Context, slug string) (bool, error) {
	var taken bool
	err := s.v.read(func(st *state) error {
		_, taken = st.slugs[slug]
		return nil
	})
	return taken, err
}

type membershipStore struct{ v view }

func (s *membershipStore) Create(_ context.Context, m *auth.Membership) error {
	return s.v.write(func(st *state) error {
		if _, ok := st.users[m.UserID]; !ok {
			return auth.ErrNotFound
		}
		if _, ok := st.orgs[m.OrganizationID]; !ok {
			return auth.ErrNotFound
		}
		pair := [2]string{m.UserID, m.OrganizationID}
		if id, ok := st.pairs[pair]; ok {
			row := st.memberships[id]
			if row.DeletedAt == nil {
				return auth.ErrConflict
			}
			row.DeletedAt = nil
			row.roleIDs = nil
			st.memberships[id] = row
			m.ID = id
			m.CreatedAt = row.CreatedAt
			m.DeletedAt = nil
			return nil
		}
		row := membershipRow{Membership: *m}
		row.Roles = nil
		row.CreatedAt = row.CreatedAt.UTC()
		st.memberships[m.ID] = row
		st.pairs[pair] = m.ID
		return nil
	})
}

func (s *membershipStore) Find(_ context.Context, userID, orgID string, opts ...softdelete.Option) (*auth.Membership, error) {
	mode := softdelete.Resolve(opts...)
	var out *auth.Membership
	err := s.v.read(func(st *state) error {
		id, ok := st.pairs[[2]string{userID, orgID}]
		if !ok {
			return auth.ErrNotFound
		}
		m := st.membership(id)
		if !mode.Visible(m.DeletedAt) || !mode.Visible(st.orgs[m.OrganizationID].DeletedAt) {
			return auth.ErrNotFound
		}
		out = m
		return nil
	})
	return out, err
}

func (s *membershipStore) ListForUser(_ context.Context, userID string, opts ...softdelete.Option) ([]*auth.Membership, error) {
	mode := softdelete.Resolve(opts...)
	var out []*auth.Membership
	err := s.v.read(func(st *state) error {
		for id, row := range st.memberships {
			if row.UserID != userID || !mode.Visible(row.DeletedAt) || !mode.Visible(st.orgs[row.OrganizationID].DeletedAt) {
				continue
			}
			out = append(out, st.membership(id))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

func (s *membershipStore) SetRoles(_ context.Context, membershipID string, roleIDs []string) error {
	return s.v.write(func(st *state) error {
		row, ok := st.memberships[membershipID]
		if !ok {
			return auth.ErrNotFound
		}
		for _, rid := range roleIDs {
			if _, ok := st.roles[rid]; !ok {
				return auth.ErrNotFound
			}
		}
		row.roleIDs = append([]string(nil), roleIDs...)
		st.memberships[membershipID] = row
		return nil
	})
}

func (s *membershipStore) SoftDelete(_ context.Context, userID, orgID string, at time.Time) error {
	return s.v.write(func(st *state) error {
		id, ok := st.pairs[[2]string{userID, orgID}]
		if !ok {
			return auth.ErrNotFound
		}
		row := st.memberships[id]
		if row.DeletedAt != nil {
			return auth.ErrNotFound
		}
		row.DeletedAt = utcPtr(&at)
		st.memberships[id] = row
		return nil
	})
}

type roleStore struct{ v view }

func (s *roleStore) Ensure(_ context.Context, role *auth.Role) error {
	return s.v.write(func(st *state) error {
		if id, ok := st.roleNames[role.Name]; ok {
			row := st.roles[id]
			row.Description = role.Description
			row.Unrestricted = role.Unrestricted
			st.roles[id] = row
			*role = row
			return nil
		}
		if role.ID == "" {
			role.ID = ids.New()
		}
		if role.CreatedAt.IsZero() {
			role.CreatedAt = time.Now().UTC()
		}
		st.roles[role.ID] = *role
		st.roleNames[role.Name] = role.ID
		return nil
	})
}

func (s *roleStore) FindByName(_ context.Context, name auth.RoleName) (*auth.Role, error) {
	var out *auth.Role
	err := s.v.read(func(st *state) error {
		id, ok := st.roleNames[name]
		if !ok {
			return auth.ErrNotFound
		}
		role := st.roles[id]
		out = &role
		return nil
	})
	return out, err
}

func (s *roleStore) Grants(_ context.Context, names []auth.RoleName) ([]auth.RoleGrant, error) {
	var out []auth.RoleGrant
	err := s.v.read(func(st *state) error {
		for _, name := range names {
			id, ok := st.roleNames[name]
			if !ok {
				continue
			}
			role := st.roles[id]
			g := auth.RoleGrant{Name: role.Name, Unrestricted: role.Unrestricted}
			for pid := range st.rolePerms[id] {
				g.Permissions = append(g.Permissions, st.perms[pid].Name)
			}
			sort.Strings(g.Permissions)
			out = append(out, g)
		}
		return nil
	})
	return out, err
}

type permissionStore struct{ v view }

func (s *permissionStore) Ensure(_ context.Context, perms []auth.Permission) error {
	return s.v.write(func(st *state) error {
		for _, p := range perms {
			if id, ok := st.permNames[p.Name]; ok {
				row := st.perms[id]
				row.Description = p.Description
				st.perms[id] = row
				continue
			}
			if p.ID == "" {
				p.ID = ids.New()
			}
			if p.CreatedAt.IsZero() {
				p.CreatedAt = time.Now().UTC()
			}
			st.perms[p.ID] = p
			st.permNames[p.Name] = p.ID
		}
		return nil
	})
}

func (s *permissionStore) List(_ context.Context) ([]auth.Permission, error) {
	var out []auth.Permission
	err := s.v.read(func(st *state) error {
		for _, p := range st.perms {
			out = append(out, p)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

func (s *permissionStore) SetForRole(_ context.Context, roleID string, perms []string) error {
	return s.v.write(func(st *state) error {
		if _, ok := st.roles[roleID]; !ok {
			return auth.ErrNotFound
		}
		set := make(map[string]struct{}, len(perms))
		for _, name := range perms {
			id, ok := st.permNames[name]
			if !ok {
				return auth.ErrNotFound
			}
			set[id] = struct{}{}
		}
		st.rolePerms[roleID] = set
		return nil
	})
}

type overrideStore struct{ v view }

func (s *overrideStore) Put(_ context.Context, o auth.PermissionOverride) error {
	return s.v.write(func(st *state) error {
		pid, ok := st.permNames[o.Permission]
		if !ok {
			return auth.ErrNotFound
		}
		o.CreatedAt = o.CreatedAt.UTC()
		st.overrides[overrideKey{o.UserID, o.OrganizationID, pid}] = o
		return nil
	})
}

func (s *overrideStore) Delete(_ context.Context, userID, orgID, permission string) error {
	return s.v.write(func(st *state) error {
		if pid, ok := st.permNames[permission]; ok {
			delete(st.overrides, overrideKey{userID, orgID, pid})
		}
		return nil
	})
}

func (s *overrideStore) DeleteAll(_ context.Context, userID, orgID string) (int64, error) {
	var n int64
	err := s.v.write(func(st *state) error {
		for k := range st.overrides {
			if k.userID == userID && k.orgID == orgID {
				delete(st.overrides, k)
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *overrideStore) List(_ context.Context, userID, orgID string) ([]auth.PermissionOverride, error) {
	var out []auth.PermissionOverride
	err := s.v.read(func(st *state) error {
		for k, o := range st.overrides {
			if k.userID == userID && k.orgID == orgID {
				out = append(out, o)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Permission < out[j].Permission })
	return out, err
}

type tokenStore struct{ v view }

func (s *tokenStore) Create(_ context.Context, tok *auth.RefreshToken) error {
	return s.v.write(func(st *state) error {
		if _, ok := st.tokenHashes[tok.TokenHash]; ok {
			return auth.ErrConflict
		}
		if _, ok := st.users[tok.UserID]; !ok {
			return auth.ErrNotFound
		}
		row := *tok
		row.ExpiresAt, row.CreatedAt = row.ExpiresAt.UTC(), row.CreatedAt.UTC()
		st.tokens[tok.ID] = row
		st.tokenHashes[tok.TokenHash] = tok.ID
		return nil
	})
}

func (s *tokenStore) FindByHash(_ context.Context, hash string) (*auth.RefreshToken, error) {
	var out *auth.RefreshToken
	err := s.v.read(func(st *state) error {
		id, ok := st.tokenHashes[hash]
		if !ok {
			return auth.ErrNotFound
		}
		tok := st.tokens[id]
		out = &tok
		return nil
	})
	return out, err
}

// FindByHashForUpdate needs no row lock: transactions are serialized.
func (s *tokenStore) FindByHashForUpdate(ctx context.Context, hash string) (*auth.RefreshToken, error) {
	return s.FindByHash(ctx, hash)
}

func (s *tokenStore) MarkReplaced(_ context.Context, id, replacement string, at time.Time) error {
	return s.v.write(func(st *state) error {
		tok, ok := st.tokens[id]
		if !ok || tok.RevokedAt != nil || tok.ReplacedBy != "" {
			return auth.ErrInvalidToken
		}
		tok.RevokedAt = utcPtr(&at)
		tok.ReplacedBy = replacement
		st.tokens[id] = tok
		return nil
	})
}

func (s *tokenStore) MarkRevoked(_ context.Context, id string, at time.Time) error {
	return s.v.write(func(st *state) error {
		tok, ok := st.tokens[id]
		if !ok {
			return auth.ErrNotFound
		}
		if tok.RevokedAt == nil {
			tok.RevokedAt = utcPtr(&at)
			st.tokens[id] = tok
		}
		return nil
	})
}

func (s *tokenStore) MarkRevokedByUser(_ context.Context, userID string, at time.Time) (int64, error) {
	var n int64
	err := s.v.write(func(st *state) error {
		for id, tok := range st.tokens {
			if tok.UserID != userID || tok.RevokedAt != nil {
				continue
			}
			tok.RevokedAt = utcPtr(&at)
			st.tokens[id] = tok
			n++
		}
		return nil
	})
	return n, err
}

type riderStore struct{ v view }

func (s *riderStore) Create(_ context.Context, r *riders.Rider) error {
	return s.v.write(func(st *state) error {
		if _, ok := st.orgs[r.OrganizationID]; !ok {
			return auth.ErrNotFound
		}
		if _, ok := st.riders[r.ID]; ok {
			return auth.ErrConflict
		}
		row := *r
		row.CreatedAt = row.CreatedAt.UTC()
		st.riders[r.ID] = row
		return nil
	})
}

func (s *riderStore) Find(_ context.Context, orgID, id string, opts ...softdelete.Option) (*riders.Rider, error) {
	mode := softdelete.Resolve(opts...)
	var out *riders.Rider
	err := s.v.read(func(st *state) error {
		r, ok := st.riders[id]
		if !ok || r.OrganizationID != orgID || !mode.Visible(r.DeletedAt) {
			return auth.ErrNotFound
		}
		out = &r
		return nil
	})
	return out, err
}

func (s *riderStore) List(_ context.Context, orgID string, opts ...softdelete.Option) ([]*riders.Rider, error) {
	mode := softdelete.Resolve(opts...)
	out := []*riders.Rider{}
	err := s.v.read(func(st *state) error {
		for _, r := range st.riders {
			if r.OrganizationID != orgID || !mode.Visible(r.DeletedAt) {
				continue
			}
			r := r
			out = append(out, &r)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (s *riderStore) SoftDelete(_ context.Context, orgID, id string, at time.Time) error {
	return s.v.write(func(st *state) error {
		r, ok := st.riders[id]
		if !ok || r.OrganizationID != orgID || r.DeletedAt != nil {
			return auth.ErrNotFound
		}
		r.DeletedAt = utcPtr(&at)
		st.riders[id] = r
		return nil
	})
}

func (s *riderStore) Restore(_ context.Context, orgID, id string) error {
	return s.v.write(func(st *state) error {
		r, ok := st.riders[id]
		if !ok || r.OrganizationID != orgID {
			return auth.ErrNotFound
		}
		r.DeletedAt = nil
		st.riders[id] = r
		return nil
	})
}
