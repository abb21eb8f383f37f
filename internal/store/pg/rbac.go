package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"paddock.org/internal/auth"
	"paddock.org/internal/ids"
	"paddock.org/internal/softdelete"
)

// Organization store -------------------------------------------------------
type orgStore struct{ q queryer }

func (s *orgStore) Create(ctx context.Context, org *auth.Organization) error {
	_, err := s.q.ExecContext(ctx, `
		insert into organizations (id, name, slug, created_at, updated_at)
		values ($1, $2, $3, $4, $5)
	`, org.ID, org.Name, org.Slug, org.CreatedAt.UTC(), org.UpdatedAt.UTC())
	return mapErr(err)
}

func (s *orgStore) Find(ctx context.Context, id string, opts ...softdelete.Option) (*auth.Organization, error) {
	where := softdelete.Resolve(opts...).And("id = $1", softdelete.DefaultColumn)
	var (
		org     auth.Organization
		deleted sql.NullTime
	)
	err := s.q.QueryRowContext(ctx, `
		select id, name, slug, created_at, updated_at, deleted_at
		from organizations
		where `+where, id).Scan(&org.ID, &org.Name, &org.Slug, &org.CreatedAt, &org.UpdatedAt, &deleted)
	if err != nil {
		return nil, mapErr(err)
	}
	org.CreatedAt, org.UpdatedAt = org.CreatedAt.UTC(), org.UpdatedAt.UTC()
	org.DeletedAt = timePtr(deleted)
	return &org, nil
}

func (s *orgStore) SlugTaken(ctx context.Context, slug string) (bool, error) {
	var taken bool
	err := s.q.QueryRowContext(ctx, `select exists(select 1 from organizations where slug = $1)`, slug).Scan(&taken)
	return taken, err
}

// Membership store ---------------------------------------------------------
type membershipStore struct{ q queryer }

func (s *membershipStore) Create(ctx context.Context, m *auth.Membership) error {
	var (
		id      string
		created time.Time
	)
	err := s.q.QueryRowContext(ctx, `
		insert into memberships (id, user_id, organization_id, created_at)
		values ($1, $2, $3, $4)
		on conflict (user_id, organization_id) do update
		set deleted_at = null
		where memberships.deleted_at is not null
		returning id, created_at
	`, m.ID, m.UserID, m.OrganizationID, m.CreatedAt.UTC()).Scan(&id, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrConflict
	}
	if err != nil {
		return mapErr(err)
	}
	m.ID = id
	m.CreatedAt = created.UTC()
	m.DeletedAt = nil
	return nil
}

const membershipSelect = `
	select m.id, m.user_id, m.organization_id, m.created_at, m.deleted_at,
		coalesce(string_agg(r.name, ',' order by r.name), '')
	from memberships m
	join organizations o on o.id = m.organization_id
	left join membership_roles mr on mr.membership_id = m.id
	left join roles r on r.id = mr.role_id
`

func membershipWhere(base string, mode softdelete.Mode) string {
	return mode.And(mode.And(base, "m.deleted_at"), "o.deleted_at")
}

func scanMembership(scan func(dest ...any) error) (*auth.Membership, error) {
	var (
		m       auth.Membership
		deleted sql.NullTime
		roles   string
	)
	if err := scan(&m.ID, &m.UserID, &m.OrganizationID, &m.CreatedAt, &deleted, &roles); err != nil {
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.DeletedAt = timePtr(deleted)
	for _, r := range splitList(roles) {
		m.Roles = append(m.Roles, auth.RoleName(r))
	}
	return &m, nil
}

func (s *membershipStore) Find(ctx context.Context, userID, orgID string, opts ...softdelete.Option) (*auth.Membership, error) {
	where := membershipWhere("m.user_id = $1 and m.organization_id = $2", softdelete.Resolve(opts...))
	row := s.q.QueryRowContext(ctx, membershipSelect+" where "+where+" group by m.id", userID, orgID)
	m, err := scanMembership(row.Scan)
	if err != nil {
		return nil, mapErr(err)
	}
	return m, nil
}

func (s *membershipStore) ListForUser(ctx context.Context, userID string, opts ...softdelete.Option) ([]*auth.Membership, error) {
	where := membershipWhere("m.user_id = $1", softdelete.Resolve(opts...))
	rows, err := s.q.QueryContext(ctx, membershipSelect+" where "+where+" group by m.id order by m.created_at asc, m.id asc", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*auth.Membership
	for rows.Next() {
		m, err := scanMembership(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (s *membershipStore) SetRoles(ctx context.Context, membershipID string, roleIDs []string) error {
	if _, err := s.q.ExecContext(ctx, `delete from membership_roles where membership_id = $1`, membershipID); err != nil {
		return err
	}
	for _, roleID := range roleIDs {
		if _, err := s.q.ExecContext(ctx, `
			insert into membership_roles (membership_id, role_id)
			values ($1, $2)
			on conflict do nothing
		`, membershipID, roleID); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (s *membershipStore) SoftDelete(ctx context.Context, userID, orgID string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		update memberships set deleted_at = $3
		where user_id = $1 and organization_id = $2 and deleted_at is null
	`, userID, orgID, at.UTC())
	if err != nil {
		return err
	}
	return affected(res, auth.ErrNotFound)
}

// Role store ---------------------------------------------------------------
type roleStore struct{ q queryer }

func (s *roleStore) Ensure(ctx context.Context, role *auth.Role) error {
	if role.ID == "" {
		role.ID = ids.New()
	}
	var created time.Time
	err := s.q.QueryRowContext(ctx, `
		insert into roles (id, name, description, unrestricted)
		values ($1, $2, $3, $4)
		on conflict (name) do update
		set description = excluded.description, unrestricted = excluded.unrestricted
		returning id, created_at
	`, role.ID, string(role.Name), role.Description, role.Unrestricted).Scan(&role.ID, &created)
	if err != nil {
		return mapErr(err)
	}
	role.CreatedAt = created.UTC()
	return nil
}

func (s *roleStore) FindByName(ctx context.Context, name auth.RoleName) (*auth.Role, error) {
	var (
		role    auth.Role
		rawName string
	)
	err := s.q.QueryRowContext(ctx, `
		select id, name, description, unrestricted, created_at
		from roles
		where name = $1
	`, string(name)).Scan(&role.ID, &rawName, &role.Description, &role.Unrestricted, &role.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	role.Name = auth.RoleName(rawName)
	role.CreatedAt = role.CreatedAt.UTC()
	return &role, nil
}

func (s *roleStore) Grants(ctx context.Context, names []auth.RoleName) ([]auth.RoleGrant, error) {
	if len(names) == 0 {
		return nil, nil
	}
	list := make([]string, 0, len(names))
	for _, n := range names {
		list = append(list, string(n))
	}
	rows, err := s.q.QueryContext(ctx, `
		select r.name, r.unrestricted, coalesce(string_agg(p.name, ',' order by p.name), '')
		from roles r
		left join role_permissions rp on rp.role_id = r.id
		left join permissions p on p.id = rp.permission_id
		where r.name = any(string_to_array($1, ','))
		group by r.id, r.name, r.unrestricted
		order by r.name
	`, strings.Join(list, ","))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []auth.RoleGrant
	for rows.Next() {
		var (
			g     auth.RoleGrant
			name  string
			perms string
		)
		if err := rows.Scan(&name, &g.Unrestricted, &perms); err != nil {
			return nil, err
		}
		g.Name = auth.RoleName(name)
		g.Permissions = splitList(perms)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// Permission store ---------------------------------------------------------
type permissionStore struct{ q queryer }

func (s *permissionStore) Ensure(ctx context.Context, perms []auth.Permission) error {
	for _, p := range perms {
		id := p.ID
		if id == "" {
			id = ids.New()
		}
		if _, err := s.q.ExecContext(ctx, `
			insert into permissions (id, name, description)
			values ($1, $2, $3)
			on conflict (name) do update set description = excluded.description
		`, id, p.Name, p.Description); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (s *permissionStore) List(ctx context.Context) ([]auth.Permission, error) {
	rows, err := s.q.QueryContext(ctx, `select id, name, description, created_at from permissions order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (s *permissionStore) SetForRole(ctx context.Context, roleID string, perms []string) error {
	var exists int
	if err := s.q.QueryRowContext(ctx, `select 1 from roles where id = $1`, roleID).Scan(&exists); err != nil {
		return mapErr(err)
	}
	if _, err := s.q.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	if len(perms) == 0 {
		return nil
	}
	res, err := s.q.ExecContext(ctx, `
		insert into role_permissions (role_id, permission_id)
		select $1, id from permissions where name = any(string_to_array($2, ','))
	`, roleID, strings.Join(perms, ","))
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != int64(len(perms)) {
		return fmt.Errorf("%w: %d of %d permissions exist", auth.ErrNotFound, n, len(perms))
	}
	return nil
}

// Override store -----------------------------------------------------------
type overrideStore struct{ q queryer }

func (s *overrideStore) Put(ctx context.Context, o auth.PermissionOverride) error {
	res, err := s.q.ExecContext(ctx, `
		insert into user_permission_overrides (user_id, organization_id, permission_id, allow, created_at)
		select $1, $2, p.id, $4, $5 from permissions p where p.name = $3
		on conflict (user_id, organization_id, permission_id) do update
		set allow = excluded.allow, created_at = excluded.created_at
	`, o.UserID, o.OrganizationID, o.Permission, o.Allow, o.CreatedAt.UTC())
	if err != nil {
		return mapErr(err)
	}
	return affected(res, auth.ErrNotFound)
}

func (s *overrideStore) Delete(ctx context.Context, userID, orgID, permission string) error {
	_, err := s.q.ExecContext(ctx, `
		delete from user_permission_overrides o
		using permissions p
		where p.id = o.permission_id and o.user_id = $1 and o.organization_id = $2 and p.name = $3
	`, userID, orgID, permission)
	return err
}

func (s *overrideStore) DeleteAll(ctx context.Context, userID, orgID string) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`delete from user_permission_overrides where user_id = $1 and organization_id = $2`, userID, orgID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *overrideStore) List(ctx context.Context, userID, orgID string) ([]auth.PermissionOverride, error) {
	rows, err := s.q.QueryContext(ctx, `
		select o.user_id, o.organization_id, p.name, o.allow, o.created_at
		from user_permission_overrides o
		join permissions p on p.id = o.permission_id
		where o.user_id = $1 and o.organization_id = $2
		order by p.name
	`, userID, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []auth.PermissionOverride
	for rows.Next() {
		var o auth.PermissionOverride
		if err := rows.Scan(&o.UserID, &o.OrganizationID, &o.Permission, &o.Allow, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.CreatedAt = o.CreatedAt.UTC()
		res = append(res, o)
	}
	return res, rows.Err()
}
