package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"paddock.org/internal/ids"
)

const slugAttempts = 8

// AddMemberInput describes a member added by staff. An unknown email creates
// a managed user without login capability.
type AddMemberInput struct {
	Email     string
	FirstName string
	LastName  string
	Roles     []RoleName
}

// Slugify lower-cases name and collapses every run of non-alphanumerics
// into a single dash.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func slugSuffix() (string, error) {
	buf := make([]byte, 2)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// CreateOrganization onboards the caller into a new organization as its
// administrator. Only callers without any membership may do so. The
// returned session is bound to the new organization.
func (s *Service) CreateOrganization(ctx context.Context, rc *RequestContext, name string) (*Organization, *Session, error) {
	if rc == nil {
		return nil, nil, ErrInvalidToken
	}
	if !rc.CanCreateOrganization() {
		return nil, nil, ErrConflict
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil, ErrInvalidInput
	}
	base := Slugify(name)
	if base == "" {
		base = "org"
	}

	var (
		org  *Organization
		sess *Session
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		live, err := tx.Memberships().ListForUser(ctx, rc.UserID)
		if err != nil {
			return err
		}
		if len(live) > 0 {
			return ErrConflict
		}
		user, err := tx.Users().Find(ctx, rc.UserID)
		if err != nil {
			return err
		}

		slug, err := s.freeSlug(ctx, tx, base)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		org = &Organization{
			ID:        ids.NewAt(now),
			Name:      name,
			Slug:      slug,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Organizations().Create(ctx, org); err != nil {
			return err
		}
		if _, err := s.attach(ctx, tx, user.ID, org.ID, []RoleName{RoleAdmin}); err != nil {
			return err
		}
		res, err := NewResolver(tx).Effective(ctx, user.ID, org.ID)
		if err != nil {
			return err
		}
		sess, err = s.issue(ctx, tx, user, res)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	s.emit(ctx, "org.create", map[string]any{"organization_id": org.ID, "slug": org.Slug})
	return org, sess, nil
}

func (s *Service) freeSlug(ctx context.Context, tx Tx, base string) (string, error) {
	candidate := base
	for i := 0; i < slugAttempts; i++ {
		taken, err := tx.Organizations().SlugTaken(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		suffix, err := slugSuffix()
		if err != nil {
			return "", err
		}
		candidate = base + "-" + suffix
	}
	return "", fmt.Errorf("%w: no free slug for %q", ErrConflict, base)
}

// attach creates (or revives) a membership and links its roles.
func (s *Service) attach(ctx context.Context, tx Tx, userID, orgID string, roles []RoleName) (*Membership, error) {
	now := s.now().UTC()
	m := &Membership{
		ID:             ids.NewAt(now),
		UserID:         userID,
		OrganizationID: orgID,
		Roles:          roles,
		CreatedAt:      now,
	}
	if err := tx.Memberships().Create(ctx, m); err != nil {
		return nil, err
	}
	roleIDs, err := s.roleIDs(ctx, tx, roles)
	if err != nil {
		return nil, err
	}
	if err := tx.Memberships().SetRoles(ctx, m.ID, roleIDs); err != nil {
		return nil, err
	}
	return m, nil
}

// AddMember adds a user to the caller's organization. Granting ADMIN also
// needs staff:manage_roles.
func (s *Service) AddMember(ctx context.Context, rc *RequestContext, in AddMemberInput) (*Membership, *User, error) {
	if err := s.Require(rc, PermStaffInvite); err != nil {
		return nil, nil, err
	}
	email := NormalizeEmail(in.Email)
	if email == "" || len(in.Roles) == 0 {
		return nil, nil, ErrInvalidInput
	}
	roles := make([]RoleName, 0, len(in.Roles))
	seen := make(map[RoleName]bool, len(in.Roles))
	for _, r := range in.Roles {
		name, err := ParseRoleName(string(r))
		if err != nil {
			return nil, nil, err
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		if name.Unrestricted() {
			if err := s.Require(rc, PermStaffManageRoles); err != nil {
				return nil, nil, err
			}
		}
		roles = append(roles, name)
	}

	orgID := rc.OrganizationID()
	var (
		member *Membership
		user   *User
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		var err error
		user, err = tx.Users().FindByEmail(ctx, email)
		if errors.Is(err, ErrNotFound) {
			now := s.now().UTC()
			user = &User{
				ID:        ids.NewAt(now),
				Email:     email,
				FirstName: strings.TrimSpace(in.FirstName),
				LastName:  strings.TrimSpace(in.LastName),
				Active:    true,
				CreatedAt: now,
				UpdatedAt: now,
			}
			err = tx.Users().Create(ctx, user)
		}
		if err != nil {
			return err
		}
		member, err = s.attach(ctx, tx, user.ID, orgID, roles)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	s.emit(ctx, "org.member_add", map[string]any{"member_id": user.ID, "roles": roles, "managed": user.Managed()})
	return member, user, nil
}

// RemoveMember soft-deletes a membership of the caller's organization and
// drops the member's overrides there, so re-adding them starts from their
// roles alone. Tokens already minted for it stop binding immediately.
func (s *Service) RemoveMember(ctx context.Context, rc *RequestContext, userID string) error {
	if err := s.Require(rc, PermStaffManageRoles); err != nil {
		return err
	}
	if userID == rc.UserID {
		return fmt.Errorf("%w: cannot remove yourself", ErrInvalidInput)
	}
	orgID := rc.OrganizationID()
	var cleared int64
	err := s.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.Memberships().SoftDelete(ctx, userID, orgID, s.now().UTC()); err != nil {
			return err
		}
		var err error
		cleared, err = tx.Overrides().DeleteAll(ctx, userID, orgID)
		return err
	})
	if err != nil {
		return err
	}
	s.emit(ctx, "org.member_remove", map[string]any{"member_id": userID, "overrides_cleared": cleared})
	return nil
}

// SetOverride allows or denies one catalog permission to a member of the
// caller's organization.
func (s *Service) SetOverride(ctx context.Context, rc *RequestContext, userID, permission string, allow bool) error {
	if err := s.Require(rc, PermStaffManageRoles); err != nil {
		return err
	}
	permission = strings.TrimSpace(permission)
	if !ValidPermissionName(permission) {
		return ErrInvalidInput
	}
	orgID := rc.OrganizationID()
	err := s.store.WithTx(ctx, func(tx Tx) error {
		catalog, err := tx.Permissions().List(ctx)
		if err != nil {
			return err
		}
		known := false
		for _, p := range catalog {
			if p.Name == permission {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, permission)
		}
		if _, err := tx.Memberships().Find(ctx, userID, orgID); err != nil {
			return err
		}
		return tx.Overrides().Put(ctx, PermissionOverride{
			UserID:         userID,
			OrganizationID: orgID,
			Permission:     permission,
			Allow:          allow,
			CreatedAt:      s.now().UTC(),
		})
	})
	if err != nil {
		return err
	}
	s.emit(ctx, "org.override_set", map[string]any{"member_id": userID, "permission": permission, "allow": allow})
	return nil
}

// ClearOverride removes an override. Clearing a missing one is not an error.
func (s *Service) ClearOverride(ctx context.Context, rc *RequestContext, userID, permission string) error {
	if err := s.Require(rc, PermStaffManageRoles); err != nil {
		return err
	}
	orgID := rc.OrganizationID()
	err := s.store.WithTx(ctx, func(tx Tx) error {
		return tx.Overrides().Delete(ctx, userID, orgID, strings.TrimSpace(permission))
	})
	if err != nil {
		return err
	}
	s.emit(ctx, "org.override_clear", map[string]any{"member_id": userID, "permission": permission})
	return nil
}
