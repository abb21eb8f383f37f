package auth

import (
	"context"
	"time"

	"paddock.org/internal/softdelete"
)

// Store describes persistence operations required by the auth subsystem.
// Reads outside WithTx run in autocommit mode; every write path goes through
// WithTx so a failure rolls back before it is surfaced.
type Store interface {
	Repos
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

// Repos groups the per-entity stores.
type Repos interface {
	Users() UserStore
	Organizations() OrganizationStore
	Memberships() MembershipStore
	Roles() RoleStore
	Permissions() PermissionStore
	Overrides() OverrideStore
	RefreshTokens() RefreshTokenStore
}

// TxHooks lets callers attach work that must only run after the transaction
// settles. Hooks run after the outcome is final, in registration order.
type TxHooks interface {
	OnCommit(fn func())
	OnRollback(fn func())
}

// Tx is a unit of work with repositories bound to it.
type Tx interface {
	Repos
	TxHooks
}

// UserStore manages users. Email lookups are exact; callers normalize first.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
}

// OrganizationStore manages organizations.
type OrganizationStore interface {
	Create(ctx context.Context, org *Organization) error
	Find(ctx context.Context, id string, opts ...softdelete.Option) (*Organization, error)
	// SlugTaken reports whether any organization, deleted or not, holds slug.
	SlugTaken(ctx context.Context, slug string) (bool, error)
}

// MembershipStore manages user/organization links and their roles.
type MembershipStore interface {
	// Create inserts m, or revives a soft-deleted row for the same pair.
	// A live membership for the pair yields ErrConflict. On revival m.ID is
	// replaced with the id of the existing row.
	Create(ctx context.Context, m *Membership) error
	Find(ctx context.Context, userID, orgID string, opts ...softdelete.Option) (*Membership, error)
	// ListForUser returns memberships ordered by creation time, then id.
	ListForUser(ctx context.Context, userID string, opts ...softdelete.Option) ([]*Membership, error)
	SetRoles(ctx context.Context, membershipID string, roleIDs []string) error
	SoftDelete(ctx context.Context, userID, orgID string, at time.Time) error
}

// RoleStore manages the global role catalog.
type RoleStore interface {
	Ensure(ctx context.Context, role *Role) error
	FindByName(ctx context.Context, name RoleName) (*Role, error)
	// Grants returns the roles with their linked permission names.
	Grants(ctx context.Context, names []RoleName) ([]RoleGrant, error)
}

// PermissionStore manages the permission catalog.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	List(ctx context.Context) ([]Permission, error)
	SetForRole(ctx context.Context, roleID string, perms []string) error
}

// OverrideStore manages per-user, per-organization permission overrides.
type OverrideStore interface {
	Put(ctx context.Context, o PermissionOverride) error
	Delete(ctx context.Context, userID, orgID, permission string) error
	// DeleteAll drops every override the user holds in the organization.
	DeleteAll(ctx context.Context, userID, orgID string) (int64, error)
	List(ctx context.Context, userID, orgID string) ([]PermissionOverride, error)
}

// RefreshTokenStore manages refresh token lifecycle.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	// FindByHashForUpdate locks the row for the rest of the transaction.
	FindByHashForUpdate(ctx context.Context, hash string) (*RefreshToken, error)
	FindByHash(ctx context.Context, hash string) (*RefreshToken, error)
	// MarkReplaced revokes id and links it to replacement only if it is still
	// unrevoked and unreplaced. A lost race yields ErrInvalidToken.
	MarkReplaced(ctx context.Context, id, replacement string, at time.Time) error
	MarkRevoked(ctx context.Context, id string, at time.Time) error
	MarkRevokedByUser(ctx context.Context, userID string, at time.Time) (int64, error)
}
