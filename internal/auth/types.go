package auth

import "time"

// User is a global identity. A nil PasswordHash marks a managed user created
// without login capability (for example a rider added by staff).
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash *string   `json:"-"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Managed reports whether the user has no password and therefore cannot log in.
func (u *User) Managed() bool {
	return u == nil || u.PasswordHash == nil || *u.PasswordHash == ""
}

// Organization is a tenant. All business data is scoped to exactly one.
type Organization struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Slug      string     `json:"slug"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Membership binds a user to an organization and carries the user's roles there.
type Membership struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	OrganizationID string     `json:"organization_id"`
	Roles          []RoleName `json:"roles"`
	CreatedAt      time.Time  `json:"created_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// Role is a global, named bundle of permissions.
type Role struct {
	ID           string    `json:"id"`
	Name         RoleName  `json:"name"`
	Description  string    `json:"description,omitempty"`
	Unrestricted bool      `json:"unrestricted"`
	CreatedAt    time.Time `json:"created_at"`
}

// Permission is an atomic capability such as "riders:delete".
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RoleGrant is a role attached to a membership together with the permission
// names linked to it.
type RoleGrant struct {
	Name         RoleName
	Unrestricted bool
	Permissions  []string
}

// PermissionOverride explicitly allows or denies one permission to one user
// inside one organization.
type PermissionOverride struct {
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	Permission     string    `json:"permission"`
	Allow          bool      `json:"allow"`
	CreatedAt      time.Time `json:"created_at"`
}

// RefreshToken is a persisted, single-use session credential. Only the digest
// of the opaque secret is stored.
type RefreshToken struct {
	ID             string
	UserID         string
	OrganizationID string
	TokenHash      string
	ExpiresAt      time.Time
	RevokedAt      *time.Time
	ReplacedBy     string
	CreatedAt      time.Time
}

// TokenState is the lifecycle position of a refresh token.
type TokenState string

const (
	TokenActive    TokenState = "active"
	TokenRefreshed TokenState = "refreshed"
	TokenRevoked   TokenState = "revoked"
	TokenExpired   TokenState = "expired"
)

// State evaluates the record at the given instant. Stored timestamps are
// normalized to UTC before comparison since some drivers return them without
// a zone.
func (t *RefreshToken) State(now time.Time) TokenState {
	switch {
	case t.ReplacedBy != "":
		return TokenRefreshed
	case t.RevokedAt != nil:
		return TokenRevoked
	case !now.UTC().Before(t.ExpiresAt.UTC()):
		return TokenExpired
	default:
		return TokenActive
	}
}
