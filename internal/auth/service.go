package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"paddock.org/internal/ids"
	"paddock.org/internal/obs"
)

const defaultAccessTTL = 15 * time.Minute

// AuditFunc records a security-relevant event.
type AuditFunc func(ctx context.Context, event string, fields map[string]any) error

// Service provides login, session rotation and tenant administration on top
// of a Store.
type Service struct {
	store  Store
	codec  *Codec
	ledger *Ledger
	roles  *RoleCache
	now    func() time.Time
	log    *zap.Logger
	audit  AuditFunc

	accessTTL     time.Duration
	refreshTTL    time.Duration
	revokeOnReuse bool
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// WithAuditor sets the audit sink.
func WithAuditor(fn AuditFunc) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.audit = fn
		}
		return nil
	}
}

// WithRoleCache shares a role id cache between services.
func WithRoleCache(c *RoleCache) ServiceOption {
	return func(s *Service) error {
		if c != nil {
			s.roles = c
		}
		return nil
	}
}

// WithRevokeOnReuse revokes every refresh token of a user when one of their
// rotated-out tokens is replayed.
func WithRevokeOnReuse(enabled bool) ServiceOption {
	return func(s *Service) error {
		s.revokeOnReuse = enabled
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, codec *Codec, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if codec == nil {
		return nil, errors.New("auth: codec is required")
	}
	svc := &Service{
		store:      store,
		codec:      codec,
		now:        time.Now,
		log:        obs.Named("auth"),
		audit:      func(context.Context, string, map[string]any) error { return nil },
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.roles == nil {
		svc.roles = NewRoleCache(obs.RecordRoleCache)
	}
	svc.ledger = NewLedger(svc.refreshTTL, svc.now)
	return svc, nil
}

// Session is the outcome of a successful login, refresh, switch or
// onboarding.
type Session struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	User             *User
	Resolution       *Resolution
}

// RegisterInput carries a self-service signup.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// LoginInput carries credentials and an optional organization to bind.
type LoginInput struct {
	Email          string
	Password       string
	OrganizationID string
}

// NormalizeEmail lower-cases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Seed ensures the system roles and permission catalog exist and that role
// links match the defaults. Unrestricted roles are linked to the whole
// catalog.
func (s *Service) Seed(ctx context.Context) error {
	return s.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.Permissions().Ensure(ctx, BuiltinPermissions); err != nil {
			return fmt.Errorf("ensure permissions: %w", err)
		}
		all := permissionNames(BuiltinPermissions)
		for _, def := range SystemRoles {
			role := def
			if err := tx.Roles().Ensure(ctx, &role); err != nil {
				return fmt.Errorf("ensure role %s: %w", role.Name, err)
			}
			s.roles.Stage(tx, role.Name, role.ID)
			perms := DefaultRolePermissions[role.Name]
			if role.Unrestricted {
				perms = all
			}
			if err := tx.Permissions().SetForRole(ctx, role.ID, perms); err != nil {
				return fmt.Errorf("link role %s: %w", role.Name, err)
			}
		}
		return nil
	})
}

// Register creates a user with a password. A taken email is ErrConflict and
// leaves nothing behind.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, error) {
	email := NormalizeEmail(in.Email)
	if _, err := mail.ParseAddress(email); err != nil || in.Password == "" {
		return nil, ErrInvalidInput
	}
	if len(in.Password) > MaxPasswordBytes {
		return nil, fmt.Errorf("%w: password exceeds %d bytes", ErrInvalidInput, MaxPasswordBytes)
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}
	now := s.now().UTC()
	user := &User{
		ID:           ids.NewAt(now),
		Email:        email,
		PasswordHash: &hash,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.Users().FindByEmail(ctx, email); err == nil {
			return ErrConflict
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		return tx.Users().Create(ctx, user)
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, "auth.register", map[string]any{"user_id": user.ID})
	return user, nil
}

// Login verifies credentials and opens a session. Unknown users, wrong
// passwords, inactive and managed users all fail with ErrInvalidCredentials
// after the same amount of hashing work.
func (s *Service) Login(ctx context.Context, in LoginInput) (*Session, error) {
	sess, err := s.login(ctx, in)
	switch {
	case err == nil:
		obs.RecordLogin("success")
		s.emit(ctx, "auth.login", map[string]any{"user_id": sess.User.ID, "organization_id": sess.Resolution.OrganizationID()})
	case errors.Is(err, ErrInvalidCredentials):
		obs.RecordLogin("invalid")
	case errors.Is(err, ErrForbidden):
		obs.RecordLogin("forbidden")
	default:
		obs.RecordLogin("error")
	}
	return sess, err
}

func (s *Service) login(ctx context.Context, in LoginInput) (*Session, error) {
	email := NormalizeEmail(in.Email)
	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		VerifyPassword(nil, in.Password)
		return nil, ErrInvalidCredentials
	}
	if !VerifyPassword(user.PasswordHash, in.Password) || !user.Active {
		return nil, ErrInvalidCredentials
	}

	var sess *Session
	err = s.store.WithTx(ctx, func(tx Tx) error {
		res, err := NewResolver(tx).Effective(ctx, user.ID, strings.TrimSpace(in.OrganizationID))
		if err != nil {
			return err
		}
		sess, err = s.issue(ctx, tx, user, res)
		return err
	})
	return sess, err
}

// Refresh redeems a refresh secret and opens a new session bound to the same
// organization. When that membership is gone the default membership is used
// instead. Every failure is ErrInvalidToken.
func (s *Service) Refresh(ctx context.Context, secret string) (*Session, error) {
	var (
		sess  *Session
		stale *RefreshToken
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		old, next, err := s.ledger.Redeem(ctx, tx, secret)
		if err != nil {
			stale = old
			return err
		}
		user, err := tx.Users().Find(ctx, old.UserID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrInvalidToken
			}
			return err
		}
		if !user.Active {
			return ErrInvalidToken
		}
		resolver := NewResolver(tx)
		res, err := resolver.Effective(ctx, user.ID, old.OrganizationID)
		if errors.Is(err, ErrForbidden) {
			res, err = resolver.Effective(ctx, user.ID, "")
		}
		if err != nil {
			return err
		}
		sess, err = s.sessionFor(user, res, next)
		return err
	})

	switch {
	case err == nil:
		obs.RecordRefresh("success")
		return sess, nil
	case errors.Is(err, ErrTokenReused):
		obs.RecordRefresh("reused")
		s.reused(ctx, stale)
		return nil, ErrInvalidToken
	case errors.Is(err, ErrInvalidToken):
		obs.RecordRefresh("invalid")
		return nil, ErrInvalidToken
	default:
		obs.RecordRefresh("error")
		return nil, fmt.Errorf("auth: refresh: %w", err)
	}
}

func (s *Service) reused(ctx context.Context, stale *RefreshToken) {
	if stale == nil {
		return
	}
	s.log.Warn("refresh token reuse",
		zap.String("token_id", stale.ID),
		zap.String("user_id", stale.UserID),
		zap.String("replaced_by", stale.ReplacedBy),
	)
	fields := map[string]any{"user_id": stale.UserID, "token_id": stale.ID}
	if s.revokeOnReuse {
		var n int64
		err := s.store.WithTx(ctx, func(tx Tx) error {
			var err error
			n, err = s.ledger.RevokeAll(ctx, tx, stale.UserID)
			return err
		})
		if err != nil {
			s.log.Error("revoke after reuse", zap.String("user_id", stale.UserID), zap.Error(err))
		}
		fields["revoked"] = n
	}
	s.emit(ctx, "auth.refresh_reuse", fields)
}

// Logout revokes the refresh token identified by secret. Unknown and already
// revoked tokens are accepted.
func (s *Service) Logout(ctx context.Context, secret string) error {
	err := s.store.WithTx(ctx, func(tx Tx) error {
		return s.ledger.Revoke(ctx, tx, secret)
	})
	if err != nil {
		return err
	}
	s.emit(ctx, "auth.logout", nil)
	return nil
}

// LogoutAll revokes every refresh token of the caller.
func (s *Service) LogoutAll(ctx context.Context, rc *RequestContext) (int64, error) {
	if rc == nil {
		return 0, ErrInvalidToken
	}
	var n int64
	err := s.store.WithTx(ctx, func(tx Tx) error {
		var err error
		n, err = s.ledger.RevokeAll(ctx, tx, rc.UserID)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.emit(ctx, "auth.logout_all", map[string]any{"revoked": n})
	return n, nil
}

// Authenticate decodes an access token and binds it to its organization.
func (s *Service) Authenticate(ctx context.Context, token string) (*RequestContext, error) {
	claims, err := s.codec.Decode(token)
	if err != nil {
		return nil, err
	}
	return NewBinder(s.store.Memberships()).Bind(ctx, claims)
}

// SwitchOrganization opens a session bound to another organization the
// caller is a live member of.
func (s *Service) SwitchOrganization(ctx context.Context, rc *RequestContext, orgID string) (*Session, error) {
	if rc == nil {
		return nil, ErrInvalidToken
	}
	orgID = strings.TrimSpace(orgID)
	if !ids.Valid(orgID) {
		return nil, ErrInvalidInput
	}
	var sess *Session
	err := s.store.WithTx(ctx, func(tx Tx) error {
		user, err := tx.Users().Find(ctx, rc.UserID)
		if err != nil {
			return err
		}
		res, err := NewResolver(tx).Effective(ctx, user.ID, orgID)
		if err != nil {
			return err
		}
		sess, err = s.issue(ctx, tx, user, res)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, "auth.switch", map[string]any{"organization_id": orgID})
	return sess, nil
}

// User returns a user by id.
func (s *Service) User(ctx context.Context, id string) (*User, error) {
	return s.store.Users().Find(ctx, id)
}

// Ready reports whether the backing store answers.
func (s *Service) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Require checks perm on rc and counts denials.
func (s *Service) Require(rc *RequestContext, perm string) error {
	if err := rc.RequirePermission(perm); err != nil {
		obs.RecordDenied(perm)
		return err
	}
	return nil
}

func (s *Service) issue(ctx context.Context, tx Tx, user *User, res *Resolution) (*Session, error) {
	refresh, err := s.ledger.Issue(ctx, tx, user.ID, res.OrganizationID())
	if err != nil {
		return nil, err
	}
	return s.sessionFor(user, res, refresh)
}

func (s *Service) sessionFor(user *User, res *Resolution, refresh *IssuedToken) (*Session, error) {
	access, exp, err := s.codec.Mint(user.ID, res.OrganizationID(), res.Roles, res.Permissions, s.accessTTL)
	if err != nil {
		return nil, err
	}
	return &Session{
		AccessToken:      access,
		AccessExpiresAt:  exp,
		RefreshToken:     refresh.Secret,
		RefreshExpiresAt: refresh.Record.ExpiresAt,
		User:             user,
		Resolution:       res,
	}, nil
}

// roleIDs maps names to ids through the role cache. Ids read inside tx are
// staged on it and published only if tx commits.
func (s *Service) roleIDs(ctx context.Context, tx Tx, names []RoleName) ([]string, error) {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if id, ok := s.roles.Lookup(name); ok {
			out = append(out, id)
			continue
		}
		role, err := tx.Roles().FindByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", name, err)
		}
		s.roles.Stage(tx, name, role.ID)
		out = append(out, role.ID)
	}
	return out, nil
}

func (s *Service) emit(ctx context.Context, event string, fields map[string]any) {
	if err := s.audit(ctx, event, fields); err != nil {
		s.log.Warn("audit failed", zap.String("event", event), zap.Error(err))
	}
}
