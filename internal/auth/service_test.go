package auth_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"paddock.org/internal/auth"
	"paddock.org/internal/ids"
	"paddock.org/internal/store/memory"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type auditRecorder struct {
	mu     sync.Mutex
	events []string
}

func (a *auditRecorder) record(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
	return nil
}

func (a *auditRecorder) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

type fixture struct {
	svc   *auth.Service
	store *memory.Store
	codec *auth.Codec
	clock *clock
	audit *auditRecorder
}

func newFixture(t *testing.T, opts ...auth.ServiceOption) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	codec, err := auth.NewCodec(secret, auth.WithCodecClock(c.Now))
	require.NoError(t, err)
	store := memory.New()
	rec := &auditRecorder{}
	opts = append([]auth.ServiceOption{
		auth.WithClock(c.Now),
		auth.WithAuditor(rec.record),
		auth.WithRoleCache(auth.NewRoleCache(nil)),
	}, opts...)
	svc, err := auth.NewService(store, codec, opts...)
	require.NoError(t, err)
	require.NoError(t, svc.Seed(context.Background()))
	return &fixture{svc: svc, store: store, codec: codec, clock: c, audit: rec}
}

func (f *fixture) register(t *testing.T, email string) *auth.User {
	t.Helper()
	u, err := f.svc.Register(context.Background(), auth.RegisterInput{
		Email: email, Password: "hunter22", FirstName: "Test", LastName: "User",
	})
	require.NoError(t, err)
	return u
}

func (f *fixture) login(t *testing.T, email string) *auth.Session {
	t.Helper()
	sess, err := f.svc.Login(context.Background(), auth.LoginInput{Email: email, Password: "hunter22"})
	require.NoError(t, err)
	return sess
}

func (f *fixture) rc(t *testing.T, sess *auth.Session) *auth.RequestContext {
	t.Helper()
	rc, err := f.svc.Authenticate(context.Background(), sess.AccessToken)
	require.NoError(t, err)
	return rc
}

// school registers an administrator and onboards them into a new organization.
func (f *fixture) school(t *testing.T, email, name string) (*auth.Organization, *auth.Session) {
	t.Helper()
	f.clock.Advance(time.Second)
	f.register(t, email)
	sess := f.login(t, email)
	org, admin, err := f.svc.CreateOrganization(context.Background(), f.rc(t, sess), name)
	require.NoError(t, err)
	return org, admin
}

func TestRegisterNormalizesAndRejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u := f.register(t, "  Jane@Example.COM ")
	assert.Equal(t, "jane@example.com", u.Email)
	assert.False(t, u.Managed())

	_, err := f.svc.Register(ctx, auth.RegisterInput{Email: "jane@example.com", Password: "x"})
	assert.ErrorIs(t, err, auth.ErrConflict)

	_, err = f.svc.Register(ctx, auth.RegisterInput{Email: "not-an-address", Password: "x"})
	assert.ErrorIs(t, err, auth.ErrInvalidInput)

	// 40 runes, 80 bytes
	_, err = f.svc.Register(ctx, auth.RegisterInput{Email: "long@example.com", Password: strings.Repeat("é", 40)})
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
	assert.True(t, f.audit.has("auth.register"))
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "jane@example.com")

	_, err := f.svc.Login(ctx, auth.LoginInput{Email: "jane@example.com", Password: "nope"})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = f.svc.Login(ctx, auth.LoginInput{Email: "ghost@example.com", Password: "hunter22"})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestTenantlessLoginThenOnboarding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "owner@example.com")

	sess := f.login(t, "owner@example.com")
	assert.Nil(t, sess.Resolution.Membership)
	rc := f.rc(t, sess)
	assert.False(t, rc.TenantBound)
	assert.True(t, rc.CanCreateOrganization())
	assert.False(t, rc.HasPermission(auth.PermRidersView))

	org, admin, err := f.svc.CreateOrganization(ctx, rc, "Sunny Meadows Riding School")
	require.NoError(t, err)
	assert.Equal(t, "sunny-meadows-riding-school", org.Slug)
	assert.Equal(t, org.ID, admin.Resolution.OrganizationID())
	assert.Equal(t, []auth.RoleName{auth.RoleAdmin}, admin.Resolution.Roles)
	assert.Len(t, admin.Resolution.Permissions, len(auth.BuiltinPermissions))

	adminRC := f.rc(t, admin)
	assert.True(t, adminRC.TenantBound)
	assert.Equal(t, org.ID, adminRC.OrganizationID())
	assert.True(t, adminRC.HasPermission(auth.PermStaffManageRoles))

	// a member cannot onboard a second time, neither with the stale
	// tenantless token nor with the new one
	_, _, err = f.svc.CreateOrganization(ctx, rc, "Second")
	assert.ErrorIs(t, err, auth.ErrConflict)
	_, _, err = f.svc.CreateOrganization(ctx, adminRC, "Second")
	assert.ErrorIs(t, err, auth.ErrConflict)

	// a later login binds the default membership
	again := f.login(t, "owner@example.com")
	assert.Equal(t, org.ID, again.Resolution.OrganizationID())
	assert.True(t, f.audit.has("org.create"))
}

func TestSlugCollisionGetsSuffix(t *testing.T) {
	f := newFixture(t)
	a, _ := f.school(t, "a@example.com", "Oak Farm")
	b, _ := f.school(t, "b@example.com", "Oak  Farm!")
	assert.Equal(t, "oak-farm", a.Slug)
	assert.NotEqual(t, a.Slug, b.Slug)
	assert.Regexp(t, `^oak-farm-[0-9a-f]{4}$`, b.Slug)
}

func TestRefreshRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org, admin := f.school(t, "owner@example.com", "Oak Farm")

	f.clock.Advance(time.Minute)
	next, err := f.svc.Refresh(ctx, admin.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, admin.RefreshToken, next.RefreshToken)
	assert.Equal(t, org.ID, next.Resolution.OrganizationID())

	old, err := f.store.RefreshTokens().FindByHash(ctx, auth.HashToken(admin.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, auth.TokenRefreshed, old.State(f.clock.Now()))
	assert.NotEmpty(t, old.ReplacedBy)

	// replaying the rotated-out secret fails but leaves the new one usable
	_, err = f.svc.Refresh(ctx, admin.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
	assert.True(t, f.audit.has("auth.refresh_reuse"))

	_, err = f.svc.Refresh(ctx, next.RefreshToken)
	assert.NoError(t, err)
}

func TestRefreshReuseRevokesFamilyWhenEnabled(t *testing.T) {
	f := newFixture(t, auth.WithRevokeOnReuse(true))
	ctx := context.Background()
	_, admin := f.school(t, "owner@example.com", "Oak Farm")

	next, err := f.svc.Refresh(ctx, admin.RefreshToken)
	require.NoError(t, err)
	_, err = f.svc.Refresh(ctx, admin.RefreshToken)
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = f.svc.Refresh(ctx, next.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestConcurrentRefreshHasOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, admin := f.school(t, "owner@example.com", "Oak Farm")

	const racers = 8
	var (
		mu      sync.Mutex
		winners []*auth.Session
		losers  int
	)
	var g errgroup.Group
	for i := 0; i < racers; i++ {
		g.Go(func() error {
			sess, err := f.svc.Refresh(ctx, admin.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, sess)
			case errors.Is(err, auth.ErrInvalidToken):
				losers++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, winners, 1)
	assert.Equal(t, racers-1, losers)

	_, err := f.svc.Refresh(ctx, winners[0].RefreshToken)
	assert.NoError(t, err)
}

func TestRefreshExpiredAndLoggedOut(t *testing.T) {
	f := newFixture(t, auth.WithRefreshTTL(time.Hour))
	ctx := context.Background()
	f.register(t, "jane@example.com")

	sess := f.login(t, "jane@example.com")
	f.clock.Advance(time.Hour)
	_, err := f.svc.Refresh(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	sess = f.login(t, "jane@example.com")
	require.NoError(t, f.svc.Logout(ctx, sess.RefreshToken))
	require.NoError(t, f.svc.Logout(ctx, sess.RefreshToken), "logout is idempotent")
	require.NoError(t, f.svc.Logout(ctx, "unknown"))
	_, err = f.svc.Refresh(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = f.svc.Refresh(ctx, "")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestLogoutAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "jane@example.com")

	a := f.login(t, "jane@example.com")
	b := f.login(t, "jane@example.com")
	n, err := f.svc.LogoutAll(ctx, f.rc(t, b))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, s := range []*auth.Session{a, b} {
		_, err := f.svc.Refresh(ctx, s.RefreshToken)
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	}
}

func TestCrossTenantTokenIsForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	orgA, adminA := f.school(t, "a@example.com", "Alpha")
	orgB, _ := f.school(t, "b@example.com", "Bravo")

	rcA := f.rc(t, adminA)
	_, err := f.svc.SwitchOrganization(ctx, rcA, orgB.ID)
	assert.ErrorIs(t, err, auth.ErrForbidden)

	// a validly signed token naming a foreign tenant still does not bind
	forged, _, err := f.codec.Mint(rcA.UserID, orgB.ID, []auth.RoleName{auth.RoleAdmin}, []string{auth.PermRidersView}, time.Minute)
	require.NoError(t, err)
	_, err = f.svc.Authenticate(ctx, forged)
	assert.ErrorIs(t, err, auth.ErrForbidden)

	_, err = f.svc.Login(ctx, auth.LoginInput{Email: "a@example.com", Password: "hunter22", OrganizationID: orgB.ID})
	assert.ErrorIs(t, err, auth.ErrForbidden)

	sess, err := f.svc.Login(ctx, auth.LoginInput{Email: "a@example.com", Password: "hunter22", OrganizationID: orgA.ID})
	require.NoError(t, err)
	assert.Equal(t, orgA.ID, sess.Resolution.OrganizationID())

	_, err = f.svc.SwitchOrganization(ctx, rcA, "nope")
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
}

func TestSwitchOrganization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	orgA, adminA := f.school(t, "a@example.com", "Alpha")
	orgB, adminB := f.school(t, "b@example.com", "Bravo")

	_, _, err := f.svc.AddMember(ctx, f.rc(t, adminB), auth.AddMemberInput{
		Email: "a@example.com", Roles: []auth.RoleName{"parent"},
	})
	require.NoError(t, err)

	switched, err := f.svc.SwitchOrganization(ctx, f.rc(t, adminA), orgB.ID)
	require.NoError(t, err)
	assert.Equal(t, orgB.ID, switched.Resolution.OrganizationID())
	assert.Equal(t, []auth.RoleName{auth.RoleParent}, switched.Resolution.Roles)

	rc := f.rc(t, switched)
	assert.True(t, rc.HasPermission(auth.PermRidersView))
	assert.False(t, rc.HasPermission(auth.PermRidersCreate))

	// the default stays the oldest membership
	again := f.login(t, "a@example.com")
	assert.Equal(t, orgA.ID, again.Resolution.OrganizationID())
}

func TestAddMemberAndPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org, admin := f.school(t, "owner@example.com", "Oak Farm")
	adminRC := f.rc(t, admin)

	f.register(t, "coach@example.com")
	m, coach, err := f.svc.AddMember(ctx, adminRC, auth.AddMemberInput{
		Email: "Coach@Example.com", Roles: []auth.RoleName{auth.RoleInstructor},
	})
	require.NoError(t, err)
	assert.Equal(t, org.ID, m.OrganizationID)
	assert.False(t, coach.Managed())

	coachSess := f.login(t, "coach@example.com")
	assert.Equal(t, []string{auth.PermGradesSignoff, auth.PermGradesViewHistory, auth.PermRidersView}, coachSess.Resolution.Permissions)

	_, _, err = f.svc.AddMember(ctx, adminRC, auth.AddMemberInput{Email: "coach@example.com", Roles: []auth.RoleName{auth.RoleParent}})
	assert.ErrorIs(t, err, auth.ErrConflict)

	_, rider, err := f.svc.AddMember(ctx, adminRC, auth.AddMemberInput{
		Email: "kid@example.com", FirstName: "Kid", LastName: "Rider", Roles: []auth.RoleName{auth.RoleRider},
	})
	require.NoError(t, err)
	assert.True(t, rider.Managed())
	_, err = f.svc.Login(ctx, auth.LoginInput{Email: "kid@example.com", Password: ""})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, _, err = f.svc.AddMember(ctx, f.rc(t, coachSess), auth.AddMemberInput{Email: "x@example.com", Roles: []auth.RoleName{auth.RoleRider}})
	var perr *auth.PermissionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, auth.PermStaffInvite, perr.Permission)

	_, _, err = f.svc.AddMember(ctx, adminRC, auth.AddMemberInput{Email: "x@example.com", Roles: []auth.RoleName{"owner"}})
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
}

func TestGrantingAdminNeedsManageRoles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, admin := f.school(t, "owner@example.com", "Oak Farm")
	adminRC := f.rc(t, admin)

	f.register(t, "coach@example.com")
	_, coach, err := f.svc.AddMember(ctx, adminRC, auth.AddMemberInput{Email: "coach@example.com", Roles: []auth.RoleName{auth.RoleInstructor}})
	require.NoError(t, err)
	require.NoError(t, f.svc.SetOverride(ctx, adminRC, coach.ID, auth.PermStaffInvite, true))

	coachRC := f.rc(t, f.login(t, "coach@example.com"))
	require.True(t, coachRC.HasPermission(auth.PermStaffInvite))

	_, _, err = f.svc.AddMember(ctx, coachRC, auth.AddMemberInput{Email: "x@example.com", Roles: []auth.RoleName{auth.RoleAdmin}})
	var perr *auth.PermissionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, auth.PermStaffManageRoles, perr.Permission)

	_, _, err = f.svc.AddMember(ctx, coachRC, auth.AddMemberInput{Email: "x@example.com", Roles: []auth.RoleName{auth.RoleRider}})
	assert.NoError(t, err)
}

func TestOverrides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, admin := f.school(t, "owner@example.com", "Oak Farm")
	adminRC := f.rc(t, admin)

	f.register(t, "coach@example.com")
	_, coach, err := f.svc.AddMember(ctx, adminRC, auth.AddMemberInput{Email: "coach@example.com", Roles: []auth.RoleName{auth.RoleInstructor}})
	require.NoError(t, err)

	require.NoError(t, f.svc.SetOverride(ctx, adminRC, coach.ID, auth.PermRidersView, false))
	require.NoError(t, f.svc.SetOverride(ctx, adminRC, coach.ID, auth.PermRidersCreate, true))
	sess := f.login(t, "coach@example.com")
	assert.Equal(t, []string{auth.PermGradesSignoff, auth.PermGradesViewHistory, auth.PermRidersCreate}, sess.Resolution.Permissions)

	require.NoError(t, f.svc.ClearOverride(ctx, adminRC, coach.ID, auth.PermRidersView))
	require.NoError(t, f.svc.ClearOverride(ctx, adminRC, coach.ID, auth.PermRidersView))
	sess = f.login(t, "coach@example.com")
	assert.Contains(t, sess.Resolution.Permissions, auth.PermRidersView)

	assert.ErrorIs(t, f.svc.SetOverride(ctx, adminRC, coach.ID, "riders:fly", true), auth.ErrInvalidInput)
	assert.ErrorIs(t, f.svc.SetOverride(ctx, adminRC, coach.ID, "bogus", true), auth.ErrInvalidInput)
	assert.ErrorIs(t, f.svc.SetOverride(ctx, adminRC, ids.New(), auth.PermRidersView, true), auth.ErrNotFound)
	assert.ErrorIs(t, f.svc.SetOverride(ctx, f.rc(t, sess), coach.ID, auth.PermRidersView, true), auth.ErrForbidden)
}

func TestRemovedMemberLosesTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, admin := f.school(t, "owner@example.com", "Oak Farm")
	adminRC := f.rc(t, admin)

	f.register(t, "coach@example.com")
	_, coach, err := f.svc.AddMember(ctx, adminRC, auth.AddMemberInput{Email: "coach@example.com", Roles: []auth.RoleName{auth.RoleInstructor}})
	require.NoError(t, err)
	coachSess := f.login(t, "coach@example.com")

	assert.ErrorIs(t, f.svc.RemoveMember(ctx, adminRC, adminRC.UserID), auth.ErrInvalidInput)
	require.NoError(t, f.svc.RemoveMember(ctx, adminRC, coach.ID))
	assert.ErrorIs(t, f.svc.RemoveMember(ctx, adminRC, coach.ID), auth.ErrNotFound)

	_, err = f.svc.Authenticate(ctx, coachSess.AccessToken)
	assert.ErrorIs(t, err, auth.ErrForbidden)

	// refresh falls back to the default membership, here none
	next, err := f.svc.Refresh(ctx, coachSess.RefreshToken)
	require.NoError(t, err)
	assert.Nil(t, next.Resolution.Membership)
	rc := f.rc(t, next)
	assert.False(t, rc.TenantBound)
	assert.True(t, rc.CanCreateOrganization())

	// re-adding revives the membership with the new roles
	m, _, err := f.svc.AddMember(ctx, adminRC, auth.AddMemberInput{Email: "coach@example.com", Roles: []auth.RoleName{auth.RoleParent}})
	require.NoError(t, err)
	found, err := f.store.Memberships().Find(ctx, coach.ID, adminRC.OrganizationID())
	require.NoError(t, err)
	assert.Equal(t, m.ID, found.ID)
	assert.Equal(t, []auth.RoleName{auth.RoleParent}, found.Roles)
}

func TestReAddedMemberStartsWithoutOverrides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org, admin := f.school(t, "owner@example.com", "Oak Farm")
	adminRC := f.rc(t, admin)

	f.register(t, "coach@example.com")
	_, coach, err := f.svc.AddMember(ctx, adminRC, auth.AddMemberInput{Email: "coach@example.com", Roles: []auth.RoleName{auth.RoleInstructor}})
	require.NoError(t, err)
	require.NoError(t, f.svc.SetOverride(ctx, adminRC, coach.ID, auth.PermRidersDelete, true))
	require.Contains(t, f.login(t, "coach@example.com").Resolution.Permissions, auth.PermRidersDelete)

	require.NoError(t, f.svc.RemoveMember(ctx, adminRC, coach.ID))
	left, err := f.store.Overrides().List(ctx, coach.ID, org.ID)
	require.NoError(t, err)
	assert.Empty(t, left)

	_, _, err = f.svc.AddMember(ctx, adminRC, auth.AddMemberInput{Email: "coach@example.com", Roles: []auth.RoleName{auth.RoleRider}})
	require.NoError(t, err)
	sess := f.login(t, "coach@example.com")
	assert.Equal(t, org.ID, sess.Resolution.OrganizationID())
	assert.Empty(t, sess.Resolution.Permissions)
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "jane@example.com")
	sess := f.login(t, "jane@example.com")

	_, err := f.svc.Authenticate(ctx, sess.AccessToken+"x")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	f.clock.Advance(16 * time.Minute)
	_, err = f.svc.Authenticate(ctx, sess.AccessToken)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestRequireCountsDenials(t *testing.T) {
	f := newFixture(t)
	rc := &auth.RequestContext{UserID: ids.New()}
	err := f.svc.Require(rc, auth.PermRidersView)
	assert.ErrorIs(t, err, auth.ErrForbidden)
	assert.NoError(t, f.svc.Ready(context.Background()))
}

func TestSeedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.Seed(ctx))

	perms, err := f.store.Permissions().List(ctx)
	require.NoError(t, err)
	assert.Len(t, perms, len(auth.BuiltinPermissions))

	grants, err := f.store.Roles().Grants(ctx, []auth.RoleName{auth.RoleInstructor, auth.RoleRider})
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, []string{auth.PermGradesSignoff, auth.PermGradesViewHistory, auth.PermRidersView}, grants[0].Permissions)
	assert.Empty(t, grants[1].Permissions)
}

var errCommit = errors.New("commit failed")

// flakyStore rolls back every transaction once failing is set.
type flakyStore struct {
	*memory.Store
	failing bool
}

func (s *flakyStore) WithTx(ctx context.Context, fn func(tx auth.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx auth.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		if s.failing {
			return errCommit
		}
		return nil
	})
}

func TestRefreshStoreFailureIsNotAnAuthFailure(t *testing.T) {
	ctx := context.Background()
	codec, err := auth.NewCodec(secret)
	require.NoError(t, err)
	store := &flakyStore{Store: memory.New()}
	svc, err := auth.NewService(store, codec)
	require.NoError(t, err)
	require.NoError(t, svc.Seed(ctx))

	_, err = svc.Register(ctx, auth.RegisterInput{Email: "owner@example.com", Password: "hunter22"})
	require.NoError(t, err)
	sess, err := svc.Login(ctx, auth.LoginInput{Email: "owner@example.com", Password: "hunter22"})
	require.NoError(t, err)

	store.failing = true
	_, err = svc.Refresh(ctx, sess.RefreshToken)
	require.ErrorIs(t, err, errCommit)
	assert.False(t, auth.IsUnauthenticated(err))

	// the rolled-back rotation left the token usable
	store.failing = false
	_, err = svc.Refresh(ctx, sess.RefreshToken)
	assert.NoError(t, err)
}
