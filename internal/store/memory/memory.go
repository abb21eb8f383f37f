// Package memory implements the auth and riders stores in process. Every
// transaction works on a private copy of the data and publishes it on
// commit; writers are serialized.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"paddock.org/internal/auth"
	"paddock.org/internal/riders"
)

var (
	_ auth.Store   = (*Store)(nil)
	_ riders.Store = (*riderStore)(nil)
)

type membershipRow struct {
	auth.Membership
	roleIDs []string
}

type overrideKey struct {
	userID, orgID, permID string
}

type state struct {
	users       map[string]auth.User
	emails      map[string]string
	orgs        map[string]auth.Organization
	slugs       map[string]string
	memberships map[string]membershipRow
	pairs       map[[2]string]string
	roles       map[string]auth.Role
	roleNames   map[auth.RoleName]string
	perms       map[string]auth.Permission
	permNames   map[string]string
	rolePerms   map[string]map[string]struct{}
	overrides   map[overrideKey]auth.PermissionOverride
	tokens      map[string]auth.RefreshToken
	tokenHashes map[string]string
	riders      map[string]riders.Rider
}

func newState() *state {
	return &state{
		users:       map[string]auth.User{},
		emails:      map[string]string{},
		orgs:        map[string]auth.Organization{},
		slugs:       map[string]string{},
		memberships: map[string]membershipRow{},
		pairs:       map[[2]string]string{},
		roles:       map[string]auth.Role{},
		roleNames:   map[auth.RoleName]string{},
		perms:       map[string]auth.Permission{},
		permNames:   map[string]string{},
		rolePerms:   map[string]map[string]struct{}{},
		overrides:   map[overrideKey]auth.PermissionOverride{},
		tokens:      map[string]auth.RefreshToken{},
		tokenHashes: map[string]string{},
		riders:      map[string]riders.Rider{},
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// clone copies every table. Values are replaced, never mutated in place, so
// a shallow copy of each map is enough.
func (s *state) clone() *state {
	rolePerms := make(map[string]map[string]struct{}, len(s.rolePerms))
	for k, v := range s.rolePerms {
		rolePerms[k] = copyMap(v)
	}
	return &state{
		users:       copyMap(s.users),
		emails:      copyMap(s.emails),
		orgs:        copyMap(s.orgs),
		slugs:       copyMap(s.slugs),
		memberships: copyMap(s.memberships),
		pairs:       copyMap(s.pairs),
		roles:       copyMap(s.roles),
		roleNames:   copyMap(s.roleNames),
		perms:       copyMap(s.perms),
		permNames:   copyMap(s.permNames),
		rolePerms:   rolePerms,
		overrides:   copyMap(s.overrides),
		tokens:      copyMap(s.tokens),
		tokenHashes: copyMap(s.tokenHashes),
		riders:      copyMap(s.riders),
	}
}

// Store is an in-process auth.Store.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	cur  *state
}

// New returns an empty store.
func New() *Store {
	return &Store{cur: newState()}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Users() auth.UserStore                 { return &userStore{view{store: s}} }
func (s *Store) Organizations() auth.OrganizationStore { return &orgStore{view{store: s}} }
func (s *Store) Memberships() auth.MembershipStore     { return &membershipStore{view{store: s}} }
func (s *Store) Roles() auth.RoleStore                 { return &roleStore{view{store: s}} }
func (s *Store) Permissions() auth.PermissionStore     { return &permissionStore{view{store: s}} }
func (s *Store) Overrides() auth.OverrideStore         { return &overrideStore{view{store: s}} }
func (s *Store) RefreshTokens() auth.RefreshTokenStore { return &tokenStore{view{store: s}} }

// Riders returns the rider store.
func (s *Store) Riders() riders.Store { return &riderStore{view{store: s}} }

// WithTx runs fn against a private copy and publishes it if fn succeeds.
// Transactions are serialized, which also makes every read inside fn a
// locking read.
func (s *Store) WithTx(ctx context.Context, fn func(tx auth.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	s.mu.RLock()
	work := s.cur.clone()
	s.mu.RUnlock()

	tx := &Tx{view: view{store: s, st: work}}
	committed := false
	defer func() {
		s.txMu.Unlock()
		if committed {
			tx.run(tx.onCommit)
		} else {
			tx.run(tx.onRollback)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cur = work
	s.mu.Unlock()
	committed = true
	return nil
}

// Tx is an open in-memory transaction.
type Tx struct {
	view
	hookMu     sync.Mutex
	onCommit   []func()
	onRollback []func()
}

func (t *Tx) Users() auth.UserStore                 { return &userStore{t.view} }
func (t *Tx) Organizations() auth.OrganizationStore { return &orgStore{t.view} }
func (t *Tx) Memberships() auth.MembershipStore     { return &membershipStore{t.view} }
func (t *Tx) Roles() auth.RoleStore                 { return &roleStore{t.view} }
func (t *Tx) Permissions() auth.PermissionStore     { return &permissionStore{t.view} }
func (t *Tx) Overrides() auth.OverrideStore         { return &overrideStore{t.view} }
func (t *Tx) RefreshTokens() auth.RefreshTokenStore { return &tokenStore{t.view} }

// OnCommit registers fn to run after a successful commit.
func (t *Tx) OnCommit(fn func()) {
	t.hookMu.Lock()
	t.onCommit = append(t.onCommit, fn)
	t.hookMu.Unlock()
}

// OnRollback registers fn to run after the transaction is discarded.
func (t *Tx) OnRollback(fn func()) {
	t.hookMu.Lock()
	t.onRollback = append(t.onRollback, fn)
	t.hookMu.Unlock()
}

func (t *Tx) run(hooks []func()) {
	t.hookMu.Lock()
	list := append([]func(){}, hooks...)
	t.hookMu.Unlock()
	for _, fn := range list {
		fn()
	}
}

// view reads and writes either the working copy of a transaction or, in
// autocommit mode, the published state.
type view struct {
	store *Store
	st    *state
}

func (v view) read(fn func(st *state) error) error {
	if v.st != nil {
		return fn(v.st)
	}
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	return fn(v.store.cur)
}

// write applies fn atomically. Outside a transaction the change is made on
// a copy so a failing fn leaves nothing behind.
func (v view) write(fn func(st *state) error) error {
	if v.st != nil {
		return fn(v.st)
	}
	v.store.txMu.Lock()
	defer v.store.txMu.Unlock()
	v.store.mu.RLock()
	work := v.store.cur.clone()
	v.store.mu.RUnlock()
	if err := fn(work); err != nil {
		return err
	}
	v.store.mu.Lock()
	v.store.cur = work
	v.store.mu.Unlock()
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func (st *state) membership(id string) *auth.Membership {
	row, ok := st.memberships[id]
	if !ok {
		return nil
	}
	m := row.Membership
	m.Roles = make([]auth.RoleName, 0, len(row.roleIDs))
	for _, rid := range row.roleIDs {
		if role, ok := st.roles[rid]; ok {
			m.Roles = append(m.Roles, role.Name)
		}
	}
	sort.Slice(m.Roles, func(i, j int) bool { return m.Roles[i] < m.Roles[j] })
	return &m
}
