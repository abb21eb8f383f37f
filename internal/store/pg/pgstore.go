package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"paddock.org/internal/auth"
	"paddock.org/internal/riders"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var (
	_ auth.Store   = (*Store)(nil)
	_ auth.Tx      = (*Tx)(nil)
	_ riders.Store = (*riderStore)(nil)
)

// PoolConfig tunes the connection pool. Zero fields keep the defaults.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Store implements auth.Store and riders.Store on PostgreSQL through the
// pgx database/sql driver.
type Store struct {
	db *sql.DB
}

// Open connects to dsn with the pgx driver.
func Open(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(orInt(pool.MaxOpenConns, 50))
	db.SetMaxIdleConns(orInt(pool.MaxIdleConns, 25))
	db.SetConnMaxLifetime(orDuration(pool.ConnMaxLifetime, 15*time.Minute))
	db.SetConnMaxIdleTime(orDuration(pool.ConnMaxIdleTime, 5*time.Minute))
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Users() auth.UserStore                 { return &userStore{q: s.db} }
func (s *Store) Organizations() auth.OrganizationStore { return &orgStore{q: s.db} }
func (s *Store) Memberships() auth.MembershipStore     { return &membershipStore{q: s.db} }
func (s *Store) Roles() auth.RoleStore                 { return &roleStore{q: s.db} }
func (s *Store) Permissions() auth.PermissionStore     { return &permissionStore{q: s.db} }
func (s *Store) Overrides() auth.OverrideStore         { return &overrideStore{q: s.db} }
func (s *Store) RefreshTokens() auth.RefreshTokenStore { return &tokenStore{q: s.db} }

// Riders returns the rider store.
func (s *Store) Riders() riders.Store { return &riderStore{q: s.db} }

// WithTx runs fn in a read-committed transaction. Any error from fn, or a
// panic, rolls back before it propagates. Hooks run once the outcome is known.
func (s *Store) WithTx(ctx context.Context, fn func(tx auth.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	tx := &Tx{q: sqlTx}
	committed := false
	defer func() {
		if committed {
			tx.run(tx.onCommit)
			return
		}
		_ = sqlTx.Rollback()
		tx.run(tx.onRollback)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapErr(err)
	}
	committed = true
	return nil
}

// Tx is an open database transaction with repositories bound to it.
type Tx struct {
	q          *sql.Tx
	mu         sync.Mutex
	onCommit   []func()
	onRollback []func()
}

func (t *Tx) Users() auth.UserStore                 { return &userStore{q: t.q} }
func (t *Tx) Organizations() auth.OrganizationStore { return &orgStore{q: t.q} }
func (t *Tx) Memberships() auth.MembershipStore     { return &membershipStore{q: t.q} }
func (t *Tx) Roles() auth.RoleStore                 { return &roleStore{q: t.q} }
func (t *Tx) Permissions() auth.PermissionStore     { return &permissionStore{q: t.q} }
func (t *Tx) Overrides() auth.OverrideStore         { return &overrideStore{q: t.q} }
func (t *Tx) RefreshTokens() auth.RefreshTokenStore { return &tokenStore{q: t.q} }

func (t *Tx) OnCommit(fn func()) {
	t.mu.Lock()
	t.onCommit = append(t.onCommit, fn)
	t.mu.Unlock()
}

func (t *Tx) OnRollback(fn func()) {
	t.mu.Lock()
	t.onRollback = append(t.onRollback, fn)
	t.mu.Unlock()
}

func (t *Tx) run(hooks []func()) {
	t.mu.Lock()
	list := append([]func(){}, hooks...)
	t.mu.Unlock()
	for _, fn := range list {
		fn()
	}
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// mapErr turns constraint violations into domain errors and sql.ErrNoRows
// into auth.ErrNotFound.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return auth.ErrConflict
		case pgErrForeignKeyViolation:
			return auth.ErrNotFound
		}
	}
	return err
}

func affected(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return none
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// timePtr converts a nullable column to UTC. Drivers may hand back values
// without a zone, so every timestamp is normalized on read.
func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
