package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"paddock.org/internal/obs"
)

const defaultMigrationsTable = "schema_migrations"

//go:embed sql/*.sql
var embedded embed.FS

// Embedded returns the migrations compiled into the binary.
func Embedded() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// Manager executes SQL migrations read from an fs.FS. Files are named
// NNNN_name.up.sql / NNNN_name.down.sql and applied in name order.
type Manager struct {
	db              *sql.DB
	files           fs.FS
	migrationsTable string
	now             func() time.Time
	log             *zap.Logger
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithClock overrides the time recorded for applied migrations.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs a Manager. A nil files uses the embedded set.
func NewManager(db *sql.DB, files fs.FS, opts ...Option) *Manager {
	if files == nil {
		files = Embedded()
	}
	m := &Manager{
		db:              db,
		files:           files,
		migrationsTable: defaultMigrationsTable,
		now:             time.Now,
		log:             obs.Named("migrate"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations and returns their names.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	executed, err := m.listExecuted(ctx)
	if err != nil {
		return nil, err
	}
	files, err := m.collect(".up.sql")
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, name := range files {
		if executed[name] {
			continue
		}
		if err := m.apply(ctx, name, true); err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", name, err)
		}
		m.log.Info("migration applied", zap.String("name", name))
		applied = append(applied, name)
	}
	return applied, nil
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) (string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return "", err
	}
	executed, err := m.history(ctx)
	if err != nil {
		return "", err
	}
	if len(executed) == 0 {
		return "", errors.New("no migrations applied")
	}
	last := executed[len(executed)-1]
	if err := m.apply(ctx, last, false); err != nil {
		return "", fmt.Errorf("rollback migration %s: %w", last, err)
	}
	m.log.Info("migration rolled back", zap.String("name", last))
	return last, nil
}

// Status returns ordered applied migrations.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	return m.history(ctx)
}

func (m *Manager) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		);`, m.migrationsTable)
	_, err := m.db.ExecContext(ctx, ddl)
	return err
}

// apply runs the up or down file of name and its bookkeeping in one
// transaction.
func (m *Manager) apply(ctx context.Context, name string, up bool) error {
	file := name
	if !up {
		file = strings.TrimSuffix(name, ".up.sql") + ".down.sql"
	}
	body, err := fs.ReadFile(m.files, file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !up {
			return fmt.Errorf("missing down migration for %s", name)
		}
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if up {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, m.migrationsTable),
			name, m.now().UTC())
	} else {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable), name)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) listExecuted(ctx context.Context) (map[string]bool, error) {
	names, err := m.history(ctx)
	if err != nil {
		return nil, err
	}
	result := make(map[string]bool, len(names))
	for _, n := range names {
		result[n] = true
	}
	return result, nil
}

func (m *Manager) history(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by name asc`, m.migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

func (m *Manager) collect(suffix string) ([]string, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		files = append(files, path.Base(e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// splitStatements splits SQL on semicolons outside single-quoted strings and
// line comments.
func splitStatements(sql string) []string {
	var (
		stmts     []string
		current   strings.Builder
		inString  bool
		inComment bool
	)
	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inComment:
			if r == '\n' {
				inComment = false
				current.WriteRune(r)
			}
		case !inString && r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			inComment = true
			i++
		case r == '\'':
			current.WriteRune(r)
			inString = !inString
		case r == ';' && !inString:
			current.WriteRune(r)
			stmts = append(stmts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
