package pg

import (
	"context"
	"database/sql"
	"time"

	"paddock.org/internal/auth"
)

// User store ---------------------------------------------------------------
type userStore struct{ q queryer }

func (s *userStore) Create(ctx context.Context, u *auth.User) error {
	var hash sql.NullString
	if u.PasswordHash != nil {
		hash = nullIfEmpty(*u.PasswordHash)
	}
	_, err := s.q.ExecContext(ctx, `
		insert into users (id, email, password_hash, first_name, last_name, active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, u.ID, u.Email, hash, u.FirstName, u.LastName, u.Active, u.CreatedAt.UTC(), u.UpdatedAt.UTC())
	return mapErr(err)
}

const userSelect = `
	select id, email, password_hash, first_name, last_name, active, created_at, updated_at
	from users
`

func scanUser(row *sql.Row) (*auth.User, error) {
	var (
		u    auth.User
		hash sql.NullString
	)
	if err := row.Scan(&u.ID, &u.Email, &hash, &u.FirstName, &u.LastName, &u.Active, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	if hash.Valid && hash.String != "" {
		h := hash.String
		u.PasswordHash = &h
	}
	u.CreatedAt, u.UpdatedAt = u.CreatedAt.UTC(), u.UpdatedAt.UTC()
	return &u, nil
}

func (s *userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return scanUser(s.q.QueryRowContext(ctx, userSelect+" where id = $1", id))
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return scanUser(s.q.QueryRowContext(ctx, userSelect+" where email = $1", email))
}

// Refresh token store ------------------------------------------------------
type tokenStore struct{ q queryer }

func (s *tokenStore) Create(ctx context.Context, tok *auth.RefreshToken) error {
	_, err := s.q.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, organization_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, tok.ID, tok.UserID, nullIfEmpty(tok.OrganizationID), tok.TokenHash, tok.ExpiresAt.UTC(), tok.CreatedAt.UTC())
	return mapErr(err)
}

const tokenSelect = `
	select id, user_id, coalesce(organization_id, ''), token_hash, expires_at, revoked_at,
		coalesce(replaced_by, ''), created_at
	from refresh_tokens
	where token_hash = $1
`

func (s *tokenStore) find(ctx context.Context, query, hash string) (*auth.RefreshToken, error) {
	var (
		tok     auth.RefreshToken
		revoked sql.NullTime
	)
	err := s.q.QueryRowContext(ctx, query, hash).Scan(
		&tok.ID, &tok.UserID, &tok.OrganizationID, &tok.TokenHash,
		&tok.ExpiresAt, &revoked, &tok.ReplacedBy, &tok.CreatedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	tok.ExpiresAt = tok.ExpiresAt.UTC()
	tok.CreatedAt = tok.CreatedAt.UTC()
	tok.RevokedAt = timePtr(revoked)
	return &tok, nil
}

func (s *tokenStore) FindByHash(ctx context.Context, hash string) (*auth.RefreshToken, error) {
	return s.find(ctx, tokenSelect, hash)
}

func (s *tokenStore) FindByHashForUpdate(ctx context.Context, hash string) (*auth.RefreshToken, error) {
	return s.find(ctx, tokenSelect+" for update", hash)
}

func (s *tokenStore) MarkReplaced(ctx context.Context, id, replacement string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = $2, replaced_by = $3
		where id = $1 and revoked_at is null and replaced_by is null
	`, id, at.UTC(), replacement)
	if err != nil {
		if mapped := mapErr(err); mapped == auth.ErrConflict {
			return auth.ErrInvalidToken
		}
		return err
	}
	return affected(res, auth.ErrInvalidToken)
}

func (s *tokenStore) MarkRevoked(ctx context.Context, id string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = coalesce(revoked_at, $2)
		where id = $1
	`, id, at.UTC())
	if err != nil {
		return err
	}
	return affected(res, auth.ErrNotFound)
}

func (s *tokenStore) MarkRevokedByUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = $2
		where user_id = $1 and revoked_at is null
	`, userID, at.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
