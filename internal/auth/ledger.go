package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"paddock.org/internal/ids"
)

const defaultRefreshTTL = 14 * 24 * time.Hour

// ErrTokenReused is returned when a refresh secret that was already rotated
// out is presented again. It is an ErrInvalidToken to every caller that does
// not look closer.
var ErrTokenReused = fmt.Errorf("%w: refresh token reuse", ErrInvalidToken)

// IssuedToken is a freshly created refresh token. Secret is only ever
// available here; storage keeps the digest.
type IssuedToken struct {
	Secret string
	Record *RefreshToken
}

// Ledger persists rotating, single-use refresh tokens.
type Ledger struct {
	ttl time.Duration
	now func() time.Time
}

// NewLedger constructs a Ledger issuing tokens valid for ttl.
func NewLedger(ttl time.Duration, now func() time.Time) *Ledger {
	if ttl <= 0 {
		ttl = defaultRefreshTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Ledger{ttl: ttl, now: now}
}

// Issue creates a token for userID, optionally bound to orgID.
func (l *Ledger) Issue(ctx context.Context, repos Repos, userID, orgID string) (*IssuedToken, error) {
	secret, err := NewOpaqueToken(refreshSecretBytes)
	if err != nil {
		return nil, fmt.Errorf("auth: generate refresh secret: %w", err)
	}
	now := l.now().UTC()
	rec := &RefreshToken{
		ID:             ids.NewAt(now),
		UserID:         userID,
		OrganizationID: orgID,
		TokenHash:      HashToken(secret),
		ExpiresAt:      now.Add(l.ttl),
		CreatedAt:      now,
	}
	if err := repos.RefreshTokens().Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("auth: store refresh token: %w", err)
	}
	return &IssuedToken{Secret: secret, Record: rec}, nil
}

// Redeem rotates the token identified by secret. It must run inside tx: the
// presented record is locked, a replacement is issued and the old record is
// revoked with a forward link, all or nothing. Every failure is an
// ErrInvalidToken; replays of a rotated-out secret are ErrTokenReused and
// carry the stale record so the caller can report it.
func (l *Ledger) Redeem(ctx context.Context, tx Tx, secret string) (*RefreshToken, *IssuedToken, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, nil, ErrInvalidToken
	}
	tokens := tx.RefreshTokens()
	old, err := tokens.FindByHashForUpdate(ctx, HashToken(secret))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrInvalidToken
		}
		return nil, nil, err
	}
	switch old.State(l.now()) {
	case TokenActive:
	case TokenRefreshed:
		return old, nil, ErrTokenReused
	default:
		return old, nil, ErrInvalidToken
	}

	// The replacement keeps the old organization even when Refresh later
	// falls back to another membership for the access token.
	next, err := l.Issue(ctx, tx, old.UserID, old.OrganizationID)
	if err != nil {
		return nil, nil, err
	}
	if err := tokens.MarkReplaced(ctx, old.ID, next.Record.ID, l.now().UTC()); err != nil {
		return nil, nil, err
	}
	return old, next, nil
}

// Revoke marks the token identified by secret revoked. Unknown, expired and
// already revoked tokens are not an error.
func (l *Ledger) Revoke(ctx context.Context, repos Repos, secret string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	rec, err := repos.RefreshTokens().FindByHash(ctx, HashToken(secret))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if rec.RevokedAt != nil {
		return nil
	}
	return repos.RefreshTokens().MarkRevoked(ctx, rec.ID, l.now().UTC())
}

// RevokeAll revokes every unrevoked token of userID and returns how many
// were affected.
func (l *Ledger) RevokeAll(ctx context.Context, repos Repos, userID string) (int64, error) {
	return repos.RefreshTokens().MarkRevokedByUser(ctx, userID, l.now().UTC())
}
