package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials is returned for any failed password login.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrInvalidToken covers malformed, forged, expired, revoked and reused tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrForbidden    = errors.New("auth: forbidden")
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: conflict")
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrRateLimited  = errors.New("auth: rate limited")
)

// PermissionError names the permission a caller was missing.
type PermissionError struct {
	Permission string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("auth: missing permission %s", e.Permission)
}

func (e *PermissionError) Unwrap() error { return ErrForbidden }

// IsUnauthenticated reports whether err must be surfaced as a generic
// authentication failure.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrInvalidToken)
}
