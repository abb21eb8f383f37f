package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"paddock.org/internal/ids"
)

// MinSecretLength is the shortest accepted HMAC signing secret.
const MinSecretLength = 32

const defaultIssuer = "paddock"

// Claims is the signed claim set of an access token. Optional claims are
// omitted from the encoding when empty.
type Claims struct {
	jwt.RegisteredClaims
	TenantID    string     `json:"sid,omitempty"`
	Roles       []RoleName `json:"roles,omitempty"`
	Permissions []string   `json:"perms,omitempty"`
}

// HasTenant reports whether the token pins a single organization.
func (c *Claims) HasTenant() bool { return c != nil && c.TenantID != "" }

// Codec mints and verifies HS256 access tokens. It never touches storage.
type Codec struct {
	secret []byte
	issuer string
	now    func() time.Time
	leeway time.Duration
}

// CodecOption configures Codec behavior.
type CodecOption func(*Codec)

// WithCodecIssuer overrides the iss claim.
func WithCodecIssuer(issuer string) CodecOption {
	return func(c *Codec) {
		if v := strings.TrimSpace(issuer); v != "" {
			c.issuer = v
		}
	}
}

// WithCodecClock overrides the time source.
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *Codec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithLeeway tolerates clock skew when validating exp and iat.
func WithLeeway(d time.Duration) CodecOption {
	return func(c *Codec) {
		if d >= 0 {
			c.leeway = d
		}
	}
}

// NewCodec constructs a Codec signing with secret.
func NewCodec(secret []byte, opts ...CodecOption) (*Codec, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("auth: signing secret must be at least %d bytes", MinSecretLength)
	}
	c := &Codec{
		secret: append([]byte(nil), secret...),
		issuer: defaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Mint signs a token for subject. tenantID, roles and perms may be empty.
func (c *Codec) Mint(subject, tenantID string, roles []RoleName, perms []string, ttl time.Duration) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("auth: token subject is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("auth: token ttl must be positive")
	}
	now := c.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		TenantID:    tenantID,
		Roles:       roles,
		Permissions: perms,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign access token: %w", err)
	}
	return signed, exp, nil
}

// Decode verifies signature, issuer and expiry. Every failure wraps
// ErrInvalidToken.
func (c *Codec) Decode(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(_ *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
		jwt.WithLeeway(c.leeway),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if !ids.Valid(claims.Subject) {
		return nil, fmt.Errorf("%w: malformed subject", ErrInvalidToken)
	}
	if claims.TenantID != "" && !ids.Valid(claims.TenantID) {
		return nil, fmt.Errorf("%w: malformed tenant", ErrInvalidToken)
	}
	return claims, nil
}
