package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const refreshSecretBytes = 32

// MaxPasswordBytes is the longest password bcrypt accepts, counted in bytes.
const MaxPasswordBytes = 72

// dummyHash is compared against when the account does not exist or has no
// password so that both paths cost one bcrypt evaluation.
var (
	dummyOnce sync.Once
	dummyHash []byte
)

func dummy() []byte {
	dummyOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte("paddock-dummy-password"), bcrypt.DefaultCost)
		if err != nil {
			panic(err)
		}
		dummyHash = h
	})
	return dummyHash
}

// HashPassword hashes plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares plaintext password with the stored hash. A missing
// hash never verifies, but still spends the same work as a real comparison.
func VerifyPassword(hash *string, password string) bool {
	if hash == nil || *hash == "" {
		_ = bcrypt.CompareHashAndPassword(dummy(), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(*hash), []byte(password)) == nil
}

// HashToken returns the hex SHA-256 digest used to look up opaque secrets.
// Secrets are high-entropy random strings so a fast digest is sufficient.
func HashToken(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// NewOpaqueToken returns a random URL-safe secret of n bytes of entropy.
func NewOpaqueToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
