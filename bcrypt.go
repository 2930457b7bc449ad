package bridge

import (
	"crypto/rand"
	"encoding/base64"

	goerrors "github.com/goliatone/go-errors"
	"golang.org/x/crypto/bcrypt"
)

// DefaultPasswordCost is the bcrypt cost for bridge created accounts
const DefaultPasswordCost = 12

// ErrEmptyPassword is returned when hashing an empty password
var ErrEmptyPassword = goerrors.New("password must not be empty", goerrors.CategoryBadInput).
	WithTextCode(TextCodeValidation).
	WithCode(goerrors.CodeBadRequest)

// HashPassword will generate a password hash
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}

	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultPasswordCost
	}

	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	return string(h), err
}

// ComparePasswordAndHash reports whether password matches hash
func ComparePasswordAndHash(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// RandomPasswordHash hashes a random secret nobody knows. Accounts created
// by the bridge authenticate through the provider, never with a password.
func RandomPasswordHash(cost int) (string, error) {
	secret, err := randomToken(24)
	if err != nil {
		return "", err
	}
	return HashPassword(secret, cost)
}

// randomToken returns n random bytes encoded as base64url
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "unable to read random bytes")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
