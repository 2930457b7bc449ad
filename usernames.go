package bridge

import (
	"context"
	"strconv"
	"strings"
)

// UsernameFallback is used when sanitizing leaves nothing behind.
const UsernameFallback = "user"

// maxUsernameAttempts bounds the suffix search
const maxUsernameAttempts = 10000

// UsernameExistsFunc reports whether a username is taken
type UsernameExistsFunc func(ctx context.Context, username string) (bool, error)

// SanitizeUsername lowercases and keeps [a-z0-9._-].
func SanitizeUsername(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}

	out := strings.Trim(b.String(), ".-_")
	if out == "" {
		return UsernameFallback
	}
	return out
}

// UniqueUsername returns base, base1, base2 ... the first one exists
// reports as free. base is sanitized first.
func UniqueUsername(ctx context.Context, base string, exists UsernameExistsFunc) (string, error) {
	base = SanitizeUsername(base)

	for i := 0; i < maxUsernameAttempts; i++ {
		candidate := base
		if i > 0 {
			candidate = base + strconv.Itoa(i)
		}

		taken, err := exists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}

	return "", ErrValidation.Clone().WithMetadata(map[string]any{
		"username": base,
		"reason":   "no free username",
	})
}

// usernameFromEmail uses the local part of an email address
func usernameFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}
