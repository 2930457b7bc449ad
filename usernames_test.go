package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeUsername(t *testing.T) {
	tests := map[string]string{
		"Jane.Doe":      "jane.doe",
		"  john smith ": "johnsmith",
		"ünïcode!":      "ncode",
		"--__..":        UsernameFallback,
		"":              UsernameFallback,
		"a_b-c.d":       "a_b-c.d",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeUsername(in), in)
	}
}

func TestUniqueUsername_Suffixes(t *testing.T) {
	taken := map[string]bool{}
	exists := func(ctx context.Context, name string) (bool, error) {
		return taken[name], nil
	}

	for _, want := range []string{"name", "name1", "name2"} {
		got, err := UniqueUsername(context.Background(), "Name", exists)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		taken[got] = true
	}
}

func TestUniqueUsername_PropagatesLookupError(t *testing.T) {
	boom := errors.New("db down")
	_, err := UniqueUsername(context.Background(), "name", func(ctx context.Context, name string) (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestUsernameFromEmail(t *testing.T) {
	assert.Equal(t, "jane", usernameFromEmail("jane@example.com"))
	assert.Equal(t, "nodomain", usernameFromEmail("nodomain"))
}
