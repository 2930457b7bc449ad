package bridge

import (
	"context"
	"time"
)

// RemoteUser is the identity echoed back by the auth provider API
type RemoteUser struct {
	ProviderUserID string `json:"provider_user_id"`
	Email          string `json:"email"`
	Username       string `json:"username"`
	Created        bool   `json:"created"`
}

// RemoteSession is a session issued by the auth provider API
type RemoteSession struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RemoteProvider mirrors identity and session writes to an auth provider
// reached over its API instead of the shared provider store.
type RemoteProvider interface {
	CreateUser(ctx context.Context, data ProviderUserData) (*RemoteUser, error)
	CreateSession(ctx context.Context, providerUserID string) (*RemoteSession, error)
}
