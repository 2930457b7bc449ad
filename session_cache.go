package bridge

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// CachedSession is the provider session token the local side remembers
// for a user.
type CachedSession struct {
	Token     string    `json:"token"`
	LoginAt   time.Time `json:"login_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry at now
func (s *CachedSession) Expired(now time.Time) bool {
	return s == nil || s.Token == "" || !s.ExpiresAt.After(now)
}

// SessionCache stores one cached session per local user
type SessionCache interface {
	Get(ctx context.Context, userID uuid.UUID) (*CachedSession, bool, error)
	Put(ctx context.Context, userID uuid.UUID, session CachedSession) error
	Delete(ctx context.Context, userID uuid.UUID) error
}

// MetaSessionCache keeps the cached session in local user meta rows
type MetaSessionCache struct {
	meta UserMetaStore
}

var _ SessionCache = (*MetaSessionCache)(nil)

// NewMetaSessionCache returns a cache over the local meta store
func NewMetaSessionCache(meta UserMetaStore) *MetaSessionCache {
	return &MetaSessionCache{meta: meta}
}

func (c *MetaSessionCache) Get(ctx context.Context, userID uuid.UUID) (*CachedSession, bool, error) {
	values, err := c.meta.All(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	token := values[MetaSessionToken]
	if token == "" {
		return nil, false, nil
	}

	return &CachedSession{
		Token:     token,
		LoginAt:   parseUnix(values[MetaLastLogin]),
		ExpiresAt: parseUnix(values[MetaSessionExpiresAt]),
	}, true, nil
}

func (c *MetaSessionCache) Put(ctx context.Context, userID uuid.UUID, session CachedSession) error {
	values := map[string]string{
		MetaSessionToken:     session.Token,
		MetaSessionExpiresAt: formatUnix(session.ExpiresAt),
	}
	if !session.LoginAt.IsZero() {
		values[MetaLastLogin] = formatUnix(session.LoginAt)
	}
	return c.meta.SetMany(ctx, userID, values)
}

func (c *MetaSessionCache) Delete(ctx context.Context, userID uuid.UUID) error {
	return c.meta.Delete(ctx, userID, MetaSessionToken, MetaSessionExpiresAt)
}

func formatUnix(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.Unix(), 10)
}

func parseUnix(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}
