// Package sessioncache stores cached provider sessions in Redis.
package sessioncache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	bridge "github.com/goliatone/go-auth-bridge"
)

// DefaultPrefix namespaces session keys
const DefaultPrefix = "bridge:session:"

// RedisCache keeps one JSON encoded session per local user. Keys expire
// with the session.
type RedisCache struct {
	client redis.Cmdable
	prefix string
	clock  bridge.Clock
}

var _ bridge.SessionCache = (*RedisCache)(nil)

// Option configures a RedisCache
type Option func(*RedisCache)

// WithPrefix sets the key prefix
func WithPrefix(prefix string) Option {
	return func(c *RedisCache) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithClock injects the time source used to compute key TTLs
func WithClock(clock bridge.Clock) Option {
	return func(c *RedisCache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// New returns a cache over client
func New(client redis.Cmdable, opts ...Option) *RedisCache {
	c := &RedisCache{
		client: client,
		prefix: DefaultPrefix,
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *RedisCache) key(userID uuid.UUID) string {
	return c.prefix + userID.String()
}

func (c *RedisCache) Get(ctx context.Context, userID uuid.UUID) (*bridge.CachedSession, bool, error) {
	val, err := c.client.Get(ctx, c.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	session := &bridge.CachedSession{}
	if err := json.Unmarshal([]byte(val), session); err != nil {
		return nil, false, err
	}
	return session, true, nil
}

// Put stores session until its expiry. An already expired session removes
// the key.
func (c *RedisCache) Put(ctx context.Context, userID uuid.UUID, session bridge.CachedSession) error {
	ttl := session.ExpiresAt.Sub(c.clock())
	if session.ExpiresAt.IsZero() {
		ttl = 0
	} else if ttl <= 0 {
		return c.Delete(ctx, userID)
	}

	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(userID), data, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, userID uuid.UUID) error {
	return c.client.Del(ctx, c.key(userID)).Err()
}
