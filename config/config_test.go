package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bridge "github.com/goliatone/go-auth-bridge"
)

func validConfig() BaseConfig {
	return BaseConfig{
		App:    App{Name: "auth-bridge"},
		Server: Server{Address: ":8573"},
		Bridge: Bridge{SharedSecret: "0123456789abcdef"},
		LocalPersistence: Persistence{
			Driver: "sqlite",
			DSN:    "file::memory:",
		},
		ProviderPersistence: Persistence{
			Driver: "sqlite",
			DSN:    "file::memory:",
		},
	}
}

func TestBaseConfig_Validate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cfg := validConfig()
	cfg.Bridge.SharedSecret = "short"
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Bridge.SessionTTLExpression = "one day"
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Redis.Enabled = true
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Server.CookieSameSite = "Sometimes"
	assert.Error(t, cfg.Validate())
}

func TestBridge_Defaults(t *testing.T) {
	var b Bridge

	assert.Equal(t, bridge.DefaultSignatureWindow, b.GetSignatureWindow())
	assert.Equal(t, bridge.DefaultSessionTTL, b.GetSessionTTL())
	assert.Equal(t, bridge.DefaultSessionCookieName, b.GetSessionCookieName())
	assert.Equal(t, bridge.DefaultLookupAttempts, b.GetLookupAttempts())
	assert.Equal(t, bridge.DefaultLookupDelay, b.GetLookupDelay())
	assert.Equal(t, bridge.DefaultSyncAttempts, b.GetSyncAttempts())
	assert.Equal(t, bridge.DefaultSyncDelay, b.GetSyncDelay())
	assert.Equal(t, bridge.DefaultBulkConcurrency, b.GetBulkConcurrency())
	assert.Equal(t, bridge.DefaultBulkItemTimeout, b.GetBulkItemTimeout())
}

func TestBridge_Overrides(t *testing.T) {
	b := Bridge{
		SignatureWindowExpression: "60s",
		SessionTTLExpression:      "2h",
		LookupAttempts:            5,
		BulkConcurrency:           8,
		AutoSyncRoles:             []string{"editor"},
	}

	assert.Equal(t, time.Minute, b.GetSignatureWindow())
	assert.Equal(t, 2*time.Hour, b.GetSessionTTL())
	assert.Equal(t, 5, b.GetLookupAttempts())
	assert.Equal(t, 8, b.GetBulkConcurrency())
	assert.Equal(t, []string{"editor"}, b.GetAutoSyncRoles())
}

func TestServer_GetPrefix(t *testing.T) {
	assert.Equal(t, "/bridge", Server{}.GetPrefix())
	assert.Equal(t, "/api/bridge", Server{Prefix: "api/bridge/"}.GetPrefix())
}

func TestPersistence_GetPingTimeout(t *testing.T) {
	assert.Equal(t, 5*time.Second, Persistence{}.GetPingTimeout())
	assert.Equal(t, time.Second, Persistence{PingTimeoutExpression: "1s"}.GetPingTimeout())
	assert.Panics(t, func() {
		Persistence{PingTimeoutExpression: "soon"}.GetPingTimeout()
	})
}
